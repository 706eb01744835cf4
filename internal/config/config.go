// Package config provides the hot-reloadable vhost configuration lookup
// the core consumes from the (external) configuration loader: Get(vhost,
// key) -> value. The store is swapped atomically on reload so readers
// never block and never observe a half-applied update.
package config

import (
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v3"
)

// Store is a hot-reloadable vhost -> key -> value lookup table.
type Store struct {
	data atomic.Pointer[data]
}

type data struct {
	Vhosts map[string]map[string]string
}

// New creates an empty store. Use Load or Set to populate it.
func New() *Store {
	s := &Store{}
	s.data.Store(&data{Vhosts: map[string]map[string]string{}})
	return s
}

// Get looks up key for vhost. ok is false if either the vhost or the key
// is absent. Falls back to the special "*" vhost for global defaults.
func (s *Store) Get(vhost, key string) (string, bool) {
	d := s.data.Load()
	if d == nil {
		return "", false
	}
	if vh, ok := d.Vhosts[vhost]; ok {
		if v, ok := vh[key]; ok {
			return v, true
		}
	}
	if vh, ok := d.Vhosts["*"]; ok {
		if v, ok := vh[key]; ok {
			return v, true
		}
	}
	return "", false
}

// Set atomically replaces the entire table (used by tests and by Load).
func (s *Store) Set(vhosts map[string]map[string]string) {
	s.data.Store(&data{Vhosts: vhosts})
}

// fileFormat mirrors the on-disk YAML shape:
//
//	vhosts:
//	  live.example.com:
//	    hls.fragment: 2s
//	  "*":
//	    hls.window: "3"
type fileFormat struct {
	Vhosts map[string]map[string]string `yaml:"vhosts"`
}

// Load reads and parses a YAML configuration file, replacing the store's
// contents atomically. Safe to call repeatedly for hot reload (e.g. from
// a SIGHUP handler or a Fast Timer subscription).
func (s *Store) Load(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var ff fileFormat
	if err := yaml.Unmarshal(raw, &ff); err != nil {
		return err
	}
	if ff.Vhosts == nil {
		ff.Vhosts = map[string]map[string]string{}
	}
	s.Set(ff.Vhosts)
	return nil
}
