package server

// Egress packager wiring: each publish that creates a new Source gets a
// fresh set of packager instances built from this server's Config, since a
// Packager is attached to exactly one Source for its lifetime (§9).

import (
	"github.com/alxayo/go-rtmp/internal/packager"
	"github.com/alxayo/go-rtmp/internal/packager/dvr"
	"github.com/alxayo/go-rtmp/internal/packager/fmp4"
	"github.com/alxayo/go-rtmp/internal/packager/hls"
)

// buildPackagers constructs the egress packagers enabled by s.cfg. A
// format is enabled by giving it a non-empty output directory; absent
// directories mean that format is skipped entirely for this server.
func (s *Server) buildPackagers(identity string) []packager.Packager {
	var pkgs []packager.Packager

	if s.cfg.HLSDir != "" {
		pkgs = append(pkgs, hls.New(hls.Config{
			Dir:              s.cfg.HLSDir,
			FragmentDuration: s.cfg.FragmentDuration,
			WindowCount:      s.cfg.WindowCount,
			Logger:           s.log,
			Hooks:            s.hookManager,
		}))
	}
	if s.cfg.FMP4Dir != "" {
		pkgs = append(pkgs, fmp4.New(fmp4.Config{
			Dir:              s.cfg.FMP4Dir,
			FragmentDuration: s.cfg.FragmentDuration,
			WindowCount:      s.cfg.WindowCount,
			Logger:           s.log,
			Hooks:            s.hookManager,
		}))
	}
	if s.cfg.DVRDir != "" {
		plan := dvr.PlanSession
		if s.cfg.DVRSegmentDuration > 0 {
			plan = dvr.PlanSegment
		}
		pkgs = append(pkgs, dvr.NewFLVWriter(dvr.Config{
			Dir:             s.cfg.DVRDir,
			Plan:            plan,
			SegmentDuration: s.cfg.DVRSegmentDuration,
			Logger:          s.log,
			Hooks:           s.hookManager,
		}))
	}

	s.log.Debug("packagers built for publish", "identity", identity, "count", len(pkgs))
	return pkgs
}
