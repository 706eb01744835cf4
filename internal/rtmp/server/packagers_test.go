package server

import "testing"

func TestBuildPackagersEmptyWhenNoDirsConfigured(t *testing.T) {
	s := New(Config{})
	if got := s.buildPackagers("app/stream"); len(got) != 0 {
		t.Fatalf("expected no packagers with no output dirs configured, got %d", len(got))
	}
}

func TestBuildPackagersOnePerConfiguredDir(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{HLSDir: dir, FMP4Dir: dir, DVRDir: dir})

	pkgs := s.buildPackagers("app/stream")
	if len(pkgs) != 3 {
		t.Fatalf("expected 3 packagers (hls, fmp4, dvr-flv), got %d", len(pkgs))
	}
	kinds := map[string]bool{}
	for _, p := range pkgs {
		kinds[p.Kind()] = true
	}
	for _, want := range []string{"hls", "fmp4", "dvr-flv"} {
		if !kinds[want] {
			t.Fatalf("expected a %q packager, got kinds %v", want, kinds)
		}
	}
}

func TestBuildPackagersOnlyEnablesConfiguredFormats(t *testing.T) {
	dir := t.TempDir()
	s := New(Config{DVRDir: dir})
	pkgs := s.buildPackagers("app/stream")
	if len(pkgs) != 1 || pkgs[0].Kind() != "dvr-flv" {
		t.Fatalf("expected only dvr-flv packager, got %v", pkgs)
	}
}
