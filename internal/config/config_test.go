package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BADGER_DATA_DUMP_PERIOD", "")

	s, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if s.Listen != ":8080" {
		t.Fatalf("expected default listen :8080, got %q", s.Listen)
	}
	if s.DataDumpPeriod != 5*time.Second {
		t.Fatalf("expected default dump period 5s, got %s", s.DataDumpPeriod)
	}
	if s.YieldInterval != 100*time.Millisecond {
		t.Fatalf("expected default yield 100ms, got %s", s.YieldInterval)
	}
	if got, want := s.DBPath, filepath.Join("data/archive", "runs.db"); got != want {
		t.Fatalf("expected db path %q, got %q", want, got)
	}
	if !s.IsRecordingInterface() {
		t.Fatal("expected interface recording on by default")
	}
}

func TestLoadFileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "badger.yaml")
	body := `
archive_root: "~/badger-archive"
data_dump_period: 1m
record_interface: false
`
	if err := os.WriteFile(path, []byte(body), 0644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	t.Setenv("BADGER_DATA_DUMP_PERIOD", "2.5")

	s, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		t.Fatalf("UserHomeDir unavailable for test: %v", err)
	}
	if got, want := s.ArchiveRoot, filepath.Join(home, "badger-archive"); got != want {
		t.Fatalf("expected expanded archive_root %q, got %q", want, got)
	}
	if s.DataDumpPeriod != 2500*time.Millisecond {
		t.Fatalf("expected env override 2.5s, got %s", s.DataDumpPeriod)
	}
	if s.IsRecordingInterface() {
		t.Fatal("expected interface recording disabled")
	}
}

func TestLoadRejectsBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("listen: [\n"), 0644); err != nil {
		t.Fatalf("write settings: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestStoreDumpPeriod(t *testing.T) {
	st := NewStore(Settings{DataDumpPeriod: time.Second})
	if st.DumpPeriod() != time.Second {
		t.Fatalf("expected 1s, got %s", st.DumpPeriod())
	}
	if err := st.SetDumpPeriod(3 * time.Second); err != nil {
		t.Fatalf("SetDumpPeriod: %v", err)
	}
	if st.Get().DataDumpPeriod != 3*time.Second {
		t.Fatalf("expected 3s, got %s", st.Get().DataDumpPeriod)
	}
	if err := st.SetDumpPeriod(-time.Second); err == nil {
		t.Fatal("expected error for negative period")
	}
}

func TestParseDuration(t *testing.T) {
	cases := map[string]time.Duration{
		"30s":  30 * time.Second,
		"2.5":  2500 * time.Millisecond,
		" 1m ": time.Minute,
		"0":    0,
	}
	for in, want := range cases {
		got, err := ParseDuration(in)
		if err != nil {
			t.Fatalf("ParseDuration(%q): %v", in, err)
		}
		if got != want {
			t.Fatalf("ParseDuration(%q) = %s, want %s", in, got, want)
		}
	}
	if _, err := ParseDuration("soon"); err == nil {
		t.Fatal("expected error for malformed duration")
	}
}
