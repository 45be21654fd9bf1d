// Package config loads application settings from a YAML file and environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// Settings is the application configuration.
type Settings struct {
	Listen      string `yaml:"listen" json:"listen"`
	ArchiveRoot string `yaml:"archive_root" json:"archiveRoot"`
	DBPath      string `yaml:"db_path" json:"dbPath"`
	RoutinesDir string `yaml:"routines_dir" json:"routinesDir"`
	LogLevel    string `yaml:"log_level" json:"logLevel"`

	// DataDumpPeriod is the minimum time between two archive dumps of a running routine.
	DataDumpPeriod time.Duration `yaml:"data_dump_period" json:"dataDumpPeriod"`

	// YieldInterval is the pause after every evaluated batch that lets pause/kill land.
	YieldInterval time.Duration `yaml:"yield_interval" json:"yieldInterval"`

	FullTimestamp   bool  `yaml:"full_timestamp" json:"fullTimestamp"`
	RecordInterface *bool `yaml:"record_interface" json:"recordInterface"`

	OTELEndpoint string `yaml:"otel_endpoint" json:"otelEndpoint"`
	OTELInsecure bool   `yaml:"otel_insecure" json:"otelInsecure"`
}

// IsRecordingInterface reports whether environments should log interface calls.
// Defaults to true when unset.
func (s Settings) IsRecordingInterface() bool {
	if s.RecordInterface == nil {
		return true
	}
	return *s.RecordInterface
}

func applyDefaults(s *Settings) {
	if s.Listen == "" {
		s.Listen = ":8080"
	}
	if s.ArchiveRoot == "" {
		s.ArchiveRoot = "./data/archive"
	}
	s.ArchiveRoot = expandPath(s.ArchiveRoot)
	if s.DBPath == "" {
		s.DBPath = filepath.Join(s.ArchiveRoot, "runs.db")
	}
	s.DBPath = expandPath(s.DBPath)
	if s.RoutinesDir == "" {
		s.RoutinesDir = "./routines"
	}
	s.RoutinesDir = expandPath(s.RoutinesDir)
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.DataDumpPeriod <= 0 {
		s.DataDumpPeriod = 5 * time.Second
	}
	if s.YieldInterval < 0 {
		s.YieldInterval = 0
	} else if s.YieldInterval == 0 {
		s.YieldInterval = 100 * time.Millisecond
	}
	if s.RecordInterface == nil {
		t := true
		s.RecordInterface = &t
	}
}

// applyEnv overrides file values with BADGER_* environment variables.
func applyEnv(s *Settings) {
	s.Listen = envStr("BADGER_LISTEN", s.Listen)
	s.ArchiveRoot = envStr("BADGER_ARCHIVE_ROOT", s.ArchiveRoot)
	s.DBPath = envStr("BADGER_DB_PATH", s.DBPath)
	s.RoutinesDir = envStr("BADGER_ROUTINES_DIR", s.RoutinesDir)
	s.LogLevel = envStr("BADGER_LOG_LEVEL", s.LogLevel)
	s.DataDumpPeriod = envDuration("BADGER_DATA_DUMP_PERIOD", s.DataDumpPeriod)
	s.OTELEndpoint = envStr("BADGER_OTEL_ENDPOINT", s.OTELEndpoint)
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}
	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// Load reads settings from path, applies BADGER_* overrides and defaults.
// A missing file is not an error; an empty path skips the file.
func Load(path string) (*Settings, error) {
	var s Settings
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("failed to read settings: %w", err)
		default:
			if err := yaml.Unmarshal(data, &s); err != nil {
				return nil, fmt.Errorf("failed to parse settings: %w", err)
			}
		}
	}

	applyEnv(&s)
	applyDefaults(&s)
	return &s, nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

// envDuration reads a duration from the environment, keeping defaultVal when
// the variable is unset or malformed.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	if d, err := ParseDuration(v); err == nil {
		return d
	}
	return defaultVal
}

// ParseDuration accepts Go durations ("30s") and plain seconds ("2.5").
func ParseDuration(v string) (time.Duration, error) {
	return routine.ParseDuration(v)
}

// Store holds settings that may change while runs are in progress.
// It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex
	s  Settings
}

// NewStore wraps a copy of s.
func NewStore(s Settings) *Store {
	return &Store{s: s}
}

// Get returns a copy of the current settings.
func (st *Store) Get() Settings {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s
}

// DumpPeriod returns the current minimum interval between archive dumps.
func (st *Store) DumpPeriod() time.Duration {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return st.s.DataDumpPeriod
}

// SetDumpPeriod changes the dump period. Running routines pick it up at their next check.
func (st *Store) SetDumpPeriod(d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("dump period cannot be negative: %s", d)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.s.DataDumpPeriod = d
	return nil
}
