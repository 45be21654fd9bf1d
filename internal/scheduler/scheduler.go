// Package scheduler starts routine runs on cron schedules.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cwbudde/badgerctl/internal/routine"
)

// cronParser supports standard 5-field cron expressions and descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSchedule parses a cron expression and returns a Schedule.
func ParseSchedule(expr string) (cron.Schedule, error) {
	return cronParser.Parse(expr)
}

// FireFunc starts a run of r. It is called from the cron goroutine and
// should return quickly.
type FireFunc func(ctx context.Context, r *routine.Routine) error

// Scheduler fires routines whose schedule is due.
type Scheduler struct {
	mu      sync.Mutex
	cron    *cron.Cron
	fire    FireFunc
	entries map[string]cron.EntryID
	ctx     context.Context
}

// New creates a Scheduler that calls fire when a routine is due.
func New(fire FireFunc) *Scheduler {
	return &Scheduler{
		cron: cron.New(
			cron.WithParser(cronParser),
			cron.WithChain(cron.Recover(cron.DefaultLogger)),
		),
		fire:    fire,
		entries: make(map[string]cron.EntryID),
		ctx:     context.Background(),
	}
}

// Add schedules r by its Schedule field. An existing routine with the same
// name is replaced.
func (s *Scheduler) Add(r *routine.Routine) error {
	if strings.TrimSpace(r.Schedule) == "" {
		return fmt.Errorf("routine %q has no schedule", r.Name)
	}
	schedule, err := ParseSchedule(r.Schedule)
	if err != nil {
		return fmt.Errorf("invalid schedule for %q: %w", r.Name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.entries[r.Name]; ok {
		s.cron.Remove(id)
	}
	s.entries[r.Name] = s.cron.Schedule(schedule, cron.FuncJob(func() {
		s.trigger(r)
	}))
	slog.Info("Routine scheduled", "routine", r.Name, "schedule", r.Schedule)
	return nil
}

func (s *Scheduler) trigger(r *routine.Routine) {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()

	slog.Info("Schedule fired", "routine", r.Name)
	if err := s.fire(ctx, r); err != nil {
		slog.Warn("Scheduled run not started", "routine", r.Name, "error", err)
	}
}

// Remove unschedules the named routine.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.entries[name]; ok {
		s.cron.Remove(id)
		delete(s.entries, name)
	}
}

// Names returns the scheduled routine names in sorted order.
func (s *Scheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// NextRunTime returns the next fire time of the named routine. It is only
// known once the scheduler is running.
func (s *Scheduler) NextRunTime(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return time.Time{}, false
	}
	next := s.cron.Entry(id).Next
	return next, !next.IsZero()
}

// LoadDir schedules every routine file in dir that carries a schedule.
// Files without a schedule are skipped; invalid files are logged and skipped.
func (s *Scheduler) LoadDir(dir string) (int, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read routines directory: %w", err)
	}

	count := 0
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		r, err := routine.Load(path)
		if err != nil {
			slog.Warn("Skipping routine", "path", path, "error", err)
			continue
		}
		if r.Schedule == "" {
			continue
		}
		if err := s.Add(r); err != nil {
			slog.Warn("Skipping routine", "path", path, "error", err)
			continue
		}
		count++
	}
	return count, nil
}

// Run starts the scheduler and blocks until ctx is done, then waits for
// running fire calls to return.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.cron.Start()
	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}
