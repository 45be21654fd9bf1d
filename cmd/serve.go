package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/cwbudde/badgerctl/internal/config"
	"github.com/cwbudde/badgerctl/internal/driver"
	"github.com/cwbudde/badgerctl/internal/environment"
	"github.com/cwbudde/badgerctl/internal/routine"
	"github.com/cwbudde/badgerctl/internal/scheduler"
	"github.com/cwbudde/badgerctl/internal/server"
	"github.com/cwbudde/badgerctl/internal/telemetry"
)

var (
	listenAddr  string
	noSchedule  bool
	shutdownFor time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server and the routine scheduler",
	Long: `Serves the run-control API, live event streams and the status page.
Routines in the routines directory that carry a schedule are started by cron.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&listenAddr, "addr", "", "Listen address (overrides settings)")
	serveCmd.Flags().BoolVar(&noSchedule, "no-schedule", false, "Do not load scheduled routines")
	serveCmd.Flags().DurationVar(&shutdownFor, "shutdown-timeout", 10*time.Second, "Time allowed for graceful shutdown")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	otelShutdown, err := telemetry.Init(ctx, settings.OTELEndpoint, "badgerctl", version, settings.OTELInsecure)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() { _ = otelShutdown(context.Background()) }()

	arch, closeArchive, err := openArchive(settings)
	if err != nil {
		return err
	}
	defer closeArchive()

	store := config.NewStore(*settings)
	registry := environment.DefaultRegistry()
	record := settings.IsRecordingInterface()

	runs := server.NewRunManager(&server.Launcher{
		NewDriver:     func() driver.Driver { return driver.NewLoop(registry, record) },
		Archiver:      arch,
		Settings:      store,
		YieldInterval: settings.YieldInterval,
		FullTimestamp: settings.FullTimestamp,
		Logger:        logger,
	})

	addr := settings.Listen
	if listenAddr != "" {
		addr = listenAddr
	}
	srv := server.NewServer(addr, runs, store, arch)

	sched := scheduler.New(func(ctx context.Context, r *routine.Routine) error {
		if runs.IsActive(r.Name) {
			slog.Info("Skipping scheduled routine, previous run still active", "routine", r.Name)
			return nil
		}
		_, err := runs.Start(ctx, r, "schedule")
		return err
	})
	if !noSchedule {
		n, err := sched.LoadDir(settings.RoutinesDir)
		if err != nil {
			slog.Warn("Failed to load scheduled routines", "dir", settings.RoutinesDir, "error", err)
		} else {
			slog.Info("Scheduled routines loaded", "count", n, "dir", settings.RoutinesDir)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownFor)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		runs.KillAll()
		runs.Wait()
		return err
	})

	if err := g.Wait(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	return nil
}
