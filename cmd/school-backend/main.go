// ABOUTME: Entry point for the school records upstream peer
// ABOUTME: Answers students.* and teachers.* methods over websocket from a SQLite store

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/tool-relay/internal/backend"
	"github.com/2389/tool-relay/internal/config"
	"github.com/2389/tool-relay/internal/logging"
	"github.com/2389/tool-relay/internal/store"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("school-backend", flag.ContinueOnError)
	configPath := fs.String("config", "", "gateway config file (for database and logging settings)")
	addr := fs.String("addr", "127.0.0.1:8000", "listen address")
	dbPath := fs.String("db", "", "database path (default database.path from the config)")
	seed := fs.Int("seed", 0, "seed this many students into an empty store before serving")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.LoadOrDefault(*configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format, os.Stdout)

	path := *dbPath
	if path == "" {
		path = cfg.Database.Path
	}
	s, err := store.NewSQLiteStore(path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if *seed > 0 {
		existing, err := s.ListStudents(ctx, 0, 1)
		if err != nil {
			return fmt.Errorf("checking store: %w", err)
		}
		if len(existing) == 0 {
			if err := s.Seed(ctx, store.SeedOptions{Students: *seed, Teachers: max(1, *seed/15), RandSeed: 42}); err != nil {
				return fmt.Errorf("seeding: %w", err)
			}
			logger.Info("seeded store", "students", *seed)
		}
	}

	peer, err := backend.New(backend.Config{Store: s, Workers: cfg.Dispatch.Workers, Logger: logger})
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", peer)
	mux.Handle("/", peer)
	srv := &http.Server{Addr: *addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	color.New(color.FgGreen).Print("    ▶ ")
	fmt.Printf("school-backend on ws://%s/ws (%d methods)\n\n", *addr, peer.Registry().Len())

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
