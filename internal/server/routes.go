package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"archeirelay/internal/config"
	"archeirelay/internal/db"
	"archeirelay/internal/metrics"
	"archeirelay/internal/relay"
	"archeirelay/internal/snapshots"
	"archeirelay/internal/wshub"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const (
	persistBufferSize = 1000
	shutdownTimeout   = 10 * time.Second
)

func Run() error {
	envErr := godotenv.Load()

	appCfg, err := config.Load()
	if err != nil {
		return err
	}
	setupLogger(appCfg.Level())
	if envErr != nil {
		slog.Debug("no .env file found, using environment variables")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hub := wshub.NewHub(m)
	cache := snapshots.NewCache(m)
	router := relay.NewRouter(hub, cache, m)
	srv := NewServer(appCfg, hub, router, reg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Optional database connection
	if appCfg.DatabaseURL != "" {
		database, err := openSnapshotStore(appCfg.DatabaseURL, cache)
		if err != nil {
			slog.Warn("database unavailable, running without persistence", "error", err)
		} else {
			buffer := make(chan snapshots.Entry, persistBufferSize)
			cache.PersistTo(buffer)
			writerCtx, stopWriter := context.WithCancel(context.Background())
			done := make(chan struct{})
			go func() {
				defer close(done)
				snapshotBatchWriter(writerCtx, database, buffer, appCfg.PersistInterval)
			}()
			defer func() {
				stopWriter()
				<-done
				database.Close()
			}()
		}
	} else {
		slog.Info("DATABASE_URL not set, running without persistence")
	}

	httpServer := &http.Server{
		Addr:    appCfg.Addr(),
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", appCfg.Addr())
		serveErr <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	slog.Info("server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "error", err)
	}
	// Shutdown does not track hijacked websockets.
	if err := srv.CloseConnections(shutdownCtx); err != nil {
		slog.Error("closing websocket connections", "error", err)
	}
	return nil
}

// openSnapshotStore connects, migrates and loads persisted snapshots into cache.
func openSnapshotStore(dsn string, cache *snapshots.Cache) (*db.DB, error) {
	database, err := db.Connect(dsn)
	if err != nil {
		return nil, err
	}
	if err := database.Migrate(); err != nil {
		database.Close()
		return nil, fmt.Errorf("migrating: %w", err)
	}
	stored, err := database.LoadSnapshots()
	if err != nil {
		database.Close()
		return nil, err
	}
	n := cache.Restore(toEntries(stored))
	slog.Info("database connected and migrations applied", "restoredSnapshots", n)
	return database, nil
}

func setupLogger(level slog.Level) {
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
