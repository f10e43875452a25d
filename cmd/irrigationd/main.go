package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/goatboynz/pro-irrigation-addon/internal/clock"
	"github.com/goatboynz/pro-irrigation-addon/internal/configstore"
	"github.com/goatboynz/pro-irrigation-addon/internal/hostclient"
	"github.com/goatboynz/pro-irrigation-addon/internal/manual"
	"github.com/goatboynz/pro-irrigation-addon/internal/supervisor"
	"github.com/goatboynz/pro-irrigation-addon/internal/timeline"
)

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "irrigationd: failed to read .env: %v\n", err)
	}

	log := newLogger(os.Getenv("LOG_LEVEL"))

	store, err := newConfigStore(log)
	if err != nil {
		log.Fatal().Err(err).Msg("irrigationd: failed to initialize config store")
	}

	baseURL := os.Getenv("HOST_BASE_URL")
	if baseURL == "" {
		log.Fatal().Msg("irrigationd: HOST_BASE_URL is required")
	}
	token := os.Getenv("HOST_SUPERVISOR_TOKEN")
	if token == "" {
		log.Fatal().Msg("irrigationd: HOST_SUPERVISOR_TOKEN is required")
	}

	client := hostclient.New(baseURL, token, 10, 20, clock.System{}, log)
	tl := timeline.NewStore(2048)
	sv := supervisor.New(store, client, clock.System{}, log, tl)
	manualCtl := manual.New(store, sv, log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	sv.Start(ctx)
	log.Info().Str("host", baseURL).Msg("irrigationd: supervisor started")

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	registerDebugRoutes(mux, sv, manualCtl, log)

	addr := os.Getenv("LISTEN_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		log.Info().Str("addr", addr).Msg("irrigationd: http listener starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("irrigationd: http listener stopped unexpectedly")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("irrigationd: shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("irrigationd: http server did not shut down cleanly")
	}

	settings := configstore.DefaultSettings()
	if snap, err := store.Snapshot(context.Background()); err == nil {
		settings = snap.Settings
	}
	grace := 2 * time.Duration(settings.StuckLockTimeoutSec) * time.Second
	if err := sv.Shutdown(grace); err != nil {
		log.Warn().Err(err).Msg("irrigationd: executors did not quiesce within grace period")
	}
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Str("service", "irrigationd").
		Logger()
}

// newConfigStore picks a Store backend from the environment: Postgres
// (optionally paired with Redis for change notification) when
// DATABASE_URL is set, otherwise a file-backed store watching DATA_DIR.
func newConfigStore(log zerolog.Logger) (configstore.Store, error) {
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		pg, err := configstore.NewPostgresStore(context.Background(), dsn)
		if err != nil {
			return nil, fmt.Errorf("postgres store: %w", err)
		}
		if redisAddr := os.Getenv("REDIS_ADDR"); redisAddr != "" {
			notifier, err := configstore.NewRedisNotifier(context.Background(), redisAddr, os.Getenv("REDIS_PASSWORD"), 0)
			if err != nil {
				return nil, fmt.Errorf("redis notifier: %w", err)
			}
			return configstore.WithNotifier(pg, notifier), nil
		}
		log.Warn().Msg("irrigationd: postgres store configured without REDIS_ADDR, config changes won't be pushed")
		return pg, nil
	}

	dataDir := os.Getenv("DATA_DIR")
	if dataDir == "" {
		dataDir = "./data"
	}
	return configstore.NewFileStore(dataDir, log)
}
