package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/viper"

	"github.com/relayworks/spacesync/internal/config"
	"github.com/relayworks/spacesync/internal/contentstore"
	"github.com/relayworks/spacesync/internal/deltafeed"
	"github.com/relayworks/spacesync/internal/metrics"
	"github.com/relayworks/spacesync/internal/spacesync"
	"github.com/relayworks/spacesync/internal/statusapi"
)

var version = "dev"

func main() {
	env := flag.String("env", envOrDefault("SPACESYNC_ENV", "dev"), "config environment (dev, test, prod)")
	modelFile := flag.String("model", "", "content model file (overrides SPACESYNC_MODEL_FILE)")
	storeDSN := flag.String("store", "", "store DSN (overrides SPACESYNC_STORE_DSN)")
	addr := flag.String("addr", "", "status listener address (overrides SPACESYNC_ADDR)")
	sourceKind := flag.String("source", "", "delta source: http, dir, or ws (overrides SPACESYNC_SOURCE)")
	once := flag.Bool("once", false, "run one sync cycle and exit (http source only)")
	flag.Parse()

	if err := config.InitConfig(*env); err != nil {
		log.Fatalf("failed to initialize config: %v", err)
	}
	overrideIfSet("SPACESYNC_MODEL_FILE", *modelFile)
	overrideIfSet("SPACESYNC_STORE_DSN", *storeDSN)
	overrideIfSet("SPACESYNC_ADDR", *addr)
	overrideIfSet("SPACESYNC_SOURCE", *sourceKind)
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	model, err := contentstore.LoadModelFile(cfg.Store.ModelFile)
	if err != nil {
		log.Fatalf("failed to load content model %s: %v", cfg.Store.ModelFile, err)
	}

	if cfg.Store.MigrateOnStart && dsnScheme(cfg.Store.DSN) == "postgres" {
		if err := contentstore.RunPostgresMigrations(cfg.Store.DSN, cfg.Store.MigrationsPath); err != nil {
			log.Fatalf("failed to apply migrations: %v", err)
		}
		log.Printf("migrations applied")
	}

	store, err := contentstore.BuildStoreFromDSN(cfg.Store.DSN, model)
	if err != nil {
		log.Fatalf("failed to open store %s: %v", cfg.Store.DSN, err)
	}

	manager, err := spacesync.NewManager(store, model, spacesync.ManagerOptions{
		Logger: log.Default(),
		OnEntrySkipped: func(contentType string) {
			metrics.EntriesSkipped.Inc()
		},
	})
	if err != nil {
		log.Fatalf("failed to initialize sync manager: %v", err)
	}

	var pageSource deltafeed.PageSource
	if cfg.Source.Kind == "http" {
		pageSource = deltafeed.NewClient(deltafeed.ClientOptions{
			BaseURL:    cfg.Source.BaseURL,
			Token:      cfg.Source.Token,
			Space:      cfg.Source.Space,
			HTTPClient: &http.Client{Timeout: cfg.Source.Timeout},
		})
	}
	runner, err := deltafeed.NewRunner(manager, deltafeed.RunnerOptions{
		Source:  pageSource,
		Backend: dsnScheme(cfg.Store.DSN),
		Logger:  log.Default(),
	})
	if err != nil {
		log.Fatalf("failed to initialize runner: %v", err)
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	statusServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: statusapi.NewServerWithConfig(runner, statusapi.ServerConfig{Version: version}),
	}
	go func() {
		log.Printf("status listener on %s", cfg.Server.Addr)
		if err := statusServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("status listener failed: %v", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = statusServer.Shutdown(shutdownCtx)
	}()

	switch cfg.Source.Kind {
	case "http":
		runHTTPLoop(rootCtx, runner, cfg, *once)
	case "dir":
		source, err := deltafeed.NewDirSource(runner, deltafeed.DirSourceOptions{
			Dir:    cfg.Source.SpoolDir,
			Logger: log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize spool source: %v", err)
		}
		if err := source.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("spool source failed: %v", err)
		}
	case "ws":
		source, err := deltafeed.NewLiveSource(runner, deltafeed.LiveSourceOptions{
			URL:    cfg.Source.WSURL,
			Token:  cfg.Source.Token,
			Logger: log.Default(),
		})
		if err != nil {
			log.Fatalf("failed to initialize live source: %v", err)
		}
		if err := source.Run(rootCtx); err != nil && !errors.Is(err, context.Canceled) {
			log.Fatalf("live source failed: %v", err)
		}
	}
	log.Printf("sync daemon stopped")
}

func runHTTPLoop(rootCtx context.Context, runner *deltafeed.Runner, cfg *config.Config, once bool) {
	jitter := clampJitterRatio(cfg.Source.IntervalJitter)

	run := func() {
		ctx, cancel := context.WithTimeout(rootCtx, cfg.Source.Timeout)
		defer cancel()
		if err := runner.SyncOnce(ctx); err != nil {
			log.Printf("sync cycle failed: %v", err)
			return
		}
		stats := runner.Snapshot().LastResolution
		log.Printf("sync cycle completed: %d entries visited, %d links resolved, %d dangling",
			stats.EntriesVisited, stats.FieldsLinked, stats.Dangling)
	}

	run()
	if once {
		return
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(cfg.Source.Interval, jitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			log.Printf("sync loop stopping: %v", rootCtx.Err())
			return
		case <-timer.C:
			run()
			timer.Reset(jitteredIntervalWithSample(cfg.Source.Interval, jitter, rng.Float64()))
		}
	}
}

func overrideIfSet(key, value string) {
	if strings.TrimSpace(value) != "" {
		viper.Set(key, strings.TrimSpace(value))
	}
}

func dsnScheme(dsn string) string {
	parsed, err := url.Parse(dsn)
	if err != nil || parsed.Scheme == "" {
		return "memory"
	}
	switch parsed.Scheme {
	case "postgresql":
		return "postgres"
	case "sqlite3":
		return "sqlite"
	case "mem", "inmem":
		return "memory"
	}
	return parsed.Scheme
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
