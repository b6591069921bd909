package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"

	"github.com/parallaxdata/skiff/pkg/catalog"
	"github.com/parallaxdata/skiff/pkg/datasource"
	"github.com/parallaxdata/skiff/pkg/engine"
	"github.com/parallaxdata/skiff/pkg/results"
	"github.com/parallaxdata/skiff/pkg/server"
	"github.com/parallaxdata/skiff/pkg/server/metrics"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultListenAddr  = ":8090"
	defaultMetricsAddr = ":8091"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	if cfg.ShowVersion {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		return nil
	}

	log := newLogger(cfg.Verbose)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", cfg.MetricsAddr)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				os.Exit(1)
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			http.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, nil); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
				os.Exit(1)
			}
		}()
	}

	store, err := datasource.NewStore(ctx, datasource.StoreConfig{
		Logger:  log,
		ConnStr: cfg.PostgresURL,
	})
	if err != nil {
		return fmt.Errorf("failed to create datasource store: %w", err)
	}
	defer store.Close()

	eng, err := engine.NewDuck(ctx, engine.DuckConfig{
		Logger:    log,
		Workspace: cfg.Workspace,
	})
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer func() {
		if err := eng.Close(); err != nil {
			log.Error("failed to close engine", "error", err)
		}
	}()

	coordinator, err := catalog.New(catalog.Config{
		Logger:        log,
		Engine:        eng,
		Loader:        store,
		Conversations: store,
		Prober:        datasource.NewObjectStoreProbe(log),
		Workspace:     cfg.Workspace,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	resultCache, err := results.New(results.Config{
		Logger: log,
		TTL:    cfg.ResultTTL,
	})
	if err != nil {
		return fmt.Errorf("failed to create result cache: %w", err)
	}
	defer resultCache.Stop()

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}

	srv, err := server.New(server.Config{
		Logger:      log,
		Coordinator: coordinator,
		Engine:      eng,
		Results:     resultCache,
		Listener:    listener,
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	return srv.Run(ctx)
}

type Config struct {
	ShowVersion bool
	Verbose     bool

	ListenAddr  string
	MetricsAddr string
	Workspace   string
	PostgresURL string
	ResultTTL   time.Duration
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func loadConfig() (Config, error) {
	var cfg Config

	flag.BoolVar(&cfg.ShowVersion, "version", false, "show version and exit")
	flag.BoolVar(&cfg.Verbose, "verbose", false, "verbose mode - show debug logs")
	flag.StringVar(&cfg.ListenAddr, "listen-addr", getenv("SKIFF_LISTEN_ADDR", defaultListenAddr), "address to listen on (env: SKIFF_LISTEN_ADDR)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", getenv("SKIFF_METRICS_ADDR", defaultMetricsAddr), "address for prometheus metrics (env: SKIFF_METRICS_ADDR)")
	flag.StringVar(&cfg.Workspace, "workspace", getenv("SKIFF_WORKSPACE", ""), "workspace directory for engine state (env: SKIFF_WORKSPACE)")
	flag.StringVar(&cfg.PostgresURL, "postgres-url", getenv("SKIFF_POSTGRES_URL", ""), "postgres URL for the datasource/conversation store (env: SKIFF_POSTGRES_URL)")
	flag.DurationVar(&cfg.ResultTTL, "result-ttl", 30*time.Minute, "query result cache TTL")
	flag.Parse()

	if cfg.ShowVersion {
		return cfg, nil
	}

	if cfg.Workspace == "" {
		return Config{}, fmt.Errorf("%w (set SKIFF_WORKSPACE or --workspace)", catalog.ErrWorkspaceUnresolved)
	}
	if cfg.PostgresURL == "" {
		return Config{}, fmt.Errorf("postgres URL is empty (set SKIFF_POSTGRES_URL or --postgres-url)")
	}

	return cfg, nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(a.Value.Time().UTC().Format(time.RFC3339))
			}
			return a
		},
	}))
}
