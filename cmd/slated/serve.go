package main

import (
	"context"
	stderrors "errors"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/docket-hq/slate-sheikah/internal/config"
	"github.com/docket-hq/slate-sheikah/internal/errors"
	"github.com/docket-hq/slate-sheikah/pkg/middleware"
	"github.com/docket-hq/slate-sheikah/pkg/server"
	"github.com/docket-hq/slate-sheikah/pkg/store"
)

// serveOptions holds command-line overrides for the config file.
type serveOptions struct {
	configPath       string
	addr             string
	storeDriver      string
	redisAddr        string
	sqlDSN           string
	s3Bucket         string
	saveInterval     time.Duration
	cleanupThreshold time.Duration
	logLevel         string
	logFormat        string
	metrics          bool
	tracing          bool
}

func serveCmd() *cobra.Command {
	var opts serveOptions

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the collaboration server",
		Long: `Start the collaboration server.

Settings are read from --config, or from slate-sheikah.json or
slate-sheikah.yaml in the working directory. Flags override the file.

Examples:
  slated serve
  slated serve --addr=:9000 --store=redis --redis-addr=localhost:6379
  slated serve --config=deploy/slate-sheikah.yaml --metrics`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts, cmd.Flags())
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}

	bindServeFlags(cmd.Flags(), &opts)
	return cmd
}

func bindServeFlags(f *pflag.FlagSet, opts *serveOptions) {
	bindStoreFlags(f, opts)
	f.StringVarP(&opts.addr, "addr", "a", "", "Listen address (default :8080)")
	f.DurationVar(&opts.saveInterval, "save-interval", 0, "Minimum time between saves of one document (default 2s)")
	f.DurationVar(&opts.cleanupThreshold, "cleanup-threshold", 0, "How long an idle document stays in memory (default 30m)")
	f.StringVar(&opts.logLevel, "log-level", "", "Log level: debug, info, warn or error")
	f.StringVar(&opts.logFormat, "log-format", "", "Log format: text or json")
	f.BoolVar(&opts.metrics, "metrics", false, "Expose Prometheus metrics at /metrics")
	f.BoolVar(&opts.tracing, "tracing", false, "Trace messages and store calls with OpenTelemetry")
}

// bindStoreFlags binds the flags that select the config file and store.
func bindStoreFlags(f *pflag.FlagSet, opts *serveOptions) {
	f.StringVarP(&opts.configPath, "config", "c", "", "Path to a JSON or YAML config file")
	f.StringVar(&opts.storeDriver, "store", "", "Document store: memory, redis, sql or s3")
	f.StringVar(&opts.redisAddr, "redis-addr", "", "Redis address for --store=redis")
	f.StringVar(&opts.sqlDSN, "sql-dsn", "", "Database DSN for --store=sql")
	f.StringVar(&opts.s3Bucket, "s3-bucket", "", "Bucket for --store=s3")
}

// loadConfig reads the config file and applies flags that were set
// explicitly.
func loadConfig(opts serveOptions, flags *pflag.FlagSet) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if opts.configPath != "" {
		cfg, err = config.LoadFile(opts.configPath)
	} else {
		cfg, err = config.Load(".")
	}
	if err != nil {
		return nil, err
	}

	if flags.Changed("addr") {
		cfg.Server.Address = opts.addr
	}
	if flags.Changed("store") {
		cfg.Store.Driver = opts.storeDriver
	}
	if flags.Changed("redis-addr") {
		cfg.Store.Redis.Addr = opts.redisAddr
	}
	if flags.Changed("sql-dsn") {
		cfg.Store.SQL.DSN = opts.sqlDSN
	}
	if flags.Changed("s3-bucket") {
		cfg.Store.S3.Bucket = opts.s3Bucket
	}
	if flags.Changed("save-interval") {
		cfg.Server.SaveInterval = config.Duration(opts.saveInterval)
	}
	if flags.Changed("cleanup-threshold") {
		cfg.Server.CleanupThreshold = config.Duration(opts.cleanupThreshold)
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = opts.logLevel
	}
	if flags.Changed("log-format") {
		cfg.Log.Format = opts.logFormat
	}
	if flags.Changed("metrics") {
		cfg.Server.Metrics = opts.metrics
	}
	if flags.Changed("tracing") {
		cfg.Server.Tracing = opts.tracing
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runServe(ctx context.Context, cfg *config.Config) error {
	if ctx == nil {
		ctx = context.Background()
	}
	logger := cfg.NewLogger(os.Stderr)
	slog.SetDefault(logger)

	docs, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	srv := buildServer(cfg, docs, logger)

	success("slated %s listening on %s", version, cfg.Server.Address)
	info("store: %s", cfg.Store.Driver)
	if cfg.Server.Metrics {
		info("metrics: /metrics")
	}

	if err := srv.Run(ctx); err != nil {
		var opErr *net.OpError
		if stderrors.As(err, &opErr) && opErr.Op == "listen" {
			return errors.New("E200").WithField("server.address").Wrap(err)
		}
		return errors.New("E201").Wrap(err)
	}
	return nil
}

// buildServer wires the document store, observability and connection
// logging into a server.
func buildServer(cfg *config.Config, docs store.DocumentStore, logger *slog.Logger) *server.Server {
	sc := cfg.ServerConfig(logger)

	hooks := store.Hooks(docs)
	sc.OnDocumentLoad = hooks.Load
	sc.OnDocumentSave = hooks.Save

	if cfg.Server.Tracing {
		sc.OnDocumentLoad = middleware.TraceLoad(sc.OnDocumentLoad)
		sc.OnDocumentSave = middleware.TraceSave(sc.OnDocumentSave)
		sc.Middleware = append(sc.Middleware, middleware.OpenTelemetry())
	}

	if cfg.Server.Metrics {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := middleware.NewMetrics(middleware.WithRegistry(reg))
		sc.Observer = metrics
		sc.Middleware = append(sc.Middleware, metrics.Middleware())
		sc.MetricsHandler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg})
	}

	connLogger := logger.With("component", "connections")
	sc.OnConnectionAttached = func(conn *server.Connection, counts server.Counts) {
		connLogger.Debug("participants changed",
			"document_id", conn.DocumentID,
			"participants", counts[conn.DocumentID],
			"documents", len(counts))
	}
	sc.OnConnectionDetached = sc.OnConnectionAttached

	return server.New(sc)
}
