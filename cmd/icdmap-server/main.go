package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/icdmap/icdmap/internal/config"
	"github.com/icdmap/icdmap/internal/domain/batch"
	"github.com/icdmap/icdmap/internal/domain/icd"
	"github.com/icdmap/icdmap/internal/platform/auth"
	"github.com/icdmap/icdmap/internal/platform/cache"
	"github.com/icdmap/icdmap/internal/platform/db"
	"github.com/icdmap/icdmap/internal/platform/events"
	"github.com/icdmap/icdmap/internal/platform/telemetry"
	"github.com/icdmap/icdmap/migrations"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "icdmap-server",
		Short:        "ICD-10/ICD-9 code mapping and comorbidity scoring API",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(lookupCmd())
	return rootCmd
}

func newLogger(cfg *config.Config, out io.Writer) zerolog.Logger {
	if cfg.IsDev() {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(cfg.Level()).With().Timestamp().Logger()
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	return db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
		Schema:   cfg.DBSchema,
	})
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and batch workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runServer(cfg, newLogger(cfg, os.Stdout))
		},
	}
}

func runServer(cfg *config.Config, logger zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.IsDev() && cfg.AuthSigningKey == "" {
		logger.Warn().Msg("development mode: requests without a token run as " + auth.DevUserID)
	}

	// Database
	pool, err := openPool(ctx, cfg)
	if err != nil {
		return fmt.Errorf("connect to database: %w", err)
	}
	defer pool.Close()
	logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")

	// Result cache
	var resultCache icd.Cache = cache.Nop{}
	if cfg.CacheEnabled() {
		client, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		rc := cache.NewRedisCache(client, "icdmap:", cfg.CacheTTL)
		defer rc.Close()
		if err := rc.Ping(ctx); err != nil {
			// The service degrades to uncached lookups on cache errors.
			logger.Warn().Err(err).Msg("redis unreachable, continuing")
		}
		resultCache = rc
		logger.Info().Dur("ttl", cfg.CacheTTL).Msg("result cache enabled")
	}

	// Job events
	var publisher events.Publisher = events.Nop{}
	if cfg.EventsEnabled() {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Info().Strs("brokers", cfg.KafkaBrokers).Str("topic", cfg.KafkaTopic).Msg("job events enabled")
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Warn().Err(err).Msg("close event publisher")
		}
	}()

	metrics := telemetry.NewRegistry()

	// Domain
	svc := icd.NewService(icd.NewStorePG(pool), resultCache, logger)
	jobs := batch.NewRepoPG(pool)
	proc := batch.NewProcessor(jobs, svc, publisher, batch.Config{
		Workers:   cfg.BatchWorkers,
		QueueSize: cfg.BatchQueueSize,
		MaxCodes:  cfg.BatchMaxCodes,
		Observer:  metrics,
	}, logger)
	registerGauges(metrics, pool, proc)

	// Workers stop only after the HTTP server has drained. Interrupted jobs
	// stay processing and resume on the next start.
	procCtx, cancelProc := context.WithCancel(context.Background())
	defer cancelProc()
	proc.Start(procCtx)

	// Interrupted jobs are queued before the listener accepts new ones.
	if _, err := proc.Resume(ctx); err != nil {
		logger.Error().Err(err).Msg("resume batch jobs")
	}

	e := newServer(cfg, logger, metrics, pool, icd.NewHandler(svc), batch.NewHandler(jobs, proc))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return e.Shutdown(sctx)
	})

	err = g.Wait()
	cancelProc()
	proc.Wait()
	logger.Info().Msg("server stopped")
	return err
}

func registerGauges(metrics *telemetry.Registry, pool *pgxpool.Pool, proc *batch.Processor) {
	metrics.RegisterGauge("db_pool_acquired_connections", "Connections currently checked out of the pool.",
		func() int64 { return int64(pool.Stat().AcquiredConns()) })
	metrics.RegisterGauge("db_pool_idle_connections", "Idle connections in the pool.",
		func() int64 { return int64(pool.Stat().IdleConns()) })
	metrics.RegisterGauge("icdmap_batch_queue_depth", "Batch jobs waiting for a worker.",
		func() int64 { return int64(proc.QueueDepth()) })
}

func migrationSource(cfg *config.Config, dir string) fs.FS {
	if dir == "" {
		dir = cfg.MigrationsDir
	}
	if dir != "" {
		return os.DirFS(dir)
	}
	return migrations.FS
}

func newMigrator(cmd *cobra.Command) (*db.Migrator, func(), error) {
	dir, _ := cmd.Flags().GetString("dir")
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	pool, err := openPool(cmd.Context(), cfg)
	if err != nil {
		return nil, nil, err
	}
	m, err := db.NewMigrator(pool, migrationSource(cfg, dir), cfg.DBSchema)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return m, pool.Close, nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the embedded set")

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			count, err := m.Up(cmd.Context())
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := newMigrator(cmd)
			if err != nil {
				return err
			}
			defer closeFn()

			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printStatus(cmd.OutOrStdout(), statuses)
			return nil
		},
	})
	return cmd
}

func printStatus(w io.Writer, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func lookupCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lookup <code>",
		Short: "Resolve, convert and score one code against the database",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			system, _ := cmd.Flags().GetString("system")
			if _, ok := icd.ParseSystem(system); !ok {
				return fmt.Errorf("%w: %q", icd.ErrUnsupportedSystem, system)
			}
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			pool, err := openPool(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer pool.Close()

			svc := icd.NewService(icd.NewStorePG(pool), nil, zerolog.Nop())
			ann, err := svc.Annotate(cmd.Context(), args[0], system)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), ann)
		},
	}
	cmd.Flags().String("system", "auto", "Code system: auto, icd10 or icd9")
	return cmd
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
