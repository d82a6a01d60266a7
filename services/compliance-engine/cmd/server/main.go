package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"cattlesense/services/compliance-engine/internal/alerts"
	"cattlesense/services/compliance-engine/internal/compliance"
	"cattlesense/services/compliance-engine/internal/config"
	"cattlesense/services/compliance-engine/internal/database"
	"cattlesense/services/compliance-engine/internal/handlers"
	"cattlesense/services/compliance-engine/internal/locks"
	"cattlesense/services/compliance-engine/internal/logging"
	"cattlesense/services/compliance-engine/internal/metrics"
	"cattlesense/services/compliance-engine/internal/reference"
	"cattlesense/services/compliance-engine/internal/reporting"
	"cattlesense/services/compliance-engine/internal/scheduler"
	"cattlesense/services/compliance-engine/internal/traceability"
	"cattlesense/services/compliance-engine/internal/workflow"
	"cattlesense/shared/utils"
)

const (
	serviceName = "compliance-engine"
	version     = "1.0.0"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string

	root := &cobra.Command{
		Use:           "compliance-engine",
		Short:         "Livestock antimicrobial use traceability and compliance service",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a config file (env AMU_* overrides)")

	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the scheduler and the operational HTTP endpoints",
			RunE: func(cmd *cobra.Command, _ []string) error {
				return withApp(cmd.Context(), configPath, serve)
			},
		},
		newSeedCommand(&configPath),
		&cobra.Command{
			Use:   "verify <livestock-id>",
			Short: "Verify one livestock's traceability chain",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withApp(cmd.Context(), configPath, func(ctx context.Context, a *app) error {
					report, err := a.workflow.Verify(ctx, args[0])
					if err != nil {
						return err
					}
					enc := json.NewEncoder(cmd.OutOrStdout())
					enc.SetIndent("", "  ")
					if err := enc.Encode(report); err != nil {
						return err
					}
					if !report.Valid {
						return fmt.Errorf("chain for %s is broken at index %d", args[0], report.BrokenIndex)
					}
					return nil
				})
			},
		},
		newExportCommand(&configPath),
		newRegionalCommand(&configPath),
	)
	return root
}

func newSeedCommand(configPath *string) *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "seed",
		Short: "Load withdrawal period reference data",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rules := reference.DefaultRules()
			if file != "" {
				f, err := os.Open(file)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", file, err)
				}
				rules, err = reference.LoadRules(f)
				f.Close()
				if err != nil {
					return err
				}
			}

			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				n, err := a.refs.Seed(ctx, rules)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "seeded %d withdrawal rules\n", n)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "YAML file of rules to load instead of the built-in FSSAI table")
	return cmd
}

func newExportCommand(configPath *string) *cobra.Command {
	var format string

	cmd := &cobra.Command{
		Use:   "export <farmer-id> <file>",
		Short: "Write a farmer's AMU report (xlsx, pdf, csv or json)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(args[1]), ".")
			}
			f, err := reporting.ParseFormat(format)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				out, err := os.Create(args[1])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[1], err)
				}
				defer out.Close()
				return a.reports.Export(ctx, f, args[0], a.clock.Now(), out)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "report format; defaults to the file extension")
	return cmd
}

func newRegionalCommand(configPath *string) *cobra.Command {
	var (
		format string
		region database.Region
		days   int
	)

	cmd := &cobra.Command{
		Use:   "regional <file>",
		Short: "Write AMU and MRL compliance figures for a district, a state or everywhere",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(args[0]), ".")
			}
			f, err := reporting.ParseFormat(format)
			if err != nil {
				return err
			}

			return withApp(cmd.Context(), *configPath, func(ctx context.Context, a *app) error {
				out, err := os.Create(args[0])
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", args[0], err)
				}
				defer out.Close()
				return a.reports.ExportRegional(ctx, f, region, days, a.clock.Now(), out)
			})
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "", "report format; defaults to the file extension")
	cmd.Flags().StringVar(&region.District, "district", "", "limit to one district")
	cmd.Flags().StringVar(&region.State, "state", "", "limit to one state when no district is given")
	cmd.Flags().IntVar(&days, "days", reporting.DefaultRegionalDays, "look-back period in days")
	return cmd
}

// app holds every wired component for one process.
type app struct {
	cfg       *config.Config
	logger    *zap.Logger
	registry  *prometheus.Registry
	clock     utils.Clock
	store     *database.GormStore
	redis     redis.UniversalClient
	refs      *reference.Store
	trace     *traceability.Manager
	alerts    *alerts.Service
	workflow  *workflow.Service
	reports   *reporting.Engine
	scheduler *scheduler.Scheduler
}

func withApp(ctx context.Context, configPath string, fn func(ctx context.Context, a *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer logger.Sync()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to start", zap.Error(err))
		return err
	}
	defer a.close()

	return fn(ctx, a)
}

func buildApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, clock: utils.SystemClock{}}

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(a.registry)

	db, err := database.Connect(cfg.Database, cfg.GetDatabaseDSN())
	if err != nil {
		return nil, err
	}
	a.store = database.NewGormStore(db, logger)
	if cfg.Database.AutoMigrate {
		if err := a.store.AutoMigrate(ctx); err != nil {
			a.close()
			return nil, err
		}
	}

	var locker locks.Locker = locks.NewLocal()
	var publisher alerts.Publisher = alerts.NopPublisher{}
	if cfg.Redis.Enabled {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.Database,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := a.redis.Ping(ctx).Err(); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		locker = locks.NewRedis(a.redis, locks.RedisOptions{
			Prefix:    cfg.Redis.LockPrefix,
			TTL:       cfg.Redis.LockTTL,
			Retry:     cfg.Redis.LockRetry,
			WaitLimit: cfg.Redis.LockWaitLimit,
		}, logger)
		publisher = alerts.NewStreamPublisher(a.redis, cfg.Alerts.StreamName, cfg.Alerts.StreamMaxLen)
	}

	a.refs = reference.NewStore(a.store, reference.Options{
		CacheSize: cfg.Compliance.ReferenceCacheSize,
		CacheTTL:  cfg.Compliance.ReferenceCacheTTL,
	}, logger)
	if cfg.Compliance.SeedReferenceData {
		if _, err := a.refs.Seed(ctx, reference.DefaultRules()); err != nil {
			a.close()
			return nil, fmt.Errorf("failed to seed reference data: %w", err)
		}
	}

	a.trace = traceability.NewManager(a.store, locker, a.clock, cfg.Compliance.MaxAppendRetries, collector, logger)
	engine := compliance.NewEngine(a.refs, compliance.Options{
		WindowDays: cfg.Compliance.ExcessiveUseWindowDays,
		Threshold:  cfg.Compliance.ExcessiveUseThreshold,
	}, collector, logger)
	a.alerts = alerts.NewService(a.store, publisher, a.clock, collector, logger)
	a.workflow = workflow.NewService(a.store, a.trace, engine, a.refs, a.alerts, a.clock, collector, logger)
	a.reports = reporting.NewEngine(a.store, logger)

	a.scheduler = scheduler.NewScheduler(collector, logger)
	tasks := []*scheduler.ScheduledTask{
		{
			ID:       scheduler.WithdrawalExpiryTaskID,
			Schedule: cfg.Scheduler.WithdrawalExpirySpec,
			Handler:  scheduler.NewWithdrawalExpiryHandler(a.alerts, a.clock, logger.Named("withdrawal_expiry")),
			Enabled:  cfg.Scheduler.Enabled,
		},
		{
			ID:       scheduler.ChainAuditTaskID,
			Schedule: cfg.Scheduler.ChainAuditSpec,
			Handler:  scheduler.NewChainAuditHandler(a.store, a.trace, a.clock, cfg.Scheduler.ChainAuditLookback, logger.Named("chain_audit")),
			Enabled:  cfg.Scheduler.Enabled,
		},
	}
	for _, task := range tasks {
		if err := a.scheduler.AddTask(task); err != nil {
			a.close()
			return nil, err
		}
	}

	return a, nil
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("Failed to close redis client", zap.Error(err))
		}
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Error("Failed to close database connection", zap.Error(err))
		}
	}
}

func serve(ctx context.Context, a *app) error {
	a.logger.Info("Starting Compliance Engine Service",
		zap.String("service", serviceName),
		zap.String("version", version))

	router := mux.NewRouter()
	handlers.NewOpsHandler(serviceName, a.store, a.scheduler, a.workflow, a.registry, a.logger).RegisterRoutes(router)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.MetricsPort),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a.scheduler.Start()
	defer a.scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
	case <-ctx.Done():
		a.logger.Info("Shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	a.logger.Info("Service stopped")
	return nil
}
