// Package run contains the command to run a placer server.
package run

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/placer-project/placer/internal/build"
	"github.com/placer-project/placer/pkg/logger"
	"github.com/placer-project/placer/pkg/server"
	serverconfig "github.com/placer-project/placer/pkg/server/config"
	"github.com/placer-project/placer/pkg/storage"
	"github.com/placer-project/placer/pkg/storage/memory"
	"github.com/placer-project/placer/pkg/storage/mysql"
	"github.com/placer-project/placer/pkg/storage/postgres"
	"github.com/placer-project/placer/pkg/storage/sqlcommon"
	"github.com/placer-project/placer/pkg/storage/sqlite"
)

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the placer server",
		Long:  "Run the placer server.",
		Run:   run,
		Args:  cobra.NoArgs,
	}

	defaults := serverconfig.DefaultConfig()
	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, defaults.Datastore.Engine, "the datastore engine that will be used for persistence ('memory', 'postgres', 'mysql', 'sqlite')")
	flags.String(datastoreURIFlag, "", "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	flags.String(datastoreUsernameFlag, "", "the connection username to connect to the datastore (overwrites any username provided in the connection uri)")
	flags.String(datastorePasswordFlag, "", "the connection password to connect to the datastore (overwrites any password provided in the connection uri)")
	flags.Int(datastoreMaxOpenConnsFlag, 30, "the maximum number of open connections to the datastore")
	flags.Int(datastoreMaxIdleConnsFlag, 10, "the maximum number of connections to the datastore in the idle connection pool")
	flags.Duration(datastoreConnMaxIdleTimeFlag, 0, "the maximum amount of time a connection to the datastore may be idle")
	flags.Duration(datastoreConnMaxLifetimeFlag, 0, "the maximum amount of time a connection to the datastore may be reused")
	flags.Bool(datastoreMetricsFlag, false, "enable datastore connection pool metrics")

	flags.String(logFormatFlag, defaults.Log.Format, "the log format to output logs in ('text', 'json')")
	flags.String(logLevelFlag, defaults.Log.Level, "the log level to use ('none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal')")

	flags.Bool(metricsEnabledFlag, true, "enable a metrics and health endpoint")
	flags.String(metricsAddrFlag, "0.0.0.0:2112", "the host:port address to serve the metrics and health endpoint on")

	flags.String(incompleteProjectFlag, defaults.IncompleteProjectUUID, "the sentinel project uuid attached to consumers without an ownership chain")
	flags.String(incompleteUserFlag, defaults.IncompleteUserUUID, "the sentinel user uuid attached to consumers without an ownership chain")
	flags.Int(incompleteBatchSizeFlag, defaults.IncompleteBatchSize, "the number of ownerless consumers repaired per pass")
	flags.Duration(incompleteIntervalFlag, time.Minute, "how often to repair ownerless consumers (0 disables the repair loop)")

	flags.Int(maxConflictRetriesFlag, defaults.MaxConflictRetries, "the number of times an allocation write retries a lost consumer generation race")

	// NOTE: if you add a new flag here, update the binding function in flags.go, too

	cmd.PreRun = bindRunFlags(flags)

	return cmd
}

func run(_ *cobra.Command, _ []string) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := readConfig()

	log := logger.MustNewLogger(cfg.Log.Format, cfg.Log.Level)

	if err := cfg.Verify(); err != nil {
		log.Fatal("invalid server configuration", zap.Error(err))
	}

	datastore, err := buildDatastore(cfg, log)
	if err != nil {
		log.Fatal("failed to initialize datastore", zap.Error(err))
	}
	defer datastore.Close()

	srv := server.New(&server.Dependencies{
		Datastore: datastore,
		Logger:    log,
	}, server.NewConfig(cfg))

	log.Info("starting placer service...",
		zap.String("version", build.Version),
		zap.String("date", build.Date),
		zap.String("commit", build.Commit),
		zap.String("go-version", runtime.Version()),
		zap.String("datastore-engine", cfg.Datastore.Engine),
	)

	status, err := datastore.IsReady(ctx)
	if err != nil {
		log.Fatal("failed to check datastore readiness", zap.Error(err))
	}
	if !status.IsReady {
		log.Fatal("datastore is not ready", zap.String("message", status.Message))
	}

	g, ctx := errgroup.WithContext(ctx)

	if viper.GetBool(metricsEnabledFlag) {
		g.Go(func() error {
			return serveMetrics(ctx, srv, log, viper.GetString(metricsAddrFlag))
		})
	}

	if interval := viper.GetDuration(incompleteIntervalFlag); interval > 0 {
		g.Go(func() error {
			return repairLoop(ctx, srv, interval)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("failed to run placer server", zap.Error(err))
	}

	log.Info("server exiting. Goodbye")
}

func readConfig() *serverconfig.Config {
	cfg := serverconfig.DefaultConfig()

	cfg.Datastore.Engine = viper.GetString(datastoreEngineFlag)
	cfg.Datastore.URI = viper.GetString(datastoreURIFlag)
	cfg.Datastore.Username = viper.GetString(datastoreUsernameFlag)
	cfg.Datastore.Password = viper.GetString(datastorePasswordFlag)
	cfg.Datastore.MaxOpenConns = viper.GetInt(datastoreMaxOpenConnsFlag)
	cfg.Datastore.MaxIdleConns = viper.GetInt(datastoreMaxIdleConnsFlag)
	cfg.Datastore.ConnMaxIdleTime = viper.GetDuration(datastoreConnMaxIdleTimeFlag)
	cfg.Datastore.ConnMaxLifetime = viper.GetDuration(datastoreConnMaxLifetimeFlag)
	cfg.Datastore.Metrics = viper.GetBool(datastoreMetricsFlag)

	cfg.Log.Format = viper.GetString(logFormatFlag)
	cfg.Log.Level = viper.GetString(logLevelFlag)

	cfg.IncompleteProjectUUID = viper.GetString(incompleteProjectFlag)
	cfg.IncompleteUserUUID = viper.GetString(incompleteUserFlag)
	cfg.IncompleteBatchSize = viper.GetInt(incompleteBatchSizeFlag)
	cfg.MaxConflictRetries = viper.GetInt(maxConflictRetriesFlag)

	return cfg
}

func buildDatastore(cfg *serverconfig.Config, log logger.Logger) (storage.PlacerDatastore, error) {
	engine := cfg.Datastore.Engine
	if engine == "memory" {
		return memory.New(), nil
	}

	opts := []sqlcommon.DatastoreOption{
		sqlcommon.WithLogger(log),
		sqlcommon.WithMaxOpenConns(cfg.Datastore.MaxOpenConns),
		sqlcommon.WithMaxIdleConns(cfg.Datastore.MaxIdleConns),
		sqlcommon.WithConnMaxIdleTime(cfg.Datastore.ConnMaxIdleTime),
		sqlcommon.WithConnMaxLifetime(cfg.Datastore.ConnMaxLifetime),
	}
	if cfg.Datastore.Username != "" {
		opts = append(opts, sqlcommon.WithUsername(cfg.Datastore.Username))
	}
	if cfg.Datastore.Password != "" {
		opts = append(opts, sqlcommon.WithPassword(cfg.Datastore.Password))
	}
	if cfg.Datastore.Metrics {
		opts = append(opts, sqlcommon.WithMetrics())
	}

	dsCfg := sqlcommon.NewConfig(opts...)

	switch engine {
	case "postgres":
		return postgres.New(cfg.Datastore.URI, dsCfg)
	case "mysql":
		return mysql.New(cfg.Datastore.URI, dsCfg)
	case "sqlite":
		return sqlite.New(cfg.Datastore.URI, dsCfg)
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", engine)
	}
}

// serveMetrics exposes the prometheus registry and a readiness probe until
// the context is cancelled.
func serveMetrics(ctx context.Context, srv *server.Server, log logger.Logger, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		ready, err := srv.IsReady(r.Context())
		if err != nil || !ready {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		fmt.Fprintln(w, "ok")
	})

	httpServer := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("failed to gracefully shutdown the metrics endpoint", zap.Error(err))
		}
	}()

	log.Info("metrics and health endpoint listening", zap.String("addr", addr))
	if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// repairLoop periodically attaches the incomplete sentinel owners to
// consumers that lost their ownership chain.
func repairLoop(ctx context.Context, srv *server.Server, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Drain the backlog one batch at a time.
			for {
				repaired, err := srv.EnsureIncompleteOwners(ctx)
				if err != nil {
					return err
				}
				if repaired == 0 {
					break
				}
			}
		}
	}
}
