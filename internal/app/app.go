package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"sensornet/auth-gateway/internal/config"
	"sensornet/auth-gateway/internal/consumer"
	"sensornet/auth-gateway/internal/metrics"
	"sensornet/auth-gateway/internal/mqtt"
	"sensornet/auth-gateway/internal/repo"
	"sensornet/auth-gateway/internal/service"
)

// tickFloor is the sleep applied when a tick ran longer than the configured
// interval.
const tickFloor = 10 * time.Millisecond

// App wires the gateway's collaborators together and manages their
// lifecycle.
type App struct {
	cfg config.Config
	log *slog.Logger
}

// New constructs a new application instance.
func New(cfg config.Config, log *slog.Logger) *App {
	return &App{cfg: cfg, log: log}
}

// Run starts all configured services and blocks until the context is
// cancelled or a fatal error occurs.
func (a *App) Run(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, a.cfg.Database.PgSQL.ConnectionString)
	if err != nil {
		return fmt.Errorf("open pgsql pool: %w", err)
	}
	defer pool.Close()

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(a.cfg.Database.MongoDB.ConnectionString))
	if err != nil {
		return fmt.Errorf("connect mongodb: %w", err)
	}
	defer func() {
		if cerr := mongoClient.Disconnect(context.Background()); cerr != nil {
			a.log.Error("close mongodb", "error", cerr)
		}
	}()

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := mongoClient.Ping(pingCtx, readpref.Primary()); err != nil {
		return fmt.Errorf("ping mongodb: %w", err)
	}

	internalClient, err := mqtt.Dial(a.cfg.Mqtt.InternalBroker, "auth-gateway-internal", a.log)
	if err != nil {
		return err
	}
	defer internalClient.Disconnect()

	publicClient, err := mqtt.Dial(a.cfg.Mqtt.PublicBroker, "auth-gateway-public", a.log)
	if err != nil {
		return err
	}
	defer publicClient.Disconnect()

	users := repo.NewPgUserRepository(pool)
	keys := repo.NewPgApiKeyRepository(pool)
	sensors := repo.NewMongoSensorRepository(mongoClient.Database(a.cfg.Database.MongoDB.DatabaseName))

	m := metrics.New(prometheus.DefaultRegisterer)
	commands := consumer.NewCommandConsumer(a.log)
	svc := service.New(ctx, internalClient, commands, users, keys, sensors, a.cfg, m, a.log)
	commands.Bind(svc)

	if err := mqtt.BindIngress(publicClient, a.cfg.Mqtt.PublicBroker, svc, commands, a.log); err != nil {
		return err
	}

	httpErrCh := make(chan error, 1)
	var metricsServer *http.Server

	if a.cfg.Metrics.Port > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())

		metricsServer = &http.Server{
			Addr:    fmt.Sprintf(":%d", a.cfg.Metrics.Port),
			Handler: mux,
		}

		go func() {
			a.log.Info("metrics server started", "addr", metricsServer.Addr)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				httpErrCh <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	a.log.Info("gateway started", "workers", a.cfg.Workers, "interval_ms", a.cfg.Interval)

	interval := time.Duration(a.cfg.Interval) * time.Millisecond
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final drain so in-flight buffers are not lost.
			svc.Process(context.Background())

			if metricsServer != nil {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()

				if err := metricsServer.Shutdown(shutdownCtx); err != nil {
					return fmt.Errorf("metrics server shutdown: %w", err)
				}
			}

			a.log.Info("gateway stopped")
			return nil
		case err := <-httpErrCh:
			if err != nil {
				return err
			}
		case <-timer.C:
			elapsed := time.Duration(svc.Process(ctx)) * time.Millisecond

			next := interval - elapsed
			if elapsed > interval {
				next = tickFloor
			}

			timer.Reset(next)
		}
	}
}
