package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/relaygate/mailbridge/internal/config"
	"github.com/relaygate/mailbridge/internal/db"
	"github.com/relaygate/mailbridge/internal/events"
	httpSrv "github.com/relaygate/mailbridge/internal/http"
	"github.com/relaygate/mailbridge/internal/logger"
	"github.com/relaygate/mailbridge/internal/mailer"
	"github.com/relaygate/mailbridge/internal/metrics"
	"github.com/relaygate/mailbridge/internal/network"
	"github.com/relaygate/mailbridge/internal/relay"
	"github.com/relaygate/mailbridge/internal/repository"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay: webhook server, delivery worker, rehydrator, network stream",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		logger.Init(cfg.Log.Level)
		defer func() { _ = logger.Log.Sync() }()

		metrics.MustRegister(prometheus.DefaultRegisterer)

		mysqlDB, err := db.NewMySQLConnection(cfg.MySQL.DSN, db.MySQLOpts{
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
			PingTimeout:     cfg.MySQL.PingTimeout,
		})
		if err != nil {
			return fmt.Errorf("mysql connect: %w", err)
		}
		defer mysqlDB.Close()

		var chDB *sqlx.DB
		if cfg.ClickHouse.DSN != "" {
			chDB, err = db.NewClickHouseConnection(db.ClickHouseOpts{
				DSN:             cfg.ClickHouse.DSN,
				MaxOpenConns:    cfg.ClickHouse.MaxOpenConns,
				MaxIdleConns:    cfg.ClickHouse.MaxIdleConns,
				ConnMaxLifetime: cfg.ClickHouse.ConnMaxLifetime,
				ConnMaxIdleTime: cfg.ClickHouse.ConnMaxIdleTime,
				PingTimeout:     cfg.ClickHouse.PingTimeout,
			})
			if err != nil {
				return fmt.Errorf("clickhouse connect: %w", err)
			}
			defer func() { _ = chDB.Close() }()
		}

		var rds *redis.Client
		if cfg.Redis.Addr != "" {
			rds, err = db.NewRedisClient(db.RedisOpts{
				Addr:        cfg.Redis.Addr,
				Password:    cfg.Redis.Password,
				DB:          cfg.Redis.DB,
				DialTimeout: cfg.Redis.DialTimeout,
			})
			if err != nil {
				return fmt.Errorf("redis connect: %w", err)
			}
			defer func() { _ = rds.Close() }()
		}

		// repos (MySQL)
		inboundRepo := repository.NewInboundRepository(mysqlDB)
		outboundRepo := repository.NewOutboundRepository(mysqlDB)
		allowlistRepo := repository.NewAllowlistRepository(mysqlDB)

		// repo (ClickHouse, optional)
		var auditRepo repository.AuditRepository
		if chDB != nil {
			auditRepo = repository.NewAuditRepository(chDB)
		}

		// collaborators
		sender := mailer.NewMailgunClient(
			cfg.Mailgun.BaseURL,
			cfg.Mailgun.Domain,
			cfg.Mailgun.APIKey,
			cfg.Mailgun.From,
			cfg.Mailgun.Timeout,
			cfg.Mailgun.Breaker.FailThreshold,
			cfg.Mailgun.Breaker.OpenForMs,
		)
		conn, err := network.NewClient(cfg.Network.BaseURL, cfg.Network.AuthToken, cfg.Network.Timeout, cfg.Network.PollWait)
		if err != nil {
			return fmt.Errorf("network client: %w", err)
		}
		publisher := events.NewPublisher(events.Config{
			Brokers:      cfg.Kafka.Brokers,
			Topic:        cfg.Kafka.Topic,
			WriteTimeout: cfg.Kafka.WriteTimeout,
		})
		defer func() { _ = publisher.Close() }()

		eng := relay.NewEngine(
			inboundRepo,
			outboundRepo,
			allowlistRepo,
			auditRepo,
			sender,
			conn,
			publisher,
			relay.Options{
				RehydrateInterval: cfg.Relay.RehydrateInterval,
				RehydrateLimit:    cfg.Relay.RehydrateLimit,
				IdleSleep:         cfg.Relay.IdleSleep,
				RetryBackoff:      cfg.Relay.RetryBackoff,
				MaxRetryBackoff:   cfg.Relay.MaxRetryBackoff,
			},
		)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		// Allowlist resolution is fatal on failure: never run partial.
		if err := eng.Start(ctx, cfg.Network.ConversationHandle, cfg.Relay.Allowlist); err != nil {
			return fmt.Errorf("engine start: %w", err)
		}

		go eng.RunWorker(ctx)
		go eng.RunRehydrator(ctx)
		go eng.RunStream(ctx)

		server := httpSrv.NewServer(cfg, eng, auditRepo, rds)

		errCh := make(chan error, 1)
		go func() {
			errCh <- server.Start(cfg.HTTP.Addr)
		}()

		select {
		case <-ctx.Done():
			logger.Log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				logger.Log.Error("http server exited", zap.Error(err))
			}
		}
		stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)

		return nil
	},
}
