package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/queuemesh/hybridqueue/cache"
	"github.com/queuemesh/hybridqueue/clock"
	"github.com/queuemesh/hybridqueue/config"
	"github.com/queuemesh/hybridqueue/hub"
	"github.com/queuemesh/hybridqueue/notify"
	"github.com/queuemesh/hybridqueue/queueengine"
	"github.com/queuemesh/hybridqueue/router"
	"github.com/queuemesh/hybridqueue/scheduler"
	"github.com/queuemesh/hybridqueue/waitpredictor"
	"github.com/queuemesh/hybridqueue/wsgateway"
)

func newServeCmd() *cobra.Command {
	var (
		dsn, sqlitePath, redisAddr, jwtSecret, port, webhookURL string
		predictorCacheSize                                      int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the WebSocket gateway and ops HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			dsn = env("DB_DSN", dsn)
			redisAddr = env("REDIS_ADDR", redisAddr)
			jwtSecret = env("JWT_SECRET", jwtSecret)
			port = env("PORT", port)
			webhookURL = env("NOTIFY_WEBHOOK_URL", webhookURL)
			if jwtSecret == "" {
				return fmt.Errorf("JWT_SECRET is required (flag --jwt-secret or env JWT_SECRET)")
			}

			log, err := zap.NewProduction()
			if err != nil {
				return fmt.Errorf("logger: %w", err)
			}
			defer log.Sync()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			db, err := openStore(ctx, dsn, sqlitePath)
			if err != nil {
				return err
			}
			defer db.Close()

			cfg, err := config.Load(ctx, db)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}

			redisClient, err := cache.Dial(ctx, redisAddr)
			if err != nil {
				return fmt.Errorf("redis: %w", err)
			}
			snaps := cache.New(redisClient, cfg.Get().SnapshotCacheTTL(), log)

			transports := []notify.Transport{notify.NewLoggingTransport(log)}
			if webhookURL != "" {
				transports = append(transports, notify.NewWebhookTransport(webhookURL, 5*time.Second))
			}
			dispatcher := notify.New(log, transports...)

			predictor := waitpredictor.New(cfg.Get(), predictorCacheSize)
			h := hub.New(cfg.Get(), log)
			engine := queueengine.New(cfg.Get(), clock.Real{}, db, db, db, predictor, h)
			engine.SetNotifier(dispatcher)
			engine.SetErrorLogger(func(task string, queueID uuid.UUID, err error) {
				log.Warn("periodic task failed", zap.String("task", task), zap.String("queue_id", queueID.String()), zap.Error(err))
			})
			go engine.RunPeriodicTasks(ctx)
			sched := scheduler.New(cfg.Get(), clock.Real{}, db, db)
			gateway := wsgateway.New(cfg.Get(), log, []byte(jwtSecret), h, engine, sched, db, snaps)

			handler := router.New(router.Deps{Store: db, Gateway: gateway})

			srv := &http.Server{
				Addr:         ":" + port,
				Handler:      handler,
				ReadTimeout:  15 * time.Second,
				WriteTimeout: 0, // WebSocket connections are long-lived.
				IdleTimeout:  60 * time.Second,
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

			go func() {
				log.Info("listening", zap.String("port", port))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Fatal("http server failed", zap.Error(err))
				}
			}()

			<-sigCh
			log.Info("shutting down")
			cancel()

			shutCtx, shutCancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer shutCancel()
			return srv.Shutdown(shutCtx)
		},
	}

	cmd.Flags().StringVar(&dsn, "db-dsn", "", "PostgreSQL DSN (env DB_DSN); empty uses sqlite")
	cmd.Flags().StringVar(&sqlitePath, "sqlite-path", "queuectl.db", "sqlite database path when --db-dsn is empty")
	cmd.Flags().StringVar(&redisAddr, "redis-addr", "", "Redis address for the snapshot cache (env REDIS_ADDR); empty disables caching")
	cmd.Flags().StringVar(&jwtSecret, "jwt-secret", "", "HMAC secret for access tokens (env JWT_SECRET)")
	cmd.Flags().StringVar(&port, "port", "8080", "HTTP listen port (env PORT)")
	cmd.Flags().IntVar(&predictorCacheSize, "predictor-cache-size", 512, "WaitPredictor's per-shop sample cache size")
	cmd.Flags().StringVar(&webhookURL, "notify-webhook-url", "", "webhook URL for ticket-called notifications (env NOTIFY_WEBHOOK_URL); empty disables it")

	return cmd
}
