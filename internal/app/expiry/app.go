// Package expiry собирает сервис истечения подписок: хранилища, планировщик,
// действие отзыва доступа, потребитель оплат и HTTP API.
package expiry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi"
	"github.com/streadway/amqp"
	"golang.org/x/time/rate"

	"github.com/magabrotheeeer/access-expiry/internal/cache"
	"github.com/magabrotheeeer/access-expiry/internal/config"
	"github.com/magabrotheeeer/access-expiry/internal/http/handlers/health"
	"github.com/magabrotheeeer/access-expiry/internal/lib/sl"
	"github.com/magabrotheeeer/access-expiry/internal/migrations"
	"github.com/magabrotheeeer/access-expiry/internal/rabbitmq"
	expiryservice "github.com/magabrotheeeer/access-expiry/internal/services/expiry"
	"github.com/magabrotheeeer/access-expiry/internal/services/scheduler"
	"github.com/magabrotheeeer/access-expiry/internal/services/subscription"
	"github.com/magabrotheeeer/access-expiry/internal/storage/repository"
	"github.com/magabrotheeeer/access-expiry/internal/storage/sqlite"
	"github.com/magabrotheeeer/access-expiry/internal/telegram"
)

const shutdownTimeout = 15 * time.Second

// App представляет приложение сервиса.
type App struct {
	cfg          *config.Config
	logger       *slog.Logger
	server       *http.Server
	db           *repository.Storage
	jobStore     *sqlite.JobStore
	cache        *cache.Cache
	conn         *amqp.Connection
	ch           *amqp.Channel
	scheduler    *scheduler.Scheduler
	subscription *subscription.Service
}

func waitForDB(ctx context.Context, db *repository.Storage) error {
	for range 10 {
		err := repository.CheckDatabaseReady(ctx, db)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(3 * time.Second):
		}
	}
	return fmt.Errorf("database not ready after retries")
}

// New создаёт экземпляр приложения и все его зависимости.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	db, err := repository.New(cfg.StorageConnectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect storage: %w", err)
	}
	a.db = db
	if err = migrations.Run(db.DB, cfg.MigrationsPath); err != nil {
		a.closeResources()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	if err = waitForDB(ctx, db); err != nil {
		a.closeResources()
		return nil, err
	}

	var store scheduler.Store = db
	if cfg.JobStore.Driver == config.JobStoreSQLite {
		a.jobStore, err = sqlite.New(cfg.JobStore.SQLitePath)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("failed to open job store: %w", err)
		}
		store = a.jobStore
		logger.Info("using sqlite job store", slog.String("path", a.jobStore.Path()))
	}

	a.cache, err = cache.InitServer(ctx, cfg.RedisConnection)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("cache not initialized: %w", err)
	}

	var publisher *rabbitmq.Publisher
	if cfg.RabbitMQ.URL != "" {
		a.conn, err = rabbitmq.Connect(cfg.RabbitMQ.URL, cfg.RabbitMQ.MaxRetries, cfg.RabbitMQ.RetryDelay)
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("failed to connect RabbitMQ: %w", err)
		}
		a.ch, err = rabbitmq.SetupChannel(a.conn, cfg.RabbitMQ.Prefetch, rabbitmq.GetQueues(cfg.RabbitMQ.PaymentsQueue))
		if err != nil {
			a.closeResources()
			return nil, fmt.Errorf("failed to setup RabbitMQ channel: %w", err)
		}
		publisher = rabbitmq.NewPublisher(a.ch, rabbitmq.ExchangeNotifications)
	} else {
		logger.Warn("rabbitmq url is empty, payment consumer and notifications disabled")
	}

	tg, err := telegram.NewClient(cfg.Telegram)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("failed to create telegram client: %w", err)
	}

	a.scheduler = scheduler.New(store, logger,
		scheduler.WithPollInterval(cfg.Scheduler.PollInterval),
		scheduler.WithBatchSize(cfg.Scheduler.BatchSize),
		scheduler.WithMisfireGrace(cfg.Scheduler.MisfireGrace),
		scheduler.WithJobTimeout(cfg.Scheduler.JobTimeout),
	)

	expiryOpts := []expiryservice.Option{expiryservice.WithCache(a.cache)}
	subOpts := []subscription.Option{subscription.WithCache(a.cache)}
	if publisher != nil {
		expiryOpts = append(expiryOpts, expiryservice.WithPublisher(publisher))
		subOpts = append(subOpts, subscription.WithPublisher(publisher))
	}

	action := expiryservice.New(tg, db, logger, expiryOpts...)
	a.scheduler.Register(expiryservice.Kind, action.Handle)

	a.subscription = subscription.New(db, a.scheduler, logger, subscription.Config{
		ResourceID:   cfg.Telegram.ChatID,
		MisfireGrace: cfg.Scheduler.MisfireGrace,
		DedupeTTL:    cfg.PaymentDedupeTTL,
		CacheTTL:     cfg.EntitlementCacheTTL,
	}, subOpts...)

	checks := map[string]health.Checker{
		"postgres": db.DB.PingContext,
		"redis": func(ctx context.Context) error {
			return a.cache.Db.Ping(ctx).Err()
		},
	}
	if a.conn != nil {
		checks["rabbitmq"] = func(context.Context) error {
			if a.conn.IsClosed() {
				return amqp.ErrClosed
			}
			return nil
		}
	}

	router := chi.NewRouter()
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateBurst)
	RegisterRoutes(router, logger, a.subscription, a.scheduler, limiter, checks)

	a.server = &http.Server{
		Addr:         cfg.AddressHTTP,
		Handler:      router,
		ReadTimeout:  cfg.TimeoutHTTP,
		WriteTimeout: cfg.TimeoutHTTP,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return a, nil
}

// Run запускает планировщик, потребителя оплат и HTTP-сервер и блокируется
// до отмены ctx или ошибки сервера.
func (a *App) Run(ctx context.Context) error {
	if err := a.scheduler.Start(ctx); err != nil {
		a.closeResources()
		return err
	}

	consumeCtx, stopConsume := context.WithCancel(ctx)
	defer stopConsume()
	waitConsumer := func() {}
	if a.ch != nil {
		wait, err := rabbitmq.ConsumerMessage(consumeCtx, a.ch, a.cfg.RabbitMQ.PaymentsQueue, a.logger, a.subscription.HandlePaymentMessage)
		if err != nil {
			a.shutdown(stopConsume, waitConsumer)
			return err
		}
		waitConsumer = wait
		a.logger.Info("consuming payment events", slog.String("queue", a.cfg.RabbitMQ.PaymentsQueue))
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("HTTP server starting on", slog.String("address", a.server.Addr))
		err := a.server.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			errCh <- nil
		} else {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case runErr = <-errCh:
	case <-ctx.Done():
	}

	if err := a.shutdown(stopConsume, waitConsumer); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

func (a *App) shutdown(stopConsume context.CancelFunc, waitConsumer func()) error {
	timeoutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	a.logger.Info("shutting down HTTP server gracefully")
	err := a.server.Shutdown(timeoutCtx)

	stopConsume()
	waitConsumer()

	if serr := a.scheduler.Stop(timeoutCtx); serr != nil {
		a.logger.Error("failed to stop scheduler", sl.Err(serr))
	}

	a.closeResources()
	return err
}

func (a *App) closeResources() {
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			a.logger.Error("failed to close channel", sl.Err(err))
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			a.logger.Error("failed to close connection", sl.Err(err))
		}
	}
	if a.cache != nil {
		if err := a.cache.Close(); err != nil {
			a.logger.Error("failed to close redis", sl.Err(err))
		}
	}
	if a.jobStore != nil {
		if err := a.jobStore.Close(); err != nil {
			a.logger.Error("failed to close job store", sl.Err(err))
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close storage", sl.Err(err))
		}
	}
}
