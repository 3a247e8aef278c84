package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/iliyamo/bus-seat-booking/internal/booking"
	"github.com/iliyamo/bus-seat-booking/internal/config"
	"github.com/iliyamo/bus-seat-booking/internal/database"
	"github.com/iliyamo/bus-seat-booking/internal/handler"
	"github.com/iliyamo/bus-seat-booking/internal/inventory"
	"github.com/iliyamo/bus-seat-booking/internal/ledger"
	"github.com/iliyamo/bus-seat-booking/internal/logger"
	"github.com/iliyamo/bus-seat-booking/internal/middleware"
	"github.com/iliyamo/bus-seat-booking/internal/payment"
	"github.com/iliyamo/bus-seat-booking/internal/queue"
	"github.com/iliyamo/bus-seat-booking/internal/repository"
	"github.com/iliyamo/bus-seat-booking/internal/router"
	"github.com/iliyamo/bus-seat-booking/internal/service"
	"github.com/iliyamo/bus-seat-booking/internal/worker"
)

func main() {
	cfg := config.Load()
	log := logger.Must(cfg.IsProduction())
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(cfg)
	if err != nil {
		log.Fatal("open database", zap.Error(err))
	}
	defer db.Close()
	if cfg.MigrateOnStart {
		if err := database.Migrate(ctx, db); err != nil {
			log.Fatal("migrate", zap.Error(err))
		}
		log.Info("schema applied")
	}

	bcfg := config.LoadBookingConfig()
	pcfg := config.LoadPaymentConfig()
	qcfg := config.LoadQueueConfig()
	rcfg := config.LoadRedisConfig()

	rdb := config.NewRedisClient(rcfg)
	if rdb == nil {
		log.Warn("redis unreachable, running without rate limit, cache, webhook dedupe and delayed expiry",
			zap.String("addr", rcfg.Addr))
	} else {
		defer rdb.Close()
	}

	seatLedger := ledger.NewSQLLedger(db, ledger.WithMaxAttempts(bcfg.LedgerMaxAttempts))
	inv := inventory.New(repository.NewLayoutRepo(db), seatLedger, nil)

	provider, err := paymentProvider(cfg, pcfg, log)
	if err != nil {
		log.Fatal("payment provider", zap.Error(err))
	}
	coord := payment.NewCoordinator(provider, pcfg.Timeout)

	publisher := service.NewQueuePublisher(qcfg, log)
	defer publisher.Close()

	opts := []booking.Option{
		booking.WithLogger(log.Named("booking")),
		booking.WithPublisher(publisher),
		booking.WithConfig(booking.Config{
			CardHoldTTL: bcfg.CardHoldTTL,
			CashHoldTTL: bcfg.CashHoldTTL,
			Currency:    bcfg.Currency,
			SweepBatch:  bcfg.SweepBatch,
			MaxSeats:    bcfg.MaxSeats,
		}),
	}

	var tasks *asynq.Server
	if rdb != nil && bcfg.DelayedExpiry {
		client := asynq.NewClient(worker.RedisOpt(rcfg))
		defer client.Close()
		opts = append(opts, booking.WithScheduler(worker.NewAsynqScheduler(client)))
		tasks = worker.NewServer(worker.RedisOpt(rcfg), 10, log)
	}

	lc := booking.New(repository.NewBookingRepo(db), seatLedger, inv, coord, opts...)

	if tasks != nil {
		if err := tasks.Start(worker.NewMux(lc, log.Named("expiry"), nil)); err != nil {
			log.Error("start expiry worker", zap.Error(err))
			tasks = nil
		}
	}

	go booking.NewSweeper(lc, bcfg.SweepInterval, log).Run(ctx)

	if qcfg.Enabled && qcfg.Consumer {
		go func() {
			if err := queue.NewConsumer(qcfg, log).Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("event consumer stopped", zap.Error(err))
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.RequestLoggerWithConfig(echomw.RequestLoggerConfig{
		LogURI:     true,
		LogStatus:  true,
		LogMethod:  true,
		LogLatency: true,
		LogValuesFunc: func(c echo.Context, v echomw.RequestLoggerValues) error {
			log.Info("request",
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency))
			return nil
		},
	}))

	router.Register(e, router.Deps{
		Bookings:  handler.NewBookingHandler(lc),
		Seats:     handler.NewSeatHandler(inv),
		Webhooks:  handler.NewWebhookHandler(coord, lc, payment.NewWebhookDeduper(rdb, pcfg.WebhookDedupeTTL), log),
		Health:    handler.Health(db),
		JWTSecret: cfg.JWTSecret,
		RateLimit: middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb, log),
		Cache:     middleware.NewRedisCache(config.LoadCacheConfig(), rdb),
	})

	go func() {
		addr := ":" + cfg.Port
		log.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")
	shutdown(e, tasks, log)
}

// paymentProvider returns Stripe when a key is configured.  Outside
// production the in-memory provider stands in for local runs.
func paymentProvider(cfg config.Config, pcfg config.PaymentConfig, log *zap.Logger) (payment.Provider, error) {
	if pcfg.StripeSecretKey != "" {
		return payment.NewStripeProvider(pcfg.StripeSecretKey, pcfg.StripeWebhookSecret), nil
	}
	if cfg.IsProduction() {
		return nil, errors.New("STRIPE_SECRET_KEY is required in production")
	}
	log.Warn("no STRIPE_SECRET_KEY, using in-memory payment provider")
	return payment.NewMemoryProvider(pcfg.DevWebhookSecret), nil
}

func shutdown(e *echo.Echo, tasks *asynq.Server, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	if tasks != nil {
		tasks.Shutdown()
	}
}
