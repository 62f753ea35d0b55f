package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"gigflow/account"
	"gigflow/bid"
	"gigflow/booking"
	"gigflow/commission"
	"gigflow/config"
	"gigflow/db"
	"gigflow/escrow"
	"gigflow/market"
	"gigflow/notify"
	"gigflow/payout"
	"gigflow/performer"
	"gigflow/refund"
	"gigflow/scheduler"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("bootstrap database pool: %v", err)
	}
	defer pool.Close()

	policy, err := commission.NewRepository(pool).LoadPolicy(ctx)
	if err != nil {
		log.Fatalf("load commission policy: %v", err)
	}
	fallback := commission.Rate{RateBp: cfg.FallbackRateBp, FlatFeeCents: cfg.FallbackFlatFeeCents}

	accounts := account.NewService(account.NewRepository(pool), cfg.JWTSecret)
	ledger := escrow.NewLedger()
	refundRepo := refund.NewRepository(pool)

	bookingRepo := booking.NewRepository(pool)
	bookings := booking.NewService(pool, bookingRepo, ledger, accounts, policy, fallback, cfg.Escrow()).
		WithRefundRecorder(refundRepo)

	bids := bid.NewService(bid.NewRepository(pool), accounts)
	markets := market.NewService(pool, market.NewRepository(pool), bookings)

	payouts := payout.NewExecutor(pool, bookingRepo, ledger, cfg.GracePeriodDays)

	sweeper := scheduler.NewSweeper(payouts, cfg.SweepInterval).WithLogger(log.Printf)
	go sweeper.Run(ctx)

	if cfg.AMQPURL != "" {
		publisher, err := notify.NewPublisher(cfg.AMQPURL, "gigflow.events")
		if err != nil {
			log.Fatalf("connect notification broker: %v", err)
		}
		defer publisher.Close()

		worker := notify.NewWorker(pool, publisher, 5*time.Second).WithLogger(log.Printf)
		go worker.Run(ctx)
	}

	server := newServer(
		accounts,
		bookings,
		markets,
		bids,
		payouts,
		performer.NewService(performer.NewRepository(pool)),
		refund.NewService(refundRepo),
	)

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("api listening on %s", cfg.HTTPAddr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("http server: %v", err)
	}
}
