package infrastructure

import (
	"context"

	"payrail/internal/breaker"
	"payrail/internal/config"
	"payrail/internal/guard"
	"payrail/internal/lock"
	"payrail/internal/provider"
	"payrail/internal/queue"
	"payrail/internal/repository"
	"payrail/internal/service"
	"payrail/internal/store"
	transportHTTP "payrail/internal/transport/http"
	transportNATS "payrail/internal/transport/nats"
	"payrail/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}

	db, err := connectPostgres(cfg.DSN())
	if err != nil {
		return nil, nil, err
	}

	rdb, err := connectRedis(cfg.RedisAddr())
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	var cleanupFns []func()
	cleanupFns = append(cleanupFns, func() {
		db.Close()
		_ = rdb.Close()
	})

	nc, err := connectNats(cfg.NatsAddr())
	if err != nil {
		return nil, runCleanup(cleanupFns), err
	}
	cleanupFns = append(cleanupFns, nc.Close)

	// ── Shared coordination primitives ─────────────────────────────────────────
	st := store.NewRedisStore(rdb)
	bus := transportNATS.NewBus(nc)

	brk := breaker.New(st, breaker.DefaultConfig(), bus)
	sessions := guard.NewConcurrencyGuard(st)
	attempts := guard.NewAttemptLimiter(st)
	locker := lock.New(st, lock.DefaultConfig())

	// ── Persistence and provider ───────────────────────────────────────────────
	transactions := repository.NewTransactionRepo(db)
	wallets := repository.NewWalletRepo(db)
	payout := provider.NewClient(cfg.ProviderName, cfg.ProviderBaseURL, cfg.ProviderSecret, cfg.ProviderTimeout)

	// ── Orchestrator and status poller ─────────────────────────────────────────
	svc := service.NewWithdrawals(service.Deps{
		Transactions: transactions,
		Wallets:      wallets,
		Provider:     payout,
		Verifier:     payout,
		Notifier:     transportNATS.NewNotifier(bus),
		Breaker:      brk,
		Guard:        sessions,
		Limiter:      attempts,
		Locker:       locker,
		Limits: service.Limits{
			MinWithdrawal:    cfg.MinWithdrawal,
			MaxWithdrawal:    cfg.MaxWithdrawal,
			MaxDailyAttempts: cfg.MaxDailyAttempts,
		},
		SourceAccount: cfg.SourceAccount,
	})

	pollQueue := queue.New(st, worker.QueueName)
	poller := worker.NewStatusPoller(pollQueue, transactions, payout, svc)
	svc.SetPoller(poller)

	servers := []Server{poller, transportNATS.NewHandler(svc, nc)}
	if addr, apiErr := cfg.ApiAddr(); apiErr == nil {
		h := transportHTTP.NewHandler(svc, brk)
		servers = append(servers, transportHTTP.NewServer(addr, h))
	}

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
