package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"sync"
	"time"
	_ "time/tzdata"

	"github.com/satsjar/satsjar/internal/api"
	"github.com/satsjar/satsjar/internal/app/escrow"
	"github.com/satsjar/satsjar/internal/app/executor"
	"github.com/satsjar/satsjar/internal/app/ledger"
	"github.com/satsjar/satsjar/internal/app/limiter"
	"github.com/satsjar/satsjar/internal/app/notify"
	"github.com/satsjar/satsjar/internal/app/payout"
	"github.com/satsjar/satsjar/internal/app/recovery"
	"github.com/satsjar/satsjar/internal/app/scheduler"
	"github.com/satsjar/satsjar/internal/app/walletsvc"
	"github.com/satsjar/satsjar/internal/domain"
	"github.com/satsjar/satsjar/internal/infra/observability"
	"github.com/satsjar/satsjar/internal/infra/pricefeed"
	"github.com/satsjar/satsjar/internal/infra/sqlite"
	"github.com/satsjar/satsjar/internal/infra/wallet"
	"github.com/satsjar/satsjar/internal/security"
)

// Version is set at build time.
var Version = "dev"

// Daemon owns every long-lived component of the service.
type Daemon struct {
	cfg Config

	DB        *sqlite.DB
	Vault     *security.Vault
	Audit     *observability.AuditLog
	Ledger    *ledger.Ledger
	Limits    *limiter.Limiter
	Executor  *executor.Executor
	Recovery  *recovery.Service
	Escrow    *escrow.Service
	Payouts   *payout.Service
	Wallets   *walletsvc.Service
	Scheduler *scheduler.Scheduler
	Server    *api.Server

	closeOnce sync.Once
}

// Option adjusts wiring, mainly for tests.
type Option func(*options)

type options struct {
	opener   executor.Opener
	notifier domain.Notifier
	clock    domain.Clock
}

// WithOpener replaces the wallet backend factory.
func WithOpener(o executor.Opener) Option { return func(opts *options) { opts.opener = o } }

// WithNotifier replaces the log notifier.
func WithNotifier(n domain.Notifier) Option { return func(opts *options) { opts.notifier = n } }

// WithClock replaces the wall clock.
func WithClock(c domain.Clock) Option { return func(opts *options) { opts.clock = c } }

// New opens the database under cfg.Home and wires the services.
func New(cfg Config, opts ...Option) (*Daemon, error) {
	o := options{notifier: notify.LogNotifier{}, clock: domain.RealClock{}}
	for _, fn := range opts {
		fn(&o)
	}
	if o.opener == nil {
		o.opener = executor.WalletOpener(wallet.Options{})
	}

	if err := os.MkdirAll(cfg.Home, 0o700); err != nil {
		return nil, fmt.Errorf("create home %s: %w", cfg.Home, err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", cfg.Scheduler.Timezone, err)
	}

	db, err := sqlite.Open(cfg.Home)
	if err != nil {
		return nil, err
	}

	d := &Daemon{cfg: cfg, DB: db}
	d.Vault = security.NewVault(cfg.Vault.MasterKey)
	d.Audit = observability.NewAuditLog(observability.DefaultAuditConfig(), db, o.clock)

	var prices ledger.PriceSource
	if cfg.PriceFeed.Enabled {
		prices = pricefeed.New(pricefeed.Config{
			BaseURL:  cfg.PriceFeed.BaseURL,
			Currency: cfg.PriceFeed.Currency,
			Timeout:  duration(cfg.PriceFeed.Timeout, pricefeed.DefaultTimeout),
			CacheTTL: duration(cfg.PriceFeed.CacheTTL, pricefeed.DefaultCacheTTL),
		}, nil, o.clock)
	}
	d.Ledger = ledger.New(db, prices, o.clock)

	d.Limits = limiter.New(sqlite.NewCounterStore(db), db, limiter.Config{
		RateLimit:   cfg.Limits.RateLimit,
		RateWindow:  duration(cfg.Limits.RateWindow, time.Hour),
		DailyCap:    cfg.Limits.DailyCap,
		PerTxCap:    cfg.Limits.PerTxCap,
		DailyWindow: duration(cfg.Limits.DailyWindow, 24*time.Hour),
	}, o.clock)

	execDef := executor.DefaultConfig()
	d.Executor = executor.New(executor.Config{
		PaymentTimeout: duration(cfg.Payments.Timeout, execDef.PaymentTimeout),
		MaxConcurrent:  cmpOr(cfg.Payments.MaxConcurrent, execDef.MaxConcurrent),
	}, db, d.Vault, o.opener)

	d.Recovery = recovery.New(recovery.Config{ClawbackOnCancel: cfg.Payments.ClawbackOnCancel},
		db, d.Ledger, d.Executor, o.notifier, d.Audit, o.clock)

	d.Escrow = escrow.New(escrow.Config{
		PreDeduct:         cfg.Escrow.PreDeduct,
		UnlockFamilyTasks: cfg.Escrow.UnlockFamilyTasks,
		Milestones:        cfg.Escrow.Milestones,
	}, escrow.Deps{
		DB: db, Ledger: d.Ledger, Limits: d.Limits, Executor: d.Executor, Recovery: d.Recovery,
		Notifier: o.notifier, Audit: d.Audit, Clock: o.clock,
	})
	d.Payouts = payout.New(payout.Deps{
		DB: db, Ledger: d.Ledger, Limits: d.Limits, Executor: d.Executor, Recovery: d.Recovery,
		Notifier: o.notifier, Audit: d.Audit, Clock: o.clock,
	})
	d.Wallets = walletsvc.New(db, d.Vault, d.Executor, d.Audit, o.clock)
	d.Scheduler = scheduler.New(scheduler.Config{
		Interval: duration(cfg.Scheduler.Interval, time.Minute),
		Location: loc,
	}, db, d.Escrow, o.notifier, d.Audit, o.clock)

	d.Server = api.NewServer(api.Services{
		DB:        db,
		Ledger:    d.Ledger,
		Escrow:    d.Escrow,
		Payouts:   d.Payouts,
		Wallets:   d.Wallets,
		Recovery:  d.Recovery,
		Limits:    d.Limits,
		Scheduler: d.Scheduler,
		Audit:     d.Audit,
		Clock:     o.clock,
	})
	d.Server.SetVersion(Version)
	d.Server.SetRequestTimeout(duration(cfg.API.RequestTimeout, time.Minute))
	if cfg.API.Metrics {
		d.Server.EnableMetrics()
	}
	return d, nil
}

func cmpOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// Config returns the configuration the daemon was built with.
func (d *Daemon) Config() Config { return d.cfg }

// Run migrates legacy credentials, starts the scheduler and serves HTTP
// until ctx is cancelled.
func (d *Daemon) Run(ctx context.Context) error {
	shutdownTracing, err := observability.SetupTracing(ctx, d.cfg.Telemetry.ServiceName, d.cfg.Telemetry.OTLPEndpoint)
	if err != nil {
		log.Printf("[daemon] tracing disabled: %v", err)
		err = nil
	} else {
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(sctx)
		}()
	}

	if _, err := d.Wallets.Migrate(ctx); err != nil {
		log.Printf("[daemon] credential migration: %v", err)
	}
	if d.Vault.Insecure() {
		log.Printf("[daemon] running with the development vault key")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if d.cfg.Scheduler.Enabled {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.Scheduler.Run(ctx)
		}()
	}

	srv := &http.Server{
		Addr:              d.cfg.API.Addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Printf("[daemon] listening on %s (version %s)", d.cfg.API.Addr, Version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err = <-errCh:
	}
	cancel()

	sctx, scancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer scancel()
	if serr := srv.Shutdown(sctx); serr != nil {
		log.Printf("[daemon] http shutdown: %v", serr)
	}
	wg.Wait()
	log.Printf("[daemon] stopped")
	return err
}

// Close waits for background earnings snapshots and releases the database.
func (d *Daemon) Close() error {
	var err error
	d.closeOnce.Do(func() {
		d.Ledger.Wait()
		err = d.DB.Close()
	})
	return err
}
