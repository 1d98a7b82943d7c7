package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/fieldledger/fieldledger/internal/api"
	"github.com/fieldledger/fieldledger/internal/app/approval"
	"github.com/fieldledger/fieldledger/internal/app/expense"
	"github.com/fieldledger/fieldledger/internal/app/jobs"
	appsync "github.com/fieldledger/fieldledger/internal/app/sync"
	"github.com/fieldledger/fieldledger/internal/infra/gateway"
	"github.com/fieldledger/fieldledger/internal/infra/sqlite"
)

// Daemon is the long-running FieldLedger process: it owns the local
// store and sync engine and serves the companion API on loopback.
type Daemon struct {
	cfg Config
	log zerolog.Logger

	db        *sqlite.DB
	gw        *gateway.Client
	notifier  *appsync.Notifier
	processor *appsync.Processor
	monitor   *appsync.Monitor
	machine   *approval.Machine
	expenses  *expense.Service
	jobCache  *jobs.Cache
	server    *http.Server
}

// New constructs a fully wired daemon from config.
func New(cfg Config) (*Daemon, error) {
	log := newLogger(cfg.Log)

	db, err := sqlite.Open(Home())
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	gw := gateway.New(gateway.Config{
		BaseURL: cfg.Remote.BaseURL,
		Token:   cfg.Remote.Token,
		Timeout: duration(cfg.Remote.Timeout, 15*time.Second),
	}, log)

	notifier := appsync.NewNotifier()
	processor := appsync.NewProcessor(appsync.Config{
		UserID:     cfg.Remote.UserID,
		MaxRetries: cfg.Sync.MaxRetries,
	}, db, gw, notifier, log)
	monitor := appsync.NewMonitor(gw, notifier, 30*time.Second, log)
	machine := approval.NewMachine(db, gw, notifier, log)
	expenses := expense.NewService(db, processor, log)
	jobCache := jobs.NewCache(jobs.Config{
		UserID:      cfg.Remote.UserID,
		Freshness:   duration(cfg.Jobs.Freshness, jobs.DefaultFreshness),
		RecentCount: cfg.Jobs.RecentCount,
		ScanWindow:  cfg.Jobs.ScanWindow,
	}, db, gw, notifier, log)

	srv := api.NewServer(expenses, machine, processor, monitor, jobCache, log)
	if cfg.API.Metrics {
		srv.EnableMetrics()
	}

	return &Daemon{
		cfg:      cfg,
		log:      log,
		db:       db,
		gw:       gw,
		notifier: notifier, processor: processor, monitor: monitor,
		machine: machine, expenses: expenses, jobCache: jobCache,
		server: &http.Server{
			Addr:         net.JoinHostPort(cfg.API.Host, fmt.Sprintf("%d", cfg.API.Port)),
			Handler:      srv.Handler(),
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 2 * time.Minute,
		},
	}, nil
}

// Run starts the daemon and blocks until ctx is cancelled or the HTTP
// server fails.
func (d *Daemon) Run(ctx context.Context) error {
	d.log.Info().Str("addr", d.server.Addr).Msg("fieldledger daemon starting")

	// Startup pass: probe connectivity, then flush anything captured
	// while the daemon was down and freshen the job cache.
	if d.monitor.Check(ctx) {
		if _, err := d.processor.Run(ctx); err != nil {
			d.log.Warn().Err(err).Msg("startup sync failed")
		}
		if err := d.jobCache.RefreshIfStale(ctx); err != nil {
			d.log.Warn().Err(err).Msg("startup job refresh failed")
		}
	}

	go d.monitor.Watch(ctx)
	if d.cfg.Sync.Auto {
		go d.autoSync(ctx)
	}
	go d.reactToConnectivity(ctx)

	errCh := make(chan error, 1)
	go func() {
		if err := d.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		d.db.Close()
		return err
	}

	d.log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := d.server.Shutdown(shutdownCtx)
	d.db.Close()
	return err
}

// autoSync drains the queue and refreshes the job cache on a timer.
func (d *Daemon) autoSync(ctx context.Context) {
	interval := duration(d.cfg.Sync.Interval, time.Minute)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !d.monitor.Online() {
				continue
			}
			if _, err := d.processor.Run(ctx); err != nil {
				d.log.Warn().Err(err).Msg("scheduled sync failed")
			}
			if err := d.jobCache.RefreshIfStale(ctx); err != nil {
				d.log.Warn().Err(err).Msg("scheduled job refresh failed")
			}
		}
	}
}

// reactToConnectivity kicks an immediate drain when the link comes
// back instead of waiting out the timer.
func (d *Daemon) reactToConnectivity(ctx context.Context) {
	events, cancel := d.notifier.Subscribe(8)
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind != appsync.EventOnline {
				continue
			}
			d.log.Info().Msg("back online, flushing sync queue")
			if _, err := d.processor.Run(ctx); err != nil {
				d.log.Warn().Err(err).Msg("reconnect sync failed")
			}
			if err := d.jobCache.RefreshIfStale(ctx); err != nil {
				d.log.Warn().Err(err).Msg("reconnect job refresh failed")
			}
		}
	}
}

// newLogger builds the process logger from config.
func newLogger(cfg LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var log zerolog.Logger
	if cfg.Format == "json" {
		log = zerolog.New(os.Stderr)
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
	return log.Level(level).With().Timestamp().Logger()
}
