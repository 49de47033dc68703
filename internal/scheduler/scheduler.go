// Package scheduler runs the gateway's periodic jobs: a nightly
// retention purge, a time-sync broadcast, and frequent link-health
// sampling.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/fieldmesh/edge-gateway/internal/logging"
)

// Config configures a Scheduler.
type Config struct {
	TimeSyncIntervalHours int
	LinkHealthInterval    time.Duration
}

// DefaultConfig is the stock job cadence.
func DefaultConfig() Config {
	return Config{TimeSyncIntervalHours: 6, LinkHealthInterval: 15 * time.Second}
}

// Scheduler wires a cron job for the nightly retention purge plus
// plain tickers for the two fixed-interval jobs.
type Scheduler struct {
	cron    *cron.Cron
	config  Config
	logger  *logging.Logger
	tickers []*time.Ticker
	cancel  context.CancelFunc
}

// New creates a Scheduler. Jobs are registered with Start; New itself
// only allocates the underlying cron runner.
func New(config Config) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		config: config,
		logger: logging.Default().With("scheduler"),
	}
}

// Start registers and launches all three jobs. purgeRetention runs
// daily at 03:00; sendTimeSync runs every TimeSyncIntervalHours;
// sampleLinkHealth runs every LinkHealthInterval. Job errors are
// logged, never fatal to the scheduler.
func (s *Scheduler) Start(ctx context.Context, purgeRetention func(context.Context) error, sendTimeSync func(context.Context) error, sampleLinkHealth func(context.Context) error) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	_, err := s.cron.AddFunc("0 3 * * *", func() {
		if err := purgeRetention(ctx); err != nil {
			s.logger.Error("retention purge failed", "err", err.Error())
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()

	interval := time.Duration(s.config.TimeSyncIntervalHours) * time.Hour
	if interval <= 0 {
		interval = 6 * time.Hour
	}
	timeSyncTicker := time.NewTicker(interval)
	healthTicker := time.NewTicker(s.config.LinkHealthInterval)
	s.tickers = append(s.tickers, timeSyncTicker, healthTicker)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-timeSyncTicker.C:
				if err := sendTimeSync(ctx); err != nil {
					s.logger.Error("time sync broadcast failed", "err", err.Error())
				}
			case <-healthTicker.C:
				if err := sampleLinkHealth(ctx); err != nil {
					s.logger.Error("link health sample failed", "err", err.Error())
				}
			}
		}
	}()

	return nil
}

// Stop stops the cron runner, every ticker, and the interval-job
// goroutine. It does not wait for an in-flight job to finish.
func (s *Scheduler) Stop() {
	s.cron.Stop()
	for _, t := range s.tickers {
		t.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
}
