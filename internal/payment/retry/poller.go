package retry

import (
	"context"
	"time"

	"github.com/staylane/atrium/internal/clock"
	"github.com/staylane/atrium/internal/config"
	"github.com/staylane/atrium/internal/observability/metrics"
	"github.com/staylane/atrium/internal/payment/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Poller periodically re-runs failed webhook events whose next_retry_at has
// come due. Permanent failures carry no next_retry_at and are never selected.
type Poller struct {
	db        *gorm.DB
	repo      domain.Repository
	service   domain.Service
	clock     clock.Clock
	log       *zap.Logger
	metrics   *metrics.Metrics
	interval  time.Duration
	batchSize int

	cancel context.CancelFunc
	done   chan struct{}
}

type Params struct {
	fx.In

	Config  config.Config
	DB      *gorm.DB
	Repo    domain.Repository
	Service domain.Service
	Clock   clock.Clock
	Log     *zap.Logger
	Metrics *metrics.Metrics `optional:"true"`
}

func New(p Params) *Poller {
	interval := p.Config.RetryPollInterval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Poller{
		db:        p.DB,
		repo:      p.Repo,
		service:   p.Service,
		clock:     p.Clock,
		log:       p.Log.Named("payment.retry"),
		metrics:   p.Metrics,
		interval:  interval,
		batchSize: p.Config.RetryBatchSize,
	}
}

// Start launches the polling loop.
func (p *Poller) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)
		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := p.RunOnce(ctx); n > 0 {
					p.log.Info("retry sweep complete", zap.Int("events", n))
				}
			}
		}
	}()
	p.log.Info("retry poller started", zap.Duration("interval", p.interval))
}

// Stop terminates the polling loop and waits for the current sweep.
func (p *Poller) Stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// RunOnce processes one batch of due events and returns how many were
// attempted.
func (p *Poller) RunOnce(ctx context.Context) int {
	events, err := p.repo.ListRetryable(ctx, p.db, p.clock.Now(), p.batchSize)
	if err != nil {
		p.log.Error("failed to list retryable events", zap.Error(err))
		return 0
	}

	for i := range events {
		event := events[i]
		if err := p.service.ReprocessEvent(ctx, &event); err != nil {
			p.metrics.RecordRetryAttempt(ctx, "failed")
			p.log.Warn("retry attempt failed",
				zap.String("event_id", event.EventID),
				zap.Int("retry_count", event.RetryCount),
				zap.Error(err),
			)
			continue
		}
		p.metrics.RecordRetryAttempt(ctx, "succeeded")
	}
	return len(events)
}
