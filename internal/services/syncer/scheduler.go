package syncer

import (
	"context"
	"log/slog"
	"time"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
)

const DefaultSchedule = "@every 5m"

// Scheduler fires scheduled sync passes on a cron spec.
type Scheduler struct {
	syncer  *Syncer
	spec    string
	timeout time.Duration
	cron    *cron.Cron
	logger  *slog.Logger
}

// NewScheduler validates spec up front; an empty spec means DefaultSchedule.
// timeout bounds a single pass (zero leaves it unbounded).
func NewScheduler(s *Syncer, spec string, timeout time.Duration) (*Scheduler, error) {
	if spec == "" {
		spec = DefaultSchedule
	}
	sc := &Scheduler{
		syncer:  s,
		spec:    spec,
		timeout: timeout,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  slog.Default().With("component", "sync_scheduler"),
	}
	if _, err := sc.cron.AddFunc(spec, sc.tick); err != nil {
		return nil, errors.Wrapf(err, "sync schedule %q", spec)
	}
	return sc, nil
}

func (sc *Scheduler) tick() {
	ctx := context.Background()
	if sc.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, sc.timeout)
		defer cancel()
	}
	sc.syncer.runLogged(ctx, TriggerScheduled)
}

func (sc *Scheduler) Start() {
	sc.cron.Start()
	sc.logger.Info("sync scheduler started", "spec", sc.spec)
}

// Stop stops firing and waits for a running pass up to ctx.
func (sc *Scheduler) Stop(ctx context.Context) error {
	done := sc.cron.Stop()
	select {
	case <-done.Done():
		sc.logger.Info("sync scheduler stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Next reports the next planned run, zero before Start.
func (sc *Scheduler) Next() time.Time {
	entries := sc.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}
