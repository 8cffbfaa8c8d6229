// Package syncer reconciles every non-terminal shipment against its carrier.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/cache"
	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

type Repository interface {
	ListActiveShipments(ctx context.Context) ([]*models.DeliveryShipment, error)
	AddActivity(ctx context.Context, a models.Activity) error
}

type Registry interface {
	Resolve(ctx context.Context, id string) (agency.Adapter, models.DeliveryAgency, error)
}

// Reconciler stores an observed carrier status; deliveries.Service
// implements it.
type Reconciler interface {
	ApplyObservedStatus(ctx context.Context, sh *models.DeliveryShipment, obs agency.StatusResult, source models.StatusSource) (*models.DeliveryShipment, bool, error)
}

type Trigger string

const (
	TriggerManual    Trigger = "manual"
	TriggerScheduled Trigger = "scheduled"
)

const (
	lastResultKey = "sync:last"
	passLockKey   = "sync:pass"

	// passLockMargin keeps the pass lock alive past the pass deadline.
	passLockMargin = time.Minute
)

type ShipmentError struct {
	ShipmentID     string `json:"shipment_id"`
	AgencyID       string `json:"agency_id"`
	TrackingNumber string `json:"tracking_number"`
	Reason         string `json:"reason"`
}

type Result struct {
	Trigger         Trigger         `json:"trigger"`
	StartedAt       time.Time       `json:"started_at"`
	FinishedAt      time.Time       `json:"finished_at"`
	Processed       int             `json:"processed"`
	Updated         int             `json:"updated"`
	Errors          int             `json:"errors"`
	SkippedAgencies []string        `json:"skipped_agencies,omitempty"`
	ErrorList       []ShipmentError `json:"error_list,omitempty"`
}

type Status struct {
	Running          bool       `json:"running"`
	CurrentStartedAt *time.Time `json:"current_started_at,omitempty"`
	LastResult       *Result    `json:"last_result,omitempty"`
}

type Settings struct {
	Concurrency        int
	RemoteTimeout      time.Duration
	RateLimitPerMinute int64
	ErrorCap           int
	LockTTL            time.Duration
	ResultTTL          time.Duration
	// PassTimeout bounds every pass and stretches LockTTL when it is shorter.
	PassTimeout time.Duration
}

type Syncer struct {
	repo       Repository
	registry   Registry
	reconciler Reconciler

	rl     cache.RateLimiter
	locker cache.Locker
	cache  cache.BytesCache

	concurrency        int
	remoteTimeout      time.Duration
	rateLimitPerMinute int64
	errorCap           int
	lockTTL            time.Duration
	resultTTL          time.Duration
	passTimeout        time.Duration

	triggerCh chan struct{}

	running         atomic.Bool
	currentStarted  atomic.Int64
	startedAtNano   int64
	lastTriggerNano atomic.Int64
	totalPasses     atomic.Int64
	totalProcessed  atomic.Int64
	totalUpdated    atomic.Int64
	totalErrors     atomic.Int64

	mu         sync.RWMutex
	last       *Result
	lastPolled map[string]time.Time
}

func New(repo Repository, reg Registry, rec Reconciler) *Syncer {
	return &Syncer{
		repo:               repo,
		registry:           reg,
		reconciler:         rec,
		concurrency:        4,
		remoteTimeout:      15 * time.Second,
		rateLimitPerMinute: 120,
		errorCap:           20,
		lockTTL:            10 * time.Minute,
		resultTTL:          24 * time.Hour,
		triggerCh:          make(chan struct{}, 1),
		startedAtNano:      time.Now().UTC().UnixNano(),
		lastPolled:         make(map[string]time.Time),
	}
}

func (s *Syncer) WithSettings(st Settings) *Syncer {
	if st.Concurrency > 0 {
		s.concurrency = st.Concurrency
	}
	if st.RemoteTimeout > 0 {
		s.remoteTimeout = st.RemoteTimeout
	}
	if st.RateLimitPerMinute > 0 {
		s.rateLimitPerMinute = st.RateLimitPerMinute
	}
	if st.ErrorCap > 0 {
		s.errorCap = st.ErrorCap
	}
	if st.LockTTL > 0 {
		s.lockTTL = st.LockTTL
	}
	if st.ResultTTL > 0 {
		s.resultTTL = st.ResultTTL
	}
	if st.PassTimeout > 0 {
		s.passTimeout = st.PassTimeout
	}
	return s
}

// passLockTTL never lets the pass lock expire before the pass deadline.
func (s *Syncer) passLockTTL() time.Duration {
	if s.passTimeout > 0 && s.passTimeout+passLockMargin > s.lockTTL {
		return s.passTimeout + passLockMargin
	}
	return s.lockTTL
}

// WithRedis plugs the shared rate limiter, pass lock and result cache. Any
// of them may be nil.
func (s *Syncer) WithRedis(rl cache.RateLimiter, locker cache.Locker, c cache.BytesCache) *Syncer {
	s.rl, s.locker, s.cache = rl, locker, c
	return s
}

// SyncAllShipments runs one pass. A pass already running here or in another
// process holding the lock yields ErrSyncInProgress.
func (s *Syncer) SyncAllShipments(ctx context.Context, trigger Trigger) (*Result, error) {
	if !s.running.CompareAndSwap(false, true) {
		return nil, errs.ErrSyncInProgress
	}
	defer s.running.Store(false)

	if s.passTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.passTimeout)
		defer cancel()
	}

	started := time.Now().UTC()
	s.currentStarted.Store(started.UnixNano())
	defer s.currentStarted.Store(0)

	if s.locker != nil {
		release, ok, err := s.locker.Acquire(ctx, passLockKey, s.passLockTTL())
		switch {
		case err != nil:
			slog.Warn("sync lock unavailable, running unguarded", "error", err.Error())
		case !ok:
			return nil, errs.ErrSyncInProgress
		default:
			defer release()
		}
	}

	items, err := s.repo.ListActiveShipments(ctx)
	if err != nil {
		return nil, err
	}

	p := &pass{res: Result{Trigger: trigger, StartedAt: started}, errorCap: s.errorCap}
	groups := groupByAgency(items)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for _, grp := range groups {
		if trigger == TriggerScheduled && !s.due(gctx, grp.agencyID, started) {
			p.skip(grp.agencyID)
			continue
		}
		g.Go(func() error {
			s.syncAgency(gctx, p, grp)
			return nil
		})
	}
	_ = g.Wait()

	res := p.result()
	res.FinishedAt = time.Now().UTC()
	s.record(ctx, &res)

	slog.Info("sync pass finished", "trigger", string(trigger), "processed", res.Processed,
		"updated", res.Updated, "errors", res.Errors, "skipped_agencies", len(res.SkippedAgencies),
		"took", res.FinishedAt.Sub(res.StartedAt).String())

	if trigger != TriggerManual {
		return &res, nil
	}
	// A manual pass reports success only once its activity entry is stored.
	err = s.repo.AddActivity(context.WithoutCancel(ctx), models.Activity{
		Type: models.ActivitySyncCompleted,
		Description: fmt.Sprintf("Delivery sync: %d processed, %d updated, %d errors",
			res.Processed, res.Updated, res.Errors),
		ActorID: models.SystemActor,
		Metadata: map[string]any{
			"processed": res.Processed,
			"updated":   res.Updated,
			"errors":    res.Errors,
		},
	})
	if err != nil {
		return &res, err
	}
	return &res, nil
}

type agencyGroup struct {
	agencyID  string
	shipments []*models.DeliveryShipment
}

func groupByAgency(items []*models.DeliveryShipment) []agencyGroup {
	idx := make(map[string]int)
	var out []agencyGroup
	for _, sh := range items {
		i, ok := idx[sh.AgencyID]
		if !ok {
			i = len(out)
			idx[sh.AgencyID] = i
			out = append(out, agencyGroup{agencyID: sh.AgencyID})
		}
		out[i].shipments = append(out[i].shipments, sh)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].agencyID < out[j].agencyID })
	return out
}

// due reports whether a scheduled pass should poll the agency. Agencies that
// cannot be resolved are always due so their shipments surface as errors.
func (s *Syncer) due(ctx context.Context, agencyID string, now time.Time) bool {
	_, cfg, err := s.registry.Resolve(ctx, agencyID)
	if err != nil || cfg.PollingInterval <= 0 {
		return true
	}
	s.mu.RLock()
	last, ok := s.lastPolled[agencyID]
	s.mu.RUnlock()
	return !ok || now.Sub(last) >= cfg.PollingInterval
}

func (s *Syncer) syncAgency(ctx context.Context, p *pass, grp agencyGroup) {
	s.mu.Lock()
	s.lastPolled[grp.agencyID] = time.Now().UTC()
	s.mu.Unlock()

	// Disabled agencies still get their existing shipments reconciled.
	adapter, cfg, err := s.registry.Resolve(ctx, grp.agencyID)
	if err != nil {
		for _, sh := range grp.shipments {
			p.fail(sh, err)
		}
		return
	}

	for i, sh := range grp.shipments {
		if err := ctx.Err(); err != nil {
			// Unvisited shipments still count so processed matches the pass input.
			for _, rest := range grp.shipments[i:] {
				p.fail(rest, errors.Wrap(err, "sync pass interrupted"))
			}
			return
		}
		s.throttle(ctx, grp.agencyID)
		if err := s.syncOne(ctx, p, adapter, cfg, sh); err != nil {
			p.fail(sh, err)
			slog.Warn("sync shipment", "shipment_id", sh.ID.String(), "agency", grp.agencyID, "error", err.Error())
		}
	}
}

func (s *Syncer) syncOne(ctx context.Context, p *pass, a agency.Adapter, cfg models.DeliveryAgency, sh *models.DeliveryShipment) error {
	rctx, cancel := context.WithTimeout(ctx, s.remoteTimeout)
	obs, err := a.FetchStatus(rctx, cfg, sh.TrackingNumber)
	cancel()
	if err != nil {
		return errs.AsRemote(cfg.ID, err)
	}
	if !obs.Status.Valid() {
		return errs.Remote(cfg.ID, fmt.Sprintf("unmapped carrier status %q", obs.StatusRaw), nil)
	}

	_, changed, err := s.reconciler.ApplyObservedStatus(ctx, sh, obs, models.StatusSourceSync)
	if err != nil {
		return err
	}
	p.ok(changed)
	return nil
}

// throttle keeps calls to one carrier under the per-minute budget shared by
// every process using the same redis.
func (s *Syncer) throttle(ctx context.Context, agencyID string) {
	if s.rl == nil || s.rateLimitPerMinute <= 0 {
		return
	}
	for {
		key := fmt.Sprintf("rl:agency:%s:%s", agencyID, time.Now().UTC().Format("200601021504"))
		allowed, n, err := s.rl.Allow(ctx, key, s.rateLimitPerMinute, 70*time.Second)
		if err != nil {
			slog.Warn("rate limiter unavailable", "agency", agencyID, "error", err.Error())
			return
		}
		if allowed {
			return
		}
		slog.Warn("rate limit exceeded", "agency", agencyID, "count", n)
		select {
		case <-ctx.Done():
			return
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func (s *Syncer) record(ctx context.Context, res *Result) {
	s.mu.Lock()
	cp := *res
	s.last = &cp
	s.mu.Unlock()

	s.totalProcessed.Add(int64(res.Processed))
	s.totalUpdated.Add(int64(res.Updated))
	s.totalErrors.Add(int64(res.Errors))
	s.totalPasses.Add(1)

	if s.cache == nil {
		return
	}
	b, err := json.Marshal(res)
	if err != nil {
		slog.Error("encode sync result", "error", err.Error())
		return
	}
	if err := s.cache.Set(context.WithoutCancel(ctx), lastResultKey, b, s.resultTTL); err != nil {
		slog.Warn("cache sync result", "error", err.Error())
	}
}

// GetStatus never waits on a running pass. Without a local result it falls
// back to the last one published to the cache by any process.
func (s *Syncer) GetStatus(ctx context.Context) Status {
	st := Status{Running: s.running.Load()}
	if n := s.currentStarted.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.CurrentStartedAt = &t
	}

	s.mu.RLock()
	if s.last != nil {
		cp := *s.last
		st.LastResult = &cp
	}
	s.mu.RUnlock()

	if s.cache == nil {
		return st
	}
	b, ok, err := s.cache.Get(ctx, lastResultKey)
	if err != nil || !ok {
		return st
	}
	var cached Result
	if err := json.Unmarshal(b, &cached); err != nil {
		slog.Warn("decode cached sync result", "error", err.Error())
		return st
	}
	if st.LastResult == nil || cached.FinishedAt.After(st.LastResult.FinishedAt) {
		st.LastResult = &cached
	}
	return st
}

// Trigger asks Run for an immediate manual pass (best-effort, non-blocking).
func (s *Syncer) Trigger() {
	s.lastTriggerNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

// Run serves Trigger calls until ctx is done.
func (s *Syncer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.triggerCh:
			s.runLogged(ctx, TriggerManual)
		}
	}
}

func (s *Syncer) runLogged(ctx context.Context, trigger Trigger) {
	_, err := s.SyncAllShipments(ctx, trigger)
	switch {
	case err == nil:
	case errors.Is(err, errs.ErrSyncInProgress):
		slog.Info("sync pass skipped, another one is running", "trigger", string(trigger))
	default:
		slog.Error("sync pass failed", "trigger", string(trigger), "error", err.Error())
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	Running        bool       `json:"running"`
	TotalPasses    int64      `json:"totalPasses"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalUpdated   int64      `json:"totalUpdated"`
	TotalErrors    int64      `json:"totalErrors"`
}

func (s *Syncer) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, s.startedAtNano).UTC(),
		Running:        s.running.Load(),
		TotalPasses:    s.totalPasses.Load(),
		TotalProcessed: s.totalProcessed.Load(),
		TotalUpdated:   s.totalUpdated.Load(),
		TotalErrors:    s.totalErrors.Load(),
	}
	if n := s.lastTriggerNano.Load(); n > 0 {
		t := time.Unix(0, n).UTC()
		st.LastTriggerAt = &t
	}
	return st
}

// pass accumulates counters from concurrent agency workers.
type pass struct {
	mu       sync.Mutex
	res      Result
	errorCap int
}

func (p *pass) ok(changed bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res.Processed++
	if changed {
		p.res.Updated++
	}
}

func (p *pass) fail(sh *models.DeliveryShipment, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res.Processed++
	p.res.Errors++
	if len(p.res.ErrorList) < p.errorCap {
		p.res.ErrorList = append(p.res.ErrorList, ShipmentError{
			ShipmentID:     sh.ID.String(),
			AgencyID:       sh.AgencyID,
			TrackingNumber: sh.TrackingNumber,
			Reason:         err.Error(),
		})
	}
}

func (p *pass) skip(agencyID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.res.SkippedAgencies = append(p.res.SkippedAgencies, agencyID)
}

func (p *pass) result() Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := p.res
	out.ErrorList = append([]ShipmentError(nil), p.res.ErrorList...)
	out.SkippedAgencies = append([]string(nil), p.res.SkippedAgencies...)
	return out
}
