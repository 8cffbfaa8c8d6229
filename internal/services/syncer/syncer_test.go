package syncer

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/CheherK/COD-CRM-sub001/internal/cache/rediscache"
	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/agencytest"
	"github.com/CheherK/COD-CRM-sub001/internal/models"
	"github.com/CheherK/COD-CRM-sub001/internal/services/deliveries"
	"github.com/CheherK/COD-CRM-sub001/internal/services/registry"
	"github.com/CheherK/COD-CRM-sub001/internal/storage/memdelivery"
	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type countingRL struct {
	mu   sync.Mutex
	keys []string
	deny int
}

func (r *countingRL) Allow(_ context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys = append(r.keys, key)
	if r.deny > 0 {
		r.deny--
		return false, limit + 1, nil
	}
	return true, int64(len(r.keys)), nil
}

type failingActivities struct {
	*memdelivery.Store
}

func (failingActivities) AddActivity(context.Context, models.Activity) error {
	return errs.Persistence("add activity", errors.New("disk full"))
}

type SyncerSuite struct {
	suite.Suite

	ctx   context.Context
	store *memdelivery.Store
	alpha *agencytest.Adapter
	gamma *agencytest.Adapter
	reg   *registry.Registry
	svc   *deliveries.Service
	sy    *Syncer
	seq   int
}

func (s *SyncerSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = memdelivery.New()
	s.alpha = agencytest.New("alpha")
	s.gamma = agencytest.New("gamma")
	s.Require().NoError(s.store.UpsertAgency(s.ctx, s.alpha.Config()))
	s.Require().NoError(s.store.UpsertAgency(s.ctx, s.gamma.Config()))
	s.reg = registry.New(s.store, s.alpha, s.gamma)
	s.svc = deliveries.New(s.store, s.reg, deliveries.Options{RemoteTimeout: 200 * time.Millisecond})
	s.sy = New(s.store, s.reg, s.svc).WithSettings(Settings{RemoteTimeout: 50 * time.Millisecond})
	s.seq = 0
}

func (s *SyncerSuite) ship(agencyID string) *models.DeliveryShipment {
	s.seq++
	id := fmt.Sprintf("O%d", s.seq)
	s.Require().NoError(s.store.UpsertOrder(s.ctx, models.Order{
		ID:            id,
		Status:        models.OrderStatusConfirmed,
		CustomerName:  "Sami",
		CustomerPhone: "22333444",
		Address:       "3 Avenue Habib Bourguiba",
		City:          "Sfax",
		Region:        "Sfax",
		Items:         []models.OrderItem{{ProductName: "Kettle", Quantity: 1, UnitPrice: decimal.NewFromInt(35)}},
		Total:         decimal.NewFromInt(35),
	}))
	sh, err := s.svc.CreateShipment(s.ctx, deliveries.CreateInput{OrderID: id, AgencyID: agencyID, ActorID: "u1"})
	s.Require().NoError(err)
	return sh
}

func (s *SyncerSuite) logs(sh *models.DeliveryShipment) int {
	logs, err := s.store.ListStatusLogs(s.ctx, sh.ID)
	s.Require().NoError(err)
	return len(logs)
}

func (s *SyncerSuite) syncActivities() int {
	n := 0
	for _, a := range s.store.Activities() {
		if a.Type == models.ActivitySyncCompleted {
			n++
		}
	}
	return n
}

func (s *SyncerSuite) TestSecondPassIsNoop() {
	a := s.ship("alpha")
	b := s.ship("alpha")
	s.alpha.SetStatus(a.TrackingNumber, models.ShipmentStatusInTransit)

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(2, res.Processed)
	s.Require().Equal(1, res.Updated)
	s.Require().Zero(res.Errors)
	s.Require().Equal(2, s.logs(a))
	s.Require().Equal(1, s.logs(b))

	res, err = s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(2, res.Processed)
	s.Require().Zero(res.Updated)
	s.Require().Equal(2, s.logs(a))
	s.Require().Equal(1, s.logs(b))
}

func (s *SyncerSuite) TestFailureDoesNotBlockOtherAgency() {
	a := s.ship("alpha")
	b := s.ship("gamma")
	s.alpha.FailFetch(a.TrackingNumber, errors.New("connection reset"))
	s.gamma.SetStatus(b.TrackingNumber, models.ShipmentStatusDelivered)

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(1, res.Errors)
	s.Require().Equal(1, res.Updated)
	s.Require().Len(res.ErrorList, 1)
	s.Require().Equal(a.ID.String(), res.ErrorList[0].ShipmentID)
	s.Require().Contains(res.ErrorList[0].Reason, "connection reset")

	gotA, err := s.store.GetShipment(s.ctx, a.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ShipmentStatusUploaded, gotA.Status)

	gotB, err := s.store.GetShipment(s.ctx, b.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.ShipmentStatusDelivered, gotB.Status)
	o, err := s.store.GetOrder(s.ctx, gotB.OrderID)
	s.Require().NoError(err)
	s.Require().Equal(models.OrderStatusDelivered, o.Status)
}

func (s *SyncerSuite) TestTerminalShipmentsLeaveThePass() {
	a := s.ship("alpha")
	s.alpha.SetStatus(a.TrackingNumber, models.ShipmentStatusReturned)

	_, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(1, s.alpha.Fetches(a.TrackingNumber))

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Zero(res.Processed)
	s.Require().Equal(1, s.alpha.Fetches(a.TrackingNumber))
}

func (s *SyncerSuite) TestTimeoutCountsAsError() {
	a := s.ship("alpha")
	s.alpha.SetStatus(a.TrackingNumber, models.ShipmentStatusInTransit)
	s.alpha.SetDelay(time.Second)

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(1, res.Errors)
	s.Require().Zero(res.Updated)
	s.Require().Contains(res.ErrorList[0].Reason, "timed out")
	s.Require().Equal(1, s.logs(a))
}

func (s *SyncerSuite) TestInterruptedPassCountsRemainingShipments() {
	for range 3 {
		sh := s.ship("alpha")
		s.alpha.SetStatus(sh.TrackingNumber, models.ShipmentStatusInTransit)
	}
	s.alpha.SetDelay(time.Second)

	ctx, cancel := context.WithTimeout(s.ctx, 20*time.Millisecond)
	defer cancel()
	res, err := s.sy.SyncAllShipments(ctx, TriggerScheduled)
	s.Require().NoError(err)
	s.Require().Equal(3, res.Processed)
	s.Require().Equal(3, res.Errors)
	s.Require().Zero(res.Updated)
	s.Require().Len(res.ErrorList, 3)
	s.Require().Contains(res.ErrorList[2].Reason, "sync pass interrupted")
}

func (s *SyncerSuite) TestErrorListIsCapped() {
	s.sy.WithSettings(Settings{ErrorCap: 2})
	for range 3 {
		sh := s.ship("alpha")
		s.alpha.FailFetch(sh.TrackingNumber, errors.New("boom"))
	}

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(3, res.Errors)
	s.Require().Len(res.ErrorList, 2)
}

func (s *SyncerSuite) TestConcurrentPassIsRejected() {
	s.ship("alpha")
	s.alpha.SetDelay(30 * time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
		done <- err
	}()
	s.Require().Eventually(func() bool { return s.sy.GetStatus(s.ctx).Running }, time.Second, time.Millisecond)

	st := s.sy.GetStatus(s.ctx)
	s.Require().NotNil(st.CurrentStartedAt)

	_, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().ErrorIs(err, errs.ErrSyncInProgress)
	s.Require().ErrorIs(err, errs.ErrInvalidState)

	s.Require().NoError(<-done)
	st = s.sy.GetStatus(s.ctx)
	s.Require().False(st.Running)
	s.Require().Nil(st.CurrentStartedAt)
	s.Require().NotNil(st.LastResult)
	s.Require().Equal(1, st.LastResult.Processed)
}

func (s *SyncerSuite) TestManualPassRecordsActivity() {
	s.ship("alpha")

	_, err := s.sy.SyncAllShipments(s.ctx, TriggerScheduled)
	s.Require().NoError(err)
	s.Require().Zero(s.syncActivities())

	_, err = s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(1, s.syncActivities())
}

func (s *SyncerSuite) TestManualPassFailsWithoutActivity() {
	s.ship("alpha")
	sy := New(failingActivities{s.store}, s.reg, s.svc)

	res, err := sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().ErrorIs(err, errs.ErrPersistence)
	s.Require().NotNil(res)
	s.Require().Equal(1, res.Processed)

	_, err = sy.SyncAllShipments(s.ctx, TriggerScheduled)
	s.Require().NoError(err)
}

func (s *SyncerSuite) TestScheduledPassHonoursPollingInterval() {
	slow := s.alpha.Config()
	slow.PollingInterval = time.Hour
	s.Require().NoError(s.store.UpsertAgency(s.ctx, slow))
	s.reg = registry.New(s.store, s.alpha, s.gamma)
	s.svc = deliveries.New(s.store, s.reg, deliveries.Options{})
	s.sy = New(s.store, s.reg, s.svc)

	a := s.ship("alpha")
	g := s.ship("gamma")

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerScheduled)
	s.Require().NoError(err)
	s.Require().Empty(res.SkippedAgencies)
	s.Require().Equal(2, res.Processed)

	res, err = s.sy.SyncAllShipments(s.ctx, TriggerScheduled)
	s.Require().NoError(err)
	s.Require().Equal([]string{"alpha"}, res.SkippedAgencies)
	s.Require().Equal(1, res.Processed)
	s.Require().Equal(1, s.alpha.Fetches(a.TrackingNumber))
	s.Require().Equal(2, s.gamma.Fetches(g.TrackingNumber))

	res, err = s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Empty(res.SkippedAgencies)
	s.Require().Equal(2, s.alpha.Fetches(a.TrackingNumber))
}

func (s *SyncerSuite) TestDisabledAgencyStillSynced() {
	a := s.ship("alpha")
	off := false
	_, err := s.reg.UpdateAgencyConfig(s.ctx, "alpha", models.AgencyConfigPatch{Enabled: &off}, "admin")
	s.Require().NoError(err)
	s.alpha.SetStatus(a.TrackingNumber, models.ShipmentStatusPickedUp)

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(1, res.Updated)
}

func (s *SyncerSuite) TestRateLimiterKeyedPerAgency() {
	s.ship("alpha")
	s.ship("alpha")
	rl := &countingRL{deny: 1}
	s.sy.WithRedis(rl, nil, nil)

	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Equal(2, res.Processed)

	rl.mu.Lock()
	defer rl.mu.Unlock()
	s.Require().Len(rl.keys, 3)
	for _, k := range rl.keys {
		s.Require().True(strings.HasPrefix(k, "rl:agency:alpha:"), k)
	}
}

func (s *SyncerSuite) TestLockHeldElsewhere() {
	mr := miniredis.RunT(s.T())
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	locker := rediscache.NewLocker(c, "delivery:")

	release, ok, err := locker.Acquire(s.ctx, passLockKey, time.Minute)
	s.Require().NoError(err)
	s.Require().True(ok)

	s.sy.WithRedis(nil, locker, nil)
	_, err = s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().ErrorIs(err, errs.ErrSyncInProgress)

	release()
	_, err = s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
}

func (s *SyncerSuite) TestPassLockOutlivesPassTimeout() {
	mr := miniredis.RunT(s.T())
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()

	s.ship("alpha")
	s.alpha.SetDelay(200 * time.Millisecond)
	s.sy.WithSettings(Settings{LockTTL: time.Minute, PassTimeout: 30 * time.Minute, RemoteTimeout: time.Second})
	s.sy.WithRedis(nil, rediscache.NewLocker(c, "delivery:"), nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = s.sy.SyncAllShipments(s.ctx, TriggerManual)
	}()

	s.Require().Eventually(func() bool {
		return mr.Exists("delivery:" + passLockKey)
	}, time.Second, 5*time.Millisecond)
	s.Require().Equal(31*time.Minute, mr.TTL("delivery:"+passLockKey))
	<-done
	s.Require().False(mr.Exists("delivery:" + passLockKey))
}

func (s *SyncerSuite) TestPassTimeoutBoundsManualPass() {
	for range 2 {
		sh := s.ship("alpha")
		s.alpha.SetStatus(sh.TrackingNumber, models.ShipmentStatusInTransit)
	}
	s.alpha.SetDelay(time.Second)
	s.sy.WithSettings(Settings{PassTimeout: 20 * time.Millisecond, RemoteTimeout: time.Second})

	start := time.Now()
	res, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)
	s.Require().Less(time.Since(start), 500*time.Millisecond)
	s.Require().Equal(2, res.Processed)
	s.Require().Equal(2, res.Errors)
}

func TestPassLockTTL(t *testing.T) {
	cases := []struct {
		name     string
		settings Settings
		want     time.Duration
	}{
		{"default", Settings{}, 10 * time.Minute},
		{"lock longer than pass", Settings{LockTTL: time.Hour, PassTimeout: 5 * time.Minute}, time.Hour},
		{"pass stretches lock", Settings{LockTTL: time.Minute, PassTimeout: 15 * time.Minute}, 16 * time.Minute},
		{"pass only", Settings{PassTimeout: 20 * time.Minute}, 21 * time.Minute},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sy := New(nil, nil, nil).WithSettings(tc.settings)
			require.Equal(t, tc.want, sy.passLockTTL())
		})
	}
}

func (s *SyncerSuite) TestLastResultSharedThroughCache() {
	mr := miniredis.RunT(s.T())
	c := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer c.Close()
	shared := rediscache.NewWithClient(c, "delivery:")

	s.ship("alpha")
	s.sy.WithRedis(nil, nil, shared)
	_, err := s.sy.SyncAllShipments(s.ctx, TriggerManual)
	s.Require().NoError(err)

	other := New(s.store, s.reg, s.svc).WithRedis(nil, nil, shared)
	st := other.GetStatus(s.ctx)
	s.Require().False(st.Running)
	s.Require().NotNil(st.LastResult)
	s.Require().Equal(TriggerManual, st.LastResult.Trigger)
	s.Require().Equal(1, st.LastResult.Processed)
}

func (s *SyncerSuite) TestRunServesTrigger() {
	s.ship("alpha")
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- s.sy.Run(ctx) }()

	s.sy.Trigger()
	s.Require().Eventually(func() bool { return s.sy.Stats().TotalPasses == 1 }, time.Second, 5*time.Millisecond)
	s.Require().NotNil(s.sy.Stats().LastTriggerAt)
	s.Require().Equal(int64(1), s.sy.Stats().TotalProcessed)

	cancel()
	s.Require().ErrorIs(<-done, context.Canceled)
}

func TestSyncerSuite(t *testing.T) {
	suite.Run(t, new(SyncerSuite))
}
