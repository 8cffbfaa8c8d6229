package main

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/CheherK/COD-CRM-sub001/config"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/agencytest"
	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
	"github.com/CheherK/COD-CRM-sub001/internal/storage/memdelivery"
	"github.com/CheherK/COD-CRM-sub001/internal/wiring"
	"github.com/stretchr/testify/require"
)

func memoryFactories(st *memdelivery.Store, closed *bool) wiring.Factories {
	return wiring.Factories{
		NewStore: func(context.Context, *config.Config) (wiring.Store, func(), error) {
			return st, func() { *closed = true }, nil
		},
		NewAdapters: func(*config.Config) []agency.Adapter {
			return []agency.Adapter{agencytest.New("alpha")}
		},
	}
}

func TestRunDeliveryWorker_TriggerAndStats(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	closed := false
	cfg := &config.Config{Delivery: config.DeliveryConfig{
		Storage:        "memory",
		SyncSchedule:   "@every 1h",
		WorkerHTTPAddr: "127.0.0.1:0",
	}}

	addrCh := make(chan string, 1)
	runErr := make(chan error, 1)
	go func() {
		runErr <- RunDeliveryWorker(ctx, cfg, memoryFactories(memdelivery.New(), &closed), func(a string) { addrCh <- a })
	}()

	var addr string
	select {
	case addr = <-addrCh:
	case <-time.After(2 * time.Second):
		t.Fatal("worker http did not start")
	}
	base := "http://" + addr

	resp, err := http.Get(base + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(base + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Post(base+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var st struct {
		syncer.Stats
		NextRunAt *time.Time `json:"nextRunAt"`
	}
	require.Eventually(t, func() bool {
		resp, err := http.Get(base + "/stats")
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		if json.NewDecoder(resp.Body).Decode(&st) != nil {
			return false
		}
		return st.TotalPasses >= 1
	}, 2*time.Second, 20*time.Millisecond)
	require.NotNil(t, st.LastTriggerAt)
	require.NotNil(t, st.NextRunAt)
	require.True(t, st.NextRunAt.After(time.Now()))

	resp, err = http.Get(base + "/status")
	require.NoError(t, err)
	var status syncer.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	resp.Body.Close()
	require.NotNil(t, status.LastResult)
	require.Equal(t, syncer.TriggerManual, status.LastResult.Trigger)

	resp, err = http.Get(base + "/config")
	require.NoError(t, err)
	var c map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&c))
	resp.Body.Close()
	require.Equal(t, "@every 1h", c["syncSchedule"])

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.True(t, closed)
}

func TestRunDeliveryWorker_BadSchedule(t *testing.T) {
	closed := false
	cfg := &config.Config{Delivery: config.DeliveryConfig{Storage: "memory", SyncSchedule: "every now and then"}}
	err := RunDeliveryWorker(context.Background(), cfg, memoryFactories(memdelivery.New(), &closed), nil)
	require.ErrorContains(t, err, "sync schedule")
	require.True(t, closed)
}
