package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/CheherK/COD-CRM-sub001/config"
	"github.com/CheherK/COD-CRM-sub001/internal/broker/messages"
	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/agencytest"
	"github.com/CheherK/COD-CRM-sub001/internal/storage/memdelivery"
	"github.com/CheherK/COD-CRM-sub001/internal/wiring"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeApplier struct {
	err  error
	msgs []messages.CarrierStatusUpdate
}

func (f *fakeApplier) ApplyInboundUpdate(_ context.Context, msg messages.CarrierStatusUpdate) error {
	f.msgs = append(f.msgs, msg)
	return f.err
}

type chanConsumer struct {
	values chan []byte
	errs   chan error
}

func (c *chanConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v := <-c.values:
			c.errs <- handler(nil, v)
		}
	}
}

func memoryFactories(st *memdelivery.Store) wiring.Factories {
	return wiring.Factories{
		NewStore: func(context.Context, *config.Config) (wiring.Store, func(), error) {
			return st, nil, nil
		},
		NewAdapters: func(*config.Config) []agency.Adapter {
			return []agency.Adapter{agencytest.New("alpha")}
		},
	}
}

func TestRunDeliveryAPI_ServesHTTPAndHealth(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{Delivery: config.DeliveryConfig{Storage: "memory"}}
	app, err := bootstrapDeliveryAPI(ctx, cfg, sw, memoryFactories(memdelivery.New()))
	require.NoError(t, err)
	defer app.Close()

	addrs := make(chan [2]string, 1)
	app.opts.grpcAddr = "127.0.0.1:0"
	app.opts.httpAddr = "127.0.0.1:0"
	app.opts.onListen = func(g, h string) { addrs <- [2]string{g, h} }

	runErr := make(chan error, 1)
	go func() { runErr <- app.Run() }()

	var grpcAddr, httpAddr string
	select {
	case a := <-addrs:
		grpcAddr, httpAddr = a[0], a[1]
	case <-time.After(2 * time.Second):
		t.Fatal("servers did not start")
	}

	get := func(path string) (int, string) {
		var resp *http.Response
		require.Eventually(t, func() bool {
			var err error
			resp, err = http.Get("http://" + httpAddr + path)
			return err == nil
		}, time.Second, 10*time.Millisecond)
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "ok")

	code, body = get("/swagger.json")
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, `"swagger"`)

	code, body = get("/v1/agencies")
	require.Equal(t, http.StatusOK, code)
	var env struct {
		Success bool              `json:"success"`
		Data    []json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(body), &env))
	require.True(t, env.Success)
	require.Len(t, env.Data, 1)

	conn, err := grpc.NewClient(grpcAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()
	hctx, hcancel := context.WithTimeout(ctx, 2*time.Second)
	defer hcancel()
	hres, err := healthpb.NewHealthClient(conn).Check(hctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	require.Equal(t, healthpb.HealthCheckResponse_SERVING, hres.GetStatus())

	cancel()
	select {
	case err := <-runErr:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting servers to stop")
	}
}

func TestRunDeliveryAPI_RequiresSwagger(t *testing.T) {
	err := runDeliveryAPI(context.Background(), deliveryAPIOpts{swaggerPath: filepath.Join(t.TempDir(), "none.json")},
		nil, nil, nil, nil)
	require.ErrorContains(t, err, "swagger file not found")
}

func TestInboundHandler(t *testing.T) {
	ctx := context.Background()
	f := &fakeApplier{}
	h := inboundHandler(ctx, f)

	msg, err := json.Marshal(messages.CarrierStatusUpdate{AgencyID: "alpha", TrackingNumber: "T1", Status: "carrier:DELIVERED"})
	require.NoError(t, err)

	require.NoError(t, h(nil, msg))
	require.Len(t, f.msgs, 1)
	require.Equal(t, "T1", f.msgs[0].TrackingNumber)

	require.NoError(t, h(nil, []byte("{not json")))
	require.Len(t, f.msgs, 1)

	f.err = errs.NotFound("shipment", "T1")
	require.NoError(t, h(nil, msg))

	f.err = errs.Persistence("apply status change", errors.New("conn reset"))
	require.ErrorIs(t, h(nil, msg), errs.ErrPersistence)
}

func TestRunDeliveryAPI_ConsumesInbound(t *testing.T) {
	dir := t.TempDir()
	sw := filepath.Join(dir, "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := &fakeApplier{}
	c := &chanConsumer{values: make(chan []byte, 1), errs: make(chan error, 1)}
	opts := deliveryAPIOpts{grpcAddr: "127.0.0.1:0", httpAddr: "127.0.0.1:0", swaggerPath: sw}

	cfg := &config.Config{Delivery: config.DeliveryConfig{Storage: "memory"}}
	app, err := bootstrapDeliveryAPI(ctx, cfg, sw, memoryFactories(memdelivery.New()))
	require.NoError(t, err)
	defer app.Close()

	go func() { _ = runDeliveryAPI(ctx, opts, app.api, app.engine, f, c) }()

	c.values <- []byte(`{"agency_id":"alpha","tracking_number":"T9","status":"carrier:IN_TRANSIT"}`)
	select {
	case err := <-c.errs:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("message not consumed")
	}
	require.Len(t, f.msgs, 1)
	require.Equal(t, "T9", f.msgs[0].TrackingNumber)
}

func TestRetryInbound_RecoversFromTransientFailure(t *testing.T) {
	calls := 0
	h := retryInbound(context.Background(), func(_, _ []byte) error {
		calls++
		if calls < 3 {
			return errs.Persistence("apply status change", errors.New("conn reset"))
		}
		return nil
	}, 2*time.Second)

	require.NoError(t, h(nil, []byte("{}")))
	require.Equal(t, 3, calls)
}

func TestRetryInbound_GivesUpAfterMaxElapsed(t *testing.T) {
	h := retryInbound(context.Background(), func(_, _ []byte) error {
		return errs.Persistence("apply status change", errors.New("conn reset"))
	}, 150*time.Millisecond)

	require.ErrorIs(t, h(nil, []byte("{}")), errs.ErrPersistence)
}

// handOnceConsumer delivers one message and returns whatever the handler does.
type handOnceConsumer struct {
	value []byte
}

func (c *handOnceConsumer) Consume(ctx context.Context, handler func(key, value []byte) error) error {
	if err := handler(nil, c.value); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestRunDeliveryAPI_ExitsWhenConsumerGivesUp(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{}`), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg := &config.Config{Delivery: config.DeliveryConfig{Storage: "memory"}}
	app, err := bootstrapDeliveryAPI(ctx, cfg, sw, memoryFactories(memdelivery.New()))
	require.NoError(t, err)
	defer app.Close()

	f := &fakeApplier{err: errs.Persistence("apply status change", errors.New("conn reset"))}
	c := &handOnceConsumer{value: []byte(`{"agency_id":"alpha","tracking_number":"T9","status":"carrier:IN_TRANSIT"}`)}
	opts := deliveryAPIOpts{grpcAddr: "127.0.0.1:0", httpAddr: "127.0.0.1:0", swaggerPath: sw, inboundRetry: 100 * time.Millisecond}

	runErr := make(chan error, 1)
	go func() { runErr <- runDeliveryAPI(ctx, opts, app.api, app.engine, f, c) }()

	select {
	case err := <-runErr:
		require.ErrorContains(t, err, "kafka consumer")
		require.ErrorIs(t, err, errs.ErrPersistence)
	case <-time.After(3 * time.Second):
		t.Fatal("api kept running after the consumer stopped")
	}
	require.GreaterOrEqual(t, len(f.msgs), 2)
}
