package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	deliveriesapi "github.com/CheherK/COD-CRM-sub001/internal/api/deliveries_api"
	"github.com/CheherK/COD-CRM-sub001/internal/broker/messages"
	"github.com/CheherK/COD-CRM-sub001/internal/errs"
	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/pkg/errors"
	httpSwagger "github.com/swaggo/http-swagger"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type deliveryAPIOpts struct {
	grpcAddr    string
	httpAddr    string
	swaggerPath string

	topic         string
	consumerGroup string
	healthEvery   time.Duration
	// inboundRetry bounds the retries of one inbound update before the
	// consumer gives up and the process exits.
	inboundRetry time.Duration

	onListen func(grpcAddr, httpAddr string)
}

type kafkaConsumer interface {
	Consume(ctx context.Context, handler func(key, value []byte) error) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

type inboundApplier interface {
	ApplyInboundUpdate(ctx context.Context, msg messages.CarrierStatusUpdate) error
}

// runDeliveryAPI serves HTTP and gRPC health until ctx is done. consumer may
// be nil when kafka is not configured.
func runDeliveryAPI(ctx context.Context, opts deliveryAPIOpts, api *deliveriesapi.DeliveriesAPI, db pinger, inbound inboundApplier, consumer kafkaConsumer) error {
	if opts.swaggerPath == "" {
		return errors.New("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return errors.Errorf("swagger file not found: %s", opts.swaggerPath)
	}

	// Stops the sibling servers when one of them fails.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	grpcLis, err := net.Listen("tcp", opts.grpcAddr)
	if err != nil {
		return err
	}
	httpLis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		_ = grpcLis.Close()
		return err
	}

	if opts.onListen != nil {
		opts.onListen(grpcLis.Addr().String(), httpLis.Addr().String())
	}

	grpcErr := make(chan error, 1)
	go func() {
		grpcErr <- runHealthServer(ctx, grpcLis, db, opts.healthEvery)
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, httpLis, newRouter(api, db, opts.swaggerPath))
	}()

	consumerErr := make(chan error, 1)
	if consumer != nil {
		go func() {
			slog.Info("kafka consumer started", "topic", opts.topic, "group", opts.consumerGroup)
			err := consumer.Consume(ctx, retryInbound(ctx, inboundHandler(ctx, inbound), opts.inboundRetry))
			if err != nil && ctx.Err() == nil {
				slog.Error("kafka consumer stopped", "topic", opts.topic, "error", err.Error())
				consumerErr <- errors.Wrap(err, "kafka consumer")
			}
		}()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-grpcErr:
		return err
	case err := <-httpErr:
		return err
	case err := <-consumerErr:
		return err
	}
}

// retryInbound retries a failing update with exponential backoff. When
// maxElapsed runs out the error reaches the consumer, which stops without
// committing; the API then exits so the group rebalances and the update is
// redelivered from the last committed offset.
func retryInbound(ctx context.Context, h func(key, value []byte) error, maxElapsed time.Duration) func(key, value []byte) error {
	if maxElapsed <= 0 {
		maxElapsed = 30 * time.Second
	}
	return func(key, value []byte) error {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = 5 * time.Second
		b.MaxElapsedTime = maxElapsed
		return backoff.RetryNotify(func() error {
			return h(key, value)
		}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
			slog.Warn("inbound update failed, retrying", "error", err.Error(), "retry_in", next.String())
		})
	}
}

// inboundHandler applies relayed carrier updates. Updates the engine rejects
// are logged and committed; persistence and internal failures are returned.
func inboundHandler(ctx context.Context, inbound inboundApplier) func(key, value []byte) error {
	return func(_ []byte, value []byte) error {
		var m messages.CarrierStatusUpdate
		if err := json.Unmarshal(value, &m); err != nil {
			slog.Warn("malformed carrier update dropped", "error", err.Error())
			return nil
		}
		err := inbound.ApplyInboundUpdate(ctx, m)
		switch errs.Kind(err) {
		case "":
			return nil
		case "persistence_failure", "internal":
			return err
		default:
			slog.Warn("carrier update skipped", "agency", m.AgencyID, "tracking_number", m.TrackingNumber,
				"error", err.Error())
			return nil
		}
	}
}

func newRouter(api *deliveriesapi.DeliveriesAPI, db pinger, swaggerPath string) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_ = json.NewEncoder(w).Encode(map[string]string{"status": "degraded", "error": err.Error()})
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	r.Get("/docs/*", httpSwagger.Handler(
		httpSwagger.URL("/swagger.json"),
	))
	r.Mount("/", api.Routes())
	return r
}

func runHTTPServer(ctx context.Context, lis net.Listener, h http.Handler) error {
	srv := &http.Server{Handler: h, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// runHealthServer answers grpc.health.v1 checks; the status follows the
// store's reachability.
func runHealthServer(ctx context.Context, lis net.Listener, db pinger, every time.Duration) error {
	if every <= 0 {
		every = 10 * time.Second
	}
	s := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(s, hs)

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		st := healthpb.HealthCheckResponse_SERVING
		if err := db.Ping(pctx); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
		}
		hs.SetServingStatus("", st)
	}
	check()

	go func() {
		t := time.NewTicker(every)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				hs.Shutdown()
				stopped := make(chan struct{})
				go func() {
					s.GracefulStop()
					close(stopped)
				}()
				select {
				case <-stopped:
				case <-time.After(2 * time.Second):
					s.Stop()
				}
				_ = lis.Close()
				return
			case <-t.C:
				check()
			}
		}
	}()

	slog.Info("gRPC health server listening", "addr", lis.Addr().String())
	return s.Serve(lis)
}
