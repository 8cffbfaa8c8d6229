package main

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"time"

	"github.com/CheherK/COD-CRM-sub001/config"
	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
	"github.com/go-chi/chi/v5"
)

type workerHTTPOpts struct {
	httpAddr string
	onListen func(httpAddr string)

	syncer    *syncer.Syncer
	scheduler *syncer.Scheduler
	cfg       *config.Config
	ready     func(ctx context.Context) error
}

type workerStats struct {
	syncer.Stats
	NextRunAt *time.Time `json:"nextRunAt,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func runWorkerHTTPServer(ctx context.Context, opts workerHTTPOpts) error {
	if opts.httpAddr == "" {
		opts.httpAddr = ":8082"
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if opts.ready != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := opts.ready(ctx); err != nil {
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "error": err.Error()})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		if opts.syncer == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "syncer not wired"})
			return
		}
		out := workerStats{Stats: opts.syncer.Stats()}
		if opts.scheduler != nil {
			if next := opts.scheduler.Next(); !next.IsZero() {
				out.NextRunAt = &next
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		if opts.syncer == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "syncer not wired"})
			return
		}
		writeJSON(w, http.StatusOK, opts.syncer.GetStatus(r.Context()))
	})

	r.Get("/config", func(w http.ResponseWriter, r *http.Request) {
		if opts.cfg == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config not wired"})
			return
		}
		d := opts.cfg.Delivery
		writeJSON(w, http.StatusOK, map[string]any{
			"syncSchedule":           d.SyncSchedule,
			"syncConcurrency":        d.SyncConcurrency,
			"syncRateLimitPerMinute": d.SyncRateLimitPerMinute,
			"syncErrorCap":           d.SyncErrorCap,
			"remoteTimeoutSeconds":   d.RemoteTimeoutSeconds,
		})
	})

	r.Post("/trigger", func(w http.ResponseWriter, r *http.Request) {
		if opts.syncer == nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "syncer not wired"})
			return
		}
		opts.syncer.Trigger()
		writeJSON(w, http.StatusAccepted, map[string]bool{"triggered": true})
	})

	srv := &http.Server{Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		_ = lis.Close()
	}()

	err = srv.Serve(lis)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}
