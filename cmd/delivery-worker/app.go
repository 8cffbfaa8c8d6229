package main

import (
	"context"
	"log/slog"
	"time"

	"github.com/CheherK/COD-CRM-sub001/config"
	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
	"github.com/CheherK/COD-CRM-sub001/internal/wiring"
	"golang.org/x/sync/errgroup"
)

// RunDeliveryWorker runs scheduled sync passes, serves manual triggers and
// the worker HTTP endpoints until ctx is done.
func RunDeliveryWorker(ctx context.Context, cfg *config.Config, f wiring.Factories, onListen func(httpAddr string)) error {
	engine, err := wiring.Build(ctx, cfg, f)
	if err != nil {
		return err
	}
	defer engine.Close()

	sc, err := syncer.NewScheduler(engine.Syncer, cfg.Delivery.SyncSchedule, cfg.Delivery.SyncPassTimeout())
	if err != nil {
		return err
	}
	sc.Start()
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := sc.Stop(stopCtx); err != nil {
			slog.Warn("sync scheduler stop", "error", err.Error())
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Syncer.Run(gctx)
	})
	g.Go(func() error {
		return runWorkerHTTPServer(gctx, workerHTTPOpts{
			httpAddr:  cfg.Delivery.WorkerHTTPAddr,
			onListen:  onListen,
			syncer:    engine.Syncer,
			scheduler: sc,
			cfg:       cfg,
			ready:     engine.Ping,
		})
	})
	return g.Wait()
}
