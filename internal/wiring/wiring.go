// Package wiring assembles the delivery engine from configuration. Both the
// API and the worker binaries build on it.
package wiring

import (
	"context"
	"log/slog"
	"time"

	"github.com/CheherK/COD-CRM-sub001/config"
	"github.com/CheherK/COD-CRM-sub001/internal/broker/kafka"
	"github.com/CheherK/COD-CRM-sub001/internal/cache/rediscache"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/bestdelivery"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/firstdelivery"
	"github.com/CheherK/COD-CRM-sub001/internal/integrations/agency/sandbox"
	"github.com/CheherK/COD-CRM-sub001/internal/services/deliveries"
	"github.com/CheherK/COD-CRM-sub001/internal/services/registry"
	"github.com/CheherK/COD-CRM-sub001/internal/services/syncer"
	"github.com/CheherK/COD-CRM-sub001/internal/storage/memdelivery"
	"github.com/CheherK/COD-CRM-sub001/internal/storage/pgdelivery"
	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Store is everything the engine persists through.
type Store interface {
	deliveries.Store
	registry.Store
	syncer.Repository
}

type Engine struct {
	Store      Store
	Registry   *registry.Registry
	Deliveries *deliveries.Service
	Syncer     *syncer.Syncer
	Producer   *kafka.Producer
	Redis      *redis.Client

	closers []func()
}

// Factories lets tests swap the outer systems.
type Factories struct {
	NewStore    func(ctx context.Context, cfg *config.Config) (Store, func(), error)
	NewAdapters func(cfg *config.Config) []agency.Adapter
}

func DefaultFactories() Factories {
	return Factories{
		NewStore:    openStore,
		NewAdapters: defaultAdapters,
	}
}

func defaultAdapters(*config.Config) []agency.Adapter {
	return []agency.Adapter{
		sandbox.New(),
		bestdelivery.New(""),
		firstdelivery.New(""),
	}
}

func openStore(ctx context.Context, cfg *config.Config) (Store, func(), error) {
	if cfg.Delivery.Storage == "memory" {
		slog.Warn("using in-memory storage, data is lost on restart")
		return memdelivery.New(), nil, nil
	}
	st, err := openPostgresWithRetry(ctx, cfg.PostgresDSN(), 60*time.Second)
	if err != nil {
		return nil, nil, err
	}
	return st, st.Close, nil
}

func openPostgresWithRetry(ctx context.Context, dsn string, wait time.Duration) (*pgdelivery.Storage, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = wait

	var st *pgdelivery.Storage
	err := backoff.RetryNotify(func() error {
		var err error
		st, err = pgdelivery.New(dsn)
		return err
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		slog.Warn("postgres not ready", "error", err.Error(), "retry_in", next.String())
	})
	if err != nil {
		return nil, errors.Wrapf(err, "postgres is not ready after %s", wait)
	}
	return st, nil
}

func Build(ctx context.Context, cfg *config.Config, f Factories) (*Engine, error) {
	st, closeStore, err := f.NewStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	e := &Engine{Store: st}
	if closeStore != nil {
		e.closers = append(e.closers, closeStore)
	}

	adapters := f.NewAdapters(cfg)
	if err := seedAgencies(ctx, st, cfg.Agencies, adapters); err != nil {
		e.Close()
		return nil, err
	}
	e.Registry = registry.New(st, adapters...).WithTestTimeout(cfg.Delivery.RemoteTimeout())

	e.Deliveries = deliveries.New(st, e.Registry, deliveries.Options{
		RemoteTimeout: cfg.Delivery.RemoteTimeout(),
		OrderLockTTL:  cfg.Delivery.OrderLockTTL(),
		EventsTopic:   cfg.Kafka.ShipmentEventsTopicName,
		MaxBulkItems:  cfg.Delivery.MaxBulkItems,
	})
	e.Syncer = syncer.New(st, e.Registry, e.Deliveries).WithSettings(syncer.Settings{
		Concurrency:        cfg.Delivery.SyncConcurrency,
		RemoteTimeout:      cfg.Delivery.RemoteTimeout(),
		RateLimitPerMinute: int64(cfg.Delivery.SyncRateLimitPerMinute),
		ErrorCap:           cfg.Delivery.SyncErrorCap,
		LockTTL:            cfg.Delivery.SyncLockTTL(),
		PassTimeout:        cfg.Delivery.SyncPassTimeout(),
	})

	if cfg.RedisEnabled() {
		e.Redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr()})
		e.closers = append(e.closers, func() { _ = e.Redis.Close() })
		prefix := cfg.Redis.KeyPrefix
		locker := rediscache.NewLocker(e.Redis, prefix)
		e.Deliveries.WithLocker(locker)
		e.Syncer.WithRedis(
			rediscache.NewRateLimiter(e.Redis, prefix),
			locker,
			rediscache.NewWithClient(e.Redis, prefix),
		)
	}

	if brokers := cfg.KafkaBrokers(); brokers != nil {
		e.Producer = kafka.NewProducer(brokers)
		e.closers = append(e.closers, func() { _ = e.Producer.Close() })
		e.Deliveries.WithPublisher(e.Producer)
	}

	if err := e.Registry.EnsureInitialized(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// seedAgencies stores configured agencies that have no stored configuration
// yet. Stored configuration always wins over the file.
func seedAgencies(ctx context.Context, st registry.Store, seeds []config.AgencySeed, adapters []agency.Adapter) error {
	if len(seeds) == 0 {
		return nil
	}
	stored, err := st.ListAgencies(ctx)
	if err != nil {
		return err
	}
	have := make(map[string]bool, len(stored))
	for _, a := range stored {
		have[a.ID] = true
	}
	infos := make(map[string]agency.Info, len(adapters))
	for _, a := range adapters {
		infos[a.Info().ID] = a.Info()
	}

	for _, seed := range seeds {
		info, ok := infos[seed.ID]
		if !ok {
			slog.Warn("agency seed without adapter ignored", "agency", seed.ID)
			continue
		}
		if have[seed.ID] {
			continue
		}
		cfg := seed.Agency()
		cfg.Name = info.Name
		cfg.CredentialsType = info.CredentialsType
		if len(cfg.SupportedRegions) == 0 {
			cfg.SupportedRegions = info.SupportedRegions
		}
		if cfg.Enabled && !cfg.Configured() {
			return errors.Errorf("agency %s is enabled in config without valid %s credentials", seed.ID, info.CredentialsType)
		}
		cfg.UpdatedAt = time.Now().UTC()
		if err := st.UpsertAgency(ctx, cfg); err != nil {
			return err
		}
		slog.Info("agency seeded from config", "agency", seed.ID, "enabled", cfg.Enabled)
	}
	return nil
}

// Ping reports whether the store and redis, when configured, are reachable.
// The in-memory store always is.
func (e *Engine) Ping(ctx context.Context) error {
	if p, ok := e.Store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(ctx); err != nil {
			return err
		}
	}
	if e.Redis != nil {
		return errors.Wrap(e.Redis.Ping(ctx).Err(), "redis ping")
	}
	return nil
}

func (e *Engine) Close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
	e.closers = nil
}
