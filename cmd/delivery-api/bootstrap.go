package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CheherK/COD-CRM-sub001/config"
	deliveriesapi "github.com/CheherK/COD-CRM-sub001/internal/api/deliveries_api"
	"github.com/CheherK/COD-CRM-sub001/internal/broker/kafka"
	"github.com/CheherK/COD-CRM-sub001/internal/wiring"
)

type deliveryAPIApp struct {
	ctx      context.Context
	cancel   context.CancelFunc
	opts     deliveryAPIOpts
	engine   *wiring.Engine
	api      *deliveriesapi.DeliveriesAPI
	consumer *kafka.Consumer
}

func mustBootstrapDeliveryAPI() *deliveryAPIApp {
	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		swaggerPath = "api/swagger.json"
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	app, err := bootstrapDeliveryAPI(ctx, cfg, swaggerPath, wiring.DefaultFactories())
	if err != nil {
		cancel()
		panic(err)
	}
	app.cancel = cancel
	return app
}

func bootstrapDeliveryAPI(ctx context.Context, cfg *config.Config, swaggerPath string, f wiring.Factories) (*deliveryAPIApp, error) {
	engine, err := wiring.Build(ctx, cfg, f)
	if err != nil {
		return nil, err
	}

	app := &deliveryAPIApp{
		ctx: ctx,
		opts: deliveryAPIOpts{
			grpcAddr:      cfg.Delivery.GRPCAddr,
			httpAddr:      cfg.Delivery.HTTPAddr,
			swaggerPath:   swaggerPath,
			topic:         cfg.Kafka.CarrierUpdatesTopicName,
			consumerGroup: cfg.Delivery.KafkaConsumerGroup,
		},
		engine: engine,
		api:    deliveriesapi.New(engine.Deliveries, engine.Registry, engine.Syncer),
	}
	if brokers := cfg.KafkaBrokers(); brokers != nil {
		app.consumer = kafka.NewConsumer(brokers, cfg.Kafka.CarrierUpdatesTopicName, cfg.Delivery.KafkaConsumerGroup)
	}
	return app, nil
}

func (a *deliveryAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	if a.consumer != nil {
		_ = a.consumer.Close()
	}
	if a.engine != nil {
		a.engine.Close()
	}
}

func (a *deliveryAPIApp) Run() error {
	var consumer kafkaConsumer
	if a.consumer != nil {
		consumer = a.consumer
	}
	return runDeliveryAPI(a.ctx, a.opts, a.api, a.engine, a.engine.Deliveries, consumer)
}
