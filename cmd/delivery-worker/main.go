package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/CheherK/COD-CRM-sub001/config"
	"github.com/CheherK/COD-CRM-sub001/internal/wiring"
)

func main() {
	cfg, err := config.LoadConfig(os.Getenv("configPath"))
	if err != nil {
		panic(fmt.Sprintf("config: %v", err))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := RunDeliveryWorker(ctx, cfg, wiring.DefaultFactories(), nil); err != nil && !errors.Is(err, context.Canceled) {
		panic(err)
	}
}
