// cmd/historian/main.go drains the game action queue into Postgres and marks
// games abandoned once they go quiet.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/cache"
	"github.com/jason-s-yu/tictactoe/internal/config"
	"github.com/jason-s-yu/tictactoe/internal/database"
	"github.com/jason-s-yu/tictactoe/internal/historian"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "historian: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger, err := cfg.NewLogger()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := database.Connect(ctx, cfg.Postgres.DSN())
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := database.Migrate(ctx, pool); err != nil {
		return err
	}

	rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// with the memory transport no server can hear us, so only redis gets events
	var events broadcast.Publisher
	if cfg.BroadcastTransport == "redis" {
		events = broadcast.NewRedisHub(rdb, logger)
	}

	queue := cache.NewActionQueue(rdb, cfg.Historian.QueueName)
	svc := historian.New(queue, database.NewStore(pool), historian.Options{
		BatchSize:     cfg.Historian.BatchSize,
		FlushInterval: cfg.Historian.FlushInterval(),
		Inactivity:    cfg.Historian.InactivityTimeout,
		SweepInterval: cfg.Historian.InactivityInterval,
		Events:        events,
	}, logger)

	logger.WithFields(logrus.Fields{
		"queue":      queue.Name(),
		"batch_size": cfg.Historian.BatchSize,
	}).Info("historian started")
	err = svc.Run(ctx)
	logger.Info("historian shutdown complete")
	return err
}
