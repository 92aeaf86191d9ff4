// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jason-s-yu/tictactoe/internal/auth"
	"github.com/jason-s-yu/tictactoe/internal/broadcast"
	"github.com/jason-s-yu/tictactoe/internal/cache"
	"github.com/jason-s-yu/tictactoe/internal/config"
	"github.com/jason-s-yu/tictactoe/internal/database"
	"github.com/jason-s-yu/tictactoe/internal/game"
	"github.com/jason-s-yu/tictactoe/internal/handlers"
	"github.com/jason-s-yu/tictactoe/internal/lobby"
	_ "github.com/joho/godotenv/autoload"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
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

	if cfg.PrivateKeyPath != "" && cfg.PublicKeyPath != "" {
		err = auth.InitFromPath(cfg.PrivateKeyPath, cfg.PublicKeyPath, cfg.TokenTTL)
	} else {
		logger.Warn("JWT key paths not set, generating an ephemeral key pair")
		err = auth.Init(cfg.TokenTTL)
	}
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
	logger.WithField("host", cfg.Postgres.Host).Info("connected to database")
	db := database.NewStore(pool)

	rdb, err := cache.Connect(ctx, cfg.Redis.Addr, cfg.Redis.DB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	var hub broadcast.Hub
	if cfg.BroadcastTransport == "memory" {
		hub = broadcast.NewMemoryHub(logger)
	} else {
		hub = broadcast.NewRedisHub(rdb, logger)
	}

	engine := game.NewEngine(db, hub, logger, cfg.TurnTimeout)
	engine.Actions = cache.NewActionQueue(rdb, cfg.Historian.QueueName)
	defer engine.Shutdown()

	manager := lobby.NewManager(db, hub, engine, logger)

	restored, err := engine.Restore(ctx)
	if err != nil {
		return err
	}
	logger.WithField("games", restored).Info("restored turn clocks")

	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", cfg.Port),
		Handler: handlers.NewRouter(handlers.Deps{
			Logger:         logger,
			Users:          db,
			Lobbies:        manager,
			Games:          engine,
			Hub:            hub,
			AllowedOrigins: cfg.AllowedOrigins,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.WithFields(logrus.Fields{
			"addr":      srv.Addr,
			"transport": cfg.BroadcastTransport,
		}).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
