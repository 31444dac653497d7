package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatrelay/internal/api"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/bus"
	"github.com/npezzotti/go-chatrelay/internal/config"
	"github.com/npezzotti/go-chatrelay/internal/conversation"
	"github.com/npezzotti/go-chatrelay/internal/database"
	"github.com/npezzotti/go-chatrelay/internal/logging"
	"github.com/npezzotti/go-chatrelay/internal/presence"
	"github.com/npezzotti/go-chatrelay/internal/receipts"
	"github.com/npezzotti/go-chatrelay/internal/server"
	"github.com/npezzotti/go-chatrelay/internal/stats"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type stringSliceFlag []string

func (s *stringSliceFlag) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSliceFlag) Set(value string) error {
	*s = append(*s, strings.Split(value, ",")...)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "chatrelay:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	var origins stringSliceFlag
	flag.StringVar(&cfg.ServerAddr, "addr", cfg.ServerAddr, "server address")
	flag.StringVar(&cfg.DatabaseDSN, "dsn", cfg.DatabaseDSN, "database connection string")
	flag.StringVar(&cfg.SigningSecret, "signing-key", cfg.SigningSecret, "base64 encoded signing key")
	flag.Var(&origins, "allowed-origins", "comma-separated list of allowed origins")
	flag.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for cross-node fan-out")
	flag.StringVar(&cfg.Store, "store", cfg.Store, "message store: postgres or memory")
	flag.Parse()
	if len(origins) > 0 {
		cfg.AllowedOrigins = origins
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	logger, err := logging.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	repo, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if c, ok := repo.(io.Closer); ok {
			if err := c.Close(); err != nil {
				logger.Error("close store", zap.Error(err))
			}
		}
	}()

	var relay bus.Bus
	if cfg.RedisURL != "" {
		rb, err := bus.NewRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		relay = rb
		logger.Info("cross-node fan-out enabled")
	}

	statsUpdater := stats.NewStatsUpdater()
	statsUpdater.Run()

	registry := server.NewRegistry(relay, statsUpdater, logger)
	tracker := presence.NewTracker(repo, logger)
	reconciler := receipts.NewReconciler(repo, logger)
	gw := server.NewGateway(server.GatewayDeps{
		Repo:     repo,
		Registry: registry,
		Presence: tracker,
		Receipts: reconciler,
		Resolver: conversation.NewResolver(repo, logger),
		Stats:    statsUpdater,
	}, server.GatewayConfig{
		SendQueueSize:    cfg.SendQueueSize,
		OperationTimeout: cfg.OperationTimeout,
	}, logger)

	app := api.NewApp(api.AppDeps{
		Repo:       repo,
		Gateway:    gw,
		Presence:   tracker,
		Receipts:   reconciler,
		Principals: auth.NewJWTResolver(cfg.SigningKey, repo, logger),
		Stats:      statsUpdater.Handler(),
	}, cfg, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := app.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var errs []error
		if err := app.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		if err := gw.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway shutdown: %w", err))
		}
		registry.Close()
		if relay != nil {
			if err := relay.Close(); err != nil {
				errs = append(errs, fmt.Errorf("bus close: %w", err))
			}
		}
		statsUpdater.Stop()

		return errors.Join(errs...)
	})

	if err := g.Wait(); err != nil {
		logger.Error("exited with error", zap.Error(err))
		return err
	}

	logger.Info("shutdown complete")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (database.ChatRepository, error) {
	if cfg.Store == config.StoreMemory {
		logger.Warn("using in-memory store, data is lost on exit")
		return database.NewMemoryRepository(), nil
	}

	repo, err := database.NewPgChatRepository(ctx, cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db open: %w", err)
	}

	if cfg.MigrateOnStart {
		if err := database.Migrate(repo.DB()); err != nil {
			repo.Close()
			return nil, err
		}
		logger.Info("database schema is up to date")
	}

	return repo, nil
}
