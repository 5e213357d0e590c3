package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/amerfu/sentinel/internal/config"
	"github.com/amerfu/sentinel/internal/handlers"
	"github.com/amerfu/sentinel/internal/logger"
	"github.com/amerfu/sentinel/internal/router"
	"github.com/amerfu/sentinel/internal/services/billing"
	"github.com/amerfu/sentinel/internal/services/dispatch"
	"github.com/amerfu/sentinel/internal/services/memory"
	"github.com/amerfu/sentinel/internal/services/pricing"
	"github.com/amerfu/sentinel/internal/services/tokenizer"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", "", "path to config directory")
	flag.Parse()

	// Optional; real deployments use the environment directly.
	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.Initialize(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("Server exited with error", zap.Error(err))
	}
}

func run(cfg *config.Config, log *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Price and chat history live in separate logical databases on the
	// same Redis server. The price client must be up before serving; the
	// chat client dials lazily so history degrades instead of blocking
	// startup.
	priceOpts, err := redisOptions(cfg.Redis, cfg.Redis.PriceDB)
	if err != nil {
		return fmt.Errorf("invalid redis url: %w", err)
	}
	priceClient := redis.NewClient(priceOpts)
	defer func() { _ = priceClient.Close() }()

	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	defer pingCancel()
	if err := priceClient.Ping(pingCtx).Err(); err != nil {
		return fmt.Errorf("price store unreachable: %w", err)
	}
	log.Info("Connected to price store",
		zap.String("url", cfg.Redis.URL),
		zap.Int("db", cfg.Redis.PriceDB))

	chatStore := memory.NewStore(func() (*redis.Client, error) {
		opts, err := redisOptions(cfg.Redis, cfg.Redis.ChatDB)
		if err != nil {
			return nil, err
		}
		client := redis.NewClient(opts)
		dialCtx, dialCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer dialCancel()
		if err := client.Ping(dialCtx).Err(); err != nil {
			_ = client.Close()
			return nil, err
		}
		return client, nil
	}, log, cfg.Memory.TTL)

	priceStore := pricing.NewStore(priceClient, log)
	catalogue := pricing.NewCatalogue(priceStore, log, pricing.CatalogueConfig{
		URL:             cfg.Pricing.CatalogueURL,
		ProtectedModels: cfg.Pricing.ProtectedModels,
	})
	priceCache := pricing.NewCache(priceStore, log)

	// Cold load so the first request already has prices; an empty store
	// just means everything falls back until the first sync lands.
	if err := priceCache.Refresh(ctx); err != nil {
		log.Warn("Initial price cache load failed", zap.Error(err))
	}
	log.Info("Price cache loaded", zap.Int("models", priceCache.Len()))

	go catalogue.Run(ctx, cfg.Pricing.SyncStartDelay, cfg.Pricing.SyncInterval)
	go priceCache.Run(ctx, cfg.Pricing.RefreshInterval)

	encoder, err := tokenizer.NewCL100K()
	if err != nil {
		return fmt.Errorf("failed to initialize tokenizer: %w", err)
	}

	budget := billing.NewBudget(cfg.Billing.DefaultLimit)
	bus := billing.NewBus(log)

	dispatcher := dispatch.NewDispatcher(dispatch.Credentials{
		DashScope: cfg.Vendors.DashScopeAPIKey,
		Zhipu:     cfg.Vendors.ZhipuAPIKey,
		DeepSeek:  cfg.Vendors.DeepSeekAPIKey,
	}, log)

	chatHandler := handlers.NewChatHandler(handlers.ChatHandlerConfig{
		Logger:     log,
		Dispatcher: dispatcher,
		Cache:      priceCache,
		Budget:     budget,
		Bus:        bus,
		Encoder:    encoder,
		Memory:     chatStore,
		ForceCNY:   cfg.Billing.ForceCNYForChineseModels,
	})
	adminHandler := handlers.NewAdminHandler(handlers.AdminHandlerConfig{
		Logger:   log,
		Budget:   budget,
		Cache:    priceCache,
		Memory:   chatStore,
		Currency: cfg.Billing.CurrencyBase,
	})
	wsHandler := handlers.NewWSHandler(log, bus)
	healthHandler := handlers.NewHealthHandler(priceClient)

	mux := router.New(router.Dependencies{
		Config: cfg,
		Logger: log,
		Budget: budget,
		Chat:   chatHandler,
		Admin:  adminHandler,
		WS:     wsHandler,
		Health: healthHandler,
	})

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("Server listening",
			zap.Int("port", cfg.Server.Port),
			zap.Float64("budget_limit", cfg.Billing.DefaultLimit),
			zap.String("currency", cfg.Billing.CurrencyBase))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		log.Info("Shutting down", zap.String("signal", sig.String()))
	}

	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	log.Info("Server stopped")
	return nil
}

// redisOptions parses the shared Redis URL and pins the logical database.
func redisOptions(cfg config.RedisConfig, db int) (*redis.Options, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, err
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}
	opts.DB = db
	return opts, nil
}
