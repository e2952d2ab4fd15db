package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"ragcore/internal/agent"
	"ragcore/internal/api"
	"ragcore/internal/breaker"
	"ragcore/internal/config"
	"ragcore/internal/gateway"
	"ragcore/internal/ingestion"
	"ragcore/internal/memory"
	"ragcore/internal/persistence"
	"ragcore/internal/processor"
	"ragcore/internal/ratelimit"
	"ragcore/internal/semcache"
	"ragcore/internal/server"
	"ragcore/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("load config: ", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	store, err := vectorstore.New(ctx, cfg.PostgresDSN())
	if err != nil {
		logger.Error("connect to vector store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()
	if err := store.Init(ctx, cfg.EmbeddingDimension); err != nil {
		logger.Error("init vector store schema failed", "error", err)
		os.Exit(1)
	}

	persist := persistence.New(store.Pool(), logger)

	breakerCfg := breaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		Window:           cfg.BreakerWindow,
		OpenTimeout:      cfg.BreakerOpenTimeout,
		SuccessThreshold: 1,
	}
	retryCfg := gateway.RetryConfig{Base: cfg.RetryBase, Cap: cfg.RetryCap, MaxAttempts: cfg.RetryMaxAttempts}

	gw := gateway.New(
		gateway.Endpoint{URL: cfg.PrimaryChatURL, Model: cfg.PrimaryChatModel},
		gateway.Endpoint{URL: cfg.SecondaryChatURL, Model: cfg.SecondaryChatModel},
		gateway.Endpoint{URL: cfg.EmbeddingURL, Model: cfg.EmbeddingModel},
		gateway.Endpoint{URL: cfg.TranscriptionURL, Model: cfg.TranscriptionModel},
		breakerCfg, retryCfg,
	)

	proc := processor.New(processor.Config{
		ChunkSize:     cfg.ChunkSize,
		ChunkOverlap:  cfg.ChunkOverlap,
		CropTopPoints: cfg.PDFCropTopPoints,
		CropBotPoints: cfg.PDFCropBotPoints,
	}, gw)

	coordinator := ingestion.New(proc, gw, store, persist, logger, cfg.IngestOnBreakerOpen == "block")

	cache := semcache.New(store, gw, cfg.TauCache, cfg.TauCacheable, cfg.TTLCache)

	ag := agent.New(gw, store, agent.Deadlines{
		Retrieve: cfg.StageDeadlineRetrieve,
		Generate: cfg.StageDeadlineGenerate,
		Evaluate: cfg.StageDeadlineEvaluate,
	}, agent.Thresholds{
		KRetrieve:                    cfg.KRetrieve,
		KContext:                     cfg.KContext,
		TauKeep:                      cfg.TauKeep,
		TauNoContext:                 cfg.TauNoContext,
		TauReview:                    cfg.TauReview,
		SkipGenerationOnEmptyContext: cfg.SkipGenerationOnEmptyContext,
	})

	memories := memory.NewRegistry()
	limiter := ratelimit.NewRegistry(cfg.RateLimitPerTenantPerMin, cfg.RateLimitPerIPPerMin)

	handler := api.NewHandler(ag, coordinator, gw, cache, persist, memories, logger, cfg.MaxContextTokens, cfg.AllowAnonymousTenant)
	srv := server.New(cfg.ListenAddr, handler, limiter, logger)

	go func() {
		if err := srv.Run(); err != nil {
			logger.Error("server exited", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	logger.Info("received shutdown signal")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", "error", err)
	}
}
