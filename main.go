package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"videorag/config"
	"videorag/processors"
	"videorag/server"
	"videorag/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	var logger *zap.Logger
	if cfg.Debug {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	ctx := context.Background()
	store, err := storage.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("open aspect store", zap.Error(err))
	}

	var embedder storage.EmbeddingGateway
	var generator processors.TextGenerator
	var coordinator *processors.BatchCoordinator
	if cfg.HasValidAPI() {
		embedder, err = storage.NewOpenAIEmbedder(cfg, logger)
		if err != nil {
			logger.Fatal("init embedding gateway", zap.Error(err))
		}
		generator, err = processors.NewOpenAIGenerator(cfg)
		if err != nil {
			logger.Fatal("init text generator", zap.Error(err))
		}
		analyzer, err := processors.NewAnalysisProvider(cfg, logger)
		if err != nil {
			logger.Fatal("init analysis provider", zap.Error(err))
		}
		coordinator = processors.NewBatchCoordinator(analyzer, cfg, logger)
	} else {
		if cfg.Store != "memory" && cfg.Store != "" {
			logger.Fatal("an API key is required for non-memory stores; embeddings must come from one model")
		}
		logger.Warn("no API configured: using deterministic local embeddings and no language model")
		embedder = storage.NewMockEmbedder(cfg.EmbeddingDim)
		generator = processors.SimpleGenerator{}
	}

	pipeline := processors.NewPipeline(store, embedder, generator, coordinator, logger)
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.New(pipeline, logger).Router(),
	}

	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr), zap.String("store", cfg.Store))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", zap.Error(err))
	}
	if err := store.Close(shutdownCtx); err != nil {
		logger.Error("store close", zap.Error(err))
	}
}
