// Package main is the entry point for the atlas knowledge base server.
package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/atlas-kb/atlas/internal/api"
	"github.com/atlas-kb/atlas/internal/api/handlers"
	"github.com/atlas-kb/atlas/internal/chunker"
	"github.com/atlas-kb/atlas/internal/config"
	"github.com/atlas-kb/atlas/internal/embedder"
	"github.com/atlas-kb/atlas/internal/ingest"
	"github.com/atlas-kb/atlas/internal/keyword"
	"github.com/atlas-kb/atlas/internal/llm"
	"github.com/atlas-kb/atlas/internal/parser"
	"github.com/atlas-kb/atlas/internal/rag"
	"github.com/atlas-kb/atlas/internal/storage"
	"github.com/atlas-kb/atlas/pkg/logger"
	"github.com/atlas-kb/atlas/pkg/shutdown"
)

func main() {
	root := &cobra.Command{
		Use:          "atlas",
		Short:        "Document knowledge base with retrieval-augmented chat",
		SilenceUsage: true,
	}
	root.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the API server",
			RunE: func(cmd *cobra.Command, args []string) error {
				return serve()
			},
		},
		&cobra.Command{
			Use:   "migrate",
			Short: "Apply database migrations and exit",
			RunE: func(cmd *cobra.Command, args []string) error {
				return migrate(cmd.Context())
			},
		},
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func migrate(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	db, err := storage.NewPostgres(storage.PostgresConfig{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer db.Close()
	return storage.Migrate(ctx, db)
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:     cfg.Log.Level,
		Format:    cfg.Log.Format,
		AddSource: cfg.Log.AddSource,
	})
	log.SetDefault()
	log.Info("starting atlas", "environment", cfg.Server.Environment, "port", cfg.Server.Port)

	shutdownHandler := shutdown.New(log.Logger, time.Duration(cfg.Server.ShutdownTimeout)*time.Second)
	ctx := context.Background()

	db, err := storage.NewPostgres(storage.PostgresConfig{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	shutdownHandler.RegisterNamed("database", func(context.Context) error { return db.Close() })
	if err := storage.Migrate(ctx, db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	repo := storage.NewRepository(db, log.Logger)
	vectors := storage.NewPgVectorStore(db, log.Logger)

	// Redis is optional: without it query embeddings just are not cached.
	var redisClient storage.RedisClient
	if rc, err := storage.NewRedisClient(storage.RedisConfig{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}); err != nil {
		log.Warn("redis unavailable, embedding cache disabled", "error", err)
	} else {
		redisClient = rc
		shutdownHandler.RegisterNamed("redis", func(context.Context) error { return rc.Close() })
	}
	cache := storage.NewEmbeddingCache(redisClient, log.Logger, storage.DefaultCacheConfig())

	objects, err := storage.NewMinIOStorage(storage.MinIOConfig{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		BucketName:      cfg.Storage.BucketName,
		UseSSL:          cfg.Storage.UseSSL,
		Region:          cfg.Storage.Region,
	})
	if err != nil {
		return fmt.Errorf("failed to create object storage client: %w", err)
	}
	if err := objects.InitBucket(ctx); err != nil {
		return fmt.Errorf("failed to initialize bucket: %w", err)
	}

	chatClient, err := llm.New(llm.Config{
		BaseURL:     cfg.LLM.BaseURL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.ChatModel,
		Temperature: float32(cfg.LLM.Temperature),
		MaxTokens:   cfg.LLM.MaxTokens,
	}, log.Logger)
	if err != nil {
		return fmt.Errorf("failed to create chat client: %w", err)
	}
	summaryClient := chatClient
	if cfg.LLM.SummaryModel != cfg.LLM.ChatModel {
		summaryClient, err = llm.New(llm.Config{
			BaseURL:     cfg.LLM.BaseURL,
			APIKey:      cfg.LLM.APIKey,
			Model:       cfg.LLM.SummaryModel,
			Temperature: float32(cfg.LLM.Temperature),
		}, log.Logger)
		if err != nil {
			return fmt.Errorf("failed to create summary client: %w", err)
		}
	}

	embedClient, err := embedder.New(embedder.Config{
		BaseURL: cfg.LLM.BaseURL,
		APIKey:  cfg.LLM.APIKey,
		Model:   cfg.LLM.EmbeddingModel,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create embedder: %w", err)
	}

	textParser := parser.New()
	textChunker, err := chunker.New(chunker.Config{
		ChunkSize: cfg.Ingest.ChunkSize,
		Overlap:   cfg.Ingest.ChunkOverlap,
		MinSize:   cfg.Ingest.MinChunkSize,
	})
	if err != nil {
		return fmt.Errorf("failed to create chunker: %w", err)
	}

	pipeline := ingest.New(repo, vectors, objects, textParser, textChunker, embedClient, summaryClient,
		ingest.Config{
			Workers:         cfg.Ingest.Workers,
			QueueSize:       cfg.Ingest.QueueSize,
			SummaryMaxChars: cfg.Ingest.SummaryMaxLen,
		}, log)
	pipeline.Start(ctx)
	shutdownHandler.RegisterNamed("ingest", func(context.Context) error {
		pipeline.Stop()
		return nil
	})

	// Segmentation dictionaries are large; hybrid search turns itself off
	// when they cannot load.
	var seg rag.Segmenter
	if s, err := keyword.NewSegmenter(); err != nil {
		log.Warn("segmenter unavailable, hybrid search disabled", "error", err)
	} else {
		seg = s
	}

	retriever := rag.NewRetriever(vectors, embedClient, chatClient, cache, seg, log.Logger)
	resolver := rag.NewOptionsResolver(rag.Options{
		TopK:         cfg.Retrieval.TopK,
		QueryRewrite: cfg.Retrieval.QueryRewrite,
		HybridSearch: cfg.Retrieval.HybridSearch,
		Rerank:       cfg.Retrieval.Reranking,
		RerankTopN:   cfg.Retrieval.RerankTopN,
		BM25Weight:   cfg.Retrieval.BM25Weight,
		MaxHistory:   cfg.Retrieval.MaxHistory,
		ChatModel:    cfg.LLM.ChatModel,
	}, repo)
	builder := rag.NewContextBuilder(repo, vectors, log.Logger)
	streamer := rag.NewStreamer(rag.NewLLMStreamSource(chatClient), log.Logger)
	chatService := rag.NewService(repo, resolver, retriever, builder, streamer, log.Logger)

	router := api.NewRouter(api.Dependencies{
		Logger:          log.Logger,
		Repository:      repo,
		Documents:       repo,
		Chunks:          vectors,
		Ingestor:        pipeline,
		Conversations:   repo,
		ChatService:     chatService,
		Settings:        repo,
		SettingDefaults: settingDefaults(cfg),
		Models:          chatClient,
		HealthChecks: map[string]handlers.HealthChecker{
			"database":       db,
			"object_storage": objects,
		},
	}, api.DefaultRouterConfig())

	server := api.NewServer(router, api.ServerConfig{
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}, log.Logger)
	shutdownHandler.RegisterNamed("http", server.Shutdown)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	done := make(chan struct{})
	go func() {
		shutdownHandler.Wait()
		close(done)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-done:
	}
	return nil
}

// settingDefaults maps the configured retrieval defaults to setting keys
// for the settings endpoint.
func settingDefaults(cfg *config.Config) map[string]string {
	return map[string]string{
		rag.SettingQueryRewrite:  strconv.FormatBool(cfg.Retrieval.QueryRewrite),
		rag.SettingHybridSearch:  strconv.FormatBool(cfg.Retrieval.HybridSearch),
		rag.SettingReranking:     strconv.FormatBool(cfg.Retrieval.Reranking),
		rag.SettingBM25Weight:    strconv.FormatFloat(cfg.Retrieval.BM25Weight, 'f', -1, 64),
		rag.SettingRerankTopN:    strconv.Itoa(cfg.Retrieval.RerankTopN),
		rag.SettingRetrievalTopK: strconv.Itoa(cfg.Retrieval.TopK),
		rag.SettingChatModel:     cfg.LLM.ChatModel,
	}
}
