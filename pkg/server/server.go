// Package server provides the public entry point for initializing the
// Conductor control plane server.
//
// This package exists in pkg/ (not internal/) so that embedding deployments
// can import it and compose the full server with their own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":8080", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/conductorhq/conductor/internal/api"
	"github.com/conductorhq/conductor/internal/api/handlers"
	"github.com/conductorhq/conductor/internal/completion"
	"github.com/conductorhq/conductor/internal/config"
	"github.com/conductorhq/conductor/internal/conversation"
	"github.com/conductorhq/conductor/internal/dispatch"
	"github.com/conductorhq/conductor/internal/embeddings"
	"github.com/conductorhq/conductor/internal/factory"
	"github.com/conductorhq/conductor/internal/intent"
	"github.com/conductorhq/conductor/internal/notify"
	"github.com/conductorhq/conductor/internal/resolver"
	"github.com/conductorhq/conductor/internal/store"
	"github.com/conductorhq/conductor/internal/telemetry"
	"github.com/conductorhq/conductor/internal/templates"
	"github.com/conductorhq/conductor/internal/vectorstore"
	"github.com/conductorhq/conductor/pkg/contracts"
	"github.com/conductorhq/conductor/pkg/models"
)

// migrationSweepInterval is how often the migrator looks for pending work
// between kicks.
const migrationSweepInterval = 15 * time.Second

// Server holds the initialized Conductor control plane.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Store is the data store backing accounts, specs, and conversations.
	Store store.Store

	// Port is the port the server should listen on.
	Port int

	// Shutdown stops background workers and flushes telemetry. Call it
	// on graceful shutdown, after draining HTTP.
	Shutdown func(context.Context) error
}

// New initializes all control plane components from environment config.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the control plane with an explicit configuration.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	flushTelemetry, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	var dataStore store.Store
	if cfg.Database.URL != "" {
		dataStore, err = store.NewPostgresStore(ctx, cfg.Database.URL, cfg.Database.MaxConnections)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		log.Info().Msg("postgres store initialized")
	} else {
		dataStore = store.NewMemoryStore()
		log.Info().Msg("in-memory store initialized")
	}

	catalog := templates.NewCatalog(cfg.Templates.Path, cfg.Templates.RefreshInterval)
	if err := catalog.Start(ctx); err != nil {
		dataStore.Close()
		return nil, fmt.Errorf("load template catalog: %w", err)
	}

	accountResolver := resolver.New(dataStore, cfg.Resolver.CacheSize, cfg.Resolver.CacheTTL)

	vectors := vectorstore.NewRouter(dataStore)
	vectors.Register(vectorstore.NewEmbeddedDriver())
	if cfg.Vector.AllowEmbedded {
		vectors.AllowEmbeddedFallback()
	}
	if cfg.Vector.PgvectorURL != "" {
		pgv, err := vectorstore.NewPgvectorDriver(ctx, cfg.Vector.PgvectorURL, cfg.Vector.Dimensions)
		if err != nil {
			dataStore.Close()
			return nil, fmt.Errorf("init pgvector driver: %w", err)
		}
		vectors.Register(pgv)
	}
	if cfg.Vector.IndexEndpoint != "" {
		vectors.Register(vectorstore.NewManagedDriver(models.BackendShared, cfg.Vector.IndexEndpoint, cfg.Vector.IndexAPIKey))
		vectors.Register(vectorstore.NewManagedDriver(models.BackendDedicated, cfg.Vector.IndexEndpoint, cfg.Vector.IndexAPIKey))
	}

	migratorCtx, stopMigrator := context.WithCancel(context.Background())
	migrator := vectorstore.NewMigrator(dataStore, vectors, cfg.Vector.MigrationBatchSize, migrationSweepInterval)
	migrator.Start(migratorCtx)

	embedRegistry := embeddings.NewRegistry()
	switch cfg.Embeddings.Provider {
	case "openai":
		var opts []embeddings.OpenAIOption
		if cfg.Embeddings.Endpoint != "" {
			opts = append(opts, embeddings.WithOpenAIEndpoint(cfg.Embeddings.Endpoint))
		}
		embedRegistry.Register("openai", embeddings.NewOpenAIDriver(cfg.Embeddings.APIKey, cfg.Embeddings.Model, opts...))
	case "ollama":
		embedRegistry.Register("ollama", embeddings.NewOllamaDriver(cfg.Embeddings.Endpoint, cfg.Embeddings.Model))
	}

	completionClient := completion.NewClient(cfg.Completion)

	instanceFactory := factory.New(dataStore, catalog, vectors, cfg.Factory.Capacity, cfg.Factory.BuildTimeout)

	var scorer contracts.IntentScorer
	var summarizer contracts.Summarizer
	if cfg.Completion.APIKey != "" {
		scorer = intent.NewLLMScorer(completionClient, cfg.Completion.Model)
		summarizer = conversation.NewLLMSummarizer(completionClient, cfg.Completion.Model)
	}
	intents := intent.NewRouter(dataStore, instanceFactory, scorer, intent.NewKeywordScorer(nil), cfg.Intent.ClassifyTimeout)

	conversations := conversation.NewManager(dataStore, summarizer)

	notifier := notify.NewService()
	notifier.Register(notify.LogSink{})
	if cfg.Notify.WebhookURL != "" {
		notifier.Register(notify.NewWebhookSink(cfg.Notify.WebhookURL, cfg.Notify.WebhookSecret))
	}

	dispatcher := dispatch.New(accountResolver, intents, conversations, vectors, embedRegistry, completionClient, notifier)

	h := &handlers.Handlers{
		Store:         dataStore,
		Resolver:      accountResolver,
		Dispatcher:    dispatcher,
		Conversations: conversations,
		Factory:       instanceFactory,
		Vectors:       vectors,
		Migrator:      migrator,
		Catalog:       catalog,
	}
	router := api.NewRouter(cfg, h, vectors)

	shutdown := func(ctx context.Context) error {
		stopMigrator()
		migrator.Wait()
		catalog.Stop()
		if err := dataStore.Close(); err != nil {
			log.Warn().Err(err).Msg("store close failed")
		}
		return flushTelemetry(ctx)
	}

	return &Server{
		Handler:  router,
		Store:    dataStore,
		Port:     cfg.Port,
		Shutdown: shutdown,
	}, nil
}
