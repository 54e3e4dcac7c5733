package app

import (
	"context"
	"fmt"
	"log"

	"github.com/ent0n29/xiaonuan/internal/companion"
	"github.com/ent0n29/xiaonuan/internal/completion"
	"github.com/ent0n29/xiaonuan/internal/config"
	"github.com/ent0n29/xiaonuan/internal/httpapi"
	"github.com/ent0n29/xiaonuan/internal/memory"
	"github.com/ent0n29/xiaonuan/internal/observability"
	"github.com/ent0n29/xiaonuan/internal/session"
)

type BuildResult struct {
	Config    config.Config
	API       *httpapi.Server
	Sessions  *session.Manager
	Companion *companion.Service
	Metrics   *observability.Metrics

	StoreBackend      string
	CompletionAdapter string

	// Cleanup releases the memory store. Call it on shutdown.
	Cleanup func() error
}

// Build assembles the service from cfg. metrics may be nil for tools that do
// not expose Prometheus endpoints.
func Build(ctx context.Context, cfg config.Config, metrics *observability.Metrics) (*BuildResult, error) {
	store, backend, err := memory.NewStore(ctx, memory.StoreConfig{
		Backend:     cfg.MemoryBackend,
		Dir:         cfg.MemoryDir,
		SQLitePath:  cfg.MemorySQLitePath,
		DatabaseURL: cfg.DatabaseURL,
	})
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	httpTimeout := cfg.GenerateTimeout
	if cfg.ClassifyTimeout > httpTimeout {
		httpTimeout = cfg.ClassifyTimeout
	}
	completer, err := completion.NewAdapter(completion.Config{
		Mode:          cfg.CompletionAdapterMode,
		GenerateURL:   cfg.CompletionGenerateURL,
		OpenAIBaseURL: cfg.CompletionOpenAIBaseURL,
		OpenAIAPIKey:  cfg.CompletionOpenAIAPIKey,
		HTTPTimeout:   httpTimeout,
		MaxRetries:    cfg.CompletionMaxRetries,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("completion adapter init failed: %w", err)
	}
	adapterName := completion.Name(completer)

	persona, err := companion.PersonaFor(cfg.PersonaLocale)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	svc, err := companion.NewService(store, completer, companion.Config{
		Persona:         persona,
		Model:           cfg.CompletionModel,
		Stream:          cfg.CompletionStream,
		ClassifyTimeout: cfg.ClassifyTimeout,
		GenerateTimeout: cfg.GenerateTimeout,
		RedactPII:       cfg.MemoryRedactPII,
		Metrics:         metrics,
	}, memory.Options{
		HistoryLimit: cfg.MemoryHistoryLimit,
		ContextTurns: cfg.MemoryContextTurns,
		Labels:       persona.ContextLabels,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("companion init failed: %w", err)
	}
	log.Printf("companion: persona=%s completion=%s model=%s memory=%s", persona.Locale, adapterName, cfg.CompletionModel, backend)

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	sessions.SetExpireHook(func(s *session.Session) {
		metrics.SessionClosed(session.EndReasonExpired)
		svc.Release(s.UserID)
	})

	api := httpapi.New(cfg, sessions, svc, metrics, httpapi.Info{
		CompletionAdapter: adapterName,
		StoreBackend:      backend,
	})

	return &BuildResult{
		Config:            cfg,
		API:               api,
		Sessions:          sessions,
		Companion:         svc,
		Metrics:           metrics,
		StoreBackend:      backend,
		CompletionAdapter: adapterName,
		Cleanup:           store.Close,
	}, nil
}
