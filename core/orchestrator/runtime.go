// Package orchestrator wires the runtime components together and drives
// goal execution across them: plans are assembled by the planner, work is
// transferred between systems as handoffs, and steps resolve through the
// capability registry, the tool router, and the LLM cache.
package orchestrator

import (
	"log/slog"
	"os"

	"github.com/adalundhe/viable/core/config"
	"github.com/adalundhe/viable/core/events"
	"github.com/adalundhe/viable/core/handoff"
	"github.com/adalundhe/viable/core/llmcdn"
	"github.com/adalundhe/viable/core/planner"
	"github.com/adalundhe/viable/core/providers"
	"github.com/adalundhe/viable/core/registry"
	"github.com/adalundhe/viable/core/router"
)

// Runtime bundles the long-lived components behind one construction and
// shutdown path.
type Runtime struct {
	Config   *config.Config
	Registry *registry.Registry
	Router   *router.Router
	CDN      *llmcdn.CDN
	Bus      *events.Bus
	Planner  *planner.Planner
	Handoffs *handoff.Manager

	logger *slog.Logger
}

// NewRuntime constructs every component from the configuration. Provider
// credentials come from the environment, never the config file.
func NewRuntime(cfg *config.Config, logger *slog.Logger) (*Runtime, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	completion, embedder, err := buildProviders(cfg.Provider)
	if err != nil {
		return nil, err
	}

	bus := events.NewBus(0, logger)
	bus.Start()

	rt := &Runtime{
		Config:   cfg,
		Registry: registry.New(cfg.Registry, embedder, logger),
		Router:   router.New(cfg.Router, logger, router.WithProduction(cfg.Production)),
		CDN: llmcdn.New(cfg.CDN,
			llmcdn.WithCompletionProvider(completion),
			llmcdn.WithEmbeddingProvider(embedder),
			llmcdn.WithLogger(logger)),
		Bus:      bus,
		Planner:  planner.New(cfg.Planner, bus, logger),
		Handoffs: handoff.NewManager(cfg.Handoff, logger),
		logger:   logger,
	}

	logger.Info("runtime initialized",
		"provider", completion.Name(),
		"production", cfg.Production)

	return rt, nil
}

// buildProviders selects the completion and embedding backends from the
// configured provider kind.
func buildProviders(cfg config.ProviderConfig) (providers.CompletionProvider, providers.EmbeddingProvider, error) {
	switch cfg.Kind {
	case "anthropic":
		completion, err := providers.NewAnthropicProvider(providers.AnthropicConfig{
			APIKey:  os.Getenv("ANTHROPIC_API_KEY"),
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		// Anthropic has no embeddings endpoint; the placeholder stands in.
		return completion, providers.NewPlaceholder(), nil

	case "openai":
		provider, err := providers.NewOpenAIProvider(providers.OpenAIConfig{
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   cfg.Model,
			BaseURL: cfg.BaseURL,
		})
		if err != nil {
			return nil, nil, err
		}
		return provider, provider, nil

	default:
		placeholder := providers.NewPlaceholder()
		return placeholder, placeholder, nil
	}
}

// Close shuts every component down in reverse dependency order.
func (rt *Runtime) Close() {
	rt.Handoffs.Close()
	rt.Planner.Close()
	rt.Bus.Close()
	rt.CDN.Close()
	rt.Router.Close()
	rt.Registry.Close()
}
