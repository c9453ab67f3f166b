package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/nugget/react-agent/internal/agent"
	"github.com/nugget/react-agent/internal/config"
	"github.com/nugget/react-agent/internal/events"
	"github.com/nugget/react-agent/internal/fetch"
	"github.com/nugget/react-agent/internal/health"
	"github.com/nugget/react-agent/internal/llm"
	"github.com/nugget/react-agent/internal/search"
	"github.com/nugget/react-agent/internal/session"
	"github.com/nugget/react-agent/internal/subagent"
	"github.com/nugget/react-agent/internal/tools"
	"github.com/nugget/react-agent/internal/usage"
)

// app holds the wired components shared by serve and ask.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	client   *llm.MultiClient
	registry *tools.Registry
	usage    *usage.Store
	loop     *agent.Loop
	host     *session.Host
}

// newApp wires every component from cfg. Call Close when done.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		bus:    events.New(),
		client: newLLMClient(cfg, logger),
	}

	if cfg.Usage.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.Usage.Path), 0o755); err != nil {
			return nil, fmt.Errorf("create usage directory: %w", err)
		}
		store, err := usage.Open(cfg.Usage.Path)
		if err != nil {
			return nil, fmt.Errorf("open usage ledger: %w", err)
		}
		a.usage = store
		logger.Info("usage ledger opened", "path", cfg.Usage.Path)
	}

	registry, err := a.newRegistry()
	if err != nil {
		a.Close()
		return nil, err
	}
	a.registry = registry

	invoker := agent.NewLLMInvoker(a.client, cfg.Model.Name, cfg.Model.Provider, logger)
	loopOpts := []agent.Option{
		agent.WithMaxRetries(cfg.Agent.MaxRetries),
		agent.WithMaxIterations(cfg.Agent.MaxIterations),
		agent.WithToolConcurrency(cfg.Agent.ToolConcurrency),
		agent.WithToolTimeout(cfg.Agent.ToolTimeout()),
		agent.WithEventBus(a.bus),
	}
	if a.usage != nil {
		loopOpts = append(loopOpts, agent.WithUsageRecorder(a.usage))
	}
	a.loop = agent.NewLoop(logger, invoker, registry, loopOpts...)

	a.host = session.NewHost(a.loop, logger,
		session.WithIdleTTL(cfg.Sessions.IdleTTL()),
		session.WithEventBus(a.bus),
	)

	logger.Info("agent ready",
		"model", cfg.Model.Name,
		"provider", cfg.Model.Provider,
		"tools", registry.Names(),
		"max_retries", cfg.Agent.MaxRetries,
	)
	return a, nil
}

// Close releases the usage ledger.
func (a *app) Close() {
	if a.usage != nil {
		if err := a.usage.Close(); err != nil {
			a.logger.Warn("usage ledger close failed", "error", err)
		}
	}
}

// newLLMClient builds a MultiClient over every provider the config can
// reach. The main model and the sub-agent model are mapped to their
// providers; anything else goes to the main model's provider.
func newLLMClient(cfg *config.Config, logger *slog.Logger) *llm.MultiClient {
	opts := llm.Options{Temperature: cfg.Model.Temperature, MaxTokens: cfg.Model.MaxTokens}

	clients := map[string]llm.Client{
		config.ProviderOllama: llm.NewOllamaClient(cfg.Providers.Ollama.URL, opts, logger),
		// A keyless OpenAI client still serves compatible local servers.
		config.ProviderOpenAI: llm.NewOpenAIClient(cfg.Providers.OpenAI.APIKey, cfg.Providers.OpenAI.BaseURL, opts, logger),
	}
	if cfg.Providers.Anthropic.APIKey != "" {
		clients[config.ProviderAnthropic] = llm.NewAnthropicClient(cfg.Providers.Anthropic.APIKey, opts, logger)
	}

	multi := llm.NewMultiClient(clients[cfg.Model.Provider])
	for name, c := range clients {
		multi.AddProvider(name, c)
	}
	multi.AddModel(cfg.Model.Name, cfg.Model.Provider)
	if cfg.SubAgent.Enabled {
		multi.AddModel(cfg.SubAgent.Model, cfg.SubAgent.Provider)
	}

	logger.Info("LLM client initialized", "model", cfg.Model.Name, "provider", cfg.Model.Provider)
	return multi
}

// watchProviders starts a health watcher for each provider a configured
// model routes to.
func (a *app) watchProviders(ctx context.Context, m *health.Monitor) {
	names := []string{a.cfg.Model.Provider}
	if a.cfg.SubAgent.Enabled && a.cfg.SubAgent.Provider != a.cfg.Model.Provider {
		names = append(names, a.cfg.SubAgent.Provider)
	}
	for _, name := range names {
		c, ok := a.client.Provider(name)
		if !ok {
			continue
		}
		m.Watch(ctx, name, c.Ping, health.DefaultSchedule())
	}
}

// newRegistry registers the tools enabled in the config.
func (a *app) newRegistry() (*tools.Registry, error) {
	cfg := a.cfg
	reg := tools.NewRegistry(a.logger)

	if cfg.Search.Configured() {
		mgr := search.NewManager(cfg.Search.Primary, a.logger)
		if cfg.Search.Tavily.APIKey != "" {
			mgr.Register(search.NewTavily(cfg.Search.Tavily.APIKey))
		}
		if cfg.Search.SearXNG.URL != "" {
			mgr.Register(search.NewSearXNG(cfg.Search.SearXNG.URL))
		}
		if cfg.Search.Brave.APIKey != "" {
			mgr.Register(search.NewBrave(cfg.Search.Brave.APIKey))
		}
		if err := reg.Register(search.NewTool(mgr, cfg.Search.Tavily.MaxResults)); err != nil {
			return nil, fmt.Errorf("register %s: %w", search.ToolName, err)
		}
		a.logger.Info("web search enabled", "primary", cfg.Search.Primary, "providers", mgr.Providers())
	}

	if cfg.Fetch.Enabled {
		if err := reg.Register(fetch.NewTool(fetch.New(), cfg.Fetch.MaxChars)); err != nil {
			return nil, fmt.Errorf("register %s: %w", fetch.ToolName, err)
		}
	}

	if cfg.SubAgent.Enabled {
		opts := []subagent.Option{subagent.WithEventBus(a.bus)}
		if a.usage != nil {
			opts = append(opts, subagent.WithUsageRecorder(a.usage, cfg.SubAgent.Provider))
		}
		exec := subagent.NewExecutor(a.client, cfg.SubAgent.Model, a.logger, opts...)
		if err := reg.Register(subagent.NewTool(exec)); err != nil {
			return nil, fmt.Errorf("register %s: %w", subagent.ToolName, err)
		}
	}

	return reg, nil
}
