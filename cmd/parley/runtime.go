package main

import (
	"context"
	"fmt"

	"github.com/haasonsaas/parley/internal/agent"
	"github.com/haasonsaas/parley/internal/config"
	"github.com/haasonsaas/parley/internal/conversations"
	"github.com/haasonsaas/parley/internal/mcp"
	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/provider"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/internal/tools/files"
	"github.com/haasonsaas/parley/internal/tools/shell"
	"github.com/haasonsaas/parley/internal/tools/todo"
	"github.com/haasonsaas/parley/internal/tools/utility"
	"github.com/haasonsaas/parley/internal/tools/web"
	"github.com/haasonsaas/parley/pkg/models"
)

// runtime is the assembled agent stack shared by chat and serve.
type runtime struct {
	cfg       *config.Config
	logger    *observability.Logger
	store     conversations.Store
	registry  *tools.Registry
	manager   *mcp.Manager
	adapters  map[string]provider.Adapter
	orch      *agent.Orchestrator
	traceStop observability.TracerShutdown
}

// loadConfig reads the config file and overlays persisted OAuth
// credentials onto the providers that use OAuth.
func loadConfig(path string) (*config.Config, *config.CredentialsFile, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}
	creds := config.NewCredentialsFile(config.DefaultCredentialsPath())
	if err := creds.Apply(cfg); err != nil {
		return nil, nil, fmt.Errorf("credentials: %w", err)
	}
	return cfg, creds, nil
}

func newLogger(cfg *config.Config) *observability.Logger {
	return observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
}

// buildRuntime loads configuration and wires the full stack: logging,
// tracing, tool registry (built-ins plus MCP servers), provider
// adapters and the orchestrator. sink receives every turn event.
func buildRuntime(ctx context.Context, path string, sink agent.Sink) (*runtime, error) {
	cfg, creds, err := loadConfig(path)
	if err != nil {
		return nil, err
	}
	return assembleRuntime(ctx, cfg, creds, newLogger(cfg), sink)
}

// assembleRuntime wires the stack from an already-loaded configuration.
// serve uses it directly so the gateway can share the runtime logger.
func assembleRuntime(ctx context.Context, cfg *config.Config, creds *config.CredentialsFile, logger *observability.Logger, sink agent.Sink) (*runtime, error) {
	traceStop, err := observability.InitTracing(ctx, observability.TraceConfig{
		ServiceName:    "parley",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SampleRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}

	registry := tools.NewRegistry(logger)
	registerBuiltins(registry, cfg, logger)

	manager := newMCPManager(cfg, logger)
	if manager != nil {
		manager.ToolSync = func(serverID string) {
			mcp.SyncServer(context.Background(), registry, manager, serverID, logger)
		}
		manager.StartAll(ctx)
		mcp.RegisterAll(ctx, registry, manager, logger)
	}

	adapters, err := buildAdapters(cfg, creds, logger)
	if err != nil {
		return nil, err
	}

	agentsByID := make(map[string]models.AgentSettings, len(cfg.Agents))
	for _, a := range cfg.Agents {
		agentsByID[a.ID] = a
	}
	resolver := &agent.StaticResolver{
		Agents:   agentsByID,
		Adapters: adapters,
		Default:  cfg.DefaultAgent,
	}

	store := conversations.NewMemoryStore()
	orch := agent.New(store, registry, resolver, sink, logger, agent.Config{
		MaxRounds:       cfg.Limits.MaxRounds,
		ProviderTimeout: cfg.Limits.ProviderTimeout,
		Exec: agent.ExecConfig{
			ToolTimeout: cfg.Limits.ToolTimeout,
		},
	})

	return &runtime{
		cfg:       cfg,
		logger:    logger,
		store:     store,
		registry:  registry,
		manager:   manager,
		adapters:  adapters,
		orch:      orch,
		traceStop: traceStop,
	}, nil
}

// Close stops MCP servers and flushes tracing.
func (r *runtime) Close(ctx context.Context) {
	if r.manager != nil {
		if err := r.manager.StopAll(); err != nil {
			r.logger.Warn(ctx, "mcp shutdown", "error", err)
		}
	}
	if r.traceStop != nil {
		if err := r.traceStop(ctx); err != nil {
			r.logger.Warn(ctx, "tracing shutdown", "error", err)
		}
	}
}

// buildAdapters constructs one provider adapter per configured provider.
// Refreshed OAuth tokens write back through the credentials file.
func buildAdapters(cfg *config.Config, creds *config.CredentialsFile, logger *observability.Logger) (map[string]provider.Adapter, error) {
	adapters := make(map[string]provider.Adapter, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		providerName := name
		adapter, err := provider.New(pc, provider.Options{
			Logger:        logger,
			RetryAttempts: cfg.Limits.RetryAttempts,
			OnTokenUpdate: func(c models.OAuthCredentials) error {
				return creds.Save(providerName, c)
			},
		})
		if err != nil {
			return nil, fmt.Errorf("provider %s: %w", name, err)
		}
		adapters[name] = adapter
	}
	return adapters, nil
}

// registerBuiltins installs the built-in tools, honoring the allow
// list when one is configured.
func registerBuiltins(registry *tools.Registry, cfg *config.Config, logger *observability.Logger) {
	allowed := func(string) bool { return true }
	if len(cfg.Tools.Allow) > 0 {
		set := make(map[string]bool, len(cfg.Tools.Allow))
		for _, name := range cfg.Tools.Allow {
			set[name] = true
		}
		allowed = func(name string) bool { return set[name] }
	}

	fileCfg := files.Config{
		Workspace:    cfg.Tools.Workspace,
		MaxReadBytes: cfg.Tools.Files.MaxReadBytes,
	}
	todos := todo.NewStore()
	builtins := []tools.Tool{
		shell.NewBashTool(shell.Config{
			Workspace:      cfg.Tools.Workspace,
			DefaultTimeout: cfg.Tools.Shell.Timeout,
			DenyExtra:      cfg.Tools.Shell.DenyExtra,
		}),
		files.NewReadTool(fileCfg),
		files.NewEditTool(fileCfg),
		files.NewNewFileTool(fileCfg),
		web.NewSearchTool(web.SearchConfig{
			SearXNGURL: cfg.Tools.Web.SearchURL,
			Backend:    cfg.Tools.Web.SearchBackend,
		}),
		web.NewFetchTool(web.WithMaxChars(cfg.Tools.Web.FetchMaxChars)),
		todo.NewReadTool(todos),
		todo.NewWriteTool(todos),
		utility.NewCalculatorTool(),
		utility.NewRandomTool(),
		utility.NewTimeTool(),
	}
	for _, tool := range builtins {
		if !allowed(tool.Name()) {
			continue
		}
		if err := registry.Register(tool); err != nil {
			logger.Warn(context.Background(), "tool registration failed", "tool", tool.Name(), "error", err)
		}
	}
}

// newMCPManager maps configured servers to the MCP package's config.
// Returns nil when no servers are configured.
func newMCPManager(cfg *config.Config, logger *observability.Logger) *mcp.Manager {
	if len(cfg.MCPServers) == 0 {
		return nil
	}
	servers := make([]*mcp.ServerConfig, 0, len(cfg.MCPServers))
	for _, s := range cfg.MCPServers {
		servers = append(servers, &mcp.ServerConfig{
			ID:        s.ID,
			Transport: mcp.TransportKind(s.Transport),
			Command:   s.Command,
			Args:      s.Args,
			Env:       s.Env,
			URL:       s.URL,
			Headers:   s.Headers,
			Timeout:   s.Timeout,
		})
	}
	return mcp.NewManager(servers, logger)
}
