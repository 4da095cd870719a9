// Package config loads, validates and watches the parley configuration
// file. The rest of the runtime receives typed settings from here and
// never reads config files or environment variables itself.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/haasonsaas/parley/pkg/models"
)

// Config is the root of the configuration file.
type Config struct {
	// Providers configures LLM back ends by name. The map key doubles
	// as the provider reference in agent profiles.
	Providers map[string]models.ProviderConfig `yaml:"providers,omitempty"`

	// Agents lists the selectable agent profiles.
	Agents []models.AgentSettings `yaml:"agents,omitempty"`

	// DefaultAgent names the profile used when none is requested.
	// With exactly one agent configured it is inferred.
	DefaultAgent string `yaml:"default_agent,omitempty"`

	// MCPServers configures external tool servers.
	MCPServers []MCPServerSettings `yaml:"mcp_servers,omitempty"`

	Tools   ToolsSettings   `yaml:"tools,omitempty"`
	UI      UISettings      `yaml:"ui,omitempty"`
	Logging LoggingSettings `yaml:"logging,omitempty"`
	Metrics MetricsSettings `yaml:"metrics,omitempty"`
	Tracing TracingSettings `yaml:"tracing,omitempty"`
	Limits  LimitsSettings  `yaml:"limits,omitempty"`
}

// MCPServerSettings configures one MCP server. Transport is inferred
// when omitted: stdio when a command is set, http when only a URL is.
type MCPServerSettings struct {
	ID        string            `yaml:"id"`
	Transport string            `yaml:"transport,omitempty"`
	Command   string            `yaml:"command,omitempty"`
	Args      []string          `yaml:"args,omitempty"`
	Env       map[string]string `yaml:"env,omitempty"`
	URL       string            `yaml:"url,omitempty"`
	Headers   map[string]string `yaml:"headers,omitempty"`
	Timeout   time.Duration     `yaml:"timeout,omitempty"`
}

// ToolsSettings tunes the built-in tool packages.
type ToolsSettings struct {
	// Allow restricts which tools are registered at all. Empty means
	// every built-in tool plus whatever MCP servers contribute.
	Allow     []string      `yaml:"allow,omitempty"`
	Workspace string        `yaml:"workspace,omitempty"`
	Shell     ShellSettings `yaml:"shell,omitempty"`
	Files     FilesSettings `yaml:"files,omitempty"`
	Web       WebSettings   `yaml:"web,omitempty"`
}

// ShellSettings tunes the bash tool.
type ShellSettings struct {
	Timeout time.Duration `yaml:"timeout,omitempty"`
	// DenyExtra adds substring patterns to the built-in command
	// denylist. Matching commands are rejected before execution.
	DenyExtra []string `yaml:"deny_extra,omitempty"`
}

// FilesSettings tunes the file tools.
type FilesSettings struct {
	MaxReadBytes int `yaml:"max_read_bytes,omitempty"`
}

// WebSettings tunes the web search and fetch tools.
type WebSettings struct {
	SearchURL     string `yaml:"search_url,omitempty"`
	SearchBackend string `yaml:"search_backend,omitempty"`
	FetchMaxChars int    `yaml:"fetch_max_chars,omitempty"`
}

// UISettings carries terminal UI preferences.
type UISettings struct {
	Theme      string `yaml:"theme,omitempty"`
	EditorMode string `yaml:"editor_mode,omitempty"`
}

// LoggingSettings selects log level and output format.
type LoggingSettings struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

// MetricsSettings enables the Prometheus endpoint when Addr is set.
type MetricsSettings struct {
	Addr string `yaml:"addr,omitempty"`
}

// TracingSettings enables OTLP trace export when Endpoint is set.
type TracingSettings struct {
	Endpoint   string  `yaml:"endpoint,omitempty"`
	SampleRate float64 `yaml:"sample_rate,omitempty"`
	Insecure   bool    `yaml:"insecure,omitempty"`
}

// LimitsSettings bounds turn execution.
type LimitsSettings struct {
	MaxRounds       int           `yaml:"max_rounds,omitempty"`
	ProviderTimeout time.Duration `yaml:"provider_timeout,omitempty"`
	ToolTimeout     time.Duration `yaml:"tool_timeout,omitempty"`
	RetryAttempts   int           `yaml:"retry_attempts,omitempty"`
}

// Default returns a configuration with every default applied and no
// providers, agents or servers.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.UI.Theme == "" {
		cfg.UI.Theme = "dark"
	}
	if cfg.Limits.MaxRounds <= 0 {
		cfg.Limits.MaxRounds = 8
	}
	if cfg.Limits.ProviderTimeout <= 0 {
		cfg.Limits.ProviderTimeout = 120 * time.Second
	}
	if cfg.Limits.ToolTimeout <= 0 {
		cfg.Limits.ToolTimeout = 120 * time.Second
	}
	if cfg.Limits.RetryAttempts <= 0 {
		cfg.Limits.RetryAttempts = 3
	}
	if cfg.Tools.Shell.Timeout <= 0 {
		cfg.Tools.Shell.Timeout = 120 * time.Second
	}
	if cfg.Tools.Files.MaxReadBytes <= 0 {
		cfg.Tools.Files.MaxReadBytes = 200000
	}
	if cfg.Tools.Web.FetchMaxChars <= 0 {
		cfg.Tools.Web.FetchMaxChars = 10000
	}
	for i := range cfg.MCPServers {
		s := &cfg.MCPServers[i]
		if s.Transport == "" {
			if s.URL != "" {
				s.Transport = "http"
			} else {
				s.Transport = "stdio"
			}
		}
		if s.Timeout <= 0 {
			s.Timeout = 30 * time.Second
		}
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.Kind == "" {
			a.Kind = models.AgentLocal
		}
		if a.Model == "" {
			if p, ok := cfg.Providers[a.Provider]; ok {
				a.Model = p.Model.ID
			}
		}
	}
	if cfg.DefaultAgent == "" && len(cfg.Agents) == 1 {
		cfg.DefaultAgent = cfg.Agents[0].ID
	}
}

// Validate checks per-entry requirements and cross-references. It
// expects defaults to have been applied already.
func (c *Config) Validate() error {
	for name, p := range c.Providers {
		if strings.TrimSpace(name) == "" {
			return fmt.Errorf("providers: empty provider name")
		}
		if p.Kind == "" {
			return fmt.Errorf("provider %s: kind is required", name)
		}
		if p.OAuth != nil && p.OAuth.RefreshToken != "" && p.TokenURL == "" {
			return fmt.Errorf("provider %s: oauth credentials require token_url", name)
		}
	}

	agentIDs := make(map[string]bool, len(c.Agents))
	for i, a := range c.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return fmt.Errorf("agents[%d]: id is required", i)
		}
		if agentIDs[a.ID] {
			return fmt.Errorf("agent %s: duplicate id", a.ID)
		}
		agentIDs[a.ID] = true
		switch a.Kind {
		case models.AgentLocal:
			if a.Provider == "" {
				return fmt.Errorf("agent %s: provider is required", a.ID)
			}
			if _, ok := c.Providers[a.Provider]; !ok {
				return fmt.Errorf("agent %s: unknown provider %q", a.ID, a.Provider)
			}
		case models.AgentRemote:
			if a.RemoteURL == "" {
				return fmt.Errorf("agent %s: remote agents require remote_url", a.ID)
			}
		default:
			return fmt.Errorf("agent %s: unknown kind %q", a.ID, a.Kind)
		}
	}
	if c.DefaultAgent != "" && !agentIDs[c.DefaultAgent] {
		return fmt.Errorf("default_agent %q is not a configured agent", c.DefaultAgent)
	}

	serverIDs := make(map[string]bool, len(c.MCPServers))
	for i, s := range c.MCPServers {
		if strings.TrimSpace(s.ID) == "" {
			return fmt.Errorf("mcp_servers[%d]: id is required", i)
		}
		if serverIDs[s.ID] {
			return fmt.Errorf("mcp server %s: duplicate id", s.ID)
		}
		serverIDs[s.ID] = true
		switch s.Transport {
		case "stdio":
			if s.Command == "" {
				return fmt.Errorf("mcp server %s: stdio transport requires command", s.ID)
			}
		case "http":
			if s.URL == "" {
				return fmt.Errorf("mcp server %s: http transport requires url", s.ID)
			}
		default:
			return fmt.Errorf("mcp server %s: unknown transport %q", s.ID, s.Transport)
		}
	}

	if c.Tools.Shell.Timeout > 10*time.Minute {
		return fmt.Errorf("tools.shell.timeout exceeds the 10m ceiling")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be within [0, 1]")
	}
	return nil
}
