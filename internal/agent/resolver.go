package agent

import (
	"fmt"

	"github.com/haasonsaas/parley/internal/provider"
	"github.com/haasonsaas/parley/pkg/models"
)

// AgentResolver maps an agent id to its profile and the adapter serving
// its provider. An empty id selects the default agent.
type AgentResolver interface {
	Resolve(agentID string) (models.AgentSettings, provider.Adapter, error)
}

// StaticResolver serves agents from fixed maps built at startup.
type StaticResolver struct {
	// Agents holds the configured profiles by agent id.
	Agents map[string]models.AgentSettings

	// Adapters holds one adapter per provider kind.
	Adapters map[string]provider.Adapter

	// Default is the agent used when the caller does not pick one. When
	// empty and exactly one agent is configured, that agent is used.
	Default string
}

func (r *StaticResolver) Resolve(agentID string) (models.AgentSettings, provider.Adapter, error) {
	if agentID == "" {
		agentID = r.Default
	}
	if agentID == "" && len(r.Agents) == 1 {
		for id := range r.Agents {
			agentID = id
		}
	}
	agent, ok := r.Agents[agentID]
	if !ok {
		return models.AgentSettings{}, nil, fmt.Errorf("agent %q is not configured", agentID)
	}
	if agent.Kind == models.AgentRemote {
		return models.AgentSettings{}, nil, fmt.Errorf("agent %q is remote; remote dispatch is not supported", agentID)
	}
	adapter, ok := r.Adapters[agent.Provider]
	if !ok {
		return models.AgentSettings{}, nil, fmt.Errorf("no adapter configured for provider %q", agent.Provider)
	}
	return agent, adapter, nil
}
