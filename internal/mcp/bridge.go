package mcp

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/haasonsaas/parley/internal/observability"
	"github.com/haasonsaas/parley/internal/tools"
	"github.com/haasonsaas/parley/pkg/models"
)

// maxBridgedNameLen caps bridged tool names. Providers reject longer
// names, so the tail is replaced with a hash to keep them unique.
const maxBridgedNameLen = 64

// ToolCaller is the slice of the manager the tool proxies dispatch through.
type ToolCaller interface {
	CallTool(ctx context.Context, serverID, toolName string, arguments json.RawMessage) (*ToolCallResult, error)
}

// ResourceReader is the slice of the manager the resource proxy reads through.
type ResourceReader interface {
	ReadResource(ctx context.Context, serverID, uri string) ([]ResourceContent, error)
}

// RegisterAll bridges every discovered tool of every ready server into the
// registry under mcp_<server>_<tool> names. A name collision is rejected
// by the registry and skipped here with a warning; the first registration
// wins. Servers that expose resources also get a resource-read proxy.
// It returns the names that were registered.
func RegisterAll(ctx context.Context, reg *tools.Registry, mgr *Manager, logger *observability.Logger) []string {
	if reg == nil || mgr == nil {
		return nil
	}
	if logger == nil {
		logger = observability.Nop()
	}

	all := mgr.AllTools()
	serverIDs := make([]string, 0, len(all))
	for id := range all {
		serverIDs = append(serverIDs, id)
	}
	sort.Strings(serverIDs)

	var registered []string
	for _, serverID := range serverIDs {
		registered = append(registered, registerServer(ctx, reg, mgr, serverID, all[serverID], logger)...)
	}
	return registered
}

// SyncServer rebuilds one server's bridged tools after its listings change:
// stale registrations are removed and the current discovery results take
// their place. A server that is no longer ready ends up with nothing
// registered.
func SyncServer(ctx context.Context, reg *tools.Registry, mgr *Manager, serverID string, logger *observability.Logger) []string {
	if reg == nil || mgr == nil {
		return nil
	}
	if logger == nil {
		logger = observability.Nop()
	}

	UnregisterServer(reg, serverID)

	client, ok := mgr.Client(serverID)
	if !ok || client.State() != StateReady {
		return nil
	}
	return registerServer(ctx, reg, mgr, serverID, client.Tools(), logger)
}

func registerServer(ctx context.Context, reg *tools.Registry, mgr *Manager, serverID string, remote []ToolInfo, logger *observability.Logger) []string {
	sort.Slice(remote, func(i, j int) bool { return remote[i].Name < remote[j].Name })

	var registered []string
	for _, info := range remote {
		name := bridgedToolName(serverID, info.Name)
		proxy := &proxyTool{caller: mgr, serverID: serverID, remote: info, name: name}
		if err := reg.Register(proxy); err != nil {
			logger.Warn(ctx, "mcp tool skipped", "server", serverID, "tool", info.Name, "error", err)
			continue
		}
		registered = append(registered, name)
	}

	if client, ok := mgr.Client(serverID); ok && len(client.Resources()) > 0 {
		name := bridgedToolName(serverID, "resource_read")
		proxy := &resourceTool{reader: mgr, serverID: serverID, name: name}
		if err := reg.Register(proxy); err != nil {
			logger.Warn(ctx, "mcp resource tool skipped", "server", serverID, "error", err)
			return registered
		}
		registered = append(registered, name)
	}
	return registered
}

// UnregisterServer removes every tool bridged from one server, typically
// after it disconnects. It returns the removed names.
func UnregisterServer(reg *tools.Registry, serverID string) []string {
	if reg == nil {
		return nil
	}
	return reg.UnregisterOrigin("mcp:" + serverID)
}

// proxyTool exposes one remote MCP tool through the local registry.
type proxyTool struct {
	caller   ToolCaller
	serverID string
	remote   ToolInfo
	name     string
}

func (p *proxyTool) Name() string { return p.name }

func (p *proxyTool) Description() string {
	desc := strings.TrimSpace(p.remote.Description)
	if desc == "" {
		return fmt.Sprintf("MCP tool %s.%s", p.serverID, p.remote.Name)
	}
	return fmt.Sprintf("MCP tool %s.%s: %s", p.serverID, p.remote.Name, desc)
}

func (p *proxyTool) Schema() json.RawMessage {
	if len(p.remote.InputSchema) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	return p.remote.InputSchema
}

func (p *proxyTool) Origin() string { return "mcp:" + p.serverID }

func (p *proxyTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	result, err := p.caller.CallTool(ctx, p.serverID, p.remote.Name, args)
	if err != nil {
		return nil, err
	}

	content := flattenContent(result)
	if result.IsError {
		return &tools.Result{Kind: models.ResultText, Error: content}, nil
	}
	return &tools.Result{Success: true, Kind: models.ResultText, Content: content}, nil
}

// resourceTool exposes resources/read for one server.
type resourceTool struct {
	reader   ResourceReader
	serverID string
	name     string
}

func (r *resourceTool) Name() string { return r.name }

func (r *resourceTool) Description() string {
	return fmt.Sprintf("Read an MCP resource from server %s by uri", r.serverID)
}

func (r *resourceTool) Schema() json.RawMessage {
	return json.RawMessage(`{"type":"object","properties":{"uri":{"type":"string","description":"Resource URI to read"}},"required":["uri"]}`)
}

func (r *resourceTool) Origin() string { return "mcp:" + r.serverID }

func (r *resourceTool) Execute(ctx context.Context, args json.RawMessage) (*tools.Result, error) {
	var input struct {
		URI string `json:"uri"`
	}
	if err := json.Unmarshal(args, &input); err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.URI) == "" {
		return tools.Errorf("uri is required"), nil
	}

	contents, err := r.reader.ReadResource(ctx, r.serverID, input.URI)
	if err != nil {
		return nil, err
	}
	if len(contents) == 1 && contents[0].Text != "" {
		return tools.Text(contents[0].Text), nil
	}
	return tools.JSON(contents), nil
}

// flattenContent joins text blocks with newlines. Results carrying
// non-text blocks are passed through as JSON so nothing is dropped.
func flattenContent(result *ToolCallResult) string {
	if result == nil || len(result.Content) == 0 {
		return ""
	}

	var text strings.Builder
	for _, block := range result.Content {
		if block.Type != "text" {
			payload, err := json.Marshal(result.Content)
			if err != nil {
				return ""
			}
			return string(payload)
		}
		if block.Text == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteByte('\n')
		}
		text.WriteString(block.Text)
	}
	return text.String()
}

// bridgedToolName builds the registry name for a remote tool:
// mcp_<server>_<tool>, lowercased with runs of other characters collapsed
// to single underscores, truncated with a hash suffix past the cap.
func bridgedToolName(serverID, toolName string) string {
	name := "mcp_" + sanitizeNamePart(serverID) + "_" + sanitizeNamePart(toolName)
	if len(name) <= maxBridgedNameLen {
		return name
	}
	suffix := "_" + nameHash(serverID, toolName)
	return name[:maxBridgedNameLen-len(suffix)] + suffix
}

// sanitizeNamePart keeps ASCII letters and digits, lowercased, so bridged
// names stay within the character set every provider accepts.
func sanitizeNamePart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	pendingUnderscore := false
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			pendingUnderscore = false
		case r >= 'A' && r <= 'Z':
			b.WriteRune(r + ('a' - 'A'))
			pendingUnderscore = false
		default:
			if !pendingUnderscore {
				b.WriteByte('_')
				pendingUnderscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func nameHash(serverID, toolName string) string {
	sum := sha256.Sum256([]byte(serverID + ":" + toolName))
	return hex.EncodeToString(sum[:4])
}
