// Package mcp implements a Model Context Protocol client: JSON-RPC 2.0
// over newline-delimited stdio or streamable HTTP, a per-server connection
// lifecycle, a multi-server manager, and a bridge that exposes remote tools
// through the local tool registry.
package mcp

import (
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// TransportKind selects how a server is reached.
type TransportKind string

const (
	// TransportStdio spawns the server as a child process and speaks
	// newline-delimited JSON-RPC over its stdin/stdout.
	TransportStdio TransportKind = "stdio"

	// TransportHTTP posts JSON-RPC to a URL; responses arrive as a single
	// JSON body or as a server-sent event stream.
	TransportHTTP TransportKind = "http"
)

// ServerConfig describes one MCP server.
type ServerConfig struct {
	ID        string        `json:"id" yaml:"id"`
	Name      string        `json:"name,omitempty" yaml:"name,omitempty"`
	Transport TransportKind `json:"transport,omitempty" yaml:"transport,omitempty"`

	// Stdio transport.
	Command string            `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
	WorkDir string            `json:"work_dir,omitempty" yaml:"work_dir,omitempty"`

	// HTTP transport.
	URL     string            `json:"url,omitempty" yaml:"url,omitempty"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Timeout bounds a single request/response exchange. Zero means the
	// 30 second default.
	Timeout time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// shellMetachars are rejected in stdio commands and args. The command is
// executed directly (never through a shell), so their presence indicates
// either a copy-paste of a shell one-liner or an injection attempt.
var shellMetachars = []string{"$(", "${", "`", "&&", "||", ";", "|", ">", "<", "\n", "\r"}

// Validate checks the configuration for the selected transport.
func (c *ServerConfig) Validate() error {
	if strings.TrimSpace(c.ID) == "" {
		return fmt.Errorf("mcp server: id is required")
	}

	switch c.Transport {
	case TransportHTTP:
		return c.validateHTTP()
	case TransportStdio, "":
		return c.validateStdio()
	default:
		return fmt.Errorf("mcp server %s: unknown transport %q", c.ID, c.Transport)
	}
}

func (c *ServerConfig) validateStdio() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("mcp server %s: command is required for stdio transport", c.ID)
	}
	if err := checkShellSafe(c.Command); err != nil {
		return fmt.Errorf("mcp server %s: command: %w", c.ID, err)
	}
	for i, arg := range c.Args {
		if err := checkShellSafe(arg); err != nil {
			return fmt.Errorf("mcp server %s: arg %d: %w", c.ID, i, err)
		}
	}
	if c.WorkDir != "" {
		clean := filepath.Clean(c.WorkDir)
		if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
			return fmt.Errorf("mcp server %s: work_dir escapes its base: %s", c.ID, c.WorkDir)
		}
	}
	return nil
}

func (c *ServerConfig) validateHTTP() error {
	if strings.TrimSpace(c.URL) == "" {
		return fmt.Errorf("mcp server %s: url is required for http transport", c.ID)
	}
	if !strings.HasPrefix(c.URL, "http://") && !strings.HasPrefix(c.URL, "https://") {
		return fmt.Errorf("mcp server %s: url must use http or https: %s", c.ID, c.URL)
	}
	return nil
}

func checkShellSafe(s string) error {
	for _, meta := range shellMetachars {
		if strings.Contains(s, meta) {
			return fmt.Errorf("contains shell metacharacter %q", meta)
		}
	}
	return nil
}

// timeout returns the configured request timeout or the default.
func (c *ServerConfig) timeout() time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return 30 * time.Second
}

// JSON-RPC 2.0 error codes, plus the MCP-reserved range.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeMethodNotFound   = -32601
	CodeInvalidParams    = -32602
	CodeInternalError    = -32603
	CodeResourceNotFound = -32001
	CodeToolNotFound     = -32002
)

// Request is a JSON-RPC 2.0 request. ID is an int64 on the stdio
// transport and a UUID string on HTTP.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// Notification is a JSON-RPC 2.0 notification (no id, no response).
type Notification struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// RPCError is the error object carried in a failed response.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsMethodNotFound reports whether err carries JSON-RPC code -32601.
// Optional discovery endpoints returning it are tolerated.
func IsMethodNotFound(err error) bool {
	var rpcErr *RPCError
	return errors.As(err, &rpcErr) && rpcErr.Code == CodeMethodNotFound
}

// ServerInfo identifies the remote server after initialize.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Capabilities advertises optional server feature sets. A nil pointer
// means the capability was not announced.
type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
	Prompts   *PromptsCapability   `json:"prompts,omitempty"`
	Logging   *LoggingCapability   `json:"logging,omitempty"`
}

// ToolsCapability marks tool support.
type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability marks resource support.
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// PromptsCapability marks prompt support.
type PromptsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability marks logging notification support.
type LoggingCapability struct{}

// InitializeResult is the payload of a successful initialize call.
type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// ToolInfo describes a remote tool as listed by tools/list.
type ToolInfo struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ListToolsResult is the payload of tools/list.
type ListToolsResult struct {
	Tools []ToolInfo `json:"tools"`
}

// ResourceInfo describes a remote resource as listed by resources/list.
type ResourceInfo struct {
	URI         string `json:"uri"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourcesResult is the payload of resources/list.
type ListResourcesResult struct {
	Resources []ResourceInfo `json:"resources"`
}

// ResourceTemplate describes a parameterized resource URI.
type ResourceTemplate struct {
	URITemplate string `json:"uriTemplate"`
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// ListResourceTemplatesResult is the payload of resources/templates/list.
type ListResourceTemplatesResult struct {
	ResourceTemplates []ResourceTemplate `json:"resourceTemplates"`
}

// ResourceContent is one body returned by resources/read.
type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
	Blob     string `json:"blob,omitempty"`
}

// ReadResourceResult is the payload of resources/read.
type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

// PromptArgument describes one argument accepted by a prompt.
type PromptArgument struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required,omitempty"`
}

// PromptInfo describes a remote prompt as listed by prompts/list.
type PromptInfo struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Arguments   []PromptArgument `json:"arguments,omitempty"`
}

// ListPromptsResult is the payload of prompts/list.
type ListPromptsResult struct {
	Prompts []PromptInfo `json:"prompts"`
}

// CallToolParams is the request payload for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// ContentBlock is one element of a tool call result.
type ContentBlock struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
}

// ToolCallResult is the payload of tools/call.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// CancelledParams is the payload of notifications/cancelled.
type CancelledParams struct {
	RequestID any    `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}
