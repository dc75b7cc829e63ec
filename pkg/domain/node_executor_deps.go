package domain

import (
	"context"
	"net/http"
	"time"
)

type AIChatConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	// PointsPer1KTokens converts token usage into usage points.
	PointsPer1KTokens float64
}

type MCPToolDescriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

type LoadMCPToolsFunc func(ctx context.Context) ([]MCPToolDescriptor, error)

// MCPToolCache caches the tool list of each MCP endpoint.
type MCPToolCache interface {
	Tools(ctx context.Context, endpoint string, load LoadMCPToolsFunc) ([]MCPToolDescriptor, error)
	Invalidate(endpoint string)
	InvalidateAll()
}

// NodeExecutorDeps carries everything a built-in node executor may need.
type NodeExecutorDeps struct {
	AppStore    AppStore
	HTTPClient  *http.Client
	AIChat      AIChatConfig
	CodeTimeout time.Duration
	ToolCache   MCPToolCache
}
