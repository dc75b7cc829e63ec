package mcptool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/flowbaker/flowdispatch/internal/version"
	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/gosimple/slug"
	"github.com/rs/zerolog/log"
	mcp "trpc.group/trpc-go/trpc-mcp-go"
)

var (
	ErrToolNotFound          = errors.New("mcp tool not found")
	ErrUnsupportedTransport  = errors.New("unsupported mcp transport")
	ErrUnexpectedPooledValue = errors.New("pooled connection is not an mcp client")
)

const (
	OutputKeyRawResponse = "rawResponse"

	TransportStreamable = "streamable"
	TransportSSE        = "sse"

	defaultCallTimeout = 60 * time.Second
)

type MCPToolParams struct {
	URL       string            `json:"url"`
	Transport string            `json:"transport"`
	Headers   map[string]string `json:"headers"`
	ToolName  string            `json:"toolName"`
	Arguments map[string]any    `json:"arguments"`
	Timeout   float64           `json:"timeout"`
}

type MCPToolExecutor struct {
	toolCache domain.MCPToolCache
}

func NewMCPToolExecutor(deps domain.NodeExecutorDeps) domain.NodeExecutor {
	toolCache := deps.ToolCache
	if toolCache == nil {
		toolCache = NewToolCache(DefaultToolCacheTTL)
	}

	return &MCPToolExecutor{toolCache: toolCache}
}

func (e *MCPToolExecutor) Execute(ctx context.Context, input domain.NodeExecutorInput) (domain.NodeResult, error) {
	p := MCPToolParams{}
	if err := domain.BindParams(input.Params, &p); err != nil {
		return domain.NodeResult{}, err
	}

	if p.URL == "" {
		return domain.NodeResult{}, fmt.Errorf("mcp server url is empty")
	}

	timeout := defaultCallTimeout
	if p.Timeout > 0 {
		timeout = time.Duration(p.Timeout * float64(time.Second))
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	client, err := acquireClient(ctx, input.RunContext.Pool, p)
	if err != nil {
		return domain.NodeResult{}, err
	}

	tools, err := e.toolCache.Tools(ctx, p.URL, func(ctx context.Context) ([]domain.MCPToolDescriptor, error) {
		return listTools(ctx, client)
	})
	if err != nil {
		return domain.NodeResult{}, err
	}

	toolName, err := resolveToolName(tools, p.ToolName)
	if err != nil {
		return domain.NodeResult{}, err
	}

	log.Debug().Str("node_id", input.Node.NodeID).Str("tool", toolName).Msg("Calling MCP tool")

	callReq := &mcp.CallToolRequest{}
	callReq.Params.Name = toolName
	callReq.Params.Arguments = p.Arguments

	callResp, err := client.CallTool(ctx, callReq)
	if err != nil {
		return domain.NodeResult{}, fmt.Errorf("failed to call mcp tool %s: %w", toolName, err)
	}

	text := contentText(callResp.Content)

	return domain.NodeResult{
		Data:          map[string]any{OutputKeyRawResponse: text},
		ToolResponses: text,
		Details:       map[string]any{"toolName": toolName, "url": p.URL},
	}, nil
}

// ListTools returns the tools of an MCP server through the shared tool cache.
func ListTools(ctx context.Context, toolCache domain.MCPToolCache, pool domain.ConnectionPool, p MCPToolParams) ([]domain.MCPToolDescriptor, error) {
	client, err := acquireClient(ctx, pool, p)
	if err != nil {
		return nil, err
	}

	return toolCache.Tools(ctx, p.URL, func(ctx context.Context) ([]domain.MCPToolDescriptor, error) {
		return listTools(ctx, client)
	})
}

func acquireClient(ctx context.Context, pool domain.ConnectionPool, p MCPToolParams) (mcp.Connector, error) {
	if pool == nil {
		return nil, fmt.Errorf("connection pool is not available")
	}

	conn, err := pool.Acquire(ctx, p.URL, func(ctx context.Context) (io.Closer, error) {
		return dial(ctx, p)
	})
	if err != nil {
		return nil, err
	}

	client, ok := conn.(mcp.Connector)
	if !ok {
		return nil, ErrUnexpectedPooledValue
	}

	return client, nil
}

func dial(ctx context.Context, p MCPToolParams) (mcp.Connector, error) {
	clientInfo := mcp.Implementation{
		Name:    "flowdispatch",
		Version: version.GetVersion(),
	}

	var options []mcp.ClientOption

	if len(p.Headers) > 0 {
		headers := http.Header{}
		for key, value := range p.Headers {
			headers.Set(key, value)
		}

		options = append(options, mcp.WithHTTPHeaders(headers))
	}

	var (
		client mcp.Connector
		err    error
	)

	switch p.Transport {
	case "", TransportStreamable:
		client, err = mcp.NewClient(p.URL, clientInfo, options...)
	case TransportSSE:
		client, err = mcp.NewSSEClient(p.URL, clientInfo, options...)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedTransport, p.Transport)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to create mcp client: %w", err)
	}

	if _, err := client.Initialize(ctx, &mcp.InitializeRequest{}); err != nil {
		if closeErr := client.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Str("url", p.URL).Msg("Failed to close mcp client")
		}

		return nil, fmt.Errorf("failed to initialize mcp session: %w", err)
	}

	log.Debug().Str("url", p.URL).Msg("MCP session initialized")

	return client, nil
}

func listTools(ctx context.Context, client mcp.Connector) ([]domain.MCPToolDescriptor, error) {
	listResp, err := client.ListTools(ctx, &mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("failed to list mcp tools: %w", err)
	}

	tools := make([]domain.MCPToolDescriptor, 0, len(listResp.Tools))

	for _, tool := range listResp.Tools {
		tools = append(tools, domain.MCPToolDescriptor{
			Name:        tool.Name,
			Description: tool.Description,
			InputSchema: schemaToMap(tool.InputSchema),
		})
	}

	return tools, nil
}

// resolveToolName matches by exact name first and then by slug, so a tool
// configured as "Search Docs" finds "search-docs".
func resolveToolName(tools []domain.MCPToolDescriptor, name string) (string, error) {
	for _, tool := range tools {
		if tool.Name == name {
			return tool.Name, nil
		}
	}

	wanted := slug.Make(name)

	for _, tool := range tools {
		if slug.Make(tool.Name) == wanted {
			return tool.Name, nil
		}
	}

	return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
}

func contentText(contents []mcp.Content) string {
	texts := []string{}

	for _, content := range contents {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}

	return strings.Join(texts, "\n")
}

func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return nil
	}

	raw, err := json.Marshal(schema)
	if err != nil {
		return nil
	}

	result := map[string]any{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil
	}

	return result
}
