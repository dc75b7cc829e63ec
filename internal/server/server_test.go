package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/flowbaker/flowdispatch/internal/auth"
	"github.com/flowbaker/flowdispatch/internal/initialization"
	"github.com/flowbaker/flowdispatch/pkg/domain"

	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

func newTestApp(t *testing.T, jwtSecret string) *fiber.App {
	t.Helper()

	container, err := initialization.NewDispatchContainer()
	require.NoError(t, err)

	deps, err := container.BuildDispatchDependencies(context.Background(), initialization.BuildDispatchDependenciesParams{
		Config: domain.DispatchConfig{
			JWTSecret:      jwtSecret,
			WorkerPoolSize: 16,
			MaxConcurrency: 4,
		},
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = deps.Close(context.Background())
	})

	return NewHTTPServer(context.Background(), HTTPServerDependencies{
		DispatchController: deps.DispatchController,
		TokenVerifier:      deps.TokenVerifier,
	})
}

func doJSON(t *testing.T, app *fiber.App, method string, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := app.Test(req, fiber.TestConfig{Timeout: 10 * time.Second})
	require.NoError(t, err)

	respBody, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	return resp, respBody
}

func startNode() domain.Node {
	return domain.Node{
		NodeID:  "start",
		Name:    "Start",
		Type:    domain.NodeTypeWorkflowStart,
		Outputs: []domain.NodeOutput{{Key: "userChatInput", ValueType: domain.ValueTypeString}},
	}
}

func answerNode(id string, text string) domain.Node {
	return domain.Node{
		NodeID:  id,
		Name:    id,
		Type:    domain.NodeTypeAnswer,
		Inputs:  []domain.NodeInput{{Key: "text", Value: text, ValueType: domain.ValueTypeString}},
		Outputs: []domain.NodeOutput{{Key: "answerText", ValueType: domain.ValueTypeString}},
	}
}

func edge(source string, handle string, target string) domain.Edge {
	return domain.Edge{
		Source:       source,
		SourceHandle: domain.SourceHandle(source, handle),
		Target:       target,
		TargetHandle: domain.TargetHandle(target, "left"),
	}
}

func greetingGraph() domain.Graph {
	return domain.Graph{
		Nodes: []domain.Node{startNode(), answerNode("reply", "hello {{$start.userChatInput$}}")},
		Edges: []domain.Edge{edge("start", "right", "reply")},
	}
}

func selectGraph() domain.Graph {
	selectNode := domain.Node{
		NodeID: "pick",
		Name:   "Pick",
		Type:   domain.NodeTypeUserSelect,
		Inputs: []domain.NodeInput{
			{Key: "description", Value: "Continue?"},
			{Key: "userSelectOptions", Value: []any{
				map[string]any{"key": "yes", "value": "Yes"},
				map[string]any{"key": "no", "value": "No"},
			}},
		},
		Outputs: []domain.NodeOutput{{Key: "selectResult", ValueType: domain.ValueTypeString}},
	}

	return domain.Graph{
		Nodes: []domain.Node{startNode(), selectNode, answerNode("yes", "picked yes"), answerNode("no", "picked no")},
		Edges: []domain.Edge{
			edge("start", "right", "pick"),
			edge("pick", "yes", "yes"),
			edge("pick", "no", "no"),
		},
	}
}

func texts(result domain.DispatchResult) []string {
	out := []string{}
	for _, item := range result.AssistantResponses {
		if item.Type == domain.AssistantResponseTypeText {
			out = append(out, item.Text)
		}
	}

	return out
}

func TestHealth(t *testing.T) {
	app := newTestApp(t, "")

	resp, body := doJSON(t, app, http.MethodGet, "/health", nil, nil)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"healthy"`)
}

func TestDispatch_InlineGraph(t *testing.T) {
	app := newTestApp(t, "")
	graph := greetingGraph()

	resp, body := doJSON(t, app, http.MethodPost, "/v1/dispatch", fiber.Map{
		"nodes": graph.Nodes,
		"edges": graph.Edges,
		"query": "world",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &result))

	assert.Equal(t, []string{"hello world"}, texts(result))
	assert.Len(t, result.FlowResponses, 2)
	assert.Nil(t, result.WorkflowInteractiveResponse)
}

func TestDispatch_MalformedGraph(t *testing.T) {
	app := newTestApp(t, "")

	resp, _ := doJSON(t, app, http.MethodPost, "/v1/dispatch", fiber.Map{
		"nodes": []domain.Node{startNode()},
		"edges": []domain.Edge{edge("start", "right", "ghost")},
	}, nil)

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestDispatch_PauseAndResume(t *testing.T) {
	app := newTestApp(t, "")
	graph := selectGraph()

	request := fiber.Map{
		"chatId": "chat-1",
		"nodes":  graph.Nodes,
		"edges":  graph.Edges,
		"query":  "hi",
	}

	resp, body := doJSON(t, app, http.MethodPost, "/v1/dispatch", request, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var paused domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &paused))
	require.NotNil(t, paused.WorkflowInteractiveResponse)
	assert.Equal(t, domain.InteractiveTypeUserSelect, paused.WorkflowInteractiveResponse.Type)
	assert.Empty(t, texts(paused))

	resp, body = doJSON(t, app, http.MethodGet, "/v1/interactive/chat-1", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stored domain.InteractiveSnapshot
	require.NoError(t, json.Unmarshal(body, &stored))
	assert.Equal(t, []string{"pick"}, stored.EntryNodeIDs)

	request["query"] = "yes"

	resp, body = doJSON(t, app, http.MethodPost, "/v1/dispatch", request, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var resumed domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &resumed))
	assert.Nil(t, resumed.WorkflowInteractiveResponse)
	assert.Equal(t, []string{"picked yes"}, texts(resumed))

	resp, _ = doJSON(t, app, http.MethodGet, "/v1/interactive/chat-1", nil, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatch_SnapshotsAreScopedToTeam(t *testing.T) {
	app := newTestApp(t, "")
	graph := selectGraph()
	teamA := map[string]string{"X-Team-ID": "team-a"}
	teamB := map[string]string{"X-Team-ID": "team-b"}

	request := fiber.Map{
		"chatId": "shared-chat",
		"nodes":  graph.Nodes,
		"edges":  graph.Edges,
		"query":  "hi",
	}

	resp, body := doJSON(t, app, http.MethodPost, "/v1/dispatch", request, teamA)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	tests := []struct {
		name           string
		method         string
		expectedStatus int
	}{
		{name: "read", method: http.MethodGet, expectedStatus: http.StatusNotFound},
		{name: "delete", method: http.MethodDelete, expectedStatus: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := doJSON(t, app, tt.method, "/v1/interactive/shared-chat", nil, teamB)
			assert.Equal(t, tt.expectedStatus, resp.StatusCode)
		})
	}

	request["query"] = "yes"

	resp, body = doJSON(t, app, http.MethodPost, "/v1/dispatch", request, teamB)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var other domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &other))
	require.NotNil(t, other.WorkflowInteractiveResponse)
	assert.Empty(t, texts(other))

	resp, _ = doJSON(t, app, http.MethodGet, "/v1/interactive/shared-chat", nil, teamA)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = doJSON(t, app, http.MethodPost, "/v1/dispatch", request, teamA)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var resumed domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &resumed))
	assert.Nil(t, resumed.WorkflowInteractiveResponse)
	assert.Equal(t, []string{"picked yes"}, texts(resumed))
}

func TestDispatch_StoredApp(t *testing.T) {
	app := newTestApp(t, "")
	owner := map[string]string{"X-Team-ID": "team-a", "X-User-ID": "owner"}

	resp, body := doJSON(t, app, http.MethodPut, "/v1/apps/greeter", fiber.Map{
		"name":  "Greeter",
		"graph": greetingGraph(),
	}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	resp, body = doJSON(t, app, http.MethodPost, "/v1/dispatch", fiber.Map{
		"appId": "greeter",
		"query": "team",
	}, owner)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var result domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &result))
	assert.Equal(t, []string{"hello team"}, texts(result))
	assert.NotEmpty(t, result.FlowResponses[0].Data)

	// Another member of the team only sees redacted traces.
	resp, body = doJSON(t, app, http.MethodPost, "/v1/dispatch", fiber.Map{
		"appId": "greeter",
		"query": "team",
	}, map[string]string{"X-Team-ID": "team-a", "X-User-ID": "member"})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var redacted domain.DispatchResult
	require.NoError(t, json.Unmarshal(body, &redacted))
	require.NotEmpty(t, redacted.FlowResponses)
	for _, trace := range redacted.FlowResponses {
		assert.Empty(t, trace.Data)
	}

	resp, _ = doJSON(t, app, http.MethodPost, "/v1/dispatch", fiber.Map{
		"appId": "greeter",
	}, map[string]string{"X-Team-ID": "team-b"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDispatch_Stream(t *testing.T) {
	app := newTestApp(t, "")
	graph := greetingGraph()

	resp, body := doJSON(t, app, http.MethodPost, "/v1/dispatch", fiber.Map{
		"nodes":  graph.Nodes,
		"edges":  graph.Edges,
		"query":  "stream",
		"stream": true,
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stream := string(body)

	assert.Contains(t, stream, "event: answer\ndata: {\"text\":\"hello stream\"}")
	assert.Contains(t, stream, "event: flowResponses\n")
	assert.True(t, strings.HasSuffix(stream, "event: answer\ndata: [DONE]\n\n"))
}

func TestBearerAuth(t *testing.T) {
	app := newTestApp(t, testSecret)
	graph := greetingGraph()
	request := fiber.Map{"nodes": graph.Nodes, "edges": graph.Edges, "query": "auth"}

	resp, _ := doJSON(t, app, http.MethodPost, "/v1/dispatch", request, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodPost, "/v1/dispatch", request, map[string]string{
		fiber.HeaderAuthorization: "Bearer not-a-token",
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	issuer, err := auth.NewTokenIssuer(testSecret)
	require.NoError(t, err)

	token, err := issuer.Issue("team-a", "user-a", time.Hour)
	require.NoError(t, err)

	resp, body := doJSON(t, app, http.MethodPost, "/v1/dispatch", request, map[string]string{
		fiber.HeaderAuthorization: "Bearer " + token,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode, string(body))
}

func TestInvalidateToolCache(t *testing.T) {
	app := newTestApp(t, "")

	resp, _ := doJSON(t, app, http.MethodDelete, "/v1/tools/cache?endpoint=http://localhost/mcp", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, _ = doJSON(t, app, http.MethodDelete, "/v1/tools/cache", nil, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}
