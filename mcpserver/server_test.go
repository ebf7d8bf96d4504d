package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/pyexec/apperror"
	"github.com/isdmx/pyexec/config"
	"github.com/isdmx/pyexec/sandbox"
)

// MockSandboxExecutor implements sandbox.SandboxExecutor for testing
type MockSandboxExecutor struct {
	mu            sync.Mutex
	executeResult sandbox.ExecuteResult
	executeError  error
	requests      []sandbox.ExecuteRequest
	live          map[string]bool
	packages      []string
}

func (m *MockSandboxExecutor) Execute(_ context.Context, req sandbox.ExecuteRequest) (sandbox.ExecuteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, req)
	return m.executeResult, m.executeError
}

func (m *MockSandboxExecutor) Cancel(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live[id] {
		delete(m.live, id)
		return true
	}
	return false
}

func (m *MockSandboxExecutor) AllowedPackages() []string     { return m.packages }
func (m *MockSandboxExecutor) RunningExecutions() []string   { return nil }
func (m *MockSandboxExecutor) Limits() sandbox.Limits        { return sandbox.Limits{} }
func (m *MockSandboxExecutor) Shutdown(context.Context) error { return nil }

func testConfig(transport string) *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Host: "127.0.0.1", HTTPPort: 5000},
		MCP:    config.MCPConfig{Enabled: true, Transport: transport, HTTPPort: 0},
	}
}

func newTestServer(t *testing.T, exec *MockSandboxExecutor) *MCPServer {
	t.Helper()
	s, err := New(testConfig("http"), zaptest.NewLogger(t), exec)
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	switch c := res.Content[0].(type) {
	case mcp.TextContent:
		return c.Text
	case *mcp.TextContent:
		return c.Text
	default:
		t.Fatalf("unexpected content type %T", res.Content[0])
		return ""
	}
}

func TestExecuteTool(t *testing.T) {
	ctx := context.Background()

	t.Run("ReturnsResultJSON", func(t *testing.T) {
		exec := &MockSandboxExecutor{executeResult: sandbox.ExecuteResult{
			Success:     true,
			Stdout:      "4\n",
			ImportsUsed: []string{},
			ExecutionID: "calc",
		}}
		s := newTestServer(t, exec)

		res, err := s.handleExecute(ctx, callRequest("execute_python_code", map[string]any{
			"code":         "print(2+2)",
			"execution_id": "calc",
		}))
		require.NoError(t, err)
		assert.False(t, res.IsError)

		var got sandbox.ExecuteResult
		require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &got))
		assert.True(t, got.Success)
		assert.Equal(t, "4\n", got.Stdout)
		assert.Equal(t, "calc", got.ExecutionID)

		require.Len(t, exec.requests, 1)
		assert.Equal(t, sandbox.ExecuteRequest{Code: "print(2+2)", ExecutionID: "calc"}, exec.requests[0])
	})

	t.Run("FailedRunIsNotToolError", func(t *testing.T) {
		exec := &MockSandboxExecutor{executeResult: sandbox.ExecuteResult{
			Success: false,
			Stderr:  "execution timed out after 30s",
		}}
		s := newTestServer(t, exec)

		res, err := s.handleExecute(ctx, callRequest("execute_python_code", map[string]any{"code": "while True: pass"}))
		require.NoError(t, err)
		assert.False(t, res.IsError)
		assert.Contains(t, resultText(t, res), "timed out")
	})

	t.Run("MissingCode", func(t *testing.T) {
		exec := &MockSandboxExecutor{}
		s := newTestServer(t, exec)

		res, err := s.handleExecute(ctx, callRequest("execute_python_code", map[string]any{}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Empty(t, exec.requests)
	})

	t.Run("ValidationError", func(t *testing.T) {
		exec := &MockSandboxExecutor{executeError: apperror.ValidationFailed("code", "code must not be empty")}
		s := newTestServer(t, exec)

		res, err := s.handleExecute(ctx, callRequest("execute_python_code", map[string]any{"code": " "}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "code must not be empty", resultText(t, res))
	})

	t.Run("DuplicateIDIsToolError", func(t *testing.T) {
		exec := &MockSandboxExecutor{executeError: apperror.Conflict("execution", "dup")}
		s := newTestServer(t, exec)

		res, err := s.handleExecute(ctx, callRequest("execute_python_code", map[string]any{"code": "print(1)", "execution_id": "dup"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "execution already running with id dup", resultText(t, res))
	})

	t.Run("InternalErrorIsHidden", func(t *testing.T) {
		exec := &MockSandboxExecutor{executeError: errors.New("disk on fire")}
		s := newTestServer(t, exec)

		res, err := s.handleExecute(ctx, callRequest("execute_python_code", map[string]any{"code": "print(1)"}))
		require.NoError(t, err)
		assert.True(t, res.IsError)
		assert.Equal(t, "An internal error occurred", resultText(t, res))
	})
}

func TestCancelTool(t *testing.T) {
	exec := &MockSandboxExecutor{live: map[string]bool{"job": true}}
	s := newTestServer(t, exec)
	ctx := context.Background()

	res, err := s.handleCancel(ctx, callRequest("cancel_execution", map[string]any{"execution_id": "job"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":true,"execution_id":"job","message":"execution stopped"}`, resultText(t, res))

	res, err = s.handleCancel(ctx, callRequest("cancel_execution", map[string]any{"execution_id": "job"}))
	require.NoError(t, err)
	assert.JSONEq(t, `{"success":false,"execution_id":"job","message":"execution not found or already finished"}`,
		resultText(t, res))

	res, err = s.handleCancel(ctx, callRequest("cancel_execution", map[string]any{}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestListPackagesTool(t *testing.T) {
	exec := &MockSandboxExecutor{packages: []string{"json", "math", "numpy"}}
	s := newTestServer(t, exec)

	res, err := s.handleListPackages(context.Background(), callRequest("list_allowed_packages", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"allowed_packages":["json","math","numpy"],"total_count":3}`, resultText(t, res))
}

func TestToolsAreRegistered(t *testing.T) {
	s := newTestServer(t, &MockSandboxExecutor{})

	msg := s.GetMCPServer().HandleMessage(context.Background(),
		json.RawMessage(`{"jsonrpc":"2.0","id":1,"method":"tools/list","params":{}}`))
	raw, err := json.Marshal(msg)
	require.NoError(t, err)

	var resp struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(raw, &resp), string(raw))

	var names []string
	for _, tool := range resp.Result.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"execute_python_code", "cancel_execution", "list_allowed_packages"}, names)
}

func TestTransportLifecycle(t *testing.T) {
	t.Run("HTTP", func(t *testing.T) {
		s := newTestServer(t, &MockSandboxExecutor{})
		require.NoError(t, s.Start())
		assert.NotEmpty(t, s.Addr())

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, s.Shutdown(ctx))
	})

	t.Run("UnsupportedTransport", func(t *testing.T) {
		s, err := New(testConfig("carrier-pigeon"), zaptest.NewLogger(t), &MockSandboxExecutor{})
		require.NoError(t, err)
		assert.ErrorContains(t, s.Start(), "unsupported MCP transport")
	})
}
