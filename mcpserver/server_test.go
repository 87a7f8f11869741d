// ABOUTME: Tests for the MCP tools over the SDK's in-memory transport.
// ABOUTME: A fake Asker stands in for the workflow so calls return immediately.
package mcpserver

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389-research/assay/service"
	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workflow"
)

type fakeAsker struct {
	question string
	files    map[string]string
	err      error
}

func (a *fakeAsker) Ask(_ context.Context, question string, files []service.File, _ workflow.EventHandler) (*service.Answer, error) {
	a.question = question
	a.files = map[string]string{}
	for _, f := range files {
		data, err := io.ReadAll(f.Reader)
		if err != nil {
			return nil, err
		}
		a.files[f.Name] = string(data)
	}
	if a.err != nil {
		return nil, a.err
	}
	return &service.Answer{RunID: "run-1", Result: &workflow.Result{Raw: []byte(`{"answer":42}`)}}, nil
}

type fakeRuns []store.Run

func (r fakeRuns) ListRuns(int) ([]store.Run, error) { return r, nil }

func connect(t *testing.T, server *mcp.Server) *mcp.ClientSession {
	t.Helper()
	ctx := context.Background()
	serverT, clientT := mcp.NewInMemoryTransports()
	ss, err := server.Connect(ctx, serverT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ss.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "test", Version: "v0"}, nil)
	cs, err := client.Connect(ctx, clientT, nil)
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })
	return cs
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func TestAskToolUploadsFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sales.csv")
	require.NoError(t, os.WriteFile(path, []byte("a,b\n1,2\n"), 0o644))

	asker := &fakeAsker{}
	cs := connect(t, New("test", asker, nil))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ask",
		Arguments: map[string]any{"question": "Total of b?", "files": []string{path}},
	})
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.JSONEq(t, `{"answer":42}`, text(t, res))
	assert.Equal(t, "Total of b?", asker.question)
	assert.Equal(t, map[string]string{"sales.csv": "a,b\n1,2\n"}, asker.files)
}

func TestAskToolReportsFailure(t *testing.T) {
	asker := &fakeAsker{err: &workflow.Failure{
		Kind: workflow.KindFinalExecutionFailed, Message: "Final code execution failed.", Detail: "ZeroDivisionError",
	}}
	cs := connect(t, New("test", asker, nil))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ask",
		Arguments: map[string]any{"question": "q"},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "Final code execution failed. (final_execution_failed)")
	assert.Contains(t, out, "ZeroDivisionError")
}

func TestAskToolMissingFile(t *testing.T) {
	asker := &fakeAsker{}
	cs := connect(t, New("test", asker, nil))

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "ask",
		Arguments: map[string]any{"question": "q", "files": []string{"/does/not/exist.csv"}},
	})
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, text(t, res), "exist.csv")
	assert.Empty(t, asker.question)
}

func TestListRunsTool(t *testing.T) {
	cs := connect(t, New("test", &fakeAsker{}, fakeRuns{
		{ID: "r1", Question: "q1", Status: store.StatusFailed, Kind: "result_missing"},
	}))

	tools, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"ask", "list_runs"}, names)

	res, err := cs.CallTool(context.Background(), &mcp.CallToolParams{Name: "list_runs", Arguments: map[string]any{}})
	require.NoError(t, err)
	assert.JSONEq(t, `[{"id":"r1","question":"q1","status":"failed","kind":"result_missing"}]`, text(t, res))
}

func TestListRunsOmittedWithoutHistory(t *testing.T) {
	cs := connect(t, New("test", &fakeAsker{}, nil))
	tools, err := cs.ListTools(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, tools.Tools, 1)
	assert.Equal(t, "ask", tools.Tools[0].Name)
}
