// ABOUTME: MCP stdio server exposing assay runs as tools for agent clients.
// ABOUTME: The ask tool runs a question over local files; list_runs reads run history.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/2389-research/assay/service"
	"github.com/2389-research/assay/store"
	"github.com/2389-research/assay/workflow"
)

// Asker runs one question.
type Asker interface {
	Ask(ctx context.Context, question string, files []service.File, events workflow.EventHandler) (*service.Answer, error)
}

var _ Asker = (*service.Service)(nil)

// RunLister lists recorded runs.
type RunLister interface {
	ListRuns(limit int) ([]store.Run, error)
}

// AskInput is the argument object of the ask tool.
type AskInput struct {
	Question string   `json:"question" jsonschema:"the question to answer about the data"`
	Files    []string `json:"files,omitempty" jsonschema:"paths of local files to copy into the run folder"`
}

// ListRunsInput is the argument object of the list_runs tool.
type ListRunsInput struct {
	Limit int `json:"limit,omitempty" jsonschema:"maximum number of runs to return, newest first"`
}

// New builds the MCP server. runs may be nil, in which case list_runs is
// not offered.
func New(version string, asker Asker, runs RunLister) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "assay", Version: version}, nil)

	mcp.AddTool(server, &mcp.Tool{
		Name: "ask",
		Description: "Answer a question about data by having an LLM write and run Python in a fresh working folder. " +
			"Returns the JSON the analysis wrote to result.json.",
	}, askHandler(asker))

	if runs != nil {
		mcp.AddTool(server, &mcp.Tool{
			Name:        "list_runs",
			Description: "List recent assay runs with their status and failure kind.",
		}, listRunsHandler(runs))
	}
	return server
}

// Serve runs the server over stdin/stdout until the client disconnects or
// ctx is cancelled.
func Serve(ctx context.Context, server *mcp.Server) error {
	return server.Run(ctx, &mcp.StdioTransport{})
}

func askHandler(asker Asker) func(context.Context, *mcp.CallToolRequest, AskInput) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, _ *mcp.CallToolRequest, in AskInput) (*mcp.CallToolResult, any, error) {
		files, closeAll, err := openFiles(in.Files)
		if err != nil {
			return errorResult(err.Error()), nil, nil
		}
		defer closeAll()

		answer, err := asker.Ask(ctx, in.Question, files, nil)
		if err != nil {
			var f *workflow.Failure
			if errors.As(err, &f) {
				msg := fmt.Sprintf("%s (%s)", f.Message, f.Kind)
				if f.Detail != "" {
					msg += "\n\n" + f.Detail
				}
				return errorResult(msg), nil, nil
			}
			return errorResult(err.Error()), nil, nil
		}
		log.Printf("component=mcp action=ask run=%s bytes=%d", answer.RunID, len(answer.Result.Raw))
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: string(answer.Result.Raw)}},
		}, nil, nil
	}
}

func listRunsHandler(runs RunLister) func(context.Context, *mcp.CallToolRequest, ListRunsInput) (*mcp.CallToolResult, any, error) {
	return func(_ context.Context, _ *mcp.CallToolRequest, in ListRunsInput) (*mcp.CallToolResult, any, error) {
		list, err := runs.ListRuns(in.Limit)
		if err != nil {
			return nil, nil, fmt.Errorf("listing runs: %w", err)
		}
		type summary struct {
			ID       string       `json:"id"`
			Question string       `json:"question"`
			Status   store.Status `json:"status"`
			Kind     string       `json:"kind,omitempty"`
		}
		out := make([]summary, 0, len(list))
		for _, r := range list {
			out = append(out, summary{ID: r.ID, Question: r.Question, Status: r.Status, Kind: r.Kind})
		}
		data, err := json.Marshal(out)
		if err != nil {
			return nil, nil, err
		}
		return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: string(data)}}}, nil, nil
	}
}

// openFiles opens each path for upload under its base name.
func openFiles(paths []string) ([]service.File, func(), error) {
	var opened []*os.File
	closeAll := func() {
		for _, f := range opened {
			f.Close()
		}
	}
	files := make([]service.File, 0, len(paths))
	for _, p := range paths {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		f, err := os.Open(p)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("opening %s: %w", p, err)
		}
		opened = append(opened, f)
		files = append(files, service.File{Name: filepath.Base(p), Reader: f})
	}
	return files, closeAll, nil
}

func errorResult(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{&mcp.TextContent{Text: msg}},
	}
}
