// Package mcptool exposes the execution service as an MCP "code_run" tool.
package mcptool

import (
	"context"
	"fmt"
	"strings"

	"github.com/itstheanurag/runbox/internal/api"
	"github.com/itstheanurag/runbox/internal/classify"
	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const ToolName = "code_run"

type Tool struct {
	scheduler api.Submitter
	registry  *languages.Registry
}

func New(scheduler api.Submitter, registry *languages.Registry) *Tool {
	return &Tool{scheduler: scheduler, registry: registry}
}

func (t *Tool) Definition() mcp.Tool {
	ids := t.registry.IDs()
	return mcp.Tool{
		Name:        ToolName,
		Description: fmt.Sprintf("Execute code in an isolated sandbox. Supported languages: %s.", strings.Join(ids, ", ")),
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"language": map[string]any{
					"type":        "string",
					"description": "Programming language (" + strings.Join(ids, ", ") + ")",
				},
				"code": map[string]any{
					"type":        "string",
					"description": "Source code to execute",
				},
			},
			Required: []string{"language", "code"},
		},
	}
}

// NewServer builds an MCP server with the tool registered.
func (t *Tool) NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer("runbox", version)
	s.AddTool(t.Definition(), t.Handle)
	return s
}

func (t *Tool) Handle(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := request.Params.Arguments.(map[string]any)
	if args == nil {
		return errResult("error: invalid arguments"), nil
	}

	language, _ := args["language"].(string)
	code, _ := args["code"].(string)
	if language == "" {
		language = api.DefaultLanguage
	}
	if strings.TrimSpace(code) == "" {
		return errResult(classify.EmptyCodeMessage), nil
	}

	res := t.scheduler.Submit(ctx, executor.NewSubmission(language, code))
	resp := classify.Classify(res)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: resp.Output}},
		IsError: resp.IsError,
	}, nil
}

func errResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: text}},
		IsError: true,
	}
}
