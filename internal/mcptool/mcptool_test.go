package mcptool

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/itstheanurag/runbox/internal/executor"
	"github.com/itstheanurag/runbox/internal/languages"
	"github.com/mark3labs/mcp-go/mcp"
)

type stubSubmitter struct {
	got []executor.Submission
	res *executor.ExecutionResult
}

func (s *stubSubmitter) Submit(ctx context.Context, sub executor.Submission) *executor.ExecutionResult {
	s.got = append(s.got, sub)
	return s.res
}

func newTool(res *executor.ExecutionResult) (*Tool, *stubSubmitter) {
	s := &stubSubmitter{res: res}
	return New(s, languages.NewRegistry(languages.Limits{WallTimeout: time.Second})), s
}

func call(t *testing.T, tool *Tool, args any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Name = ToolName
	req.Params.Arguments = args
	res, err := tool.Handle(context.Background(), req)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) != 1 {
		t.Fatalf("got %d content items", len(res.Content))
	}
	tc, ok := res.Content[0].(mcp.TextContent)
	if !ok {
		t.Fatalf("content is %T, want TextContent", res.Content[0])
	}
	return tc.Text
}

func TestHandleSuccess(t *testing.T) {
	tool, s := newTool(&executor.ExecutionResult{Outcome: executor.OutcomeSuccess, Stdout: "42\n"})

	res := call(t, tool, map[string]any{"language": "python", "code": "print(42)"})
	if res.IsError || text(t, res) != "42\n" {
		t.Errorf("result = %+v", res)
	}
	if len(s.got) != 1 || s.got[0].Language != "python" {
		t.Errorf("submissions = %+v", s.got)
	}
}

func TestHandleCompileError(t *testing.T) {
	tool, _ := newTool(&executor.ExecutionResult{Outcome: executor.OutcomeCompileError, Stderr: "expected ';'"})

	res := call(t, tool, map[string]any{"language": "c", "code": "int main( {"})
	if !res.IsError || !strings.Contains(text(t, res), "COMPILATION ERROR") {
		t.Errorf("result = %+v", res)
	}
}

func TestHandleInvalidArguments(t *testing.T) {
	tool, s := newTool(nil)

	if res := call(t, tool, "not an object"); !res.IsError {
		t.Error("non-object arguments accepted")
	}
	if res := call(t, tool, map[string]any{"language": "python", "code": "  "}); !res.IsError {
		t.Error("empty code accepted")
	}
	if len(s.got) != 0 {
		t.Error("invalid calls reached the scheduler")
	}
}

func TestDefinitionListsLanguages(t *testing.T) {
	tool, _ := newTool(nil)
	def := tool.Definition()
	if def.Name != ToolName {
		t.Errorf("name = %q", def.Name)
	}
	for _, id := range []string{"c", "cpp", "javascript", "python"} {
		if !strings.Contains(def.Description, id) {
			t.Errorf("description missing %s: %q", id, def.Description)
		}
	}
}
