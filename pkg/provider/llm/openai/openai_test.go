package openai

import (
	"testing"

	"github.com/MrWong99/chandaliar/pkg/provider/llm"
)

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	if _, err := New("", "gpt-4o"); err == nil {
		t.Error("expected error for empty api key")
	}
	if _, err := New("sk-test", ""); err == nil {
		t.Error("expected error for empty model")
	}
	p, err := New("sk-test", "gpt-4o", WithBaseURL("http://localhost:1"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got := p.Model(); got != "gpt-4o" {
		t.Errorf("Model() = %q, want %q", got, "gpt-4o")
	}
}

func TestConvertMessage_Roles(t *testing.T) {
	t.Parallel()

	sys, err := convertMessage(llm.Message{Role: llm.RoleSystem, Content: "Be Chan."})
	if err != nil || sys.OfSystem == nil {
		t.Fatalf("system: got %+v, err %v", sys, err)
	}
	usr, err := convertMessage(llm.Message{Role: llm.RoleUser, Content: "Anna: hi"})
	if err != nil || usr.OfUser == nil {
		t.Fatalf("user: got %+v, err %v", usr, err)
	}
	asst, err := convertMessage(llm.Message{Role: llm.RoleAssistant, Content: "Hello!"})
	if err != nil || asst.OfAssistant == nil {
		t.Fatalf("assistant: got %+v, err %v", asst, err)
	}
	tool, err := convertMessage(llm.Message{Role: llm.RoleTool, Content: "ok", ToolCallID: "call_1"})
	if err != nil || tool.OfTool == nil {
		t.Fatalf("tool: got %+v, err %v", tool, err)
	}
	if _, err := convertMessage(llm.Message{Role: "narrator"}); err == nil {
		t.Error("expected error for unknown role")
	}
}

func TestConvertMessage_AssistantToolCalls(t *testing.T) {
	t.Parallel()

	msg := llm.Message{
		Role: llm.RoleAssistant,
		ToolCalls: []llm.ToolCall{
			{ID: "call_1", Name: "set_light_color", Arguments: `{"red":255,"green":0,"blue":0}`},
		},
	}
	p, err := convertMessage(msg)
	if err != nil {
		t.Fatalf("convertMessage: %v", err)
	}
	if len(p.OfAssistant.ToolCalls) != 1 {
		t.Fatalf("got %d tool calls, want 1", len(p.OfAssistant.ToolCalls))
	}
	tc := p.OfAssistant.ToolCalls[0]
	if tc.ID != "call_1" || tc.Function.Name != "set_light_color" {
		t.Errorf("got %s/%s, want call_1/set_light_color", tc.ID, tc.Function.Name)
	}
}

func TestBuildParams(t *testing.T) {
	t.Parallel()

	p, err := New("sk-test", "gpt-4o-mini")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	params, err := p.buildParams(llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: "x"},
			{Role: llm.RoleUser, Content: "y"},
		},
		Tools: []llm.ToolDefinition{{Name: "set_light_color", Parameters: map[string]any{"type": "object"}}},
	})
	if err != nil {
		t.Fatalf("buildParams: %v", err)
	}
	if got := len(params.Messages); got != 2 {
		t.Errorf("got %d messages, want 2", got)
	}
	if got := len(params.Tools); got != 1 {
		t.Errorf("got %d tools, want 1", got)
	}
	if string(params.Model) != "gpt-4o-mini" {
		t.Errorf("model = %q, want gpt-4o-mini", params.Model)
	}
}

func TestToolCallAccumulator(t *testing.T) {
	t.Parallel()

	var a toolCallAccumulator
	a.add(0, "call_1", "set_light_color", `{"red":`)
	a.add(0, "", "", `10}`)
	a.add(1, "call_2", "", "")

	got := a.list()
	if len(got) != 1 {
		t.Fatalf("got %d calls, want 1 (nameless fragments are dropped)", len(got))
	}
	if got[0].Arguments != `{"red":10}` {
		t.Errorf("arguments = %q, want %q", got[0].Arguments, `{"red":10}`)
	}
}
