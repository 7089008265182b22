package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/stationops/quartermaster/internal/agent"
	"github.com/stationops/quartermaster/pkg/models"
)

func history() []models.Message {
	return []models.Message{
		{Role: models.RoleUser, Content: "check the fleet"},
		{
			Role:    models.RoleAssistant,
			Content: "Checking.",
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "fleet_status", Input: json.RawMessage(`{"region":"delve"}`)},
			},
		},
		{
			Role: models.RoleTool,
			ToolResults: []models.ToolResult{
				{ToolCallID: "call_1", Content: "12 active"},
			},
		},
	}
}

func TestConvertAnthropicMessages(t *testing.T) {
	out, err := convertAnthropicMessages(history())
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	// user, assistant(text+tool_use), user(tool_result)
	if len(out) != 3 {
		t.Fatalf("messages = %d", len(out))
	}
	if out[1].Role != "assistant" {
		t.Errorf("role[1] = %s", out[1].Role)
	}
	if len(out[1].Content) != 2 {
		t.Errorf("assistant blocks = %d", len(out[1].Content))
	}
	// Tool results ride in a user message.
	if out[2].Role != "user" {
		t.Errorf("role[2] = %s", out[2].Role)
	}
}

func TestConvertAnthropicMessagesRejectsBadToolInput(t *testing.T) {
	msgs := []models.Message{{
		Role:      models.RoleAssistant,
		ToolCalls: []models.ToolCall{{ID: "c1", Name: "x", Input: json.RawMessage(`{broken`)}},
	}}
	if _, err := convertAnthropicMessages(msgs); err == nil {
		t.Fatal("expected error for malformed tool input")
	}
}

func TestConvertAnthropicTools(t *testing.T) {
	defs := []agent.ToolDefinition{{
		Name:        "fleet_status",
		Description: "Report fleet state",
		Schema:      json.RawMessage(`{"type":"object","properties":{"region":{"type":"string"}}}`),
	}}
	out, err := convertAnthropicTools(defs)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	if len(out) != 1 || out[0].OfTool == nil {
		t.Fatalf("tools = %+v", out)
	}
	if out[0].OfTool.Name != "fleet_status" {
		t.Errorf("name = %s", out[0].OfTool.Name)
	}
}

func TestConvertOpenAIMessages(t *testing.T) {
	out := convertOpenAIMessages("be terse", history())
	// system, user, assistant, tool
	if len(out) != 4 {
		t.Fatalf("messages = %d", len(out))
	}
	if out[0].Role != openai.ChatMessageRoleSystem || out[0].Content != "be terse" {
		t.Errorf("system = %+v", out[0])
	}
	if len(out[2].ToolCalls) != 1 || out[2].ToolCalls[0].Function.Name != "fleet_status" {
		t.Errorf("assistant tool calls = %+v", out[2].ToolCalls)
	}
	if out[3].Role != openai.ChatMessageRoleTool || out[3].ToolCallID != "call_1" {
		t.Errorf("tool message = %+v", out[3])
	}
}

func TestConvertOpenAIToolsBadSchemaFallsBack(t *testing.T) {
	defs := []agent.ToolDefinition{{Name: "x", Schema: json.RawMessage(`nope`)}}
	out := convertOpenAITools(defs)
	params, ok := out[0].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("fallback schema = %+v", out[0].Function.Parameters)
	}
}

func TestProviderConstructorsRequireKey(t *testing.T) {
	if _, err := NewAnthropicProvider(AnthropicConfig{}); err == nil {
		t.Error("anthropic constructor accepted empty key")
	}
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("openai constructor accepted empty key")
	}
}
