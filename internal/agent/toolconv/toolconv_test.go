package toolconv

import (
	"context"
	"encoding/json"
	"testing"

	"google.golang.org/genai"

	"github.com/haasonsaas/chatline/internal/agent"
)

type cityArgs struct {
	City string `json:"city" jsonschema:"description=City name"`
	Unit string `json:"unit,omitempty" jsonschema:"enum=celsius,enum=fahrenheit"`
}

type stubTool struct {
	name   string
	schema json.RawMessage
}

func (s stubTool) Name() string            { return s.name }
func (s stubTool) Description() string     { return "stub " + s.name }
func (s stubTool) Schema() json.RawMessage { return s.schema }
func (s stubTool) Execute(context.Context, agent.ToolEnv, json.RawMessage) (*agent.ToolResult, error) {
	return &agent.ToolResult{}, nil
}

func TestToAnthropicTools(t *testing.T) {
	tools, err := ToAnthropicTools([]agent.Tool{stubTool{name: "getWeatherInformation", schema: agent.SchemaFor[cityArgs]()}})
	if err != nil {
		t.Fatalf("ToAnthropicTools() error = %v", err)
	}
	if len(tools) != 1 || tools[0].OfTool == nil || tools[0].OfTool.Name != "getWeatherInformation" {
		t.Fatalf("tools = %+v", tools)
	}

	if _, err := ToAnthropicTools([]agent.Tool{stubTool{name: "bad", schema: json.RawMessage(`{`)}}); err == nil {
		t.Error("invalid schema should fail")
	}
	if got, err := ToAnthropicTools(nil); got != nil || err != nil {
		t.Errorf("empty input = %v, %v", got, err)
	}
}

func TestToOpenAITools(t *testing.T) {
	tools := ToOpenAITools([]agent.Tool{
		stubTool{name: "getLocalTime", schema: agent.SchemaFor[cityArgs]()},
		stubTool{name: "broken", schema: json.RawMessage(`not json`)},
	})
	if len(tools) != 2 {
		t.Fatalf("len = %d, want 2", len(tools))
	}
	if tools[0].Function.Name != "getLocalTime" {
		t.Errorf("name = %q", tools[0].Function.Name)
	}
	params, ok := tools[1].Function.Parameters.(map[string]any)
	if !ok || params["type"] != "object" {
		t.Errorf("broken schema should degrade to an empty object: %#v", tools[1].Function.Parameters)
	}
}

func TestToGeminiTools(t *testing.T) {
	tools := ToGeminiTools([]agent.Tool{stubTool{name: "getWeatherInformation", schema: agent.SchemaFor[cityArgs]()}})
	if len(tools) != 1 || len(tools[0].FunctionDeclarations) != 1 {
		t.Fatalf("tools = %+v", tools)
	}
	params := tools[0].FunctionDeclarations[0].Parameters
	if params.Type != genai.TypeObject {
		t.Errorf("type = %q, want OBJECT", params.Type)
	}
	if params.Properties["city"].Type != genai.TypeString {
		t.Errorf("city type = %q", params.Properties["city"].Type)
	}
	if len(params.Properties["unit"].Enum) != 2 {
		t.Errorf("unit enum = %v", params.Properties["unit"].Enum)
	}
	if len(params.Required) != 1 || params.Required[0] != "city" {
		t.Errorf("required = %v", params.Required)
	}

	if got := ToGeminiTools(nil); got != nil {
		t.Errorf("empty input = %v", got)
	}
}
