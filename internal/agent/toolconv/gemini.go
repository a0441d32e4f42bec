package toolconv

import (
	"encoding/json"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/chatline/internal/agent"
)

// ToGeminiTools converts tools to a single Gemini tool holding one function
// declaration per tool. Tools whose schema does not parse are skipped.
func ToGeminiTools(tools []agent.Tool) []*genai.Tool {
	declarations := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema(), &schema); err != nil {
			continue
		}
		declarations = append(declarations, &genai.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  ToGeminiSchema(schema),
		})
	}
	if len(declarations) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: declarations}}
}

// ToGeminiSchema converts a JSON Schema document to Gemini's schema subset.
// Keywords Gemini does not understand, such as additionalProperties, are
// dropped.
func ToGeminiSchema(schema map[string]any) *genai.Schema {
	if schema == nil {
		return nil
	}
	out := &genai.Schema{}
	if t, ok := schema["type"].(string); ok {
		out.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		out.Description = desc
	}
	if format, ok := schema["format"].(string); ok && format == "date-time" {
		out.Format = format
	}
	for _, e := range asSlice(schema["enum"]) {
		if s, ok := e.(string); ok {
			out.Enum = append(out.Enum, s)
		}
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		out.Properties = make(map[string]*genai.Schema, len(props))
		for name, prop := range props {
			if propSchema, ok := prop.(map[string]any); ok {
				out.Properties[name] = ToGeminiSchema(propSchema)
			}
		}
	}
	for _, r := range asSlice(schema["required"]) {
		if s, ok := r.(string); ok {
			out.Required = append(out.Required, s)
		}
	}
	if items, ok := schema["items"].(map[string]any); ok {
		out.Items = ToGeminiSchema(items)
	}
	return out
}

func asSlice(v any) []any {
	s, _ := v.([]any)
	return s
}
