package llm

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"
)

// ToolDefinition converts a registered tool into the OpenAI function
// shape Ollama expects in the chat payload.
func ToolDefinition(name, description string, inputSchema json.RawMessage) openai.Tool {
	var params any
	if len(inputSchema) > 0 {
		if err := json.Unmarshal(inputSchema, &params); err != nil {
			params = map[string]any{"type": "object", "properties": map[string]any{}}
		}
	} else {
		params = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return openai.Tool{
		Type: openai.ToolTypeFunction,
		Function: &openai.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}
