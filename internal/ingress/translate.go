package ingress

import (
	"encoding/json"
	"fmt"
	"strings"

	"cloudrelay/internal/apierr"
	"cloudrelay/internal/config"
	"cloudrelay/internal/sse"
	"cloudrelay/internal/upstream"
)

// buildUpstreamRequest translates the OpenAI-shaped request into the
// normalized upstream.Request, applying the configured sampling defaults
// for any field the caller omitted.
func buildUpstreamRequest(req ChatCompletionRequest, cfg *config.Config) (upstream.Request, *apierr.Error) {
	if req.Model == "" {
		return upstream.Request{}, apierr.Validation("model is required")
	}
	if _, ok := config.ModelByID(req.Model); !ok {
		return upstream.Request{}, apierr.Validation(fmt.Sprintf("unknown model %q", req.Model))
	}
	if len(req.Messages) == 0 {
		return upstream.Request{}, apierr.Validation("messages must not be empty")
	}

	contents := make([]upstream.Content, 0, len(req.Messages))
	for i, m := range req.Messages {
		c, err := messageToContent(m)
		if err != nil {
			return upstream.Request{}, apierr.Validation(fmt.Sprintf("messages[%d]: %v", i, err))
		}
		contents = append(contents, c)
	}

	temperature := cfg.DefaultTemperature
	if req.Temperature != nil {
		temperature = *req.Temperature
	}
	topP := cfg.DefaultTopP
	if req.TopP != nil {
		topP = *req.TopP
	}
	topK := cfg.DefaultTopK
	if req.TopK != nil {
		topK = *req.TopK
	}
	maxTokens := cfg.DefaultMaxTokens
	if req.MaxTokens != nil {
		maxTokens = *req.MaxTokens
	}

	gen := upstream.GenerationConfig{
		Temperature:     &temperature,
		TopP:            &topP,
		TopK:            &topK,
		MaxOutputTokens: &maxTokens,
		StopSequences:   stopSequences(req.Stop),
	}

	tools, toolConfig := translateTools(req.Tools, req.ToolChoice)

	return upstream.Request{
		Model:            req.Model,
		Contents:         contents,
		GenerationConfig: gen,
		Tools:            tools,
		ToolConfig:       toolConfig,
	}, nil
}

func stopSequences(stop interface{}) []string {
	switch v := stop.(type) {
	case string:
		return []string{v}
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, s := range v {
			if str, ok := s.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

func messageToContent(m ChatMessage) (upstream.Content, error) {
	role := roleToGemini(m.Role)

	if m.Role == "tool" {
		var response json.RawMessage
		if len(m.Content) > 0 {
			response = m.Content
		} else {
			response = json.RawMessage(`{}`)
		}
		return upstream.Content{
			Role: "function",
			Parts: []upstream.Part{{
				FunctionResponse: &upstream.FunctionResponse{
					Name:     m.Name,
					Response: wrapFunctionResult(response),
				},
			}},
		}, nil
	}

	var parts []upstream.Part
	for _, tc := range m.ToolCalls {
		args := json.RawMessage(tc.Function.Arguments)
		if len(args) == 0 {
			args = json.RawMessage(`{}`)
		}
		parts = append(parts, upstream.Part{
			FunctionCall: &upstream.FunctionCall{Name: tc.Function.Name, Args: args},
		})
	}

	textParts, err := contentToParts(m.Content)
	if err != nil {
		return upstream.Content{}, err
	}
	parts = append(parts, textParts...)

	return upstream.Content{Role: role, Parts: parts}, nil
}

// wrapFunctionResult ensures the tool message's raw content is wrapped as an
// object, since the upstream's functionResponse.response field expects one.
func wrapFunctionResult(raw json.RawMessage) json.RawMessage {
	trimmed := strings.TrimSpace(string(raw))
	if strings.HasPrefix(trimmed, "{") {
		return raw
	}
	wrapped, _ := json.Marshal(map[string]json.RawMessage{"result": raw})
	return wrapped
}

func roleToGemini(role string) string {
	switch role {
	case "assistant":
		return "model"
	default: // "user", "system" (no separate system turn in this contract)
		return "user"
	}
}

// contentToParts parses the OpenAI content field, which is either a JSON
// string or an array of {type, text|image_url} parts.
func contentToParts(raw json.RawMessage) ([]upstream.Part, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []upstream.Part{{Text: asString}}, nil
	}

	var asParts []ContentPart
	if err := json.Unmarshal(raw, &asParts); err != nil {
		return nil, fmt.Errorf("content must be a string or an array of parts: %w", err)
	}

	parts := make([]upstream.Part, 0, len(asParts))
	for _, p := range asParts {
		switch p.Type {
		case "text":
			if p.Text != "" {
				parts = append(parts, upstream.Part{Text: p.Text})
			}
		case "image_url":
			if p.ImageURL == nil {
				continue
			}
			mimeType, data, ok := parseDataURI(p.ImageURL.URL)
			if !ok {
				return nil, fmt.Errorf("image_url must be a data: URI")
			}
			parts = append(parts, upstream.Part{InlineData: &upstream.InlineData{MimeType: mimeType, Data: data}})
		}
	}
	return parts, nil
}

// parseDataURI splits a "data:<mime>;base64,<payload>" URI. Remote
// (http/https) image URLs are out of scope: the upstream contract only
// accepts inline base64 media.
func parseDataURI(uri string) (mimeType, data string, ok bool) {
	const prefix = "data:"
	if !strings.HasPrefix(uri, prefix) {
		return "", "", false
	}
	rest := uri[len(prefix):]
	commaIdx := strings.IndexByte(rest, ',')
	if commaIdx < 0 {
		return "", "", false
	}
	meta, payload := rest[:commaIdx], rest[commaIdx+1:]
	meta = strings.TrimSuffix(meta, ";base64")
	if meta == "" {
		meta = "application/octet-stream"
	}
	return meta, payload, true
}

func translateTools(tools []FunctionTool, toolChoice interface{}) ([]upstream.Tool, *upstream.ToolConfig) {
	if len(tools) == 0 {
		return nil, nil
	}

	decls := make([]upstream.FunctionDeclaration, 0, len(tools))
	for _, t := range tools {
		decls = append(decls, upstream.FunctionDeclaration{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			Parameters:  t.Function.Parameters,
		})
	}

	var cfg *upstream.ToolConfig
	switch v := toolChoice.(type) {
	case string:
		switch v {
		case "none":
			cfg = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "NONE"}}
		case "required":
			cfg = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{Mode: "ANY"}}
		}
	case map[string]interface{}:
		if fn, ok := v["function"].(map[string]interface{}); ok {
			if name, ok := fn["name"].(string); ok && name != "" {
				cfg = &upstream.ToolConfig{FunctionCallingConfig: &upstream.FunctionCallingConfig{
					Mode: "ANY", AllowedFunctionNames: []string{name},
				}}
			}
		}
	}

	return []upstream.Tool{{FunctionDeclarations: decls}}, cfg
}

// buildNonStreamingResponse assembles the chat.completion body from a fully
// collected result. Per-tool-call index is intentionally omitted here
// (unlike the streaming chunk shape): ToolCall.Index is left nil, and its
// omitempty tag drops it from the JSON.
func buildNonStreamingResponse(id, model string, created int64, collected sse.Collected) ChatCompletionResponse {
	finishReason := "stop"
	var calls []ToolCall
	if len(collected.ToolCalls) > 0 {
		finishReason = "tool_calls"
		calls = make([]ToolCall, 0, len(collected.ToolCalls))
		for _, tc := range collected.ToolCalls {
			calls = append(calls, ToolCall{
				ID:   tc.ID,
				Type: tc.Type,
				Function: ToolFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
	}

	content, _ := json.Marshal(collected.FullContent)

	return ChatCompletionResponse{
		ID:      id,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []Choice{{
			Index: 0,
			Message: ChatMessage{
				Role:             "assistant",
				Content:          content,
				ToolCalls:        calls,
				ReasoningContent: collected.ReasoningContent,
			},
			FinishReason: finishReason,
		}},
	}
}

// streamChunkFor translates one sse.Event into zero or one
// ChatCompletionChunk. A nil return means the event carries nothing this
// wire shape surfaces on its own (callers still send a terminal chunk via
// streamFinalChunk).
func streamChunkFor(id, model string, created int64, e sse.Event) *ChatCompletionChunk {
	switch e.Kind {
	case sse.EventText:
		return &ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []StreamChoice{{Index: 0, Delta: Delta{Content: e.Text}}},
		}
	case sse.EventThinking:
		return &ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []StreamChoice{{Index: 0, Delta: Delta{ReasoningContent: e.Text}}},
		}
	case sse.EventToolCalls:
		calls := make([]ToolCall, 0, len(e.ToolCalls))
		for _, tc := range e.ToolCalls {
			idx := tc.Index
			calls = append(calls, ToolCall{
				Index: &idx,
				ID:    tc.ID,
				Type:  tc.Type,
				Function: ToolFunction{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		return &ChatCompletionChunk{
			ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
			Choices: []StreamChoice{{Index: 0, Delta: Delta{ToolCalls: calls}}},
		}
	default:
		return nil
	}
}

func streamFinalChunk(id, model string, created int64, sawToolCalls bool) ChatCompletionChunk {
	reason := "stop"
	if sawToolCalls {
		reason = "tool_calls"
	}
	return ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []StreamChoice{{Index: 0, Delta: Delta{}, FinishReason: &reason}},
	}
}

func streamRoleChunk(id, model string, created int64) ChatCompletionChunk {
	return ChatCompletionChunk{
		ID: id, Object: "chat.completion.chunk", Created: created, Model: model,
		Choices: []StreamChoice{{Index: 0, Delta: Delta{Role: "assistant"}}},
	}
}
