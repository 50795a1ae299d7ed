// Package upstream issues the CloudCode chat-completion call with a
// scheduler-selected credential and retries across credentials on
// transport failure, rate limiting, and 5xx, per the adaptive retry core.
package upstream

import (
	"encoding/json"
)

// InlineData is an inline base64 media part (e.g. an image).
type InlineData struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

// FunctionCall is a model-issued tool invocation, on the request side used
// to echo back an assistant turn's prior tool call.
type FunctionCall struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// FunctionResponse carries a tool's result back to the model as a
// "function" role turn.
type FunctionResponse struct {
	Name     string          `json:"name"`
	Response json.RawMessage `json:"response"`
}

// Part is the union type mirroring the upstream wire shape's content part.
type Part struct {
	Text             string            `json:"text,omitempty"`
	InlineData       *InlineData       `json:"inlineData,omitempty"`
	FunctionCall     *FunctionCall     `json:"functionCall,omitempty"`
	FunctionResponse *FunctionResponse `json:"functionResponse,omitempty"`
}

// Content is one turn in the conversation.
type Content struct {
	Role  string `json:"role"`
	Parts []Part `json:"parts"`
}

// GenerationConfig mirrors the OpenAI sampling parameters translated to
// the upstream's shape.
type GenerationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	TopK            *int     `json:"topK,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

// FunctionDeclaration is one tool's schema, translated from OpenAI's
// `tools[].function`.
type FunctionDeclaration struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool wraps a set of function declarations, matching the upstream's
// tools[] shape.
type Tool struct {
	FunctionDeclarations []FunctionDeclaration `json:"functionDeclarations,omitempty"`
}

// ToolConfig translates OpenAI's tool_choice.
type ToolConfig struct {
	FunctionCallingConfig *FunctionCallingConfig `json:"functionCallingConfig,omitempty"`
}

// FunctionCallingConfig sets the calling mode: AUTO, ANY, or NONE.
type FunctionCallingConfig struct {
	Mode                 string   `json:"mode"`
	AllowedFunctionNames []string `json:"allowedFunctionNames,omitempty"`
}

// SafetySetting matches the upstream's permissive default safety
// configuration, kept from the teacher (BLOCK_NONE across all categories).
type SafetySetting struct {
	Category  string `json:"category"`
	Threshold string `json:"threshold"`
}

// DefaultSafetySettings disables upstream content filtering, matching the
// teacher's documented defaults for this proxy's use case.
var DefaultSafetySettings = []SafetySetting{
	{Category: "HARM_CATEGORY_HARASSMENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_HATE_SPEECH", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_SEXUALLY_EXPLICIT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_DANGEROUS_CONTENT", Threshold: "BLOCK_NONE"},
	{Category: "HARM_CATEGORY_CIVIC_INTEGRITY", Threshold: "BLOCK_NONE"},
}

// Request is the normalized, already-translated request this package sends
// upstream; internal/ingress builds one of these from the OpenAI envelope.
type Request struct {
	Model            string
	Contents         []Content
	GenerationConfig GenerationConfig
	Tools            []Tool
	ToolConfig       *ToolConfig
}

// wireEnvelope is the CloudCode request envelope: the selected credential's
// project_id plus the inner generateContent request.
type wireEnvelope struct {
	Project string      `json:"project"`
	Request wireRequest `json:"request"`
}

type wireRequest struct {
	Contents         []Content        `json:"contents"`
	GenerationConfig GenerationConfig `json:"generationConfig"`
	Tools            []Tool           `json:"tools,omitempty"`
	ToolConfig       *ToolConfig      `json:"toolConfig,omitempty"`
	SafetySettings   []SafetySetting  `json:"safetySettings"`
	Model            string           `json:"model"`
}

func buildWirePayload(req Request, projectID string) ([]byte, error) {
	return json.Marshal(wireEnvelope{
		Project: projectID,
		Request: wireRequest{
			Contents:         req.Contents,
			GenerationConfig: req.GenerationConfig,
			Tools:            req.Tools,
			ToolConfig:       req.ToolConfig,
			SafetySettings:   DefaultSafetySettings,
			Model:            req.Model,
		},
	})
}
