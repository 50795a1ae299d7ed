package sse

import "strings"

// ThinkingOutput controls how thinking events are folded into the
// non-streaming result, mirroring the thinking.output configuration key.
type ThinkingOutput string

const (
	ThinkingReasoningContent ThinkingOutput = "reasoning_content"
	ThinkingRaw              ThinkingOutput = "raw"
	ThinkingFilter           ThinkingOutput = "filter"
)

// Collected is the non-streaming accumulation of a transformer's events.
type Collected struct {
	FullContent      string
	ReasoningContent string
	ToolCalls        []ToolCall
}

// Collector accumulates streamed events into a single non-streaming
// result, honoring the configured thinking-output policy.
type Collector struct {
	mode    ThinkingOutput
	content strings.Builder
	reason  strings.Builder
	calls   []ToolCall
}

// NewCollector returns a Collector whose OnEvent method is suitable for
// passing to upstream.Generate or a Transformer directly.
func NewCollector(mode ThinkingOutput) *Collector {
	return &Collector{mode: mode}
}

// OnEvent is fed directly as the on_event callback.
func (c *Collector) OnEvent(e Event) {
	switch e.Kind {
	case EventText:
		c.content.WriteString(e.Text)
	case EventThinking:
		switch c.mode {
		case ThinkingRaw:
			c.content.WriteString(e.Text)
		case ThinkingFilter:
			// dropped
		default: // ThinkingReasoningContent
			c.reason.WriteString(e.Text)
		}
	case EventToolCalls:
		c.calls = append(c.calls, e.ToolCalls...)
	}
}

// Result returns the accumulated, non-streaming shape. The caller (ingress)
// is responsible for omitting the per-tool-call Index field when
// marshaling the non-streaming response, since streaming responses keep it.
func (c *Collector) Result() Collected {
	return Collected{
		FullContent:      c.content.String(),
		ReasoningContent: c.reason.String(),
		ToolCalls:        c.calls,
	}
}
