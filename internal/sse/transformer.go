// Package sse parses the upstream CloudCode SSE byte stream into structured
// events, tolerating both line fragmentation (a chunk splitting an SSE line
// mid-byte) and tag fragmentation (the <think>/</think> markers spanning two
// payloads).
package sse

import (
	"bytes"
	"encoding/json"
	"strings"

	"cloudrelay/internal/idgen"
)

// EventKind tags the three shapes on_event receives.
type EventKind int

const (
	EventText EventKind = iota
	EventThinking
	EventToolCalls
)

// FunctionCall is the OpenAI-shaped function payload inside a tool call.
type FunctionCall struct {
	Name      string
	Arguments string
}

// ToolCall is one collected tool-call record.
type ToolCall struct {
	Index    int
	ID       string
	Type     string
	Function FunctionCall
}

// Event is the structured item handed to the caller's on_event callback.
type Event struct {
	Kind      EventKind
	Text      string
	ToolCalls []ToolCall
}

type splitterMode int

const (
	modeNormal splitterMode = iota
	modeThinking
)

const (
	openTag  = "<think>"
	closeTag = "</think>"
)

// Transformer is the stateful SSE parser. Not safe for concurrent use by
// more than one goroutine; one Transformer per in-flight request.
type Transformer struct {
	onEvent func(Event)

	lineBuf bytes.Buffer
	textBuf strings.Builder
	mode    splitterMode

	toolCalls []ToolCall
	toolSeq   int
}

// New constructs a Transformer that invokes onEvent for each emitted item.
func New(onEvent func(Event)) *Transformer {
	return &Transformer{onEvent: onEvent}
}

// wireFrame mirrors the upstream contract's per-data-line shape:
// {response:{candidates:[{content:{parts:[...]}, finishReason?}]}}.
type wireFrame struct {
	Response struct {
		Candidates []wireCandidate `json:"candidates"`
	} `json:"response"`
}

type wireCandidate struct {
	Content struct {
		Parts []wirePart `json:"parts"`
	} `json:"content"`
	FinishReason string `json:"finishReason"`
}

type wirePart struct {
	Text         string `json:"text"`
	Thought      bool   `json:"thought"`
	FunctionCall *struct {
		ID              string          `json:"id"`
		Name            string          `json:"name"`
		Args            json.RawMessage `json:"args"`
		ThoughtSigA     string          `json:"thoughtSignature"`
		ThoughtSigB     string          `json:"thought_signature"`
	} `json:"functionCall"`
}

// Feed appends raw bytes from the upstream body and processes every
// complete line found so far. Partial trailing lines are retained in
// line_buffer for the next call.
func (t *Transformer) Feed(chunk []byte) error {
	t.lineBuf.Write(chunk)

	for {
		buf := t.lineBuf.Bytes()
		idx := bytes.IndexByte(buf, '\n')
		if idx < 0 {
			break
		}
		line := append([]byte(nil), buf[:idx]...)
		rest := make([]byte, len(buf)-idx-1)
		copy(rest, buf[idx+1:])
		t.lineBuf.Reset()
		t.lineBuf.Write(rest)

		t.processLine(bytes.TrimRight(line, "\r"))
	}

	return nil
}

// Close flushes any buffered partial tag as a final event in the current
// mode. Call once after the upstream body is fully drained.
func (t *Transformer) Close() error {
	t.runSplitter(true)
	return nil
}

func (t *Transformer) processLine(line []byte) {
	const prefix = "data: "
	if !bytes.HasPrefix(line, []byte(prefix)) {
		return
	}
	payload := line[len(prefix):]
	if len(bytes.TrimSpace(payload)) == 0 {
		return
	}

	var frame wireFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return
	}

	for _, cand := range frame.Response.Candidates {
		for _, part := range cand.Content.Parts {
			switch {
			case part.Thought:
				t.runSplitter(true)
				if part.Text != "" {
					t.emit(Event{Kind: EventThinking, Text: part.Text})
				}
			case part.FunctionCall != nil:
				t.collectToolCall(part)
			case part.Text != "":
				t.textBuf.WriteString(part.Text)
				t.runSplitter(false)
			}
		}

		if cand.FinishReason != "" && len(t.toolCalls) > 0 {
			t.emit(Event{Kind: EventToolCalls, ToolCalls: t.toolCalls})
			t.toolCalls = nil
		}
	}
}

func (t *Transformer) collectToolCall(part wirePart) {
	fc := part.FunctionCall

	id := fc.ID
	if id == "" {
		id = idgen.NewToolCallID(t.toolSeq)
	}
	signature := fc.ThoughtSigA
	if signature == "" {
		signature = fc.ThoughtSigB
	}
	if signature != "" {
		id = id + "::" + signature
	}

	args := "{}"
	if len(fc.Args) > 0 && string(fc.Args) != "null" {
		args = string(fc.Args)
	}

	t.toolCalls = append(t.toolCalls, ToolCall{
		Index: t.toolSeq,
		ID:    id,
		Type:  "function",
		Function: FunctionCall{
			Name:      fc.Name,
			Arguments: args,
		},
	})
	t.toolSeq++
}

// runSplitter runs the two-mode tag splitter over text_buffer. When force
// is true (end of stream, or a thought-flagged part preempting pending
// text) everything remaining is flushed regardless of whether a tag
// boundary was found.
func (t *Transformer) runSplitter(force bool) {
	for {
		buf := t.textBuf.String()

		switch t.mode {
		case modeNormal:
			idx := strings.Index(buf, openTag)
			if idx >= 0 {
				t.flushText(buf[:idx])
				t.resetBuf(buf[idx+len(openTag):])
				t.mode = modeThinking
				continue
			}
			if force {
				t.flushText(buf)
				t.resetBuf("")
			} else if len(buf) > len(openTag)-1 {
				cut := len(buf) - (len(openTag) - 1)
				t.flushText(buf[:cut])
				t.resetBuf(buf[cut:])
			}
			return

		case modeThinking:
			idx := strings.Index(buf, closeTag)
			if idx >= 0 {
				t.flushThinking(buf[:idx])
				t.resetBuf(buf[idx+len(closeTag):])
				t.mode = modeNormal
				continue
			}
			if force {
				t.flushThinking(buf)
				t.resetBuf("")
			} else if len(buf) > len(closeTag)-1 {
				cut := len(buf) - (len(closeTag) - 1)
				t.flushThinking(buf[:cut])
				t.resetBuf(buf[cut:])
			}
			return
		}
	}
}

func (t *Transformer) resetBuf(remainder string) {
	t.textBuf.Reset()
	t.textBuf.WriteString(remainder)
}

func (t *Transformer) flushText(s string) {
	if s == "" {
		return
	}
	t.emit(Event{Kind: EventText, Text: s})
}

func (t *Transformer) flushThinking(s string) {
	if s == "" {
		return
	}
	t.emit(Event{Kind: EventThinking, Text: s})
}

func (t *Transformer) emit(e Event) {
	if t.onEvent != nil {
		t.onEvent(e)
	}
}
