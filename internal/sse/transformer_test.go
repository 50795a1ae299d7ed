package sse

import (
	"fmt"
	"strings"
	"testing"
)

func frame(text string, thought bool, finish string) string {
	thoughtField := ""
	if thought {
		thoughtField = `,"thought":true`
	}
	finishField := ""
	if finish != "" {
		finishField = fmt.Sprintf(`,"finishReason":%q`, finish)
	}
	return fmt.Sprintf(`data: {"response":{"candidates":[{"content":{"parts":[{"text":%q%s}]}%s}]}}`+"\n\n",
		text, thoughtField, finishField)
}

func collectEvents(t *testing.T, feedChunks []string) []Event {
	t.Helper()
	var events []Event
	tr := New(func(e Event) { events = append(events, e) })
	for _, chunk := range feedChunks {
		if err := tr.Feed([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tr.Close(); err != nil {
		t.Fatal(err)
	}
	return events
}

func TestSingleCredentialHappyPathScenario(t *testing.T) {
	events := collectEvents(t, []string{frame("Hello", false, "STOP")})
	if len(events) != 1 || events[0].Kind != EventText || events[0].Text != "Hello" {
		t.Fatalf("expected single text event 'Hello', got %+v", events)
	}
}

func TestReasoningSplitAcrossChunksScenario(t *testing.T) {
	events := collectEvents(t, []string{
		frame("A<thi", false, ""),
		frame("nk>B</think>C", false, "STOP"),
	})

	var texts, thinkings []string
	for _, e := range events {
		switch e.Kind {
		case EventText:
			texts = append(texts, e.Text)
		case EventThinking:
			thinkings = append(thinkings, e.Text)
		}
	}

	if strings.Join(texts, "") != "AC" {
		t.Fatalf("expected concatenated text 'AC', got %v", texts)
	}
	if strings.Join(thinkings, "") != "B" {
		t.Fatalf("expected concatenated thinking 'B', got %v", thinkings)
	}
}

func TestTagSplitterRoundTripAtEveryChunkBoundary(t *testing.T) {
	original := "before <think>reasoning here</think> after more text <think>again</think> tail"
	withoutTags := strings.NewReplacer("<think>", "", "</think>", "").Replace(original)

	for cut := 0; cut <= len(original); cut++ {
		first, second := original[:cut], original[cut:]

		var all strings.Builder
		tr := New(func(e Event) {
			switch e.Kind {
			case EventText, EventThinking:
				all.WriteString(e.Text)
			}
		})

		// Feed the raw characters directly through the splitter (bypassing
		// the data: line framing, since this property is about tag
		// fragmentation tolerance specifically).
		tr.textBuf.WriteString(first)
		tr.runSplitter(false)
		tr.textBuf.WriteString(second)
		tr.runSplitter(false)
		tr.Close()

		got := all.String()
		if got != withoutTags {
			t.Fatalf("cut=%d: round-trip mismatch: got %q want %q", cut, got, withoutTags)
		}
	}
}

func TestToolCallCollectionAndFinishReasonFlush(t *testing.T) {
	var events []Event
	tr := New(func(e Event) { events = append(events, e) })

	line := `data: {"response":{"candidates":[{"content":{"parts":[{"functionCall":{"name":"lookup","args":{"q":"x"}}}]},"finishReason":"STOP"}]}}` + "\n\n"
	if err := tr.Feed([]byte(line)); err != nil {
		t.Fatal(err)
	}
	tr.Close()

	var toolEvents []Event
	for _, e := range events {
		if e.Kind == EventToolCalls {
			toolEvents = append(toolEvents, e)
		}
	}
	if len(toolEvents) != 1 {
		t.Fatalf("expected exactly one tool_calls event, got %d", len(toolEvents))
	}
	calls := toolEvents[0].ToolCalls
	if len(calls) != 1 || calls[0].Function.Name != "lookup" {
		t.Fatalf("unexpected tool calls: %+v", calls)
	}
	if calls[0].Function.Arguments != `{"q":"x"}` {
		t.Fatalf("expected stringified args, got %q", calls[0].Function.Arguments)
	}
	if calls[0].ID == "" {
		t.Fatal("expected a synthesized tool call id")
	}
}

func TestLineFragmentationAcrossFeedCalls(t *testing.T) {
	full := frame("split across feeds", false, "STOP")
	mid := len(full) / 2

	var events []Event
	tr := New(func(e Event) { events = append(events, e) })
	tr.Feed([]byte(full[:mid]))
	tr.Feed([]byte(full[mid:]))
	tr.Close()

	var text strings.Builder
	for _, e := range events {
		if e.Kind == EventText {
			text.WriteString(e.Text)
		}
	}
	if text.String() != "split across feeds" {
		t.Fatalf("expected reassembled text, got %q", text.String())
	}
}
