package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"cloudrelay/internal/credstore"
	"cloudrelay/internal/scheduler"
	"cloudrelay/internal/sse"
)

func newScheduler(t *testing.T, creds []credstore.Credential, perTokenConcurrency int) *scheduler.Scheduler {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	data, err := json.Marshal(creds)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}
	store := credstore.New(path, nil)
	return scheduler.New(store, scheduler.Config{PerTokenConcurrency: perTokenConcurrency}, nil, nil)
}

func freshCred(token string) credstore.Credential {
	return credstore.Credential{
		RefreshToken: token,
		AccessToken:  "valid",
		ExpiresIn:    3600,
		Timestamp:    nowMilliForTest(),
		Enable:       true,
	}
}

func nowMilliForTest() int64 {
	return 1_900_000_000_000 // far enough in the future to never look "issued long ago"; paired with ExpiresIn keeps it unexpired.
}

func TestGenerateHappyPathEmitsTextEvent(t *testing.T) {
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hello"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}))
	defer upstreamServer.Close()

	sched := newScheduler(t, []credstore.Credential{freshCred("rt-1")}, 2)
	client := New(http.DefaultClient, sched, Config{APIURL: upstreamServer.URL, APIHost: "test", UserAgent: "test"}, nil)

	var events []sse.Event
	err := client.Generate(context.Background(), Request{Model: "gemini-2.5-pro"}, func(e sse.Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Kind != sse.EventText || events[0].Text != "Hello" {
		t.Fatalf("expected single text event Hello, got %+v", events)
	}

	entries, _ := sched.AllStats()
	if entries[0].SuccessCount != 1 {
		t.Fatalf("expected success_count=1, got %+v", entries[0])
	}
	if entries[0].ActiveCount != 0 {
		t.Fatalf("expected active_count back to 0, got %d", entries[0].ActiveCount)
	}
}

func TestGenerateRotatesOnRateLimit(t *testing.T) {
	var calls int32
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.Header().Set("Retry-After", "30")
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error":{"message":"rate limited"}}`))
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"ok"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}))
	defer upstreamServer.Close()

	sched := newScheduler(t, []credstore.Credential{freshCred("rt-a"), freshCred("rt-b")}, 2)
	client := New(http.DefaultClient, sched, Config{APIURL: upstreamServer.URL, APIHost: "test", UserAgent: "test", MaxRetries: 3}, nil)

	var events []sse.Event
	err := client.Generate(context.Background(), Request{Model: "gemini-2.5-pro"}, func(e sse.Event) {
		events = append(events, e)
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(events) != 1 || events[0].Text != "ok" {
		t.Fatalf("expected successful text event from second credential, got %+v", events)
	}

	entries, _ := sched.AllStats()
	var rateLimited, succeeded bool
	for _, e := range entries {
		if e.FailureCount == 1 {
			rateLimited = true
		}
		if e.SuccessCount == 1 {
			succeeded = true
		}
	}
	if !rateLimited || !succeeded {
		t.Fatalf("expected one credential rate-limited and the other to succeed, got %+v", entries)
	}
}
