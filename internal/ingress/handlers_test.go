package ingress

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"cloudrelay/internal/config"
	"cloudrelay/internal/credstore"
	"cloudrelay/internal/queue"
	"cloudrelay/internal/scheduler"
	"cloudrelay/internal/upstream"
)

func newTestServer(t *testing.T, upstreamURL string, cfg *config.Config, qCfg queue.Config) *Server {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "accounts.json")
	creds := []credstore.Credential{{
		RefreshToken: "rt-1",
		AccessToken:  "valid",
		ExpiresIn:    3600,
		Timestamp:    1_900_000_000_000,
		Enable:       true,
	}}
	data, err := json.Marshal(creds)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	store := credstore.New(path, nil)
	sched := scheduler.New(store, scheduler.Config{PerTokenConcurrency: 2}, nil, nil)
	client := upstream.New(http.DefaultClient, sched, upstream.Config{APIURL: upstreamURL, APIHost: "test", UserAgent: "test"}, nil)
	q := queue.New(qCfg)

	if cfg == nil {
		cfg = baseTestConfig()
	}
	return NewServer(cfg, q, client, sched, nil)
}

func baseTestConfig() *config.Config {
	return &config.Config{
		DefaultTemperature:     1.0,
		DefaultTopP:            0.95,
		DefaultTopK:            64,
		DefaultMaxTokens:       8192,
		SecurityMaxRequestSize: 10 << 20,
		ThinkingOutput:         config.ThinkingReasoningContent,
	}
}

func TestHandleChatCompletionsNonStreamingHappyPath(t *testing.T) {
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"Hi there"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}))
	defer upstreamServer.Close()

	srv := newTestServer(t, upstreamServer.URL, nil, queue.Config{MaxConcurrent: 2, QueueLimit: 10, Timeout: 5 * time.Second})

	reqBody := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp ChatCompletionResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	require.Equal(t, "stop", resp.Choices[0].FinishReason)

	var content string
	require.NoError(t, json.Unmarshal(resp.Choices[0].Message.Content, &content))
	require.Equal(t, "Hi there", content)
}

func TestHandleChatCompletionsStreamingEmitsDoneMarker(t *testing.T) {
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"chunked"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}))
	defer upstreamServer.Close()

	srv := newTestServer(t, upstreamServer.URL, nil, queue.Config{MaxConcurrent: 2, QueueLimit: 10, Timeout: 5 * time.Second})

	reqBody := `{"model":"gemini-2.5-pro","stream":true,"messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.True(t, strings.Contains(body, "chunked"))
	require.True(t, strings.HasSuffix(body, "data: [DONE]\n\n"))
}

func TestHandleChatCompletionsRejectsMissingModel(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", nil, queue.Config{MaxConcurrent: 2, QueueLimit: 10, Timeout: 5 * time.Second})

	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(`{"messages":[{"role":"user","content":"hi"}]}`))
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestAuthenticationRejectsWrongBearerToken(t *testing.T) {
	cfg := baseTestConfig()
	cfg.SecurityAPIKey = "secret-key"
	srv := newTestServer(t, "http://unused.invalid", cfg, queue.Config{MaxConcurrent: 2, QueueLimit: 10, Timeout: 5 * time.Second})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthenticationAcceptsCorrectBearerToken(t *testing.T) {
	cfg := baseTestConfig()
	cfg.SecurityAPIKey = "secret-key"
	srv := newTestServer(t, "http://unused.invalid", cfg, queue.Config{MaxConcurrent: 2, QueueLimit: 10, Timeout: 5 * time.Second})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret-key")
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleListModelsReturnsCatalog(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", nil, queue.Config{MaxConcurrent: 2, QueueLimit: 10, Timeout: 5 * time.Second})

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var resp ModelListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, len(config.SupportedModels), len(resp.Data))
}

func TestHandleHealthReportsQueueSnapshot(t *testing.T) {
	srv := newTestServer(t, "http://unused.invalid", nil, queue.Config{MaxConcurrent: 3, QueueLimit: 10, Timeout: 5 * time.Second})

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(3), body["concurrency"])
}

func TestHandleChatCompletionsReturns503WhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`data: {"response":{"candidates":[{"content":{"parts":[{"text":"late"}]},"finishReason":"STOP"}]}}` + "\n\n"))
	}))
	defer upstreamServer.Close()
	defer close(release)

	// One concurrency slot and a queue depth of one: the first request holds
	// the slot, the second waits, and the third must be rejected immediately
	// rather than wait.
	srv := newTestServer(t, upstreamServer.URL, nil, queue.Config{MaxConcurrent: 1, QueueLimit: 1, Timeout: 5 * time.Second})

	reqBody := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hello"}]}`

	done := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		close(done)
	}()

	// Give the first request time to occupy the slot before queueing the
	// second one.
	time.Sleep(50 * time.Millisecond)

	doneWaiting := make(chan struct{})
	go func() {
		req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
		rec := httptest.NewRecorder()
		srv.Routes().ServeHTTP(rec, req)
		close(doneWaiting)
	}()

	// Give the second request time to register as waiting before firing the
	// third one synchronously.
	time.Sleep(50 * time.Millisecond)

	req3 := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec3 := httptest.NewRecorder()
	srv.Routes().ServeHTTP(rec3, req3)

	require.Equal(t, http.StatusServiceUnavailable, rec3.Code)

	<-done
	<-doneWaiting
}

func TestHandleChatCompletionsReturns504WhenHandlerOutlivesQueueTimeout(t *testing.T) {
	block := make(chan struct{})
	upstreamServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done() // never respond; only the client's deadline ends this
	}))
	defer upstreamServer.Close()
	defer close(block)

	// The queue's timeout must bound the handler's execution, not just the
	// FIFO wait: there's no contention here (MaxConcurrent covers the one
	// request), so a timeout that still fires proves it covers the upstream
	// round trip itself.
	srv := newTestServer(t, upstreamServer.URL, nil, queue.Config{MaxConcurrent: 1, QueueLimit: 1, Timeout: 50 * time.Millisecond})

	reqBody := `{"model":"gemini-2.5-pro","messages":[{"role":"user","content":"hello"}]}`
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", strings.NewReader(reqBody))
	rec := httptest.NewRecorder()

	srv.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusGatewayTimeout, rec.Code)

	var body ErrorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, "timeout", body.Error.Type)
}
