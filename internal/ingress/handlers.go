package ingress

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"cloudrelay/internal/apierr"
	"cloudrelay/internal/config"
	"cloudrelay/internal/idgen"
	"cloudrelay/internal/queue"
	"cloudrelay/internal/scheduler"
	"cloudrelay/internal/sse"
	"cloudrelay/internal/upstream"
)

// Server holds the fully wired dependencies this proxy's handlers need.
// Nothing here is a process-wide singleton: cmd/server constructs one
// Server and hands its Routes() to http.Server.
type Server struct {
	cfg    *config.Config
	queue  *queue.Queue
	client *upstream.Client
	sched  *scheduler.Scheduler
	log    *zap.Logger
}

// NewServer wires the handlers to their dependencies.
func NewServer(cfg *config.Config, q *queue.Queue, client *upstream.Client, sched *scheduler.Scheduler, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{cfg: cfg, queue: q, client: client, sched: sched, log: log}
}

// Routes registers the four endpoints: the /v1/* routes behind the
// request-size and bearer-auth middleware, /api/stats behind the
// request-size limit only, and /health with no middleware.
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/chat/completions", s.withMiddleware(s.HandleChatCompletions))
	mux.HandleFunc("/v1/models", s.withMiddleware(s.HandleListModels))
	mux.HandleFunc("/health", s.HandleHealth)
	mux.HandleFunc("/api/stats", s.withRequestSizeLimit(s.HandleStats))
	return mux
}

// withMiddleware gates a /v1/* route behind the request-size limit and,
// when configured, bearer auth.
func (s *Server) withMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return s.withRequestSizeLimit(func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			writeErrorBody(w, http.StatusUnauthorized, "Invalid authentication credentials", "invalid_request_error")
			return
		}
		next(w, r)
	})
}

// withRequestSizeLimit applies the body-size cap. withMiddleware wraps it for
// /v1/*; /api/stats uses it alone, since bearer auth is scoped to /v1/* only.
func (s *Server) withRequestSizeLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.SecurityMaxRequestSize)
		next(w, r)
	}
}

func (s *Server) authenticate(r *http.Request) bool {
	if s.cfg.SecurityAPIKey == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "Bearer ") {
		return false
	}
	token := strings.TrimPrefix(header, "Bearer ")
	return token != "" && token == s.cfg.SecurityAPIKey
}

// HandleChatCompletions implements POST /v1/chat/completions: admission,
// translation, the retry-core round trip, and either SSE streaming or a
// single JSON body, depending on the request's stream flag.
func (s *Server) HandleChatCompletions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeErrorBody(w, http.StatusMethodNotAllowed, "Method not allowed", "invalid_request_error")
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeErrorBody(w, http.StatusBadRequest, "Failed to read request body", "invalid_request_error")
		return
	}

	var req ChatCompletionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeErrorBody(w, http.StatusBadRequest, "Invalid JSON in request body", "invalid_request_error")
		return
	}

	s.log.Info("chat completion request", zap.String("model", req.Model), zap.Bool("stream", req.Stream))

	upstreamReq, apiErr := buildUpstreamRequest(req, s.cfg)
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}

	execCtx, release, apiErr := s.queue.Admit(r.Context())
	if apiErr != nil {
		writeAPIError(w, apiErr)
		return
	}
	defer release.Fire()

	completionID := idgen.NewCompletionID()
	created := time.Now().Unix()

	if req.Stream {
		s.streamChatCompletion(w, execCtx, upstreamReq, completionID, created)
		return
	}
	s.collectChatCompletion(w, execCtx, upstreamReq, completionID, created)
}

// collectChatCompletion runs against execCtx, the queue's deadline-bound
// context covering the whole admitted request (queueing plus execution), per
// §4.3. No response bytes have been written yet at this point, so a deadline
// firing here always maps to a clean 504 timeout body rather than a torn
// connection.
func (s *Server) collectChatCompletion(w http.ResponseWriter, execCtx context.Context, req upstream.Request, id string, created int64) {
	collector := sse.NewCollector(sse.ThinkingOutput(s.cfg.ThinkingOutput))

	apiErr := s.client.Generate(execCtx, req, collector.OnEvent)
	if execCtx.Err() == context.DeadlineExceeded {
		writeAPIError(w, apierr.Timeout("admission queue timeout exceeded while awaiting upstream"))
		return
	}
	if apiErr != nil {
		s.log.Warn("chat completion failed", zap.String("kind", apiErr.Kind.String()), zap.Error(apiErr))
		writeAPIError(w, apiErr)
		return
	}

	resp := buildNonStreamingResponse(id, req.Model, created, collector.Result())
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// streamChatCompletion writes response headers before calling Generate, so
// unlike the non-streaming path a deadline firing here always means headers
// were already sent: per §4.3 the connection is terminated rather than a 504
// body being emitted.
func (s *Server) streamChatCompletion(w http.ResponseWriter, execCtx context.Context, req upstream.Request, id string, created int64) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorBody(w, http.StatusInternalServerError, "Streaming not supported", "api_error")
		return
	}

	writeChunk(w, streamRoleChunk(id, req.Model, created))
	flusher.Flush()

	sawToolCalls := false
	apiErr := s.client.Generate(execCtx, req, func(e sse.Event) {
		if e.Kind == sse.EventToolCalls {
			sawToolCalls = true
		}
		if chunk := streamChunkFor(id, req.Model, created, e); chunk != nil {
			writeChunk(w, *chunk)
			flusher.Flush()
		}
	})

	if execCtx.Err() == context.DeadlineExceeded {
		// Headers are already on the wire; per the queue's timeout contract
		// the connection is simply terminated, no further frames written.
		return
	}

	if apiErr != nil {
		writeSSEError(w, apiErr)
		flusher.Flush()
		fmt.Fprint(w, "data: [DONE]\n\n")
		flusher.Flush()
		return
	}

	writeChunk(w, streamFinalChunk(id, req.Model, created, sawToolCalls))
	fmt.Fprint(w, "data: [DONE]\n\n")
	flusher.Flush()
}

func writeChunk(w http.ResponseWriter, chunk ChatCompletionChunk) {
	data, err := json.Marshal(chunk)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}

func writeSSEError(w http.ResponseWriter, apiErr *apierr.Error) {
	body := ErrorBody{}
	body.Error.Message = apiErr.Error()
	body.Error.Type = apiErr.Kind.String()
	body.Error.Code = apiErr.Kind.HTTPStatus()
	data, _ := json.Marshal(body)
	fmt.Fprintf(w, "data: %s\n\n", data)
}

// HandleListModels implements GET /v1/models from the static catalog.
func (s *Server) HandleListModels(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeErrorBody(w, http.StatusMethodNotAllowed, "Method not allowed", "invalid_request_error")
		return
	}

	entries := make([]ModelListEntry, 0, len(config.SupportedModels))
	for _, m := range config.SupportedModels {
		entries = append(entries, ModelListEntry{
			ID:               m.ID,
			Object:           "model",
			Created:          0,
			OwnedBy:          "google",
			InputTokenLimit:  m.InputTokenLimit,
			OutputTokenLimit: m.OutputTokenLimit,
			Temperature:      m.Temperature,
			TopP:             m.TopP,
			TopK:             m.TopK,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(ModelListResponse{Object: "list", Data: entries})
}

// HandleHealth implements GET /health: the admission queue's point-in-time
// snapshot plus the concurrency configuration that produced it. Not behind
// the API-key middleware, matching a liveness probe's usual contract.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.queue.Status()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":       "ok",
		"concurrency":  status.Concurrency,
		"in_flight":    status.InFlight,
		"waiting":      status.Waiting,
		"paused":       status.Paused,
		"enabled_credentials": s.sched.EnabledCount(),
	})
}

// HandleStats implements GET /api/stats: per-credential rows plus an
// aggregate summary from the scheduler.
func (s *Server) HandleStats(w http.ResponseWriter, r *http.Request) {
	entries, summary := s.sched.AllStats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"credentials": entries,
		"summary":     summary,
	})
}

func writeAPIError(w http.ResponseWriter, apiErr *apierr.Error) {
	if apiErr.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(apiErr.RetryAfterSeconds))
	}
	writeErrorBody(w, apiErr.Kind.HTTPStatus(), apiErr.Error(), apiErr.Kind.String())
}

func writeErrorBody(w http.ResponseWriter, status int, message, errType string) {
	body := ErrorBody{}
	body.Error.Message = message
	body.Error.Type = errType
	body.Error.Code = status
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
