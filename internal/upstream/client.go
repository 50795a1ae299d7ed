package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"

	"go.uber.org/zap"

	"cloudrelay/internal/apierr"
	"cloudrelay/internal/scheduler"
	"cloudrelay/internal/sse"
)

// Config tunes the retry loop and fixed request headers.
type Config struct {
	APIURL      string
	APIHost     string
	UserAgent   string
	MaxRetries  int // default 3
}

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	return c
}

// Client issues one chat completion against upstream, retrying across
// credentials per §4.4.
type Client struct {
	httpClient *http.Client
	scheduler  *scheduler.Scheduler
	cfg        Config
	log        *zap.Logger
}

// New constructs a Client.
func New(httpClient *http.Client, sched *scheduler.Scheduler, cfg Config, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{httpClient: httpClient, scheduler: sched, cfg: cfg.withDefaults(), log: log}
}

// Generate executes req against upstream, retrying across credentials on
// transport failure, 429, and 5xx, and streams structured events to
// onEvent. Once the streaming phase begins (a 2xx response body is being
// read), no further retry is attempted: partial output may already have
// reached the client.
func (c *Client) Generate(ctx context.Context, req Request, onEvent func(sse.Event)) *apierr.Error {
	tried := make(map[string]bool)
	return c.attempt(ctx, req, onEvent, tried, 0)
}

func (c *Client) attempt(ctx context.Context, req Request, onEvent func(sse.Event), tried map[string]bool, retryCount int) *apierr.Error {
	sel, selErr := c.scheduler.Select(ctx, tried)
	if selErr != nil {
		return selErr
	}
	cred := sel.Credential

	payload, err := buildWirePayload(req, cred.ProjectID)
	if err != nil {
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{Kind: scheduler.OutcomeKindServerError, Message: err.Error()})
		return apierr.StreamError("failed to encode upstream request: " + err.Error())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(payload))
	if err != nil {
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{Kind: scheduler.OutcomeKindNetworkError, Message: err.Error()})
		return apierr.NetworkError(err.Error())
	}
	httpReq.Header.Set("Host", c.cfg.APIHost)
	httpReq.Header.Set("User-Agent", c.cfg.UserAgent)
	httpReq.Header.Set("Authorization", "Bearer "+cred.AccessToken)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{Kind: scheduler.OutcomeKindNetworkError, Message: err.Error()})
		tried[cred.RefreshToken] = true
		if retryCount+1 >= c.cfg.MaxRetries {
			return apierr.NetworkError("network retries exhausted: " + err.Error())
		}
		return c.attempt(ctx, req, onEvent, tried, retryCount+1)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{
			Kind: scheduler.OutcomeKindAuthFailed, StatusCode: resp.StatusCode, Message: string(body),
		})
		return apierr.HttpError(resp.StatusCode, string(body), 0)

	case resp.StatusCode == http.StatusTooManyRequests:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		retryAfterMs, _ := apierr.ResolveRetryAfterMillis(resp.Header.Get("Retry-After"), body)
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{
			Kind: scheduler.OutcomeKindRateLimited, StatusCode: resp.StatusCode,
			RetryAfterMillis: retryAfterMs, Message: string(body),
		})
		tried[cred.RefreshToken] = true
		if retryCount+1 >= c.cfg.MaxRetries {
			return apierr.HttpError(resp.StatusCode, string(body), int(retryAfterMs/1000))
		}
		return c.attempt(ctx, req, onEvent, tried, retryCount+1)

	case resp.StatusCode >= 500:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{
			Kind: scheduler.OutcomeKindServerError, StatusCode: resp.StatusCode, Message: string(body),
		})
		tried[cred.RefreshToken] = true
		if retryCount+1 >= c.cfg.MaxRetries {
			return apierr.HttpError(resp.StatusCode, string(body), 0)
		}
		return c.attempt(ctx, req, onEvent, tried, retryCount+1)

	case resp.StatusCode >= 400:
		// A plain 4xx (not 401/403/429) is a client/validation-shaped
		// failure, not a credential or upstream-health problem: record it
		// without touching cooldown_until or consecutive_429_count.
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		resp.Body.Close()
		c.scheduler.Release(cred.RefreshToken, scheduler.Outcome{
			Kind: scheduler.OutcomeKindError, StatusCode: resp.StatusCode, Message: string(body),
		})
		return apierr.HttpError(resp.StatusCode, string(body), 0)
	}

	return c.stream(cred.RefreshToken, resp, onEvent)
}

// stream hands the 2xx response body to the SSE transformer, releasing the
// credential in a guaranteed-exit path so a crash between success and
// release cannot leak active_count.
func (c *Client) stream(refreshToken string, resp *http.Response, onEvent func(sse.Event)) (outErr *apierr.Error) {
	defer resp.Body.Close()

	released := false
	release := func(outcome scheduler.Outcome) {
		if !released {
			c.scheduler.Release(refreshToken, outcome)
			released = true
		}
	}
	defer func() {
		if !released {
			release(scheduler.Outcome{Kind: scheduler.OutcomeKindSuccess})
		}
	}()

	tr := sse.New(onEvent)

	buf := make([]byte, 32*1024)
	for {
		n, err := resp.Body.Read(buf)
		if n > 0 {
			if feedErr := tr.Feed(buf[:n]); feedErr != nil {
				release(scheduler.Outcome{Kind: scheduler.OutcomeKindServerError, Message: feedErr.Error()})
				return apierr.StreamError("stream parse failure: " + feedErr.Error())
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			release(scheduler.Outcome{Kind: scheduler.OutcomeKindNetworkError, Message: err.Error()})
			return apierr.StreamError("stream read failure: " + err.Error())
		}
	}

	if err := tr.Close(); err != nil {
		release(scheduler.Outcome{Kind: scheduler.OutcomeKindServerError, Message: err.Error()})
		return apierr.StreamError("stream close failure: " + err.Error())
	}

	release(scheduler.Outcome{Kind: scheduler.OutcomeKindSuccess})
	return nil
}
