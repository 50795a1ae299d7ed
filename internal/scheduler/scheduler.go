// Package scheduler selects a credential for each request, honoring
// per-credential concurrency caps and cooldowns, refreshes expired access
// tokens transparently, and disables credentials whose refresh token has
// gone bad. It owns all the scheduling state: active counts, per-credential
// stats, and the enabled list snapshot.
package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2/google"

	"cloudrelay/internal/apierr"
	"cloudrelay/internal/credstore"
)

// Status is the overlaid, real-time status of a credential.
type Status string

const (
	StatusIdle        Status = "idle"
	StatusActive       Status = "active"
	StatusRateLimited Status = "rate_limited"
	StatusDisabled    Status = "disabled"
)

// LastOutcome classifies the most recent terminal event for a credential.
type LastOutcome string

const (
	OutcomeUnused       LastOutcome = "unused"
	OutcomeSuccess      LastOutcome = "success"
	OutcomeRateLimited  LastOutcome = "rate_limited"
	OutcomeAuthFailed   LastOutcome = "auth_failed"
	OutcomeServerError  LastOutcome = "server_error"
	OutcomeNetworkError LastOutcome = "network_error"
	OutcomeError        LastOutcome = "error"
)

// LastError records the most recent failure on a credential.
type LastError struct {
	StatusCode     int
	Message        string
	TimestampMilli int64
	IsNetworkError bool
}

// CredentialStats are the in-memory per-credential counters. Created lazily
// on first reference; never persisted.
type CredentialStats struct {
	TotalRequests       int64
	SuccessCount        int64
	FailureCount        int64
	RefreshCount        int64
	LastUsedTimeMilli   int64
	LastError           *LastError
	Status              Status
	CooldownUntilMilli  int64 // 0 means no cooldown
	Consecutive429Count int
	LastOutcome         LastOutcome
}

// Config tunes the scheduler's selection and refresh behavior.
type Config struct {
	PerTokenConcurrency int // P in the selection algorithm, default 2
	ClientID            string
	ClientSecret        string
	TokenEndpoint       string
	DefaultCooldownMs   int64 // fixed delay on 429 without Retry-After
}

func (c Config) withDefaults() Config {
	if c.PerTokenConcurrency <= 0 {
		c.PerTokenConcurrency = 2
	}
	if c.DefaultCooldownMs <= 0 {
		c.DefaultCooldownMs = 2000
	}
	if c.TokenEndpoint == "" {
		c.TokenEndpoint = google.Endpoint.TokenURL
	}
	return c
}

// Scheduler is the single owner of active_counts, stats, and the enabled
// credential list.
type Scheduler struct {
	store  *credstore.Store
	cfg    Config
	log    *zap.Logger
	client *http.Client

	mu           sync.Mutex
	enabled      []credstore.Credential
	activeCounts map[string]int
	stats        map[string]*CredentialStats

	refreshLocks sync.Map // refresh_token -> *sync.Mutex, dedupes concurrent refreshes
}

// New constructs a Scheduler bound to store, loading the initial enabled
// set immediately.
func New(store *credstore.Store, cfg Config, httpClient *http.Client, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	s := &Scheduler{
		store:        store,
		cfg:          cfg.withDefaults(),
		log:          log,
		client:       httpClient,
		activeCounts: make(map[string]int),
		stats:        make(map[string]*CredentialStats),
	}
	s.enabled = store.Load()
	for _, c := range s.enabled {
		s.statFor(c.RefreshToken)
	}
	return s
}

// EnabledCount returns the current number of enabled credentials, used to
// resolve the admission queue's "auto" max_concurrent.
func (s *Scheduler) EnabledCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.enabled)
}

func (s *Scheduler) statFor(refreshToken string) *CredentialStats {
	// caller holds s.mu
	st, ok := s.stats[refreshToken]
	if !ok {
		st = &CredentialStats{Status: StatusIdle, LastOutcome: OutcomeUnused}
		s.stats[refreshToken] = st
	}
	return st
}

// Selection is the handle returned to the retry loop: a read-only
// credential snapshot plus the bookkeeping needed to release it.
type Selection struct {
	Credential credstore.Credential
}

// Select implements §4.2's selection algorithm, including the refresh-on-
// selection sub-loop. tried is mutated in place across a request's retry
// chain; the scheduler never returns the same credential twice for the
// same tried set.
func (s *Scheduler) Select(ctx context.Context, tried map[string]bool) (*Selection, *apierr.Error) {
	for {
		cred, failErr := s.pickCandidate(tried)
		if failErr != nil {
			return nil, failErr
		}

		if isExpired(cred) {
			refreshed, err := s.refresh(ctx, cred)
			if err != nil {
				s.decrementActive(cred.RefreshToken)
				s.recordRefreshFailure(cred.RefreshToken, err)
				tried[cred.RefreshToken] = true
				continue
			}
			cred = refreshed
		}

		return &Selection{Credential: cred}, nil
	}
}

// pickCandidate performs one pass of the selection algorithm: find the
// least-loaded untried, non-cooling, non-overloaded credential, and
// reserve it by incrementing its active count before returning.
func (s *Scheduler) pickCandidate(tried map[string]bool) (credstore.Credential, *apierr.Error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowMilli()

	var (
		best        *credstore.Credential
		bestActive  = math.MaxInt32
		anyCooling  = false
		anyOverload = false
		anyUntried  = false
		minCooldown int64
	)

	for i := range s.enabled {
		c := s.enabled[i]
		if tried[c.RefreshToken] {
			continue
		}
		anyUntried = true

		st := s.statFor(c.RefreshToken)
		if st.CooldownUntilMilli > now {
			anyCooling = true
			remaining := st.CooldownUntilMilli - now
			if minCooldown == 0 || remaining < minCooldown {
				minCooldown = remaining
			}
			continue
		}

		active := s.activeCounts[c.RefreshToken]
		if active >= s.cfg.PerTokenConcurrency {
			anyOverload = true
			continue
		}

		if active < bestActive {
			bestActive = active
			cCopy := c
			best = &cCopy
		}
	}

	if best != nil {
		s.activeCounts[best.RefreshToken]++
		return *best, nil
	}

	if !anyUntried {
		return credstore.Credential{}, apierr.NoCredentials("no untried credentials remain", 0)
	}
	if anyCooling && !anyOverload {
		secs := int(math.Ceil(float64(minCooldown) / 1000))
		return credstore.Credential{}, apierr.NoCredentials(
			fmt.Sprintf("all remaining credentials are cooling for up to %ds", secs), secs)
	}
	if anyOverload {
		return credstore.Credential{}, apierr.NoCredentials("concurrency cap reached", 0)
	}
	return credstore.Credential{}, apierr.NoCredentials("no credentials usable", 0)
}

func (s *Scheduler) decrementActive(refreshToken string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeCounts[refreshToken] > 0 {
		s.activeCounts[refreshToken]--
	}
}

func isExpired(c credstore.Credential) bool {
	expiryMilli := c.Timestamp + c.ExpiresIn*1000 - 300_000
	return nowMilli() >= expiryMilli
}

func nowMilli() int64 {
	return time.Now().UnixMilli()
}

// Outcome tags the terminal result of a request that held a credential,
// driving the cooldown/status transitions in §4.2.
type Outcome struct {
	Kind              OutcomeKind
	StatusCode        int
	RetryAfterMillis  int64
	IsNetworkError    bool
	Message           string
}

type OutcomeKind int

const (
	OutcomeKindSuccess OutcomeKind = iota
	OutcomeKindRateLimited
	OutcomeKindAuthFailed
	OutcomeKindServerError
	OutcomeKindNetworkError
	// OutcomeKindError is a generic failure that isn't a retryable 5xx, a
	// 429, or an auth failure, e.g. a plain 4xx validation/client error
	// from upstream. It counts as a failure but does not touch
	// cooldown_until or consecutive_429_count, unlike OutcomeKindServerError.
	OutcomeKindError
)

// Release decrements the active count and applies the status/cooldown
// transition for outcome. It is always called exactly once per successful
// Select, in a guaranteed-exit path.
func (s *Scheduler) Release(refreshToken string, outcome Outcome) {
	s.mu.Lock()
	if s.activeCounts[refreshToken] > 0 {
		s.activeCounts[refreshToken]--
	}
	st := s.statFor(refreshToken)
	st.TotalRequests++
	st.LastUsedTimeMilli = nowMilli()

	switch outcome.Kind {
	case OutcomeKindSuccess:
		st.SuccessCount++
		st.Status = StatusActive
		st.CooldownUntilMilli = 0
		st.Consecutive429Count = 0
		st.LastOutcome = OutcomeSuccess
		st.LastError = nil
	case OutcomeKindRateLimited:
		st.FailureCount++
		st.Status = StatusRateLimited
		delay := outcome.RetryAfterMillis
		if delay <= 0 {
			delay = s.cfg.DefaultCooldownMs
		}
		st.CooldownUntilMilli = nowMilli() + delay
		st.Consecutive429Count++
		st.LastOutcome = OutcomeRateLimited
		st.LastError = &LastError{StatusCode: outcome.StatusCode, Message: outcome.Message, TimestampMilli: nowMilli()}
	case OutcomeKindAuthFailed:
		st.FailureCount++
		st.Status = StatusDisabled
		st.CooldownUntilMilli = 0
		st.LastOutcome = OutcomeAuthFailed
		st.LastError = &LastError{StatusCode: outcome.StatusCode, Message: outcome.Message, TimestampMilli: nowMilli()}
	case OutcomeKindServerError:
		st.FailureCount++
		st.CooldownUntilMilli = 0
		st.Consecutive429Count = 0
		st.LastOutcome = OutcomeServerError
		st.LastError = &LastError{StatusCode: outcome.StatusCode, Message: outcome.Message, TimestampMilli: nowMilli()}
	case OutcomeKindNetworkError:
		st.FailureCount++
		st.CooldownUntilMilli = 0
		st.Consecutive429Count = 0
		st.LastOutcome = OutcomeNetworkError
		st.LastError = &LastError{Message: outcome.Message, TimestampMilli: nowMilli(), IsNetworkError: true}
	case OutcomeKindError:
		st.FailureCount++
		st.LastOutcome = OutcomeError
		st.LastError = &LastError{StatusCode: outcome.StatusCode, Message: outcome.Message, TimestampMilli: nowMilli()}
	}
	s.mu.Unlock()

	if outcome.Kind == OutcomeKindAuthFailed {
		s.disableAndReload(refreshToken)
	}
}

// refreshFailureOutcome classifies a failed token refresh the same way
// Release classifies a failed upstream call, so get_all_stats() reports the
// same "last status" vocabulary regardless of which path produced it.
func refreshFailureOutcome(err *apierr.Error) LastOutcome {
	switch {
	case err.Kind == apierr.KindAuthentication:
		return OutcomeAuthFailed
	case err.Kind == apierr.KindNetwork:
		return OutcomeNetworkError
	case err.Kind == apierr.KindRateLimit:
		return OutcomeRateLimited
	case err.Kind == apierr.KindAPIError && err.StatusCode >= 500:
		return OutcomeServerError
	default:
		return OutcomeError
	}
}

func (s *Scheduler) recordRefreshFailure(refreshToken string, err *apierr.Error) {
	disable := err.Kind == apierr.KindAuthentication

	s.mu.Lock()
	st := s.statFor(refreshToken)
	st.TotalRequests++
	st.FailureCount++
	st.LastOutcome = refreshFailureOutcome(err)
	if disable {
		st.Status = StatusDisabled
	}
	st.LastError = &LastError{
		StatusCode:     err.StatusCode,
		Message:        err.Error(),
		TimestampMilli: nowMilli(),
		IsNetworkError: err.Kind == apierr.KindNetwork,
	}
	s.mu.Unlock()

	if disable {
		s.disableAndReload(refreshToken)
	}
}

// disableAndReload persists the disable and refreshes the in-memory
// enabled snapshot, awaiting durability before returning so a disabled
// credential cannot be reselected in the gap.
func (s *Scheduler) disableAndReload(refreshToken string) {
	enabled := s.store.Disable(refreshToken)
	s.mu.Lock()
	s.enabled = enabled
	s.mu.Unlock()
}

// refresh performs the OAuth2 refresh_token grant, updates and persists the
// credential, and returns the refreshed snapshot. Concurrent refreshes for
// the same refresh token are deduped via a per-token mutex.
func (s *Scheduler) refresh(ctx context.Context, cred credstore.Credential) (credstore.Credential, *apierr.Error) {
	lockIface, _ := s.refreshLocks.LoadOrStore(cred.RefreshToken, &sync.Mutex{})
	lock := lockIface.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	form := url.Values{}
	form.Set("client_id", s.cfg.ClientID)
	form.Set("client_secret", s.cfg.ClientSecret)
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", cred.RefreshToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.TokenEndpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return cred, apierr.NetworkError(err.Error())
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.client.Do(req)
	if err != nil {
		return cred, apierr.NetworkError(err.Error())
	}
	defer resp.Body.Close()

	body, _ := readAllLimited(resp.Body, 1<<20)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		retryAfterMs, _ := apierr.ResolveRetryAfterMillis(resp.Header.Get("Retry-After"), body)
		return cred, apierr.HttpError(resp.StatusCode, string(body), int(retryAfterMs/1000))
	}

	var tokenResp struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := decodeJSON(body, &tokenResp); err != nil {
		return cred, apierr.StreamError("malformed token response: " + err.Error())
	}

	cred.AccessToken = tokenResp.AccessToken
	cred.ExpiresIn = tokenResp.ExpiresIn
	cred.Timestamp = nowMilli()

	if err := s.store.SaveAll([]credstore.Credential{cred}); err != nil {
		s.log.Error("failed to persist refreshed credential", zap.Error(err))
	}

	s.mu.Lock()
	st := s.statFor(cred.RefreshToken)
	st.RefreshCount++
	for i := range s.enabled {
		if s.enabled[i].RefreshToken == cred.RefreshToken {
			s.enabled[i].AccessToken = cred.AccessToken
			s.enabled[i].ExpiresIn = cred.ExpiresIn
			s.enabled[i].Timestamp = cred.Timestamp
		}
	}
	s.mu.Unlock()

	return cred, nil
}

// StatsEntry is one row of get_all_stats(), covering a single credential.
type StatsEntry struct {
	RefreshTokenPrefix string
	Enabled            bool
	ActiveCount        int
	TotalRequests       int64
	SuccessCount        int64
	FailureCount        int64
	RefreshCount        int64
	SuccessRatePercent float64
	LastUsedTimeMilli   int64
	Status              Status
	LastOutcome         LastOutcome
	Remark              string
}

// StatsSummary aggregates request counters and status tallies across all
// credentials.
type StatsSummary struct {
	Total    int
	Enabled  int
	Disabled int
	Active   int

	TotalRequests int64
	SuccessCount  int64
	FailureCount  int64
}

// AllStats implements get_all_stats(): per-credential rows, in file order,
// plus an aggregate summary.
func (s *Scheduler) AllStats() ([]StatsEntry, StatsSummary) {
	all := s.store.All()

	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make([]StatsEntry, 0, len(all))
	summary := StatsSummary{Total: len(all)}

	for _, c := range all {
		st := s.statFor(c.RefreshToken)
		active := s.activeCounts[c.RefreshToken]

		status := st.Status
		switch {
		case !c.Enable:
			status = StatusDisabled
		case active > 0:
			status = StatusActive
		case st.CooldownUntilMilli > nowMilli():
			status = StatusRateLimited
		default:
			status = StatusIdle
		}

		var rate float64
		if st.TotalRequests > 0 {
			rate = math.Round(float64(st.SuccessCount)/float64(st.TotalRequests)*1000) / 10
		}

		prefix := c.RefreshToken
		if len(prefix) > 10 {
			prefix = prefix[:10]
		}

		entries = append(entries, StatsEntry{
			RefreshTokenPrefix: prefix,
			Enabled:            c.Enable,
			ActiveCount:        active,
			TotalRequests:      st.TotalRequests,
			SuccessCount:       st.SuccessCount,
			FailureCount:       st.FailureCount,
			RefreshCount:       st.RefreshCount,
			SuccessRatePercent: rate,
			LastUsedTimeMilli:  st.LastUsedTimeMilli,
			Status:             status,
			LastOutcome:        st.LastOutcome,
			Remark:             c.Remark,
		})

		summary.TotalRequests += st.TotalRequests
		summary.SuccessCount += st.SuccessCount
		summary.FailureCount += st.FailureCount
		if c.Enable {
			summary.Enabled++
		} else {
			summary.Disabled++
		}
		if active > 0 {
			summary.Active++
		}
	}

	return entries, summary
}

func readAllLimited(r io.Reader, max int64) ([]byte, error) {
	return io.ReadAll(io.LimitReader(r, max))
}

func decodeJSON(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}
