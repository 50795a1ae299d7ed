package apierr

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ParseRetryAfterHeader parses the HTTP Retry-After header, which is either
// a number of seconds or an HTTP-date, and returns milliseconds. Returns
// ok=false when the header is absent or unparsable.
func ParseRetryAfterHeader(value string) (ms int64, ok bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		if secs < 0 {
			secs = 0
		}
		return secs * 1000, true
	}
	if t, err := http.ParseTime(value); err == nil {
		delta := time.Until(t)
		if delta < 0 {
			delta = 0
		}
		return delta.Milliseconds(), true
	}
	return 0, false
}

// googleRPCErrorBody is the shape of a Google RPC error envelope carrying
// RetryInfo and ErrorInfo details.
type googleRPCErrorBody struct {
	Error struct {
		Details []json.RawMessage `json:"details"`
	} `json:"error"`
}

type rpcDetail struct {
	Type       string `json:"@type"`
	RetryDelay string `json:"retryDelay"`
	Metadata   struct {
		QuotaResetDelay string `json:"quotaResetDelay"`
	} `json:"metadata"`
}

// ParseRetryDelayFromBody inspects a Google RPC-shaped error body for
// RetryInfo.retryDelay ("<float>s") or ErrorInfo.metadata.quotaResetDelay
// ("<int>m<float>s"), in that order of preference.
func ParseRetryDelayFromBody(body []byte) (ms int64, ok bool) {
	var envelope googleRPCErrorBody
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 0, false
	}

	var quotaResetDelay string
	for _, raw := range envelope.Error.Details {
		var d rpcDetail
		if err := json.Unmarshal(raw, &d); err != nil {
			continue
		}
		switch {
		case strings.Contains(d.Type, "RetryInfo") && d.RetryDelay != "":
			if v, ok := parseSecondsSuffix(d.RetryDelay); ok {
				return v, true
			}
		case strings.Contains(d.Type, "ErrorInfo") && d.Metadata.QuotaResetDelay != "":
			quotaResetDelay = d.Metadata.QuotaResetDelay
		}
	}

	if quotaResetDelay != "" {
		if v, ok := parseMinutesSecondsSuffix(quotaResetDelay); ok {
			return v, true
		}
	}

	return 0, false
}

// parseSecondsSuffix parses "<float>s" (e.g. "13.5s") into milliseconds.
func parseSecondsSuffix(s string) (int64, bool) {
	s = strings.TrimSuffix(strings.TrimSpace(s), "s")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f < 0 {
		return 0, false
	}
	return int64(f * 1000), true
}

// parseMinutesSecondsSuffix parses "<int>m<float>s" (e.g. "1m30.5s") into
// milliseconds.
func parseMinutesSecondsSuffix(s string) (int64, bool) {
	s = strings.TrimSpace(s)
	idx := strings.Index(s, "m")
	if idx < 0 {
		return parseSecondsSuffix(s)
	}
	minutesPart := s[:idx]
	secondsPart := s[idx+1:]

	minutes, err := strconv.ParseInt(minutesPart, 10, 64)
	if err != nil || minutes < 0 {
		return 0, false
	}

	var secondsMs int64
	if secondsPart != "" {
		v, ok := parseSecondsSuffix(secondsPart)
		if !ok {
			return 0, false
		}
		secondsMs = v
	}

	return minutes*60*1000 + secondsMs, true
}

// ResolveRetryAfterMillis implements the preference order from the scheduler
// design: HTTP header first, then RetryInfo, then ErrorInfo.
func ResolveRetryAfterMillis(headerValue string, body []byte) (ms int64, ok bool) {
	if v, ok := ParseRetryAfterHeader(headerValue); ok {
		return v, true
	}
	if len(body) > 0 {
		if v, ok := ParseRetryDelayFromBody(body); ok {
			return v, true
		}
	}
	return 0, false
}
