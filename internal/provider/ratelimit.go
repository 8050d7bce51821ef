package provider

import (
	"net/http"
	"strconv"
	"time"
)

const defaultRateLimitBackoff = 60 * time.Second

// parseAnthropicRateLimit normalises the anthropic-ratelimit-* family plus
// retry-after. A 429 with no parseable reset defaults to now + 60s.
func parseAnthropicRateLimit(resp *http.Response, now time.Time) RateLimitInfo {
	info := RateLimitInfo{Remaining: -1}

	if v := resp.Header.Get("anthropic-ratelimit-requests-remaining"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			info.Remaining = n
		}
	}

	// Unified reset is unix seconds; the per-resource resets are RFC3339.
	if v := resp.Header.Get("anthropic-ratelimit-unified-reset"); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.ResetAtMs = sec * 1000
		}
	}
	if info.ResetAtMs == 0 {
		for _, h := range []string{"anthropic-ratelimit-requests-reset", "anthropic-ratelimit-tokens-reset"} {
			if v := resp.Header.Get(h); v != "" {
				if t, err := time.Parse(time.RFC3339, v); err == nil {
					info.ResetAtMs = t.UnixMilli()
					break
				}
			}
		}
	}
	if info.ResetAtMs == 0 {
		info.ResetAtMs = parseRetryAfter(resp.Header.Get("Retry-After"), now)
	}

	// Only an actual 429 means the request was rejected. Remaining == 0 on a
	// success is the last permitted request: the caller still gets the
	// response, the account just sits out until the reset.
	info.IsRateLimited = resp.StatusCode == http.StatusTooManyRequests
	if (info.IsRateLimited || info.Remaining == 0) && info.ResetAtMs == 0 {
		info.ResetAtMs = now.Add(defaultRateLimitBackoff).UnixMilli()
	}
	return info
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) int64 {
	if value == "" {
		return 0
	}
	if sec, err := strconv.ParseInt(value, 10, 64); err == nil {
		return now.Add(time.Duration(sec) * time.Second).UnixMilli()
	}
	if t, err := http.ParseTime(value); err == nil {
		return t.UnixMilli()
	}
	return 0
}
