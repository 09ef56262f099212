package ratelimit

import (
	"math/rand"
	"net/http"
	"strconv"
	"time"
)

// headerValue returns the header parsed as a float, or def when the header is
// missing or malformed.
func headerValue(h http.Header, key string, def float64) float64 {
	value := h.Get(key)
	if value == "" {
		return def
	}

	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return def
	}

	return f
}

// headerDelay converts the header into a delay relative to now. It handles
// delta-seconds, HTTP dates (RFC 7231 §7.1.3), and Unix epoch timestamps in
// seconds, milliseconds, microseconds or nanoseconds.
//
// The epoch heuristic: a numeric value above the current epoch-seconds is an
// absolute timestamp; while dividing by 1000 still leaves it above the
// current epoch-seconds, the value was in a finer unit. A delta-seconds value
// that happens to exceed the current epoch time is therefore misread as an
// absolute timestamp; there is no way to tell the two apart without server
// cooperation.
func headerDelay(h http.Header, key string, now time.Time, def time.Duration) time.Duration {
	value := h.Get(key)
	if value == "" {
		return def
	}

	if f, err := strconv.ParseFloat(value, 64); err == nil {
		nowSec := float64(now.Unix())
		if f > nowSec {
			for f/1000 > nowSec {
				f /= 1000
			}

			return time.Duration((f - nowSec) * float64(time.Second))
		}

		return time.Duration(f * float64(time.Second))
	}

	if t, err := http.ParseTime(value); err == nil {
		return t.Sub(now)
	}

	return def
}

// remainingReset applies the remaining/reset header pair convention: when the
// remaining budget is exhausted, the reset header tells us how long to wait.
// A missing remaining header defaults to 1 (budget left), skipping the pair.
// Returns a negative duration when the pair does not apply.
func remainingReset(h http.Header, now time.Time, remainingHeader, resetHeader string) time.Duration {
	if headerValue(h, remainingHeader, 1) <= 0 {
		if d := headerDelay(h, resetHeader, now, 0); d > 0 {
			return d
		}
	}

	return -1
}

// retryAfter returns the delay to wait before retrying a rate-limited domain.
// It probes the known rate-limit headers in order of preference and falls
// back to jittered exponential backoff when none apply.
func (l *Limiter) retryAfter(currentDelay time.Duration, headers http.Header) time.Duration {
	if headers != nil {
		now := time.Now()

		// https://datatracker.ietf.org/doc/html/rfc7231#section-7.1.3
		if d := headerDelay(headers, "Retry-After", now, 0); d > 0 {
			return d
		}

		// https://datatracker.ietf.org/doc/draft-ietf-httpapi-ratelimit-headers/
		if headerValue(headers, "RateLimit-Remaining", 1) <= 0 {
			if d := headerDelay(headers, "RateLimit-Reset", now, 0); d > 0 {
				return d
			}
		} else if d := headerDelay(headers, "RateLimit-Reset", now, 0); d > 0 {
			// Remaining budget missing or above zero: trust the reset header alone.
			// https://ioggstream.github.io/draft-polli-ratelimit-headers/draft-polli-ratelimit-headers.html#name-missing-remaining-informati
			return d
		}

		// GitHub style headers.
		if d := remainingReset(headers, now, "X-RateLimit-Remaining", "X-RateLimit-Reset"); d > 0 {
			return d
		}

		// Twitter style headers.
		if d := remainingReset(headers, now, "X-Rate-Limit-Remaining", "X-Rate-Limit-Reset"); d > 0 {
			return d
		}

		// https://github.com/wraithgar/hapi-rate-limit
		if d := remainingReset(headers, now, "X-RateLimit-UserRemaining", "X-RateLimit-UserReset"); d > 0 {
			return d
		}
		if d := remainingReset(headers, now, "X-RateLimit-UserPathRemaining", "X-RateLimit-UserPathReset"); d > 0 {
			return d
		}
	}

	// Fallback to exponential backoff with random jitter.
	backoff := time.Duration(float64(currentDelay) * 2 * (0.75 + rand.Float64()*0.5))

	return min(backoff, l.opts.MaxDelay)
}
