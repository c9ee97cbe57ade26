// Package ratelimit classifies a finished child invocation as rate-limited,
// transient, or terminal by pattern-matching its combined output, and
// computes how long the scheduler should wait before retrying.
package ratelimit

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var rateLimitPatterns = compilePatterns([]string{
	`rate.?limit`,
	`429`,
	`too many requests`,
	`overloaded`,
	`capacity`,
	`throttl`,
	`hit\s+(your|the)\s+limit`,
	`you've hit.*limit`,
	`limit.*resets?`,
})

var retryAfterDurationPatterns = compilePatterns([]string{
	`retry.?after\D*(\d+)`,
	`try again in\s*(\d+)`,
	`wait\s*(\d+)\s*second`,
	`(\d+)\s*seconds?\s*(?:before|until)`,
})

var retryAfterResetPattern = regexp.MustCompile(`(?i)resets?\s+(\d{1,2})(?::(\d{2}))?\s*(am|pm)`)

var transientPatterns = []struct {
	re     *regexp.Regexp
	reason string
}{
	{regexp.MustCompile(`(?i)\b500\b`), "HTTP 500"},
	{regexp.MustCompile(`(?i)\b502\b`), "HTTP 502"},
	{regexp.MustCompile(`(?i)\b503\b`), "HTTP 503"},
	{regexp.MustCompile(`(?i)internal server error`), "internal server error"},
	{regexp.MustCompile(`(?i)service unavailable`), "service unavailable"},
	{regexp.MustCompile(`(?i)bad gateway`), "bad gateway"},
	{regexp.MustCompile(`(?i)ECONNRESET`), "connection reset"},
	{regexp.MustCompile(`(?i)ETIMEDOUT`), "connection timed out"},
	{regexp.MustCompile(`(?i)ECONNREFUSED`), "connection refused"},
}

func compilePatterns(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile("(?i)"+p))
	}
	return compiled
}

// RateLimitResult is the outcome of scanning a finished invocation for rate
// limiting.
type RateLimitResult struct {
	IsRateLimit       bool
	RetryAfterSeconds int
}

// DetectRateLimit scans the combined stderr/stdout text for rate-limit
// signatures. A match in the combined text triggers only on non-zero exit;
// a match against stdout alone triggers regardless of exit code, since the
// child may embed a rate-limit error event in stream output while still
// exiting cleanly.
func DetectRateLimit(exitCode int, stderr, stdout string) RateLimitResult {
	combined := stderr + " " + stdout

	matched := false
	if exitCode != 0 && matchesAny(combined, rateLimitPatterns) {
		matched = true
	}
	if matchesAny(stdout, rateLimitPatterns) {
		matched = true
	}
	if !matched {
		return RateLimitResult{}
	}

	return RateLimitResult{
		IsRateLimit:       true,
		RetryAfterSeconds: extractRetryAfter(combined),
	}
}

func extractRetryAfter(text string) int {
	for _, re := range retryAfterDurationPatterns {
		m := re.FindStringSubmatch(text)
		if len(m) >= 2 {
			if n, err := strconv.Atoi(m[1]); err == nil {
				return n
			}
		}
	}

	if m := retryAfterResetPattern.FindStringSubmatch(text); m != nil {
		return ResetWaitSeconds(m[1], m[2], m[3], time.Now())
	}

	return 0
}

// ResetWaitSeconds computes how many seconds remain until the next
// occurrence of the given wall-clock hour:minute, relative to now. Exported
// so tests can pin now instead of racing the real clock.
func ResetWaitSeconds(hourStr, minuteStr, meridiem string, now time.Time) int {
	hour, err := strconv.Atoi(hourStr)
	if err != nil {
		return 0
	}
	minute := 0
	if minuteStr != "" {
		minute, _ = strconv.Atoi(minuteStr)
	}

	h := hour % 12
	if strings.EqualFold(meridiem, "pm") {
		h += 12
	}

	target := time.Date(now.Year(), now.Month(), now.Day(), h, minute, 0, 0, now.Location())
	if !target.After(now) {
		target = target.Add(24 * time.Hour)
	}

	seconds := int(target.Sub(now).Seconds())
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func matchesAny(text string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// TransientResult reports a detected transient failure and its reason.
type TransientResult struct {
	Reason string
}

// DetectTransient classifies a non-zero exit as a transient infrastructure
// failure (as opposed to a genuine task failure). Returns nil when exitCode
// is 0 or no transient pattern matches.
func DetectTransient(exitCode int, stderr, stdout string) *TransientResult {
	if exitCode == 0 {
		return nil
	}
	combined := stderr + " " + stdout
	for _, p := range transientPatterns {
		if p.re.MatchString(combined) {
			return &TransientResult{Reason: p.reason}
		}
	}
	return nil
}

// rateLimitBuffer is added to the computed wait when a retry-after duration
// was successfully extracted from text, to ensure tokens are actually
// replenished by the time the retry fires.
const rateLimitBuffer = 30 * time.Second

// ComputeBackoff returns the exponential backoff for the given attempt
// number, capped at maxWait: min(60 * 2^attempt, maxWait).
func ComputeBackoff(attempt int, maxWait time.Duration) time.Duration {
	wait := time.Duration(60*math.Pow(2, float64(attempt))) * time.Second
	if wait > maxWait {
		return maxWait
	}
	return wait
}

// ComputeRateLimitWait combines the extracted retry-after seconds with a
// fixed buffer, capped at maxWait. If no retry-after was extracted
// (seconds == 0), falls back to ComputeBackoff.
func ComputeRateLimitWait(attempt, retryAfterSeconds int, maxWait time.Duration) time.Duration {
	if retryAfterSeconds <= 0 {
		return ComputeBackoff(attempt, maxWait)
	}
	wait := time.Duration(retryAfterSeconds)*time.Second + rateLimitBuffer
	if wait > maxWait {
		return maxWait
	}
	return wait
}

// countdownInterval is the cadence at which Countdown reports progress.
const countdownInterval = time.Second

// Countdown sleeps for d, calling tick roughly once per interval with the
// remaining duration, until d elapses or done is closed. Returns true if
// cancelled via done before the wait completed.
func Countdown(d time.Duration, done <-chan struct{}, tick func(remaining time.Duration)) bool {
	deadline := time.Now().Add(d)

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		if tick != nil {
			tick(remaining)
		}

		step := countdownInterval
		if remaining < step {
			step = remaining
		}

		timer := time.NewTimer(step)
		select {
		case <-done:
			timer.Stop()
			return true
		case <-timer.C:
		}
	}
}
