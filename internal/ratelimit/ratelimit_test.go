package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloudforge/cloudforge/internal/testutil"
)

func TestDetectRateLimitOnNonZeroExit(t *testing.T) {
	res := DetectRateLimit(1, "Error: rate limit exceeded, retry after 120", "")
	assert.True(t, res.IsRateLimit)
	assert.Equal(t, 120, res.RetryAfterSeconds)
}

func TestDetectRateLimitFromStdoutEvenOnCleanExit(t *testing.T) {
	res := DetectRateLimit(0, "", `{"type":"error","message":"you've hit your limit"}`)
	assert.True(t, res.IsRateLimit)
}

func TestDetectRateLimitNoMatch(t *testing.T) {
	res := DetectRateLimit(1, "some unrelated failure", "")
	assert.False(t, res.IsRateLimit)
}

func TestDetectRateLimitWaitSecondsPattern(t *testing.T) {
	res := DetectRateLimit(1, "please wait 45 seconds before retrying (rate limit)", "")
	assert.True(t, res.IsRateLimit)
	assert.Equal(t, 45, res.RetryAfterSeconds)
}

func TestDetectRateLimitResetClockTime(t *testing.T) {
	now := time.Now()
	future := now.Add(2 * time.Hour)
	meridiem := "am"
	hour := future.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	if future.Hour() >= 12 {
		meridiem = "pm"
	}

	text := "rate limit: resets " + itoa(hour) + "pm"
	if meridiem == "am" {
		text = "rate limit: resets " + itoa(hour) + "am"
	}
	res := DetectRateLimit(1, text, "")
	assert.True(t, res.IsRateLimit)
	assert.GreaterOrEqual(t, res.RetryAfterSeconds, 1)
}

func TestResetWaitSecondsAgainstAFixedClock(t *testing.T) {
	clock := testutil.NewFixedClock(time.Date(2026, 3, 5, 22, 0, 0, 0, time.UTC))

	assert.Equal(t, 3600, ResetWaitSeconds("11", "", "pm", clock.Now()))
	assert.Equal(t, 2*3600, ResetWaitSeconds("12", "", "am", clock.Now()))

	clock.Advance(2 * time.Hour)
	assert.Equal(t, 24*3600, ResetWaitSeconds("12", "", "am", clock.Now()))
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	if neg {
		return "-" + string(buf)
	}
	return string(buf)
}

func TestDetectTransientRequiresNonZeroExit(t *testing.T) {
	assert.Nil(t, DetectTransient(0, "internal server error", ""))
}

func TestDetectTransientMatchesKnownReasons(t *testing.T) {
	res := DetectTransient(1, "", "connection failed: ECONNRESET")
	require.NotNil(t, res)
	assert.Equal(t, "connection reset", res.Reason)
}

func TestDetectTransientNoMatch(t *testing.T) {
	assert.Nil(t, DetectTransient(1, "task failed: assertion error", ""))
}

func TestComputeBackoffExponentialCappedAtMaxWait(t *testing.T) {
	assert.Equal(t, 60*time.Second, ComputeBackoff(0, time.Hour))
	assert.Equal(t, 120*time.Second, ComputeBackoff(1, time.Hour))
	assert.Equal(t, 240*time.Second, ComputeBackoff(2, time.Hour))
	assert.Equal(t, 5*time.Second, ComputeBackoff(10, 5*time.Second))
}

func TestComputeRateLimitWaitAddsBuffer(t *testing.T) {
	wait := ComputeRateLimitWait(0, 100, time.Hour)
	assert.Equal(t, 130*time.Second, wait)
}

func TestComputeRateLimitWaitFallsBackToBackoff(t *testing.T) {
	wait := ComputeRateLimitWait(0, 0, time.Hour)
	assert.Equal(t, 60*time.Second, wait)
}

func TestCountdownCompletesWithoutCancellation(t *testing.T) {
	done := make(chan struct{})
	ticks := 0
	cancelled := Countdown(50*time.Millisecond, done, func(remaining time.Duration) {
		ticks++
	})
	assert.False(t, cancelled)
}

func TestCountdownCancelled(t *testing.T) {
	done := make(chan struct{})
	close(done)
	cancelled := Countdown(time.Hour, done, nil)
	assert.True(t, cancelled)
}
