// Package testutil collects the fixtures cloudforge's own test suites keep
// reinventing locally: a fake child CLI that speaks stream-JSON, the
// CLOUDFORGE_STATUS: sentinel block a phase's child prints on exit, and a
// clock that can be pinned instead of racing time.Now.
package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// FakeChildScript writes body to an executable shell script under a fresh
// temp directory and returns its path, so internal/runner's Run can exec it
// exactly as it would a real coding-agent CLI. Callers prefix body with
// "#!/bin/sh\n" themselves; os/exec runs the file directly, with no shell
// fallback, so a script without a shebang line fails to start.
func FakeChildScript(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "fake-cli.sh")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write fake child script: %v", err)
	}
	return path
}

// StatusBlock renders the CLOUDFORGE_STATUS: sentinel a phase's child
// prints to stdout on exit, in the shape internal/status parses. Tests
// scripting a scheduler run build their scripted runner.Result.Stdout from
// this instead of hand-formatting the block at each call site.
func StatusBlock(phase, result, summary string) string {
	return fmt.Sprintf("CLOUDFORGE_STATUS:\n  phase: %s\n  result: %s\n  summary: %s\n", phase, result, summary)
}

// Clock lets tests pin a wall-clock reading. Production code takes the
// current time as a time.Time argument (ratelimit.ResetWaitSeconds), and
// tests pass a Clock's Now() there.
type Clock interface {
	Now() time.Time
}

// FixedClock is a Clock that always reports the same instant, optionally
// advanced between assertions within a single test.
type FixedClock struct {
	at time.Time
}

// NewFixedClock returns a FixedClock reporting at.
func NewFixedClock(at time.Time) *FixedClock {
	return &FixedClock{at: at}
}

// Now returns the clock's current reading.
func (c *FixedClock) Now() time.Time {
	return c.at
}

// Advance moves the clock's reading forward by d and returns the new
// reading.
func (c *FixedClock) Advance(d time.Duration) time.Time {
	c.at = c.at.Add(d)
	return c.at
}
