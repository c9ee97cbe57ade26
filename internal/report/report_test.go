package report

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cloudforge/cloudforge/internal/events"
)

func TestConsolePhaseStartedIncludesSubTask(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.PhaseStarted("IMPLEMENT", 3, 2, 5)
	assert.Contains(t, buf.String(), "IMPLEMENT")
	assert.Contains(t, buf.String(), "sub-task 2/5")
}

func TestConsoleHaltedAndCompleted(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	c.Halted("consecutive retries")
	c.Completed("workflow finished")
	out := buf.String()
	assert.Contains(t, out, "halted: consecutive retries")
	assert.Contains(t, out, "complete: workflow finished")
}

func TestSubscribeTranslatesEventsToReporterCalls(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	bus := events.NewBus()
	Subscribe(bus, c)

	bus.Publish(events.NewPhaseStartedEvent("DISCOVER", 1, 0, 0))
	bus.Publish(events.NewHaltEvent("iteration cap reached"))
	bus.Publish(events.NewCompleteEvent("all phases done"))

	out := buf.String()
	assert.Contains(t, out, "DISCOVER")
	assert.Contains(t, out, "halted: iteration cap reached")
	assert.Contains(t, out, "complete: all phases done")
}

func TestSubscribeIgnoresBlankText(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	bus := events.NewBus()
	Subscribe(bus, c)

	bus.Publish(events.NewTextEvent("DISCOVER", "   "))
	assert.Empty(t, buf.String())
}

func TestSubscribeRetryWaitBecomesCountdown(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	bus := events.NewBus()
	Subscribe(bus, c)

	bus.Publish(events.NewRetryWaitEvent("DISCOVER", "rate limited", 30*time.Second))
	assert.Contains(t, buf.String(), "rate limited")
}

func TestSubscribeTokenDeltaBecomesTokenUsage(t *testing.T) {
	var buf bytes.Buffer
	c := NewConsole(&buf)
	bus := events.NewBus()
	Subscribe(bus, c)

	bus.Publish(events.NewTokenDeltaEvent(120, 45))
	out := buf.String()
	assert.Contains(t, out, "+120 in")
	assert.Contains(t, out, "+45 out")
}
