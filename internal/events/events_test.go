package events

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPublishDeliversToSpecificHandler(t *testing.T) {
	bus := NewBus()
	var got Event
	bus.Subscribe("runner.text", func(e Event) { got = e })

	bus.Publish(NewTextEvent("IMPLEMENT", "hello"))

	assert.Equal(t, "runner.text", got.EventType())
}

func TestSubscribeAllReceivesEveryType(t *testing.T) {
	bus := NewBus()
	var mu sync.Mutex
	var types []string
	bus.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		types = append(types, e.EventType())
	})

	bus.Publish(NewTextEvent("IMPLEMENT", "hi"))
	bus.Publish(NewHaltEvent("iteration cap reached"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"runner.text", "scheduler.halt"}, types)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	bus := NewBus()
	calls := 0
	id := bus.Subscribe("scheduler.complete", func(e Event) { calls++ })

	assert.True(t, bus.Unsubscribe(id))
	bus.Publish(NewCompleteEvent("done"))

	assert.Equal(t, 0, calls)
}

func TestPublishRecoversFromPanickingHandler(t *testing.T) {
	bus := NewBus()
	called := false
	bus.Subscribe("scheduler.halt", func(e Event) { panic("boom") })
	bus.Subscribe("scheduler.halt", func(e Event) { called = true })

	assert.NotPanics(t, func() {
		bus.Publish(NewHaltEvent("consecutive retries"))
	})
	assert.True(t, called)
}

func TestRetryWaitEventCarriesRemaining(t *testing.T) {
	e := NewRetryWaitEvent("VERIFY", "rate limited", 30*time.Second)
	assert.Equal(t, "scheduler.retry_wait", e.EventType())
	assert.Equal(t, 30*time.Second, e.Remaining)
}

func TestWarnEventCarriesPhaseAndMessage(t *testing.T) {
	e := NewWarnEvent("VERIFY", "completed without status block")
	assert.Equal(t, "scheduler.warn", e.EventType())
	assert.Equal(t, "VERIFY", e.Phase)
	assert.Equal(t, "completed without status block", e.Message)
}
