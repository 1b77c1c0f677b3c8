package server

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ngenohkevin/schedules-runner/internal/dispatch"
)

func TestHub_FanOut(t *testing.T) {
	hub := NewHub()
	a, unsubA := hub.Subscribe()
	b, unsubB := hub.Subscribe()
	defer unsubB()

	hub.Observe(dispatch.Lifecycle{ExecID: "E1", State: dispatch.StateFetched})

	assert.Equal(t, "E1", (<-a).ExecID)
	assert.Equal(t, "E1", (<-b).ExecID)

	unsubA()
	unsubA()
	assert.Equal(t, 1, hub.Subscribers())

	_, open := <-a
	assert.False(t, open)
}

func TestHub_SlowSubscriberDoesNotBlock(t *testing.T) {
	hub := NewHub()
	_, unsub := hub.Subscribe()
	defer unsub()

	assert.NotPanics(t, func() {
		for i := 0; i < 1000; i++ {
			hub.Observe(dispatch.Lifecycle{ExecID: "E1"})
		}
	})
}
