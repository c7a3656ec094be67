package lifecycle

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMonitorInitialState(t *testing.T) {
	assert.True(t, New(true).Foreground())
	assert.False(t, New(false).Foreground())
}

func TestMonitorNotifiesOnChange(t *testing.T) {
	m := New(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(true) // no change, no event
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	default:
	}

	m.Set(false)
	require.False(t, <-ch)
	assert.False(t, m.Foreground())

	m.Set(true)
	require.True(t, <-ch)
}

func TestMonitorSlowSubscriberGetsLatest(t *testing.T) {
	m := New(true)
	ch, cancel := m.Subscribe()
	defer cancel()

	m.Set(false)
	m.Set(true)
	m.Set(false)

	assert.False(t, <-ch)
	select {
	case v := <-ch:
		t.Fatalf("expected a single coalesced event, got extra %v", v)
	default:
	}
}

func TestMonitorUnsubscribeClosesChannel(t *testing.T) {
	m := New(true)
	ch, cancel := m.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)

	// no panic sending after unsubscribe
	m.Set(false)
}
