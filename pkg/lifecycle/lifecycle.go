// Package lifecycle tracks whether the host application is in the
// foreground and lets components react to transitions.
package lifecycle

import "sync"

// Monitor holds the foreground-active flag. The zero value is not usable;
// use New.
type Monitor struct {
	mu          sync.Mutex
	foreground  bool
	subscribers map[int]chan bool
	nextID      int
}

// New returns a monitor in the given initial state.
func New(foreground bool) *Monitor {
	return &Monitor{
		foreground:  foreground,
		subscribers: make(map[int]chan bool),
	}
}

// Foreground reports whether the application is foreground-active.
func (m *Monitor) Foreground() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.foreground
}

// Set records a transition. Subscribers are notified only on change;
// slow subscribers drop intermediate values.
func (m *Monitor) Set(foreground bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.foreground == foreground {
		return
	}
	m.foreground = foreground
	for _, ch := range m.subscribers {
		select {
		case ch <- foreground:
		default:
			// replace the stale value with the latest one
			select {
			case <-ch:
			default:
			}
			ch <- foreground
		}
	}
}

// Subscribe returns a channel that receives the new state on every
// transition, and a function that unsubscribes and closes it.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subscribers[id] = ch
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
			close(ch)
		})
	}
}
