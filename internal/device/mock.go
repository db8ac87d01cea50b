package device

import (
	"context"
	"sync"
	"time"
)

// MockDevice simulates speech by sleeping in proportion to utterance
// length and rate. It honors Cancel and Busy faithfully, which makes it
// the default device for development and the base for tests.
type MockDevice struct {
	delayPerChar time.Duration

	mu     sync.Mutex
	cancel chan struct{}
	busy   bool
}

func NewMockDevice(delayPerChar time.Duration) *MockDevice {
	if delayPerChar <= 0 {
		delayPerChar = time.Millisecond
	}
	return &MockDevice{delayPerChar: delayPerChar}
}

func (m *MockDevice) Speak(ctx context.Context, u Utterance) (<-chan Event, error) {
	m.mu.Lock()
	cancelCh := make(chan struct{})
	m.cancel = cancelCh
	m.busy = true
	m.mu.Unlock()

	events := make(chan Event, 2)
	start := time.Now()
	go func() {
		defer close(events)
		defer func() {
			m.mu.Lock()
			m.busy = false
			if m.cancel == cancelCh {
				m.cancel = nil
			}
			m.mu.Unlock()
		}()

		events <- Event{Kind: EventStarted}

		rate := u.Rate
		if rate <= 0 {
			rate = 1.0
		}
		dur := time.Duration(float64(len(u.Text)) * float64(m.delayPerChar) / rate)
		select {
		case <-time.After(dur):
			events <- Event{Kind: EventCompleted, Elapsed: time.Since(start)}
		case <-cancelCh:
			events <- Event{Kind: EventCanceled, Elapsed: time.Since(start)}
		case <-ctx.Done():
			events <- Event{Kind: EventCanceled, Code: "context", Elapsed: time.Since(start)}
		}
	}()
	return events, nil
}

func (m *MockDevice) Cancel() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		close(m.cancel)
		m.cancel = nil
	}
}

func (m *MockDevice) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.busy
}
