package session

import (
	"context"
	"sync"

	"github.com/maestro-run/maestro/core"
)

// mailbox is a session's bounded outbound buffer: single consumer (the
// session writer), producers merged through the hub's routing step.
//
// When full, pushes walk the back-pressure ladder: drop the oldest
// participant_progress, then the oldest heartbeat, and only then report
// overflow so the hub closes the session as a slow consumer. Terminal
// frames are never dropped.
type mailbox struct {
	mu       sync.Mutex
	frames   []*Frame
	capacity int
	closed   bool

	notify chan struct{}
	done   chan struct{}
}

func newMailbox(capacity int) *mailbox {
	if capacity <= 0 {
		capacity = 256
	}
	return &mailbox{
		capacity: capacity,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// push enqueues a frame. Returns overflow=true when the ladder could not
// make room; the caller must close the session with reason SLOW_CONSUMER.
func (m *mailbox) push(f *Frame) (overflow bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false
	}
	if len(m.frames) >= m.capacity {
		if !m.dropOldest(string(core.EventParticipantProgress)) {
			if f.Type == string(core.EventParticipantProgress) {
				return false // the incoming frame is itself the oldest progress
			}
			if !m.dropOldest(string(core.EventHeartbeat)) {
				if f.Type == string(core.EventHeartbeat) {
					return false
				}
				return true
			}
		}
	}
	m.frames = append(m.frames, f)
	select {
	case m.notify <- struct{}{}:
	default:
	}
	return false
}

// dropOldest removes the first queued frame of the kind. Caller holds the
// lock.
func (m *mailbox) dropOldest(kind string) bool {
	for i, f := range m.frames {
		if f.Type == kind {
			m.frames = append(m.frames[:i], m.frames[i+1:]...)
			return true
		}
	}
	return false
}

// next blocks until a frame is available or the mailbox closes. A closed
// mailbox still drains frames buffered before close.
func (m *mailbox) next(ctx context.Context) (*Frame, bool) {
	for {
		m.mu.Lock()
		if len(m.frames) > 0 {
			f := m.frames[0]
			m.frames = m.frames[1:]
			m.mu.Unlock()
			return f, true
		}
		closed := m.closed
		m.mu.Unlock()
		if closed {
			return nil, false
		}
		select {
		case <-m.notify:
		case <-m.done:
		case <-ctx.Done():
			return nil, false
		}
	}
}

func (m *mailbox) close() {
	m.mu.Lock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	m.mu.Unlock()
}

func (m *mailbox) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}
