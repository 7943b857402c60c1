package mcp

import (
	"sync"

	"github.com/scenariolab/hindcast/internal/engine"
)

// eventLogCapacity bounds the ring buffer behind hindcast_recent_events.
// Older events are evicted once the buffer is full; pollers that fall more
// than this far behind see a gap in sequence numbers.
const eventLogCapacity = 256

// LoggedEvent is an engine event stamped with a monotonic sequence number
// so pollers can resume from where they left off.
type LoggedEvent struct {
	Seq int64 `json:"seq"`
	engine.Event
}

// eventLog is a fixed-capacity ring buffer of engine events. Writes come
// from a single collector goroutine; reads come from tool handlers.
type eventLog struct {
	mu     sync.Mutex
	events []LoggedEvent
	seq    int64
}

func newEventLog() *eventLog {
	return &eventLog{}
}

func (l *eventLog) append(ev engine.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.seq++
	l.events = append(l.events, LoggedEvent{Seq: l.seq, Event: ev})
	if len(l.events) > eventLogCapacity {
		l.events = l.events[len(l.events)-eventLogCapacity:]
	}
}

// since returns buffered events with Seq > afterSeq, oldest first, filtered
// to scenarioID when non-empty and capped at limit when limit > 0. The
// second return is the newest sequence number assigned so far.
func (l *eventLog) since(afterSeq int64, scenarioID string, limit int) ([]LoggedEvent, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []LoggedEvent
	for _, ev := range l.events {
		if ev.Seq <= afterSeq {
			continue
		}
		if scenarioID != "" && ev.ScenarioID != scenarioID {
			continue
		}
		out = append(out, ev)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, l.seq
}

// collectEvents drains the engine subscription into the ring buffer until
// the subscription channel is closed.
func (s *Server) collectEvents(ch <-chan engine.Event) {
	for ev := range ch {
		s.events.append(ev)
	}
}
