package queue

import (
	"sync"
	"time"
)

// EventType classifies progress events.
type EventType string

const (
	EventStage    EventType = "stage"
	EventProgress EventType = "progress"
	EventWarning  EventType = "warning"
	EventError    EventType = "error"
	EventComplete EventType = "complete"
)

// Event is one progress message from a running job.
type Event struct {
	Seq        int64     `json:"seq"`
	Type       EventType `json:"type"`
	Stage      string    `json:"stage,omitempty"`
	Progress   float64   `json:"progress"`
	Message    string    `json:"message,omitempty"`
	ClipIndex  *int      `json:"clip_index,omitempty"`
	Transcript string    `json:"transcript,omitempty"`
	Time       time.Time `json:"time"`
}

// Events is the bounded queue between a worker and its poller. Publish never
// blocks: when the buffer is full the oldest queued event is dropped.
type Events struct {
	ch chan Event

	mu      sync.Mutex
	closed  bool
	dropped int
}

// NewEvents returns a queue holding at most size events.
func NewEvents(size int) *Events {
	if size <= 0 {
		size = 1
	}
	return &Events{ch: make(chan Event, size)}
}

// Publish enqueues ev. Publishing after Close is a no-op.
func (e *Events) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	for {
		select {
		case e.ch <- ev:
			return
		default:
		}
		select {
		case <-e.ch:
			e.dropped++
		default:
		}
	}
}

// C is drained by the poller; it is closed by Close.
func (e *Events) C() <-chan Event { return e.ch }

// Dropped returns how many events were discarded because the buffer was full.
func (e *Events) Dropped() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropped
}

// Close ends the stream. It is safe to call more than once.
func (e *Events) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// EventLog is the sequence-numbered history a poller builds from an Events
// queue. Readers poll with Since or wait on Changed.
type EventLog struct {
	mu      sync.Mutex
	events  []Event
	max     int
	seq     int64
	changed chan struct{}
}

// NewEventLog keeps at most max events.
func NewEventLog(max int) *EventLog {
	if max <= 0 {
		max = 500
	}
	return &EventLog{max: max, changed: make(chan struct{})}
}

// Append assigns the next sequence number to ev and stores it.
func (l *EventLog) Append(ev Event) Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.seq++
	ev.Seq = l.seq
	l.events = append(l.events, ev)
	if len(l.events) > l.max {
		l.events = l.events[len(l.events)-l.max:]
	}
	close(l.changed)
	l.changed = make(chan struct{})
	return ev
}

// Since returns the retained events with Seq greater than seq.
func (l *EventLog) Since(seq int64) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Event
	for _, ev := range l.events {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

// LastSeq returns the sequence number of the newest event.
func (l *EventLog) LastSeq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Changed returns a channel closed by the next Append.
func (l *EventLog) Changed() <-chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.changed
}

// Drain copies events from q into the log until q is closed.
func (l *EventLog) Drain(q *Events) {
	for ev := range q.C() {
		l.Append(ev)
	}
}
