// Package brokertest provides in-memory broker doubles for tests.
package brokertest

import (
	"context"
	"sync"

	"github.com/ihiteshgupta/whatsapp-gateway/internal/broker"
)

// Recorder captures published events and enqueued jobs.
type Recorder struct {
	mu     sync.Mutex
	events []broker.Event
	jobs   map[string][][]byte
	Err    error
}

func NewRecorder() *Recorder {
	return &Recorder{jobs: make(map[string][][]byte)}
}

func (r *Recorder) Publish(ctx context.Context, evt broker.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.events = append(r.events, evt)
	return nil
}

func (r *Recorder) Enqueue(ctx context.Context, queue string, body []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.jobs[queue] = append(r.jobs[queue], append([]byte(nil), body...))
	return nil
}

// Events returns a copy of all published events.
func (r *Recorder) Events() []broker.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]broker.Event(nil), r.events...)
}

// EventsOfType filters published events by type.
func (r *Recorder) EventsOfType(eventType string) []broker.Event {
	var out []broker.Event
	for _, evt := range r.Events() {
		if evt.Type == eventType {
			out = append(out, evt)
		}
	}
	return out
}

// Jobs returns the bodies enqueued on queue.
func (r *Recorder) Jobs(queue string) [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]byte(nil), r.jobs[queue]...)
}

// Reset clears recorded events and jobs.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.jobs = make(map[string][][]byte)
}
