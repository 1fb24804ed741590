package testutils

import (
	"sync"

	"groupcall/internal/core/domain"
	"groupcall/internal/core/ports"
)

// Delivery is one recorded broadcast.
type Delivery struct {
	To    []domain.ConnectionID
	User  domain.UserID
	All   bool
	Event ports.Event
}

// Recorder is a ports.Broadcaster that keeps every event it is given.
type Recorder struct {
	mu         sync.Mutex
	deliveries []Delivery
}

func NewRecorder() *Recorder { return &Recorder{} }

func (r *Recorder) SendToConnections(ids []domain.ConnectionID, event ports.Event) {
	if len(ids) == 0 {
		return
	}
	r.record(Delivery{To: append([]domain.ConnectionID(nil), ids...), Event: event})
}

func (r *Recorder) SendToUser(userID domain.UserID, event ports.Event) {
	r.record(Delivery{User: userID, Event: event})
}

func (r *Recorder) SendToAll(event ports.Event) {
	r.record(Delivery{All: true, Event: event})
}

func (r *Recorder) record(d Delivery) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, d)
	r.mu.Unlock()
}

func (r *Recorder) Deliveries() []Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Delivery(nil), r.deliveries...)
}

// EventsFor returns the events addressed to a connection, including
// process-wide broadcasts, in order.
func (r *Recorder) EventsFor(conn domain.ConnectionID) []ports.Event {
	var out []ports.Event
	for _, d := range r.Deliveries() {
		if d.All {
			out = append(out, d.Event)
			continue
		}
		for _, id := range d.To {
			if id == conn {
				out = append(out, d.Event)
				break
			}
		}
	}
	return out
}

// TypesFor is EventsFor reduced to the event types.
func (r *Recorder) TypesFor(conn domain.ConnectionID) []string {
	var out []string
	for _, e := range r.EventsFor(conn) {
		out = append(out, e.Type)
	}
	return out
}

func (r *Recorder) EventsForUser(userID domain.UserID) []ports.Event {
	var out []ports.Event
	for _, d := range r.Deliveries() {
		if d.User == userID {
			out = append(out, d.Event)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	r.deliveries = nil
	r.mu.Unlock()
}
