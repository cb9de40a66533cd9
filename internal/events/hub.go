package events

import (
	"sync"
	"time"

	"ugc/server/internal/model"
	"ugc/server/internal/telemetry"

	"github.com/google/uuid"
)

// Subscription receives the events of one job until Cancel is called or the
// job's stream is closed.
type Subscription struct {
	ID     string
	C      <-chan model.JobEvent
	Cancel func()
}

// DefaultClosedRetention is how long a finished job's stream stays marked as
// closed. Later subscribers get an open channel and rely on the stored log.
const DefaultClosedRetention = 10 * time.Minute

// Hub fans job events out to live subscribers, keyed by job id. Publishing
// never blocks: a subscriber whose buffer is full misses the event and is
// expected to catch up from the stored event log.
type Hub struct {
	mu        sync.RWMutex
	subs      map[string]map[string]chan model.JobEvent
	closed    map[string]time.Time
	retention time.Duration
	now       func() time.Time
}

func NewHub() *Hub {
	return &Hub{
		subs:      map[string]map[string]chan model.JobEvent{},
		closed:    map[string]time.Time{},
		retention: DefaultClosedRetention,
		now:       time.Now,
	}
}

// Subscribe registers a subscriber for jobID. Subscribing to a job whose
// stream was already closed yields a closed channel.
func (h *Hub) Subscribe(jobID string, buf int) Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := uuid.NewString()
	ch := make(chan model.JobEvent, buf)
	if _, ok := h.closed[jobID]; ok {
		close(ch)
		return Subscription{ID: id, C: ch, Cancel: func() {}}
	}
	if _, ok := h.subs[jobID]; !ok {
		h.subs[jobID] = map[string]chan model.JobEvent{}
	}
	h.subs[jobID][id] = ch
	return Subscription{ID: id, C: ch, Cancel: func() { h.remove(jobID, id) }}
}

func (h *Hub) remove(jobID, id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	jobSubs, ok := h.subs[jobID]
	if !ok {
		return
	}
	ch, ok := jobSubs[id]
	if !ok {
		return
	}
	delete(jobSubs, id)
	close(ch)
	if len(jobSubs) == 0 {
		delete(h.subs, jobID)
	}
}

// Subscribers counts live subscriptions for a job.
func (h *Hub) Subscribers(jobID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[jobID])
}

func (h *Hub) Publish(jobID string, evt model.JobEvent) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, ch := range h.subs[jobID] {
		select {
		case ch <- evt:
		default:
			telemetry.HubDroppedEventsTotal.Inc()
		}
	}
}

// CloseStream ends every subscription of a job that will emit no more events.
func (h *Hub) CloseStream(jobID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ch := range h.subs[jobID] {
		close(ch)
		delete(h.subs[jobID], id)
	}
	delete(h.subs, jobID)
	now := h.now()
	for id, at := range h.closed {
		if now.Sub(at) > h.retention {
			delete(h.closed, id)
		}
	}
	h.closed[jobID] = now
}

// closedStreams counts jobs still remembered as finished.
func (h *Hub) closedStreams() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.closed)
}
