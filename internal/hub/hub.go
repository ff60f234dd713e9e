// Package hub fans produced events out to every registered sink: overlay
// clients (partial+final captions), audience clients (transcript change feed
// plus status), and final-caption consumers such as the external publisher.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/captioncast/captioncast/internal/metrics"
	"github.com/captioncast/captioncast/internal/models"
	"github.com/captioncast/captioncast/internal/transcript"
)

const clientBuffer = 64

// Event is the envelope delivered to overlay and audience subscribers.
type Event struct {
	Type    string                `json:"type"` // "caption" | "status" | "transcript"
	Caption *models.CaptionEvent  `json:"caption,omitempty"`
	Status  *models.ServiceStatus `json:"status,omitempty"`
	Change  *models.ChangeEvent   `json:"change,omitempty"`
}

// Subscription is a cancellation handle over a subscriber channel.
type Subscription struct {
	C      <-chan Event
	cancel func()
}

func (s Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// FinalSubscription delivers only final captions, for publisher-type sinks.
type FinalSubscription struct {
	C      <-chan models.CaptionEvent
	cancel func()
}

func (s FinalSubscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
	}
}

// client serializes sends and close so a slow subscriber can be dropped
// without racing a concurrent broadcast.
type client struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func newClient() *client {
	return &client{ch: make(chan Event, clientBuffer)}
}

// trySend queues an event. It reports false once the client is closed or its
// buffer is full; a full buffer closes the client.
func (c *client) trySend(ev Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	default:
		c.closed = true
		close(c.ch)
		return false
	}
}

func (c *client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.ch)
	}
}

// Hub is the in-process publish/subscribe registry.
type Hub struct {
	mu       sync.Mutex
	overlay  map[string]*client
	audience map[string]*client
	finals   map[string]chan models.CaptionEvent

	store   *transcript.Store
	log     *logrus.Entry
	metrics *metrics.Metrics
}

func New(store *transcript.Store, l *logrus.Logger) *Hub {
	return &Hub{
		overlay:  make(map[string]*client),
		audience: make(map[string]*client),
		finals:   make(map[string]chan models.CaptionEvent),
		store:    store,
		log:      l.WithField("component", "hub"),
		metrics:  metrics.DefaultMetrics,
	}
}

// SubscribeOverlay registers an overlay sink: every partial and final caption
// as soon as produced, no history.
func (h *Hub) SubscribeOverlay() Subscription {
	c := newClient()
	id := uuid.NewString()

	h.mu.Lock()
	h.overlay[id] = c
	h.mu.Unlock()
	h.metrics.SinkClients.WithLabelValues("overlay").Inc()

	return Subscription{C: c.ch, cancel: func() { h.dropOverlay(id, "cancel") }}
}

// AttachAudience registers an audience sink. The returned snapshot and the
// live feed come from one critical section in the store, so a caption
// appended during attach shows up exactly once: either in the snapshot or on
// the feed, never both, never neither.
func (h *Hub) AttachAudience() ([]models.TranscriptEntry, Subscription) {
	snapshot, storeSub := h.store.SnapshotAndWatch()
	c := newClient()
	id := uuid.NewString()

	h.mu.Lock()
	h.audience[id] = c
	h.mu.Unlock()
	h.metrics.SinkClients.WithLabelValues("audience").Inc()

	go func() {
		for change := range storeSub.C {
			ev := change
			if !c.trySend(Event{Type: "transcript", Change: &ev}) {
				storeSub.Cancel()
				h.dropAudience(id, "slow")
				return
			}
		}
		// Store dropped us as a slow watcher or is shutting down.
		h.dropAudience(id, "feed-closed")
	}()

	sub := Subscription{C: c.ch, cancel: func() {
		storeSub.Cancel()
		h.dropAudience(id, "cancel")
	}}
	return snapshot, sub
}

// SubscribeFinals registers a publisher-type consumer of final captions.
func (h *Hub) SubscribeFinals() FinalSubscription {
	ch := make(chan models.CaptionEvent, clientBuffer)
	id := uuid.NewString()

	h.mu.Lock()
	h.finals[id] = ch
	h.mu.Unlock()

	return FinalSubscription{C: ch, cancel: func() {
		h.mu.Lock()
		if c, ok := h.finals[id]; ok {
			delete(h.finals, id)
			close(c)
		}
		h.mu.Unlock()
	}}
}

// PublishCaption delivers a caption to every eligible sink in production
// order. Final captions additionally reach the publisher consumers; audience
// clients receive finals through the transcript change feed instead.
func (h *Hub) PublishCaption(ev models.CaptionEvent) {
	h.mu.Lock()
	overlay := make(map[string]*client, len(h.overlay))
	for id, c := range h.overlay {
		overlay[id] = c
	}
	var finals []chan models.CaptionEvent
	if ev.IsFinal {
		for _, c := range h.finals {
			finals = append(finals, c)
		}
	}
	h.mu.Unlock()

	e := ev
	for id, c := range overlay {
		if !c.trySend(Event{Type: "caption", Caption: &e}) {
			h.dropOverlay(id, "slow")
		}
	}
	for _, ch := range finals {
		select {
		case ch <- ev:
		default:
			// Publisher consumers drain fast (fire-and-forget HTTP); a full
			// buffer means the caption is stale, drop it.
			h.metrics.SinkDropped.WithLabelValues("publisher", "slow").Inc()
		}
	}
}

// BroadcastStatus delivers a status event to every audience sink.
func (h *Hub) BroadcastStatus(st models.ServiceStatus) {
	h.mu.Lock()
	audience := make(map[string]*client, len(h.audience))
	for id, c := range h.audience {
		audience[id] = c
	}
	h.mu.Unlock()

	s := st
	for id, c := range audience {
		if !c.trySend(Event{Type: "status", Status: &s}) {
			h.dropAudience(id, "slow")
		}
	}
}

func (h *Hub) dropOverlay(id, reason string) {
	h.mu.Lock()
	c, ok := h.overlay[id]
	if ok {
		delete(h.overlay, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.metrics.SinkClients.WithLabelValues("overlay").Dec()
	if reason != "cancel" {
		h.metrics.SinkDropped.WithLabelValues("overlay", reason).Inc()
		h.log.WithFields(logrus.Fields{"client": id, "reason": reason}).Debug("dropped overlay client")
	}
}

func (h *Hub) dropAudience(id, reason string) {
	h.mu.Lock()
	c, ok := h.audience[id]
	if ok {
		delete(h.audience, id)
	}
	h.mu.Unlock()
	if !ok {
		return
	}
	c.close()
	h.metrics.SinkClients.WithLabelValues("audience").Dec()
	if reason != "cancel" {
		h.metrics.SinkDropped.WithLabelValues("audience", reason).Inc()
		h.log.WithFields(logrus.Fields{"client": id, "reason": reason}).Debug("dropped audience client")
	}
}
