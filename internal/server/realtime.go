package server

import (
	"context"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/cirql/backend/internal/session"
)

const (
	realtimeEventPresence  = "presence"
	realtimeEventHeartbeat = "heartbeat"
	realtimeSourceBackend  = "cirql-backend"
)

// RealtimeMessage is a membership change fanned out to the streams of a place.
type RealtimeMessage struct {
	PlaceID   string
	UserID    string
	EventType string
	Timestamp time.Time
}

// RealtimeDispatcher fans membership changes out to in-process subscribers
// keyed by place. Slow subscribers drop messages rather than block publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

// Subscribe registers a subscriber for the place until ctx is done or the
// returned cleanup is called.
func (d *RealtimeDispatcher) Subscribe(ctx context.Context, placeID string) (<-chan RealtimeMessage, func()) {
	if placeID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage, d.bufferSize),
	}
	d.registerSubscriber(placeID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(placeID, subscriber.id)
		})
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.PlaceID == "" || message.EventType == "" {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.PlaceID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*realtimeSubscriber, 0, len(subscribers))
	for _, subscriber := range subscribers {
		copies = append(copies, subscriber)
	}
	d.mu.RUnlock()
	for _, subscriber := range copies {
		select {
		case subscriber.stream <- message:
		default:
		}
	}
}

// SessionPublisher adapts the dispatcher to the session controller's event sink.
func (d *RealtimeDispatcher) SessionPublisher() session.EventPublisher {
	return sessionEventPublisher{dispatcher: d}
}

type sessionEventPublisher struct {
	dispatcher *RealtimeDispatcher
}

func (p sessionEventPublisher) Publish(event session.Event) {
	p.dispatcher.Publish(RealtimeMessage{
		PlaceID:   event.PlaceID,
		UserID:    event.UserID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp,
	})
}

func (d *RealtimeDispatcher) subscriberCount(placeID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[placeID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(placeID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[placeID]; !ok {
		d.subscribers[placeID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[placeID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(placeID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[placeID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, placeID)
		}
	}
	d.mu.Unlock()
}
