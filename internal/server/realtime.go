package server

import (
	"context"
	"sync"

	"github.com/MarcoPoloResearchLab/shelfsync/internal/engine"
)

const (
	RealtimeEventContentChanged = "content-change"
	realtimeEventHeartbeat      = "heartbeat"
	realtimeSourceBackend       = "shelfsync"
)

// RealtimeDispatcher fans change events out to SSE subscribers of a group.
// It satisfies engine.EventSink.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
	bufferSize  int
}

type realtimeSubscriber struct {
	id     int64
	stream chan engine.ChangeEvent
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
		bufferSize:  16,
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, groupID string) (<-chan engine.ChangeEvent, func()) {
	if groupID == "" {
		ch := make(chan engine.ChangeEvent)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan engine.ChangeEvent, d.bufferSize),
	}
	d.registerSubscriber(groupID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregisterSubscriber(groupID, subscriber.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return subscriber.stream, cleanup
}

// Publish delivers the event to every subscriber of its group. Slow
// subscribers drop events rather than block the sync engine.
func (d *RealtimeDispatcher) Publish(event engine.ChangeEvent) {
	if event.GroupID == "" || event.Empty() {
		return
	}
	d.mu.RLock()
	subscribers := d.subscribers[event.GroupID]
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
		case subscriber.stream <- event:
		default:
		}
	}
}

func (d *RealtimeDispatcher) subscriberCount(groupID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[groupID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(groupID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[groupID]; !ok {
		d.subscribers[groupID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[groupID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(groupID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[groupID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, groupID)
		}
	}
	d.mu.Unlock()
}
