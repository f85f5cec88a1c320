package rpc

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"google.golang.org/protobuf/types/known/structpb"
)

const eventBufferSize = 100

// EventStreamer fans rig events out to WatchEvents subscribers. A
// subscriber that falls behind loses events rather than stalling the rig.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*subscriber
	closed      bool
}

type subscriber struct {
	ch    chan *structpb.Struct
	types []string
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID]*subscriber),
	}
}

// Subscribe registers a subscriber for the given event types, or for all
// events when types is empty. The channel is closed by Unsubscribe or Close.
func (s *EventStreamer) Subscribe(types []string) (uuid.UUID, <-chan *structpb.Struct) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := uuid.New()
	ch := make(chan *structpb.Struct, eventBufferSize)
	if s.closed {
		close(ch)
		return id, ch
	}
	s.subscribers[id] = &subscriber{ch: ch, types: types}
	return id, ch
}

func (s *EventStreamer) Unsubscribe(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sub, ok := s.subscribers[id]; ok {
		delete(s.subscribers, id)
		close(sub.ch)
	}
}

// Publish encodes data and delivers it to every matching subscriber.
func (s *EventStreamer) Publish(eventType string, at time.Time, data any) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.subscribers) == 0 {
		return
	}

	payload, err := encodeValue(data)
	if err != nil {
		return
	}
	event := &structpb.Struct{Fields: map[string]*structpb.Value{
		"type":      structpb.NewStringValue(eventType),
		"timestamp": structpb.NewStringValue(at.UTC().Format(time.RFC3339Nano)),
		"data":      payload,
	}}

	for _, sub := range s.subscribers {
		if len(sub.types) > 0 && !slices.Contains(sub.types, eventType) {
			continue
		}
		select {
		case sub.ch <- event:
		default:
		}
	}
}

// Close ends every subscription. Later subscribers get a closed channel.
func (s *EventStreamer) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	for id, sub := range s.subscribers {
		delete(s.subscribers, id)
		close(sub.ch)
	}
}

func (s *EventStreamer) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}
