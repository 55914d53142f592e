package aggregator

import (
	"context"
	"fmt"
	"sync"
)

// streamBufferSize is the per-group broadcast buffer (spec §4.5: "Buffer
// size: 100 updates; overflow drops the oldest").
const streamBufferSize = 100

// groupStream is one group's lazily-created broadcast channel.
type groupStream struct {
	mu        sync.Mutex
	listeners map[int]chan MessageUpdate
	nextID    int
}

// Streams is the per-group broadcast channel manager (spec §4.5 Stream
// API): one channel per group, lazily created. A group's entry is never
// removed: after its last receiver closes it stays registered, and a later
// Publish to it delivers nothing.
type Streams struct {
	mu     sync.Mutex
	groups map[string]*groupStream
}

// NewStreams builds an empty stream manager.
func NewStreams() *Streams {
	return &Streams{groups: make(map[string]*groupStream)}
}

func (s *Streams) streamFor(mlsGroupID []byte) *groupStream {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := groupKey(mlsGroupID)
	g, ok := s.groups[key]
	if !ok {
		g = &groupStream{listeners: make(map[int]chan MessageUpdate)}
		s.groups[key] = g
	}
	return g
}

// Subscription is a live receiver on one group's update stream.
type Subscription struct {
	Updates <-chan MessageUpdate
	cancel  func()
}

// Close detaches the receiver. The group's stream entry stays registered
// even when this was its last receiver.
func (sub *Subscription) Close() { sub.cancel() }

// Subscribe installs a new receiver for mlsGroupID. Per spec §4.5, callers
// must install the receiver (call Subscribe) before taking a snapshot, so
// no update can slip between the two.
func (s *Streams) Subscribe(mlsGroupID []byte) *Subscription {
	g := s.streamFor(mlsGroupID)
	g.mu.Lock()
	id := g.nextID
	g.nextID++
	ch := make(chan MessageUpdate, streamBufferSize)
	g.listeners[id] = ch
	g.mu.Unlock()

	return &Subscription{
		Updates: ch,
		cancel: func() {
			g.mu.Lock()
			delete(g.listeners, id)
			g.mu.Unlock()
		},
	}
}

// Publish fans out an update to every live receiver on mlsGroupID's stream.
// A full receiver channel has its oldest buffered update dropped to make
// room (spec §4.5: "overflow drops the oldest").
func (s *Streams) Publish(mlsGroupID []byte, update MessageUpdate) {
	g := s.streamFor(mlsGroupID)
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, ch := range g.listeners {
		select {
		case ch <- update:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- update:
			default:
			}
		}
	}
}

// Snapshot+Stream combines fetch_aggregated_messages_for_group with a fresh
// Subscribe call, matching spec §4.5's subscribe_to_group_messages contract.
func (a *Aggregator) SubscribeToGroupMessages(ctx context.Context, mlsGroupID []byte) ([]*ChatMessage, *Subscription, error) {
	sub := a.streams.Subscribe(mlsGroupID)
	initial, err := a.Snapshot(ctx, mlsGroupID)
	if err != nil {
		sub.Close()
		return nil, nil, fmt.Errorf("aggregator: subscribe_to_group_messages: %w", err)
	}
	return initial, sub, nil
}
