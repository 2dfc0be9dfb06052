////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package realtime provides transports for the chat coordinator: an
// in-process bus for tests and local demos, and a websocket client for the
// production gateway.
package realtime

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/pitside/client/chat"
)

const (
	// egressBufSize is the per-subscriber outbound buffer.
	egressBufSize = 256

	// enqueueTimeout is how long a publish waits on a full subscriber buffer
	// before dropping that subscriber.
	enqueueTimeout = 2 * time.Second
)

// Bus is an in-process implementation of chat.Transport. Every subscription
// gets its own buffered egress channel; a subscriber that cannot drain its
// buffer within the enqueue timeout is disconnected rather than allowed to
// stall the publisher.
type Bus struct {
	scopes      map[string]map[*busSub]bool
	enqueueWait time.Duration
	mux         sync.Mutex
}

// NewBus creates an empty in-process bus.
func NewBus() *Bus {
	return &Bus{
		scopes:      make(map[string]map[*busSub]bool),
		enqueueWait: enqueueTimeout,
	}
}

type busSub struct {
	bus    *Bus
	scope  string
	egress chan chat.Event

	// sendMux serializes enqueues against shut so an event can never be
	// offered to a channel that a concurrent drop has already closed.
	sendMux sync.Mutex
	closed  bool
}

func (bs *busSub) Events() <-chan chat.Event { return bs.egress }

func (bs *busSub) Close() {
	bs.bus.drop(bs)
}

// enqueue offers one event, waiting out the enqueue timeout on a full buffer.
// It reports false when the subscriber could not drain in time; events
// offered after shut are discarded.
func (bs *busSub) enqueue(event chat.Event) bool {
	bs.sendMux.Lock()
	defer bs.sendMux.Unlock()
	if bs.closed {
		return true
	}
	select {
	case bs.egress <- event:
		return true
	case <-time.After(bs.bus.enqueueWait):
		return false
	}
}

// shut closes the egress channel exactly once, after any in-flight enqueue
// has finished.
func (bs *busSub) shut() {
	bs.sendMux.Lock()
	if !bs.closed {
		bs.closed = true
		close(bs.egress)
	}
	bs.sendMux.Unlock()
}

// Subscribe registers a new subscription for the scope. The subscription ends
// when Close is called or the context is canceled.
func (b *Bus) Subscribe(
	ctx context.Context, scope string) (chat.Subscription, error) {
	sub := &busSub{
		bus:    b,
		scope:  scope,
		egress: make(chan chat.Event, egressBufSize),
	}

	b.mux.Lock()
	subs, exists := b.scopes[scope]
	if !exists {
		subs = make(map[*busSub]bool)
		b.scopes[scope] = subs
	}
	subs[sub] = true
	b.mux.Unlock()

	go func() {
		<-ctx.Done()
		b.drop(sub)
	}()

	jww.DEBUG.Printf("[BUS] Subscribed to %s", scope)
	return sub, nil
}

// Publish delivers the event to every subscription of the scope. Subscribers
// whose buffers stay full past the enqueue timeout are dropped.
func (b *Bus) Publish(_ context.Context, scope string, event chat.Event) error {
	b.mux.Lock()
	subs := make([]*busSub, 0, len(b.scopes[scope]))
	for sub := range b.scopes[scope] {
		subs = append(subs, sub)
	}
	b.mux.Unlock()

	for _, sub := range subs {
		if !sub.enqueue(event) {
			jww.WARN.Printf("[BUS] Subscriber on %s cannot keep up; "+
				"dropping it", scope)
			b.drop(sub)
		}
	}
	return nil
}

// Close tears down every subscription on the bus.
func (b *Bus) Close() {
	b.mux.Lock()
	scopes := b.scopes
	b.scopes = make(map[string]map[*busSub]bool)
	b.mux.Unlock()

	for _, subs := range scopes {
		for sub := range subs {
			sub.shut()
		}
	}
}

// drop removes one subscription and closes its egress channel. Safe to call
// from any number of publishers concurrently; shut is idempotent and waits
// out in-flight enqueues.
func (b *Bus) drop(sub *busSub) {
	b.mux.Lock()
	subs, exists := b.scopes[sub.scope]
	if exists {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(b.scopes, sub.scope)
		}
	}
	b.mux.Unlock()

	sub.shut()
}
