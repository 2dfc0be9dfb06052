////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"gitlab.com/pitside/client/chat"
)

// Tests that events reach every subscriber of the published scope and none of
// the others.
func TestBus_scopedDelivery(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	subA1, err := bus.Subscribe(ctx, "channel:futures")
	if err != nil {
		t.Fatalf("Failed to subscribe: %+v", err)
	}
	subA2, err := bus.Subscribe(ctx, "channel:futures")
	if err != nil {
		t.Fatalf("Failed to subscribe: %+v", err)
	}
	subB, err := bus.Subscribe(ctx, "channel:options")
	if err != nil {
		t.Fatalf("Failed to subscribe: %+v", err)
	}

	ev := chat.Event{Type: chat.EventTyping, Scope: "channel:futures"}
	if err = bus.Publish(ctx, "channel:futures", ev); err != nil {
		t.Fatalf("Failed to publish: %+v", err)
	}

	for i, sub := range []chat.Subscription{subA1, subA2} {
		select {
		case got := <-sub.Events():
			if got.Type != chat.EventTyping {
				t.Errorf("Subscriber %d received wrong event type."+
					"\nexpected: %s\nreceived: %s",
					i, chat.EventTyping, got.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("Subscriber %d never received the event.", i)
		}
	}

	select {
	case got := <-subB.Events():
		t.Errorf("Event leaked across scopes: %+v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

// Tests that closing a subscription ends its event channel and removes it
// from delivery.
func TestBus_Close(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx := context.Background()
	sub, err := bus.Subscribe(ctx, "channel:futures")
	if err != nil {
		t.Fatalf("Failed to subscribe: %+v", err)
	}

	sub.Close()

	select {
	case _, open := <-sub.Events():
		if open {
			t.Errorf("Event channel still open after close.")
		}
	case <-time.After(time.Second):
		t.Fatalf("Event channel not closed.")
	}

	// Publishing to the now-empty scope must not panic or deliver.
	err = bus.Publish(ctx, "channel:futures",
		chat.Event{Type: chat.EventTyping})
	if err != nil {
		t.Errorf("Publish to empty scope failed: %+v", err)
	}
}

// Tests that concurrent publishers survive a slow subscriber being dropped:
// one publisher's enqueue timeout must not close the egress channel out from
// under another publisher blocked on the same full buffer.
func TestBus_concurrentPublishDrop(t *testing.T) {
	bus := NewBus()
	bus.enqueueWait = 50 * time.Millisecond
	defer bus.Close()

	ctx := context.Background()
	const scope = "channel:futures"
	sub, err := bus.Subscribe(ctx, scope)
	if err != nil {
		t.Fatalf("Failed to subscribe: %+v", err)
	}

	// Fill the subscriber's buffer without draining it.
	ev := chat.Event{Type: chat.EventTyping, Scope: scope}
	for i := 0; i < egressBufSize; i++ {
		if err = bus.Publish(ctx, scope, ev); err != nil {
			t.Fatalf("Failed to fill the buffer at %d: %+v", i, err)
		}
	}

	panics := make(chan interface{}, 2)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					panics <- r
				}
			}()
			_ = bus.Publish(context.Background(), scope, ev)
		}()
	}
	wg.Wait()

	select {
	case r := <-panics:
		t.Fatalf("Publish panicked: %+v", r)
	default:
	}

	// The stalled subscriber must have been dropped: its buffered events
	// drain and then the channel closes.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, open := <-sub.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatalf("Subscriber egress never closed after the drop.")
		}
	}
}

// Tests that canceling the subscription context tears the subscription down.
func TestBus_contextCancel(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := bus.Subscribe(ctx, "channel:futures")
	if err != nil {
		t.Fatalf("Failed to subscribe: %+v", err)
	}

	cancel()

	deadline := time.After(time.Second)
	for {
		select {
		case _, open := <-sub.Events():
			if !open {
				return
			}
		case <-deadline:
			t.Fatalf("Subscription survived context cancellation.")
		}
	}
}
