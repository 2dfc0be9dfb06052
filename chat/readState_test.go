////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"testing"
	"time"

	"gitlab.com/elixxir/ekv"
)

// Tests that a burst of viewport advances debounces into a single upsert
// carrying the final newest ID, while the badge clears synchronously.
func Test_readTracker_debounce(t *testing.T) {
	backend := newMockBackend()
	kv := ekv.MakeMemstore()
	unread := make(chan int, 16)
	rt := newReadTracker("self", backend, kv,
		func(_ ChannelID, n int) { unread <- n })

	// Seed an unread badge, then race the viewport through three messages.
	rt.Observe(&Message{
		ID: "m1", ChannelID: "futures", AuthorID: "trader-7"}, false)
	if rt.Unread("futures") != 1 {
		t.Fatalf("Unread badge did not advance.")
	}

	rt.MarkViewed("futures", "m1")
	rt.MarkViewed("futures", "m2")
	rt.MarkViewed("futures", "m3")

	if rt.Unread("futures") != 0 {
		t.Errorf("Badge did not clear synchronously.")
	}

	waitUntil(t, "the marker upsert", func() bool {
		backend.mux.Lock()
		defer backend.mux.Unlock()
		return len(backend.upserts) > 0
	})
	time.Sleep(2 * readMarkDebounce)

	backend.mux.Lock()
	defer backend.mux.Unlock()
	if len(backend.upserts) != 1 {
		t.Errorf("Burst was not debounced.\nexpected: %d\nreceived: %d",
			1, len(backend.upserts))
	}
	if backend.upserts[0].LastReadMessageID != "m3" {
		t.Errorf("Upsert does not carry the final newest ID."+
			"\nexpected: %s\nreceived: %s",
			"m3", backend.upserts[0].LastReadMessageID)
	}
}

// Tests that repeated marks at the same newest ID are no-ops producing no
// further upserts.
func Test_readTracker_idempotentMark(t *testing.T) {
	backend := newMockBackend()
	rt := newReadTracker("self", backend, ekv.MakeMemstore(),
		func(ChannelID, int) {})

	rt.MarkViewed("futures", "m1")
	waitUntil(t, "the first upsert", func() bool {
		backend.mux.Lock()
		defer backend.mux.Unlock()
		return len(backend.upserts) == 1
	})

	rt.MarkViewed("futures", "m1")
	rt.MarkViewed("futures", "m1")
	time.Sleep(2 * readMarkDebounce)

	backend.mux.Lock()
	defer backend.mux.Unlock()
	if len(backend.upserts) != 1 {
		t.Errorf("Repeat marks produced upserts."+
			"\nexpected: %d\nreceived: %d", 1, len(backend.upserts))
	}
}

// Tests that own messages and replies never count as unread.
func Test_readTracker_Observe_filters(t *testing.T) {
	rt := newReadTracker("self", newMockBackend(), ekv.MakeMemstore(),
		func(ChannelID, int) {})

	rt.Observe(&Message{
		ID: "m1", ChannelID: "futures", AuthorID: "self"}, false)
	rt.Observe(&Message{ID: "m2", ChannelID: "futures",
		AuthorID: "trader-7", ParentMessageID: "m1"}, false)
	if rt.Unread("futures") != 0 {
		t.Errorf("Own message or reply accrued unread.\nreceived: %d",
			rt.Unread("futures"))
	}

	rt.Observe(&Message{
		ID: "m3", ChannelID: "futures", AuthorID: "trader-7"}, false)
	if rt.Unread("futures") != 1 {
		t.Errorf("Other-user message did not accrue unread.")
	}
}

// Tests that the marker persists through the local KV and restores on load.
func Test_readTracker_persistence(t *testing.T) {
	backend := newMockBackend()
	kv := ekv.MakeMemstore()

	rt := newReadTracker("self", backend, kv, func(ChannelID, int) {})
	rt.MarkViewed("futures", "m42")
	waitUntil(t, "the marker to persist", func() bool {
		backend.mux.Lock()
		defer backend.mux.Unlock()
		return len(backend.upserts) == 1
	})

	restored := newReadTracker("self", backend, kv, func(ChannelID, int) {})
	restored.Load("futures")
	if restored.LastRead("futures") != "m42" {
		t.Errorf("Marker did not survive restart."+
			"\nexpected: %s\nreceived: %s", "m42", restored.LastRead("futures"))
	}
}
