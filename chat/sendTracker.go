////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sync"
	"time"

	"gitlab.com/xx_network/primitives/netTime"
)

// sendTrackerTTL bounds how long a send stays tracked when its realtime echo
// never arrives (e.g. the transport dropped the frame). Purged lazily.
const sendTrackerTTL = 2 * time.Minute

// sendTracker records every in-flight send keyed by its LocalID so the
// live-pushed echo of an own message can be matched to its optimistic
// placeholder instead of being treated as a new message. Both settle orders
// are handled: echo before the send response, and response before the echo.
type sendTracker struct {
	byLocalID map[string]*trackedSend
	mux       sync.Mutex
}

type trackedSend struct {
	placeholderID MessageID
	confirmed     bool
	echoSeen      bool
	trackedAt     time.Time
}

func newSendTracker() *sendTracker {
	return &sendTracker{byLocalID: make(map[string]*trackedSend)}
}

// Track registers an optimistic send before its network call is dispatched.
func (st *sendTracker) Track(localID string, placeholderID MessageID) {
	st.mux.Lock()
	defer st.mux.Unlock()
	st.purge()
	st.byLocalID[localID] = &trackedSend{
		placeholderID: placeholderID,
		trackedAt:     netTime.Now(),
	}
}

// MatchEcho reports whether a live message is the echo of a tracked own send
// and, if so, which placeholder it corresponds to. The tracked entry is
// retired once both the echo and the send response have been seen.
func (st *sendTracker) MatchEcho(msg *Message) (MessageID, bool) {
	if msg.LocalID == "" {
		return "", false
	}
	st.mux.Lock()
	defer st.mux.Unlock()

	ts, exists := st.byLocalID[msg.LocalID]
	if !exists {
		return "", false
	}
	ts.echoSeen = true
	if ts.confirmed {
		delete(st.byLocalID, msg.LocalID)
	}
	return ts.placeholderID, true
}

// Confirm marks the send's network round trip settled successfully.
func (st *sendTracker) Confirm(localID string) {
	st.mux.Lock()
	defer st.mux.Unlock()
	ts, exists := st.byLocalID[localID]
	if !exists {
		return
	}
	ts.confirmed = true
	if ts.echoSeen {
		delete(st.byLocalID, localID)
	}
}

// Fail forgets a send whose network call was rejected; its placeholder is
// rolled back by the engine, so any echo that somehow follows must not match.
func (st *sendTracker) Fail(localID string) {
	st.mux.Lock()
	defer st.mux.Unlock()
	delete(st.byLocalID, localID)
}

// purge drops entries past the tracking TTL. Must be called with the mutex
// held.
func (st *sendTracker) purge() {
	cutoff := netTime.Now().Add(-sendTrackerTTL)
	for localID, ts := range st.byLocalID {
		if ts.trackedAt.Before(cutoff) {
			delete(st.byLocalID, localID)
		}
	}
}
