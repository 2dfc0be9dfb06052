////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sort"
	"strconv"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"
	"go.uber.org/ratelimit"
)

const (
	// typingTimeout is how long a typing indicator survives without a
	// refreshing signal. Expiry is enforced client-side so a dropped "stopped
	// typing" frame can never leave a stale indicator behind.
	typingTimeout = 4 * time.Second

	// typingBroadcastsPerSecond caps outbound typing signals; holding a key
	// down refreshes the remote indicator at most this often.
	typingBroadcastsPerSecond = 1
)

// typingCoordinator merges typing signals per channel into a single composed
// indicator string and clears each typist when their signal goes stale.
// Outbound signals are funneled through a rate limiter so the composer can
// call NotifyTyping on every keystroke.
type typingCoordinator struct {
	self     UserID
	channels map[ChannelID]map[UserID]typingEntry
	onChange func(channelID ChannelID, composed string)

	outbound chan ChannelID
	limiter  ratelimit.Limiter
	publish  func(channelID ChannelID)
	done     chan struct{}

	mux sync.Mutex
}

type typingEntry struct {
	displayName string
	expires     time.Time
}

func newTypingCoordinator(self UserID,
	onChange func(ChannelID, string),
	publish func(ChannelID)) *typingCoordinator {
	tc := &typingCoordinator{
		self:     self,
		channels: make(map[ChannelID]map[UserID]typingEntry),
		onChange: onChange,
		outbound: make(chan ChannelID, 1),
		limiter:  ratelimit.New(typingBroadcastsPerSecond),
		publish:  publish,
		done:     make(chan struct{}),
	}
	go tc.broadcastLoop()
	return tc
}

// NotifyTyping requests an outbound typing broadcast for the channel. Safe to
// call on every keystroke; excess requests are coalesced and the broadcast
// rate is limited.
func (tc *typingCoordinator) NotifyTyping(channelID ChannelID) {
	select {
	case tc.outbound <- channelID:
	default:
		// A broadcast is already queued; the indicator refresh it carries
		// covers this keystroke too.
	}
}

// Receive merges an inbound typing signal. The local user's own echoes are
// ignored. The indicator is refreshed for the full timeout window and a
// delayed sweep clears it if no further signal arrives.
func (tc *typingCoordinator) Receive(sig TypingSignal) {
	if sig.UserID == tc.self {
		return
	}

	tc.mux.Lock()
	users, exists := tc.channels[sig.ChannelID]
	if !exists {
		users = make(map[UserID]typingEntry)
		tc.channels[sig.ChannelID] = users
	}
	users[sig.UserID] = typingEntry{
		displayName: sig.DisplayName,
		expires:     netTime.Now().Add(typingTimeout),
	}
	composed := tc.composeLocked(sig.ChannelID)
	tc.mux.Unlock()

	tc.onChange(sig.ChannelID, composed)

	// Sweep just after this signal would expire; a fresh signal in the
	// meantime simply wins by having a later expiry.
	time.AfterFunc(typingTimeout+50*time.Millisecond, func() {
		tc.sweep(sig.ChannelID)
	})
}

// Compose returns the channel's current merged typing string: "" when nobody
// types, "A is typing", "A and B are typing", or "A and N others are typing".
func (tc *typingCoordinator) Compose(channelID ChannelID) string {
	tc.mux.Lock()
	defer tc.mux.Unlock()
	return tc.composeLocked(channelID)
}

// Stop terminates the outbound broadcast loop.
func (tc *typingCoordinator) Stop() {
	close(tc.done)
}

// broadcastLoop drains outbound requests through the rate limiter.
func (tc *typingCoordinator) broadcastLoop() {
	for {
		select {
		case <-tc.done:
			return
		case channelID := <-tc.outbound:
			tc.limiter.Take()
			tc.publish(channelID)
		}
	}
}

// sweep drops expired typists for the channel and notifies when the composed
// string changed.
func (tc *typingCoordinator) sweep(channelID ChannelID) {
	now := netTime.Now()

	tc.mux.Lock()
	users := tc.channels[channelID]
	before := tc.composeLocked(channelID)
	for userID, entry := range users {
		if entry.expires.Before(now) || entry.expires.Equal(now) {
			delete(users, userID)
		}
	}
	after := tc.composeLocked(channelID)
	tc.mux.Unlock()

	if before != after {
		jww.TRACE.Printf("[CHAT] Typing on %s now %q", channelID, after)
		tc.onChange(channelID, after)
	}
}

// composeLocked builds the merged typing string. Names sort alphabetically so
// the string is stable across recomputation. Must be called with the mutex
// held.
func (tc *typingCoordinator) composeLocked(channelID ChannelID) string {
	users := tc.channels[channelID]
	if len(users) == 0 {
		return ""
	}

	names := make([]string, 0, len(users))
	for userID, entry := range users {
		name := entry.displayName
		if name == "" {
			name = string(userID)
		}
		names = append(names, name)
	}
	sort.Strings(names)

	switch len(names) {
	case 1:
		return names[0] + " is typing"
	case 2:
		return names[0] + " and " + names[1] + " are typing"
	default:
		return names[0] + " and " +
			strconv.Itoa(len(names)-1) + " others are typing"
	}
}
