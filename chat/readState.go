////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"sync"
	"time"

	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	// readMarkDebounce coalesces marker upserts while messages arrive in a
	// burst; only the final newest ID of the burst is written.
	readMarkDebounce = 500 * time.Millisecond

	// readStateKeyPrefix prefixes the per-channel marker keys in the local
	// KV.
	readStateKeyPrefix = "readState/"

	// readStateUpsertTimeout bounds the backend upsert call.
	readStateUpsertTimeout = 10 * time.Second
)

// readTracker maintains the per-channel last-read marker and unread count.
// Reaching the newest message clears the unread badge synchronously and
// upserts the persisted marker asynchronously, debounced to one write per
// distinct newest-message transition. The marker is mirrored into the local
// KV so unread suppression survives a restart.
type readTracker struct {
	self     UserID
	svc      ReadStateService
	kv       ekv.KeyValue
	onUnread func(channelID ChannelID, unread int)

	lastRead map[ChannelID]MessageID
	unread   map[ChannelID]int

	pendingNewest map[ChannelID]MessageID
	pendingTimer  map[ChannelID]*time.Timer

	mux sync.Mutex
}

func newReadTracker(self UserID, svc ReadStateService, kv ekv.KeyValue,
	onUnread func(ChannelID, int)) *readTracker {
	return &readTracker{
		self:          self,
		svc:           svc,
		kv:            kv,
		onUnread:      onUnread,
		lastRead:      make(map[ChannelID]MessageID),
		unread:        make(map[ChannelID]int),
		pendingNewest: make(map[ChannelID]MessageID),
		pendingTimer:  make(map[ChannelID]*time.Timer),
	}
}

// Load restores a channel's marker from the local KV, if one was persisted.
func (rt *readTracker) Load(channelID ChannelID) {
	var rs ReadState
	err := rt.kv.GetInterface(readStateKeyPrefix+string(channelID), &rs)
	if !ekv.Exists(err) {
		return
	}
	if err != nil {
		jww.WARN.Printf("[CHAT] Failed to load read state for %s: %+v",
			channelID, err)
		return
	}

	rt.mux.Lock()
	rt.lastRead[channelID] = rs.LastReadMessageID
	rt.mux.Unlock()
}

// MarkViewed records that the user's viewport reached the given newest
// message. The unread badge clears immediately; the persisted marker follows
// after the debounce window. Repeat calls with the same newest ID are no-ops,
// so render loops can call this freely.
func (rt *readTracker) MarkViewed(channelID ChannelID, newest MessageID) {
	rt.mux.Lock()
	if rt.lastRead[channelID] == newest {
		rt.mux.Unlock()
		return
	}
	rt.lastRead[channelID] = newest
	badgeCleared := rt.unread[channelID] != 0
	rt.unread[channelID] = 0
	rt.pendingNewest[channelID] = newest

	if _, scheduled := rt.pendingTimer[channelID]; !scheduled {
		rt.pendingTimer[channelID] = time.AfterFunc(
			readMarkDebounce, func() { rt.flush(channelID) })
	}
	rt.mux.Unlock()

	if badgeCleared {
		rt.onUnread(channelID, 0)
	}
}

// Observe accounts for one live message: viewed channels are marked read at
// the new message, others accrue unread.
func (rt *readTracker) Observe(msg *Message, viewing bool) {
	if msg.AuthorID == rt.self || msg.IsReply() {
		return
	}
	if viewing {
		rt.MarkViewed(msg.ChannelID, msg.ID)
		return
	}

	rt.mux.Lock()
	rt.unread[msg.ChannelID]++
	count := rt.unread[msg.ChannelID]
	rt.mux.Unlock()

	rt.onUnread(msg.ChannelID, count)
}

// Unread returns the channel's current unread count.
func (rt *readTracker) Unread(channelID ChannelID) int {
	rt.mux.Lock()
	defer rt.mux.Unlock()
	return rt.unread[channelID]
}

// LastRead returns the channel's current last-read marker.
func (rt *readTracker) LastRead(channelID ChannelID) MessageID {
	rt.mux.Lock()
	defer rt.mux.Unlock()
	return rt.lastRead[channelID]
}

// flush writes the latest pending marker for the channel to the local KV and
// the backend.
func (rt *readTracker) flush(channelID ChannelID) {
	rt.mux.Lock()
	newest := rt.pendingNewest[channelID]
	delete(rt.pendingNewest, channelID)
	delete(rt.pendingTimer, channelID)
	rt.mux.Unlock()

	if newest == "" {
		return
	}

	rs := ReadState{
		UserID:            rt.self,
		ChannelID:         channelID,
		LastReadMessageID: newest,
		LastReadAt:        netTime.Now(),
	}

	err := rt.kv.SetInterface(readStateKeyPrefix+string(channelID), &rs)
	if err != nil {
		jww.WARN.Printf("[CHAT] Failed to persist read state for %s: %+v",
			channelID, err)
	}

	ctx, cancel := context.WithTimeout(
		context.Background(), readStateUpsertTimeout)
	defer cancel()
	if err = rt.svc.UpsertReadState(ctx, rs); err != nil {
		// The local badge stays cleared; the marker retries on the next
		// transition.
		jww.WARN.Printf("[CHAT] Failed to upsert read state for %s: %+v",
			channelID, err)
	}
}
