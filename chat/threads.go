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

	jww "github.com/spf13/jwalterweatherman"
)

// threadManager owns the parent/reply relationship: it tracks which threads
// are open, runs each open thread's live reply subscription, and maintains
// the parent's derived ReplyCount and LastReplyAt.
//
// A thread's state is monotone: once a parent has replies it never returns to
// having none (threads are not deletable), so ReplyCount only moves forward
// outside of optimistic rollback.
type threadManager struct {
	store     *Store
	cache     *Cache
	transport Transport

	// onReply is called after a live reply has been merged, with the parent
	// ID, so the owner can notify the renderer.
	onReply func(parentID MessageID)

	// matchEcho reports whether a live reply is the echo of a tracked own
	// send and, if so, which optimistic placeholder it replaces.
	matchEcho func(msg *Message) (MessageID, bool)

	open map[MessageID]*threadHandle
	mux  sync.Mutex
}

type threadHandle struct {
	sub    Subscription
	cancel context.CancelFunc
}

func newThreadManager(store *Store, cache *Cache, transport Transport,
	onReply func(MessageID),
	matchEcho func(*Message) (MessageID, bool)) *threadManager {
	return &threadManager{
		store:     store,
		cache:     cache,
		transport: transport,
		onReply:   onReply,
		matchEcho: matchEcho,
		open:      make(map[MessageID]*threadHandle),
	}
}

// Open subscribes to the live reply stream of the given parent message. It is
// a no-op if the thread is already open.
func (tm *threadManager) Open(parentID MessageID) error {
	if _, err := tm.store.Get(parentID); err != nil {
		return err
	}

	tm.mux.Lock()
	defer tm.mux.Unlock()
	if _, exists := tm.open[parentID]; exists {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := tm.transport.Subscribe(ctx, ThreadScope(parentID))
	if err != nil {
		cancel()
		return err
	}
	tm.open[parentID] = &threadHandle{sub: sub, cancel: cancel}

	go tm.stream(parentID, sub)
	jww.INFO.Printf("[CHAT] Opened thread %s", parentID)
	return nil
}

// Close tears down the thread's reply subscription. The replies stay cached;
// only the live stream stops.
func (tm *threadManager) Close(parentID MessageID) {
	tm.mux.Lock()
	handle, exists := tm.open[parentID]
	delete(tm.open, parentID)
	tm.mux.Unlock()

	if !exists {
		return
	}
	handle.cancel()
	handle.sub.Close()
	jww.INFO.Printf("[CHAT] Closed thread %s", parentID)
}

// CloseAll tears down every open thread; used when leaving a channel.
func (tm *threadManager) CloseAll() {
	tm.mux.Lock()
	handles := tm.open
	tm.open = make(map[MessageID]*threadHandle)
	tm.mux.Unlock()

	for parentID, handle := range handles {
		handle.cancel()
		handle.sub.Close()
		jww.DEBUG.Printf("[CHAT] Closed thread %s", parentID)
	}
}

// Replies returns the thread's timeline with the same grouping rules as the
// main channel feed, applied independently within the thread.
func (tm *threadManager) Replies(parentID MessageID) (
	[]AnnotatedMessage, error) {
	msgs, err := tm.store.Replies(parentID)
	if err != nil {
		return nil, err
	}
	return GroupAndAnnotate(msgs), nil
}

// stream consumes one thread's live reply events until the subscription
// closes.
func (tm *threadManager) stream(parentID MessageID, sub Subscription) {
	for ev := range sub.Events() {
		if ev.Type != EventMessageNew {
			continue
		}
		var reply Message
		if err := decodePayload(ev, &reply); err != nil {
			jww.ERROR.Printf("[CHAT] %+v", err)
			continue
		}
		tm.Receive(&reply)
	}
}

// Receive merges one live reply. An own send's echo replaces its optimistic
// placeholder rather than inserting alongside it, and skips the counter bump
// the optimistic send already applied; any other reply is inserted at its
// ordered position and advances the parent's counters.
func (tm *threadManager) Receive(reply *Message) {
	if !reply.IsReply() {
		return
	}

	if placeholderID, own := tm.matchEcho(reply); own {
		echoed := *reply
		echoed.Status = Delivered
		if err := tm.store.CommitReplace(placeholderID, echoed); err != nil {
			jww.WARN.Printf("[CHAT] Failed to reconcile reply echo of %s: %+v",
				reply.LocalID, err)
		}
	} else {
		inserted, err := tm.store.AppendLive(*reply)
		if err != nil {
			jww.WARN.Printf("[CHAT] Dropped live reply %s: %+v", reply.ID, err)
			return
		}
		if inserted {
			tm.bumpParent(reply)
		}
	}

	tm.cache.Invalidate(
		CacheKey{Kind: CacheThread, ID: string(reply.ParentMessageID)})
	tm.onReply(reply.ParentMessageID)
}

// bumpParent advances the parent's ReplyCount and LastReplyAt for a confirmed
// reply.
func (tm *threadManager) bumpParent(reply *Message) {
	err := tm.store.Update(reply.ParentMessageID, func(parent *Message) {
		parent.ReplyCount++
		if reply.CreatedAt.After(parent.LastReplyAt) {
			parent.LastReplyAt = reply.CreatedAt
		}
	})
	if err != nil {
		jww.WARN.Printf("[CHAT] Reply %s arrived for unknown parent %s: %+v",
			reply.ID, reply.ParentMessageID, err)
	}
}
