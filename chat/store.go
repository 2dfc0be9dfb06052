////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sort"
	"sync"

	"github.com/golang-collections/collections/queue"
	jww "github.com/spf13/jwalterweatherman"
)

// Store is the canonical per-channel message cache. Pages fetched from the
// backend and live-pushed messages are merged into one list kept in ascending
// (CreatedAt, ID) order; the store never trusts arrival order.
//
// All mutation entry points are synchronous. Optimistic mutations snapshot the
// affected messages before changing them so the engine can roll back to a
// structurally identical state. Mutations against the same message ID are
// serialized through a per-message queue to avoid lost updates from rapid
// double toggles.
type Store struct {
	channels map[ChannelID]*channelCache

	// index locates the owning channel of any cached message, which makes
	// reconciliation id-addressed: a settling mutation finds its target even
	// if the user has switched channels since dispatch.
	index map[MessageID]ChannelID

	// Per-message serialization state for optimistic mutations.
	inFlight map[MessageID]bool
	waiting  map[MessageID]*queue.Queue

	mux sync.RWMutex
}

type channelCache struct {
	messages []*Message // ascending (CreatedAt, ID)
	byID     map[MessageID]*Message
	hasMore  bool
}

// Page is one slice of a channel's timeline as returned by GetPage.
type Page struct {
	Messages []Message
	HasMore  bool
}

// Snapshot captures the pre-mutation state of every message an optimistic
// mutation touches. Restoring it yields a state deep-equal to the one at
// capture time.
type Snapshot struct {
	entries []snapshotEntry
}

type snapshotEntry struct {
	channelID ChannelID
	id        MessageID
	present   bool
	msg       Message // deep copy, valid only when present
}

// mergeSnapshots combines snapshots taken by one mutation into a single one;
// rollback restores the entries in capture order.
func mergeSnapshots(snaps ...Snapshot) Snapshot {
	var merged Snapshot
	for _, snap := range snaps {
		merged.entries = append(merged.entries, snap.entries...)
	}
	return merged
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		channels: make(map[ChannelID]*channelCache),
		index:    make(map[MessageID]ChannelID),
		inFlight: make(map[MessageID]bool),
		waiting:  make(map[MessageID]*queue.Queue),
	}
}

// AddChannel registers a channel so messages can be cached for it. It is a
// no-op if the channel is already present.
func (s *Store) AddChannel(channelID ChannelID) {
	s.mux.Lock()
	defer s.mux.Unlock()
	if _, exists := s.channels[channelID]; exists {
		return
	}
	s.channels[channelID] = &channelCache{
		byID:    make(map[MessageID]*Message),
		hasMore: true,
	}
}

// RemoveChannel drops a channel and every cached message in it.
func (s *Store) RemoveChannel(channelID ChannelID) {
	s.mux.Lock()
	defer s.mux.Unlock()
	cc, exists := s.channels[channelID]
	if !exists {
		return
	}
	for id := range cc.byID {
		delete(s.index, id)
	}
	delete(s.channels, channelID)
}

// HasChannel reports whether the channel is registered.
func (s *Store) HasChannel(channelID ChannelID) bool {
	s.mux.RLock()
	defer s.mux.RUnlock()
	_, exists := s.channels[channelID]
	return exists
}

// GetPage returns up to limit cached messages older than the before cursor in
// ascending order. A zero-value cursor returns the newest messages. HasMore
// reports whether older pages may still exist on the backend.
func (s *Store) GetPage(channelID ChannelID, before MessageID, limit int) (
	Page, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	cc, exists := s.channels[channelID]
	if !exists {
		return Page{}, ChannelNotFoundErr
	}

	end := len(cc.messages)
	if before != "" {
		cursor, exists := cc.byID[before]
		if !exists {
			return Page{}, MessageNotFoundErr
		}
		// First position at or after the cursor; the page ends just before it.
		end = sort.Search(len(cc.messages), func(i int) bool {
			return !cc.messages[i].Before(cursor)
		})
	}

	start := end - limit
	if limit <= 0 || start < 0 {
		start = 0
	}

	page := Page{
		Messages: make([]Message, 0, end-start),
		HasMore:  cc.hasMore || start > 0,
	}
	for _, m := range cc.messages[start:end] {
		page.Messages = append(page.Messages, cloneMessage(m))
	}
	return page, nil
}

// MergePage merges a fetched page into the channel's list. Messages already
// present are left untouched; new ones are inserted at their ordered
// position regardless of the page's arrival order. hasMore records whether
// the backend reported older messages beyond this page.
func (s *Store) MergePage(
	channelID ChannelID, msgs []Message, hasMore bool) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	cc, exists := s.channels[channelID]
	if !exists {
		return ChannelNotFoundErr
	}

	for i := range msgs {
		if _, dup := cc.byID[msgs[i].ID]; dup {
			continue
		}
		s.insert(channelID, cc, cloneMessage(&msgs[i]))
	}
	cc.hasMore = hasMore
	return nil
}

// AppendLive merges one live-pushed message. If the ID is already cached the
// stored copy is overwritten with the pushed one (server state wins over any
// optimistic copy). It returns true when the message was new to the cache.
func (s *Store) AppendLive(msg Message) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	cc, exists := s.channels[msg.ChannelID]
	if !exists {
		return false, ChannelNotFoundErr
	}

	if existing, dup := cc.byID[msg.ID]; dup {
		*existing = cloneMessage(&msg)
		return false, nil
	}
	s.insert(msg.ChannelID, cc, cloneMessage(&msg))
	return true, nil
}

// Get returns a deep copy of the message, wherever it is cached.
func (s *Store) Get(messageID MessageID) (Message, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	m := s.lookup(messageID)
	if m == nil {
		return Message{}, MessageNotFoundErr
	}
	return cloneMessage(m), nil
}

// Messages returns a copy of a channel's full cached timeline in order.
func (s *Store) Messages(channelID ChannelID) ([]Message, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	cc, exists := s.channels[channelID]
	if !exists {
		return nil, ChannelNotFoundErr
	}
	out := make([]Message, 0, len(cc.messages))
	for _, m := range cc.messages {
		out = append(out, cloneMessage(m))
	}
	return out, nil
}

// Replies returns copies of every cached reply to the given parent, in
// ascending (CreatedAt, ID) order.
func (s *Store) Replies(parentID MessageID) ([]Message, error) {
	s.mux.RLock()
	defer s.mux.RUnlock()

	parent := s.lookup(parentID)
	if parent == nil {
		return nil, MessageNotFoundErr
	}
	cc := s.channels[parent.ChannelID]
	var out []Message
	for _, m := range cc.messages {
		if m.ParentMessageID == parentID {
			out = append(out, cloneMessage(m))
		}
	}
	return out, nil
}

// Update applies a confirmed (non-optimistic) mutation to a cached message in
// place. Unlike ApplyOptimistic it takes no snapshot; it is for server-driven
// updates that will never be rolled back.
func (s *Store) Update(messageID MessageID, mutate func(*Message)) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	m := s.lookup(messageID)
	if m == nil {
		return MessageNotFoundErr
	}
	mutate(m)
	return nil
}

// ApplyOptimistic snapshots the listed messages and then applies mutate to
// each of them in place. The returned snapshot restores the exact
// pre-mutation state when passed to Rollback.
func (s *Store) ApplyOptimistic(
	ids []MessageID, mutate func(*Message)) (Snapshot, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	snap := Snapshot{}
	targets := make([]*Message, 0, len(ids))
	for _, id := range ids {
		m := s.lookup(id)
		if m == nil {
			return Snapshot{}, MessageNotFoundErr
		}
		snap.entries = append(snap.entries, snapshotEntry{
			channelID: m.ChannelID,
			id:        id,
			present:   true,
			msg:       cloneMessage(m),
		})
		targets = append(targets, m)
	}
	for _, m := range targets {
		mutate(m)
	}
	return snap, nil
}

// InsertOptimistic inserts a locally-created message (status Unsent) at its
// ordered position. The returned snapshot records its absence, so rollback
// removes it again.
func (s *Store) InsertOptimistic(msg Message) (Snapshot, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	cc, exists := s.channels[msg.ChannelID]
	if !exists {
		return Snapshot{}, ChannelNotFoundErr
	}
	if _, dup := cc.byID[msg.ID]; dup {
		return Snapshot{}, MessageNotFoundErr
	}

	snap := Snapshot{entries: []snapshotEntry{
		{channelID: msg.ChannelID, id: msg.ID, present: false},
	}}
	s.insert(msg.ChannelID, cc, cloneMessage(&msg))
	return snap, nil
}

// Commit overwrites the cached copy of a message with its server-confirmed
// state. The confirmed copy wins unconditionally, even over optimistic edits
// applied since the mutation was dispatched.
func (s *Store) Commit(confirmed Message) error {
	s.mux.Lock()
	defer s.mux.Unlock()
	return s.replace(confirmed.ID, confirmed)
}

// CommitReplace removes the optimistic placeholder and inserts the confirmed
// message under its server-assigned ID and timestamp. Used by the send path
// where the two IDs differ.
func (s *Store) CommitReplace(placeholder MessageID, confirmed Message) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	s.removeLocked(placeholder)

	cc, exists := s.channels[confirmed.ChannelID]
	if !exists {
		return ChannelNotFoundErr
	}
	if existing, dup := cc.byID[confirmed.ID]; dup {
		// The live echo arrived before the send response settled.
		*existing = cloneMessage(&confirmed)
		return nil
	}
	s.insert(confirmed.ChannelID, cc, cloneMessage(&confirmed))
	return nil
}

// Rollback restores every message captured in the snapshot to its
// pre-mutation state, removing any that did not exist at capture time.
func (s *Store) Rollback(snap Snapshot) {
	s.mux.Lock()
	defer s.mux.Unlock()

	for _, entry := range snap.entries {
		if !entry.present {
			s.removeLocked(entry.id)
			continue
		}
		cc, exists := s.channels[entry.channelID]
		if !exists {
			jww.WARN.Printf("[CHAT] Rollback of %s dropped; channel %s is "+
				"no longer cached", entry.id, entry.channelID)
			continue
		}
		if existing, ok := cc.byID[entry.id]; ok {
			*existing = cloneMessage(&entry.msg)
		} else {
			s.insert(entry.channelID, cc, cloneMessage(&entry.msg))
		}
	}
}

// Remove deletes a message from the cache, wherever it is.
func (s *Store) Remove(messageID MessageID) {
	s.mux.Lock()
	defer s.mux.Unlock()
	s.removeLocked(messageID)
}

////////////////////////////////////////////////////////////////////////////////
// Per-Message Mutation Serialization                                         //
////////////////////////////////////////////////////////////////////////////////

// AcquireOrEnqueue claims the message's mutation slot, or queues the
// continuation to run once the current in-flight mutation settles. The check
// and the enqueue happen under one lock hold so a concurrent settle cannot
// slip between them and strand the continuation. Continuations run in FIFO
// order so a rapid double toggle computes its base state from the first
// toggle's settled result. Returns true when the slot was claimed.
func (s *Store) AcquireOrEnqueue(messageID MessageID, fn func()) bool {
	s.mux.Lock()
	defer s.mux.Unlock()
	if s.inFlight[messageID] {
		q, exists := s.waiting[messageID]
		if !exists {
			q = queue.New()
			s.waiting[messageID] = q
		}
		q.Enqueue(fn)
		return false
	}
	s.inFlight[messageID] = true
	return true
}

// Release settles the in-flight mutation for the message and returns the next
// queued continuation, or nil when the queue is drained.
func (s *Store) Release(messageID MessageID) func() {
	s.mux.Lock()
	defer s.mux.Unlock()

	q, exists := s.waiting[messageID]
	if exists && q.Len() > 0 {
		// Hand the slot directly to the next waiter.
		return q.Dequeue().(func())
	}
	delete(s.waiting, messageID)
	delete(s.inFlight, messageID)
	return nil
}

////////////////////////////////////////////////////////////////////////////////
// Internals                                                                  //
////////////////////////////////////////////////////////////////////////////////

// lookup finds the live cached pointer for a message ID. Must be called with
// the mutex held.
func (s *Store) lookup(messageID MessageID) *Message {
	channelID, exists := s.index[messageID]
	if !exists {
		return nil
	}
	cc, exists := s.channels[channelID]
	if !exists {
		return nil
	}
	return cc.byID[messageID]
}

// insert places a message at its ordered position. Must be called with the
// mutex held and with the ID known to be absent.
func (s *Store) insert(channelID ChannelID, cc *channelCache, msg Message) {
	m := &msg
	idx := s.insertIndex(cc, m)
	cc.messages = append(cc.messages, nil)
	copy(cc.messages[idx+1:], cc.messages[idx:])
	cc.messages[idx] = m
	cc.byID[m.ID] = m
	s.index[m.ID] = channelID
}

// insertIndex returns the ordered position for msg within the channel list.
func (s *Store) insertIndex(cc *channelCache, msg *Message) int {
	return sort.Search(len(cc.messages), func(i int) bool {
		return msg.Before(cc.messages[i])
	})
}

// replace overwrites a cached message in place. Must be called with the mutex
// held.
func (s *Store) replace(messageID MessageID, confirmed Message) error {
	m := s.lookup(messageID)
	if m == nil {
		return MessageNotFoundErr
	}
	*m = cloneMessage(&confirmed)
	return nil
}

// removeLocked deletes a message from its channel list. Must be called with
// the mutex held.
func (s *Store) removeLocked(messageID MessageID) {
	channelID, exists := s.index[messageID]
	if !exists {
		return
	}
	cc := s.channels[channelID]
	delete(s.index, messageID)
	if cc == nil {
		return
	}
	delete(cc.byID, messageID)
	for i, m := range cc.messages {
		if m.ID == messageID {
			cc.messages = append(cc.messages[:i], cc.messages[i+1:]...)
			break
		}
	}
}

// cloneMessage deep-copies a message, including its reactions slice, so
// snapshots and returned copies never alias cached state.
func cloneMessage(m *Message) Message {
	cp := *m
	if m.Reactions != nil {
		cp.Reactions = make([]Reaction, len(m.Reactions))
		copy(cp.Reactions, m.Reactions)
	}
	return cp
}
