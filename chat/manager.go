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

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"
	"gitlab.com/xx_network/primitives/netTime"
)

const (
	// defaultPageSize is how many messages a page fetch requests when the
	// caller does not override it.
	defaultPageSize = 50

	// maxJumpPages bounds how far back JumpToMessage pages before giving up.
	maxJumpPages = 10

	// joinedChannelsKey is the local KV key holding the joined channel list.
	joinedChannelsKey = "joinedChannels"

	// joinFetchTimeout bounds the initial page fetch performed on join.
	joinFetchTimeout = defaultCommitTimeout
)

// Params configures a Manager. Backend and Transport are required; everything
// else has a working default.
type Params struct {
	Profile     UserProfile
	CommunityID CommunityID
	Backend     Backend
	Transport   Transport

	// Archiver receives confirmed messages for durable local caching. Nil
	// disables archiving.
	Archiver Archiver

	// Library indexes knowledge pins locally. Nil falls back to an in-memory
	// index that does not survive a restart.
	Library PinLibrary

	// KV persists read markers and the joined channel list. Nil falls back to
	// an in-memory store.
	KV ekv.KeyValue

	Callbacks UpdateCallbacks
	PageSize  int
}

// Manager is the client-side coordinator for one community connection. It
// owns the message store, the optimistic mutation engine, and the per-concern
// trackers, and it translates transport events and user intents into state
// changes the rendering layer observes through UpdateCallbacks.
type Manager struct {
	profile     UserProfile
	communityID CommunityID
	backend     Backend
	transport   Transport
	archiver    Archiver
	cb          UpdateCallbacks
	kv          ekv.KeyValue
	pageSize    int

	store    *Store
	cache    *Cache
	engine   *engine
	tracker  *sendTracker
	threads  *threadManager
	presence *presenceTracker
	typing   *typingCoordinator
	reads    *readTracker
	pins     *pinManager

	handlers map[string]func(Event)

	joined map[ChannelID]*joinedChannel
	active ChannelID
	mux    sync.Mutex
}

type joinedChannel struct {
	sub    Subscription
	cancel context.CancelFunc
}

// NewManager wires a Manager from its collaborators. It does not join any
// channels; call JoinChannel (or restore a previous session's list via
// JoinedChannels in the KV) afterward.
func NewManager(p Params) (*Manager, error) {
	if p.Backend == nil {
		return nil, errors.New("a Backend is required")
	}
	if p.Transport == nil {
		return nil, errors.New("a Transport is required")
	}
	if p.Callbacks == nil {
		p.Callbacks = noopCallbacks{}
	}
	if p.KV == nil {
		p.KV = ekv.MakeMemstore()
	}
	if p.Library == nil {
		p.Library = newMemPinLibrary()
	}
	if p.PageSize <= 0 {
		p.PageSize = defaultPageSize
	}

	m := &Manager{
		profile:     p.Profile,
		communityID: p.CommunityID,
		backend:     p.Backend,
		transport:   p.Transport,
		archiver:    p.Archiver,
		cb:          p.Callbacks,
		kv:          p.KV,
		pageSize:    p.PageSize,
		store:       NewStore(),
		cache:       NewCache(),
		tracker:     newSendTracker(),
		joined:      make(map[ChannelID]*joinedChannel),
	}

	m.engine = newEngine(m.store, m.cache)
	m.pins = newPinManager(p.Profile, p.Backend, p.Library)
	m.reads = newReadTracker(
		p.Profile.UserID, p.Backend, p.KV, m.cb.UnreadChanged)
	m.presence = newPresenceTracker(m.cb.PresenceChanged)
	m.typing = newTypingCoordinator(
		p.Profile.UserID, m.cb.TypingChanged, m.publishTyping)
	m.threads = newThreadManager(
		m.store, m.cache, p.Transport, m.replyMerged, m.matchEcho)

	m.handlers = map[string]func(Event){
		EventMessageNew:     m.handleNewMessage,
		EventReactionAdd:    func(ev Event) { m.handleReaction(ev, true) },
		EventReactionRemove: func(ev Event) { m.handleReaction(ev, false) },
		EventPinCreated:     func(ev Event) { m.handlePin(ev, true) },
		EventPinRemoved:     func(ev Event) { m.handlePin(ev, false) },
		EventPresenceJoin:   func(ev Event) { m.handlePresence(ev, true) },
		EventPresenceLeave:  func(ev Event) { m.handlePresence(ev, false) },
		EventTyping:         m.handleTyping,
	}

	jww.INFO.Printf("[CHAT] Manager started for %s in community %s",
		p.Profile.UserID, p.CommunityID)
	return m, nil
}

////////////////////////////////////////////////////////////////////////////////
// Channel Lifecycle                                                          //
////////////////////////////////////////////////////////////////////////////////

// JoinChannel joins a channel: it registers the channel with the store, loads
// the persisted read marker, fetches the newest page, and starts the live
// event subscription. The backend fetch falls back to the local archive when
// it fails, so a joined channel always renders something.
func (m *Manager) JoinChannel(ctx context.Context, channelID ChannelID) error {
	m.mux.Lock()
	if _, exists := m.joined[channelID]; exists {
		m.mux.Unlock()
		return ChannelAlreadyExistsErr
	}
	// Reserve the slot so a concurrent join of the same channel fails fast.
	m.joined[channelID] = nil
	m.mux.Unlock()

	m.store.AddChannel(channelID)
	m.reads.Load(channelID)
	if m.archiver != nil {
		if err := m.archiver.JoinChannel(channelID); err != nil {
			jww.WARN.Printf("[CHAT] Archive join for %s failed: %+v",
				channelID, err)
		}
	}

	fetchCtx, cancelFetch := context.WithTimeout(ctx, joinFetchTimeout)
	msgs, err := m.backend.FetchMessages(fetchCtx, channelID, "", m.pageSize)
	cancelFetch()
	if err != nil {
		jww.WARN.Printf("[CHAT] Initial fetch for %s failed, backfilling "+
			"from the archive: %+v", channelID, err)
		msgs = m.backfill(channelID)
	}
	if mergeErr := m.store.MergePage(
		channelID, msgs, len(msgs) >= m.pageSize); mergeErr != nil {
		m.abandonJoin(channelID)
		return mergeErr
	}
	m.archive(msgs)

	subCtx, cancel := context.WithCancel(context.Background())
	sub, err := m.transport.Subscribe(subCtx, ChannelScope(channelID))
	if err != nil {
		cancel()
		m.abandonJoin(channelID)
		return errors.WithMessagef(err,
			"failed to subscribe to channel %s", channelID)
	}

	m.mux.Lock()
	m.joined[channelID] = &joinedChannel{sub: sub, cancel: cancel}
	m.mux.Unlock()

	go m.channelStream(channelID, sub)
	m.announcePresence(ctx, channelID, true)
	m.persistJoined()

	m.cb.TimelineChanged(channelID)
	jww.INFO.Printf("[CHAT] Joined channel %s (%d cached messages)",
		channelID, len(msgs))
	return nil
}

// LeaveChannel tears down the channel's subscription and drops its cached
// state. Open threads rooted in the channel are closed with it.
func (m *Manager) LeaveChannel(channelID ChannelID) error {
	m.mux.Lock()
	jc, exists := m.joined[channelID]
	delete(m.joined, channelID)
	if m.active == channelID {
		m.active = ""
	}
	m.mux.Unlock()

	if !exists {
		return ChannelNotFoundErr
	}

	m.announcePresence(context.Background(), channelID, false)
	if jc != nil {
		jc.cancel()
		jc.sub.Close()
	}

	m.threads.CloseAll()
	m.presence.Reset(ChannelScope(channelID))
	m.store.RemoveChannel(channelID)
	m.cache.Invalidate(CacheKey{Kind: CacheTimeline, ID: string(channelID)})
	if m.archiver != nil {
		if err := m.archiver.LeaveChannel(channelID); err != nil {
			jww.WARN.Printf("[CHAT] Archive leave for %s failed: %+v",
				channelID, err)
		}
	}
	m.persistJoined()

	jww.INFO.Printf("[CHAT] Left channel %s", channelID)
	return nil
}

// SetActiveChannel marks the channel the user is currently viewing. Live
// messages on the active channel mark it read instead of accruing unread.
func (m *Manager) SetActiveChannel(channelID ChannelID) error {
	if channelID != "" && !m.store.HasChannel(channelID) {
		return ChannelNotFoundErr
	}
	m.mux.Lock()
	m.active = channelID
	m.mux.Unlock()

	if channelID != "" {
		m.markNewestViewed(channelID)
	}
	return nil
}

// ActiveChannel returns the channel currently marked active, or "".
func (m *Manager) ActiveChannel() ChannelID {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.active
}

// JoinedChannels returns the channels this manager is currently joined to.
func (m *Manager) JoinedChannels() []ChannelID {
	m.mux.Lock()
	defer m.mux.Unlock()
	out := make([]ChannelID, 0, len(m.joined))
	for channelID := range m.joined {
		out = append(out, channelID)
	}
	return out
}

// Close stops every subscription and background worker. The manager must not
// be used afterward.
func (m *Manager) Close() {
	m.mux.Lock()
	joined := m.joined
	m.joined = make(map[ChannelID]*joinedChannel)
	m.mux.Unlock()

	for channelID, jc := range joined {
		if jc == nil {
			continue
		}
		jc.cancel()
		jc.sub.Close()
		jww.DEBUG.Printf("[CHAT] Closed subscription for %s", channelID)
	}
	m.threads.CloseAll()
	m.typing.Stop()
	jww.INFO.Printf("[CHAT] Manager stopped")
}

////////////////////////////////////////////////////////////////////////////////
// Views                                                                      //
////////////////////////////////////////////////////////////////////////////////

// Timeline returns the channel's render-ready main timeline: replies filtered
// out, grouping and date separators annotated. The result is cached until a
// mutation or live event touching the channel invalidates it.
func (m *Manager) Timeline(channelID ChannelID) ([]AnnotatedMessage, error) {
	key := CacheKey{Kind: CacheTimeline, ID: string(channelID)}
	if cached, hit := m.cache.Get(key); hit {
		return cached.([]AnnotatedMessage), nil
	}

	msgs, err := m.store.Messages(channelID)
	if err != nil {
		return nil, err
	}
	topLevel := msgs[:0]
	for i := range msgs {
		if !msgs[i].IsReply() {
			topLevel = append(topLevel, msgs[i])
		}
	}

	annotated := GroupAndAnnotate(topLevel)
	m.cache.Put(key, annotated)
	return annotated, nil
}

// LoadOlder fetches the page older than the oldest cached message and merges
// it into the timeline. It reports whether more pages may remain.
func (m *Manager) LoadOlder(ctx context.Context, channelID ChannelID) (
	bool, error) {
	msgs, err := m.store.Messages(channelID)
	if err != nil {
		return false, err
	}

	var before MessageID
	if len(msgs) > 0 {
		before = msgs[0].ID
	}

	page, err := m.backend.FetchMessages(ctx, channelID, before, m.pageSize)
	if err != nil {
		return true, errors.WithMessagef(err,
			"failed to fetch older messages for %s", channelID)
	}

	hasMore := len(page) >= m.pageSize
	if err = m.store.MergePage(channelID, page, hasMore); err != nil {
		return false, err
	}
	m.archive(page)
	m.cache.Invalidate(CacheKey{Kind: CacheTimeline, ID: string(channelID)})
	m.cb.TimelineChanged(channelID)
	return hasMore, nil
}

// JumpToMessage makes sure the target message is cached, paging backward
// through history until it is found. Used when a search hit or pin links into
// a part of the timeline that was never loaded.
func (m *Manager) JumpToMessage(
	ctx context.Context, channelID ChannelID, messageID MessageID) error {
	for i := 0; i < maxJumpPages; i++ {
		if _, err := m.store.Get(messageID); err == nil {
			return nil
		}
		hasMore, err := m.LoadOlder(ctx, channelID)
		if err != nil {
			return err
		}
		if !hasMore {
			break
		}
	}
	if _, err := m.store.Get(messageID); err == nil {
		return nil
	}
	return errors.WithMessagef(
		MessageNotFoundErr, "message %s in channel %s", messageID, channelID)
}

// Banner returns the channel's pinned-message banner, or nil when no cached
// message is pinned.
func (m *Manager) Banner(channelID ChannelID) (*PinnedBanner, error) {
	msgs, err := m.store.Messages(channelID)
	if err != nil {
		return nil, err
	}
	pins, err := m.pins.library.List(m.communityID, "")
	if err != nil {
		return nil, err
	}
	return SelectPinnedBanner(msgs, pins), nil
}

// OpenThread opens the live reply stream for a parent message.
func (m *Manager) OpenThread(parentID MessageID) error {
	return m.threads.Open(parentID)
}

// CloseThread tears down a thread's reply stream; cached replies remain.
func (m *Manager) CloseThread(parentID MessageID) {
	m.threads.Close(parentID)
}

// ThreadReplies returns a thread's annotated reply timeline.
func (m *Manager) ThreadReplies(parentID MessageID) (
	[]AnnotatedMessage, error) {
	key := CacheKey{Kind: CacheThread, ID: string(parentID)}
	if cached, hit := m.cache.Get(key); hit {
		return cached.([]AnnotatedMessage), nil
	}
	annotated, err := m.threads.Replies(parentID)
	if err != nil {
		return nil, err
	}
	m.cache.Put(key, annotated)
	return annotated, nil
}

// Online returns the channel's currently-online users.
func (m *Manager) Online(channelID ChannelID) []PresenceRecord {
	return m.presence.Online(ChannelScope(channelID))
}

// TypingStatus returns the channel's composed typing indicator string.
func (m *Manager) TypingStatus(channelID ChannelID) string {
	return m.typing.Compose(channelID)
}

// NotifyTyping broadcasts that the local user is composing in the channel.
// Safe to call on every keystroke.
func (m *Manager) NotifyTyping(channelID ChannelID) {
	m.typing.NotifyTyping(channelID)
}

// Unread returns the channel's current unread count.
func (m *Manager) Unread(channelID ChannelID) int {
	return m.reads.Unread(channelID)
}

// MarkRead records that the user's viewport reached the channel's newest
// message.
func (m *Manager) MarkRead(channelID ChannelID) {
	m.markNewestViewed(channelID)
}

// ListPins returns the community's knowledge pins, optionally filtered by
// category, refreshing the local index from the backend.
func (m *Manager) ListPins(
	ctx context.Context, category string) ([]KnowledgePin, error) {
	return m.pins.List(ctx, m.communityID, category)
}

////////////////////////////////////////////////////////////////////////////////
// Event Handling                                                             //
////////////////////////////////////////////////////////////////////////////////

// channelStream consumes one channel's live events until its subscription
// closes.
func (m *Manager) channelStream(channelID ChannelID, sub Subscription) {
	for ev := range sub.Events() {
		handler, known := m.handlers[ev.Type]
		if !known {
			jww.WARN.Printf("[CHAT] Dropped event of unknown type %q on %s",
				ev.Type, ev.Scope)
			continue
		}
		handler(ev)
	}
	jww.DEBUG.Printf("[CHAT] Event stream for %s ended", channelID)
}

// handleNewMessage merges one live-pushed message. Echoes of own optimistic
// sends replace their placeholder instead of inserting a duplicate; replies
// route through the thread manager so parent counters stay correct.
func (m *Manager) handleNewMessage(ev Event) {
	var msg Message
	if err := decodePayload(ev, &msg); err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}

	if msg.IsReply() {
		m.threads.Receive(&msg)
		return
	}

	if placeholderID, own := m.tracker.MatchEcho(&msg); own {
		msg.Status = Delivered
		if err := m.store.CommitReplace(placeholderID, msg); err != nil {
			jww.WARN.Printf("[CHAT] Failed to reconcile echo of %s: %+v",
				msg.LocalID, err)
		}
	} else {
		inserted, err := m.store.AppendLive(msg)
		if err != nil {
			jww.WARN.Printf("[CHAT] Dropped live message %s: %+v", msg.ID, err)
			return
		}
		if inserted {
			m.reads.Observe(&msg, m.isActive(msg.ChannelID))
		}
	}

	m.archive([]Message{msg})
	m.cache.Invalidate(
		CacheKey{Kind: CacheTimeline, ID: string(msg.ChannelID)})
	m.cb.TimelineChanged(msg.ChannelID)
}

// handleReaction applies a remote user's reaction change. The local user's
// own reaction events are echoes of toggles already applied optimistically
// and are dropped.
func (m *Manager) handleReaction(ev Event, added bool) {
	var r Reaction
	if err := decodePayload(ev, &r); err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}
	if r.UserID == m.profile.UserID {
		return
	}

	err := m.store.Update(r.MessageID, func(msg *Message) {
		toggled, nowPresent := ToggleReaction(msg.Reactions, r)
		if nowPresent == added {
			msg.Reactions = toggled
		}
	})
	if err != nil {
		jww.DEBUG.Printf("[CHAT] Reaction event for uncached message %s "+
			"dropped", r.MessageID)
		return
	}

	m.invalidateMessageViews(r.MessageID)
}

// handlePin applies a remote pin change to the local library index and the
// cached message's Pinned flag.
func (m *Manager) handlePin(ev Event, created bool) {
	var pin KnowledgePin
	if err := decodePayload(ev, &pin); err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}

	if created {
		m.pins.record(pin)
	} else {
		m.pins.forget(pin.ID)
	}
	err := m.store.Update(pin.MessageID, func(msg *Message) {
		msg.Pinned = created
	})
	if err != nil {
		jww.DEBUG.Printf("[CHAT] Pin event for uncached message %s",
			pin.MessageID)
	}

	m.cache.Invalidate(CacheKey{Kind: CachePins, ID: string(m.communityID)})
	m.cache.Invalidate(CacheKey{Kind: CacheTimeline, ID: string(pin.ChannelID)})
	m.cb.TimelineChanged(pin.ChannelID)
}

// handlePresence updates the online set for the event's scope.
func (m *Manager) handlePresence(ev Event, joined bool) {
	var pe PresenceEvent
	if err := decodePayload(ev, &pe); err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}
	if joined {
		m.presence.Join(ev.Scope, pe)
	} else {
		m.presence.Leave(ev.Scope, pe.UserID)
	}
}

// handleTyping merges a remote typing signal.
func (m *Manager) handleTyping(ev Event) {
	var sig TypingSignal
	if err := decodePayload(ev, &sig); err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}
	m.typing.Receive(sig)
}

////////////////////////////////////////////////////////////////////////////////
// Internals                                                                  //
////////////////////////////////////////////////////////////////////////////////

// replyMerged is the thread manager's merge notification: the thread view and
// the parent's timeline row (reply count) both changed.
func (m *Manager) replyMerged(parentID MessageID) {
	m.cb.ThreadChanged(parentID)
	if parent, err := m.store.Get(parentID); err == nil {
		m.cache.Invalidate(
			CacheKey{Kind: CacheTimeline, ID: string(parent.ChannelID)})
		m.cb.TimelineChanged(parent.ChannelID)
	}
}

// matchEcho reports whether a live message is the echo of a tracked own send
// and, if so, which optimistic placeholder it replaces.
func (m *Manager) matchEcho(msg *Message) (MessageID, bool) {
	return m.tracker.MatchEcho(msg)
}

// isActive reports whether the channel is the one the user is viewing.
func (m *Manager) isActive(channelID ChannelID) bool {
	m.mux.Lock()
	defer m.mux.Unlock()
	return m.active == channelID
}

// markNewestViewed marks the channel read at its newest cached top-level
// message.
func (m *Manager) markNewestViewed(channelID ChannelID) {
	msgs, err := m.store.Messages(channelID)
	if err != nil {
		return
	}
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsReply() {
			m.reads.MarkViewed(channelID, msgs[i].ID)
			return
		}
	}
}

// invalidateMessageViews invalidates the derived views a message change
// touches: its channel timeline, and its thread when it is a reply.
func (m *Manager) invalidateMessageViews(messageID MessageID) {
	msg, err := m.store.Get(messageID)
	if err != nil {
		return
	}
	m.cache.Invalidate(
		CacheKey{Kind: CacheTimeline, ID: string(msg.ChannelID)})
	m.cb.TimelineChanged(msg.ChannelID)
	if msg.IsReply() {
		m.cache.Invalidate(
			CacheKey{Kind: CacheThread, ID: string(msg.ParentMessageID)})
		m.cb.ThreadChanged(msg.ParentMessageID)
	}
}

// announcePresence publishes the local user's own join/leave for the channel.
func (m *Manager) announcePresence(
	ctx context.Context, channelID ChannelID, joined bool) {
	eventType := EventPresenceLeave
	if joined {
		eventType = EventPresenceJoin
	}
	scope := ChannelScope(channelID)
	ev, err := NewEvent(eventType, scope, PresenceEvent{
		UserID:      m.profile.UserID,
		DisplayName: m.profile.DisplayName,
		At:          netTime.Now(),
	})
	if err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}
	if err = m.transport.Publish(ctx, scope, ev); err != nil {
		jww.WARN.Printf("[CHAT] Failed to announce %s on %s: %+v",
			eventType, channelID, err)
	}
}

// publishTyping is the typing coordinator's rate-limited outbound hook.
func (m *Manager) publishTyping(channelID ChannelID) {
	scope := ChannelScope(channelID)
	ev, err := NewEvent(EventTyping, scope, TypingSignal{
		ChannelID:   channelID,
		UserID:      m.profile.UserID,
		DisplayName: m.profile.DisplayName,
		At:          netTime.Now(),
	})
	if err != nil {
		jww.ERROR.Printf("[CHAT] %+v", err)
		return
	}
	if err = m.transport.Publish(context.Background(), scope, ev); err != nil {
		jww.WARN.Printf("[CHAT] Failed to broadcast typing on %s: %+v",
			channelID, err)
	}
}

// backfill serves the channel's archived history when the backend is
// unreachable on join.
func (m *Manager) backfill(channelID ChannelID) []Message {
	if m.archiver == nil {
		return nil
	}
	msgs, err := m.archiver.Backfill(channelID, m.pageSize)
	if err != nil {
		jww.WARN.Printf("[CHAT] Archive backfill for %s failed: %+v",
			channelID, err)
		return nil
	}
	return msgs
}

// archive stores confirmed messages in the durable local archive.
func (m *Manager) archive(msgs []Message) {
	if m.archiver == nil {
		return
	}
	for i := range msgs {
		if msgs[i].Status == Unsent {
			continue
		}
		if err := m.archiver.StoreMessage(msgs[i]); err != nil {
			jww.WARN.Printf("[CHAT] Failed to archive message %s: %+v",
				msgs[i].ID, err)
		}
	}
}

// abandonJoin unwinds the bookkeeping of a join that failed partway.
func (m *Manager) abandonJoin(channelID ChannelID) {
	m.mux.Lock()
	delete(m.joined, channelID)
	m.mux.Unlock()
	m.store.RemoveChannel(channelID)
}

// persistJoined mirrors the joined channel list into the local KV so a
// restarted session can rejoin.
func (m *Manager) persistJoined() {
	channels := m.JoinedChannels()
	if err := m.kv.SetInterface(joinedChannelsKey, channels); err != nil {
		jww.WARN.Printf("[CHAT] Failed to persist joined channel list: %+v",
			err)
	}
}

// PersistedChannels returns the channel list a previous session persisted, so
// the caller can rejoin on startup.
func (m *Manager) PersistedChannels() []ChannelID {
	var channels []ChannelID
	err := m.kv.GetInterface(joinedChannelsKey, &channels)
	if !ekv.Exists(err) {
		return nil
	}
	if err != nil {
		jww.WARN.Printf("[CHAT] Failed to load joined channel list: %+v", err)
		return nil
	}
	return channels
}
