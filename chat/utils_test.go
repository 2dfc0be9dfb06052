////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"gitlab.com/xx_network/primitives/netTime"
)

// mockBackend is an in-memory Backend whose failure behavior is configurable
// per endpoint.
type mockBackend struct {
	history map[ChannelID][]Message // ascending

	failFetch error
	failSend  error
	failReact error
	failPin   error

	// onSend, when set, runs with the confirmed message before SendMessage
	// returns, so tests can land the realtime echo ahead of the response.
	onSend func(Message)

	sent      []NewMessage
	added     []Reaction
	removed   []Reaction
	pins      map[PinID]KnowledgePin
	pinByMsg  map[MessageID]PinID
	upserts   []ReadState
	idSeq     int
	pinSeq    int

	mux sync.Mutex
}

func newMockBackend() *mockBackend {
	return &mockBackend{
		history:  make(map[ChannelID][]Message),
		pins:     make(map[PinID]KnowledgePin),
		pinByMsg: make(map[MessageID]PinID),
	}
}

func (mb *mockBackend) FetchMessages(_ context.Context, channelID ChannelID,
	before MessageID, limit int) ([]Message, error) {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	if mb.failFetch != nil {
		return nil, mb.failFetch
	}

	msgs := mb.history[channelID]
	end := len(msgs)
	if before != "" {
		for i, m := range msgs {
			if m.ID == before {
				end = i
				break
			}
		}
	}
	start := end - limit
	if start < 0 {
		start = 0
	}
	return append([]Message{}, msgs[start:end]...), nil
}

func (mb *mockBackend) SendMessage(
	_ context.Context, nm NewMessage) (Message, error) {
	mb.mux.Lock()
	if mb.failSend != nil {
		mb.mux.Unlock()
		return Message{}, mb.failSend
	}

	mb.idSeq++
	mb.sent = append(mb.sent, nm)
	msg := Message{
		ID:              MessageID(fmt.Sprintf("srv-%03d", mb.idSeq)),
		ChannelID:       nm.ChannelID,
		AuthorID:        "self",
		AuthorName:      "Self",
		Content:         nm.Content,
		ContentType:     nm.ContentType,
		CreatedAt:       netTime.Now(),
		ParentMessageID: nm.ParentMessageID,
		Status:          Delivered,
		LocalID:         nm.LocalID,
	}
	mb.history[nm.ChannelID] = append(mb.history[nm.ChannelID], msg)
	onSend := mb.onSend
	mb.mux.Unlock()

	if onSend != nil {
		onSend(msg)
	}
	return msg, nil
}

func (mb *mockBackend) AddReaction(_ context.Context, r Reaction) error {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	if mb.failReact != nil {
		return mb.failReact
	}
	mb.added = append(mb.added, r)
	return nil
}

func (mb *mockBackend) RemoveReaction(_ context.Context, r Reaction) error {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	if mb.failReact != nil {
		return mb.failReact
	}
	mb.removed = append(mb.removed, r)
	return nil
}

func (mb *mockBackend) CreatePin(
	_ context.Context, pin KnowledgePin) (KnowledgePin, error) {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	if mb.failPin != nil {
		return KnowledgePin{}, mb.failPin
	}
	if _, dup := mb.pinByMsg[pin.MessageID]; dup {
		return KnowledgePin{}, AlreadyPinnedErr
	}

	mb.pinSeq++
	pin.ID = PinID(fmt.Sprintf("pin-%03d", mb.pinSeq))
	pin.CreatedAt = netTime.Now()
	mb.pins[pin.ID] = pin
	mb.pinByMsg[pin.MessageID] = pin.ID
	return pin, nil
}

func (mb *mockBackend) DeletePin(_ context.Context, pinID PinID) error {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	pin, exists := mb.pins[pinID]
	if !exists {
		return NotPinnedErr
	}
	delete(mb.pins, pinID)
	delete(mb.pinByMsg, pin.MessageID)
	return nil
}

func (mb *mockBackend) ListPins(_ context.Context, communityID CommunityID,
	category string) ([]KnowledgePin, error) {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	if mb.failPin != nil {
		return nil, mb.failPin
	}
	var out []KnowledgePin
	for _, pin := range mb.pins {
		if pin.CommunityID != communityID {
			continue
		}
		if category != "" && pin.Category != category {
			continue
		}
		out = append(out, pin)
	}
	return out, nil
}

func (mb *mockBackend) UpsertReadState(_ context.Context, rs ReadState) error {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	mb.upserts = append(mb.upserts, rs)
	return nil
}

func (mb *mockBackend) sentCount() int {
	mb.mux.Lock()
	defer mb.mux.Unlock()
	return len(mb.sent)
}

// mockTransport is an in-memory pub/sub Transport that delivers published
// events to every subscription of the matching scope.
type mockTransport struct {
	subs      map[string][]*mockSub
	published []Event
	mux       sync.Mutex
}

func newMockTransport() *mockTransport {
	return &mockTransport{subs: make(map[string][]*mockSub)}
}

type mockSub struct {
	ch     chan Event
	closed bool
	mux    sync.Mutex
}

func (ms *mockSub) Events() <-chan Event { return ms.ch }

func (ms *mockSub) Close() {
	ms.mux.Lock()
	defer ms.mux.Unlock()
	if !ms.closed {
		ms.closed = true
		close(ms.ch)
	}
}

func (mt *mockTransport) Subscribe(
	_ context.Context, scope string) (Subscription, error) {
	sub := &mockSub{ch: make(chan Event, 32)}
	mt.mux.Lock()
	mt.subs[scope] = append(mt.subs[scope], sub)
	mt.mux.Unlock()
	return sub, nil
}

func (mt *mockTransport) Publish(
	_ context.Context, scope string, event Event) error {
	mt.mux.Lock()
	mt.published = append(mt.published, event)
	subs := append([]*mockSub{}, mt.subs[scope]...)
	mt.mux.Unlock()

	for _, sub := range subs {
		sub.mux.Lock()
		if !sub.closed {
			sub.ch <- event
		}
		sub.mux.Unlock()
	}
	return nil
}

// deliver injects a server-originated event to the scope's subscribers
// without recording it as a client publish.
func (mt *mockTransport) deliver(t *testing.T, scope, eventType string,
	payload interface{}) {
	ev, err := NewEvent(eventType, scope, payload)
	if err != nil {
		t.Fatalf("Failed to build %s event: %+v", eventType, err)
	}
	mt.mux.Lock()
	subs := append([]*mockSub{}, mt.subs[scope]...)
	mt.mux.Unlock()
	for _, sub := range subs {
		sub.mux.Lock()
		if !sub.closed {
			sub.ch <- ev
		}
		sub.mux.Unlock()
	}
}

func (mt *mockTransport) publishedTypes() []string {
	mt.mux.Lock()
	defer mt.mux.Unlock()
	types := make([]string, len(mt.published))
	for i, ev := range mt.published {
		types[i] = ev.Type
	}
	return types
}

// recordingCallbacks captures every callback invocation on buffered channels
// so tests can wait for asynchronous settles.
type recordingCallbacks struct {
	timeline chan ChannelID
	thread   chan MessageID
	typing   chan string
	presence chan string
	unread   chan int
	failed   chan error
}

func newRecordingCallbacks() *recordingCallbacks {
	return &recordingCallbacks{
		timeline: make(chan ChannelID, 64),
		thread:   make(chan MessageID, 64),
		typing:   make(chan string, 64),
		presence: make(chan string, 64),
		unread:   make(chan int, 64),
		failed:   make(chan error, 64),
	}
}

func (rc *recordingCallbacks) TimelineChanged(id ChannelID) { rc.timeline <- id }
func (rc *recordingCallbacks) ThreadChanged(id MessageID)   { rc.thread <- id }
func (rc *recordingCallbacks) PresenceChanged(scope string) { rc.presence <- scope }
func (rc *recordingCallbacks) UnreadChanged(_ ChannelID, n int) {
	rc.unread <- n
}
func (rc *recordingCallbacks) TypingChanged(_ ChannelID, composed string) {
	rc.typing <- composed
}
func (rc *recordingCallbacks) MutationFailed(
	_ ChannelID, _ MutationKind, err error) {
	rc.failed <- err
}

// waitUntil polls cond until it holds or the deadline passes.
func waitUntil(t *testing.T, what string, cond func() bool) {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Timed out waiting for %s.", what)
}

// waitErr receives one error from the channel or fails the test.
func waitErr(t *testing.T, ch chan error, what string) error {
	select {
	case err := <-ch:
		return err
	case <-time.After(2 * time.Second):
		t.Fatalf("Timed out waiting for %s.", what)
		return nil
	}
}

// newTestManager builds a Manager over fresh mocks and joins one channel
// seeded with history.
func newTestManager(t *testing.T, profile UserProfile, seed []Message) (
	*Manager, *mockBackend, *mockTransport, *recordingCallbacks) {
	backend := newMockBackend()
	transport := newMockTransport()
	cb := newRecordingCallbacks()

	const channelID = ChannelID("futures")
	backend.history[channelID] = seed

	m, err := NewManager(Params{
		Profile:     profile,
		CommunityID: "pitside",
		Backend:     backend,
		Transport:   transport,
		Callbacks:   cb,
	})
	if err != nil {
		t.Fatalf("Failed to build manager: %+v", err)
	}
	if err = m.JoinChannel(context.Background(), channelID); err != nil {
		t.Fatalf("Failed to join channel: %+v", err)
	}
	return m, backend, transport, cb
}
