////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package cmd

import (
	"context"
	"fmt"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
	"github.com/spf13/viper"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/pitside/client/chat"
	"gitlab.com/pitside/client/realtime"
)

// loopbackBackend is an in-process chat.Backend for local sessions: it
// confirms every request immediately and mirrors the realtime echoes a live
// backend would push, so the full optimistic send/echo path runs without a
// network.
type loopbackBackend struct {
	bus *realtime.Bus

	messages map[chat.ChannelID][]chat.Message
	pins     map[chat.PinID]chat.KnowledgePin
	pinByMsg map[chat.MessageID]chat.PinID
	idSeq    int
	pinSeq   int

	mux sync.Mutex
}

func newLoopbackBackend(bus *realtime.Bus) *loopbackBackend {
	return &loopbackBackend{
		bus:      bus,
		messages: make(map[chat.ChannelID][]chat.Message),
		pins:     make(map[chat.PinID]chat.KnowledgePin),
		pinByMsg: make(map[chat.MessageID]chat.PinID),
	}
}

func (lb *loopbackBackend) FetchMessages(_ context.Context,
	channelID chat.ChannelID, before chat.MessageID, limit int) (
	[]chat.Message, error) {
	lb.mux.Lock()
	defer lb.mux.Unlock()

	msgs := lb.messages[channelID]
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
	return append([]chat.Message{}, msgs[start:end]...), nil
}

func (lb *loopbackBackend) SendMessage(
	ctx context.Context, nm chat.NewMessage) (chat.Message, error) {
	lb.mux.Lock()
	lb.idSeq++
	msg := chat.Message{
		ID:              chat.MessageID(fmt.Sprintf("msg-%06d", lb.idSeq)),
		ChannelID:       nm.ChannelID,
		AuthorID:        chat.UserID(viper.GetString("userID")),
		AuthorName:      viper.GetString("username"),
		Content:         nm.Content,
		ContentType:     nm.ContentType,
		CreatedAt:       netTime.Now(),
		ParentMessageID: nm.ParentMessageID,
		Status:          chat.Delivered,
		LocalID:         nm.LocalID,
	}
	lb.messages[nm.ChannelID] = append(lb.messages[nm.ChannelID], msg)
	lb.mux.Unlock()

	// Mirror the realtime echo a live backend would push to subscribers.
	lb.echo(ctx, msg)
	return msg, nil
}

func (lb *loopbackBackend) AddReaction(_ context.Context, r chat.Reaction) error {
	jww.DEBUG.Printf("Loopback accepted reaction %s on %s", r.Emoji,
		r.MessageID)
	return nil
}

func (lb *loopbackBackend) RemoveReaction(
	_ context.Context, r chat.Reaction) error {
	jww.DEBUG.Printf("Loopback removed reaction %s on %s", r.Emoji,
		r.MessageID)
	return nil
}

func (lb *loopbackBackend) CreatePin(
	_ context.Context, pin chat.KnowledgePin) (chat.KnowledgePin, error) {
	lb.mux.Lock()
	defer lb.mux.Unlock()
	if _, dup := lb.pinByMsg[pin.MessageID]; dup {
		return chat.KnowledgePin{}, chat.AlreadyPinnedErr
	}
	lb.pinSeq++
	pin.ID = chat.PinID(fmt.Sprintf("pin-%06d", lb.pinSeq))
	pin.CreatedAt = netTime.Now()
	lb.pins[pin.ID] = pin
	lb.pinByMsg[pin.MessageID] = pin.ID
	return pin, nil
}

func (lb *loopbackBackend) DeletePin(
	_ context.Context, pinID chat.PinID) error {
	lb.mux.Lock()
	defer lb.mux.Unlock()
	pin, exists := lb.pins[pinID]
	if !exists {
		return chat.NotPinnedErr
	}
	delete(lb.pins, pinID)
	delete(lb.pinByMsg, pin.MessageID)
	return nil
}

func (lb *loopbackBackend) ListPins(_ context.Context,
	communityID chat.CommunityID, category string) ([]chat.KnowledgePin, error) {
	lb.mux.Lock()
	defer lb.mux.Unlock()
	var out []chat.KnowledgePin
	for _, pin := range lb.pins {
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

func (lb *loopbackBackend) UpsertReadState(
	_ context.Context, rs chat.ReadState) error {
	jww.DEBUG.Printf("Loopback stored read marker %s for %s",
		rs.LastReadMessageID, rs.ChannelID)
	return nil
}

// echo publishes the realtime frame for a confirmed message.
func (lb *loopbackBackend) echo(ctx context.Context, msg chat.Message) {
	scope := chat.ChannelScope(msg.ChannelID)
	if msg.IsReply() {
		scope = chat.ThreadScope(msg.ParentMessageID)
	}
	ev, err := chat.NewEvent(chat.EventMessageNew, scope, msg)
	if err != nil {
		jww.ERROR.Printf("%+v", err)
		return
	}
	if err = lb.bus.Publish(ctx, scope, ev); err != nil {
		jww.WARN.Printf("Loopback echo failed: %+v", err)
	}
}
