////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"encoding/json"
)

// MessageService is the backend endpoint set for fetching and creating
// messages. Any backend may implement it; the coordination logic in this
// package only depends on this contract.
type MessageService interface {
	// FetchMessages returns a page of messages older than the given cursor,
	// newest page first. A zero-value cursor fetches the newest page.
	FetchMessages(ctx context.Context, channelID ChannelID, before MessageID,
		limit int) ([]Message, error)

	// SendMessage creates a message and returns it with its server-assigned
	// ID and CreatedAt. The LocalID of the request is echoed back on both the
	// response and the realtime stream.
	SendMessage(ctx context.Context, msg NewMessage) (Message, error)
}

// ReactionService is the backend endpoint set for reactions. Both calls are
// idempotent per the (message, user, emoji) uniqueness constraint.
type ReactionService interface {
	AddReaction(ctx context.Context, r Reaction) error
	RemoveReaction(ctx context.Context, r Reaction) error
}

// PinService is the backend endpoint set for the knowledge library.
type PinService interface {
	// CreatePin creates a knowledge pin. It must return AlreadyPinnedErr (or
	// an error wrapping it) when a pin already exists for the message.
	CreatePin(ctx context.Context, pin KnowledgePin) (KnowledgePin, error)

	DeletePin(ctx context.Context, pinID PinID) error

	// ListPins returns the community's pins, optionally filtered by category.
	ListPins(ctx context.Context, communityID CommunityID, category string) (
		[]KnowledgePin, error)
}

// ReadStateService is the backend endpoint for persisting read markers.
type ReadStateService interface {
	UpsertReadState(ctx context.Context, rs ReadState) error
}

// Backend bundles every persistent collaborator the manager needs.
type Backend interface {
	MessageService
	ReactionService
	PinService
	ReadStateService
}

// Event is a single frame on the realtime transport. The payload is an
// encoded value determined by Type; see events.go for the closed set.
type Event struct {
	Type    string          `json:"type"`
	Scope   string          `json:"scope"`
	Payload json.RawMessage `json:"payload"`
}

// Subscription is a live event stream for one scope. The channel is closed
// when the subscription is closed or the transport drops it.
type Subscription interface {
	Events() <-chan Event
	Close()
}

// Transport is the channel-scoped publish/subscribe collaborator. Join/leave
// bookkeeping for presence is the transport's responsibility; the coordinator
// only consumes the resulting events.
type Transport interface {
	Subscribe(ctx context.Context, scope string) (Subscription, error)
	Publish(ctx context.Context, scope string, event Event) error
}

// Archiver receives confirmed messages and updates for durable local caching
// so a channel can be backfilled without the backend. Implemented by
// chat/storage. All methods are best-effort from the manager's point of view.
type Archiver interface {
	JoinChannel(channelID ChannelID) error
	LeaveChannel(channelID ChannelID) error
	StoreMessage(msg Message) error
	UpdateMessage(msg Message) error
	Backfill(channelID ChannelID, limit int) ([]Message, error)
}

// UpdateCallbacks is how the manager notifies the rendering layer. Every
// callback is invoked after local state has already been updated, so a
// re-render observes the new state. Implementations must not block.
type UpdateCallbacks interface {
	// TimelineChanged fires whenever the main timeline of a channel changed
	// for any reason (live message, page merge, optimistic apply, rollback).
	TimelineChanged(channelID ChannelID)

	// ThreadChanged fires whenever an open thread's reply list changed.
	ThreadChanged(parentID MessageID)

	// TypingChanged fires with the composed typing string for a channel
	// ("A is typing", "A and B are typing", ...). Empty when nobody types.
	TypingChanged(channelID ChannelID, composed string)

	// PresenceChanged fires when a user joins or leaves a scope.
	PresenceChanged(scope string)

	// UnreadChanged fires when a channel's unread count changes, including
	// the optimistic clear performed by the read-state tracker.
	UnreadChanged(channelID ChannelID, unread int)

	// MutationFailed fires after a rolled-back mutation so the UI can show
	// inline error text near the affected control. The local state has
	// already been restored when this is called.
	MutationFailed(channelID ChannelID, kind MutationKind, err error)
}

// noopCallbacks is used when the caller does not register callbacks.
type noopCallbacks struct{}

func (noopCallbacks) TimelineChanged(ChannelID)                     {}
func (noopCallbacks) ThreadChanged(MessageID)                       {}
func (noopCallbacks) TypingChanged(ChannelID, string)               {}
func (noopCallbacks) PresenceChanged(string)                        {}
func (noopCallbacks) UnreadChanged(ChannelID, int)                  {}
func (noopCallbacks) MutationFailed(ChannelID, MutationKind, error) {}
