////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"strconv"
	"time"
)

// ChannelID identifies a single channel (a scoped stream of messages).
type ChannelID string

// MessageID identifies a message within the community. IDs are assigned by the
// backend; messages that have not yet been confirmed carry a local placeholder
// ID (see Manager.SendMessage).
type MessageID string

// UserID identifies a community member.
type UserID string

// PinID identifies a knowledge pin.
type PinID string

// CommunityID identifies the community a channel belongs to.
type CommunityID string

// ContentType describes the payload of a message.
type ContentType uint8

const (
	// Text is a plain or rich text message.
	Text ContentType = iota

	// Image is a message whose content is a reference into object storage.
	Image
)

// String returns a human-readable version of [ContentType], used for debugging
// and logging. This function adheres to the [fmt.Stringer] interface.
func (ct ContentType) String() string {
	switch ct {
	case Text:
		return "text"
	case Image:
		return "image"
	default:
		return "Invalid ContentType: " + strconv.Itoa(int(ct))
	}
}

// SentStatus represents the current delivery status of a message.
type SentStatus uint8

const (
	// Unsent is the status of a message while its optimistic copy is the only
	// one that exists; the backend has not confirmed it yet.
	Unsent SentStatus = iota

	// Delivered is the status of a message once the backend has confirmed it
	// and assigned its canonical ID and timestamp.
	Delivered

	// Failed is the status of a message whose send was rejected; it is only
	// visible for the instant before rollback removes the optimistic copy.
	Failed
)

// String returns a human-readable version of [SentStatus], used for debugging
// and logging. This function adheres to the [fmt.Stringer] interface.
func (ss SentStatus) String() string {
	switch ss {
	case Unsent:
		return "unsent"
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	default:
		return "Invalid SentStatus: " + strconv.Itoa(int(ss))
	}
}

// Message is a single channel message. Once confirmed, every field is
// immutable except ReplyCount, LastReplyAt, and Pinned, which are maintained
// by the thread manager and pin manager.
type Message struct {
	ID              MessageID   `json:"id"`
	ChannelID       ChannelID   `json:"channelId"`
	AuthorID        UserID      `json:"authorId"`
	AuthorName      string      `json:"authorName"`
	Content         string      `json:"content"`
	ContentType     ContentType `json:"contentType"`
	CreatedAt       time.Time   `json:"createdAt"`
	ParentMessageID MessageID   `json:"parentMessageId,omitempty"`
	ReplyCount      int         `json:"replyCount"`
	LastReplyAt     time.Time   `json:"lastReplyAt,omitempty"`
	Pinned          bool        `json:"pinned"`
	Status          SentStatus  `json:"status"`

	// LocalID is the sender-assigned UUID carried through the backend and
	// echoed on the realtime stream. It lets the send tracker match the echo
	// of an own message to its optimistic placeholder.
	LocalID string `json:"localId,omitempty"`

	Reactions []Reaction `json:"reactions,omitempty"`
}

// IsReply reports whether the message lives in a thread rather than the main
// channel timeline.
func (m *Message) IsReply() bool {
	return m.ParentMessageID != ""
}

// Before reports whether m sorts before other in the canonical channel order:
// ascending CreatedAt with ties broken by ID.
func (m *Message) Before(other *Message) bool {
	if m.CreatedAt.Equal(other.CreatedAt) {
		return m.ID < other.ID
	}
	return m.CreatedAt.Before(other.CreatedAt)
}

// Reaction is a single user's emoji reaction to a message. The backend
// enforces uniqueness on (MessageID, UserID, Emoji); re-submitting the same
// tuple toggles removal.
type Reaction struct {
	MessageID   MessageID `json:"messageId"`
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	Emoji       string    `json:"emoji"`
	CreatedAt   time.Time `json:"createdAt"`
}

// ReactionGroup is the derived, render-ready view of all reactions with the
// same emoji on one message. It is recomputed from raw reactions and never
// persisted.
type ReactionGroup struct {
	Emoji    string   `json:"emoji"`
	Count    int      `json:"count"`
	Reactors []string `json:"reactors"`
	DidReact bool     `json:"didReact"`
}

// KnowledgePin is a curated promotion of a message into the community's
// knowledge library. At most one non-deleted pin exists per message per
// community.
type KnowledgePin struct {
	ID          PinID       `json:"id"`
	MessageID   MessageID   `json:"messageId"`
	ChannelID   ChannelID   `json:"channelId"`
	CommunityID CommunityID `json:"communityId"`
	Category    string      `json:"category,omitempty"`
	Tags        []string    `json:"tags,omitempty"`
	CreatedBy   UserID      `json:"createdBy"`
	CreatedAt   time.Time   `json:"createdAt"`
}

// ReadState is the per-user, per-channel marker of the newest message the
// user has viewed. It drives unread badge suppression.
type ReadState struct {
	UserID            UserID    `json:"userId"`
	ChannelID         ChannelID `json:"channelId"`
	LastReadMessageID MessageID `json:"lastReadMessageId"`
	LastReadAt        time.Time `json:"lastReadAt"`
}

// PresenceRecord is the ephemeral record of one online user within a scope.
// It is maintained entirely from transport events and has no durable history.
type PresenceRecord struct {
	UserID        UserID    `json:"userId"`
	DisplayName   string    `json:"displayName"`
	LastHeartbeat time.Time `json:"lastHeartbeat"`
}

// TypingSignal is the ephemeral broadcast that a user is composing a message.
// It is superseded by a fresh signal or expires after a fixed window.
type TypingSignal struct {
	ChannelID   ChannelID `json:"channelId"`
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	At          time.Time `json:"at"`
}

// NewMessage is the payload accepted by the backend's send-message endpoint.
type NewMessage struct {
	ChannelID       ChannelID   `json:"channelId"`
	Content         string      `json:"content"`
	ContentType     ContentType `json:"contentType"`
	ParentMessageID MessageID   `json:"parentMessageId,omitempty"`
	LocalID         string      `json:"localId"`
}

// UserProfile describes the local user and the capabilities the session was
// granted at login.
type UserProfile struct {
	UserID         UserID `json:"userId"`
	DisplayName    string `json:"displayName"`
	IsAdmin        bool   `json:"isAdmin"`
	CanPinMessages bool   `json:"canPinMessages"`
}

// canCurate reports whether the profile may create or remove knowledge pins.
func (p UserProfile) canCurate() bool {
	return p.IsAdmin || p.CanPinMessages
}
