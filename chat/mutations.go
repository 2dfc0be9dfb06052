////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/xx_network/primitives/netTime"

	"gitlab.com/pitside/client/emoji"
)

// MaxMessageLength is the largest message content the backend accepts, in
// bytes.
const MaxMessageLength = 4000

// localIDPrefix marks placeholder message IDs so they can never collide with
// server-assigned ones.
const localIDPrefix = "local:"

// Apply runs one user-initiated mutation through the optimistic engine.
//
// Validation and permission failures are returned synchronously, before any
// optimistic state is applied. Once Apply returns nil the optimistic state is
// visible; the network round trip settles in the background, and a failure
// there rolls the state back and surfaces through
// UpdateCallbacks.MutationFailed.
func (m *Manager) Apply(intent MutationIntent) error {
	if !m.store.HasChannel(intent.ChannelID) {
		return ChannelNotFoundErr
	}

	var op *mutationOp
	var err error
	switch intent.Kind {
	case MutateReact:
		op, err = m.reactOp(intent)
	case MutatePin:
		op, err = m.pinOp(intent)
	case MutateUnpin:
		op, err = m.unpinOp(intent)
	case MutateSend:
		op, err = m.sendOp(intent)
	case MutateReply:
		op, err = m.replyOp(intent)
	default:
		return errors.Errorf("unknown mutation kind %s", intent.Kind)
	}
	if err != nil {
		return err
	}

	jww.DEBUG.Printf("[CHAT] Dispatching %s mutation on channel %s",
		intent.Kind, intent.ChannelID)
	m.engine.apply(op)
	return nil
}

// SendMessage sends a top-level text or image message to the channel.
func (m *Manager) SendMessage(channelID ChannelID, content string,
	contentType ContentType) error {
	return m.Apply(MutationIntent{
		Kind:        MutateSend,
		ChannelID:   channelID,
		Content:     content,
		ContentType: contentType,
	})
}

// SendReply sends a reply into the parent message's thread.
func (m *Manager) SendReply(
	channelID ChannelID, parentID MessageID, content string) error {
	return m.Apply(MutationIntent{
		Kind:      MutateReply,
		ChannelID: channelID,
		Target:    parentID,
		Content:   content,
	})
}

// React toggles the local user's emoji reaction on a message.
func (m *Manager) React(
	channelID ChannelID, target MessageID, reaction string) error {
	return m.Apply(MutationIntent{
		Kind:      MutateReact,
		ChannelID: channelID,
		Target:    target,
		Emoji:     reaction,
	})
}

// Pin promotes a message into the community's knowledge library.
func (m *Manager) Pin(channelID ChannelID, target MessageID, category string,
	tags []string) error {
	return m.Apply(MutationIntent{
		Kind:      MutatePin,
		ChannelID: channelID,
		Target:    target,
		Category:  category,
		Tags:      tags,
	})
}

// Unpin removes a message's knowledge pin.
func (m *Manager) Unpin(channelID ChannelID, target MessageID) error {
	return m.Apply(MutationIntent{
		Kind:      MutateUnpin,
		ChannelID: channelID,
		Target:    target,
	})
}

////////////////////////////////////////////////////////////////////////////////
// Mutation Construction                                                      //
////////////////////////////////////////////////////////////////////////////////

// reactOp builds the toggle-reaction mutation. The toggle direction is
// computed inside the Begin phase, after the serialization slot is held, so a
// rapid double toggle computes its direction from the first toggle's settled
// state.
func (m *Manager) reactOp(intent MutationIntent) (*mutationOp, error) {
	if err := emoji.ValidateReaction(intent.Emoji); err != nil {
		return nil, err
	}

	reaction := Reaction{
		MessageID:   intent.Target,
		UserID:      m.profile.UserID,
		DisplayName: m.profile.DisplayName,
		Emoji:       intent.Emoji,
	}
	var added bool

	return &mutationOp{
		intent: intent,
		key:    intent.Target,
		begin: func() (Snapshot, error) {
			msg, err := m.store.Get(intent.Target)
			if err != nil {
				return Snapshot{}, err
			}
			reaction.CreatedAt = netTime.Now()
			toggled, nowPresent := ToggleReaction(msg.Reactions, reaction)
			added = nowPresent

			snap, err := m.store.ApplyOptimistic(
				[]MessageID{intent.Target}, func(target *Message) {
					target.Reactions = toggled
				})
			if err != nil {
				return Snapshot{}, err
			}
			m.notifyMessageViews(intent.ChannelID, msg.ParentMessageID)
			return snap, nil
		},
		commit: func(ctx context.Context) (func(), error) {
			if added {
				return nil, m.backend.AddReaction(ctx, reaction)
			}
			return nil, m.backend.RemoveReaction(ctx, reaction)
		},
		invalidates: []CacheKey{
			{Kind: CacheTimeline, ID: string(intent.ChannelID)},
		},
		onSettle: m.settleNotify(intent),
	}, nil
}

// pinOp builds the pin mutation. Permission and tag validation happen here,
// before the engine sees the op, so a forbidden pin is rejected without any
// visible flash.
func (m *Manager) pinOp(intent MutationIntent) (*mutationOp, error) {
	pin, err := m.pins.preparePin(m.communityID, intent)
	if err != nil {
		return nil, err
	}

	return &mutationOp{
		intent: intent,
		key:    intent.Target,
		begin: func() (Snapshot, error) {
			snap, err := m.store.ApplyOptimistic(
				[]MessageID{intent.Target}, func(target *Message) {
					target.Pinned = true
				})
			if err != nil {
				return Snapshot{}, err
			}
			m.notifyMessageViews(intent.ChannelID, "")
			return snap, nil
		},
		commit: func(ctx context.Context) (func(), error) {
			confirmed, err := m.pins.submitPin(ctx, pin)
			if err != nil {
				return nil, err
			}
			return func() {
				updateErr := m.store.Update(
					intent.Target, func(target *Message) {
						target.Pinned = true
					})
				if updateErr != nil {
					jww.WARN.Printf("[CHAT] Pinned message %s left the "+
						"cache before reconciliation", intent.Target)
				}
				m.archiveUpdate(intent.Target)
				jww.INFO.Printf("[CHAT] Pinned message %s as %s",
					intent.Target, confirmed.ID)
			}, nil
		},
		invalidates: []CacheKey{
			{Kind: CachePins, ID: string(m.communityID)},
			{Kind: CacheTimeline, ID: string(intent.ChannelID)},
		},
		onSettle: m.settleNotify(intent),
	}, nil
}

// unpinOp builds the unpin mutation.
func (m *Manager) unpinOp(intent MutationIntent) (*mutationOp, error) {
	pin, err := m.pins.prepareUnpin(intent.Target)
	if err != nil {
		return nil, err
	}

	return &mutationOp{
		intent: intent,
		key:    intent.Target,
		begin: func() (Snapshot, error) {
			snap, err := m.store.ApplyOptimistic(
				[]MessageID{intent.Target}, func(target *Message) {
					target.Pinned = false
				})
			if err != nil {
				return Snapshot{}, err
			}
			m.notifyMessageViews(intent.ChannelID, "")
			return snap, nil
		},
		commit: func(ctx context.Context) (func(), error) {
			if err := m.pins.submitUnpin(ctx, pin); err != nil {
				return nil, err
			}
			return func() { m.archiveUpdate(intent.Target) }, nil
		},
		invalidates: []CacheKey{
			{Kind: CachePins, ID: string(m.communityID)},
			{Kind: CacheTimeline, ID: string(intent.ChannelID)},
		},
		onSettle: m.settleNotify(intent),
	}, nil
}

// sendOp builds the send mutation: an Unsent placeholder with a local ID
// appears immediately and is replaced by the server-confirmed message when
// the round trip settles, whichever of the response and the realtime echo
// arrives first.
func (m *Manager) sendOp(intent MutationIntent) (*mutationOp, error) {
	if err := validateContent(intent.Content); err != nil {
		return nil, err
	}

	localID := uuid.NewString()
	placeholder := Message{
		ID:              MessageID(localIDPrefix + localID),
		ChannelID:       intent.ChannelID,
		AuthorID:        m.profile.UserID,
		AuthorName:      m.profile.DisplayName,
		Content:         intent.Content,
		ContentType:     intent.ContentType,
		ParentMessageID: intent.Target,
		Status:          Unsent,
		LocalID:         localID,
	}

	return &mutationOp{
		intent: intent,
		begin: func() (Snapshot, error) {
			placeholder.CreatedAt = netTime.Now()
			snap, err := m.store.InsertOptimistic(placeholder)
			if err != nil {
				return Snapshot{}, err
			}
			m.tracker.Track(localID, placeholder.ID)
			m.notifyMessageViews(intent.ChannelID, "")
			return snap, nil
		},
		commit: m.commitSend(&placeholder),
		invalidates: []CacheKey{
			{Kind: CacheTimeline, ID: string(intent.ChannelID)},
		},
		onSettle: m.settleNotify(intent),
	}, nil
}

// replyOp builds the reply mutation: the placeholder reply and the parent's
// counter bump are applied together under one snapshot, so a failed send
// rolls both back atomically and the count never double-advances.
func (m *Manager) replyOp(intent MutationIntent) (*mutationOp, error) {
	if err := validateContent(intent.Content); err != nil {
		return nil, err
	}

	localID := uuid.NewString()
	placeholder := Message{
		ID:              MessageID(localIDPrefix + localID),
		ChannelID:       intent.ChannelID,
		AuthorID:        m.profile.UserID,
		AuthorName:      m.profile.DisplayName,
		Content:         intent.Content,
		ContentType:     intent.ContentType,
		ParentMessageID: intent.Target,
		Status:          Unsent,
		LocalID:         localID,
	}

	return &mutationOp{
		intent: intent,
		key:    intent.Target,
		begin: func() (Snapshot, error) {
			placeholder.CreatedAt = netTime.Now()
			parentSnap, err := m.store.ApplyOptimistic(
				[]MessageID{intent.Target}, func(parent *Message) {
					parent.ReplyCount++
					if placeholder.CreatedAt.After(parent.LastReplyAt) {
						parent.LastReplyAt = placeholder.CreatedAt
					}
				})
			if err != nil {
				return Snapshot{}, err
			}
			insertSnap, err := m.store.InsertOptimistic(placeholder)
			if err != nil {
				m.store.Rollback(parentSnap)
				return Snapshot{}, err
			}
			m.tracker.Track(localID, placeholder.ID)
			m.notifyMessageViews(intent.ChannelID, intent.Target)
			return mergeSnapshots(parentSnap, insertSnap), nil
		},
		commit: m.commitSend(&placeholder),
		invalidates: []CacheKey{
			{Kind: CacheThread, ID: string(intent.Target)},
			{Kind: CacheTimeline, ID: string(intent.ChannelID)},
		},
		onSettle: func(err error) {
			m.cb.ThreadChanged(intent.Target)
			m.settleNotify(intent)(err)
		},
	}, nil
}

// commitSend performs the send round trip shared by sendOp and replyOp. The
// placeholder is replaced by the confirmed message under its server-assigned
// ID; if the realtime echo already did that, the replace is a plain
// overwrite.
func (m *Manager) commitSend(
	placeholder *Message) func(ctx context.Context) (func(), error) {
	return func(ctx context.Context) (func(), error) {
		confirmed, err := m.backend.SendMessage(ctx, NewMessage{
			ChannelID:       placeholder.ChannelID,
			Content:         placeholder.Content,
			ContentType:     placeholder.ContentType,
			ParentMessageID: placeholder.ParentMessageID,
			LocalID:         placeholder.LocalID,
		})
		if err != nil {
			m.tracker.Fail(placeholder.LocalID)
			return nil, err
		}

		return func() {
			confirmed.Status = Delivered
			m.tracker.Confirm(placeholder.LocalID)
			if err := m.store.CommitReplace(placeholder.ID, confirmed); err != nil {
				jww.WARN.Printf("[CHAT] Failed to reconcile send %s: %+v",
					placeholder.LocalID, err)
				return
			}
			m.archive([]Message{confirmed})
			jww.DEBUG.Printf("[CHAT] Send %s confirmed as %s",
				placeholder.LocalID, confirmed.ID)
		}, nil
	}
}

// settleNotify is the shared post-settle notification: the timeline changed
// either way (confirmed state or rollback), and failures additionally surface
// through MutationFailed.
func (m *Manager) settleNotify(intent MutationIntent) func(error) {
	return func(err error) {
		m.cache.Invalidate(
			CacheKey{Kind: CacheTimeline, ID: string(intent.ChannelID)})
		m.cb.TimelineChanged(intent.ChannelID)
		if err != nil {
			m.cb.MutationFailed(intent.ChannelID, intent.Kind, err)
		}
	}
}

// notifyMessageViews invalidates and notifies the views an optimistic apply
// just changed. parentID is non-empty when a thread view changed too.
func (m *Manager) notifyMessageViews(
	channelID ChannelID, parentID MessageID) {
	m.cache.Invalidate(CacheKey{Kind: CacheTimeline, ID: string(channelID)})
	m.cb.TimelineChanged(channelID)
	if parentID != "" {
		m.cache.Invalidate(CacheKey{Kind: CacheThread, ID: string(parentID)})
		m.cb.ThreadChanged(parentID)
	}
}

// archiveUpdate mirrors a message's current cached state into the archive.
func (m *Manager) archiveUpdate(messageID MessageID) {
	if m.archiver == nil {
		return
	}
	msg, err := m.store.Get(messageID)
	if err != nil {
		return
	}
	if err = m.archiver.UpdateMessage(msg); err != nil {
		jww.WARN.Printf("[CHAT] Failed to update archived message %s: %+v",
			messageID, err)
	}
}

// validateContent rejects empty and oversized message content before any
// optimistic state is touched.
func validateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return EmptyMessageErr
	}
	if len(content) > MaxMessageLength {
		return errors.WithMessagef(MessageTooLongErr,
			"%d bytes exceeds the %d byte limit", len(content), MaxMessageLength)
	}
	return nil
}
