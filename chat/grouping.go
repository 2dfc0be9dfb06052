////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"strings"
	"time"

	"golang.org/x/net/html"
)

// messageGroupWindow is the maximum gap between two consecutive messages of
// the same author for them to share a visual group.
const messageGroupWindow = 5 * time.Minute

// pinnedPreviewLength is the maximum rune count of the pinned banner preview.
const pinnedPreviewLength = 80

// AnnotatedMessage is a message with the rendering annotations computed by
// GroupAndAnnotate.
type AnnotatedMessage struct {
	Message

	// StartsGroup marks the first message of a visual group; the renderer
	// shows the author header and avatar only on these.
	StartsGroup bool

	// DateChanged marks that a date separator is rendered above this message
	// because the calendar date differs from the previous message (or this is
	// the first message).
	DateChanged bool
}

// PinnedBanner describes the banner shown atop a channel for its most
// recently pinned message.
type PinnedBanner struct {
	MessageID  MessageID
	AuthorName string
	Preview    string
}

// GroupAndAnnotate computes visual grouping for an ordered message list. Two
// consecutive messages share a group iff they have the same author and are
// less than five minutes apart. A date separator is inserted whenever the
// calendar date changes between consecutive messages and before the first
// message; a separator always starts a new group.
//
// The function is pure and deterministic: identical input yields identical
// annotations.
func GroupAndAnnotate(msgs []Message) []AnnotatedMessage {
	out := make([]AnnotatedMessage, len(msgs))
	for i := range msgs {
		out[i] = AnnotatedMessage{Message: msgs[i]}
		if i == 0 {
			out[i].StartsGroup = true
			out[i].DateChanged = true
			continue
		}

		prev := &msgs[i-1]
		cur := &msgs[i]
		if !sameCalendarDate(prev.CreatedAt, cur.CreatedAt) {
			out[i].DateChanged = true
			out[i].StartsGroup = true
			continue
		}
		if prev.AuthorID != cur.AuthorID ||
			cur.CreatedAt.Sub(prev.CreatedAt) >= messageGroupWindow {
			out[i].StartsGroup = true
		}
	}
	return out
}

// StripAnnotations returns the plain message list underlying an annotated
// one. GroupAndAnnotate(StripAnnotations(GroupAndAnnotate(msgs))) always
// equals GroupAndAnnotate(msgs).
func StripAnnotations(annotated []AnnotatedMessage) []Message {
	out := make([]Message, len(annotated))
	for i := range annotated {
		out[i] = annotated[i].Message
	}
	return out
}

// SelectPinnedBanner picks the most recently pinned message among msgs and
// builds its banner: author plus a plain-text preview of at most 80 runes
// with any HTML stripped. It returns nil when no pinned message is cached.
func SelectPinnedBanner(msgs []Message, pins []KnowledgePin) *PinnedBanner {
	byID := make(map[MessageID]*Message, len(msgs))
	for i := range msgs {
		byID[msgs[i].ID] = &msgs[i]
	}

	var newest *KnowledgePin
	for i := range pins {
		pin := &pins[i]
		if _, cached := byID[pin.MessageID]; !cached {
			continue
		}
		if newest == nil || pin.CreatedAt.After(newest.CreatedAt) {
			newest = pin
		}
	}
	if newest == nil {
		return nil
	}

	msg := byID[newest.MessageID]
	return &PinnedBanner{
		MessageID:  msg.ID,
		AuthorName: msg.AuthorName,
		Preview:    truncateRunes(StripHTML(msg.Content), pinnedPreviewLength),
	}
}

// StripHTML reduces rich message content to plain text: tags are dropped and
// runs of whitespace collapse to single spaces.
func StripHTML(content string) string {
	z := html.NewTokenizer(strings.NewReader(content))
	var b strings.Builder
	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			break
		}
		if tt == html.TextToken {
			b.Write(z.Text())
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// truncateRunes shortens s to at most n runes, appending an ellipsis when
// content was dropped.
func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// sameCalendarDate reports whether both timestamps fall on the same calendar
// date.
func sameCalendarDate(a, b time.Time) bool {
	ay, am, ad := a.Date()
	by, bm, bd := b.Date()
	return ay == by && am == bm && ad == bd
}
