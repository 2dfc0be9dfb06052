////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"reflect"
	"testing"
	"time"
)

func makeReaction(user UserID, emoji string, n int) Reaction {
	return Reaction{
		MessageID: "msg-1",
		UserID:    user,
		Emoji:     emoji,
		CreatedAt: time.Unix(1700000000+int64(n), 0).UTC(),
	}
}

// Tests that reactions group by emoji in first-seen order with per-user
// deduplication and a correct DidReact flag.
func Test_GroupReactions(t *testing.T) {
	raw := []Reaction{
		makeReaction("alice", "👍", 0),
		makeReaction("bob", "🔥", 1),
		makeReaction("bob", "👍", 2),
		makeReaction("alice", "👍", 3), // duplicate, must not double count
		makeReaction("carol", "🔥", 4),
	}

	got := GroupReactions(raw, "alice")

	expected := []ReactionGroup{
		{Emoji: "👍", Count: 2, Reactors: []string{"alice", "bob"},
			DidReact: true},
		{Emoji: "🔥", Count: 2, Reactors: []string{"bob", "carol"},
			DidReact: false},
	}
	if !reflect.DeepEqual(got, expected) {
		t.Errorf("Unexpected reaction groups.\nexpected: %+v\nreceived: %+v",
			expected, got)
	}
}

// Tests that the first 👍 on a bare message yields a single
// group with DidReact set for the reactor, and a second distinct reactor
// raises the count while the first user's flag stays set.
func Test_GroupReactions_scenario(t *testing.T) {
	first := []Reaction{makeReaction("alice", "👍", 0)}
	got := GroupReactions(first, "alice")
	if len(got) != 1 || got[0].Count != 1 || !got[0].DidReact {
		t.Fatalf("Unexpected group after first reaction: %+v", got)
	}

	second := append(first, makeReaction("bob", "👍", 1))
	got = GroupReactions(second, "alice")
	if len(got) != 1 || got[0].Count != 2 || !got[0].DidReact {
		t.Errorf("Unexpected group after second reaction: %+v", got)
	}
}

// Tests that toggling the same (user, emoji) twice is an involution: the
// groups return to their original count and DidReact value.
func Test_ToggleReaction_involution(t *testing.T) {
	raw := []Reaction{
		makeReaction("alice", "👍", 0),
		makeReaction("bob", "👍", 1),
	}
	original := GroupReactions(raw, "bob")

	toggled, added := ToggleReaction(raw, makeReaction("bob", "👍", 2))
	if added {
		t.Errorf("Toggle of an existing reaction reported an add")
	}
	mid := GroupReactions(toggled, "bob")
	if mid[0].Count != 1 || mid[0].DidReact {
		t.Fatalf("Unexpected groups after first toggle: %+v", mid)
	}

	back, added := ToggleReaction(toggled, makeReaction("bob", "👍", 3))
	if !added {
		t.Errorf("Toggle of a removed reaction did not report an add")
	}
	final := GroupReactions(back, "bob")

	if final[0].Count != original[0].Count ||
		final[0].DidReact != original[0].DidReact {
		t.Errorf("Double toggle did not return to original state."+
			"\nexpected: %+v\nreceived: %+v", original, final)
	}
}
