////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"github.com/elliotchance/orderedmap"
)

// GroupReactions reduces raw per-user reactions into render-ready groups, one
// per emoji, in the order each emoji was first seen. Within a group, a user
// is counted once even if duplicate raw events slipped through. The function
// is pure: identical input always yields identical groups, which keeps UI
// snapshots deterministic.
func GroupReactions(raw []Reaction, currentUser UserID) []ReactionGroup {
	groups := orderedmap.NewOrderedMap()
	seen := make(map[string]map[UserID]bool)

	for i := range raw {
		r := &raw[i]
		users, exists := seen[r.Emoji]
		if !exists {
			users = make(map[UserID]bool)
			seen[r.Emoji] = users
			groups.Set(r.Emoji, &ReactionGroup{Emoji: r.Emoji})
		}
		if users[r.UserID] {
			continue
		}
		users[r.UserID] = true

		g, _ := groups.Get(r.Emoji)
		group := g.(*ReactionGroup)
		group.Count++
		group.Reactors = append(group.Reactors, reactorIdentity(r))
		if r.UserID == currentUser {
			group.DidReact = true
		}
	}

	out := make([]ReactionGroup, 0, groups.Len())
	for _, key := range groups.Keys() {
		g, _ := groups.Get(key)
		out = append(out, *g.(*ReactionGroup))
	}
	return out
}

// ToggleReaction computes the reaction list after the user toggles an emoji:
// if the user already reacted with it, their reaction is removed; otherwise
// one is appended. It returns the new list and whether a reaction was added.
// The input slice is not modified.
func ToggleReaction(
	raw []Reaction, toggled Reaction) (out []Reaction, added bool) {
	out = make([]Reaction, 0, len(raw)+1)
	removed := false
	for _, r := range raw {
		if r.UserID == toggled.UserID && r.Emoji == toggled.Emoji {
			removed = true
			continue
		}
		out = append(out, r)
	}
	if removed {
		return out, false
	}
	return append(out, toggled), true
}

// reactorIdentity returns the display identity shown in reaction tooltips.
func reactorIdentity(r *Reaction) string {
	if r.DisplayName != "" {
		return r.DisplayName
	}
	return string(r.UserID)
}
