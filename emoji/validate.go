////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package emoji validates reaction input before it is allowed anywhere near
// the optimistic engine or the network.
package emoji

import (
	"github.com/forPelevin/gomoji"
	"github.com/pkg/errors"
)

// InvalidReactionErr is returned when a reaction is not exactly one emoji.
var InvalidReactionErr = errors.New(
	"the reaction must be a single emoji with no other characters")

// SupportedEmojis returns the emojis reactions may use.
func SupportedEmojis() []gomoji.Emoji {
	return gomoji.AllEmojis()
}

// ValidateReaction checks that the reaction is exactly one emoji and nothing
// else. Returns InvalidReactionErr otherwise.
func ValidateReaction(reaction string) error {
	found := gomoji.CollectAll(reaction)
	if len(found) != 1 || found[0].Character != reaction {
		return InvalidReactionErr
	}
	return nil
}
