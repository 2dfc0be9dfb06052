////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package knowledge

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"gitlab.com/pitside/client/chat"
)

func newTestLibrary(t *testing.T) *Library {
	l, err := NewLibrary(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, l.Close())
	})
	return l
}

func newTestPin(n int, category string, tags ...string) chat.KnowledgePin {
	return chat.KnowledgePin{
		ID:          chat.PinID("pin-" + string(rune('a'+n))),
		MessageID:   chat.MessageID("msg-" + string(rune('a'+n))),
		ChannelID:   "futures",
		CommunityID: "pitside",
		Category:    category,
		Tags:        tags,
		CreatedBy:   "curator",
		CreatedAt:   time.Unix(1700000000+int64(n)*60, 0).UTC(),
	}
}

// Tests the save/lookup/remove round trip.
func TestLibrary_roundTrip(t *testing.T) {
	l := newTestLibrary(t)

	pin := newTestPin(0, "setups", "es", "breakout")
	require.NoError(t, l.Save(pin))

	got, found := l.ByMessage(pin.MessageID)
	require.True(t, found)
	require.Equal(t, pin, got)

	require.NoError(t, l.Remove(pin.ID))
	_, found = l.ByMessage(pin.MessageID)
	require.False(t, found)
}

// Tests that re-saving a pin for the same message replaces the old document
// instead of duplicating it.
func TestLibrary_Save_upsert(t *testing.T) {
	l := newTestLibrary(t)

	pin := newTestPin(0, "setups")
	require.NoError(t, l.Save(pin))
	pin.Category = "risk"
	require.NoError(t, l.Save(pin))

	pins, err := l.List("pitside", "")
	require.NoError(t, err)
	require.Len(t, pins, 1)
	require.Equal(t, "risk", pins[0].Category)
}

// Tests category filtering, tag filtering, and the distinct category list.
func TestLibrary_filters(t *testing.T) {
	l := newTestLibrary(t)

	pins := []chat.KnowledgePin{
		newTestPin(0, "setups", "es"),
		newTestPin(1, "setups", "nq", "vwap"),
		newTestPin(2, "risk", "es"),
	}
	for _, pin := range pins {
		require.NoError(t, l.Save(pin))
	}

	setups, err := l.List("pitside", "setups")
	require.NoError(t, err)
	require.Len(t, setups, 2)
	for i := 1; i < len(setups); i++ {
		require.False(t, setups[i].CreatedAt.Before(setups[i-1].CreatedAt),
			"pins not sorted oldest first")
	}

	es, err := l.ByTag("pitside", "es")
	require.NoError(t, err)
	require.Len(t, es, 2)

	categories, err := l.Categories("pitside")
	require.NoError(t, err)
	require.Equal(t, []string{"setups", "risk"}, categories)

	other, err := l.List("other-community", "")
	require.NoError(t, err)
	require.Empty(t, other)
}
