////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func groupTestMessage(
	id string, author UserID, at time.Time, content string) Message {
	return Message{
		ID:         MessageID(id),
		ChannelID:  "ch-group",
		AuthorID:   author,
		AuthorName: strings.Title(string(author)),
		Content:    content,
		CreatedAt:  at,
		Status:     Delivered,
	}
}

// Tests that messages from user A at 10:00:00 and 10:03:00 and
// from user B at 10:03:30 group as [A(2), B(1)] with no date separator after
// the first message.
func Test_GroupAndAnnotate_scenario(t *testing.T) {
	day := time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)
	msgs := []Message{
		groupTestMessage("m1", "alice", day, "one"),
		groupTestMessage("m2", "alice", day.Add(3*time.Minute), "two"),
		groupTestMessage("m3", "bob", day.Add(3*time.Minute+30*time.Second),
			"three"),
	}

	got := GroupAndAnnotate(msgs)

	starts := []bool{got[0].StartsGroup, got[1].StartsGroup, got[2].StartsGroup}
	if !reflect.DeepEqual(starts, []bool{true, false, true}) {
		t.Errorf("Unexpected group starts.\nexpected: %v\nreceived: %v",
			[]bool{true, false, true}, starts)
	}
	dates := []bool{got[0].DateChanged, got[1].DateChanged, got[2].DateChanged}
	if !reflect.DeepEqual(dates, []bool{true, false, false}) {
		t.Errorf("Unexpected date separators.\nexpected: %v\nreceived: %v",
			[]bool{true, false, false}, dates)
	}
}

// Tests that a five-minute-or-larger gap splits a group even for the same
// author, and that a calendar date change always inserts a separator and
// starts a new group.
func Test_GroupAndAnnotate_boundaries(t *testing.T) {
	nearMidnight := time.Date(2024, 3, 14, 23, 58, 0, 0, time.UTC)
	msgs := []Message{
		groupTestMessage("m1", "alice", nearMidnight, "a"),
		groupTestMessage("m2", "alice", nearMidnight.Add(5*time.Minute), "b"),
		groupTestMessage("m3", "alice", nearMidnight.Add(6*time.Minute), "c"),
	}

	got := GroupAndAnnotate(msgs)

	// Exactly five minutes is not "< 5 minutes"; m2 starts a new group. It
	// also crossed midnight, so it carries a separator.
	if !got[1].StartsGroup || !got[1].DateChanged {
		t.Errorf("Midnight boundary not annotated: %+v", got[1])
	}
	if got[2].StartsGroup || got[2].DateChanged {
		t.Errorf("Same-day continuation wrongly split: %+v", got[2])
	}
}

// Tests that annotating, stripping, and re-annotating yields the identical
// result (grouping idempotence).
func Test_GroupAndAnnotate_idempotence(t *testing.T) {
	base := time.Date(2024, 3, 14, 9, 0, 0, 0, time.UTC)
	msgs := make([]Message, 12)
	authors := []UserID{"alice", "alice", "bob"}
	for i := range msgs {
		msgs[i] = groupTestMessage(
			"m"+string(rune('a'+i)), authors[i%3],
			base.Add(time.Duration(i*i)*time.Minute), "body")
	}

	once := GroupAndAnnotate(msgs)
	twice := GroupAndAnnotate(StripAnnotations(once))

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("Grouping is not idempotent.\nexpected: %+v\nreceived: %+v",
			once, twice)
	}
}

// Tests that the pinned banner selects the most recently pinned message and
// strips markup from the preview.
func Test_SelectPinnedBanner(t *testing.T) {
	day := time.Date(2024, 3, 14, 10, 0, 0, 0, time.UTC)
	msgs := []Message{
		groupTestMessage("m1", "alice", day,
			"<p>Watch the <b>opening range</b> today</p>"),
		groupTestMessage("m2", "bob", day.Add(time.Minute),
			strings.Repeat("risk ", 40)),
	}
	msgs[0].Pinned = true
	msgs[1].Pinned = true

	pins := []KnowledgePin{
		{ID: "p1", MessageID: "m1", CreatedAt: day.Add(2 * time.Hour)},
		{ID: "p2", MessageID: "m2", CreatedAt: day.Add(time.Hour)},
		{ID: "p3", MessageID: "not-cached", CreatedAt: day.Add(3 * time.Hour)},
	}

	banner := SelectPinnedBanner(msgs, pins)
	if banner == nil {
		t.Fatalf("No banner selected")
	}
	if banner.MessageID != "m1" {
		t.Errorf("Wrong banner message.\nexpected: %s\nreceived: %s",
			"m1", banner.MessageID)
	}
	if banner.Preview != "Watch the opening range today" {
		t.Errorf("HTML not stripped from preview: %q", banner.Preview)
	}

	// The long message must be truncated to the preview cap.
	long := SelectPinnedBanner(msgs[1:], pins[1:2])
	if long == nil {
		t.Fatalf("No banner selected for long message")
	}
	if n := len([]rune(long.Preview)); n > 80 {
		t.Errorf("Preview too long: %d runes", n)
	}
	if !strings.HasSuffix(long.Preview, "…") {
		t.Errorf("Truncated preview missing ellipsis: %q", long.Preview)
	}
}
