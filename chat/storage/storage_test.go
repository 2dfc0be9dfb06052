////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package storage

import (
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"gitlab.com/pitside/client/chat"
)

func newTestArchive(t *testing.T) *Archive {
	a, err := NewArchive(filepath.Join(t.TempDir(), "archive.db"))
	if err != nil {
		t.Fatalf("Failed to open archive: %+v", err)
	}
	return a
}

func newArchivedMessage(channelID chat.ChannelID, n int) chat.Message {
	return chat.Message{
		ID:          chat.MessageID("msg-" + strconv.Itoa(1000+n)),
		ChannelID:   channelID,
		AuthorID:    "trader-7",
		AuthorName:  "Trader Seven",
		Content:     "archived body " + strconv.Itoa(n),
		ContentType: chat.Text,
		CreatedAt:   time.Unix(1700000000+int64(n)*30, 0).UTC(),
		Status:      chat.Delivered,
	}
}

// Tests the store/backfill round trip and that backfill returns the newest
// messages in ascending order.
func TestArchive_backfill(t *testing.T) {
	a := newTestArchive(t)

	if err := a.JoinChannel("futures"); err != nil {
		t.Fatalf("Failed to join channel: %+v", err)
	}

	for i := 0; i < 10; i++ {
		if err := a.StoreMessage(newArchivedMessage("futures", i)); err != nil {
			t.Fatalf("Failed to store message %d: %+v", i, err)
		}
	}

	msgs, err := a.Backfill("futures", 4)
	if err != nil {
		t.Fatalf("Failed to backfill: %+v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("Unexpected backfill size.\nexpected: %d\nreceived: %d",
			4, len(msgs))
	}
	if msgs[0].ID != "msg-1006" || msgs[3].ID != "msg-1009" {
		t.Errorf("Backfill did not return the newest messages ascending."+
			"\nreceived: %s .. %s", msgs[0].ID, msgs[3].ID)
	}
	for i := 1; i < len(msgs); i++ {
		if msgs[i].CreatedAt.Before(msgs[i-1].CreatedAt) {
			t.Errorf("Backfill out of order at %d.", i)
		}
	}
}

// Tests that storing a message twice upserts instead of erroring or
// duplicating.
func TestArchive_StoreMessage_upsert(t *testing.T) {
	a := newTestArchive(t)

	if err := a.JoinChannel("futures"); err != nil {
		t.Fatalf("Failed to join channel: %+v", err)
	}

	msg := newArchivedMessage("futures", 0)
	if err := a.StoreMessage(msg); err != nil {
		t.Fatalf("Failed to store message: %+v", err)
	}
	msg.Content = "edited body"
	if err := a.StoreMessage(msg); err != nil {
		t.Fatalf("Failed to re-store message: %+v", err)
	}

	msgs, err := a.Backfill("futures", 10)
	if err != nil {
		t.Fatalf("Failed to backfill: %+v", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("Upsert duplicated the message.\nreceived: %d", len(msgs))
	}
	if msgs[0].Content != "edited body" {
		t.Errorf("Upsert did not replace the content."+
			"\nexpected: %q\nreceived: %q", "edited body", msgs[0].Content)
	}
}

// Tests that messages for channels that were never joined are dropped and
// that leaving removes the channel's history.
func TestArchive_membership(t *testing.T) {
	a := newTestArchive(t)

	// Not joined yet: store is a silent no-op.
	if err := a.StoreMessage(newArchivedMessage("futures", 0)); err != nil {
		t.Fatalf("Store before join errored: %+v", err)
	}
	msgs, err := a.Backfill("futures", 10)
	if err != nil {
		t.Fatalf("Failed to backfill: %+v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("Message archived for an unjoined channel.")
	}

	if err = a.JoinChannel("futures"); err != nil {
		t.Fatalf("Failed to join channel: %+v", err)
	}
	if err = a.JoinChannel("futures"); err != nil {
		t.Fatalf("Re-join errored: %+v", err)
	}
	if err = a.StoreMessage(newArchivedMessage("futures", 1)); err != nil {
		t.Fatalf("Failed to store message: %+v", err)
	}

	if err = a.LeaveChannel("futures"); err != nil {
		t.Fatalf("Failed to leave channel: %+v", err)
	}
	msgs, err = a.Backfill("futures", 10)
	if err != nil {
		t.Fatalf("Failed to backfill after leave: %+v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("History survived leaving the channel.")
	}
}

// Tests that counter updates land on the archived row.
func TestArchive_UpdateMessage(t *testing.T) {
	a := newTestArchive(t)

	if err := a.JoinChannel("futures"); err != nil {
		t.Fatalf("Failed to join channel: %+v", err)
	}
	msg := newArchivedMessage("futures", 0)
	if err := a.StoreMessage(msg); err != nil {
		t.Fatalf("Failed to store message: %+v", err)
	}

	msg.ReplyCount = 3
	msg.Pinned = true
	msg.LastReplyAt = msg.CreatedAt.Add(time.Hour)
	if err := a.UpdateMessage(msg); err != nil {
		t.Fatalf("Failed to update message: %+v", err)
	}

	msgs, err := a.Backfill("futures", 1)
	if err != nil {
		t.Fatalf("Failed to backfill: %+v", err)
	}
	if msgs[0].ReplyCount != 3 || !msgs[0].Pinned {
		t.Errorf("Update did not land.\nreceived: %+v", msgs[0])
	}
}
