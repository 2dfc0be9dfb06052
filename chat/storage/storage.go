////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package storage archives confirmed channel messages in an embedded SQLite
// database so joined channels can render history while the backend is
// unreachable.
package storage

import (
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"gitlab.com/pitside/client/chat"
)

// inMemoryPath opens a shared in-memory database, used when no path is given.
const inMemoryPath = "file::memory:?cache=shared"

// channelRecord marks a channel as archived. Leaving the channel removes the
// record and its messages.
type channelRecord struct {
	ID       string `gorm:"primaryKey"`
	JoinedAt time.Time
}

// messageRecord is one archived message. Reactions are not archived; they are
// re-fetched with the message when the backend is reachable again.
type messageRecord struct {
	ID              string `gorm:"primaryKey"`
	ChannelID       string `gorm:"index"`
	AuthorID        string
	AuthorName      string
	Content         string
	ContentType     uint8
	CreatedAt       time.Time `gorm:"index"`
	ParentMessageID string
	ReplyCount      int
	LastReplyAt     time.Time
	Pinned          bool
	LocalID         string
}

// Archive is a chat.Archiver backed by SQLite through gorm.
type Archive struct {
	db *gorm.DB
}

// NewArchive opens (or creates) the archive database at the given path. An
// empty path opens a shared in-memory database that lives for the process.
func NewArchive(path string) (*Archive, error) {
	if path == "" {
		path = inMemoryPath
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to open the message archive at %s", path)
	}

	if err = db.Exec("PRAGMA foreign_keys = ON").Error; err != nil {
		return nil, errors.WithMessage(err, "failed to enable foreign keys")
	}

	err = db.AutoMigrate(&channelRecord{}, &messageRecord{})
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to migrate the archive schema")
	}

	jww.INFO.Printf("[ARCH] Message archive open at %s", path)
	return &Archive{db: db}, nil
}

// JoinChannel marks a channel as archived. Re-joining is a no-op.
func (a *Archive) JoinChannel(channelID chat.ChannelID) error {
	rec := channelRecord{ID: string(channelID), JoinedAt: time.Now().UTC()}
	err := a.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error
	if err != nil {
		return errors.WithMessagef(err,
			"failed to archive channel %s", channelID)
	}
	return nil
}

// LeaveChannel drops the channel and all of its archived messages.
func (a *Archive) LeaveChannel(channelID chat.ChannelID) error {
	return a.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("channel_id = ?", string(channelID)).
			Delete(&messageRecord{}).Error
		if err != nil {
			return errors.WithMessagef(err,
				"failed to drop archived messages for %s", channelID)
		}
		err = tx.Delete(&channelRecord{ID: string(channelID)}).Error
		if err != nil {
			return errors.WithMessagef(err,
				"failed to drop archived channel %s", channelID)
		}
		return nil
	})
}

// StoreMessage upserts one confirmed message. Messages for channels that were
// never joined are dropped silently; the archive only follows membership.
func (a *Archive) StoreMessage(msg chat.Message) error {
	var count int64
	err := a.db.Model(&channelRecord{}).
		Where("id = ?", string(msg.ChannelID)).Count(&count).Error
	if err != nil {
		return errors.WithMessagef(err,
			"failed to check channel %s", msg.ChannelID)
	}
	if count == 0 {
		return nil
	}

	rec := toRecord(msg)
	err = a.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		UpdateAll: true,
	}).Create(&rec).Error
	if err != nil {
		return errors.WithMessagef(err,
			"failed to archive message %s", msg.ID)
	}
	return nil
}

// UpdateMessage overwrites an archived message's mutable fields.
func (a *Archive) UpdateMessage(msg chat.Message) error {
	rec := toRecord(msg)
	result := a.db.Model(&messageRecord{ID: rec.ID}).Updates(map[string]interface{}{
		"reply_count":   rec.ReplyCount,
		"last_reply_at": rec.LastReplyAt,
		"pinned":        rec.Pinned,
	})
	if result.Error != nil {
		return errors.WithMessagef(result.Error,
			"failed to update archived message %s", msg.ID)
	}
	return nil
}

// Backfill returns the channel's newest archived messages in ascending
// order, up to the limit.
func (a *Archive) Backfill(channelID chat.ChannelID, limit int) (
	[]chat.Message, error) {
	var recs []messageRecord
	err := a.db.Where("channel_id = ?", string(channelID)).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to backfill channel %s", channelID)
	}

	// Newest-first from the query; the store wants ascending.
	msgs := make([]chat.Message, len(recs))
	for i, rec := range recs {
		msgs[len(recs)-1-i] = toMessage(rec)
	}
	return msgs, nil
}

func toRecord(msg chat.Message) messageRecord {
	return messageRecord{
		ID:              string(msg.ID),
		ChannelID:       string(msg.ChannelID),
		AuthorID:        string(msg.AuthorID),
		AuthorName:      msg.AuthorName,
		Content:         msg.Content,
		ContentType:     uint8(msg.ContentType),
		CreatedAt:       msg.CreatedAt.UTC(),
		ParentMessageID: string(msg.ParentMessageID),
		ReplyCount:      msg.ReplyCount,
		LastReplyAt:     msg.LastReplyAt.UTC(),
		Pinned:          msg.Pinned,
		LocalID:         msg.LocalID,
	}
}

func toMessage(rec messageRecord) chat.Message {
	return chat.Message{
		ID:              chat.MessageID(rec.ID),
		ChannelID:       chat.ChannelID(rec.ChannelID),
		AuthorID:        chat.UserID(rec.AuthorID),
		AuthorName:      rec.AuthorName,
		Content:         rec.Content,
		ContentType:     chat.ContentType(rec.ContentType),
		CreatedAt:       rec.CreatedAt,
		ParentMessageID: chat.MessageID(rec.ParentMessageID),
		ReplyCount:      rec.ReplyCount,
		LastReplyAt:     rec.LastReplyAt,
		Pinned:          rec.Pinned,
		Status:          chat.Delivered,
		LocalID:         rec.LocalID,
	}
}
