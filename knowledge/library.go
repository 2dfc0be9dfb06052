////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

// Package knowledge stores the community's knowledge library locally in an
// embedded document store so pins remain browsable offline and across
// restarts.
package knowledge

import (
	"time"

	clover "github.com/ostafen/clover"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"

	"gitlab.com/pitside/client/chat"
)

// pinCollection is the clover collection holding one document per pin.
const pinCollection = "pins"

// Library is a durable chat.PinLibrary backed by an embedded clover database.
type Library struct {
	db *clover.DB
}

// NewLibrary opens (or creates) the pin database at the given directory.
func NewLibrary(dir string) (*Library, error) {
	db, err := clover.Open(dir)
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to open the knowledge library at %s", dir)
	}

	exists, err := db.HasCollection(pinCollection)
	if err != nil {
		return nil, errors.WithMessage(err,
			"failed to check for the pin collection")
	}
	if !exists {
		if err = db.CreateCollection(pinCollection); err != nil {
			return nil, errors.WithMessage(err,
				"failed to create the pin collection")
		}
	}

	jww.INFO.Printf("[KNOW] Knowledge library open at %s", dir)
	return &Library{db: db}, nil
}

// Close flushes and closes the underlying database.
func (l *Library) Close() error {
	return l.db.Close()
}

// Save upserts a pin document keyed by its pin ID.
func (l *Library) Save(pin chat.KnowledgePin) error {
	// Drop any previous version of this pin or of another pin on the same
	// message; at most one pin exists per message.
	err := l.db.Query(pinCollection).
		Where(clover.Field("messageId").Eq(string(pin.MessageID))).
		Delete()
	if err != nil {
		return errors.WithMessagef(err,
			"failed to clear old pin documents for message %s", pin.MessageID)
	}

	doc := clover.NewDocumentOf(map[string]interface{}{
		"pinId":       string(pin.ID),
		"messageId":   string(pin.MessageID),
		"channelId":   string(pin.ChannelID),
		"communityId": string(pin.CommunityID),
		"category":    pin.Category,
		"tags":        toInterfaceSlice(pin.Tags),
		"createdBy":   string(pin.CreatedBy),
		"createdAt":   pin.CreatedAt.UTC().Format(time.RFC3339Nano),
	})

	if _, err = l.db.InsertOne(pinCollection, doc); err != nil {
		return errors.WithMessagef(err, "failed to save pin %s", pin.ID)
	}
	return nil
}

// Remove deletes a pin document by pin ID.
func (l *Library) Remove(pinID chat.PinID) error {
	err := l.db.Query(pinCollection).
		Where(clover.Field("pinId").Eq(string(pinID))).
		Delete()
	if err != nil {
		return errors.WithMessagef(err, "failed to remove pin %s", pinID)
	}
	return nil
}

// ByMessage returns the pin for a message, if one is stored.
func (l *Library) ByMessage(messageID chat.MessageID) (chat.KnowledgePin, bool) {
	doc, err := l.db.Query(pinCollection).
		Where(clover.Field("messageId").Eq(string(messageID))).
		FindFirst()
	if err != nil {
		jww.WARN.Printf("[KNOW] Pin lookup for message %s failed: %+v",
			messageID, err)
		return chat.KnowledgePin{}, false
	}
	if doc == nil {
		return chat.KnowledgePin{}, false
	}
	return decodePin(doc), true
}

// List returns the community's pins, optionally filtered by category, oldest
// first.
func (l *Library) List(communityID chat.CommunityID, category string) (
	[]chat.KnowledgePin, error) {
	criteria := clover.Field("communityId").Eq(string(communityID))
	if category != "" {
		criteria = criteria.And(clover.Field("category").Eq(category))
	}

	docs, err := l.db.Query(pinCollection).
		Where(criteria).
		Sort(clover.SortOption{Field: "createdAt", Direction: 1}).
		FindAll()
	if err != nil {
		return nil, errors.WithMessagef(err,
			"failed to list pins for community %s", communityID)
	}

	pins := make([]chat.KnowledgePin, 0, len(docs))
	for _, doc := range docs {
		pins = append(pins, decodePin(doc))
	}
	return pins, nil
}

// ByTag returns the community's pins carrying the given normalized tag. Tag
// matching happens client-side; the store only filters by community.
func (l *Library) ByTag(communityID chat.CommunityID, tag string) (
	[]chat.KnowledgePin, error) {
	pins, err := l.List(communityID, "")
	if err != nil {
		return nil, err
	}

	matched := pins[:0]
	for _, pin := range pins {
		for _, t := range pin.Tags {
			if t == tag {
				matched = append(matched, pin)
				break
			}
		}
	}
	return matched, nil
}

// Categories returns the distinct categories in use for the community.
func (l *Library) Categories(communityID chat.CommunityID) ([]string, error) {
	pins, err := l.List(communityID, "")
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var out []string
	for _, pin := range pins {
		if pin.Category == "" || seen[pin.Category] {
			continue
		}
		seen[pin.Category] = true
		out = append(out, pin.Category)
	}
	return out, nil
}

// decodePin rebuilds a pin from its stored document.
func decodePin(doc *clover.Document) chat.KnowledgePin {
	pin := chat.KnowledgePin{
		ID:          chat.PinID(docString(doc, "pinId")),
		MessageID:   chat.MessageID(docString(doc, "messageId")),
		ChannelID:   chat.ChannelID(docString(doc, "channelId")),
		CommunityID: chat.CommunityID(docString(doc, "communityId")),
		Category:    docString(doc, "category"),
		CreatedBy:   chat.UserID(docString(doc, "createdBy")),
	}

	if raw, ok := doc.Get("tags").([]interface{}); ok {
		pin.Tags = make([]string, 0, len(raw))
		for _, t := range raw {
			if s, isString := t.(string); isString {
				pin.Tags = append(pin.Tags, s)
			}
		}
	}

	createdAt, err := time.Parse(time.RFC3339Nano, docString(doc, "createdAt"))
	if err == nil {
		pin.CreatedAt = createdAt
	}
	return pin
}

// docString reads one string field off a document, tolerating absence.
func docString(doc *clover.Document, field string) string {
	if s, ok := doc.Get(field).(string); ok {
		return s
	}
	return ""
}

// toInterfaceSlice converts tags for document storage.
func toInterfaceSlice(tags []string) []interface{} {
	out := make([]interface{}, len(tags))
	for i, t := range tags {
		out[i] = t
	}
	return out
}
