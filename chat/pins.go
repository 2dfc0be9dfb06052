////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const (
	// MaxPinTags is the most tags a knowledge pin may carry.
	MaxPinTags = 5

	// MaxPinTagLength is the longest a single normalized tag may be, in
	// runes.
	MaxPinTagLength = 30
)

// PinLibrary is the local, queryable index of the community's knowledge
// pins. Implemented by the knowledge package.
type PinLibrary interface {
	Save(pin KnowledgePin) error
	Remove(pinID PinID) error
	ByMessage(messageID MessageID) (KnowledgePin, bool)
	List(communityID CommunityID, category string) ([]KnowledgePin, error)
}

// pinManager fronts the knowledge library: it gates pin/unpin on the
// curation capability before any optimistic state is touched, normalizes
// tags, and keeps the local library index in step with the backend.
type pinManager struct {
	profile UserProfile
	svc     PinService
	library PinLibrary

	mux sync.Mutex
}

func newPinManager(
	profile UserProfile, svc PinService, library PinLibrary) *pinManager {
	return &pinManager{profile: profile, svc: svc, library: library}
}

// preparePin validates a pin intent and builds the pin to submit. Permission
// and validation failures happen here, before the optimistic engine sees the
// mutation, so a forbidden pin never flashes and reverts.
func (pm *pinManager) preparePin(communityID CommunityID,
	intent MutationIntent) (KnowledgePin, error) {
	if !pm.profile.canCurate() {
		return KnowledgePin{}, PermissionDeniedErr
	}
	tags, err := NormalizeTags(intent.Tags)
	if err != nil {
		return KnowledgePin{}, err
	}
	return KnowledgePin{
		MessageID:   intent.Target,
		ChannelID:   intent.ChannelID,
		CommunityID: communityID,
		Category:    intent.Category,
		Tags:        tags,
		CreatedBy:   pm.profile.UserID,
	}, nil
}

// prepareUnpin resolves the pin to delete and gates on the same capability as
// pin creation.
func (pm *pinManager) prepareUnpin(messageID MessageID) (KnowledgePin, error) {
	if !pm.profile.canCurate() {
		return KnowledgePin{}, PermissionDeniedErr
	}
	pin, exists := pm.library.ByMessage(messageID)
	if !exists {
		return KnowledgePin{}, NotPinnedErr
	}
	return pin, nil
}

// submitPin performs the create round trip. A duplicate-pin conflict is
// reported as success with the existing pin left in place: at most one pin
// exists per message per community, and the caller asked for a pinned
// message, which is what they have.
func (pm *pinManager) submitPin(
	ctx context.Context, pin KnowledgePin) (KnowledgePin, error) {
	confirmed, err := pm.svc.CreatePin(ctx, pin)
	if err != nil {
		if errors.Is(err, AlreadyPinnedErr) {
			jww.INFO.Printf("[CHAT] Message %s was already pinned; treating "+
				"as success", pin.MessageID)
			if existing, exists := pm.library.ByMessage(pin.MessageID); exists {
				return existing, nil
			}
			return pin, nil
		}
		return KnowledgePin{}, err
	}

	pm.record(confirmed)
	return confirmed, nil
}

// submitUnpin performs the delete round trip and drops the local index entry.
func (pm *pinManager) submitUnpin(ctx context.Context, pin KnowledgePin) error {
	if err := pm.svc.DeletePin(ctx, pin.ID); err != nil {
		return err
	}
	pm.mux.Lock()
	defer pm.mux.Unlock()
	if err := pm.library.Remove(pin.ID); err != nil {
		jww.WARN.Printf("[CHAT] Failed to drop pin %s from the local "+
			"library: %+v", pin.ID, err)
	}
	return nil
}

// forget drops a pin from the local index after a remote removal event.
func (pm *pinManager) forget(pinID PinID) {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	if err := pm.library.Remove(pinID); err != nil {
		jww.WARN.Printf("[CHAT] Failed to drop pin %s from the local "+
			"library: %+v", pinID, err)
	}
}

// record stores a confirmed pin in the local library index.
func (pm *pinManager) record(pin KnowledgePin) {
	pm.mux.Lock()
	defer pm.mux.Unlock()
	if err := pm.library.Save(pin); err != nil {
		jww.WARN.Printf("[CHAT] Failed to index pin %s locally: %+v",
			pin.ID, err)
	}
}

// List refreshes the local library from the backend and returns the
// community's pins, optionally filtered by category.
func (pm *pinManager) List(ctx context.Context, communityID CommunityID,
	category string) ([]KnowledgePin, error) {
	pins, err := pm.svc.ListPins(ctx, communityID, category)
	if err != nil {
		// Serve the local index when the backend is unreachable.
		jww.WARN.Printf("[CHAT] Pin list fetch failed, serving local "+
			"index: %+v", err)
		return pm.library.List(communityID, category)
	}
	for _, pin := range pins {
		pm.record(pin)
	}
	return pins, nil
}

// ByMessage returns the cached pin for a message, if one exists.
func (pm *pinManager) ByMessage(messageID MessageID) (KnowledgePin, bool) {
	return pm.library.ByMessage(messageID)
}

// memPinLibrary is the fallback in-memory PinLibrary used when the caller
// does not supply a durable one.
type memPinLibrary struct {
	byID      map[PinID]KnowledgePin
	byMessage map[MessageID]PinID
	mux       sync.RWMutex
}

func newMemPinLibrary() *memPinLibrary {
	return &memPinLibrary{
		byID:      make(map[PinID]KnowledgePin),
		byMessage: make(map[MessageID]PinID),
	}
}

func (ml *memPinLibrary) Save(pin KnowledgePin) error {
	ml.mux.Lock()
	defer ml.mux.Unlock()
	ml.byID[pin.ID] = pin
	ml.byMessage[pin.MessageID] = pin.ID
	return nil
}

func (ml *memPinLibrary) Remove(pinID PinID) error {
	ml.mux.Lock()
	defer ml.mux.Unlock()
	pin, exists := ml.byID[pinID]
	if !exists {
		return NotPinnedErr
	}
	delete(ml.byID, pinID)
	delete(ml.byMessage, pin.MessageID)
	return nil
}

func (ml *memPinLibrary) ByMessage(messageID MessageID) (KnowledgePin, bool) {
	ml.mux.RLock()
	defer ml.mux.RUnlock()
	pinID, exists := ml.byMessage[messageID]
	if !exists {
		return KnowledgePin{}, false
	}
	return ml.byID[pinID], true
}

func (ml *memPinLibrary) List(
	communityID CommunityID, category string) ([]KnowledgePin, error) {
	ml.mux.RLock()
	defer ml.mux.RUnlock()
	var out []KnowledgePin
	for _, pin := range ml.byID {
		if pin.CommunityID != communityID {
			continue
		}
		if category != "" && pin.Category != category {
			continue
		}
		out = append(out, pin)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

// NormalizeTags lowercases, trims, and de-duplicates pin tags, preserving
// first occurrence order. It rejects tag sets that exceed MaxPinTags after
// deduplication and individual tags longer than MaxPinTagLength runes.
func NormalizeTags(tags []string) ([]string, error) {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" || seen[normalized] {
			continue
		}
		if len([]rune(normalized)) > MaxPinTagLength {
			return nil, errors.WithMessagef(TagTooLongErr, "tag %q", tag)
		}
		seen[normalized] = true
		out = append(out, normalized)
	}
	if len(out) > MaxPinTags {
		return nil, TooManyTagsErr
	}
	return out, nil
}
