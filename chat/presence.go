////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"sort"
	"sync"

	jww "github.com/spf13/jwalterweatherman"
)

// presenceTracker maintains the set of currently-online users per scope. It
// is driven purely by join/leave events from the transport subscription;
// there is no polling and no durable history. The table lives for the whole
// connection, independent of any single view.
type presenceTracker struct {
	scopes   map[string]map[UserID]PresenceRecord
	onChange func(scope string)
	mux      sync.RWMutex
}

func newPresenceTracker(onChange func(scope string)) *presenceTracker {
	return &presenceTracker{
		scopes:   make(map[string]map[UserID]PresenceRecord),
		onChange: onChange,
	}
}

// Join records a user as online within the scope. A repeated join refreshes
// the heartbeat without firing a change notification.
func (pt *presenceTracker) Join(scope string, ev PresenceEvent) {
	pt.mux.Lock()
	users, exists := pt.scopes[scope]
	if !exists {
		users = make(map[UserID]PresenceRecord)
		pt.scopes[scope] = users
	}
	_, known := users[ev.UserID]
	users[ev.UserID] = PresenceRecord{
		UserID:        ev.UserID,
		DisplayName:   ev.DisplayName,
		LastHeartbeat: ev.At,
	}
	pt.mux.Unlock()

	if !known {
		jww.DEBUG.Printf("[CHAT] %s joined %s", ev.UserID, scope)
		pt.onChange(scope)
	}
}

// Leave removes a user from the scope's online set.
func (pt *presenceTracker) Leave(scope string, userID UserID) {
	pt.mux.Lock()
	users, exists := pt.scopes[scope]
	if exists {
		_, exists = users[userID]
		delete(users, userID)
	}
	pt.mux.Unlock()

	if exists {
		jww.DEBUG.Printf("[CHAT] %s left %s", userID, scope)
		pt.onChange(scope)
	}
}

// Online returns the scope's online users sorted by user ID.
func (pt *presenceTracker) Online(scope string) []PresenceRecord {
	pt.mux.RLock()
	defer pt.mux.RUnlock()

	users := pt.scopes[scope]
	out := make([]PresenceRecord, 0, len(users))
	for _, rec := range users {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// IsOnline reports whether the user is currently online in the scope.
func (pt *presenceTracker) IsOnline(scope string, userID UserID) bool {
	pt.mux.RLock()
	defer pt.mux.RUnlock()
	_, online := pt.scopes[scope][userID]
	return online
}

// Reset drops the scope's entire online set, e.g. when its subscription is
// torn down and the set can no longer be trusted.
func (pt *presenceTracker) Reset(scope string) {
	pt.mux.Lock()
	_, exists := pt.scopes[scope]
	delete(pt.scopes, scope)
	pt.mux.Unlock()

	if exists {
		pt.onChange(scope)
	}
}
