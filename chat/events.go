////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// The closed set of event types carried on the realtime transport.
const (
	EventMessageNew     = "message.new"
	EventReactionAdd    = "reaction.add"
	EventReactionRemove = "reaction.remove"
	EventPinCreated     = "pin.created"
	EventPinRemoved     = "pin.removed"
	EventPresenceJoin   = "presence.join"
	EventPresenceLeave  = "presence.leave"
	EventTyping         = "typing"
)

// PresenceEvent is the payload of EventPresenceJoin and EventPresenceLeave.
type PresenceEvent struct {
	UserID      UserID    `json:"userId"`
	DisplayName string    `json:"displayName"`
	At          time.Time `json:"at"`
}

// ChannelScope returns the transport scope for a channel's main stream.
func ChannelScope(channelID ChannelID) string {
	return "channel:" + string(channelID)
}

// ThreadScope returns the transport scope for a thread's reply stream.
func ThreadScope(parentID MessageID) string {
	return "thread:" + string(parentID)
}

// NewEvent encodes a payload into an Event frame for the given scope.
func NewEvent(eventType, scope string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, errors.WithMessagef(err,
			"failed to encode %s event payload", eventType)
	}
	return Event{Type: eventType, Scope: scope, Payload: raw}, nil
}

// decodePayload decodes an event payload into target, wrapping decode
// failures with the event type for the log.
func decodePayload(ev Event, target interface{}) error {
	if err := json.Unmarshal(ev.Payload, target); err != nil {
		return errors.WithMessagef(err,
			"failed to decode %s event payload on scope %s", ev.Type, ev.Scope)
	}
	return nil
}
