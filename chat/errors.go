////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import "github.com/pkg/errors"

var (
	// ChannelAlreadyExistsErr is returned when attempting to join a channel
	// that the user is already in.
	ChannelAlreadyExistsErr = errors.New(
		"the channel cannot be added because it already exists")

	// ChannelNotFoundErr is returned when an operation targets a channel that
	// has not been joined.
	ChannelNotFoundErr = errors.New("the channel cannot be found")

	// MessageNotFoundErr is returned when an operation targets a message that
	// is not present in the local store.
	MessageNotFoundErr = errors.New("the message cannot be found")

	// EmptyMessageErr is returned when attempting to send a message with no
	// content. It is resolved client-side; no network call is made.
	EmptyMessageErr = errors.New("the message content is empty")

	// MessageTooLongErr is returned when attempting to send a message that is
	// larger than the backend accepts.
	MessageTooLongErr = errors.New("the passed message is too long")

	// PermissionDeniedErr is returned when pinning or unpinning without the
	// can_pin_messages capability. It is rejected before any optimistic state
	// is applied so the UI never flashes and reverts.
	PermissionDeniedErr = errors.New(
		"the user does not have permission to curate the knowledge library")

	// TooManyTagsErr is returned when a pin request carries more than
	// MaxPinTags tags after deduplication.
	TooManyTagsErr = errors.New("a knowledge pin accepts at most 5 tags")

	// TagTooLongErr is returned when a single pin tag exceeds MaxPinTagLength
	// characters after normalization.
	TagTooLongErr = errors.New("a knowledge pin tag is limited to 30 characters")

	// AlreadyPinnedErr is returned by the backend when a pin already exists
	// for the message. The pin manager treats it as success per the
	// idempotency contract; callers never see it.
	AlreadyPinnedErr = errors.New("the message is already pinned")

	// NotPinnedErr is returned when unpinning a message that has no pin.
	NotPinnedErr = errors.New("the message is not pinned")

	// NetworkFailure wraps any transient backend error. Mutations that fail
	// with it are rolled back to their pre-mutation snapshot and are safe to
	// retry.
	NetworkFailure = errors.New("the backend request failed")
)
