////////////////////////////////////////////////////////////////////////////////
// Copyright © 2024 Pitside Technologies                                      //
//                                                                            //
// Use of this source code is governed by a license that can be found in the  //
// LICENSE file                                                               //
////////////////////////////////////////////////////////////////////////////////

package chat

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// MutationKind tags the closed set of user-initiated mutations that run
// through the optimistic engine.
type MutationKind uint8

const (
	// MutateReact toggles the local user's emoji reaction on a message.
	MutateReact MutationKind = iota

	// MutatePin promotes a message into the knowledge library.
	MutatePin

	// MutateUnpin removes a message's knowledge pin.
	MutateUnpin

	// MutateSend creates a new top-level message in a channel.
	MutateSend

	// MutateReply creates a reply in a message's thread.
	MutateReply
)

// String returns a human-readable version of [MutationKind], used for
// debugging and logging. This function adheres to the [fmt.Stringer]
// interface.
func (mk MutationKind) String() string {
	switch mk {
	case MutateReact:
		return "react"
	case MutatePin:
		return "pin"
	case MutateUnpin:
		return "unpin"
	case MutateSend:
		return "send"
	case MutateReply:
		return "reply"
	default:
		return "Invalid MutationKind: " + strconv.Itoa(int(mk))
	}
}

// MutationIntent is the tagged input of Manager.Apply. Which fields are read
// depends on Kind: Target is the reacted/pinned message or the reply parent;
// Emoji applies to MutateReact; Content/ContentType to MutateSend and
// MutateReply; Category and Tags to MutatePin.
type MutationIntent struct {
	Kind        MutationKind
	ChannelID   ChannelID
	Target      MessageID
	Emoji       string
	Content     string
	ContentType ContentType
	Category    string
	Tags        []string
}

// mutationOp is one prepared mutation run by the engine. begin applies the
// optimistic state synchronously and returns the pre-mutation snapshot;
// commit performs the network call and returns a reconcile closure that
// replaces optimistic state with server-confirmed state.
type mutationOp struct {
	intent MutationIntent

	// key serializes mutations addressing the same message. Empty disables
	// serialization (new top-level sends have nothing to contend with).
	key MessageID

	begin  func() (Snapshot, error)
	commit func(ctx context.Context) (reconcile func(), err error)

	// invalidates lists the derived caches that depend on this mutation's
	// round trip.
	invalidates []CacheKey

	// onSettle is called exactly once after commit reconciled or rollback
	// completed. err is nil on success.
	onSettle func(err error)
}

// defaultCommitTimeout bounds the commit phase of a single mutation.
const defaultCommitTimeout = 15 * time.Second

// engine is the generic three-phase optimistic mutation machine: Begin
// applies local state synchronously, Commit fires the network call and
// reconciles, Abort restores the exact pre-mutation snapshot. Every mutation
// kind runs through the same path.
type engine struct {
	store *Store
	cache *Cache

	commitTimeout time.Duration
}

func newEngine(store *Store, cache *Cache) *engine {
	return &engine{
		store:         store,
		cache:         cache,
		commitTimeout: defaultCommitTimeout,
	}
}

// apply runs the Begin phase synchronously and dispatches the Commit phase.
// If another mutation against the same message is still in flight, the whole
// op is queued and re-applied once that mutation settles, so its Begin phase
// computes from the settled base state.
func (e *engine) apply(op *mutationOp) {
	if op.key != "" &&
		!e.store.AcquireOrEnqueue(op.key, func() { e.apply(op) }) {
		jww.DEBUG.Printf("[CHAT] Mutation %s on %s queued behind an "+
			"in-flight mutation", op.intent.Kind, op.key)
		return
	}

	snap, err := op.begin()
	if err != nil {
		e.release(op)
		op.onSettle(err)
		return
	}

	go e.settle(op, snap)
}

// settle runs the Commit phase: on success the server-confirmed state
// overwrites the optimistic state and dependent caches are invalidated; on
// failure the pre-mutation snapshot is restored verbatim. No partial-apply
// state is ever left visible.
func (e *engine) settle(op *mutationOp, snap Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), e.commitTimeout)
	reconcile, err := op.commit(ctx)
	cancel()

	if err != nil {
		jww.WARN.Printf("[CHAT] Mutation %s on channel %s failed, rolling "+
			"back: %+v", op.intent.Kind, op.intent.ChannelID, err)
		e.store.Rollback(snap)
		e.release(op)
		op.onSettle(errors.Wrap(NetworkFailure, err.Error()))
		return
	}

	if reconcile != nil {
		reconcile()
	}
	for _, key := range op.invalidates {
		e.cache.Invalidate(key)
	}

	e.release(op)
	op.onSettle(nil)
}

// release frees the serialization slot and runs the next queued mutation, if
// any.
func (e *engine) release(op *mutationOp) {
	if op.key == "" {
		return
	}
	if next := e.store.Release(op.key); next != nil {
		next()
	}
}
