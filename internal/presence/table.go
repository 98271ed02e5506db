/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package presence is the process-wide routing table: a two-level mapping
// from identity to the set of currently-live sessions for that identity.
// It is the only mutable state shared across Session Engine instances, and
// every access goes through a single short mutex-guarded critical section,
// mirroring the map-behind-a-lock discipline the teacher's ingest muxer
// uses to track live backend connections.
package presence

import (
	"sync"

	"github.com/gravwell/boopd/internal/boopproto"
)

// SessionID identifies one session within an identity's set of live
// sessions. Callers draw these from a wide enough space that collisions
// are not a practical concern (the Session Engine uses a random UUID).
type SessionID string

// DeliveryHandle is the send half of a session's inbound delivery channel.
// Sends must never block the caller; Table.Route relies on that to hold
// its lock across a fan-out without risking a slow or gone peer stalling
// every other session.
type DeliveryHandle chan<- boopproto.Message

// Table is the shared identity -> session-id -> delivery-handle map.
// The zero value is not ready for use; call New.
type Table struct {
	mtx   sync.Mutex
	byKey map[string]map[SessionID]DeliveryHandle
}

// New returns an empty, ready-to-use Table.
func New() *Table {
	return &Table{byKey: make(map[string]map[SessionID]DeliveryHandle)}
}

// Attach records a newly-handshaked session's delivery handle under
// identity. Callers must call Attach exactly once per session, immediately
// after handshake succeeds.
func (t *Table) Attach(identity string, id SessionID, handle DeliveryHandle) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	inner, ok := t.byKey[identity]
	if !ok {
		inner = make(map[SessionID]DeliveryHandle)
		t.byKey[identity] = inner
	}
	inner[id] = handle
}

// Detach removes a session from identity's set. If that leaves the
// identity with no live sessions, the identity entry itself is removed, so
// the table never retains an identity mapped to an empty session set.
// Callers must call Detach exactly once per session, during teardown,
// regardless of how teardown was triggered.
func (t *Table) Detach(identity string, id SessionID) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	inner, ok := t.byKey[identity]
	if !ok {
		return
	}
	delete(inner, id)
	if len(inner) == 0 {
		delete(t.byKey, identity)
	}
}

// Route hands msg to every live session of target, ignoring individual
// send failures: a session mid-detach is acceptable collateral. Route does
// nothing if target has no live sessions. Sends happen while the table
// lock is held, which is safe because each send is a non-blocking
// try-send: a handle whose buffer is full (session.Engine's delivery
// channel holds 32 messages) drops the message instead of blocking.
func (t *Table) Route(target string, msg boopproto.Message) {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	inner, ok := t.byKey[target]
	if !ok {
		return
	}
	for _, handle := range inner {
		select {
		case handle <- msg:
		default:
			// consumer slow or gone; drop silently per §4.3.
		}
	}
}

// IsPresent reports whether identity has at least one live session.
func (t *Table) IsPresent(identity string) bool {
	t.mtx.Lock()
	defer t.mtx.Unlock()
	_, ok := t.byKey[identity]
	return ok
}
