/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package session is the per-connection state machine: it performs the
// protocol handshake, then multiplexes the client's inbound line, the AFK
// watchdog, and inbound fan-out deliveries from peer sessions, the way the
// teacher's SimpleRelay acceptor hands each accepted connection to its own
// dedicated goroutine and read loop.
package session

import (
	"bufio"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gravwell/boopd/internal/booplog"
	"github.com/gravwell/boopd/internal/boopproto"
	"github.com/gravwell/boopd/internal/creds"
	"github.com/gravwell/boopd/internal/presence"
)

// AFKTimeout is the watchdog period: a session that has not sent a PING
// within this window since the previous tick is reaped.
const AFKTimeout = 30 * time.Second

// deliveryBufferSize is the capacity of a session's inbound delivery
// channel. The channel is never blocking from a sender's perspective
// (Table.Route uses a non-blocking try-send); a small buffer just absorbs
// a short burst before a slow consumer starts dropping fan-out traffic.
const deliveryBufferSize = 32

var (
	ErrUnexpectedEOF    = errors.New("session: unexpected EOF")
	errAuthFailed       = errors.New("session: authentication failed")
	errProtocolMismatch = errors.New("session: protocol mismatch")
	errAFKTimeout       = errors.New("session: AFK watchdog timeout")
)

// Engine is one authenticated (or authenticating) connection's state
// machine. Construct with New and run with Run; Run blocks until the
// session reaches its terminal state and always leaves the connection
// closed and any presence entry detached.
type Engine struct {
	conn     net.Conn
	reader   *bufio.Reader
	table    *presence.Table
	records  []creds.Record
	logger   *booplog.Logger

	identity  string
	sessionID presence.SessionID
	deliverCh chan boopproto.Message

	attached    bool
	cleanupOnce sync.Once

	// afkTimeout is the watchdog period; New sets it to AFKTimeout. Tests in
	// this package shrink it directly to avoid a 30s-scale test run.
	afkTimeout time.Duration
}

// New builds an Engine for a freshly-accepted (and already TLS-handshaked)
// connection. records is the immutable credential snapshot shared by
// every session; table is the process-wide presence table.
func New(conn net.Conn, table *presence.Table, records []creds.Record, logger *booplog.Logger) *Engine {
	return &Engine{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		table:      table,
		records:    records,
		logger:     logger,
		afkTimeout: AFKTimeout,
	}
}

// Run drives the session to completion: handshake, then steady-state
// dispatch, then teardown. The returned error is nil only for a graceful
// client-initiated DISCONNECT; every other path (bad handshake, protocol
// violation, transport failure, AFK timeout) returns a descriptive error
// for the caller to log.
func (e *Engine) Run() error {
	defer e.cleanup()
	if err := e.handshake(); err != nil {
		return err
	}
	return e.steadyState()
}

// handshake implements the AwaitingHandshake state of §4.4: it accepts
// exactly one CONNECT, verifies it against the Credential Oracle, and
// either attaches the session to the presence table or refuses it.
func (e *Engine) handshake() error {
	line, n, err := readLine(e.reader)
	if n == 0 {
		return ErrUnexpectedEOF
	}

	msg, perr := boopproto.Parse(line)
	if perr != nil {
		e.sendBestEffort(boopproto.Err(perr.(*boopproto.ParseError).ErrorCode()))
		return perr
	}
	if msg.Kind != boopproto.CONNECT {
		e.sendBestEffort(boopproto.Err(boopproto.ProtocolMismatch))
		return errProtocolMismatch
	}

	switch creds.Verify(msg.Arg1, msg.Arg2, e.records) {
	case creds.Matched:
		if err := e.send(boopproto.Hey()); err != nil {
			return err
		}
		e.identity = msg.Arg1
		e.sessionID = presence.SessionID(uuid.New().String())
		e.deliverCh = make(chan boopproto.Message, deliveryBufferSize)
		e.table.Attach(e.identity, e.sessionID, e.deliverCh)
		e.attached = true
		e.logger.Info("session authenticated", booplog.KV("identity", e.identity), booplog.KV("session", string(e.sessionID)))
		return nil
	default:
		e.sendBestEffort(boopproto.No())
		e.logger.Info("handshake refused", booplog.KV("identity", msg.Arg1))
		return errAuthFailed
	}
}

type readResult struct {
	line string
	err  error
}

// readLoop pumps lines off r into out, one at a time, until r returns an
// error or done is closed. It never blocks forever on a send: done lets
// the steady-state loop abandon it the instant the session terminates.
func readLoop(r *bufio.Reader, out chan<- readResult, done <-chan struct{}) {
	for {
		line, err := r.ReadString('\n')
		select {
		case out <- readResult{line: line, err: err}:
		case <-done:
			return
		}
		if err != nil {
			return
		}
	}
}

// steadyState implements the Authenticated state of §4.4: a disjunctive
// wait over the AFK watchdog, the client's inbound line, and inbound
// fan-out deliveries from peer sessions.
func (e *Engine) steadyState() error {
	reads := make(chan readResult)
	done := make(chan struct{})
	defer close(done)
	go readLoop(e.reader, reads, done)

	timer := time.NewTimer(e.afkTimeout)
	defer timer.Stop()

	// The session just completed handshake; give it a full window before
	// the first liveness check can possibly fail it.
	wasPinged := true

	for {
		select {
		case <-timer.C:
			if !wasPinged {
				e.logger.Debug("session AFK timeout", booplog.KV("identity", e.identity))
				e.conn.Close()
				return errAFKTimeout
			}
			wasPinged = false
			timer.Reset(e.afkTimeout)

		case rr := <-reads:
			if done, terminal := e.handleRead(rr, &wasPinged); terminal {
				return done
			}

		case m := <-e.deliverCh:
			if err := e.send(m); err != nil {
				return err
			}
			// delivery from a peer never refreshes the watchdog.
		}
	}
}

// handleRead processes one line read from the client. It returns
// (err, true) when the session must terminate, or (nil, false) to keep
// looping.
func (e *Engine) handleRead(rr readResult, wasPinged *bool) (error, bool) {
	if len(rr.line) == 0 {
		if rr.err == io.EOF {
			return ErrUnexpectedEOF, true
		}
		e.logger.Error("read error", booplog.KVErr(rr.err), booplog.KV("identity", e.identity))
		return rr.err, true
	}

	msg, perr := boopproto.Parse(rr.line)
	if perr != nil {
		e.sendBestEffort(boopproto.Err(perr.(*boopproto.ParseError).ErrorCode()))
		return perr, true
	}

	switch msg.Kind {
	case boopproto.DISCONNECT:
		e.sendBestEffort(boopproto.Bye())
		return nil, true
	case boopproto.PING:
		if err := e.send(boopproto.Pong()); err != nil {
			return err, true
		}
		*wasPinged = true
	case boopproto.BOOP:
		e.table.Route(msg.Arg1, boopproto.Boop(e.identity))
	case boopproto.AYT:
		resp := boopproto.Afk(msg.Arg1)
		if e.table.IsPresent(msg.Arg1) {
			resp = boopproto.Online(msg.Arg1)
		}
		if err := e.send(resp); err != nil {
			return err, true
		}
	default:
		e.sendBestEffort(boopproto.Err(boopproto.ProtocolMismatch))
		return errProtocolMismatch, true
	}

	// The line dispatched cleanly, but readLoop had already hit an error
	// (e.g. the peer's FIN arrived with this line as the final buffered
	// data) and has since exited, so no further reads will ever arrive.
	// Terminate now instead of relying on the AFK watchdog to notice.
	if rr.err != nil {
		if rr.err == io.EOF {
			return ErrUnexpectedEOF, true
		}
		e.logger.Error("read error", booplog.KVErr(rr.err), booplog.KV("identity", e.identity))
		return rr.err, true
	}
	return nil, false
}

// readLine reads a single line during handshake (no watchdog or delivery
// channel are active yet, so a plain blocking read suffices). n is the
// number of bytes read, used to distinguish "closed before any data
// arrived" from a line delivered without its trailing newline.
func readLine(r *bufio.Reader) (line string, n int, err error) {
	line, err = r.ReadString('\n')
	return line, len(line), err
}

func (e *Engine) send(m boopproto.Message) error {
	line, err := boopproto.Render(m)
	if err != nil {
		return err
	}
	_, err = e.conn.Write([]byte(line))
	return err
}

// sendBestEffort is used on terminal paths where the write outcome cannot
// change the already-decided termination reason.
func (e *Engine) sendBestEffort(m boopproto.Message) {
	_ = e.send(m)
}

// cleanup runs exactly once per session: detach from the presence table if
// ever attached, then close the connection.
func (e *Engine) cleanup() {
	e.cleanupOnce.Do(func() {
		if e.attached {
			e.table.Detach(e.identity, e.sessionID)
		}
		e.conn.Close()
	})
}
