/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package session

import (
	"bufio"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/gravwell/boopd/internal/booplog"
	"github.com/gravwell/boopd/internal/boopproto"
	"github.com/gravwell/boopd/internal/creds"
	"github.com/gravwell/boopd/internal/presence"
)

// fixtureHash is an argon2id PHC string verifying against password
// "bar". Reused across tests purely as a known-good hash; see
// internal/creds's own test file for the Rust-derived fixtures this
// pattern is grounded on.
const fixtureHash = `$argon2id$v=19$m=32,t=2,p=1$V3hudnFvVEJwTnFjNGRMVA$E+sVHTGn3oMAFHhk27r05A`

func newTestRecords() []creds.Record {
	return []creds.Record{
		{Key: `alice`, Hash: fixtureHash},
		{Key: `bob`, Hash: fixtureHash},
	}
}

// newHarness wires a session.Engine to one end of an in-process net.Pipe
// and hands the test the other end, the same way the teacher's handler
// tests drive a connection without a real socket.
func newHarness(t *testing.T, records []creds.Record, tbl *presence.Table) (client *bufio.ReadWriter, eng *Engine, done chan error) {
	t.Helper()
	clientConn, serverConn := net.Pipe()
	eng = New(serverConn, tbl, records, booplog.NewDiscard())

	done = make(chan error, 1)
	go func() { done <- eng.Run() }()

	client = bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	return client, eng, done
}

func sendLine(t *testing.T, rw *bufio.ReadWriter, s string) {
	t.Helper()
	_, err := rw.WriteString(s + "\n")
	require.NoError(t, err)
	require.NoError(t, rw.Flush())
}

func expectLine(t *testing.T, rw *bufio.ReadWriter, want string) {
	t.Helper()
	line, err := rw.ReadString('\n')
	require.NoError(t, err)
	got, err := boopproto.Parse(line)
	require.NoError(t, err)
	wantMsg, err := boopproto.Parse(want + "\n")
	require.NoError(t, err)
	require.Equal(t, wantMsg, got)
}

func TestHandshakeSuccess(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "CONNECT alice bar")
	expectLine(t, client, "HEY")
	sendLine(t, client, "DISCONNECT")
	expectLine(t, client, "BYE")
	require.NoError(t, <-done)
}

func TestHandshakeBadPassword(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "CONNECT alice wrongpass")
	expectLine(t, client, "NO")
	require.Error(t, <-done)
}

func TestHandshakeUnknownIdentity(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "CONNECT ghost whatever")
	expectLine(t, client, "NO")
	require.Error(t, <-done)
}

func TestHandshakeNonConnectFirst(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "PING")
	expectLine(t, client, "ERROR PROTOCOL_MISMATCH")
	require.Error(t, <-done)
}

func TestHandshakeMalformedLine(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "NOTACOMMAND")
	expectLine(t, client, "ERROR MALFORMED_COMMAND")
	require.Error(t, <-done)
}

func TestPingPong(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "CONNECT alice bar")
	expectLine(t, client, "HEY")
	sendLine(t, client, "PING")
	expectLine(t, client, "PONG")
	sendLine(t, client, "DISCONNECT")
	expectLine(t, client, "BYE")
	require.NoError(t, <-done)
}

func TestAytOnAbsentIdentityIsAfk(t *testing.T) {
	client, _, done := newHarness(t, newTestRecords(), presence.New())
	sendLine(t, client, "CONNECT alice bar")
	expectLine(t, client, "HEY")

	sendLine(t, client, "AYT bob")
	expectLine(t, client, "AFK bob")

	sendLine(t, client, "DISCONNECT")
	expectLine(t, client, "BYE")
	require.NoError(t, <-done)
}

func TestBoopRoutesBetweenSessionsOnSharedTable(t *testing.T) {
	records := newTestRecords()
	tbl := presence.New()

	aliceClient, _, aliceDone := newHarness(t, records, tbl)
	bobClient, _, bobDone := newHarness(t, records, tbl)

	sendLine(t, aliceClient, "CONNECT alice bar")
	expectLine(t, aliceClient, "HEY")
	sendLine(t, bobClient, "CONNECT bob bar")
	expectLine(t, bobClient, "HEY")

	sendLine(t, aliceClient, "AYT bob")
	expectLine(t, aliceClient, "ONLINE bob")

	sendLine(t, aliceClient, "BOOP bob")
	expectLine(t, bobClient, "BOOP alice")

	sendLine(t, aliceClient, "DISCONNECT")
	expectLine(t, aliceClient, "BYE")
	require.NoError(t, <-aliceDone)

	sendLine(t, bobClient, "DISCONNECT")
	expectLine(t, bobClient, "BYE")
	require.NoError(t, <-bobDone)
}

func TestAFKWatchdogClosesIdleSession(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	eng := New(serverConn, presence.New(), newTestRecords(), booplog.NewDiscard())
	eng.afkTimeout = 25 * time.Millisecond

	done := make(chan error, 1)
	go func() { done <- eng.Run() }()

	client := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	sendLine(t, client, "CONNECT alice bar")
	expectLine(t, client, "HEY")

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("session did not terminate after two missed watchdog ticks")
	}
}

func TestClientDisconnectWithoutHandshakeIsUnexpectedEOF(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	eng := New(serverConn, presence.New(), newTestRecords(), booplog.NewDiscard())

	done := make(chan error, 1)
	go func() { done <- eng.Run() }()

	require.NoError(t, clientConn.Close())
	err := <-done
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}

// TestUnterminatedFinalLineTerminatesImmediately covers a peer that sends a
// final line without a trailing newline and then closes the connection
// (bufio.Reader.ReadString returns the buffered bytes alongside io.EOF).
// The session must detach and terminate right away rather than linger
// until the AFK watchdog eventually notices, since readLoop has already
// exited and will never deliver another result.
func TestUnterminatedFinalLineTerminatesImmediately(t *testing.T) {
	clientConn, serverConn := net.Pipe()
	tbl := presence.New()
	eng := New(serverConn, tbl, newTestRecords(), booplog.NewDiscard())

	done := make(chan error, 1)
	go func() { done <- eng.Run() }()

	client := bufio.NewReadWriter(bufio.NewReader(clientConn), bufio.NewWriter(clientConn))
	sendLine(t, client, "CONNECT alice bar")
	expectLine(t, client, "HEY")
	require.True(t, tbl.IsPresent(`alice`))

	_, err := client.WriteString("BOOP bob")
	require.NoError(t, err)
	require.NoError(t, client.Flush())
	require.NoError(t, clientConn.Close())

	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("session did not terminate on unterminated final line + EOF")
	}
	require.False(t, tbl.IsPresent(`alice`))
}
