package chat

import (
	"bufio"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type pipeClient struct {
	conn    net.Conn
	sess    *Session
	lines   chan string
	stopped chan struct{}
}

// startPipeClient runs a session over net.Pipe and collects what the
// server writes back.
func startPipeClient(t *testing.T, reg *Registry, opts SessionOptions) *pipeClient {
	t.Helper()
	server, client := net.Pipe()
	return startClientOn(t, reg, server, client, opts)
}

func startClientOn(t *testing.T, reg *Registry, server, client net.Conn, opts SessionOptions) *pipeClient {
	t.Helper()
	c := &pipeClient{
		conn:    client,
		sess:    NewSession(server, reg, opts, nil),
		lines:   make(chan string, 64),
		stopped: make(chan struct{}),
	}
	go func() {
		defer close(c.stopped)
		c.sess.Run()
	}()
	go func() {
		defer close(c.lines)
		sc := bufio.NewScanner(client)
		for sc.Scan() {
			c.lines <- sc.Text()
		}
	}()
	t.Cleanup(func() { _ = client.Close() })
	return c
}

func (c *pipeClient) send(t *testing.T, text string) {
	t.Helper()
	_, err := c.conn.Write([]byte(text + "\n"))
	require.NoError(t, err)
}

func (c *pipeClient) expect(t *testing.T, want string) {
	t.Helper()
	select {
	case got, ok := <-c.lines:
		require.True(t, ok, "connection closed while waiting for %q", want)
		require.Equal(t, want, got)
	case <-time.After(time.Second):
		t.Fatalf("timeout waiting for %q", want)
	}
}

func (c *pipeClient) expectNothing(t *testing.T) {
	t.Helper()
	select {
	case got, ok := <-c.lines:
		if ok {
			t.Fatalf("unexpected message %q", got)
		}
	case <-time.After(50 * time.Millisecond):
	}
}

func (c *pipeClient) expectClosed(t *testing.T) {
	t.Helper()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-c.lines:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("connection still open")
		}
	}
}

func (c *pipeClient) waitStopped(t *testing.T) {
	t.Helper()
	select {
	case <-c.stopped:
	case <-time.After(time.Second):
		t.Fatal("session did not stop")
	}
}

func TestSession_JoinAndChat(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())

	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	require.Eventually(t, func() bool { return alice.sess.State() == StateActive }, time.Second, 5*time.Millisecond)

	bob := startPipeClient(t, reg, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")
	bob.expectNothing(t)

	alice.send(t, "hi")
	bob.expect(t, "Alice: hi")
	alice.expectNothing(t)

	require.Equal(t, "Alice", alice.sess.Name())
	require.Equal(t, "Alice,Bob", reg.ListUserNames())
}

func TestSession_EmptyMessagesIgnored(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "")
	alice.send(t, "Alice")
	bob := startPipeClient(t, reg, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	bob.send(t, "")
	bob.send(t, "\r")
	bob.send(t, "after")
	alice.expect(t, "Bob: after")
	require.Equal(t, "Alice,Bob", reg.ListUserNames())
}

func TestSession_CommandsReplyToSenderOnly(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	bob := startPipeClient(t, reg, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	bob.send(t, "#users")
	bob.expect(t, "#BOT: Alice,Bob")

	bob.send(t, "#commands")
	bob.expect(t, "#BOT: "+reg.ListCommands())
	alice.expectNothing(t)

	// Near-miss tokens are ordinary chat.
	bob.send(t, "#users please")
	alice.expect(t, "Bob: #users please")
}

func TestSession_QuitAnnouncesLeaveAndCloses(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	bob := startPipeClient(t, reg, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	bob.send(t, "#quit")
	alice.expect(t, "Bob: left the chat")
	bob.expectClosed(t)
	bob.waitStopped(t)

	require.Equal(t, StateClosed, bob.sess.State())
	require.Equal(t, 1, reg.Count())

	alice.send(t, "#users")
	alice.expect(t, "#BOT: Alice")
}

func TestSession_ReplyBeforeQuitIsDelivered(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	bob := startPipeClient(t, reg, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	_, err := bob.conn.Write([]byte("#users\n#commands\n#quit\n"))
	require.NoError(t, err)

	bob.expect(t, "#BOT: Alice,Bob")
	bob.expect(t, "#BOT: "+reg.ListCommands())
	bob.expectClosed(t)
	alice.expect(t, "Bob: left the chat")
}

// brokenWriteConn accepts reads but fails every write, like a peer that
// has stopped reading.
type brokenWriteConn struct {
	net.Conn
}

func (c brokenWriteConn) Write([]byte) (int, error) {
	return 0, errors.New("connection reset by peer")
}

func TestSession_WriteFailureRemovesRecipient(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")

	server, client := net.Pipe()
	bob := startClientOn(t, reg, brokenWriteConn{server}, client, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	alice.send(t, "hi")
	alice.expect(t, "Bob: left the chat")
	bob.waitStopped(t)

	require.Equal(t, 1, reg.Count())
	require.Equal(t, "Alice", reg.ListUserNames())
	require.Equal(t, StateClosed, bob.sess.State())
}

func TestSession_DisconnectAnnouncesLeave(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	bob := startPipeClient(t, reg, SessionOptions{})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	require.NoError(t, bob.conn.Close())
	alice.expect(t, "Bob: left the chat")
	bob.waitStopped(t)

	require.Equal(t, 1, reg.Count())
	require.Equal(t, "Alice", reg.ListUserNames())
}

func TestSession_HandshakeFailureLeavesNoTrace(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	ghost := startPipeClient(t, reg, SessionOptions{})
	require.Eventually(t, func() bool { return reg.Count() == 2 }, time.Second, 5*time.Millisecond)

	require.NoError(t, ghost.conn.Close())
	ghost.waitStopped(t)

	alice.expectNothing(t)
	require.Equal(t, 1, reg.Count())
	require.Equal(t, "Alice", reg.ListUserNames())
	require.Equal(t, StateClosed, ghost.sess.State())
}

func TestSession_OversizedMessageDisconnects(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Alice")
	bob := startPipeClient(t, reg, SessionOptions{MaxMessageBytes: 16})
	bob.send(t, "Bob")
	alice.expect(t, "Bob joined")

	go func() { _, _ = bob.conn.Write([]byte(strings.Repeat("x", 64) + "\n")) }()
	alice.expect(t, "Bob: left the chat")
	bob.waitStopped(t)
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	reg := newTestRegistry(t, DefaultCommands())
	s := newIdleSession(t, reg, 1)
	require.Equal(t, StateConnecting, s.State())
	require.NotPanics(t, func() {
		s.Close()
		s.Close()
	})
	require.Equal(t, StateClosed, s.State())
}

func TestSession_ConfiguredTokens(t *testing.T) {
	cmds := DefaultCommands()
	cmds.ListUsers.Token = "#Список пользователей"
	cmds.BotTag = "#БОТ"
	reg := newTestRegistry(t, cmds)

	alice := startPipeClient(t, reg, SessionOptions{})
	alice.send(t, "Алиса")
	require.Eventually(t, func() bool { return reg.ListUserNames() == "Алиса" }, time.Second, 5*time.Millisecond)

	alice.send(t, "#Список пользователей")
	alice.expect(t, "#БОТ: Алиса")
}
