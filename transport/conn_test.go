package transport

import (
	"bufio"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func nextEvent(t *testing.T, events <-chan Event, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("Timed out waiting for %s", kind)
		}
	}
}

func TestFramesAndWrites(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	events := make(chan Event, 16)
	c := New(local, 7, events, 0, zaptest.NewLogger(t))
	c.Start()
	defer c.Close()

	ev := nextEvent(t, events, Writable)
	require.Same(t, c, ev.Conn)
	c.Send([]byte(`{"type":"close"}`))

	r := bufio.NewReader(remote)
	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "{\"type\":\"close\"}\n", line)

	go remote.Write([]byte("first\n\nsecond\n"))
	require.Equal(t, "first", string(nextEvent(t, events, Frame).Payload))
	require.Equal(t, "second", string(nextEvent(t, events, Frame).Payload))
}

func TestRemoteCloseEmitsClosed(t *testing.T) {
	local, remote := net.Pipe()
	events := make(chan Event, 16)
	c := New(local, 1, events, 0, nil)
	c.Start()
	defer c.Close()

	remote.Close()
	ev := nextEvent(t, events, Closed)
	require.Equal(t, 1, ev.Conn.ID)
}

func TestSendAndClose(t *testing.T) {
	local, remote := net.Pipe()
	events := make(chan Event, 16)
	c := New(local, 1, events, 0, nil)
	c.Start()

	nextEvent(t, events, Writable)
	c.SendAndClose([]byte("bye"))

	remote.SetReadDeadline(time.Now().Add(5 * time.Second))
	r := bufio.NewReader(remote)
	line, err := r.ReadString('\n')
	require.NoError(t, err)
	require.Equal(t, "bye\n", line)

	_, err = r.ReadByte()
	require.Error(t, err)
}

func TestOversizedFrame(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	events := make(chan Event, 16)
	c := New(local, 1, events, 8, nil)
	c.Start()
	defer c.Close()

	go remote.Write([]byte("0123456789abcdef\n"))
	ev := nextEvent(t, events, Closed)
	require.True(t, errors.Is(ev.Err, ErrFrameTooLarge))
}

func TestSendWithoutReadinessDrops(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	events := make(chan Event, 16)
	c := New(local, 1, events, 0, zaptest.NewLogger(t))

	c.Send([]byte("a"))
	c.Send([]byte("b"))
	require.Len(t, c.out, 1)
	c.Close()
}

// brokenConn fails every write and blocks reads until closed.
type brokenConn struct {
	net.Conn
	closed chan struct{}
	once   sync.Once
}

func newBrokenConn() *brokenConn {
	local, _ := net.Pipe()
	return &brokenConn{Conn: local, closed: make(chan struct{})}
}

func (b *brokenConn) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func (b *brokenConn) Read(p []byte) (int, error) {
	<-b.closed
	return 0, net.ErrClosed
}

func (b *brokenConn) Close() error {
	b.once.Do(func() { close(b.closed) })
	return b.Conn.Close()
}

func TestWriteFailureEmitsClosed(t *testing.T) {
	for i := 0; i < 100; i++ {
		events := make(chan Event, 16)
		c := New(newBrokenConn(), i, events, 0, nil)
		c.Start()

		nextEvent(t, events, Writable)
		c.Send([]byte("lost"))

		ev := nextEvent(t, events, Closed)
		require.Error(t, ev.Err)
		require.Same(t, c, ev.Conn)

		// The reader sees the same failure; the owner hears it once.
		select {
		case extra := <-events:
			require.NotEqual(t, Closed, extra.Kind)
		case <-time.After(10 * time.Millisecond):
		}
		c.Close()
	}
}

func TestOwnerCloseEmitsNothing(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()
	events := make(chan Event, 16)
	c := New(local, 1, events, 0, nil)
	c.Start()

	nextEvent(t, events, Writable)
	require.NoError(t, c.Close())

	select {
	case ev := <-events:
		t.Fatalf("Unexpected %s event after Close", ev.Kind)
	case <-time.After(100 * time.Millisecond):
	}
}
