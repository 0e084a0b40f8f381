// Package transport turns blocking sockets into readiness events for a
// single-threaded owner. Each Conn runs one reader and one writer goroutine;
// the owner sees Frame, Writable and Closed events on a shared channel and
// only hands the writer data after a Writable event.
package transport

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"sync"

	"fastchat/logging"
	"fastchat/protocol"

	"go.uber.org/zap"
)

var ErrFrameTooLarge = errors.New("frame too large")

type EventKind int

const (
	// Frame carries one complete inbound frame.
	Frame EventKind = iota
	// Writable means the writer is idle and accepts one Send.
	Writable
	// Closed is emitted once when the peer goes away or a read or write
	// fails. A Conn released by its owner (Close, SendAndClose) emits nothing
	// further.
	Closed
)

func (k EventKind) String() string {
	switch k {
	case Frame:
		return "frame"
	case Writable:
		return "writable"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

type Event struct {
	Kind    EventKind
	Conn    *Conn
	Payload []byte
	Err     error
}

type outbound struct {
	data  []byte
	close bool
}

type Conn struct {
	// ID is the owner's handle for this connection, set before Start.
	ID int

	conn   net.Conn
	events chan<- Event
	out    chan outbound
	// done stops both loops; released stops events to the owner.
	done        chan struct{}
	released    chan struct{}
	once        sync.Once
	releaseOnce sync.Once
	reportOnce  sync.Once
	maxFrame    int
	log         *zap.Logger
}

func New(conn net.Conn, id int, events chan<- Event, maxFrame int, log *zap.Logger) *Conn {
	if maxFrame <= 0 {
		maxFrame = protocol.MaxFrame
	}
	return &Conn{
		ID:       id,
		conn:     conn,
		events:   events,
		out:      make(chan outbound, 1),
		done:     make(chan struct{}),
		released: make(chan struct{}),
		maxFrame: maxFrame,
		log:      logging.OrNop(log).With(zap.Int("handle", id), zap.String("addr", conn.RemoteAddr().String())),
	}
}

func (c *Conn) Start() {
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) RemoteAddr() net.Addr {
	return c.conn.RemoteAddr()
}

// Send hands one frame to the writer. Call it at most once per Writable.
func (c *Conn) Send(payload []byte) {
	c.enqueue(outbound{data: payload})
}

// SendAndClose writes payload and then closes the socket. The owner hears
// nothing further from this Conn.
func (c *Conn) SendAndClose(payload []byte) {
	c.enqueue(outbound{data: payload, close: true})
	c.release()
}

func (c *Conn) enqueue(item outbound) {
	select {
	case c.out <- item:
	case <-c.done:
	default:
		c.log.Error("send without write readiness, dropping frame", zap.Int("bytes", len(item.data)))
	}
}

// Close releases the Conn and closes the socket.
func (c *Conn) Close() error {
	c.release()
	return c.shutdown()
}

func (c *Conn) release() {
	c.releaseOnce.Do(func() { close(c.released) })
}

func (c *Conn) shutdown() error {
	var err error
	c.once.Do(func() {
		close(c.done)
		err = c.conn.Close()
	})
	return err
}

func (c *Conn) emit(ev Event) bool {
	ev.Conn = c
	select {
	case c.events <- ev:
		return true
	case <-c.released:
		return false
	case <-c.done:
		return false
	}
}

// report tells the owner the connection is gone, once, unless the owner
// already released it.
func (c *Conn) report(err error) {
	c.reportOnce.Do(func() {
		select {
		case c.events <- Event{Kind: Closed, Conn: c, Err: err}:
		case <-c.released:
		}
	})
}

func (c *Conn) readLoop() {
	sc := protocol.NewScanner(c.conn, c.maxFrame)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		if !c.emit(Event{Kind: Frame, Payload: frame}) {
			return
		}
	}

	err := sc.Err()
	if errors.Is(err, bufio.ErrTooLong) {
		err = fmt.Errorf("%w: limit %d bytes", ErrFrameTooLarge, c.maxFrame)
	}
	c.report(err)
	c.shutdown()
}

func (c *Conn) writeLoop() {
	for {
		if !c.emit(Event{Kind: Writable}) {
			return
		}
		select {
		case item := <-c.out:
			if err := protocol.WriteFrame(c.conn, item.data); err != nil {
				c.log.Warn("write failed", zap.Error(err))
				c.report(err)
				c.shutdown()
				return
			}
			if item.close {
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}
