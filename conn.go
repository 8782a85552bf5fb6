//go:build linux

// Package control implements the control socket of a liveness-detection
// daemon: a unix-domain server that accepts management clients, frames
// length-prefixed messages on non-blocking sockets, routes requests to a
// configuration backend and pushes notifications to subscribers.
//
// Every connection is driven by readiness callbacks on a single event loop
// goroutine, so no connection state is ever locked.
package control

import (
	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/Zereker/control/internal/reactor"
)

// Conn is one accepted control client. A Conn is owned by its server's
// event loop; its methods must only be called from there (see Server.Exec).
type Conn struct {
	id     uint64
	fd     int
	server *Server

	in  ioBuffer
	out ioBuffer

	// header accumulates a header that arrives split across reads.
	header    [HeaderSize]byte
	headerLen int

	// version and typ describe the message being received; zero between messages.
	version uint8
	typ     MessageType

	notify   uint64
	interest reactor.Events
	outbox   *queue.Queue // encoded messages waiting for the out buffer
	closed   bool
}

// ioStatus classifies the result of one non-blocking read or write.
type ioStatus int

const (
	ioProgress ioStatus = iota
	ioAgain
	ioClosed
	ioFailed
)

func classify(n int, err error) ioStatus {
	switch {
	case err == nil && n == 0:
		return ioClosed
	case err == nil:
		return ioProgress
	case err == unix.EAGAIN || err == unix.EINTR:
		return ioAgain
	default:
		return ioFailed
	}
}

// isExpectedClose reports whether err is a normal peer disconnect.
func isExpectedClose(err error) bool {
	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno == unix.ECONNRESET || errno == unix.EPIPE
	}
	return false
}

// newConn wraps an accepted, non-blocking socket and registers it.
func (s *Server) newConn(fd int) (*Conn, error) {
	s.nextID++
	c := &Conn{
		id:       s.nextID,
		fd:       fd,
		server:   s,
		notify:   NotifyNone,
		interest: reactor.Read,
		outbox:   queue.New(),
	}

	if err := s.reactor.Add(fd, c.interest, c.handle); err != nil {
		return nil, errors.Wrap(err, "register connection")
	}
	s.registry.add(c)
	return c, nil
}

// ID returns the connection's server-assigned identifier.
func (c *Conn) ID() uint64 {
	return c.id
}

// NotifyMask returns the notification categories the client subscribed to.
func (c *Conn) NotifyMask() uint64 {
	return c.notify
}

// Closed reports whether the connection has been torn down.
func (c *Conn) Closed() bool {
	return c.closed
}

// Push queues an asynchronous NOTIFY carrying body if the client subscribed
// to any of the bits in category. It reports whether a message was queued.
func (c *Conn) Push(category uint64, body []byte) bool {
	if c.closed || c.notify&category == 0 {
		return false
	}

	b, err := Encode(NewMessage(TypeNotify, 0, body))
	if err != nil {
		c.server.logger.Warn("failed to encode notification", "conn", c.id, "error", err)
		return false
	}
	c.enqueue(b)
	return true
}

// handle is the reactor callback for the connection socket.
func (c *Conn) handle(ev reactor.Events) {
	failed := ev&reactor.Error != 0
	if failed {
		// Let the enabled path observe the error through read or write.
		ev |= c.interest
	}
	ev &= c.interest

	if ev == reactor.None {
		if failed {
			c.server.logger.Debug("connection hung up", "conn", c.id)
			c.free()
		}
		return
	}

	if ev&reactor.Write != 0 {
		c.onWritable()
		if c.closed {
			return
		}
	}

	if ev&reactor.Read != 0 && c.interest&reactor.Read != 0 {
		c.onReadable()
	}
}

// setInterest updates the reactor registration. Failure tears the
// connection down and reports false.
func (c *Conn) setInterest(ev reactor.Events) bool {
	if c.closed {
		return false
	}
	if ev == c.interest {
		return true
	}
	if err := c.server.reactor.Modify(c.fd, ev); err != nil {
		c.server.logger.Warn("failed to update interest", "conn", c.id, "events", ev, "error", err)
		c.free()
		return false
	}
	c.interest = ev
	return true
}

// ioFailure tears the connection down after a failed read or write.
func (c *Conn) ioFailure(op string, st ioStatus, err error) {
	switch {
	case st == ioClosed:
		c.server.logger.Debug("peer closed connection", "conn", c.id, "op", op)
	case isExpectedClose(err):
		c.server.logger.Debug("peer reset connection", "conn", c.id, "op", op, "error", err)
	default:
		c.server.logger.Warn("connection i/o failed", "conn", c.id, "op", op, "error", err)
	}
	c.free()
}

// onReadable advances the receive state machine by at most one header
// read and one payload read.
func (c *Conn) onReadable() {
	if !c.in.active() && !c.readHeader() {
		return
	}

	n, err := unix.Read(c.fd, c.in.pending())
	switch st := classify(n, err); st {
	case ioAgain:
		return
	case ioClosed, ioFailed:
		c.ioFailure("read", st, err)
		return
	}

	c.in.advance(n)
	if !c.in.done() {
		return
	}

	c.server.dispatch(c, c.message())
	if c.closed {
		return
	}

	c.version = 0
	c.typ = 0
	c.in.reset()
}

// readHeader accumulates header bytes and, once complete, validates them
// and allocates the receive buffer. It reports whether the payload can
// now be read.
func (c *Conn) readHeader() bool {
	n, err := unix.Read(c.fd, c.header[c.headerLen:])
	switch st := classify(n, err); st {
	case ioAgain:
		return false
	case ioClosed, ioFailed:
		c.ioFailure("read", st, err)
		return false
	}

	c.headerLen += n
	if c.headerLen < HeaderSize {
		return false
	}
	c.headerLen = 0

	h, _ := DecodeHeader(c.header[:])
	if err := h.Validate(c.server.opts.maxMessageSize); err != nil {
		c.server.logger.Debug("closing connection on invalid header", "conn", c.id, "error", err)
		c.free()
		return false
	}

	c.version = h.Version
	c.typ = h.Type

	// One extra byte keeps the payload NUL-terminated.
	buf := make([]byte, HeaderSize+int(h.Length)+1)
	copy(buf, c.header[:])
	buf[len(buf)-1] = 0
	c.in.load(buf, HeaderSize, int(h.Length))
	return true
}

// message views the completed receive buffer as a Message.
func (c *Conn) message() Message {
	h, _ := DecodeHeader(c.in.buf)
	return Message{Header: h, Data: c.in.buf[HeaderSize : len(c.in.buf)-1]}
}

// onWritable drains the out buffer, moving on to queued messages; once
// everything is written the connection goes back to reading.
func (c *Conn) onWritable() {
	if !c.out.active() {
		c.setInterest(reactor.Read)
		return
	}

	n, err := unix.SendmsgN(c.fd, c.out.pending(), nil, nil, unix.MSG_NOSIGNAL)
	switch st := classify(n, err); st {
	case ioAgain:
		return
	case ioClosed, ioFailed:
		c.ioFailure("write", st, err)
		return
	}

	c.out.advance(n)
	if !c.out.done() {
		return
	}
	c.out.reset()

	if c.outbox.Length() > 0 {
		next := c.outbox.Remove().([]byte)
		c.out.load(next, 0, len(next))
		return
	}

	c.setInterest(reactor.Read)
}

// enqueue schedules b for writing. While anything is being written the
// connection does not read further requests.
func (c *Conn) enqueue(b []byte) {
	if c.closed {
		return
	}
	if c.out.active() {
		c.outbox.Add(b)
		return
	}

	c.out.load(b, 0, len(b))
	c.setInterest(reactor.Write)
}

// free is the only teardown path: deregister, close, forget.
func (c *Conn) free() {
	if c.closed {
		return
	}
	c.closed = true

	s := c.server
	if err := s.reactor.Remove(c.fd); err != nil {
		s.logger.Debug("failed to deregister connection", "conn", c.id, "error", err)
	}
	if err := unix.Close(c.fd); err != nil {
		s.logger.Debug("failed to close connection", "conn", c.id, "error", err)
	}
	s.registry.remove(c)

	c.in.reset()
	c.out.reset()
	c.outbox = queue.New()
	c.headerLen = 0
	c.version = 0
	c.typ = 0
	c.interest = reactor.None

	s.logger.Debug("connection closed", "conn", c.id, "total", s.registry.len())
}
