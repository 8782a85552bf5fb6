//go:build linux

package control

import (
	"context"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"github.com/Zereker/control/internal/reactor"
)

// ErrServerClosed is returned by Serve and Exec once the server has shut down.
var ErrServerClosed = errors.New("control server closed")

// Server is the control socket server. It owns the listening socket, the
// event loop and every accepted connection.
type Server struct {
	path    string
	fd      int
	reactor *reactor.Reactor
	logger  Logger
	opts    options

	// registry and nextID belong to the event loop.
	registry registry
	nextID   uint64

	mu       sync.Mutex
	serving  bool
	closed   bool
	shutOnce sync.Once
}

// New creates the control socket at path and prepares the event loop.
// A stale socket file at path is removed first. Failing to bind or listen
// is returned to the caller and never retried.
func New(path string, opt ...Option) (*Server, error) {
	var opts options
	for _, o := range opt {
		o(&opts)
	}

	if err := checkOptions(&opts); err != nil {
		return nil, err
	}

	r, err := reactor.New()
	if err != nil {
		return nil, errors.Wrap(err, "create reactor")
	}

	fd, err := listenUnix(path, opts.socketMode)
	if err != nil {
		r.Close()
		return nil, err
	}

	s := &Server{
		path:    path,
		fd:      fd,
		reactor: r,
		logger:  opts.logger,
		opts:    opts,
	}

	if err := r.Add(fd, reactor.Read, s.accept); err != nil {
		unix.Close(fd)
		os.Remove(path)
		r.Close()
		return nil, errors.Wrap(err, "register listener")
	}

	return s, nil
}

// listenUnix binds a non-blocking, close-on-exec stream socket at path.
func listenUnix(path string, mode os.FileMode) (int, error) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return -1, errors.Wrapf(err, "remove stale socket %s", path)
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, errors.Wrap(err, "socket")
	}

	if err := unix.Bind(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return -1, errors.Wrapf(err, "bind %s", path)
	}

	if mode != 0 {
		if err := os.Chmod(path, mode); err != nil {
			unix.Close(fd)
			os.Remove(path)
			return -1, errors.Wrapf(err, "chmod %s", path)
		}
	}

	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		os.Remove(path)
		return -1, errors.Wrapf(err, "listen %s", path)
	}

	return fd, nil
}

// Serve runs the event loop until ctx is canceled or Close is called.
// All connections are torn down and the socket file is removed before it
// returns.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	if s.closed || s.serving {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.serving = true
	s.mu.Unlock()

	s.logger.Info("control server started", "path", s.path,
		"max_message_size", s.opts.maxMessageSize,
		"max_connections", s.opts.maxConnections)

	group, child := errgroup.WithContext(ctx)

	group.Go(func() error {
		return s.reactor.Run()
	})

	group.Go(func() error {
		select {
		case <-child.Done():
			s.reactor.Stop()
		case <-s.reactor.Done():
		}
		return nil
	})

	err := group.Wait()
	s.shutdown()

	if err != nil {
		s.logger.Error("control server stopped with error", "path", s.path, "error", err)
		return err
	}
	s.logger.Info("control server stopped", "path", s.path)
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return nil
}

// Close stops the server. If Serve is running it returns after cleaning
// up; otherwise Close releases everything itself. Safe to call multiple times.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	serving := s.serving
	s.mu.Unlock()

	if serving {
		s.reactor.Stop()
		return nil
	}

	s.shutdown()
	return nil
}

// shutdown runs once the loop is no longer running.
func (s *Server) shutdown() {
	s.shutOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()

		s.registry.each(func(c *Conn) {
			c.free()
		})

		if err := s.reactor.Remove(s.fd); err != nil {
			s.logger.Debug("failed to deregister listener", "error", err)
		}
		unix.Close(s.fd)
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("failed to remove socket file", "path", s.path, "error", err)
		}
		s.reactor.Close()
	})
}

// accept is the listener callback. It takes one pending connection per
// call; level-triggered readiness brings it back for the rest.
func (s *Server) accept(reactor.Events) {
	fd, _, err := unix.Accept4(s.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR || err == unix.ECONNABORTED {
			return
		}
		s.logger.Warn("accept failed", "error", err)
		return
	}

	if s.opts.maxConnections > 0 && s.registry.len() >= s.opts.maxConnections {
		s.logger.Warn("connection limit reached, rejecting client", "limit", s.opts.maxConnections)
		unix.Close(fd)
		return
	}

	c, err := s.newConn(fd)
	if err != nil {
		s.logger.Warn("failed to set up connection", "error", err)
		unix.Close(fd)
		return
	}

	s.logger.Debug("accepted connection", "conn", c.id, "total", s.registry.len())
}

// Path returns the filesystem path of the control socket.
func (s *Server) Path() string {
	return s.path
}

// ConnCount returns the number of live connections. Safe for concurrent use.
func (s *Server) ConnCount() int {
	return int(s.registry.count.Load())
}

// Connections returns the live connections in accept order. Call it only
// from the event loop, e.g. inside Exec.
func (s *Server) Connections() []*Conn {
	return s.registry.snapshot()
}

// Exec runs fn on the event loop and waits for it to finish. This is how
// code on other goroutines inspects connections or pushes to them.
func (s *Server) Exec(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := s.reactor.Post(func() {
		fn()
		close(done)
	}); err != nil {
		return ErrServerClosed
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.reactor.Done():
		select {
		case <-done:
			return nil
		default:
			return ErrServerClosed
		}
	}
}

// Notify pushes body to every connection subscribed to any bit in
// category. Safe for concurrent use; delivery happens on the event loop.
func (s *Server) Notify(category uint64, body []byte) error {
	if err := s.reactor.Post(func() {
		s.broadcast(category, body)
	}); err != nil {
		return ErrServerClosed
	}
	return nil
}

// broadcast runs on the event loop and returns how many clients were notified.
func (s *Server) broadcast(category uint64, body []byte) int {
	n := 0
	s.registry.each(func(c *Conn) {
		if c.Push(category, body) {
			n++
		}
	})
	if n > 0 {
		s.logger.Debug("notification queued", "category", category, "clients", n)
	}
	return n
}
