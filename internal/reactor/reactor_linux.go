//go:build linux

package reactor

import (
	"sync"

	"github.com/eapache/queue"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// maxEvents bounds how many readiness events one epoll_wait returns.
const maxEvents = 128

// Reactor is a level-triggered epoll reactor. Interest registered with Add
// stays armed until changed with Modify or dropped with Remove.
type Reactor struct {
	epfd   int
	wakefd int

	// handlers is only touched by the loop goroutine.
	handlers map[int]Handler

	mu       sync.Mutex
	tasks    *queue.Queue
	stopping bool
	running  bool

	done      chan struct{}
	closeOnce sync.Once
}

// New creates an epoll instance with an eventfd used to wake the loop
// for posted tasks and Stop.
func New() (*Reactor, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, errors.Wrap(err, "epoll create")
	}

	wakefd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, errors.Wrap(err, "eventfd")
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakefd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakefd, &ev); err != nil {
		unix.Close(wakefd)
		unix.Close(epfd)
		return nil, errors.Wrap(err, "epoll ctl add wakeup")
	}

	return &Reactor{
		epfd:     epfd,
		wakefd:   wakefd,
		handlers: make(map[int]Handler),
		tasks:    queue.New(),
		done:     make(chan struct{}),
	}, nil
}

func toEpoll(ev Events) uint32 {
	var e uint32
	if ev&Read != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Write != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func fromEpoll(e uint32) Events {
	var ev Events
	if e&unix.EPOLLIN != 0 {
		ev |= Read
	}
	if e&unix.EPOLLOUT != 0 {
		ev |= Write
	}
	if e&(unix.EPOLLERR|unix.EPOLLHUP) != 0 {
		ev |= Error
	}
	return ev
}

// Add registers fd with the given interest and handler.
func (r *Reactor) Add(fd int, ev Events, h Handler) error {
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_ADD, fd, &e); err != nil {
		return errors.Wrapf(err, "epoll ctl add fd %d", fd)
	}
	r.handlers[fd] = h
	return nil
}

// Modify replaces the interest set of a registered fd. None keeps the
// descriptor registered so that Error is still reported.
func (r *Reactor) Modify(fd int, ev Events) error {
	e := unix.EpollEvent{Events: toEpoll(ev), Fd: int32(fd)}
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_MOD, fd, &e); err != nil {
		return errors.Wrapf(err, "epoll ctl mod fd %d", fd)
	}
	return nil
}

// Remove deregisters fd. Events already collected for fd in the current
// iteration are discarded.
func (r *Reactor) Remove(fd int) error {
	delete(r.handlers, fd)
	if err := unix.EpollCtl(r.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return errors.Wrapf(err, "epoll ctl del fd %d", fd)
	}
	return nil
}

// Len returns the number of registered descriptors.
func (r *Reactor) Len() int {
	return len(r.handlers)
}

// Post queues fn to run on the loop goroutine. Safe for concurrent use.
func (r *Reactor) Post(fn func()) error {
	r.mu.Lock()
	if r.stopping {
		r.mu.Unlock()
		return ErrClosed
	}
	r.tasks.Add(fn)
	r.mu.Unlock()

	r.wake()
	return nil
}

// Stop asks Run to return after the current iteration. Tasks posted
// before Stop still run. Safe for concurrent use.
func (r *Reactor) Stop() {
	r.mu.Lock()
	r.stopping = true
	r.mu.Unlock()

	r.wake()
}

// Done is closed when Run returns.
func (r *Reactor) Done() <-chan struct{} {
	return r.done
}

func (r *Reactor) wake() {
	var one = [8]byte{1}
	// EAGAIN means the counter is already non-zero, so the loop will wake anyway.
	_, _ = unix.Write(r.wakefd, one[:])
}

func (r *Reactor) drainWake() {
	var buf [8]byte
	_, _ = unix.Read(r.wakefd, buf[:])
}

// Run dispatches readiness events until Stop is called or epoll fails.
// It must be called at most once.
func (r *Reactor) Run() error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return errors.New("reactor: already running")
	}
	r.running = true
	r.mu.Unlock()
	defer close(r.done)

	events := make([]unix.EpollEvent, maxEvents)
	for {
		if r.runTasks() {
			return nil
		}

		n, err := unix.EpollWait(r.epfd, events, -1)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return errors.Wrap(err, "epoll wait")
		}

		for i := 0; i < n; i++ {
			fd := int(events[i].Fd)
			if fd == r.wakefd {
				r.drainWake()
				continue
			}
			// A handler earlier in this batch may have removed fd.
			h, ok := r.handlers[fd]
			if !ok {
				continue
			}
			h(fromEpoll(events[i].Events))
		}
	}
}

// runTasks drains the task queue and reports whether Stop was requested.
func (r *Reactor) runTasks() bool {
	for {
		r.mu.Lock()
		if r.tasks.Length() == 0 {
			stopping := r.stopping
			r.mu.Unlock()
			return stopping
		}
		fn := r.tasks.Remove().(func())
		r.mu.Unlock()

		fn()
	}
}

// Close releases the epoll and eventfd descriptors. Registered descriptors
// are not closed. Call it only after Run has returned (or if it never ran).
func (r *Reactor) Close() error {
	var err error
	r.closeOnce.Do(func() {
		r.mu.Lock()
		r.stopping = true
		r.mu.Unlock()

		r.handlers = make(map[int]Handler)
		if e := unix.Close(r.wakefd); e != nil {
			err = errors.Wrap(e, "close eventfd")
		}
		if e := unix.Close(r.epfd); e != nil && err == nil {
			err = errors.Wrap(e, "close epoll")
		}
	})
	return err
}
