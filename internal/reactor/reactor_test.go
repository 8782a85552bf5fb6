//go:build linux

package reactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newPipe(t *testing.T) (r, w int) {
	t.Helper()

	var fds [2]int
	require.NoError(t, unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC))
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

// runReactor starts Run and stops it when the test ends.
func runReactor(t *testing.T, r *Reactor) <-chan error {
	t.Helper()

	errc := make(chan error, 1)
	go func() {
		errc <- r.Run()
	}()
	t.Cleanup(func() {
		r.Stop()
		<-r.Done()
		r.Close()
	})
	return errc
}

// onLoop runs fn on the loop and waits for it.
func onLoop(t *testing.T, r *Reactor, fn func()) {
	t.Helper()

	done := make(chan struct{})
	require.NoError(t, r.Post(func() {
		fn()
		close(done)
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("posted task did not run")
	}
}

func TestEvents_String(t *testing.T) {
	assert.Equal(t, "none", None.String())
	assert.Equal(t, "read", Read.String())
	assert.Equal(t, "read|write", (Read | Write).String())
	assert.Equal(t, "write|error", (Write | Error).String())
}

func TestReactor_PostRunsOnLoop(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	runReactor(t, r)

	var mu sync.Mutex
	var order []int
	for i := 0; i < 10; i++ {
		i := i
		require.NoError(t, r.Post(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}))
	}
	onLoop(t, r, func() {})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2, 3, 4, 5, 6, 7, 8, 9}, order)
}

func TestReactor_ReadReadiness(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	runReactor(t, r)

	rfd, wfd := newPipe(t)
	got := make(chan []byte, 4)

	onLoop(t, r, func() {
		assert.NoError(t, r.Add(rfd, Read, func(ev Events) {
			buf := make([]byte, 16)
			n, _ := unix.Read(rfd, buf)
			if n > 0 {
				got <- buf[:n]
			}
		}))
	})

	_, err = unix.Write(wfd, []byte("ping"))
	require.NoError(t, err)

	select {
	case b := <-got:
		assert.Equal(t, "ping", string(b))
	case <-time.After(5 * time.Second):
		t.Fatal("read readiness not delivered")
	}
}

func TestReactor_Modify(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	runReactor(t, r)

	_, wfd := newPipe(t)
	writable := make(chan Events, 1)

	onLoop(t, r, func() {
		assert.NoError(t, r.Add(wfd, None, func(ev Events) {
			// Level-triggered: drop interest after the first report.
			assert.NoError(t, r.Modify(wfd, None))
			select {
			case writable <- ev:
			default:
			}
		}))
	})
	// Closing the pipe raises an error on wfd; drop it before cleanup does.
	t.Cleanup(func() {
		onLoop(t, r, func() { r.Remove(wfd) })
	})

	select {
	case ev := <-writable:
		t.Fatalf("unexpected event %v with no interest", ev)
	case <-time.After(50 * time.Millisecond):
	}

	onLoop(t, r, func() {
		assert.NoError(t, r.Modify(wfd, Write))
	})

	select {
	case ev := <-writable:
		assert.NotZero(t, ev&Write)
	case <-time.After(5 * time.Second):
		t.Fatal("write readiness not delivered")
	}
}

func TestReactor_Remove(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	runReactor(t, r)

	rfd, wfd := newPipe(t)
	calls := make(chan struct{}, 16)

	onLoop(t, r, func() {
		assert.NoError(t, r.Add(rfd, Read, func(Events) {
			calls <- struct{}{}
		}))
		assert.Equal(t, 1, r.Len())
		assert.NoError(t, r.Remove(rfd))
		assert.Equal(t, 0, r.Len())
	})

	_, err = unix.Write(wfd, []byte("x"))
	require.NoError(t, err)

	select {
	case <-calls:
		t.Fatal("handler called after Remove")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestReactor_ErrorOnHangup(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	runReactor(t, r)

	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)
	defer unix.Close(fds[0])

	got := make(chan Events, 1)
	onLoop(t, r, func() {
		assert.NoError(t, r.Add(fds[0], None, func(ev Events) {
			r.Remove(fds[0])
			got <- ev
		}))
	})

	unix.Close(fds[1])

	select {
	case ev := <-got:
		assert.NotZero(t, ev&Error)
	case <-time.After(5 * time.Second):
		t.Fatal("hangup not reported")
	}
}

func TestReactor_Stop(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	defer r.Close()

	errc := make(chan error, 1)
	go func() {
		errc <- r.Run()
	}()

	ran := make(chan struct{})
	require.NoError(t, r.Post(func() { close(ran) }))
	r.Stop()

	select {
	case err := <-errc:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Stop")
	}

	select {
	case <-ran:
	default:
		t.Error("task posted before Stop did not run")
	}

	select {
	case <-r.Done():
	default:
		t.Error("Done not closed")
	}

	assert.ErrorIs(t, r.Post(func() {}), ErrClosed)
}

func TestReactor_RunTwice(t *testing.T) {
	r, err := New()
	require.NoError(t, err)
	errc := runReactor(t, r)

	onLoop(t, r, func() {})
	assert.Error(t, r.Run())

	select {
	case err := <-errc:
		t.Fatalf("first Run returned early: %v", err)
	default:
	}
}

func TestReactor_CloseTwice(t *testing.T) {
	r, err := New()
	require.NoError(t, err)

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	assert.ErrorIs(t, r.Post(func() {}), ErrClosed)
}
