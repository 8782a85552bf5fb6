// Package reactor is a small single-goroutine readiness reactor. File
// descriptors are registered with persistent read and/or write interest
// and a callback; Run delivers readiness to those callbacks one at a time,
// so handlers never run concurrently with each other.
//
// The only goroutine-safe entry points are Post, Stop and Done. Everything
// else belongs to the goroutine executing Run (or to the owner before Run
// starts and after it returns).
package reactor

import "github.com/pkg/errors"

// Events is a set of readiness conditions.
type Events uint32

const (
	// Read reports (or requests) read readiness.
	Read Events = 1 << iota
	// Write reports (or requests) write readiness.
	Write
	// Error reports a hangup or socket error. It is always delivered,
	// even on a descriptor with no interest enabled.
	Error
)

// None disables both read and write interest.
const None Events = 0

func (e Events) String() string {
	if e == None {
		return "none"
	}
	s := ""
	for _, f := range []struct {
		bit  Events
		name string
	}{{Read, "read"}, {Write, "write"}, {Error, "error"}} {
		if e&f.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	return s
}

// Handler receives the readiness conditions reported for one descriptor.
type Handler func(ev Events)

var (
	// ErrUnsupported is returned by New on platforms without an implementation.
	ErrUnsupported = errors.New("reactor: platform not supported")
	// ErrClosed is returned when posting to a reactor that has stopped.
	ErrClosed = errors.New("reactor: closed")
)
