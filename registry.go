//go:build linux

package control

import "sync/atomic"

// registry is the insertion-ordered set of live connections. It is only
// mutated on the event loop; count mirrors its size for other goroutines.
type registry struct {
	conns []*Conn
	count atomic.Int64
}

func (r *registry) add(c *Conn) {
	r.conns = append(r.conns, c)
	r.count.Store(int64(len(r.conns)))
}

func (r *registry) remove(c *Conn) {
	for i, cc := range r.conns {
		if cc == c {
			copy(r.conns[i:], r.conns[i+1:])
			r.conns[len(r.conns)-1] = nil
			r.conns = r.conns[:len(r.conns)-1]
			break
		}
	}
	r.count.Store(int64(len(r.conns)))
}

func (r *registry) len() int {
	return len(r.conns)
}

// snapshot returns a copy, so callers may tear connections down while
// walking it.
func (r *registry) snapshot() []*Conn {
	out := make([]*Conn, len(r.conns))
	copy(out, r.conns)
	return out
}

func (r *registry) each(fn func(*Conn)) {
	for _, c := range r.snapshot() {
		fn(c)
	}
}
