//go:build !linux

package reactor

// Reactor is unavailable on this platform.
type Reactor struct{}

// New returns ErrUnsupported.
func New() (*Reactor, error) {
	return nil, ErrUnsupported
}
