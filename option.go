package control

import (
	"os"

	"github.com/pkg/errors"
)

// ErrInvalidBackend is returned when no configuration backend is provided.
var ErrInvalidBackend = errors.New("invalid backend")

// Default configuration values.
const (
	// defaultMaxMessageSize is the default maximum payload of a single message (1MB).
	defaultMaxMessageSize = 1024 * 1024
)

// options holds the configuration for a control server.
type options struct {
	backend Backend
	logger  Logger

	maxMessageSize int         // maximum declared payload length
	maxConnections int         // 0 means unlimited
	socketMode     os.FileMode // 0 leaves the umask-derived mode alone
}

// Option is a function that configures server options.
type Option func(*options)

// checkOptions validates and sets default values for server options.
func checkOptions(opts *options) error {
	if opts.backend == nil {
		return ErrInvalidBackend
	}

	if opts.maxMessageSize <= 0 {
		opts.maxMessageSize = defaultMaxMessageSize
	}

	if opts.maxConnections < 0 {
		opts.maxConnections = 0
	}

	if opts.logger == nil {
		opts.logger = defaultLogger()
	}

	return nil
}

// BackendOption returns an Option that sets the configuration backend.
// The backend is required.
func BackendOption(backend Backend) Option {
	return func(o *options) {
		o.backend = backend
	}
}

// LoggerOption returns an Option that sets the logger.
// If not set, the default slog logger will be used.
func LoggerOption(logger Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// MessageMaxSize returns an Option that sets the maximum payload size.
// A client declaring a larger payload is disconnected.
func MessageMaxSize(size int) Option {
	return func(o *options) {
		o.maxMessageSize = size
	}
}

// MaxConnectionsOption returns an Option that caps concurrent clients.
// Connections accepted beyond the cap are closed immediately.
func MaxConnectionsOption(n int) Option {
	return func(o *options) {
		o.maxConnections = n
	}
}

// SocketModeOption returns an Option that sets the permission bits of the
// socket file. Access to the socket is the only access control there is.
func SocketModeOption(mode os.FileMode) Option {
	return func(o *options) {
		o.socketMode = mode
	}
}
