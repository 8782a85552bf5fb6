package control

import (
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Reply is the decoded body of a RESPONSE message.
type Reply struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// OK reports whether the request succeeded.
func (r Reply) OK() bool {
	return r.Status == StatusOK
}

// Client is a blocking control-socket client for management tools and
// tests. Requests are serialized; notifications that arrive while waiting
// for a reply are kept and returned by Notifications.
type Client struct {
	conn      net.Conn
	maxLength int

	mu      sync.Mutex
	nextID  uint16
	pending []Message
}

// Dial connects to the control socket at path.
func Dial(path string, timeout time.Duration) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", path)
	}
	return &Client{conn: conn, maxLength: defaultMaxMessageSize}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Add asks the daemon to create or update the sessions in config.
func (c *Client) Add(config []byte) (Reply, error) {
	return c.Call(TypeRequestAdd, config)
}

// Del asks the daemon to remove the sessions named in config.
func (c *Client) Del(config []byte) (Reply, error) {
	return c.Call(TypeRequestDel, config)
}

// Subscribe replaces the connection's notification mask.
func (c *Client) Subscribe(mask uint64) (Reply, error) {
	return c.Call(TypeNotify, EncodeMask(mask))
}

// Call sends one request and waits for the response carrying its id.
func (c *Client) Call(t MessageType, data []byte) (Reply, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID

	if err := WriteMessage(c.conn, NewMessage(t, id, data)); err != nil {
		return Reply{}, errors.Wrap(err, "send request")
	}

	for {
		m, err := ReadMessage(c.conn, c.maxLength)
		if err != nil {
			return Reply{}, errors.Wrap(err, "read response")
		}
		if m.Type != TypeResponse {
			c.pending = append(c.pending, m)
			continue
		}
		if m.ID != id {
			return Reply{}, errors.Errorf("response id %d does not match request id %d", m.ID, id)
		}

		var r Reply
		if err := json.Unmarshal(m.Data, &r); err != nil {
			return Reply{}, errors.Wrap(err, "decode response")
		}
		return r, nil
	}
}

// Receive blocks for the next NOTIFY push, returning buffered ones first.
func (c *Client) Receive() (Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pending) > 0 {
		m := c.pending[0]
		c.pending = c.pending[1:]
		return m, nil
	}
	return ReadMessage(c.conn, c.maxLength)
}

// SetDeadline sets the read and write deadline of the underlying connection.
func (c *Client) SetDeadline(t time.Time) error {
	return c.conn.SetDeadline(t)
}
