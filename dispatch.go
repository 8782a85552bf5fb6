//go:build linux

package control

import (
	"bytes"
	"encoding/json"
)

// Fixed reasons sent to clients when the backend rejects a request. The
// backend's own error is only logged.
const (
	reasonAddFailed = "request add failed"
	reasonDelFailed = "request del failed"
)

// Config change operations reported to NotifyConfig subscribers.
const (
	opAdd    = "add"
	opDelete = "delete"
)

// dispatch routes a complete message. It runs inside the read callback,
// so a request is fully handled before the next header is parsed.
func (s *Server) dispatch(c *Conn, m Message) {
	switch m.Type {
	case TypeRequestAdd:
		s.handleRequest(c, m, opAdd, s.opts.backend.RequestAdd, reasonAddFailed)
	case TypeRequestDel:
		s.handleRequest(c, m, opDelete, s.opts.backend.RequestDel, reasonDelFailed)
	case TypeNotify:
		s.handleNotify(c, m)
	default:
		// RESPONSE only flows server to client.
		s.logger.Debug("unhandled message type", "conn", c.id, "type", m.Type, "id", m.ID)
	}
}

func (s *Server) handleRequest(c *Conn, m Message, op string, apply func([]byte) error, reason string) {
	config := jsonPayload(m.Data)
	if err := apply(config); err != nil {
		s.logger.Info("control request rejected", "conn", c.id, "op", op, "id", m.ID, "error", err)
		s.respond(c, m.ID, StatusError, reason)
		return
	}

	s.logger.Debug("control request applied", "conn", c.id, "op", op, "id", m.ID)
	s.respond(c, m.ID, StatusOK, "")

	if body, err := configEvent(op, config); err != nil {
		s.logger.Warn("failed to render config notification", "op", op, "error", err)
	} else {
		s.broadcast(NotifyConfig, body)
	}
}

func (s *Server) handleNotify(c *Conn, m Message) {
	mask := DecodeMask(m.Data)
	c.notify = mask
	s.logger.Debug("notification mask updated", "conn", c.id, "mask", mask)
	s.respond(c, m.ID, StatusOK, "")
}

// respond renders a reply through the backend and queues it on c. A reply
// that cannot be built is logged and dropped; the connection stays up.
func (s *Server) respond(c *Conn, id uint16, status, errText string) {
	body, err := s.opts.backend.Response(status, errText)
	if err != nil || len(body) == 0 {
		s.logger.Warn("failed to render response", "conn", c.id, "id", id, "status", status, "error", err)
		return
	}

	b, err := Encode(NewMessage(TypeResponse, id, body))
	if err != nil {
		s.logger.Warn("failed to encode response", "conn", c.id, "id", id, "error", err)
		return
	}

	c.enqueue(b)
}

// jsonPayload cuts a request payload at its first NUL. Clients written
// against C string semantics often send the terminator along.
func jsonPayload(data []byte) []byte {
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return data[:i]
	}
	return data
}

// configEvent renders the NotifyConfig body for an applied request.
func configEvent(op string, config []byte) ([]byte, error) {
	return json.Marshal(struct {
		Op     string          `json:"op"`
		Config json.RawMessage `json:"config"`
	}{
		Op:     op,
		Config: json.RawMessage(config),
	})
}
