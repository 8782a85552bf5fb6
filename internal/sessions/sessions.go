// Package sessions is an in-memory configuration backend for the control
// server. It validates add/delete documents, keeps the configured session
// table and renders reply bodies.
package sessions

import (
	"bytes"
	"encoding/json"
	"net/netip"
	"os"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/tidwall/jsonc"
)

// Timer defaults and bounds, in milliseconds.
const (
	DefaultDetectMultiplier = 3
	DefaultReceiveInterval  = 300
	DefaultTransmitInterval = 300
	DefaultEchoInterval     = 50

	minDetectMultiplier = 2
	maxDetectMultiplier = 255
	minInterval         = 10
	maxInterval         = 60000
)

var (
	// ErrNotFound is returned when a delete names an unknown session.
	ErrNotFound = errors.New("session not found")
	// ErrExists is returned when a create-only add names an existing session.
	ErrExists = errors.New("session already exists")
	// ErrLabelInUse is returned when a label already names another session.
	ErrLabelInUse = errors.New("label already in use")
)

// Peer is one entry of a request document.
type Peer struct {
	PeerAddress      string `json:"peer-address,omitempty"`
	LocalAddress     string `json:"local-address,omitempty"`
	LocalInterface   string `json:"local-interface,omitempty"`
	Multihop         bool   `json:"multihop,omitempty"`
	Label            string `json:"label,omitempty"`
	DetectMultiplier int    `json:"detect-multiplier,omitempty"`
	ReceiveInterval  int    `json:"receive-interval,omitempty"`
	TransmitInterval int    `json:"transmit-interval,omitempty"`
	EchoInterval     int    `json:"echo-interval,omitempty"`
	CreateOnly       bool   `json:"create-only,omitempty"`
	Shutdown         bool   `json:"shutdown,omitempty"`
}

// Request is an add or delete document. Entries under "label" may name
// an existing session by label alone.
type Request struct {
	IPv4  []Peer `json:"ipv4,omitempty"`
	IPv6  []Peer `json:"ipv6,omitempty"`
	Label []Peer `json:"label,omitempty"`
}

// Key identifies a session.
type Key struct {
	Peer      netip.Addr
	Local     netip.Addr
	Interface string
	Multihop  bool
}

// Session is a configured session.
type Session struct {
	Key
	Label            string
	DetectMultiplier int
	ReceiveInterval  int
	TransmitInterval int
	EchoInterval     int
	Shutdown         bool
}

type family int

const (
	familyAny family = iota
	familyV4
	familyV6
)

// Store holds the configured sessions. It is safe for concurrent use.
type Store struct {
	mu       sync.Mutex
	sessions map[Key]*Session
	labels   map[string]Key
}

// New returns an empty store.
func New() *Store {
	return &Store{
		sessions: make(map[Key]*Session),
		labels:   make(map[string]Key),
	}
}

func decodeRequest(doc []byte) (Request, error) {
	var req Request
	dec := json.NewDecoder(bytes.NewReader(doc))
	if err := dec.Decode(&req); err != nil {
		return Request{}, errors.Wrap(err, "decode request")
	}
	if len(req.IPv4)+len(req.IPv6)+len(req.Label) == 0 {
		return Request{}, errors.New("request names no sessions")
	}
	return req, nil
}

func parseAddr(s string, fam family) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, errors.Wrapf(err, "address %q", s)
	}
	addr = addr.Unmap()
	switch {
	case fam == familyV4 && !addr.Is4():
		return netip.Addr{}, errors.Errorf("address %s is not IPv4", s)
	case fam == familyV6 && !addr.Is6():
		return netip.Addr{}, errors.Errorf("address %s is not IPv6", s)
	}
	return addr, nil
}

func peerKey(p Peer, fam family) (Key, error) {
	if p.PeerAddress == "" {
		return Key{}, errors.New("missing peer-address")
	}

	peer, err := parseAddr(p.PeerAddress, fam)
	if err != nil {
		return Key{}, err
	}

	k := Key{Peer: peer, Interface: p.LocalInterface, Multihop: p.Multihop}
	if p.LocalAddress != "" {
		local, err := parseAddr(p.LocalAddress, fam)
		if err != nil {
			return Key{}, err
		}
		if local.Is4() != peer.Is4() {
			return Key{}, errors.Errorf("local %s and peer %s differ in family", local, peer)
		}
		k.Local = local
	}

	if k.Multihop && !k.Local.IsValid() {
		return Key{}, errors.New("multihop sessions need local-address")
	}
	if k.Multihop && k.Interface != "" {
		return Key{}, errors.New("multihop sessions cannot bind local-interface")
	}
	return k, nil
}

func withDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func checkRange(name string, v, lo, hi int) error {
	if v < lo || v > hi {
		return errors.Errorf("%s %d out of range [%d, %d]", name, v, lo, hi)
	}
	return nil
}

func newSession(k Key, p Peer) (*Session, error) {
	s := &Session{
		Key:              k,
		Label:            p.Label,
		DetectMultiplier: withDefault(p.DetectMultiplier, DefaultDetectMultiplier),
		ReceiveInterval:  withDefault(p.ReceiveInterval, DefaultReceiveInterval),
		TransmitInterval: withDefault(p.TransmitInterval, DefaultTransmitInterval),
		EchoInterval:     withDefault(p.EchoInterval, DefaultEchoInterval),
		Shutdown:         p.Shutdown,
	}

	if err := checkRange("detect-multiplier", s.DetectMultiplier, minDetectMultiplier, maxDetectMultiplier); err != nil {
		return nil, err
	}
	if err := checkRange("receive-interval", s.ReceiveInterval, minInterval, maxInterval); err != nil {
		return nil, err
	}
	if err := checkRange("transmit-interval", s.TransmitInterval, minInterval, maxInterval); err != nil {
		return nil, err
	}
	if err := checkRange("echo-interval", s.EchoInterval, minInterval, maxInterval); err != nil {
		return nil, err
	}
	return s, nil
}

type entry struct {
	peer Peer
	fam  family
}

func (r Request) entries() []entry {
	out := make([]entry, 0, len(r.IPv4)+len(r.IPv6)+len(r.Label))
	for _, p := range r.IPv4 {
		out = append(out, entry{p, familyV4})
	}
	for _, p := range r.IPv6 {
		out = append(out, entry{p, familyV6})
	}
	for _, p := range r.Label {
		out = append(out, entry{p, familyAny})
	}
	return out
}

// resolve finds the key an entry refers to. Label entries may omit the
// addresses when the label is already known.
func (s *Store) resolve(e entry) (Key, error) {
	if e.fam == familyAny && e.peer.Label != "" && e.peer.PeerAddress == "" {
		k, ok := s.labels[e.peer.Label]
		if !ok {
			return Key{}, errors.Wrapf(ErrNotFound, "label %q", e.peer.Label)
		}
		return k, nil
	}
	return peerKey(e.peer, e.fam)
}

// RequestAdd creates or updates every session in doc. Nothing changes
// unless the whole document is valid.
func (s *Store) RequestAdd(doc []byte) error {
	req, err := decodeRequest(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[Key]*Session)
	labels := make(map[string]Key)
	for i, e := range req.entries() {
		k, err := s.resolve(e)
		if err != nil {
			return errors.Wrapf(err, "session %d", i)
		}

		p := e.peer
		if old, ok := s.sessions[k]; ok {
			if p.CreateOnly {
				return errors.Wrapf(ErrExists, "session %d (%s)", i, k.Peer)
			}
			if p.Label == "" {
				p.Label = old.Label
			}
		}

		sess, err := newSession(k, p)
		if err != nil {
			return errors.Wrapf(err, "session %d", i)
		}

		if sess.Label != "" {
			if owner, ok := s.labels[sess.Label]; ok && owner != k {
				return errors.Wrapf(ErrLabelInUse, "label %q", sess.Label)
			}
			if owner, ok := labels[sess.Label]; ok && owner != k {
				return errors.Wrapf(ErrLabelInUse, "label %q", sess.Label)
			}
			labels[sess.Label] = k
		}
		staged[k] = sess
	}

	for k, sess := range staged {
		if old, ok := s.sessions[k]; ok && old.Label != "" && old.Label != sess.Label {
			delete(s.labels, old.Label)
		}
		s.sessions[k] = sess
		if sess.Label != "" {
			s.labels[sess.Label] = k
		}
	}
	return nil
}

// RequestDel removes every session named in doc. Nothing changes if any
// of them is unknown.
func (s *Store) RequestDel(doc []byte) error {
	req, err := decodeRequest(doc)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]Key, 0, len(req.IPv4)+len(req.IPv6)+len(req.Label))
	for i, e := range req.entries() {
		k, err := s.resolve(e)
		if err != nil {
			return errors.Wrapf(err, "session %d", i)
		}
		if _, ok := s.sessions[k]; !ok {
			return errors.Wrapf(ErrNotFound, "session %d (%s)", i, k.Peer)
		}
		keys = append(keys, k)
	}

	for _, k := range keys {
		if sess, ok := s.sessions[k]; ok {
			if sess.Label != "" {
				delete(s.labels, sess.Label)
			}
			delete(s.sessions, k)
		}
	}
	return nil
}

// LoadFile applies the add document in the file at path. The file may use
// JSONC comments and trailing commas.
func (s *Store) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read %s", path)
	}
	if err := s.RequestAdd(jsonc.ToJSON(data)); err != nil {
		return errors.Wrapf(err, "load %s", path)
	}
	return nil
}

// Response renders a reply body: {"status":"ok"} or
// {"status":"error","error":"..."}.
func (s *Store) Response(status, errText string) ([]byte, error) {
	return json.Marshal(struct {
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	}{status, errText})
}

// Len returns the number of configured sessions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Lookup returns the session configured under label.
func (s *Store) Lookup(label string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.labels[label]
	if !ok {
		return Session{}, false
	}
	return *s.sessions[k], true
}

// Sessions returns a copy of the table ordered by peer address.
func (s *Store) Sessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	sort.Slice(out, func(i, j int) bool {
		if c := out[i].Peer.Compare(out[j].Peer); c != 0 {
			return c < 0
		}
		if c := out[i].Local.Compare(out[j].Local); c != 0 {
			return c < 0
		}
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return !out[i].Multihop && out[j].Multihop
	})
	return out
}
