package server

import (
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"plantmon/internal/tlsconf"
)

// State is a session lifecycle state.
type State int32

const (
	StateConnecting State = iota
	StateHandshaking
	StateActive
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

var errSessionDown = errors.New("session not active")

// Session is one subscriber connection. It is owned by its handler goroutine;
// the registry and the fan-out only hold references.
type Session struct {
	ID   uint64
	Peer string

	raw  net.Conn
	conn *tls.Conn

	slot     int
	identity tlsconf.Identity
	since    time.Time

	state atomic.Int32

	writeMu sync.Mutex
	failed  atomic.Bool
	sent    atomic.Uint64
	inbound atomic.Uint64
}

func newSession(id uint64, raw net.Conn) *Session {
	s := &Session{ID: id, Peer: raw.RemoteAddr().String(), raw: raw, slot: -1, since: time.Now()}
	s.state.Store(int32(StateConnecting))
	return s
}

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) { s.state.Store(int32(st)) }

func (s *Session) Slot() int { return s.slot }

func (s *Session) Identity() tlsconf.Identity { return s.identity }

// Failed reports whether a fan-out write to this session has failed.
func (s *Session) Failed() bool { return s.failed.Load() }

// send writes one frame, bounded by timeout. After a write timeout the TLS
// state is unusable, so any failure marks the session; its handler closes it.
func (s *Session) send(frame []byte, timeout time.Duration) error {
	if s.State() != StateActive || s.failed.Load() {
		return errSessionDown
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateActive {
		return errSessionDown
	}
	if timeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.failed.Store(true)
		return err
	}
	s.sent.Add(1)
	return nil
}

// SessionInfo is a status view of one session.
type SessionInfo struct {
	ID      uint64    `json:"id"`
	Slot    int       `json:"slot"`
	Peer    string    `json:"peer"`
	Subject string    `json:"subject,omitempty"`
	State   string    `json:"state"`
	Since   time.Time `json:"since"`
	Sent    uint64    `json:"sent"`
	Inbound uint64    `json:"inbound_bytes"`
	Failed  bool      `json:"failed,omitempty"`
}

func (s *Session) Info() SessionInfo {
	return SessionInfo{
		ID:      s.ID,
		Slot:    s.slot,
		Peer:    s.Peer,
		Subject: s.identity.Subject,
		State:   s.State().String(),
		Since:   s.since,
		Sent:    s.sent.Load(),
		Inbound: s.inbound.Load(),
		Failed:  s.failed.Load(),
	}
}
