// Package server implements the mutual-TLS broadcast server: it accepts
// subscriber sessions, keeps them in a bounded registry and pushes every
// generated sample to all of them.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"plantmon/internal/eventbus"
	"plantmon/internal/generator"
	"plantmon/internal/runtime/supervisor"
	"plantmon/internal/storage"
	logx "plantmon/pkg/logx"
)

// Options configures a Server. Zero durations fall back to defaults.
type Options struct {
	Listen           string
	MaxClients       int
	TickInterval     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	PollInterval     time.Duration
	DrainTimeout     time.Duration
	Seed             int64

	TLS   *tls.Config
	Bus   eventbus.Bus
	Store storage.Store // optional audit sink
	Log   logx.Logger
}

func (o *Options) applyDefaults() {
	if o.Listen == "" {
		o.Listen = ":8443"
	}
	if o.MaxClients <= 0 {
		o.MaxClients = 10
	}
	if o.TickInterval <= 0 {
		o.TickInterval = 2 * time.Second
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 2 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 500 * time.Millisecond
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 5 * time.Second
	}
	if o.Log.IsZero() {
		o.Log = logx.Nop()
	}
	if o.Bus == nil {
		o.Bus = eventbus.New()
	}
}

// Server owns the listener, the registry, the generator and every session goroutine.
type Server struct {
	opts Options
	log  logx.Logger

	reg    *Registry
	fanout *Fanout
	gen    *generator.Service

	mu         sync.Mutex
	ln         net.Listener
	loops      *supervisor.Supervisor // accept loop + audit recorder
	sessions   *supervisor.Supervisor
	acceptDone chan struct{}
	unsub      func()
	started    bool
	stopped    bool

	nextID   atomic.Uint64
	accepted atomic.Uint64
	rejected atomic.Uint64
}

func New(opts Options) (*Server, error) {
	if opts.TLS == nil {
		return nil, errors.New("server: TLS config is required")
	}
	opts.applyDefaults()
	log := opts.Log.With(logx.String("comp", "server"))
	reg := NewRegistry(opts.MaxClients)
	fan := NewFanout(reg, opts.WriteTimeout, log.With(logx.String("sub", "fanout")))
	s := &Server{opts: opts, log: log, reg: reg, fanout: fan}
	s.gen = generator.New(opts.TickInterval, generator.NewNormal(opts.Seed), fan, opts.Bus, opts.Log.With(logx.String("comp", "generator")))
	return s, nil
}

func (s *Server) Registry() *Registry { return s.reg }

func (s *Server) Generator() *generator.Service { return s.gen }

// Addr returns the bound listener address (nil before Start).
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Start binds the listener and launches the accept loop, the generator and
// the audit recorder. Listen failure is returned to the caller.
//
// Only ctx values are inherited; shutdown is driven by Stop so that its
// ordering holds even when the caller's context is already canceled.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return errors.New("server: already started")
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.opts.Listen, err)
	}
	s.ln = ln
	s.started = true
	ctx = context.WithoutCancel(ctx)
	s.loops = supervisor.New(ctx, supervisor.WithLogger(s.log))
	s.sessions = supervisor.New(ctx, supervisor.WithLogger(s.log))

	if s.opts.Store != nil {
		events, unsub := s.opts.Bus.Subscribe(256)
		s.unsub = unsub
		s.loops.Go0("audit", func(ctx context.Context) { s.recordAudit(events) })
	}
	s.acceptDone = make(chan struct{})
	s.loops.Go("accept", func(ctx context.Context) error {
		defer close(s.acceptDone)
		return s.acceptLoop(ctx, ln)
	})
	s.gen.Start(ctx)

	s.log.Info("listening",
		logx.String("addr", ln.Addr().String()),
		logx.Int("max_clients", s.reg.Cap()),
		logx.Duration("tick", s.opts.TickInterval),
	)
	return nil
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener) error {
	rejectLog := s.log.Every(time.Second, 3)
	var delay time.Duration
	for {
		raw, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			// Back off on resource errors such as EMFILE.
			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}
			s.log.Warn("accept failed; retrying", logx.Err(err), logx.Duration("backoff", delay))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(delay):
			}
			continue
		}
		delay = 0

		id := s.nextID.Add(1)
		sess := newSession(id, raw)
		s.accepted.Add(1)
		s.publish(eventbus.SessionAccepted, sess, "")

		if !s.reg.Reserve() {
			s.rejected.Add(1)
			rejectLog.Warn("registry full; rejecting connection",
				logx.Uint64("session", id),
				logx.String("peer", sess.Peer),
				logx.Int("capacity", s.reg.Cap()),
			)
			_ = raw.Close()
			sess.setState(StateClosed)
			s.publish(eventbus.SessionRejected, sess, ErrRegistryFull.Error())
			continue
		}
		s.sessions.Go0("session", func(ctx context.Context) { s.handle(ctx, sess) })
	}
}

// Stop shuts down in order: listener and accept loop (joined), generator,
// sessions (bounded by the drain timeout), audit recorder.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	ln, loops, sessions, unsub, acceptDone := s.ln, s.loops, s.sessions, s.unsub, s.acceptDone
	s.mu.Unlock()

	start := time.Now()
	_ = ln.Close()
	select {
	case <-acceptDone:
	case <-ctx.Done():
	}

	s.gen.Stop(ctx)

	drainCtx, cancel := context.WithTimeout(ctx, s.opts.DrainTimeout)
	defer cancel()
	var errs []error
	if err := sessions.Stop(drainCtx); err != nil {
		errs = append(errs, fmt.Errorf("drain sessions: %w", err))
		// Force-close whatever is still registered.
		for _, sess := range s.reg.Snapshot() {
			_ = sess.raw.Close()
		}
	}

	if unsub != nil {
		unsub()
	}
	if err := loops.Stop(ctx); err != nil {
		errs = append(errs, err)
	}

	s.log.Info("server stopped",
		logx.Duration("took", time.Since(start)),
		logx.Uint64("accepted", s.accepted.Load()),
		logx.Uint64("rejected", s.rejected.Load()),
	)
	return errors.Join(errs...)
}

// Status is a point-in-time view used by the debug endpoint.
type Status struct {
	Listen      string              `json:"listen"`
	Active      int                 `json:"active"`
	Handshaking int                 `json:"handshaking"`
	Capacity    int                 `json:"capacity"`
	Accepted    uint64              `json:"accepted"`
	Rejected    uint64              `json:"rejected"`
	Ticks       uint64              `json:"ticks"`
	Delivered   uint64              `json:"delivered"`
	Failed      uint64              `json:"failed"`
	Sessions    []SessionInfo       `json:"sessions"`
	Loops       supervisor.Snapshot `json:"loops"`
	Workers     supervisor.Counters `json:"workers"`
}

func (s *Server) Status() Status {
	st := Status{
		Active:      s.reg.Len(),
		Handshaking: s.reg.Reserved(),
		Capacity:    s.reg.Cap(),
		Accepted:    s.accepted.Load(),
		Rejected:    s.rejected.Load(),
		Ticks:       s.gen.Ticks(),
	}
	st.Delivered, st.Failed = s.fanout.Totals()
	if a := s.Addr(); a != nil {
		st.Listen = a.String()
	}
	for _, sess := range s.reg.Snapshot() {
		st.Sessions = append(st.Sessions, sess.Info())
	}
	s.mu.Lock()
	loops, sessions := s.loops, s.sessions
	s.mu.Unlock()
	st.Loops = loops.Snapshot()
	st.Workers = sessions.Counters()
	return st
}

func (s *Server) publish(typ string, sess *Session, reason string) {
	s.opts.Bus.Publish(eventbus.Event{Type: typ, Data: eventbus.SessionData{
		SessionID: sess.ID,
		Slot:      sess.slot,
		Peer:      sess.Peer,
		Subject:   sess.identity.Subject,
		Reason:    reason,
	}})
}
