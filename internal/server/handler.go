package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"plantmon/internal/eventbus"
	"plantmon/internal/tlsconf"
	logx "plantmon/pkg/logx"
)

// handle drives one session through Handshaking, Active, Closing and Closed.
func (s *Server) handle(ctx context.Context, sess *Session) {
	log := s.log.With(logx.Uint64("session", sess.ID), logx.String("peer", sess.Peer))
	registered := false
	defer func() {
		if !registered {
			s.reg.Release()
		}
	}()

	sess.setState(StateHandshaking)
	conn := tls.Server(sess.raw, s.opts.TLS)
	sess.conn = conn

	hctx, cancel := context.WithTimeout(ctx, s.opts.HandshakeTimeout)
	err := conn.HandshakeContext(hctx)
	cancel()
	if err != nil {
		log.Warn("handshake failed", logx.Err(err))
		s.rejected.Add(1)
		s.close(sess, log, false, "handshake: "+err.Error())
		s.publish(eventbus.SessionRejected, sess, "handshake: "+err.Error())
		return
	}
	sess.identity = tlsconf.PeerIdentity(conn.ConnectionState())

	if _, err := s.reg.Commit(sess); err != nil {
		log.Warn("registry full; closing session", logx.Err(err))
		s.rejected.Add(1)
		s.close(sess, log, false, err.Error())
		s.publish(eventbus.SessionRejected, sess, err.Error())
		return
	}
	registered = true
	sess.setState(StateActive)

	log.Info("session active",
		logx.Int("slot", sess.slot),
		logx.String("subject", sess.identity.Subject),
		logx.String("tls", sess.identity.Version),
		logx.String("cipher", sess.identity.CipherSuite),
		logx.Int("active", s.reg.Len()),
	)
	s.publish(eventbus.SessionActive, sess, "")

	reason := s.readLoop(ctx, sess, log)
	s.close(sess, log, true, reason)
	s.publish(eventbus.SessionClosed, sess, reason)
}

// readLoop consumes (and ignores) inbound bytes until the peer goes away,
// a broadcast write fails, or ctx is canceled. It returns the close reason.
func (s *Server) readLoop(ctx context.Context, sess *Session, log logx.Logger) string {
	buf := make([]byte, 1024)
	for {
		if ctx.Err() != nil {
			return "shutdown"
		}
		if sess.Failed() {
			return "write failed"
		}
		_ = sess.conn.SetReadDeadline(time.Now().Add(s.opts.PollInterval))
		n, err := sess.conn.Read(buf)
		if n > 0 {
			sess.inbound.Add(uint64(n))
			log.Debug("inbound data ignored", logx.Int("bytes", n))
		}
		if err == nil {
			continue
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			continue
		}
		if errors.Is(err, io.EOF) {
			return "peer closed"
		}
		return err.Error()
	}
}

// close releases the slot (if held) and tears down the connection.
func (s *Server) close(sess *Session, log logx.Logger, registered bool, reason string) {
	sess.setState(StateClosing)
	if registered {
		s.reg.Unregister(sess.slot, sess)
	}
	// Bound the close_notify write; a dead peer must not stall shutdown.
	_ = sess.raw.SetWriteDeadline(time.Now().Add(s.opts.WriteTimeout))
	sess.writeMu.Lock()
	_ = sess.conn.Close()
	sess.writeMu.Unlock()
	sess.setState(StateClosed)
	if registered {
		log.Info("session closed",
			logx.String("reason", reason),
			logx.Uint64("sent", sess.sent.Load()),
			logx.Int("active", s.reg.Len()),
		)
	}
}
