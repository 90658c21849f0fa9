package client

import (
	"context"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"time"

	"plantmon/internal/sensor"
	"plantmon/internal/storage"
	logx "plantmon/pkg/logx"
)

var ErrServerClosed = errors.New("client: server closed the session")

// Ingest reads the broadcast stream of one session into a History.
type Ingest struct {
	conn  net.Conn
	dec   *sensor.Decoder
	hist  *History
	store storage.Store // optional archive
	poll  time.Duration
	log   logx.Logger
	warn  logx.Logger // rate-limited

	received  atomic.Uint64
	malformed atomic.Uint64
}

func NewIngest(conn net.Conn, hist *History, store storage.Store, poll time.Duration, log logx.Logger) *Ingest {
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	return &Ingest{
		conn:  conn,
		dec:   sensor.NewDecoder(conn),
		hist:  hist,
		store: store,
		poll:  poll,
		log:   log,
		warn:  log.Every(time.Second, 5),
	}
}

// Run consumes frames until ctx is canceled (nil) or the session ends
// (ErrServerClosed or the read error). Malformed frames are dropped.
func (in *Ingest) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_ = in.conn.SetReadDeadline(time.Now().Add(in.poll))
		frame, err := in.dec.Next()
		if err != nil {
			var ne net.Error
			switch {
			case errors.As(err, &ne) && ne.Timeout():
				continue
			case errors.Is(err, sensor.ErrFrameTooLong):
				in.malformed.Add(1)
				in.warn.Warn("discarding oversized frame", logx.Int("max", sensor.MaxFrame))
				continue
			case errors.Is(err, io.EOF):
				return ErrServerClosed
			default:
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
		}
		in.handleFrame(ctx, frame)
	}
}

func (in *Ingest) handleFrame(ctx context.Context, frame []byte) {
	s, err := sensor.Parse(frame)
	if err != nil {
		in.malformed.Add(1)
		in.warn.Warn("discarding malformed frame", logx.Err(err))
		return
	}
	s.At = time.Now()
	in.hist.Append(s)
	n := in.received.Add(1)
	in.log.Debug("sample received",
		logx.Uint64("seq", n),
		logx.Float64("centrifuge_speed", s.CentrifugeSpeed),
		logx.Float64("power_output", s.PowerOutput),
	)
	if in.store != nil {
		sctx, cancel := context.WithTimeout(ctx, time.Second)
		if err := in.store.AppendSample(sctx, s); err != nil {
			in.warn.Warn("archive append failed", logx.Err(err))
		}
		cancel()
	}
}

// Counts returns received and malformed frame totals.
func (in *Ingest) Counts() (received, malformed uint64) {
	return in.received.Load(), in.malformed.Load()
}
