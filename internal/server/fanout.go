package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"plantmon/internal/sensor"
	logx "plantmon/pkg/logx"
)

// Fanout pushes each sample to every registered session. Delivery is
// best-effort and at most once per sample: no retry, no acknowledgement.
type Fanout struct {
	reg          *Registry
	writeTimeout time.Duration
	log          logx.Logger // rate-limited

	delivered atomic.Uint64
	failed    atomic.Uint64
}

func NewFanout(reg *Registry, writeTimeout time.Duration, log logx.Logger) *Fanout {
	return &Fanout{reg: reg, writeTimeout: writeTimeout, log: log.Every(time.Second, 5)}
}

// Publish writes the wire form of sample to a snapshot of the registry,
// concurrently. A failing session is logged and marked; it is neither retried
// nor unregistered here.
func (f *Fanout) Publish(ctx context.Context, sample sensor.Sample) (delivered, failed int) {
	sessions := f.reg.Snapshot()
	if len(sessions) == 0 {
		return 0, 0
	}
	frame := sensor.Format(sample)

	var (
		wg       sync.WaitGroup
		ok, fail atomic.Int32
	)
	for _, s := range sessions {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.send(frame, f.writeTimeout); err != nil {
				fail.Add(1)
				f.log.Warn("broadcast write failed",
					logx.Uint64("session", s.ID),
					logx.String("peer", s.Peer),
					logx.Err(err),
				)
				return
			}
			ok.Add(1)
		}(s)
	}
	wg.Wait()

	delivered, failed = int(ok.Load()), int(fail.Load())
	f.delivered.Add(uint64(delivered))
	f.failed.Add(uint64(failed))
	return delivered, failed
}

// Totals returns cumulative delivered and failed writes.
func (f *Fanout) Totals() (delivered, failed uint64) {
	return f.delivered.Load(), f.failed.Load()
}
