package generator

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"plantmon/internal/eventbus"
	"plantmon/internal/sensor"
	logx "plantmon/pkg/logx"
)

// Sink receives each generated sample. Publish must not block for long; the
// next tick is skipped while a previous one is still running.
type Sink interface {
	Publish(ctx context.Context, s sensor.Sample) (delivered, failed int)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, s sensor.Sample) (int, int)

func (f SinkFunc) Publish(ctx context.Context, s sensor.Sample) (int, int) { return f(ctx, s) }

// Service ticks on a fixed interval and hands one sample per tick to its sink.
type Service struct {
	interval time.Duration
	src      *Normal
	sink     Sink
	bus      eventbus.Bus
	log      logx.Logger

	mu     sync.Mutex
	c      *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc

	ticks atomic.Uint64
	last  atomic.Pointer[sensor.Sample]
}

// New creates a stopped service. interval is rounded to whole seconds (minimum 1s).
func New(interval time.Duration, src *Normal, sink Sink, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	if src == nil {
		src = NewNormal(0)
	}
	return &Service{interval: interval, src: src, sink: sink, bus: bus, log: log}
}

func (s *Service) Interval() time.Duration { return s.interval }

// Ticks returns the number of completed ticks.
func (s *Service) Ticks() uint64 { return s.ticks.Load() }

// Last returns the most recent sample, if any.
func (s *Service) Last() (sensor.Sample, bool) {
	p := s.last.Load()
	if p == nil {
		return sensor.Sample{}, false
	}
	return *p, true
}

// Start schedules the tick. Calling Start twice is a no-op.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithChain(
		cron.Recover(cronLogger{s.log}),
		cron.SkipIfStillRunning(cronLogger{s.log}),
	))
	s.c.Schedule(cron.Every(s.interval), cron.FuncJob(func() { s.Tick(s.ctx) }))
	s.c.Start()
	s.log.Info("generator started", logx.Duration("interval", s.interval))
}

// Tick produces and publishes one sample immediately.
func (s *Service) Tick(ctx context.Context) sensor.Sample {
	sample := s.src.Reading(time.Now())
	s.last.Store(&sample)

	var delivered, failed int
	if s.sink != nil {
		delivered, failed = s.sink.Publish(ctx, sample)
	}
	n := s.ticks.Add(1)
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: eventbus.TelemetryTick, Data: eventbus.TickData{
			Seq:             n,
			CentrifugeSpeed: sample.CentrifugeSpeed,
			PowerOutput:     sample.PowerOutput,
			Delivered:       delivered,
			Failed:          failed,
		}})
	}
	s.log.Debug("tick",
		logx.Uint64("seq", n),
		logx.Float64("centrifuge_speed", sample.CentrifugeSpeed),
		logx.Float64("power_output", sample.PowerOutput),
		logx.Int("delivered", delivered),
		logx.Int("failed", failed),
	)
	return sample
}

// Stop halts scheduling and waits for a running tick to finish, or for ctx.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.cancel
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}

	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("generator stopped", logx.Uint64("ticks", s.ticks.Load()))
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug("cron: "+msg, kvFields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error("cron: "+msg, append(kvFields(keysAndValues), logx.Err(err))...)
}

func kvFields(kv []interface{}) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		k, ok := kv[i].(string)
		if !ok {
			continue
		}
		out = append(out, logx.Any(k, kv[i+1]))
	}
	return out
}
