package generator

import (
	"context"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"plantmon/internal/eventbus"
	"plantmon/internal/sensor"
	logx "plantmon/pkg/logx"
)

func TestReadingStaysClamped(t *testing.T) {
	t.Parallel()
	n := NewNormal(42)
	now := time.Now()
	for i := 0; i < 10000; i++ {
		s := n.Reading(now)
		if !s.InRange() {
			t.Fatalf("tick %d out of range: %+v", i, s)
		}
	}
}

func TestClampHitsBounds(t *testing.T) {
	t.Parallel()
	cases := []struct{ v, want float64 }{
		{-1, sensor.MinCentrifugeSpeed},
		{1e9, sensor.MaxCentrifugeSpeed},
		{61000, 61000},
	}
	for _, tc := range cases {
		if got := clamp(tc.v, sensor.MinCentrifugeSpeed, sensor.MaxCentrifugeSpeed); got != tc.want {
			t.Fatalf("clamp(%v) = %v, want %v", tc.v, got, tc.want)
		}
	}
}

func TestNormalDeterministicAndDistributed(t *testing.T) {
	t.Parallel()
	a, b := NewNormal(7), NewNormal(7)
	for i := 0; i < 100; i++ {
		if x, y := a.Next(0, 1), b.Next(0, 1); x != y {
			t.Fatalf("draw %d differs with equal seeds: %v vs %v", i, x, y)
		}
	}

	n := NewNormal(99)
	const draws = 20000
	var sum, sq float64
	for i := 0; i < draws; i++ {
		v := n.Next(PowerMean, PowerSigma)
		sum += v
		sq += v * v
	}
	mean := sum / draws
	sd := math.Sqrt(sq/draws - mean*mean)
	if math.Abs(mean-PowerMean) > 3 {
		t.Fatalf("mean = %.2f, want ~%.0f", mean, PowerMean)
	}
	if math.Abs(sd-PowerSigma) > 4 {
		t.Fatalf("stddev = %.2f, want ~%.0f", sd, PowerSigma)
	}
}

func TestNormalUsesSpare(t *testing.T) {
	t.Parallel()
	n := NewNormal(1)
	_ = n.Next(0, 1)
	if !n.hasSpare {
		t.Fatal("expected cached spare after first draw")
	}
	_ = n.Next(0, 1)
	if n.hasSpare {
		t.Fatal("spare should be consumed by second draw")
	}
}

func TestTickPublishesToSinkAndBus(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()

	var got atomic.Int32
	sink := SinkFunc(func(ctx context.Context, s sensor.Sample) (int, int) {
		got.Add(1)
		return 2, 1
	})
	svc := New(time.Second, NewNormal(3), sink, bus, logx.Nop())
	s := svc.Tick(context.Background())

	if got.Load() != 1 || svc.Ticks() != 1 {
		t.Fatalf("sink calls = %d, ticks = %d", got.Load(), svc.Ticks())
	}
	if last, ok := svc.Last(); !ok || last != s {
		t.Fatalf("Last = %+v, %v", last, ok)
	}
	e := <-events
	d, ok := e.Data.(eventbus.TickData)
	if e.Type != eventbus.TelemetryTick || !ok || d.Delivered != 2 || d.Failed != 1 || d.Seq != 1 {
		t.Fatalf("unexpected event %+v", e)
	}
}

func TestServiceSchedulesTicks(t *testing.T) {
	t.Parallel()
	var got atomic.Int32
	sink := SinkFunc(func(ctx context.Context, s sensor.Sample) (int, int) {
		got.Add(1)
		return 0, 0
	})
	svc := New(time.Second, NewNormal(5), sink, nil, logx.Nop())
	svc.Start(context.Background())
	svc.Start(context.Background())

	deadline := time.Now().Add(4 * time.Second)
	for got.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	svc.Stop(ctx)

	if got.Load() < 2 {
		t.Fatalf("expected at least 2 ticks, got %d", got.Load())
	}
	after := got.Load()
	time.Sleep(1500 * time.Millisecond)
	if got.Load() != after {
		t.Fatalf("ticks continued after Stop: %d -> %d", after, got.Load())
	}
}
