// Package sensor defines the telemetry sample and its newline-delimited wire form.
package sensor

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Bounds of the synthetic centrifuge telemetry.
const (
	MinCentrifugeSpeed = 50000.0
	MaxCentrifugeSpeed = 70000.0
	MinPowerOutput     = 800.0
	MaxPowerOutput     = 1200.0
)

// TimestampLayout is the wall-clock form used in history snapshots.
const TimestampLayout = "15:04:05"

var ErrMalformed = errors.New("sensor: malformed sample")

// Sample is one telemetry reading. It is never mutated after creation.
type Sample struct {
	CentrifugeSpeed float64
	PowerOutput     float64
	At              time.Time
}

func (s Sample) Timestamp() string { return s.At.Format(TimestampLayout) }

// InRange reports whether both metrics lie inside their clamp bounds.
func (s Sample) InRange() bool {
	return s.CentrifugeSpeed >= MinCentrifugeSpeed && s.CentrifugeSpeed <= MaxCentrifugeSpeed &&
		s.PowerOutput >= MinPowerOutput && s.PowerOutput <= MaxPowerOutput
}

// Append appends the wire form of s ("<speed>,<power>\n", two decimals) to dst.
func Append(dst []byte, s Sample) []byte {
	dst = strconv.AppendFloat(dst, s.CentrifugeSpeed, 'f', 2, 64)
	dst = append(dst, ',')
	dst = strconv.AppendFloat(dst, s.PowerOutput, 'f', 2, 64)
	return append(dst, '\n')
}

// Format returns the wire form of s.
func Format(s Sample) []byte { return Append(make([]byte, 0, 24), s) }

// Parse decodes one frame (without its newline). The frame must hold exactly
// two comma-separated finite numbers. The returned sample has a zero At.
func Parse(frame []byte) (Sample, error) {
	a, b, ok := strings.Cut(string(frame), ",")
	if !ok || strings.Contains(b, ",") {
		return Sample{}, fmt.Errorf("%w: %q", ErrMalformed, truncate(frame))
	}
	speed, err := parseMetric(a)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %q", ErrMalformed, truncate(frame))
	}
	power, err := parseMetric(b)
	if err != nil {
		return Sample{}, fmt.Errorf("%w: %q", ErrMalformed, truncate(frame))
	}
	return Sample{CentrifugeSpeed: speed, PowerOutput: power}, nil
}

func parseMetric(s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, strconv.ErrRange
	}
	return v, nil
}

func truncate(b []byte) string {
	const max = 64
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
