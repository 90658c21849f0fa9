package storage

import (
	"context"
	"errors"
	"time"

	"plantmon/internal/sensor"
)

var ErrDisabled = errors.New("storage disabled")

// DefaultSampleRetain bounds the sample archive; older rows are pruned.
const DefaultSampleRetain = 10000

// Config configures storage. An empty Driver or "none" disables it.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	// SampleRetain is the number of archived samples kept (0 = DefaultSampleRetain).
	SampleRetain int
}

// Store is the persistence API used by the server and the client.
type Store interface {
	AppendAudit(ctx context.Context, e AuditEntry) error
	AppendSample(ctx context.Context, s sensor.Sample) error
	// RecentSamples returns up to n archived samples, oldest first.
	RecentSamples(ctx context.Context, n int) ([]sensor.Sample, error)
	Close() error
}

// AuditEntry records one session lifecycle step on the server.
type AuditEntry struct {
	At        time.Time `json:"at"`
	Event     string    `json:"event"`
	SessionID uint64    `json:"session_id"`
	Slot      int       `json:"slot"`
	Peer      string    `json:"peer"`
	Subject   string    `json:"subject,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// sampleRecord is the stored form of a sensor.Sample.
type sampleRecord struct {
	At    int64   `json:"at"` // unix milli
	Speed float64 `json:"centrifuge_speed"`
	Power float64 `json:"power_output"`
}

func toRecord(s sensor.Sample) sampleRecord {
	return sampleRecord{At: s.At.UnixMilli(), Speed: s.CentrifugeSpeed, Power: s.PowerOutput}
}

func (r sampleRecord) sample() sensor.Sample {
	return sensor.Sample{CentrifugeSpeed: r.Speed, PowerOutput: r.Power, At: time.UnixMilli(r.At)}
}
