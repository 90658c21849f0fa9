package client

import (
	"encoding/json"
	"math"
	"sync"

	"plantmon/internal/sensor"
)

// History is a fixed-capacity FIFO of samples in arrival order.
// Append and SnapshotJSON are mutually exclusive.
type History struct {
	mu       sync.Mutex
	samples  []sensor.Sample
	capacity int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = 50
	}
	return &History{samples: make([]sensor.Sample, 0, capacity), capacity: capacity}
}

// Append adds s at the tail. At capacity the oldest sample is evicted first
// by shifting the rest left.
func (h *History) Append(s sensor.Sample) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.samples) == h.capacity {
		copy(h.samples, h.samples[1:])
		h.samples = h.samples[:h.capacity-1]
	}
	h.samples = append(h.samples, s)
}

func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.samples)
}

func (h *History) Cap() int { return h.capacity }

// Samples returns a copy, oldest first.
func (h *History) Samples() []sensor.Sample {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]sensor.Sample(nil), h.samples...)
}

type historyPoint struct {
	CentrifugeSpeed float64 `json:"centrifugeSpeed"`
	PowerOutput     float64 `json:"powerOutput"`
	Timestamp       string  `json:"timestamp"`
}

type historyDoc struct {
	Data     []historyPoint `json:"data"`
	Count    int            `json:"count"`
	Capacity int            `json:"capacity,omitempty"`
	Message  string         `json:"message"`
}

// SnapshotJSON renders the history for /api/data. An empty history yields
// {"data":[],"count":0,"message":"No data available"}.
func (h *History) SnapshotJSON() ([]byte, error) {
	h.mu.Lock()
	doc := historyDoc{Data: make([]historyPoint, 0, len(h.samples)), Count: len(h.samples)}
	for _, s := range h.samples {
		doc.Data = append(doc.Data, historyPoint{
			CentrifugeSpeed: round1(s.CentrifugeSpeed),
			PowerOutput:     round1(s.PowerOutput),
			Timestamp:       s.Timestamp(),
		})
	}
	h.mu.Unlock()

	if doc.Count == 0 {
		doc.Message = "No data available"
	} else {
		doc.Capacity = h.capacity
		doc.Message = "Data retrieved successfully"
	}
	return json.Marshal(doc)
}

func round1(v float64) float64 { return math.Round(v*10) / 10 }
