package client

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"plantmon/internal/sensor"
)

func sample(i int) sensor.Sample {
	return sensor.Sample{CentrifugeSpeed: 60000 + float64(i), PowerOutput: 1000, At: time.Date(2024, 1, 1, 12, 0, i%60, 0, time.UTC)}
}

func TestHistoryBoundAndFIFO(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	for i := 0; i < 120; i++ {
		h.Append(sample(i))
		if h.Len() > 50 {
			t.Fatalf("len = %d after %d appends", h.Len(), i+1)
		}
	}
	got := h.Samples()
	if len(got) != 50 {
		t.Fatalf("len = %d", len(got))
	}
	for i, s := range got {
		if want := 60000 + float64(70+i); s.CentrifugeSpeed != want {
			t.Fatalf("index %d = %v, want %v (oldest evicted first)", i, s.CentrifugeSpeed, want)
		}
	}
}

func TestHistoryEmptyJSON(t *testing.T) {
	t.Parallel()
	b, err := NewHistory(50).SnapshotJSON()
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != `{"data":[],"count":0,"message":"No data available"}` {
		t.Fatalf("empty snapshot = %s", b)
	}
}

func TestHistoryFullJSON(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	for i := 0; i < 60; i++ {
		h.Append(sensor.Sample{CentrifugeSpeed: 61234.56, PowerOutput: 999.94, At: time.Date(2024, 1, 1, 8, 9, 10, 0, time.Local)})
	}
	b, err := h.SnapshotJSON()
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Data []struct {
			CentrifugeSpeed float64 `json:"centrifugeSpeed"`
			PowerOutput     float64 `json:"powerOutput"`
			Timestamp       string  `json:"timestamp"`
		} `json:"data"`
		Count    int    `json:"count"`
		Capacity int    `json:"capacity"`
		Message  string `json:"message"`
	}
	if err := json.Unmarshal(b, &doc); err != nil {
		t.Fatalf("unmarshal %s: %v", b, err)
	}
	if doc.Count != 50 || doc.Capacity != 50 || len(doc.Data) != 50 {
		t.Fatalf("count=%d capacity=%d data=%d", doc.Count, doc.Capacity, len(doc.Data))
	}
	if doc.Message != "Data retrieved successfully" {
		t.Fatalf("message = %q", doc.Message)
	}
	p := doc.Data[0]
	if p.CentrifugeSpeed != 61234.6 || p.PowerOutput != 999.9 || p.Timestamp != "08:09:10" {
		t.Fatalf("point = %+v", p)
	}
}

func TestHistoryConcurrentAppendSnapshot(t *testing.T) {
	t.Parallel()
	h := NewHistory(50)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				h.Append(sample(i))
				if i%10 == 0 {
					if _, err := h.SnapshotJSON(); err != nil {
						panic(fmt.Sprintf("snapshot: %v", err))
					}
				}
			}
		}(w)
	}
	wg.Wait()
	if h.Len() != 50 {
		t.Fatalf("len = %d", h.Len())
	}
}
