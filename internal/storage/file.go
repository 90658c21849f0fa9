package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"plantmon/internal/sensor"
	logx "plantmon/pkg/logx"
)

// rename is swapped in tests.
var rename = os.Rename

// fileStore is a JSON Lines backend.
//
// Files:
//   - <prefix>.audit.jsonl   (append-only)
//   - <prefix>.samples.jsonl (append-only, compacted to the retain window)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	auditFile   *os.File
	samplesPath string
	samplesFile *os.File

	retain       int
	sampleWrites int
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	af, err := os.OpenFile(prefix+".audit.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	samplesPath := prefix + ".samples.jsonl"
	sf, err := os.OpenFile(samplesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		_ = af.Close()
		return nil, err
	}

	return &fileStore{
		log:         log,
		auditFile:   af,
		samplesPath: samplesPath,
		samplesFile: sf,
		retain:      cfg.SampleRetain,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.auditFile != nil {
		errs = append(errs, s.auditFile.Close())
		s.auditFile = nil
	}
	if s.samplesFile != nil {
		errs = append(errs, s.samplesFile.Close())
		s.samplesFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	return json.NewEncoder(s.auditFile).Encode(e)
}

func (s *fileStore) AppendSample(ctx context.Context, smp sensor.Sample) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.auditFile == nil {
		return ErrDisabled
	}
	if s.samplesFile == nil {
		if err := s.reopenSamplesLocked(); err != nil {
			return err
		}
	}
	if err := json.NewEncoder(s.samplesFile).Encode(toRecord(smp)); err != nil {
		return err
	}
	s.sampleWrites++
	if s.sampleWrites%s.retain == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("samples compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) RecentSamples(ctx context.Context, n int) ([]sensor.Sample, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	recs, err := readTail(s.samplesPath, n)
	if err != nil {
		return nil, err
	}
	out := make([]sensor.Sample, len(recs))
	for i, r := range recs {
		out[i] = r.sample()
	}
	return out, nil
}

// compactLocked rewrites the samples file keeping only the retain window.
func (s *fileStore) compactLocked() error {
	recs, err := readTail(s.samplesPath, s.retain)
	if err != nil {
		return err
	}
	tmp := s.samplesPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	enc := json.NewEncoder(w)
	for _, r := range recs {
		if err := enc.Encode(r); err != nil {
			_ = f.Close()
			return err
		}
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	_ = s.samplesFile.Close()
	s.samplesFile = nil
	renameErr := rename(tmp, s.samplesPath)
	if renameErr != nil {
		_ = os.Remove(tmp)
	}
	// Reopen even when the rename failed; the uncompacted file is still valid.
	if err := s.reopenSamplesLocked(); err != nil {
		return errors.Join(renameErr, err)
	}
	return renameErr
}

func (s *fileStore) reopenSamplesLocked() error {
	f, err := os.OpenFile(s.samplesPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	s.samplesFile = f
	return nil
}

// readTail returns the last n decodable records of a JSON Lines file.
func readTail(path string, n int) ([]sampleRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	ring := make([]sampleRecord, 0, n)
	start := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r sampleRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil {
			continue
		}
		if len(ring) < n {
			ring = append(ring, r)
			continue
		}
		ring[start] = r
		start = (start + 1) % n
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return append(ring[start:], ring[:start]...), nil
}
