package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/canopy-network/ledgerx/pkg/db"
	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
)

func (s *Store) GetWatermark(_ context.Context, pipeline string) (*admin.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: watermark %s", db.ErrNotFound, pipeline)
	}
	return &wm, nil
}

func (s *Store) ListWatermarks(_ context.Context) ([]admin.Watermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]admin.Watermark, 0, len(s.watermarks))
	for _, wm := range s.watermarks {
		out = append(out, wm)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out, nil
}

func (s *Store) SetReaderWatermark(_ context.Context, pipeline string, readerLo, epochLo, nowMs int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[pipeline]
	if !ok {
		return false, fmt.Errorf("%w: watermark %s", db.ErrNotFound, pipeline)
	}
	if readerLo > wm.CheckpointHiInclusive {
		readerLo = wm.CheckpointHiInclusive
	}
	if readerLo <= wm.ReaderLo {
		return false, nil
	}
	wm.ReaderLo = readerLo
	wm.EpochLo = epochLo
	wm.PrunerTimestampMs = nowMs
	if err := wm.Validate(); err != nil {
		return false, err
	}
	s.watermarks[pipeline] = wm
	return true, nil
}

func (s *Store) SetPrunerWatermark(_ context.Context, pipeline string, expected, prunerHi int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.watermarks[pipeline]
	if !ok {
		return fmt.Errorf("%w: watermark %s", db.ErrNotFound, pipeline)
	}
	if wm.PrunerHi != expected {
		return fmt.Errorf("%w: %s pruner_hi is %d, expected %d", db.ErrWatermarkConflict, pipeline, wm.PrunerHi, expected)
	}
	if prunerHi < wm.PrunerHi {
		return fmt.Errorf("%w: %s pruner_hi %d moves back from %d", db.ErrInvariant, pipeline, prunerHi, wm.PrunerHi)
	}
	wm.PrunerHi = prunerHi
	if err := wm.Validate(); err != nil {
		return err
	}
	s.watermarks[pipeline] = wm
	return nil
}

func (s *Store) RegisterReader(_ context.Context, pipeline, reader string, lo int64) error {
	if pipeline == "" || reader == "" || lo < 0 {
		return fmt.Errorf("%w: pipeline, reader and lo >= 0 required", db.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if wm, ok := s.watermarks[pipeline]; ok && lo < wm.ReaderLo {
		return fmt.Errorf("%w: %s reader %s at %d, reader_lo %d", db.ErrBelowReaderLo, pipeline, reader, lo, wm.ReaderLo)
	}
	if s.readers[pipeline] == nil {
		s.readers[pipeline] = make(map[string]admin.Reader)
	}
	s.readers[pipeline][reader] = admin.Reader{Pipeline: pipeline, Reader: reader, ReaderLo: lo, UpdatedAt: s.now().UTC()}
	return nil
}

func (s *Store) UnregisterReader(_ context.Context, pipeline, reader string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.readers[pipeline], reader)
	return nil
}

func (s *Store) ListReaders(_ context.Context, pipeline string) ([]admin.Reader, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]admin.Reader, 0, len(s.readers[pipeline]))
	for _, r := range s.readers[pipeline] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Reader < out[j].Reader })
	return out, nil
}
