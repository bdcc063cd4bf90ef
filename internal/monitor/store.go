package monitor

import (
	"bms-can-monitor/internal/models"
	"slices"
	"sync"
	"time"
)

// FrameSample is the last decodable frame seen for one CAN id
type FrameSample struct {
	Frame     models.Frame
	Timestamp time.Time
}

// ReadingStore keeps the latest valid reading per battery and the latest
// decodable frame per CAN id
type ReadingStore struct {
	mu     sync.RWMutex
	latest map[uint8]models.ReadingSample
	frames map[uint32]FrameSample
}

func NewReadingStore() *ReadingStore {
	return &ReadingStore{
		latest: make(map[uint8]models.ReadingSample),
		frames: make(map[uint32]FrameSample),
	}
}

// UpdateFrame records f as the latest frame for its id
func (s *ReadingStore) UpdateFrame(f models.Frame, ts time.Time) {
	s.mu.Lock()
	s.frames[f.ID] = FrameSample{Frame: f, Timestamp: ts}
	s.mu.Unlock()
}

// Frame returns the latest frame recorded for canID
func (s *ReadingStore) Frame(canID uint32) (FrameSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	fs, ok := s.frames[canID]
	return fs, ok
}

// Frames returns every recorded frame ordered by CAN id
func (s *ReadingStore) Frames() []FrameSample {
	s.mu.RLock()
	out := make([]FrameSample, 0, len(s.frames))
	for _, fs := range s.frames {
		out = append(out, fs)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b FrameSample) int {
		switch {
		case a.Frame.ID < b.Frame.ID:
			return -1
		case a.Frame.ID > b.Frame.ID:
			return 1
		}
		return 0
	})
	return out
}

// Update replaces the stored reading for the sample's battery
func (s *ReadingStore) Update(sample models.ReadingSample) {
	s.mu.Lock()
	s.latest[sample.Reading.BatteryID] = sample
	s.mu.Unlock()
}

// Get returns the latest reading for one battery
func (s *ReadingStore) Get(batteryID uint8) (models.ReadingSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sample, ok := s.latest[batteryID]
	return sample, ok
}

// Latest returns every stored reading ordered by battery id
func (s *ReadingStore) Latest() []models.ReadingSample {
	s.mu.RLock()
	out := make([]models.ReadingSample, 0, len(s.latest))
	for _, sample := range s.latest {
		out = append(out, sample)
	}
	s.mu.RUnlock()

	slices.SortFunc(out, func(a, b models.ReadingSample) int {
		return int(a.Reading.BatteryID) - int(b.Reading.BatteryID)
	})
	return out
}

func (s *ReadingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.latest)
}
