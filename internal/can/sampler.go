package can

import (
	"bms-can-monitor/internal/models"
	"time"

	"github.com/sirupsen/logrus"
)

// StatusSource is anything that can report controller state
type StatusSource interface {
	ControllerStatus() (models.ControllerStatus, error)
}

// StatusSampler polls a StatusSource on an interval and publishes snapshots
type StatusSampler struct {
	source     StatusSource
	interval   time.Duration
	statusChan chan models.ControllerStatus
	stopChan   chan struct{}
	log        logrus.FieldLogger
}

// NewStatusSampler creates a sampler
func NewStatusSampler(source StatusSource, interval time.Duration, logger logrus.FieldLogger) *StatusSampler {
	return &StatusSampler{
		source:     source,
		interval:   interval,
		statusChan: make(chan models.ControllerStatus, 10),
		stopChan:   make(chan struct{}),
		log:        logger.WithField("component", "status-sampler"),
	}
}

// Start begins sampling
func (s *StatusSampler) Start() {
	go s.sampleLoop()
}

// Stop ends sampling. The channel is closed once the loop exits.
func (s *StatusSampler) Stop() {
	close(s.stopChan)
}

// C returns the snapshot channel
func (s *StatusSampler) C() <-chan models.ControllerStatus {
	return s.statusChan
}

func (s *StatusSampler) sampleLoop() {
	defer close(s.statusChan)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sample()
	for {
		select {
		case <-ticker.C:
			s.sample()
		case <-s.stopChan:
			return
		}
	}
}

func (s *StatusSampler) sample() {
	st, err := s.source.ControllerStatus()
	if err != nil {
		s.log.WithError(err).Debug("Failed to sample controller status")
		return
	}

	select {
	case s.statusChan <- st:
	default:
		s.log.Warn("Status channel full, dropping snapshot")
	}
}
