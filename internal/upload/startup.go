package upload

import (
	"fmt"
	"log/slog"
	"sync"
)

// StartupInitializer resumes pending work after a process start. It is
// the only place that derives from stored state alone whether delivery
// must restart.
type StartupInitializer struct {
	queue   QueueChecker
	summary SummaryRunner
	uploads UploadRunner
	logger  *slog.Logger

	once sync.Once
	err  error
}

// NewStartupInitializer creates an initializer.
func NewStartupInitializer(queue QueueChecker, summary SummaryRunner, uploads UploadRunner, logger *slog.Logger) *StartupInitializer {
	return &StartupInitializer{queue: queue, summary: summary, uploads: uploads, logger: logger}
}

// EnsureRunningIfNeeded starts the summary observer and the worker when
// the queue holds unfinished work. Only the first call does anything;
// later calls return the first call's result.
func (s *StartupInitializer) EnsureRunningIfNeeded() error {
	s.once.Do(func() {
		pending, err := s.queue.HasQueued()
		if err != nil {
			s.err = fmt.Errorf("checking for pending uploads: %w", err)
			return
		}

		if !pending {
			s.logger.Debug("no pending uploads at startup")
			return
		}

		s.logger.Info("resuming pending uploads")
		s.summary.EnsureRunning()
		s.uploads.EnsureUploadRunning()
	})

	return s.err
}
