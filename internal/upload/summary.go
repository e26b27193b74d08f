package upload

import (
	"context"
	"log/slog"
	"sync"

	"github.com/alexjbarnes/photo-uploader/internal/state"
)

// SummarySource is the live aggregate view of the queue.
type SummarySource interface {
	Summary() (state.Summary, error)
	ObserveSummary(ctx context.Context) <-chan state.Summary
}

// SummaryStarter keeps the indicator showing exactly while uploads are
// active. The observer goroutine stops itself once the queue goes idle
// and EnsureRunning starts a fresh one when work arrives again.
type SummaryStarter struct {
	source    SummarySource
	indicator Indicator
	logger    *slog.Logger

	mu      sync.Mutex
	parent  context.Context
	running bool
	wg      sync.WaitGroup
}

// NewSummaryStarter creates a starter. Observers are not started until
// Start has been called.
func NewSummaryStarter(source SummarySource, indicator Indicator, logger *slog.Logger) *SummaryStarter {
	return &SummaryStarter{source: source, indicator: indicator, logger: logger}
}

// Start sets the context observers run under.
func (s *SummaryStarter) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.parent = ctx
}

// EnsureRunning starts the observer unless one is already running.
func (s *SummaryStarter) EnsureRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running || s.parent == nil || s.parent.Err() != nil {
		return
	}

	s.running = true
	s.wg.Add(1)

	ctx, cancel := context.WithCancel(s.parent)

	go func() {
		defer s.wg.Done()
		defer cancel()

		s.observe(ctx)
	}()
}

// Running reports whether an observer is active.
func (s *SummaryStarter) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running
}

// Wait blocks until the current observer, if any, has exited.
func (s *SummaryStarter) Wait() {
	s.wg.Wait()
}

func (s *SummaryStarter) observe(ctx context.Context) {
	s.logger.Debug("summary observer started")

	for sum := range s.source.ObserveSummary(ctx) {
		if sum.Active() > 0 {
			s.indicator.Show(sum)
			continue
		}

		if s.stopIfIdle() {
			s.logger.Debug("summary observer stopped, queue idle")
			return
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.indicator.Hide()
}

// stopIfIdle re-reads the store under the lock so an EnsureRunning
// racing with the shutdown either sees running still set (and the
// re-check finds the new work) or starts a new observer after Hide.
func (s *SummaryStarter) stopIfIdle() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum, err := s.source.Summary()
	if err != nil {
		s.logger.Warn("reading upload summary", slog.String("error", err.Error()))
		return false
	}

	if sum.Active() > 0 {
		return false
	}

	s.running = false
	s.indicator.Hide()

	return true
}
