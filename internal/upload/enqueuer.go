package upload

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
	"github.com/alexjbarnes/photo-uploader/internal/state"
	units "github.com/docker/go-units"
	"golang.org/x/text/unicode/norm"
)

// Enqueuer admits files into the queue and keeps the worker scheduled.
// The worker goroutine is started lazily by the first
// EnsureUploadRunning after Start and then lives until the Start
// context is done.
type Enqueuer struct {
	store       *state.Store
	worker      *Worker
	summary     SummaryRunner
	maxFileSize int64
	logger      *slog.Logger

	mu      sync.Mutex
	ctx     context.Context
	running bool
	runErr  error
	wg      sync.WaitGroup
}

// NewEnqueuer creates an enqueuer. maxFileSize of zero disables the
// size cap.
func NewEnqueuer(store *state.Store, worker *Worker, summary SummaryRunner, maxFileSize int64, logger *slog.Logger) *Enqueuer {
	return &Enqueuer{
		store:       store,
		worker:      worker,
		summary:     summary,
		maxFileSize: maxFileSize,
		logger:      logger,
	}
}

// Start sets the context the worker runs under. Calls to
// EnsureUploadRunning made before Start only record a pending pass.
func (q *Enqueuer) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.ctx = ctx
}

// EnsureUploadRunning makes sure a delivery pass runs soon. Repeated
// calls while a pass is already pending result in one extra pass. It
// never blocks on the network.
func (q *Enqueuer) EnsureUploadRunning() {
	q.mu.Lock()
	if !q.running && q.ctx != nil && q.ctx.Err() == nil {
		q.running = true
		q.wg.Add(1)

		go q.run(q.ctx)
	}
	q.mu.Unlock()

	q.worker.Wake()
}

func (q *Enqueuer) run(ctx context.Context) {
	defer q.wg.Done()

	err := q.worker.Run(ctx)
	if err != nil {
		q.logger.Error("upload worker stopped", slog.String("error", err.Error()))
	}

	q.mu.Lock()
	q.running = false
	q.runErr = err
	q.mu.Unlock()
}

// Wait blocks until ctx is done and the worker, if started, has
// stopped. It returns the worker's error.
func (q *Enqueuer) Wait(ctx context.Context) error {
	<-ctx.Done()
	q.wg.Wait()

	q.mu.Lock()
	defer q.mu.Unlock()

	return q.runErr
}

// Admit hashes the file at path and adds it to the queue. Admitting the
// same content twice returns the existing entry with created false.
func (q *Enqueuer) Admit(_ context.Context, path string) (state.Entry, bool, error) {
	path, err := q.resolvePath(path)
	if err != nil {
		return state.Entry{}, false, err
	}

	info, err := os.Stat(path)
	if err != nil {
		return state.Entry{}, false, fmt.Errorf("%w: %w", apperrors.ErrUnreadableSource, err)
	}

	if !info.Mode().IsRegular() {
		return state.Entry{}, false, fmt.Errorf("%w: %s is not a regular file", apperrors.ErrUnreadableSource, path)
	}

	if q.maxFileSize > 0 && info.Size() > q.maxFileSize {
		return state.Entry{}, false, fmt.Errorf("%w: %s is %s, limit is %s",
			apperrors.ErrUnreadableSource, path,
			units.HumanSize(float64(info.Size())), units.HumanSize(float64(q.maxFileSize)))
	}

	key, size, err := contentkey.SumFile(path)
	if err != nil {
		return state.Entry{}, false, err
	}

	entry, created, err := q.store.Enqueue(key, state.Admission{
		Source:     path,
		Size:       size,
		HasGPS:     ProbeGPS(path),
		EXIFSource: state.EXIFOriginal,
	})
	if err != nil {
		return state.Entry{}, false, err
	}

	if created {
		q.logger.Info("upload queued",
			slog.String("key", key.String()),
			slog.String("source", path),
			slog.String("size", units.HumanSize(float64(size))),
		)
	} else {
		q.logger.Debug("content already queued", slog.String("key", key.String()), slog.String("source", path))
	}

	q.summary.EnsureRunning()
	q.EnsureUploadRunning()

	return entry, created, nil
}

// resolvePath makes path absolute and prefers its NFC form when both
// spellings name the same file.
func (q *Enqueuer) resolvePath(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("%w: %w", apperrors.ErrUnreadableSource, err)
	}

	nfc := norm.NFC.String(abs)
	if nfc == abs {
		return abs, nil
	}

	a, errA := os.Stat(abs)
	b, errB := os.Stat(nfc)

	if errA == nil && errB == nil && os.SameFile(a, b) {
		return nfc, nil
	}

	return abs, nil
}

// Retry puts a failed or cancelled entry back in the queue.
func (q *Enqueuer) Retry(key contentkey.Key) (state.Entry, error) {
	entry, err := q.store.Retry(key)
	if err != nil {
		return entry, err
	}

	q.summary.EnsureRunning()
	q.EnsureUploadRunning()

	return entry, nil
}

// Cancel stops the entry's in-flight request and marks it cancelled.
func (q *Enqueuer) Cancel(key contentkey.Key) (state.Entry, error) {
	return q.worker.Cancel(key)
}

// CancelAll cancels every unfinished entry that can still be cancelled.
func (q *Enqueuer) CancelAll() ([]contentkey.Key, error) {
	return q.worker.CancelAll()
}

// Clear removes a finished entry.
func (q *Enqueuer) Clear(key contentkey.Key) error {
	return q.store.Clear(key)
}

// ClearFinished removes every finished entry and returns how many.
func (q *Enqueuer) ClearFinished() (int, error) {
	return q.store.ClearFinished()
}

// Get returns the entry for key.
func (q *Enqueuer) Get(key contentkey.Key) (state.Entry, error) {
	return q.store.Get(key)
}

// List returns all entries, oldest first.
func (q *Enqueuer) List() ([]state.Entry, error) {
	return q.store.List()
}

// Summary returns the current aggregate counts.
func (q *Enqueuer) Summary() (state.Summary, error) {
	return q.store.Summary()
}

// ObserveSummary streams summary snapshots until ctx is done.
func (q *Enqueuer) ObserveSummary(ctx context.Context) <-chan state.Summary {
	return q.store.ObserveSummary(ctx)
}

// Quota returns the last OCR quota reported by the backend.
func (q *Enqueuer) Quota() (int, bool, error) {
	return q.store.Quota()
}
