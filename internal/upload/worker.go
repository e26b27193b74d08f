package upload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/backend"
	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
	"github.com/alexjbarnes/photo-uploader/internal/state"
	"golang.org/x/sync/semaphore"
)

const (
	// defaultPollLease is how long a claimed status poll is hidden from
	// other claims. Longer than any single status request.
	defaultPollLease = 2 * time.Minute

	// idleRecheck is the longest the worker sleeps with nothing
	// scheduled, so completed entries still get purged.
	idleRecheck = 10 * time.Minute
)

// WorkerConfig tunes the delivery loop.
type WorkerConfig struct {
	Concurrency  int
	Backoff      Backoff
	PollInterval time.Duration
	PollMax      time.Duration
	PollLease    time.Duration

	// Retention is how long Completed entries are kept. Zero keeps them
	// until cleared.
	Retention time.Duration
}

// Worker drains the queue. Each claimed entry runs in its own goroutine,
// bounded by Concurrency; the store's atomic claim guarantees a key is
// never in flight twice.
type Worker struct {
	store  *state.Store
	api    API
	cfg    WorkerConfig
	logger *slog.Logger

	sem  *semaphore.Weighted
	wake chan struct{}
	now  func() time.Time

	mu          sync.Mutex
	inflight    map[contentkey.Key]context.CancelFunc
	onCompleted []func(state.Entry)

	running atomic.Bool
	passes  atomic.Int64
	wg      sync.WaitGroup
}

// NewWorker creates a worker. Zero config values fall back to defaults.
func NewWorker(store *state.Store, api API, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}

	if cfg.Backoff.MaxAttempts == 0 {
		cfg.Backoff = DefaultBackoff()
	}

	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}

	if cfg.PollMax < cfg.PollInterval {
		cfg.PollMax = cfg.PollInterval
	}

	if cfg.PollLease <= 0 {
		cfg.PollLease = defaultPollLease
	}

	return &Worker{
		store:    store,
		api:      api,
		cfg:      cfg,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		wake:     make(chan struct{}, 1),
		now:      time.Now,
		inflight: make(map[contentkey.Key]context.CancelFunc),
	}
}

// OnCompleted registers fn to be called after an entry completes.
func (w *Worker) OnCompleted(fn func(state.Entry)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.onCompleted = append(w.onCompleted, fn)
}

// Wake requests another pass. Calls made while a request is already
// pending collapse into one.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// Run drains the queue until ctx is done. Uploads left in flight by an
// earlier process are put back in the queue first. Run waits for its
// in-flight deliveries before returning.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("upload worker already running")
	}
	defer w.running.Store(false)
	defer w.wg.Wait()

	recovered, err := w.store.RecoverInterrupted(w.now())
	if err != nil {
		return err
	}

	for _, key := range recovered {
		w.logger.Info("resuming interrupted upload", slog.String("key", key.String()))
	}

	for {
		w.pass(ctx)

		timer := time.NewTimer(w.untilNextWake())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-w.wake:
		case <-timer.C:
		}

		timer.Stop()
	}
}

// pass claims eligible entries until none remain or ctx is done.
func (w *Worker) pass(ctx context.Context) {
	w.passes.Add(1)

	for {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			return
		}

		entry, ok, err := w.store.ClaimSkipping(w.now(), w.cfg.PollLease, w.busy)
		if err != nil {
			w.sem.Release(1)
			w.logTransitionError("claiming next upload", "", err)

			break
		}

		if !ok {
			w.sem.Release(1)
			break
		}

		taskCtx, cancel := context.WithCancel(ctx)
		w.track(entry.Key, cancel)

		w.wg.Add(1)

		go func() {
			defer w.wg.Done()
			// Runs after untrack so a key skipped while this delivery
			// unwound is claimed on the next pass.
			defer w.Wake()
			defer w.sem.Release(1)
			defer w.untrack(entry.Key)
			defer cancel()

			w.process(taskCtx, entry)
		}()
	}

	if w.cfg.Retention > 0 {
		n, err := w.store.PurgeCompleted(w.now().Add(-w.cfg.Retention))
		if err != nil {
			w.logger.Warn("purging completed uploads", slog.String("error", err.Error()))
		} else if n > 0 {
			w.logger.Debug("purged completed uploads", slog.Int("count", n))
		}
	}
}

// untilNextWake returns how long to sleep before the earliest scheduled
// retry or poll.
func (w *Worker) untilNextWake() time.Duration {
	at, ok, err := w.store.NextWakeSkipping(w.busy)
	if err != nil {
		w.logger.Warn("reading next wake time", slog.String("error", err.Error()))
		return w.cfg.Backoff.Base
	}

	if !ok {
		return idleRecheck
	}

	return min(max(at.Sub(w.now()), 0), idleRecheck)
}

// track records the cancel func of a claimed key. Claims skip busy
// keys, so a key is never tracked twice.
func (w *Worker) track(key contentkey.Key, cancel context.CancelFunc) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.inflight[key] = cancel
}

// busy reports whether a delivery for key is still running, including
// one that was cancelled and has not returned yet.
func (w *Worker) busy(key contentkey.Key) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	_, ok := w.inflight[key]

	return ok
}

func (w *Worker) untrack(key contentkey.Key) {
	w.mu.Lock()
	defer w.mu.Unlock()

	delete(w.inflight, key)
}

// InFlight returns the number of deliveries currently running.
func (w *Worker) InFlight() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	return len(w.inflight)
}

// Cancel marks key cancelled and aborts its in-flight request. The store
// transition happens first so a response racing the cancel cannot move
// the entry forward.
func (w *Worker) Cancel(key contentkey.Key) (state.Entry, error) {
	entry, err := w.store.MarkCancelled(key)
	if err != nil {
		return entry, err
	}

	w.abort(key)

	return entry, nil
}

// CancelAll cancels every cancellable entry and aborts their requests.
func (w *Worker) CancelAll() ([]contentkey.Key, error) {
	keys, err := w.store.CancelAll()
	if err != nil {
		return nil, err
	}

	for _, key := range keys {
		w.abort(key)
	}

	return keys, nil
}

func (w *Worker) abort(key contentkey.Key) {
	w.mu.Lock()
	cancel := w.inflight[key]
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

func (w *Worker) process(ctx context.Context, entry state.Entry) {
	switch entry.Status {
	case state.StatusUploading:
		w.deliver(ctx, entry)
	case state.StatusAwaitingStatus:
		w.poll(ctx, entry)
	default:
		w.logger.Error("claimed entry in unexpected state",
			slog.String("key", entry.Key.String()),
			slog.String("status", string(entry.Status)),
		)
	}
}

// deliver uploads the entry's bytes and records acceptance.
func (w *Worker) deliver(ctx context.Context, entry state.Entry) {
	log := w.logger.With(slog.String("key", entry.Key.String()))

	f, err := os.Open(entry.Source)
	if err != nil {
		w.fail(entry, fmt.Errorf("%w: %w", apperrors.ErrUnreadableSource, err), false, 0)
		return
	}
	defer f.Close()

	if info, err := f.Stat(); err != nil || info.Size() != entry.Size {
		w.fail(entry, fmt.Errorf("%w: file changed since it was queued", apperrors.ErrUnreadableSource), false, 0)
		return
	}

	log.Debug("uploading",
		slog.String("source", entry.Source),
		slog.Int64("size", entry.Size),
		slog.Int("attempt", entry.AttemptCount),
	)

	res, err := w.api.Upload(ctx, backend.UploadRequest{
		IdempotencyKey: entry.Key.String(),
		ContentSHA256:  entry.Key.Digest(),
		HasGPS:         string(entry.HasGPS),
		EXIFSource:     string(entry.EXIFSource),
		Body:           f,
		Size:           entry.Size,
	})
	if err != nil {
		w.handleError(ctx, entry, err)
		return
	}

	w.recordQuota(res.OCRRemainingPercent)

	uploadID := res.UploadID
	if res.Duplicate || uploadID == "" {
		log.Info("upload already known to server, resolving by key")

		found, err := w.api.LookupByKey(ctx, entry.Key.String())
		if err != nil {
			w.handleError(ctx, entry, err)
			return
		}

		uploadID = found.UploadID
	}

	if _, err := w.store.MarkAwaitingStatus(entry.Key, uploadID, res.OCRRemainingPercent, w.now()); err != nil {
		w.logTransitionError("recording accepted upload", entry.Key, err)
		return
	}

	log.Info("upload accepted", slog.String("upload_id", uploadID))
}

// poll queries processing status for an accepted upload.
func (w *Worker) poll(ctx context.Context, entry state.Entry) {
	log := w.logger.With(slog.String("key", entry.Key.String()), slog.String("upload_id", entry.RemoteUploadID))

	res, err := w.api.Status(ctx, entry.RemoteUploadID)
	if err != nil {
		switch {
		case ctx.Err() != nil:
			// Shutting down; the poll lease expires and it is retried.
		case backend.IsTransient(err):
			delay := max(pollDelay(entry.PollCount, w.cfg.PollInterval, w.cfg.PollMax), backend.RetryAfter(err))
			log.Debug("status poll failed, will retry", slog.String("error", err.Error()), slog.Duration("delay", delay))

			if _, err := w.store.SchedulePoll(entry.Key, w.now().Add(delay), nil); err != nil {
				w.logTransitionError("rescheduling status poll", entry.Key, err)
			}
		default:
			w.fail(entry, err, false, 0)
		}

		return
	}

	w.recordQuota(res.OCRRemainingPercent)

	switch res.Outcome() {
	case backend.OutcomeDone:
		done, err := w.store.MarkCompleted(entry.Key, res.OCRRemainingPercent)
		if err != nil {
			w.logTransitionError("completing upload", entry.Key, err)
			return
		}

		log.Info("upload completed")
		w.notifyCompleted(done)
	case backend.OutcomeFailed:
		cause := errors.New(res.FailureReason())
		if res.Retryable {
			w.retryOrFail(entry, cause, 0)
		} else {
			w.fail(entry, cause, false, 0)
		}
	default:
		delay := pollDelay(entry.PollCount, w.cfg.PollInterval, w.cfg.PollMax)
		if _, err := w.store.SchedulePoll(entry.Key, w.now().Add(delay), res.OCRRemainingPercent); err != nil {
			w.logTransitionError("rescheduling status poll", entry.Key, err)
		}
	}
}

// handleError classifies an upload-phase failure.
func (w *Worker) handleError(ctx context.Context, entry state.Entry, err error) {
	if ctx.Err() != nil {
		// Cancelled by the user (already recorded) or shutting down, in
		// which case the entry stays Uploading and is recovered on the
		// next start.
		w.logger.Debug("upload interrupted", slog.String("key", entry.Key.String()), slog.String("error", err.Error()))
		return
	}

	if !backend.IsTransient(err) {
		w.fail(entry, err, false, 0)
		return
	}

	if errors.Is(err, apperrors.ErrQuotaExceeded) {
		w.logger.Warn("processing quota exceeded, upload will retry", slog.String("key", entry.Key.String()))
	}

	w.retryOrFail(entry, err, backend.RetryAfter(err))
}

// retryOrFail schedules a retry with backoff, or fails the entry for
// good once the attempt cap is reached. The delay is at least minDelay.
func (w *Worker) retryOrFail(entry state.Entry, cause error, minDelay time.Duration) {
	attempts := entry.AttemptsSinceRetry()
	if w.cfg.Backoff.Exhausted(attempts) {
		w.fail(entry, fmt.Errorf("giving up after %d attempts: %w", attempts, cause), false, 0)
		return
	}

	delay := max(w.cfg.Backoff.Delay(attempts, entry.RetryDelay), minDelay)
	w.fail(entry, cause, true, delay)
}

func (w *Worker) fail(entry state.Entry, cause error, retryable bool, delay time.Duration) {
	var next time.Time
	if retryable {
		next = w.now().Add(delay)
	}

	if _, err := w.store.MarkFailed(entry.Key, cause.Error(), retryable, next, delay); err != nil {
		w.logTransitionError("recording upload failure", entry.Key, err)
		return
	}

	attrs := []any{
		slog.String("key", entry.Key.String()),
		slog.String("error", cause.Error()),
		slog.Bool("retryable", retryable),
	}

	if retryable {
		w.logger.Info("upload failed, will retry", append(attrs, slog.Duration("delay", delay))...)
	} else {
		w.logger.Warn("upload failed", attrs...)
	}
}

// logTransitionError logs store errors. A transition rejected because
// the user cancelled the entry mid-flight is expected; anything else
// means the store was mutated outside the delivery protocol.
func (w *Worker) logTransitionError(msg string, key contentkey.Key, err error) {
	if key != "" && errors.Is(err, apperrors.ErrInvalidTransition) {
		if e, getErr := w.store.Get(key); getErr == nil && e.Status == state.StatusCancelled {
			w.logger.Debug("entry cancelled during delivery", slog.String("key", key.String()))
			return
		}
	}

	w.logger.Error(msg, slog.String("key", key.String()), slog.String("error", err.Error()))
}

func (w *Worker) recordQuota(percent *int) {
	if percent == nil {
		return
	}

	stored, err := w.store.SetQuota(*percent)
	if err != nil {
		w.logger.Warn("saving OCR quota", slog.String("error", err.Error()))
		return
	}

	if stored == 0 {
		w.logger.Warn("OCR quota exhausted", slog.String("error", apperrors.ErrQuotaExceeded.Error()))
	}
}

func (w *Worker) notifyCompleted(e state.Entry) {
	w.mu.Lock()
	fns := append([]func(state.Entry){}, w.onCompleted...)
	w.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}
