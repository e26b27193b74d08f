package state

import (
	"fmt"
	"slices"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
	bolt "go.etcd.io/bbolt"
)

// Enqueue adds a Queued entry for key. When a live entry already exists
// it is returned unchanged and created is false.
func (s *Store) Enqueue(key contentkey.Key, adm Admission) (entry Entry, created bool, err error) {
	err = s.update(func(b *bolt.Bucket) error {
		existing, err := getEntry(b, []byte(key))
		if err != nil {
			return err
		}

		if existing != nil {
			entry = *existing
			return nil
		}

		now := s.now()
		if adm.HasGPS == "" {
			adm.HasGPS = GPSUnknown
		}

		if adm.EXIFSource == "" {
			adm.EXIFSource = EXIFOriginal
		}

		entry = Entry{
			Key:            key,
			Source:         adm.Source,
			Size:           adm.Size,
			HasGPS:         adm.HasGPS,
			EXIFSource:     adm.EXIFSource,
			Status:         StatusQueued,
			NextEligibleAt: now,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		created = true

		return putEntry(b, &entry)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("enqueueing %s: %w", key, err)
	}

	return entry, created, nil
}

// Get returns the entry for key or ErrEntryNotFound.
func (s *Store) Get(key contentkey.Key) (Entry, error) {
	var entry Entry

	err := s.view(func(b *bolt.Bucket) error {
		e, err := getEntry(b, []byte(key))
		if err != nil {
			return err
		}

		if e == nil {
			return fmt.Errorf("%s: %w", key, apperrors.ErrEntryNotFound)
		}

		entry = *e

		return nil
	})

	return entry, err
}

// List returns all entries, oldest admission first.
func (s *Store) List() ([]Entry, error) {
	var entries []Entry

	err := s.view(func(b *bolt.Bucket) error {
		return forEachEntry(b, func(e *Entry) error {
			entries = append(entries, *e)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})

	return entries, nil
}

// HasQueued reports whether any entry still needs delivery work:
// Queued, Uploading, AwaitingStatus or a Failed entry waiting to retry.
func (s *Store) HasQueued() (bool, error) {
	found := false

	err := s.view(func(b *bolt.Bucket) error {
		return forEachEntry(b, func(e *Entry) error {
			if e.Pending() {
				found = true
			}

			return nil
		})
	})

	return found, err
}

// NextEligible returns the eligible entry with the oldest
// NextEligibleAt. ok is false when nothing is ready at now.
func (s *Store) NextEligible(now time.Time) (entry Entry, ok bool, err error) {
	err = s.view(func(b *bolt.Bucket) error {
		e, err := nextEligible(b, now, nil)
		if err != nil || e == nil {
			return err
		}

		entry, ok = *e, true

		return nil
	})

	return entry, ok, err
}

// nextEligible picks the oldest eligible entry. Keys for which skip
// returns true are ignored.
func nextEligible(b *bolt.Bucket, now time.Time, skip func(contentkey.Key) bool) (*Entry, error) {
	var best *Entry

	err := forEachEntry(b, func(e *Entry) error {
		if !e.Eligible(now) || (skip != nil && skip(e.Key)) {
			return nil
		}

		if best == nil || e.NextEligibleAt.Before(best.NextEligibleAt) ||
			(e.NextEligibleAt.Equal(best.NextEligibleAt) && e.CreatedAt.Before(best.CreatedAt)) {
			best = e
		}

		return nil
	})

	return best, err
}

// NextWake returns the earliest NextEligibleAt among pending entries
// that are not currently uploading. ok is false when there is none.
func (s *Store) NextWake() (at time.Time, ok bool, err error) {
	return s.NextWakeSkipping(nil)
}

// NextWakeSkipping is NextWake ignoring keys for which skip returns true.
func (s *Store) NextWakeSkipping(skip func(contentkey.Key) bool) (at time.Time, ok bool, err error) {
	err = s.view(func(b *bolt.Bucket) error {
		return forEachEntry(b, func(e *Entry) error {
			if !e.Pending() || e.Status == StatusUploading || (skip != nil && skip(e.Key)) {
				return nil
			}

			if !ok || e.NextEligibleAt.Before(at) {
				at, ok = e.NextEligibleAt, true
			}

			return nil
		})
	})

	return at, ok, err
}

// Claim atomically takes the next eligible entry for the worker. Queued
// and retryable Failed entries move to Uploading with their attempt
// count incremented. AwaitingStatus entries stay in place but have
// NextEligibleAt pushed out by pollLease so no other caller claims the
// same poll. ok is false when nothing is eligible.
func (s *Store) Claim(now time.Time, pollLease time.Duration) (entry Entry, ok bool, err error) {
	return s.ClaimSkipping(now, pollLease, nil)
}

// ClaimSkipping is Claim ignoring keys for which skip returns true. The
// worker uses it to leave alone keys whose previous delivery is still
// unwinding. skip runs inside the write transaction.
func (s *Store) ClaimSkipping(now time.Time, pollLease time.Duration, skip func(contentkey.Key) bool) (entry Entry, ok bool, err error) {
	err = s.update(func(b *bolt.Bucket) error {
		e, err := nextEligible(b, now, skip)
		if err != nil || e == nil {
			return err
		}

		if e.Status == StatusAwaitingStatus {
			e.NextEligibleAt = now.Add(pollLease)
			e.UpdatedAt = s.now()
		} else if err := toUploading(e, now, s.now()); err != nil {
			return err
		}

		entry, ok = *e, true

		return putEntry(b, e)
	})
	if err != nil {
		return Entry{}, false, fmt.Errorf("claiming upload: %w", err)
	}

	return entry, ok, nil
}

func toUploading(e *Entry, attemptAt, now time.Time) error {
	if err := checkTransition(e, StatusUploading); err != nil {
		return err
	}

	e.Status = StatusUploading
	e.AttemptCount++
	e.LastAttemptAt = attemptAt
	e.UpdatedAt = now

	return nil
}

// transition loads key, applies fn and stores the result.
func (s *Store) transition(key contentkey.Key, fn func(e *Entry) error) (Entry, error) {
	var out Entry

	err := s.update(func(b *bolt.Bucket) error {
		e, err := getEntry(b, []byte(key))
		if err != nil {
			return err
		}

		if e == nil {
			return fmt.Errorf("%s: %w", key, apperrors.ErrEntryNotFound)
		}

		if err := fn(e); err != nil {
			return err
		}

		e.UpdatedAt = s.now()
		out = *e

		return putEntry(b, e)
	})

	return out, err
}

// MarkUploading moves a Queued or retryable Failed entry to Uploading.
func (s *Store) MarkUploading(key contentkey.Key) (Entry, error) {
	return s.transition(key, func(e *Entry) error {
		return toUploading(e, s.now(), s.now())
	})
}

// MarkAwaitingStatus records the backend's acceptance of an upload.
// The first status poll is due at firstPoll.
func (s *Store) MarkAwaitingStatus(key contentkey.Key, remoteUploadID string, ocr *int, firstPoll time.Time) (Entry, error) {
	if remoteUploadID == "" {
		return Entry{}, fmt.Errorf("marking %s awaiting status: empty remote upload id", key)
	}

	return s.transition(key, func(e *Entry) error {
		if err := checkTransition(e, StatusAwaitingStatus); err != nil {
			return err
		}

		e.Status = StatusAwaitingStatus
		e.RemoteUploadID = remoteUploadID
		e.FailureReason = ""
		e.Retryable = false
		e.RetryDelay = 0
		e.PollCount = 0
		e.NextEligibleAt = firstPoll
		setOCR(e, ocr)

		return nil
	})
}

// SchedulePoll keeps an AwaitingStatus entry waiting and sets the time
// of its next status poll.
func (s *Store) SchedulePoll(key contentkey.Key, next time.Time, ocr *int) (Entry, error) {
	return s.transition(key, func(e *Entry) error {
		if e.Status != StatusAwaitingStatus {
			return &TransitionError{Key: e.Key, From: e.Status, To: StatusAwaitingStatus}
		}

		e.PollCount++
		e.NextEligibleAt = next
		setOCR(e, ocr)

		return nil
	})
}

// MarkCompleted finishes an entry the backend reported as processed.
func (s *Store) MarkCompleted(key contentkey.Key, ocr *int) (Entry, error) {
	return s.transition(key, func(e *Entry) error {
		if err := checkTransition(e, StatusCompleted); err != nil {
			return err
		}

		e.Status = StatusCompleted
		setOCR(e, ocr)

		return nil
	})
}

// MarkFailed records a failed attempt. Retryable failures become
// eligible again at nextEligibleAt, which never moves backwards; delay
// is the backoff that produced it. The remote upload id is dropped so a
// retry resolves it again through the backend.
func (s *Store) MarkFailed(key contentkey.Key, reason string, retryable bool, nextEligibleAt time.Time, delay time.Duration) (Entry, error) {
	return s.transition(key, func(e *Entry) error {
		if err := checkTransition(e, StatusFailed); err != nil {
			return err
		}

		e.Status = StatusFailed
		e.FailureReason = reason
		e.Retryable = retryable
		e.RemoteUploadID = ""

		if retryable {
			if nextEligibleAt.Before(e.NextEligibleAt) {
				nextEligibleAt = e.NextEligibleAt
			}

			e.NextEligibleAt = nextEligibleAt
			e.RetryDelay = max(delay, e.RetryDelay)
		}

		return nil
	})
}

// MarkCancelled cancels a Queued, Uploading or Failed entry. Cancelling
// an already cancelled entry is a no-op.
func (s *Store) MarkCancelled(key contentkey.Key) (Entry, error) {
	return s.transition(key, func(e *Entry) error {
		if e.Status == StatusCancelled {
			return nil
		}

		if err := checkTransition(e, StatusCancelled); err != nil {
			return err
		}

		e.Status = StatusCancelled
		e.Retryable = false

		return nil
	})
}

// Retry puts a Failed or Cancelled entry back in the queue, eligible
// immediately. The attempt cap restarts from the current attempt count.
func (s *Store) Retry(key contentkey.Key) (Entry, error) {
	return s.transition(key, func(e *Entry) error {
		if e.Status != StatusFailed && e.Status != StatusCancelled {
			return &TransitionError{Key: e.Key, From: e.Status, To: StatusQueued}
		}

		e.Status = StatusQueued
		e.FailureReason = ""
		e.Retryable = false
		e.RetryDelay = 0
		e.AttemptBase = e.AttemptCount
		e.NextEligibleAt = s.now()

		return nil
	})
}

// CancelAll cancels every Queued, Uploading and Failed entry and returns
// their keys.
func (s *Store) CancelAll() ([]contentkey.Key, error) {
	var keys []contentkey.Key

	err := s.update(func(b *bolt.Bucket) error {
		var victims []*Entry

		err := forEachEntry(b, func(e *Entry) error {
			if checkTransition(e, StatusCancelled) == nil {
				victims = append(victims, e)
			}

			return nil
		})
		if err != nil {
			return err
		}

		now := s.now()
		for _, e := range victims {
			e.Status = StatusCancelled
			e.Retryable = false
			e.UpdatedAt = now

			if err := putEntry(b, e); err != nil {
				return err
			}

			keys = append(keys, e.Key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("cancelling all uploads: %w", err)
	}

	return keys, nil
}

// RecoverInterrupted moves Uploading entries last touched before the
// given time back to Queued. These belong to a process that died mid
// upload; the attempt count is kept.
func (s *Store) RecoverInterrupted(before time.Time) ([]contentkey.Key, error) {
	var keys []contentkey.Key

	err := s.update(func(b *bolt.Bucket) error {
		var stuck []*Entry

		err := forEachEntry(b, func(e *Entry) error {
			if e.Status == StatusUploading && e.UpdatedAt.Before(before) {
				stuck = append(stuck, e)
			}

			return nil
		})
		if err != nil {
			return err
		}

		now := s.now()
		for _, e := range stuck {
			e.Status = StatusQueued
			e.NextEligibleAt = now
			e.UpdatedAt = now

			if err := putEntry(b, e); err != nil {
				return err
			}

			keys = append(keys, e.Key)
		}

		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("recovering interrupted uploads: %w", err)
	}

	return keys, nil
}

// Clear removes a finished entry. Entries still in flight cannot be
// cleared.
func (s *Store) Clear(key contentkey.Key) error {
	return s.update(func(b *bolt.Bucket) error {
		e, err := getEntry(b, []byte(key))
		if err != nil {
			return err
		}

		if e == nil {
			return fmt.Errorf("%s: %w", key, apperrors.ErrEntryNotFound)
		}

		if !e.Finished() {
			return &TransitionError{Key: e.Key, From: e.Status, To: "cleared"}
		}

		return b.Delete([]byte(key))
	})
}

// ClearFinished removes every Completed, Cancelled and Failed entry.
func (s *Store) ClearFinished() (int, error) {
	return s.purge(func(e *Entry) bool { return e.Finished() })
}

// PurgeCompleted removes Completed entries last updated before cutoff.
func (s *Store) PurgeCompleted(cutoff time.Time) (int, error) {
	return s.purge(func(e *Entry) bool {
		return e.Status == StatusCompleted && e.UpdatedAt.Before(cutoff)
	})
}

func (s *Store) purge(match func(e *Entry) bool) (int, error) {
	var n int

	err := s.update(func(b *bolt.Bucket) error {
		var doomed [][]byte

		err := forEachEntry(b, func(e *Entry) error {
			if match(e) {
				doomed = append(doomed, []byte(e.Key))
			}

			return nil
		})
		if err != nil {
			return err
		}

		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		n = len(doomed)

		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging uploads: %w", err)
	}

	return n, nil
}

func setOCR(e *Entry, ocr *int) {
	if ocr == nil {
		return
	}

	v := ClampPercent(*ocr)
	e.OCRRemainingPercent = &v
}
