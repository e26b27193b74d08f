package state

import (
	"fmt"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
)

// Status is the delivery state of an upload entry.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusUploading      Status = "uploading"
	StatusAwaitingStatus Status = "awaiting_status"
	StatusCompleted      Status = "completed"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
)

// GPSPresence is the X-Has-GPS header value recorded at admission.
type GPSPresence string

const (
	GPSPresent GPSPresence = "true"
	GPSAbsent  GPSPresence = "false"
	GPSUnknown GPSPresence = "unknown"
)

// EXIFSource is the X-EXIF-Source header value recorded at admission.
type EXIFSource string

const (
	EXIFOriginal   EXIFSource = "original"
	EXIFAnonymized EXIFSource = "anonymized"
)

// Admission describes a file being added to the queue.
type Admission struct {
	Source     string      `json:"source"`
	Size       int64       `json:"size"`
	HasGPS     GPSPresence `json:"has_gps"`
	EXIFSource EXIFSource  `json:"exif_source"`
}

// Entry is one pending or finished upload. Key is the content key and
// never changes. RemoteUploadID is only set in AwaitingStatus and
// Completed.
type Entry struct {
	Key        contentkey.Key `json:"key"`
	Source     string         `json:"source"`
	Size       int64          `json:"size"`
	HasGPS     GPSPresence    `json:"has_gps"`
	EXIFSource EXIFSource     `json:"exif_source"`

	Status        Status `json:"status"`
	FailureReason string `json:"failure_reason,omitempty"`
	Retryable     bool   `json:"retryable,omitempty"`

	// AttemptCount counts upload attempts and never decreases.
	// AttemptBase is AttemptCount at the last manual retry; the attempt
	// cap applies to the difference.
	AttemptCount   int           `json:"attempt_count"`
	AttemptBase    int           `json:"attempt_base,omitempty"`
	PollCount      int           `json:"poll_count,omitempty"`
	LastAttemptAt  time.Time     `json:"last_attempt_at,omitzero"`
	NextEligibleAt time.Time     `json:"next_eligible_at"`
	RetryDelay     time.Duration `json:"retry_delay,omitempty"`

	RemoteUploadID      string `json:"remote_upload_id,omitempty"`
	OCRRemainingPercent *int   `json:"ocr_remaining_percent,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AttemptsSinceRetry returns the attempts counted against the cap.
func (e Entry) AttemptsSinceRetry() int {
	return e.AttemptCount - e.AttemptBase
}

// Pending reports whether the entry still needs work from the worker.
// Failed entries waiting for a retry count as pending.
func (e Entry) Pending() bool {
	switch e.Status {
	case StatusQueued, StatusUploading, StatusAwaitingStatus:
		return true
	case StatusFailed:
		return e.Retryable
	default:
		return false
	}
}

// Finished reports whether the entry can be cleared.
func (e Entry) Finished() bool {
	return e.Status == StatusCompleted || e.Status == StatusCancelled || e.Status == StatusFailed
}

// Eligible reports whether the worker may act on the entry at now.
func (e Entry) Eligible(now time.Time) bool {
	switch e.Status {
	case StatusQueued, StatusAwaitingStatus:
	case StatusFailed:
		if !e.Retryable {
			return false
		}
	default:
		return false
	}

	return !e.NextEligibleAt.After(now)
}

// TransitionError reports a state change that is not legal from the
// entry's current status.
type TransitionError struct {
	Key  contentkey.Key
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s: %s", e.Key, e.From, e.To, apperrors.ErrInvalidTransition)
}

func (e *TransitionError) Unwrap() error { return apperrors.ErrInvalidTransition }

// legalFrom lists the statuses each target status may be entered from.
var legalFrom = map[Status][]Status{
	StatusQueued:         {StatusUploading, StatusFailed, StatusCancelled},
	StatusUploading:      {StatusQueued, StatusFailed},
	StatusAwaitingStatus: {StatusUploading},
	StatusCompleted:      {StatusAwaitingStatus},
	StatusFailed:         {StatusUploading, StatusAwaitingStatus},
	StatusCancelled:      {StatusQueued, StatusUploading, StatusFailed},
}

func checkTransition(e *Entry, to Status) error {
	for _, from := range legalFrom[to] {
		if e.Status != from {
			continue
		}
		// Only retryable failures may be picked up again automatically.
		if to == StatusUploading && from == StatusFailed && !e.Retryable {
			break
		}

		return nil
	}

	return &TransitionError{Key: e.Key, From: e.Status, To: to}
}

// Summary is the aggregate view of the queue. Queued includes failed
// entries waiting for a retry, Uploading includes entries awaiting
// server-side processing and Failed counts terminal failures.
type Summary struct {
	Queued    int `json:"queued" yaml:"queued"`
	Uploading int `json:"uploading" yaml:"uploading"`
	Failed    int `json:"failed" yaml:"failed"`
	Completed int `json:"completed" yaml:"completed"`
	Cancelled int `json:"cancelled" yaml:"cancelled"`
}

// Active is the number of entries that still need delivery work.
func (s Summary) Active() int { return s.Queued + s.Uploading }

// Total counts every entry that is or was part of the current batch.
func (s Summary) Total() int { return s.Active() + s.Completed + s.Failed }

func (s *Summary) add(e *Entry) {
	switch e.Status {
	case StatusQueued:
		s.Queued++
	case StatusUploading, StatusAwaitingStatus:
		s.Uploading++
	case StatusFailed:
		if e.Retryable {
			s.Queued++
		} else {
			s.Failed++
		}
	case StatusCompleted:
		s.Completed++
	case StatusCancelled:
		s.Cancelled++
	}
}
