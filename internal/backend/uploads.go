package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
)

// Headers carried by upload requests.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderContentSHA256  = "X-Content-SHA256"
	HeaderHasGPS         = "X-Has-GPS"
	HeaderEXIFSource     = "X-EXIF-Source"
)

// Remote processing states reported by the status endpoint.
const (
	RemoteQueued     = "queued"
	RemoteProcessing = "processing"
	RemoteDone       = "done"
	RemoteFailed     = "failed"
)

// UploadRequest is one POST /uploads call.
type UploadRequest struct {
	IdempotencyKey string
	ContentSHA256  string
	HasGPS         string
	EXIFSource     string
	Body           io.Reader
	Size           int64
}

// UploadResult is the backend's answer to an upload. Duplicate is set
// when the key was already submitted; UploadID may then be empty and
// must be resolved with LookupByKey.
type UploadResult struct {
	UploadID            string `json:"upload_id"`
	Status              string `json:"status"`
	OCRRemainingPercent *int   `json:"ocr_remaining_percent,omitempty"`
	Duplicate           bool   `json:"-"`
}

// StatusResult is the body of GET /uploads/{id}/status. Retryable is
// the server's classification of a processing failure.
type StatusResult struct {
	Status              string `json:"status"`
	Processed           bool   `json:"processed"`
	Error               string `json:"error,omitempty"`
	Retryable           bool   `json:"retryable,omitempty"`
	OCRRemainingPercent *int   `json:"ocr_remaining_percent,omitempty"`
}

// Outcome is the resolved meaning of a StatusResult.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeDone
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDone:
		return "done"
	case OutcomeFailed:
		return "failed"
	default:
		return "pending"
	}
}

// Outcome maps the reported status onto pending, done or failed. Known
// status strings win; otherwise an error means failed and processed
// without an error means done.
func (r StatusResult) Outcome() Outcome {
	switch strings.ToLower(r.Status) {
	case RemoteQueued, RemoteProcessing:
		return OutcomePending
	case RemoteDone:
		return OutcomeDone
	case RemoteFailed:
		return OutcomeFailed
	}

	switch {
	case r.Error != "":
		return OutcomeFailed
	case r.Processed:
		return OutcomeDone
	default:
		return OutcomePending
	}
}

// FailureReason returns a reason for a failed outcome.
func (r StatusResult) FailureReason() string {
	if r.Error != "" {
		return r.Error
	}

	return "remote processing failed"
}

// KeyLookup is the body of GET /uploads/by-key/{key}.
type KeyLookup struct {
	UploadID string `json:"upload_id"`
	Status   string `json:"status"`
}

// Upload sends the photo bytes. A 409 conflict is not an error: it
// yields a Duplicate result and the bytes are not resent.
func (c *Client) Upload(ctx context.Context, r UploadRequest) (*UploadResult, error) {
	ep := c.ep.Load()

	body := r.Body
	if c.limiter != nil {
		body = &throttledReader{ctx: ctx, r: body, limiter: c.limiter}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.resolve("uploads"), body)
	if err != nil {
		return nil, fmt.Errorf("creating upload request: %w", err)
	}

	req.ContentLength = r.Size
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderIdempotencyKey, r.IdempotencyKey)
	req.Header.Set(HeaderContentSHA256, r.ContentSHA256)

	if r.HasGPS != "" {
		req.Header.Set(HeaderHasGPS, r.HasGPS)
	}

	if r.EXIFSource != "" {
		req.Header.Set(HeaderEXIFSource, r.EXIFSource)
	}

	resp, respBody, err := ep.do(ctx, req, "upload")
	if err != nil {
		return nil, err
	}

	result := &UploadResult{}

	switch {
	case resp.StatusCode == http.StatusConflict:
		// The body is optional on conflicts; ignore decode failures.
		_ = json.Unmarshal(respBody, result)
		result.Duplicate = true

		return result, nil
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := json.Unmarshal(respBody, result); err != nil {
			return nil, &TransientError{Err: fmt.Errorf("decoding upload response: %w", err)}
		}

		// A 2xx that already reports failure is a rejection, not an
		// acceptance to poll.
		if strings.EqualFold(result.Status, RemoteFailed) {
			return nil, &RejectedError{StatusCode: resp.StatusCode, Message: errorMessage(respBody), Kind: apperrors.ErrServerRejected}
		}

		return result, nil
	default:
		return nil, classify("upload", resp, respBody, time.Now())
	}
}

// Status fetches the processing status of an accepted upload. A 404 is
// a RejectedError wrapping ErrNotFound.
func (c *Client) Status(ctx context.Context, uploadID string) (*StatusResult, error) {
	var result StatusResult
	if err := c.getJSON(ctx, "status", &result, "uploads", uploadID, "status"); err != nil {
		return nil, err
	}

	return &result, nil
}

// LookupByKey resolves the upload id for an idempotency key that the
// backend has already seen.
func (c *Client) LookupByKey(ctx context.Context, key string) (*KeyLookup, error) {
	var result KeyLookup
	if err := c.getJSON(ctx, "lookup", &result, "uploads", "by-key", key); err != nil {
		return nil, err
	}

	if result.UploadID == "" {
		return nil, &TransientError{Err: fmt.Errorf("lookup of %s returned no upload id", key)}
	}

	return &result, nil
}

func (c *Client) getJSON(ctx context.Context, name string, out any, segments ...string) error {
	// The per-call deadline is a transient failure, unlike cancellation
	// of ctx itself, so do() is handed the parent context.
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ep := c.ep.Load()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, ep.resolve(segments...), nil)
	if err != nil {
		return fmt.Errorf("creating %s request: %w", name, err)
	}

	req.Header.Set("Accept", "application/json")

	resp, body, err := ep.do(ctx, req, name)
	if err != nil {
		return err
	}

	if resp.StatusCode != http.StatusOK {
		return classify(name, resp, body, time.Now())
	}

	if err := json.Unmarshal(body, out); err != nil {
		return &TransientError{Err: fmt.Errorf("decoding %s response: %w", name, err)}
	}

	return nil
}

// parseRetryAfter reads a Retry-After value given either as seconds or
// as an HTTP date. Unparseable or past values yield zero.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}

	if secs, err := strconv.ParseInt(v, 10, 64); err == nil {
		if secs <= 0 {
			return 0
		}

		return time.Duration(secs) * time.Second
	}

	if at, err := http.ParseTime(v); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}

	return 0
}
