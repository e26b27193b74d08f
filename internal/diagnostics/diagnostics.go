// Package diagnostics exports a point-in-time YAML snapshot of the
// upload queue for bug reports.
package diagnostics

import (
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/state"
	"gopkg.in/yaml.v3"
)

// Source is what a snapshot is collected from.
type Source interface {
	Summary() (state.Summary, error)
	Quota() (int, bool, error)
	List() ([]state.Entry, error)
}

// Snapshot is the exported document.
type Snapshot struct {
	GeneratedAt         time.Time     `yaml:"generated_at"`
	Runtime             RuntimeInfo   `yaml:"runtime"`
	BaseURL             string        `yaml:"base_url,omitempty"`
	Summary             state.Summary `yaml:"summary"`
	OCRRemainingPercent *int          `yaml:"ocr_remaining_percent,omitempty"`
	Queue               []QueueItem   `yaml:"queue"`
}

// RuntimeInfo identifies the build and host platform.
type RuntimeInfo struct {
	GoVersion string `yaml:"go_version"`
	OS        string `yaml:"os"`
	Arch      string `yaml:"arch"`
}

// QueueItem is one entry in the snapshot. Source paths are reduced to
// their file name.
type QueueItem struct {
	Key            string     `yaml:"key"`
	Name           string     `yaml:"name"`
	Size           int64      `yaml:"size"`
	State          string     `yaml:"state"`
	Attempts       int        `yaml:"attempts"`
	Retryable      bool       `yaml:"retryable,omitempty"`
	FailureReason  string     `yaml:"failure_reason,omitempty"`
	RemoteUploadID string     `yaml:"remote_upload_id,omitempty"`
	HasGPS         string     `yaml:"has_gps"`
	NextEligibleAt *time.Time `yaml:"next_eligible_at,omitempty"`
	CreatedAt      time.Time  `yaml:"created_at"`
	UpdatedAt      time.Time  `yaml:"updated_at"`
}

// Collect builds a snapshot from src.
func Collect(src Source, baseURL string, now time.Time) (*Snapshot, error) {
	sum, err := src.Summary()
	if err != nil {
		return nil, fmt.Errorf("reading summary: %w", err)
	}

	entries, err := src.List()
	if err != nil {
		return nil, fmt.Errorf("listing uploads: %w", err)
	}

	snap := &Snapshot{
		GeneratedAt: now.UTC(),
		Runtime:     RuntimeInfo{GoVersion: runtime.Version(), OS: runtime.GOOS, Arch: runtime.GOARCH},
		BaseURL:     baseURL,
		Summary:     sum,
		Queue:       make([]QueueItem, 0, len(entries)),
	}

	if percent, ok, err := src.Quota(); err != nil {
		return nil, fmt.Errorf("reading quota: %w", err)
	} else if ok {
		snap.OCRRemainingPercent = &percent
	}

	for _, e := range entries {
		snap.Queue = append(snap.Queue, newQueueItem(e))
	}

	return snap, nil
}

func newQueueItem(e state.Entry) QueueItem {
	item := QueueItem{
		Key:            e.Key.String(),
		Name:           baseName(e.Source),
		Size:           e.Size,
		State:          string(e.Status),
		Attempts:       e.AttemptCount,
		Retryable:      e.Retryable,
		FailureReason:  e.FailureReason,
		RemoteUploadID: e.RemoteUploadID,
		HasGPS:         string(e.HasGPS),
		CreatedAt:      e.CreatedAt.UTC(),
		UpdatedAt:      e.UpdatedAt.UTC(),
	}

	if e.Pending() && !e.NextEligibleAt.IsZero() {
		t := e.NextEligibleAt.UTC()
		item.NextEligibleAt = &t
	}

	return item
}

// baseName returns the last element of a slash or backslash separated
// path.
func baseName(p string) string {
	for i := len(p) - 1; i >= 0; i-- {
		if p[i] == '/' || p[i] == '\\' {
			return p[i+1:]
		}
	}

	return p
}

// WriteSnapshot encodes snap as YAML.
func WriteSnapshot(w io.Writer, snap *Snapshot) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)

	if err := enc.Encode(snap); err != nil {
		return fmt.Errorf("encoding diagnostics: %w", err)
	}

	return enc.Close()
}
