// Package upload runs the delivery pipeline: admitting files into the
// queue, draining it against the backend with bounded parallelism, and
// keeping the summary indicator alive while work is pending.
package upload

import (
	"context"

	"github.com/alexjbarnes/photo-uploader/internal/backend"
	"github.com/alexjbarnes/photo-uploader/internal/state"
)

//go:generate mockgen -source=deps.go -destination=mock_deps_test.go -package=upload

// API is the backend capability the worker drives.
type API interface {
	Upload(ctx context.Context, r backend.UploadRequest) (*backend.UploadResult, error)
	Status(ctx context.Context, uploadID string) (*backend.StatusResult, error)
	LookupByKey(ctx context.Context, key string) (*backend.KeyLookup, error)
}

// QueueChecker reports whether the queue holds unfinished work.
type QueueChecker interface {
	HasQueued() (bool, error)
}

// SummaryRunner keeps the summary indicator alive while work is pending.
type SummaryRunner interface {
	EnsureRunning()
}

// UploadRunner schedules a delivery pass.
type UploadRunner interface {
	EnsureUploadRunning()
}

// Admitter adds a file to the queue.
type Admitter interface {
	Admit(ctx context.Context, path string) (state.Entry, bool, error)
}

// Indicator is the user-visible aggregate progress surface.
type Indicator interface {
	Show(sum state.Summary)
	Hide()
}
