package errors

import "errors"

// Local errors.
var (
	ErrUnreadableSource  = errors.New("source file unreadable")
	ErrInvalidTransition = errors.New("invalid upload state transition")
	ErrEntryNotFound     = errors.New("upload entry not found")
	ErrInvalidBaseURL    = errors.New("invalid backend base URL")
)

// Backend/transport errors.
var (
	ErrTransientNetwork = errors.New("transient network error")
	ErrServerRejected   = errors.New("upload rejected by server")
	ErrUnauthorized     = errors.New("device not authorized")
	ErrNotFound         = errors.New("remote upload not found")
	ErrQuotaExceeded    = errors.New("processing quota exceeded")
)
