// Package server provides the local control surface for the uploader:
// queue inspection and control, a live summary stream, diagnostics and
// the MCP endpoint.
package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	"github.com/alexjbarnes/photo-uploader/internal/state"
)

// Queue is the upload queue the control surface drives.
type Queue interface {
	Summary() (state.Summary, error)
	Quota() (int, bool, error)
	List() ([]state.Entry, error)
	Get(key contentkey.Key) (state.Entry, error)
	Admit(ctx context.Context, path string) (state.Entry, bool, error)
	Cancel(key contentkey.Key) (state.Entry, error)
	Retry(key contentkey.Key) (state.Entry, error)
	CancelAll() ([]contentkey.Key, error)
	Clear(key contentkey.Key) error
	ClearFinished() (int, error)
}

// Settings is the backend configuration adjustable at runtime.
type Settings interface {
	BaseURL() string
	Overridden() bool
	SetBaseURL(raw string) (string, error)
	ResetBaseURL() (string, error)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Queue  Queue
	Hub    *Hub
	Logger *slog.Logger

	// APIKey, when set, is required as a Bearer token on every route.
	APIKey string

	// MCPHandler serves /mcp when non-nil.
	MCPHandler http.Handler

	// Settings serves /api/settings when non-nil and supplies the
	// backend URL shown in diagnostics.
	Settings Settings
}

// NewMux builds the HTTP mux with the queue API, the summary stream
// and, when configured, the settings routes and the MCP endpoint. Every route sits behind the
// API key middleware.
func NewMux(cfg MuxConfig) *http.ServeMux {
	h := &handlers{queue: cfg.Queue, logger: cfg.Logger, settings: cfg.Settings}
	protect := Middleware(cfg.APIKey, cfg.Logger)

	mux := http.NewServeMux()
	mux.Handle("GET /api/summary", protect(http.HandlerFunc(h.summary)))
	mux.Handle("GET /api/summary/stream", protect(cfg.Hub))
	mux.Handle("GET /api/uploads", protect(http.HandlerFunc(h.list)))
	mux.Handle("POST /api/uploads", protect(http.HandlerFunc(h.admit)))
	mux.Handle("DELETE /api/uploads", protect(http.HandlerFunc(h.clearFinished)))
	mux.Handle("POST /api/uploads/cancel-all", protect(http.HandlerFunc(h.cancelAll)))
	mux.Handle("GET /api/uploads/{key}", protect(http.HandlerFunc(h.get)))
	mux.Handle("DELETE /api/uploads/{key}", protect(http.HandlerFunc(h.clear)))
	mux.Handle("POST /api/uploads/{key}/cancel", protect(http.HandlerFunc(h.cancel)))
	mux.Handle("POST /api/uploads/{key}/retry", protect(http.HandlerFunc(h.retry)))
	mux.Handle("GET /api/diagnostics", protect(http.HandlerFunc(h.diagnostics)))

	if cfg.Settings != nil {
		mux.Handle("GET /api/settings/base-url", protect(http.HandlerFunc(h.baseURL)))
		mux.Handle("PUT /api/settings/base-url", protect(http.HandlerFunc(h.setBaseURL)))
		mux.Handle("DELETE /api/settings/base-url", protect(http.HandlerFunc(h.resetBaseURL)))
	}

	if cfg.MCPHandler != nil {
		mux.Handle("/mcp", protect(cfg.MCPHandler))
	}

	return mux
}
