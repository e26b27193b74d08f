package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	"github.com/alexjbarnes/photo-uploader/internal/diagnostics"
	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
	"github.com/alexjbarnes/photo-uploader/internal/state"
	"github.com/alexjbarnes/photo-uploader/internal/upload"
)

// maxRequestBody bounds JSON request bodies.
const maxRequestBody = 64 * 1024

type handlers struct {
	queue    Queue
	logger   *slog.Logger
	settings Settings
}

// SummaryResponse is the body of GET /api/summary.
type SummaryResponse struct {
	Summary             state.Summary `json:"summary"`
	Text                string        `json:"text"`
	Active              bool          `json:"active"`
	OCRRemainingPercent *int          `json:"ocr_remaining_percent,omitempty"`
}

// AdmitRequest is the body of POST /api/uploads.
type AdmitRequest struct {
	Path string `json:"path"`
}

// AdmitResponse is the body returned by POST /api/uploads.
type AdmitResponse struct {
	Entry   state.Entry `json:"entry"`
	Created bool        `json:"created"`
}

// BaseURLRequest is the body of PUT /api/settings/base-url.
type BaseURLRequest struct {
	BaseURL string `json:"base_url"`
}

// BaseURLResponse is returned by the base URL settings routes.
type BaseURLResponse struct {
	BaseURL    string `json:"base_url"`
	Overridden bool   `json:"overridden"`
}

func (h *handlers) summary(w http.ResponseWriter, _ *http.Request) {
	sum, err := h.queue.Summary()
	if err != nil {
		h.fail(w, err)
		return
	}

	resp := SummaryResponse{Summary: sum, Text: upload.FormatSummary(sum), Active: sum.Active() > 0}

	percent, ok, err := h.queue.Quota()
	if err != nil {
		h.fail(w, err)
		return
	}

	if ok {
		resp.OCRRemainingPercent = &percent
	}

	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) list(w http.ResponseWriter, r *http.Request) {
	entries, err := h.queue.List()
	if err != nil {
		h.fail(w, err)
		return
	}

	if status := r.URL.Query().Get("status"); status != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if string(e.Status) == status {
				filtered = append(filtered, e)
			}
		}

		entries = filtered
	}

	if entries == nil {
		entries = []state.Entry{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"uploads": entries})
}

func (h *handlers) get(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	e, err := h.queue.Get(key)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *handlers) admit(w http.ResponseWriter, r *http.Request) {
	var req AdmitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a path")
		return
	}

	if req.Path == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "path is required")
		return
	}

	e, created, err := h.queue.Admit(r.Context(), req.Path)
	if err != nil {
		h.fail(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}

	writeJSON(w, status, AdmitResponse{Entry: e, Created: created})
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	e, err := h.queue.Cancel(key)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *handlers) retry(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	e, err := h.queue.Retry(key)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, e)
}

func (h *handlers) cancelAll(w http.ResponseWriter, _ *http.Request) {
	keys, err := h.queue.CancelAll()
	if err != nil {
		h.fail(w, err)
		return
	}

	if keys == nil {
		keys = []contentkey.Key{}
	}

	writeJSON(w, http.StatusOK, map[string]any{"cancelled": keys})
}

func (h *handlers) clear(w http.ResponseWriter, r *http.Request) {
	key, ok := pathKey(w, r)
	if !ok {
		return
	}

	if err := h.queue.Clear(key); err != nil {
		h.fail(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *handlers) clearFinished(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("finished") != "true" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "only finished=true is supported")
		return
	}

	n, err := h.queue.ClearFinished()
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

func (h *handlers) baseURL(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, BaseURLResponse{BaseURL: h.settings.BaseURL(), Overridden: h.settings.Overridden()})
}

func (h *handlers) setBaseURL(w http.ResponseWriter, r *http.Request) {
	var req BaseURLRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody)).Decode(&req); err != nil || req.BaseURL == "" {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "body must be JSON with a base_url")
		return
	}

	applied, err := h.settings.SetBaseURL(req.BaseURL)
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BaseURLResponse{BaseURL: applied, Overridden: h.settings.Overridden()})
}

func (h *handlers) resetBaseURL(w http.ResponseWriter, _ *http.Request) {
	applied, err := h.settings.ResetBaseURL()
	if err != nil {
		h.fail(w, err)
		return
	}

	writeJSON(w, http.StatusOK, BaseURLResponse{BaseURL: applied, Overridden: false})
}

func (h *handlers) diagnostics(w http.ResponseWriter, _ *http.Request) {
	var baseURL string
	if h.settings != nil {
		baseURL = h.settings.BaseURL()
	}

	snap, err := diagnostics.Collect(h.queue, baseURL, time.Now())
	if err != nil {
		h.fail(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/yaml")

	if err := diagnostics.WriteSnapshot(w, snap); err != nil {
		h.logger.Warn("writing diagnostics", slog.String("error", err.Error()))
	}
}

// fail maps queue errors onto HTTP statuses.
func (h *handlers) fail(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperrors.ErrEntryNotFound):
		writeJSONError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, apperrors.ErrInvalidTransition):
		writeJSONError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, apperrors.ErrUnreadableSource):
		writeJSONError(w, http.StatusUnprocessableEntity, "unreadable_source", err.Error())
	case errors.Is(err, apperrors.ErrInvalidBaseURL):
		writeJSONError(w, http.StatusBadRequest, "invalid_base_url", err.Error())
	default:
		h.logger.Error("control request failed", slog.String("error", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func pathKey(w http.ResponseWriter, r *http.Request) (contentkey.Key, bool) {
	key, err := contentkey.Parse(r.PathValue("key"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_key", err.Error())
		return "", false
	}

	return key, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, errCode, description string) {
	writeJSON(w, status, map[string]string{
		"error":             errCode,
		"error_description": description,
	})
}
