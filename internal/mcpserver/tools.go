// Package mcpserver registers MCP tools that expose the upload queue.
// It adapts the queue to the MCP SDK's tool handler interface.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	"github.com/alexjbarnes/photo-uploader/internal/state"
	"github.com/alexjbarnes/photo-uploader/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// defaultListLimit caps queue_list when no limit is given.
const defaultListLimit = 50

// Queue is the part of the upload queue the tools drive.
type Queue interface {
	Summary() (state.Summary, error)
	Quota() (int, bool, error)
	List() ([]state.Entry, error)
	Admit(ctx context.Context, path string) (state.Entry, bool, error)
	Cancel(key contentkey.Key) (state.Entry, error)
	Retry(key contentkey.Key) (state.Entry, error)
}

// Settings is the backend configuration adjustable at runtime.
type Settings interface {
	BaseURL() string
	Overridden() bool
	SetBaseURL(raw string) (string, error)
	ResetBaseURL() (string, error)
}

// RegisterTools adds all queue tools to the given MCP server.
func RegisterTools(server *mcp.Server, q Queue) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_summary",
		Description: "Aggregate upload queue counts (queued, uploading, failed, completed, cancelled), the status line shown to the user and the last OCR quota reported by the server.",
	}, summaryHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_list",
		Description: "List upload entries oldest first, optionally filtered by status. Each entry has its content key, source path, status, attempt count and failure reason.",
	}, listHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_enqueue",
		Description: "Queue a local photo file for upload. Files with identical content are queued once; the existing entry is returned with created=false.",
	}, enqueueHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_cancel",
		Description: "Cancel a queued, uploading or failed entry by content key. An upload in flight is aborted. Entries already accepted by the server cannot be cancelled.",
	}, cancelHandler(q))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "queue_retry",
		Description: "Put a failed or cancelled entry back in the queue by content key. The retry attempt budget starts over.",
	}, retryHandler(q))
}

// RegisterSettingsTools adds the backend settings tools.
func RegisterSettingsTools(server *mcp.Server, s Settings) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "settings_set_base_url",
		Description: "Switch the upload backend base URL. Uploads started afterwards go to the new backend and the choice survives restarts. reset=true returns to the configured URL. Without arguments the current URL is reported.",
	}, setBaseURLHandler(s))
}

// --- Input and result types ---
// The MCP SDK infers JSON schema from these struct types via jsonschema tags.

// SummaryInput has no parameters.
type SummaryInput struct{}

// SummaryResult is the output of queue_summary.
type SummaryResult struct {
	Counts              state.Summary `json:"counts"`
	Text                string        `json:"text"`
	OCRRemainingPercent *int          `json:"ocr_remaining_percent,omitempty"`
}

// ListInput holds parameters for queue_list.
type ListInput struct {
	Status string `json:"status,omitempty" jsonschema:"only entries in this status: queued, uploading, awaiting_status, completed, failed or cancelled"`
	Limit  int    `json:"limit,omitempty" jsonschema:"maximum number of entries, defaults to 50"`
}

// ListResult is the output of queue_list.
type ListResult struct {
	Total   int         `json:"total"`
	Entries []EntryView `json:"entries"`
}

// EntryView is an upload entry as reported by the tools. Times are
// RFC 3339 strings.
type EntryView struct {
	Key                 string `json:"key"`
	Source              string `json:"source"`
	Size                int64  `json:"size"`
	Status              string `json:"status"`
	AttemptCount        int    `json:"attempt_count"`
	FailureReason       string `json:"failure_reason,omitempty"`
	Retryable           bool   `json:"retryable,omitempty"`
	RemoteUploadID      string `json:"remote_upload_id,omitempty"`
	OCRRemainingPercent *int   `json:"ocr_remaining_percent,omitempty"`
	NextEligibleAt      string `json:"next_eligible_at,omitempty"`
	UpdatedAt           string `json:"updated_at"`
}

func newEntryView(e state.Entry) *EntryView {
	v := &EntryView{
		Key:                 e.Key.String(),
		Source:              e.Source,
		Size:                e.Size,
		Status:              string(e.Status),
		AttemptCount:        e.AttemptCount,
		FailureReason:       e.FailureReason,
		Retryable:           e.Retryable,
		RemoteUploadID:      e.RemoteUploadID,
		OCRRemainingPercent: e.OCRRemainingPercent,
		UpdatedAt:           e.UpdatedAt.UTC().Format(time.RFC3339),
	}

	if e.Pending() && !e.NextEligibleAt.IsZero() {
		v.NextEligibleAt = e.NextEligibleAt.UTC().Format(time.RFC3339)
	}

	return v
}

// EnqueueInput holds parameters for queue_enqueue.
type EnqueueInput struct {
	Path string `json:"path" jsonschema:"required,absolute path of the photo file"`
}

// EnqueueResult is the output of queue_enqueue.
type EnqueueResult struct {
	Key     contentkey.Key `json:"key"`
	Status  state.Status   `json:"status"`
	Created bool           `json:"created"`
}

// KeyInput holds the content key for queue_cancel and queue_retry.
type KeyInput struct {
	Key string `json:"key" jsonschema:"required,content key of the entry (upload:<sha256 hex>)"`
}

// BaseURLInput holds parameters for settings_set_base_url.
type BaseURLInput struct {
	BaseURL string `json:"base_url,omitempty" jsonschema:"absolute http(s) URL of the upload backend API root"`
	Reset   bool   `json:"reset,omitempty" jsonschema:"drop any override and use the configured URL"`
}

// BaseURLResult is the output of settings_set_base_url.
type BaseURLResult struct {
	BaseURL    string `json:"base_url"`
	Overridden bool   `json:"overridden"`
}

// --- Handlers ---

func summaryHandler(q Queue) mcp.ToolHandlerFor[SummaryInput, *SummaryResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, _ SummaryInput) (*mcp.CallToolResult, *SummaryResult, error) {
		sum, err := q.Summary()
		if err != nil {
			return nil, nil, err
		}

		result := &SummaryResult{Counts: sum, Text: upload.FormatSummary(sum)}

		percent, ok, err := q.Quota()
		if err != nil {
			return nil, nil, err
		}

		if ok {
			result.OCRRemainingPercent = &percent
		}

		return textResult(result), result, nil
	}
}

func listHandler(q Queue) mcp.ToolHandlerFor[ListInput, *ListResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input ListInput) (*mcp.CallToolResult, *ListResult, error) {
		entries, err := q.List()
		if err != nil {
			return nil, nil, err
		}

		limit := input.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}

		result := &ListResult{Entries: []EntryView{}}

		for _, e := range entries {
			if input.Status != "" && string(e.Status) != input.Status {
				continue
			}

			result.Total++

			if len(result.Entries) < limit {
				result.Entries = append(result.Entries, *newEntryView(e))
			}
		}

		return textResult(result), result, nil
	}
}

func enqueueHandler(q Queue) mcp.ToolHandlerFor[EnqueueInput, *EnqueueResult] {
	return func(ctx context.Context, _ *mcp.CallToolRequest, input EnqueueInput) (*mcp.CallToolResult, *EnqueueResult, error) {
		if input.Path == "" {
			return nil, nil, fmt.Errorf("path is required")
		}

		e, created, err := q.Admit(ctx, input.Path)
		if err != nil {
			return nil, nil, err
		}

		result := &EnqueueResult{Key: e.Key, Status: e.Status, Created: created}

		return textResult(result), result, nil
	}
}

func cancelHandler(q Queue) mcp.ToolHandlerFor[KeyInput, *EntryView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input KeyInput) (*mcp.CallToolResult, *EntryView, error) {
		key, err := contentkey.Parse(input.Key)
		if err != nil {
			return nil, nil, err
		}

		e, err := q.Cancel(key)
		if err != nil {
			return nil, nil, err
		}

		result := newEntryView(e)

		return textResult(result), result, nil
	}
}

func retryHandler(q Queue) mcp.ToolHandlerFor[KeyInput, *EntryView] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input KeyInput) (*mcp.CallToolResult, *EntryView, error) {
		key, err := contentkey.Parse(input.Key)
		if err != nil {
			return nil, nil, err
		}

		e, err := q.Retry(key)
		if err != nil {
			return nil, nil, err
		}

		result := newEntryView(e)

		return textResult(result), result, nil
	}
}

func setBaseURLHandler(s Settings) mcp.ToolHandlerFor[BaseURLInput, *BaseURLResult] {
	return func(_ context.Context, _ *mcp.CallToolRequest, input BaseURLInput) (*mcp.CallToolResult, *BaseURLResult, error) {
		if input.Reset && input.BaseURL != "" {
			return nil, nil, fmt.Errorf("base_url and reset are mutually exclusive")
		}

		switch {
		case input.Reset:
			if _, err := s.ResetBaseURL(); err != nil {
				return nil, nil, err
			}
		case input.BaseURL != "":
			if _, err := s.SetBaseURL(input.BaseURL); err != nil {
				return nil, nil, err
			}
		}

		result := &BaseURLResult{BaseURL: s.BaseURL(), Overridden: s.Overridden()}

		return textResult(result), result, nil
	}
}

// textResult builds a CallToolResult with JSON text content from any value.
// This provides the unstructured content alongside the structured output
// that the SDK populates automatically.
func textResult(v any) *mcp.CallToolResult {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("error marshaling result: %v", err)}},
			IsError: true,
		}
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}
}
