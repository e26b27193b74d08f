package backend

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	apperrors "github.com/alexjbarnes/photo-uploader/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKey = "upload:b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(Options{BaseURL: srv.URL + "/api", Timeout: 2 * time.Second})
	require.NoError(t, err)

	return c, srv
}

func uploadReq(body string) UploadRequest {
	return UploadRequest{
		IdempotencyKey: testKey,
		ContentSHA256:  strings.TrimPrefix(testKey, "upload:"),
		HasGPS:         "false",
		EXIFSource:     "original",
		Body:           strings.NewReader(body),
		Size:           int64(len(body)),
	}
}

// --- Upload ---

func TestUpload_SendsContractHeadersAndBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/uploads", r.URL.Path)
		assert.Equal(t, testKey, r.Header.Get("Idempotency-Key"))
		assert.Equal(t, strings.TrimPrefix(testKey, "upload:"), r.Header.Get("X-Content-SHA256"))
		assert.Equal(t, "false", r.Header.Get("X-Has-GPS"))
		assert.Equal(t, "original", r.Header.Get("X-EXIF-Source"))
		assert.Equal(t, int64(11), r.ContentLength)

		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		assert.Equal(t, "hello world", string(body))

		w.WriteHeader(http.StatusAccepted)
		_, _ = io.WriteString(w, `{"upload_id":"u-1","status":"queued","ocr_remaining_percent":80}`)
	})

	res, err := c.Upload(context.Background(), uploadReq("hello world"))
	require.NoError(t, err)
	assert.Equal(t, "u-1", res.UploadID)
	assert.Equal(t, "queued", res.Status)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.OCRRemainingPercent)
	assert.Equal(t, 80, *res.OCRRemainingPercent)
}

func TestUpload_OptionalHeadersOmitted(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, hasGPS := r.Header["X-Has-Gps"]
		_, hasEXIF := r.Header["X-Exif-Source"]
		assert.False(t, hasGPS)
		assert.False(t, hasEXIF)
		_, _ = io.WriteString(w, `{"upload_id":"u-1","status":"queued"}`)
	})

	req := uploadReq("x")
	req.HasGPS, req.EXIFSource = "", ""
	_, err := c.Upload(context.Background(), req)
	require.NoError(t, err)
}

func TestUpload_ConflictIsDuplicate(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = io.WriteString(w, `{"error":"already uploaded"}`)
	})

	res, err := c.Upload(context.Background(), uploadReq("x"))
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.Empty(t, res.UploadID)
}

func TestUpload_ErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		retryAfter string
		transient  bool
		kind       error
		wantDelay  time.Duration
	}{
		{"500", http.StatusInternalServerError, `oops`, "", true, apperrors.ErrTransientNetwork, 0},
		{"502", http.StatusBadGateway, ``, "", true, apperrors.ErrTransientNetwork, 0},
		{"503 with retry-after", http.StatusServiceUnavailable, ``, "7", true, apperrors.ErrTransientNetwork, 7 * time.Second},
		{"408", http.StatusRequestTimeout, ``, "", true, apperrors.ErrTransientNetwork, 0},
		{"429", http.StatusTooManyRequests, `{"error":"slow down"}`, "3", true, apperrors.ErrTransientNetwork, 3 * time.Second},
		{"quota", http.StatusPaymentRequired, `{"code":"quota_exceeded"}`, "", true, apperrors.ErrQuotaExceeded, 0},
		{"400", http.StatusBadRequest, `{"detail":"bad header"}`, "", false, apperrors.ErrServerRejected, 0},
		{"413", http.StatusRequestEntityTooLarge, ``, "", false, apperrors.ErrServerRejected, 0},
		{"415", http.StatusUnsupportedMediaType, ``, "", false, apperrors.ErrServerRejected, 0},
		{"401", http.StatusUnauthorized, ``, "", false, apperrors.ErrUnauthorized, 0},
		{"403", http.StatusForbidden, ``, "", false, apperrors.ErrUnauthorized, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.Upload(context.Background(), uploadReq("x"))
			require.Error(t, err)
			assert.Equal(t, tt.transient, IsTransient(err))
			assert.ErrorIs(t, err, tt.kind)
			assert.Equal(t, tt.wantDelay, RetryAfter(err))

			if !tt.transient {
				var rej *RejectedError
				require.ErrorAs(t, err, &rej)
				assert.Equal(t, tt.status, rej.StatusCode)
			}
		})
	}
}

func TestUpload_RejectedMessageFromBody(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = io.WriteString(w, `{"message":"not an image"}`)
	})

	_, err := c.Upload(context.Background(), uploadReq("x"))
	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, "not an image", rej.Message)
	assert.Contains(t, err.Error(), "HTTP 422")
}

func TestUpload_AcceptedButFailedIsRejected(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, `{"upload_id":"u-1","status":"failed","error":"corrupt image"}`)
	})

	res, err := c.Upload(context.Background(), uploadReq("x"))
	assert.Nil(t, res)
	assert.ErrorIs(t, err, apperrors.ErrServerRejected)

	var rej *RejectedError
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, http.StatusOK, rej.StatusCode)
	assert.Equal(t, "corrupt image", rej.Message)
}

func TestUpload_AcceptedStatusesAreNotRejected(t *testing.T) {
	for _, status := range []string{RemoteQueued, RemoteProcessing, RemoteDone, ""} {
		t.Run("status="+status, func(t *testing.T) {
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				_, _ = io.WriteString(w, `{"upload_id":"u-1","status":"`+status+`"}`)
			})

			res, err := c.Upload(context.Background(), uploadReq("x"))
			require.NoError(t, err)
			assert.Equal(t, "u-1", res.UploadID)
		})
	}
}

func TestUpload_NetworkErrorIsTransient(t *testing.T) {
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	srv.Close()

	_, err := c.Upload(context.Background(), uploadReq("x"))
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, apperrors.ErrTransientNetwork)
}

func TestUpload_CancelStopsInFlightRequest(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := c.Upload(ctx, uploadReq("x"))
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)
		assert.False(t, IsTransient(err), "cancellation must not be retried")
	case <-time.After(2 * time.Second):
		t.Fatal("upload did not stop after cancel")
	}
}

func TestUpload_BandwidthLimitStillDeliversBody(t *testing.T) {
	var got atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n, _ := io.Copy(io.Discard, r.Body)
		got.Store(n)
		_, _ = io.WriteString(w, `{"upload_id":"u","status":"queued"}`)
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, BandwidthLimit: 1 << 20})
	require.NoError(t, err)

	body := strings.Repeat("x", 200*1024)
	_, err = c.Upload(context.Background(), uploadReq(body))
	require.NoError(t, err)
	assert.Equal(t, int64(len(body)), got.Load())
}

// --- Status ---

func TestStatus_DoneScenario(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/uploads/u-42/status", r.URL.Path)
		_, _ = io.WriteString(w, `{"status":"done","processed":true,"ocr_remaining_percent":95}`)
	})

	res, err := c.Status(context.Background(), "u-42")
	require.NoError(t, err)
	assert.True(t, res.Processed)
	require.NotNil(t, res.OCRRemainingPercent)
	assert.Equal(t, 95, *res.OCRRemainingPercent)
	assert.Equal(t, OutcomeDone, res.Outcome())
}

func TestStatus_NotFound(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	_, err := c.Status(context.Background(), "gone")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.False(t, IsTransient(err))
}

func TestStatus_MalformedBodyIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `<html>gateway</html>`)
	})

	_, err := c.Status(context.Background(), "u")
	assert.True(t, IsTransient(err))
}

func TestStatus_TimeoutIsTransient(t *testing.T) {
	release := make(chan struct{})
	defer close(release)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c, err := NewClient(Options{BaseURL: srv.URL, Timeout: 50 * time.Millisecond})
	require.NoError(t, err)

	_, err = c.Status(context.Background(), "u")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestStatusResult_Outcome(t *testing.T) {
	tests := []struct {
		name string
		res  StatusResult
		want Outcome
	}{
		{"queued", StatusResult{Status: "queued"}, OutcomePending},
		{"processing", StatusResult{Status: "PROCESSING"}, OutcomePending},
		{"done", StatusResult{Status: "done", Processed: true}, OutcomeDone},
		{"failed", StatusResult{Status: "failed", Processed: true, Error: "ocr crashed"}, OutcomeFailed},
		{"unknown with error", StatusResult{Status: "weird", Error: "boom"}, OutcomeFailed},
		{"unknown processed", StatusResult{Processed: true}, OutcomeDone},
		{"unknown pending", StatusResult{Status: "weird"}, OutcomePending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.res.Outcome())
		})
	}
}

func TestStatusResult_FailureReason(t *testing.T) {
	assert.Equal(t, "ocr crashed", StatusResult{Error: "ocr crashed"}.FailureReason())
	assert.NotEmpty(t, StatusResult{Status: "failed"}.FailureReason())
}

// --- LookupByKey ---

func TestLookupByKey(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/uploads/by-key/"+testKey, r.URL.Path)
		_, _ = io.WriteString(w, `{"upload_id":"u-7","status":"processing"}`)
	})

	res, err := c.LookupByKey(context.Background(), testKey)
	require.NoError(t, err)
	assert.Equal(t, "u-7", res.UploadID)
	assert.Equal(t, "processing", res.Status)
}

func TestLookupByKey_EmptyIDIsTransient(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"processing"}`)
	})

	_, err := c.LookupByKey(context.Background(), testKey)
	assert.True(t, IsTransient(err))
}

// --- Base URL swap ---

func TestNormalizeBaseURL(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"https://photos.example.com", "https://photos.example.com/", false},
		{"  https://photos.example.com/api  ", "https://photos.example.com/api/", false},
		{"http://10.0.0.2:8080/v1/", "http://10.0.0.2:8080/v1/", false},
		{"https://photos.example.com/api?x=1#frag", "https://photos.example.com/api/", false},
		{"", "", true},
		{"photos.example.com", "", true},
		{"ftp://photos.example.com", "", true},
		{"https://", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			u, err := NormalizeBaseURL(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestSetBaseURL_InvalidKeepsPrevious(t *testing.T) {
	c, err := NewClient(Options{BaseURL: "https://a.example.com"})
	require.NoError(t, err)

	got, err := c.SetBaseURL("not a url")
	require.ErrorIs(t, err, apperrors.ErrInvalidBaseURL)
	assert.Equal(t, "https://a.example.com/", got)
	assert.Equal(t, "https://a.example.com/", c.BaseURL())
}

func TestNewClient_InvalidBaseURL(t *testing.T) {
	_, err := NewClient(Options{BaseURL: "nope"})
	assert.Error(t, err)
}

func TestSetBaseURL_InFlightRequestKeepsOldEndpoint(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})

	var hitsA, hitsB atomic.Int32
	srvA := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsA.Add(1)
		close(entered)
		<-release
		_, _ = io.WriteString(w, `{"status":"processing"}`)
	}))
	defer srvA.Close()
	srvB := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hitsB.Add(1)
		_, _ = io.WriteString(w, `{"status":"done","processed":true}`)
	}))
	defer srvB.Close()

	c, err := NewClient(Options{BaseURL: srvA.URL, Timeout: 5 * time.Second})
	require.NoError(t, err)

	first := make(chan *StatusResult, 1)
	go func() {
		res, err := c.Status(context.Background(), "u")
		assert.NoError(t, err)
		first <- res
	}()

	<-entered
	_, err = c.SetBaseURL(srvB.URL)
	require.NoError(t, err)

	second, err := c.Status(context.Background(), "u")
	require.NoError(t, err)
	assert.Equal(t, OutcomeDone, second.Outcome())

	close(release)
	res := <-first
	require.NotNil(t, res)
	assert.Equal(t, OutcomePending, res.Outcome())
	assert.Equal(t, int32(1), hitsA.Load())
	assert.Equal(t, int32(1), hitsB.Load())
}

// --- Redirects ---

func TestSameHostRedirectPolicy(t *testing.T) {
	orig, _ := http.NewRequest(http.MethodGet, "https://a.example.com/x", nil)
	same, _ := http.NewRequest(http.MethodGet, "https://a.example.com/y", nil)
	other, _ := http.NewRequest(http.MethodGet, "https://evil.example.com/y", nil)

	assert.NoError(t, sameHostRedirectPolicy(same, []*http.Request{orig}))
	assert.Error(t, sameHostRedirectPolicy(other, []*http.Request{orig}))

	via := make([]*http.Request, maxRedirects)
	for i := range via {
		via[i] = orig
	}
	assert.Error(t, sameHostRedirectPolicy(same, via))
}

// --- helpers ---

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"30", 30 * time.Second},
		{"0", 0},
		{"-5", 0},
		{"soon", 0},
		{now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{now.Add(-time.Minute).Format(http.TimeFormat), 0},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseRetryAfter(tt.in, now), tt.in)
	}
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "bad ?input?", sanitizeResponseBody([]byte("bad \x1binput\n")))
	assert.Len(t, sanitizeResponseBody([]byte(strings.Repeat("a", 1000))), 256)
	assert.Equal(t, "?", sanitizeResponseBody([]byte{0xff}))
}

func TestRejectedError_Unwrap(t *testing.T) {
	err := &RejectedError{StatusCode: 413, Kind: apperrors.ErrServerRejected}
	assert.True(t, errors.Is(err, apperrors.ErrServerRejected))
	assert.Equal(t, "upload rejected by server (HTTP 413)", err.Error())
}
