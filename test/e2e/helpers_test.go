package e2e_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/backend"
	"github.com/alexjbarnes/photo-uploader/internal/contentkey"
	"github.com/alexjbarnes/photo-uploader/internal/mcpserver"
	"github.com/alexjbarnes/photo-uploader/internal/server"
	"github.com/alexjbarnes/photo-uploader/internal/state"
	"github.com/alexjbarnes/photo-uploader/internal/upload"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey       = "e2e-control-key"
	testDeviceID     = "e2e-device"
	testDeviceSecret = "e2e-device-secret"
)

// harness holds the full e2e stack: a signed backend client talking to
// a fake upload service, the delivery pipeline over a real bolt store,
// and the control server with MCP mounted.
type harness struct {
	URL     string
	Store   *state.Store
	Photos  string
	Client  *http.Client
	Backend *fakeService
}

type harnessOptions struct {
	// backendSecret is the secret the fake service verifies with.
	backendSecret string
	// pendingPolls is how many status polls report processing first.
	pendingPolls int
}

// newHarness wires the pipeline the way the daemon does and starts the
// control server. The pipeline stops when the test ends.
func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	if opts.backendSecret == "" {
		opts.backendSecret = testDeviceSecret
	}

	dir := t.TempDir()
	photos := filepath.Join(dir, "photos")
	require.NoError(t, os.MkdirAll(photos, 0o755))

	logger := slog.New(slog.DiscardHandler)

	svc, backendURL := startFakeService(t, opts.backendSecret, opts.pendingPolls)

	store, err := state.LoadAt(filepath.Join(dir, "queue.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	signer, err := backend.NewSigner(testDeviceID, testDeviceSecret)
	require.NoError(t, err)

	client, err := backend.NewClient(backend.Options{
		BaseURL: backendURL,
		Timeout: 5 * time.Second,
		Signer:  signer,
	})
	require.NoError(t, err)

	worker := upload.NewWorker(store, client, upload.WorkerConfig{
		Concurrency: 2,
		Backoff: upload.Backoff{
			Base:        5 * time.Millisecond,
			Max:         20 * time.Millisecond,
			Multiplier:  2,
			MaxAttempts: 3,
		},
		PollInterval: 5 * time.Millisecond,
		PollMax:      20 * time.Millisecond,
	}, logger)

	settings := upload.NewSettings(client, store, logger)
	require.NoError(t, settings.Restore())

	hub := server.NewHub(logger)
	summary := upload.NewSummaryStarter(store, upload.MultiIndicator{upload.NewLogIndicator(logger), hub}, logger)
	queue := upload.NewEnqueuer(store, worker, summary, 0, logger)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = queue.Wait(ctx)
		summary.Wait()
	})

	summary.Start(ctx)
	queue.Start(ctx)
	require.NoError(t, upload.NewStartupInitializer(store, summary, queue, logger).EnsureRunningIfNeeded())

	mcpServer := mcp.NewServer(
		&mcp.Implementation{Name: "photo-uploader-e2e", Version: "test"},
		nil,
	)
	mcpserver.RegisterTools(mcpServer, queue)
	mcpserver.RegisterSettingsTools(mcpServer, settings)

	mcpHandler := mcp.NewStreamableHTTPHandler(func(r *http.Request) *mcp.Server {
		return mcpServer
	}, nil)

	ts := httptest.NewServer(server.NewMux(server.MuxConfig{
		Queue:      queue,
		Hub:        hub,
		Logger:     logger,
		APIKey:     testAPIKey,
		MCPHandler: mcpHandler,
		Settings:   settings,
	}))
	t.Cleanup(ts.Close)

	return &harness{
		URL:     ts.URL,
		Store:   store,
		Photos:  photos,
		Client:  ts.Client(),
		Backend: svc,
	}
}

// writePhoto creates a file in the photos directory.
func (h *harness) writePhoto(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(h.Photos, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	return path
}

// waitForStatus blocks until the entry for key reaches want.
func (h *harness) waitForStatus(t *testing.T, key contentkey.Key, want state.Status) state.Entry {
	t.Helper()

	var last state.Entry

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		e, err := h.Store.Get(key)
		if err == nil {
			last = e
			if e.Status == want {
				return e
			}
		}

		time.Sleep(5 * time.Millisecond)
	}

	t.Fatalf("entry %s stuck in %q (reason %q), want %q", key, last.Status, last.FailureReason, want)

	return last
}

// mcpSession creates an MCP client session authenticated with the
// control API key.
func (h *harness) mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()

	transport := &mcp.StreamableClientTransport{
		Endpoint: h.URL + "/mcp",
		HTTPClient: &http.Client{
			Transport: &bearerTransport{
				token: testAPIKey,
				base:  h.Client.Transport,
			},
		},
		DisableStandaloneSSE: true,
	}

	client := mcp.NewClient(
		&mcp.Implementation{Name: "e2e-test-client", Version: "test"},
		nil,
	)

	session, err := client.Connect(t.Context(), transport, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = session.Close() })

	return session
}

// doJSON performs an authenticated request with an optional JSON body.
func (h *harness) doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()

	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(t.Context(), method, h.URL+path, rd)
	require.NoError(t, err)

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+testAPIKey)

	resp, err := h.Client.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	return resp
}

// bearerTransport is an http.RoundTripper that injects a Bearer token
// into every request's Authorization header.
type bearerTransport struct {
	token string
	base  http.RoundTripper
}

func (bt *bearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set("Authorization", "Bearer "+bt.token)

	return bt.base.RoundTrip(req)
}

// fakeService is a minimal upload service. It rejects requests whose
// signature does not verify, answers repeated idempotency keys with 409
// and reports processing done after a configurable number of polls.
type fakeService struct {
	verifier     *backend.Signer
	pendingPolls int
	mux          *http.ServeMux

	mu       sync.Mutex
	uploads  map[string]int
	bodies   map[string][]byte
	polls    map[string]int
	rejected int
}

// startFakeService serves a fakeService until the test ends and returns
// its API root.
func startFakeService(t *testing.T, secret string, pendingPolls int) (*fakeService, string) {
	t.Helper()

	svc := newFakeService(t, secret, pendingPolls)
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	return svc, srv.URL + "/api/"
}

func newFakeService(t *testing.T, secret string, pendingPolls int) *fakeService {
	t.Helper()

	verifier, err := backend.NewSigner(testDeviceID, secret)
	require.NoError(t, err)

	f := &fakeService{
		verifier:     verifier,
		pendingPolls: pendingPolls,
		uploads:      make(map[string]int),
		bodies:       make(map[string][]byte),
		polls:        make(map[string]int),
	}
	f.mux = f.routes()

	return f
}

func (f *fakeService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !f.verifier.Verify(r) {
		f.mu.Lock()
		f.rejected++
		f.mu.Unlock()

		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "bad signature"})

		return
	}

	f.mux.ServeHTTP(w, r)
}

func (f *fakeService) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/uploads", func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get(backend.HeaderIdempotencyKey)
		body, _ := io.ReadAll(r.Body)

		f.mu.Lock()
		f.uploads[key]++
		seen := f.uploads[key] > 1
		if !seen {
			f.bodies[key] = body
		}
		f.mu.Unlock()

		if seen {
			writeJSON(w, http.StatusConflict, map[string]string{"upload_id": uploadID(key)})
			return
		}

		writeJSON(w, http.StatusAccepted, map[string]any{
			"upload_id":             uploadID(key),
			"status":                backend.RemoteQueued,
			"ocr_remaining_percent": 75,
		})
	})

	mux.HandleFunc("GET /api/uploads/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")

		f.mu.Lock()
		f.polls[id]++
		n := f.polls[id]
		f.mu.Unlock()

		if n <= f.pendingPolls {
			writeJSON(w, http.StatusOK, map[string]string{"status": backend.RemoteProcessing})
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"status": backend.RemoteDone, "processed": true})
	})

	return mux
}

func (f *fakeService) uploadCount(key contentkey.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uploads[key.String()]
}

func (f *fakeService) body(key contentkey.Key) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.bodies[key.String()]
}

func (f *fakeService) pollCount(key contentkey.Key) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.polls[uploadID(key.String())]
}

func (f *fakeService) rejectedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.rejected
}

func uploadID(key string) string {
	return "srv-" + key[len(key)-12:]
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
