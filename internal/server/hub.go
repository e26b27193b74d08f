package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/alexjbarnes/photo-uploader/internal/state"
	"github.com/alexjbarnes/photo-uploader/internal/upload"
	"github.com/coder/websocket"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Event is one summary update pushed to stream clients.
type Event struct {
	Visible bool          `json:"visible"`
	Text    string        `json:"text"`
	Summary state.Summary `json:"summary"`
}

// Hub fans summary updates out to websocket clients. It implements
// upload.Indicator so it can sit next to the log indicator. Each client
// holds only the newest event; slow clients skip intermediate ones.
type Hub struct {
	logger *slog.Logger

	mu      sync.Mutex
	latest  Event
	clients map[chan Event]struct{}
}

// NewHub creates an empty hub. Until the first Show, new clients
// receive a hidden idle event.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger:  logger,
		latest:  Event{Text: upload.FormatSummary(state.Summary{})},
		clients: make(map[chan Event]struct{}),
	}
}

// Show broadcasts a visible summary.
func (h *Hub) Show(sum state.Summary) {
	h.publish(Event{Visible: true, Text: upload.FormatSummary(sum), Summary: sum})
}

// Hide broadcasts that the indicator is gone, keeping the last counts.
func (h *Hub) Hide() {
	h.mu.Lock()
	sum := h.latest.Summary
	h.mu.Unlock()

	h.publish(Event{Text: upload.FormatSummary(sum), Summary: sum})
}

// Clients returns the number of connected stream clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return len(h.clients)
}

func (h *Hub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.latest = ev

	for ch := range h.clients {
		deliverLatest(ch, ev)
	}
}

// deliverLatest replaces any undelivered event in ch with ev.
func deliverLatest(ch chan Event, ev Event) {
	select {
	case <-ch:
	default:
	}

	select {
	case ch <- ev:
	default:
	}
}

func (h *Hub) subscribe() chan Event {
	ch := make(chan Event, 1)

	h.mu.Lock()
	ch <- h.latest
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	return ch
}

func (h *Hub) unsubscribe(ch chan Event) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// ServeHTTP upgrades the request to a websocket and streams events
// until the client goes away.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.logger.Debug("hub: websocket accept failed", slog.String("error", err.Error()))
		return
	}
	defer conn.CloseNow()

	// Clients never send; CloseRead handles control frames and cancels
	// ctx when the peer closes.
	ctx := conn.CloseRead(r.Context())

	events := h.subscribe()
	defer h.unsubscribe(events)

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "")
			return
		case ev := <-events:
			if err := h.write(ctx, conn, ev); err != nil {
				h.logger.Debug("hub: write failed", slog.String("error", err.Error()))
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := conn.Ping(pctx)
			cancel()

			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) write(ctx context.Context, conn *websocket.Conn, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()

	return conn.Write(wctx, websocket.MessageText, data)
}
