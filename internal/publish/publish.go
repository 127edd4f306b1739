// SPDX-License-Identifier: MIT

// Package publish fans the session's observable state (§6: cursor,
// listening flag, errors, audio levels, page-advance/dismiss signals) out
// to connected WebSocket clients, following the same upgrade-and-write-loop
// shape used for call events in the ASR/TTS pipeline this is grounded on.
package publish

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// State is the observable-state snapshot published on every change (§6).
type State struct {
	RecognizedCharCount int       `json:"recognized_char_count"`
	MatchStart          int       `json:"match_start"`
	IsListening         bool      `json:"is_listening"`
	Error               string    `json:"error,omitempty"`
	AudioLevels         []float32 `json:"audio_levels,omitempty"`
	LastSpokenText      string    `json:"last_spoken_text,omitempty"`
	IsSpeaking          bool      `json:"is_speaking"`
	ShouldDismiss       bool      `json:"should_dismiss,omitempty"`
	ShouldAdvancePage   bool      `json:"should_advance_page,omitempty"`
}

// Hub is the single writer that fans State updates out to every connected
// client. A new client receives the last published State immediately on
// connect so a late-joining viewer is never stuck blank.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan State
	last    State
	logger  *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]chan State),
		logger:  logger,
	}
}

// Publish pushes a new State to every connected client. For a slow client
// whose outbound channel is full, this update is dropped (the client stays
// connected) rather than allowed to back-pressure the rest of the fan-out.
func (h *Hub) Publish(s State) {
	h.mu.Lock()
	h.last = s
	targets := make([]chan State, 0, len(h.clients))
	for _, ch := range h.clients {
		targets = append(targets, ch)
	}
	h.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- s:
		default:
			if h.logger != nil {
				h.logger.Warn("publish: dropping update for slow client")
			}
		}
	}
}

// ServeHTTP upgrades the connection and streams State updates to it until
// the client disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("publish: websocket upgrade failed", "error", err)
		}
		return
	}
	defer conn.Close()

	ch := make(chan State, 8)
	h.mu.Lock()
	h.clients[conn] = ch
	initial := h.last
	h.mu.Unlock()

	defer func() {
		h.mu.Lock()
		delete(h.clients, conn)
		h.mu.Unlock()
	}()

	ch <- initial

	go h.drainInbound(conn)

	for s := range ch {
		data, err := json.Marshal(s)
		if err != nil {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// drainInbound discards any client-sent frames; the protocol here is
// server-push only, but the read loop must still run so gorilla/websocket
// processes control frames (ping/pong/close) and detects disconnects.
func (h *Hub) drainInbound(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			// A broken read means the connection is gone; close it so the
			// write loop's blocking WriteMessage also unblocks with an error.
			_ = conn.Close()
			return
		}
	}
}
