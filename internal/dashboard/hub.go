// Copyright (c) 2025 The Cascoin developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package dashboard

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub maintains the set of active /l2/stream/ws clients (websocket
// connections and bare channels shared with the SSE handler) and
// broadcasts published events to all of them.
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	chans   map[uint64]chan []byte
	nextID  uint64
}

// NewHub constructs an empty Hub.
func NewHub() *Hub {
	return &Hub{
		clients: make(map[*websocket.Conn]bool),
		chans:   make(map[uint64]chan []byte),
	}
}

// Subscribe upgrades r into a websocket connection and registers it
// with the hub.
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warnf("dashboard: websocket upgrade failed: %v", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = true
	h.mu.Unlock()

	go func() {
		defer func() {
			h.mu.Lock()
			delete(h.clients, conn)
			h.mu.Unlock()
			conn.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Debugf("dashboard: websocket client error: %v", err)
				}
				return
			}
		}
	}()
}

// subscribeChan registers a plain channel (used by the SSE handler so
// it shares one fan-out path with websocket clients) and returns an id
// for later unsubscribeChan.
func (h *Hub) subscribeChan(ch chan []byte) uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.chans[id] = ch
	return id
}

func (h *Hub) unsubscribeChan(id uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ch, ok := h.chans[id]; ok {
		delete(h.chans, id)
		close(ch)
	}
}

// Broadcast pushes payload to every connected websocket client and
// every subscribed channel, dropping clients that fail to keep up.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for conn := range h.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
			log.Debugf("dashboard: websocket write error: %v", err)
			conn.Close()
			delete(h.clients, conn)
		}
	}

	for id, ch := range h.chans {
		select {
		case ch <- payload:
		default:
			log.Warnf("dashboard: SSE subscriber %d too slow, dropping event", id)
		}
	}
}
