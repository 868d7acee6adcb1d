package main

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cwsl/radio_observer/events"
)

// BolidWebSocketHandler streams detected bolids to WebSocket clients
type BolidWebSocketHandler struct {
	clients   map[*websocket.Conn]*sync.Mutex // Each connection has its own write mutex
	clientsMu sync.RWMutex
	upgrader  websocket.Upgrader

	// Recent bolids sent to new connections
	buffer    []events.Bolid
	bufferMu  sync.RWMutex
	maxBuffer int

	pending chan events.Bolid
	done    chan struct{}
	stateMu sync.Mutex
	closed  bool
}

// NewBolidWebSocketHandler creates a handler and starts its broadcaster
func NewBolidWebSocketHandler() *BolidWebSocketHandler {
	h := &BolidWebSocketHandler{
		clients:   make(map[*websocket.Conn]*sync.Mutex),
		maxBuffer: 50,
		pending:   make(chan events.Bolid, 64),
		done:      make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:    1024,
			WriteBufferSize:   1024,
			EnableCompression: true,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	go h.run()
	return h
}

// Subscribe broadcasts every bolid published on bus
func (h *BolidWebSocketHandler) Subscribe(bus *events.Bus[events.Bolid]) {
	bus.Subscribe(h.Enqueue)
}

// Enqueue hands a bolid to the broadcaster without blocking. Events are
// dropped when the broadcaster is behind.
func (h *BolidWebSocketHandler) Enqueue(ev events.Bolid) {
	h.remember(ev)

	h.stateMu.Lock()
	defer h.stateMu.Unlock()
	if h.closed {
		return
	}
	select {
	case h.pending <- ev:
	default:
		log.Printf("Bolid WebSocket: Broadcaster busy, dropping bolid %s", ev.ID)
	}
}

func (h *BolidWebSocketHandler) remember(ev events.Bolid) {
	h.bufferMu.Lock()
	defer h.bufferMu.Unlock()
	h.buffer = append(h.buffer, ev)
	if len(h.buffer) > h.maxBuffer {
		h.buffer = h.buffer[len(h.buffer)-h.maxBuffer:]
	}
}

// Recent returns the buffered bolids, oldest first
func (h *BolidWebSocketHandler) Recent() []events.Bolid {
	h.bufferMu.RLock()
	defer h.bufferMu.RUnlock()
	return append([]events.Bolid(nil), h.buffer...)
}

func (h *BolidWebSocketHandler) run() {
	defer close(h.done)
	for ev := range h.pending {
		h.broadcast(bolidMessage(ev))
	}
}

// Close stops the broadcaster and disconnects every client
func (h *BolidWebSocketHandler) Close() {
	h.stateMu.Lock()
	if h.closed {
		h.stateMu.Unlock()
		return
	}
	h.closed = true
	close(h.pending)
	h.stateMu.Unlock()
	<-h.done

	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}

func bolidMessage(ev events.Bolid) map[string]interface{} {
	return map[string]interface{}{
		"type":  "bolid",
		"bolid": ev,
	}
}

// HandleWebSocket handles WebSocket connections for the live bolid feed
func (h *BolidWebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("Bolid WebSocket: Failed to upgrade connection: %v", err)
		return
	}

	writeMu := &sync.Mutex{}
	h.clientsMu.Lock()
	h.clients[conn] = writeMu
	clientCount := len(h.clients)
	h.clientsMu.Unlock()
	log.Printf("Bolid WebSocket: Client connected from %s (total: %d)", getClientIP(r), clientCount)

	defer func() {
		h.clientsMu.Lock()
		delete(h.clients, conn)
		clientCount := len(h.clients)
		h.clientsMu.Unlock()

		conn.Close()
		log.Printf("Bolid WebSocket: Client disconnected (remaining: %d)", clientCount)
	}()

	for _, ev := range h.Recent() {
		h.sendMessage(conn, writeMu, bolidMessage(ev))
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	go func() {
		for range ticker.C {
			h.clientsMu.RLock()
			_, exists := h.clients[conn]
			h.clientsMu.RUnlock()
			if !exists {
				return
			}

			writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}()

	// Read messages for keepalive
	for {
		messageType, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Bolid WebSocket: Read error: %v", err)
			}
			break
		}

		if messageType == websocket.TextMessage {
			var msg map[string]interface{}
			if err := json.Unmarshal(message, &msg); err == nil && msg["type"] == "ping" {
				h.sendMessage(conn, writeMu, map[string]interface{}{"type": "pong"})
			}
		}
	}
}

func (h *BolidWebSocketHandler) sendMessage(conn *websocket.Conn, writeMu *sync.Mutex, message map[string]interface{}) {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("Bolid WebSocket: Failed to marshal message: %v", err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, messageJSON); err != nil {
		log.Printf("Bolid WebSocket: Failed to send message: %v", err)
	}
}

func (h *BolidWebSocketHandler) broadcast(message map[string]interface{}) {
	messageJSON, err := json.Marshal(message)
	if err != nil {
		log.Printf("Bolid WebSocket: Failed to marshal message: %v", err)
		return
	}

	// Copy client list first, then release lock before writing
	h.clientsMu.RLock()
	clientList := make([]*websocket.Conn, 0, len(h.clients))
	writeMutexes := make([]*sync.Mutex, 0, len(h.clients))
	for conn, writeMu := range h.clients {
		clientList = append(clientList, conn)
		writeMutexes = append(writeMutexes, writeMu)
	}
	h.clientsMu.RUnlock()

	var failedConns []*websocket.Conn
	for i, conn := range clientList {
		writeMu := writeMutexes[i]
		writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		err := conn.WriteMessage(websocket.TextMessage, messageJSON)
		writeMu.Unlock()

		if err != nil {
			log.Printf("Bolid WebSocket: Failed to send message to client: %v", err)
			failedConns = append(failedConns, conn)
		}
	}

	if len(failedConns) > 0 {
		h.clientsMu.Lock()
		for _, conn := range failedConns {
			if _, exists := h.clients[conn]; exists {
				delete(h.clients, conn)
				conn.Close()
			}
		}
		remainingClients := len(h.clients)
		h.clientsMu.Unlock()
		log.Printf("Bolid WebSocket: Cleaned up %d failed connection(s) (remaining: %d)", len(failedConns), remainingClients)
	}
}
