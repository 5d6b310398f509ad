package server

import (
	"encoding/json"
	"sync"

	"github.com/nodeprobe/nodeprobe/internal/orchestrator"
)

type progressMessage struct {
	SchemaVersion int                 `json:"schema_version"`
	Type          string              `json:"type"`
	Session       orchestrator.Status `json:"session"`
}

// ProgressHub fans session status updates out to websocket clients.
// Broadcast never blocks a measurement: slow clients drop messages.
type ProgressHub struct {
	mu        sync.Mutex
	clients   map[*hubClient]struct{}
	broadcast chan progressMessage
	ctxDone   <-chan struct{}
}

type hubClient struct {
	send      chan []byte
	closeOnce sync.Once
}

func NewProgressHub(ctxDone <-chan struct{}) *ProgressHub {
	h := &ProgressHub{
		clients:   make(map[*hubClient]struct{}),
		broadcast: make(chan progressMessage, 128),
		ctxDone:   ctxDone,
	}
	go h.run()
	return h
}

func (h *ProgressHub) run() {
	for {
		select {
		case <-h.ctxDone:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
			}
			h.clients = make(map[*hubClient]struct{})
			h.mu.Unlock()
			return
		case msg := <-h.broadcast:
			h.mu.Lock()
			data, _ := json.Marshal(msg)
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
				}
			}
			h.mu.Unlock()
		}
	}
}

func (h *ProgressHub) Register(client *hubClient) {
	h.mu.Lock()
	h.clients[client] = struct{}{}
	h.mu.Unlock()
}

func (h *ProgressHub) Unregister(client *hubClient) {
	h.mu.Lock()
	delete(h.clients, client)
	h.mu.Unlock()
	client.close()
}

// BroadcastStatus queues one session snapshot for every connected
// client. Suitable as the orchestrator's Notify callback.
func (h *ProgressHub) BroadcastStatus(st orchestrator.Status) {
	select {
	case h.broadcast <- progressMessage{SchemaVersion: 1, Type: "session_status", Session: st}:
	default:
	}
}

func (c *hubClient) close() {
	c.closeOnce.Do(func() {
		close(c.send)
	})
}
