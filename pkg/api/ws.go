package api

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/pitchlens/inference-scheduler/pkg/events"
	"github.com/pitchlens/inference-scheduler/pkg/jobstore"
	"github.com/pitchlens/inference-scheduler/pkg/logging"
	"github.com/pitchlens/inference-scheduler/pkg/models"
	"github.com/pitchlens/inference-scheduler/pkg/registry"
)

const (
	writeWait        = 10 * time.Second
	maxClientFrame   = 4096
	defaultClientQ   = 512
	defaultPingEvery = 30 * time.Second
)

// Hub streams node and job changes to websocket clients. A new client first receives
// the current state of every live node and unfinished job, then the live event stream.
type Hub struct {
	bus    *events.Bus
	reg    *registry.Registry
	jobs   *jobstore.Store
	logger *logging.Logger

	upgrader     websocket.Upgrader
	sendBuffer   int
	pingInterval time.Duration

	mu      sync.Mutex
	clients map[*wsClient]struct{}
	closed  bool
}

type wsClient struct {
	conn *websocket.Conn
	send chan events.Event
	done chan struct{}
	once sync.Once
	seen map[string]uint64 // Last version written per entity; writer goroutine only
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

// NewHub creates a hub reading from bus
func NewHub(bus *events.Bus, reg *registry.Registry, jobs *jobstore.Store, logger *logging.Logger) *Hub {
	if logger == nil {
		logger = logging.Discard()
	}
	return &Hub{
		bus:    bus,
		reg:    reg,
		jobs:   jobs,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		sendBuffer:   defaultClientQ,
		pingInterval: defaultPingEvery,
		clients:      make(map[*wsClient]struct{}),
	}
}

// ServeWS upgrades the connection and streams updates until the client goes away
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn(fmt.Sprintf("[WebSocket] Upgrade failed: %v", err))
		return
	}

	c := &wsClient{
		conn: conn,
		send: make(chan events.Event, h.sendBuffer),
		done: make(chan struct{}),
		seen: make(map[string]uint64),
	}
	if !h.add(c) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}
	defer h.remove(c)

	// Subscribe before taking the snapshot so no change falls between the two.
	// Anything already covered by the snapshot is dropped by the version filter.
	unsubscribe := h.bus.Subscribe("ws:"+r.RemoteAddr, func(e events.Event) {
		select {
		case c.send <- e:
		case <-c.done:
		default:
			h.logger.Warn(fmt.Sprintf("[WebSocket] Client %s fell behind, disconnecting", r.RemoteAddr))
			c.close()
		}
	})
	defer unsubscribe()

	h.logger.Info(fmt.Sprintf("[WebSocket] Client connected: %s", r.RemoteAddr))
	go h.readLoop(c)
	h.writeLoop(c, h.snapshot())
	h.logger.Info(fmt.Sprintf("[WebSocket] Client disconnected: %s", r.RemoteAddr))
}

// snapshot returns the replay sent to a new client
func (h *Hub) snapshot() []events.Event {
	now := time.Now()
	var out []events.Event
	for _, n := range h.reg.List(false) {
		out = append(out, events.NodeEvent(events.NodeAdded, n, now))
	}
	for _, status := range []models.JobStatus{models.JobStatusQueued, models.JobStatusProcessing} {
		for _, summary := range h.jobs.List(status, 0) {
			job, err := h.jobs.Get(summary.ID)
			if err != nil {
				continue
			}
			out = append(out, events.JobEvent(&job, job.Frames, now))
		}
	}
	return out
}

func (h *Hub) writeLoop(c *wsClient, replay []events.Event) {
	ticker := time.NewTicker(h.pingInterval)
	defer func() {
		ticker.Stop()
		c.close()
		c.conn.Close()
	}()

	for _, e := range replay {
		if err := c.write(e); err != nil {
			return
		}
	}
	for {
		select {
		case e := <-c.send:
			if err := c.write(e); err != nil {
				h.logger.Debug(fmt.Sprintf("[WebSocket] Write failed: %v", err))
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.logger.Debug(fmt.Sprintf("[WebSocket] Ping failed: %v", err))
				return
			}
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// write sends e unless the client has already seen this or a newer version of the entity
func (c *wsClient) write(e events.Event) error {
	key := "job:" + e.EntityID
	if e.Node != nil {
		key = "node:" + e.EntityID
	}
	if last, ok := c.seen[key]; ok && e.Version <= last {
		return nil
	}
	c.seen[key] = e.Version

	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(e.Message())
}

// readLoop discards client frames and keeps the read deadline alive on pongs
func (h *Hub) readLoop(c *wsClient) {
	defer c.close()

	pongWait := 2 * h.pingInterval
	c.conn.SetReadLimit(maxClientFrame)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) add(c *wsClient) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.clients[c] = struct{}{}
	return true
}

func (h *Hub) remove(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.clients, c)
}

// Clients returns the number of connected clients
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and refuses new ones
func (h *Hub) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		c.close()
	}
	return nil
}
