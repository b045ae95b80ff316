package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ernie/blockbridge/internal/collector"
)

const initialLogLines = 500

// LogMessage is the message format for console streaming
type LogMessage struct {
	Type    string   `json:"type"`              // "initial", "lines", "error"
	Lines   []string `json:"lines,omitempty"`   // log lines
	Message string   `json:"message,omitempty"` // error message
}

// LogStreamClient is an admin watching the server console
type LogStreamClient struct {
	conn    *websocket.Conn
	send    chan []byte
	manager *LogStreamManager
}

// LogStreamManager shares one tailer of the server log between every
// subscribed client. The tailer runs only while someone is subscribed.
type LogStreamManager struct {
	path string

	mu      sync.Mutex
	tailer  *collector.LogTailer
	stop    chan struct{}
	clients map[*LogStreamClient]bool
}

// NewLogStreamManager creates a manager for the log at path
func NewLogStreamManager(path string) *LogStreamManager {
	return &LogStreamManager{
		path:    path,
		clients: make(map[*LogStreamClient]bool),
	}
}

// Subscribe adds a client and returns the most recent lines of the log
func (m *LogStreamManager) Subscribe(client *LogStreamClient) ([]string, error) {
	lines, err := collector.ReadLastLines(m.path, initialLogLines)
	if err != nil {
		log.Printf("Error reading initial log lines: %v", err)
		lines = []string{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.clients[client] = true
	if m.tailer == nil {
		tailer := collector.NewLogTailer(m.path, time.Second)
		if err := tailer.Start(); err != nil {
			delete(m.clients, client)
			return nil, err
		}
		m.tailer = tailer
		m.stop = make(chan struct{})
		go m.forwardLines(tailer, m.stop)
	}

	log.Printf("Log stream client subscribed (%d total)", len(m.clients))
	return lines, nil
}

// Unsubscribe removes a client and stops the tailer after the last one
func (m *LogStreamManager) Unsubscribe(client *LogStreamClient) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.clients[client] {
		return
	}
	delete(m.clients, client)
	close(client.send)
	log.Printf("Log stream client unsubscribed (%d remaining)", len(m.clients))

	if len(m.clients) == 0 {
		m.stopTailerLocked()
	}
}

// Close disconnects every client and stops the tailer
func (m *LogStreamManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for client := range m.clients {
		delete(m.clients, client)
		close(client.send)
	}
	m.stopTailerLocked()
}

// Subscribers returns the number of connected clients
func (m *LogStreamManager) Subscribers() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.clients)
}

func (m *LogStreamManager) stopTailerLocked() {
	if m.tailer == nil {
		return
	}
	close(m.stop)
	m.tailer.Stop()
	m.tailer = nil
	log.Println("Stopped log tailer (no subscribers)")
}

// forwardLines forwards new log lines to all subscribed clients
func (m *LogStreamManager) forwardLines(tailer *collector.LogTailer, stop chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case line := <-tailer.Lines:
			data, _ := json.Marshal(LogMessage{Type: "lines", Lines: []string{line}})

			m.mu.Lock()
			for client := range m.clients {
				select {
				case client.send <- data:
				default:
					// Slow client, drop the line for it
				}
			}
			m.mu.Unlock()
		case err := <-tailer.Errors:
			log.Printf("Log tailer error: %v", err)
		}
	}
}

// handleLogWebSocket streams the server console to an admin
func (r *Router) handleLogWebSocket(w http.ResponseWriter, req *http.Request) {
	// Browsers cannot set headers on the upgrade request
	token := req.URL.Query().Get("token")
	if token == "" {
		writeError(w, http.StatusUnauthorized, "token required")
		return
	}
	claims, err := r.auth.ValidateToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !claims.IsAdmin {
		writeError(w, http.StatusForbidden, "admin access required")
		return
	}
	if r.deps.LogPath == "" {
		writeError(w, http.StatusServiceUnavailable, "no server log configured")
		return
	}

	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		log.Printf("Log WebSocket upgrade error: %v", err)
		return
	}

	client := &LogStreamClient{
		conn:    conn,
		send:    make(chan []byte, 256),
		manager: r.logStream,
	}

	initialLines, err := r.logStream.Subscribe(client)
	if err != nil {
		log.Printf("Log subscription error: %v", err)
		data, _ := json.Marshal(LogMessage{Type: "error", Message: "failed to subscribe to logs"})
		conn.WriteMessage(websocket.TextMessage, data)
		conn.Close()
		return
	}

	// Queued ahead of any tailed line
	data, _ := json.Marshal(LogMessage{Type: "initial", Lines: initialLines})
	conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		r.logStream.Unsubscribe(client)
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// readPump reads messages from the WebSocket (handles close)
func (c *LogStreamClient) readPump() {
	defer func() {
		c.manager.Unsubscribe(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		_, _, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNoStatusReceived) {
				log.Printf("Log WebSocket error: %v", err)
			}
			break
		}
	}
}

// writePump sends messages to the WebSocket
func (c *LogStreamClient) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
