// Package websocket streams live scan activity to connected dashboards.
package websocket

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ScanEvent is a real-time event pushed to entry-control dashboards.
type ScanEvent struct {
	Type      string                 `json:"type"` // "scan_result", "fraud_alert", "session_update"
	TicketID  string                 `json:"ticketId,omitempty"`
	EventID   string                 `json:"eventId,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// ScanFeed manages WebSocket connections for live scan updates.
type ScanFeed struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan ScanEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stop       chan struct{}
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *log.Logger
}

// NewScanFeed creates a scan feed hub. Call Run in a goroutine to start it.
func NewScanFeed() *ScanFeed {
	return &ScanFeed{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan ScanEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stop:       make(chan struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // scanners connect from venue networks
			},
		},
		logger: log.New(log.Writer(), "[SCAN-FEED] ", log.LstdFlags),
	}
}

// Run starts the hub loop.
func (sf *ScanFeed) Run() {
	for {
		select {
		case client := <-sf.register:
			sf.mu.Lock()
			sf.clients[client] = true
			total := len(sf.clients)
			sf.mu.Unlock()
			sf.logger.Printf("client connected (total: %d)", total)

		case client := <-sf.unregister:
			sf.mu.Lock()
			if _, ok := sf.clients[client]; ok {
				delete(sf.clients, client)
				client.Close()
			}
			total := len(sf.clients)
			sf.mu.Unlock()
			sf.logger.Printf("client disconnected (total: %d)", total)

		case event := <-sf.broadcast:
			sf.mu.Lock()
			for client := range sf.clients {
				if err := client.WriteJSON(event); err != nil {
					sf.logger.Printf("write error: %v", err)
					client.Close()
					delete(sf.clients, client)
				}
			}
			sf.mu.Unlock()

		case <-sf.stop:
			sf.mu.Lock()
			for client := range sf.clients {
				client.Close()
				delete(sf.clients, client)
			}
			sf.mu.Unlock()
			return
		}
	}
}

// Stop shuts down the hub and closes all client connections.
func (sf *ScanFeed) Stop() {
	close(sf.stop)
}

// HandleWebSocket upgrades the request and registers the client.
func (sf *ScanFeed) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := sf.upgrader.Upgrade(w, r, nil)
	if err != nil {
		sf.logger.Printf("upgrade error: %v", err)
		return
	}

	sf.register <- conn

	// Drain client messages to detect disconnects
	go func() {
		defer func() {
			sf.unregister <- conn
		}()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

// BroadcastEvent sends an event to all connected clients. Drops the event
// when the broadcast queue is full rather than stalling a scan.
func (sf *ScanFeed) BroadcastEvent(event ScanEvent) {
	event.Timestamp = time.Now()
	select {
	case sf.broadcast <- event:
	default:
		sf.logger.Printf("broadcast queue full, dropping %s event", event.Type)
	}
}

// StreamScanResult broadcasts the outcome of a validation.
func (sf *ScanFeed) StreamScanResult(ticketID, eventID string, success bool, code, location string) {
	sf.BroadcastEvent(ScanEvent{
		Type:     "scan_result",
		TicketID: ticketID,
		EventID:  eventID,
		Data: map[string]interface{}{
			"success":  success,
			"code":     code,
			"location": location,
		},
	})
}

// StreamFraudAlert broadcasts a detected fraud pattern.
func (sf *ScanFeed) StreamFraudAlert(ticketID, fraudType, severity string, riskScore int) {
	sf.BroadcastEvent(ScanEvent{
		Type:     "fraud_alert",
		TicketID: ticketID,
		Data: map[string]interface{}{
			"fraudType": fraudType,
			"severity":  severity,
			"riskScore": riskScore,
		},
	})
}

// StreamSessionUpdate broadcasts a session lifecycle change.
func (sf *ScanFeed) StreamSessionUpdate(sessionID int64, status, operatorID, location string) {
	sf.BroadcastEvent(ScanEvent{
		Type: "session_update",
		Data: map[string]interface{}{
			"sessionId":  sessionID,
			"status":     status,
			"operatorId": operatorID,
			"location":   location,
		},
	})
}

// Statistics returns hub counters for the health endpoint.
func (sf *ScanFeed) Statistics() map[string]interface{} {
	sf.mu.RLock()
	defer sf.mu.RUnlock()

	return map[string]interface{}{
		"connected_clients": len(sf.clients),
		"broadcast_queue":   len(sf.broadcast),
	}
}
