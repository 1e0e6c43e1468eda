// -----------------------------------------------------------------------
// WebSocket edge - streams job updates, job logs and status frames
// -----------------------------------------------------------------------

package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/atlas/internal/common"
	"github.com/ternarybob/atlas/internal/interfaces"
	"github.com/ternarybob/atlas/internal/models"
	"golang.org/x/time/rate"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for local development
	},
}

// clientSendBuffer bounds the per-client frame queue. A reader that
// falls this far behind starts losing frames, never stalling publishers.
const clientSendBuffer = 256

// WebSocketHandler owns the socket hub. Each connection registers an
// event sink with the broadcast service; an optional ?jobId= query
// narrows the subscription to one job.
type WebSocketHandler struct {
	logger            arbor.ILogger
	events            interfaces.EventService
	clients           map[*wsClient]bool
	mu                sync.RWMutex
	minLevel          int
	excludePatterns   []string
	throttleIntervals map[string]time.Duration
	serverInstanceID  string // regenerated on startup so clients detect restarts
	startedAt         time.Time
	done              chan struct{}
	closeOnce         sync.Once
}

func NewWebSocketHandler(eventService interfaces.EventService, logger arbor.ILogger, config *common.WebSocketConfig) *WebSocketHandler {
	h := &WebSocketHandler{
		logger:            logger,
		events:            eventService,
		clients:           make(map[*wsClient]bool),
		minLevel:          logLevelRank("info"),
		throttleIntervals: make(map[string]time.Duration),
		serverInstanceID:  uuid.New().String(),
		startedAt:         time.Now(),
		done:              make(chan struct{}),
	}

	if config != nil {
		h.minLevel = logLevelRank(config.MinLevel)
		h.excludePatterns = config.ExcludePatterns

		for eventType, intervalStr := range config.ThrottleIntervals {
			interval, err := time.ParseDuration(intervalStr)
			if err != nil {
				logger.Warn().
					Err(err).
					Str("event_type", eventType).
					Str("interval", intervalStr).
					Msg("Failed to parse throttle interval, throttling disabled for event type")
				continue
			}
			h.throttleIntervals[eventType] = interval
		}
	}

	logger.Info().
		Str("server_instance_id", h.serverInstanceID).
		Int("throttled_event_types", len(h.throttleIntervals)).
		Msg("WebSocket handler initialized")

	return h
}

// HandleWebSocket handles GET /ws. The connection stays subscribed until
// the client goes away or the handler shuts down.
func (h *WebSocketHandler) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
		return
	}

	jobID := r.URL.Query().Get("jobId")
	client := h.newClient(conn)

	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()

	sub := h.events.Subscribe(client, jobID)
	h.logger.Debug().
		Str("client_id", client.id).
		Str("job_id", jobID).
		Msgf("WebSocket client connected (total: %d)", total)

	h.sendHello(client, sub)
	go client.writePump()

	defer func() {
		h.events.Unsubscribe(sub.ID)
		client.shutdown()

		h.mu.Lock()
		delete(h.clients, client)
		remaining := len(h.clients)
		h.mu.Unlock()

		h.logger.Debug().
			Str("client_id", client.id).
			Msgf("WebSocket client disconnected (remaining: %d)", remaining)
	}()

	// Reads only serve liveness; the protocol has no client commands.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				h.logger.Warn().Err(err).Str("client_id", client.id).Msg("WebSocket read error")
			}
			return
		}
	}
}

// StartStatusBroadcaster pushes queue depth and server state to all
// connected clients on a ticker. Skips the work entirely while nobody
// is connected.
func (h *WebSocketHandler) StartStatusBroadcaster(queue interfaces.QueueService, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-h.done:
				return
			case <-ticker.C:
				h.broadcastStatus(queue)
			}
		}
	}()
}

// SubscriberCount returns the number of connected clients
func (h *WebSocketHandler) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Close stops the status broadcaster and disconnects all clients
func (h *WebSocketHandler) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.mu.Lock()
		clients := make([]*wsClient, 0, len(h.clients))
		for c := range h.clients {
			clients = append(clients, c)
		}
		h.clients = make(map[*wsClient]bool)
		h.mu.Unlock()

		for _, c := range clients {
			c.shutdown()
		}

		h.logger.Info().Int("clients", len(clients)).Msg("WebSocket handler closed")
	})
}

// helloFrame acknowledges the subscription. Clients compare
// serverInstanceId across reconnects to detect a server restart and
// clear any cached state.
type helloFrame struct {
	Type             string `json:"type"`
	ServerInstanceID string `json:"serverInstanceId"`
	SubscriptionID   string `json:"subscriptionId"`
	JobID            string `json:"jobId,omitempty"`
	Version          string `json:"version"`
	Timestamp        int64  `json:"timestamp"`
}

func (h *WebSocketHandler) sendHello(client *wsClient, sub *models.Subscription) {
	data, err := json.Marshal(helloFrame{
		Type:             "hello",
		ServerInstanceID: h.serverInstanceID,
		SubscriptionID:   sub.ID,
		JobID:            sub.JobID,
		Version:          common.GetVersion(),
		Timestamp:        models.NowMillis(),
	})
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal hello frame")
		return
	}
	client.enqueue(data)
}

// statusFrame is the periodic server-state push so dashboards see queue
// depth and uptime without polling.
type statusFrame struct {
	Type             string                 `json:"type"`
	ServerInstanceID string                 `json:"serverInstanceId"`
	Subscribers      int                    `json:"subscribers"`
	Queue            map[string]interface{} `json:"queue,omitempty"`
	UptimeSeconds    int64                  `json:"uptimeSeconds"`
	Version          string                 `json:"version"`
	Timestamp        int64                  `json:"timestamp"`
}

func (h *WebSocketHandler) broadcastStatus(queue interfaces.QueueService) {
	h.mu.RLock()
	connected := len(h.clients)
	h.mu.RUnlock()
	if connected == 0 {
		return
	}

	frame := statusFrame{
		Type:             "status",
		ServerInstanceID: h.serverInstanceID,
		Subscribers:      connected,
		UptimeSeconds:    int64(time.Since(h.startedAt).Seconds()),
		Version:          common.GetVersion(),
		Timestamp:        models.NowMillis(),
	}

	if queue != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		if stats, err := queue.Stats(ctx); err == nil {
			frame.Queue = stats
		}
		cancel()
	}

	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to marshal status frame")
		return
	}
	h.broadcastRaw(data)
}

// serverLogFrame carries one server log line to connected clients. Job
// logs ride the subscription stream instead; this channel is for
// process-level logs surfaced by the arbor bridge.
type serverLogFrame struct {
	Type      string `json:"type"`
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Message   string `json:"message"`
}

// BroadcastServerLog pushes a server log line to every connected client
func (h *WebSocketHandler) BroadcastServerLog(timestamp, level, message string) {
	data, err := json.Marshal(serverLogFrame{
		Type:      "server_log",
		Timestamp: timestamp,
		Level:     level,
		Message:   message,
	})
	if err != nil {
		return
	}
	h.broadcastRaw(data)
}

func (h *WebSocketHandler) broadcastRaw(data []byte) {
	h.mu.RLock()
	clients := make([]*wsClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		c.enqueue(data)
	}
}

func (h *WebSocketHandler) newClient(conn *websocket.Conn) *wsClient {
	limiters := make(map[string]*rate.Limiter, len(h.throttleIntervals))
	for eventType, interval := range h.throttleIntervals {
		limiters[eventType] = rate.NewLimiter(rate.Every(interval), 1)
	}

	return &wsClient{
		id:              uuid.New().String(),
		conn:            conn,
		send:            make(chan []byte, clientSendBuffer),
		closed:          make(chan struct{}),
		minLevel:        h.minLevel,
		excludePatterns: h.excludePatterns,
		limiters:        limiters,
	}
}

// wsClient is one connected socket. It implements the event sink
// contract: Deliver never blocks, filtered or dropped frames do not
// unsubscribe, and only a closed client reports itself gone.
type wsClient struct {
	id              string
	conn            *websocket.Conn
	send            chan []byte
	closed          chan struct{}
	closeOnce       sync.Once
	minLevel        int
	excludePatterns []string
	limiters        map[string]*rate.Limiter
}

// ID identifies the sink for registry bookkeeping
func (c *wsClient) ID() string { return c.id }

// Deliver filters and queues one broadcast event
func (c *wsClient) Deliver(event *models.BroadcastEvent) bool {
	select {
	case <-c.closed:
		return false
	default:
	}

	if event.Type == models.EventTypeLog {
		if logLevelRank(event.Level) < c.minLevel {
			return true
		}
		for _, pattern := range c.excludePatterns {
			if strings.Contains(event.Message, pattern) {
				return true
			}
		}
	}
	if limiter, ok := c.limiters[event.Type]; ok && !limiter.Allow() {
		return true
	}

	data, err := event.ToJSON()
	if err != nil {
		return true
	}
	c.enqueue(data)
	return true
}

// enqueue queues a frame, dropping it when the client's buffer is full
func (c *wsClient) enqueue(data []byte) {
	select {
	case <-c.closed:
		return
	default:
	}

	select {
	case c.send <- data:
	default:
	}
}

// writePump is the connection's sole writer
func (c *wsClient) writePump() {
	defer c.conn.Close()

	for {
		select {
		case <-c.closed:
			return
		case data := <-c.send:
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.shutdown()
				return
			}
		}
	}
}

func (c *wsClient) shutdown() {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.conn.Close()
	})
}

// logLevelRank orders log levels for min-level filtering
func logLevelRank(level string) int {
	switch strings.ToLower(level) {
	case "debug":
		return 0
	case "info":
		return 1
	case "warn", "warning":
		return 2
	case "error":
		return 3
	default:
		return 1
	}
}
