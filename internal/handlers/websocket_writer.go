// -----------------------------------------------------------------------
// WebSocket log bridge - relays arbor server logs to connected clients
// -----------------------------------------------------------------------

package handlers

import (
	"strings"
	"sync"

	plog "github.com/phuslu/log"
	"github.com/ternarybob/arbor/levels"
	arbormodels "github.com/ternarybob/arbor/models"

	"github.com/ternarybob/atlas/internal/common"
)

// logStreamBuffer bounds the number of in-flight log batches; arbor
// drops batches when the channel is full.
const logStreamBuffer = 10

// defaultExcludePatterns suppresses the handler's own chatter so the
// stream does not feed on itself.
var defaultExcludePatterns = []string{
	"WebSocket client connected",
	"WebSocket client disconnected",
	"HTTP request",
	"HTTP response",
}

// LogStreamer consumes arbor's log channel and relays server log lines
// to WebSocket clients, filtered by minimum level and message patterns.
// Wire it with logger.SetChannel(name, streamer.Channel()).
type LogStreamer struct {
	handler         *WebSocketHandler
	channel         chan []arbormodels.LogEvent
	minLevel        levels.LogLevel
	excludePatterns []string
	done            chan struct{}
	wg              sync.WaitGroup
	stopOnce        sync.Once
}

func NewLogStreamer(handler *WebSocketHandler, config *common.WebSocketConfig) *LogStreamer {
	minLevel := levels.InfoLevel
	var exclude []string

	if config != nil {
		minLevel = parseStreamLevel(config.MinLevel)
		exclude = config.ExcludePatterns
	}
	if len(exclude) == 0 {
		exclude = defaultExcludePatterns
	}

	return &LogStreamer{
		handler:         handler,
		channel:         make(chan []arbormodels.LogEvent, logStreamBuffer),
		minLevel:        minLevel,
		excludePatterns: exclude,
		done:            make(chan struct{}),
	}
}

// Channel returns the batch channel to register with arbor
func (s *LogStreamer) Channel() chan []arbormodels.LogEvent {
	return s.channel
}

// Start launches the consumer goroutine
func (s *LogStreamer) Start() {
	s.wg.Add(1)
	go s.consume()
}

// Stop shuts the consumer down and waits for it to drain
func (s *LogStreamer) Stop() {
	s.stopOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()
}

func (s *LogStreamer) consume() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			return
		case batch, ok := <-s.channel:
			if !ok {
				return
			}
			for _, event := range batch {
				if !s.keep(event) {
					continue
				}
				s.handler.BroadcastServerLog(
					event.Timestamp.Format("15:04:05"),
					levelLabel(plogToArborLevel(event.Level)),
					event.Message,
				)
			}
		}
	}
}

func (s *LogStreamer) keep(event arbormodels.LogEvent) bool {
	if plogToArborLevel(event.Level) < s.minLevel {
		return false
	}
	for _, pattern := range s.excludePatterns {
		if strings.Contains(event.Message, pattern) {
			return false
		}
	}
	return true
}

// plogToArborLevel converts phuslu/log.Level to arbor levels.LogLevel
func plogToArborLevel(level plog.Level) levels.LogLevel {
	switch level {
	case plog.ErrorLevel:
		return levels.ErrorLevel
	case plog.WarnLevel:
		return levels.WarnLevel
	case plog.InfoLevel:
		return levels.InfoLevel
	case plog.DebugLevel:
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// parseStreamLevel converts a config string to arbor levels.LogLevel
func parseStreamLevel(level string) levels.LogLevel {
	switch strings.ToLower(level) {
	case "error":
		return levels.ErrorLevel
	case "warn", "warning":
		return levels.WarnLevel
	case "info":
		return levels.InfoLevel
	case "debug":
		return levels.DebugLevel
	default:
		return levels.InfoLevel
	}
}

// levelLabel maps arbor log levels to wire strings
func levelLabel(level levels.LogLevel) string {
	switch level {
	case levels.ErrorLevel:
		return "error"
	case levels.WarnLevel:
		return "warn"
	case levels.InfoLevel:
		return "info"
	case levels.DebugLevel:
		return "debug"
	default:
		return "info"
	}
}
