package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/autopilot-defi/autopilot-indexer/pkg/events"
	"github.com/autopilot-defi/autopilot-indexer/pkg/ledger"
)

// Config configures the WebSocket log listener.
type Config struct {
	URL             string        // WebSocket URL of the ledger node (e.g., "wss://node.example.com")
	ContractAddress string        // Contract whose logs to subscribe to
	MaxRetries      int           // Max reconnection attempts (default: 25)
	ReconnectDelay  time.Duration // Base delay between reconnects (default: 1s)
}

// LogHandler is called for each log received over the subscription.
type LogHandler func(env events.Envelope) error

// BlockTimer resolves block numbers to block timestamps.
type BlockTimer interface {
	BlockTime(ctx context.Context, block uint64) (uint64, error)
}

// Listener subscribes to a ledger node via WebSocket for contract logs.
type Listener struct {
	config Config
	timer  BlockTimer
	onLog  LogHandler
	conn   *websocket.Conn
	mu     sync.RWMutex

	// Block timestamp memo for the current connection (protected by mu)
	blockTimes map[uint64]uint64

	// Stats (protected by mu)
	connectedAt   time.Time
	messageCount  uint64
	lastMessageAt time.Time
}

// New creates a new WebSocket log listener.
func New(config Config, timer BlockTimer, onLog LogHandler) *Listener {
	if config.MaxRetries <= 0 {
		config.MaxRetries = 25
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = time.Second
	}
	return &Listener{
		config:     config,
		timer:      timer,
		onLog:      onLog,
		blockTimes: make(map[uint64]uint64),
	}
}

// subscribeRequest is the eth_subscribe call sent after connecting.
type subscribeRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// subscriptionMessage covers both the subscribe reply and notifications.
type subscriptionMessage struct {
	ID     int             `json:"id,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Method string          `json:"method,omitempty"`
	Params struct {
		Subscription string          `json:"subscription"`
		Result       json.RawMessage `json:"result"`
	} `json:"params"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Run starts the listener. It blocks until the context is cancelled.
func (l *Listener) Run(ctx context.Context) error {
	wsURL, err := l.buildURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	for attempt := 0; attempt < l.config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		slog.Info("connecting to ledger node",
			"attempt", attempt+1,
			"max_retries", l.config.MaxRetries,
			"url", wsURL,
		)

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			l.mu.Lock()
			l.conn = conn
			l.connectedAt = time.Now()
			l.messageCount = 0
			l.blockTimes = make(map[uint64]uint64)
			l.mu.Unlock()

			slog.Info("websocket connected", "url", wsURL)

			err = l.listen(ctx)
			if err == context.Canceled {
				return err
			}

			l.mu.Lock()
			uptime := time.Since(l.connectedAt)
			msgCount := l.messageCount
			if l.conn != nil {
				_ = l.conn.Close()
				l.conn = nil
			}
			l.mu.Unlock()

			slog.Warn("websocket disconnected",
				"err", err,
				"uptime", uptime.Round(time.Second),
				"messages_received", msgCount,
			)

			// Reset attempt counter on successful connection
			attempt = 0
			continue
		}

		slog.Warn("failed to connect to ledger node",
			"attempt", attempt+1,
			"err", err,
		)

		// Linear backoff
		delay := time.Duration(attempt+1) * l.config.ReconnectDelay
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("max retries (%d) reached", l.config.MaxRetries)
}

// buildURL normalizes the configured URL to a ws/wss URL.
func (l *Listener) buildURL() (string, error) {
	parsed, err := url.Parse(l.config.URL)
	if err != nil {
		return "", err
	}

	host := parsed.Host
	if host == "" {
		host = parsed.Path
		parsed.Path = ""
	}

	wsScheme := "ws"
	if parsed.Scheme == "https" || parsed.Scheme == "wss" {
		wsScheme = "wss"
	}

	wsURL := url.URL{
		Scheme: wsScheme,
		Host:   host,
		Path:   parsed.Path,
	}

	return wsURL.String(), nil
}

// subscribe sends the eth_subscribe request and waits for its reply.
func (l *Listener) subscribe() error {
	req := subscribeRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "eth_subscribe",
		Params: []any{
			"logs",
			map[string]any{"address": l.config.ContractAddress},
		},
	}
	if err := l.conn.WriteJSON(req); err != nil {
		return fmt.Errorf("write subscribe: %w", err)
	}

	var reply subscriptionMessage
	if err := l.conn.ReadJSON(&reply); err != nil {
		return fmt.Errorf("read subscribe reply: %w", err)
	}
	if reply.Error != nil {
		return fmt.Errorf("subscribe rejected: %s (code %d)", reply.Error.Message, reply.Error.Code)
	}

	slog.Info("log subscription established",
		"contract", l.config.ContractAddress,
		"subscription", string(reply.Result),
	)
	return nil
}

// listen reads log notifications from the WebSocket connection.
func (l *Listener) listen(ctx context.Context) error {
	if err := l.subscribe(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, data, err := l.conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read message: %w", err)
		}

		var msg subscriptionMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("websocket unmarshal failed",
				"err", err,
				"data_len", len(data),
			)
			continue
		}
		if msg.Method != "eth_subscription" {
			continue
		}

		var lg ledger.Log
		if err := json.Unmarshal(msg.Params.Result, &lg); err != nil {
			slog.Warn("websocket log unmarshal failed",
				"err", err,
				"data_len", len(msg.Params.Result),
			)
			continue
		}
		if lg.Removed {
			slog.Warn("reorged log dropped",
				"tx_hash", lg.TxHash,
				"log_index", uint64(lg.LogIndex),
				"block", uint64(lg.BlockNumber),
			)
			continue
		}

		blockTime, err := l.blockTime(ctx, uint64(lg.BlockNumber))
		if err != nil {
			slog.Error("block time lookup failed",
				"block", uint64(lg.BlockNumber),
				"err", err,
			)
			return fmt.Errorf("block time for %d: %w", uint64(lg.BlockNumber), err)
		}

		// Update stats
		l.mu.Lock()
		l.messageCount++
		l.lastMessageAt = time.Now()
		msgNum := l.messageCount
		l.mu.Unlock()

		slog.Info("log received",
			"tx_hash", lg.TxHash,
			"log_index", uint64(lg.LogIndex),
			"block", uint64(lg.BlockNumber),
			"msg_num", msgNum,
		)

		if err := l.onLog(events.Envelope{Log: lg, BlockTime: blockTime}); err != nil {
			slog.Error("log handler failed",
				"tx_hash", lg.TxHash,
				"log_index", uint64(lg.LogIndex),
				"err", err,
			)
			// Continue processing - don't disconnect on handler errors
		}
	}
}

// blockTime resolves a block timestamp, memoizing per connection.
func (l *Listener) blockTime(ctx context.Context, block uint64) (uint64, error) {
	l.mu.RLock()
	ts, ok := l.blockTimes[block]
	l.mu.RUnlock()
	if ok {
		return ts, nil
	}

	ts, err := l.timer.BlockTime(ctx, block)
	if err != nil {
		return 0, err
	}

	l.mu.Lock()
	l.blockTimes[block] = ts
	l.mu.Unlock()
	return ts, nil
}

// Close gracefully closes the WebSocket connection.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn != nil {
		err := l.conn.Close()
		l.conn = nil
		return err
	}
	return nil
}

// IsConnected returns whether the listener is currently connected.
func (l *Listener) IsConnected() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.conn != nil
}

// Stats returns current connection statistics.
func (l *Listener) Stats() (connected bool, uptime time.Duration, messageCount uint64, lastMessage time.Time) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	connected = l.conn != nil
	if connected {
		uptime = time.Since(l.connectedAt)
	}
	messageCount = l.messageCount
	lastMessage = l.lastMessageAt
	return
}
