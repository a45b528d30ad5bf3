package homeassistant

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	reconnectMin = 1 * time.Second
	reconnectMax = 30 * time.Second

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// inboundChanSize is the buffer size for the channel carrying
	// messages from the WebSocket reader goroutine to the event loop.
	inboundChanSize = 64

	// wsReadLimit covers large state_changed payloads from
	// attribute-heavy entities.
	wsReadLimit = 4 * 1024 * 1024

	// handshakeTimeout bounds the auth exchange on a new connection.
	handshakeTimeout = 30 * time.Second
)

// inboundMsg wraps a message read from the WebSocket by the reader goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so EventManager can be
// tested without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// EventManager subscribes to Home Assistant state_changed events over
// the WebSocket API and maintains an entity-state cache.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages; the Run event loop processes them and owns all writes to
// the connection. The connection is re-dialed with exponential backoff
// when it drops.
type EventManager struct {
	creds  Credentials
	logger *slog.Logger

	conn      wsConn
	inboundCh chan inboundMsg

	// connCancel cancels the per-connection context. Used to stop the
	// reader goroutine when the connection drops before reconnecting.
	connCancel context.CancelFunc

	nextID int

	states   map[string]string
	statesMu sync.RWMutex
}

// NewEventManager creates an event manager for the given instance.
func NewEventManager(creds Credentials, logger *slog.Logger) *EventManager {
	return &EventManager{
		creds:  creds,
		logger: logger,
		states: make(map[string]string),
	}
}

// State returns the cached state of an entity.
func (m *EventManager) State(entityID string) (string, bool) {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	s, ok := m.states[entityID]
	return s, ok
}

// CachedEntities returns the number of entities in the state cache.
func (m *EventManager) CachedEntities() int {
	m.statesMu.RLock()
	defer m.statesMu.RUnlock()
	return len(m.states)
}

// wsURL derives the WebSocket endpoint from the REST host.
func (m *EventManager) wsURL() string {
	host := m.creds.Host
	host = strings.Replace(host, "https://", "wss://", 1)
	host = strings.Replace(host, "http://", "ws://", 1)
	return host + "/api/websocket"
}

// Run is the event loop with automatic reconnection. It returns when
// ctx is cancelled.
func (m *EventManager) Run(ctx context.Context) error {
	backoff := reconnectMin

	for {
		if err := m.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}

			m.logger.Warn("home assistant websocket connect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)

			jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: jitter only, no security impact
			timer := time.NewTimer(backoff + jitter)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-timer.C:
			}

			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)
			continue
		}

		backoff = reconnectMin
		m.logger.Info("subscribed to home assistant events")

		if err := m.readLoop(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			m.logger.Warn("home assistant websocket lost, reconnecting",
				slog.String("error", err.Error()),
			)
		}
	}
}

// connect dials the WebSocket, performs the auth handshake, and
// subscribes to state_changed events.
func (m *EventManager) connect(ctx context.Context) error {
	if m.connCancel != nil {
		m.connCancel()
	}

	conn, _, err := websocket.Dial(ctx, m.wsURL(), nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return fmt.Errorf("dialing: %w", err)
	}
	conn.SetReadLimit(wsReadLimit)

	if err := m.handshake(ctx, conn); err != nil {
		conn.Close(websocket.StatusPolicyViolation, "auth failed")
		return err
	}

	connCtx, cancel := context.WithCancel(ctx)
	m.connCancel = cancel
	m.conn = conn
	m.inboundCh = make(chan inboundMsg, inboundChanSize)

	go m.reader(connCtx, conn, m.inboundCh)

	return nil
}

// handshake performs the auth_required/auth/auth_ok exchange and sends
// the event subscription. Split from connect so it can be tested with
// a mock wsConn.
func (m *EventManager) handshake(ctx context.Context, conn wsConn) error {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	_, greeting, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading greeting: %w", err)
	}
	if gjson.GetBytes(greeting, "type").String() != "auth_required" {
		return fmt.Errorf("unexpected greeting: %s", gjson.GetBytes(greeting, "type").String())
	}

	authMsg, _ := json.Marshal(map[string]string{
		"type":         "auth",
		"access_token": m.creds.Token,
	})
	if err := conn.Write(ctx, websocket.MessageText, authMsg); err != nil {
		return fmt.Errorf("sending auth: %w", err)
	}

	_, reply, err := conn.Read(ctx)
	if err != nil {
		return fmt.Errorf("reading auth reply: %w", err)
	}
	if t := gjson.GetBytes(reply, "type").String(); t != "auth_ok" {
		return fmt.Errorf("auth rejected: %s", t)
	}

	m.nextID++
	subMsg, _ := json.Marshal(map[string]any{
		"id":         m.nextID,
		"type":       "subscribe_events",
		"event_type": "state_changed",
	})
	if err := conn.Write(ctx, websocket.MessageText, subMsg); err != nil {
		return fmt.Errorf("subscribing: %w", err)
	}

	return nil
}

// reader pumps raw messages from the connection into inboundCh.
func (m *EventManager) reader(ctx context.Context, conn wsConn, ch chan<- inboundMsg) {
	for {
		_, data, err := conn.Read(ctx)
		select {
		case ch <- inboundMsg{data: data, err: err}:
		case <-ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// readLoop consumes inbound messages until the connection drops.
func (m *EventManager) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			m.conn.Close(websocket.StatusNormalClosure, "shutting down")
			return nil
		case msg := <-m.inboundCh:
			if msg.err != nil {
				return msg.err
			}
			m.handleMessage(msg.data)
		}
	}
}

// handleMessage updates the state cache from a state_changed event.
func (m *EventManager) handleMessage(data []byte) {
	parsed := gjson.ParseBytes(data)

	if parsed.Get("type").String() != "event" {
		return
	}
	if parsed.Get("event.event_type").String() != "state_changed" {
		return
	}

	entityID := parsed.Get("event.data.entity_id").String()
	newState := parsed.Get("event.data.new_state.state").String()
	if entityID == "" {
		return
	}

	m.statesMu.Lock()
	if newState == "" {
		delete(m.states, entityID)
	} else {
		m.states[entityID] = newState
	}
	m.statesMu.Unlock()

	m.logger.Debug("state changed",
		slog.String("entity_id", entityID),
		slog.String("state", newState),
	)
}
