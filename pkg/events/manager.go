package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
)

// catchupLimit is the maximum number of events replayed in one catchup.
// A client further behind than this gets a catchup.overflow frame and
// should reload over REST instead of paginating catchups.
const catchupLimit = 200

// listenTimeout bounds how long a LISTEN command may block when the
// first subscriber of a conversation arrives. Without it, a stalled
// connection would wedge the client's read loop indefinitely.
const listenTimeout = 10 * time.Second

// ConnectionManager tracks WebSocket connections and their conversation
// subscriptions. Each pod runs one instance; the NotifyListener feeds it
// the frames other pods (and this one) publish through Postgres.
type ConnectionManager struct {
	// Active connections: connection_id → *Connection
	connections map[string]*Connection
	mu          sync.RWMutex

	// Subscriptions: NOTIFY channel → set of connection_ids
	channels  map[string]map[string]bool
	channelMu sync.RWMutex

	catchup CatchupSource

	// NotifyListener for dynamic LISTEN/UNLISTEN (set after construction)
	listener   *NotifyListener
	listenerMu sync.RWMutex

	writeTimeout time.Duration
}

// Connection represents a single WebSocket client.
//
// subscriptions is accessed WITHOUT a lock. This is safe because all
// reads and writes (subscribe, unsubscribe, unregisterConnection)
// happen on the single goroutine that owns this connection
// (HandleConnection's read loop and its deferred cleanup). If a
// Connection is ever mutated from a different goroutine, subscriptions
// must gain a mutex.
type Connection struct {
	ID            string
	Conn          *websocket.Conn
	subscriptions map[string]bool // channels this connection is subscribed to
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewConnectionManager creates a new ConnectionManager.
func NewConnectionManager(catchup CatchupSource, writeTimeout time.Duration) *ConnectionManager {
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		channels:     make(map[string]map[string]bool),
		catchup:      catchup,
		writeTimeout: writeTimeout,
	}
}

// SetListener wires the NotifyListener for dynamic LISTEN/UNLISTEN.
// Called once during startup after both sides are constructed.
func (m *ConnectionManager) SetListener(l *NotifyListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

// HandleConnection manages the lifecycle of a single WebSocket
// connection. Called by the WebSocket HTTP handler after upgrade.
// Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	connID := uuid.New().String()
	ctx, cancel := context.WithCancel(parentCtx)

	c := &Connection{
		ID:            connID,
		Conn:          conn,
		subscriptions: make(map[string]bool),
		ctx:           ctx,
		cancel:        cancel,
	}

	m.registerConnection(c)
	defer m.unregisterConnection(c)

	m.sendJSON(c, map[string]string{
		"type":          "connection.established",
		"connection_id": connID,
	})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			// Connection closed or errored; exit the read loop.
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("Invalid WebSocket message",
				"connection_id", connID, "error", err)
			continue
		}

		m.handleClientMessage(ctx, c, &msg)
	}
}

// Broadcast sends a frame to every connection subscribed to the
// channel. Called by the NotifyListener with raw NOTIFY payloads.
func (m *ConnectionManager) Broadcast(channel string, frame []byte) {
	m.channelMu.RLock()
	connIDs, exists := m.channels[channel]
	if !exists {
		m.channelMu.RUnlock()
		return
	}
	ids := make([]string, 0, len(connIDs))
	for id := range connIDs {
		ids = append(ids, id)
	}
	m.channelMu.RUnlock()

	// Snapshot connection pointers under the lock, then send without it:
	// a slow client write (up to writeTimeout) must not stall
	// register/unregister.
	m.mu.RLock()
	conns := make([]*Connection, 0, len(ids))
	for _, id := range ids {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		if err := m.sendRaw(conn, frame); err != nil {
			slog.Warn("Failed to send to WebSocket client",
				"connection_id", conn.ID, "error", err)
		}
	}
}

// ActiveConnections returns the count of active WebSocket connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// subscriberCount reports a channel's subscribers. Used by tests to
// poll instead of sleeping.
func (m *ConnectionManager) subscriberCount(channel string) int {
	m.channelMu.RLock()
	defer m.channelMu.RUnlock()
	return len(m.channels[channel])
}

func (m *ConnectionManager) handleClientMessage(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "subscribe":
		if msg.ConversationID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "conversation_id is required for subscribe"})
			return
		}
		if err := m.subscribe(c, msg.ConversationID); err != nil {
			m.sendJSON(c, map[string]string{
				"type":            "subscription.error",
				"conversation_id": msg.ConversationID,
				"message":         "failed to subscribe to conversation",
			})
			return
		}
		m.sendJSON(c, map[string]string{
			"type":            "subscription.confirmed",
			"conversation_id": msg.ConversationID,
		})
		// Auto catchup so a late subscriber starts with the history it
		// asked for.
		m.handleCatchup(ctx, c, msg.ConversationID, fromSeqOf(msg))

	case "unsubscribe":
		if msg.ConversationID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "conversation_id is required for unsubscribe"})
			return
		}
		m.unsubscribe(c, conversation.Channel(msg.ConversationID))

	case "catchup":
		if msg.ConversationID == "" {
			m.sendJSON(c, map[string]string{"type": "error", "message": "conversation_id is required for catchup"})
			return
		}
		m.handleCatchup(ctx, c, msg.ConversationID, fromSeqOf(msg))

	case "ping":
		m.sendJSON(c, map[string]string{"type": "pong"})
	}
}

func fromSeqOf(msg *ClientMessage) int64 {
	if msg.FromSeq == nil {
		return 0
	}
	return *msg.FromSeq
}

// subscribe registers a connection for a conversation and starts LISTEN
// if it is the first subscriber. LISTEN is synchronous so it completes
// before subscribe returns; the subsequent auto-catchup then runs with
// LISTEN already active, and no event can fall between the two.
//
// Returns an error if LISTEN fails so the caller can inform the client
// instead of sending a false subscription.confirmed.
func (m *ConnectionManager) subscribe(c *Connection, conversationID string) error {
	channel := conversation.Channel(conversationID)

	m.channelMu.Lock()
	needsListen := false
	if _, exists := m.channels[channel]; !exists {
		m.channels[channel] = make(map[string]bool)
		needsListen = true
	}
	m.channels[channel][c.ID] = true
	m.channelMu.Unlock()

	if needsListen {
		m.listenerMu.RLock()
		l := m.listener
		m.listenerMu.RUnlock()
		if l != nil {
			listenCtx, listenCancel := context.WithTimeout(context.Background(), listenTimeout)
			defer listenCancel()
			if err := l.Subscribe(listenCtx, channel); err != nil {
				slog.Error("Failed to LISTEN on channel", "channel", channel, "error", err)
				m.cleanupFailedChannel(c, conversationID, channel)
				return fmt.Errorf("LISTEN on channel %s: %w", channel, err)
			}
		}
	}

	c.subscriptions[channel] = true
	return nil
}

// cleanupFailedChannel removes ALL subscribers from a channel after a
// LISTEN failure and notifies every affected connection except the
// triggering one, which is notified by the caller via the returned
// error.
//
// Between unlocking channelMu (after creating the channel entry) and
// Subscribe completing, other goroutines may have subscribed to the
// same channel; they saw the entry, skipped LISTEN, and got a
// subscription.confirmed that is now a lie. Those connections receive
// subscription.error here and must treat it as authoritative: discard
// received events for the conversation and resubscribe with backoff or
// fall back to REST polling.
func (m *ConnectionManager) cleanupFailedChannel(triggering *Connection, conversationID, channel string) {
	m.channelMu.Lock()
	affectedIDs := make([]string, 0, len(m.channels[channel]))
	for connID := range m.channels[channel] {
		if connID != triggering.ID {
			affectedIDs = append(affectedIDs, connID)
		}
	}
	delete(m.channels, channel)
	m.channelMu.Unlock()

	if len(affectedIDs) == 0 {
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(affectedIDs))
	for _, id := range affectedIDs {
		if conn, ok := m.connections[id]; ok {
			conns = append(conns, conn)
		}
	}
	m.mu.RUnlock()

	for _, conn := range conns {
		slog.Warn("Removing orphaned subscriber after LISTEN failure",
			"connection_id", conn.ID, "channel", channel)
		m.sendJSON(conn, map[string]string{
			"type":            "subscription.error",
			"conversation_id": conversationID,
			"message":         "channel listen failed; subscription removed",
		})
	}
}

// unsubscribe removes a connection from a channel and stops LISTEN when
// the last subscriber leaves.
func (m *ConnectionManager) unsubscribe(c *Connection, channel string) {
	m.channelMu.Lock()
	if subs, exists := m.channels[channel]; exists {
		delete(subs, c.ID)
		if len(subs) == 0 {
			delete(m.channels, channel)
			m.listenerMu.RLock()
			l := m.listener
			m.listenerMu.RUnlock()
			if l != nil {
				// The goroutine re-checks m.channels before issuing
				// UNLISTEN: a rapid unsubscribe/resubscribe cycle must
				// not drop a LISTEN the resubscriber relies on.
				go func() {
					m.channelMu.RLock()
					_, resubscribed := m.channels[channel]
					m.channelMu.RUnlock()
					if resubscribed {
						return
					}
					if err := l.Unsubscribe(context.Background(), channel); err != nil {
						slog.Error("Failed to UNLISTEN channel", "channel", channel, "error", err)
					}
				}()
			}
		}
	}
	m.channelMu.Unlock()

	delete(c.subscriptions, channel)
}

// handleCatchup replays retained events from fromSeq (inclusive) as
// ordinary event frames, so the client consumes one format for replay
// and live delivery alike.
func (m *ConnectionManager) handleCatchup(ctx context.Context, c *Connection, conversationID string, fromSeq int64) {
	if m.catchup == nil {
		return
	}

	// Query one past the limit to detect overflow.
	events, err := m.catchup.CatchupEvents(ctx, conversationID, fromSeq, catchupLimit+1)
	if err != nil {
		slog.Error("Catchup query failed", "conversation_id", conversationID, "error", err)
		return
	}

	hasMore := len(events) > catchupLimit
	if hasMore {
		events = events[:catchupLimit]
	}

	for _, e := range events {
		frame, err := conversation.EncodeFrame(conversationID, e)
		if err != nil {
			slog.Warn("Failed to encode catchup frame",
				"conversation_id", conversationID, "sequence", e.Sequence, "error", err)
			continue
		}
		if err := m.sendRaw(c, frame); err != nil {
			slog.Warn("Failed to send catchup event",
				"connection_id", c.ID, "error", err)
			return
		}
	}

	// A client this far behind reloads over REST rather than paginating
	// catchup requests.
	if hasMore {
		m.sendJSON(c, map[string]any{
			"type":            "catchup.overflow",
			"conversation_id": conversationID,
			"has_more":        true,
		})
	}
}

func (m *ConnectionManager) registerConnection(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

// unregisterConnection removes a connection and all its subscriptions.
func (m *ConnectionManager) unregisterConnection(c *Connection) {
	for ch := range c.subscriptions {
		m.unsubscribe(c, ch)
	}

	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) sendJSON(c *Connection, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Warn("Failed to marshal WebSocket message",
			"connection_id", c.ID, "error", err)
		return
	}
	if err := m.sendRaw(c, data); err != nil {
		slog.Warn("Failed to send WebSocket message",
			"connection_id", c.ID, "error", err)
	}
}

func (m *ConnectionManager) sendRaw(c *Connection, data []byte) error {
	writeCtx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.Conn.Write(writeCtx, websocket.MessageText, data)
}
