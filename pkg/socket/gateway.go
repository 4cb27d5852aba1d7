// Package socket implements the broker's per-agent push channel (spec §2
// "Socket gateway", §6 "WebSocket /ws?did=…"): a registry of connected
// agents, each with its own bounded send queue so one slow reader cannot
// block writes to another connection, and a reconnect path that resumes
// from the agent's durable stream cursor (spec §5 "Sockets: per-agent;
// write contention within a socket is avoided by a per-connection send
// queue").
package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the narrow surface Gateway needs from a live connection;
// *websocket.Conn satisfies it, and tests use a fake.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Frame is one pushed payload: either a routed envelope or a control
// notification (spec §6 "Messages are envelope frames plus NOTIFICATION
// control frames").
type Frame struct {
	Kind      string          `json:"kind"` // "envelope" | "notification"
	Envelope  json.RawMessage `json:"envelope,omitempty"`
	Notification string       `json:"notification,omitempty"`
	Seq       uint64          `json:"seq,omitempty"`
}

const sendQueueDepth = 256

// connection is one agent's live socket plus its bounded outbound queue.
type connection struct {
	did     string
	conn    Conn
	queue   chan Frame
	done    chan struct{}
	closeOnce sync.Once
}

// Gateway manages the set of currently-connected agents (spec §2 "Socket
// gateway"). It holds no durable state of its own — the last-acked stream
// offset per DID is tracked by whoever drives reconnect-resume (cmd/broker
// wires this to pkg/stream.Broker.Consume), matching spec §5's "rely on
// stream resume on reconnect" degraded mode when no socket is open.
type Gateway struct {
	mu    sync.RWMutex
	conns map[string]*connection
	log   *slog.Logger
}

func NewGateway(log *slog.Logger) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{conns: make(map[string]*connection), log: log}
}

// Register attaches conn as did's live socket, replacing and closing any
// prior connection for the same DID (a reconnect), and starts the
// per-connection writer goroutine that drains the send queue in order.
func (g *Gateway) Register(did string, conn Conn) {
	c := &connection{did: did, conn: conn, queue: make(chan Frame, sendQueueDepth), done: make(chan struct{})}

	g.mu.Lock()
	if prev, ok := g.conns[did]; ok {
		prev.closeLocked()
	}
	g.conns[did] = c
	g.mu.Unlock()

	go c.writeLoop(g.log)
}

// Unregister detaches did's connection, if it is still the current one for
// that DID (a stale close from a connection the caller already replaced is
// a no-op).
func (g *Gateway) Unregister(did string, conn Conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if c, ok := g.conns[did]; ok && c.conn == conn {
		delete(g.conns, did)
		c.closeLocked()
	}
}

var ErrNotConnected = errors.New("socket: agent not connected")

// Push enqueues frame for did's connection if one is open. A full queue
// (a stalled reader) drops the connection rather than blocking the
// router — the agent's durable stream consumer catches it up on
// reconnect (spec §4.5 step 3, §5 "Sockets unavailable → rely on stream
// resume on reconnect").
func (g *Gateway) Push(did string, frame Frame) error {
	g.mu.RLock()
	c, ok := g.conns[did]
	g.mu.RUnlock()
	if !ok {
		return ErrNotConnected
	}
	select {
	case c.queue <- frame:
		return nil
	default:
		g.log.Warn("socket: send queue full, dropping connection", "did", did)
		g.Unregister(did, c.conn)
		return ErrNotConnected
	}
}

// Connected reports whether did currently has an open socket.
func (g *Gateway) Connected(did string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.conns[did]
	return ok
}

func (c *connection) closeLocked() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

func (c *connection) writeLoop(log *slog.Logger) {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.queue:
			data, err := json.Marshal(frame)
			if err != nil {
				log.Error("socket: marshal frame", "did", c.did, "error", err)
				continue
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn("socket: write failed, dropping connection", "did", c.did, "error", err)
				return
			}
		}
	}
}

// PingInterval is how often cmd/broker's accept loop should send a
// WebSocket ping to detect half-open connections; not enforced by Gateway
// itself since gorilla/websocket's ping/pong handshake lives on the raw
// connection the HTTP handler owns.
const PingInterval = 30 * time.Second

// BroadcastNotification pushes a NOTIFICATION control frame to every
// connected agent — used for system-wide events (e.g. a negotiation
// expiring, spec §4.6 "emit notification").
func (g *Gateway) BroadcastNotification(ctx context.Context, text string) {
	g.mu.RLock()
	dids := make([]string, 0, len(g.conns))
	for did := range g.conns {
		dids = append(dids, did)
	}
	g.mu.RUnlock()

	for _, did := range dids {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = g.Push(did, Frame{Kind: "notification", Notification: text})
	}
}
