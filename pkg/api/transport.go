package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/falcon-pm/falcon/pkg/bus"
)

// Transport limits. Payloads above maxPayloadBytes close the connection;
// the caps are per connection and per source address.
const (
	maxPayloadBytes = 64 * 1024
	writeTimeout    = 10 * time.Second
)

// ClientMessage is the tagged variant clients send. Unknown types get an
// error reply and do not terminate the connection.
type ClientMessage struct {
	Type    string `json:"type"`
	Channel string `json:"channel,omitempty"`
}

// ServerMessage is the tagged variant the server sends.
type ServerMessage struct {
	Type     string    `json:"type"`
	ClientID string    `json:"clientId,omitempty"`
	Channel  string    `json:"channel,omitempty"`
	Event    string    `json:"event,omitempty"`
	Data     any       `json:"data,omitempty"`
	Message  string    `json:"message,omitempty"`
	At       time.Time `json:"at,omitempty"`
}

// Transport owns the framed WebSocket endpoint: connection accounting,
// subscription routing from the broadcast and output buses, and the
// per-connection message loop.
type Transport struct {
	broadcast *bus.BroadcastBus
	output    *bus.OutputBus

	maxConnsPerIP    int
	maxSubscriptions int
	allowedOrigins   []string

	mu      sync.Mutex
	perIP   map[string]int
	clients map[string]*client
}

// client is one connected transport peer. subscriptions and cancels are
// touched only by the connection's read-loop goroutine.
type client struct {
	id      string
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancels map[string]func()
}

// NewTransport creates a Transport.
func NewTransport(broadcast *bus.BroadcastBus, output *bus.OutputBus,
	maxConnsPerIP, maxSubscriptions int, allowedOrigins []string) *Transport {
	return &Transport{
		broadcast:        broadcast,
		output:           output,
		maxConnsPerIP:    maxConnsPerIP,
		maxSubscriptions: maxSubscriptions,
		allowedOrigins:   allowedOrigins,
		perIP:            make(map[string]int),
		clients:          make(map[string]*client),
	}
}

// clientIP extracts the source address without the port.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// acquireSlot reserves a per-IP connection slot, reporting false when the
// cap is reached.
func (t *Transport) acquireSlot(ip string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perIP[ip] >= t.maxConnsPerIP {
		return false
	}
	t.perIP[ip]++
	return true
}

func (t *Transport) releaseSlot(ip string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.perIP[ip] <= 1 {
		delete(t.perIP, ip)
	} else {
		t.perIP[ip]--
	}
}

// ActiveConnections returns the number of connected clients.
func (t *Transport) ActiveConnections() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.clients)
}

// HandleConnection upgrades the request and runs the connection until it
// closes. Auth has already been checked by the caller.
func (t *Transport) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ip := clientIP(r)
	if !t.acquireSlot(ip) {
		http.Error(w, "connection limit reached", http.StatusTooManyRequests)
		return
	}
	defer t.releaseSlot(ip)

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: t.allowedOrigins,
	})
	if err != nil {
		slog.Warn("WebSocket accept failed", "remote", ip, "error", err)
		return
	}
	conn.SetReadLimit(maxPayloadBytes)

	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		cancels: make(map[string]func()),
	}
	t.register(c)
	defer t.unregister(c)

	ctx := r.Context()
	t.send(ctx, c, ServerMessage{Type: "connected", ClientID: c.id})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			t.send(ctx, c, ServerMessage{Type: "error", Message: "invalid message"})
			continue
		}
		t.handleMessage(ctx, c, msg)
	}
}

func (t *Transport) register(c *client) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clients[c.id] = c
}

func (t *Transport) unregister(c *client) {
	for _, cancel := range c.cancels {
		cancel()
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.clients, c.id)
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}

func (t *Transport) handleMessage(ctx context.Context, c *client, msg ClientMessage) {
	switch msg.Type {
	case "subscribe":
		if msg.Channel == "" {
			t.send(ctx, c, ServerMessage{Type: "error", Message: "channel is required for subscribe"})
			return
		}
		if _, ok := c.cancels[msg.Channel]; ok {
			t.send(ctx, c, ServerMessage{Type: "subscribed", Channel: msg.Channel})
			return
		}
		if len(c.cancels) >= t.maxSubscriptions {
			t.send(ctx, c, ServerMessage{Type: "error", Message: "subscription limit reached"})
			return
		}
		c.cancels[msg.Channel] = t.subscribe(ctx, c, msg.Channel)
		t.send(ctx, c, ServerMessage{Type: "subscribed", Channel: msg.Channel})

	case "unsubscribe":
		if msg.Channel == "" {
			t.send(ctx, c, ServerMessage{Type: "error", Message: "channel is required for unsubscribe"})
			return
		}
		if cancel, ok := c.cancels[msg.Channel]; ok {
			cancel()
			delete(c.cancels, msg.Channel)
		}
		t.send(ctx, c, ServerMessage{Type: "unsubscribed", Channel: msg.Channel})

	case "ping":
		t.send(ctx, c, ServerMessage{Type: "pong"})

	default:
		t.send(ctx, c, ServerMessage{Type: "error", Message: "unknown message type"})
	}
}

// subscribe wires the channel to the right bus and returns the cancel for
// the forwarding goroutine. run:<id> channels lift output-bus lines into
// agent.output events; everything else comes off the broadcast bus.
func (t *Transport) subscribe(ctx context.Context, c *client, channel string) func() {
	if runID, ok := strings.CutPrefix(channel, "run:"); ok {
		lines, cancel := t.output.Subscribe(runID)
		done := make(chan struct{})
		go func() {
			defer close(done)
			for line := range lines {
				t.send(ctx, c, ServerMessage{
					Type:    "event",
					Channel: channel,
					Event:   bus.EventAgentOutput,
					Data:    line,
					At:      line.At,
				})
			}
		}()
		return func() {
			cancel()
			<-done
		}
	}

	events, cancel := t.broadcast.Subscribe(channel)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for event := range events {
			t.send(ctx, c, ServerMessage{
				Type:    "event",
				Channel: channel,
				Event:   event.Type,
				Data:    event,
				At:      event.At,
			})
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

// send serializes writes per connection. Failures are logged; the read
// loop notices the dead connection and cleans up.
func (t *Transport) send(ctx context.Context, c *client, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("Failed to encode transport message", "error", err)
		return
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Debug("Failed to write to transport client", "client_id", c.id, "error", err)
	}
}
