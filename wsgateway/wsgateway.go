// Package wsgateway implements the browser transport: a persistent
// bidirectional push connection keyed by a client-supplied StateKey, backing
// the Session Manager's reconnect protocol and the Resource Subscription
// Monitor's "ready" notifications for browser clients.
package wsgateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/nevindra/corewire"
)

// StateKey identifies one browser client's subscription target — typically
// the conversation key serialized to a string plus a per-tab connection id.
type StateKey string

// Envelope is the wire shape of every message the hub pushes to a client.
type Envelope struct {
	Type string `json:"type"` // "stream-state", "update", "topic", "approval-pending", "resource-ready"
	Data any    `json:"data"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type client struct {
	conn *websocket.Conn
	send chan Envelope
}

// Hub tracks every connected browser client, keyed by StateKey, and is the
// concrete implementation of the browser's bidirectional push surface named
// in the external interfaces. It mirrors Session.Subscribe's replay-then-live
// semantics over the wire: on connect, the hub pushes the session's
// GetStreamState result and any pending approval to the client, then
// subscribes it to the session whatever that state is; the subscription is
// not skipped for an idle or finished session.
type Hub struct {
	monitor *corewire.Monitor
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[StateKey]*client
}

// New creates a Hub bound to monitor for resolving conversation sessions.
func New(monitor *corewire.Monitor, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{monitor: monitor, logger: logger, clients: make(map[StateKey]*client)}
}

// ServeHTTP upgrades the request to a websocket and registers it under the
// StateKey given by the "state_key" query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := StateKey(r.URL.Query().Get("state_key"))
	if key == "" {
		http.Error(w, "missing state_key", http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("wsgateway: upgrade failed", "error", err)
		return
	}
	h.serve(r.Context(), key, conn)
}

func (h *Hub) serve(ctx context.Context, key StateKey, conn *websocket.Conn) {
	c := &client{conn: conn, send: make(chan Envelope, 64)}
	h.mu.Lock()
	h.clients[key] = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		if h.clients[key] == c {
			delete(h.clients, key)
		}
		h.mu.Unlock()
		conn.Close()
	}()

	go h.writeLoop(c)

	convKey, ok := parseConversationKey(string(key))
	if !ok {
		return
	}
	sess := h.monitor.SessionFor(convKey)
	state, bufLen := sess.GetStreamState()
	c.send <- Envelope{Type: "stream-state", Data: map[string]any{"state": state, "buffered": bufLen}}
	if pending, ok := sess.GetPendingApproval(); ok {
		c.send <- Envelope{Type: "approval-pending", Data: pending}
	}

	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go h.readLoop(subCtx, convKey, conn)

	updates := sess.Subscribe(subCtx)
	for u := range updates {
		select {
		case c.send <- Envelope{Type: "update", Data: u}:
		case <-ctx.Done():
			return
		}
	}
}

// inboundEnvelope is the wire shape of a message the browser sends up: a new
// prompt to submit, or a resolution for a pending approval.
type inboundEnvelope struct {
	Type string `json:"type"` // "prompt", "approval", "cancel"

	Prompt struct {
		Text     string `json:"text"`
		SenderID string `json:"senderId"`
	} `json:"prompt,omitempty"`

	Approval struct {
		ID       string `json:"id"`
		Decision string `json:"decision"` // "approved", "approved-remember", "rejected"
	} `json:"approval,omitempty"`
}

// readLoop consumes client->server messages for the lifetime of the
// connection: prompt submissions, approval resolutions, and cancellation
// requests. It runs independent of the write side so a client can submit a
// new prompt on the same socket it reads updates from.
func (h *Hub) readLoop(ctx context.Context, key corewire.ConversationKey, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var env inboundEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch env.Type {
		case "prompt":
			h.monitor.Submit(ctx, corewire.Prompt{Key: key, Text: env.Prompt.Text, SenderID: env.Prompt.SenderID})
		case "approval":
			sess := h.monitor.SessionFor(key)
			decision := corewire.DecisionRejected
			switch env.Approval.Decision {
			case "approved":
				decision = corewire.DecisionApproved
			case "approved-remember":
				decision = corewire.DecisionApprovedAndRemember
			}
			sess.ResolveApproval(env.Approval.ID, corewire.ApprovalResult{Decision: decision})
		case "cancel":
			h.monitor.Cancel(key)
		}
	}
}

func (h *Hub) writeLoop(c *client) {
	for env := range c.send {
		data, err := json.Marshal(env)
		if err != nil {
			continue
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// Push sends an out-of-band envelope (e.g. a resource-ready notification) to
// the client registered under key, if one is connected.
func (h *Hub) Push(key StateKey, env Envelope) bool {
	h.mu.Lock()
	c, ok := h.clients[key]
	h.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case c.send <- env:
		return true
	default:
		return false
	}
}

// parseConversationKey recovers a ConversationKey from a StateKey of the
// form "chatID:threadID:agentID".
func parseConversationKey(s string) (corewire.ConversationKey, bool) {
	parts := splitN3(s)
	if parts == nil {
		return corewire.ConversationKey{}, false
	}
	return corewire.ConversationKey{ChatID: parts[0], ThreadID: parts[1], AgentID: parts[2]}, true
}

func splitN3(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	if len(out) != 3 {
		return nil
	}
	return out
}
