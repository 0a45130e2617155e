// Package bus implements the message-bus external interface: inbound prompt
// requests arrive as JSON on a NATS subject, get validated against a strict
// agent-ID whitelist, and are handed to a Monitor; completions are published
// back on a response subject, and malformed or rejected messages are routed
// to a dead-letter subject with a typed reason.
package bus

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nevindra/corewire"
)

// DeadLetterReason classifies why an inbound message was rejected instead of
// dispatched.
type DeadLetterReason string

const (
	ReasonMissingField         DeadLetterReason = "MissingField"
	ReasonDeserializationError DeadLetterReason = "DeserializationError"
	ReasonInvalidAgentID       DeadLetterReason = "InvalidAgentId"
	ReasonBodyReadError        DeadLetterReason = "BodyReadError"
)

// InboundRequest is the wire shape of a prompt submitted over the bus.
type InboundRequest struct {
	CorrelationID string `json:"correlationId"`
	AgentID       string `json:"agentId"`
	Prompt        string `json:"prompt"`
	Sender        string `json:"sender"`
}

// OutboundResponse is the wire shape of a completed run published back to
// the caller.
type OutboundResponse struct {
	CorrelationID string `json:"correlationId"`
	AgentID       string `json:"agentId"`
	Response      string `json:"response"`
	CompletedAt   int64  `json:"completedAt"`
}

type deadLetter struct {
	Reason  DeadLetterReason `json:"reason"`
	Subject string           `json:"subject,omitempty"`
	Raw     string           `json:"raw,omitempty"`
}

const (
	publishMaxAttempts = 3
	publishBaseDelay   = 500 * time.Millisecond
)

// Bridge wires a NATS connection to a Monitor: InboundSubject carries
// prompts in, ResponseSubject carries completions out, DeadLetterSubject
// receives anything the Bridge could not validate or dispatch.
type Bridge struct {
	conn              *nats.Conn
	monitor           *corewire.Monitor
	validAgentIDs     map[string]bool
	inboundSubject    string
	responseSubject   string
	deadLetterSubject string
	logger            *slog.Logger
}

// Option configures a Bridge.
type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option { return func(b *Bridge) { b.logger = l } }

// New creates a Bridge. validAgentIDs is the strict whitelist: any
// agentId not in this set is dead-lettered with ReasonInvalidAgentID rather
// than falling back to a default agent.
func New(conn *nats.Conn, monitor *corewire.Monitor, inboundSubject, responseSubject, deadLetterSubject string, validAgentIDs []string, opts ...Option) *Bridge {
	allowed := make(map[string]bool, len(validAgentIDs))
	for _, id := range validAgentIDs {
		allowed[id] = true
	}
	b := &Bridge{
		conn:              conn,
		monitor:           monitor,
		validAgentIDs:     allowed,
		inboundSubject:    inboundSubject,
		responseSubject:   responseSubject,
		deadLetterSubject: deadLetterSubject,
		logger:            slog.Default(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Run subscribes to the inbound subject until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.conn.Subscribe(b.inboundSubject, func(msg *nats.Msg) {
		b.handle(ctx, msg.Data)
	})
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()
	<-ctx.Done()
	return ctx.Err()
}

func (b *Bridge) handle(ctx context.Context, data []byte) {
	if len(data) == 0 {
		b.deadLetter(ReasonBodyReadError, "")
		return
	}

	var req InboundRequest
	if err := json.Unmarshal(data, &req); err != nil {
		b.deadLetter(ReasonDeserializationError, string(data))
		return
	}
	if !b.validAgentIDs[req.AgentID] {
		b.deadLetter(ReasonInvalidAgentID, string(data))
		return
	}
	if req.CorrelationID == "" || req.Prompt == "" {
		b.deadLetter(ReasonMissingField, string(data))
		return
	}

	key := corewire.ConversationKey{ChatID: req.Sender, ThreadID: req.CorrelationID, AgentID: req.AgentID}
	sess := b.monitor.SessionFor(key)
	b.monitor.Submit(ctx, corewire.Prompt{Key: key, Text: req.Prompt, SenderID: req.Sender})

	// Wait for the run to actually start (or finish, if it already has)
	// before subscribing, so the subscriber isn't registered ahead of
	// beginRun's subscriber reset and silently dropped.
	if !b.awaitRunStart(ctx, sess) {
		return
	}
	updates := sess.Subscribe(ctx)

	var final string
	for u := range updates {
		if u.Kind == corewire.UpdateTextDelta {
			final += u.Text
		}
	}

	b.publishResponse(ctx, OutboundResponse{
		CorrelationID: req.CorrelationID,
		AgentID:       req.AgentID,
		Response:      final,
		CompletedAt:   corewire.NowUnix(),
	})
}

// awaitRunStart blocks until sess has left RunIdle (the queued prompt has
// begun, or already finished instantly), or ctx ends. Reports whether the
// run started.
func (b *Bridge) awaitRunStart(ctx context.Context, sess *corewire.Session) bool {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for {
		if state, _ := sess.GetStreamState(); state != corewire.RunIdle {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func (b *Bridge) publishResponse(ctx context.Context, resp OutboundResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		b.logger.Error("bus: marshal response", "error", err)
		return
	}
	var lastErr error
	for attempt := 0; attempt < publishMaxAttempts; attempt++ {
		if err := b.conn.Publish(b.responseSubject, data); err != nil {
			lastErr = err
			if !isTransient(err) {
				break
			}
			delay := publishBaseDelay * time.Duration(1<<attempt)
			delay += time.Duration(rand.Int63n(int64(delay) / 2))
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
			continue
		}
		return
	}
	if lastErr != nil {
		b.logger.Error("bus: publish response failed", "error", lastErr)
	}
}

func isTransient(err error) bool {
	return err == nats.ErrTimeout || err == nats.ErrNoResponders || err == nats.ErrConnectionClosed
}

func (b *Bridge) deadLetter(reason DeadLetterReason, raw string) {
	dl := deadLetter{Reason: reason, Subject: b.inboundSubject, Raw: raw}
	data, err := json.Marshal(dl)
	if err != nil {
		return
	}
	if err := b.conn.Publish(b.deadLetterSubject, data); err != nil {
		b.logger.Error("bus: publish dead letter", "error", err, "reason", reason)
	}
}
