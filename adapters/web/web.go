// Package web implements the HTTP/JSON transport for conversations that
// don't hold a persistent connection: a REST surface over gin-gonic/gin for
// submitting prompts, resolving approvals, and reading back a conversation's
// current state, plus a Server-Sent Events stream for clients that want
// push updates without a websocket.
package web

import (
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/nevindra/corewire"
)

// Handler exposes a Monitor over HTTP.
type Handler struct {
	monitor *corewire.Monitor
}

// NewHandler creates a Handler bound to monitor.
func NewHandler(monitor *corewire.Monitor) *Handler {
	return &Handler{monitor: monitor}
}

// Register mounts every route this package defines under r.
func (h *Handler) Register(r gin.IRouter) {
	conv := r.Group("/v1/conversations/:chatID/:threadID/:agentID")
	conv.POST("/prompt", h.submitPrompt)
	conv.GET("/state", h.getState)
	conv.GET("/stream", h.streamUpdates)
	conv.POST("/approvals/:approvalID", h.resolveApproval)
	conv.POST("/cancel", h.cancel)
}

func (h *Handler) key(c *gin.Context) corewire.ConversationKey {
	return corewire.ConversationKey{
		ChatID:   c.Param("chatID"),
		ThreadID: c.Param("threadID"),
		AgentID:  c.Param("agentID"),
	}
}

type promptRequest struct {
	Text        string                 `json:"text" binding:"required"`
	SenderID    string                 `json:"sender_id"`
	Attachments []corewire.Attachment  `json:"attachments,omitempty"`
}

// submitPrompt enqueues a prompt on the conversation's turn-loop.
// POST /v1/conversations/:chatID/:threadID/:agentID/prompt
func (h *Handler) submitPrompt(c *gin.Context) {
	var req promptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	key := h.key(c)
	h.monitor.Submit(c.Request.Context(), corewire.Prompt{
		Key:         key,
		Text:        req.Text,
		SenderID:    req.SenderID,
		Attachments: req.Attachments,
	})
	c.JSON(http.StatusAccepted, gin.H{"key": key.String()})
}

// getState reports a conversation's current run state and any pending
// approval, so a client can decide whether to open the stream or just poll.
// GET /v1/conversations/:chatID/:threadID/:agentID/state
func (h *Handler) getState(c *gin.Context) {
	sess := h.monitor.SessionFor(h.key(c))
	state, buffered := sess.GetStreamState()
	body := gin.H{"state": state, "buffered": buffered}
	if pending, ok := sess.GetPendingApproval(); ok {
		body["pending_approval"] = pending
	}
	c.JSON(http.StatusOK, body)
}

// streamUpdates pushes a conversation's ResponseUpdate stream as
// Server-Sent Events, replaying any buffered updates before switching to
// live ones, matching Session.Subscribe's reconnect semantics.
// GET /v1/conversations/:chatID/:threadID/:agentID/stream
func (h *Handler) streamUpdates(c *gin.Context) {
	sess := h.monitor.SessionFor(h.key(c))
	updates := sess.Subscribe(c.Request.Context())

	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Stream(func(w io.Writer) bool {
		select {
		case u, ok := <-updates:
			if !ok {
				return false
			}
			c.SSEvent(string(u.Kind), u)
			return !u.IsTerminal()
		case <-time.After(30 * time.Second):
			c.SSEvent("ping", nil)
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

type approvalRequest struct {
	Decision string `json:"decision" binding:"required"` // "approved", "approved-remember", "rejected"
}

// resolveApproval answers a pending approval for this conversation.
// POST /v1/conversations/:chatID/:threadID/:agentID/approvals/:approvalID
func (h *Handler) resolveApproval(c *gin.Context) {
	var req approvalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	decision := corewire.DecisionRejected
	switch req.Decision {
	case "approved":
		decision = corewire.DecisionApproved
	case "approved-remember":
		decision = corewire.DecisionApprovedAndRemember
	}
	sess := h.monitor.SessionFor(h.key(c))
	if !sess.ResolveApproval(c.Param("approvalID"), corewire.ApprovalResult{Decision: decision}) {
		c.JSON(http.StatusConflict, gin.H{"error": "no matching pending approval"})
		return
	}
	c.Status(http.StatusNoContent)
}

// cancel aborts the conversation's in-flight run, if any.
// POST /v1/conversations/:chatID/:threadID/:agentID/cancel
func (h *Handler) cancel(c *gin.Context) {
	h.monitor.Cancel(h.key(c))
	c.Status(http.StatusNoContent)
}
