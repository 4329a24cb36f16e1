// Package reconnect sends the one-time "welcome back" follow-up when a user
// reopens a conversation that still has an unresolved, recent threat.
package reconnect

import (
	"sync"
	"time"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/logger"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
)

// FlagDisconnectionFollowUp is the durable flag recording that the
// welcome-back message was already sent for a conversation.
const FlagDisconnectionFollowUp = "disconnectionFollowUpSent"

const followUpText = "Welcome back. Last time we were talking about something serious that we didn't finish. Do you still want to talk about it? I'm here to help."

// Handler evaluates reconnection follow-ups. One instance per process; the
// in-memory guard keeps re-renders of the same session from re-evaluating.
type Handler struct {
	st      *store.Store
	recency time.Duration
	now     func() time.Time

	mu        sync.Mutex
	evaluated map[string]bool
}

// New creates a handler. recency is the window within which an unresolved
// threat still warrants a follow-up (threats exactly at the boundary are stale).
func New(st *store.Store, recency time.Duration, now func() time.Time) *Handler {
	if now == nil {
		now = time.Now
	}
	return &Handler{st: st, recency: recency, now: now, evaluated: make(map[string]bool)}
}

// Evaluate runs after a conversation's messages have loaded on (re)entry.
// It appends at most one welcome-back message, ever, per conversation.
// Returns whether a follow-up was sent.
func (h *Handler) Evaluate(conversationID, ownerID string) (bool, error) {
	h.mu.Lock()
	if h.evaluated[conversationID] {
		h.mu.Unlock()
		return false, nil
	}
	h.evaluated[conversationID] = true
	h.mu.Unlock()

	ts, ok, err := h.st.ThreatSession(conversationID)
	if err != nil {
		return false, err
	}
	if !ok || ts.ProtectionPlanGenerated {
		return false, nil
	}
	sent, err := h.st.Flag(FlagDisconnectionFollowUp, conversationID)
	if err != nil {
		return false, err
	}
	if sent {
		return false, nil
	}
	if age := h.now().Sub(ts.DetectedAt); age >= h.recency {
		return false, nil
	}

	if _, err := h.st.AppendMessage(store.Message{
		ConversationID: conversationID,
		OwnerID:        ownerID,
		Sender:         store.SenderAssistant,
		Payload:        store.Payload{ResponseText: followUpText, ThreatDetected: true},
	}); err != nil {
		return false, err
	}
	if err := h.st.SetFlag(FlagDisconnectionFollowUp, conversationID, true); err != nil {
		return false, err
	}
	ts.FollowUpSent = true
	if err := h.st.PutThreatSession(ts); err != nil {
		logger.L.Warn("failed to record follow-up on threat session", "conversation", conversationID, "error", err)
	}
	logger.L.Info("disconnection follow-up sent", "conversation", conversationID)
	return true, nil
}
