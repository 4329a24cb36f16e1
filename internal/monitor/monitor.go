// Package monitor wires the safety-monitor components behind one facade.
// The orchestrator owns the active conversation, feeds each turn through
// inference, evidence merging and threat escalation, and keeps the
// inactivity watchdog and reconnection handler in step with the
// conversation state.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/escalation"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/evidence"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/llm"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/logger"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/reconnect"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/report"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/watchdog"
)

// ErrConversationSwitched is returned when an inference response arrives for
// a conversation that is no longer active; the response is discarded.
var ErrConversationSwitched = errors.New("conversation switched while inference was in flight")

const apologyText = "I'm sorry, I'm having trouble responding right now. Could you try sending that again?"

const nudgeText = "I noticed you've been quiet for a bit. What you were telling me about matters, and I'm still here whenever you're ready to continue."

// Options tune the orchestrator.
type Options struct {
	Model            string
	SystemPrompt     string
	MaxHistoryTurns  int
	InactivityWindow time.Duration
	RecencyWindow    time.Duration
	Clock            watchdog.Clock
}

// Orchestrator is the single entry point the UI layer talks to.
type Orchestrator struct {
	st      *store.Store
	client  llm.Client
	files   FileStorage
	profile report.UserProfile
	opts    Options

	planGen report.Generator
	lawGen  report.Generator
	wd      *watchdog.Watchdog
	rc      *reconnect.Handler

	mu          sync.Mutex
	active      string
	messages    []store.Message
	record      evidence.Record
	controller  *escalation.Controller
	hasPlan     bool
	loading     bool
	unsubscribe func()
	dirty       atomic.Bool
}

// New creates an orchestrator for one user.
func New(st *store.Store, client llm.Client, files FileStorage, profile report.UserProfile, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = watchdog.SystemClock()
	}
	o := &Orchestrator{
		st:      st,
		client:  client,
		files:   files,
		profile: profile,
		opts:    opts,
		planGen: report.NewPlanGenerator(client, opts.Model, st),
		lawGen:  report.NewLawEnforcementGenerator(client, opts.Model, st),
		record:  evidence.Empty(),
	}
	o.wd = watchdog.New(opts.Clock, opts.InactivityWindow, st, o.appendNudge)
	o.rc = reconnect.New(st, opts.RecencyWindow, opts.Clock.Now)
	return o
}

// CreateNewConversation opens a fresh conversation and makes it active.
func (o *Orchestrator) CreateNewConversation() (store.Conversation, error) {
	c, err := o.st.CreateConversation(o.profile.ID, "New conversation")
	if err != nil {
		return store.Conversation{}, err
	}
	if err := o.SwitchConversation(c.ID); err != nil {
		return store.Conversation{}, err
	}
	return c, nil
}

// SwitchConversation makes a conversation active: loads its messages,
// rebuilds derived state from history and durable records, re-wires the
// watchdog and runs the reconnection check.
func (o *Orchestrator) SwitchConversation(id string) error {
	o.mu.Lock()
	o.wd.Disarm()
	if o.unsubscribe != nil {
		o.unsubscribe()
	}
	msgs, err := o.st.Messages(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.active = id
	o.messages = msgs
	o.record = rebuildRecord(msgs)
	o.unsubscribe = o.st.SubscribeMessages(id, func() { o.dirty.Store(true) })

	o.controller = escalation.New(id, o.profile.ID, o.st, o.planGen, o.lawGen, o.profile, o.opts.Clock.Now, o.onPlanGenerated)
	if err := o.controller.Restore(context.Background()); err != nil {
		o.mu.Unlock()
		return err
	}
	ts, ok, err := o.st.ThreatSession(id)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	o.hasPlan = ok && ts.ProtectionPlanGenerated
	if o.openIncidentLocked() {
		o.wd.Arm(id)
	}
	o.mu.Unlock()

	if _, err := o.rc.Evaluate(id, o.profile.ID); err != nil {
		logger.L.Warn("reconnection check failed", "conversation", id, "error", err)
	}
	return nil
}

// SendMessage runs one full turn: upload attachments, persist the user
// message, call inference with the accumulated evidence, merge the
// extraction, persist the reply and feed escalation and the watchdog.
func (o *Orchestrator) SendMessage(ctx context.Context, text string, attachments []Attachment) (store.Message, error) {
	o.mu.Lock()
	if o.active == "" {
		o.mu.Unlock()
		if _, err := o.CreateNewConversation(); err != nil {
			return store.Message{}, err
		}
		o.mu.Lock()
	}
	convID := o.active
	o.loading = true
	defer func() {
		o.mu.Lock()
		o.loading = false
		o.mu.Unlock()
	}()
	o.wd.Activity()

	var imageURLs []string
	for _, att := range attachments {
		url, err := o.files.Upload(att.Content, uploadPath(convID, att.Name))
		if err != nil {
			o.mu.Unlock()
			return store.Message{}, err
		}
		imageURLs = append(imageURLs, url)
	}

	if _, err := o.st.AppendMessage(store.Message{
		ConversationID: convID,
		OwnerID:        o.profile.ID,
		Sender:         store.SenderUser,
		Payload:        store.Payload{ResponseText: text},
		Images:         imageURLs,
	}); err != nil {
		o.mu.Unlock()
		return store.Message{}, err
	}
	o.reloadLocked(convID)

	hist := o.messages
	if n := len(hist); n > 0 && hist[n-1].Sender == store.SenderUser {
		hist = hist[:n-1] // the turn being sent is appended separately below
	}
	req := openai.ChatCompletionRequest{
		Model:    o.opts.Model,
		Messages: append([]openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleSystem, Content: buildSystemPrompt(o.opts.SystemPrompt, o.record)}}, historyMessages(hist, o.opts.MaxHistoryTurns)...),
	}
	req.Messages = append(req.Messages, userTurn(text, imageURLs))
	rec := o.record
	o.mu.Unlock()

	// The lock is released for the duration of the call so the UI can
	// still switch conversations; the response is tagged with convID and
	// dropped if it arrives stale.
	resp, llmErr := o.client.CreateChatCompletion(ctx, req)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active != convID {
		logger.L.Info("discarding stale inference response", "conversation", convID, "active", o.active)
		return store.Message{}, ErrConversationSwitched
	}
	if llmErr != nil {
		// Inference unavailable: apologize, change nothing.
		logger.L.Error("inference call failed", "conversation", convID, "error", llmErr)
		return o.appendAssistantLocked(convID, store.Payload{
			ResponseText:      apologyText,
			ThreatDetected:    rec.ThreatDetected,
			HasEnoughEvidence: rec.HasEnoughEvidence,
		})
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}
	ex, parseErr := parseExtraction(content)
	if parseErr != nil {
		// Degraded path: show the raw text, skip the evidence update.
		logger.L.Warn("malformed extraction, skipping evidence update", "conversation", convID, "error", parseErr)
		if content == "" {
			content = apologyText
		}
		return o.appendAssistantLocked(convID, store.Payload{
			ResponseText:      content,
			ThreatDetected:    o.record.ThreatDetected,
			HasEnoughEvidence: o.record.HasEnoughEvidence,
			EvidenceSnapshot:  o.record.Fields,
		})
	}

	// A threat flagged after a completed incident starts a new one: the
	// machine and the evidence baseline reset, messages are kept.
	if ex.ThreatDetected && o.controller.State() == escalation.StateReportComplete {
		logger.L.Info("new incident supersedes completed one", "conversation", convID)
		o.controller.Reset()
		o.record = evidence.Empty()
		o.hasPlan = false
	}
	o.record = evidence.Merge(&o.record, evidence.Partial{Fields: ex.EvidenceFields, ThreatDetected: ex.ThreatDetected})

	msg, err := o.appendAssistantLocked(convID, store.Payload{
		ResponseText:      ex.ResponseText,
		ThreatDetected:    o.record.ThreatDetected,
		HasEnoughEvidence: o.record.HasEnoughEvidence,
		EvidenceSnapshot:  o.record.Fields,
	})
	if err != nil {
		return store.Message{}, err
	}

	if _, err := o.controller.OnNewEvidence(ctx, o.record, o.messages); err != nil {
		logger.L.Error("escalation evaluation failed", "conversation", convID, "error", err)
	}
	o.reloadLocked(convID)

	if o.openIncidentLocked() {
		o.wd.Arm(convID)
	} else {
		o.wd.Disarm()
	}
	return msg, nil
}

// Activity forwards UI interaction signals (keystrokes, pointer movement,
// scrolling) to the watchdog's inactivity anchor.
func (o *Orchestrator) Activity() { o.wd.Activity() }

// ActiveConversation returns the id of the active conversation, if any.
func (o *Orchestrator) ActiveConversation() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Messages returns the cached message list, refreshing it after writes
// observed through the store subscription.
func (o *Orchestrator) Messages() []store.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.dirty.Swap(false) && o.active != "" {
		o.reloadLocked(o.active)
	}
	return o.messages
}

// IsLoading reports whether a send is in flight.
func (o *Orchestrator) IsLoading() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.loading
}

// IsThreatDetected reports whether the latest evidence flags a threat.
func (o *Orchestrator) IsThreatDetected() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.record.ThreatDetected
}

// HasProtectionPlan reports whether the active incident's plan was generated.
func (o *Orchestrator) HasProtectionPlan() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.hasPlan
}

// IsGeneratingReport reports whether the report pair is in flight.
func (o *Orchestrator) IsGeneratingReport() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.controller != nil && o.controller.IsGenerating()
}

// NudgeCountdown returns the time left on the inactivity countdown, for
// display only.
func (o *Orchestrator) NudgeCountdown() time.Duration { return o.wd.Remaining() }

func (o *Orchestrator) onPlanGenerated() {
	// Called from inside SendMessage's escalation step with o.mu held.
	o.hasPlan = true
	o.wd.Disarm()
}

// openIncidentLocked reports whether the watchdog should be armed: a threat
// is flagged, evidence is still wanted or reports pending, and no plan exists.
func (o *Orchestrator) openIncidentLocked() bool {
	return o.record.ThreatDetected && !o.hasPlan
}

func (o *Orchestrator) reloadLocked(convID string) {
	msgs, err := o.st.Messages(convID)
	if err != nil {
		logger.L.Error("failed to reload messages", "conversation", convID, "error", err)
		return
	}
	o.messages = msgs
	o.dirty.Store(false)
}

func (o *Orchestrator) appendAssistantLocked(convID string, payload store.Payload) (store.Message, error) {
	msg, err := o.st.AppendMessage(store.Message{
		ConversationID: convID,
		OwnerID:        o.profile.ID,
		Sender:         store.SenderAssistant,
		Payload:        payload,
	})
	if err != nil {
		return store.Message{}, err
	}
	o.reloadLocked(convID)
	return msg, nil
}

// appendNudge is the watchdog's send callback; it runs on the timer
// goroutine and touches only the store.
func (o *Orchestrator) appendNudge(conversationID string) error {
	_, err := o.st.AppendMessage(store.Message{
		ConversationID: conversationID,
		OwnerID:        o.profile.ID,
		Sender:         store.SenderAssistant,
		Payload:        store.Payload{ResponseText: nudgeText, ThreatDetected: true},
	})
	return err
}

// userTurn builds the final user message, as multi-part content when images
// are attached.
func userTurn(text string, imageURLs []string) openai.ChatCompletionMessage {
	if len(imageURLs) == 0 {
		return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: text}
	}
	parts := []openai.ChatMessagePart{{Type: openai.ChatMessagePartTypeText, Text: text}}
	for _, url := range imageURLs {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: url},
		})
	}
	return openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, MultiContent: parts}
}

// rebuildRecord derives the running evidence record from persisted history:
// the latest assistant snapshot plus the latest message's threat flag.
func rebuildRecord(msgs []store.Message) evidence.Record {
	rec := evidence.Empty()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Sender == store.SenderAssistant && msgs[i].Payload.EvidenceSnapshot != nil {
			for k, v := range msgs[i].Payload.EvidenceSnapshot {
				rec.Fields[k] = v
			}
			break
		}
	}
	if len(msgs) > 0 {
		rec.ThreatDetected = msgs[len(msgs)-1].Payload.ThreatDetected
	}
	rec.HasEnoughEvidence = len(rec.MissingFields()) == 0
	return rec
}
