package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/evidence"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/llm"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/reconnect"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/report"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/watchdog"
)

// fakeClock drives timers from test code instead of wall time.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock    *fakeClock
	deadline time.Time
	f        func()
	stopped  bool
	fired    bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) watchdog.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
	for {
		c.mu.Lock()
		var due *fakeTimer
		for _, t := range c.timers {
			if !t.stopped && !t.fired && !t.deadline.After(c.now) {
				due = t
				break
			}
		}
		if due != nil {
			due.fired = true
		}
		c.mu.Unlock()
		if due == nil {
			return
		}
		due.f()
	}
}

// mockLLM serves canned extraction payloads for chat turns and recognizes
// report-generation prompts by their system message.
type mockLLM struct {
	mu    sync.Mutex
	queue []string
	err   error
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return openai.ChatCompletionResponse{}, m.err
	}
	sys := req.Messages[0].Content
	if strings.Contains(sys, "protection plan") {
		return canned("Here is your protection plan."), nil
	}
	if strings.Contains(sys, "law enforcement") {
		return canned("Incident report for law enforcement."), nil
	}
	if len(m.queue) == 0 {
		panic("mockLLM: no more responses configured")
	}
	content := m.queue[0]
	m.queue = m.queue[1:]
	return canned(content), nil
}

func canned(content string) openai.ChatCompletionResponse {
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
	}
}

func extractionJSON(t *testing.T, responseText string, threat bool, fields map[string]string) string {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"responseText":   responseText,
		"threatDetected": threat,
		"evidenceFields": fields,
	})
	require.NoError(t, err)
	return string(body)
}

func someFields() map[string]string {
	return map[string]string{
		evidence.FieldPlatform:       "Platform X",
		evidence.FieldThreatNature:   "harassment",
		evidence.FieldThreatContent:  "threatening messages",
		evidence.FieldFrequency:      "daily",
		evidence.FieldDemandsMade:    "money",
		evidence.FieldEvidenceKept:   "null",
		evidence.FieldOthersTargeted: "unknown",
	}
}

func restFields() map[string]string {
	return map[string]string{
		evidence.FieldPerpetratorIdentity:  "anonymous account",
		evidence.FieldRelationshipToUser:   "stranger",
		evidence.FieldFirstOccurrence:      "two weeks ago",
		evidence.FieldMostRecentOccurrence: "today",
		evidence.FieldEvidenceKept:         "screenshots",
		evidence.FieldReportedToPlatform:   "no",
		evidence.FieldOthersTargeted:       "no",
		evidence.FieldUserSafetyStatus:     "shaken but safe",
	}
}

func newOrchestrator(t *testing.T, st *store.Store, mock llm.Client, clock *fakeClock) *Orchestrator {
	t.Helper()
	return New(st, mock, DiskStorage{Root: t.TempDir()}, report.UserProfile{ID: "owner-1", DisplayName: "Test User"}, Options{
		Model:            "gpt-4o",
		MaxHistoryTurns:  40,
		InactivityWindow: 300 * time.Second,
		RecencyWindow:    24 * time.Hour,
		Clock:            clock,
	})
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Scenario A: a first threat-flagged turn starts evidence gathering without
// generating any report.
func TestThreatTurnStartsEvidenceGathering(t *testing.T) {
	st := openTestStore(t)
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "I'm so sorry that's happening. Who is sending these messages?", true, someFields()),
	}}
	orch := newOrchestrator(t, st, mock, newFakeClock())
	c, err := orch.CreateNewConversation()
	require.NoError(t, err)

	msg, err := orch.SendMessage(context.Background(), "someone is threatening me on Platform X", nil)
	require.NoError(t, err)
	require.True(t, msg.Payload.ThreatDetected)
	require.False(t, msg.Payload.HasEnoughEvidence)
	require.Contains(t, msg.Payload.ResponseText, "Who is sending")

	require.True(t, orch.IsThreatDetected())
	require.False(t, orch.HasProtectionPlan())

	reports, err := st.Reports(c.ID)
	require.NoError(t, err)
	require.Empty(t, reports)

	// 5 real facts extracted; sentinels did not count.
	require.Len(t, msg.Payload.EvidenceSnapshot, 5)
}

// Scenario B: once the remaining fields fill in, both reports generate, the
// plan lands in the chat and the watchdog disarms.
func TestCompletedEvidenceGeneratesReports(t *testing.T) {
	st := openTestStore(t)
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "Thank you for telling me. Who is it?", true, someFields()),
		extractionJSON(t, "You've been very brave. Let me put together a plan.", true, restFields()),
	}}
	orch := newOrchestrator(t, st, mock, newFakeClock())
	c, err := orch.CreateNewConversation()
	require.NoError(t, err)

	_, err = orch.SendMessage(context.Background(), "someone is threatening me on Platform X", nil)
	require.NoError(t, err)
	_, err = orch.SendMessage(context.Background(), "it's a stranger, started two weeks ago, I kept screenshots", nil)
	require.NoError(t, err)

	require.True(t, orch.HasProtectionPlan())
	require.Zero(t, orch.NudgeCountdown())

	reports, err := st.Reports(c.ID)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	kinds := []string{reports[0].Kind, reports[1].Kind}
	require.ElementsMatch(t, []string{"protection_plan", "law_enforcement"}, kinds)

	msgs := orch.Messages()
	last := msgs[len(msgs)-1]
	require.True(t, last.Payload.ProtectionPlanGenerated)
	require.Contains(t, last.Payload.ResponseText, "protection plan")

	ts, ok, err := st.ThreatSession(c.ID)
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, ts.ProtectionPlanGenerated)
}

// Scenario C: 301 s of silence during an open incident yields exactly one
// nudge; continued silence yields no second one.
func TestInactivityNudgeFiresOnce(t *testing.T) {
	st := openTestStore(t)
	clock := newFakeClock()
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "That sounds frightening. Which platform is this on?", true, someFields()),
	}}
	orch := newOrchestrator(t, st, mock, clock)
	c, err := orch.CreateNewConversation()
	require.NoError(t, err)

	_, err = orch.SendMessage(context.Background(), "someone is threatening me", nil)
	require.NoError(t, err)
	before := len(orch.Messages())

	clock.Advance(301 * time.Second)
	msgs := orch.Messages()
	require.Len(t, msgs, before+1)
	require.Equal(t, store.SenderAssistant, msgs[len(msgs)-1].Sender)

	clock.Advance(10 * 300 * time.Second)
	require.Len(t, orch.Messages(), before+1)

	sent, err := st.Flag(watchdog.FlagInactivityFollowUp, c.ID)
	require.NoError(t, err)
	require.True(t, sent)
}

// Activity signals postpone the nudge without cancelling it.
func TestActivityPostponesNudge(t *testing.T) {
	st := openTestStore(t)
	clock := newFakeClock()
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "I'm listening. What happened?", true, someFields()),
	}}
	orch := newOrchestrator(t, st, mock, clock)
	_, err := orch.CreateNewConversation()
	require.NoError(t, err)
	_, err = orch.SendMessage(context.Background(), "someone is threatening me", nil)
	require.NoError(t, err)
	before := len(orch.Messages())

	clock.Advance(200 * time.Second)
	orch.Activity() // scrolling, typing
	clock.Advance(200 * time.Second)
	require.Len(t, orch.Messages(), before)

	clock.Advance(101 * time.Second)
	require.Len(t, orch.Messages(), before+1)
}

// Scenario D: reopening within the recency window after an unresolved threat
// yields exactly one welcome-back follow-up.
func TestReconnectionFollowUp(t *testing.T) {
	st := openTestStore(t)
	clock := newFakeClock()
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "I hear you. Tell me more when you're ready.", true, someFields()),
	}}
	first := newOrchestrator(t, st, mock, clock)
	c, err := first.CreateNewConversation()
	require.NoError(t, err)
	_, err = first.SendMessage(context.Background(), "someone is threatening me", nil)
	require.NoError(t, err)
	turns := len(first.Messages())

	// One hour later, a fresh process reopens the conversation.
	later := newFakeClock()
	later.Advance(time.Hour)
	second := newOrchestrator(t, st, &mockLLM{}, later)
	require.NoError(t, second.SwitchConversation(c.ID))

	msgs := second.Messages()
	require.Len(t, msgs, turns+1)
	require.Equal(t, store.SenderAssistant, msgs[len(msgs)-1].Sender)

	sent, err := st.Flag(reconnect.FlagDisconnectionFollowUp, c.ID)
	require.NoError(t, err)
	require.True(t, sent)

	// A third session sees the durable flag and stays quiet.
	third := newOrchestrator(t, st, &mockLLM{}, later)
	require.NoError(t, third.SwitchConversation(c.ID))
	require.Len(t, third.Messages(), turns+1)
}

// Inference failure yields the static apology and leaves evidence untouched.
func TestInferenceFailureApologizes(t *testing.T) {
	st := openTestStore(t)
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "Which platform?", true, someFields()),
	}}
	orch := newOrchestrator(t, st, mock, newFakeClock())
	_, err := orch.CreateNewConversation()
	require.NoError(t, err)
	_, err = orch.SendMessage(context.Background(), "someone is threatening me", nil)
	require.NoError(t, err)

	mock.mu.Lock()
	mock.err = errors.New("inference unavailable")
	mock.mu.Unlock()

	msg, err := orch.SendMessage(context.Background(), "hello?", nil)
	require.NoError(t, err)
	require.Equal(t, apologyText, msg.Payload.ResponseText)
	// Threat state survives the failed turn.
	require.True(t, orch.IsThreatDetected())
}

// A response that is not valid JSON is shown raw and skips the evidence update.
func TestMalformedExtractionDegradesGracefully(t *testing.T) {
	st := openTestStore(t)
	mock := &mockLLM{queue: []string{
		extractionJSON(t, "Which platform?", true, someFields()),
		"I'm here for you, tell me more.",
	}}
	orch := newOrchestrator(t, st, mock, newFakeClock())
	_, err := orch.CreateNewConversation()
	require.NoError(t, err)
	first, err := orch.SendMessage(context.Background(), "someone is threatening me", nil)
	require.NoError(t, err)

	msg, err := orch.SendMessage(context.Background(), "ok", nil)
	require.NoError(t, err)
	require.Equal(t, "I'm here for you, tell me more.", msg.Payload.ResponseText)
	require.Equal(t, first.Payload.EvidenceSnapshot, msg.Payload.EvidenceSnapshot)
	require.True(t, orch.IsThreatDetected())
}

// Switching conversations mid-flight discards the stale response.
func TestStaleInferenceResponseDiscarded(t *testing.T) {
	st := openTestStore(t)
	clock := newFakeClock()

	release := make(chan struct{})
	slow := &slowLLM{
		started: make(chan struct{}, 1),
		release: release,
		content: extractionJSON(t, "noted", false, nil),
	}
	orch := newOrchestrator(t, st, slow, clock)
	_, err := orch.CreateNewConversation()
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := orch.SendMessage(context.Background(), "first message", nil)
		done <- err
	}()

	<-slow.started
	other, err := st.CreateConversation("owner-1", "other")
	require.NoError(t, err)
	require.NoError(t, orch.SwitchConversation(other.ID))
	close(release)

	require.ErrorIs(t, <-done, ErrConversationSwitched)
}

type slowLLM struct {
	started chan struct{}
	release chan struct{}
	content string
}

func (s *slowLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	s.started <- struct{}{}
	<-s.release
	return canned(s.content), nil
}
