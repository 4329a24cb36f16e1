// Package escalation decides when a corroborated threat moves to report
// generation. A state machine per conversation walks
// Idle → ThreatFlagged → EvidenceGathering → ReportGenerating → ReportComplete,
// with durable flags guaranteeing the report pair is generated at most once
// per incident.
package escalation

import (
	"context"
	"time"

	"github.com/qmuntal/stateless"
	"golang.org/x/sync/errgroup"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/evidence"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/logger"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/report"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
)

// FSM states
type State stateless.State

var (
	StateIdle              State = "Idle"
	StateThreatFlagged     State = "ThreatFlagged"
	StateEvidenceGathering State = "EvidenceGathering"
	StateReportGenerating  State = "ReportGenerating"
	StateReportComplete    State = "ReportComplete"
)

// FSM triggers
type Trigger stateless.Trigger

var (
	TriggerThreatObserved   Trigger = "ThreatObserved"
	TriggerBeginGathering   Trigger = "BeginGathering"
	TriggerEvidenceComplete Trigger = "EvidenceComplete"
	TriggerReportsSettled   Trigger = "ReportsSettled"
	TriggerNewIncident      Trigger = "NewIncident"
)

// Controller runs the escalation machine for a single conversation.
// Not safe for concurrent use; the orchestrator serializes calls.
type Controller struct {
	conversationID string
	ownerID        string
	st             *store.Store
	plan           report.Generator
	lawEnforcement report.Generator
	profile        report.UserProfile

	fsm        *stateless.StateMachine
	generating bool
	now        func() time.Time

	// onPlanGenerated is invoked after the plan message lands, so the
	// orchestrator can disarm the watchdog and refresh derived state.
	onPlanGenerated func()
}

// New creates a controller for one conversation. now may be nil, defaulting
// to wall-clock time.
func New(conversationID, ownerID string, st *store.Store, plan, lawEnforcement report.Generator, profile report.UserProfile, now func() time.Time, onPlanGenerated func()) *Controller {
	if now == nil {
		now = time.Now
	}
	c := &Controller{
		conversationID:  conversationID,
		ownerID:         ownerID,
		st:              st,
		plan:            plan,
		lawEnforcement:  lawEnforcement,
		profile:         profile,
		now:             now,
		onPlanGenerated: onPlanGenerated,
	}

	fsm := stateless.NewStateMachine(StateIdle)
	fsm.Configure(StateIdle).
		Permit(TriggerThreatObserved, StateThreatFlagged)
	fsm.Configure(StateThreatFlagged).
		Permit(TriggerBeginGathering, StateEvidenceGathering).
		Permit(TriggerNewIncident, StateIdle)
	fsm.Configure(StateEvidenceGathering).
		Permit(TriggerEvidenceComplete, StateReportGenerating).
		Permit(TriggerNewIncident, StateIdle)
	fsm.Configure(StateReportGenerating).
		Permit(TriggerReportsSettled, StateReportComplete).
		Permit(TriggerNewIncident, StateIdle)
	fsm.Configure(StateReportComplete).
		Permit(TriggerNewIncident, StateIdle)
	c.fsm = fsm
	return c
}

// State returns the current machine state.
func (c *Controller) State() State {
	return c.fsm.MustState().(State)
}

// IsGenerating reports whether a report pair is currently in flight.
func (c *Controller) IsGenerating() bool { return c.generating }

// Restore fast-forwards a fresh controller to match durable state, used when
// a conversation is reopened in a new process. A threat session with the plan
// already generated lands in ReportComplete; one without lands in
// EvidenceGathering so continued chatting can finish the incident.
func (c *Controller) Restore(ctx context.Context) error {
	ts, ok, err := c.st.ThreatSession(c.conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	c.fsm.Fire(TriggerThreatObserved)
	c.fsm.Fire(TriggerBeginGathering)
	if ts.ProtectionPlanGenerated {
		c.fsm.Fire(TriggerEvidenceComplete)
		c.fsm.Fire(TriggerReportsSettled)
	}
	return nil
}

// Reset returns the machine to Idle for a new incident. Prior messages are
// untouched; evidence collection restarts from the baseline.
func (c *Controller) Reset() {
	if c.State() == StateIdle {
		return
	}
	if err := c.fsm.Fire(TriggerNewIncident); err != nil {
		logger.L.Warn("escalation reset fire failed", "conversation", c.conversationID, "error", err)
	}
}

// OnNewEvidence evaluates the merged record after a turn and, when the
// incident is fully corroborated, generates both reports. Returns whether
// report generation ran to completion this call.
//
// Failure of either generator is logged and leaves the machine in
// ReportGenerating with the durable flag unset; a later evaluation may
// retry. The caller never surfaces this to the user.
func (c *Controller) OnNewEvidence(ctx context.Context, rec evidence.Record, history []store.Message) (bool, error) {
	if rec.ThreatDetected && c.State() == StateIdle {
		if err := c.fsm.Fire(TriggerThreatObserved); err != nil {
			return false, err
		}
		// ThreatFlagged is transient; gathering starts immediately.
		if err := c.fsm.Fire(TriggerBeginGathering); err != nil {
			return false, err
		}
		if err := c.st.PutThreatSession(store.ThreatSession{
			ConversationID: c.conversationID,
			DetectedAt:     c.now().UTC(),
		}); err != nil {
			return false, err
		}
		logger.L.Info("threat flagged, gathering evidence", "conversation", c.conversationID)
	}

	// Dispatch from EvidenceGathering, or from ReportGenerating after a
	// failed pair: the machine stays put on failure and a later turn may
	// re-trigger evaluation.
	state := c.State()
	if state != StateEvidenceGathering && !(state == StateReportGenerating && !c.generating) {
		return false, nil
	}
	if !rec.HasEnoughEvidence {
		return false, nil
	}

	// Duplicate-generation guard: the durable flag survives process restarts.
	ts, ok, err := c.st.ThreatSession(c.conversationID)
	if err != nil {
		return false, err
	}
	if ok && ts.ProtectionPlanGenerated {
		if state == StateEvidenceGathering {
			c.fsm.Fire(TriggerEvidenceComplete)
		}
		c.fsm.Fire(TriggerReportsSettled)
		return false, nil
	}

	if state == StateEvidenceGathering {
		if err := c.fsm.Fire(TriggerEvidenceComplete); err != nil {
			return false, err
		}
	}
	return c.dispatchReports(ctx, rec, history)
}

// dispatchReports runs the two generations concurrently. Both must settle
// before the incident counts as resolved; completion order is irrelevant.
func (c *Controller) dispatchReports(ctx context.Context, rec evidence.Record, history []store.Message) (bool, error) {
	c.generating = true
	defer func() { c.generating = false }()

	var planDoc store.Report
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		doc, err := c.plan.Generate(gctx, history, c.profile)
		if err == nil {
			planDoc = doc
		}
		return err
	})
	g.Go(func() error {
		_, err := c.lawEnforcement.Generate(gctx, history, c.profile)
		return err
	})
	if err := g.Wait(); err != nil {
		// Stay in ReportGenerating; no user-visible error, but operators
		// need to see this.
		logger.L.Error("report generation failed", "conversation", c.conversationID, "error", err)
		return false, nil
	}

	if _, err := c.st.AppendMessage(store.Message{
		ConversationID: c.conversationID,
		OwnerID:        c.ownerID,
		Sender:         store.SenderAssistant,
		Payload: store.Payload{
			ResponseText:            planDoc.Content,
			ThreatDetected:          true,
			HasEnoughEvidence:       true,
			EvidenceSnapshot:        rec.Fields,
			ProtectionPlanGenerated: true,
		},
	}); err != nil {
		logger.L.Error("failed to append plan message", "conversation", c.conversationID, "error", err)
		return false, nil
	}
	if err := c.st.MarkPlanGenerated(c.conversationID); err != nil {
		logger.L.Error("failed to mark plan generated", "conversation", c.conversationID, "error", err)
		return false, nil
	}
	if err := c.fsm.Fire(TriggerReportsSettled); err != nil {
		logger.L.Warn("escalation settle fire failed", "conversation", c.conversationID, "error", err)
	}
	logger.L.Info("protection plan generated", "conversation", c.conversationID)
	if c.onPlanGenerated != nil {
		c.onPlanGenerated()
	}
	return true, nil
}
