package reconnect

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
)

const recency = 24 * time.Hour

func setup(t *testing.T) (*store.Store, store.Conversation) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	c, err := st.CreateConversation("owner-1", "t")
	require.NoError(t, err)
	return st, c
}

func fixedNow() time.Time { return time.Date(2025, 6, 2, 9, 0, 0, 0, time.UTC) }

func TestFollowUpSentOnceForRecentUnresolvedThreat(t *testing.T) {
	st, c := setup(t)
	require.NoError(t, st.PutThreatSession(store.ThreatSession{
		ConversationID: c.ID,
		DetectedAt:     fixedNow().Add(-time.Hour),
	}))

	h := New(st, recency, fixedNow)
	sent, err := h.Evaluate(c.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, sent)

	msgs, err := st.Messages(c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	require.Equal(t, store.SenderAssistant, msgs[0].Sender)

	// A later session in a fresh process sees the durable flag.
	h2 := New(st, recency, fixedNow)
	sent, err = h2.Evaluate(c.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, sent)

	msgs, err = st.Messages(c.ID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
}

func TestNoFollowUpWithoutThreatSession(t *testing.T) {
	st, c := setup(t)
	h := New(st, recency, fixedNow)
	sent, err := h.Evaluate(c.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, sent)
}

func TestNoFollowUpWhenPlanAlreadyGenerated(t *testing.T) {
	st, c := setup(t)
	require.NoError(t, st.PutThreatSession(store.ThreatSession{
		ConversationID:          c.ID,
		DetectedAt:              fixedNow().Add(-time.Hour),
		ProtectionPlanGenerated: true,
	}))

	h := New(st, recency, fixedNow)
	sent, err := h.Evaluate(c.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, sent)
}

// The recency boundary is strict: exactly 24 h old is stale.
func TestRecencyBoundary(t *testing.T) {
	cases := []struct {
		name string
		age  time.Duration
		want bool
	}{
		{"just inside", recency - time.Second, true},
		{"exactly at boundary", recency, false},
		{"just outside", recency + time.Second, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			st, c := setup(t)
			require.NoError(t, st.PutThreatSession(store.ThreatSession{
				ConversationID: c.ID,
				DetectedAt:     fixedNow().Add(-tc.age),
			}))
			h := New(st, recency, fixedNow)
			sent, err := h.Evaluate(c.ID, "owner-1")
			require.NoError(t, err)
			require.Equal(t, tc.want, sent)
		})
	}
}

// Re-renders within the same process never re-evaluate.
func TestProcessGuardSuppressesReEvaluation(t *testing.T) {
	st, c := setup(t)
	require.NoError(t, st.PutThreatSession(store.ThreatSession{
		ConversationID: c.ID,
		DetectedAt:     fixedNow().Add(-time.Hour),
	}))

	h := New(st, recency, fixedNow)
	sent, err := h.Evaluate(c.ID, "owner-1")
	require.NoError(t, err)
	require.True(t, sent)

	// Even if the durable flag were lost, the in-memory guard holds.
	require.NoError(t, st.SetFlag(FlagDisconnectionFollowUp, c.ID, false))
	sent, err = h.Evaluate(c.ID, "owner-1")
	require.NoError(t, err)
	require.False(t, sent)
}
