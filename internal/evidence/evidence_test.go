package evidence

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMerge_FirstTurnAgainstBaseline(t *testing.T) {
	rec := Merge(nil, Partial{
		ThreatDetected: true,
		Fields: map[string]string{
			FieldPlatform:      "Platform X",
			FieldThreatNature:  "extortion",
			FieldThreatContent: "threatened to share photos",
		},
	})
	require.True(t, rec.ThreatDetected)
	require.False(t, rec.HasEnoughEvidence)
	require.Equal(t, "Platform X", rec.Fields[FieldPlatform])
	require.Len(t, rec.MissingFields(), len(RequiredFields)-3)
}

// Once a field is non-null it stays non-null; later null extractions for the
// same field never clear it.
func TestMerge_MonotonicFill(t *testing.T) {
	first := Merge(nil, Partial{Fields: map[string]string{FieldPlatform: "Platform X"}})
	second := Merge(&first, Partial{Fields: map[string]string{
		FieldPlatform:    "null",
		FieldDemandsMade: "money",
	}})
	require.Equal(t, "Platform X", second.Fields[FieldPlatform])
	require.Equal(t, "money", second.Fields[FieldDemandsMade])

	third := Merge(&second, Partial{Fields: map[string]string{}})
	require.Equal(t, "Platform X", third.Fields[FieldPlatform])
	require.Equal(t, "money", third.Fields[FieldDemandsMade])
}

func TestMerge_LaterNonNullValueOverrides(t *testing.T) {
	first := Merge(nil, Partial{Fields: map[string]string{FieldFrequency: "daily"}})
	second := Merge(&first, Partial{Fields: map[string]string{FieldFrequency: "several times a day"}})
	require.Equal(t, "several times a day", second.Fields[FieldFrequency])
}

// threatDetected follows the latest extraction each turn; it is not sticky.
func TestMerge_ThreatFlagNotMonotonic(t *testing.T) {
	first := Merge(nil, Partial{ThreatDetected: true})
	require.True(t, first.ThreatDetected)
	second := Merge(&first, Partial{ThreatDetected: false})
	require.False(t, second.ThreatDetected)
}

func TestMerge_NullSentinels(t *testing.T) {
	rec := Merge(nil, Partial{Fields: map[string]string{
		FieldPlatform:            "  ",
		FieldPerpetratorIdentity: "Unknown",
		FieldFrequency:           "N/A",
		FieldDemandsMade:         "none",
		FieldThreatNature:        "harassment",
	}})
	require.Equal(t, map[string]string{FieldThreatNature: "harassment"}, rec.Fields)
}

func TestMerge_PureInputsUntouched(t *testing.T) {
	prev := Merge(nil, Partial{Fields: map[string]string{FieldPlatform: "Platform X"}})
	in := Partial{Fields: map[string]string{FieldFrequency: "weekly"}}
	_ = Merge(&prev, in)
	require.NotContains(t, prev.Fields, FieldFrequency)
}

func TestHasEnoughEvidence_AllFieldsFilled(t *testing.T) {
	fields := make(map[string]string, len(RequiredFields))
	for _, f := range RequiredFields {
		fields[f] = "known"
	}
	rec := Merge(nil, Partial{ThreatDetected: true, Fields: fields})
	require.True(t, rec.HasEnoughEvidence)
	require.Empty(t, rec.MissingFields())
}

func TestMissingFields_CanonicalOrder(t *testing.T) {
	rec := Merge(nil, Partial{Fields: map[string]string{
		FieldThreatContent: "message",
		FieldPlatform:      "Platform X",
	}})
	missing := rec.MissingFields()
	require.Equal(t, FieldPerpetratorIdentity, missing[0])
	require.NotContains(t, missing, FieldPlatform)
	require.NotContains(t, missing, FieldThreatContent)
}
