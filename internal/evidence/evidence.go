// Package evidence accumulates structured incident facts extracted from a
// conversation. Merging is monotonic: a fact, once known, is only ever
// replaced by a newer non-empty value, never cleared.
package evidence

import "strings"

// Required field names collected for every incident. A record has enough
// evidence for report generation when all of them are filled.
const (
	FieldPlatform             = "platform"
	FieldPerpetratorIdentity  = "perpetratorIdentity"
	FieldRelationshipToUser   = "relationshipToUser"
	FieldThreatNature         = "threatNature"
	FieldThreatContent        = "threatContent"
	FieldFirstOccurrence      = "firstOccurrence"
	FieldMostRecentOccurrence = "mostRecentOccurrence"
	FieldFrequency            = "frequency"
	FieldDemandsMade          = "demandsMade"
	FieldEvidenceKept         = "evidenceKept"
	FieldReportedToPlatform   = "reportedToPlatform"
	FieldOthersTargeted       = "othersTargeted"
	FieldUserSafetyStatus     = "userSafetyStatus"
)

// RequiredFields lists every field an incident record must fill, in the
// order they are presented back to the inference service.
var RequiredFields = []string{
	FieldPlatform,
	FieldPerpetratorIdentity,
	FieldRelationshipToUser,
	FieldThreatNature,
	FieldThreatContent,
	FieldFirstOccurrence,
	FieldMostRecentOccurrence,
	FieldFrequency,
	FieldDemandsMade,
	FieldEvidenceKept,
	FieldReportedToPlatform,
	FieldOthersTargeted,
	FieldUserSafetyStatus,
}

// Record is the running evidence state for one conversation. Absent map keys
// are unfilled fields.
type Record struct {
	Fields            map[string]string `json:"fields"`
	ThreatDetected    bool              `json:"threatDetected"`
	HasEnoughEvidence bool              `json:"hasEnoughEvidence"`
}

// Partial is one turn's extraction from the inference service. Field values
// may carry model null-sentinels; those are treated as absent.
type Partial struct {
	Fields         map[string]string `json:"evidenceFields"`
	ThreatDetected bool              `json:"threatDetected"`
}

// Empty returns an all-null baseline record.
func Empty() Record {
	return Record{Fields: map[string]string{}}
}

// filled reports whether a raw extracted value counts as a real fact.
// Models routinely emit textual nulls for fields they could not extract.
func filled(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "null", "none", "unknown", "n/a", "not specified":
		return false
	}
	return true
}

// Merge combines a previous record with a fresh partial extraction.
// Pure: neither input is mutated. A nil previous record merges against the
// all-null baseline (first turn).
func Merge(prev *Record, in Partial) Record {
	out := Record{Fields: make(map[string]string, len(RequiredFields))}
	if prev != nil {
		for k, v := range prev.Fields {
			out.Fields[k] = v
		}
	}
	for _, name := range RequiredFields {
		if v, ok := in.Fields[name]; ok && filled(v) {
			out.Fields[name] = strings.TrimSpace(v)
		}
	}
	// Threat detection follows the latest extraction, it is not sticky.
	out.ThreatDetected = in.ThreatDetected
	out.HasEnoughEvidence = len(out.MissingFields()) == 0
	return out
}

// MissingFields returns the required fields still unfilled, in canonical order.
func (r Record) MissingFields() []string {
	var missing []string
	for _, name := range RequiredFields {
		if _, ok := r.Fields[name]; !ok {
			missing = append(missing, name)
		}
	}
	return missing
}
