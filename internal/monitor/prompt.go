package monitor

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/evidence"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
)

// ErrMalformedExtraction marks an inference response whose structured body
// could not be parsed. The raw text is still usable as a plain reply.
var ErrMalformedExtraction = errors.New("malformed extraction in inference response")

const defaultSystemPrompt = `You are a supportive online-safety companion. Listen carefully, respond with empathy, and when the user describes being threatened, harassed or extorted online, gently collect the facts needed to help them.`

const responseFormatPrompt = `Always answer with a single JSON object, no surrounding prose, with exactly these keys:
{"responseText": "<your reply to the user>", "threatDetected": <true|false>, "evidenceFields": {<field name>: <extracted value or null>}}
threatDetected is true only while the user is describing a concrete safety threat against them. evidenceFields may contain any of the known field names; use null for facts not yet mentioned. Ask for at most one missing fact per reply, and never interrogate.`

// extraction is the structured body expected from the inference service.
type extraction struct {
	ResponseText   string            `json:"responseText"`
	ThreatDetected bool              `json:"threatDetected"`
	EvidenceFields map[string]string `json:"evidenceFields"`
}

// buildSystemPrompt aggregates the base prompt, the response contract, the
// evidence collected so far and the fields still missing.
func buildSystemPrompt(base string, rec evidence.Record) string {
	var b strings.Builder
	if base == "" {
		base = defaultSystemPrompt
	}
	b.WriteString(base)
	b.WriteString("\n\n")
	b.WriteString(responseFormatPrompt)
	b.WriteString("\n\nKnown evidence field names: ")
	b.WriteString(strings.Join(evidence.RequiredFields, ", "))
	if len(rec.Fields) > 0 {
		snapshot, _ := json.Marshal(rec.Fields)
		fmt.Fprintf(&b, "\n\nEvidence gathered so far: %s", snapshot)
	}
	if missing := rec.MissingFields(); len(missing) > 0 && rec.ThreatDetected {
		fmt.Fprintf(&b, "\nStill missing: %s", strings.Join(missing, ", "))
	}
	return b.String()
}

// parseExtraction decodes the structured inference response. Models often
// wrap JSON in code fences or prefix it with prose, so the parser extracts
// the outermost object before decoding.
func parseExtraction(content string) (extraction, error) {
	trimmed := strings.TrimSpace(content)
	start := strings.Index(trimmed, "{")
	end := strings.LastIndex(trimmed, "}")
	if start < 0 || end <= start {
		return extraction{}, ErrMalformedExtraction
	}
	var ex extraction
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &ex); err != nil {
		return extraction{}, fmt.Errorf("%w: %v", ErrMalformedExtraction, err)
	}
	if ex.ResponseText == "" {
		return extraction{}, ErrMalformedExtraction
	}
	return ex, nil
}

// historyMessages maps persisted turns onto chat-completion messages,
// bounded to the most recent maxTurns.
func historyMessages(msgs []store.Message, maxTurns int) []openai.ChatCompletionMessage {
	if maxTurns > 0 && len(msgs) > maxTurns {
		msgs = msgs[len(msgs)-maxTurns:]
	}
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		role := openai.ChatMessageRoleUser
		if m.Sender == store.SenderAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		out = append(out, openai.ChatCompletionMessage{Role: role, Content: m.Payload.ResponseText})
	}
	return out
}
