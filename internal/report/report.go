// Package report generates the two incident documents: the user-facing
// protection plan shown in chat and the law-enforcement report that is only
// persisted. Both delegate the writing to the inference service and store
// the result.
package report

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"

	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/llm"
	"github.com/ShoaibNaseri/digi-cpy-sub002/internal/store"
)

// Kind tags a generated document.
type Kind string

const (
	KindProtectionPlan Kind = "protection_plan"
	KindLawEnforcement Kind = "law_enforcement"
)

// UserProfile is the reporter information embedded in generated documents.
type UserProfile struct {
	ID          string
	DisplayName string
}

// Generator produces one report document from a conversation history.
type Generator interface {
	Generate(ctx context.Context, history []store.Message, profile UserProfile) (store.Report, error)
}

const planPrompt = `You are writing a personal online-safety protection plan for the user below, based on the incident described in the conversation transcript. Write directly to the user in a calm, supportive tone. Cover: immediate safety steps, how to preserve evidence, how to report on the platform involved, and when to contact authorities. Plain text only.`

const lawEnforcementPrompt = `You are writing a factual incident report intended for law enforcement, based on the conversation transcript below. Use a neutral, formal register. Include: reporter identity, platform, perpetrator details as known, nature and content of the threat, timeline, frequency, demands made, and evidence available. Do not speculate beyond the transcript. Plain text only.`

type llmGenerator struct {
	client llm.Client
	model  string
	store  *store.Store
	kind   Kind
	prompt string
}

// NewPlanGenerator returns the user-facing protection plan generator.
func NewPlanGenerator(client llm.Client, model string, st *store.Store) Generator {
	return &llmGenerator{client: client, model: model, store: st, kind: KindProtectionPlan, prompt: planPrompt}
}

// NewLawEnforcementGenerator returns the law-enforcement report generator.
func NewLawEnforcementGenerator(client llm.Client, model string, st *store.Store) Generator {
	return &llmGenerator{client: client, model: model, store: st, kind: KindLawEnforcement, prompt: lawEnforcementPrompt}
}

func (g *llmGenerator) Generate(ctx context.Context, history []store.Message, profile UserProfile) (store.Report, error) {
	if len(history) == 0 {
		return store.Report{}, errors.New("report: empty history")
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.prompt},
			{Role: openai.ChatMessageRoleUser, Content: transcript(history, profile)},
		},
	})
	if err != nil {
		return store.Report{}, fmt.Errorf("report %s: %w", g.kind, err)
	}
	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		return store.Report{}, fmt.Errorf("report %s: empty completion", g.kind)
	}
	doc, err := g.store.SaveReport(store.Report{
		ConversationID: history[0].ConversationID,
		Kind:           string(g.kind),
		Content:        resp.Choices[0].Message.Content,
	})
	if err != nil {
		return store.Report{}, err
	}
	return doc, nil
}

func transcript(history []store.Message, profile UserProfile) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Reporter: %s (id %s)\n\nTranscript:\n", profile.DisplayName, profile.ID)
	for _, m := range history {
		role := "User"
		if m.Sender == store.SenderAssistant {
			role = "Assistant"
		}
		fmt.Fprintf(&b, "%s: %s\n", role, m.Payload.ResponseText)
		if len(m.Images) > 0 {
			fmt.Fprintf(&b, "(attached %d image(s))\n", len(m.Images))
		}
	}
	return b.String()
}
