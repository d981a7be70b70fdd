package llm

import (
	"context"
	"strings"

	"github.com/vinayprograms/memoryd/errors"
)

const (
	summarizerSystemPrompt = "Du bist ein präziser Notiz- und Zusammenfassungsassistent. " +
		"Extrahiere nur speicherwürdige, langfristig relevante Informationen."

	projectSystemPrompt = "Du bist ein Langzeit-Speicheragent. Fasse die folgenden Notizen " +
		"für das Projekt zu einer kompakten Memory-Notiz zusammen. Behalte nur langfristig " +
		"relevante Fakten, Entscheidungen, Präferenzen und To-Dos."

	summarizerTemperature = 0.2
)

// Summarizer condenses texts into a single memory note.
type Summarizer struct {
	provider Provider
}

// NewSummarizer creates a new summarizer with the given LLM provider.
func NewSummarizer(provider Provider) *Summarizer {
	return &Summarizer{provider: provider}
}

// Summarize condenses texts, separated by blank lines, into one note.
func (s *Summarizer) Summarize(ctx context.Context, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", errors.InvalidInput("nothing to summarize")
	}
	return s.complete(ctx, summarizerSystemPrompt, strings.Join(texts, "\n\n"), "summarize")
}

// SummarizeProject condenses the unconsolidated notes of one project.
func (s *Summarizer) SummarizeProject(ctx context.Context, project string, texts []string) (string, error) {
	if len(texts) == 0 {
		return "", errors.InvalidInput("nothing to summarize")
	}
	prompt := "Projekt: " + project + "\n\nNotizen:\n" + strings.Join(texts, "\n\n")
	return s.complete(ctx, projectSystemPrompt, prompt, "consolidate")
}

func (s *Summarizer) complete(ctx context.Context, system, user, purpose string) (string, error) {
	if s.provider == nil {
		return "", errors.Upstream("llm", "no provider configured for summarization", nil)
	}

	resp, err := s.provider.Chat(ctx, ChatRequest{
		Messages: []Message{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: Temperature(summarizerTemperature),
		Purpose:     purpose,
	})
	if err != nil {
		if errors.AsError(err) != nil {
			return "", err
		}
		return "", errors.Upstream("llm", "summarization call failed", err)
	}

	summary := strings.TrimSpace(resp.Content)
	if summary == "" {
		return "", errors.Upstream("llm", "empty summary", nil)
	}
	return summary, nil
}
