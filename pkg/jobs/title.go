package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

const (
	titleMaxLen        = 40
	shortSummaryMaxLen = 120
	titleFallback      = "Conversation"
	summaryFallback    = "No content"
	detailedFallback   = "No meaningful content to summarize"
)

type titleSummaryArgs struct {
	ConversationID string `json:"conversation_id"`
}

// TitleSummary generates a title, a one-to-two sentence short summary, and a
// multi-paragraph detailed summary for a conversation's active transcript.
// Each of the three calls falls back to a simple derived string (rather than
// failing the job) if deps.LLM returns an error, matching the original
// implementation's per-call fallback behavior.
func TitleSummary(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
	var args titleSummaryArgs
	if err := unmarshalArgs(job, &args); err != nil {
		return nil, err
	}
	if args.ConversationID == "" {
		return nil, fmt.Errorf("jobs: title_summary: missing conversation_id")
	}

	conv, err := deps.Store.Get(ctx, args.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("jobs: title_summary: get conversation: %w", err)
	}
	version, ok := conv.ActiveTranscript()
	text := ""
	if ok {
		text = version.TranscriptText
	}

	title := generateTitle(ctx, deps, text)
	summary := generateShortSummary(ctx, deps, text)
	detailed := generateDetailedSummary(ctx, deps, text)

	if err := deps.Store.SetTitleSummary(ctx, args.ConversationID, title, summary, detailed); err != nil {
		return nil, fmt.Errorf("jobs: title_summary: set title/summary: %w", err)
	}

	return map[string]any{
		"conversation_id": args.ConversationID,
		"title":           title,
		"summary":         summary,
	}, nil
}

func generateTitle(ctx context.Context, deps *Deps, text string) string {
	if deps.LLM != nil && text != "" {
		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Generate a concise, descriptive title (3-6 words) for a conversation transcript. Respond with only the title, no quotes.",
			Messages:     []llm.Message{{Role: "user", Content: text}},
			Temperature:  0.3,
		})
		if err == nil {
			if title := strings.Trim(strings.TrimSpace(resp.Content), `"'`); title != "" {
				return title
			}
		} else {
			slog.Warn("jobs: title_summary: LLM title generation failed, falling back", "error", err)
		}
	}
	return fallbackTitle(text)
}

func generateShortSummary(ctx context.Context, deps *Deps, text string) string {
	if deps.LLM != nil && text != "" {
		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: fmt.Sprintf("Generate a brief, informative summary (1-2 sentences, max %d characters) for a conversation transcript. Respond with only the summary.", shortSummaryMaxLen),
			Messages:     []llm.Message{{Role: "user", Content: text}},
			Temperature:  0.3,
		})
		if err == nil {
			if summary := strings.Trim(strings.TrimSpace(resp.Content), `"'`); summary != "" {
				return summary
			}
		} else {
			slog.Warn("jobs: title_summary: LLM short summary generation failed, falling back", "error", err)
		}
	}
	if text == "" {
		return summaryFallback
	}
	return truncate(text, shortSummaryMaxLen)
}

func generateDetailedSummary(ctx context.Context, deps *Deps, text string) string {
	if deps.LLM != nil && text != "" {
		resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
			SystemPrompt: "Generate a comprehensive, detailed summary of this conversation transcript, capturing the full information and context of what was discussed.",
			Messages:     []llm.Message{{Role: "user", Content: text}},
			Temperature:  0.3,
		})
		if err == nil {
			if summary := strings.Trim(strings.TrimSpace(resp.Content), `"'`); summary != "" {
				return summary
			}
		} else {
			slog.Warn("jobs: title_summary: LLM detailed summary generation failed, falling back", "error", err)
		}
	}
	if text == "" {
		return detailedFallback
	}
	return text
}

func fallbackTitle(text string) string {
	if text == "" {
		return titleFallback
	}
	words := strings.Fields(text)
	if len(words) > 6 {
		words = words[:6]
	}
	title := strings.Join(words, " ")
	return truncate(title, titleMaxLen)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
