package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// minConversationLength is the shortest full-transcript text memory
// extraction will bother running on.
const minConversationLength = 10

const memoryExtractionSystemPrompt = `You extract durable, personally-relevant facts and events from a conversation
transcript — the kind of thing someone would want remembered later (decisions,
plans, preferences, relationships, commitments). Respond with one memory per
line, in plain text, with no numbering or bullets. If nothing is worth
remembering, respond with an empty string.`

type memoryExtractionArgs struct {
	ConversationID      string `json:"conversation_id"`
	TranscriptVersionID string `json:"transcript_version_id"`
}

// MemoryExtraction derives a list of durable memories from a conversation's
// transcript via deps.LLM, honoring the user's primary-speaker filter (a
// conversation with no contribution from any of the user's primary
// speakers is skipped rather than mined for memories about other people).
func MemoryExtraction(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
	var args memoryExtractionArgs
	if err := unmarshalArgs(job, &args); err != nil {
		return nil, err
	}
	if args.ConversationID == "" {
		return nil, fmt.Errorf("jobs: memory_extraction: missing conversation_id")
	}
	if deps.LLM == nil {
		return nil, fmt.Errorf("jobs: memory_extraction: no LLM provider configured")
	}

	conv, err := deps.Store.Get(ctx, args.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("jobs: memory_extraction: get conversation: %w", err)
	}

	text, speakers := dialogueAndSpeakers(conv, args.TranscriptVersionID)
	if len(text) < minConversationLength {
		slog.Warn("jobs: memory_extraction: conversation too short, skipping", "conversation_id", args.ConversationID)
		return map[string]any{"skipped": true, "reason": "conversation too short"}, nil
	}

	if deps.Users != nil {
		primaries, err := deps.Users.PrimarySpeakers(ctx, conv.UserID)
		if err != nil {
			slog.Warn("jobs: memory_extraction: primary speakers lookup failed", "user_id", conv.UserID, "error", err)
		} else if len(primaries) > 0 && len(speakers) > 0 && !anySpeakerMatches(speakers, primaries) {
			slog.Warn("jobs: memory_extraction: no primary speaker present, skipping", "conversation_id", args.ConversationID)
			return map[string]any{"skipped": true, "reason": "no primary speakers in conversation"}, nil
		}
	}

	start := deps.now()
	resp, err := deps.LLM.Complete(ctx, llm.CompletionRequest{
		SystemPrompt: memoryExtractionSystemPrompt,
		Messages:     []llm.Message{{Role: "user", Content: text}},
		Temperature:  0.3,
	})
	if err != nil {
		return nil, fmt.Errorf("jobs: memory_extraction: complete: %w", err)
	}

	memories := parseMemoryLines(resp.Content)
	if len(memories) == 0 {
		return map[string]any{"skipped": true, "reason": "no memories extracted"}, nil
	}

	version := conversation.MemoryVersion{
		VersionID:             versionID(""),
		MemoryCount:           len(memories),
		TranscriptVersionID:   args.TranscriptVersionID,
		Provider:              "llm",
		CreatedAt:             deps.now(),
		ProcessingTimeSeconds: deps.now().Sub(start).Seconds(),
		Metadata:              map[string]string{"memories": strings.Join(memories, "\n")},
	}
	if err := deps.Store.AppendMemoryVersion(ctx, args.ConversationID, version); err != nil {
		return nil, fmt.Errorf("jobs: memory_extraction: append memory version: %w", err)
	}
	if err := deps.Store.SetActiveMemoryVersion(ctx, args.ConversationID, version.VersionID); err != nil {
		return nil, fmt.Errorf("jobs: memory_extraction: set active memory version: %w", err)
	}

	return map[string]any{
		"conversation_id": args.ConversationID,
		"version_id":      version.VersionID,
		"memory_count":    len(memories),
	}, nil
}

// dialogueAndSpeakers renders a conversation's transcript as "speaker: text"
// lines (falling back to the plain transcript text when segments carry no
// speaker attribution), and collects the set of distinct, non-empty
// lowercased speaker names seen.
func dialogueAndSpeakers(conv conversation.Conversation, transcriptVersionID string) (string, map[string]struct{}) {
	version, ok := transcriptVersionFor(conv, transcriptVersionID)
	if !ok {
		return "", nil
	}

	var lines []string
	speakers := make(map[string]struct{})
	for _, seg := range version.Segments {
		t := strings.TrimSpace(seg.Text)
		if t == "" {
			continue
		}
		if seg.Speaker != "" {
			lines = append(lines, fmt.Sprintf("%s: %s", seg.Speaker, t))
			speakers[strings.ToLower(strings.TrimSpace(seg.Speaker))] = struct{}{}
		} else {
			lines = append(lines, t)
		}
	}
	full := strings.Join(lines, "\n")
	if len(full) < minConversationLength {
		full = version.TranscriptText
	}
	return full, speakers
}

// anySpeakerMatches reports whether any of speakers (already lowercased)
// case-insensitively matches any of primaries.
func anySpeakerMatches(speakers map[string]struct{}, primaries []string) bool {
	for _, p := range primaries {
		if _, ok := speakers[strings.ToLower(strings.TrimSpace(p))]; ok {
			return true
		}
	}
	return false
}

// parseMemoryLines splits an LLM response into non-empty memory lines.
func parseMemoryLines(content string) []string {
	var out []string
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}
