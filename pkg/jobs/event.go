package jobs

import (
	"context"
	"fmt"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/queue"

	chronicleplugin "github.com/chronicle-systems/chronicle/pkg/plugin"
)

type eventDispatchArgs struct {
	ConversationID string `json:"conversation_id"`
}

// EventDispatch fires conversation.complete through the plugin router once
// memory extraction and title/summary have both settled, and marks the
// conversation's processing status complete. It tolerates either upstream
// stage having been skipped or failed (memory/title/summary fields may be
// zero-valued) — plugins run against whatever fields the conversation holds.
func EventDispatch(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
	var args eventDispatchArgs
	if err := unmarshalArgs(job, &args); err != nil {
		return nil, err
	}
	if args.ConversationID == "" {
		return nil, fmt.Errorf("jobs: event_dispatch: missing conversation_id")
	}

	conv, err := deps.Store.Get(ctx, args.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("jobs: event_dispatch: get conversation: %w", err)
	}

	if err := deps.Store.SetProcessingStatus(ctx, args.ConversationID, conversation.ProcessingStatusComplete); err != nil {
		return nil, fmt.Errorf("jobs: event_dispatch: set processing status: %w", err)
	}

	if deps.Router != nil {
		memoryCount := 0
		if mv, ok := conv.ActiveMemory(); ok {
			memoryCount = mv.MemoryCount
		}
		deps.Router.Dispatch(ctx, chronicleplugin.EventConversationComplete, conv.UserID, map[string]any{
			"conversation_id":  conv.ConversationID,
			"title":            conv.Title,
			"summary":          conv.Summary,
			"detailed_summary": conv.DetailedSummary,
			"memory_count":     memoryCount,
		}, nil)
	}

	return map[string]any{"conversation_id": args.ConversationID, "dispatched": deps.Router != nil}, nil
}
