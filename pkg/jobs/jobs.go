// Package jobs implements the post-conversation job handlers (C5): one
// function per queue.Role, registered into a dispatch table and driven by
// Worker's poll loop. Each handler reads its queue.Job's Args, does its
// work against the shared conversation.Store, and returns a result or an
// error — Worker takes care of marking the job finished or failed.
package jobs

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/provider/llm"
	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	"github.com/chronicle-systems/chronicle/pkg/queue"

	chronicleplugin "github.com/chronicle-systems/chronicle/pkg/plugin"
)

// Handler processes one job and returns a JSON-marshalable result, or an
// error that marks the job failed.
type Handler func(ctx context.Context, job queue.Job, deps *Deps) (any, error)

// Directory resolves a user's enrolled primary-speaker names, used by the
// memory-extraction handler's primary-speaker filter. Mirrors
// pkg/streamingasr.UserDirectory's PrimarySpeakers method so the same
// concrete implementation can satisfy both.
type Directory interface {
	PrimarySpeakers(ctx context.Context, userID string) ([]string, error)
}

// Deps bundles every dependency a handler may need. Fields unused by a
// given handler may be left nil; handlers that need an absent dependency
// fail loudly rather than silently no-opping.
type Deps struct {
	Store   conversation.Store
	Redis   redis.UniversalClient
	LLM     llm.Provider
	Speaker *speaker.Client
	Batch   stt.BatchProvider
	Router  *chronicleplugin.Router
	Users   Directory

	// Now is the clock, overridable in tests.
	Now func() time.Time
}

func (d *Deps) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// NewHandlers builds the standard dispatch table, one entry per queue.Role
// this package implements.
func NewHandlers() map[queue.Role]Handler {
	return map[queue.Role]Handler{
		queue.RoleTranscribeFullAudio: TranscribeFullAudio,
		queue.RoleSpeakerRecognition:  SpeakerRecognition,
		queue.RoleMemoryExtraction:    MemoryExtraction,
		queue.RoleTitleSummary:        TitleSummary,
		queue.RoleEventDispatch:       EventDispatch,
	}
}
