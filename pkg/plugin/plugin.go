// Package plugin implements the event-dispatch contract that pipeline
// stages and the streaming ASR consumer invoke plugins through (spec
// §4.6). It generalizes the teacher's condition-gated dispatch pattern
// (internal/agent.Router, internal/mcp/mcphost.Host's registry-by-name) to a
// closed set of trigger [Condition] types evaluated against one input
// string per event.
package plugin

import (
	"context"
	"log/slog"
	"regexp"
	"strings"
	"sync"
)

// Event names used at dispatch, per spec §4.6.
const (
	EventTranscriptStreaming  = "transcript.streaming"
	EventMemoryProcessed      = "memory.processed"
	EventConversationComplete = "conversation.complete"
	EventButtonSinglePress    = "button.single_press"
	EventButtonDoublePress    = "button.double_press"
	EventPluginAction         = "plugin.action"
)

// AccessLevel names one of the data surfaces a plugin may declare it needs.
type AccessLevel string

const (
	AccessTranscript   AccessLevel = "transcript"
	AccessConversation AccessLevel = "conversation"
	AccessMemory       AccessLevel = "memory"
	AccessButton       AccessLevel = "button"
)

// accessLevelForEvent maps an event name to the access level a plugin must
// declare in order to receive it.
func accessLevelForEvent(event string) AccessLevel {
	switch event {
	case EventTranscriptStreaming:
		return AccessTranscript
	case EventMemoryProcessed:
		return AccessMemory
	case EventConversationComplete:
		return AccessConversation
	case EventButtonSinglePress, EventButtonDoublePress:
		return AccessButton
	default:
		return AccessConversation
	}
}

// Condition gates whether a plugin's handler runs for a given dispatch,
// evaluated against the event's relevant input string (spec §4.6 item 2).
type Condition interface {
	// Match reports whether input satisfies the condition. When it does,
	// command is the input with any condition-specific prefix stripped
	// (used only by WakeWord; empty for the other condition kinds).
	Match(input string) (matched bool, command string)
}

// Always matches every dispatch unconditionally.
type Always struct{}

// Match always returns true.
func (Always) Match(input string) (bool, string) { return true, "" }

// WakeWord matches when Word appears case-insensitively anywhere in input.
// If StripPrefix is set, command is everything after the wake word with
// leading whitespace trimmed; otherwise command is the input unchanged.
type WakeWord struct {
	Word        string
	StripPrefix bool
}

// Match implements Condition.
func (w WakeWord) Match(input string) (bool, string) {
	lowerInput := strings.ToLower(input)
	lowerWord := strings.ToLower(w.Word)
	idx := strings.Index(lowerInput, lowerWord)
	if idx < 0 {
		return false, ""
	}
	if !w.StripPrefix {
		return true, input
	}
	rest := input[idx+len(w.Word):]
	return true, strings.TrimLeft(rest, " \t\n")
}

// Regex matches when Pattern finds a match anywhere in input.
type Regex struct {
	Pattern *regexp.Regexp
}

// Match implements Condition.
func (r Regex) Match(input string) (bool, string) {
	return r.Pattern.MatchString(input), ""
}

// PluginContext is passed to a matched plugin's Handle method.
type PluginContext struct {
	Event       string
	UserID      string
	AccessLevel AccessLevel
	Data        map[string]any
	Metadata    map[string]any
}

// PluginResult is returned from a plugin's Handle method and recorded in
// the router's recent-event log.
type PluginResult struct {
	Success        bool
	Message        string
	Data           map[string]any
	ShouldContinue bool
}

// Plugin is one registered event handler. Implementations must be safe for
// concurrent use, since Handle may be invoked concurrently for distinct
// dispatches.
type Plugin interface {
	Name() string
	Enabled() bool
	Initialized() bool
	Subscribes(event string) bool
	Condition() Condition
	Handle(ctx context.Context, pctx PluginContext) PluginResult
}

// recentEvent is one entry in the router's bounded dispatch log.
type recentEvent struct {
	Event   string
	UserID  string
	Results []PluginResult
}

// defaultRecentCapacity is the recent-event log size when Router is
// constructed with capacity <= 0.
const defaultRecentCapacity = 200

// Router enumerates registered plugins and dispatches events to every
// plugin whose condition matches, isolating each plugin's failures from the
// others and from the caller (spec §4.6 "Failure isolation").
type Router struct {
	mu      sync.RWMutex
	plugins []Plugin

	recentMu sync.Mutex
	recent   []recentEvent
	recentAt int
	cap      int
}

// NewRouter returns a Router whose recent-event log holds capacity entries
// (defaultRecentCapacity if capacity <= 0).
func NewRouter(capacity int) *Router {
	if capacity <= 0 {
		capacity = defaultRecentCapacity
	}
	return &Router{
		recent: make([]recentEvent, 0, capacity),
		cap:    capacity,
	}
}

// Register adds p to the router's plugin set.
func (r *Router) Register(p Plugin) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.plugins = append(r.plugins, p)
}

// inputFor extracts the input string a Condition is evaluated against for
// the given event, per spec §4.6 item 2 ("for transcript.streaming,
// data.transcript").
func inputFor(event string, data map[string]any) string {
	switch event {
	case EventTranscriptStreaming:
		if s, ok := data["transcript"].(string); ok {
			return s
		}
	}
	return ""
}

// Dispatch implements the dispatch_event contract (spec §4.6): it
// enumerates enabled, initialized plugins subscribed to event, evaluates
// each one's condition, and invokes matching plugins' handlers. A plugin
// panic is recovered and reported as a failed PluginResult rather than
// propagating, so one broken plugin never blocks the others or the caller.
func (r *Router) Dispatch(ctx context.Context, event string, userID string, data, metadata map[string]any) []PluginResult {
	r.mu.RLock()
	candidates := make([]Plugin, len(r.plugins))
	copy(candidates, r.plugins)
	r.mu.RUnlock()

	input := inputFor(event, data)
	access := accessLevelForEvent(event)

	var results []PluginResult
	for _, p := range candidates {
		if !p.Enabled() || !p.Initialized() || !p.Subscribes(event) {
			continue
		}
		matched, command := p.Condition().Match(input)
		if !matched {
			continue
		}
		pdata := cloneData(data)
		if command != "" {
			pdata["command"] = command
			pdata["original_transcript"] = input
		}
		result := r.invoke(ctx, p, PluginContext{
			Event:       event,
			UserID:      userID,
			AccessLevel: access,
			Data:        pdata,
			Metadata:    metadata,
		})
		results = append(results, result)
	}

	r.recordRecent(recentEvent{Event: event, UserID: userID, Results: results})
	return results
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+2)
	for k, v := range data {
		out[k] = v
	}
	return out
}

// invoke calls p.Handle, recovering from any panic so dispatch continues
// undisturbed for the remaining plugins.
func (r *Router) invoke(ctx context.Context, p Plugin, pctx PluginContext) (result PluginResult) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("plugin: handler panicked", "plugin", p.Name(), "event", pctx.Event, "panic", rec)
			result = PluginResult{Success: false, Message: "plugin panicked", ShouldContinue: true}
		}
	}()
	return p.Handle(ctx, pctx)
}

func (r *Router) recordRecent(e recentEvent) {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	if len(r.recent) < r.cap {
		r.recent = append(r.recent, e)
		return
	}
	r.recent[r.recentAt] = e
	r.recentAt = (r.recentAt + 1) % r.cap
}

// RecentEvents returns a snapshot of the bounded recent-event log, oldest
// first. Used for debugging/observability only.
func (r *Router) RecentEvents() []recentEvent {
	r.recentMu.Lock()
	defer r.recentMu.Unlock()
	out := make([]recentEvent, 0, len(r.recent))
	out = append(out, r.recent[r.recentAt:]...)
	out = append(out, r.recent[:r.recentAt]...)
	return out
}
