package main

import (
	"context"
	"log/slog"

	"github.com/chronicle-systems/chronicle/internal/config"
	chronicleplugin "github.com/chronicle-systems/chronicle/pkg/plugin"
)

// loggingPlugin is the built-in placeholder plugin registered for every
// configured entry: it logs the dispatch and reports success. Real plugin
// business logic (wake-word commands, memory-processed webhooks) is
// application code that implements chronicleplugin.Plugin itself and
// registers against the same Router — wiring one here is only to give
// every configured trigger condition an observable effect out of the box,
// the same role the teacher's registerBuiltinProviders placeholder plays
// for provider factories not yet implemented.
type loggingPlugin struct {
	name      string
	condition chronicleplugin.Condition
}

func (p *loggingPlugin) Name() string                  { return p.name }
func (p *loggingPlugin) Enabled() bool                  { return true }
func (p *loggingPlugin) Initialized() bool              { return true }
func (p *loggingPlugin) Subscribes(event string) bool   { return true }
func (p *loggingPlugin) Condition() chronicleplugin.Condition { return p.condition }

func (p *loggingPlugin) Handle(ctx context.Context, pctx chronicleplugin.PluginContext) chronicleplugin.PluginResult {
	slog.Info("plugin dispatched", "plugin", p.name, "event", pctx.Event, "user_id", pctx.UserID)
	return chronicleplugin.PluginResult{Success: true}
}

// buildRouter constructs a Router and registers one loggingPlugin per
// configured plugins entry.
func buildRouter(plugins []config.PluginConfig) (*chronicleplugin.Router, error) {
	router := chronicleplugin.NewRouter(0)
	for _, pc := range plugins {
		cond, err := chronicleplugin.ConditionFromConfig(pc)
		if err != nil {
			return nil, err
		}
		router.Register(&loggingPlugin{name: pc.Name, condition: cond})
	}
	return router, nil
}
