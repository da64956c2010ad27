package plugin

import (
	"fmt"
	"regexp"

	"github.com/chronicle-systems/chronicle/internal/config"
)

// ConditionFromConfig builds the Condition a [config.PluginConfig] entry
// describes. Used by cmd/chronicle-worker to construct each plugin's
// trigger condition from the loaded configuration.
func ConditionFromConfig(cfg config.PluginConfig) (Condition, error) {
	switch cfg.Condition {
	case config.ConditionAlways:
		return Always{}, nil
	case config.ConditionWakeWord:
		if cfg.WakeWord == "" {
			return nil, fmt.Errorf("plugin %q: wake_word condition requires wake_word", cfg.Name)
		}
		return WakeWord{Word: cfg.WakeWord, StripPrefix: cfg.StripPrefix}, nil
	case config.ConditionRegex:
		re, err := regexp.Compile(cfg.Pattern)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: compile pattern: %w", cfg.Name, err)
		}
		return Regex{Pattern: re}, nil
	default:
		return nil, fmt.Errorf("plugin %q: unknown condition %q", cfg.Name, cfg.Condition)
	}
}
