package streamingasr

import (
	"context"
	"strings"

	"github.com/antzucaro/matchr"
)

// primarySpeakerMatchThreshold is the minimum Jaro-Winkler similarity
// accepted when no exact (case-insensitive, trimmed) match is found
// between the identified speaker and a user's enrolled primary-speaker
// names. Grounded on the teacher's transcript/phonetic name-matching
// threshold usage.
const primarySpeakerMatchThreshold = 0.85

// gateBySpeaker implements spec §4.5's plugin-gating predicate: if the
// user has a non-empty primary-speaker list, the identified speaker must
// match one of those names (case-insensitive trim, falling back to
// Jaro-Winkler fuzzy matching) for the event to be allowed through.
func (c *Consumer) gateBySpeaker(ctx context.Context, userID, identifiedSpeaker string) (bool, error) {
	primaries, err := c.users.PrimarySpeakers(ctx, userID)
	if err != nil {
		return false, err
	}
	if len(primaries) == 0 {
		return true, nil
	}
	return matchesAnyPrimarySpeaker(identifiedSpeaker, primaries), nil
}

// matchesAnyPrimarySpeaker reports whether candidate names one of
// primaries, first by case-insensitive trimmed exact match and, failing
// that, by Jaro-Winkler similarity above primarySpeakerMatchThreshold.
func matchesAnyPrimarySpeaker(candidate string, primaries []string) bool {
	norm := strings.ToLower(strings.TrimSpace(candidate))
	if norm == "" {
		return false
	}
	for _, p := range primaries {
		if strings.ToLower(strings.TrimSpace(p)) == norm {
			return true
		}
	}
	for _, p := range primaries {
		if matchr.JaroWinkler(norm, strings.ToLower(strings.TrimSpace(p)), false) >= primarySpeakerMatchThreshold {
			return true
		}
	}
	return false
}
