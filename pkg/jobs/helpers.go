package jobs

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/provider/stt"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

// unmarshalArgs decodes job.Args into dst, wrapping the error with the
// job's role for easier debugging.
func unmarshalArgs(job queue.Job, dst any) error {
	if len(job.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(job.Args, dst); err != nil {
		return fmt.Errorf("jobs: %s: decode args: %w", job.Role, err)
	}
	return nil
}

// versionID returns preferred if set, otherwise a freshly generated id.
func versionID(preferred string) string {
	if preferred != "" {
		return preferred
	}
	return uuid.NewString()
}

// toStorageWords converts stt.WordDetail (time.Duration timings) into
// conversation.WordDetail (float-seconds timings), matching how the
// document store serializes them.
func toStorageWords(words []stt.WordDetail) []conversation.WordDetail {
	if words == nil {
		return nil
	}
	out := make([]conversation.WordDetail, len(words))
	for i, w := range words {
		out[i] = conversation.WordDetail{
			Word:       w.Word,
			Start:      w.Start.Seconds(),
			End:        w.End.Seconds(),
			Confidence: w.Confidence,
			Speaker:    w.Speaker,
		}
	}
	return out
}

// regroupBySpeaker rebuilds segments from scratch as contiguous runs of
// identically-labeled words, the same contiguous-speaker grouping
// pkg/streamingasr applies to native per-word diarization, used here after
// speaker_recognition re-labels a transcript version's words.
func regroupBySpeaker(words []conversation.WordDetail) []conversation.Segment {
	var segments []conversation.Segment
	for _, w := range words {
		if len(segments) == 0 || segments[len(segments)-1].Speaker != w.Speaker {
			segments = append(segments, conversation.Segment{
				Start:   w.Start,
				Speaker: w.Speaker,
			})
		}
		seg := &segments[len(segments)-1]
		seg.End = w.End
		seg.Words = append(seg.Words, w)
		if seg.Text == "" {
			seg.Text = w.Word
		} else {
			seg.Text += " " + w.Word
		}
	}
	return segments
}

// toStorageSegments converts stt.Segment into conversation.Segment.
func toStorageSegments(segments []stt.Segment) []conversation.Segment {
	if segments == nil {
		return nil
	}
	out := make([]conversation.Segment, len(segments))
	for i, s := range segments {
		out[i] = conversation.Segment{
			Start:   s.Start.Seconds(),
			End:     s.End.Seconds(),
			Text:    s.Text,
			Speaker: s.Speaker,
			Words:   toStorageWords(s.Words),
		}
	}
	return out
}
