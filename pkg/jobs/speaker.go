package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/chronicle-systems/chronicle/pkg/audiocodec"
	"github.com/chronicle-systems/chronicle/pkg/audiosession"
	"github.com/chronicle-systems/chronicle/pkg/conversation"
	"github.com/chronicle-systems/chronicle/pkg/provider/speaker"
	"github.com/chronicle-systems/chronicle/pkg/queue"
)

type speakerRecognitionArgs struct {
	ConversationID      string `json:"conversation_id"`
	TranscriptVersionID string `json:"transcript_version_id"`
}

// SpeakerRecognition re-labels a transcript version's words and segments
// using the external speaker-recognition service, producing a new
// transcript version with diarization_source=speaker_recognition. If no
// audio file is available (e.g. it already expired), the job is skipped
// rather than failed, since the conversation already has a usable
// transcript without it.
func SpeakerRecognition(ctx context.Context, job queue.Job, deps *Deps) (any, error) {
	var args speakerRecognitionArgs
	if err := unmarshalArgs(job, &args); err != nil {
		return nil, err
	}
	if args.ConversationID == "" {
		return nil, fmt.Errorf("jobs: speaker_recognition: missing conversation_id")
	}
	if deps.Speaker == nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: no speaker client configured")
	}

	conv, err := deps.Store.Get(ctx, args.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: get conversation: %w", err)
	}
	source, ok := transcriptVersionFor(conv, args.TranscriptVersionID)
	if !ok {
		return map[string]any{"skipped": true, "reason": "transcript version not found"}, nil
	}

	path, err := audiosession.AudioFile(ctx, deps.Redis, args.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: resolve audio file: %w", err)
	}
	if path == "" {
		return map[string]any{"skipped": true, "reason": "no audio file available"}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: read %q: %w", path, err)
	}
	info, err := audiocodec.ParseWAV(data)
	if err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: parse wav %q: %w", path, err)
	}
	pcm, err := audiocodec.PCMSamples(data)
	if err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: extract pcm %q: %w", path, err)
	}

	duration := time.Duration(0)
	if info.SampleRate > 0 && info.Channels > 0 {
		samplesPerChannel := len(pcm) / 2 / info.Channels
		duration = time.Duration(samplesPerChannel) * time.Second / time.Duration(info.SampleRate)
	}

	result, err := deps.Speaker.DiarizeIdentify(ctx, data, args.ConversationID+".wav", duration)
	if err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: diarize identify: %w", err)
	}
	if len(result.Speakers) == 0 {
		return map[string]any{"skipped": true, "reason": "no speakers identified"}, nil
	}

	relabeled := conversation.TranscriptVersion{
		VersionID:         versionID(""),
		TranscriptText:    source.TranscriptText,
		Words:             applySpeakerLabels(source.Words, result.Speakers),
		Provider:          source.Provider,
		Model:             source.Model,
		CreatedAt:         deps.now(),
		DiarizationSource: "speaker_recognition",
	}
	relabeled.Segments = regroupBySpeaker(relabeled.Words)

	if err := deps.Store.AppendTranscriptVersion(ctx, args.ConversationID, relabeled); err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: append transcript version: %w", err)
	}
	if err := deps.Store.SetActiveTranscriptVersion(ctx, args.ConversationID, relabeled.VersionID); err != nil {
		return nil, fmt.Errorf("jobs: speaker_recognition: set active transcript version: %w", err)
	}

	return map[string]any{
		"conversation_id": args.ConversationID,
		"version_id":      relabeled.VersionID,
		"speakers":        len(result.Speakers),
	}, nil
}

// transcriptVersionFor returns the version named by versionID, or the
// conversation's currently active version if versionID is empty.
func transcriptVersionFor(conv conversation.Conversation, versionID string) (conversation.TranscriptVersion, bool) {
	if versionID == "" {
		return conv.ActiveTranscript()
	}
	for _, v := range conv.TranscriptVersions {
		if v.VersionID == versionID {
			return v, true
		}
	}
	return conversation.TranscriptVersion{}, false
}

// applySpeakerLabels assigns each word the name of whichever identified
// speaker's time range contains its start time, matching the overlap
// strategy the external service's own identify_speakers helper uses. A
// speaker with no resolved Name (unmatched voiceprint) falls back to its
// anonymous Label.
func applySpeakerLabels(words []conversation.WordDetail, speakers []speaker.Speaker) []conversation.WordDetail {
	out := make([]conversation.WordDetail, len(words))
	copy(out, words)
	for i, w := range out {
		for _, s := range speakers {
			if w.Start >= s.Start && w.Start < s.End {
				if s.Name != "" {
					out[i].Speaker = s.Name
				} else {
					out[i].Speaker = s.Label
				}
				break
			}
		}
	}
	return out
}
