package audiosession

import (
	"context"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
)

// endMarkerField is the stream-entry field that signals the session's
// producer will send no further audio.
const endMarkerField = "end_marker"

// Frame is one opus-decoded PCM chunk pushed onto a client's audio stream.
type Frame struct {
	AudioData  []byte
	ChunkID    string
	SampleRate int
}

// Producer appends audio frames to audio:stream:{client_id}. Each
// wearable-device client gets its own stream; multiple producers may write
// to it concurrently (the Redis stream enforces per-entry ordering).
type Producer struct {
	rdb redis.UniversalClient
}

// NewProducer wraps an existing Redis client.
func NewProducer(rdb redis.UniversalClient) *Producer {
	return &Producer{rdb: rdb}
}

// PushFrame appends one audio entry to clientID's stream.
func (p *Producer) PushFrame(ctx context.Context, clientID string, frame Frame) error {
	values := map[string]any{
		"audio_data":  frame.AudioData,
		"chunk_id":    frame.ChunkID,
		"sample_rate": strconv.Itoa(frame.SampleRate),
	}
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(clientID), Values: values}).Err(); err != nil {
		return fmt.Errorf("audiosession: push frame for %q: %w", clientID, err)
	}
	return nil
}

// EndMarker appends the terminal end_marker entry. The streaming ASR
// consumer and the persistence job both treat its presence as "no more
// frames will arrive on this stream".
func (p *Producer) EndMarker(ctx context.Context, clientID string) error {
	values := map[string]any{endMarkerField: "1"}
	if err := p.rdb.XAdd(ctx, &redis.XAddArgs{Stream: streamKey(clientID), Values: values}).Err(); err != nil {
		return fmt.Errorf("audiosession: push end marker for %q: %w", clientID, err)
	}
	return nil
}

// entryIsEndMarker reports whether a stream entry's values carry the
// end-marker field.
func entryIsEndMarker(values map[string]any) bool {
	_, ok := values[endMarkerField]
	return ok
}

// decodeFrame pulls AudioData/SampleRate back out of a stream entry's
// values, as read back by XReadGroup (redis client returns field values as
// strings/[]byte depending on how they were written).
func decodeFrame(values map[string]any) (Frame, bool) {
	raw, ok := values["audio_data"]
	if !ok {
		return Frame{}, false
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		return Frame{}, false
	}
	sampleRate := 0
	if sr, ok := values["sample_rate"]; ok {
		if s, ok := sr.(string); ok {
			sampleRate, _ = strconv.Atoi(s)
		}
	}
	chunkID, _ := values["chunk_id"].(string)
	return Frame{AudioData: data, ChunkID: chunkID, SampleRate: sampleRate}, true
}
