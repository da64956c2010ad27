package audiocodec

import (
	"fmt"

	"layeh.com/gopus"
)

// Wearable devices in this system encode at 16 kHz mono Opus, 20 ms frames.
const (
	wearableSampleRate  = 16000
	wearableChannels    = 1
	wearableFrameSizeMs = 20
	// wearableFrameSize is the number of samples per channel per 20 ms frame.
	wearableFrameSize = wearableSampleRate * wearableFrameSizeMs / 1000 // 320
)

// OpusDecoder wraps a gopus decoder for a single client stream. Each client
// gets its own decoder so decoder state stays correct across consecutive
// frames.
type OpusDecoder struct {
	dec *gopus.Decoder
}

// NewOpusDecoder creates an Opus decoder configured for wearable-device
// audio (16 kHz mono).
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := gopus.NewDecoder(wearableSampleRate, wearableChannels)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: create opus decoder: %w", err)
	}
	return &OpusDecoder{dec: dec}, nil
}

// Decode decodes one Opus packet into little-endian int16 PCM bytes.
func (d *OpusDecoder) Decode(opus []byte) ([]byte, error) {
	pcm, err := d.dec.Decode(opus, wearableFrameSize, false)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus decode: %w", err)
	}
	return int16sToBytes(pcm), nil
}

// OpusEncoder wraps a gopus encoder, used when re-encoding stored audio for
// a provider that expects Opus input rather than raw PCM.
type OpusEncoder struct {
	enc *gopus.Encoder
}

// NewOpusEncoder creates an Opus encoder configured for wearable-device
// audio (16 kHz mono).
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := gopus.NewEncoder(wearableSampleRate, wearableChannels, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("audiocodec: create opus encoder: %w", err)
	}
	return &OpusEncoder{enc: enc}, nil
}

// Encode encodes little-endian int16 PCM bytes into an Opus packet.
func (e *OpusEncoder) Encode(pcmBytes []byte) ([]byte, error) {
	pcm := bytesToInt16s(pcmBytes)
	opus, err := e.enc.Encode(pcm, wearableFrameSize, len(pcmBytes))
	if err != nil {
		return nil, fmt.Errorf("audiocodec: opus encode: %w", err)
	}
	return opus, nil
}

func int16sToBytes(pcm []int16) []byte {
	b := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		b[i*2] = byte(s)
		b[i*2+1] = byte(s >> 8)
	}
	return b
}

func bytesToInt16s(b []byte) []int16 {
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(b[i*2]) | int16(b[i*2+1])<<8
	}
	return pcm
}
