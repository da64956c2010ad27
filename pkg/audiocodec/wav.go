package audiocodec

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// WAVInfo holds the format metadata extracted from a RIFF/WAVE header.
type WAVInfo struct {
	DataOffset int // byte offset of the first PCM sample
	SampleRate int // samples per second (e.g., 16000)
	Channels   int // 1 = mono, 2 = stereo
	BitDepth   int // bits per sample (16 for the PCM this package produces)
}

// ParseWAV scans the RIFF/WAVE container in data and returns the data offset
// and audio format from the "fmt " sub-chunk. Walking the chunks instead of
// assuming a fixed 44-byte header tolerates extension chunks some
// wearable-device firmwares insert before "data".
func ParseWAV(data []byte) (WAVInfo, error) {
	if len(data) < 12 {
		return WAVInfo{}, errors.New("audiocodec: WAV data too short to be a valid RIFF file")
	}
	if string(data[0:4]) != "RIFF" {
		return WAVInfo{}, errors.New("audiocodec: WAV data missing RIFF header")
	}
	if string(data[8:12]) != "WAVE" {
		return WAVInfo{}, errors.New("audiocodec: WAV data missing WAVE identifier")
	}

	var info WAVInfo
	foundFmt := false

	offset := 12
	for offset+8 <= len(data) {
		chunkID := string(data[offset : offset+4])
		chunkSize := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))

		switch chunkID {
		case "fmt ":
			if chunkSize >= 16 && offset+8+16 <= len(data) {
				fmtData := data[offset+8:]
				info.Channels = int(binary.LittleEndian.Uint16(fmtData[2:4]))
				info.SampleRate = int(binary.LittleEndian.Uint32(fmtData[4:8]))
				info.BitDepth = int(binary.LittleEndian.Uint16(fmtData[14:16]))
				foundFmt = true
			}
		case "data":
			info.DataOffset = offset + 8
			if !foundFmt {
				info.SampleRate = wearableSampleRate
				info.Channels = wearableChannels
				info.BitDepth = 16
			}
			return info, nil
		}

		offset += 8 + chunkSize
		if chunkSize%2 != 0 {
			offset++
		}
	}
	return WAVInfo{}, errors.New("audiocodec: WAV data missing data chunk")
}

// PCMSamples returns the raw little-endian PCM payload of a WAV container,
// discarding the header. Returns an error if data is not a parseable
// RIFF/WAVE container.
func PCMSamples(data []byte) ([]byte, error) {
	info, err := ParseWAV(data)
	if err != nil {
		return nil, err
	}
	if info.DataOffset > len(data) {
		return nil, fmt.Errorf("audiocodec: WAV data chunk offset %d beyond buffer of length %d", info.DataOffset, len(data))
	}
	return data[info.DataOffset:], nil
}

// WriteWAV wraps little-endian int16 PCM samples in a canonical 44-byte
// RIFF/WAVE header for the given format, suitable for the persistence job's
// conversation audio files and reprocessing's re-upload path. Both of those
// consumers write 16 kHz mono 16-bit PCM, but the header is built from the
// caller's format so other rates/channel counts round-trip correctly too.
func WriteWAV(pcm []byte, format Format) []byte {
	const bitDepth = 16
	byteRate := format.SampleRate * format.Channels * bitDepth / 8
	blockAlign := format.Channels * bitDepth / 8
	dataSize := len(pcm)

	buf := make([]byte, 44+dataSize)
	copy(buf[0:4], "RIFF")
	binary.LittleEndian.PutUint32(buf[4:8], uint32(36+dataSize))
	copy(buf[8:12], "WAVE")
	copy(buf[12:16], "fmt ")
	binary.LittleEndian.PutUint32(buf[16:20], 16) // fmt chunk size
	binary.LittleEndian.PutUint16(buf[20:22], 1)  // PCM format tag
	binary.LittleEndian.PutUint16(buf[22:24], uint16(format.Channels))
	binary.LittleEndian.PutUint32(buf[24:28], uint32(format.SampleRate))
	binary.LittleEndian.PutUint32(buf[28:32], uint32(byteRate))
	binary.LittleEndian.PutUint16(buf[32:34], uint16(blockAlign))
	binary.LittleEndian.PutUint16(buf[34:36], uint16(bitDepth))
	copy(buf[36:40], "data")
	binary.LittleEndian.PutUint32(buf[40:44], uint32(dataSize))
	copy(buf[44:], pcm)

	return buf
}

// WearableFormat is the PCM format wearable-device audio is normalized to
// before persistence and transcription: 16 kHz mono 16-bit.
var WearableFormat = Format{SampleRate: wearableSampleRate, Channels: wearableChannels}
