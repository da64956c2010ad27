// Package audiocodec provides the PCM and Opus transcoding primitives
// shared by the audio session plane (C3) and the streaming ASR consumer
// (C4): mono/stereo conversion, linear-interpolation resampling to the
// 16 kHz mono rate the STT providers expect, Opus decode/encode for
// wearable-device audio, and WAV container read/write for the
// audio-persistence job and reprocessing's re-upload path.
package audiocodec

import "log/slog"

// Format describes the sample rate and channel count of a PCM stream.
type Format struct {
	SampleRate int
	Channels   int
}

// ConvertPCM resamples and channel-converts little-endian int16 PCM from
// src to dst, resampling first (a stereo source is resampled as stereo,
// before any downmix) and channel-converting second. Returns data unchanged if
// src already matches dst. Returns nil if data has an odd byte count,
// which would indicate corrupt or truncated 16-bit samples; the caller
// should drop such a frame.
func ConvertPCM(data []byte, src, dst Format) []byte {
	if len(data)%2 != 0 {
		slog.Warn("audiocodec: odd byte count in PCM data, dropping frame", "bytes", len(data))
		return nil
	}
	if src.SampleRate == dst.SampleRate && src.Channels == dst.Channels {
		return data
	}

	pcm := data
	rate, channels := src.SampleRate, src.Channels

	if rate != dst.SampleRate {
		if channels == 1 {
			pcm = ResampleMono16(pcm, rate, dst.SampleRate)
		} else {
			pcm = ResampleStereo16(pcm, rate, dst.SampleRate)
		}
		rate = dst.SampleRate
	}

	if channels != dst.Channels {
		switch {
		case channels == 1 && dst.Channels == 2:
			pcm = MonoToStereo(pcm)
		case channels == 2 && dst.Channels == 1:
			pcm = StereoToMono(pcm)
		}
		channels = dst.Channels
	}

	return pcm
}

// MonoToStereo duplicates each int16 mono sample into a stereo L+R pair.
// Input must be little-endian int16 PCM (2 bytes per sample).
func MonoToStereo(pcm []byte) []byte {
	out := make([]byte, (len(pcm)/2)*4)
	for i := 0; i+1 < len(pcm); i += 2 {
		lo, hi := pcm[i], pcm[i+1]
		j := i * 2
		out[j], out[j+1] = lo, hi
		out[j+2], out[j+3] = lo, hi
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono
// output. Uses int32 arithmetic to prevent overflow and clamps to int16
// range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		l := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		r := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (l + r) / 2
		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}
		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. If srcRate == dstRate the input is returned
// unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interp := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interp)
		out[i*2+1] = byte(interp >> 8)
	}
	return out
}

// ResampleStereo16 resamples 16-bit stereo PCM from srcRate to dstRate
// using linear interpolation. Each stereo frame is 4 bytes (L+R
// interleaved). If srcRate == dstRate the input is returned unchanged.
func ResampleStereo16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 || srcRate == dstRate || len(pcm) < 4 {
		return pcm
	}
	srcFrames := len(pcm) / 4
	dstFrames := int(int64(srcFrames) * int64(dstRate) / int64(srcRate))
	if dstFrames == 0 {
		return nil
	}

	out := make([]byte, dstFrames*4)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstFrames {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		l0 := int16(pcm[srcIdx*4]) | int16(pcm[srcIdx*4+1])<<8
		r0 := int16(pcm[srcIdx*4+2]) | int16(pcm[srcIdx*4+3])<<8

		var l1, r1 int16
		if srcIdx+1 < srcFrames {
			l1 = int16(pcm[(srcIdx+1)*4]) | int16(pcm[(srcIdx+1)*4+1])<<8
			r1 = int16(pcm[(srcIdx+1)*4+2]) | int16(pcm[(srcIdx+1)*4+3])<<8
		} else {
			l1, r1 = l0, r0
		}

		lInterp := int16(float64(l0)*(1-frac) + float64(l1)*frac)
		rInterp := int16(float64(r0)*(1-frac) + float64(r1)*frac)

		out[i*4] = byte(lInterp)
		out[i*4+1] = byte(lInterp >> 8)
		out[i*4+2] = byte(rInterp)
		out[i*4+3] = byte(rInterp >> 8)
	}
	return out
}
