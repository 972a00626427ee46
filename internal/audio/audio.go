// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio

import (
	"encoding/binary"

	"github.com/rapidaai/media-bridge/pkg/commons"
)

// AudioConfig describes a PCM16 little-endian stream.
type AudioConfig struct {
	SampleRate int
	Channels   int
}

// Fixed configs for the three legs of the bridge.
var (
	// TTS_PROVIDER_AUDIO_CONFIG is what the speak upstream emits.
	TTS_PROVIDER_AUDIO_CONFIG = AudioConfig{SampleRate: 24000, Channels: 1}
	// SFU_AUDIO_CONFIG is what the SFU WebSocket adapters exchange.
	SFU_AUDIO_CONFIG = AudioConfig{SampleRate: 48000, Channels: 2}
	// STT_PROVIDER_AUDIO_CONFIG is what the listen upstream expects.
	STT_PROVIDER_AUDIO_CONFIG = AudioConfig{SampleRate: 16000, Channels: 1}
)

// StreamResampler is the contract of the native resampler engine. A
// non-zero error code means the result is empty and the scalar fallback
// must be used. Implementations may be stateful across calls; callers must
// not assume chunk-independence.
type StreamResampler interface {
	ProcessInterleavedInt(input []int16) ([]int16, int)
}

// Transcoder performs the PCM16 conversions between the provider and SFU
// legs. The stream resampler is optional; when absent or failing, every
// operation has a permanent scalar alternative.
type Transcoder struct {
	logger   commons.Logger
	upStream StreamResampler // 24k -> 48k, mono
	dnStream StreamResampler // 48k -> 16k, mono
}

// NewTranscoder wires the optional stream resamplers. Either may be nil.
func NewTranscoder(logger commons.Logger, upStream, dnStream StreamResampler) *Transcoder {
	return &Transcoder{logger: logger, upStream: upStream, dnStream: dnStream}
}

// EnsureEven truncates a trailing odd byte so the buffer holds whole
// PCM16 samples.
func (t *Transcoder) EnsureEven(buf []byte) []byte {
	if len(buf)%2 != 0 {
		t.logger.Warnw("Dropping trailing odd byte from PCM buffer", "size", len(buf))
		return buf[:len(buf)-1]
	}
	return buf
}

// StereoToMono averages the left/right channels with rounding.
func StereoToMono(stereo []byte) []byte {
	samples := BytesToInt16(stereo)
	mono := make([]int16, len(samples)/2)
	for i := 0; i < len(mono); i++ {
		sum := int32(samples[2*i]) + int32(samples[2*i+1])
		if sum >= 0 {
			mono[i] = int16((sum + 1) / 2)
		} else {
			mono[i] = int16((sum - 1) / 2)
		}
	}
	return Int16ToBytes(mono)
}

// MonoToStereo duplicates each sample into both channels.
func MonoToStereo(mono []byte) []byte {
	samples := BytesToInt16(mono)
	stereo := make([]int16, len(samples)*2)
	for i, s := range samples {
		stereo[2*i] = s
		stereo[2*i+1] = s
	}
	return Int16ToBytes(stereo)
}

// Upsample24kTo48k doubles the sample rate of a mono stream. The stream
// resampler is preferred; the scalar path inserts linear-interpolation
// midpoints and duplicates the terminal sample.
func (t *Transcoder) Upsample24kTo48k(mono24k []byte) []byte {
	mono24k = t.EnsureEven(mono24k)
	if t.upStream != nil {
		in := BytesToInt16(mono24k)
		out, code := t.upStream.ProcessInterleavedInt(in)
		if code == 0 {
			return Int16ToBytes(out)
		}
		t.logger.Warnw("Stream resampler failed, using scalar upsample", "code", code)
	}
	return upsample2xScalar(mono24k)
}

// Downsample48kTo16k reduces a mono stream 3:1. The stream resampler is
// preferred; the scalar path decimates by taking every third sample.
func (t *Transcoder) Downsample48kTo16k(mono48k []byte) []byte {
	mono48k = t.EnsureEven(mono48k)
	if t.dnStream != nil {
		in := BytesToInt16(mono48k)
		out, code := t.dnStream.ProcessInterleavedInt(in)
		if code == 0 {
			return Int16ToBytes(out)
		}
		t.logger.Warnw("Stream resampler failed, using scalar downsample", "code", code)
	}
	return downsample3xScalar(mono48k)
}

// SpeakToSfu converts provider speech (24k mono) to the SFU leg
// (48k stereo).
func (t *Transcoder) SpeakToSfu(pcm24kMono []byte) []byte {
	return MonoToStereo(t.Upsample24kTo48k(pcm24kMono))
}

// SfuToListen converts SFU audio (48k stereo) to the listen upstream leg
// (16k mono).
func (t *Transcoder) SfuToListen(pcm48kStereo []byte) []byte {
	return t.Downsample48kTo16k(StereoToMono(t.EnsureEven(pcm48kStereo)))
}

func upsample2xScalar(mono []byte) []byte {
	samples := BytesToInt16(mono)
	if len(samples) == 0 {
		return []byte{}
	}
	out := make([]int16, len(samples)*2)
	for i := 0; i < len(samples)-1; i++ {
		out[2*i] = samples[i]
		out[2*i+1] = int16((int32(samples[i]) + int32(samples[i+1])) / 2)
	}
	last := samples[len(samples)-1]
	out[2*len(samples)-2] = last
	out[2*len(samples)-1] = last
	return Int16ToBytes(out)
}

func downsample3xScalar(mono []byte) []byte {
	samples := BytesToInt16(mono)
	out := make([]int16, 0, len(samples)/3+1)
	for i := 0; i < len(samples); i += 3 {
		out = append(out, samples[i])
	}
	return Int16ToBytes(out)
}

// BytesToInt16 reinterprets a little-endian PCM16 byte buffer as samples.
// The trailing odd byte, if any, is ignored.
func BytesToInt16(buf []byte) []int16 {
	n := len(buf) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(binary.LittleEndian.Uint16(buf[2*i:]))
	}
	return out
}

// Int16ToBytes serializes samples as little-endian PCM16.
func Int16ToBytes(samples []int16) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
