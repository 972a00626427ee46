// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_audio_resampler

import (
	"fmt"

	internal_audio "github.com/rapidaai/media-bridge/internal/audio"
	internal_type "github.com/rapidaai/media-bridge/internal/type"
	"github.com/rapidaai/media-bridge/pkg/commons"
)

// Error codes returned by ProcessInterleavedInt. Non-zero means the result
// is empty and the caller must take its scalar fallback.
const (
	errNone     = 0
	errBadInput = 1
)

// GetResampler returns the shared stateless resampler used for one-shot
// buffer conversions (channel mixing plus linear rate conversion).
func GetResampler(logger commons.Logger) (internal_type.AudioResampler, error) {
	if logger == nil {
		return nil, fmt.Errorf("resampler: logger is required")
	}
	return &linearResampler{logger: logger}, nil
}

type linearResampler struct {
	logger commons.Logger
}

// Resample converts pcm between two audio configs. Channel conversion runs
// first so the rate stage always sees mono or matching interleaving.
func (r *linearResampler) Resample(pcm []byte, from internal_audio.AudioConfig, to internal_audio.AudioConfig) ([]byte, error) {
	if from.Channels < 1 || from.Channels > 2 || to.Channels < 1 || to.Channels > 2 {
		return nil, fmt.Errorf("resampler: unsupported channel layout %d -> %d", from.Channels, to.Channels)
	}
	if len(pcm)%2 != 0 {
		r.logger.Warnw("Dropping trailing odd byte before resample", "size", len(pcm))
		pcm = pcm[:len(pcm)-1]
	}

	work := pcm
	if from.Channels == 2 && to.Channels == 1 {
		work = internal_audio.StereoToMono(work)
	}
	if from.SampleRate != to.SampleRate {
		work = rateConvert(work, from.SampleRate, to.SampleRate)
	}
	if from.Channels == 1 && to.Channels == 2 {
		work = internal_audio.MonoToStereo(work)
	}
	return work, nil
}

// rateConvert performs stateless linear-interpolation rate conversion on a
// mono stream.
func rateConvert(mono []byte, inRate, outRate int) []byte {
	in := internal_audio.BytesToInt16(mono)
	if len(in) == 0 || inRate == outRate {
		return mono
	}
	outLen := len(in) * outRate / inRate
	out := make([]int16, outLen)
	step := float64(inRate) / float64(outRate)
	for i := 0; i < outLen; i++ {
		t := float64(i) * step
		j := int(t)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := t - float64(j)
		out[i] = int16(float64(in[j]) + frac*float64(in[j+1]-in[j]))
	}
	return internal_audio.Int16ToBytes(out)
}

// StreamResampler is the stateful per-session engine: it carries the
// fractional read position and the previous terminal sample across chunks
// so back-to-back streaming chunks are interpolated without seams. Output
// is always a freshly allocated buffer.
type StreamResampler struct {
	channels int
	step     float64 // input samples consumed per output sample

	pos  float64 // fractional position relative to prev
	prev int16
	have bool
}

// NewStreamResampler builds a single-ratio streaming resampler. Only mono
// streams are supported; the adapters convert channels separately.
func NewStreamResampler(channels, inRate, outRate int) (*StreamResampler, error) {
	if channels != 1 {
		return nil, fmt.Errorf("resampler: only mono streams supported, got %d channels", channels)
	}
	if inRate <= 0 || outRate <= 0 {
		return nil, fmt.Errorf("resampler: invalid ratio %d -> %d", inRate, outRate)
	}
	return &StreamResampler{
		channels: channels,
		step:     float64(inRate) / float64(outRate),
	}, nil
}

// ProcessInterleavedInt resamples one chunk, carrying state to the next
// call. A non-zero return code means the output is empty and the caller
// must use its scalar fallback.
func (s *StreamResampler) ProcessInterleavedInt(input []int16) ([]int16, int) {
	if s == nil {
		return nil, errBadInput
	}
	if len(input) == 0 {
		return []int16{}, errNone
	}

	// Virtual input: the carried terminal sample (if any) followed by the
	// chunk. Positions are fractional indexes into this sequence.
	var virtual []int16
	if s.have {
		virtual = make([]int16, 0, len(input)+1)
		virtual = append(virtual, s.prev)
		virtual = append(virtual, input...)
	} else {
		virtual = input
	}

	last := float64(len(virtual) - 1)
	out := make([]int16, 0, int(float64(len(input))/s.step)+2)
	t := s.pos
	for t <= last {
		j := int(t)
		if j >= len(virtual)-1 {
			out = append(out, virtual[len(virtual)-1])
		} else {
			frac := t - float64(j)
			out = append(out, int16(float64(virtual[j])+frac*float64(virtual[j+1]-virtual[j])))
		}
		t += s.step
	}

	s.pos = t - last
	s.prev = virtual[len(virtual)-1]
	s.have = true
	return out, errNone
}

// Reset clears the carried state so the next chunk starts a fresh stream.
func (s *StreamResampler) Reset() {
	s.pos = 0
	s.prev = 0
	s.have = false
}
