// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	internal_audio "github.com/rapidaai/media-bridge/internal/audio"
)

// AudioResampler converts PCM16 byte buffers between audio configs.
type AudioResampler interface {
	Resample(pcm []byte, from internal_audio.AudioConfig, to internal_audio.AudioConfig) ([]byte, error)
}
