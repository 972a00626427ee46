// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"net/url"
)

// TtsURL builds the synthesis WebSocket URL. The provider streams PCM16 at
// 24 kHz mono when asked for bare linear16.
func TtsURL(base, model, voice string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("container", "none")
	q.Set("speaker", voice)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// SttURL builds the transcription WebSocket URL for PCM16 mono 16 kHz input.
func SttURL(base, model string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("encoding", "linear16")
	q.Set("sample_rate", "16000")
	u.RawQuery = q.Encode()
	return u.String(), nil
}
