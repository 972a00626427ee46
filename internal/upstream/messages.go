// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_upstream

import (
	"encoding/json"
	"fmt"
)

// Control messages sent to the provider. The vocabulary is fixed per flavor:
// TTS speaks and flushes, STT finalizes, closes, and keeps alive.
var (
	FinalizeMessage    = []byte(`{"type":"Finalize"}`)
	CloseStreamMessage = []byte(`{"type":"CloseStream"}`)
	KeepAliveMessage   = []byte(`{"type":"KeepAlive"}`)
	FlushMessage       = []byte(`{"type":"Flush"}`)
)

// SpeakMessage builds the TTS synthesis request for one text input.
func SpeakMessage(text string) ([]byte, error) {
	return json.Marshal(map[string]string{
		"type": "Speak",
		"text": text,
	})
}

// Message is a decoded text frame from the provider. Binary frames never
// reach Decode; they carry raw PCM and are handled separately.
type Message interface {
	isUpstreamMessage()
}

// Flushed signals that every Speak issued before the matching Flush has been
// fully synthesized. It is the only completion signal for a TTS run.
type Flushed struct{}

// Transcript is an STT result. Providers vary the envelope, so Raw keeps
// the full JSON for untouched relay to clients.
type Transcript struct {
	Raw          json.RawMessage
	FromFinalize bool
}

// Opened is the provider's connection banner. It never terminates a run.
type Opened struct{}

func (Flushed) isUpstreamMessage()    {}
func (Transcript) isUpstreamMessage() {}
func (Opened) isUpstreamMessage()     {}

type messageEnvelope struct {
	Type         string `json:"type"`
	FromFinalize bool   `json:"from_finalize"`
}

// Decode maps a provider text frame onto its tagged variant. This is the
// only place upstream JSON is inspected; everything past this boundary works
// with the concrete types.
func Decode(payload []byte) (Message, error) {
	var env messageEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("upstream: undecodable frame: %w", err)
	}
	switch env.Type {
	case "Flushed":
		return Flushed{}, nil
	case "created":
		// Connection banner, never a completion signal.
		return Opened{}, nil
	default:
		// Everything else is a transcript. The envelope differs between
		// providers and may carry no type key at all.
		return Transcript{Raw: json.RawMessage(payload), FromFinalize: env.FromFinalize}, nil
	}
}
