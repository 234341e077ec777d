// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_wire decodes inbound gateway frames into typed envelopes
// and serializes outbound frames. All frames are JSON text messages; binary
// WebSocket frames are not part of the protocol.
package internal_wire

import (
	"encoding/json"
	"errors"
	"fmt"

	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
)

// Inbound frame discriminators.
const (
	KindAudioData       = "AudioData"
	TypeControlSettings = "control.test.settings"
)

var (
	// ErrMalformedFrame is returned for JSON that does not parse or an
	// audio frame missing required fields. The receive loop logs and
	// continues; a malformed frame never closes the session.
	ErrMalformedFrame = errors.New("wire: malformed frame")
)

type rawAudioData struct {
	ParticipantRawID string `json:"participantRawID"`
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp"`
	SampleRate       int    `json:"sampleRate"`
	Channels         int    `json:"channels"`
	Encoding         string `json:"encoding"`
}

type rawFrame struct {
	Kind      string                 `json:"kind"`
	Type      string                 `json:"type"`
	AudioData *rawAudioData          `json:"audioData"`
	Metadata  map[string]interface{} `json:"metadata"`
}

// Decode parses one inbound text frame. The returned envelope has Kind,
// ParticipantID, Audio, Metadata and Settings populated; the session owns
// sequence assignment and session identity.
//
// Unrecognized frames decode to FrameKindUnknown with no error so the
// caller can log them at debug and move on; only structurally broken
// frames return ErrMalformedFrame.
func Decode(payload []byte) (*internal_type.InboundEnvelope, error) {
	var frame rawFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}

	switch {
	case frame.Kind == KindAudioData:
		return decodeAudio(&frame)
	case frame.Type == TypeControlSettings:
		return decodeSettings(payload, &frame)
	default:
		return &internal_type.InboundEnvelope{
			Kind:     internal_type.FrameKindUnknown,
			Metadata: frame.Metadata,
		}, nil
	}
}

func decodeAudio(frame *rawFrame) (*internal_type.InboundEnvelope, error) {
	data := frame.AudioData
	if data == nil {
		return nil, fmt.Errorf("%w: AudioData frame without audioData body", ErrMalformedFrame)
	}
	if data.ParticipantRawID == "" {
		return nil, fmt.Errorf("%w: audio frame without participantRawID", ErrMalformedFrame)
	}
	if data.Data == "" {
		return nil, fmt.Errorf("%w: audio frame without data", ErrMalformedFrame)
	}

	sampleRate := data.SampleRate
	if sampleRate == 0 {
		sampleRate = 16000
	}
	channels := data.Channels
	if channels == 0 {
		channels = 1
	}
	encoding := data.Encoding
	if encoding == "" {
		encoding = string(internal_type.AudioFormatLinear16)
	}

	return &internal_type.InboundEnvelope{
		Kind:          internal_type.FrameKindAudio,
		ParticipantID: data.ParticipantRawID,
		Metadata:      frame.Metadata,
		Audio: &internal_type.AudioPayload{
			Base64:        data.Data,
			SampleRateHz:  sampleRate,
			Channels:      channels,
			Encoding:      encoding,
			PeerTimestamp: data.Timestamp,
		},
	}, nil
}

func decodeSettings(payload []byte, frame *rawFrame) (*internal_type.InboundEnvelope, error) {
	// Every top-level key except the discriminator belongs to the settings
	// map, so the frame re-parses as a plain object.
	var raw map[string]interface{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFrame, err)
	}
	delete(raw, "type")

	settings, err := internal_type.DecodeTranslationSettings(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: settings decode: %v", ErrMalformedFrame, err)
	}

	return &internal_type.InboundEnvelope{
		Kind:     internal_type.FrameKindSettings,
		Metadata: frame.Metadata,
		Settings: settings,
	}, nil
}

// Encode serializes an outbound frame for the peer.
func Encode(frame *internal_type.OutboundFrame) ([]byte, error) {
	payload, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("wire: encode %s frame: %w", frame.Type, err)
	}
	return payload, nil
}
