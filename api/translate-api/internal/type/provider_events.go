// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

// ProviderEventType enumerates the neutral event classes every provider
// adapter normalizes to. Adapters own their vendor wire parsing; the rest
// of the pipeline only ever sees these.
type ProviderEventType string

const (
	ProviderTextDelta         ProviderEventType = "provider.text.delta"
	ProviderTextDone          ProviderEventType = "provider.text.done"
	ProviderAudioDelta        ProviderEventType = "provider.audio.delta"
	ProviderAudioDone         ProviderEventType = "provider.audio.done"
	ProviderResponseCancelled ProviderEventType = "provider.response.cancelled"
	ProviderErrorEvent        ProviderEventType = "provider.error"
)

// ProviderEvent is one normalized provider event on the provider_inbound
// bus. Fields are populated per event type; unrelated fields stay zero.
type ProviderEvent struct {
	Type          ProviderEventType
	ParticipantID string
	ResponseID    string

	// Delta carries incremental translated text (text.delta).
	Delta string
	// AudioBase64 carries one PCM16 chunk (audio.delta).
	AudioBase64 string
	// SampleRateHz is the provider output rate for audio deltas. Zero means
	// the session rate.
	SampleRateHz int

	// Code and Message are set on provider.error events. Code uses the
	// stable error vocabulary surfaced to the peer.
	Code    string
	Message string
}

// NewTextDeltaEvent builds a provider.text.delta event.
func NewTextDeltaEvent(participantID, delta string) *ProviderEvent {
	return &ProviderEvent{Type: ProviderTextDelta, ParticipantID: participantID, Delta: delta}
}

// NewTextDoneEvent builds a provider.text.done event.
func NewTextDoneEvent(participantID string) *ProviderEvent {
	return &ProviderEvent{Type: ProviderTextDone, ParticipantID: participantID}
}

// NewAudioDeltaEvent builds a provider.audio.delta event.
func NewAudioDeltaEvent(participantID, responseID, audioBase64 string, sampleRateHz int) *ProviderEvent {
	return &ProviderEvent{
		Type:          ProviderAudioDelta,
		ParticipantID: participantID,
		ResponseID:    responseID,
		AudioBase64:   audioBase64,
		SampleRateHz:  sampleRateHz,
	}
}

// NewAudioDoneEvent builds a provider.audio.done event.
func NewAudioDoneEvent(responseID string) *ProviderEvent {
	return &ProviderEvent{Type: ProviderAudioDone, ResponseID: responseID}
}

// NewResponseCancelledEvent builds a provider.response.cancelled event.
func NewResponseCancelledEvent(responseID string) *ProviderEvent {
	return &ProviderEvent{Type: ProviderResponseCancelled, ResponseID: responseID}
}

// NewProviderErrorEvent builds a provider.error event with a stable code.
func NewProviderErrorEvent(code, message string) *ProviderEvent {
	return &ProviderEvent{Type: ProviderErrorEvent, Code: code, Message: message}
}
