// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

// Outbound frame types written back to the peer (§ wire protocol).
const (
	FrameTextDelta    = "translation.text_delta"
	FrameTextFinal    = "translation.text_final"
	FrameAudio        = "translation.audio"
	FrameResponseDone = "translation.response.done"
	FrameError        = "error"
)

// OutboundFrame is one wire-format frame on the acs_outbound bus. The JSON
// tags are the peer-facing field names; unset fields are omitted.
type OutboundFrame struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantRawID,omitempty"`
	ResponseID    string `json:"responseId,omitempty"`
	Text          string `json:"text,omitempty"`
	Sequence      uint64 `json:"sequence,omitempty"`
	// Data is base64 PCM16LE at the session output rate.
	Data    string `json:"data,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// IsAudio reports whether the frame carries audio. The outbound gate and
// drop_outbound_audio act on audio frames only.
func (f *OutboundFrame) IsAudio() bool {
	return f.Type == FrameAudio
}

// NewTextDeltaFrame builds a streaming text chunk frame.
func NewTextDeltaFrame(participantID, text string, sequence uint64) *OutboundFrame {
	return &OutboundFrame{Type: FrameTextDelta, ParticipantID: participantID, Text: text, Sequence: sequence}
}

// NewTextFinalFrame builds the assembled full-text frame.
func NewTextFinalFrame(participantID, text string, sequence uint64) *OutboundFrame {
	return &OutboundFrame{Type: FrameTextFinal, ParticipantID: participantID, Text: text, Sequence: sequence}
}

// NewAudioFrame builds a translated-audio frame.
func NewAudioFrame(participantID, responseID, dataBase64 string) *OutboundFrame {
	return &OutboundFrame{Type: FrameAudio, ParticipantID: participantID, ResponseID: responseID, Data: dataBase64}
}

// NewResponseDoneFrame builds the end-of-response control frame.
func NewResponseDoneFrame(responseID string) *OutboundFrame {
	return &OutboundFrame{Type: FrameResponseDone, ResponseID: responseID}
}

// NewErrorFrame builds a peer-visible error frame with a stable code.
func NewErrorFrame(code, message string) *OutboundFrame {
	return &OutboundFrame{Type: FrameError, Code: code, Message: message}
}
