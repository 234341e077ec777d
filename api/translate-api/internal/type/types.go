// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

import (
	"time"

	"github.com/mitchellh/mapstructure"
)

// =============================================================================
// Inbound envelopes
// =============================================================================

// FrameKind classifies a decoded inbound frame.
type FrameKind string

const (
	// FrameKindAudio carries one PCM16 chunk for a participant.
	FrameKindAudio FrameKind = "audio"
	// FrameKindSettings hot-updates the session translation settings.
	FrameKindSettings FrameKind = "settings"
	// FrameKindUnknown is anything the codec does not recognize. Unknown
	// frames are logged at debug and dropped by subscribers.
	FrameKindUnknown FrameKind = "unknown"
)

// AudioPayload is the audio portion of an inbound frame. Data stays
// base64-encoded until the batcher decodes it, so a corrupt payload is
// charged to the batcher's decode counter rather than the receive loop.
type AudioPayload struct {
	Base64       string
	SampleRateHz int
	Channels     int
	// Encoding is pcm16 (default), pcmu or pcma. G.711 payloads are
	// transcoded to PCM16 before buffering.
	Encoding string
	// PeerTimestamp is the gateway wall-clock timestamp as received. It is
	// recorded in commit metadata only; all scheduling uses the monotonic
	// clock.
	PeerTimestamp string
}

// InboundEnvelope is one decoded inbound frame, sequenced within its
// session and published to the acs_inbound bus.
type InboundEnvelope struct {
	Kind          FrameKind
	SessionID     string
	Sequence      uint64
	ParticipantID string
	ReceivedAt    time.Time

	// Audio is set when Kind == FrameKindAudio.
	Audio *AudioPayload
	// Metadata is the raw top-level metadata map, present on any frame but
	// meaningful on the first.
	Metadata map[string]interface{}
	// Settings is set when Kind == FrameKindSettings.
	Settings *TranslationSettings
}

// =============================================================================
// Session metadata and translation settings
// =============================================================================

// SessionMetadata is the typed view of the first-frame metadata map.
// Unknown keys are preserved in Extra but never interpreted.
type SessionMetadata struct {
	Provider     string                 `mapstructure:"provider"`
	FeatureFlags map[string]interface{} `mapstructure:"feature_flags"`
	Extra        map[string]interface{} `mapstructure:",remain"`
}

// FeatureFlagProviderKey is the legacy feature-flag key that used to carry
// the provider choice before metadata.provider existed.
const FeatureFlagProviderKey = "translation_provider"

// ProviderFromFlags extracts the legacy provider flag, if any.
func (m *SessionMetadata) ProviderFromFlags() string {
	if m == nil || m.FeatureFlags == nil {
		return ""
	}
	if v, ok := m.FeatureFlags[FeatureFlagProviderKey]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// DecodeSessionMetadata converts a raw metadata map into its typed form.
func DecodeSessionMetadata(raw map[string]interface{}) (*SessionMetadata, error) {
	if raw == nil {
		return &SessionMetadata{}, nil
	}
	var meta SessionMetadata
	if err := mapstructure.Decode(raw, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// TranslationSettings is the typed view of a control.test.settings frame.
// Unknown keys are preserved in Extra.
type TranslationSettings struct {
	Provider       string                 `mapstructure:"provider"`
	SourceLanguage string                 `mapstructure:"source_language"`
	TargetLanguage string                 `mapstructure:"target_language"`
	Voice          string                 `mapstructure:"voice"`
	Extra          map[string]interface{} `mapstructure:",remain"`
}

// DecodeTranslationSettings converts a raw settings map into its typed form.
func DecodeTranslationSettings(raw map[string]interface{}) (*TranslationSettings, error) {
	if raw == nil {
		return &TranslationSettings{}, nil
	}
	var settings TranslationSettings
	if err := mapstructure.Decode(raw, &settings); err != nil {
		return nil, err
	}
	return &settings, nil
}

// =============================================================================
// Audio commits (provider_outbound)
// =============================================================================

// CommitTrigger names the batcher condition that produced a commit.
type CommitTrigger string

const (
	TriggerSize     CommitTrigger = "size"
	TriggerDuration CommitTrigger = "duration"
	TriggerIdle     CommitTrigger = "idle"
)

// CommitMetadata describes the audio carried by one commit.
type CommitMetadata struct {
	FirstFrameTSMS int64         `json:"first_frame_ts_ms"`
	LastFrameTSMS  int64         `json:"last_frame_ts_ms"`
	DurationMS     int64         `json:"duration_ms"`
	ByteCount      int           `json:"byte_count"`
	Trigger        CommitTrigger `json:"trigger"`
	RMSEnergy      float64       `json:"rms_energy"`
	IsSilence      bool          `json:"is_silence"`
	// PeerTimestamp is the last gateway timestamp observed in the batch,
	// if the peer sent one.
	PeerTimestamp string `json:"peer_timestamp,omitempty"`
}

// AudioCommit is one batched, contiguous PCM16 payload for a participant,
// published to the provider_outbound bus.
type AudioCommit struct {
	CommitID      string         `json:"commit_id"`
	SessionID     string         `json:"session_id"`
	ParticipantID string         `json:"participant_id"`
	AudioBase64   string         `json:"audio_base64"`
	Metadata      CommitMetadata `json:"metadata"`
}

// =============================================================================
// Pipeline stage
// =============================================================================

// PipelineStage tracks staged startup. Stages only move forward.
type PipelineStage int32

const (
	StageNotStarted PipelineStage = iota
	StagePhaseOne
	StagePhaseTwo
)

func (s PipelineStage) String() string {
	switch s {
	case StageNotStarted:
		return "not_started"
	case StagePhaseOne:
		return "phase_1"
	case StagePhaseTwo:
		return "phase_2"
	default:
		return "unknown"
	}
}
