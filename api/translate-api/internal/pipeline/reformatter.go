// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_pipeline

import (
	"encoding/base64"
	"strings"
	"sync"

	internal_audio "github.com/rapidaai/translate/api/translate-api/internal/audio"
	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// reformatter converts neutral provider events into peer wire frames. It
// runs as a single provider_inbound worker, so its per-participant
// sequence counters see events in bus order.
type reformatter struct {
	sessionID   string
	outputAudio internal_type.AudioConfig
	out         *internal_bus.Bus[*internal_type.OutboundFrame]
	logger      commons.Logger
	onFatal     func(code, message string)

	mu      sync.Mutex
	seq     map[string]uint64
	pending map[string]*strings.Builder
}

func newReformatter(
	sessionID string,
	outputAudio internal_type.AudioConfig,
	out *internal_bus.Bus[*internal_type.OutboundFrame],
	logger commons.Logger,
	onFatal func(code, message string),
) *reformatter {
	return &reformatter{
		sessionID:   sessionID,
		outputAudio: outputAudio,
		out:         out,
		logger:      logger,
		onFatal:     onFatal,
		seq:         make(map[string]uint64),
		pending:     make(map[string]*strings.Builder),
	}
}

func (r *reformatter) handle(ev *internal_type.ProviderEvent) {
	if ev == nil {
		return
	}
	switch ev.Type {
	case internal_type.ProviderTextDelta:
		r.handleTextDelta(ev)
	case internal_type.ProviderTextDone:
		r.handleTextDone(ev)
	case internal_type.ProviderAudioDelta:
		r.handleAudioDelta(ev)
	case internal_type.ProviderAudioDone:
		r.out.Publish(internal_type.NewResponseDoneFrame(ev.ResponseID))
	case internal_type.ProviderResponseCancelled:
		// The peer sees the response end the same way whether the provider
		// finished or was cut off.
		r.out.Publish(internal_type.NewResponseDoneFrame(ev.ResponseID))
	case internal_type.ProviderErrorEvent:
		r.handleError(ev)
	default:
		r.logger.Debugw("unhandled provider event",
			"session_id", r.sessionID,
			"event_type", string(ev.Type),
		)
	}
}

func (r *reformatter) handleTextDelta(ev *internal_type.ProviderEvent) {
	r.mu.Lock()
	r.seq[ev.ParticipantID]++
	n := r.seq[ev.ParticipantID]
	b, ok := r.pending[ev.ParticipantID]
	if !ok {
		b = &strings.Builder{}
		r.pending[ev.ParticipantID] = b
	}
	b.WriteString(ev.Delta)
	r.mu.Unlock()

	r.out.Publish(internal_type.NewTextDeltaFrame(ev.ParticipantID, ev.Delta, n))
}

func (r *reformatter) handleTextDone(ev *internal_type.ProviderEvent) {
	r.mu.Lock()
	full := ""
	if b, ok := r.pending[ev.ParticipantID]; ok {
		full = b.String()
		delete(r.pending, ev.ParticipantID)
	}
	r.seq[ev.ParticipantID]++
	n := r.seq[ev.ParticipantID]
	r.mu.Unlock()

	r.out.Publish(internal_type.NewTextFinalFrame(ev.ParticipantID, full, n))
}

func (r *reformatter) handleAudioDelta(ev *internal_type.ProviderEvent) {
	data := ev.AudioBase64
	if ev.SampleRateHz != 0 && ev.SampleRateHz != r.outputAudio.SampleRateHz {
		raw, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
		if err != nil {
			r.logger.Warnw("undecodable provider audio delta",
				"session_id", r.sessionID,
				"response_id", ev.ResponseID,
				"error", err,
			)
			return
		}
		resampled := internal_audio.ResampleLinear(raw, ev.SampleRateHz, r.outputAudio.SampleRateHz)
		data = base64.StdEncoding.EncodeToString(resampled)
	}
	r.out.Publish(internal_type.NewAudioFrame(ev.ParticipantID, ev.ResponseID, data))
}

func (r *reformatter) handleError(ev *internal_type.ProviderEvent) {
	r.out.Publish(internal_type.NewErrorFrame(ev.Code, ev.Message))
	if ev.Code == commons.ErrCodeProviderFatal && r.onFatal != nil {
		r.onFatal(ev.Code, ev.Message)
	}
}
