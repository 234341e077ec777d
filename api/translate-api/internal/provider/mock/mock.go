// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_provider_mock is a deterministic in-process translation
// provider. It answers every non-silent commit with a canned text and a PCM
// tone, paced so cancellation mid-response is observable.
package internal_provider_mock

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
	"github.com/rapidaai/translate/pkg/utils"
)

// DefaultText is the canned translation emitted when settings carry none.
const DefaultText = "they will arrive at the venue in about ten minutes"

const (
	defaultDelay   = 20 * time.Millisecond
	defaultAudioMS = 200

	toneRateHz      = 16000
	toneFrequencyHz = 440.0
	toneAmplitude   = 6000
	chunkMS         = 20
	chunkPace       = 10 * time.Millisecond
)

// ErrClosed is returned by SendCommit after Close.
var ErrClosed = errors.New("mock provider closed")

// Provider is one mock adapter bound to a session.
type Provider struct {
	sessionID string
	inbound   *internal_bus.Bus[*internal_type.ProviderEvent]
	logger    commons.Logger

	delay   time.Duration
	audioMS int
	text    string

	mu       sync.Mutex
	closed   bool
	inflight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a mock provider. Recognized settings: `response_delay_ms`,
// `audio_ms` and `text`.
func New(
	sessionID string,
	settings map[string]interface{},
	inbound *internal_bus.Bus[*internal_type.ProviderEvent],
	logger commons.Logger,
) *Provider {
	delay := defaultDelay
	if ms := utils.MapInt(settings, "response_delay_ms", -1); ms >= 0 {
		delay = time.Duration(ms) * time.Millisecond
	}
	return &Provider{
		sessionID: sessionID,
		inbound:   inbound,
		logger:    logger,
		delay:     delay,
		audioMS:   utils.MapInt(settings, "audio_ms", defaultAudioMS),
		text:      utils.MapString(settings, "text", DefaultText),
		inflight:  make(map[string]context.CancelFunc),
	}
}

// Name implements the adapter contract.
func (p *Provider) Name() string { return "mock" }

// Start has no connection to open.
func (p *Provider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrClosed
	}
	p.logger.Infow("mock provider ready",
		"session_id", p.sessionID,
		"response_delay_ms", p.delay.Milliseconds(),
		"audio_ms", p.audioMS,
	)
	return nil
}

// SendCommit schedules one canned response per non-silent commit. Silent
// commits are acknowledged without a response, like a realtime provider
// that hears nothing.
func (p *Provider) SendCommit(ctx context.Context, commit *internal_type.AudioCommit) error {
	if commit.Metadata.IsSilence {
		p.logger.Debugw("mock provider skipping silent commit",
			"session_id", p.sessionID,
			"commit_id", commit.CommitID,
		)
		return nil
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	responseID := uuid.NewString()
	// The response lifetime is owned by Cancel/Close, not by the commit's
	// send context: a real provider keeps talking after the send returns.
	respCtx, cancel := context.WithCancel(context.Background())
	p.inflight[responseID] = cancel
	p.wg.Add(1)
	p.mu.Unlock()

	p.logger.Debugw("mock provider accepted commit",
		"session_id", p.sessionID,
		"commit_id", commit.CommitID,
		"response_id", responseID,
	)
	go p.emit(respCtx, commit.ParticipantID, responseID)
	return nil
}

// Cancel aborts an in-flight canned response. Unknown or finished response
// ids are a no-op. An empty id cancels everything in flight.
func (p *Provider) Cancel(ctx context.Context, responseID, reason string) error {
	p.mu.Lock()
	var cancels []context.CancelFunc
	if responseID == "" {
		for _, c := range p.inflight {
			cancels = append(cancels, c)
		}
	} else if c, ok := p.inflight[responseID]; ok {
		cancels = append(cancels, c)
	}
	p.mu.Unlock()

	if len(cancels) == 0 {
		p.logger.Debugw("mock provider cancel for unknown response",
			"session_id", p.sessionID,
			"response_id", responseID,
		)
		return nil
	}
	p.logger.Infow("mock provider cancelling response",
		"session_id", p.sessionID,
		"response_id", responseID,
		"reason", reason,
	)
	for _, c := range cancels {
		c()
	}
	return nil
}

// Close cancels in-flight responses and joins their emitters. Idempotent.
func (p *Provider) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, cancel := range p.inflight {
		cancel()
	}
	p.mu.Unlock()

	p.wg.Wait()
	p.logger.Infow("mock provider closed", "session_id", p.sessionID)
	return nil
}

// =============================================================================
// Canned response emission
// =============================================================================

func (p *Provider) emit(ctx context.Context, participantID, responseID string) {
	defer p.wg.Done()
	defer func() {
		p.mu.Lock()
		delete(p.inflight, responseID)
		p.mu.Unlock()
	}()

	if !p.pace(ctx, p.delay) {
		p.inbound.Publish(internal_type.NewResponseCancelledEvent(responseID))
		return
	}

	for _, word := range strings.SplitAfter(p.text, " ") {
		p.inbound.Publish(internal_type.NewTextDeltaEvent(participantID, word))
	}
	p.inbound.Publish(internal_type.NewTextDoneEvent(participantID))

	tone := tonePCM(p.audioMS)
	chunkBytes := chunkMS * toneRateHz * 2 / 1000
	for off := 0; off < len(tone); off += chunkBytes {
		end := off + chunkBytes
		if end > len(tone) {
			end = len(tone)
		}
		p.inbound.Publish(internal_type.NewAudioDeltaEvent(
			participantID,
			responseID,
			base64.StdEncoding.EncodeToString(tone[off:end]),
			toneRateHz,
		))
		if !p.pace(ctx, chunkPace) {
			p.inbound.Publish(internal_type.NewResponseCancelledEvent(responseID))
			return
		}
	}

	p.inbound.Publish(internal_type.NewAudioDoneEvent(responseID))
}

// pace sleeps for d unless the response is cancelled first.
func (p *Provider) pace(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// tonePCM renders ms of a fixed sine tone as 16 kHz mono PCM16.
func tonePCM(ms int) []byte {
	samples := ms * toneRateHz / 1000
	pcm := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		v := toneAmplitude * math.Sin(2*math.Pi*toneFrequencyHz*float64(i)/toneRateHz)
		binary.LittleEndian.PutUint16(pcm[i*2:], uint16(int16(v)))
	}
	return pcm
}
