// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_control holds the per-session control plane: the
// playback and input state machines and the barge-in orchestration that
// ties them together.
package internal_control

import (
	"sync"
	"time"

	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// States and actuator contract
// =============================================================================

// PlaybackState describes what the session is doing with provider audio.
type PlaybackState string

const (
	PlaybackIdle       PlaybackState = "IDLE"
	PlaybackSpeaking   PlaybackState = "SPEAKING"
	PlaybackFinished   PlaybackState = "FINISHED"
	PlaybackGateClosed PlaybackState = "GATE_CLOSED"
)

// InputState describes participant voice activity derived from commit
// silence metadata.
type InputState string

const (
	InputSilent   InputState = "SILENT"
	InputSpeaking InputState = "SPEAKING"
)

// Actuator is the pipeline surface the control plane drives. Calls must be
// non-blocking; the pipeline serializes them against its own mutations.
type Actuator interface {
	SetOutboundGate(open bool, reason string)
	DropOutboundAudio(reason string)
	CancelProviderResponse(responseID, reason string)
	FlushInboundBuffers(participantID string)
}

// =============================================================================
// Configuration
// =============================================================================

// Config carries the control-plane timing knobs. Zero values fall back to
// defaults.
type Config struct {
	// PlaybackIdleTimeout moves SPEAKING to IDLE when no audio delta has
	// been seen for this long (default 500 ms).
	PlaybackIdleTimeout time.Duration
	// VoiceHysteresis is how long voice must be sustained before the input
	// machine leaves SILENT (default 100 ms).
	VoiceHysteresis time.Duration
	// SilenceThreshold is how long silence must last before the input
	// machine leaves SPEAKING (default 350 ms).
	SilenceThreshold time.Duration
	// Tick is the periodic check interval. It must stay well under the
	// idle timeout; the default is 50 ms.
	Tick time.Duration
}

const (
	defaultPlaybackIdleTimeout = 500 * time.Millisecond
	defaultVoiceHysteresis     = 100 * time.Millisecond
	defaultSilenceThreshold    = 350 * time.Millisecond
	defaultTick                = 50 * time.Millisecond
)

func (c Config) withDefaults() Config {
	if c.PlaybackIdleTimeout <= 0 {
		c.PlaybackIdleTimeout = defaultPlaybackIdleTimeout
	}
	if c.VoiceHysteresis <= 0 {
		c.VoiceHysteresis = defaultVoiceHysteresis
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	if c.Tick <= 0 {
		c.Tick = defaultTick
	}
	return c
}

// =============================================================================
// Control plane
// =============================================================================

// Plane owns both state machines for one session. Handlers arrive from two
// bus workers and the tick loop, so all state lives behind one mutex;
// every handler is O(1).
type Plane struct {
	sessionID string
	cfg       Config
	actuator  Actuator
	logger    commons.Logger

	epoch time.Time
	nowMS func() int64

	mu sync.Mutex

	playback        PlaybackState
	currentResponse string
	providerDone    bool
	lastAudioMS     int64

	input         InputState
	voiceOnsetMS  int64
	voiceOnsetSet bool
	voiceLastMS   int64

	ticker   *time.Ticker
	stopTick chan struct{}
	started  bool
	stopped  bool
}

// Option mutates construction-time behavior.
type Option func(*Plane)

// WithClock overrides the monotonic millisecond clock for tests.
func WithClock(nowMS func() int64) Option {
	return func(p *Plane) {
		p.nowMS = nowMS
	}
}

// New builds a control plane in IDLE/SILENT.
func New(sessionID string, cfg Config, actuator Actuator, logger commons.Logger, opts ...Option) *Plane {
	p := &Plane{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		actuator:  actuator,
		logger:    logger,
		playback:  PlaybackIdle,
		input:     InputSilent,
		epoch:     time.Now(),
		stopTick:  make(chan struct{}),
	}
	p.nowMS = func() int64 {
		return time.Since(p.epoch).Milliseconds()
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Start launches the periodic idle check. Idempotent.
func (p *Plane) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.stopped {
		return
	}
	p.started = true
	p.ticker = time.NewTicker(p.cfg.Tick)
	go p.tickLoop()
}

// Stop halts the periodic check. Idempotent.
func (p *Plane) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopped = true
	if p.started {
		p.ticker.Stop()
		close(p.stopTick)
	}
}

// PlaybackState returns the current playback state.
func (p *Plane) PlaybackState() PlaybackState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playback
}

// InputState returns the current input state.
func (p *Plane) InputState() InputState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input
}

// CurrentResponseID returns the response the session is speaking, if any.
func (p *Plane) CurrentResponseID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentResponse
}

// =============================================================================
// Provider tap (playback machine)
// =============================================================================

// HandleProviderEvent is the provider_inbound tap.
func (p *Plane) HandleProviderEvent(ev *internal_type.ProviderEvent) {
	if ev == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	switch ev.Type {
	case internal_type.ProviderAudioDelta:
		p.onAudioDeltaLocked(ev.ResponseID)
	case internal_type.ProviderAudioDone:
		if ev.ResponseID == p.currentResponse && p.playback == PlaybackSpeaking {
			p.providerDone = true
		}
	case internal_type.ProviderResponseCancelled:
		if ev.ResponseID == p.currentResponse && p.playback == PlaybackSpeaking {
			p.transitionPlaybackLocked(PlaybackIdle, "response_cancelled")
			p.clearResponseLocked()
		}
	}

	p.checkPlaybackIdleLocked()
}

func (p *Plane) onAudioDeltaLocked(responseID string) {
	now := p.nowMS()

	switch p.playback {
	case PlaybackIdle, PlaybackFinished:
		p.currentResponse = responseID
		p.providerDone = false
		p.lastAudioMS = now
		p.transitionPlaybackLocked(PlaybackSpeaking, "audio_delta")

	case PlaybackSpeaking:
		if responseID == p.currentResponse {
			p.lastAudioMS = now
			return
		}
		// A new response started talking over the current one: implicit
		// barge-in, then treat the delta as a fresh start.
		p.bargeInLocked("implicit_barge_in")
		p.currentResponse = responseID
		p.providerDone = false
		p.lastAudioMS = now
		p.transitionPlaybackLocked(PlaybackSpeaking, "audio_delta")

	case PlaybackGateClosed:
		// Audio while gated only refreshes the activity clock.
		p.lastAudioMS = now
	}
}

// =============================================================================
// Commit tap (input machine + barge-in)
// =============================================================================

// HandleCommit is the provider_outbound tap carrying silence metadata.
func (p *Plane) HandleCommit(commit *internal_type.AudioCommit) {
	if commit == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.nowMS()
	if commit.Metadata.IsSilence {
		p.onSilentCommitLocked(now)
	} else {
		p.onVoicedCommitLocked(now)
	}

	p.checkPlaybackIdleLocked()
}

func (p *Plane) onVoicedCommitLocked(now int64) {
	p.voiceLastMS = now

	if p.input != InputSilent {
		return
	}
	if !p.voiceOnsetSet {
		p.voiceOnsetMS = now
		p.voiceOnsetSet = true
	}
	if now-p.voiceOnsetMS >= p.cfg.VoiceHysteresis.Milliseconds() {
		p.transitionInputLocked(InputSpeaking, "sustained_voice")
		if p.playback == PlaybackSpeaking {
			p.bargeInLocked("barge_in")
		}
	}
}

func (p *Plane) onSilentCommitLocked(now int64) {
	switch p.input {
	case InputSpeaking:
		if now-p.voiceLastMS > p.cfg.SilenceThreshold.Milliseconds() {
			p.transitionInputLocked(InputSilent, "sustained_silence")
			p.clearVoiceOnsetLocked()
		}
	case InputSilent:
		// A silent commit breaks a voice burst that had not yet reached
		// the hysteresis bar.
		p.clearVoiceOnsetLocked()
	}
}

func (p *Plane) clearVoiceOnsetLocked() {
	p.voiceOnsetMS = 0
	p.voiceOnsetSet = false
}

// =============================================================================
// Barge-in and gate
// =============================================================================

// bargeInLocked cancels the in-flight response, drops queued outbound
// audio and eagerly returns playback to IDLE. Input state is untouched.
func (p *Plane) bargeInLocked(reason string) {
	responseID := p.currentResponse
	p.logger.Infow("barge-in",
		"session_id", p.sessionID,
		"response_id", responseID,
		"reason", reason,
	)
	p.actuator.CancelProviderResponse(responseID, reason)
	p.actuator.DropOutboundAudio(reason)
	p.transitionPlaybackLocked(PlaybackIdle, reason)
	p.clearResponseLocked()
}

// OnGateClosed records that the outbound audio gate was shut.
func (p *Plane) OnGateClosed() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playback != PlaybackGateClosed {
		p.transitionPlaybackLocked(PlaybackGateClosed, "gate_closed")
	}
}

// OnGateOpened records that the gate reopened. With an empty outbound
// queue playback returns to IDLE; with a tail still queued it returns to
// SPEAKING until the tail drains or times out.
func (p *Plane) OnGateOpened(queueEmpty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playback != PlaybackGateClosed {
		return
	}
	if queueEmpty {
		p.transitionPlaybackLocked(PlaybackIdle, "gate_opened")
		p.clearResponseLocked()
		return
	}
	p.lastAudioMS = p.nowMS()
	p.transitionPlaybackLocked(PlaybackSpeaking, "gate_opened_with_tail")
}

// =============================================================================
// Periodic idle check
// =============================================================================

func (p *Plane) tickLoop() {
	for {
		select {
		case <-p.stopTick:
			return
		case <-p.ticker.C:
			p.mu.Lock()
			p.checkPlaybackIdleLocked()
			p.mu.Unlock()
		}
	}
}

// checkPlaybackIdleLocked applies the playback idle timeout. It runs on
// every handled event and on every tick; the transition is idempotent.
func (p *Plane) checkPlaybackIdleLocked() {
	if p.playback != PlaybackSpeaking {
		return
	}
	if p.nowMS()-p.lastAudioMS <= p.cfg.PlaybackIdleTimeout.Milliseconds() {
		return
	}
	if p.providerDone {
		// The response finished cleanly and its audio tail has drained.
		p.transitionPlaybackLocked(PlaybackFinished, "response_complete")
		p.transitionPlaybackLocked(PlaybackIdle, "idle_timeout")
	} else {
		p.transitionPlaybackLocked(PlaybackIdle, "idle_timeout")
	}
	p.clearResponseLocked()
}

// =============================================================================
// Transitions
// =============================================================================

func (p *Plane) transitionPlaybackLocked(to PlaybackState, reason string) {
	from := p.playback
	if from == to {
		return
	}
	p.playback = to
	p.logger.Infow("playback state transition",
		"session_id", p.sessionID,
		"from", string(from),
		"to", string(to),
		"reason", reason,
		"response_id", p.currentResponse,
	)
}

func (p *Plane) transitionInputLocked(to InputState, reason string) {
	from := p.input
	if from == to {
		return
	}
	p.input = to
	p.logger.Infow("input state transition",
		"session_id", p.sessionID,
		"from", string(from),
		"to", string(to),
		"reason", reason,
	)
}

func (p *Plane) clearResponseLocked() {
	p.currentResponse = ""
	p.providerDone = false
}
