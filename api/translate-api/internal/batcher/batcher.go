// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_batcher accumulates inbound PCM per participant and
// publishes audio commits when a size, duration or idle trigger fires.
package internal_batcher

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	internal_audio "github.com/rapidaai/translate/api/translate-api/internal/audio"
	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Configuration
// =============================================================================

// Config bounds a participant buffer. Zero values fall back to defaults.
type Config struct {
	// MaxBatchBytes commits when a buffer reaches this size (default 64 KiB).
	MaxBatchBytes int
	// MaxBatchMS commits when buffered audio reaches this duration
	// (default 200 ms).
	MaxBatchMS int64
	// IdleTimeout commits a non-empty buffer that has received nothing for
	// this long (default 500 ms).
	IdleTimeout time.Duration
	// SilenceThreshold is the RMS level, on the int16 full-scale range,
	// below which a commit is tagged as silence (default 50.0).
	SilenceThreshold float64
}

const (
	defaultMaxBatchBytes    = 64 * 1024
	defaultMaxBatchMS       = 200
	defaultIdleTimeout      = 500 * time.Millisecond
	defaultSilenceThreshold = 50.0
)

func (c Config) withDefaults() Config {
	if c.MaxBatchBytes <= 0 {
		c.MaxBatchBytes = defaultMaxBatchBytes
	}
	if c.MaxBatchMS <= 0 {
		c.MaxBatchMS = defaultMaxBatchMS
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = defaultIdleTimeout
	}
	if c.SilenceThreshold <= 0 {
		c.SilenceThreshold = defaultSilenceThreshold
	}
	return c
}

// =============================================================================
// Batcher
// =============================================================================

type participantBuffer struct {
	pcm       []byte
	firstTSMS int64
	lastTSMS  int64
	// peerTS is the most recent gateway timestamp seen in this batch.
	peerTS    string
	idleTimer *time.Timer
}

// Batcher is the audio subscriber on the inbound bus. It owns one buffer
// per participant and emits exactly one commit per trigger crossing.
//
// Handler concurrency on the inbound bus is one, so appends are already
// serialized; the mutex exists because idle timers fire on their own
// goroutines.
type Batcher struct {
	sessionID string
	cfg       Config
	audio     internal_type.AudioConfig
	out       *internal_bus.Bus[*internal_type.AudioCommit]
	logger    commons.Logger

	mu      sync.Mutex
	buffers map[string]*participantBuffer
	closed  bool

	epoch time.Time
	nowMS func() int64

	decodeFailures atomic.Uint64
	commits        atomic.Uint64
}

// Option mutates construction-time behavior.
type Option func(*Batcher)

// WithClock overrides the monotonic millisecond clock. Tests use it to
// make trigger arithmetic deterministic.
func WithClock(nowMS func() int64) Option {
	return func(b *Batcher) {
		b.nowMS = nowMS
	}
}

// New builds a batcher that publishes commits for sessionID onto out.
// All buffered audio is normalized to the session input format first,
// so commit byte counts and durations are always in session terms.
func New(
	sessionID string,
	cfg Config,
	audioCfg internal_type.AudioConfig,
	out *internal_bus.Bus[*internal_type.AudioCommit],
	logger commons.Logger,
	opts ...Option,
) *Batcher {
	b := &Batcher{
		sessionID: sessionID,
		cfg:       cfg.withDefaults(),
		audio:     audioCfg,
		out:       out,
		logger:    logger,
		buffers:   make(map[string]*participantBuffer),
		epoch:     time.Now(),
	}
	b.nowMS = func() int64 {
		return time.Since(b.epoch).Milliseconds()
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// HandleInbound is the inbound-bus handler. Non-audio envelopes are
// ignored here; settings and metadata have their own subscribers.
func (b *Batcher) HandleInbound(env *internal_type.InboundEnvelope) {
	if env == nil || env.Kind != internal_type.FrameKindAudio || env.Audio == nil {
		return
	}

	pcm, err := b.normalize(env.Audio)
	if err != nil {
		b.decodeFailures.Add(1)
		b.logger.Warnw("dropping undecodable audio frame",
			"session_id", b.sessionID,
			"participant_id", env.ParticipantID,
			"sequence", env.Sequence,
			"error", err,
		)
		return
	}
	if len(pcm) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	buf, ok := b.buffers[env.ParticipantID]
	if !ok {
		buf = &participantBuffer{}
		b.buffers[env.ParticipantID] = buf
	}

	now := b.nowMS()
	// Idle is judged against the previous append so a late frame arriving
	// after a missed timer still flushes the stale buffer, counted as one
	// commit with the new bytes included.
	wasIdle := len(buf.pcm) > 0 && now-buf.lastTSMS >= b.cfg.IdleTimeout.Milliseconds()

	if len(buf.pcm) == 0 {
		buf.firstTSMS = now
	}
	buf.pcm = append(buf.pcm, pcm...)
	buf.lastTSMS = now
	if env.Audio.PeerTimestamp != "" {
		buf.peerTS = env.Audio.PeerTimestamp
	}

	var trigger internal_type.CommitTrigger
	switch {
	case len(buf.pcm) >= b.cfg.MaxBatchBytes:
		trigger = internal_type.TriggerSize
	case b.audio.DurationMS(len(buf.pcm)) >= b.cfg.MaxBatchMS:
		trigger = internal_type.TriggerDuration
	case wasIdle:
		trigger = internal_type.TriggerIdle
	}

	if trigger != "" {
		b.commitLocked(env.ParticipantID, buf, trigger)
		return
	}
	b.armIdleTimerLocked(env.ParticipantID, buf)
}

// Flush discards a participant's buffer without committing. An empty id
// discards every buffer. This is the pipeline actuator entry point.
func (b *Batcher) Flush(participantID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if participantID != "" {
		if buf, ok := b.buffers[participantID]; ok {
			b.discardLocked(buf)
		}
		return
	}
	for _, buf := range b.buffers {
		b.discardLocked(buf)
	}
}

// Close cancels all idle timers and discards buffered audio. Buffered
// bytes at close are intentionally not committed: the provider adapter is
// already cancelled by the time the batcher is torn down.
func (b *Batcher) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, buf := range b.buffers {
		b.discardLocked(buf)
	}
	b.buffers = nil
}

// Commits reports how many commits this batcher has published.
func (b *Batcher) Commits() uint64 {
	return b.commits.Load()
}

// DecodeFailures reports how many inbound frames were dropped as
// undecodable.
func (b *Batcher) DecodeFailures() uint64 {
	return b.decodeFailures.Load()
}

// BufferedBytes reports the bytes currently held for a participant.
func (b *Batcher) BufferedBytes(participantID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if buf, ok := b.buffers[participantID]; ok {
		return len(buf.pcm)
	}
	return 0
}

// =============================================================================
// Internals
// =============================================================================

// normalize turns one wire payload into session-format PCM16: base64
// decode, G.711 expansion, downmix, then resample.
func (b *Batcher) normalize(payload *internal_type.AudioPayload) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(payload.Base64)
	if err != nil {
		return nil, fmt.Errorf("base64: %w", err)
	}

	var pcm []byte
	switch strings.ToLower(payload.Encoding) {
	case "", string(internal_type.AudioFormatLinear16), "pcm16":
		if len(raw)%2 != 0 {
			return nil, errors.New("pcm16 payload with odd byte count")
		}
		pcm = raw
	case string(internal_type.AudioFormatMulaw), "ulaw", "mulaw":
		pcm = internal_audio.DecodeULaw(raw)
	case string(internal_type.AudioFormatAlaw), "alaw":
		pcm = internal_audio.DecodeALaw(raw)
	default:
		return nil, fmt.Errorf("unsupported encoding %q", payload.Encoding)
	}

	switch payload.Channels {
	case 0, 1:
	case 2:
		pcm = internal_audio.StereoToMono(pcm)
	default:
		return nil, fmt.Errorf("unsupported channel count %d", payload.Channels)
	}

	if payload.SampleRateHz > 0 && payload.SampleRateHz != b.audio.SampleRateHz {
		pcm = internal_audio.ResampleLinear(pcm, payload.SampleRateHz, b.audio.SampleRateHz)
	}
	return pcm, nil
}

func (b *Batcher) armIdleTimerLocked(participantID string, buf *participantBuffer) {
	if buf.idleTimer != nil {
		buf.idleTimer.Stop()
	}
	armedAt := buf.lastTSMS
	buf.idleTimer = time.AfterFunc(b.cfg.IdleTimeout, func() {
		b.onIdle(participantID, armedAt)
	})
}

func (b *Batcher) onIdle(participantID string, armedAt int64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	buf, ok := b.buffers[participantID]
	if !ok || len(buf.pcm) == 0 {
		return
	}
	// A newer append re-armed the timer; this firing is stale.
	if buf.lastTSMS != armedAt {
		return
	}
	b.commitLocked(participantID, buf, internal_type.TriggerIdle)
}

func (b *Batcher) commitLocked(participantID string, buf *participantBuffer, trigger internal_type.CommitTrigger) {
	rms := internal_audio.RMS(buf.pcm)
	commit := &internal_type.AudioCommit{
		CommitID:      uuid.NewString(),
		SessionID:     b.sessionID,
		ParticipantID: participantID,
		AudioBase64:   base64.StdEncoding.EncodeToString(buf.pcm),
		Metadata: internal_type.CommitMetadata{
			FirstFrameTSMS: buf.firstTSMS,
			LastFrameTSMS:  buf.lastTSMS,
			DurationMS:     b.audio.DurationMS(len(buf.pcm)),
			ByteCount:      len(buf.pcm),
			Trigger:        trigger,
			RMSEnergy:      rms,
			IsSilence:      rms < b.cfg.SilenceThreshold,
			PeerTimestamp:  buf.peerTS,
		},
	}

	b.discardLocked(buf)
	b.commits.Add(1)

	b.logger.Infow("audio commit",
		"session_id", b.sessionID,
		"participant_id", participantID,
		"commit_id", commit.CommitID,
		"trigger", string(trigger),
		"byte_count", commit.Metadata.ByteCount,
		"duration_ms", commit.Metadata.DurationMS,
		"rms_energy", commit.Metadata.RMSEnergy,
		"is_silence", commit.Metadata.IsSilence,
	)

	if overflowed := b.out.Publish(commit); overflowed > 0 {
		b.logger.Warnw("commit overflowed subscriber queues",
			"session_id", b.sessionID,
			"commit_id", commit.CommitID,
			"subscribers", overflowed,
		)
	}
}

func (b *Batcher) discardLocked(buf *participantBuffer) {
	if buf.idleTimer != nil {
		buf.idleTimer.Stop()
		buf.idleTimer = nil
	}
	buf.pcm = nil
	buf.firstTSMS = 0
	buf.lastTSMS = 0
	buf.peerTS = ""
}
