// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_pipeline assembles the per-session processing graph:
// four buses, the audio batcher, the control plane, the output reformatter
// and the provider adapter, brought up in two phases and torn down in one.
package internal_pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	internal_batcher "github.com/rapidaai/translate/api/translate-api/internal/batcher"
	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_control "github.com/rapidaai/translate/api/translate-api/internal/control"
	internal_provider "github.com/rapidaai/translate/api/translate-api/internal/provider"
	internal_queue "github.com/rapidaai/translate/api/translate-api/internal/queue"
	internal_recorder "github.com/rapidaai/translate/api/translate-api/internal/recorder"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Names and defaults
// =============================================================================

// Bus names, fixed so log lines and drop counters read the same everywhere.
const (
	BusACSInbound       = "acs_inbound"
	BusProviderOutbound = "provider_outbound"
	BusProviderInbound  = "provider_inbound"
	BusACSOutbound      = "acs_outbound"
)

// Handler registration names.
const (
	handlerBatcher     = "audio_batcher"
	handlerMetadata    = "metadata_recorder"
	handlerSettings    = "settings_listener"
	handlerEgress      = "provider_egress"
	handlerCommitTap   = "control_commit_tap"
	handlerEventTap    = "control_event_tap"
	handlerReformatter = "output_reformatter"
	handlerWireSender  = "wire_sender"
	handlerRecorderIn  = "recorder_inbound_tap"
	handlerRecorderOut = "recorder_outbound_tap"
)

const (
	defaultIngressQueueMax = 512
	defaultEgressQueueMax  = 512
	cleanupDeadline        = 5 * time.Second
)

var (
	// ErrPhaseOneNotStarted is returned when phase two is requested on a
	// pipeline that never came online.
	ErrPhaseOneNotStarted = errors.New("pipeline: phase one not started")
	// ErrAlreadyStarted is returned on a second phase-one start.
	ErrAlreadyStarted = errors.New("pipeline: already started")
)

// WireSender writes one serialized frame back to the peer. The session
// implements it on top of its websocket connection.
type WireSender interface {
	SendFrame(frame *internal_type.OutboundFrame) error
}

// =============================================================================
// Configuration
// =============================================================================

// Config carries everything the pipeline needs from application
// configuration. The session manager maps the app config onto this once
// per session.
type Config struct {
	// IngressQueueMax bounds each acs_inbound subscription queue.
	IngressQueueMax uint
	// EgressQueueMax bounds every other subscription queue, including the
	// provider_outbound pre-start buffer.
	EgressQueueMax uint
	// OverflowPolicy applies to all subscription queues.
	OverflowPolicy internal_queue.OverflowPolicy

	Batching internal_batcher.Config
	Control  internal_control.Config

	// InputAudio is the wire format audio arrives in; OutputAudio is the
	// rate translated audio is delivered at. Both default to 16 kHz mono.
	InputAudio  internal_type.AudioConfig
	OutputAudio internal_type.AudioConfig

	DefaultProvider string
	Providers       map[string]internal_provider.Config
}

func (c Config) withDefaults() Config {
	if c.IngressQueueMax == 0 {
		c.IngressQueueMax = defaultIngressQueueMax
	}
	if c.EgressQueueMax == 0 {
		c.EgressQueueMax = defaultEgressQueueMax
	}
	if !c.OverflowPolicy.Valid() {
		c.OverflowPolicy = internal_queue.DropNewest
	}
	if c.InputAudio.SampleRateHz == 0 {
		c.InputAudio = internal_type.NewLinear16khzMonoAudioConfig()
	}
	if c.OutputAudio.SampleRateHz == 0 {
		c.OutputAudio = internal_type.NewLinear16khzMonoAudioConfig()
	}
	return c
}

// =============================================================================
// Pipeline
// =============================================================================

// Pipeline owns the four buses of one session and implements the control
// plane's actuator surface.
type Pipeline struct {
	sessionID string
	cfg       Config
	logger    commons.Logger
	sender    WireSender
	onFatal   func(code, message string)

	acsInbound       *internal_bus.Bus[*internal_type.InboundEnvelope]
	providerOutbound *internal_bus.Bus[*internal_type.AudioCommit]
	providerInbound  *internal_bus.Bus[*internal_type.ProviderEvent]
	acsOutbound      *internal_bus.Bus[*internal_type.OutboundFrame]

	batcher  *internal_batcher.Batcher
	control  *internal_control.Plane
	reform   *reformatter
	recorder *internal_recorder.Recorder

	ctx    context.Context
	cancel context.CancelFunc

	stage atomic.Int32

	gateOpen        atomic.Bool
	gatedAudioDrops atomic.Uint64

	adapterMu    sync.RWMutex
	adapter      internal_provider.Adapter
	adapterReady chan struct{}

	stateMu  sync.RWMutex
	settings *internal_type.TranslationSettings
	metadata *internal_type.SessionMetadata

	cleanupOnce sync.Once
	cleanupErr  error
}

// Option mutates construction-time behavior.
type Option func(*Pipeline)

// WithFatalHandler installs the callback invoked when the provider reports
// an unrecoverable error. It runs on a bus worker and must not block; the
// session uses it to schedule its own teardown.
func WithFatalHandler(fn func(code, message string)) Option {
	return func(p *Pipeline) {
		p.onFatal = fn
	}
}

// WithRecorder taps committed participant audio and translated audio into
// a session recorder. The pipeline starts it in phase one and stops it
// during cleanup.
func WithRecorder(rec *internal_recorder.Recorder) Option {
	return func(p *Pipeline) {
		p.recorder = rec
	}
}

// New wires the pipeline for one session. Nothing runs until
// StartPhaseOne.
func New(sessionID string, cfg Config, sender WireSender, logger commons.Logger, opts ...Option) *Pipeline {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())

	p := &Pipeline{
		sessionID:        sessionID,
		cfg:              cfg,
		logger:           logger,
		sender:           sender,
		acsInbound:       internal_bus.New[*internal_type.InboundEnvelope](BusACSInbound, logger),
		providerOutbound: internal_bus.New[*internal_type.AudioCommit](BusProviderOutbound, logger),
		providerInbound:  internal_bus.New[*internal_type.ProviderEvent](BusProviderInbound, logger),
		acsOutbound:      internal_bus.New[*internal_type.OutboundFrame](BusACSOutbound, logger),
		ctx:              ctx,
		cancel:           cancel,
		adapterReady:     make(chan struct{}),
	}
	p.gateOpen.Store(true)

	p.batcher = internal_batcher.New(sessionID, cfg.Batching, cfg.InputAudio, p.providerOutbound, logger)
	p.control = internal_control.New(sessionID, cfg.Control, p, logger)
	p.reform = newReformatter(sessionID, cfg.OutputAudio, p.acsOutbound, logger, p.handleFatal)

	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Stage returns the current startup stage.
func (p *Pipeline) Stage() internal_type.PipelineStage {
	return internal_type.PipelineStage(p.stage.Load())
}

// =============================================================================
// Staged startup
// =============================================================================

// StartPhaseOne registers every subscription that does not depend on the
// provider choice and starts the control plane ticker. Audio arriving
// before phase two batches as usual; its commits wait in the
// provider_egress queue, which is the bounded pre-start buffer.
func (p *Pipeline) StartPhaseOne() error {
	if !p.stage.CompareAndSwap(int32(internal_type.StageNotStarted), int32(internal_type.StagePhaseOne)) {
		return ErrAlreadyStarted
	}

	ingress := p.cfg.IngressQueueMax
	egress := p.cfg.EgressQueueMax
	policy := p.cfg.OverflowPolicy

	registrations := []func() error{
		func() error {
			return p.acsInbound.Subscribe(handlerBatcher, ingress, policy, 1, p.batcher.HandleInbound)
		},
		func() error {
			return p.acsInbound.Subscribe(handlerMetadata, ingress, policy, 1, p.recordMetadata)
		},
		func() error {
			return p.acsInbound.Subscribe(handlerSettings, ingress, policy, 1, p.applySettings)
		},
		func() error {
			return p.providerOutbound.Subscribe(handlerEgress, egress, policy, 1, p.relayCommit)
		},
		func() error {
			return p.providerOutbound.Subscribe(handlerCommitTap, egress, policy, 1, p.control.HandleCommit)
		},
		func() error {
			return p.providerInbound.Subscribe(handlerReformatter, egress, policy, 1, p.reform.handle)
		},
		func() error {
			return p.providerInbound.Subscribe(handlerEventTap, egress, policy, 1, p.control.HandleProviderEvent)
		},
		func() error {
			return p.acsOutbound.Subscribe(handlerWireSender, egress, policy, 1, p.sendFrame)
		},
	}
	if p.recorder != nil {
		registrations = append(registrations,
			func() error {
				return p.providerOutbound.Subscribe(handlerRecorderIn, egress, policy, 1, p.recordCommitAudio)
			},
			func() error {
				return p.acsOutbound.Subscribe(handlerRecorderOut, egress, policy, 1, p.recordOutboundAudio)
			},
		)
	}
	for _, register := range registrations {
		if err := register(); err != nil {
			return fmt.Errorf("pipeline phase one: %w", err)
		}
	}

	if p.recorder != nil {
		p.recorder.Start()
	}
	p.control.Start()
	p.logger.Infow("pipeline phase one online",
		"session_id", p.sessionID,
		"ingress_queue_max", ingress,
		"egress_queue_max", egress,
		"overflow_policy", string(policy),
	)
	return nil
}

// StartPhaseTwo binds the session to the resolved provider and releases
// the egress relay. A second call is a no-op; hot settings changes never
// rebind an established provider.
func (p *Pipeline) StartPhaseTwo(ctx context.Context, providerName string) error {
	switch internal_type.PipelineStage(p.stage.Load()) {
	case internal_type.StageNotStarted:
		return ErrPhaseOneNotStarted
	case internal_type.StagePhaseTwo:
		p.logger.Debugw("pipeline phase two already started",
			"session_id", p.sessionID,
			"provider", providerName,
		)
		return nil
	}

	providerCfg, ok := p.cfg.Providers[providerName]
	if !ok {
		return fmt.Errorf("%w: no configuration for %q", internal_provider.ErrUnknownProvider, providerName)
	}

	adapter, err := internal_provider.New(providerName, providerCfg, internal_provider.Deps{
		SessionID:  p.sessionID,
		Settings:   p.Settings(),
		Inbound:    p.providerInbound,
		InputAudio: p.cfg.InputAudio,
		Logger:     p.logger,
	})
	if err != nil {
		return err
	}
	if err := adapter.Start(ctx); err != nil {
		return fmt.Errorf("%w: provider %q: %w", internal_provider.ErrProviderUnavailable, providerName, err)
	}

	p.adapterMu.Lock()
	p.adapter = adapter
	p.adapterMu.Unlock()
	close(p.adapterReady)
	p.stage.Store(int32(internal_type.StagePhaseTwo))

	p.logger.Infow("pipeline ready",
		"session_id", p.sessionID,
		"provider", providerName,
		"adapter", adapter.Name(),
	)
	return nil
}

func (p *Pipeline) currentAdapter() internal_provider.Adapter {
	p.adapterMu.RLock()
	defer p.adapterMu.RUnlock()
	return p.adapter
}

// awaitAdapter parks the egress worker until phase two installs the
// adapter or the pipeline shuts down. While parked, commits accumulate in
// the worker's bounded queue.
func (p *Pipeline) awaitAdapter() internal_provider.Adapter {
	select {
	case <-p.adapterReady:
		return p.currentAdapter()
	case <-p.ctx.Done():
		return nil
	}
}

// =============================================================================
// Publish surface
// =============================================================================

// PublishInbound fans a decoded frame out to the acs_inbound subscribers.
func (p *Pipeline) PublishInbound(env *internal_type.InboundEnvelope) {
	p.acsInbound.Publish(env)
}

// PublishOutbound queues a frame for the peer, through the gate.
func (p *Pipeline) PublishOutbound(frame *internal_type.OutboundFrame) {
	p.acsOutbound.Publish(frame)
}

// =============================================================================
// Phase-1 handlers
// =============================================================================

// recordMetadata keeps the latest typed view of frame metadata for
// observability and late provider resolution.
func (p *Pipeline) recordMetadata(env *internal_type.InboundEnvelope) {
	if env == nil || len(env.Metadata) == 0 {
		return
	}
	meta, err := internal_type.DecodeSessionMetadata(env.Metadata)
	if err != nil {
		p.logger.Warnw("undecodable frame metadata",
			"session_id", p.sessionID,
			"sequence", env.Sequence,
			"error", err,
		)
		return
	}
	p.stateMu.Lock()
	p.metadata = meta
	p.stateMu.Unlock()
}

// applySettings hot-updates the session translation settings.
func (p *Pipeline) applySettings(env *internal_type.InboundEnvelope) {
	if env == nil || env.Kind != internal_type.FrameKindSettings || env.Settings == nil {
		return
	}
	p.UpdateSettings(env.Settings)
}

// UpdateSettings replaces the session translation settings. An established
// provider binding is not reconnected; the change applies to resolution
// decisions and future adapter sessions only.
func (p *Pipeline) UpdateSettings(settings *internal_type.TranslationSettings) {
	p.stateMu.Lock()
	p.settings = settings
	p.stateMu.Unlock()

	p.logger.Infow("translation settings updated",
		"session_id", p.sessionID,
		"provider", settings.Provider,
		"source_language", settings.SourceLanguage,
		"target_language", settings.TargetLanguage,
		"voice", settings.Voice,
	)
	if settings.Provider != "" && p.Stage() == internal_type.StagePhaseTwo {
		p.logger.Debugw("provider change recorded, active binding unchanged",
			"session_id", p.sessionID,
			"requested_provider", settings.Provider,
		)
	}
}

// Settings returns the latest translation settings, nil before any arrive.
func (p *Pipeline) Settings() *internal_type.TranslationSettings {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.settings
}

// Metadata returns the latest typed frame metadata, nil before any arrives.
func (p *Pipeline) Metadata() *internal_type.SessionMetadata {
	p.stateMu.RLock()
	defer p.stateMu.RUnlock()
	return p.metadata
}

// relayCommit is the provider_outbound egress worker body.
func (p *Pipeline) relayCommit(commit *internal_type.AudioCommit) {
	adapter := p.awaitAdapter()
	if adapter == nil {
		return
	}
	if err := adapter.SendCommit(p.ctx, commit); err != nil {
		p.logger.Warnw("provider egress failed",
			"session_id", p.sessionID,
			"commit_id", commit.CommitID,
			"participant_id", commit.ParticipantID,
			"error", err,
		)
	}
}

// sendFrame is the acs_outbound wire-sender body. A closed gate discards
// audio frames; text and control frames always pass.
func (p *Pipeline) sendFrame(frame *internal_type.OutboundFrame) {
	if frame == nil {
		return
	}
	if frame.IsAudio() && !p.gateOpen.Load() {
		p.gatedAudioDrops.Add(1)
		p.logger.Debugw("outbound gate closed, dropping audio frame",
			"session_id", p.sessionID,
			"response_id", frame.ResponseID,
		)
		return
	}
	if err := p.sender.SendFrame(frame); err != nil {
		p.logger.Warnw("wire send failed",
			"session_id", p.sessionID,
			"frame_type", frame.Type,
			"error", err,
		)
	}
}

// recordCommitAudio feeds committed participant audio onto the recording
// inbound track. Commits carry session-format PCM, so the placement needs
// no resampling.
func (p *Pipeline) recordCommitAudio(commit *internal_type.AudioCommit) {
	if commit == nil {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(commit.AudioBase64)
	if err != nil {
		p.logger.Warnw("recording skipped undecodable commit audio",
			"session_id", p.sessionID,
			"commit_id", commit.CommitID,
			"error", err,
		)
		return
	}
	p.recorder.AppendInbound(commit.ParticipantID, pcm)
}

// recordOutboundAudio feeds translated audio onto the recording outbound
// track. The tap sees every frame the reformatter produced, whether or not
// the gate later delivered it.
func (p *Pipeline) recordOutboundAudio(frame *internal_type.OutboundFrame) {
	if frame == nil || !frame.IsAudio() {
		return
	}
	pcm, err := base64.StdEncoding.DecodeString(frame.Data)
	if err != nil {
		p.logger.Warnw("recording skipped undecodable outbound audio",
			"session_id", p.sessionID,
			"response_id", frame.ResponseID,
			"error", err,
		)
		return
	}
	p.recorder.AppendOutbound(pcm, p.cfg.OutputAudio.SampleRateHz)
}

// handleFatal forwards an unrecoverable provider error to the session.
func (p *Pipeline) handleFatal(code, message string) {
	p.logger.Errorw("fatal provider error",
		"session_id", p.sessionID,
		"code", code,
		"message", message,
	)
	if p.onFatal != nil {
		p.onFatal(code, message)
	}
}

// =============================================================================
// Actuator surface (control plane)
// =============================================================================

// SetOutboundGate opens or closes the audio gate on the wire sender and
// informs the playback machine.
func (p *Pipeline) SetOutboundGate(open bool, reason string) {
	was := p.gateOpen.Swap(open)
	p.logger.Infow("actuator set_outbound_gate",
		"session_id", p.sessionID,
		"open", open,
		"reason", reason,
	)
	if was == open {
		return
	}
	if open {
		backlog, _ := p.acsOutbound.QueueLen(handlerWireSender)
		p.control.OnGateOpened(backlog == 0)
		return
	}
	p.control.OnGateClosed()
}

// DropOutboundAudio empties queued audio frames from the wire sender,
// leaving text and control frames in place.
func (p *Pipeline) DropOutboundAudio(reason string) {
	dropped, _ := p.acsOutbound.DrainQueue(handlerWireSender, func(f *internal_type.OutboundFrame) bool {
		return f.IsAudio()
	})
	p.logger.Infow("actuator drop_outbound_audio",
		"session_id", p.sessionID,
		"reason", reason,
		"dropped", dropped,
	)
}

// CancelProviderResponse relays a cancel to the provider adapter. Before
// phase two there is nothing to cancel.
func (p *Pipeline) CancelProviderResponse(responseID, reason string) {
	p.logger.Infow("actuator cancel_provider_response",
		"session_id", p.sessionID,
		"response_id", responseID,
		"reason", reason,
	)
	adapter := p.currentAdapter()
	if adapter == nil {
		p.logger.Debugw("cancel with no active provider adapter",
			"session_id", p.sessionID,
			"response_id", responseID,
		)
		return
	}
	if err := adapter.Cancel(p.ctx, responseID, reason); err != nil {
		p.logger.Warnw("provider cancel failed",
			"session_id", p.sessionID,
			"response_id", responseID,
			"error", err,
		)
	}
}

// FlushInboundBuffers discards buffered audio for one participant, or for
// all when the id is empty. No commit is emitted.
func (p *Pipeline) FlushInboundBuffers(participantID string) {
	p.logger.Infow("actuator flush_inbound_buffers",
		"session_id", p.sessionID,
		"participant_id", participantID,
	)
	p.batcher.Flush(participantID)
}

// =============================================================================
// Cleanup and stats
// =============================================================================

// Cleanup tears the pipeline down: adapter first, then the buses in
// dependency order, all under one deadline. Idempotent; later calls return
// the first result.
func (p *Pipeline) Cleanup(ctx context.Context) error {
	p.cleanupOnce.Do(func() {
		p.cleanupErr = p.runCleanup(ctx)
	})
	return p.cleanupErr
}

func (p *Pipeline) runCleanup(ctx context.Context) error {
	p.logger.Infow("pipeline cleanup started",
		"session_id", p.sessionID,
		"stage", p.Stage().String(),
	)
	started := time.Now()

	ctx, cancel := context.WithTimeout(ctx, cleanupDeadline)
	defer cancel()

	p.control.Stop()
	// Unblocks egress workers parked on awaitAdapter and aborts in-flight
	// adapter calls.
	p.cancel()

	var errs []error
	if adapter := p.currentAdapter(); adapter != nil {
		if err := adapter.Close(); err != nil {
			errs = append(errs, fmt.Errorf("adapter close: %w", err))
		}
	}
	p.batcher.Close()

	if err := p.acsInbound.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.providerOutbound.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.providerInbound.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.acsOutbound.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	// All tap handlers have drained by now, so the recording is complete.
	if p.recorder != nil {
		if err := p.recorder.Stop(); err != nil {
			errs = append(errs, err)
		}
	}

	err := errors.Join(errs...)
	p.logger.Infow("pipeline cleanup finished",
		"session_id", p.sessionID,
		"error", err,
	)
	p.logger.Benchmark("pipeline.cleanup", time.Since(started))
	return err
}

// Stats is a point-in-time snapshot for the stats endpoint.
type Stats struct {
	Stage           string `json:"stage"`
	Provider        string `json:"provider,omitempty"`
	GateOpen        bool   `json:"gate_open"`
	Commits         uint64 `json:"commits"`
	DecodeFailures  uint64 `json:"decode_failures"`
	GatedAudioDrops uint64 `json:"gated_audio_drops"`
	PlaybackState   string `json:"playback_state"`
	InputState      string `json:"input_state"`
}

// Snapshot collects the pipeline counters.
func (p *Pipeline) Snapshot() Stats {
	s := Stats{
		Stage:           p.Stage().String(),
		GateOpen:        p.gateOpen.Load(),
		Commits:         p.batcher.Commits(),
		DecodeFailures:  p.batcher.DecodeFailures(),
		GatedAudioDrops: p.gatedAudioDrops.Load(),
		PlaybackState:   string(p.control.PlaybackState()),
		InputState:      string(p.control.InputState()),
	}
	if adapter := p.currentAdapter(); adapter != nil {
		s.Provider = adapter.Name()
	}
	return s
}
