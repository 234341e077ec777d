// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_session

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/rapidaai/translate/api/translate-api/config"
	internal_batcher "github.com/rapidaai/translate/api/translate-api/internal/batcher"
	internal_capture "github.com/rapidaai/translate/api/translate-api/internal/capture"
	internal_control "github.com/rapidaai/translate/api/translate-api/internal/control"
	internal_pipeline "github.com/rapidaai/translate/api/translate-api/internal/pipeline"
	internal_provider "github.com/rapidaai/translate/api/translate-api/internal/provider"
	internal_queue "github.com/rapidaai/translate/api/translate-api/internal/queue"
	internal_recorder "github.com/rapidaai/translate/api/translate-api/internal/recorder"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Manager
// =============================================================================

// Manager is the only cross-session state in the service: a registry of
// live sessions behind a short lock. Session work never runs under it.
type Manager struct {
	cfg    *config.AppConfig
	logger commons.Logger

	mu       sync.Mutex
	sessions map[string]*Session

	startedAt time.Time
}

// NewManager builds an empty registry.
func NewManager(cfg *config.AppConfig, logger commons.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		logger:    logger,
		sessions:  make(map[string]*Session),
		startedAt: time.Now(),
	}
}

// Create registers a session for an upgraded connection and brings its
// pipeline phase one online. The caller runs the returned session.
func (m *Manager) Create(conn *websocket.Conn) (*Session, error) {
	id := uuid.NewString()
	cfg := m.pipelineConfig()

	var capture *internal_capture.Capture
	if m.cfg.Capture.Enabled {
		c, err := internal_capture.New(id, m.cfg.Capture.Directory, m.logger)
		if err != nil {
			// Capture is best-effort observability; the call still goes on.
			m.logger.Warnw("wire capture unavailable",
				"session_id", id,
				"error", err,
			)
		} else {
			capture = c
		}
	}

	var pipeOpts []internal_pipeline.Option
	if m.cfg.Recording.Enabled {
		rec, err := internal_recorder.New(id, m.cfg.Recording.Directory, cfg.InputAudio, m.logger)
		if err != nil {
			// Same stance as capture: a session without its recording
			// beats no session.
			m.logger.Warnw("session recording unavailable",
				"session_id", id,
				"error", err,
			)
		} else {
			pipeOpts = append(pipeOpts, internal_pipeline.WithRecorder(rec))
		}
	}

	sess := New(id, conn, cfg, capture, m.logger, m.release, pipeOpts...)
	if err := sess.Start(); err != nil {
		_ = capture.Close()
		return nil, err
	}

	m.mu.Lock()
	m.sessions[id] = sess
	active := len(m.sessions)
	m.mu.Unlock()

	m.logger.Infow("session registered",
		"session_id", id,
		"active_sessions", active,
	)
	return sess, nil
}

// Remove closes one session. Unknown ids are a no-op; the registry entry
// disappears via the session's close callback.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return sess.Close()
}

// release is the session close callback.
func (m *Manager) release(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	active := len(m.sessions)
	m.mu.Unlock()
	if ok {
		m.logger.Infow("session released",
			"session_id", id,
			"active_sessions", active,
		)
	}
}

// ShutdownAll closes every live session in parallel and waits for all of
// them. Per-session deadlines bound the wait.
func (m *Manager) ShutdownAll(ctx context.Context) error {
	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		open = append(open, sess)
	}
	m.mu.Unlock()

	if len(open) == 0 {
		return nil
	}
	m.logger.Infow("shutting down all sessions", "active_sessions", len(open))

	group, _ := errgroup.WithContext(ctx)
	for _, sess := range open {
		group.Go(sess.Close)
	}
	return group.Wait()
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Stats is the payload of the stats endpoint.
type Stats struct {
	ActiveSessions int                                `json:"active_sessions"`
	UptimeS        int64                              `json:"uptime_s"`
	Sessions       map[string]internal_pipeline.Stats `json:"sessions,omitempty"`
}

// Stats snapshots every live session's pipeline counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	open := make(map[string]*Session, len(m.sessions))
	for id, sess := range m.sessions {
		open[id] = sess
	}
	m.mu.Unlock()

	stats := Stats{
		ActiveSessions: len(open),
		UptimeS:        int64(time.Since(m.startedAt).Seconds()),
	}
	if len(open) > 0 {
		stats.Sessions = make(map[string]internal_pipeline.Stats, len(open))
		for id, sess := range open {
			stats.Sessions[id] = sess.Snapshot()
		}
	}
	return stats
}

// =============================================================================
// Config mapping
// =============================================================================

// pipelineConfig maps application configuration onto one session's
// pipeline wiring.
func (m *Manager) pipelineConfig() internal_pipeline.Config {
	appCfg := m.cfg

	providers := make(map[string]internal_provider.Config, len(appCfg.Providers))
	for name, p := range appCfg.Providers {
		providers[name] = internal_provider.Config{
			Type:     p.Type,
			Endpoint: p.Endpoint,
			APIKey:   p.APIKey,
			Region:   p.Region,
			Model:    p.Model,
			Settings: p.Settings,
		}
	}

	batching := internal_batcher.Config{
		MaxBatchMS:       appCfg.Batching.MaxBatchMS,
		MaxBatchBytes:    appCfg.Batching.MaxBatchBytes,
		IdleTimeout:      time.Duration(appCfg.Batching.IdleTimeoutMS) * time.Millisecond,
		SilenceThreshold: appCfg.Batching.SilenceRMSThreshold,
	}
	if !appCfg.Batching.Enabled {
		// Disabled batching degenerates to one commit per inbound frame:
		// any non-empty append crosses a one-byte size trigger.
		batching.MaxBatchBytes = 1
	}

	return internal_pipeline.Config{
		IngressQueueMax: appCfg.Buffering.IngressQueueMax,
		EgressQueueMax:  appCfg.Buffering.EgressQueueMax,
		OverflowPolicy:  internal_queue.OverflowPolicy(appCfg.Buffering.OverflowPolicy),
		Batching:        batching,
		Control: internal_control.Config{
			PlaybackIdleTimeout: time.Duration(appCfg.Control.PlaybackIdleTimeoutMS) * time.Millisecond,
			VoiceHysteresis:     time.Duration(appCfg.Control.VoiceHysteresisMS) * time.Millisecond,
			SilenceThreshold:    time.Duration(appCfg.Control.SilenceThresholdMS) * time.Millisecond,
			Tick:                time.Duration(appCfg.Control.TickMS) * time.Millisecond,
		},
		InputAudio: internal_type.AudioConfig{
			SampleRateHz: appCfg.Audio.InputSampleRateHz,
			Channels:     1,
			Format:       internal_type.AudioFormatLinear16,
		},
		OutputAudio: internal_type.AudioConfig{
			SampleRateHz: appCfg.Audio.OutputSampleRateHz,
			Channels:     1,
			Format:       internal_type.AudioFormatLinear16,
		},
		DefaultProvider: appCfg.DefaultProvider,
		Providers:       providers,
	}
}
