// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_session owns the lifetime of one translation call: the
// WebSocket receive loop, frame sequencing, first-frame provider binding
// and teardown. The Manager in this package tracks every live session.
package internal_session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	internal_capture "github.com/rapidaai/translate/api/translate-api/internal/capture"
	internal_pipeline "github.com/rapidaai/translate/api/translate-api/internal/pipeline"
	internal_provider "github.com/rapidaai/translate/api/translate-api/internal/provider"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	internal_wire "github.com/rapidaai/translate/api/translate-api/internal/wire"
	"github.com/rapidaai/translate/pkg/commons"
	"github.com/rapidaai/translate/pkg/utils"
)

// ErrSessionClosed is returned by SendFrame once teardown has closed the
// socket.
var ErrSessionClosed = errors.New("session: closed")

const closeTimeout = 10 * time.Second

// =============================================================================
// Session
// =============================================================================

// Session binds one peer connection to one pipeline. It implements the
// pipeline's WireSender so every outbound frame leaves through the same
// write mutex.
type Session struct {
	id     string
	conn   *websocket.Conn
	logger commons.Logger

	pipeline *internal_pipeline.Pipeline
	capture  *internal_capture.Capture

	defaultProvider string

	ctx    context.Context
	cancel context.CancelFunc

	writeMu  sync.Mutex
	sequence atomic.Uint64
	bound    atomic.Bool
	closed   atomic.Bool

	teardown sync.Once
	closeErr error
	onClosed func(id string)
}

// New builds a session over an upgraded connection. The pipeline is
// constructed here so the session is its wire sender and fatal handler;
// nothing runs until Start. Extra pipeline options, like a recorder,
// append after the session's own.
func New(
	id string,
	conn *websocket.Conn,
	cfg internal_pipeline.Config,
	capture *internal_capture.Capture,
	logger commons.Logger,
	onClosed func(id string),
	pipeOpts ...internal_pipeline.Option,
) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:              id,
		conn:            conn,
		logger:          logger,
		capture:         capture,
		defaultProvider: cfg.DefaultProvider,
		ctx:             ctx,
		cancel:          cancel,
		onClosed:        onClosed,
	}
	opts := append([]internal_pipeline.Option{
		internal_pipeline.WithFatalHandler(s.handleFatal),
	}, pipeOpts...)
	s.pipeline = internal_pipeline.New(id, cfg, s, logger, opts...)
	return s
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Snapshot returns the pipeline counters for the stats endpoint.
func (s *Session) Snapshot() internal_pipeline.Stats {
	return s.pipeline.Snapshot()
}

// Start brings the provider-independent half of the pipeline online.
func (s *Session) Start() error {
	return s.pipeline.StartPhaseOne()
}

// =============================================================================
// Receive loop
// =============================================================================

// Run reads peer frames until the connection drops or a fatal error tears
// the session down. It always leaves through Close, so the caller only has
// to call Run.
func (s *Session) Run() {
	defer func() {
		if err := s.Close(); err != nil {
			s.logger.Warnw("session teardown reported errors",
				"session_id", s.id,
				"error", err,
			)
		}
	}()

	s.logger.Infow("session started",
		"session_id", s.id,
		"remote_addr", s.conn.RemoteAddr().String(),
	)

	for {
		messageType, payload, err := s.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				s.logger.Infow("peer closed session", "session_id", s.id)
			case s.closed.Load():
				// Expected: teardown closed the socket under the reader.
				s.logger.Debugw("receive loop stopped", "session_id", s.id)
			default:
				s.logger.Warnw("session read failed",
					"session_id", s.id,
					"error", err,
				)
			}
			return
		}
		if messageType != websocket.TextMessage {
			s.logger.Debugw("ignoring non-text frame",
				"session_id", s.id,
				"message_type", messageType,
			)
			continue
		}

		s.capture.Inbound(payload)

		env, err := internal_wire.Decode(payload)
		if err != nil {
			s.logger.Warnw("malformed inbound frame",
				"session_id", s.id,
				"error", err,
			)
			continue
		}

		env.SessionID = s.id
		env.Sequence = s.sequence.Add(1)
		env.ReceivedAt = time.Now()

		if env.Kind == internal_type.FrameKindUnknown {
			s.logger.Debugw("dropping unknown frame kind",
				"session_id", s.id,
				"sequence", env.Sequence,
			)
			continue
		}

		if !s.bound.Load() {
			if err := s.bindProvider(env); err != nil {
				return
			}
		}
		s.pipeline.PublishInbound(env)
	}
}

// bindProvider resolves the provider from the first decoded frame and
// starts pipeline phase two. On failure the peer gets a single error frame
// and the caller tears the session down.
func (s *Session) bindProvider(env *internal_type.InboundEnvelope) error {
	// Settings on the first frame must be visible to resolution and to the
	// adapter snapshot before phase two runs; the bus would apply them too
	// late.
	if env.Settings != nil {
		s.pipeline.UpdateSettings(env.Settings)
	}

	metadata := s.pipeline.Metadata()
	if len(env.Metadata) > 0 {
		decoded, err := internal_type.DecodeSessionMetadata(env.Metadata)
		if err != nil {
			s.logger.Warnw("undecodable first-frame metadata",
				"session_id", s.id,
				"error", err,
			)
		} else {
			metadata = decoded
		}
	}

	providerName := internal_provider.Resolve(s.pipeline.Settings(), metadata, s.defaultProvider)
	started := time.Now()
	if err := s.pipeline.StartPhaseTwo(s.ctx, providerName); err != nil {
		code := commons.ErrCodeInitFailed
		message := fmt.Sprintf("failed to initialize translation provider %q", providerName)
		if errors.Is(err, internal_provider.ErrProviderUnavailable) {
			code = commons.ErrCodeProviderUnreachable
			message = fmt.Sprintf("translation provider %q is unreachable", providerName)
		}
		s.logger.Errorw("provider bind failed",
			"session_id", s.id,
			"provider", providerName,
			"code", code,
			"error", err,
		)
		if sendErr := s.SendFrame(internal_type.NewErrorFrame(code, message)); sendErr != nil {
			s.logger.Warnw("error frame delivery failed",
				"session_id", s.id,
				"error", sendErr,
			)
		}
		return err
	}

	s.bound.Store(true)
	s.logger.Benchmark("session.provider_bind", time.Since(started))
	return nil
}

// =============================================================================
// Wire sender
// =============================================================================

// SendFrame serializes one outbound frame onto the socket. It is the
// pipeline's WireSender; direct callers (bind failure) share the same path.
func (s *Session) SendFrame(frame *internal_type.OutboundFrame) error {
	payload, err := internal_wire.Encode(frame)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed.Load() {
		return ErrSessionClosed
	}
	s.capture.Outbound(payload)
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// handleFatal runs on a pipeline worker when the provider reports an
// unrecoverable error. The error frame is already queued ahead of us on
// the outbound bus; teardown flushes it before the socket closes.
func (s *Session) handleFatal(code, message string) {
	utils.Go(s.ctx, func() {
		_ = s.Close()
	})
}

// =============================================================================
// Teardown
// =============================================================================

// Close tears the session down exactly once: pipeline first so queued
// outbound frames flush, then the socket, then the manager callback.
// Subsequent calls return the first result.
func (s *Session) Close() error {
	s.teardown.Do(func() {
		s.logger.Infow("session closing", "session_id", s.id)
		started := time.Now()
		s.cancel()

		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()

		var errs []error
		if err := s.pipeline.Cleanup(ctx); err != nil {
			errs = append(errs, err)
		}

		s.writeMu.Lock()
		s.closed.Store(true)
		if err := s.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		); err != nil {
			s.logger.Debugw("close message not delivered",
				"session_id", s.id,
				"error", err,
			)
		}
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("connection close: %w", err))
		}
		s.writeMu.Unlock()

		if err := s.capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture close: %w", err))
		}

		s.closeErr = errors.Join(errs...)
		if s.onClosed != nil {
			s.onClosed(s.id)
		}
		s.logger.Infow("session closed",
			"session_id", s.id,
			"frames_received", s.sequence.Load(),
			"error", s.closeErr,
		)
		s.logger.Benchmark("session.close", time.Since(started))
	})
	return s.closeErr
}
