// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_provider_openai speaks the OpenAI realtime WebSocket
// protocol and normalizes its events to the neutral provider vocabulary.
package internal_provider_openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	internal_audio "github.com/rapidaai/translate/api/translate-api/internal/audio"
	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
	"github.com/rapidaai/translate/pkg/utils"
)

// =============================================================================
// Realtime wire messages
// =============================================================================

// Client event types (adapter -> provider).
const (
	eventSessionUpdate  = "session.update"
	eventAudioAppend    = "input_audio_buffer.append"
	eventAudioCommit    = "input_audio_buffer.commit"
	eventResponseCancel = "response.cancel"
)

// Server event types (provider -> adapter) the adapter recognizes.
const (
	eventAudioDelta      = "response.audio.delta"
	eventTranscriptDelta = "response.audio_transcript.delta"
	eventTranscriptDone  = "response.audio_transcript.done"
	eventAudioDone       = "response.audio.done"
	eventResponseDone    = "response.done"
	eventError           = "error"
)

type sessionConfig struct {
	Modalities        []string `json:"modalities,omitempty"`
	Instructions      string   `json:"instructions,omitempty"`
	Voice             string   `json:"voice,omitempty"`
	InputAudioFormat  string   `json:"input_audio_format,omitempty"`
	OutputAudioFormat string   `json:"output_audio_format,omitempty"`
	// TurnDetection is always serialized; null disables server VAD because
	// commits are produced by our own batcher.
	TurnDetection interface{} `json:"turn_detection"`
}

// clientEvent is the outgoing message envelope.
type clientEvent struct {
	Type       string         `json:"type"`
	Session    *sessionConfig `json:"session,omitempty"`
	Audio      string         `json:"audio,omitempty"`
	ResponseID string         `json:"response_id,omitempty"`
}

// serverEvent is the incoming message envelope. Only the fields the
// normalizer consumes are modeled; everything else stays in the raw JSON.
type serverEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	ResponseID string `json:"response_id,omitempty"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Response   *struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"response,omitempty"`
	Error *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// =============================================================================
// Provider
// =============================================================================

const (
	DefaultEndpoint = "wss://api.openai.com/v1/realtime"
	DefaultModel    = "gpt-4o-realtime-preview"
	DefaultVoice    = "alloy"

	connectTimeout       = 10 * time.Second
	closeJoinTimeout     = 5 * time.Second
	maxMessageBytes      = 10 * 1024 * 1024
	maxReconnectAttempts = 5
	reconnectBaseBackoff = 250 * time.Millisecond

	// The realtime API speaks PCM16 at 24 kHz on both directions.
	defaultProviderRateHz = 24000
)

// ErrClosed is returned by SendCommit after Close.
var ErrClosed = errors.New("openai provider closed")

// Options carries everything the adapter needs from the factory.
type Options struct {
	SessionID  string
	Endpoint   string
	APIKey     string
	Model      string
	Settings   map[string]interface{}
	Inbound    *internal_bus.Bus[*internal_type.ProviderEvent]
	InputAudio internal_type.AudioConfig
	Logger     commons.Logger
}

// Provider is one realtime connection. The realtime session is a single
// audio stream, so responses carry no participant identity; the adapter
// stamps events with the participant of the most recent commit.
type Provider struct {
	opts         Options
	endpoint     string
	model        string
	voice        string
	providerRate int
	baseBackoff  time.Duration

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	reconnectMu sync.Mutex

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	mu              sync.Mutex
	lastParticipant string
}

// New builds an unconnected realtime adapter.
func New(opts Options) *Provider {
	endpoint := opts.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel
	}
	backoff := reconnectBaseBackoff
	if ms := utils.MapInt(opts.Settings, "reconnect_base_backoff_ms", 0); ms > 0 {
		backoff = time.Duration(ms) * time.Millisecond
	}
	return &Provider{
		opts:         opts,
		endpoint:     endpoint,
		model:        model,
		voice:        utils.MapString(opts.Settings, "voice", DefaultVoice),
		providerRate: utils.MapInt(opts.Settings, "provider_sample_rate_hz", defaultProviderRateHz),
		baseBackoff:  backoff,
		done:         make(chan struct{}),
	}
}

// Name implements the adapter contract.
func (p *Provider) Name() string { return "openai_realtime" }

// Start dials the realtime endpoint, configures the session and spawns the
// ingress reader. It returns once the socket is usable.
func (p *Provider) Start(ctx context.Context) error {
	start := time.Now()

	dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := p.establishConnection(dialCtx); err != nil {
		return err
	}
	if err := p.sendSessionUpdate(); err != nil {
		return fmt.Errorf("failed to configure realtime session: %w", err)
	}

	p.wg.Add(1)
	go p.readLoop()

	p.opts.Logger.Benchmark("openai_realtime.start", time.Since(start))
	p.opts.Logger.Infow("openai realtime provider connected",
		"session_id", p.opts.SessionID,
		"endpoint", p.endpoint,
		"model", p.model,
	)
	return nil
}

// SendCommit forwards one batched commit as an append + commit pair,
// resampled to the provider rate. A write failure triggers one reconnect
// cycle before the pair is retried.
func (p *Provider) SendCommit(ctx context.Context, commit *internal_type.AudioCommit) error {
	if p.isShuttingDown() {
		return ErrClosed
	}

	audio, err := p.egressAudio(commit.AudioBase64)
	if err != nil {
		return fmt.Errorf("commit %s: %w", commit.CommitID, err)
	}

	p.mu.Lock()
	p.lastParticipant = commit.ParticipantID
	p.mu.Unlock()

	sendPair := func() error {
		if err := p.sendEvent(clientEvent{Type: eventAudioAppend, Audio: audio}); err != nil {
			return err
		}
		return p.sendEvent(clientEvent{Type: eventAudioCommit})
	}

	if err := sendPair(); err != nil {
		conn := p.connection()
		p.opts.Logger.Warnw("realtime write failed, attempting reconnect",
			"session_id", p.opts.SessionID,
			"commit_id", commit.CommitID,
			"error", err,
		)
		if !p.reconnect(conn) {
			return fmt.Errorf("commit %s: %w", commit.CommitID, err)
		}
		if err := sendPair(); err != nil {
			return fmt.Errorf("commit %s after reconnect: %w", commit.CommitID, err)
		}
	}
	return nil
}

// Cancel asks the provider to stop the in-flight response. Cancelling an
// unknown or finished response is harmless; the provider's complaint is
// normalized and dropped. Safe after Close.
func (p *Provider) Cancel(ctx context.Context, responseID, reason string) error {
	if p.isShuttingDown() {
		return nil
	}
	p.opts.Logger.Infow("cancelling realtime response",
		"session_id", p.opts.SessionID,
		"response_id", responseID,
		"reason", reason,
	)
	return p.sendEvent(clientEvent{Type: eventResponseCancel, ResponseID: responseID})
}

// Close stops the reader, closes the socket and joins workers. Idempotent.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() {
		close(p.done)

		p.connMu.Lock()
		if p.conn != nil {
			_ = p.conn.Close()
			p.conn = nil
		}
		p.connMu.Unlock()

		joined := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(joined)
		}()
		select {
		case <-joined:
		case <-time.After(closeJoinTimeout):
			p.opts.Logger.Warnw("realtime reader did not stop before deadline",
				"session_id", p.opts.SessionID,
			)
		}
		p.opts.Logger.Infow("openai realtime provider closed", "session_id", p.opts.SessionID)
	})
	return nil
}

// =============================================================================
// Connection management
// =============================================================================

// establishConnection dials the realtime endpoint and swaps the live
// connection. The previous connection, if any, is closed.
func (p *Provider) establishConnection(ctx context.Context) error {
	wsURL, err := url.Parse(p.endpoint)
	if err != nil {
		return fmt.Errorf("failed to parse realtime URL: %w", err)
	}
	query := wsURL.Query()
	query.Set("model", p.model)
	wsURL.RawQuery = query.Encode()

	headers := http.Header{}
	if p.opts.APIKey != "" {
		headers.Set("Authorization", "Bearer "+p.opts.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{
		HandshakeTimeout: connectTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, wsURL.String(), headers)
	if err != nil {
		return fmt.Errorf("failed to connect to realtime endpoint: %w", err)
	}
	conn.SetReadLimit(maxMessageBytes)

	p.connMu.Lock()
	old := p.conn
	p.conn = conn
	p.connMu.Unlock()
	if old != nil {
		_ = old.Close()
	}
	return nil
}

func (p *Provider) connection() *websocket.Conn {
	p.connMu.Lock()
	defer p.connMu.Unlock()
	return p.conn
}

func (p *Provider) isShuttingDown() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// reconnect re-dials with exponential backoff, capped at five attempts.
// failed identifies the connection the caller observed the error on, so
// concurrent callers collapse into one reconnect cycle. Returns false when
// the adapter is closing or attempts are exhausted; exhaustion publishes a
// fatal provider error and closes the adapter.
func (p *Provider) reconnect(failed *websocket.Conn) bool {
	p.reconnectMu.Lock()
	defer p.reconnectMu.Unlock()

	if p.isShuttingDown() {
		return false
	}
	if p.connection() != failed {
		// Someone else already replaced the connection.
		return true
	}

	for attempt := 1; attempt <= maxReconnectAttempts; attempt++ {
		backoff := p.baseBackoff << (attempt - 1)
		select {
		case <-p.done:
			return false
		case <-time.After(backoff):
		}

		ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
		err := p.establishConnection(ctx)
		cancel()
		if err != nil {
			p.opts.Logger.Warnw("realtime reconnect attempt failed",
				"session_id", p.opts.SessionID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		if err := p.sendSessionUpdate(); err != nil {
			p.opts.Logger.Warnw("realtime reconfigure after reconnect failed",
				"session_id", p.opts.SessionID,
				"attempt", attempt,
				"error", err,
			)
			continue
		}
		p.opts.Logger.Infow("realtime connection re-established",
			"session_id", p.opts.SessionID,
			"attempt", attempt,
		)
		return true
	}

	p.opts.Logger.Errorw("realtime reconnect attempts exhausted",
		"session_id", p.opts.SessionID,
		"attempts", maxReconnectAttempts,
	)
	p.opts.Inbound.Publish(internal_type.NewProviderErrorEvent(
		commons.ErrCodeProviderFatal,
		"translation provider connection lost and could not be re-established",
	))
	go func() { _ = p.Close() }()
	return false
}

// =============================================================================
// Egress
// =============================================================================

func (p *Provider) sendSessionUpdate() error {
	instructions := fmt.Sprintf(
		"You are a realtime speech translator. Translate everything you hear from %s into %s and speak only the translation.",
		utils.MapString(p.opts.Settings, "source_language", "the source language"),
		utils.MapString(p.opts.Settings, "target_language", "the target language"),
	)
	return p.sendEvent(clientEvent{
		Type: eventSessionUpdate,
		Session: &sessionConfig{
			Modalities:        []string{"audio", "text"},
			Instructions:      instructions,
			Voice:             p.voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			TurnDetection:     nil,
		},
	})
}

// sendEvent safely writes one client event to the socket.
func (p *Provider) sendEvent(ev clientEvent) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	conn := p.connection()
	if conn == nil {
		return errors.New("realtime connection is nil")
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", ev.Type, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	return nil
}

// egressAudio converts session-rate commit audio to the provider rate.
func (p *Provider) egressAudio(audioBase64 string) (string, error) {
	if p.opts.InputAudio.SampleRateHz == p.providerRate {
		return audioBase64, nil
	}
	pcm, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		return "", fmt.Errorf("commit audio base64: %w", err)
	}
	resampled := internal_audio.ResampleLinear(pcm, p.opts.InputAudio.SampleRateHz, p.providerRate)
	return base64.StdEncoding.EncodeToString(resampled), nil
}

// =============================================================================
// Ingress
// =============================================================================

// readLoop pumps provider frames until close. Read failures outside
// shutdown go through the shared reconnect cycle.
func (p *Provider) readLoop() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		conn := p.connection()
		if conn == nil {
			return
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			if p.isShuttingDown() {
				return
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.opts.Logger.Debugw("realtime connection closed by provider",
					"session_id", p.opts.SessionID,
				)
				return
			}
			p.opts.Logger.Warnw("realtime read failed",
				"session_id", p.opts.SessionID,
				"error", err,
			)
			if !p.reconnect(conn) {
				return
			}
			continue
		}

		p.handleServerEvent(payload)
	}
}

// handleServerEvent normalizes one provider frame onto the inbound bus.
func (p *Provider) handleServerEvent(payload []byte) {
	var ev serverEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		p.opts.Logger.Warnw("undecodable realtime event",
			"session_id", p.opts.SessionID,
			"error", err,
		)
		return
	}

	switch ev.Type {
	case eventAudioDelta:
		p.opts.Inbound.Publish(internal_type.NewAudioDeltaEvent(
			p.participant(), ev.ResponseID, ev.Delta, p.providerRate,
		))

	case eventTranscriptDelta:
		p.opts.Inbound.Publish(internal_type.NewTextDeltaEvent(p.participant(), ev.Delta))

	case eventTranscriptDone:
		p.opts.Inbound.Publish(internal_type.NewTextDoneEvent(p.participant()))

	case eventAudioDone:
		p.opts.Inbound.Publish(internal_type.NewAudioDoneEvent(ev.ResponseID))

	case eventResponseDone:
		// Completed responses already produced response.audio.done; only the
		// cancelled status carries new information.
		if ev.Response != nil && ev.Response.Status == "cancelled" {
			p.opts.Inbound.Publish(internal_type.NewResponseCancelledEvent(ev.Response.ID))
		} else {
			p.opts.Logger.Debugw("realtime response completed",
				"session_id", p.opts.SessionID,
				"event", ev.Type,
			)
		}

	case eventError:
		code, message := commons.ErrCodeInternal, "provider error"
		if ev.Error != nil {
			message = ev.Error.Message
			if ev.Error.Code != "" {
				message = fmt.Sprintf("%s (%s)", ev.Error.Message, ev.Error.Code)
			}
		}
		p.opts.Logger.Warnw("realtime provider error event",
			"session_id", p.opts.SessionID,
			"message", message,
		)
		p.opts.Inbound.Publish(internal_type.NewProviderErrorEvent(code, message))

	default:
		p.opts.Logger.Debugw("unhandled realtime event",
			"session_id", p.opts.SessionID,
			"event", ev.Type,
		)
	}
}

func (p *Provider) participant() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.lastParticipant
}
