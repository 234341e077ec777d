// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.
package translate_client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	commons "github.com/rapidaai/translate/pkg/commons"
)

// Wire frame discriminators. These mirror the translate-api protocol; the
// client speaks JSON over one WebSocket and never sees server internals.
const (
	KindAudioData       = "AudioData"
	TypeControlSettings = "control.test.settings"

	FrameTextDelta    = "translation.text_delta"
	FrameTextFinal    = "translation.text_final"
	FrameAudio        = "translation.audio"
	FrameResponseDone = "translation.response.done"
	FrameError        = "error"
)

// Settings selects the provider and language pair for the session. Zero
// fields are omitted from the frame.
type Settings struct {
	Provider       string `json:"provider,omitempty"`
	SourceLanguage string `json:"source_language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	Voice          string `json:"voice,omitempty"`
}

// ServerFrame is one frame received from the stream.
type ServerFrame struct {
	Type          string `json:"type"`
	ParticipantID string `json:"participantRawID,omitempty"`
	ResponseID    string `json:"responseId,omitempty"`
	Text          string `json:"text,omitempty"`
	Sequence      uint64 `json:"sequence,omitempty"`
	Data          string `json:"data,omitempty"`
	Code          string `json:"code,omitempty"`
	Message       string `json:"message,omitempty"`
}

// PCM decodes the frame's audio payload.
func (f *ServerFrame) PCM() ([]byte, error) {
	return base64.StdEncoding.DecodeString(f.Data)
}

type TranslateStreamClient interface {
	// SendAudio streams one PCM16 chunk for a participant. The optional
	// metadata map rides on the frame; the first frame's metadata can
	// select the provider.
	SendAudio(participantID string, pcm []byte, metadata map[string]interface{}) error
	// SendSettings updates the session translation settings.
	SendSettings(settings Settings) error
	// Receive blocks for the next server frame.
	Receive() (*ServerFrame, error)
	Close() error
}

type translateStreamClient struct {
	logger commons.Logger
	conn   *websocket.Conn

	sampleRateHz int
	channels     int
	encoding     string

	writeMu sync.Mutex
	closed  bool
}

// Option configures the client before it dials.
type Option func(*translateStreamClient)

// WithAudioFormat overrides the advertised input format. The default is
// 16 kHz mono linear16.
func WithAudioFormat(sampleRateHz, channels int, encoding string) Option {
	return func(c *translateStreamClient) {
		c.sampleRateHz = sampleRateHz
		c.channels = channels
		c.encoding = encoding
	}
}

// NewTranslateStreamClient dials the stream endpoint and returns a client
// bound to the new session.
func NewTranslateStreamClient(ctx context.Context, endpoint string, logger commons.Logger, opts ...Option) (TranslateStreamClient, error) {
	client := &translateStreamClient{
		logger:       logger,
		sampleRateHz: 16000,
		channels:     1,
		encoding:     "linear16",
	}
	for _, opt := range opts {
		opt(client)
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, endpoint, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("translate client: dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("translate client: dial %s: %w", endpoint, err)
	}
	client.conn = conn
	return client, nil
}

func (client *translateStreamClient) SendAudio(participantID string, pcm []byte, metadata map[string]interface{}) error {
	frame := map[string]interface{}{
		"kind": KindAudioData,
		"audioData": map[string]interface{}{
			"participantRawID": participantID,
			"data":             base64.StdEncoding.EncodeToString(pcm),
			"timestamp":        time.Now().UTC().Format(time.RFC3339Nano),
			"sampleRate":       client.sampleRateHz,
			"channels":         client.channels,
			"encoding":         client.encoding,
		},
	}
	if len(metadata) > 0 {
		frame["metadata"] = metadata
	}
	return client.writeJSON(frame)
}

func (client *translateStreamClient) SendSettings(settings Settings) error {
	frame := map[string]interface{}{
		"type": TypeControlSettings,
	}
	if settings.Provider != "" {
		frame["provider"] = settings.Provider
	}
	if settings.SourceLanguage != "" {
		frame["source_language"] = settings.SourceLanguage
	}
	if settings.TargetLanguage != "" {
		frame["target_language"] = settings.TargetLanguage
	}
	if settings.Voice != "" {
		frame["voice"] = settings.Voice
	}
	return client.writeJSON(frame)
}

func (client *translateStreamClient) writeJSON(frame map[string]interface{}) error {
	payload, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("translate client: encode frame: %w", err)
	}

	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	if client.closed {
		return fmt.Errorf("translate client: connection closed")
	}
	return client.conn.WriteMessage(websocket.TextMessage, payload)
}

func (client *translateStreamClient) Receive() (*ServerFrame, error) {
	for {
		messageType, payload, err := client.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var frame ServerFrame
		if err := json.Unmarshal(payload, &frame); err != nil {
			client.logger.Warnf("translate client: undecodable frame: %v", err)
			continue
		}
		return &frame, nil
	}
}

func (client *translateStreamClient) Close() error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()
	if client.closed {
		return nil
	}
	client.closed = true
	_ = client.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return client.conn.Close()
}
