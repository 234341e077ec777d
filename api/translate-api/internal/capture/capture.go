// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_capture dumps the raw wire traffic of one session to a
// JSONL file for offline inspection. A nil *Capture is a valid no-op, so
// callers record unconditionally and the config decides whether anything
// lands on disk.
package internal_capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rapidaai/translate/pkg/commons"
)

// Frame directions as written to the capture file.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

type record struct {
	Direction string    `json:"direction"`
	TS        time.Time `json:"ts"`
	// Payload holds the frame verbatim when it is valid JSON.
	Payload json.RawMessage `json:"payload,omitempty"`
	// Raw holds frames that did not parse, base64 encoded. The receive loop
	// tolerates malformed frames, so the capture must too.
	Raw []byte `json:"raw,omitempty"`
}

// Capture appends wire frames for one session to <directory>/<session>.jsonl.
type Capture struct {
	sessionID string
	path      string
	logger    commons.Logger

	mu     sync.Mutex
	file   *os.File
	enc    *json.Encoder
	closed bool
}

// New opens the capture file for a session, creating the directory as
// needed.
func New(sessionID, directory string, logger commons.Logger) (*Capture, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("capture: create directory: %w", err)
	}
	path := filepath.Join(directory, sessionID+".jsonl")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("capture: create file: %w", err)
	}

	logger.Infow("wire capture enabled",
		"session_id", sessionID,
		"path", path,
	)
	return &Capture{
		sessionID: sessionID,
		path:      path,
		logger:    logger,
		file:      file,
		enc:       json.NewEncoder(file),
	}, nil
}

// Path returns the capture file location.
func (c *Capture) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// Inbound records one raw peer frame.
func (c *Capture) Inbound(payload []byte) {
	c.write(DirectionInbound, payload)
}

// Outbound records one serialized frame sent to the peer.
func (c *Capture) Outbound(payload []byte) {
	c.write(DirectionOutbound, payload)
}

func (c *Capture) write(direction string, payload []byte) {
	if c == nil {
		return
	}
	rec := record{Direction: direction, TS: time.Now().UTC()}
	if json.Valid(payload) {
		rec.Payload = json.RawMessage(payload)
	} else {
		rec.Raw = payload
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if err := c.enc.Encode(&rec); err != nil {
		c.logger.Warnw("wire capture write failed",
			"session_id", c.sessionID,
			"direction", direction,
			"error", err,
		)
	}
}

// Close flushes and closes the capture file. Idempotent.
func (c *Capture) Close() error {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	err := c.file.Close()
	c.logger.Infow("wire capture closed",
		"session_id", c.sessionID,
		"path", c.path,
	)
	return err
}
