// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_recorder renders one stereo WAV per session: the left
// channel carries participant audio, the right channel the translated
// audio returned by the provider. Chunks are placed on a shared timeline
// anchored at Start, so silence in the call is silence in the file.
package internal_recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	internal_audio "github.com/rapidaai/translate/api/translate-api/internal/audio"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

const (
	audioBytesPerSample = 2  // PCM16
	audioBitsPerSample  = 16 // PCM16
	wavPCMFormat        = 1  // WAV format tag

	trackInbound  = 0
	trackOutbound = 1
)

// chunk is one audio fragment placed at a byte position on the timeline.
type chunk struct {
	byteOffset int
	data       []byte
	track      int
}

// Recorder accumulates timeline-placed PCM for one session and renders
// <directory>/<session>.wav on Stop.
type Recorder struct {
	sessionID string
	path      string
	audio     internal_type.AudioConfig
	logger    commons.Logger

	mu      sync.Mutex
	started bool
	stopped bool
	startMS int64
	chunks  []chunk

	// Inbound placement is wall-clock per participant so simultaneous
	// speakers overlap and mix instead of queueing behind each other.
	// Outbound audio arrives in provider bursts and is paced at the
	// playback rate from one cursor.
	inCursor  map[string]int
	outCursor int

	epoch time.Time
	nowMS func() int64
}

// Option mutates construction-time behavior.
type Option func(*Recorder)

// WithClock overrides the monotonic millisecond clock. Tests use it to
// make timeline placement deterministic.
func WithClock(nowMS func() int64) Option {
	return func(r *Recorder) {
		r.nowMS = nowMS
	}
}

// New prepares a recorder writing to <directory>/<sessionID>.wav. The
// audio config is the canvas format; outbound audio at other rates is
// resampled onto it.
func New(
	sessionID, directory string,
	audio internal_type.AudioConfig,
	logger commons.Logger,
	opts ...Option,
) (*Recorder, error) {
	if err := os.MkdirAll(directory, 0o755); err != nil {
		return nil, fmt.Errorf("recorder: create directory: %w", err)
	}
	if audio.SampleRateHz == 0 {
		audio = internal_type.NewLinear16khzMonoAudioConfig()
	}

	r := &Recorder{
		sessionID: sessionID,
		path:      filepath.Join(directory, sessionID+".wav"),
		audio:     audio,
		logger:    logger,
		inCursor:  make(map[string]int),
		epoch:     time.Now(),
	}
	r.nowMS = func() int64 { return time.Since(r.epoch).Milliseconds() }

	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Path returns the output file location.
func (r *Recorder) Path() string {
	return r.path
}

// Start anchors the timeline. Chunks appended before Start land at offset
// zero.
func (r *Recorder) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return
	}
	r.started = true
	r.startMS = r.nowMS()
	r.logger.Infow("session recording started",
		"session_id", r.sessionID,
		"path", r.path,
		"sample_rate_hz", r.audio.SampleRateHz,
	)
}

// wallOffsetLocked converts "now" to a sample-aligned byte offset on the
// timeline.
func (r *Recorder) wallOffsetLocked() int {
	if !r.started {
		return 0
	}
	elapsed := r.nowMS() - r.startMS
	if elapsed < 0 {
		return 0
	}
	raw := int(elapsed) * r.audio.BytesPerMS()
	return (raw / audioBytesPerSample) * audioBytesPerSample
}

// AppendInbound places participant audio at its arrival time. Audio from
// one participant never overlaps itself; audio from different
// participants may, and is mixed at render time.
func (r *Recorder) AppendInbound(participantID string, pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	offset := r.wallOffsetLocked()
	if cursor := r.inCursor[participantID]; cursor > offset {
		offset = cursor
	}
	r.appendLocked(trackInbound, offset, pcm)
	r.inCursor[participantID] = offset + len(pcm)
}

// AppendOutbound places translated audio. Providers deliver faster than
// real time, so only the first chunk after a gap anchors at wall clock;
// burst continuations are paced from the cursor to stay contiguous.
func (r *Recorder) AppendOutbound(pcm []byte, sampleRateHz int) {
	if len(pcm) == 0 {
		return
	}
	if sampleRateHz != 0 && sampleRateHz != r.audio.SampleRateHz {
		pcm = internal_audio.ResampleLinear(pcm, sampleRateHz, r.audio.SampleRateHz)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return
	}

	offset := r.wallOffsetLocked()
	if r.outCursor > offset {
		offset = r.outCursor
	}
	r.appendLocked(trackOutbound, offset, pcm)
	r.outCursor = offset + len(pcm)
}

func (r *Recorder) appendLocked(track, offset int, pcm []byte) {
	buf := make([]byte, len(pcm))
	copy(buf, pcm)
	r.chunks = append(r.chunks, chunk{byteOffset: offset, data: buf, track: track})
}

// Stop renders the stereo WAV and writes it. A session with no audio
// writes nothing. Idempotent; appends after Stop are discarded.
func (r *Recorder) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	r.stopped = true

	if len(r.chunks) == 0 {
		r.logger.Infow("session recording empty, skipping file",
			"session_id", r.sessionID,
		)
		return nil
	}

	// The canvas spans the full session, or the furthest chunk if audio
	// outlived the wall clock.
	totalLen := r.wallOffsetLocked()
	for _, c := range r.chunks {
		if end := c.byteOffset + len(c.data); end > totalLen {
			totalLen = end
		}
	}

	inbound := make([]byte, totalLen)
	outbound := make([]byte, totalLen)
	inboundBytes, outboundBytes := 0, 0
	for _, c := range r.chunks {
		if c.track == trackInbound {
			mixInto(inbound, c.byteOffset, c.data)
			inboundBytes += len(c.data)
		} else {
			mixInto(outbound, c.byteOffset, c.data)
			outboundBytes += len(c.data)
		}
	}

	wav := renderStereoWAV(inbound, outbound, r.audio.SampleRateHz)
	if err := os.WriteFile(r.path, wav, 0o644); err != nil {
		return fmt.Errorf("recorder: write %s: %w", r.path, err)
	}

	r.logger.Infow("session recording written",
		"session_id", r.sessionID,
		"path", r.path,
		"duration_ms", r.audio.DurationMS(totalLen),
		"inbound_bytes", inboundBytes,
		"outbound_bytes", outboundBytes,
		"chunks", len(r.chunks),
	)
	return nil
}

// mixInto adds pcm onto dst at offset with int16 saturation, so
// overlapping speakers blend instead of replacing each other.
func mixInto(dst []byte, offset int, pcm []byte) {
	for i := 0; i+1 < len(pcm); i += 2 {
		at := offset + i
		if at+1 >= len(dst) {
			return
		}
		sum := int32(int16(binary.LittleEndian.Uint16(dst[at:]))) +
			int32(int16(binary.LittleEndian.Uint16(pcm[i:])))
		if sum > 32767 {
			sum = 32767
		} else if sum < -32768 {
			sum = -32768
		}
		binary.LittleEndian.PutUint16(dst[at:], uint16(int16(sum)))
	}
}

// renderStereoWAV interleaves two equal-length mono tracks into one PCM16
// stereo WAV: inbound left, outbound right.
func renderStereoWAV(inbound, outbound []byte, sampleRateHz int) []byte {
	samples := len(inbound) / audioBytesPerSample
	data := make([]byte, samples*2*audioBytesPerSample)
	for i := 0; i < samples; i++ {
		copy(data[i*4:], inbound[i*2:i*2+2])
		copy(data[i*4+2:], outbound[i*2:i*2+2])
	}

	const channels = 2
	byteRate := sampleRateHz * channels * audioBytesPerSample

	var buf bytes.Buffer
	buf.WriteString("RIFF")
	binary.Write(&buf, binary.LittleEndian, uint32(36+len(data)))
	buf.WriteString("WAVE")

	buf.WriteString("fmt ")
	binary.Write(&buf, binary.LittleEndian, uint32(16))
	binary.Write(&buf, binary.LittleEndian, uint16(wavPCMFormat))
	binary.Write(&buf, binary.LittleEndian, uint16(channels))
	binary.Write(&buf, binary.LittleEndian, uint32(sampleRateHz))
	binary.Write(&buf, binary.LittleEndian, uint32(byteRate))
	binary.Write(&buf, binary.LittleEndian, uint16(channels*audioBytesPerSample))
	binary.Write(&buf, binary.LittleEndian, uint16(audioBitsPerSample))

	buf.WriteString("data")
	binary.Write(&buf, binary.LittleEndian, uint32(len(data)))
	buf.Write(data)
	return buf.Bytes()
}
