// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_pipeline

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_batcher "github.com/rapidaai/translate/api/translate-api/internal/batcher"
	internal_control "github.com/rapidaai/translate/api/translate-api/internal/control"
	internal_provider "github.com/rapidaai/translate/api/translate-api/internal/provider"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Helpers
// =============================================================================

type frameSink struct {
	frames chan *internal_type.OutboundFrame
}

func (s *frameSink) SendFrame(f *internal_type.OutboundFrame) error {
	s.frames <- f
	return nil
}

// testConfig pairs a fast duration trigger with an instant mock provider.
func testConfig() Config {
	return Config{
		Batching:        internal_batcher.Config{MaxBatchMS: 50},
		DefaultProvider: "mock",
		Providers: map[string]internal_provider.Config{
			"mock": {Type: internal_provider.TypeMock, Settings: map[string]interface{}{
				"response_delay_ms": 0,
				"audio_ms":          40,
				"text":              "hola mundo",
			}},
		},
	}
}

type pipeHarness struct {
	p      *Pipeline
	frames chan *internal_type.OutboundFrame
}

func newPipelineHarness(t *testing.T, cfg Config, opts ...Option) *pipeHarness {
	t.Helper()
	sink := &frameSink{frames: make(chan *internal_type.OutboundFrame, 1024)}
	p := New("session-1", cfg, sink, commons.NewNoOpLogger(), opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Cleanup(ctx)
	})
	return &pipeHarness{p: p, frames: sink.frames}
}

// pcmEnvelope builds an inbound audio frame carrying ms of
// constant-amplitude 16 kHz mono PCM16.
func pcmEnvelope(participantID string, ms int, amplitude int16) *internal_type.InboundEnvelope {
	raw := make([]byte, ms*32)
	for i := 0; i < len(raw); i += 2 {
		binary.LittleEndian.PutUint16(raw[i:], uint16(amplitude))
	}
	return &internal_type.InboundEnvelope{
		Kind:          internal_type.FrameKindAudio,
		SessionID:     "session-1",
		ParticipantID: participantID,
		Audio: &internal_type.AudioPayload{
			Base64:       base64.StdEncoding.EncodeToString(raw),
			SampleRateHz: 16000,
			Channels:     1,
		},
	}
}

func startBoth(t *testing.T, h *pipeHarness, provider string) {
	t.Helper()
	require.NoError(t, h.p.StartPhaseOne())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.p.StartPhaseTwo(ctx, provider))
}

// =============================================================================
// Staged startup
// =============================================================================

func TestPipeline_BuffersCommitsUntilProviderBinds(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	require.NoError(t, h.p.StartPhaseOne())

	h.p.PublishInbound(pcmEnvelope("p1", 60, 2500))
	require.Eventually(t, func() bool {
		return h.p.Snapshot().Commits == 1
	}, 2*time.Second, 10*time.Millisecond, "batching must run before phase two")

	// The commit waits in the egress queue; nothing reaches the peer.
	assertNoFrame(t, h.frames, 150*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.p.StartPhaseTwo(ctx, "mock"))

	var deltas []string
	var finalText string
	var audioFrames, doneFrames int
	var audioResponse, doneResponse string
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case f := <-h.frames:
			switch f.Type {
			case internal_type.FrameTextDelta:
				deltas = append(deltas, f.Text)
			case internal_type.FrameTextFinal:
				finalText = f.Text
			case internal_type.FrameAudio:
				audioFrames++
				audioResponse = f.ResponseID
			case internal_type.FrameResponseDone:
				doneFrames++
				doneResponse = f.ResponseID
				break collect
			}
		case <-deadline:
			t.Fatal("timed out waiting for the buffered commit to round-trip")
		}
	}

	assert.Equal(t, []string{"hola ", "mundo"}, deltas)
	assert.Equal(t, "hola mundo", finalText)
	assert.Equal(t, 2, audioFrames, "40 ms of tone in 20 ms chunks")
	assert.Equal(t, 1, doneFrames)
	assert.Equal(t, audioResponse, doneResponse)

	snap := h.p.Snapshot()
	assert.Equal(t, "phase_2", snap.Stage)
	assert.Equal(t, "mock", snap.Provider)
}

func TestPipeline_PreStartBufferIsBounded(t *testing.T) {
	cfg := testConfig()
	cfg.EgressQueueMax = 2
	h := newPipelineHarness(t, cfg)
	require.NoError(t, h.p.StartPhaseOne())

	for i := 0; i < 4; i++ {
		h.p.PublishInbound(pcmEnvelope("p1", 60, 2500))
	}
	require.Eventually(t, func() bool {
		return h.p.Snapshot().Commits == 4
	}, 2*time.Second, 10*time.Millisecond)

	// One commit may already sit with the parked worker; the rest obey the
	// queue bound and the overflow counter moves.
	backlog, ok := h.p.providerOutbound.QueueLen(handlerEgress)
	require.True(t, ok)
	assert.LessOrEqual(t, backlog, 2)

	_, rejected, ok := h.p.providerOutbound.Drops(handlerEgress)
	require.True(t, ok)
	assert.GreaterOrEqual(t, rejected, uint64(1))
}

func TestPipeline_StartPhaseOneTwiceFails(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	require.NoError(t, h.p.StartPhaseOne())
	require.ErrorIs(t, h.p.StartPhaseOne(), ErrAlreadyStarted)
}

func TestPipeline_PhaseTwoBeforePhaseOneFails(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	err := h.p.StartPhaseTwo(context.Background(), "mock")
	require.ErrorIs(t, err, ErrPhaseOneNotStarted)
}

func TestPipeline_PhaseTwoUnknownProviderFails(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	require.NoError(t, h.p.StartPhaseOne())

	err := h.p.StartPhaseTwo(context.Background(), "missing")
	require.ErrorIs(t, err, internal_provider.ErrUnknownProvider)
	assert.Equal(t, internal_type.StagePhaseOne, h.p.Stage())
}

func TestPipeline_PhaseTwoIdempotent(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	startBoth(t, h, "mock")

	require.NoError(t, h.p.StartPhaseTwo(context.Background(), "mock"))
	assert.Equal(t, internal_type.StagePhaseTwo, h.p.Stage())
}

func TestPipeline_UnreachableProviderSurfacesTypedError(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["openai"] = internal_provider.Config{
		Type:     internal_provider.TypeOpenAIRealtime,
		Endpoint: "ws://127.0.0.1:1",
		APIKey:   "test-key",
	}
	h := newPipelineHarness(t, cfg)
	require.NoError(t, h.p.StartPhaseOne())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	err := h.p.StartPhaseTwo(ctx, "openai")
	require.ErrorIs(t, err, internal_provider.ErrProviderUnavailable)
	assert.Equal(t, internal_type.StagePhaseOne, h.p.Stage())
}

// =============================================================================
// Gate and audio drop
// =============================================================================

func TestPipeline_GateDropsAudioOnly(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	require.NoError(t, h.p.StartPhaseOne())

	h.p.SetOutboundGate(false, "hold")
	h.p.PublishOutbound(internal_type.NewAudioFrame("p1", "r1", "AAAA"))
	h.p.PublishOutbound(internal_type.NewTextDeltaFrame("p1", "hi", 1))

	f := nextFrame(t, h.frames)
	assert.Equal(t, internal_type.FrameTextDelta, f.Type, "text passes a closed gate")

	// FIFO on the sender queue: the text frame arriving proves the audio
	// frame was already judged.
	snap := h.p.Snapshot()
	assert.Equal(t, uint64(1), snap.GatedAudioDrops)
	assert.Equal(t, string(internal_control.PlaybackGateClosed), snap.PlaybackState)

	h.p.SetOutboundGate(true, "resume")
	assert.Equal(t, string(internal_control.PlaybackIdle), h.p.Snapshot().PlaybackState)
}

type blockingSender struct {
	mu      sync.Mutex
	sent    []string
	entered chan struct{}
	unblock chan struct{}
}

func (s *blockingSender) SendFrame(f *internal_type.OutboundFrame) error {
	s.entered <- struct{}{}
	<-s.unblock
	s.mu.Lock()
	s.sent = append(s.sent, f.Type)
	s.mu.Unlock()
	return nil
}

func (s *blockingSender) sentTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func TestPipeline_DropOutboundAudioDrainsQueuedAudioOnly(t *testing.T) {
	sender := &blockingSender{
		entered: make(chan struct{}, 16),
		unblock: make(chan struct{}),
	}
	var once sync.Once
	release := func() { once.Do(func() { close(sender.unblock) }) }
	t.Cleanup(release)

	p := New("session-1", testConfig(), sender, commons.NewNoOpLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = p.Cleanup(ctx)
	})
	require.NoError(t, p.StartPhaseOne())

	p.PublishOutbound(internal_type.NewAudioFrame("p1", "r1", "AAAA"))
	<-sender.entered // the worker now holds the first audio frame mid-send

	p.PublishOutbound(internal_type.NewAudioFrame("p1", "r1", "BBBB"))
	p.PublishOutbound(internal_type.NewTextDeltaFrame("p1", "keep me", 1))
	p.PublishOutbound(internal_type.NewAudioFrame("p1", "r1", "CCCC"))
	require.Eventually(t, func() bool {
		n, _ := p.acsOutbound.QueueLen(handlerWireSender)
		return n == 3
	}, time.Second, 5*time.Millisecond)

	p.DropOutboundAudio("barge_in")

	backlog, ok := p.acsOutbound.QueueLen(handlerWireSender)
	require.True(t, ok)
	assert.Equal(t, 1, backlog, "only the text frame survives the drain")

	release()
	require.Eventually(t, func() bool {
		got := sender.sentTypes()
		return len(got) == 2 &&
			got[0] == internal_type.FrameAudio &&
			got[1] == internal_type.FrameTextDelta
	}, time.Second, 5*time.Millisecond, "in-flight audio and queued text still deliver")
}

// =============================================================================
// Settings and metadata
// =============================================================================

func TestPipeline_SettingsHotUpdateDoesNotRebindProvider(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	startBoth(t, h, "mock")

	h.p.PublishInbound(&internal_type.InboundEnvelope{
		Kind:      internal_type.FrameKindSettings,
		SessionID: "session-1",
		Settings: &internal_type.TranslationSettings{
			Provider: "openai_realtime",
			Voice:    "alloy",
		},
	})

	require.Eventually(t, func() bool {
		s := h.p.Settings()
		return s != nil && s.Voice == "alloy"
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, "mock", h.p.Snapshot().Provider, "an established binding stays")
}

func TestPipeline_MetadataRecordedFromFrames(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	require.NoError(t, h.p.StartPhaseOne())

	env := pcmEnvelope("p1", 10, 100)
	env.Metadata = map[string]interface{}{
		"provider":      "mock",
		"feature_flags": map[string]interface{}{"translation_provider": "legacy"},
	}
	h.p.PublishInbound(env)

	require.Eventually(t, func() bool {
		m := h.p.Metadata()
		return m != nil && m.Provider == "mock" && m.ProviderFromFlags() == "legacy"
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Barge-in end to end
// =============================================================================

func TestPipeline_BargeInCancelsActiveResponse(t *testing.T) {
	cfg := testConfig()
	cfg.Providers["mock"] = internal_provider.Config{
		Type: internal_provider.TypeMock,
		Settings: map[string]interface{}{
			"response_delay_ms": 0,
			"audio_ms":          5000,
			"text":              "uno dos",
		},
	}
	h := newPipelineHarness(t, cfg)
	startBoth(t, h, "mock")

	// First voiced commit starts a long mock response and marks voice onset.
	h.p.PublishInbound(pcmEnvelope("p1", 60, 2500))
	require.Eventually(t, func() bool {
		return h.p.Snapshot().PlaybackState == string(internal_control.PlaybackSpeaking)
	}, 2*time.Second, 10*time.Millisecond)

	// Grab the active response id from its audio stream.
	var activeResponse string
	deadline := time.After(2 * time.Second)
	for activeResponse == "" {
		select {
		case f := <-h.frames:
			if f.Type == internal_type.FrameAudio {
				activeResponse = f.ResponseID
			}
		case <-deadline:
			t.Fatal("timed out waiting for mock audio")
		}
	}

	// Sustained voice past the hysteresis window while playback speaks.
	time.Sleep(200 * time.Millisecond)
	h.p.PublishInbound(pcmEnvelope("p1", 60, 2500))

	require.Eventually(t, func() bool {
		return h.p.Snapshot().InputState == string(internal_control.InputSpeaking)
	}, 2*time.Second, 10*time.Millisecond)

	// The cancelled response surfaces to the peer as response.done.
	deadline = time.After(3 * time.Second)
	for {
		select {
		case f := <-h.frames:
			if f.Type == internal_type.FrameResponseDone && f.ResponseID == activeResponse {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for the cancelled response to close")
		}
	}
}

// =============================================================================
// Fatal errors and cleanup
// =============================================================================

func TestPipeline_FatalProviderErrorEscalates(t *testing.T) {
	fatalCh := make(chan string, 1)
	h := newPipelineHarness(t, testConfig(), WithFatalHandler(func(code, message string) {
		fatalCh <- code
	}))
	require.NoError(t, h.p.StartPhaseOne())

	h.p.providerInbound.Publish(internal_type.NewProviderErrorEvent(commons.ErrCodeInternal, "hiccup"))
	f := nextFrame(t, h.frames)
	assert.Equal(t, internal_type.FrameError, f.Type)
	assert.Equal(t, commons.ErrCodeInternal, f.Code)
	select {
	case <-fatalCh:
		t.Fatal("transient errors must not escalate")
	case <-time.After(100 * time.Millisecond):
	}

	h.p.providerInbound.Publish(internal_type.NewProviderErrorEvent(commons.ErrCodeProviderFatal, "socket lost"))
	f = nextFrame(t, h.frames)
	assert.Equal(t, commons.ErrCodeProviderFatal, f.Code)
	select {
	case code := <-fatalCh:
		assert.Equal(t, commons.ErrCodeProviderFatal, code)
	case <-time.After(2 * time.Second):
		t.Fatal("fatal error never escalated")
	}
}

func TestPipeline_CleanupReleasesParkedEgress(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	require.NoError(t, h.p.StartPhaseOne())

	h.p.PublishInbound(pcmEnvelope("p1", 60, 2500))
	require.Eventually(t, func() bool {
		return h.p.Snapshot().Commits == 1
	}, 2*time.Second, 10*time.Millisecond)

	// The egress worker is parked waiting for an adapter that never comes.
	started := time.Now()
	require.NoError(t, h.p.Cleanup(context.Background()))
	assert.Less(t, time.Since(started), 3*time.Second)
}

func TestPipeline_CleanupIdempotent(t *testing.T) {
	h := newPipelineHarness(t, testConfig())
	startBoth(t, h, "mock")

	require.NoError(t, h.p.Cleanup(context.Background()))
	require.NoError(t, h.p.Cleanup(context.Background()))

	// Publishing into a torn-down pipeline is inert.
	h.p.PublishInbound(pcmEnvelope("p1", 10, 100))
	h.p.PublishOutbound(internal_type.NewTextDeltaFrame("p1", "late", 1))
}
