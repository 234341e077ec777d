// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_control

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Helpers
// =============================================================================

type cancelCall struct {
	responseID string
	reason     string
}

type gateCall struct {
	open   bool
	reason string
}

type fakeActuator struct {
	mu      sync.Mutex
	cancels []cancelCall
	drops   []string
	gates   []gateCall
	flushes []string
}

func (f *fakeActuator) SetOutboundGate(open bool, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gates = append(f.gates, gateCall{open: open, reason: reason})
}

func (f *fakeActuator) DropOutboundAudio(reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drops = append(f.drops, reason)
}

func (f *fakeActuator) CancelProviderResponse(responseID, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels = append(f.cancels, cancelCall{responseID: responseID, reason: reason})
}

func (f *fakeActuator) FlushInboundBuffers(participantID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes = append(f.flushes, participantID)
}

func (f *fakeActuator) cancelCalls() []cancelCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]cancelCall(nil), f.cancels...)
}

func (f *fakeActuator) dropCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.drops...)
}

type harness struct {
	plane    *Plane
	actuator *fakeActuator
	clock    *atomic.Int64
}

// newHarness builds a plane on a frozen injectable clock. The tick loop is
// not started; tests drive idle checks through events to stay deterministic.
func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	actuator := &fakeActuator{}
	clock := &atomic.Int64{}
	plane := New("session-1", cfg, actuator, commons.NewNoOpLogger(), WithClock(clock.Load))
	t.Cleanup(plane.Stop)
	return &harness{plane: plane, actuator: actuator, clock: clock}
}

func audioDelta(responseID string) *internal_type.ProviderEvent {
	return internal_type.NewAudioDeltaEvent("p1", responseID, "", 24000)
}

func voicedCommit() *internal_type.AudioCommit {
	return &internal_type.AudioCommit{
		CommitID:      "c-voiced",
		SessionID:     "session-1",
		ParticipantID: "p1",
		Metadata:      internal_type.CommitMetadata{IsSilence: false},
	}
}

func silentCommit() *internal_type.AudioCommit {
	return &internal_type.AudioCommit{
		CommitID:      "c-silent",
		SessionID:     "session-1",
		ParticipantID: "p1",
		Metadata:      internal_type.CommitMetadata{IsSilence: true},
	}
}

// =============================================================================
// Playback machine
// =============================================================================

func TestPlayback_AudioDeltaStartsSpeaking(t *testing.T) {
	h := newHarness(t, Config{})

	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())

	h.plane.HandleProviderEvent(audioDelta("r1"))

	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())
	assert.Equal(t, "r1", h.plane.CurrentResponseID())
}

func TestPlayback_IdleTimeoutClearsResponse(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))

	// Exactly at the threshold the session is still speaking.
	h.clock.Store(500)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())

	h.clock.Store(501)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())
	assert.Empty(t, h.plane.CurrentResponseID())
}

func TestPlayback_SameResponseDeltaRefreshesIdleClock(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.clock.Store(400)
	h.plane.HandleProviderEvent(audioDelta("r1"))

	h.clock.Store(850)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState(), "450 ms since last delta")

	h.clock.Store(950)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState(), "550 ms since last delta")
}

func TestPlayback_AudioDoneKeepsSpeakingUntilIdle(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.plane.HandleProviderEvent(internal_type.NewAudioDoneEvent("r1"))

	// Queued audio may still be draining to the peer.
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())
	assert.Equal(t, "r1", h.plane.CurrentResponseID())

	h.clock.Store(501)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())
	assert.Empty(t, h.plane.CurrentResponseID())
}

func TestPlayback_NewResponseIDIsImplicitBargeIn(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.plane.HandleProviderEvent(audioDelta("r2"))

	require.Equal(t, []cancelCall{{responseID: "r1", reason: "implicit_barge_in"}}, h.actuator.cancelCalls())
	require.Equal(t, []string{"implicit_barge_in"}, h.actuator.dropCalls())
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())
	assert.Equal(t, "r2", h.plane.CurrentResponseID())
}

func TestPlayback_CancelledResponseGoesIdle(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.plane.HandleProviderEvent(internal_type.NewResponseCancelledEvent("r9"))
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState(), "other responses do not affect playback")

	h.plane.HandleProviderEvent(internal_type.NewResponseCancelledEvent("r1"))
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())
	assert.Empty(t, h.plane.CurrentResponseID())
}

func TestPlayback_TickerEnforcesIdleTimeout(t *testing.T) {
	actuator := &fakeActuator{}
	plane := New("session-1", Config{PlaybackIdleTimeout: 80 * time.Millisecond, Tick: 10 * time.Millisecond},
		actuator, commons.NewNoOpLogger())
	t.Cleanup(plane.Stop)
	plane.Start()

	plane.HandleProviderEvent(audioDelta("r1"))
	require.Equal(t, PlaybackSpeaking, plane.PlaybackState())

	// No further events at all: the tick loop alone must notice the gap.
	require.Eventually(t, func() bool {
		return plane.PlaybackState() == PlaybackIdle
	}, 500*time.Millisecond, 5*time.Millisecond)
	assert.Empty(t, plane.CurrentResponseID())
}

// =============================================================================
// Input machine
// =============================================================================

func TestInput_HysteresisRequiresSustainedVoice(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleCommit(voicedCommit())
	assert.Equal(t, InputSilent, h.plane.InputState(), "first voiced commit only marks onset")

	h.clock.Store(50)
	h.plane.HandleCommit(voicedCommit())
	assert.Equal(t, InputSilent, h.plane.InputState(), "50 ms of voice is under the bar")

	h.clock.Store(100)
	h.plane.HandleCommit(voicedCommit())
	assert.Equal(t, InputSpeaking, h.plane.InputState())
}

func TestInput_SilentCommitResetsPendingOnset(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleCommit(voicedCommit())
	h.clock.Store(20)
	h.plane.HandleCommit(silentCommit())

	// The burst restarts from scratch.
	h.clock.Store(110)
	h.plane.HandleCommit(voicedCommit())
	h.clock.Store(209)
	h.plane.HandleCommit(voicedCommit())
	assert.Equal(t, InputSilent, h.plane.InputState(), "99 ms since the new onset")

	h.clock.Store(210)
	h.plane.HandleCommit(voicedCommit())
	assert.Equal(t, InputSpeaking, h.plane.InputState())
}

func TestInput_ReturnsToSilentAfterSustainedSilence(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleCommit(voicedCommit())
	h.clock.Store(100)
	h.plane.HandleCommit(voicedCommit())
	require.Equal(t, InputSpeaking, h.plane.InputState())

	h.clock.Store(200)
	h.plane.HandleCommit(voicedCommit())

	h.clock.Store(500)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, InputSpeaking, h.plane.InputState(), "300 ms of silence is under the threshold")

	h.clock.Store(551)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, InputSilent, h.plane.InputState())
}

// =============================================================================
// Barge-in
// =============================================================================

func TestBargeIn_CancelsAndDropsExactlyOnce(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	require.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())

	h.clock.Store(10)
	h.plane.HandleCommit(voicedCommit())
	h.clock.Store(110)
	h.plane.HandleCommit(voicedCommit())

	require.Equal(t, []cancelCall{{responseID: "r1", reason: "barge_in"}}, h.actuator.cancelCalls())
	require.Equal(t, []string{"barge_in"}, h.actuator.dropCalls())

	// Playback yields eagerly without waiting for provider confirmation;
	// the input machine is untouched.
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())
	assert.Empty(t, h.plane.CurrentResponseID())
	assert.Equal(t, InputSpeaking, h.plane.InputState())

	// Further voiced commits while already SPEAKING do not re-trigger.
	h.clock.Store(160)
	h.plane.HandleCommit(voicedCommit())
	assert.Len(t, h.actuator.cancelCalls(), 1)
	assert.Len(t, h.actuator.dropCalls(), 1)
}

func TestBargeIn_NotTriggeredWhilePlaybackIdle(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleCommit(voicedCommit())
	h.clock.Store(100)
	h.plane.HandleCommit(voicedCommit())

	require.Equal(t, InputSpeaking, h.plane.InputState())
	assert.Empty(t, h.actuator.cancelCalls())
	assert.Empty(t, h.actuator.dropCalls())
}

// =============================================================================
// Gate
// =============================================================================

func TestGate_CloseThenReopenEmpty(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.plane.OnGateClosed()
	assert.Equal(t, PlaybackGateClosed, h.plane.PlaybackState())

	h.plane.OnGateOpened(true)
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())
	assert.Empty(t, h.plane.CurrentResponseID())
}

func TestGate_ReopenWithTailDrainsToIdle(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.plane.OnGateClosed()
	h.plane.OnGateOpened(false)
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())
	assert.Equal(t, "r1", h.plane.CurrentResponseID())

	h.clock.Store(501)
	h.plane.HandleCommit(silentCommit())
	assert.Equal(t, PlaybackIdle, h.plane.PlaybackState())
}

func TestGate_ReopenWhenNotGatedIsNoOp(t *testing.T) {
	h := newHarness(t, Config{})

	h.plane.HandleProviderEvent(audioDelta("r1"))
	h.plane.OnGateOpened(true)
	assert.Equal(t, PlaybackSpeaking, h.plane.PlaybackState())
}

// =============================================================================
// Lifecycle and concurrency
// =============================================================================

func TestStartStop_Idempotent(t *testing.T) {
	h := newHarness(t, Config{Tick: 10 * time.Millisecond})

	h.plane.Start()
	h.plane.Start()
	h.plane.Stop()
	h.plane.Stop()
}

func TestStopWithoutStart(t *testing.T) {
	h := newHarness(t, Config{})
	h.plane.Stop()
}

func TestConcurrentHandlers(t *testing.T) {
	actuator := &fakeActuator{}
	plane := New("session-1", Config{Tick: 5 * time.Millisecond}, actuator, commons.NewNoOpLogger())
	t.Cleanup(plane.Stop)
	plane.Start()

	var wg sync.WaitGroup
	wg.Add(3)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			plane.HandleProviderEvent(audioDelta("r1"))
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			plane.HandleCommit(voicedCommit())
			plane.HandleCommit(silentCommit())
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = plane.PlaybackState()
			_ = plane.InputState()
			_ = plane.CurrentResponseID()
		}
	}()
	wg.Wait()

	state := plane.PlaybackState()
	assert.Contains(t, []PlaybackState{PlaybackIdle, PlaybackSpeaking}, state)
}
