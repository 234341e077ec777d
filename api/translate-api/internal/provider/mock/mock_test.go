// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_provider_mock

import (
	"context"
	"encoding/base64"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_queue "github.com/rapidaai/translate/api/translate-api/internal/queue"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Helpers
// =============================================================================

func newMock(t *testing.T, settings map[string]interface{}) (*Provider, chan *internal_type.ProviderEvent) {
	t.Helper()

	logger := commons.NewNoOpLogger()
	inbound := internal_bus.New[*internal_type.ProviderEvent]("provider_inbound", logger)

	events := make(chan *internal_type.ProviderEvent, 1024)
	err := inbound.Subscribe("collector", 1024, internal_queue.DropNewest, 1,
		func(ev *internal_type.ProviderEvent) { events <- ev })
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = inbound.Shutdown(ctx)
	})

	p := New("session-1", settings, inbound, logger)
	require.NoError(t, p.Start(context.Background()))
	t.Cleanup(func() { _ = p.Close() })
	return p, events
}

func commit(participantID string, silence bool) *internal_type.AudioCommit {
	return &internal_type.AudioCommit{
		CommitID:      "commit-1",
		SessionID:     "session-1",
		ParticipantID: participantID,
		AudioBase64:   base64.StdEncoding.EncodeToString(make([]byte, 640)),
		Metadata: internal_type.CommitMetadata{
			ByteCount:  640,
			DurationMS: 20,
			Trigger:    internal_type.TriggerDuration,
			IsSilence:  silence,
		},
	}
}

func nextEvent(t *testing.T, events <-chan *internal_type.ProviderEvent, timeout time.Duration) *internal_type.ProviderEvent {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(timeout):
		t.Fatal("timed out waiting for provider event")
		return nil
	}
}

func assertNoEvent(t *testing.T, events <-chan *internal_type.ProviderEvent, within time.Duration) {
	t.Helper()
	select {
	case ev := <-events:
		t.Fatalf("unexpected provider event %s", ev.Type)
	case <-time.After(within):
	}
}

// =============================================================================
// Canned responses
// =============================================================================

func TestSendCommit_EmitsCannedResponse(t *testing.T) {
	p, events := newMock(t, map[string]interface{}{"response_delay_ms": 0})

	require.NoError(t, p.SendCommit(context.Background(), commit("p1", false)))

	var (
		textDeltas []string
		textDone   int
		audioBytes int
		audioDone  int
		responseID string
	)
	deadline := time.After(5 * time.Second)
collect:
	for {
		select {
		case ev := <-events:
			switch ev.Type {
			case internal_type.ProviderTextDelta:
				assert.Equal(t, "p1", ev.ParticipantID)
				textDeltas = append(textDeltas, ev.Delta)
			case internal_type.ProviderTextDone:
				assert.Equal(t, "p1", ev.ParticipantID)
				textDone++
			case internal_type.ProviderAudioDelta:
				assert.Equal(t, "p1", ev.ParticipantID)
				assert.Equal(t, toneRateHz, ev.SampleRateHz)
				if responseID == "" {
					responseID = ev.ResponseID
				} else {
					assert.Equal(t, responseID, ev.ResponseID, "one response id per canned stream")
				}
				chunk, err := base64.StdEncoding.DecodeString(ev.AudioBase64)
				require.NoError(t, err)
				audioBytes += len(chunk)
			case internal_type.ProviderAudioDone:
				assert.Equal(t, responseID, ev.ResponseID)
				audioDone++
				break collect
			default:
				t.Fatalf("unexpected event type %s", ev.Type)
			}
		case <-deadline:
			t.Fatal("canned response did not complete")
		}
	}

	assert.Equal(t, DefaultText, strings.Join(textDeltas, ""), "deltas reassemble the canned text")
	assert.Equal(t, 1, textDone)
	assert.Equal(t, 1, audioDone)
	assert.Equal(t, defaultAudioMS*toneRateHz*2/1000, audioBytes, "tone length follows audio_ms")
	assert.NotEmpty(t, responseID)
}

func TestSendCommit_SilenceProducesNothing(t *testing.T) {
	p, events := newMock(t, nil)

	require.NoError(t, p.SendCommit(context.Background(), commit("p1", true)))
	assertNoEvent(t, events, 150*time.Millisecond)
}

func TestSendCommit_CustomSettings(t *testing.T) {
	p, events := newMock(t, map[string]interface{}{
		"response_delay_ms": 0,
		"audio_ms":          20,
		"text":              "bonjour",
	})

	require.NoError(t, p.SendCommit(context.Background(), commit("p1", false)))

	first := nextEvent(t, events, time.Second)
	assert.Equal(t, internal_type.ProviderTextDelta, first.Type)
	assert.Equal(t, "bonjour", first.Delta)
}

// =============================================================================
// Cancellation
// =============================================================================

func TestCancel_AbortsStreamAndPublishesCancelled(t *testing.T) {
	// A long canned response so cancellation lands mid-stream.
	p, events := newMock(t, map[string]interface{}{
		"response_delay_ms": 0,
		"audio_ms":          5000,
	})

	require.NoError(t, p.SendCommit(context.Background(), commit("p1", false)))

	// Wait for the stream to reach audio, then cancel it.
	var responseID string
	for responseID == "" {
		ev := nextEvent(t, events, 5*time.Second)
		if ev.Type == internal_type.ProviderAudioDelta {
			responseID = ev.ResponseID
		}
	}
	require.NoError(t, p.Cancel(context.Background(), responseID, "barge_in"))

	sawCancelled := false
	deadline := time.After(5 * time.Second)
	for !sawCancelled {
		select {
		case ev := <-events:
			switch ev.Type {
			case internal_type.ProviderAudioDelta:
				// Chunks already emitted before the cancel landed.
			case internal_type.ProviderResponseCancelled:
				assert.Equal(t, responseID, ev.ResponseID)
				sawCancelled = true
			case internal_type.ProviderAudioDone:
				t.Fatal("cancelled response must not complete")
			}
		case <-deadline:
			t.Fatal("cancellation was never acknowledged")
		}
	}

	// The cancelled event is the stream's last word.
	assertNoEvent(t, events, 150*time.Millisecond)
}

func TestCancel_UnknownResponseIsNoOp(t *testing.T) {
	p, events := newMock(t, nil)

	assert.NoError(t, p.Cancel(context.Background(), "no-such-response", "barge_in"))
	assertNoEvent(t, events, 100*time.Millisecond)
}

func TestCancel_EmptyIDCancelsEverythingInFlight(t *testing.T) {
	p, events := newMock(t, map[string]interface{}{
		"response_delay_ms": 0,
		"audio_ms":          5000,
	})

	require.NoError(t, p.SendCommit(context.Background(), commit("p1", false)))
	require.NoError(t, p.SendCommit(context.Background(), commit("p2", false)))

	// Let both streams get going before sweeping them away.
	nextEvent(t, events, 5*time.Second)
	require.NoError(t, p.Cancel(context.Background(), "", "session_close"))

	cancelled := 0
	deadline := time.After(5 * time.Second)
	for cancelled < 2 {
		select {
		case ev := <-events:
			if ev.Type == internal_type.ProviderResponseCancelled {
				cancelled++
			}
		case <-deadline:
			t.Fatalf("expected 2 cancellations, saw %d", cancelled)
		}
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

func TestClose_IdempotentAndRejectsNewCommits(t *testing.T) {
	p, _ := newMock(t, map[string]interface{}{"audio_ms": 5000})

	require.NoError(t, p.SendCommit(context.Background(), commit("p1", false)))
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	err := p.SendCommit(context.Background(), commit("p1", false))
	assert.ErrorIs(t, err, ErrClosed)

	err = p.Start(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
