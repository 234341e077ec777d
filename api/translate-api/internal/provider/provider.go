// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_provider defines the translation-provider contract and
// the factory that binds a session to one concrete provider.
package internal_provider

import (
	"context"
	"errors"
	"fmt"

	internal_bus "github.com/rapidaai/translate/api/translate-api/internal/bus"
	internal_provider_mock "github.com/rapidaai/translate/api/translate-api/internal/provider/mock"
	internal_provider_openai "github.com/rapidaai/translate/api/translate-api/internal/provider/openai"
	internal_type "github.com/rapidaai/translate/api/translate-api/internal/type"
	"github.com/rapidaai/translate/pkg/commons"
)

// =============================================================================
// Contract
// =============================================================================

var (
	// ErrUnknownProvider means the resolved provider name has no
	// configuration or an unsupported type.
	ErrUnknownProvider = errors.New("provider: unknown provider")
	// ErrProviderUnavailable means the provider endpoint could not be
	// reached within the connect budget.
	ErrProviderUnavailable = errors.New("provider: unavailable")
)

// Adapter is one live connection to a translation provider. Start must
// return only once the connection is usable (or with an error); Cancel and
// Close are idempotent and safe to call concurrently with SendCommit.
type Adapter interface {
	Start(ctx context.Context) error
	SendCommit(ctx context.Context, commit *internal_type.AudioCommit) error
	Cancel(ctx context.Context, responseID, reason string) error
	Close() error
	Name() string
}

// =============================================================================
// Selection
// =============================================================================

// Resolve picks the provider name for a session. Priority: explicit
// translation settings, then first-frame metadata, then the legacy feature
// flag, then the configured default.
func Resolve(
	settings *internal_type.TranslationSettings,
	metadata *internal_type.SessionMetadata,
	defaultProvider string,
) string {
	if settings != nil && settings.Provider != "" {
		return settings.Provider
	}
	if metadata != nil {
		if metadata.Provider != "" {
			return metadata.Provider
		}
		if flagged := metadata.ProviderFromFlags(); flagged != "" {
			return flagged
		}
	}
	return defaultProvider
}

// =============================================================================
// Factory
// =============================================================================

// Provider types accepted in configuration.
const (
	TypeMock           = "mock"
	TypeOpenAIRealtime = "openai_realtime"
)

// Config is one entry of the `providers` configuration map.
type Config struct {
	Type     string
	Endpoint string
	APIKey   string
	// Region selects a regional endpoint for providers that shard by region.
	Region string
	Model  string
	// Settings carries provider-specific knobs (canned text and pacing for
	// the mock, sample rates and voice for realtime providers). Session
	// translation settings override these per call.
	Settings map[string]interface{}
}

// Deps is everything a concrete adapter needs from the session.
type Deps struct {
	SessionID string
	// Settings is the session snapshot taken when phase two starts.
	Settings *internal_type.TranslationSettings
	// Inbound receives the normalized provider events.
	Inbound *internal_bus.Bus[*internal_type.ProviderEvent]
	// InputAudio is the session-side PCM format commits arrive in.
	InputAudio internal_type.AudioConfig
	Logger     commons.Logger
}

// New builds the adapter for a resolved provider name.
func New(name string, cfg Config, deps Deps) (Adapter, error) {
	switch cfg.Type {
	case TypeMock:
		return internal_provider_mock.New(
			deps.SessionID,
			mergedSettings(cfg.Settings, deps.Settings),
			deps.Inbound,
			deps.Logger,
		), nil
	case TypeOpenAIRealtime:
		return internal_provider_openai.New(internal_provider_openai.Options{
			SessionID:  deps.SessionID,
			Endpoint:   cfg.Endpoint,
			APIKey:     cfg.APIKey,
			Model:      cfg.Model,
			Settings:   mergedSettings(cfg.Settings, deps.Settings),
			Inbound:    deps.Inbound,
			InputAudio: deps.InputAudio,
			Logger:     deps.Logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q (type %q)", ErrUnknownProvider, name, cfg.Type)
	}
}

// mergedSettings overlays the session's translation settings on top of the
// provider's configured defaults, returning one flat map for the adapter.
func mergedSettings(base map[string]interface{}, session *internal_type.TranslationSettings) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+8)
	for k, v := range base {
		merged[k] = v
	}
	if session == nil {
		return merged
	}
	for k, v := range session.Extra {
		merged[k] = v
	}
	if session.SourceLanguage != "" {
		merged["source_language"] = session.SourceLanguage
	}
	if session.TargetLanguage != "" {
		merged["target_language"] = session.TargetLanguage
	}
	if session.Voice != "" {
		merged["voice"] = session.Voice
	}
	return merged
}
