// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package commons

// SEPARATOR splits multi-valued string settings ("en,fr,de").
const SEPARATOR = ","

// Stable error codes surfaced to the peer on fatal session errors.
const (
	ErrCodeProviderUnreachable = "provider_unreachable"
	ErrCodeProviderFatal       = "provider_fatal"
	ErrCodeInitFailed          = "init_failed"
	ErrCodeInternal            = "internal"
)
