// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import "strings"

// RapidaEnvironment distinguishes deployment environments. It drives the
// log encoder choice and any environment-specific defaults.
type RapidaEnvironment string

const (
	PRODUCTION  RapidaEnvironment = "production"
	DEVELOPMENT RapidaEnvironment = "development"
)

// Get returns the lowercase environment name.
func (e RapidaEnvironment) Get() string {
	return string(e)
}

// IsProduction reports whether the environment is production.
func (e RapidaEnvironment) IsProduction() bool {
	return e == PRODUCTION
}

// FromEnvironmentStr parses a case-insensitive environment name. Unknown
// values default to DEVELOPMENT.
func FromEnvironmentStr(s string) RapidaEnvironment {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "production":
		return PRODUCTION
	default:
		return DEVELOPMENT
	}
}
