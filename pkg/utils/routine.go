// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package utils

import (
	"context"
	"log"
	"runtime/debug"
)

// Go launches fn on its own goroutine with a panic trap. A panicking
// routine is logged with its stack and never takes the process down.
// If ctx is already cancelled the routine is not started.
func Go(ctx context.Context, fn func()) {
	if ctx != nil && ctx.Err() != nil {
		return
	}
	go func() {
		defer func() {
			if r := recover(); r != nil {
				log.Printf("panic in background routine: %v\n%s", r, debug.Stack())
			}
		}()
		fn()
	}()
}
