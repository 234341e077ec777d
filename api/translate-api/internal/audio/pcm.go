// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

// Package internal_audio provides pure PCM16 little-endian helpers: channel
// conversion, linear-interpolation resampling, RMS energy, float mapping and
// G.711 transcoding at the wire edge. Nothing here allocates shared state;
// every function is safe for concurrent use.
package internal_audio

import (
	"encoding/binary"
	"math"

	"github.com/zaf/g711"
)

// =============================================================================
// Channel conversion
// =============================================================================

// MonoToStereo duplicates each mono sample into both channels. An odd
// trailing byte is ignored.
func MonoToStereo(pcm []byte) []byte {
	sampleCount := len(pcm) / 2
	out := make([]byte, sampleCount*4)
	for i := 0; i < sampleCount; i++ {
		lo, hi := pcm[i*2], pcm[i*2+1]
		out[i*4+0] = lo
		out[i*4+1] = hi
		out[i*4+2] = lo
		out[i*4+3] = hi
	}
	return out
}

// StereoToMono averages the two channels per frame. Averaging happens in
// int32 to avoid intermediate overflow; the result saturates to int16.
func StereoToMono(pcm []byte) []byte {
	frameCount := len(pcm) / 4
	out := make([]byte, frameCount*2)
	for i := 0; i < frameCount; i++ {
		left := int32(int16(binary.LittleEndian.Uint16(pcm[i*4:])))
		right := int32(int16(binary.LittleEndian.Uint16(pcm[i*4+2:])))
		avg := (left + right) / 2
		binary.LittleEndian.PutUint16(out[i*2:], uint16(saturate(avg)))
	}
	return out
}

// =============================================================================
// Resampling
// =============================================================================

// ResampleLinear converts mono PCM16 between sample rates using linear
// interpolation. The output sample count rounds down so duration is never
// overstated. Same-rate input is returned unchanged.
func ResampleLinear(pcm []byte, fromRateHz, toRateHz int) []byte {
	if fromRateHz == toRateHz || fromRateHz <= 0 || toRateHz <= 0 {
		return pcm
	}
	srcCount := len(pcm) / 2
	if srcCount == 0 {
		return nil
	}
	dstCount := int(int64(srcCount) * int64(toRateHz) / int64(fromRateHz))
	if dstCount == 0 {
		return nil
	}

	out := make([]byte, dstCount*2)
	ratio := float64(srcCount-1) / float64(dstCount-1)
	if dstCount == 1 {
		ratio = 0
	}
	for i := 0; i < dstCount; i++ {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := pos - float64(idx)

		s0 := sampleAt(pcm, idx)
		s1 := s0
		if idx+1 < srcCount {
			s1 = sampleAt(pcm, idx+1)
		}
		v := float64(s0) + (float64(s1)-float64(s0))*frac
		binary.LittleEndian.PutUint16(out[i*2:], uint16(saturate(int32(math.Round(v)))))
	}
	return out
}

// =============================================================================
// Energy and numeric mapping
// =============================================================================

// RMS returns the root-mean-square amplitude over the int16 samples of a
// PCM16 payload, in full-scale units (0..32768). Empty input yields 0.
func RMS(pcm []byte) float64 {
	sampleCount := len(pcm) / 2
	if sampleCount == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < sampleCount; i++ {
		s := float64(sampleAt(pcm, i))
		sum += s * s
	}
	return math.Sqrt(sum / float64(sampleCount))
}

// PCM16ToFloat maps int16 samples onto [-1.0, 1.0).
func PCM16ToFloat(pcm []byte) []float32 {
	sampleCount := len(pcm) / 2
	out := make([]float32, sampleCount)
	for i := 0; i < sampleCount; i++ {
		out[i] = float32(sampleAt(pcm, i)) / 32768.0
	}
	return out
}

// FloatToPCM16 maps float samples back to PCM16, clamping the input to
// [-1.0, 1.0] before scaling and saturating the result. Round-trips int16
// values exactly.
func FloatToPCM16(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, f := range samples {
		if f > 1.0 {
			f = 1.0
		}
		if f < -1.0 {
			f = -1.0
		}
		binary.LittleEndian.PutUint16(out[i*2:], uint16(saturate(int32(f*32768.0))))
	}
	return out
}

// =============================================================================
// G.711 wire-edge transcoding
// =============================================================================

// DecodeULaw expands 8-bit µ-law to PCM16LE (1 byte in, 2 bytes out).
func DecodeULaw(payload []byte) []byte {
	return g711.DecodeUlaw(payload)
}

// DecodeALaw expands 8-bit A-law to PCM16LE.
func DecodeALaw(payload []byte) []byte {
	return g711.DecodeAlaw(payload)
}

// EncodeULaw compresses PCM16LE to 8-bit µ-law.
func EncodeULaw(pcm []byte) []byte {
	return g711.EncodeUlaw(pcm)
}

func sampleAt(pcm []byte, idx int) int16 {
	return int16(binary.LittleEndian.Uint16(pcm[idx*2:]))
}

func saturate(v int32) int16 {
	if v > math.MaxInt16 {
		return math.MaxInt16
	}
	if v < math.MinInt16 {
		return math.MinInt16
	}
	return int16(v)
}
