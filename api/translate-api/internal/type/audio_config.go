// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package internal_type

// AudioFormat names a PCM encoding on the wire.
type AudioFormat string

const (
	AudioFormatLinear16 AudioFormat = "linear16"
	AudioFormatMulaw    AudioFormat = "pcmu"
	AudioFormatAlaw     AudioFormat = "pcma"
)

// AudioConfig describes a PCM stream: rate, channel count and encoding.
// All internal audio is linear16; G.711 appears only at the wire edge.
type AudioConfig struct {
	SampleRateHz int
	Channels     int
	Format       AudioFormat
}

// NewLinear16khzMonoAudioConfig is the internal session format: PCM16LE,
// 16 kHz, mono. All provider traffic is resampled to or from this.
func NewLinear16khzMonoAudioConfig() AudioConfig {
	return AudioConfig{SampleRateHz: 16000, Channels: 1, Format: AudioFormatLinear16}
}

// NewLinear24khzMonoAudioConfig is the common realtime-provider output
// format (24 kHz mono PCM16).
func NewLinear24khzMonoAudioConfig() AudioConfig {
	return AudioConfig{SampleRateHz: 24000, Channels: 1, Format: AudioFormatLinear16}
}

// BytesPerMS returns the PCM16 byte rate per millisecond:
// rate * channels * 2 / 1000. For 16 kHz mono that is 32.
func (c AudioConfig) BytesPerMS() int {
	return c.SampleRateHz * c.Channels * 2 / 1000
}

// DurationMS converts a byte count in this config to milliseconds,
// rounding down so buffered audio is never overstated.
func (c AudioConfig) DurationMS(byteCount int) int64 {
	bpm := c.BytesPerMS()
	if bpm <= 0 {
		return 0
	}
	return int64(byteCount / bpm)
}
