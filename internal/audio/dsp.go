// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package audio

import "math"

const (
	AudioBytesPerSample = 2  // LINEAR16 → 2 bytes per sample
	AudioBitsPerSample  = 16 // LINEAR16 → 16 bits per sample
	AudioPCMFormat      = 1  // WAV PCM format tag
)

// Int16ToFloat32 converts LINEAR16 samples to [-1, 1] floats.
func Int16ToFloat32(in []int16) []float32 {
	out := make([]float32, len(in))
	for i, s := range in {
		out[i] = float32(s) / 32768.0
	}
	return out
}

// Float32ToInt16 converts [-1, 1] floats back to LINEAR16 with clipping.
func Float32ToInt16(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, s := range in {
		v := s * 32767.0
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i] = int16(v)
	}
	return out
}

// BytesToInt16 reinterprets little-endian PCM bytes as samples. A trailing
// odd byte is dropped.
func BytesToInt16(b []byte) []int16 {
	n := len(b) / 2
	out := make([]int16, n)
	for i := 0; i < n; i++ {
		out[i] = int16(uint16(b[2*i]) | uint16(b[2*i+1])<<8)
	}
	return out
}

// Int16ToBytes serializes samples as little-endian PCM bytes.
func Int16ToBytes(s []int16) []byte {
	out := make([]byte, len(s)*2)
	for i, v := range s {
		out[2*i] = byte(uint16(v))
		out[2*i+1] = byte(uint16(v) >> 8)
	}
	return out
}

// RMS is the root mean square of normalized samples.
func RMS(x []float32) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(x)))
}

// RMSInt16 is the root mean square on the int16 scale.
func RMSInt16(x []int16) float64 {
	if len(x) == 0 {
		return 0
	}
	var sum float64
	for _, v := range x {
		sum += float64(v) * float64(v)
	}
	return math.Sqrt(sum / float64(len(x)))
}

// ResampleLinear converts between sample rates with linear interpolation.
// Mono input only.
func ResampleLinear(in []float32, fromRate, toRate int) []float32 {
	if fromRate == toRate || len(in) == 0 {
		out := make([]float32, len(in))
		copy(out, in)
		return out
	}
	n := int(math.Round(float64(len(in)) * float64(toRate) / float64(fromRate)))
	if n <= 0 {
		return nil
	}
	out := make([]float32, n)
	step := float64(len(in)-1) / float64(n-1)
	if n == 1 {
		out[0] = in[0]
		return out
	}
	for i := 0; i < n; i++ {
		pos := float64(i) * step
		j := int(pos)
		if j >= len(in)-1 {
			out[i] = in[len(in)-1]
			continue
		}
		frac := float32(pos - float64(j))
		out[i] = in[j]*(1-frac) + in[j+1]*frac
	}
	return out
}

// ResampleInt16 converts int16 PCM between rates through the float path.
func ResampleInt16(in []int16, fromRate, toRate int) []int16 {
	if fromRate == toRate {
		out := make([]int16, len(in))
		copy(out, in)
		return out
	}
	return Float32ToInt16(ResampleLinear(Int16ToFloat32(in), fromRate, toRate))
}

// MonoToStereo duplicates each sample into left and right.
func MonoToStereo(in []int16) []int16 {
	out := make([]int16, len(in)*2)
	for i, s := range in {
		out[2*i] = s
		out[2*i+1] = s
	}
	return out
}

// StereoToMono keeps the left channel.
func StereoToMono(in []int16) []int16 {
	out := make([]int16, len(in)/2)
	for i := range out {
		out[i] = in[2*i]
	}
	return out
}

// LoudnessOptions is the playback gain chain: fixed gain, optional AGC
// toward a target int16-scale RMS, optional tanh soft limiter.
type LoudnessOptions struct {
	Gain         float64
	AutoGain     bool
	TargetRMS    float64
	MaxAutoGain  float64
	MaxTotalGain float64
	Limiter      bool
	LimiterDrive float64
}

// DefaultLoudness returns the conservative playback defaults.
func DefaultLoudness() LoudnessOptions {
	return LoudnessOptions{
		Gain:         0.3,
		AutoGain:     false,
		TargetRMS:    5000,
		MaxAutoGain:  2.0,
		MaxTotalGain: 3.0,
		Limiter:      false,
		LimiterDrive: 2.0,
	}
}

// ShapeLoudness applies the gain chain to int16 PCM and returns a new slice.
// Near-silent input (RMS below 200 on the int16 scale) skips AGC so noise is
// not amplified.
func ShapeLoudness(pcm []int16, o LoudnessOptions) []int16 {
	if len(pcm) == 0 {
		return nil
	}
	gain := o.Gain
	if o.AutoGain {
		rms := RMSInt16(pcm)
		if rms > 200 {
			agc := o.TargetRMS / rms
			if agc > o.MaxAutoGain {
				agc = o.MaxAutoGain
			}
			if agc < 1 {
				agc = 1
			}
			gain *= agc
		}
	}
	if o.MaxTotalGain > 0 && gain > o.MaxTotalGain {
		gain = o.MaxTotalGain
	}

	out := make([]int16, len(pcm))
	norm := math.Tanh(o.LimiterDrive)
	for i, s := range pcm {
		v := float64(s) / 32768.0 * gain
		if o.Limiter && o.LimiterDrive > 0 {
			v = math.Tanh(o.LimiterDrive*v) / norm
		}
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		out[i] = int16(v * 32767.0)
	}
	return out
}
