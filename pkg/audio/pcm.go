// Package audio provides the PCM primitives shared by every pipeline stage:
// frame sizing, sample conversion, level measurement, and rate conversion.
//
// All pipeline audio is little-endian signed 16-bit mono PCM. A Frame is a
// fixed-duration slice of that stream (e.g. 20 ms at 16 kHz = 320 samples =
// 640 bytes); frame sizing is derived from the configured sample rate and
// frame duration, never hard-coded.
package audio

import (
	"encoding/binary"
	"math"
	"time"
)

// BytesPerSample is the width of one 16-bit PCM sample.
const BytesPerSample = 2

// FrameBytes returns the byte length of one frame of mono 16-bit PCM with the
// given sample rate and frame duration.
func FrameBytes(sampleRate int, frame time.Duration) int {
	samples := int(int64(sampleRate) * int64(frame) / int64(time.Second))
	return samples * BytesPerSample
}

// Duration returns the play time of n bytes of mono 16-bit PCM at sampleRate.
func Duration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	samples := n / BytesPerSample
	return time.Duration(int64(samples) * int64(time.Second) / int64(sampleRate))
}

// PCMToFloat32 converts 16-bit signed little-endian PCM audio to float32
// samples normalised to the range [-1.0, 1.0]. The input length must be even
// (two bytes per sample); any trailing odd byte is silently ignored.
func PCMToFloat32(pcm []byte) []float32 {
	n := len(pcm) / BytesPerSample
	samples := make([]float32, n)
	for i := range n {
		sample := int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2]))
		samples[i] = float32(sample) / 32768.0
	}
	return samples
}

// PeakLevel returns the largest absolute sample amplitude in pcm normalised
// to [0.0, 1.0]. An empty or malformed slice yields 0.
func PeakLevel(pcm []byte) float32 {
	var peak int32
	for i := 0; i+1 < len(pcm); i += 2 {
		s := int32(int16(binary.LittleEndian.Uint16(pcm[i : i+2])))
		if s < 0 {
			s = -s
		}
		if s > peak {
			peak = s
		}
	}
	return float32(peak) / 32768.0
}

// RMS returns the root-mean-square energy of pcm in raw 16-bit sample units
// (0–32767). This is the scale used by energy-based voice activity detection.
func RMS(pcm []byte) float64 {
	n := len(pcm) / BytesPerSample
	if n == 0 {
		return 0
	}
	var sum float64
	for i := range n {
		s := float64(int16(binary.LittleEndian.Uint16(pcm[i*2 : i*2+2])))
		sum += s * s
	}
	return math.Sqrt(sum / float64(n))
}

// ResampleMono16 resamples 16-bit mono PCM from srcRate to dstRate using
// linear interpolation. The input must be little-endian int16 samples. If
// srcRate == dstRate, the input is returned unchanged.
func ResampleMono16(pcm []byte, srcRate, dstRate int) []byte {
	if srcRate <= 0 || dstRate <= 0 {
		return pcm
	}
	if srcRate == dstRate || len(pcm) < 2 {
		return pcm
	}
	srcSamples := len(pcm) / 2
	dstSamples := int(int64(srcSamples) * int64(dstRate) / int64(srcRate))
	if dstSamples == 0 {
		return nil
	}

	out := make([]byte, dstSamples*2)
	ratio := float64(srcRate) / float64(dstRate)

	for i := range dstSamples {
		srcPos := float64(i) * ratio
		srcIdx := int(srcPos)
		frac := srcPos - float64(srcIdx)

		s0 := int16(pcm[srcIdx*2]) | int16(pcm[srcIdx*2+1])<<8
		var s1 int16
		if srcIdx+1 < srcSamples {
			s1 = int16(pcm[(srcIdx+1)*2]) | int16(pcm[(srcIdx+1)*2+1])<<8
		} else {
			s1 = s0
		}

		interpolated := int16(float64(s0)*(1-frac) + float64(s1)*frac)
		out[i*2] = byte(interpolated)
		out[i*2+1] = byte(interpolated >> 8)
	}
	return out
}

// StereoToMono averages L+R per stereo frame (4 bytes) to produce mono output.
// Uses int32 arithmetic to prevent overflow and clamps to int16 range.
func StereoToMono(pcm []byte) []byte {
	frames := len(pcm) / 4
	out := make([]byte, frames*2)
	for i := range frames {
		lSample := int32(int16(pcm[i*4]) | int16(pcm[i*4+1])<<8)
		rSample := int32(int16(pcm[i*4+2]) | int16(pcm[i*4+3])<<8)
		avg := (lSample + rSample) / 2

		if avg > 32767 {
			avg = 32767
		} else if avg < -32768 {
			avg = -32768
		}

		out[i*2] = byte(avg)
		out[i*2+1] = byte(avg >> 8)
	}
	return out
}
