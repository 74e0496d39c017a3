// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"encoding/binary"
	"errors"
	"math"
)

var (
	ErrResampleRate = errors.New("resample: rate must be positive")
)

// Half width of the sinc kernel in samples of the lower rate stream.
const resampleTaps = 12

// Resample converts 16bit LPCM little endian between sample rates.
// It is stateless and deterministic: same input always produces same
// output, with exactly floor(n*outRate/inRate) samples.
//
// Used on the 8kHz telephone leg to 24kHz model leg boundary in both
// directions, but handles any rational ratio.
func Resample(lpcm []byte, inRate int, outRate int) ([]byte, error) {
	if inRate <= 0 || outRate <= 0 {
		return nil, ErrResampleRate
	}
	if len(lpcm)%2 != 0 {
		return nil, ErrOddPCMPayload
	}
	if inRate == outRate {
		out := make([]byte, len(lpcm))
		copy(out, lpcm)
		return out, nil
	}

	n := len(lpcm) / 2
	in := make([]float64, n)
	for i := 0; i < n; i++ {
		in[i] = float64(int16(binary.LittleEndian.Uint16(lpcm[2*i:])))
	}

	outN := n * outRate / inRate

	// Cutoff at the narrower Nyquist, kernel widened accordingly when
	// decimating so aliasing stays below the window floor.
	cutoff := 1.0
	half := resampleTaps
	if outRate < inRate {
		cutoff = float64(outRate) / float64(inRate)
		half = int(math.Ceil(float64(resampleTaps) / cutoff))
	}

	step := float64(inRate) / float64(outRate)
	out := make([]byte, outN*2)
	for k := 0; k < outN; k++ {
		pos := float64(k) * step
		center := int(math.Floor(pos))

		var acc float64
		for i := center - half + 1; i <= center+half; i++ {
			if i < 0 || i >= n {
				continue
			}
			t := (float64(i) - pos) * cutoff
			acc += in[i] * cutoff * sinc(t) * hann(t, float64(resampleTaps))
		}

		s := int64(math.Round(acc))
		if s > math.MaxInt16 {
			s = math.MaxInt16
		} else if s < math.MinInt16 {
			s = math.MinInt16
		}
		binary.LittleEndian.PutUint16(out[2*k:], uint16(int16(s)))
	}
	return out, nil
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	px := math.Pi * x
	return math.Sin(px) / px
}

func hann(t float64, half float64) float64 {
	if t <= -half || t >= half {
		return 0
	}
	return 0.5 + 0.5*math.Cos(math.Pi*t/half)
}
