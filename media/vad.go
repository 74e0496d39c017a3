// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"encoding/binary"
	"math"
)

// RMS computes root mean square energy of 16bit LPCM little endian,
// normalized to [0, 1]. Empty or sub-sample input reports 0.
func RMS(lpcm []byte) float64 {
	n := len(lpcm) / 2
	if n == 0 {
		return 0
	}
	var acc float64
	for i := 0; i < n; i++ {
		s := float64(int16(binary.LittleEndian.Uint16(lpcm[2*i:])))
		acc += s * s
	}
	return math.Sqrt(acc/float64(n)) / 32768.0
}

// SpeechDetector flags sustained caller energy for barge-in. It counts
// consecutive frames above threshold and fires once the run reaches
// minFrames. Not safe for concurrent use, call from the ingress loop only.
type SpeechDetector struct {
	threshold float64
	minFrames int
	run       int
}

func NewSpeechDetector(threshold float64, minFrames int) *SpeechDetector {
	if minFrames < 1 {
		minFrames = 1
	}
	return &SpeechDetector{
		threshold: threshold,
		minFrames: minFrames,
	}
}

// Detect feeds one frame energy reading. active gates the counter:
// while false the run resets, so speech only accumulates against
// ongoing model playback. Returns true once per sustained burst.
func (d *SpeechDetector) Detect(rms float64, active bool) bool {
	if !active {
		d.run = 0
		return false
	}
	if rms < d.threshold {
		d.run = 0
		return false
	}
	d.run++
	if d.run < d.minFrames {
		return false
	}
	d.run = 0
	return true
}
