// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"time"
)

var (
	// Here are some codec constants that can be reused
	CodecAudioUlaw = Codec{PayloadType: 0, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
	CodecAudioAlaw = Codec{PayloadType: 8, SampleRate: 8000, SampleDur: 20 * time.Millisecond}
)

const (
	// Telephone leg runs G.711 at 8kHz, model leg PCM16 at 24kHz.
	RateTelephone = 8000
	RateModel     = 24000

	// One packetization interval worth of data in each representation.
	FrameSamples = 160                  // samples per 20ms at 8kHz
	FrameAlaw    = 160                  // A-law bytes per frame
	FramePCM     = 320                  // PCM16 bytes per frame at 8kHz
	FramePCMWide = 960                  // PCM16 bytes per frame at 24kHz
	FrameDur     = 20 * time.Millisecond
)

type Codec struct {
	PayloadType uint8
	SampleRate  uint32
	SampleDur   time.Duration
}

// SampleTimestamp returns the RTP timestamp advance for one
// packetization interval.
func (c *Codec) SampleTimestamp() uint32 {
	return uint32(float64(c.SampleRate) * c.SampleDur.Seconds())
}
