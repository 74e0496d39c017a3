// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"

	"github.com/zaf/g711"
)

var (
	ErrOddPCMPayload = errors.New("pcm payload has odd length")
)

// alawSilenceByte is zero linear level in A-law after even bit inversion.
const alawSilenceByte = 0xD5

// DecodeAlaw decodes A-law frame into 16bit LPCM little endian.
func DecodeAlaw(alaw []byte) []byte {
	return g711.DecodeAlaw(alaw)
}

// EncodeAlaw encodes 16bit LPCM little endian into A-law frame.
func EncodeAlaw(lpcm []byte) []byte {
	return g711.EncodeAlaw(lpcm)
}

// DecodePayload normalizes an inbound RTP payload to 16bit LPCM.
// Payload types 8 and 0 are decoded as G.711 A-law and u-law, anything
// else is treated as already linear and only validated.
func DecodePayload(payloadType uint8, payload []byte) ([]byte, error) {
	switch payloadType {
	case CodecAudioAlaw.PayloadType:
		return g711.DecodeAlaw(payload), nil
	case CodecAudioUlaw.PayloadType:
		return g711.DecodeUlaw(payload), nil
	}

	if len(payload)%2 != 0 {
		return nil, ErrOddPCMPayload
	}
	lpcm := make([]byte, len(payload))
	copy(lpcm, payload)
	return lpcm, nil
}

// AlawSilence returns n bytes of A-law encoded silence.
func AlawSilence(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = alawSilenceByte
	}
	return buf
}
