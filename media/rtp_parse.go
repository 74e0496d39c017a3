// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"errors"
	"io"

	"github.com/pion/rtp"
)

const RTPHeaderSize = 12

var (
	ErrRTPShortPacket = errors.New("rtp: packet shorter than header")
	ErrRTPBadVersion  = errors.New("rtp: unsupported version")
)

// RTPUnmarshal is more optimized unmarshal version based on pion/rtp.
// It does not preserve any buffer reference which allows reusage.
func RTPUnmarshal(buf []byte, p *rtp.Packet) error {
	if len(buf) < RTPHeaderSize {
		return ErrRTPShortPacket
	}
	if buf[0]>>6 != 2 {
		return ErrRTPBadVersion
	}

	n, err := p.Header.Unmarshal(buf)
	if err != nil {
		return err
	}
	if p.Header.Extension {
		// For now eliminate it as it holds reference on buffer
		p.Header.Extensions = nil
		p.Header.Extension = false
	}

	end := len(buf)
	if p.Header.Padding {
		p.PaddingSize = buf[end-1]
		end -= int(p.PaddingSize)
	}
	if end < n {
		return io.ErrShortBuffer
	}

	// If Payload buffer exists try to fill it and allow buffer reusage
	if p.Payload != nil && len(p.Payload) >= len(buf[n:end]) {
		copy(p.Payload, buf[n:end])
		return nil
	}

	// Payload is recreated instead referenced. This allows buf reusage
	p.Payload = make([]byte, len(buf[n:end]))
	copy(p.Payload, buf[n:end])
	return nil
}
