// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"context"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/emiago/voxbridge/media"
)

const (
	defaultSSRC        = 0x12345678
	senderQueueLen     = 16
	senderIdleInterval = time.Second
)

type udpWriter interface {
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
}

// packetSender owns the TX half of one RTP stream. Frames are queued
// as A-law payloads and sent on the packetization interval with a
// monotonic sequence and timestamp. Header fields default until the
// first inbound packet latches the remote stream identity.
type packetSender struct {
	log      zerolog.Logger
	conn     udpWriter
	addr     netip.AddrPort
	interval time.Duration

	queue chan []byte

	// TX header state, guarded for the latch racing the send loop
	mu          sync.Mutex
	payloadType uint8
	ssrc        uint32
	seq         uint16
	timestamp   uint32
	latched     bool
}

func newPacketSender(conn udpWriter, addr netip.AddrPort, interval time.Duration, log zerolog.Logger) *packetSender {
	s := &packetSender{
		log:         log,
		conn:        conn,
		addr:        addr,
		interval:    interval,
		queue:       make(chan []byte, senderQueueLen),
		payloadType: media.CodecAudioAlaw.PayloadType,
		ssrc:        defaultSSRC,
	}
	return s
}

// LatchRemote seeds TX identity from the first inbound packet so our
// stream mirrors what the peer negotiated. Later packets are ignored.
func (s *packetSender) LatchRemote(payloadType uint8, ssrc uint32, seq uint16, timestamp uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.latched {
		return
	}
	s.latched = true
	s.payloadType = payloadType
	s.ssrc = ssrc
	s.seq = seq
	s.timestamp = timestamp

	if payloadType != media.CodecAudioAlaw.PayloadType {
		s.log.Warn().Uint8("pt", payloadType).Msg("Remote payload type is not PCMA, echoing it anyway")
	}
}

// Enqueue hands one encoded frame to the send loop. On a full queue
// the oldest frame is dropped, the wire should carry fresh audio.
func (s *packetSender) Enqueue(frame []byte) {
	for {
		select {
		case s.queue <- frame:
			return
		default:
		}
		select {
		case <-s.queue:
			s.log.Warn().Msg("Sender queue full, oldest frame dropped")
		default:
		}
	}
}

// Drain empties the queue, called on barge-in so no stale model audio
// leaks out after the interrupt.
func (s *packetSender) Drain() {
	for {
		select {
		case <-s.queue:
		default:
			return
		}
	}
}

// Run sends queued frames until ctx is done. When idle it wakes every
// second to notice cancellation even with no traffic.
func (s *packetSender) Run(ctx context.Context) {
	idle := time.NewTimer(senderIdleInterval)
	defer idle.Stop()

	var lastSend time.Time
	for {
		idle.Reset(senderIdleInterval)
		select {
		case <-ctx.Done():
			return
		case <-idle.C:
			continue
		case frame := <-s.queue:
			if wait := s.interval - time.Since(lastSend); wait > 0 {
				t := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					t.Stop()
					return
				case <-t.C:
				}
			}
			lastSend = time.Now()
			if err := s.send(frame); err != nil {
				s.log.Error().Err(err).Msg("RTP send failed")
				return
			}
		}
	}
}

func (s *packetSender) send(payload []byte) error {
	if len(payload) != media.FrameAlaw {
		s.log.Warn().Int("len", len(payload)).Msg("Unexpected frame size on TX")
	}

	s.mu.Lock()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    s.payloadType,
			SequenceNumber: s.seq,
			Timestamp:      s.timestamp,
			SSRC:           s.ssrc,
		},
		Payload: payload,
	}
	s.seq++
	s.timestamp += media.CodecAudioAlaw.SampleTimestamp()
	s.mu.Unlock()

	data, err := pkt.Marshal()
	if err != nil {
		return err
	}
	_, err = s.conn.WriteToUDPAddrPort(data, s.addr)
	return err
}
