// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"context"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/emiago/voxbridge/media"
)

type fakeConn struct {
	mu      sync.Mutex
	packets []rtp.Packet
	stamps  []time.Time
}

func (c *fakeConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(append([]byte(nil), b...)); err != nil {
		return 0, err
	}
	c.mu.Lock()
	c.packets = append(c.packets, pkt)
	c.stamps = append(c.stamps, time.Now())
	c.mu.Unlock()
	return len(b), nil
}

func (c *fakeConn) snapshot() []rtp.Packet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]rtp.Packet(nil), c.packets...)
}

func testAddr() netip.AddrPort {
	return netip.AddrPortFrom(netip.AddrFrom4([4]byte{127, 0, 0, 1}), 5004)
}

func runSender(t *testing.T, s *packetSender, frames [][]byte, want int) *fakeConn {
	t.Helper()
	conn := s.conn.(*fakeConn)
	for _, f := range frames {
		s.Enqueue(f)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return len(conn.snapshot()) >= want
	}, 3*time.Second, time.Millisecond)
	cancel()
	<-done
	return conn
}

func TestSenderDefaults(t *testing.T) {
	s := newPacketSender(&fakeConn{}, testAddr(), time.Millisecond, zerolog.Nop())
	conn := runSender(t, s, [][]byte{media.AlawSilence(160)}, 1)

	pkt := conn.snapshot()[0]
	require.Equal(t, uint8(2), pkt.Version)
	require.Equal(t, uint8(8), pkt.PayloadType)
	require.Equal(t, uint32(0x12345678), pkt.SSRC)
	require.Equal(t, uint16(0), pkt.SequenceNumber)
	require.Equal(t, uint32(0), pkt.Timestamp)
	require.Len(t, pkt.Payload, 160)
}

func TestSenderLatchedIdentity(t *testing.T) {
	s := newPacketSender(&fakeConn{}, testAddr(), time.Millisecond, zerolog.Nop())
	s.LatchRemote(8, 0xCAFE, 1000, 5000)
	// Second latch must not take
	s.LatchRemote(0, 0xBEEF, 1, 1)

	frames := [][]byte{media.AlawSilence(160), media.AlawSilence(160)}
	conn := runSender(t, s, frames, 2)

	pkts := conn.snapshot()
	require.Equal(t, uint32(0xCAFE), pkts[0].SSRC)
	require.Equal(t, uint16(1000), pkts[0].SequenceNumber)
	require.Equal(t, uint32(5000), pkts[0].Timestamp)
	require.Equal(t, uint16(1001), pkts[1].SequenceNumber)
	require.Equal(t, uint32(5160), pkts[1].Timestamp)
}

func TestSenderSequenceWrap(t *testing.T) {
	s := newPacketSender(&fakeConn{}, testAddr(), time.Millisecond, zerolog.Nop())
	s.LatchRemote(8, 1, 65535, 0xFFFFFF60)

	frames := [][]byte{media.AlawSilence(160), media.AlawSilence(160), media.AlawSilence(160)}
	conn := runSender(t, s, frames, 3)

	pkts := conn.snapshot()
	require.Equal(t, uint16(65535), pkts[0].SequenceNumber)
	require.Equal(t, uint16(0), pkts[1].SequenceNumber)
	require.Equal(t, uint16(1), pkts[2].SequenceNumber)

	require.Equal(t, uint32(0xFFFFFF60), pkts[0].Timestamp)
	require.Equal(t, uint32(0), pkts[1].Timestamp)
	require.Equal(t, uint32(160), pkts[2].Timestamp)
}

func TestSenderOddSizeStillSent(t *testing.T) {
	s := newPacketSender(&fakeConn{}, testAddr(), time.Millisecond, zerolog.Nop())
	conn := runSender(t, s, [][]byte{media.AlawSilence(80)}, 1)
	require.Len(t, conn.snapshot()[0].Payload, 80)
}

func TestSenderDrain(t *testing.T) {
	s := newPacketSender(&fakeConn{}, testAddr(), time.Millisecond, zerolog.Nop())
	s.Enqueue(media.AlawSilence(160))
	s.Enqueue(media.AlawSilence(160))
	s.Drain()
	require.Empty(t, s.queue)
}

func TestSenderPacing(t *testing.T) {
	interval := 10 * time.Millisecond
	s := newPacketSender(&fakeConn{}, testAddr(), interval, zerolog.Nop())

	frames := make([][]byte, 4)
	for i := range frames {
		frames[i] = media.AlawSilence(160)
	}
	conn := runSender(t, s, frames, 4)

	conn.mu.Lock()
	stamps := append([]time.Time(nil), conn.stamps...)
	conn.mu.Unlock()
	for i := 1; i < len(stamps); i++ {
		require.GreaterOrEqual(t, stamps[i].Sub(stamps[i-1]), interval-2*time.Millisecond)
	}
}
