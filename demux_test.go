// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/emiago/voxbridge/media"
)

// dialogServer fakes the Realtime endpoint for bridge tests. It
// records client events and can push events to the connected client.
type dialogServer struct {
	t *testing.T

	mu     sync.Mutex
	conn   *websocket.Conn
	events []map[string]any

	connected chan struct{}
}

func newDialogServer(t *testing.T) (*dialogServer, *httptest.Server) {
	f := &dialogServer{t: t, connected: make(chan struct{})}
	srv := httptest.NewServer(http.HandlerFunc(f.handler))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *dialogServer) handler(w http.ResponseWriter, r *http.Request) {
	up := websocket.Upgrader{}
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	close(f.connected)

	conn.WriteJSON(map[string]any{"type": "session.created"})

	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			return
		}
		f.mu.Lock()
		f.events = append(f.events, ev)
		f.mu.Unlock()
	}
}

func (f *dialogServer) send(ev map[string]any) {
	f.mu.Lock()
	conn := f.conn
	f.mu.Unlock()
	require.NotNil(f.t, conn)
	require.NoError(f.t, conn.WriteJSON(ev))
}

func (f *dialogServer) appendBytes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, ev := range f.events {
		if ev["type"] != "input_audio_buffer.append" {
			continue
		}
		audio, _ := ev["audio"].(string)
		data, err := base64.StdEncoding.DecodeString(audio)
		require.NoError(f.t, err)
		total += len(data)
	}
	return total
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func testConfig(realtimeURL string) *Config {
	return &Config{
		RTPHost:          "127.0.0.1",
		RTPPort:          0,
		RealtimeURL:      realtimeURL,
		RealtimeModel:    "test-model",
		RealtimeVoice:    "alloy",
		OpenAIAPIKey:     "test-key",
		Instructions:     "test",
		JitterEnabled:    true,
		JitterTarget:     2,
		JitterMax:        200,
		OutputMax:        200,
		BargeInEnabled:   true,
		BargeInThreshold: 0.08,
		BargeInFrames:    2,
		MinInputChunk:    1440,
		FrameInterval:    5 * time.Millisecond,
	}
}

func startBridge(t *testing.T, cfg *Config) *UDPServer {
	t.Helper()
	srv := NewUDPServer(cfg, zerolog.Nop())
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		srv.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		srv.Close()
		<-done
	})
	return srv
}

func bridgeAddr(t *testing.T, srv *UDPServer) *net.UDPAddr {
	la, ok := srv.conn.LocalAddr().(*net.UDPAddr)
	require.True(t, ok)
	return la
}

func dialPeer(t *testing.T, srv *UDPServer) *net.UDPConn {
	t.Helper()
	peer, err := net.DialUDP("udp", nil, bridgeAddr(t, srv))
	require.NoError(t, err)
	t.Cleanup(func() { peer.Close() })
	return peer
}

func alawPacket(t *testing.T, seq uint16, ts uint32, ssrc uint32) []byte {
	t.Helper()
	pkt := rtp.Packet{
		Header: rtp.Header{
			Version:        2,
			PayloadType:    8,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           ssrc,
		},
		Payload: media.AlawSilence(160),
	}
	data, err := pkt.Marshal()
	require.NoError(t, err)
	return data
}

func TestDemuxRejectsNonRTP(t *testing.T) {
	_, fakeSrv := newDialogServer(t)
	srv := startBridge(t, testConfig(wsURL(fakeSrv.URL)))
	peer := dialPeer(t, srv)

	// Short datagram
	_, err := peer.Write([]byte("garbage"))
	require.NoError(t, err)

	// Right length, wrong version
	bad := make([]byte, 20)
	bad[0] = 0x40
	_, err = peer.Write(bad)
	require.NoError(t, err)

	// Self test sentinel from loopback
	_, err = peer.Write([]byte("TEST-UDP-SELF"))
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	require.Zero(t, srv.Sessions())
}

func TestBridgeRoundTrip(t *testing.T) {
	fake, fakeSrv := newDialogServer(t)
	srv := startBridge(t, testConfig(wsURL(fakeSrv.URL)))
	peer := dialPeer(t, srv)

	// Caller audio: a few frames create the session and flow upstream
	for i := 0; i < 8; i++ {
		_, err := peer.Write(alawPacket(t, uint16(1000+i), uint32(5000+160*i), 0xAA))
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		return srv.Sessions() == 1
	}, 2*time.Second, 10*time.Millisecond)

	select {
	case <-fake.connected:
	case <-time.After(2 * time.Second):
		t.Fatal("dialog never connected")
	}

	// Each 20ms frame becomes 960 bytes at 24kHz, appends coalesce
	// to at least MinInputChunk
	require.Eventually(t, func() bool {
		return fake.appendBytes() >= 1440
	}, 3*time.Second, 10*time.Millisecond)

	// Model audio: 3 frames worth of 24kHz PCM comes back as paced,
	// latched RTP towards the caller
	fake.send(map[string]any{
		"type":     "response.created",
		"response": map[string]any{"id": "r1"},
	})
	fake.send(map[string]any{
		"type":        "response.audio.delta",
		"response_id": "r1",
		"delta":       base64.StdEncoding.EncodeToString(make([]byte, 3*media.FramePCMWide)),
	})

	peer.SetReadDeadline(time.Now().Add(3 * time.Second))
	var pkts []rtp.Packet
	buf := make([]byte, 1600)
	for len(pkts) < 3 {
		n, err := peer.Read(buf)
		require.NoError(t, err)
		var pkt rtp.Packet
		require.NoError(t, pkt.Unmarshal(append([]byte(nil), buf[:n]...)))
		pkts = append(pkts, pkt)
	}

	for i, pkt := range pkts {
		require.Equal(t, uint8(2), pkt.Version)
		require.Equal(t, uint8(8), pkt.PayloadType)
		require.Equal(t, uint32(0xAA), pkt.SSRC, "TX mirrors the latched SSRC")
		require.Equal(t, uint16(1000+i), pkt.SequenceNumber)
		require.Equal(t, uint32(5000+160*i), pkt.Timestamp)
		require.Len(t, pkt.Payload, 160)
	}
}

func TestRegisterPrimesPeer(t *testing.T) {
	_, fakeSrv := newDialogServer(t)
	srv := startBridge(t, testConfig(wsURL(fakeSrv.URL)))

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	peerAddr := peer.LocalAddr().(*net.UDPAddr)

	// Peer socket must aim at the bridge so replies come back here
	require.NoError(t, srv.Register("127.0.0.1", peerAddr.Port, "uuid-1"))
	require.Equal(t, 1, srv.Sessions())

	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1600)
	n, from, err := peer.ReadFromUDP(buf)
	require.NoError(t, err)
	require.Equal(t, bridgeAddr(t, srv).Port, from.Port)

	var pkt rtp.Packet
	require.NoError(t, pkt.Unmarshal(append([]byte(nil), buf[:n]...)))
	require.Equal(t, uint8(8), pkt.PayloadType)
	require.Equal(t, uint32(0x12345678), pkt.SSRC)
	require.Len(t, pkt.Payload, 160)
	for _, b := range pkt.Payload {
		require.Equal(t, byte(0xD5), b)
	}
}

func TestRegisterIdempotent(t *testing.T) {
	_, fakeSrv := newDialogServer(t)
	srv := startBridge(t, testConfig(wsURL(fakeSrv.URL)))

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer peer.Close()
	port := peer.LocalAddr().(*net.UDPAddr).Port

	require.NoError(t, srv.Register("127.0.0.1", port, "uuid-1"))
	require.NoError(t, srv.Register("127.0.0.1", port, "uuid-2"))
	require.Equal(t, 1, srv.Sessions())

	// Old id no longer resolves, the rebind won
	require.Zero(t, srv.Unregister("uuid-1"))
	require.Equal(t, 1, srv.Unregister("uuid-2"))
	require.Zero(t, srv.Sessions())
}

func TestRegisterValidation(t *testing.T) {
	_, fakeSrv := newDialogServer(t)
	srv := startBridge(t, testConfig(wsURL(fakeSrv.URL)))

	require.Error(t, srv.Register("not-an-ip", 4000, "x"))
	require.Error(t, srv.Register("127.0.0.1", 0, "x"))
	require.Error(t, srv.Register("127.0.0.1", 4000, ""))
	require.Zero(t, srv.Sessions())
}

func TestUnregisterUnknown(t *testing.T) {
	_, fakeSrv := newDialogServer(t)
	srv := startBridge(t, testConfig(wsURL(fakeSrv.URL)))
	require.Zero(t, srv.Unregister("missing"))
}
