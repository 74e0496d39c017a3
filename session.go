// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"context"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/rs/zerolog"

	"github.com/emiago/voxbridge/media"
	"github.com/emiago/voxbridge/realtime"
)

const sessionIngressLen = 64

type inboundFrame struct {
	payloadType uint8
	payload     []byte
}

// Session bridges one RTP peer to one dialog connection. It owns every
// per-call component and all the goroutines between them:
//
//	RTP in -> decode -> barge-in VAD -> jitter buffer -> resample up -> dialog
//	dialog -> resample down -> output buffer -> A-law encode -> paced RTP out
//
// Sessions never touch the registry that created them, teardown goes
// through the remove callback.
type Session struct {
	log  zerolog.Logger
	cfg  *Config
	addr netip.AddrPort

	idMu sync.Mutex
	id   string

	sender *packetSender
	jitter *media.JitterBuffer
	out    *media.OutputBuffer
	vad    *media.SpeechDetector
	dialog *realtime.Client

	transcriptMu sync.Mutex
	transcript   *TranscriptLog

	in chan inboundFrame

	inDropped atomic.Uint64
	latchOnce sync.Once

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once

	// remove asks the coordinator to detach this session
	remove func(*Session)
}

func newSession(cfg *Config, conn udpWriter, addr netip.AddrPort, id string, remove func(*Session), log zerolog.Logger) *Session {
	slog := log.With().Str("session", shortID(id)).Str("peer", addr.String()).Logger()

	s := &Session{
		log:    slog,
		cfg:    cfg,
		addr:   addr,
		id:     id,
		remove: remove,
		in:     make(chan inboundFrame, sessionIngressLen),
		sender: newPacketSender(conn, addr, cfg.FrameInterval, slog),
		jitter: media.NewJitterBuffer(cfg.JitterTarget, cfg.JitterMax, cfg.FrameInterval, slog),
		out:    media.NewOutputBuffer(media.FramePCM, cfg.OutputMax, cfg.FrameInterval, slog),
		vad:    media.NewSpeechDetector(cfg.BargeInThreshold, cfg.BargeInFrames),
	}

	s.dialog = realtime.NewClient(realtime.Config{
		URL:          cfg.RealtimeURL,
		Model:        cfg.RealtimeModel,
		APIKey:       cfg.OpenAIAPIKey,
		Voice:        cfg.RealtimeVoice,
		Instructions: cfg.Instructions,
		MinChunk:     cfg.MinInputChunk,
	}, s, s, slog)

	s.transcript = NewTranscriptLog(cfg.TranscriptDir, id, slog)
	return s
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func (s *Session) ID() string {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	return s.id
}

// SetID rebinds the session to a new call control id. Registration can
// land again for the same peer, last write wins.
func (s *Session) SetID(id string) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	if s.id == id {
		return
	}
	s.log.Info().Str("old", shortID(s.id)).Str("new", shortID(id)).Msg("Session id rebound")
	s.id = id
}

// Start spins up all session loops. The parent ctx scopes the whole
// call, Close cancels the derived one.
func (s *Session) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.dialog.Run(ctx); err != nil {
			s.log.Error().Err(err).Msg("Dialog failed, tearing session down")
			if s.remove != nil {
				s.remove(s)
			}
		}
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.jitter.Run(ctx, s.forwardToDialog)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.out.Run(ctx, s.emitFrame)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.sender.Run(ctx)
	}()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.ingressLoop(ctx)
	}()

	s.log.Info().Msg("Session started")
}

// HandleRTP takes one parsed packet from the demux goroutine. First
// packet latches the TX identity, then the payload is handed to the
// ingress loop without blocking the socket reader.
func (s *Session) HandleRTP(pkt *rtp.Packet) {
	s.latchOnce.Do(func() {
		s.sender.LatchRemote(pkt.PayloadType, pkt.SSRC, pkt.SequenceNumber, pkt.Timestamp)
		s.log.Info().Uint8("pt", pkt.PayloadType).Uint32("ssrc", pkt.SSRC).Msg("Inbound stream latched")
	})

	payload := make([]byte, len(pkt.Payload))
	copy(payload, pkt.Payload)

	select {
	case s.in <- inboundFrame{payloadType: pkt.PayloadType, payload: payload}:
	default:
		n := s.inDropped.Add(1)
		s.log.Warn().Uint64("dropped", n).Msg("Session ingress full, packet dropped")
	}
}

func (s *Session) ingressLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case f := <-s.in:
			s.handleInbound(f)
		}
	}
}

func (s *Session) handleInbound(f inboundFrame) {
	lpcm, err := media.DecodePayload(f.payloadType, f.payload)
	if err != nil {
		s.log.Warn().Err(err).Msg("Inbound payload dropped")
		return
	}

	if s.cfg.BargeInEnabled {
		rms := media.RMS(lpcm)
		if s.vad.Detect(rms, s.dialog.Speaking()) {
			s.bargeIn(rms)
		}
	}

	if s.cfg.JitterEnabled {
		s.jitter.Push(lpcm)
		return
	}
	s.forwardToDialog(lpcm)
}

func (s *Session) forwardToDialog(lpcm []byte) {
	wide, err := media.Resample(lpcm, media.RateTelephone, media.RateModel)
	if err != nil {
		s.log.Warn().Err(err).Msg("Upsample failed, frame dropped")
		return
	}
	s.dialog.PushPCM(wide)
}

// emitFrame carries one exact 20ms PCM frame to the wire.
func (s *Session) emitFrame(lpcm []byte) {
	s.sender.Enqueue(media.EncodeAlaw(lpcm))
}

func (s *Session) bargeIn(rms float64) {
	s.log.Info().Float64("rms", rms).Msg("Local barge-in, cutting playback")
	s.InterruptPlayback()
	s.dialog.Interrupt()
}

// HandleModelAudio implements realtime.AudioSink. Model audio arrives
// as 24kHz PCM16 chunks of arbitrary size.
func (s *Session) HandleModelAudio(lpcm []byte) {
	narrow, err := media.Resample(lpcm, media.RateModel, media.RateTelephone)
	if err != nil {
		s.log.Warn().Err(err).Msg("Downsample failed, chunk dropped")
		return
	}
	s.out.Push(narrow)
}

// InterruptPlayback implements realtime.AudioSink. Everything queued
// for the wire is discarded so the caller hears silence immediately.
func (s *Session) InterruptPlayback() {
	s.out.Interrupt()
	s.sender.Drain()
}

// OnUserTranscript implements realtime.TranscriptObserver.
func (s *Session) OnUserTranscript(text string) {
	s.log.Info().Str("text", text).Msg("User said")
	s.transcriptLog().User(text)
}

// OnBotTranscript implements realtime.TranscriptObserver.
func (s *Session) OnBotTranscript(text string) {
	s.log.Info().Str("text", text).Msg("Bot said")
	s.transcriptLog().Bot(text)
}

func (s *Session) transcriptLog() *TranscriptLog {
	s.transcriptMu.Lock()
	defer s.transcriptMu.Unlock()
	return s.transcript
}

// PrimePeer queues one silent frame so the first packet opens the
// path through NAT and unblocks the peer's RTP engine.
func (s *Session) PrimePeer() {
	s.sender.Enqueue(media.AlawSilence(media.FrameAlaw))
}

// Close stops all loops and waits for them. Safe to call more than
// once and from any goroutine except the session's own loops.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		// Best effort flush: whole frames still buffered go out, the
		// sub-frame tail is discarded
		s.jitter.Flush(s.forwardToDialog)
		s.out.Flush(s.emitFrame)

		if s.cancel != nil {
			s.cancel()
		}
		s.wg.Wait()

		s.transcriptMu.Lock()
		t := s.transcript
		s.transcript = nil
		s.transcriptMu.Unlock()
		t.Close()

		s.log.Info().Msg("Session closed")
	})
}
