// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package realtime

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// DialogState tracks who holds the floor on the call.
type DialogState int32

const (
	StateIdle DialogState = iota
	StateUserSpeaking
	StateAwaitingResponse
	StateModelSpeaking
)

func (s DialogState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateUserSpeaking:
		return "user_speaking"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateModelSpeaking:
		return "model_speaking"
	}
	return "unknown"
}

// AudioSink receives model audio and interrupt requests. Implemented
// by the session's egress side.
type AudioSink interface {
	// HandleModelAudio gets 24kHz PCM16 chunks as deltas arrive
	HandleModelAudio(lpcm []byte)
	// InterruptPlayback discards all pending egress audio
	InterruptPlayback()
}

// TranscriptObserver gets finalized utterance texts.
type TranscriptObserver interface {
	OnUserTranscript(text string)
	OnBotTranscript(text string)
}

type Config struct {
	URL          string
	Model        string
	APIKey       string
	Voice        string
	Instructions string

	// Minimum bytes per audio append, smaller frames are coalesced
	MinChunk int
	// Capacity of the inbound PCM queue
	QueueSize int

	HandshakeTimeout time.Duration
}

func (c *Config) withDefaults() {
	if c.MinChunk <= 0 {
		c.MinChunk = 1440
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 200
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.Voice == "" {
		c.Voice = "alloy"
	}
}

// Client speaks the Realtime websocket protocol for one call. Caller
// audio goes in through PushPCM, model audio and interrupts come out
// through the AudioSink. Run owns the connection for its whole life.
type Client struct {
	cfg  Config
	log  zerolog.Logger
	sink AudioSink
	obs  TranscriptObserver

	conn    *websocket.Conn
	writeMu sync.Mutex

	pcm         chan []byte
	pcmDropped  atomic.Uint64
	greetedOnce sync.Once

	state atomic.Int32

	respMu         sync.Mutex
	activeResponse string
	staleResponse  string
	staleDropped   uint64
	botBuf         strings.Builder
	userBuf        strings.Builder
}

func NewClient(cfg Config, sink AudioSink, obs TranscriptObserver, log zerolog.Logger) *Client {
	cfg.withDefaults()
	return &Client{
		cfg:  cfg,
		log:  log,
		sink: sink,
		obs:  obs,
		pcm:  make(chan []byte, cfg.QueueSize),
	}
}

func (c *Client) State() DialogState {
	return DialogState(c.state.Load())
}

// Speaking reports whether model playback is in progress, the gate for
// local barge-in detection.
func (c *Client) Speaking() bool {
	return c.State() == StateModelSpeaking
}

func (c *Client) setState(s DialogState) {
	old := DialogState(c.state.Swap(int32(s)))
	if old != s {
		c.log.Debug().Str("from", old.String()).Str("to", s.String()).Msg("Dialog state")
	}
}

// PushPCM queues one 24kHz PCM16 frame for the model. Never blocks:
// when the queue is full the frame is dropped with a warning, ingress
// must not stall on a slow websocket.
func (c *Client) PushPCM(lpcm []byte) {
	select {
	case c.pcm <- lpcm:
	default:
		n := c.pcmDropped.Add(1)
		c.log.Warn().Uint64("dropped", n).Msg("Dialog PCM queue full, frame dropped")
	}
}

// Interrupt handles a locally detected barge-in: playback is already
// being cut by the caller, here the response bookkeeping is reset.
// Nothing is sent to the server, its own VAD will cancel the response.
func (c *Client) Interrupt() {
	c.respMu.Lock()
	if c.activeResponse != "" {
		c.staleResponse = c.activeResponse
	}
	c.activeResponse = ""
	c.respMu.Unlock()
	c.setState(StateUserSpeaking)
}

// Run connects and serves the websocket until ctx is done or the
// connection fails. A non-nil error means the dialog is unusable and
// the session should be torn down.
func (c *Client) Run(ctx context.Context) error {
	url := c.cfg.URL + "?model=" + c.cfg.Model
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	header.Set("OpenAI-Beta", "realtime=v1")

	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.HandshakeTimeout}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("realtime: dial status %d: %w", resp.StatusCode, err)
		}
		return fmt.Errorf("realtime: dial: %w", err)
	}
	c.conn = conn
	defer conn.Close()

	c.log.Info().Str("model", c.cfg.Model).Msg("Dialog connected")

	if err := c.configureSession(); err != nil {
		return err
	}

	// The group context must not shadow the parent: Wait cancels it
	// either way, only the parent tells shutdown from failure.
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		c.writeMu.Lock()
		c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.writeMu.Unlock()
		c.conn.Close()
		return nil
	})
	g.Go(func() error { return c.sendLoop(gctx) })
	g.Go(func() error { return c.receiveLoop(gctx) })

	err = g.Wait()
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *Client) configureSession() error {
	return c.sendJSON(sessionUpdateEvent{
		Type: "session.update",
		Session: sessionConfig{
			Modalities:        []string{"audio", "text"},
			Instructions:      c.cfg.Instructions,
			Voice:             c.cfg.Voice,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
			InputAudioTranscription: &transcriptionConfig{
				Model: "whisper-1",
			},
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         0.5,
				PrefixPaddingMS:   500,
				SilenceDurationMS: 800,
			},
		},
	})
}

func (c *Client) sendJSON(v any) error {
	if c.conn == nil {
		return errors.New("realtime: not connected")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("realtime: marshal event: %w", err)
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// sendLoop forwards caller audio, coalescing frames until MinChunk so
// the server is not flooded with tiny appends.
func (c *Client) sendLoop(ctx context.Context) error {
	for {
		var buf []byte
		select {
		case <-ctx.Done():
			return nil
		case frame := <-c.pcm:
			buf = frame
		}

		for len(buf) < c.cfg.MinChunk {
			select {
			case <-ctx.Done():
				return nil
			case more := <-c.pcm:
				buf = append(buf, more...)
			}
		}

		err := c.sendJSON(audioAppendEvent{
			Type:  "input_audio_buffer.append",
			Audio: base64.StdEncoding.EncodeToString(buf),
		})
		if err != nil {
			return err
		}
	}
}

func (c *Client) receiveLoop(ctx context.Context) error {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("realtime: read: %w", err)
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.log.Warn().Err(err).Msg("Bad dialog event, skipping")
			continue
		}
		if err := c.handleEvent(&ev); err != nil {
			return err
		}
	}
}

func (c *Client) handleEvent(ev *serverEvent) error {
	switch ev.Type {
	case "session.created":
		c.log.Debug().Msg("Dialog session created")
		return c.greet()

	case "session.updated":
		c.log.Debug().Msg("Dialog session updated")

	case "response.created":
		c.beginResponse(ev.Response.ID)

	case "response.audio.delta":
		lpcm, err := base64.StdEncoding.DecodeString(ev.Delta)
		if err != nil {
			c.log.Warn().Err(err).Msg("Bad audio delta, skipping")
			return nil
		}
		c.handleAudioDelta(ev.ResponseID, lpcm)

	case "response.audio_transcript.delta":
		c.respMu.Lock()
		c.botBuf.WriteString(ev.Delta)
		c.respMu.Unlock()

	case "response.audio_transcript.done":
		c.finishBotTranscript(ev.Transcript)

	case "conversation.item.input_audio_transcription.delta":
		c.respMu.Lock()
		c.userBuf.WriteString(ev.Delta)
		c.respMu.Unlock()

	case "conversation.item.input_audio_transcription.completed",
		"conversation.item.input_audio_transcription.done":
		c.finishUserTranscript(ev.Transcript)

	case "input_audio_buffer.speech_started":
		// Server VAD heard the caller, cut playback right away
		c.log.Debug().Msg("Server VAD: speech started")
		c.sink.InterruptPlayback()
		c.respMu.Lock()
		if c.activeResponse != "" {
			c.staleResponse = c.activeResponse
		}
		c.activeResponse = ""
		c.respMu.Unlock()
		c.setState(StateUserSpeaking)

	case "input_audio_buffer.speech_stopped":
		c.log.Debug().Msg("Server VAD: speech stopped")
		c.setState(StateAwaitingResponse)

	case "response.completed", "response.done":
		c.finishResponse(c.eventResponseID(ev))

	case "response.canceled", "response.cancelled", "response.error":
		c.finishResponse(c.eventResponseID(ev))

	case "error":
		if ev.Error != nil {
			c.log.Error().Str("code", ev.Error.Code).Str("error_type", ev.Error.Type).
				Str("message", ev.Error.Message).Msg("Dialog error event")
		}
		c.finishResponse("")
	}
	return nil
}

func (c *Client) eventResponseID(ev *serverEvent) string {
	if ev.Response.ID != "" {
		return ev.Response.ID
	}
	return ev.ResponseID
}

// greet asks the model to open the conversation, once per call.
func (c *Client) greet() error {
	var err error
	c.greetedOnce.Do(func() {
		err = c.sendJSON(responseCreateEvent{Type: "response.create"})
	})
	return err
}

func (c *Client) beginResponse(id string) {
	if id == "" {
		return
	}
	c.respMu.Lock()
	prev := c.activeResponse
	c.activeResponse = id
	if c.staleResponse == id {
		c.staleResponse = ""
	}
	c.botBuf.Reset()
	c.respMu.Unlock()

	if prev != "" && prev != id {
		// New response supersedes one still playing out
		c.sink.InterruptPlayback()
	}
	c.setState(StateModelSpeaking)
	c.log.Debug().Str("response", id).Msg("Response started")
}

func (c *Client) handleAudioDelta(id string, lpcm []byte) {
	c.respMu.Lock()
	if c.activeResponse == "" && id != "" && id != c.staleResponse {
		// Delta beat response.created, adopt the response here
		c.activeResponse = id
		c.respMu.Unlock()
		c.setState(StateModelSpeaking)
		c.sink.HandleModelAudio(lpcm)
		return
	}
	if id != c.activeResponse {
		c.staleDropped++
		n := c.staleDropped
		c.respMu.Unlock()
		c.log.Debug().Str("response", id).Uint64("dropped", n).Msg("Stale audio delta dropped")
		return
	}
	c.respMu.Unlock()
	c.sink.HandleModelAudio(lpcm)
}

func (c *Client) finishResponse(id string) {
	c.respMu.Lock()
	if id != "" && c.activeResponse != "" && id != c.activeResponse {
		c.respMu.Unlock()
		return
	}
	if c.activeResponse != "" {
		c.staleResponse = c.activeResponse
	}
	c.activeResponse = ""
	// A canceled or errored response never delivers its transcript
	c.botBuf.Reset()
	c.respMu.Unlock()
	c.setState(StateIdle)
}

func (c *Client) finishBotTranscript(full string) {
	c.respMu.Lock()
	text := full
	if text == "" {
		text = c.botBuf.String()
	}
	c.botBuf.Reset()
	c.respMu.Unlock()

	if text != "" && c.obs != nil {
		c.obs.OnBotTranscript(text)
	}
}

func (c *Client) finishUserTranscript(full string) {
	c.respMu.Lock()
	text := full
	if text == "" {
		text = c.userBuf.String()
	}
	c.userBuf.Reset()
	c.respMu.Unlock()

	if text != "" && c.obs != nil {
		c.obs.OnUserTranscript(text)
	}
}
