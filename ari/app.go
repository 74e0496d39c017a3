// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ari

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// MediaRegistry lets the call control plane announce and revoke media
// sessions. Satisfied by the bridge's UDP server registry.
type MediaRegistry interface {
	Register(ip string, port int, sessionID string) error
	Unregister(sessionID string) int
}

// AppConfig wires the Stasis application to Asterisk and the media
// server it should point external media at.
type AppConfig struct {
	// HTTP base of ARI, e.g. http://127.0.0.1:8088/ari
	BaseURL  string
	Username string
	Password string
	App      string

	// Address Asterisk should send RTP to
	MediaHost string
	MediaPort int
}

type call struct {
	channelID  string
	externalID string
	bridgeID   string
	sessionID  string
}

// App runs the Stasis event loop. Each incoming PJSIP channel gets a
// bridge, an external media leg towards the media server and a fresh
// session id carried in the externalMedia data field.
type App struct {
	cfg    AppConfig
	client *Client
	media  MediaRegistry
	log    zerolog.Logger

	mu    sync.Mutex
	calls map[string]*call
}

func NewApp(cfg AppConfig, media MediaRegistry, log zerolog.Logger) *App {
	return &App{
		cfg:    cfg,
		client: NewClient(cfg.BaseURL, cfg.Username, cfg.Password, log),
		media:  media,
		log:    log.With().Str("caller", "stasis").Logger(),
		calls:  make(map[string]*call),
	}
}

// Client exposes the REST client, mostly for diagnostics.
func (a *App) Client() *Client {
	return a.client
}

func (a *App) eventsURL() (string, error) {
	u, err := url.Parse(a.cfg.BaseURL)
	if err != nil {
		return "", fmt.Errorf("stasis: bad base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/events"
	q := u.Query()
	q.Set("app", a.cfg.App)
	q.Set("api_key", a.cfg.Username+":"+a.cfg.Password)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Run keeps the events websocket alive until ctx is done, reconnecting
// with linear backoff capped at 30 seconds.
func (a *App) Run(ctx context.Context) error {
	wsURL, err := a.eventsURL()
	if err != nil {
		return err
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		err := a.serveOnce(ctx, wsURL)
		if ctx.Err() != nil {
			return nil
		}
		attempt++
		backoff := time.Duration(attempt) * 5 * time.Second
		if backoff > 30*time.Second {
			backoff = 30 * time.Second
		}
		a.log.Warn().Err(err).Dur("backoff", backoff).Msg("Stasis connection lost, reconnecting")

		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (a *App) serveOnce(ctx context.Context, wsURL string) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("stasis: dial events: %w", err)
	}
	defer conn.Close()

	a.log.Info().Str("app", a.cfg.App).Msg("Stasis events connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("stasis: read event: %w", err)
		}

		var ev stasisEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			a.log.Warn().Err(err).Msg("Bad stasis event, skipping")
			continue
		}
		a.handleEvent(ctx, &ev)
	}
}

type stasisEvent struct {
	Type    string `json:"type"`
	Channel struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"channel"`
}

func (a *App) handleEvent(ctx context.Context, ev *stasisEvent) {
	switch ev.Type {
	case "StasisStart":
		// External media legs enter Stasis too, only real calls start a bridge
		if !strings.HasPrefix(ev.Channel.Name, "PJSIP/") {
			a.log.Debug().Str("channel", ev.Channel.Name).Msg("Ignoring non PJSIP channel")
			return
		}
		a.startCall(ctx, ev.Channel.ID, ev.Channel.Name)

	case "StasisEnd", "ChannelDestroyed":
		a.endCall(ctx, ev.Channel.ID)
	}
}

func (a *App) startCall(ctx context.Context, channelID string, name string) {
	sessionID := uuid.NewString()
	log := a.log.With().Str("channel", name).Str("session", sessionID[:8]).Logger()
	log.Info().Msg("Call entering bridge")

	bridgeID, err := a.client.CreateBridge(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Bridge create failed, hanging up")
		a.client.HangupChannel(ctx, channelID)
		return
	}

	externalHost := fmt.Sprintf("%s:%d", a.cfg.MediaHost, a.cfg.MediaPort)
	externalID, err := a.client.CreateExternalMedia(ctx, a.cfg.App, externalHost, sessionID)
	if err != nil {
		log.Error().Err(err).Msg("External media failed, hanging up")
		a.client.DeleteBridge(ctx, bridgeID)
		a.client.HangupChannel(ctx, channelID)
		return
	}

	if err := a.client.AnswerChannel(ctx, channelID); err != nil {
		log.Error().Err(err).Msg("Answer failed")
	}
	if err := a.client.AddChannelToBridge(ctx, bridgeID, channelID); err != nil {
		log.Error().Err(err).Msg("Caller not added to bridge")
	}
	if err := a.client.AddChannelToBridge(ctx, bridgeID, externalID); err != nil {
		log.Error().Err(err).Msg("External media not added to bridge")
	}

	a.mu.Lock()
	a.calls[channelID] = &call{
		channelID:  channelID,
		externalID: externalID,
		bridgeID:   bridgeID,
		sessionID:  sessionID,
	}
	a.mu.Unlock()
}

func (a *App) endCall(ctx context.Context, channelID string) {
	a.mu.Lock()
	c := a.calls[channelID]
	delete(a.calls, channelID)
	a.mu.Unlock()
	if c == nil {
		return
	}

	log := a.log.With().Str("session", c.sessionID[:8]).Logger()
	log.Info().Msg("Call ended, cleaning up")

	if err := a.client.HangupChannel(ctx, c.externalID); err != nil {
		log.Warn().Err(err).Msg("External media hangup failed")
	}
	if err := a.client.DeleteBridge(ctx, c.bridgeID); err != nil {
		log.Warn().Err(err).Msg("Bridge delete failed")
	}
	if a.media != nil {
		if removed := a.media.Unregister(c.sessionID); removed == 0 {
			log.Debug().Msg("No media session was bound to this call")
		}
	}
}
