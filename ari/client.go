// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package ari

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client is a thin Asterisk REST Interface client covering just the
// operations the bridge needs. Every call carries basic auth and the
// shared 10 second timeout.
type Client struct {
	base string
	user string
	pass string
	log  zerolog.Logger

	http *http.Client
}

func NewClient(baseURL string, user string, pass string, log zerolog.Logger) *Client {
	return &Client{
		base: baseURL,
		user: user,
		pass: pass,
		log:  log.With().Str("caller", "ari").Logger(),
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

type apiError struct {
	Status int
	Body   string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ari: status %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method string, path string, body any, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("ari: marshal body: %w", err)
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, rd)
	if err != nil {
		return fmt.Errorf("ari: build request: %w", err)
	}
	req.SetBasicAuth(c.user, c.pass)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("ari: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &apiError{Status: resp.StatusCode, Body: string(data)}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("ari: decode %s response: %w", path, err)
		}
	}
	return nil
}

// CreateBridge makes a new bridge and returns its id.
func (c *Client) CreateBridge(ctx context.Context) (string, error) {
	var bridge struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/bridges", map[string]any{"type": "simple"}, &bridge)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("bridge", bridge.ID).Msg("Bridge created")
	return bridge.ID, nil
}

func (c *Client) DeleteBridge(ctx context.Context, bridgeID string) error {
	err := c.do(ctx, http.MethodDelete, "/bridges/"+bridgeID, nil, nil)
	if isGone(err) {
		return nil
	}
	return err
}

func (c *Client) AddChannelToBridge(ctx context.Context, bridgeID string, channelID string) error {
	return c.do(ctx, http.MethodPost, "/bridges/"+bridgeID+"/addChannel",
		map[string]any{"channel": channelID}, nil)
}

// BridgeChannels lists channel ids currently in the bridge.
func (c *Client) BridgeChannels(ctx context.Context, bridgeID string) ([]string, error) {
	var bridge struct {
		Channels []string `json:"channels"`
	}
	if err := c.do(ctx, http.MethodGet, "/bridges/"+bridgeID, nil, &bridge); err != nil {
		return nil, err
	}
	return bridge.Channels, nil
}

func (c *Client) AnswerChannel(ctx context.Context, channelID string) error {
	return c.do(ctx, http.MethodPost, "/channels/"+channelID+"/answer", nil, nil)
}

// HangupChannel ends the channel. Channels that already went away are
// not an error, hangup races StasisEnd all the time.
func (c *Client) HangupChannel(ctx context.Context, channelID string) error {
	err := c.do(ctx, http.MethodDelete, "/channels/"+channelID, nil, nil)
	if isGone(err) {
		return nil
	}
	return err
}

// CreateExternalMedia starts an RTP leg towards the media server and
// returns the created channel id. sessionID rides in the data field so
// the media side can correlate the stream.
func (c *Client) CreateExternalMedia(ctx context.Context, app string, externalHost string, sessionID string) (string, error) {
	var ch struct {
		ID string `json:"id"`
	}
	err := c.do(ctx, http.MethodPost, "/channels/externalMedia", map[string]any{
		"app":             app,
		"external_host":   externalHost,
		"format":          "alaw",
		"encapsulation":   "rtp",
		"transport":       "udp",
		"connection_type": "client",
		"direction":       "both",
		"data":            sessionID,
	}, &ch)
	if err != nil {
		return "", err
	}
	c.log.Debug().Str("channel", ch.ID).Str("session", sessionID).Msg("External media created")
	return ch.ID, nil
}

func isGone(err error) bool {
	var ae *apiError
	if !errors.As(err, &ae) {
		return false
	}
	return ae.Status == http.StatusNotFound || ae.Status == http.StatusGone
}
