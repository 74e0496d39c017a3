// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

const defaultInstructions = "You are a helpful voice assistant on a phone call. " +
	"Keep answers short and conversational."

// Config is loaded once at startup and never mutated after. Components
// receive it by pointer and treat it as read only.
type Config struct {
	RTPHost  string
	RTPPort  int
	HTTPHost string
	HTTPPort int

	// Address advertised to the call control plane for external media
	MediaHost string
	MediaPort int

	RealtimeURL   string
	RealtimeModel string
	RealtimeVoice string
	OpenAIAPIKey  string
	Instructions  string

	TranscriptDir string

	JitterEnabled bool
	JitterTarget  int
	JitterMax     int

	OutputMax int

	BargeInEnabled   bool
	BargeInThreshold float64
	BargeInFrames    int

	// Minimum bytes of 24kHz PCM coalesced per dialog append
	MinInputChunk int

	FrameInterval time.Duration

	ARIURL      string
	ARIUsername string
	ARIPassword string
	ARIApp      string
}

// LoadConfig reads configuration from environment with defaults that
// match a single host Asterisk deployment.
func LoadConfig() (*Config, error) {
	c := &Config{
		RTPHost:  envStr("VOX_RTP_HOST", "0.0.0.0"),
		RTPPort:  envInt("VOX_RTP_PORT", 7575),
		HTTPHost: envStr("VOX_HTTP_HOST", "0.0.0.0"),
		HTTPPort: envInt("VOX_HTTP_PORT", 8888),

		MediaHost: envStr("VOX_MEDIA_HOST", "127.0.0.1"),
		MediaPort: envInt("VOX_MEDIA_PORT", 7575),

		RealtimeURL:   envStr("VOX_REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel: envStr("VOX_REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice: envStr("VOX_REALTIME_VOICE", "alloy"),
		OpenAIAPIKey:  os.Getenv("OPENAI_API_KEY"),

		TranscriptDir: envStr("VOX_TRANSCRIPT_DIR", "conversations"),

		JitterEnabled: envBool("VOX_JITTER_ENABLED", true),
		JitterTarget:  envInt("VOX_JITTER_TARGET_FRAMES", 2),
		JitterMax:     envInt("VOX_JITTER_MAX_FRAMES", 200),

		OutputMax: envInt("VOX_OUTPUT_MAX_CHUNKS", 200),

		BargeInEnabled:   envBool("VOX_BARGE_IN_ENABLED", true),
		BargeInThreshold: envFloat("VOX_BARGE_IN_THRESHOLD", 0.08),
		BargeInFrames:    envInt("VOX_BARGE_IN_FRAMES", 2),

		MinInputChunk: envInt("VOX_MIN_INPUT_CHUNK", 1440),

		FrameInterval: 20 * time.Millisecond,

		ARIURL:      os.Getenv("ARI_URL"),
		ARIUsername: os.Getenv("ARI_USERNAME"),
		ARIPassword: os.Getenv("ARI_PASSWORD"),
		ARIApp:      envStr("ARI_APP", "voicebot"),
	}

	if c.RTPPort <= 0 || c.RTPPort > 65535 {
		return nil, fmt.Errorf("config: bad rtp port %d", c.RTPPort)
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return nil, fmt.Errorf("config: bad http port %d", c.HTTPPort)
	}
	if c.JitterTarget < 1 {
		return nil, fmt.Errorf("config: jitter target must be at least 1")
	}
	if c.JitterMax < c.JitterTarget {
		return nil, fmt.Errorf("config: jitter max %d below target %d", c.JitterMax, c.JitterTarget)
	}

	c.Instructions = loadInstructions(envStr("VOX_INSTRUCTIONS_FILE", "instructions.txt"))
	return c, nil
}

func loadInstructions(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return defaultInstructions
	}
	return string(data)
}

func envStr(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
