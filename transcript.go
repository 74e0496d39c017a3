// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package voxbridge

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// TranscriptLog writes a plaintext conversation log per call. Strictly
// best effort: any failure is logged and the call proceeds without a
// transcript. All methods are safe on a nil receiver.
type TranscriptLog struct {
	log zerolog.Logger

	mu sync.Mutex
	f  *os.File
}

// NewTranscriptLog opens call_<timestamp>_<id prefix>.txt under dir.
// Returns nil when dir is empty or the file cannot be created.
func NewTranscriptLog(dir string, sessionID string, log zerolog.Logger) *TranscriptLog {
	if dir == "" || sessionID == "" {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Transcript dir not available")
		return nil
	}

	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	name := fmt.Sprintf("call_%s_%s.txt", time.Now().Format("20060102_150405"), short)

	f, err := os.Create(filepath.Join(dir, name))
	if err != nil {
		log.Warn().Err(err).Str("file", name).Msg("Transcript file not created")
		return nil
	}

	fmt.Fprintf(f, "=== Conversation log ===\n")
	fmt.Fprintf(f, "Session: %s\n", sessionID)
	fmt.Fprintf(f, "Started: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(f, "========================\n\n")

	return &TranscriptLog{log: log, f: f}
}

func (t *TranscriptLog) User(text string) {
	t.line("USER", text)
}

func (t *TranscriptLog) Bot(text string) {
	t.line("BOT", text)
}

func (t *TranscriptLog) line(who string, text string) {
	if t == nil || text == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return
	}
	if _, err := fmt.Fprintf(t.f, "[%s] %s: %s\n", time.Now().Format("15:04:05"), who, text); err != nil {
		t.log.Warn().Err(err).Msg("Transcript write failed")
	}
}

func (t *TranscriptLog) Close() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return
	}
	fmt.Fprintf(t.f, "\n=== Call ended %s ===\n", time.Now().Format(time.RFC3339))
	if err := t.f.Close(); err != nil {
		t.log.Warn().Err(err).Msg("Transcript close failed")
	}
	t.f = nil
}
