// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// JitterBuffer reclocks bursty inbound frames to a steady cadence.
// Network side pushes decoded PCM frames as packets arrive, the Run
// loop emits them on the packetization interval once depth reaches
// target. Overflow drops the oldest frame.
type JitterBuffer struct {
	log      zerolog.Logger
	target   int
	max      int
	interval time.Duration

	mu       sync.Mutex
	frames   [][]byte
	dropped  uint64
	lastEmit time.Time
}

func NewJitterBuffer(target int, max int, interval time.Duration, log zerolog.Logger) *JitterBuffer {
	if target < 1 {
		target = 1
	}
	if max < target {
		max = target
	}
	return &JitterBuffer{
		log:      log,
		target:   target,
		max:      max,
		interval: interval,
	}
}

// Push queues one frame. When the buffer is full the oldest frame is
// dropped so playback stays near real time.
func (b *JitterBuffer) Push(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.frames) >= b.max {
		b.frames = b.frames[1:]
		b.dropped++
		b.log.Warn().Uint64("dropped", b.dropped).Msg("Jitter buffer overflow, oldest frame dropped")
	}
	b.frames = append(b.frames, frame)
}

func (b *JitterBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

func (b *JitterBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Run drives the emission loop until ctx is done. While depth is below
// target it holds frames to build headroom, sleeping half interval so
// a refill is picked up promptly. Emissions are spaced at least one
// interval apart.
func (b *JitterBuffer) Run(ctx context.Context, emit func(frame []byte)) {
	for {
		if ctx.Err() != nil {
			return
		}

		b.mu.Lock()
		depth := len(b.frames)
		var frame []byte
		if depth >= b.target {
			frame = b.frames[0]
			b.frames = b.frames[1:]
		}
		b.mu.Unlock()

		switch {
		case frame != nil:
			if wait := b.interval - time.Since(b.lastEmit); wait > 0 {
				if !sleepCtx(ctx, wait) {
					return
				}
			}
			b.lastEmit = time.Now()
			emit(frame)
		case depth > 0:
			if !sleepCtx(ctx, b.interval/2) {
				return
			}
		default:
			if !sleepCtx(ctx, b.interval) {
				return
			}
		}
	}
}

// Flush hands any frames still queued to emit, without pacing.
func (b *JitterBuffer) Flush(emit func(frame []byte)) {
	b.mu.Lock()
	frames := b.frames
	b.frames = nil
	b.mu.Unlock()

	for _, f := range frames {
		emit(f)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
