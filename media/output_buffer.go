// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// OutputBuffer reframes model audio for the wire. Chunks of arbitrary
// length go in, exact frameSize byte frames come out on the
// packetization interval. Interrupt throws away everything pending,
// used when the caller barges in over playback.
type OutputBuffer struct {
	log       zerolog.Logger
	frameSize int
	max       int
	interval  time.Duration

	mu      sync.Mutex
	chunks  [][]byte
	acc     []byte
	dropped uint64

	lastEmit time.Time
}

func NewOutputBuffer(frameSize int, max int, interval time.Duration, log zerolog.Logger) *OutputBuffer {
	return &OutputBuffer{
		log:       log,
		frameSize: frameSize,
		max:       max,
		interval:  interval,
	}
}

// Push queues one chunk, dropping the oldest queued chunk on overflow.
func (b *OutputBuffer) Push(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.chunks) >= b.max {
		b.chunks = b.chunks[1:]
		b.dropped++
		b.log.Warn().Uint64("dropped", b.dropped).Msg("Output buffer overflow, oldest chunk dropped")
	}
	b.chunks = append(b.chunks, chunk)
}

func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}

func (b *OutputBuffer) Dropped() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// Interrupt discards queued chunks and the partial frame accumulator.
func (b *OutputBuffer) Interrupt() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.acc = nil
}

// nextFrame pulls queued chunks into the accumulator and cuts one
// exact frame, or nil when not enough data buffered yet.
func (b *OutputBuffer) nextFrame() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	for len(b.acc) < b.frameSize && len(b.chunks) > 0 {
		b.acc = append(b.acc, b.chunks[0]...)
		b.chunks = b.chunks[1:]
	}
	if len(b.acc) < b.frameSize {
		return nil
	}
	frame := make([]byte, b.frameSize)
	copy(frame, b.acc)
	b.acc = b.acc[b.frameSize:]
	return frame
}

// Run emits frames until ctx is done, spaced at least one interval apart.
func (b *OutputBuffer) Run(ctx context.Context, emit func(frame []byte)) {
	for {
		if ctx.Err() != nil {
			return
		}

		frame := b.nextFrame()
		if frame == nil {
			// Nothing buffered, wait out a full interval
			if !sleepCtx(ctx, b.interval) {
				return
			}
			continue
		}

		if wait := b.interval - time.Since(b.lastEmit); wait > 0 {
			if !sleepCtx(ctx, wait) {
				return
			}
		}
		b.lastEmit = time.Now()
		emit(frame)
	}
}

// Flush emits remaining full frames without pacing. The sub-frame tail
// is discarded, the wire only carries whole frames.
func (b *OutputBuffer) Flush(emit func(frame []byte)) {
	for {
		frame := b.nextFrame()
		if frame == nil {
			break
		}
		emit(frame)
	}
	b.mu.Lock()
	b.acc = nil
	b.mu.Unlock()
}
