// SPDX-License-Identifier: MPL-2.0
// SPDX-FileCopyrightText: Copyright (c) 2024, Emir Aganovic

package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestJitterBufferOrder(t *testing.T) {
	b := NewJitterBuffer(2, 5, 20*time.Millisecond, zerolog.Nop())
	b.Push([]byte{1})
	b.Push([]byte{2})
	b.Push([]byte{3})
	require.Equal(t, 3, b.Len())

	var got [][]byte
	b.Flush(func(f []byte) { got = append(got, f) })
	require.Equal(t, [][]byte{{1}, {2}, {3}}, got)
	require.Equal(t, 0, b.Len())
}

func TestJitterBufferOverflowDropsOldest(t *testing.T) {
	b := NewJitterBuffer(2, 3, 20*time.Millisecond, zerolog.Nop())
	b.Push([]byte{1})
	b.Push([]byte{2})
	b.Push([]byte{3})
	b.Push([]byte{4})

	require.Equal(t, 3, b.Len())
	require.Equal(t, uint64(1), b.Dropped())

	var got [][]byte
	b.Flush(func(f []byte) { got = append(got, f) })
	require.Equal(t, [][]byte{{2}, {3}, {4}}, got)
}

func TestJitterBufferHoldsBelowTarget(t *testing.T) {
	b := NewJitterBuffer(2, 10, 5*time.Millisecond, zerolog.Nop())
	b.Push([]byte{1})

	ctx, cancel := context.WithTimeout(context.Background(), 40*time.Millisecond)
	defer cancel()

	var mu sync.Mutex
	var emitted int
	b.Run(ctx, func([]byte) {
		mu.Lock()
		emitted++
		mu.Unlock()
	})
	require.Zero(t, emitted)
	require.Equal(t, 1, b.Len())
}

func TestJitterBufferEmitsAtTarget(t *testing.T) {
	b := NewJitterBuffer(2, 10, 5*time.Millisecond, zerolog.Nop())
	for i := 0; i < 4; i++ {
		b.Push([]byte{byte(i)})
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got [][]byte
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx, func(f []byte) {
			mu.Lock()
			got = append(got, f)
			mu.Unlock()
		})
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 3
	}, time.Second, time.Millisecond)

	// Fourth frame stays queued, depth is below target again
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	require.Len(t, got, 3)
	require.Equal(t, [][]byte{{0}, {1}, {2}}, got)
	mu.Unlock()

	cancel()
	<-done
}
