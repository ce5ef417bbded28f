package transport

import (
	"context"
	"io"
	"testing"
	"time"
)

func TestDrainBatchStopsAtMaxSize(t *testing.T) {
	ch := make(chan any, 10)
	for i := 0; i < 5; i++ {
		ch <- i
	}

	var got []any
	cfg := drainConfig{MaxSize: 3, MinSize: 1, PartialTimeout: 50 * time.Millisecond}
	err := drainBatch(context.Background(), cfg, ch, func(v any) error {
		got = append(got, v)
		return nil
	})
	if err != nil {
		t.Fatalf("drainBatch: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("expected exactly MaxSize=3 values drained, got %d", len(got))
	}
}

func TestDrainBatchReturnsEOFOnClosedChannel(t *testing.T) {
	ch := make(chan any)
	close(ch)

	err := drainBatch(context.Background(), defaultDrainConfig(), ch, func(v any) error { return nil })
	if err != io.EOF {
		t.Fatalf("expected io.EOF from a closed channel, got %v", err)
	}
}

func TestDrainBatchRespectsContextCancellation(t *testing.T) {
	ch := make(chan any)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := drainBatch(ctx, defaultDrainConfig(), ch, func(v any) error { return nil })
	if err == nil {
		t.Fatalf("expected an error from an already-cancelled context")
	}
}

func TestDrainBatchWaitsForPartialTimeoutThenReturnsWhatItHas(t *testing.T) {
	ch := make(chan any, 1)
	ch <- "first"

	cfg := drainConfig{MaxSize: 5, MinSize: 3, PartialTimeout: 30 * time.Millisecond}
	start := time.Now()
	var got []any
	err := drainBatch(context.Background(), cfg, ch, func(v any) error {
		got = append(got, v)
		return nil
	})
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("drainBatch: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected the single available value, got %d", len(got))
	}
	if elapsed < cfg.PartialTimeout {
		t.Fatalf("expected drainBatch to wait out PartialTimeout before giving up on MinSize, elapsed=%v", elapsed)
	}
}
