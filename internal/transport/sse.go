package transport

import (
	"context"
	"io"
	"time"
)

// drainConfig mirrors the longpoll.Channel batch-receive knobs: wait for at
// least MinSize values (or the first, if PartialTimeout elapses first), then
// opportunistically drain up to MaxSize more without blocking.
type drainConfig struct {
	MaxSize        int
	MinSize        int
	PartialTimeout time.Duration
}

func defaultDrainConfig() drainConfig {
	return drainConfig{MaxSize: 32, MinSize: 1, PartialTimeout: 75 * time.Millisecond}
}

// drainBatch performs one blocking receive pass on ch, calling handler for
// each value. It blocks for the first value, keeps receiving until MinSize
// values have been handled or PartialTimeout has passed since the first,
// then takes whatever is immediately available up to MaxSize without
// blocking. It returns early if the channel closes (io.EOF), ctx is
// cancelled, or handler fails. Used by the SSE handler to
// coalesce a burst of job-progress events into one flush instead of writing
// the response once per event.
func drainBatch(ctx context.Context, cfg drainConfig, ch <-chan any, handler func(v any) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	maxSize := cfg.MaxSize
	if maxSize == 0 {
		maxSize = 32
	}
	minSize := cfg.MinSize
	if minSize == 0 {
		minSize = 1
	}
	partialTimeout := cfg.PartialTimeout
	if partialTimeout == 0 {
		partialTimeout = 75 * time.Millisecond
	}

	var timeoutCh <-chan time.Time
	size := 0

minSizeLoop:
	for size < maxSize && size < minSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeoutCh:
			break minSizeLoop
		case v, ok := <-ch:
			if !ok {
				return io.EOF
			}
			size++
			if size == 1 && timeoutCh == nil {
				timer := time.NewTimer(partialTimeout)
				defer timer.Stop()
				timeoutCh = timer.C
			}
			if err := handler(v); err != nil {
				return err
			}
		}
	}

maxSizeLoop:
	for size < maxSize {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case v, ok := <-ch:
			if !ok {
				return io.EOF
			}
			size++
			if err := handler(v); err != nil {
				return err
			}
		default:
			break maxSizeLoop
		}
	}

	return nil
}
