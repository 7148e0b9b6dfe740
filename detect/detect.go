// Package detect resolves when the observable rows of a mutable DOM region
// change. Several notification channels run concurrently; the first one that
// sees a changed row set wins and every channel is torn down before Wait
// returns.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrTimeout is returned when no change is observed before the deadline.
var ErrTimeout = errors.New("detect: no change observed before timeout")

// ErrSuperseded is returned to a pending wait cancelled by a newer one.
var ErrSuperseded = errors.New("detect: wait superseded by a newer wait")

// Probe reads the ordered display texts of the currently visible rows.
type Probe func(ctx context.Context) ([]string, error)

// Changed reports whether after differs from before in length or content.
func Changed(before, after []string) bool {
	if len(before) != len(after) {
		return true
	}
	for i := range before {
		if before[i] != after[i] {
			return true
		}
	}
	return false
}

// Source is one notification channel. Watch calls fire whenever it suspects
// a change and returns once ctx is done. It must not call fire after
// returning.
type Source interface {
	Name() string
	Watch(ctx context.Context, fire func())
}

// Result describes the change that resolved a wait.
type Result struct {
	Rows    []string
	Channel string
	Elapsed time.Duration
}

// Waiter composes a probe with a set of sources.
type Waiter struct {
	probe   Probe
	sources []Source
}

// NewWaiter creates a Waiter. At least one source should be a PollSource so
// the wait still resolves where mutation notifications never arrive.
func NewWaiter(probe Probe, sources ...Source) *Waiter {
	return &Waiter{probe: probe, sources: sources}
}

// Wait blocks until the probed rows differ from before, the timeout elapses
// (ErrTimeout) or ctx ends (ctx.Err()). A nil before means "no rows yet".
func (w *Waiter) Wait(ctx context.Context, before []string, timeout time.Duration) (Result, error) {
	start := time.Now()
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resolved := make(chan Result, 1)
	var once sync.Once

	check := func(channel string) {
		rows, err := w.probe(waitCtx)
		if err != nil {
			if waitCtx.Err() == nil {
				slog.Debug("detect: probe failed", "channel", channel, "error", err)
			}
			return
		}
		if !Changed(before, rows) {
			return
		}
		once.Do(func() {
			resolved <- Result{Rows: rows, Channel: channel, Elapsed: time.Since(start)}
			cancel()
		})
	}

	var wg sync.WaitGroup
	for _, src := range w.sources {
		wg.Add(1)
		go func(s Source) {
			defer wg.Done()
			s.Watch(waitCtx, func() { check(s.Name()) })
		}(src)
	}

	<-waitCtx.Done()
	wg.Wait()

	select {
	case r := <-resolved:
		slog.Debug("detect: change observed", "channel", r.Channel, "rows", len(r.Rows), "elapsed", r.Elapsed)
		return r, nil
	default:
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	return Result{}, ErrTimeout
}

// Detector owns the single pending wait of one page context. Starting a new
// wait cancels the previous one.
type Detector struct {
	waiter *Waiter

	mu     sync.Mutex
	cancel context.CancelFunc
	seq    uint64
}

// NewDetector creates a Detector over probe and sources.
func NewDetector(probe Probe, sources ...Source) *Detector {
	return &Detector{waiter: NewWaiter(probe, sources...)}
}

// Wait supersedes any pending wait and then behaves like Waiter.Wait.
func (d *Detector) Wait(ctx context.Context, before []string, timeout time.Duration) (Result, error) {
	waitCtx, cancel := context.WithCancel(ctx)

	d.mu.Lock()
	if d.cancel != nil {
		d.cancel()
	}
	d.seq++
	mine := d.seq
	d.cancel = cancel
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		if d.seq == mine {
			d.cancel = nil
		}
		d.mu.Unlock()
		cancel()
	}()

	r, err := d.waiter.Wait(waitCtx, before, timeout)
	if errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return Result{}, ErrSuperseded
	}
	return r, err
}

// Pending reports whether a wait is in progress.
func (d *Detector) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// Cancel aborts the pending wait, if any.
func (d *Detector) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
	}
}
