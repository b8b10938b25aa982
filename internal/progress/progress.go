// Package progress implements the shared job counters, the cooperative
// cancellation flag and the background sampler that turns both into
// rate-limited progress events.
package progress

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/velorien/pahedl/internal/models"
)

// SampleInterval is how often the coordinator wakes to read the counters.
const SampleInterval = 200 * time.Millisecond

// Handle is the pair of counters shared between one job's worker and its
// coordinator. The worker only writes, the sampler only reads, so no lock is
// needed. Both counters are monotonic within a job; the unit (segments or
// milliseconds of media) is fixed per strategy and never mixed in one run.
type Handle struct {
	done  atomic.Int64
	total atomic.Int64
}

// AddDone advances the done counter by n completed units.
func (h *Handle) AddDone(n int64) { h.done.Add(n) }

// SetDone records an absolute position. Used by the passthrough strategy,
// whose external tool reports positions rather than increments.
func (h *Handle) SetDone(v int64) { h.done.Store(v) }

// SetTotal records the authoritative total once it is known.
func (h *Handle) SetTotal(v int64) { h.total.Store(v) }

// GrowTotal raises the total to v if v exceeds the current value. Lets a
// ratio render when no duration was announced and the observed position keeps
// moving past the provisional total.
func (h *Handle) GrowTotal(v int64) {
	for {
		cur := h.total.Load()
		if v <= cur {
			return
		}
		if h.total.CompareAndSwap(cur, v) {
			return
		}
	}
}

// Snapshot returns the current (done, total) pair.
func (h *Handle) Snapshot() (done, total int64) {
	return h.done.Load(), h.total.Load()
}

// CancelFlag is a single-writer, multi-reader cancellation signal. Cancel may
// be called any number of times from one owner; observers either poll
// Cancelled or select on Done without coordinating with each other.
type CancelFlag struct {
	once sync.Once
	ch   chan struct{}
	set  atomic.Bool
}

// NewCancelFlag returns an unset flag.
func NewCancelFlag() *CancelFlag {
	return &CancelFlag{ch: make(chan struct{})}
}

// Cancel sets the flag and wakes every waiter.
func (c *CancelFlag) Cancel() {
	c.once.Do(func() {
		c.set.Store(true)
		close(c.ch)
	})
}

// Cancelled reports whether the flag has been set.
func (c *CancelFlag) Cancelled() bool { return c.set.Load() }

// Done returns a channel closed when the flag is set.
func (c *CancelFlag) Done() <-chan struct{} { return c.ch }

// Coordinator samples a Handle in the background and emits progress events.
// Starting it never blocks the caller; the worker runs concurrently and the
// caller must Join before reporting the job's terminal status, which
// guarantees no event trails the terminal state.
type Coordinator struct {
	stopOnce sync.Once
	stop     chan struct{}
	finished chan struct{}
}

// StartCoordinator spawns the sampling goroutine for one episode job.
// Every SampleInterval it exits if cancel is set, otherwise reads the
// counters and calls emit — but only while total > 0, so a job that has not
// planned yet produces no meaningless 0/0 events. Throughput is the done
// delta between consecutive samples over wall time, clamped to zero when the
// counters stand still (samples may legitimately repeat or jump).
func StartCoordinator(episode int, h *Handle, cancel *CancelFlag, emit func(models.ProgressEvent)) *Coordinator {
	c := &Coordinator{
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}

	go func() {
		defer close(c.finished)

		start := time.Now()
		lastDone := int64(0)
		lastSample := start

		ticker := time.NewTicker(SampleInterval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stop:
				return
			case <-cancel.Done():
				return
			case now := <-ticker.C:
				done, total := h.Snapshot()

				throughput := 0.0
				if dt := now.Sub(lastSample).Seconds(); dt > 0 && done > lastDone {
					throughput = float64(done-lastDone) / dt
				}
				lastDone = done
				lastSample = now

				if total <= 0 {
					continue
				}
				emit(models.ProgressEvent{
					Episode:    episode,
					Done:       done,
					Total:      total,
					Throughput: throughput,
					ElapsedSec: int64(now.Sub(start).Seconds()),
				})
			}
		}
	}()

	return c
}

// Join stops the sampler and waits for it to exit. Safe to call more than
// once.
func (c *Coordinator) Join() {
	c.stopOnce.Do(func() { close(c.stop) })
	<-c.finished
}
