package background

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	storageerrors "github.com/devrev/shelfdb/internal/errors"
)

const (
	errorBackoffInitial = time.Second
	errorBackoffMax     = 5 * time.Minute
)

// WorkerInfo is a snapshot of one worker as reported to the admin API.
type WorkerInfo struct {
	ID                int          `json:"id"`
	Name              string       `json:"name"`
	State             string       `json:"state"`
	Errors            uint64       `json:"errors"`
	ConsecutiveErrors uint64       `json:"consecutive_errors"`
	LastError         string       `json:"last_error,omitempty"`
	LastErrorAt       *time.Time   `json:"last_error_at,omitempty"`
	Status            WorkerStatus `json:"status"`
}

type handle struct {
	id     int
	worker Worker

	mu                sync.Mutex
	state             WorkerState
	errors            uint64
	consecutiveErrors uint64
	lastError         string
	lastErrorAt       time.Time
}

// Runner owns every background worker of the node. Workers stop when the
// runner's context is cancelled; a Work call in progress is allowed to finish.
type Runner struct {
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	nextID  int
	workers map[int]*handle
}

// NewRunner creates a runner whose workers live until Stop.
func NewRunner(logger *zap.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[int]*handle),
	}
}

// Spawn starts w in its own goroutine.
func (r *Runner) Spawn(w Worker) {
	r.mu.Lock()
	r.nextID++
	h := &handle{id: r.nextID, worker: w, state: Busy}
	r.workers[h.id] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(h)

	r.logger.Info("Background worker started",
		zap.Int("worker_id", h.id),
		zap.String("worker", w.Name()))
}

func (r *Runner) run(h *handle) {
	defer r.wg.Done()
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("Background worker panicked",
				zap.String("worker", h.worker.Name()),
				zap.Any("panic", p))
			h.setState(Done)
		}
	}()

	bo := NewBackoff(errorBackoffInitial, errorBackoffMax)
	for {
		if r.ctx.Err() != nil {
			h.setState(Done)
			return
		}

		state, err := h.worker.Work(r.ctx)
		if err != nil {
			if r.ctx.Err() != nil {
				h.setState(Done)
				return
			}
			delay := pauseAfter(bo, err)
			h.recordError(err)
			if storageerrors.IsRetryable(err) {
				r.logger.Warn("Background worker failed",
					zap.String("worker", h.worker.Name()),
					zap.Duration("retry_in", delay),
					zap.Error(err))
			} else {
				r.logger.Error("Background worker hit a permanent error",
					zap.String("worker", h.worker.Name()),
					zap.Error(err))
			}
			h.setState(Throttled(delay))
			if !sleep(r.ctx, delay) {
				h.setState(Done)
				return
			}
			continue
		}
		bo.Reset()
		h.clearConsecutive()
		h.setState(state)

		switch state.kind {
		case kindBusy:
		case kindThrottled:
			if !sleep(r.ctx, state.delay) {
				h.setState(Done)
				return
			}
		case kindIdle:
			h.worker.WaitForWork(r.ctx)
		case kindDone:
			r.logger.Info("Background worker finished", zap.String("worker", h.worker.Name()))
			return
		}
	}
}

// pauseAfter is how long a worker rests after err. Transient errors back
// off exponentially. A permanent error concerns the item that caused it,
// which the worker drops, so it only gets a short fixed pause.
func pauseAfter(bo *backoff.ExponentialBackOff, err error) time.Duration {
	if !storageerrors.IsRetryable(err) {
		return errorBackoffInitial
	}
	return bo.NextBackOff()
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func (h *handle) setState(s WorkerState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

func (h *handle) recordError(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errors++
	h.consecutiveErrors++
	h.lastError = err.Error()
	h.lastErrorAt = time.Now()
}

func (h *handle) clearConsecutive() {
	h.mu.Lock()
	h.consecutiveErrors = 0
	h.mu.Unlock()
}

func (h *handle) info() WorkerInfo {
	h.mu.Lock()
	defer h.mu.Unlock()
	info := WorkerInfo{
		ID:                h.id,
		Name:              h.worker.Name(),
		State:             h.state.String(),
		Errors:            h.errors,
		ConsecutiveErrors: h.consecutiveErrors,
		LastError:         h.lastError,
		Status:            h.worker.Status(),
	}
	if !h.lastErrorAt.IsZero() {
		at := h.lastErrorAt
		info.LastErrorAt = &at
	}
	return info
}

// Workers lists every spawned worker ordered by id.
func (r *Runner) Workers() []WorkerInfo {
	r.mu.Lock()
	handles := make([]*handle, 0, len(r.workers))
	for _, h := range r.workers {
		handles = append(handles, h)
	}
	r.mu.Unlock()

	out := make([]WorkerInfo, 0, len(handles))
	for _, h := range handles {
		out = append(out, h.info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Stop cancels every worker and waits up to timeout for them to return.
func (r *Runner) Stop(timeout time.Duration) error {
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.logger.Info("All background workers stopped")
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("background workers did not stop within %v", timeout)
	}
}
