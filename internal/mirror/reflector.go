package mirror

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

var (
	ErrReflectorClosed = errors.New("reflector is closed")
	ErrReflectorFull   = errors.New("maximum number of mirror tasks running")
)

// Reflector runs detached mirror tasks. Tasks get the reflector's own context,
// never the one of the request that spawned them, so a departing client never
// cancels its mirror. Only Close cancels them, after the shutdown grace period.
type Reflector struct {
	sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	slots   chan struct{}
	closed  bool
	tracker *RequestTracker
	logger  zerolog.Logger
}

func NewReflector(maxInflight int, logger zerolog.Logger) *Reflector {
	ctx, cancel := context.WithCancel(context.Background())

	return &Reflector{
		ctx:     ctx,
		cancel:  cancel,
		slots:   make(chan struct{}, maxInflight),
		tracker: MakeRequestTracker(),
		logger:  logger.With().Str("component", "reflector").Logger(),
	}
}

// Go starts task in its own goroutine and returns immediately. Without
// running task it returns ErrReflectorClosed once Close was called, and
// ErrReflectorFull while the maximum number of tasks runs.
func (r *Reflector) Go(task func(ctx context.Context)) error {
	r.Lock()
	defer r.Unlock()

	if r.closed {
		return ErrReflectorClosed
	}

	select {
	case r.slots <- struct{}{}:
	default:
		return ErrReflectorFull
	}

	r.wg.Add(1)
	epoch := r.tracker.NewRequest()

	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error().Interface("panic", p).Uint64("epoch", epoch).Msg("Mirror task panicked")
			}

			r.tracker.RequestDone(epoch)
			<-r.slots
			r.wg.Done()
		}()

		task(r.ctx)
	}()

	return nil
}

// Inflight returns the number of tasks started and the number still running.
func (r *Reflector) Inflight() (uint64, int) {
	return r.tracker.Status()
}

// Close stops accepting tasks and waits for the running ones until ctx is done.
// Tasks still running then are cancelled and abandoned, their count is returned.
func (r *Reflector) Close(ctx context.Context) int {
	r.Lock()
	r.closed = true
	r.Unlock()

	done := make(chan struct{})

	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.cancel()
		r.logger.Info().Msg("All mirror tasks completed")

		return 0
	case <-ctx.Done():
		_, abandoned := r.tracker.Status()
		r.cancel()
		r.logger.Warn().Int("abandoned", abandoned).Msg("Shutdown grace period expired, abandoning mirror tasks")

		return abandoned
	}
}
