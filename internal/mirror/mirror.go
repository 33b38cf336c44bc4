package mirror

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rb3ckers/dualwrite/internal/metrics"
	"github.com/rb3ckers/dualwrite/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// Failure kinds specific to the mirror path, next to the upstream transport kinds.
const (
	KindCircuitOpen = "circuit-open"
	KindOverloaded  = "overloaded"
	KindSkipped     = "skipped"
	KindAbandoned   = "abandoned"
)

type Sender interface {
	Send(ctx context.Context, target datatypes.BackendTarget, req *upstream.Request) (*upstream.Response, error)
}

// Mirror is the secondary dispatcher. Everything it does happens off the
// request path and nothing it observes is ever visible to the client.
type Mirror struct {
	sync.Mutex
	client           Sender
	target           datatypes.BackendTarget
	breaker          *gobreaker.CircuitBreaker
	firstFailureTime time.Time
	reflector        *Reflector
	sink             metrics.Sink
	logger           zerolog.Logger
}

type MirrorState string

var (
	StateFailing  MirrorState = "failing"
	StateRetrying MirrorState = "retrying"
	StateAlive    MirrorState = "alive"
	StateUnkown   MirrorState = "unknown"
)

type MirrorStatus struct {
	Name         string
	State        MirrorState
	FailingSince time.Time
	Started      uint64
	Inflight     int
}

// NewMirror creates the dispatcher for target. After a run of failures the
// breaker stops calling target and tries it again after retryAfter.
func NewMirror(target datatypes.BackendTarget, client Sender, reflector *Reflector, sink metrics.Sink, retryAfter time.Duration, logger zerolog.Logger) *Mirror {
	mirror := &Mirror{
		client:    client,
		target:    target,
		reflector: reflector,
		sink:      sink,
		logger:    logger.With().Str("component", "mirror").Str("backend", target.Name).Logger(),
	}

	settings := gobreaker.Settings{
		Name:        target.Name,
		MaxRequests: 1,
		Interval:    0,          // Never clear counts
		Timeout:     retryAfter, // When open retry after this
	}

	settings.OnStateChange = WatchBreaker(mirror)

	mirror.breaker = gobreaker.NewCircuitBreaker(settings)

	return mirror
}

// Reflect mirrors req to the secondary as detached work and returns at once.
func (m *Mirror) Reflect(req *Request) {
	dup := req.Duplicate()
	started := time.Now()

	err := m.reflector.Go(func(ctx context.Context) {
		m.execute(ctx, req, dup, started)
	})
	if err == nil {
		return
	}

	kind := KindOverloaded
	if errors.Is(err, ErrReflectorClosed) {
		kind = KindAbandoned
	}

	m.settle(req, datatypes.SecondaryResult{
		Backend:   m.target.Name,
		Path:      req.Path(),
		ErrorKind: kind,
		At:        time.Now(),
	})
}

// Skip records a mirror that was deliberately not sent.
func (m *Mirror) Skip(req *Request) {
	m.settle(req, datatypes.SecondaryResult{
		Backend:   m.target.Name,
		Path:      req.Path(),
		ErrorKind: KindSkipped,
		At:        time.Now(),
	})
}

func (m *Mirror) execute(ctx context.Context, req *Request, dup *upstream.Request, started time.Time) {
	result := datatypes.SecondaryResult{
		Backend: m.target.Name,
		Path:    req.Path(),
	}

	var err error

	for attempt := 1; attempt <= m.target.Attempts(); attempt++ {
		result.Attempts = attempt

		var response *upstream.Response

		response, err = m.send(ctx, dup)
		if err == nil {
			result.Status = response.StatusCode
			break
		}

		if !retryable(ctx, err) || attempt == m.target.Attempts() {
			break
		}

		if !sleep(ctx, m.target.RetryDelay) {
			err = ctx.Err()
			break
		}
	}

	result.Duration = time.Since(started)
	result.At = time.Now()

	if err != nil {
		result.ErrorKind = errorKind(err)
	}

	m.settle(req, result)
}

// settle completes the secondary half of the outcome of req and reports it.
func (m *Mirror) settle(req *Request, result datatypes.SecondaryResult) {
	outcome := req.Outcome()

	if outcome.SetSecondary(result) {
		m.logger.Debug().Object("outcome", outcome).Msg("Dual write completed")
	} else {
		m.logger.Trace().Object("outcome", outcome).Msg("Mirrored")
	}

	if !result.Succeeded() {
		m.sink.MirrorFailed(result)
		return
	}

	m.sink.MirrorSucceeded(result)
}

func (m *Mirror) send(ctx context.Context, dup *upstream.Request) (*upstream.Response, error) {
	out, err := m.breaker.Execute(func() (interface{}, error) {
		return m.client.Send(ctx, m.target, dup)
	})
	if err != nil {
		return nil, err
	}

	return out.(*upstream.Response), nil
}

func (m *Mirror) GetStatus() *MirrorStatus {
	var state MirrorState

	switch m.breaker.State() {
	case gobreaker.StateOpen:
		state = StateFailing
	case gobreaker.StateHalfOpen:
		state = StateRetrying
	case gobreaker.StateClosed:
		state = StateAlive
	default:
		state = StateUnkown
	}

	started, inflight := m.reflector.Inflight()

	m.Lock()
	defer m.Unlock()

	return &MirrorStatus{
		Name:         m.target.Name,
		State:        state,
		FailingSince: m.firstFailureTime,
		Started:      started,
		Inflight:     inflight,
	}
}

func retryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}

	_, transport := upstream.KindOf(err)

	return transport
}

func errorKind(err error) string {
	if kind, ok := upstream.KindOf(err); ok {
		return string(kind)
	}

	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return KindCircuitOpen
	case errors.Is(err, context.Canceled):
		return KindAbandoned
	default:
		return string(upstream.KindProtocol)
	}
}

// sleep waits for d, it returns false when ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
