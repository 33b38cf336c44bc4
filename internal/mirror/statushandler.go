package mirror

import (
	"time"

	"github.com/sony/gobreaker"
)

type BreakerWatch func(name string, from, to gobreaker.State)

// WatchBreaker follows the breaker of m. It keeps the failing-since time
// for the status page and reports every transition to the sink.
// It runs under the breaker's lock, so it must not call back into it.
func WatchBreaker(m *Mirror) BreakerWatch {
	return func(name string, from, to gobreaker.State) {
		m.Lock()

		switch {
		case to == gobreaker.StateOpen && from == gobreaker.StateClosed:
			m.firstFailureTime = time.Now()
		case to == gobreaker.StateClosed:
			m.firstFailureTime = time.Time{}
		}

		failingSince := m.firstFailureTime
		m.Unlock()

		m.sink.BreakerChanged(name, from.String(), to.String())

		event := m.logger.Info()
		if to == gobreaker.StateOpen {
			event = m.logger.Warn().Time("failing_since", failingSince)
		}

		event.Str("from", from.String()).Str("to", to.String()).Msg(transitionMessage(to))
	}
}

func transitionMessage(to gobreaker.State) string {
	switch to {
	case gobreaker.StateOpen:
		return "Temporarily not mirroring to secondary"
	case gobreaker.StateHalfOpen:
		return "Retrying secondary"
	default:
		return "Resuming mirroring to secondary"
	}
}
