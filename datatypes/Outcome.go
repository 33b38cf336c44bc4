package datatypes

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// PrimaryResult is the outcome of the primary path, it is what the client sees.
type PrimaryResult struct {
	Status    int
	ErrorKind string
	Attempts  int
	Duration  time.Duration
}

// SecondaryResult is the outcome of one detached mirror task.
// It is only ever handed to the observability sink.
type SecondaryResult struct {
	Backend   string
	Path      string
	Status    int
	ErrorKind string
	Attempts  int
	Duration  time.Duration
	At        time.Time
}

func (r SecondaryResult) Succeeded() bool {
	return r.ErrorKind == ""
}

// DualWriteOutcome joins both results of one request. The primary half is
// set on the request path, the secondary half by the detached mirror task,
// usually after the client was answered. Safe for concurrent use.
type DualWriteOutcome struct {
	mu        sync.Mutex
	requestID string
	primary   *PrimaryResult
	secondary *SecondaryResult
}

func NewDualWriteOutcome(requestID string) *DualWriteOutcome {
	return &DualWriteOutcome{requestID: requestID}
}

func (o *DualWriteOutcome) RequestID() string {
	return o.requestID
}

// SetPrimary records the primary half. It returns true when the outcome is
// complete with it, which happens for exactly one of the two setters.
func (o *DualWriteOutcome) SetPrimary(r PrimaryResult) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.primary = &r

	return o.secondary != nil
}

// SetSecondary records the secondary half, see SetPrimary.
func (o *DualWriteOutcome) SetSecondary(r SecondaryResult) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.secondary = &r

	return o.primary != nil
}

func (o *DualWriteOutcome) Primary() (PrimaryResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.primary == nil {
		return PrimaryResult{}, false
	}

	return *o.primary, true
}

func (o *DualWriteOutcome) Secondary() (SecondaryResult, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.secondary == nil {
		return SecondaryResult{}, false
	}

	return *o.secondary, true
}

func (o *DualWriteOutcome) MarshalZerologObject(e *zerolog.Event) {
	primary, hasPrimary := o.Primary()
	secondary, hasSecondary := o.Secondary()

	e.Str("request_id", o.requestID)

	if hasPrimary {
		e.Dict("primary", zerolog.Dict().
			Int("status", primary.Status).
			Str("error", primary.ErrorKind).
			Int("attempts", primary.Attempts).
			Dur("duration", primary.Duration))
	}

	if hasSecondary {
		e.Dict("secondary", zerolog.Dict().
			Str("backend", secondary.Backend).
			Int("status", secondary.Status).
			Str("error", secondary.ErrorKind).
			Int("attempts", secondary.Attempts).
			Dur("duration", secondary.Duration))
	}
}
