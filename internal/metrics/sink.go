package metrics

import "github.com/rb3ckers/dualwrite/datatypes"

// Sink receives events from the dispatchers. Implementations must be safe for
// concurrent use and must not block for long, they are called from the
// request path and from detached mirror tasks.
type Sink interface {
	MirrorSucceeded(result datatypes.SecondaryResult)
	MirrorFailed(result datatypes.SecondaryResult)
	PrimaryRetried(backend, kind, path string, attempt int)
	PrimaryExhausted(backend, kind, path string, attempts int)
	BreakerChanged(backend, from, to string)
}

// NopSink drops every event.
type NopSink struct{}

func (NopSink) MirrorSucceeded(datatypes.SecondaryResult)    {}
func (NopSink) MirrorFailed(datatypes.SecondaryResult)       {}
func (NopSink) PrimaryRetried(string, string, string, int)   {}
func (NopSink) PrimaryExhausted(string, string, string, int) {}
func (NopSink) BreakerChanged(string, string, string)        {}
