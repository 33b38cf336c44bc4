package mirror

import (
	"net/http"
	"net/netip"
	"strings"

	"github.com/rs/zerolog"
)

// The loop marker travels on every mirrored request. A proxy receiving it from
// a trusted peer serves the request from its primary only, which caps
// mirroring at a single hop.
const (
	MarkerHeader = "X-Dual-Write-Executed"
	MarkerValue  = "true"
)

type MarkerState int

const (
	MarkerAbsent MarkerState = iota
	MarkerMirrored
	MarkerMalformed
)

func (s MarkerState) String() string {
	switch s {
	case MarkerMirrored:
		return "mirrored"
	case MarkerMalformed:
		return "malformed"
	default:
		return "absent"
	}
}

// InspectMarker classifies the loop marker in h. The marker counts as present
// when any of its values equals MarkerValue, ignoring case and surrounding space.
func InspectMarker(h http.Header) MarkerState {
	values := h.Values(MarkerHeader)
	if len(values) == 0 {
		return MarkerAbsent
	}

	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), MarkerValue) {
			return MarkerMirrored
		}
	}

	return MarkerMalformed
}

// ShouldDualWrite is false only for requests that already carry the marker.
// Malformed markers fail open so traffic is never silently left unmirrored.
func ShouldDualWrite(h http.Header) bool {
	return InspectMarker(h) != MarkerMirrored
}

// LoopGuard honors the marker only from peers that are allowed to mirror to us.
type LoopGuard struct {
	trusted []netip.Prefix
	logger  zerolog.Logger
}

func NewLoopGuard(trusted []netip.Prefix, logger zerolog.Logger) *LoopGuard {
	return &LoopGuard{
		trusted: trusted,
		logger:  logger.With().Str("component", "loopguard").Logger(),
	}
}

// Evaluate reports whether r must be dual-written. Markers that are not
// honored (malformed, or sent by an untrusted peer) are removed from r.Header
// so they never reach a backend.
func (g *LoopGuard) Evaluate(r *http.Request) bool {
	state := InspectMarker(r.Header)

	switch state {
	case MarkerAbsent:
		return true
	case MarkerMalformed:
		g.logger.Warn().
			Strs("value", r.Header.Values(MarkerHeader)).
			Str("remote", r.RemoteAddr).
			Msg("Ignoring malformed loop marker")
		r.Header.Del(MarkerHeader)

		return true
	}

	if !g.Trusts(r.RemoteAddr) {
		g.logger.Debug().Str("remote", r.RemoteAddr).Msg("Stripping loop marker from untrusted peer")
		r.Header.Del(MarkerHeader)

		return true
	}

	return false
}

// Trusts reports whether remoteAddr (host:port or a bare address) is a trusted peer.
func (g *LoopGuard) Trusts(remoteAddr string) bool {
	var addr netip.Addr

	if ap, err := netip.ParseAddrPort(remoteAddr); err == nil {
		addr = ap.Addr()
	} else if a, err := netip.ParseAddr(remoteAddr); err == nil {
		addr = a
	} else {
		return false
	}

	addr = addr.Unmap()

	for _, p := range g.trusted {
		if p.Contains(addr) {
			return true
		}
	}

	return false
}
