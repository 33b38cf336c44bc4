package datatypes

import (
	"net/url"
	"strings"
	"time"
)

const (
	PrimaryName   = "primary"
	SecondaryName = "secondary"
)

// BackendTarget is one backend the proxy talks to. It is built once at startup
// and passed around by value, it is never mutated afterwards.
type BackendTarget struct {
	Name       string
	URL        *url.URL
	Timeout    time.Duration
	Retries    int
	RetryDelay time.Duration
}

// Attempts is the total number of calls a dispatcher may make for one request.
func (t BackendTarget) Attempts() int {
	return t.Retries + 1
}

// Endpoint joins the target base URL (keeping a path prefix, if any) with the
// request URI of the inbound request.
func (t BackendTarget) Endpoint(requestURI string) string {
	base := *t.URL
	base.Path = strings.TrimSuffix(base.Path, "/")
	base.RawPath = ""
	base.RawQuery = ""
	base.Fragment = ""

	return base.String() + requestURI
}
