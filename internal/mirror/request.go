package mirror

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rb3ckers/dualwrite/internal/upstream"
	"golang.org/x/net/http/httpguts"
)

var (
	ErrPayloadTooLarge = errors.New("request body exceeds the capture limit")
	ErrMalformedBody   = errors.New("request body could not be read")
)

// Headers scoped to a single connection, they are never forwarded.
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Request is an inbound request captured in full. It is never modified after
// Capture, so the primary and the mirror can read it concurrently. Both
// report into its outcome, which does its own locking.
type Request struct {
	id         string
	outcome    *datatypes.DualWriteOutcome
	method     string
	requestURI string
	path       string
	header     http.Header
	body       []byte
	arrivedAt  time.Time
}

// Capture buffers the body of req, up to maxBody bytes.
func Capture(req *http.Request, id string, maxBody int64) (*Request, error) {
	arrivedAt := time.Now()

	if req.ContentLength > maxBody {
		return nil, ErrPayloadTooLarge
	}

	var body []byte

	if req.Body != nil && req.Body != http.NoBody {
		var err error

		body, err = io.ReadAll(io.LimitReader(req.Body, maxBody+1))
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
		}

		if int64(len(body)) > maxBody {
			return nil, ErrPayloadTooLarge
		}
	}

	return &Request{
		id:         id,
		outcome:    datatypes.NewDualWriteOutcome(id),
		method:     req.Method,
		requestURI: req.URL.RequestURI(),
		path:       req.URL.Path,
		header:     req.Header.Clone(),
		body:       body,
		arrivedAt:  arrivedAt,
	}, nil
}

func (r *Request) ID() string {
	return r.id
}

func (r *Request) Outcome() *datatypes.DualWriteOutcome {
	return r.outcome
}

func (r *Request) Method() string {
	return r.method
}

func (r *Request) RequestURI() string {
	return r.requestURI
}

func (r *Request) Path() string {
	return r.path
}

func (r *Request) Header() http.Header {
	return r.header.Clone()
}

func (r *Request) BodyLen() int {
	return len(r.body)
}

func (r *Request) ArrivedAt() time.Time {
	return r.arrivedAt
}

// Forward is the request for the primary: the inbound headers minus the
// connection scoped ones. Content-Length is recomputed when sending.
func (r *Request) Forward() *upstream.Request {
	header := r.header.Clone()
	if header == nil {
		header = make(http.Header)
	}

	StripConnectionHeaders(header)
	header.Del("Host")
	header.Del("Content-Length")

	return &upstream.Request{
		Method:     r.method,
		RequestURI: r.requestURI,
		Header:     header,
		Body:       r.body,
	}
}

// Duplicate is the request for the secondary. It differs from Forward only by
// the loop marker.
func (r *Request) Duplicate() *upstream.Request {
	dup := r.Forward()
	dup.Header.Set(MarkerHeader, MarkerValue)

	return dup
}

// StripConnectionHeaders removes hop-by-hop headers from h, including the ones
// listed in its Connection header.
func StripConnectionHeaders(h http.Header) {
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); httpguts.ValidHeaderFieldName(name) {
				h.Del(name)
			}
		}
	}

	for _, name := range hopHeaders {
		h.Del(name)
	}
}
