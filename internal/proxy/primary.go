package proxy

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rb3ckers/dualwrite/internal/metrics"
	"github.com/rb3ckers/dualwrite/internal/mirror"
	"github.com/rb3ckers/dualwrite/internal/upstream"
)

// ClientResponse is what the client receives. It always derives from the primary.
type ClientResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Result     datatypes.PrimaryResult
}

// PrimaryDispatcher forwards requests to the primary on the critical path.
type PrimaryDispatcher struct {
	client mirror.Sender
	target datatypes.BackendTarget
	sink   metrics.Sink
}

func NewPrimaryDispatcher(target datatypes.BackendTarget, client mirror.Sender, sink metrics.Sink) *PrimaryDispatcher {
	return &PrimaryDispatcher{
		client: client,
		target: target,
		sink:   sink,
	}
}

// Dispatch sends req to the primary, retrying transport errors with a fixed
// delay. Once all attempts failed the result is a gateway error. An error is
// only returned when ctx ends first, there is nobody left to answer then.
func (d *PrimaryDispatcher) Dispatch(ctx context.Context, req *mirror.Request) (*ClientResponse, error) {
	forward := req.Forward()
	started := time.Now()

	var lastKind upstream.ErrorKind

	for attempt := 1; attempt <= d.target.Attempts(); attempt++ {
		response, err := d.client.Send(ctx, d.target, forward)
		if err == nil {
			return &ClientResponse{
				StatusCode: response.StatusCode,
				Header:     response.Header,
				Body:       response.Body,
				Result: datatypes.PrimaryResult{
					Status:   response.StatusCode,
					Attempts: attempt,
					Duration: time.Since(started),
				},
			}, nil
		}

		kind, ok := upstream.KindOf(err)
		if !ok {
			return nil, err
		}

		lastKind = kind

		if attempt == d.target.Attempts() {
			break
		}

		d.sink.PrimaryRetried(d.target.Name, string(kind), req.Path(), attempt)

		if err := wait(ctx, d.target.RetryDelay); err != nil {
			return nil, err
		}
	}

	d.sink.PrimaryExhausted(d.target.Name, string(lastKind), req.Path(), d.target.Attempts())

	return gatewayError(d.target.Name, lastKind, d.target.Attempts(), time.Since(started)), nil
}

// gatewayError names the backend and what went wrong, never where it lives.
func gatewayError(backend string, kind upstream.ErrorKind, attempts int, elapsed time.Duration) *ClientResponse {
	status := http.StatusBadGateway
	if kind == upstream.KindTimeout {
		status = http.StatusGatewayTimeout
	}

	body := []byte(fmt.Sprintf("%s backend unavailable: %s\n", backend, kind))

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("X-Content-Type-Options", "nosniff")

	return &ClientResponse{
		StatusCode: status,
		Header:     header,
		Body:       body,
		Result: datatypes.PrimaryResult{
			Status:    status,
			ErrorKind: string(kind),
			Attempts:  attempts,
			Duration:  elapsed,
		},
	}
}

// WriteTo relays the response, minus connection scoped headers and the loop marker.
func (r *ClientResponse) WriteTo(w http.ResponseWriter) error {
	header := w.Header()

	for name, values := range r.Header {
		header[name] = append([]string(nil), values...)
	}

	mirror.StripConnectionHeaders(header)
	header.Del(mirror.MarkerHeader)

	if len(r.Body) > 0 {
		header.Set("Content-Length", strconv.Itoa(len(r.Body)))
	}

	w.WriteHeader(r.StatusCode)

	_, err := w.Write(r.Body)

	return err
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
