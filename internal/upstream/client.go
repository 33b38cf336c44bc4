package upstream

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rs/zerolog"
)

// Request is a fully buffered request ready to be sent to a backend.
type Request struct {
	Method     string
	RequestURI string
	Header     http.Header
	Body       []byte
}

// Response is a fully read backend response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

type Client struct {
	netClient *http.Client
	logger    zerolog.Logger
}

// NewClient creates a client on top of transport, or the default transport when nil.
// Redirects are never followed, they are relayed like any other response.
func NewClient(transport http.RoundTripper, logger zerolog.Logger) *Client {
	if transport == nil {
		transport = http.DefaultTransport
	}

	return &Client{
		netClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		logger: logger.With().Str("component", "upstream").Logger(),
	}
}

// Send makes exactly one attempt against target. The target timeout covers
// the complete exchange including reading the response body.
// When ctx itself is cancelled its error is returned as is, every other
// failure is a *TransportError.
func (c *Client) Send(ctx context.Context, target datatypes.BackendTarget, req *Request) (*Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, target.Timeout)
	defer cancel()

	started := time.Now()

	newRequest, err := http.NewRequestWithContext(callCtx, req.Method, target.Endpoint(req.RequestURI), bytes.NewReader(req.Body))
	if err != nil {
		return nil, &TransportError{Backend: target.Name, Kind: KindProtocol, Err: err}
	}

	newRequest.Header = req.Header.Clone()
	if newRequest.Header == nil {
		newRequest.Header = make(http.Header)
	}

	newRequest.Header.Del("Content-Length")
	newRequest.ContentLength = int64(len(req.Body))

	if len(req.Body) == 0 {
		newRequest.Body = http.NoBody
	}

	response, err := c.netClient.Do(newRequest)
	if err != nil {
		return nil, c.failure(ctx, target, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, c.failure(ctx, target, fmt.Errorf("reading response body: %w", err))
	}

	c.logger.Trace().
		Str("backend", target.Name).
		Str("method", req.Method).
		Str("uri", req.RequestURI).
		Int("status", response.StatusCode).
		Dur("duration", time.Since(started)).
		Msg("Backend responded")

	return &Response{
		StatusCode: response.StatusCode,
		Header:     response.Header,
		Body:       body,
	}, nil
}

func (c *Client) failure(ctx context.Context, target datatypes.BackendTarget, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil && ctxErr != context.DeadlineExceeded {
		return ctxErr
	}

	kind := classify(err)
	c.logger.Debug().Err(err).Str("backend", target.Name).Str("kind", string(kind)).Msg("Backend call failed")

	return &TransportError{Backend: target.Name, Kind: kind, Err: err}
}
