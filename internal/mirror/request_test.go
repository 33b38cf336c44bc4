package mirror

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) {
	return 0, errors.New("connection reset")
}

func TestCaptureBuffersRequest(t *testing.T) {
	req := httptest.NewRequest(http.MethodPut, "/users/7?force=1", strings.NewReader(`{"name":"bob"}`))
	req.Header.Add("X-Trace", "a")
	req.Header.Add("X-Trace", "b")

	captured, err := Capture(req, "req-1", 1024)
	require.NoError(t, err)

	assert.Equal(t, "req-1", captured.ID())
	assert.Equal(t, http.MethodPut, captured.Method())
	assert.Equal(t, "/users/7?force=1", captured.RequestURI())
	assert.Equal(t, "/users/7", captured.Path())
	assert.Equal(t, []string{"a", "b"}, captured.Header().Values("X-Trace"))
	assert.Equal(t, 14, captured.BodyLen())
	assert.False(t, captured.ArrivedAt().IsZero())

	// Later changes to the inbound request do not leak into the capture
	req.Header.Set("X-Trace", "changed")
	assert.Equal(t, []string{"a", "b"}, captured.Header().Values("X-Trace"))
}

func TestCaptureAtLimit(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("12345"))

	captured, err := Capture(req, "", 5)
	require.NoError(t, err)
	assert.Equal(t, 5, captured.BodyLen())
}

func TestCaptureRejectsDeclaredOversize(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader("123456"))

	_, err := Capture(req, "", 5)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCaptureRejectsStreamedOversize(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Body = readCloser{bytes.NewReader(bytes.Repeat([]byte("x"), 64))}
	req.ContentLength = -1

	_, err := Capture(req, "", 10)
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestCaptureMalformedBody(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Body = readCloser{failingReader{}}
	req.ContentLength = -1

	_, err := Capture(req, "", 10)
	assert.ErrorIs(t, err, ErrMalformedBody)
}

func TestDuplicateMatchesForwardExceptMarker(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/orders?x=1", strings.NewReader("payload"))
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("Content-Length", "7")
	req.Header.Set("Connection", "keep-alive, X-Hop")
	req.Header.Set("X-Hop", "1")
	req.Header.Set("Keep-Alive", "timeout=5")
	req.Header.Set("Host", "proxy.local")
	req.Header.Set("Authorization", "Bearer abc")

	captured, err := Capture(req, "", 1024)
	require.NoError(t, err)

	forward := captured.Forward()
	dup := captured.Duplicate()

	assert.Equal(t, forward.Method, dup.Method)
	assert.Equal(t, forward.RequestURI, dup.RequestURI)
	assert.Equal(t, forward.Body, dup.Body)
	assert.Equal(t, "payload", string(dup.Body))

	assert.Empty(t, forward.Header.Get(MarkerHeader))
	assert.Equal(t, MarkerValue, dup.Header.Get(MarkerHeader))

	dup.Header.Del(MarkerHeader)
	assert.Equal(t, forward.Header, dup.Header)

	for _, h := range []string{"Connection", "X-Hop", "Keep-Alive", "Host", "Content-Length"} {
		assert.Empty(t, forward.Header.Values(h), h)
	}

	assert.Equal(t, "text/plain", forward.Header.Get("Content-Type"))
	assert.Equal(t, "Bearer abc", forward.Header.Get("Authorization"))
}

func TestDuplicateOverridesSpoofedMarker(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", nil)
	req.Header.Add(MarkerHeader, "nope")

	captured, err := Capture(req, "", 1024)
	require.NoError(t, err)

	assert.Equal(t, []string{MarkerValue}, captured.Duplicate().Header.Values(MarkerHeader))
}

type readCloser struct {
	r io.Reader
}

func (rc readCloser) Read(p []byte) (int, error) {
	return rc.r.Read(p)
}

func (readCloser) Close() error {
	return nil
}
