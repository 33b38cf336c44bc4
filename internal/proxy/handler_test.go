package proxy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"strings"
	"sync"
	"testing"

	"github.com/rb3ckers/dualwrite/datatypes"
	"github.com/rb3ckers/dualwrite/internal/config"
	"github.com/rb3ckers/dualwrite/internal/metrics"
	"github.com/rb3ckers/dualwrite/internal/mirror"
	"github.com/rb3ckers/dualwrite/internal/upstream"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSecondary struct {
	sync.Mutex
	reflected []*mirror.Request
	skipped   []*mirror.Request
}

func (f *fakeSecondary) Reflect(req *mirror.Request) {
	f.Lock()
	defer f.Unlock()
	f.reflected = append(f.reflected, req)
}

func (f *fakeSecondary) Skip(req *mirror.Request) {
	f.Lock()
	defer f.Unlock()
	f.skipped = append(f.skipped, req)
}

func (f *fakeSecondary) counts() (int, int) {
	f.Lock()
	defer f.Unlock()

	return len(f.reflected), len(f.skipped)
}

func testGuard() *mirror.LoopGuard {
	return mirror.NewLoopGuard([]netip.Prefix{netip.MustParsePrefix("127.0.0.0/8")}, zerolog.Nop())
}

func okSender(status int) senderFunc {
	return func(context.Context, datatypes.BackendTarget, *upstream.Request) (*upstream.Response, error) {
		return &upstream.Response{StatusCode: status, Header: http.Header{}, Body: []byte("from primary")}, nil
	}
}

func failingSender() senderFunc {
	return func(context.Context, datatypes.BackendTarget, *upstream.Request) (*upstream.Response, error) {
		return nil, transportError(upstream.KindUnreachable)
	}
}

func serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	return rec
}

func TestHandlerMirrorsBeforePrimaryWithAlwaysPolicy(t *testing.T) {
	secondary := &fakeSecondary{}
	reflectedBeforePrimary := false

	sender := senderFunc(func(context.Context, datatypes.BackendTarget, *upstream.Request) (*upstream.Response, error) {
		reflected, _ := secondary.counts()
		reflectedBeforePrimary = reflected == 1

		return &upstream.Response{StatusCode: http.StatusCreated, Body: []byte("created")}, nil
	})

	h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(2), sender, metrics.NopSink{}), secondary, 1024, config.PolicyAlways, zerolog.Nop())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}")))

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "created", rec.Body.String())
	assert.True(t, reflectedBeforePrimary)

	reflected, skipped := secondary.counts()
	assert.Equal(t, 1, reflected)
	assert.Equal(t, 0, skipped)

	primary, ok := secondary.reflected[0].Outcome().Primary()
	require.True(t, ok)
	assert.Equal(t, http.StatusCreated, primary.Status)
	assert.Equal(t, 1, primary.Attempts)
}

func TestHandlerAlwaysPolicyMirrorsWhenPrimaryExhausted(t *testing.T) {
	secondary := &fakeSecondary{}
	h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(2), failingSender(), metrics.NopSink{}), secondary, 1024, config.PolicyAlways, zerolog.Nop())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}")))

	assert.Equal(t, http.StatusBadGateway, rec.Code)

	reflected, skipped := secondary.counts()
	assert.Equal(t, 1, reflected)
	assert.Equal(t, 0, skipped)
}

func TestHandlerPrimarySuccessPolicy(t *testing.T) {
	t.Run("primary responds", func(t *testing.T) {
		secondary := &fakeSecondary{}
		h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(2), okSender(http.StatusInternalServerError), metrics.NopSink{}), secondary, 1024, config.PolicyPrimarySuccess, zerolog.Nop())

		rec := serve(h, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}")))
		assert.Equal(t, http.StatusInternalServerError, rec.Code)

		reflected, skipped := secondary.counts()
		assert.Equal(t, 1, reflected)
		assert.Equal(t, 0, skipped)
	})

	t.Run("primary exhausted", func(t *testing.T) {
		secondary := &fakeSecondary{}
		h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(2), failingSender(), metrics.NopSink{}), secondary, 1024, config.PolicyPrimarySuccess, zerolog.Nop())

		rec := serve(h, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}")))
		assert.Equal(t, http.StatusBadGateway, rec.Code)

		reflected, skipped := secondary.counts()
		assert.Equal(t, 0, reflected)
		assert.Equal(t, 1, skipped)
	})
}

func TestHandlerPrimaryOnlyForMarkedRequests(t *testing.T) {
	var got *upstream.Request

	sender := senderFunc(func(_ context.Context, _ datatypes.BackendTarget, req *upstream.Request) (*upstream.Response, error) {
		got = req
		return &upstream.Response{StatusCode: http.StatusOK}, nil
	})

	secondary := &fakeSecondary{}
	h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(0), sender, metrics.NopSink{}), secondary, 1024, config.PolicyAlways, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}"))
	req.RemoteAddr = "127.0.0.1:50000"
	req.Header.Set(mirror.MarkerHeader, mirror.MarkerValue)

	rec := serve(h, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	reflected, skipped := secondary.counts()
	assert.Equal(t, 0, reflected)
	assert.Equal(t, 0, skipped)

	require.NotNil(t, got)
	assert.Equal(t, mirror.MarkerValue, got.Header.Get(mirror.MarkerHeader))
}

func TestHandlerStripsSpuriousMarker(t *testing.T) {
	var got *upstream.Request

	sender := senderFunc(func(_ context.Context, _ datatypes.BackendTarget, req *upstream.Request) (*upstream.Response, error) {
		got = req
		return &upstream.Response{StatusCode: http.StatusOK}, nil
	})

	secondary := &fakeSecondary{}
	h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(0), sender, metrics.NopSink{}), secondary, 1024, config.PolicyAlways, zerolog.Nop())

	req := httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}"))
	req.RemoteAddr = "198.51.100.4:50000"
	req.Header.Set(mirror.MarkerHeader, mirror.MarkerValue)

	serve(h, req)

	reflected, _ := secondary.counts()
	assert.Equal(t, 1, reflected)

	require.NotNil(t, got)
	assert.Empty(t, got.Header.Get(mirror.MarkerHeader))
}

func TestHandlerRejectsOversizedBody(t *testing.T) {
	calls := 0
	sender := senderFunc(func(context.Context, datatypes.BackendTarget, *upstream.Request) (*upstream.Response, error) {
		calls++
		return &upstream.Response{StatusCode: http.StatusOK}, nil
	})

	secondary := &fakeSecondary{}
	h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(0), sender, metrics.NopSink{}), secondary, 8, config.PolicyAlways, zerolog.Nop())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader(strings.Repeat("x", 9))))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, 0, calls)

	reflected, skipped := secondary.counts()
	assert.Equal(t, 0, reflected)
	assert.Equal(t, 0, skipped)
}

func TestHandlerWritesNothingWhenClientLeft(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	sender := senderFunc(func(ctx context.Context, _ datatypes.BackendTarget, _ *upstream.Request) (*upstream.Response, error) {
		cancel()
		return nil, ctx.Err()
	})

	secondary := &fakeSecondary{}
	h := DualWriteHandler(testGuard(), NewPrimaryDispatcher(primaryTarget(2), sender, metrics.NopSink{}), secondary, 1024, config.PolicyAlways, zerolog.Nop())

	rec := serve(h, httptest.NewRequest(http.MethodPost, "/users", strings.NewReader("{}")).WithContext(ctx))

	assert.False(t, rec.Flushed)
	assert.Empty(t, rec.Body.String())

	reflected, _ := secondary.counts()
	assert.Equal(t, 1, reflected)
}

func TestRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	assert.Len(t, requestID(req), 36)

	req.Header.Set(RequestIDHeader, "abc")
	assert.Equal(t, "abc", requestID(req))
}
