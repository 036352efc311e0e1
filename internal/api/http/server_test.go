package apihttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
)

type fakeSearchService struct {
	lastRequest domain.SearchRequest
	callCount   int
	results     []domain.SearchResult
	err         error
}

func (f *fakeSearchService) Search(_ context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	f.callCount++
	f.lastRequest = request
	if f.err != nil {
		return nil, f.err
	}
	return f.results, nil
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func serve(t *testing.T, handler http.Handler, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestRootReturnsBanner(t *testing.T) {
	handler := NewServer(&fakeSearchService{}).Handler()

	rec := serve(t, handler, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	var banner string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &banner))
	assert.Equal(t, "Zamunda API v1", banner)

	rec = serve(t, handler, "/nope")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSearchPassesParameters(t *testing.T) {
	svc := &fakeSearchService{results: []domain.SearchResult{
		{Name: "Ubuntu", Size: "5 GB", Seeders: 10, BGAudio: true, MagnetLink: "magnet:?xt=urn:btih:abc"},
	}}
	handler := NewServer(svc).Handler()

	rec := serve(t, handler, "/search?q=ubuntu+server&user=alice&password=pw&force_search=true&provide_magnet=1&provide_hash=yes")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	assert.Equal(t, domain.SearchRequest{
		Query:        "ubuntu server",
		Credentials:  domain.Credentials{Username: "alice", Password: "pw"},
		ForceRefresh: true,
		SearchOptions: domain.SearchOptions{
			WantDescriptor: true,
			WantHash:       true,
		},
	}, svc.lastRequest)

	var results []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &results))
	require.Len(t, results, 1)
	assert.Equal(t, "Ubuntu", results[0]["name"])
	assert.Equal(t, true, results[0]["bgAudio"])
	assert.Equal(t, "magnet:?xt=urn:btih:abc", results[0]["magnetlink"])
	assert.NotContains(t, results[0], "infohash")
}

func TestSearchDefaultsFlagsToFalse(t *testing.T) {
	svc := &fakeSearchService{}
	handler := NewServer(svc).Handler()

	rec := serve(t, handler, "/search?q=ubuntu&user=alice&password=pw")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "[]\n", rec.Body.String())
	assert.False(t, svc.lastRequest.ForceRefresh)
	assert.False(t, svc.lastRequest.WantDescriptor)
	assert.False(t, svc.lastRequest.WantHash)
}

func TestSearchRequiresQuery(t *testing.T) {
	svc := &fakeSearchService{}
	handler := NewServer(svc).Handler()

	rec := serve(t, handler, "/search?q=%20&user=a&password=b")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Zero(t, svc.callCount)

	rec = serve(t, handler, "/search?user=a&password=b&q="+strings.Repeat("x", maxQueryLength+1))
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSearchErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{err: domain.ErrInvalidCredentials, status: http.StatusBadRequest, code: "invalid_request"},
		{err: fmt.Errorf("%w: bad password", domain.ErrAuthFailed), status: http.StatusUnauthorized, code: "auth_failed"},
		{err: fmt.Errorf("%w: i/o timeout", domain.ErrAuthTimeout), status: http.StatusGatewayTimeout, code: "auth_timeout"},
		{err: context.DeadlineExceeded, status: http.StatusGatewayTimeout, code: "timeout"},
		{err: errors.New("boom"), status: http.StatusBadGateway, code: "upstream_error"},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			handler := NewServer(&fakeSearchService{err: tt.err}).Handler()
			rec := serve(t, handler, "/search?q=ubuntu&user=a&password=b")
			require.Equal(t, tt.status, rec.Code)

			var body errorBody
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.code, body.Error.Code)
			assert.NotEmpty(t, body.Error.Message)
		})
	}
}

func TestSearchRejectsOtherMethods(t *testing.T) {
	handler := NewServer(&fakeSearchService{}).Handler()
	req := httptest.NewRequest(http.MethodPost, "/search?q=x", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHealthReportsCacheEntries(t *testing.T) {
	handler := NewServer(&fakeSearchService{}, WithCacheStats(func() int { return 7 })).Handler()

	rec := serve(t, handler, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(7), body["cacheEntries"])
}

func TestRateLimitReturns429(t *testing.T) {
	handler := NewServer(&fakeSearchService{}, WithRateLimit(1, 1)).Handler()

	first := serve(t, handler, "/search?q=a&user=u&password=p")
	require.Equal(t, http.StatusOK, first.Code)
	second := serve(t, handler, "/search?q=a&user=u&password=p")
	require.Equal(t, http.StatusTooManyRequests, second.Code)
	assert.Equal(t, "1", second.Header().Get("Retry-After"))

	health := serve(t, handler, "/health")
	assert.Equal(t, http.StatusOK, health.Code)
}

func TestRequestLogRedactsCredentials(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	handler := NewServer(&fakeSearchService{}, WithLogger(logger)).Handler()

	rec := serve(t, handler, "/search?q=ubuntu&user=alice&password=hunter2")
	require.Equal(t, http.StatusOK, rec.Code)

	logged := buf.String()
	assert.Contains(t, logged, `"message":"http request"`)
	assert.Contains(t, logged, "REDACTED")
	assert.NotContains(t, logged, "hunter2")
	assert.NotContains(t, logged, "alice")
}

func TestRecoveryMiddleware(t *testing.T) {
	handler := recoveryMiddleware(zerolog.Nop(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := serve(t, handler, "/search")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
