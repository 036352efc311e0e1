package apihttp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
)

const (
	maxQueryLength = 500
	bannerText     = "Zamunda API v1"

	defaultRateLimitRPS   = 20
	defaultRateLimitBurst = 40
)

type SearchService interface {
	Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error)
}

type Server struct {
	search     SearchService
	logger     zerolog.Logger
	rateRPS    float64
	rateBurst  int
	cacheStats func() int
}

type ServerOption func(*Server)

func WithLogger(logger zerolog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

func WithRateLimit(rps float64, burst int) ServerOption {
	return func(s *Server) {
		if rps > 0 {
			s.rateRPS = rps
		}
		if burst > 0 {
			s.rateBurst = burst
		}
	}
}

// WithCacheStats reports the number of cached responses on /health.
func WithCacheStats(entries func() int) ServerOption {
	return func(s *Server) {
		s.cacheStats = entries
	}
}

func NewServer(searchService SearchService, options ...ServerOption) *Server {
	server := &Server{
		search:    searchService,
		logger:    zerolog.Nop(),
		rateRPS:   defaultRateLimitRPS,
		rateBurst: defaultRateLimitBurst,
	}
	for _, option := range options {
		if option != nil {
			option(server)
		}
	}
	return server
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/search", s.handleSearch)
	mux.HandleFunc("/", s.handleRoot)
	traced := otelhttp.NewHandler(loggingMiddleware(s.logger, mux), "zamunda-api",
		otelhttp.WithFilter(func(r *http.Request) bool {
			p := r.URL.Path
			return p != "/metrics" && p != "/health"
		}),
	)
	return recoveryMiddleware(s.logger, rateLimitMiddleware(s.rateRPS, s.rateBurst, metricsMiddleware(traced)))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, bannerText)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
	}
	if s.cacheStats != nil {
		payload["cacheEntries"] = s.cacheStats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if s.search == nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "search service is not configured")
		return
	}

	params := r.URL.Query()
	query := strings.TrimSpace(params.Get("q"))
	if query == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "query is required")
		return
	}
	if len(query) > maxQueryLength {
		writeError(w, http.StatusBadRequest, "invalid_request", "query too long (max 500 characters)")
		return
	}

	request := domain.SearchRequest{
		Query: query,
		Credentials: domain.Credentials{
			Username: params.Get("user"),
			Password: params.Get("password"),
		},
		ForceRefresh: parseOptionalBool(params.Get("force_search")),
		SearchOptions: domain.SearchOptions{
			WantDescriptor: parseOptionalBool(params.Get("provide_magnet")),
			WantHash:       parseOptionalBool(params.Get("provide_hash")),
		},
	}

	logger := zerolog.Ctx(r.Context())
	start := time.Now()
	results, err := s.search.Search(r.Context(), request)
	if err != nil {
		logger.Warn().Err(err).Str("query", truncate(query, 80)).Msg("search request failed")
		status, code, message := classifyError(err)
		writeError(w, status, code, message)
		return
	}
	if results == nil {
		results = []domain.SearchResult{}
	}

	logger.Info().
		Str("query", truncate(query, 80)).
		Int("results", len(results)).
		Bool("forceSearch", request.ForceRefresh).
		Bool("provideMagnet", request.WantDescriptor).
		Int64("elapsedMs", time.Since(start).Milliseconds()).
		Msg("search completed")
	writeJSON(w, http.StatusOK, results)
}

func classifyError(err error) (status int, code, message string) {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery), errors.Is(err, domain.ErrInvalidCredentials):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, domain.ErrAuthFailed):
		return http.StatusUnauthorized, "auth_failed", "login to the tracker failed"
	case errors.Is(err, domain.ErrAuthTimeout):
		return http.StatusGatewayTimeout, "auth_timeout", "login to the tracker timed out"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout, "timeout", "search did not finish in time"
	default:
		return http.StatusBadGateway, "upstream_error", "search failed"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}

func parseOptionalBool(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}
