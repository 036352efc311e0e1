package search

import (
	"context"
	"strings"

	"github.com/rs/zerolog"

	"github.com/johnialexdch-dot/zamunda-api/internal/cache"
	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
)

// Searcher runs an uncached search against the site.
type Searcher interface {
	Search(ctx context.Context, query domain.SearchQuery, creds domain.Credentials) ([]domain.SearchResult, error)
}

type Service struct {
	searcher Searcher
	cache    *cache.Cache
	logger   zerolog.Logger
}

// NewService wires the searcher behind responseCache. A nil cache sends
// every request to the site.
func NewService(searcher Searcher, responseCache *cache.Cache, logger zerolog.Logger) *Service {
	return &Service{
		searcher: searcher,
		cache:    responseCache,
		logger:   logger.With().Str("component", "search").Logger(),
	}
}

func (s *Service) Search(ctx context.Context, request domain.SearchRequest) ([]domain.SearchResult, error) {
	text := strings.TrimSpace(request.Query)
	if text == "" {
		return nil, domain.ErrInvalidQuery
	}
	if request.Credentials.Empty() {
		return nil, domain.ErrInvalidCredentials
	}

	query := domain.SearchQuery{Text: text, SearchOptions: request.SearchOptions}
	compute := func(ctx context.Context) ([]domain.SearchResult, error) {
		return s.searcher.Search(ctx, query, request.Credentials)
	}
	if s.cache == nil {
		return compute(ctx)
	}

	key := cache.Key{Query: text, WantDescriptor: request.WantDescriptor, WantHash: request.WantHash}
	if request.ForceRefresh {
		s.logger.Debug().Str("query", text).Msg("forced refresh, skipping cache lookup")
		return s.cache.Refresh(ctx, key, compute)
	}

	results, hit, err := s.cache.GetOrCompute(ctx, key, compute)
	if err != nil {
		return nil, err
	}
	s.logger.Debug().Str("query", text).Bool("cache_hit", hit).Int("results", len(results)).Msg("search served")
	return results, nil
}
