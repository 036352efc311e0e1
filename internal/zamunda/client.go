package zamunda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
	"github.com/johnialexdch-dot/zamunda-api/internal/metrics"
)

const (
	DefaultBaseURL   = "https://zamunda.net"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) zamunda-api/1.0"

	defaultTimeout            = 15 * time.Second
	defaultResolveConcurrency = 4
	defaultLoginBackoff       = 500 * time.Millisecond
	defaultResolveBackoff     = time.Second
)

var errLoginRequired = errors.New("site answered with the login form")

type Config struct {
	BaseURL     string
	UserAgent   string
	LoginMarker string
	// HTTPClient supplies transport and timeout; its cookie jar is replaced.
	HTTPClient         *http.Client
	RequestsPerSecond  float64
	ResolveConcurrency int
	LoginBackoff       time.Duration
	ResolveBackoff     time.Duration
	Logger             zerolog.Logger
}

// Client runs the login, search, parse and resolve pipeline against one
// site account at a time.
type Client struct {
	mu          sync.Mutex
	baseURL     *url.URL
	session     *Session
	resolver    *Resolver
	upstream    *upstream
	concurrency int
	logger      zerolog.Logger
	tracer      trace.Tracer
}

func NewClient(cfg Config) (*Client, error) {
	rawBase := strings.TrimSpace(cfg.BaseURL)
	if rawBase == "" {
		rawBase = DefaultBaseURL
	}
	baseURL, err := url.Parse(strings.TrimRight(rawBase, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if baseURL.Scheme == "" || baseURL.Host == "" {
		return nil, fmt.Errorf("base url %q must be absolute", rawBase)
	}

	httpClient := &http.Client{Timeout: defaultTimeout}
	if cfg.HTTPClient != nil {
		clone := *cfg.HTTPClient
		httpClient = &clone
	}
	httpClient.Jar = newCookieJar()

	userAgent := strings.TrimSpace(cfg.UserAgent)
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := int(cfg.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}
	u := &upstream{client: httpClient, userAgent: userAgent, limiter: limiter}

	concurrency := cfg.ResolveConcurrency
	if concurrency <= 0 {
		concurrency = defaultResolveConcurrency
	}
	loginBackoff := cfg.LoginBackoff
	if loginBackoff < 0 {
		loginBackoff = 0
	} else if loginBackoff == 0 {
		loginBackoff = defaultLoginBackoff
	}
	resolveBackoff := cfg.ResolveBackoff
	if resolveBackoff < 0 {
		resolveBackoff = 0
	} else if resolveBackoff == 0 {
		resolveBackoff = defaultResolveBackoff
	}

	return &Client{
		baseURL:     baseURL,
		session:     newSession(u, baseURL, cfg.LoginMarker, loginBackoff),
		resolver:    &Resolver{http: u, baseURL: baseURL, backoff: resolveBackoff},
		upstream:    u,
		concurrency: concurrency,
		logger:      cfg.Logger.With().Str("component", "zamunda").Logger(),
		tracer:      otel.Tracer("zamunda-api/zamunda"),
	}, nil
}

// Search authenticates, queries the site and assembles results in site
// order. Authentication problems and the caller's own cancellation are
// returned as errors; every other failure degrades to fewer or emptier
// results.
func (c *Client) Search(ctx context.Context, query domain.SearchQuery, creds domain.Credentials) ([]domain.SearchResult, error) {
	ctx, span := c.tracer.Start(ctx, "zamunda.search", trace.WithAttributes(
		attribute.Bool("zamunda.want_descriptor", query.WantDescriptor),
		attribute.Bool("zamunda.want_hash", query.WantHash),
	))
	defer span.End()

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.authenticate(ctx, creds); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	page, err := c.fetchResultsPage(ctx, query.Text)
	if errors.Is(err, errLoginRequired) {
		c.logger.Info().Msg("session expired on the site, logging in again")
		c.session.Invalidate()
		if err := c.authenticate(ctx, creds); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		page, err = c.fetchResultsPage(ctx, query.Text)
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		c.logger.Warn().Err(err).Str("query", query.Text).Msg("search request failed, returning no results")
		return []domain.SearchResult{}, nil
	}

	parsed, err := ParseResults(bytes.NewReader(page))
	if err != nil {
		if errors.Is(err, domain.ErrNoResultsTable) {
			c.logger.Debug().Str("query", query.Text).Msg("no results table on search page")
		} else {
			c.logger.Warn().Err(err).Str("query", query.Text).Msg("search page could not be parsed")
		}
		return []domain.SearchResult{}, nil
	}
	metrics.ParsedRowsTotal.Add(float64(len(parsed.Rows)))
	metrics.SkippedRowsTotal.Add(float64(parsed.Skipped))
	if parsed.Skipped > 0 {
		c.logger.Debug().Int("skipped", parsed.Skipped).Str("query", query.Text).Msg("skipped malformed result rows")
	}
	span.SetAttributes(attribute.Int("zamunda.rows", len(parsed.Rows)))

	results := c.buildResults(ctx, parsed.Rows, query.SearchOptions)
	// Resolutions cut short by the caller are not "no descriptor".
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

// LastAuthenticated reports when the current session logged in.
func (c *Client) LastAuthenticated() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session.LastAuthenticated()
}

func (c *Client) authenticate(ctx context.Context, creds domain.Credentials) error {
	if c.session.holds(creds) {
		return nil
	}
	ctx, span := c.tracer.Start(ctx, "zamunda.login")
	defer span.End()

	if err := c.session.EnsureAuthenticated(ctx, creds); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if !errors.Is(err, domain.ErrInvalidCredentials) {
			c.logger.Warn().Err(err).Msg("login failed")
		}
		return err
	}
	c.logger.Debug().Msg("logged in")
	return nil
}

func (c *Client) fetchResultsPage(ctx context.Context, text string) ([]byte, error) {
	target := c.searchURL(text)
	resp, err := c.upstream.get(ctx, "search", target)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &StatusError{StatusCode: resp.StatusCode, URL: target.Redacted()}
	}
	payload, err := readBody(resp.Body, maxPageBytes)
	if err != nil {
		return nil, err
	}
	content := decodeHTML(payload)
	if isLoginPage(resp.Request.URL, content) {
		return nil, errLoginRequired
	}
	return []byte(content), nil
}

func (c *Client) searchURL(text string) *url.URL {
	rawQuery := "search=" + searchTerms(text) + "&gotonext=1&incldead=&field=name&sort=9&type=desc"
	return c.baseURL.ResolveReference(&url.URL{Path: "/bananas", RawQuery: rawQuery})
}

// searchTerms escapes each word and joins them with '+', the form the
// site's search box submits.
func searchTerms(text string) string {
	words := strings.Fields(text)
	for i, word := range words {
		words[i] = url.QueryEscape(word)
	}
	return strings.Join(words, "+")
}

func (c *Client) buildResults(ctx context.Context, rows []domain.ResultRow, options domain.SearchOptions) []domain.SearchResult {
	descriptors := make([]domain.TorrentDescriptor, len(rows))
	if options.Resolve() && len(rows) > 0 {
		var g errgroup.Group
		g.SetLimit(c.concurrency)
		for i, row := range rows {
			g.Go(func() error {
				descriptors[i] = c.resolve(ctx, row.DetailLink)
				return nil
			})
		}
		_ = g.Wait()
	}

	results := make([]domain.SearchResult, len(rows))
	for i, row := range rows {
		results[i] = domain.NewSearchResult(row, c.absoluteLink(row.DetailLink), descriptors[i], options)
	}
	return results
}

func (c *Client) resolve(ctx context.Context, link string) domain.TorrentDescriptor {
	ctx, span := c.tracer.Start(ctx, "zamunda.resolve")
	defer span.End()

	descriptor, err := c.resolver.Resolve(ctx, link)
	switch {
	case err != nil:
		span.RecordError(err)
		metrics.DescriptorResolutionsTotal.WithLabelValues("failed").Inc()
		c.logger.Warn().Err(err).Str("link", link).Msg("descriptor resolution failed")
		return domain.TorrentDescriptor{}
	case descriptor.IsEmpty():
		metrics.DescriptorResolutionsTotal.WithLabelValues("empty").Inc()
	default:
		metrics.DescriptorResolutionsTotal.WithLabelValues("ok").Inc()
	}
	return descriptor
}

func (c *Client) absoluteLink(link string) string {
	if isMagnet(link) {
		return link
	}
	resolved, err := c.baseURL.Parse(link)
	if err != nil {
		return link
	}
	return resolved.String()
}
