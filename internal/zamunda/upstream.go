package zamunda

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
	"golang.org/x/time/rate"

	"github.com/johnialexdch-dot/zamunda-api/internal/metrics"
)

const (
	maxPageBytes       = 4 * 1024 * 1024
	maxDescriptorBytes = 16 << 20 // 16 MiB safety limit for torrent blobs
)

// StatusError is returned when the site answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	URL        string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d", e.URL, e.StatusCode)
}

// upstream sends every request to the site through one cookie-carrying client.
type upstream struct {
	client    *http.Client
	userAgent string
	limiter   *rate.Limiter
}

func (u *upstream) do(ctx context.Context, endpoint string, req *http.Request) (*http.Response, error) {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req.Header.Set("User-Agent", u.userAgent)
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", "text/html,application/xhtml+xml")
	}
	req.Header.Set("Accept-Language", "bg-BG,bg;q=0.9,en-US;q=0.8,en;q=0.7")

	start := time.Now()
	resp, err := u.client.Do(req)
	metrics.UpstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())

	status := "error"
	switch {
	case err != nil && isTimeout(err):
		status = "timeout"
	case err == nil:
		status = strconv.Itoa(resp.StatusCode)
	}
	metrics.UpstreamRequestsTotal.WithLabelValues(endpoint, status).Inc()
	return resp, err
}

func (u *upstream) get(ctx context.Context, endpoint string, target *url.URL) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	return u.do(ctx, endpoint, req)
}

func readBody(body io.Reader, limit int64) ([]byte, error) {
	payload, err := io.ReadAll(io.LimitReader(body, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(payload)) > limit {
		return nil, fmt.Errorf("response exceeded %d bytes limit", limit)
	}
	return payload, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	_ = resp.Body.Close()
}

// decodeHTML returns UTF-8 markup; the site still serves windows-1251 pages.
func decodeHTML(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	decoded, err := charmap.Windows1251.NewDecoder().Bytes(payload)
	if err != nil {
		return string(payload)
	}
	return string(decoded)
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isLoginPage(finalURL *url.URL, payload string) bool {
	if finalURL != nil && strings.HasSuffix(strings.ToLower(finalURL.Path), "/login.php") {
		return true
	}
	content := strings.ToLower(payload)
	return strings.Contains(content, `action="takelogin.php"`) ||
		strings.Contains(content, `action="/takelogin.php"`)
}

func containsFold(haystack, needle string) bool {
	return strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
}
