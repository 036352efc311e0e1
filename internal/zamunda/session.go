package zamunda

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"golang.org/x/net/publicsuffix"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
	"github.com/johnialexdch-dot/zamunda-api/internal/metrics"
)

const (
	loginAttempts      = 3
	defaultLoginMarker = "logout.php"
)

var errLoginRejected = errors.New("login rejected")

// Session owns the authenticated cookie state for one account at a time.
// It is not safe for concurrent use; Client serializes access.
type Session struct {
	http    *upstream
	baseURL *url.URL
	marker  string
	backoff time.Duration
	now     func() time.Time

	owner             string
	valid             bool
	lastAuthenticated time.Time
}

func newSession(u *upstream, baseURL *url.URL, marker string, backoff time.Duration) *Session {
	if strings.TrimSpace(marker) == "" {
		marker = defaultLoginMarker
	}
	return &Session{
		http:    u,
		baseURL: baseURL,
		marker:  marker,
		backoff: backoff,
		now:     time.Now,
	}
}

// EnsureAuthenticated logs in unless the session already holds a valid
// login for the same credentials. Empty credentials fail before any I/O.
func (s *Session) EnsureAuthenticated(ctx context.Context, creds domain.Credentials) error {
	if creds.Empty() {
		return domain.ErrInvalidCredentials
	}
	if s.holds(creds) {
		return nil
	}

	s.reset()
	if err := s.loginWithRetry(ctx, creds); err != nil {
		s.reset()
		return err
	}
	s.owner = fingerprint(creds)
	s.valid = true
	s.lastAuthenticated = s.now()
	return nil
}

// Invalidate forces the next EnsureAuthenticated to log in again.
func (s *Session) Invalidate() {
	s.valid = false
}

func (s *Session) Authenticated() bool {
	return s.valid
}

func (s *Session) holds(creds domain.Credentials) bool {
	return s.valid && !creds.Empty() && s.owner == fingerprint(creds)
}

func (s *Session) LastAuthenticated() time.Time {
	return s.lastAuthenticated
}

func (s *Session) reset() {
	s.valid = false
	s.owner = ""
	s.http.client.Jar = newCookieJar()
}

func (s *Session) loginWithRetry(ctx context.Context, creds domain.Credentials) error {
	err := retry.Do(
		func() error {
			err := s.login(ctx, creds)
			switch {
			case err == nil:
				return nil
			case errors.Is(err, errLoginRejected):
				return retry.Unrecoverable(fmt.Errorf("%w: %w", domain.ErrAuthFailed, err))
			case isTimeout(err):
				return retry.Unrecoverable(fmt.Errorf("%w: %w", domain.ErrAuthTimeout, err))
			}
			return err
		},
		retry.Context(ctx),
		retry.Attempts(loginAttempts),
		retry.Delay(s.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)

	switch {
	case err == nil:
		metrics.LoginsTotal.WithLabelValues("ok").Inc()
		return nil
	case errors.Is(err, domain.ErrAuthTimeout):
		metrics.LoginsTotal.WithLabelValues("timeout").Inc()
		return err
	case errors.Is(err, domain.ErrAuthFailed):
		metrics.LoginsTotal.WithLabelValues("rejected").Inc()
		return err
	case errors.Is(err, context.DeadlineExceeded):
		metrics.LoginsTotal.WithLabelValues("timeout").Inc()
		return fmt.Errorf("%w: %w", domain.ErrAuthTimeout, err)
	default:
		metrics.LoginsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("%w: %w", domain.ErrAuthFailed, err)
	}
}

// login performs one exchange: prime cookies from the login page, then
// submit the form. The site redirects to the index on success, which
// shows the account name next to a logout link.
func (s *Session) login(ctx context.Context, creds domain.Credentials) error {
	loginURL := s.baseURL.ResolveReference(&url.URL{Path: "/login.php"})
	resp, err := s.http.get(ctx, "login_page", loginURL)
	if err != nil {
		return err
	}
	drain(resp)

	form := url.Values{}
	form.Set("username", creds.Username)
	form.Set("password", creds.Password)

	submitURL := s.baseURL.ResolveReference(&url.URL{Path: "/takelogin.php"})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, submitURL.String(), strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Referer", loginURL.String())

	resp, err = s.http.do(ctx, "login", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: status %d", errLoginRejected, resp.StatusCode)
	}
	payload, err := readBody(resp.Body, maxPageBytes)
	if err != nil {
		return err
	}
	content := decodeHTML(payload)
	if !containsFold(content, creds.Username) || !containsFold(content, s.marker) {
		return fmt.Errorf("%w: account marker not found", errLoginRejected)
	}
	return nil
}

func newCookieJar() http.CookieJar {
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		// cookiejar.New never fails with a non-nil options value.
		panic(err)
	}
	return jar
}

func fingerprint(creds domain.Credentials) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(creds.Username) + "\x00" + creds.Password))
	return hex.EncodeToString(sum[:])
}
