package zamunda

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "Tester"
	testPassword = "secret"
	sessionValue = "uid-42"
)

// fakeSite mimics the login, search and download endpoints of the tracker.
type fakeSite struct {
	server *httptest.Server

	loginPageHits atomic.Int32
	loginPosts    atomic.Int32
	searches      atomic.Int32
	downloads     atomic.Int32

	lastSearch atomic.Value

	resultsPage  func() string
	searchStatus int
	// searchGate, when set, holds search responses until it is closed.
	searchGate chan struct{}
	// expireNext makes the next search answer with the login form.
	expireNext   atomic.Bool
	downloadFail atomic.Int32
	downloadBody func(path string) (string, []byte)
}

func newFakeSite(t *testing.T) *fakeSite {
	t.Helper()
	site := &fakeSite{
		resultsPage:  func() string { return threeRowPage },
		searchStatus: http.StatusOK,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /login.php", func(w http.ResponseWriter, r *http.Request) {
		site.loginPageHits.Add(1)
		fmt.Fprint(w, loginFormPage)
	})
	mux.HandleFunc("POST /takelogin.php", func(w http.ResponseWriter, r *http.Request) {
		site.loginPosts.Add(1)
		if err := r.ParseForm(); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("username") != testUser || r.PostForm.Get("password") != testPassword {
			fmt.Fprint(w, `<html><body>Login failed! Wrong username or password.</body></html>`)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "uid", Value: sessionValue, Path: "/"})
		http.Redirect(w, r, "/index.php", http.StatusFound)
	})
	mux.HandleFunc("GET /index.php", func(w http.ResponseWriter, r *http.Request) {
		if !authenticated(r) {
			http.Redirect(w, r, "/login.php", http.StatusFound)
			return
		}
		fmt.Fprintf(w, `<html><body>Welcome, <b>%s</b> | <a href="/logout.php">Logout</a></body></html>`, testUser)
	})
	mux.HandleFunc("GET /bananas", func(w http.ResponseWriter, r *http.Request) {
		site.searches.Add(1)
		site.lastSearch.Store(r.URL.RawQuery)
		if site.searchGate != nil {
			select {
			case <-site.searchGate:
			case <-r.Context().Done():
				return
			}
		}
		if !authenticated(r) || site.expireNext.CompareAndSwap(true, false) {
			fmt.Fprint(w, loginFormPage)
			return
		}
		if site.searchStatus != http.StatusOK {
			w.WriteHeader(site.searchStatus)
			return
		}
		fmt.Fprint(w, site.resultsPage())
	})
	downloads := func(w http.ResponseWriter, r *http.Request) {
		site.downloads.Add(1)
		if site.downloadFail.Load() > 0 {
			site.downloadFail.Add(-1)
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if site.downloadBody == nil {
			http.NotFound(w, r)
			return
		}
		contentType, body := site.downloadBody(r.URL.Path)
		w.Header().Set("Content-Type", contentType)
		_, _ = w.Write(body)
	}
	mux.HandleFunc("GET /magnetlink/", downloads)
	mux.HandleFunc("GET /download.php", downloads)

	site.server = httptest.NewServer(mux)
	t.Cleanup(site.server.Close)
	return site
}

func authenticated(r *http.Request) bool {
	cookie, err := r.Cookie("uid")
	return err == nil && cookie.Value == sessionValue
}

func (s *fakeSite) client(t *testing.T) *Client {
	t.Helper()
	client, err := NewClient(Config{
		BaseURL:        s.server.URL,
		HTTPClient:     s.server.Client(),
		LoginBackoff:   -1,
		ResolveBackoff: -1,
		Logger:         zerolog.Nop(),
	})
	require.NoError(t, err)
	return client
}

func (s *fakeSite) lastSearchQuery() string {
	raw, _ := s.lastSearch.Load().(string)
	return raw
}

const loginFormPage = `<html><body>
<form method="post" action="takelogin.php">
<input type="text" name="username"><input type="password" name="password">
</form></body></html>`

// resultRow renders one row of the results table in the site's layout:
// category, title, comments, added, size, snatched, seeders, leechers.
func resultRow(title string, hrefs []string, size, seeders string, bgAudio bool) string {
	var b strings.Builder
	b.WriteString(`<tr><td class="td_newborder"><img src="/pic/cat_movs.gif"></td><td class="td_newborder">`)
	fmt.Fprintf(&b, `<a href="/details.php?id=1"><b>%s</b></a>`, title)
	b.WriteString(`<div>`)
	for _, href := range hrefs {
		fmt.Fprintf(&b, `<a href="%s"><img src="/pic/dl.png"></a>`, href)
	}
	b.WriteString(`</div>`)
	if bgAudio {
		b.WriteString(`<img src="/pic/bgaudio.png" title="BG Audio">`)
	}
	b.WriteString(`</td><td>3</td><td>2024-01-01</td>`)
	fmt.Fprintf(&b, `<td>%s</td><td>17</td><td>%s</td><td>2</td></tr>`, size, seeders)
	return b.String()
}

// bareRow renders a row whose title cell carries plain text and no links.
func bareRow(title, size, seeders string) string {
	return fmt.Sprintf(`<tr><td><img src="/pic/cat_movs.gif"></td><td><b>%s</b></td><td>0</td><td>2024-01-01</td>`+
		`<td>%s</td><td>0</td><td>%s</td><td>0</td></tr>`, title, size, seeders)
}

func resultsPage(rows ...string) string {
	return `<html><body><table id="zbtable">` +
		`<tr><td>Type</td><td>Name</td><td>C</td><td>Added</td><td>Size</td><td>Snatched</td><td>S</td><td>L</td></tr>` +
		strings.Join(rows, "") +
		`</table></body></html>`
}

var threeRowPage = resultsPage(
	resultRow("Ubuntu 24.04 Desktop", []string{"/magnetlink/aaa"}, "5.7 GB", "120", false),
	bareRow("Sample pack", "1 GB", "3"),
	resultRow("Ubuntu Server", []string{"/download.php?id=77"}, "2.6 GB", "45", true),
)
