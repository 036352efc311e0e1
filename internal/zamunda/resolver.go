package zamunda

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/anacrolix/torrent/metainfo"
	"github.com/avast/retry-go/v4"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
)

const resolveAttempts = 5

// Resolver turns a detail or download link into a magnet URI and info hash.
type Resolver struct {
	http    *upstream
	baseURL *url.URL
	backoff time.Duration
}

type fetchedDescriptor struct {
	body        []byte
	contentType string
}

// Resolve fetches link and extracts a descriptor from it. Magnet links are
// returned without network access. A page that carries no descriptor yields
// an empty descriptor and a nil error; transport failures that persist
// across every attempt yield an empty descriptor and the last error.
func (r *Resolver) Resolve(ctx context.Context, link string) (domain.TorrentDescriptor, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return domain.TorrentDescriptor{}, errors.New("empty detail link")
	}
	if isMagnet(link) {
		return domain.TorrentDescriptor{MagnetURI: link, InfoHash: infoHashFromMagnet(link)}, nil
	}

	target, err := r.baseURL.Parse(link)
	if err != nil {
		return domain.TorrentDescriptor{}, fmt.Errorf("invalid detail link %q: %w", link, err)
	}

	fetched, err := retry.DoWithData(
		func() (fetchedDescriptor, error) {
			return r.fetch(ctx, target)
		},
		retry.Context(ctx),
		retry.Attempts(resolveAttempts),
		retry.Delay(r.backoff),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return domain.TorrentDescriptor{}, fmt.Errorf("fetch descriptor %s: %w", target.Redacted(), err)
	}
	return decodeDescriptor(fetched.body, fetched.contentType), nil
}

func (r *Resolver) fetch(ctx context.Context, target *url.URL) (fetchedDescriptor, error) {
	resp, err := r.http.get(ctx, "descriptor", target)
	if err != nil {
		return fetchedDescriptor{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		return fetchedDescriptor{}, &StatusError{StatusCode: resp.StatusCode, URL: target.Redacted()}
	}
	body, err := readBody(resp.Body, maxDescriptorBytes)
	if err != nil {
		return fetchedDescriptor{}, retry.Unrecoverable(err)
	}
	return fetchedDescriptor{body: body, contentType: resp.Header.Get("Content-Type")}, nil
}

func decodeDescriptor(body []byte, contentType string) domain.TorrentDescriptor {
	if looksLikeTorrent(body, contentType) {
		if descriptor, err := descriptorFromTorrent(body); err == nil {
			return descriptor
		}
	}
	return descriptorFromPage(body)
}

func looksLikeTorrent(body []byte, contentType string) bool {
	if mediaType, _, err := mime.ParseMediaType(contentType); err == nil && mediaType == "application/x-bittorrent" {
		return true
	}
	return len(body) > 0 && body[0] == 'd' && bytes.Contains(body, []byte("4:info"))
}

func descriptorFromTorrent(body []byte) (domain.TorrentDescriptor, error) {
	mi, err := metainfo.Load(bytes.NewReader(body))
	if err != nil {
		return domain.TorrentDescriptor{}, err
	}
	info, err := mi.UnmarshalInfo()
	if err != nil {
		return domain.TorrentDescriptor{}, err
	}
	hash := mi.HashInfoBytes()
	magnet := mi.Magnet(&hash, &info)
	return domain.TorrentDescriptor{
		MagnetURI: magnet.String(),
		InfoHash:  hash.HexString(),
	}, nil
}

func descriptorFromPage(body []byte) domain.TorrentDescriptor {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(decodeHTML(body)))
	if err != nil {
		return domain.TorrentDescriptor{}
	}
	var magnet string
	doc.Find("a[href]").EachWithBreak(func(_ int, anchor *goquery.Selection) bool {
		href := strings.TrimSpace(anchor.AttrOr("href", ""))
		if isMagnet(href) {
			magnet = href
			return false
		}
		return true
	})
	if magnet == "" {
		return domain.TorrentDescriptor{}
	}
	return domain.TorrentDescriptor{MagnetURI: magnet, InfoHash: infoHashFromMagnet(magnet)}
}

func isMagnet(link string) bool {
	return strings.HasPrefix(strings.ToLower(link), "magnet:?")
}

func infoHashFromMagnet(magnet string) string {
	m, err := metainfo.ParseMagnetUri(magnet)
	if err != nil {
		return ""
	}
	return m.InfoHash.HexString()
}
