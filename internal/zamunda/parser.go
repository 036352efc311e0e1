package zamunda

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/johnialexdch-dot/zamunda-api/internal/domain"
)

// Results rows have a variable number of leading columns and a fixed
// trailing region: size, snatched, seeders, leechers.
const (
	resultsTableSelector = "table#zbtable"
	foreignAudioIcon     = "bgaudio.png"
	titleCellIndex       = 1
	sizeOffsetFromEnd    = 4
	seedersOffsetFromEnd = 2
	minRowCells          = titleCellIndex + 1 + sizeOffsetFromEnd
)

var downloadLinkPattern = regexp.MustCompile(`(?i)^(?:magnet:\?|/?magnetlink/|/?download\.php)`)

type ParseResult struct {
	Rows []domain.ResultRow
	// Skipped counts data rows that produced no result.
	Skipped int
}

// ParseResults extracts result rows from a search page. A page without the
// results table yields an empty result and ErrNoResultsTable.
func ParseResults(r io.Reader) (ParseResult, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return ParseResult{}, fmt.Errorf("parse results page: %w", err)
	}
	return parseDocument(doc)
}

func parseDocument(doc *goquery.Document) (ParseResult, error) {
	table := doc.Find(resultsTableSelector).First()
	if table.Length() == 0 {
		return ParseResult{}, domain.ErrNoResultsTable
	}

	result := ParseResult{Rows: []domain.ResultRow{}}
	table.ChildrenFiltered("thead, tbody, tfoot").ChildrenFiltered("tr").Each(func(i int, row *goquery.Selection) {
		if i == 0 {
			return
		}
		shape, ok := newRowShape(row)
		if !ok {
			result.Skipped++
			return
		}
		rows := shape.resultRows()
		if len(rows) == 0 {
			result.Skipped++
			return
		}
		result.Rows = append(result.Rows, rows...)
	})
	return result, nil
}

// rowShape is a table row that passed the layout check, so the fixed
// offsets below are safe to index.
type rowShape struct {
	row   *goquery.Selection
	cells *goquery.Selection
}

func newRowShape(row *goquery.Selection) (rowShape, bool) {
	cells := row.ChildrenFiltered("td")
	if cells.Length() < minRowCells {
		return rowShape{}, false
	}
	return rowShape{row: row, cells: cells}, true
}

func (s rowShape) titleCell() *goquery.Selection {
	return s.cells.Eq(titleCellIndex)
}

func (s rowShape) fromEnd(offset int) *goquery.Selection {
	return s.cells.Eq(s.cells.Length() - offset)
}

func (s rowShape) resultRows() []domain.ResultRow {
	title := collapseSpace(s.titleCell().Find("a b").First().Text())
	if title == "" {
		return nil
	}
	links := s.downloadLinks()
	if len(links) == 0 {
		return nil
	}

	size := collapseSpace(s.fromEnd(sizeOffsetFromEnd).Text())
	seeders := parseCount(s.fromEnd(seedersOffsetFromEnd).Text())
	foreignAudio := s.hasForeignAudio()

	rows := make([]domain.ResultRow, 0, len(links))
	for _, link := range links {
		rows = append(rows, domain.ResultRow{
			Title:        title,
			DetailLink:   link,
			Size:         size,
			Seeders:      seeders,
			ForeignAudio: foreignAudio,
		})
	}
	return rows
}

func (s rowShape) downloadLinks() []string {
	var links []string
	seen := make(map[string]struct{})
	s.titleCell().Find("a[href]").Each(func(_ int, anchor *goquery.Selection) {
		href := strings.TrimSpace(anchor.AttrOr("href", ""))
		if !downloadLinkPattern.MatchString(href) {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		links = append(links, href)
	})
	return links
}

func (s rowShape) hasForeignAudio() bool {
	found := false
	s.row.Find("img[src]").EachWithBreak(func(_ int, img *goquery.Selection) bool {
		src := strings.ToLower(strings.TrimSpace(img.AttrOr("src", "")))
		if i := strings.IndexAny(src, "?#"); i >= 0 {
			src = src[:i]
		}
		found = strings.HasSuffix(src, foreignAudioIcon)
		return !found
	})
	return found
}

func collapseSpace(raw string) string {
	return strings.Join(strings.Fields(raw), " ")
}

// parseCount keeps only digits so "1,204" and " 17 " both parse; anything
// without digits counts as zero.
func parseCount(raw string) int {
	n := 0
	for _, c := range raw {
		if c >= '0' && c <= '9' {
			n = n*10 + int(c-'0')
		}
	}
	return n
}
