package worker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// GoqueryScraper implements Scraper: fetch the page, strip script/style and
// navigation chrome, and return the readable text.
type GoqueryScraper struct {
	http      *http.Client
	userAgent string
	maxBytes  int64
}

// ScraperOptions configures a GoqueryScraper.
type ScraperOptions struct {
	Timeout   time.Duration
	UserAgent string
	// MaxBytes caps how much of a page body is read. Defaults to 2MB.
	MaxBytes int64
}

// NewScraper constructs a scraper.
func NewScraper(opts ScraperOptions) *GoqueryScraper {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBytes := opts.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	ua := opts.UserAgent
	if ua == "" {
		ua = "maestro-scraper/1.0"
	}
	return &GoqueryScraper{
		http:      &http.Client{Timeout: timeout},
		userAgent: ua,
		maxBytes:  maxBytes,
	}
}

// Fetch implements Scraper.
func (s *GoqueryScraper) Fetch(ctx context.Context, pageURL string) (Page, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return Page{}, err
	}
	req.Header.Set("User-Agent", s.userAgent)
	resp, err := s.http.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("scrape %s: %w", pageURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Page{}, fmt.Errorf("scrape %s: status %d", pageURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(http.MaxBytesReader(nil, resp.Body, s.maxBytes))
	if err != nil {
		return Page{}, fmt.Errorf("scrape %s: parse: %w", pageURL, err)
	}

	doc.Find("script, style, noscript, nav, header, footer, aside").Remove()

	title := strings.TrimSpace(doc.Find("title").First().Text())
	body := doc.Find("main, article").First()
	if body.Length() == 0 {
		body = doc.Find("body").First()
	}
	text := strings.Join(strings.Fields(body.Text()), " ")

	return Page{URL: pageURL, Title: title, Text: text}, nil
}
