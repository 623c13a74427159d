package article

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"github.com/p6m-dev/data-ingestion-talkwalker-driver.archetype/internal/models"
)

const userAgent = "Mozilla/5.0 (compatible; mention-harvester/1.0)"

// newsSourceTypes are the source_type values whose URLs point at articles.
var newsSourceTypes = map[string]bool{
	"BLOG_OTHER":               true,
	"ONLINENEWS":               true,
	"ONLINENEWS_AGENCY":        true,
	"ONLINENEWS_MAGAZINE":      true,
	"ONLINENEWS_NEWSPAPER":     true,
	"ONLINENEWS_OTHER":         true,
	"ONLINENEWS_PRESSRELEASES": true,
	"ONLINENEWS_TVRADIO":       true,
	"PODCAST_OTHER":            true,
}

// IsNews reports whether any source type names a news, blog or podcast page.
func IsNews(sourceTypes []string) bool {
	for _, st := range sourceTypes {
		if newsSourceTypes[st] {
			return true
		}
	}
	return false
}

// Fetcher downloads article pages and extracts their readable parts.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a fetcher with the given request timeout.
func NewFetcher(timeout time.Duration) *Fetcher {
	return &Fetcher{httpClient: &http.Client{Timeout: timeout}}
}

// Fetch downloads rawURL and returns the article as an attribute tree with
// url, media, title, authors, datetime, text and summary keys.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, media string) (models.Attributes, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch article: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("article returned status %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to parse article: %w", err)
	}

	return Parse(doc, rawURL, media), nil
}

// Parse extracts the article fields from a parsed page.
func Parse(doc *goquery.Document, rawURL, media string) models.Attributes {
	title := meta(doc, "og:title")
	if title == "" {
		title = strings.TrimSpace(doc.Find("title").First().Text())
	}

	var authors []any
	seen := map[string]bool{}
	doc.Find(`meta[name="author"], meta[property="article:author"]`).Each(func(_ int, s *goquery.Selection) {
		if v := strings.TrimSpace(s.AttrOr("content", "")); v != "" && !seen[v] {
			seen[v] = true
			authors = append(authors, v)
		}
	})

	var published any
	for _, key := range []string{"article:published_time", "pubdate", "date"} {
		if v := meta(doc, key); v != "" {
			published = v
			break
		}
	}

	var paragraphs []string
	root := doc.Find("article")
	if root.Length() == 0 {
		root = doc.Selection
	}
	root.Find("p").Each(func(_ int, s *goquery.Selection) {
		if text := strings.Join(strings.Fields(s.Text()), " "); text != "" {
			paragraphs = append(paragraphs, text)
		}
	})

	summary := ""
	if len(paragraphs) > 0 {
		summary = paragraphs[0]
	}
	if authors == nil {
		authors = []any{}
	}

	return models.Attributes{
		"url":      rawURL,
		"media":    media,
		"title":    title,
		"authors":  authors,
		"datetime": published,
		"text":     strings.Join(paragraphs, "\n\n"),
		"summary":  summary,
	}
}

func meta(doc *goquery.Document, key string) string {
	sel := doc.Find(fmt.Sprintf(`meta[property=%q], meta[name=%q]`, key, key)).First()
	return strings.TrimSpace(sel.AttrOr("content", ""))
}
