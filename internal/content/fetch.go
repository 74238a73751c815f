package content

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sievelab/refinery/internal/util"
	"golang.org/x/net/html"
)

const (
	defaultFetchTimeout = 30 * time.Second
	defaultMaxBytes     = 2_000_000
	defaultUserAgent    = "Refinery/0.1"
)

// Fetcher ingests a remote page as a local source file. Fetched text lands
// in the sources directory, so the queue resolves chunks from disk on every
// run and a crash never loses ingested content.
type Fetcher struct {
	httpClient *http.Client
	robots     *util.RobotsChecker
	userAgent  string
	maxBytes   int64

	sleepFunc func(time.Duration)
}

// NewFetcher creates a fetcher with robots.txt compliance and optional
// proxy support.
func NewFetcher(userAgent string, timeout time.Duration, maxBytes int64, httpProxy, httpsProxy, noProxy string) *Fetcher {
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy: util.NewProxyFunc(httpProxy, httpsProxy, noProxy),
			},
		},
		robots:    util.NewRobotsChecker(userAgent, timeout),
		userAgent: userAgent,
		maxBytes:  maxBytes,
		sleepFunc: time.Sleep,
	}
}

// Fetch downloads one page, strips it to visible text, and writes it as
// <source-id>.txt under dir. Returns the derived source ID.
func (f *Fetcher) Fetch(ctx context.Context, rawURL, dir string) (string, error) {
	allowed, crawlDelay, err := f.robots.CanFetch(ctx, rawURL)
	if err != nil {
		return "", fmt.Errorf("robots check: %w", err)
	}
	if !allowed {
		return "", fmt.Errorf("robots.txt disallows fetching %s", rawURL)
	}
	if crawlDelay > 0 {
		f.sleepFunc(crawlDelay)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch %s: %w", rawURL, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", fmt.Errorf("read %s: %w", rawURL, err)
	}

	text, err := visibleText(string(body))
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", rawURL, err)
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("no visible text in %s", rawURL)
	}

	sourceID, err := slugFromURL(rawURL)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create sources dir: %w", err)
	}
	path := filepath.Join(dir, sourceID+".txt")
	if err := os.WriteFile(path, []byte(text), 0644); err != nil {
		return "", fmt.Errorf("write source %s: %w", sourceID, err)
	}
	return sourceID, nil
}

// visibleText extracts text nodes from HTML, skipping scripts/styles
func visibleText(htmlContent string) (string, error) {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return "", err
	}

	var buf strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode {
			switch n.Data {
			case "script", "style", "noscript", "iframe":
				return
			}
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				buf.WriteString(text)
				buf.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return buf.String(), nil
}

var slugRe = regexp.MustCompile(`[^a-z0-9]+`)

// slugFromURL derives a stable source ID from a page URL.
func slugFromURL(rawURL string) (string, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("parse URL: %w", err)
	}
	base := parsed.Host + parsed.Path
	slug := strings.Trim(slugRe.ReplaceAllString(strings.ToLower(base), "-"), "-")
	if slug == "" {
		return "", fmt.Errorf("cannot derive source ID from %s", rawURL)
	}
	if len(slug) > 100 {
		slug = slug[:100]
	}
	return slug, nil
}
