// Package catalog lists installable models from the public model library
// website. Parsing and network concerns live here so the web layer can swap
// in a mock.
package catalog

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	apperrors "github.com/odvcencio/paddock/pkg/errors"
	"github.com/odvcencio/paddock/pkg/logging"
)

const defaultBaseURL = "https://ollama.com"

// Client queries the remote model catalog.
type Client interface {
	// BaseModels returns base model names, deduplicated in first-seen order.
	BaseModels(ctx context.Context) ([]string, error)
	// Variants returns the <name>:<suffix> identifiers published for a model.
	Variants(ctx context.Context, name string) ([]string, error)
}

// HTTPClient scrapes the catalog from the public library pages.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// NewHTTPClient builds a catalog client. An empty baseURL targets the public
// library.
func NewHTTPClient(baseURL string, logger *logging.Logger) *HTTPClient {
	baseURL = strings.TrimSpace(baseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// fetch retrieves a catalog page, translating transport errors and non-2xx
// statuses to UPSTREAM_FAILURE.
func (c *HTTPClient) fetch(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to build catalog request")
	}
	req.Header.Set("User-Agent", "PaddockBot/1.0 (+https://github.com/odvcencio/paddock)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Error(logging.CategoryCatalog, "fetch_failed", err.Error(), map[string]any{"path": path})
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "catalog unreachable").
			WithContext("url", c.baseURL+path)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, apperrors.Newf(apperrors.ErrCodeUpstreamFailure, "catalog returned status %d", resp.StatusCode).
			WithContext("url", c.baseURL+path)
	}
	return resp, nil
}

// BaseModels scrapes the library index for base model names.
func (c *HTTPClient) BaseModels(ctx context.Context) ([]string, error) {
	resp, err := c.fetch(ctx, "/library")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to parse catalog page")
	}

	seen := make(map[string]bool)
	var models []string
	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !strings.HasPrefix(href, "/library/") || strings.Contains(href, ":") {
			return
		}
		name := href[strings.LastIndex(href, "/")+1:]
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		models = append(models, name)
	})

	return models, nil
}

// Variants scrapes a model's page for its parameter variants.
func (c *HTTPClient) Variants(ctx context.Context, name string) ([]string, error) {
	resp, err := c.fetch(ctx, "/library/"+name)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to parse model page")
	}

	html, err := doc.Html()
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to render model page")
	}

	pattern, err := regexp.Compile(fmt.Sprintf(`(?i)%s:[^"'\s<]+`, regexp.QuoteMeta(name)))
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeUpstreamFailure, "failed to build variant pattern")
	}

	set := make(map[string]bool)
	for _, match := range pattern.FindAllString(html, -1) {
		set[match] = true
	}

	variants := make([]string, 0, len(set))
	for v := range set {
		variants = append(variants, v)
	}
	sort.Strings(variants)
	return variants, nil
}
