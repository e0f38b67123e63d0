// Package models discovers and downloads released network weights. Weight
// releases are published as plain HTML index pages; discovery scrapes them
// for .onnx links so the engine can fetch a network by name instead of a
// full URL.
package models

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Config holds discovery configuration.
type Config struct {
	// IndexURLs are the release index pages to scrape.
	IndexURLs []string

	// RequestDelay between HTTP requests to be polite.
	RequestDelay time.Duration

	// Timeout per HTTP request.
	Timeout time.Duration
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		RequestDelay: 500 * time.Millisecond,
		Timeout:      30 * time.Second,
	}
}

// ModelRef is one discovered network file.
type ModelRef struct {
	Name string
	URL  string
}

// Client scrapes index pages and downloads model files.
type Client struct {
	config Config
	http   *http.Client
}

func NewClient(config Config) *Client {
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		http:   &http.Client{Timeout: config.Timeout},
	}
}

// Discover fetches every configured index page and returns the .onnx links
// found, de-duplicated by resolved URL.
func (c *Client) Discover() ([]ModelRef, error) {
	seen := make(map[string]bool)
	var refs []ModelRef
	for i, indexURL := range c.config.IndexURLs {
		if i > 0 && c.config.RequestDelay > 0 {
			time.Sleep(c.config.RequestDelay)
		}
		pageRefs, err := c.discoverPage(indexURL)
		if err != nil {
			return nil, fmt.Errorf("discover %s: %w", indexURL, err)
		}
		for _, ref := range pageRefs {
			if seen[ref.URL] {
				continue
			}
			seen[ref.URL] = true
			refs = append(refs, ref)
		}
	}
	return refs, nil
}

func (c *Client) discoverPage(indexURL string) ([]ModelRef, error) {
	resp, err := c.http.Get(indexURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return ParseIndex(resp.Body, indexURL)
}

// ParseIndex extracts .onnx links from an index page. baseURL resolves
// relative links.
func ParseIndex(r io.Reader, baseURL string) ([]ModelRef, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, fmt.Errorf("parse index html: %w", err)
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}

	var refs []ModelRef
	doc.Find("a[href]").Each(func(_ int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		if !strings.HasSuffix(strings.ToLower(href), ".onnx") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		resolved := base.ResolveReference(ref)
		refs = append(refs, ModelRef{
			Name: filepath.Base(resolved.Path),
			URL:  resolved.String(),
		})
	})
	return refs, nil
}

// Download fetches ref into destDir, going through a .partial file so an
// interrupted download never leaves a truncated model behind. Returns the
// final path.
func (c *Client) Download(ref ModelRef, destDir string) (string, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return "", fmt.Errorf("create model dir: %w", err)
	}
	finalPath := filepath.Join(destDir, ref.Name)
	if _, err := os.Stat(finalPath); err == nil {
		return finalPath, nil
	}

	resp, err := c.http.Get(ref.URL)
	if err != nil {
		return "", fmt.Errorf("download %s: %w", ref.URL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("download %s: unexpected status %s", ref.URL, resp.Status)
	}

	partial := finalPath + ".partial"
	f, err := os.Create(partial)
	if err != nil {
		return "", fmt.Errorf("create partial file: %w", err)
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		_ = f.Close()
		_ = os.Remove(partial)
		return "", fmt.Errorf("write %s: %w", partial, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("close %s: %w", partial, err)
	}
	if err := os.Rename(partial, finalPath); err != nil {
		_ = os.Remove(partial)
		return "", fmt.Errorf("move model into place: %w", err)
	}
	return finalPath, nil
}
