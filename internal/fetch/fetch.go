// Package fetch retrieves full documents for deep extraction:
// robots-checked, size-capped HTTP fetch plus visible-text extraction.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/probatio/probatio/internal/model"
)

// Fetcher downloads documents under politeness constraints.
type Fetcher struct {
	httpClient *http.Client
	robots     *RobotsChecker
	userAgent  string
	maxBytes   int64
}

// New creates a Fetcher from config.
func New(cfg model.FetchConfig) *Fetcher {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBytes := cfg.MaxBodyBytes
	if maxBytes <= 0 {
		maxBytes = 2 << 20
	}
	return &Fetcher{
		httpClient: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("stopped after 3 redirects")
				}
				return nil
			},
		},
		robots:    NewRobotsChecker(cfg.UserAgent, timeout),
		userAgent: cfg.UserAgent,
		maxBytes:  maxBytes,
	}
}

// FetchText downloads the URL and returns its visible text. Disallowed
// by robots.txt is a domain error; transport and 5xx failures are
// transient so the caller's retry policy applies.
func (f *Fetcher) FetchText(ctx context.Context, rawURL string) (string, error) {
	allowed, crawlDelay, err := f.robots.CanFetch(ctx, rawURL)
	if err != nil {
		return "", model.NewError(model.ErrValidation, model.CodeInvalidPayload,
			fmt.Sprintf("invalid fetch URL %q", rawURL), err)
	}
	if !allowed {
		return "", model.NewError(model.ErrDomain, model.CodeNotFound,
			fmt.Sprintf("robots.txt disallows %s", rawURL), nil)
	}
	if crawlDelay > 0 {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(crawlDelay):
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", model.NewError(model.ErrValidation, model.CodeInvalidPayload,
			"create fetch request", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", model.NewError(model.ErrTransient, model.CodeFetchFailed,
			fmt.Sprintf("fetch %s", rawURL), err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		kind := model.ErrDomain
		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			kind = model.ErrTransient
		}
		return "", model.NewError(kind, model.CodeFetchFailed,
			fmt.Sprintf("fetch %s: status %d", rawURL, resp.StatusCode), nil)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes))
	if err != nil {
		return "", model.NewError(model.ErrTransient, model.CodeFetchFailed,
			"read fetch body", err)
	}

	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "html") && ct != "" {
		// Non-HTML bodies (plain text, PDFs served as text) pass through.
		return string(body), nil
	}
	return VisibleText(string(body)), nil
}

// skipElements never contribute visible text.
var skipElements = map[string]bool{
	"script": true, "style": true, "noscript": true,
	"head": true, "nav": true, "footer": true, "iframe": true,
}

// VisibleText parses HTML and returns its rendered text with collapsed
// whitespace. Parse failures fall back to the raw input.
func VisibleText(htmlContent string) string {
	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return htmlContent
	}

	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && skipElements[n.Data] {
			return
		}
		if n.Type == html.TextNode {
			text := strings.TrimSpace(n.Data)
			if text != "" {
				if b.Len() > 0 {
					b.WriteByte(' ')
				}
				b.WriteString(text)
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return b.String()
}
