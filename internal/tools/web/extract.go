// Package web provides the web_fetch and web_search built-ins. Outbound
// requests go through an SSRF guard so the model cannot probe loopback,
// private, or link-local addresses.
package web

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
)

const (
	fetchTimeout = 15 * time.Second
	maxBodyBytes = 10 * 1024 * 1024
	maxRedirects = 5
	userAgent    = "Mozilla/5.0 (compatible; ParleyBot/1.0)"
)

// Extractor fetches pages and reduces them to readable text.
type Extractor struct {
	client *http.Client

	// allowPrivate disables the SSRF guard. Tests only.
	allowPrivate bool
}

// NewExtractor creates an extractor with the SSRF guard enabled.
func NewExtractor() *Extractor {
	e := &Extractor{}
	e.client = &http.Client{
		Timeout: fetchTimeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return errors.New("too many redirects")
			}
			return e.validate(req.URL)
		},
	}
	return e
}

// NewExtractorForTesting creates an extractor that accepts loopback URLs so
// tests can point it at httptest servers.
func NewExtractorForTesting() *Extractor {
	e := NewExtractor()
	e.allowPrivate = true
	return e
}

// blockedIP reports whether an address must never be fetched: loopback,
// RFC 1918, link-local (which covers cloud metadata endpoints), multicast,
// and unspecified.
func blockedIP(ip net.IP) bool {
	if ip == nil {
		return false
	}
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsMulticast() ||
		ip.IsUnspecified()
}

// validate rejects URLs that are not plain http(s) to a public host. Every
// redirect hop is validated again through CheckRedirect.
func (e *Extractor) validate(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return errors.New("URL must have a hostname")
	}
	if e.allowPrivate {
		return nil
	}

	lower := strings.ToLower(host)
	if lower == "localhost" || strings.HasSuffix(lower, ".localhost") {
		return errors.New("localhost URLs are not allowed")
	}
	if ip := net.ParseIP(host); ip != nil {
		if blockedIP(ip) {
			return fmt.Errorf("IP address %s is private or reserved", host)
		}
		return nil
	}

	ips, err := net.LookupIP(host)
	if err != nil {
		// Unresolvable here may still resolve at the proxy; the dial
		// will fail on its own if not.
		return nil
	}
	for _, ip := range ips {
		if blockedIP(ip) {
			return fmt.Errorf("%s resolves to a private or reserved address", host)
		}
	}
	return nil
}

// Extract fetches targetURL and returns its readable text.
func (e *Extractor) Extract(ctx context.Context, targetURL string) (string, error) {
	parsed, err := url.Parse(targetURL)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	if err := e.validate(parsed); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch URL: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(contentType, "text/html") && !strings.Contains(contentType, "text/plain") {
		return "", fmt.Errorf("unsupported content type: %s", contentType)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}

	if strings.Contains(contentType, "text/plain") {
		return strings.TrimSpace(string(body)), nil
	}
	return htmlToText(string(body)), nil
}

var (
	strippedTags = []string{"script", "style", "noscript", "iframe", "svg", "nav", "header", "footer", "aside"}
	blockTags    = []string{"p", "div", "section", "article", "table", "tr", "h1", "h2", "h3", "h4", "h5", "h6", "li", "br"}

	titleRe    = regexp.MustCompile(`(?is)<title[^>]*>(.*?)</title>`)
	anyTagRe   = regexp.MustCompile(`<[^>]*>`)
	multiNLRe  = regexp.MustCompile(`\n{3,}`)
	lineSpace  = regexp.MustCompile(`[^\S\n]+`)
	entityPair = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
		"&apos;", "'",
	)
)

// htmlToText is a deliberately small readability pass: drop chrome, keep
// paragraph structure, decode the common entities.
func htmlToText(html string) string {
	for _, tag := range strippedTags {
		re := regexp.MustCompile(`(?is)<` + tag + `[^>]*>.*?</` + tag + `>`)
		html = re.ReplaceAllString(html, "")
	}

	title := ""
	if m := titleRe.FindStringSubmatch(html); len(m) > 1 {
		title = cleanText(m[1])
	}

	for _, tag := range blockTags {
		open := regexp.MustCompile(`(?i)<` + tag + `[^>]*>`)
		html = open.ReplaceAllString(html, "\n")
		closeTag := regexp.MustCompile(`(?i)</` + tag + `>`)
		html = closeTag.ReplaceAllString(html, "\n")
	}
	text := cleanText(anyTagRe.ReplaceAllString(html, ""))

	if title != "" {
		return "Title: " + title + "\n\n" + text
	}
	return text
}

// cleanText decodes entities and normalizes whitespace without collapsing
// paragraph breaks.
func cleanText(text string) string {
	text = entityPair.Replace(text)
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(lineSpace.ReplaceAllString(line, " "))
	}
	text = strings.Join(lines, "\n")
	text = multiNLRe.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
