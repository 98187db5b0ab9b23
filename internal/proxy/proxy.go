// Package proxy downloads generated images from allow-listed hosts on behalf
// of the browser, so signed storage URLs can be saved as attachments.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"

	"github.com/sesionesfotosia/headshot-hub/internal/config"
)

// DefaultFilename is used when the caller gives no usable filename.
const DefaultFilename = "downloaded-image.png"

const maxRedirects = 5

var (
	ErrMissingURL    = errors.New("missing image url")
	ErrInvalidURL    = errors.New("invalid image url")
	ErrForbiddenHost = errors.New("image host not allowed")
)

// UpstreamError is a non-2xx answer from the image host.
type UpstreamError struct {
	Status  int
	Snippet string // first bytes of the upstream body
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("upstream status %d", e.Status)
}

// Image is an open upstream image. The caller must close Body.
type Image struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 when unknown
}

// Proxy fetches images from an allow-list of hosts.
type Proxy struct {
	client  *http.Client
	allowed map[string]bool
	logger  *zap.Logger
}

// New creates a Proxy.
func New(cfg config.ProxyConfig, logger *zap.Logger) *Proxy {
	p := &Proxy{
		allowed: make(map[string]bool, len(cfg.AllowedHosts)),
		logger:  logger.With(zap.String("component", "image-proxy")),
	}
	for _, h := range cfg.AllowedHosts {
		p.allowed[strings.ToLower(h)] = true
	}
	p.client = &http.Client{
		Timeout: cfg.Timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			if !p.hostAllowed(req.URL) {
				return fmt.Errorf("%w: redirect to %s", ErrForbiddenHost, req.URL.Hostname())
			}
			return nil
		},
	}
	return p
}

func (p *Proxy) hostAllowed(u *url.URL) bool {
	return p.allowed[strings.ToLower(u.Hostname())]
}

// Check parses raw and verifies its host is allow-listed.
func (p *Proxy) Check(raw string) (*url.URL, error) {
	if raw == "" {
		return nil, ErrMissingURL
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, ErrInvalidURL
	}
	if !p.hostAllowed(u) {
		return nil, ErrForbiddenHost
	}
	return u, nil
}

// Open requests u. Non-2xx answers are returned as *UpstreamError with the
// body closed.
func (p *Proxy) Open(ctx context.Context, u *url.URL) (*Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Cache-Control", "no-store")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 300))
		resp.Body.Close()
		p.logger.Error("upstream image fetch failed",
			zap.String("host", u.Hostname()),
			zap.Int("status", resp.StatusCode),
			zap.String("detail", string(snippet)),
		)
		return nil, &UpstreamError{Status: resp.StatusCode, Snippet: string(snippet)}
	}

	img := &Image{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}
	if img.ContentType == "" {
		br := bufio.NewReaderSize(resp.Body, 3072)
		head, _ := br.Peek(3072)
		img.ContentType = mimetype.Detect(head).String()
		img.Body = struct {
			io.Reader
			io.Closer
		}{br, resp.Body}
	}
	return img, nil
}

// SanitizeFilename reduces name to a safe attachment filename.
func SanitizeFilename(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f || r == '"' {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return DefaultFilename
	}
	return name
}
