package source

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strconv"
	"time"

	retryablehttp "github.com/hashicorp/go-retryablehttp"
)

// DefaultUserAgent mirrors a common desktop browser string, per spec.md §6.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36"

// Logger is where the HTTP source reports developer-facing diagnostics —
// the missing Accept-Ranges warning; retry attempts are not logged. The
// core never writes to stdout/stderr directly, mirroring the teacher's
// package-level Logger.
var Logger = log.New(log.Writer(), "payloadcore: ", log.LstdFlags)

// HTTPOption configures an HTTPRange source.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	userAgent string
	cookie    string
	client    *retryablehttp.Client
}

// WithUserAgent overrides the default browser User-Agent string.
func WithUserAgent(ua string) HTTPOption {
	return func(c *httpConfig) { c.userAgent = ua }
}

// WithCookie attaches a Cookie header to every request.
func WithCookie(cookie string) HTTPOption {
	return func(c *httpConfig) { c.cookie = cookie }
}

// HTTPRange is a Source backed by HTTP Range requests against a remote
// URL. One HEAD request at construction learns Content-Length (required)
// and whether the server advertises Accept-Ranges: bytes (a warning only
// if absent — extraction is attempted regardless, per spec.md §4.1).
type HTTPRange struct {
	url       string
	size      uint64
	userAgent string
	cookie    string
	client    *retryablehttp.Client
}

// OpenHTTPRange issues the initial HEAD request and constructs the source.
func OpenHTTPRange(ctx context.Context, url string, opts ...HTTPOption) (*HTTPRange, error) {
	cfg := &httpConfig{userAgent: DefaultUserAgent}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.client == nil {
		cfg.client = newRetryClient()
	}

	h := &HTTPRange{
		url:       url,
		userAgent: cfg.userAgent,
		cookie:    cfg.cookie,
		client:    cfg.client,
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return nil, fmt.Errorf("source: build HEAD request: %w", err)
	}
	h.decorate(req.Request)

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, &TransportError{Attempts: h.client.RetryMax + 1, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("source: HEAD %s: unexpected status %s", url, resp.Status)
	}

	cl := resp.Header.Get("Content-Length")
	if cl == "" {
		return nil, fmt.Errorf("source: HEAD %s: server did not report Content-Length", url)
	}
	size, err := strconv.ParseUint(cl, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("source: HEAD %s: bad Content-Length %q: %w", url, cl, err)
	}
	h.size = size

	if resp.Header.Get("Accept-Ranges") != "bytes" {
		Logger.Printf("warning: %s does not advertise Accept-Ranges: bytes; attempting range reads anyway", url)
	}

	return h, nil
}

func newRetryClient() *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.Logger = nil
	c.RetryMax = 3
	c.RetryWaitMin = 2 * time.Second
	c.RetryWaitMax = 8 * time.Second
	c.HTTPClient.Timeout = 600 * time.Second
	c.CheckRetry = retryablehttp.DefaultRetryPolicy
	if t, ok := c.HTTPClient.Transport.(*http.Transport); ok {
		t.MaxIdleConnsPerHost = 10
	}
	c.HTTPClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		if len(via) >= 10 {
			return fmt.Errorf("source: stopped after 10 redirects")
		}
		return nil
	}
	return c
}

func (h *HTTPRange) decorate(req *http.Request) {
	req.Header.Set("User-Agent", h.userAgent)
	req.Header.Set("Accept-Encoding", "gzip, deflate, br")
	req.Header.Set("Connection", "keep-alive")
	if h.cookie != "" {
		req.Header.Set("Cookie", h.cookie)
	}
}

func (h *HTTPRange) Size() uint64 { return h.size }

func (h *HTTPRange) Close() error {
	h.client.HTTPClient.CloseIdleConnections()
	return nil
}

func (h *HTTPRange) ReadAt(ctx context.Context, buf []byte, offset uint64) (int, error) {
	if err := checkBounds(offset, h.size); err != nil {
		return 0, err
	}
	want := clampLength(len(buf), offset, h.size)
	if want == 0 {
		return 0, nil
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, h.url, nil)
	if err != nil {
		return 0, fmt.Errorf("source: build range request: %w", err)
	}
	h.decorate(req.Request)
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+uint64(want)-1))

	resp, err := h.client.Do(req)
	if err != nil {
		return 0, &TransportError{Attempts: h.client.RetryMax + 1, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent {
		return 0, fmt.Errorf("%w: got status %s", ErrInvalidRange, resp.Status)
	}

	n, err := io.ReadFull(resp.Body, buf[:want])
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return n, fmt.Errorf("source: reading range body: %w", err)
	}
	return n, nil
}
