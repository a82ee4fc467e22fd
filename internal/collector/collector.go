// internal/collector/collector.go
package collector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/klauspost/compress/gzip"
	"github.com/rs/dnscache"

	"pkg-harvest/internal/config"
	"pkg-harvest/internal/model"
)

var (
	// ErrNotFound is returned when the mirror has no index at the expected path.
	ErrNotFound = errors.New("index not found")
	// ErrUpstreamDown is returned when the mirror keeps failing after all retries.
	ErrUpstreamDown = errors.New("repository mirror unavailable")
)

const defaultPageSize = 500

// Collector streams raw package records out of distribution repository indexes.
type Collector struct {
	client     *http.Client
	userAgent  string
	pageSize   int
	maxRetries int
	newBackOff func() backoff.BackOff
	logger     *slog.Logger
}

// Option configures a Collector.
type Option func(*Collector)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(col *Collector) {
		col.client = c
	}
}

// WithPageSize sets how many records each page carries.
func WithPageSize(n int) Option {
	return func(col *Collector) {
		if n > 0 {
			col.pageSize = n
		}
	}
}

// WithMaxRetries sets the maximum retry attempts per index download.
func WithMaxRetries(n int) Option {
	return func(col *Collector) {
		col.maxRetries = n
	}
}

// WithBackOff sets the retry schedule between download attempts.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(col *Collector) {
		col.newBackOff = fn
	}
}

// New creates a Collector whose transport caches DNS lookups of mirror hosts.
func New(ctx context.Context, logger *slog.Logger, opts ...Option) *Collector {
	resolver := &dnscache.Resolver{}
	go func() {
		ticker := time.NewTicker(5 * time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				resolver.Refresh(true)
			case <-ctx.Done():
				return
			}
		}
	}()

	dialer := &net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}

	c := &Collector{
		client: &http.Client{
			Timeout: 10 * time.Minute, // primary.xml of a full release is large
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
					host, port, err := net.SplitHostPort(addr)
					if err != nil {
						return nil, err
					}
					ips, err := resolver.LookupHost(ctx, host)
					if err != nil {
						return nil, err
					}
					for _, ip := range ips {
						conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
						if err == nil {
							return conn, nil
						}
					}
					return nil, fmt.Errorf("failed to dial any resolved IP for %s", host)
				},
				MaxIdleConns:          20,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ExpectContinueTimeout: 1 * time.Second,
			},
		},
		userAgent:  "pkg-harvest/1.0",
		pageSize:   defaultPageSize,
		maxRetries: 3,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			return b
		},
		logger: logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Pages yields the repository's records in pages. Iteration stops after the first error.
func (c *Collector) Pages(ctx context.Context, repo config.RepositoryConfig) iter.Seq2[[]model.RawPackageRecord, error] {
	return func(yield func([]model.RawPackageRecord, error) bool) {
		var err error
		switch repo.Type {
		case config.RepoTypeRPM:
			err = c.rpmPages(ctx, repo, yield)
		case config.RepoTypeDEB:
			err = c.debPages(ctx, repo, yield)
		default:
			err = fmt.Errorf("unsupported repository type %q", repo.Type)
		}
		if err != nil && !errors.Is(err, errStopped) {
			yield(nil, err)
		}
	}
}

// errStopped means the consumer stopped iterating; nothing is reported.
var errStopped = errors.New("iteration stopped")

// pager batches records and hands full pages to yield.
type pager struct {
	size  int
	buf   []model.RawPackageRecord
	yield func([]model.RawPackageRecord, error) bool
}

func (p *pager) add(rec model.RawPackageRecord) error {
	p.buf = append(p.buf, rec)
	if len(p.buf) >= p.size {
		return p.flush()
	}
	return nil
}

func (p *pager) flush() error {
	if len(p.buf) == 0 {
		return nil
	}
	page := p.buf
	p.buf = make([]model.RawPackageRecord, 0, p.size)
	if !p.yield(page, nil) {
		return errStopped
	}
	return nil
}

// fetch downloads rawURL with retries and returns the body, gunzipped when the path ends in .gz.
// The caller must close the returned reader.
func (c *Collector) fetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	body, err := backoff.Retry(ctx, func() (io.ReadCloser, error) {
		return c.doFetch(ctx, rawURL)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.maxRetries)+1),
		backoff.WithNotify(func(err error, wait time.Duration) {
			c.logger.Warn("Retrying index download", "url", rawURL, "wait", wait, "error", err)
		}),
	)
	if err != nil {
		return nil, err
	}

	if !strings.HasSuffix(pathOf(rawURL), ".gz") {
		return body, nil
	}
	zr, err := gzip.NewReader(body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", rawURL, err)
	}
	return &gzipBody{Reader: zr, body: body}, nil
}

func (c *Collector) doFetch(ctx context.Context, rawURL string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("creating request: %w", err))
	}
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("%s: %w", rawURL, ErrNotFound))
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError:
		resp.Body.Close()
		return nil, fmt.Errorf("%s: status %d: %w", rawURL, resp.StatusCode, ErrUpstreamDown)
	default:
		resp.Body.Close()
		return nil, backoff.Permanent(fmt.Errorf("%s: unexpected status %d", rawURL, resp.StatusCode))
	}
}

type gzipBody struct {
	*gzip.Reader
	body io.ReadCloser
}

func (g *gzipBody) Close() error {
	zerr := g.Reader.Close()
	if err := g.body.Close(); err != nil {
		return err
	}
	return zerr
}

// resolveRef joins a repository base URL and a relative index path.
func resolveRef(base, ref string) (string, error) {
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	b, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid repository url %q: %w", base, err)
	}
	r, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("invalid index reference %q: %w", ref, err)
	}
	return b.ResolveReference(r).String(), nil
}

func pathOf(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil {
		return u.Path
	}
	return rawURL
}
