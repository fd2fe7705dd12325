// Package collyfetcher performs the HTTP half of a check through gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/sitewatch/internal/monitor"
)

// Defaults for zero Config fields.
const (
	DefaultTimeout      = 15 * time.Second
	DefaultMaxRedirects = 10
	DefaultMaxBodySize  = 10 << 20
)

// Config tunes the shared collector.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
	// MaxBodySize truncates larger bodies, in bytes.
	MaxBodySize int
}

// Response is what one GET observed after redirects.
type Response struct {
	FinalURL   string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// Prober owns a template collector and clones it per probe, so callbacks are
// never shared between concurrent checks.
type Prober struct {
	template *colly.Collector
}

// New builds a Prober. robots.txt is ignored: the operator registered the
// site and asked for it to be watched.
func New(cfg Config) *Prober {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = DefaultMaxRedirects
	}
	if cfg.MaxBodySize <= 0 {
		cfg.MaxBodySize = DefaultMaxBodySize
	}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.IgnoreRobotsTxt(),
		colly.ParseHTTPErrorResponse(),
		colly.MaxBodySize(cfg.MaxBodySize),
	)
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	})
	c.SetRequestTimeout(cfg.Timeout)
	limit := cfg.MaxRedirects
	c.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= limit {
			return http.ErrUseLastResponse
		}
		return nil
	})
	return &Prober{template: c}
}

// Probe GETs url. Any HTTP status, 4xx and 5xx included, is a successful
// probe; only transport failures return an error, wrapping either
// monitor.ErrFetchTimeout or monitor.ErrFetchConnection.
func (p *Prober) Probe(ctx context.Context, url string) (Response, error) {
	start := time.Now()
	var (
		resp    Response
		respErr error
	)
	c := p.template.Clone()
	c.Context = ctx
	c.OnResponse(func(r *colly.Response) { resp = toResponse(r, start) })
	c.OnError(func(_ *colly.Response, err error) { respErr = err })

	visited := make(chan error, 1)
	go func() { visited <- c.Visit(url) }()

	var err error
	select {
	case <-ctx.Done():
		err = ctx.Err()
	case err = <-visited:
		if err == nil {
			err = respErr
		}
	}
	if err != nil {
		return Response{Duration: time.Since(start)}, classify(fmt.Errorf("probe %s: %w", url, err))
	}
	return resp, nil
}

func toResponse(r *colly.Response, start time.Time) Response {
	out := Response{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
	}
	if r.Request != nil && r.Request.URL != nil {
		out.FinalURL = r.Request.URL.String()
	}
	return out
}

// classify sorts transport failures into timeouts and everything else.
func classify(err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %w", monitor.ErrFetchTimeout, err)
	}
	return fmt.Errorf("%w: %w", monitor.ErrFetchConnection, err)
}
