package crawler

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"golang.org/x/net/http2"

	"github.com/ddoxey/polite-crawler/internal/cache"
	"github.com/ddoxey/polite-crawler/internal/certtrust"
	"github.com/ddoxey/polite-crawler/internal/crawlerr"
	"github.com/ddoxey/polite-crawler/internal/httpmodel"
	"github.com/ddoxey/polite-crawler/internal/scripthost"
	"github.com/ddoxey/polite-crawler/internal/seeds"
	"github.com/ddoxey/polite-crawler/internal/weburl"
)

const (
	defaultMaxAttempts        = 3
	defaultMaxClientRedirects = 3
	maxServerRedirects        = 10
	connectTimeout            = 10 * time.Second
	totalTimeout              = 45 * time.Second
	lowSpeedWindow            = 60 * time.Second
	lowSpeedThresholdBps      = 1.0
	maxRedirectDelay          = 60 * time.Second
)

// DomainCrawler runs the per-domain crawl pipeline over a single batch of
// same-registrable-domain URLs: cache lookup, rate-limited fetch with
// HTTP/2-then-HTTP/1.1 and TLS-augmentation recovery, script extraction,
// seed expansion, and client-redirect following.
type DomainCrawler struct {
	domain             string
	urls               []weburl.URL
	rateLimit          time.Duration
	maxAttempts        int
	maxClientRedirects int

	limiter    *DomainLimiter
	uagent     *UAgent
	cache      *cache.Manager
	script     *scripthost.Host
	seedStore  *seeds.Store
	certTrust  *certtrust.Manager
	log        *slog.Logger
}

// NewDomainCrawler builds a crawler for one domain's URL batch.
func NewDomainCrawler(
	domain string,
	urls []weburl.URL,
	rateLimit time.Duration,
	limiter *DomainLimiter,
	uagent *UAgent,
	cacheMgr *cache.Manager,
	script *scripthost.Host,
	seedStore *seeds.Store,
	certTrust *certtrust.Manager,
	log *slog.Logger,
) *DomainCrawler {
	return &DomainCrawler{
		domain:             domain,
		urls:               urls,
		rateLimit:          rateLimit,
		maxAttempts:        defaultMaxAttempts,
		maxClientRedirects: defaultMaxClientRedirects,
		limiter:            limiter,
		uagent:             uagent,
		cache:              cacheMgr,
		script:             script,
		seedStore:          seedStore,
		certTrust:          certTrust,
		log:                log,
	}
}

// Crawl visits every URL in the batch, following client redirects and
// appending newly discovered same-domain URLs to the seed store.
func (c *DomainCrawler) Crawl(ctx context.Context) {
	for _, start := range c.urls {
		c.crawlOne(ctx, start)
	}
}

func (c *DomainCrawler) crawlOne(ctx context.Context, start weburl.URL) {
	current := start
	serverAttempts := 0
	redirectHops := 0

	for {
		if serverAttempts >= c.maxAttempts {
			c.log.Warn("max attempts reached", "domain", c.domain, "url", current.ToString())
			return
		}
		if redirectHops > c.maxClientRedirects {
			c.log.Warn("max client redirects reached", "domain", c.domain, "url", current.ToString())
			return
		}

		body, ok := c.cache.Fetch(current)
		if !ok {
			serverAttempts++
			c.log.Debug("crawl attempt", "domain", c.domain, "attempt", serverAttempts, "url", current.ToString(), "digest", current.Digest())
			resp, err := c.fetch(ctx, current)
			if err != nil {
				c.log.Warn("fetch failed", "domain", c.domain, "url", current.ToString(), "kind", crawlerr.Kind(err), "error", err)
				return
			}
			if !resp.IsOkay() {
				c.log.Debug("non-okay status", "domain", c.domain, "url", current.ToString(), "status", resp.StatusCode())
				return
			}
			body = resp.Body()
			if err := c.cache.StoreResponse(current, resp); err != nil {
				c.log.Warn("cache store failed", "domain", c.domain, "url", current.ToString(), "error", err)
			}
		}

		doc, redirect, err := c.script.Process(current, string(body))
		if err != nil {
			c.log.Warn("script extraction failed", "domain", c.domain, "url", current.ToString(), "kind", crawlerr.Kind(err), "error", err)
			return
		}
		if doc == nil {
			return
		}
		if err := c.cache.StoreJSON(current, doc, "json"); err != nil {
			c.log.Warn("cache store extraction failed", "domain", c.domain, "url", current.ToString(), "error", err)
		}

		c.expandSeeds(current, doc)

		if redirect == nil {
			return
		}
		redirectHops++
		if redirectHops > c.maxClientRedirects {
			c.log.Warn("client redirect limit exceeded", "domain", c.domain, "url", current.ToString())
			return
		}

		base := current
		if redirect.BaseHref != "" {
			base = current.Resolve(redirect.BaseHref)
		}
		next := base.Resolve(redirect.TargetURL)
		if !next.IsValid() {
			err := fmt.Errorf("%w: %s", crawlerr.ErrURLInvalid, redirect.TargetURL)
			c.log.Warn("client redirect resolved to invalid url", "domain", c.domain, "url", current.ToString(), "error", err)
			return
		}

		if redirect.DelaySeconds > 0 {
			delay := time.Duration(redirect.DelaySeconds) * time.Second
			if delay > maxRedirectDelay {
				delay = maxRedirectDelay
			}
			time.Sleep(delay)
		}

		current = next
	}
}

func (c *DomainCrawler) expandSeeds(current weburl.URL, doc any) {
	m, ok := doc.(map[string]any)
	if !ok {
		return
	}
	rawURLs, ok := m["urls"].([]any)
	if !ok {
		return
	}

	var fresh []weburl.URL
	for _, raw := range rawURLs {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		resolved := current.Resolve(s)
		if !resolved.IsValid() {
			c.log.Debug("skipping invalid seed url", "domain", c.domain, "url", current.ToString(), "error", fmt.Errorf("%w: %s", crawlerr.ErrURLInvalid, s))
			continue
		}
		if resolved.RegistrableDomain() != c.domain {
			continue
		}
		fresh = append(fresh, resolved)
	}
	if len(fresh) == 0 {
		return
	}
	if err := c.seedStore.Store(c.domain, fresh); err != nil {
		c.log.Warn("seed store failed", "domain", c.domain, "url", current.ToString(), "error", err)
	}
}

// fetch performs the rate-limited GET for u, recovering from HTTP/2
// transport errors by retrying over HTTP/1.1, and from TLS verification
// failures by augmenting CA trust via CertTrust and retrying once.
func (c *DomainCrawler) fetch(ctx context.Context, u weburl.URL) (*httpmodel.Response, error) {
	if err := c.limiter.Wait(ctx, c.domain, c.rateLimit); err != nil {
		return nil, fmt.Errorf("%w: rate limit wait: %v", crawlerr.ErrFetchTransport, err)
	}

	resp, err := c.doFetch(ctx, u, true, nil)
	if err == nil {
		return resp, nil
	}

	if isHTTP2Recoverable(err) {
		c.log.Debug("retrying over http/1.1 after http/2 error", "domain", c.domain, "url", u.ToString(), "error", err)
		resp, err2 := c.doFetch(ctx, u, false, nil)
		if err2 == nil {
			return resp, nil
		}
		err = err2
	}

	if isTLSVerifyFailure(err) {
		hostport := hostportFor(u)
		tlsCfg, augErr := c.certTrust.AugmentWithIntermediates(ctx, hostport)
		if augErr != nil {
			c.log.Debug("tls augmentation unavailable", "domain", c.domain, "url", u.ToString(), "host", hostport, "error", augErr)
			return nil, fmt.Errorf("%w: %v", crawlerr.ErrFetchTLSVerify, err)
		}
		c.log.Info("augmented tls trust, retrying", "domain", c.domain, "url", u.ToString(), "host", hostport)
		resp, err2 := c.doFetch(ctx, u, true, tlsCfg)
		if err2 == nil {
			return resp, nil
		}
		return nil, fmt.Errorf("%w: %v", crawlerr.ErrFetchTLSVerify, err2)
	}

	return nil, fmt.Errorf("%w: %v", crawlerr.ErrFetchTransport, err)
}

func (c *DomainCrawler) doFetch(ctx context.Context, u weburl.URL, preferHTTP2 bool, tlsConfig *tls.Config) (*httpmodel.Response, error) {
	var redirectCount int
	client := &http.Client{
		Timeout:   totalTimeout,
		Transport: buildTransport(preferHTTP2, tlsConfig),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxServerRedirects {
				return fmt.Errorf("stopped after %d redirects", maxServerRedirects)
			}
			req.Header.Set("Referer", via[len(via)-1].URL.String())
			redirectCount = len(via)
			return nil
		},
	}

	fetchCtx, cancel := context.WithTimeout(ctx, totalTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.ToString(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: build request: %v", crawlerr.ErrFetchTransport, err)
	}
	req.Header.Set("User-Agent", c.uagent.String())
	req.Header.Set("Accept-Encoding", "gzip, br")

	httpResp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	resp := httpmodel.New()
	for name, values := range httpResp.Header {
		for _, v := range values {
			resp.AddHeaderLine(name + ": " + v)
		}
	}

	watched := &lowSpeedReader{r: httpResp.Body, start: time.Now()}
	body, err := decodeBody(httpResp.Header.Get("Content-Encoding"), watched)
	if err != nil {
		return nil, err
	}

	resp.AppendBody(body)
	resp.SetStatusCode(httpResp.StatusCode)
	resp.SetRedirectCount(redirectCount)
	if httpResp.Request != nil && httpResp.Request.URL != nil {
		resp.SetEffectiveURL(httpResp.Request.URL.String())
	} else {
		resp.SetEffectiveURL(u.ToString())
	}
	return resp, nil
}

func buildTransport(preferHTTP2 bool, tlsConfig *tls.Config) *http.Transport {
	transport := &http.Transport{
		DialContext:           (&net.Dialer{Timeout: connectTimeout}).DialContext,
		TLSHandshakeTimeout:   connectTimeout,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ForceAttemptHTTP2:     preferHTTP2,
	}
	if tlsConfig != nil {
		transport.TLSClientConfig = tlsConfig
	}
	if !preferHTTP2 {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	return transport
}

// decodeBody applies Content-Encoding decompression, if any, to r and
// reads it fully.
func decodeBody(encoding string, r io.Reader) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		gz, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("%w: gzip decode: %v", crawlerr.ErrFetchTransport, err)
		}
		defer gz.Close()
		r = gz
	case "br":
		r = brotli.NewReader(r)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", crawlerr.ErrFetchHTTP2Truncated, err)
	}
	return body, nil
}

// lowSpeedReader aborts a transfer whose average throughput falls below
// lowSpeedThresholdBps once lowSpeedWindow has elapsed, mirroring curl's
// CURLOPT_LOW_SPEED_LIMIT/CURLOPT_LOW_SPEED_TIME watchdog.
type lowSpeedReader struct {
	r     io.Reader
	start time.Time
	read  int64
}

func (l *lowSpeedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	l.read += int64(n)
	if elapsed := time.Since(l.start); elapsed > lowSpeedWindow {
		if rate := float64(l.read) / elapsed.Seconds(); rate < lowSpeedThresholdBps {
			return n, fmt.Errorf("%w: transfer rate %.3f B/s below watchdog threshold", crawlerr.ErrFetchTransport, rate)
		}
	}
	return n, err
}

func isHTTP2Recoverable(err error) bool {
	if err == nil {
		return false
	}
	var streamErr http2.StreamError
	if errors.As(err, &streamErr) {
		return true
	}
	var goAway http2.GoAwayError
	if errors.As(err, &goAway) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, crawlerr.ErrFetchHTTP2Truncated) {
		return true
	}
	return strings.Contains(err.Error(), "http2")
}

func isTLSVerifyFailure(err error) bool {
	if err == nil {
		return false
	}
	var unknownAuth x509.UnknownAuthorityError
	if errors.As(err, &unknownAuth) {
		return true
	}
	var hostnameErr x509.HostnameError
	if errors.As(err, &hostnameErr) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "certificate signed by unknown authority") ||
		strings.Contains(msg, "unable to get local issuer") ||
		strings.Contains(msg, "failed to verify certificate")
}

func hostportFor(u weburl.URL) string {
	host := u.Host()
	if strings.HasPrefix(host, "[") {
		if strings.Contains(host, "]:") {
			return host
		}
		return host + ":443"
	}
	if strings.Contains(host, ":") {
		return host
	}
	return host + ":443"
}

