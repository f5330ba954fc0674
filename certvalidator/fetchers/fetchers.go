// Package fetchers implements the online CRL, OCSP and issuer certificate
// collaborators used by the trust chain verifiers.
package fetchers

import (
	"bytes"
	"context"
	"crypto"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/certvalidator/revinfo"
	"github.com/georgepadayatti/gopdfsig/observability"
)

var (
	ErrFetchFailed          = errors.New("fetch failed")
	ErrNoDistributionPoints = errors.New("no CRL distribution points")
	ErrNoOCSPServers        = errors.New("no OCSP servers")
	ErrNoIssuerURLs         = errors.New("no issuing certificate URLs")
)

// Fetch kinds used as metric labels.
const (
	KindCRL  = "crl"
	KindOCSP = "ocsp"
	KindCert = "cert"
)

// Config configures the HTTP fetchers.
type Config struct {
	// Timeout bounds one HTTP exchange when HTTPClient is nil.
	Timeout time.Duration
	// MaxResponseSize limits the accepted body size in bytes.
	MaxResponseSize int64
	UserAgent       string
	// CacheTTL enables the response cache when positive.
	CacheTTL time.Duration
	// Retry is applied per URL. Nil means DefaultRetryPolicy.
	Retry *RetryPolicy
	// Breaker, when set, guards every fetch.
	Breaker    *CircuitBreaker
	HTTPClient *http.Client
	Logger     observability.Logger
}

// DefaultConfig returns the default fetcher configuration.
func DefaultConfig() *Config {
	return &Config{
		Timeout:         30 * time.Second,
		MaxResponseSize: 10 * 1024 * 1024,
		UserAgent:       "gopdfsig/1.0",
		CacheTTL:        time.Hour,
		Retry:           DefaultRetryPolicy(),
	}
}

// Fetcher is the HTTP core shared by the revocation clients.
type Fetcher struct {
	config *Config
	client *http.Client
	cache  *responseCache
	log    observability.Logger
}

// NewFetcher returns a fetcher. A nil config means DefaultConfig.
func NewFetcher(config *Config) *Fetcher {
	if config == nil {
		config = DefaultConfig()
	}
	client := config.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: config.Timeout}
	}
	f := &Fetcher{
		config: config,
		client: client,
		log:    observability.OrNull(config.Logger),
	}
	if config.CacheTTL > 0 {
		f.cache = newResponseCache(config.CacheTTL)
	}
	return f
}

type responseCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data      []byte
	expiresAt time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *responseCache) get(key string) ([]byte, bool) {
	if c == nil {
		return nil, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return nil, false
	}
	return e.data, true
}

func (c *responseCache) set(key string, data []byte) {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{data: data, expiresAt: time.Now().Add(c.ttl)}
}

// ClearCache drops all cached responses.
func (f *Fetcher) ClearCache() {
	if f.cache == nil {
		return
	}
	f.cache.mu.Lock()
	defer f.cache.mu.Unlock()
	f.cache.entries = make(map[string]cacheEntry)
}

// cacheKey names a cached body. scope separates different requests sent to
// the same URL.
func cacheKey(kind, scope, u string) string {
	return kind + " " + scope + " " + u
}

// fetch runs one guarded, retried and cached exchange per URL and returns
// the first body that check accepts.
func (f *Fetcher) fetch(ctx context.Context, kind, scope string, urls []string, do func(ctx context.Context, url string) ([]byte, error), check func([]byte) error) ([]byte, error) {
	ctx, span := observability.StartSpan(ctx, "fetchers.Fetch")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	for _, u := range urls {
		if data, ok := f.cache.get(cacheKey(kind, scope, u)); ok {
			return data, nil
		}
	}
	if f.config.Breaker != nil && !f.config.Breaker.Allow() {
		err = ErrCircuitOpen
		observability.FetchFailuresTotal.WithLabelValues(kind).Inc()
		return nil, err
	}

	start := time.Now()
	data, attempts := RetryURLs(ctx, f.config.Retry, urls, func(ctx context.Context, u string) ([]byte, error) {
		body, err := do(ctx, u)
		if err != nil {
			return nil, err
		}
		if err := check(body); err != nil {
			return nil, fmt.Errorf("%w: %v", errPermanent, err)
		}
		return body, nil
	})
	observability.FetchDuration.WithLabelValues(kind).Observe(time.Since(start).Seconds())

	err = attempts.Err()
	if f.config.Breaker != nil {
		f.config.Breaker.Record(err)
	}
	if err != nil {
		observability.FetchFailuresTotal.WithLabelValues(kind).Inc()
		f.log.WarnContext(ctx, "{Kind} fetch failed after {Attempts} attempts: {Error}", kind, attempts.Total, err)
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	f.log.DebugContext(ctx, "Fetched {Kind} from {URL} ({Bytes} bytes)", kind, attempts.Success, len(data))
	f.cache.set(cacheKey(kind, scope, attempts.Success), data)
	return data, nil
}

func (f *Fetcher) get(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid URL: %v", errPermanent, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", errPermanent, u.Scheme)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return f.do(req)
}

func (f *Fetcher) post(ctx context.Context, rawURL, contentType string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	return f.do(req)
}

func (f *Fetcher) do(req *http.Request) ([]byte, error) {
	req.Header.Set("User-Agent", f.config.UserAgent)
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, fmt.Errorf("%w: HTTP %d", errPermanent, resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	limit := f.config.MaxResponseSize
	if limit <= 0 {
		limit = DefaultConfig().MaxResponseSize
	}
	return io.ReadAll(io.LimitReader(resp.Body, limit))
}

// HTTPCRLClient downloads CRLs from distribution points.
type HTTPCRLClient struct {
	fetcher *Fetcher
}

var _ certvalidator.CRLClient = (*HTTPCRLClient)(nil)

// NewHTTPCRLClient returns a CRL client over f.
func NewHTTPCRLClient(f *Fetcher) *HTTPCRLClient {
	return &HTTPCRLClient{fetcher: f}
}

// GetEncoded fetches the CRL at dp, or from every distribution point of
// cert when dp is empty. PEM responses are converted to DER.
func (c *HTTPCRLClient) GetEncoded(ctx context.Context, cert *x509.Certificate, dp string) ([][]byte, error) {
	urls := []string{dp}
	if dp == "" {
		if cert == nil || len(cert.CRLDistributionPoints) == 0 {
			return nil, ErrNoDistributionPoints
		}
		urls = cert.CRLDistributionPoints
	}

	var out [][]byte
	var lastErr error
	for _, u := range urls {
		data, err := c.fetcher.fetch(ctx, KindCRL, "", []string{u}, c.fetcher.get, func(body []byte) error {
			_, err := revinfo.ParseCRL(pemToDER(body, "X509 CRL"))
			return err
		})
		if err != nil {
			lastErr = err
			continue
		}
		out = append(out, pemToDER(data, "X509 CRL"))
	}
	if len(out) == 0 {
		return nil, lastErr
	}
	return out, nil
}

// HTTPOCSPClient queries OCSP responders.
type HTTPOCSPClient struct {
	fetcher *Fetcher
	// Hash selects the CertID hash; SHA-1 by default.
	Hash crypto.Hash
}

var _ certvalidator.OCSPClient = (*HTTPOCSPClient)(nil)

// NewHTTPOCSPClient returns an OCSP client over f.
func NewHTTPOCSPClient(f *Fetcher) *HTTPOCSPClient {
	return &HTTPOCSPClient{fetcher: f, Hash: crypto.SHA1}
}

// GetEncoded returns the full DER OCSPResponse for cert. The request is
// POSTed first and sent as a GET when the POST fails. responder overrides
// the AIA responders.
func (c *HTTPOCSPClient) GetEncoded(ctx context.Context, cert, issuer *x509.Certificate, responder string) ([]byte, error) {
	if cert == nil || issuer == nil {
		return nil, fmt.Errorf("%w: certificate and issuer are required", ErrFetchFailed)
	}
	urls := []string{responder}
	if responder == "" {
		if len(cert.OCSPServer) == 0 {
			return nil, ErrNoOCSPServers
		}
		urls = cert.OCSPServer
	}
	req, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: c.Hash})
	if err != nil {
		return nil, fmt.Errorf("failed to create OCSP request: %w", err)
	}

	do := func(ctx context.Context, u string) ([]byte, error) {
		body, err := c.fetcher.post(ctx, u, "application/ocsp-request", req)
		if err == nil {
			return body, nil
		}
		getURL := strings.TrimSuffix(u, "/") + "/" + url.PathEscape(base64.StdEncoding.EncodeToString(req))
		return c.fetcher.get(ctx, getURL)
	}
	// Responses are cached per request so that every certificate gets its own.
	scope := base64.StdEncoding.EncodeToString(req)
	return c.fetcher.fetch(ctx, KindOCSP, scope, urls, do, func(body []byte) error {
		_, err := revinfo.ParseOCSP(body)
		return err
	})
}

// HTTPCertClient downloads issuer certificates from AIA caIssuers URLs.
type HTTPCertClient struct {
	fetcher *Fetcher
}

// NewHTTPCertClient returns an issuer client over f.
func NewHTTPCertClient(f *Fetcher) *HTTPCertClient {
	return &HTTPCertClient{fetcher: f}
}

// FetchIssuers returns the certificates published at the caIssuers URLs
// of cert. Both DER and PEM bodies are accepted.
func (c *HTTPCertClient) FetchIssuers(ctx context.Context, cert *x509.Certificate) ([]*x509.Certificate, error) {
	if len(cert.IssuingCertificateURL) == 0 {
		return nil, ErrNoIssuerURLs
	}
	var issuers []*x509.Certificate
	var lastErr error
	for _, u := range cert.IssuingCertificateURL {
		data, err := c.fetcher.fetch(ctx, KindCert, "", []string{u}, c.fetcher.get, func(body []byte) error {
			_, err := ParseCertificates(body)
			return err
		})
		if err != nil {
			lastErr = err
			continue
		}
		certs, _ := ParseCertificates(data)
		issuers = append(issuers, certs...)
	}
	if len(issuers) == 0 {
		return nil, lastErr
	}
	return issuers, nil
}

// ParseCertificates decodes one DER certificate, a DER sequence of
// certificates, or any number of PEM CERTIFICATE blocks.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	if !bytes.Contains(data, []byte("-----BEGIN")) {
		certs, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return certs, nil
	}
	var certs []*x509.Certificate
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificate in PEM data")
	}
	return certs, nil
}

func pemToDER(data []byte, blockType string) []byte {
	if block, _ := pem.Decode(data); block != nil && block.Type == blockType {
		return block.Bytes
	}
	return data
}
