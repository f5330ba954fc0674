package fetchers

import (
	"context"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/internal/testpki"
)

func testConfig() *Config {
	return &Config{
		Timeout:         5 * time.Second,
		MaxResponseSize: 1 << 20,
		UserAgent:       "gopdfsig-test",
		Retry:           &RetryPolicy{MaxAttempts: 2, InitialDelay: time.Millisecond, Multiplier: 1},
	}
}

func TestHTTPCRLClientUsesDistributionPoints(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	now := time.Now()
	crl := ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour))

	var agent string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent = r.UserAgent()
		switch r.URL.Path {
		case "/der.crl":
			w.Write(crl)
		case "/pem.crl":
			pem.Encode(w, &pem.Block{Type: "X509 CRL", Bytes: crl})
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	leaf := ca.Issue(t, "Leaf", testpki.WithCRLDistributionPoint(server.URL+"/der.crl"))
	client := NewHTTPCRLClient(NewFetcher(testConfig()))

	crls, err := client.GetEncoded(context.Background(), leaf.Cert, "")
	require.NoError(t, err)
	require.Len(t, crls, 1)
	assert.Equal(t, crl, crls[0])
	assert.Equal(t, "gopdfsig-test", agent)

	crls, err = client.GetEncoded(context.Background(), leaf.Cert, server.URL+"/pem.crl")
	require.NoError(t, err)
	assert.Equal(t, [][]byte{crl}, crls)

	_, err = client.GetEncoded(context.Background(), leaf.Cert, server.URL+"/missing.crl")
	assert.True(t, errors.Is(err, ErrFetchFailed))

	_, err = client.GetEncoded(context.Background(), ca.Issue(t, "No CDP").Cert, "")
	assert.True(t, errors.Is(err, ErrNoDistributionPoints))
}

func TestHTTPCRLClientRejectsGarbage(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte("<html>not a crl</html>"))
	}))
	defer server.Close()

	ca := testpki.NewRoot(t, "CA")
	_, err := NewHTTPCRLClient(NewFetcher(testConfig())).GetEncoded(context.Background(), ca.Cert, server.URL)
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "unparseable bodies are not retried")
}

func TestHTTPOCSPClient(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	now := time.Now()

	respond := func(t *testing.T, w http.ResponseWriter, raw []byte) {
		req, err := ocsp.ParseRequest(raw)
		if !assert.NoError(t, err) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		subject := &x509.Certificate{SerialNumber: req.SerialNumber}
		w.Header().Set("Content-Type", "application/ocsp-response")
		w.Write(ca.OCSP(t, subject, ocsp.Good, now.Add(-time.Minute).Truncate(time.Second), now.Add(time.Hour)))
	}

	t.Run("POST", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodPost, r.Method)
			assert.Equal(t, "application/ocsp-request", r.Header.Get("Content-Type"))
			body, _ := io.ReadAll(r.Body)
			respond(t, w, body)
		}))
		defer server.Close()

		leaf := ca.Issue(t, "Leaf", testpki.WithOCSPServer(server.URL))
		raw, err := NewHTTPOCSPClient(NewFetcher(testConfig())).GetEncoded(context.Background(), leaf.Cert, ca.Cert, "")
		require.NoError(t, err)

		ev, err := certvalidator.NewOCSPVerifier([][]byte{raw}, nil, nil, nil).Verify(context.Background(), leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		assert.Len(t, ev, 1)
	})

	t.Run("GET fallback", func(t *testing.T) {
		var methods []string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			methods = append(methods, r.Method)
			if r.Method == http.MethodPost {
				http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
				return
			}
			encoded, err := url.PathUnescape(strings.TrimPrefix(r.URL.EscapedPath(), "/"))
			assert.NoError(t, err)
			raw, err := base64.StdEncoding.DecodeString(encoded)
			assert.NoError(t, err)
			respond(t, w, raw)
		}))
		defer server.Close()

		leaf := ca.Issue(t, "Leaf")
		raw, err := NewHTTPOCSPClient(NewFetcher(testConfig())).GetEncoded(context.Background(), leaf.Cert, ca.Cert, server.URL)
		require.NoError(t, err)
		assert.NotEmpty(t, raw)
		assert.Equal(t, []string{http.MethodPost, http.MethodGet}, methods)
	})

	t.Run("no responder", func(t *testing.T) {
		leaf := ca.Issue(t, "Leaf")
		_, err := NewHTTPOCSPClient(NewFetcher(testConfig())).GetEncoded(context.Background(), leaf.Cert, ca.Cert, "")
		assert.True(t, errors.Is(err, ErrNoOCSPServers))
	})
}

func TestFetcherCachesResponses(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	crl := ca.CRL(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write(crl)
	}))
	defer server.Close()

	config := testConfig()
	config.CacheTTL = time.Hour
	f := NewFetcher(config)
	client := NewHTTPCRLClient(f)

	for i := 0; i < 3; i++ {
		_, err := client.GetEncoded(context.Background(), nil, server.URL)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), calls.Load())

	f.ClearCache()
	_, err := client.GetEncoded(context.Background(), nil, server.URL)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestHTTPOCSPClientCachesPerCertificate(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	now := time.Now()

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		body, _ := io.ReadAll(r.Body)
		req, err := ocsp.ParseRequest(body)
		if !assert.NoError(t, err) {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		cert := &x509.Certificate{SerialNumber: req.SerialNumber}
		w.Write(ca.OCSP(t, cert, ocsp.Good, now.Add(-time.Minute).Truncate(time.Second), now.Add(time.Hour)))
	}))
	defer server.Close()

	config := testConfig()
	config.CacheTTL = time.Hour
	client := NewHTTPOCSPClient(NewFetcher(config))
	first := ca.Issue(t, "First", testpki.WithOCSPServer(server.URL))
	second := ca.Issue(t, "Second", testpki.WithOCSPServer(server.URL))

	for _, leaf := range []*testpki.Authority{first, second, first, second} {
		raw, err := client.GetEncoded(context.Background(), leaf.Cert, ca.Cert, "")
		require.NoError(t, err)
		resp, err := ocsp.ParseResponse(raw, ca.Cert)
		require.NoError(t, err)
		assert.Equal(t, 0, resp.SerialNumber.Cmp(leaf.Cert.SerialNumber))
	}
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcherRetriesServerErrors(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	crl := ca.CRL(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(crl)
	}))
	defer server.Close()

	crls, err := NewHTTPCRLClient(NewFetcher(testConfig())).GetEncoded(context.Background(), nil, server.URL)
	require.NoError(t, err)
	assert.Len(t, crls, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcherCircuitBreaker(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer server.Close()

	config := testConfig()
	config.Retry = NoRetry()
	config.Breaker = NewCircuitBreaker(2, 1, time.Hour)
	client := NewHTTPCRLClient(NewFetcher(config))

	for i := 0; i < 2; i++ {
		_, err := client.GetEncoded(context.Background(), nil, server.URL)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitOpen, config.Breaker.State())

	_, err := client.GetEncoded(context.Background(), nil, server.URL)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, int32(2), calls.Load())
}

func TestFetcherRejectsUnsupportedScheme(t *testing.T) {
	_, err := NewHTTPCRLClient(NewFetcher(testConfig())).GetEncoded(context.Background(), nil, "ldap://example.com/crl")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported scheme")
}

func TestHTTPCertClientFetchesIssuers(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ca.pem" {
			pem.Encode(w, &pem.Block{Type: "CERTIFICATE", Bytes: ca.Cert.Raw})
			return
		}
		w.Write(ca.Cert.Raw)
	}))
	defer server.Close()

	leaf := ca.Issue(t, "Leaf")
	leaf.Cert.IssuingCertificateURL = []string{server.URL + "/ca.cer", server.URL + "/ca.pem"}

	issuers, err := NewHTTPCertClient(NewFetcher(testConfig())).FetchIssuers(context.Background(), leaf.Cert)
	require.NoError(t, err)
	require.Len(t, issuers, 2)
	assert.Equal(t, ca.Cert.Raw, issuers[0].Raw)
	assert.Equal(t, ca.Cert.Raw, issuers[1].Raw)

	_, err = NewHTTPCertClient(NewFetcher(testConfig())).FetchIssuers(context.Background(), ca.Cert)
	assert.True(t, errors.Is(err, ErrNoIssuerURLs))
}
