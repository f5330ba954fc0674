// Package testpki builds throwaway certificate hierarchies, CRLs and OCSP
// responses for tests.
package testpki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"math/big"
	"testing"
	"time"

	"golang.org/x/crypto/ocsp"
)

var oidOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

// Authority is a certificate together with its private key.
type Authority struct {
	Cert *x509.Certificate
	Key  crypto.Signer
}

type options struct {
	ca        bool
	rsa       bool
	notBefore time.Time
	notAfter  time.Time
	ocspSign  bool
	noCheck   bool
	crlURL    string
	ocspURL   string
}

// Option customizes an issued certificate.
type Option func(*options)

// AsCA marks the certificate as a CA.
func AsCA() Option { return func(o *options) { o.ca = true } }

// WithRSA uses a 2048-bit RSA key instead of P-256.
func WithRSA() Option { return func(o *options) { o.rsa = true } }

// WithValidity sets notBefore and notAfter.
func WithValidity(notBefore, notAfter time.Time) Option {
	return func(o *options) {
		o.notBefore = notBefore
		o.notAfter = notAfter
	}
}

// WithOCSPSigning adds the OCSPSigning extended key usage.
func WithOCSPSigning() Option { return func(o *options) { o.ocspSign = true } }

// WithNoCheck adds id-pkix-ocsp-nocheck.
func WithNoCheck() Option { return func(o *options) { o.noCheck = true } }

// WithCRLDistributionPoint sets the CRL distribution point URL.
func WithCRLDistributionPoint(url string) Option { return func(o *options) { o.crlURL = url } }

// WithOCSPServer sets the AIA OCSP URL.
func WithOCSPServer(url string) Option { return func(o *options) { o.ocspURL = url } }

// NewRoot creates a self-signed CA.
func NewRoot(t testing.TB, cn string, opts ...Option) *Authority {
	t.Helper()
	return issue(t, nil, cn, append([]Option{AsCA()}, opts...))
}

// Issue creates a certificate signed by a.
func (a *Authority) Issue(t testing.TB, cn string, opts ...Option) *Authority {
	t.Helper()
	return issue(t, a, cn, opts)
}

// SelfSigned creates a self-signed end-entity certificate.
func SelfSigned(t testing.TB, cn string, opts ...Option) *Authority {
	t.Helper()
	return issue(t, nil, cn, opts)
}

func issue(t testing.TB, parent *Authority, cn string, opts []Option) *Authority {
	t.Helper()

	o := options{
		notBefore: time.Now().Add(-24 * time.Hour),
		notAfter:  time.Now().Add(365 * 24 * time.Hour),
	}
	for _, opt := range opts {
		opt(&o)
	}

	key := newKey(t, o.rsa)
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		t.Fatalf("failed to generate serial: %v", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject: pkix.Name{
			Organization: []string{"Test Org"},
			CommonName:   cn,
		},
		NotBefore:             o.notBefore,
		NotAfter:              o.notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  o.ca,
	}
	if o.ca {
		template.KeyUsage |= x509.KeyUsageCertSign | x509.KeyUsageCRLSign
	}
	if o.ocspSign {
		template.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning}
	}
	if o.noCheck {
		template.ExtraExtensions = append(template.ExtraExtensions, pkix.Extension{
			Id:    oidOCSPNoCheck,
			Value: []byte{0x05, 0x00},
		})
	}
	if o.crlURL != "" {
		template.CRLDistributionPoints = []string{o.crlURL}
	}
	if o.ocspURL != "" {
		template.OCSPServer = []string{o.ocspURL}
	}

	signerCert, signerKey := template, key
	if parent != nil {
		signerCert, signerKey = parent.Cert, parent.Key
	}
	raw, err := x509.CreateCertificate(rand.Reader, template, signerCert, key.Public(), signerKey)
	if err != nil {
		t.Fatalf("failed to create certificate %q: %v", cn, err)
	}
	cert, err := x509.ParseCertificate(raw)
	if err != nil {
		t.Fatalf("failed to parse certificate %q: %v", cn, err)
	}
	return &Authority{Cert: cert, Key: key}
}

func newKey(t testing.TB, useRSA bool) crypto.Signer {
	t.Helper()
	if useRSA {
		key, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("failed to generate RSA key: %v", err)
		}
		return key
	}
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("failed to generate ECDSA key: %v", err)
	}
	return key
}

// CRL returns a DER CRL issued by a that lists the given serials.
func (a *Authority) CRL(t testing.TB, thisUpdate, nextUpdate time.Time, revoked ...*big.Int) []byte {
	t.Helper()

	var entries []x509.RevocationListEntry
	for _, serial := range revoked {
		entries = append(entries, x509.RevocationListEntry{
			SerialNumber:   serial,
			RevocationTime: thisUpdate,
			ReasonCode:     1,
		})
	}
	template := &x509.RevocationList{
		Number:                    big.NewInt(time.Now().UnixNano()),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}
	raw, err := x509.CreateRevocationList(rand.Reader, template, a.Cert, a.Key)
	if err != nil {
		t.Fatalf("failed to create CRL: %v", err)
	}
	return raw
}

// OCSP returns a full DER OCSPResponse about cert, signed directly by a.
func (a *Authority) OCSP(t testing.TB, cert *x509.Certificate, status int, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	return createOCSP(t, a.Cert, a.Cert, a.Key, nil, cert, status, thisUpdate, nextUpdate)
}

// DelegatedOCSP returns an OCSPResponse about cert issued by a but signed by
// responder, which is embedded in the response.
func (a *Authority) DelegatedOCSP(t testing.TB, responder *Authority, cert *x509.Certificate, status int, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	return createOCSP(t, a.Cert, responder.Cert, responder.Key, responder.Cert, cert, status, thisUpdate, nextUpdate)
}

// OCSPSignedBy returns an OCSPResponse about cert issued by a, signed by
// signer and embedding no certificates.
func (a *Authority) OCSPSignedBy(t testing.TB, signer *Authority, cert *x509.Certificate, status int, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()
	return createOCSP(t, a.Cert, signer.Cert, signer.Key, nil, cert, status, thisUpdate, nextUpdate)
}

func createOCSP(t testing.TB, issuer, responder *x509.Certificate, key crypto.Signer, embed, cert *x509.Certificate, status int, thisUpdate, nextUpdate time.Time) []byte {
	t.Helper()

	template := ocsp.Response{
		Status:       status,
		SerialNumber: cert.SerialNumber,
		ThisUpdate:   thisUpdate,
		NextUpdate:   nextUpdate,
		Certificate:  embed,
	}
	if status == ocsp.Revoked {
		template.RevokedAt = thisUpdate
		template.RevocationReason = ocsp.KeyCompromise
	}
	raw, err := ocsp.CreateResponse(issuer, responder, template, key)
	if err != nil {
		t.Fatalf("failed to create OCSP response: %v", err)
	}
	return raw
}

// Chain returns the certificates of the given authorities.
func Chain(auths ...*Authority) []*x509.Certificate {
	certs := make([]*x509.Certificate, len(auths))
	for i, a := range auths {
		certs[i] = a.Cert
	}
	return certs
}
