package certvalidator

import (
	"context"
	"crypto/x509"
)

// CRLClient fetches the encoded CRLs covering cert. url overrides the
// distribution point taken from the certificate when non-empty.
type CRLClient interface {
	GetEncoded(ctx context.Context, cert *x509.Certificate, url string) ([][]byte, error)
}

// OCSPClient fetches an encoded OCSPResponse for cert issued by issuer. url
// overrides the AIA responder when non-empty.
type OCSPClient interface {
	GetEncoded(ctx context.Context, cert, issuer *x509.Certificate, url string) ([]byte, error)
}

// CRLClientFunc adapts a function to CRLClient.
type CRLClientFunc func(ctx context.Context, cert *x509.Certificate, url string) ([][]byte, error)

// GetEncoded implements CRLClient.
func (f CRLClientFunc) GetEncoded(ctx context.Context, cert *x509.Certificate, url string) ([][]byte, error) {
	return f(ctx, cert, url)
}

// OCSPClientFunc adapts a function to OCSPClient.
type OCSPClientFunc func(ctx context.Context, cert, issuer *x509.Certificate, url string) ([]byte, error)

// GetEncoded implements OCSPClient.
func (f OCSPClientFunc) GetEncoded(ctx context.Context, cert, issuer *x509.Certificate, url string) ([]byte, error) {
	return f(ctx, cert, issuer, url)
}

// StaticCRLClient returns the same pre-fetched CRLs for every certificate.
type StaticCRLClient struct {
	CRLs [][]byte
}

// NewStaticCRLClient returns a client serving crls.
func NewStaticCRLClient(crls ...[]byte) *StaticCRLClient {
	return &StaticCRLClient{CRLs: crls}
}

// GetEncoded implements CRLClient.
func (c *StaticCRLClient) GetEncoded(_ context.Context, _ *x509.Certificate, _ string) ([][]byte, error) {
	out := make([][]byte, 0, len(c.CRLs))
	for _, crl := range c.CRLs {
		if len(crl) > 0 {
			out = append(out, crl)
		}
	}
	return out, nil
}
