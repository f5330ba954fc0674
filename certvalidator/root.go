package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/georgepadayatti/gopdfsig/sigerr"
)

// RootVerifierName is the Evidence.Verifier value of RootVerifier.
const RootVerifierName = "RootVerifier"

// RootVerifier checks the validity period and the issuer signature of a
// certificate, and reports evidence when a trust anchor signed it.
type RootVerifier struct {
	Roots *RootStore
}

// NewRootVerifier returns a RootVerifier trusting roots.
func NewRootVerifier(roots *RootStore) *RootVerifier {
	return &RootVerifier{Roots: roots}
}

// Name implements Named.
func (v *RootVerifier) Name() string { return RootVerifierName }

// Verify implements Verifier. An expired certificate or a signature that
// does not verify against issuerCert, or against the certificate itself
// when issuerCert is nil, is a CertificateInvalid error.
func (v *RootVerifier) Verify(_ context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) ([]Evidence, error) {
	subject := Subject(signCert)
	if !signDate.IsZero() && !ValidAt(signCert, signDate) {
		return nil, sigerr.InvalidCertificate(subject, fmt.Sprintf("not valid at %s (valid %s to %s)",
			signDate.UTC().Format(time.RFC3339), signCert.NotBefore.UTC().Format(time.RFC3339),
			signCert.NotAfter.UTC().Format(time.RFC3339)), nil)
	}

	if issuerCert != nil {
		if !SignedBy(signCert, issuerCert) {
			return nil, sigerr.InvalidCertificate(subject, "signature does not verify against "+Subject(issuerCert), nil)
		}
	} else if !SignedBy(signCert, signCert) {
		return nil, sigerr.InvalidCertificate(subject, "no issuer given and self-signature does not verify", nil)
	}

	if _, ok := v.Roots.Find(func(anchor *x509.Certificate) bool { return SignedBy(signCert, anchor) }); ok {
		return []Evidence{{
			Certificate: signCert,
			Verifier:    RootVerifierName,
			Message:     "Certificate verified against root store.",
		}}, nil
	}
	return nil, nil
}
