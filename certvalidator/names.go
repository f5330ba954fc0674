package certvalidator

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NamesEqual compares two DER-encoded distinguished names. String attribute
// values are compared after NFKC normalization, case folding and whitespace
// collapsing; names that fail to parse are compared byte for byte.
func NamesEqual(a, b []byte) bool {
	if bytes.Equal(a, b) {
		return true
	}
	ca, okA := canonicalName(a)
	cb, okB := canonicalName(b)
	return okA && okB && ca == cb
}

func canonicalName(raw []byte) (string, bool) {
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(raw, &rdns)
	if err != nil || len(rest) != 0 {
		return "", false
	}
	fold := cases.Fold()
	parts := make([]string, 0, len(rdns))
	for _, rdn := range rdns {
		atvs := make([]string, 0, len(rdn))
		for _, atv := range rdn {
			atvs = append(atvs, atv.Type.String()+"="+normalizeRDNValue(fold, atv.Value))
		}
		parts = append(parts, strings.Join(atvs, "+"))
	}
	return strings.Join(parts, ","), true
}

func normalizeRDNValue(fold cases.Caser, value any) string {
	v, ok := value.(string)
	if !ok {
		return fmt.Sprint(value)
	}
	v = strings.Join(strings.Fields(norm.NFKC.String(v)), " ")
	return fold.String(v)
}

// SignedBy reports whether issuer's public key verifies cert's signature.
// Basic constraints and key usage of issuer are not consulted.
func SignedBy(cert, issuer *x509.Certificate) bool {
	if cert == nil || issuer == nil {
		return false
	}
	return issuer.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// IsSelfSigned reports whether cert names itself as issuer and verifies
// under its own key.
func IsSelfSigned(cert *x509.Certificate) bool {
	return NamesEqual(cert.RawSubject, cert.RawIssuer) && SignedBy(cert, cert)
}

// ValidAt reports whether t falls within the certificate validity period.
func ValidAt(cert *x509.Certificate, t time.Time) bool {
	return !t.Before(cert.NotBefore) && !t.After(cert.NotAfter)
}

// Fingerprint returns the SHA-256 fingerprint of a certificate.
func Fingerprint(cert *x509.Certificate) [32]byte {
	return sha256.Sum256(cert.Raw)
}

// SameCertificate reports whether two certificates are identical.
func SameCertificate(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return a == b
	}
	return bytes.Equal(a.Raw, b.Raw)
}

// Subject returns the display name used in errors and evidence.
func Subject(cert *x509.Certificate) string {
	if cert == nil {
		return "<nil>"
	}
	return cert.Subject.String()
}
