// Package algorithms maps digest and encryption algorithm names to their
// ASN.1 object identifiers and Go hash implementations.
package algorithms

import (
	"crypto"
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509"
	"encoding/asn1"
	"strings"

	"github.com/georgepadayatti/gopdfsig/sigerr"
)

// Digest algorithm names.
const (
	SHA1   = "SHA1"
	SHA224 = "SHA224"
	SHA256 = "SHA256"
	SHA384 = "SHA384"
	SHA512 = "SHA512"
)

// Encryption (key) algorithm names.
const (
	RSA   = "RSA"
	DSA   = "DSA"
	ECDSA = "ECDSA"
)

// Digest OIDs.
var (
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA224 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 4}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Key algorithm OIDs.
var (
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDDSA           = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}
	OIDECPublicKey   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// Combined signature algorithm OIDs.
var (
	OIDSHA1WithRSA     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDSHA224WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 14}
	OIDSHA256WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}
	OIDDSAWithSHA1     = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 3}
	OIDDSAWithSHA224   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 1}
	OIDDSAWithSHA256   = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 2}
	OIDECDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSHA224 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 1}
	OIDECDSAWithSHA256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512 = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

type digestEntry struct {
	name string
	oid  asn1.ObjectIdentifier
	hash crypto.Hash
}

var digests = []digestEntry{
	{SHA1, OIDSHA1, crypto.SHA1},
	{SHA224, OIDSHA224, crypto.SHA224},
	{SHA256, OIDSHA256, crypto.SHA256},
	{SHA384, OIDSHA384, crypto.SHA384},
	{SHA512, OIDSHA512, crypto.SHA512},
}

type signatureEntry struct {
	oid        asn1.ObjectIdentifier
	digest     string
	encryption string
	x509       x509.SignatureAlgorithm
}

var signatures = []signatureEntry{
	{OIDSHA1WithRSA, SHA1, RSA, x509.SHA1WithRSA},
	{OIDSHA224WithRSA, SHA224, RSA, x509.UnknownSignatureAlgorithm},
	{OIDSHA256WithRSA, SHA256, RSA, x509.SHA256WithRSA},
	{OIDSHA384WithRSA, SHA384, RSA, x509.SHA384WithRSA},
	{OIDSHA512WithRSA, SHA512, RSA, x509.SHA512WithRSA},
	{OIDDSAWithSHA1, SHA1, DSA, x509.DSAWithSHA1},
	{OIDDSAWithSHA224, SHA224, DSA, x509.UnknownSignatureAlgorithm},
	{OIDDSAWithSHA256, SHA256, DSA, x509.DSAWithSHA256},
	{OIDECDSAWithSHA1, SHA1, ECDSA, x509.ECDSAWithSHA1},
	{OIDECDSAWithSHA224, SHA224, ECDSA, x509.UnknownSignatureAlgorithm},
	{OIDECDSAWithSHA256, SHA256, ECDSA, x509.ECDSAWithSHA256},
	{OIDECDSAWithSHA384, SHA384, ECDSA, x509.ECDSAWithSHA384},
	{OIDECDSAWithSHA512, SHA512, ECDSA, x509.ECDSAWithSHA512},
}

// Normalize upper-cases a name and strips dashes and underscores, so that
// "sha-256", "SHA256" and "sha_256" compare equal.
func Normalize(name string) string {
	r := strings.NewReplacer("-", "", "_", "", " ", "")
	return strings.ToUpper(r.Replace(name))
}

// DigestOID returns the OID for a digest name.
func DigestOID(name string) (asn1.ObjectIdentifier, error) {
	n := Normalize(name)
	for _, d := range digests {
		if d.name == n {
			return d.oid, nil
		}
	}
	return nil, sigerr.Malformed("unknown digest algorithm "+name, nil)
}

// DigestName returns the canonical name for a digest OID.
func DigestName(oid asn1.ObjectIdentifier) (string, error) {
	for _, d := range digests {
		if d.oid.Equal(oid) {
			return d.name, nil
		}
	}
	return "", sigerr.Malformed("unknown digest OID "+oid.String(), nil)
}

// HashForName returns the crypto.Hash for a digest name.
func HashForName(name string) (crypto.Hash, error) {
	n := Normalize(name)
	for _, d := range digests {
		if d.name == n {
			return d.hash, nil
		}
	}
	return 0, sigerr.Malformed("unknown digest algorithm "+name, nil)
}

// HashForOID returns the crypto.Hash for a digest OID.
func HashForOID(oid asn1.ObjectIdentifier) (crypto.Hash, error) {
	for _, d := range digests {
		if d.oid.Equal(oid) {
			return d.hash, nil
		}
	}
	return 0, sigerr.Malformed("unknown digest OID "+oid.String(), nil)
}

// NameForHash returns the canonical digest name of h.
func NameForHash(h crypto.Hash) (string, error) {
	for _, d := range digests {
		if d.hash == h {
			return d.name, nil
		}
	}
	return "", sigerr.Malformed("unsupported hash "+h.String(), nil)
}

// EncryptionOID returns the key algorithm OID for RSA, DSA or ECDSA.
func EncryptionOID(name string) (asn1.ObjectIdentifier, error) {
	switch Normalize(name) {
	case RSA:
		return OIDRSAEncryption, nil
	case DSA:
		return OIDDSA, nil
	case ECDSA, "EC":
		return OIDECPublicKey, nil
	}
	return nil, sigerr.Malformed("unknown encryption algorithm "+name, nil)
}

// EncryptionName returns the key algorithm name for either a bare key OID or
// a combined digest-with-key signature OID.
func EncryptionName(oid asn1.ObjectIdentifier) (string, error) {
	switch {
	case oid.Equal(OIDRSAEncryption):
		return RSA, nil
	case oid.Equal(OIDDSA):
		return DSA, nil
	case oid.Equal(OIDECPublicKey):
		return ECDSA, nil
	}
	for _, s := range signatures {
		if s.oid.Equal(oid) {
			return s.encryption, nil
		}
	}
	return "", sigerr.Malformed("unknown encryption OID "+oid.String(), nil)
}

// SignatureOID returns the OID placed in a SignerInfo's signatureAlgorithm.
// RSA uses the bare rsaEncryption OID; DSA and ECDSA use the combined form.
func SignatureOID(digest, encryption string) (asn1.ObjectIdentifier, error) {
	d := Normalize(digest)
	e := Normalize(encryption)
	if e == "EC" {
		e = ECDSA
	}
	if e == RSA {
		if _, err := DigestOID(d); err != nil {
			return nil, err
		}
		return OIDRSAEncryption, nil
	}
	for _, s := range signatures {
		if s.digest == d && s.encryption == e {
			return s.oid, nil
		}
	}
	return nil, sigerr.Malformed("unsupported signature algorithm "+digest+"with"+encryption, nil)
}

// X509SignatureAlgorithm maps a combined signature OID onto the
// crypto/x509 constant used by Certificate.CheckSignature.
func X509SignatureAlgorithm(oid asn1.ObjectIdentifier) (x509.SignatureAlgorithm, error) {
	for _, s := range signatures {
		if s.oid.Equal(oid) && s.x509 != x509.UnknownSignatureAlgorithm {
			return s.x509, nil
		}
	}
	return x509.UnknownSignatureAlgorithm, sigerr.Malformed("unsupported signature OID "+oid.String(), nil)
}
