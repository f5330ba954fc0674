// Package revinfo parses CRLs and OCSP responses into revocation records
// with the freshness rules used by the trust-chain verifiers.
package revinfo

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// DefaultOCSPValidity is the lifetime of an OCSP entry that carries no
// nextUpdate.
const DefaultOCSPValidity = 180 * time.Second

// ErrOCSPNotSuccessful is returned for OCSP responses whose status is not
// successful.
var ErrOCSPNotSuccessful = errors.New("OCSP response status is not successful")

// OIDOCSPNoCheck is id-pkix-ocsp-nocheck.
var OIDOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

var (
	oidCRLNumber         = asn1.ObjectIdentifier{2, 5, 29, 20}
	oidDeltaCRLIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}
)

// RevocationReason represents the reason for certificate revocation.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns the string representation of a revocation reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "cACompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aACompromise"
	default:
		return fmt.Sprintf("unknown(%d)", r)
	}
}

// CRLRecord is a parsed certificate revocation list.
type CRLRecord struct {
	Raw  []byte
	List *x509.RevocationList
}

// ParseCRL parses a DER CRL.
func ParseCRL(raw []byte) (*CRLRecord, error) {
	list, err := x509.ParseRevocationList(raw)
	if err != nil {
		return nil, sigerr.Malformed("failed to parse CRL", err)
	}
	return &CRLRecord{Raw: raw, List: list}, nil
}

// ValidAt reports whether t falls strictly between thisUpdate and
// nextUpdate. A CRL without nextUpdate is never valid.
func (r *CRLRecord) ValidAt(t time.Time) bool {
	if r.List.NextUpdate.IsZero() {
		return false
	}
	return t.After(r.List.ThisUpdate) && t.Before(r.List.NextUpdate)
}

// RevokedEntry returns the entry for serial, if listed.
func (r *CRLRecord) RevokedEntry(serial *big.Int) (*x509.RevocationListEntry, bool) {
	for i := range r.List.RevokedCertificateEntries {
		entry := &r.List.RevokedCertificateEntries[i]
		if entry.SerialNumber.Cmp(serial) == 0 {
			return entry, true
		}
	}
	return nil, false
}

// SignedBy reports whether cert's key produced the CRL signature. Issuer
// constraints are not checked.
func (r *CRLRecord) SignedBy(cert *x509.Certificate) bool {
	if cert == nil {
		return false
	}
	return cert.CheckSignature(r.List.SignatureAlgorithm, r.List.RawTBSRevocationList, r.List.Signature) == nil
}

// Number returns the cRLNumber extension, or nil.
func (r *CRLRecord) Number() *big.Int {
	return CRLNumber(r.List)
}

// OCSPEntry is the SingleResponse of a basic OCSP response.
type OCSPEntry struct {
	HashAlgorithm crypto.Hash
	SerialNumber  *big.Int
	Status        int
	RevokedAt     time.Time
	Reason        RevocationReason
	ThisUpdate    time.Time
	NextUpdate    time.Time

	tbs []byte
}

// ValidUntil returns nextUpdate, or thisUpdate plus DefaultOCSPValidity when
// the responder omitted it.
func (e OCSPEntry) ValidUntil() time.Time {
	if e.NextUpdate.IsZero() {
		return e.ThisUpdate.Add(DefaultOCSPValidity)
	}
	return e.NextUpdate
}

// ValidAt reports whether t is not later than ValidUntil.
func (e OCSPEntry) ValidAt(t time.Time) bool {
	return !t.After(e.ValidUntil())
}

// Matches reports whether the entry's CertID names cert as issued by issuer.
func (e OCSPEntry) Matches(cert, issuer *x509.Certificate) bool {
	if cert == nil || issuer == nil || e.SerialNumber.Cmp(cert.SerialNumber) != 0 {
		return false
	}
	if e.HashAlgorithm == 0 || !e.HashAlgorithm.Available() {
		return false
	}
	raw, err := ocsp.CreateRequest(cert, issuer, &ocsp.RequestOptions{Hash: e.HashAlgorithm})
	if err != nil {
		return false
	}
	req, err := ocsp.ParseRequest(raw)
	if err != nil {
		return false
	}
	// x/crypto/ocsp does not expose the CertID issuer hashes of a response,
	// so the expected pair must appear in the signed response data.
	want := append(der.OctetString(req.IssuerNameHash), der.OctetString(req.IssuerKeyHash)...)
	return bytes.Contains(e.tbs, want)
}

// OCSPRecord is a parsed OCSP response.
type OCSPRecord struct {
	Raw          []byte
	Response     *ocsp.Response
	Entries      []OCSPEntry
	Certificates []*x509.Certificate
	ProducedAt   time.Time
}

// ParseOCSP parses a full DER OCSPResponse. Only successful basic responses
// with a single entry are accepted. An embedded responder certificate must
// have signed the response.
func ParseOCSP(raw []byte) (*OCSPRecord, error) {
	resp, err := ocsp.ParseResponse(raw, nil)
	if err != nil {
		var status ocsp.ResponseError
		if errors.As(err, &status) {
			err = fmt.Errorf("%w: %s", ErrOCSPNotSuccessful, status.Error())
		}
		return nil, sigerr.Malformed("failed to parse OCSP response", err)
	}

	rec := &OCSPRecord{Raw: raw, Response: resp, ProducedAt: resp.ProducedAt}
	if resp.Certificate != nil {
		rec.Certificates = []*x509.Certificate{resp.Certificate}
	}
	rec.Entries = []OCSPEntry{{
		HashAlgorithm: resp.IssuerHash,
		SerialNumber:  resp.SerialNumber,
		Status:        resp.Status,
		RevokedAt:     resp.RevokedAt,
		Reason:        RevocationReason(resp.RevocationReason),
		ThisUpdate:    resp.ThisUpdate,
		NextUpdate:    resp.NextUpdate,
		tbs:           resp.TBSResponseData,
	}}
	return rec, nil
}

// Entry returns the first entry matching cert and issuer.
func (r *OCSPRecord) Entry(cert, issuer *x509.Certificate) (OCSPEntry, bool) {
	for _, e := range r.Entries {
		if e.Matches(cert, issuer) {
			return e, true
		}
	}
	return OCSPEntry{}, false
}

// SignedBy reports whether cert's key produced the response signature.
func (r *OCSPRecord) SignedBy(cert *x509.Certificate) bool {
	if cert == nil || r.Response == nil {
		return false
	}
	return r.Response.CheckSignatureFrom(cert) == nil
}

// HasNoCheck reports whether cert carries id-pkix-ocsp-nocheck.
func HasNoCheck(cert *x509.Certificate) bool {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(OIDOCSPNoCheck) {
			return true
		}
	}
	return false
}

// IsOCSPSigner reports whether cert carries the OCSPSigning extended key
// usage.
func IsOCSPSigner(cert *x509.Certificate) bool {
	for _, u := range cert.ExtKeyUsage {
		if u == x509.ExtKeyUsageOCSPSigning {
			return true
		}
	}
	return false
}

// CRLNumber returns the CRL number from a CRL.
func CRLNumber(crl *x509.RevocationList) *big.Int {
	if crl.Number != nil {
		return crl.Number
	}
	for _, ext := range crl.Extensions {
		if ext.Id.Equal(oidCRLNumber) {
			var num big.Int
			if _, err := asn1.Unmarshal(ext.Value, &num); err == nil {
				return &num
			}
		}
	}
	return nil
}

// IsDeltaCRL checks if a CRL is a delta CRL.
func IsDeltaCRL(crl *x509.RevocationList) bool {
	for _, ext := range crl.Extensions {
		if ext.Id.Equal(oidDeltaCRLIndicator) {
			return true
		}
	}
	return false
}
