package cms

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// attribute encodes Attribute ::= SEQUENCE { attrType, SET OF value }.
func attribute(oid asn1.ObjectIdentifier, values ...[]byte) []byte {
	return der.Sequence(der.OID(oid), der.Set(values...))
}

// parsedAttribute is one decoded Attribute.
type parsedAttribute struct {
	oid    asn1.ObjectIdentifier
	values []der.Span
}

func parseAttributes(set []byte) ([]parsedAttribute, error) {
	spans, err := der.ReadAll(set)
	if err != nil {
		return nil, err
	}
	attrs := make([]parsedAttribute, 0, len(spans))
	for _, sp := range spans {
		parts, err := sp.Sequence()
		if err != nil || len(parts) != 2 {
			return nil, fmt.Errorf("invalid attribute: %w", err)
		}
		oid, err := parts[0].OID()
		if err != nil {
			return nil, err
		}
		values, err := parts[1].Set()
		if err != nil {
			return nil, err
		}
		attrs = append(attrs, parsedAttribute{oid: oid, values: values})
	}
	return attrs, nil
}

// signingCertificateV2 encodes the signing-certificate-v2 attribute value for cert.
// The hash algorithm identifier is omitted when it equals the SHA-256
// default.
func signingCertificateV2(cert *x509.Certificate, digest string) ([]byte, error) {
	h, err := algorithms.HashForName(digest)
	if err != nil {
		return nil, err
	}
	hh := h.New()
	hh.Write(cert.Raw)
	certHash := hh.Sum(nil)

	var certID []byte
	if h == crypto.SHA256 {
		certID = der.Sequence(der.OctetString(certHash))
	} else {
		oid, err := algorithms.DigestOID(digest)
		if err != nil {
			return nil, err
		}
		certID = der.Sequence(der.AlgorithmIdentifier(oid, false), der.OctetString(certHash))
	}
	return der.Sequence(der.Sequence(certID)), nil
}

// signingCertificateV1 encodes the ESS signing-certificate attribute value,
// which always uses SHA-1.
func signingCertificateV1(cert *x509.Certificate) []byte {
	hh := crypto.SHA1.New()
	hh.Write(cert.Raw)
	return der.Sequence(der.Sequence(der.Sequence(der.OctetString(hh.Sum(nil)))))
}

// checkSigningCertificate verifies the first ESSCertID(v2) of an ESS
// attribute value against the signer certificate encoding.
func checkSigningCertificate(value der.Span, cert *x509.Certificate, v2 bool) error {
	outer, err := value.Sequence()
	if err != nil || len(outer) == 0 {
		return sigerr.Malformed("invalid ESS signing certificate attribute", err)
	}
	ids, err := outer[0].Sequence()
	if err != nil || len(ids) == 0 {
		return sigerr.Malformed("empty ESS certificate list", err)
	}
	fields, err := ids[0].Sequence()
	if err != nil || len(fields) == 0 {
		return sigerr.Malformed("invalid ESS certificate id", err)
	}

	h := crypto.SHA1
	idx := 0
	if v2 {
		h = crypto.SHA256
		if fields[0].Is(der.TagSequence) {
			alg, err := fields[0].Sequence()
			if err != nil || len(alg) == 0 {
				return sigerr.Malformed("invalid ESS hash algorithm", err)
			}
			oid, err := alg[0].OID()
			if err != nil {
				return sigerr.Malformed("invalid ESS hash algorithm", err)
			}
			if h, err = algorithms.HashForOID(oid); err != nil {
				return err
			}
			idx = 1
		}
	}
	if idx >= len(fields) {
		return sigerr.Malformed("missing ESS certificate hash", nil)
	}
	want, err := fields[idx].OctetString()
	if err != nil {
		return sigerr.Malformed("invalid ESS certificate hash", err)
	}
	hh := h.New()
	hh.Write(cert.Raw)
	if !bytes.Equal(hh.Sum(nil), want) {
		return sigerr.Malformed("signing certificate hash mismatch", nil)
	}
	return nil
}

// revocationInfoArchival encodes the Adobe RevocationInfoArchival value:
// SEQUENCE { crl [0] EXPLICIT SEQUENCE OF CRL, ocsp [1] EXPLICIT SEQUENCE OF
// OCSPResponse }. Each CRL and OCSP blob must already be DER.
func revocationInfoArchival(ocsps, crls [][]byte) []byte {
	var parts [][]byte
	if len(crls) > 0 {
		parts = append(parts, der.Explicit(0, der.Sequence(crls...)))
	}
	if len(ocsps) > 0 {
		parts = append(parts, der.Explicit(1, der.Sequence(ocsps...)))
	}
	return der.Sequence(parts...)
}

// parseRevocationInfoArchival extracts the CRL and OCSP blobs.
func parseRevocationInfoArchival(value der.Span) (ocsps, crls [][]byte, err error) {
	parts, err := value.Sequence()
	if err != nil {
		return nil, nil, sigerr.Malformed("invalid revocation info archival", err)
	}
	for _, p := range parts {
		switch {
		case p.IsContext(0):
			list, err := explicitSequence(p, 0)
			if err != nil {
				return nil, nil, err
			}
			for _, item := range list {
				crls = append(crls, item.Full)
			}
		case p.IsContext(1):
			list, err := explicitSequence(p, 1)
			if err != nil {
				return nil, nil, err
			}
			for _, item := range list {
				ocsps = append(ocsps, item.Full)
			}
		}
	}
	return ocsps, crls, nil
}

func explicitSequence(sp der.Span, n int) ([]der.Span, error) {
	inner, err := sp.Explicit(n)
	if err != nil {
		return nil, sigerr.Malformed("invalid revocation info entry", err)
	}
	list, err := inner.Sequence()
	if err != nil {
		return nil, sigerr.Malformed("invalid revocation info entry", err)
	}
	return list, nil
}
