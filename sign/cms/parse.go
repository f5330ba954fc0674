package cms

import (
	"bytes"
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// Parse decodes the /Contents bytes of a CMS based signature. Trailing zero
// padding from the placeholder is ignored. Use ParseRSASHA1 for the bare
// PKCS#1 subfilter.
func Parse(contents []byte, subFilter SubFilter) (*Container, error) {
	if subFilter == SubFilterRSASHA1 {
		return nil, sigerr.Malformed("adbe.x509.rsa_sha1 requires the /Cert entry; use ParseRSASHA1", nil)
	}
	top, err := der.ParsePadded(contents)
	if err != nil {
		return nil, sigerr.Malformed("can't decode signature container", err)
	}
	sd, err := signedDataFields(top)
	if err != nil {
		return nil, err
	}

	c := &Container{subFilter: subFilter, isTSP: subFilter.IsTimestamp()}
	if c.version, err = sd[0].Int(); err != nil {
		return nil, sigerr.Malformed("invalid SignedData version", err)
	}
	if _, err := sd[1].Set(); err != nil {
		return nil, sigerr.Malformed("invalid digest algorithm set", err)
	}
	if err := c.parseEncapsulatedContent(sd[2]); err != nil {
		return nil, err
	}

	var signerInfos []der.Span
	for _, f := range sd[3:] {
		switch {
		case f.IsContext(0):
			if err := c.parseCertificates(f); err != nil {
				return nil, err
			}
		case f.IsContext(1):
			items, err := f.Children()
			if err != nil {
				return nil, sigerr.Malformed("invalid crls field", err)
			}
			for _, item := range items {
				c.crls = append(c.crls, item.Full)
			}
		case f.Is(der.TagSet):
			if signerInfos, err = f.Set(); err != nil {
				return nil, sigerr.Malformed("invalid signer infos", err)
			}
		}
	}
	switch {
	case len(signerInfos) == 0:
		return nil, sigerr.Malformed("no signer info found", nil)
	case len(signerInfos) > 1:
		return nil, sigerr.Malformed("this container contains more than one signer info", nil)
	}

	if err := c.parseSignerInfo(signerInfos[0]); err != nil {
		return nil, err
	}

	if c.isTSP {
		if !c.contentType.Equal(OIDTSTInfo) {
			return nil, sigerr.Malformed("RFC 3161 container does not carry a TSTInfo", nil)
		}
		if c.tstInfo, err = ParseTSTInfo(c.eContent); err != nil {
			return nil, err
		}
		c.timestampToken = top.Full
		h, err := algorithms.HashForOID(c.tstInfo.HashAlgorithm)
		if err != nil {
			return nil, err
		}
		c.messageDigest = h.New()
	} else {
		c.rsaData = c.eContent
		c.messageDigest = c.hash.New()
		if c.rsaData != nil {
			c.encContDigest = c.hash.New()
		}
	}

	c.signChain = certvalidator.BuildChain(c.signCert, c.certs)
	return c, nil
}

// ParseRSASHA1 decodes an adbe.x509.rsa_sha1 signature: contents is an
// OCTET STRING holding the PKCS#1 signature and certs the DER certificates
// from /Cert, signer first.
func ParseRSASHA1(contents, certs []byte) (*Container, error) {
	parsed, err := x509.ParseCertificates(certs)
	if err != nil {
		return nil, sigerr.Malformed("can't decode /Cert certificates", err)
	}
	if len(parsed) == 0 {
		return nil, sigerr.Malformed("no certificate in /Cert", nil)
	}
	sp, err := der.ParsePadded(contents)
	if err != nil {
		return nil, sigerr.Malformed("can't decode PKCS#1 signature", err)
	}
	sig, err := sp.OctetString()
	if err != nil {
		return nil, sigerr.Malformed("can't decode PKCS#1 signature", err)
	}
	if _, ok := parsed[0].PublicKey.(*rsa.PublicKey); !ok {
		return nil, sigerr.Malformed("adbe.x509.rsa_sha1 requires an RSA signer", nil)
	}

	c := &Container{
		subFilter:      SubFilterRSASHA1,
		digestOID:      algorithms.OIDSHA1,
		digestName:     algorithms.SHA1,
		encryptionOID:  algorithms.OIDRSAEncryption,
		encryptionName: algorithms.RSA,
		certs:          parsed,
		signCert:       parsed[0],
		hash:           crypto.SHA1,
		signature:      sig,
	}
	c.messageDigest = c.hash.New()
	c.signChain = certvalidator.BuildChain(c.signCert, c.certs)
	return c, nil
}

// signedDataFields checks the ContentInfo type and returns the SignedData
// fields.
func signedDataFields(top der.Span) ([]der.Span, error) {
	ci, err := top.Sequence()
	if err != nil || len(ci) < 2 {
		return nil, sigerr.Malformed("invalid ContentInfo", err)
	}
	oid, err := ci[0].OID()
	if err != nil {
		return nil, sigerr.Malformed("invalid ContentInfo type", err)
	}
	if !oid.Equal(OIDSignedData) {
		return nil, sigerr.Malformed("not a SignedData container: "+oid.String(), nil)
	}
	body, err := ci[1].Explicit(0)
	if err != nil {
		return nil, sigerr.Malformed("invalid SignedData content", err)
	}
	sd, err := body.Sequence()
	if err != nil || len(sd) < 4 {
		return nil, sigerr.Malformed("invalid SignedData", err)
	}
	return sd, nil
}

func (c *Container) parseEncapsulatedContent(sp der.Span) error {
	encap, err := sp.Sequence()
	if err != nil || len(encap) == 0 {
		return sigerr.Malformed("invalid encapsulated content info", err)
	}
	if c.contentType, err = encap[0].OID(); err != nil {
		return sigerr.Malformed("invalid content type", err)
	}
	if len(encap) > 1 {
		inner, err := encap[1].Explicit(0)
		if err != nil {
			return sigerr.Malformed("invalid encapsulated content", err)
		}
		if c.eContent, err = inner.OctetString(); err != nil {
			return sigerr.Malformed("invalid encapsulated content", err)
		}
	}
	return nil
}

func (c *Container) parseCertificates(sp der.Span) error {
	items, err := sp.Children()
	if err != nil {
		return sigerr.Malformed("invalid certificates field", err)
	}
	for _, item := range items {
		// attribute and other certificate choices are tagged; skip them.
		if !item.Is(der.TagSequence) {
			continue
		}
		cert, err := x509.ParseCertificate(item.Full)
		if err != nil {
			return sigerr.Malformed("invalid certificate", err)
		}
		c.certs = append(c.certs, cert)
	}
	return nil
}

func (c *Container) parseSignerInfo(sp der.Span) error {
	si, err := sp.Sequence()
	if err != nil || len(si) < 5 {
		return sigerr.Malformed("invalid signer info", err)
	}
	if c.signerVersion, err = si[0].Int(); err != nil {
		return sigerr.Malformed("invalid signer info version", err)
	}
	if c.signCert, err = findSignerCertificate(si[1], c.certs); err != nil {
		return err
	}
	if c.digestOID, err = algorithmOID(si[2]); err != nil {
		return err
	}
	if c.digestName, err = algorithms.DigestName(c.digestOID); err != nil {
		return err
	}
	if c.hash, err = algorithms.HashForOID(c.digestOID); err != nil {
		return err
	}

	idx := 3
	var authAttrs []parsedAttribute
	if si[idx].IsContext(0) {
		c.authAttrs = der.Retag(si[idx].Full, der.TagSet)
		children, err := der.ReadAll(si[idx].Body)
		if err != nil {
			return sigerr.Malformed("invalid authenticated attributes", err)
		}
		fulls := make([][]byte, len(children))
		for i, ch := range children {
			fulls[i] = ch.Full
		}
		c.authAttrsDER = der.Set(fulls...)
		if authAttrs, err = parseAttributes(si[idx].Body); err != nil {
			return sigerr.Malformed("invalid authenticated attributes", err)
		}
		idx++
	}
	if idx+1 >= len(si) {
		return sigerr.Malformed("truncated signer info", nil)
	}
	if c.encryptionOID, err = algorithmOID(si[idx]); err != nil {
		return err
	}
	if c.encryptionName, err = algorithms.EncryptionName(c.encryptionOID); err != nil {
		return err
	}
	if c.signature, err = si[idx+1].OctetString(); err != nil {
		return sigerr.Malformed("invalid signature value", err)
	}

	if err := c.applyAuthenticatedAttributes(authAttrs); err != nil {
		return err
	}

	if idx+2 < len(si) && si[idx+2].IsContext(1) {
		unauth, err := parseAttributes(si[idx+2].Body)
		if err != nil {
			return sigerr.Malformed("invalid unauthenticated attributes", err)
		}
		for _, a := range unauth {
			if !a.oid.Equal(OIDTimeStampToken) || len(a.values) == 0 {
				continue
			}
			c.timestampToken = a.values[0].Full
			if c.tstInfo, err = tstInfoFromToken(c.timestampToken); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Container) applyAuthenticatedAttributes(attrs []parsedAttribute) error {
	foundESS := false
	for _, a := range attrs {
		if len(a.values) == 0 {
			continue
		}
		v := a.values[0]
		var err error
		switch {
		case a.oid.Equal(OIDMessageDigest):
			if c.digestAttr, err = v.OctetString(); err != nil {
				return sigerr.Malformed("invalid message digest attribute", err)
			}
		case a.oid.Equal(OIDSigningTime):
			if c.signingTime, err = v.Time(); err != nil {
				return sigerr.Malformed("invalid signing time attribute", err)
			}
		case a.oid.Equal(OIDAdobeRevocationInfo):
			ocsps, crls, err := parseRevocationInfoArchival(v)
			if err != nil {
				return err
			}
			c.ocsps = append(c.ocsps, ocsps...)
			c.crls = append(c.crls, crls...)
		case a.oid.Equal(OIDSigningCertificateV2):
			foundESS = true
			if err := checkSigningCertificate(v, c.signCert, true); err != nil {
				return err
			}
		case a.oid.Equal(OIDSigningCertificate):
			foundESS = true
			if err := checkSigningCertificate(v, c.signCert, false); err != nil {
				return err
			}
		}
	}
	if c.subFilter.IsCAdES() && !foundESS {
		return sigerr.Malformed("CAdES ESS information missing", nil)
	}
	return nil
}

func algorithmOID(sp der.Span) (asn1.ObjectIdentifier, error) {
	alg, err := sp.Sequence()
	if err != nil || len(alg) == 0 {
		return nil, sigerr.Malformed("invalid algorithm identifier", err)
	}
	oid, err := alg[0].OID()
	if err != nil {
		return nil, sigerr.Malformed("invalid algorithm identifier", err)
	}
	return oid, nil
}

// findSignerCertificate resolves a SignerIdentifier: IssuerAndSerialNumber
// or [0] SubjectKeyIdentifier.
func findSignerCertificate(sid der.Span, certs []*x509.Certificate) (*x509.Certificate, error) {
	if sid.IsContext(0) {
		for _, cert := range certs {
			if len(cert.SubjectKeyId) > 0 && bytes.Equal(cert.SubjectKeyId, sid.Body) {
				return cert, nil
			}
		}
		return nil, sigerr.Malformed(fmt.Sprintf("can't find signing certificate with key id %x", sid.Body), nil)
	}

	parts, err := sid.Sequence()
	if err != nil || len(parts) != 2 {
		return nil, sigerr.Malformed("invalid issuer and serial number", err)
	}
	serial, err := parts[1].Integer()
	if err != nil {
		return nil, sigerr.Malformed("invalid signer serial number", err)
	}
	for _, cert := range certs {
		if cert.SerialNumber.Cmp(serial) == 0 && bytes.Equal(cert.RawIssuer, parts[0].Full) {
			return cert, nil
		}
	}
	return nil, sigerr.Malformed("can't find signing certificate with serial "+serial.Text(16), nil)
}

// tstInfoFromToken extracts the TSTInfo from a timestamp token without
// requiring the TSA certificate to be present.
func tstInfoFromToken(token []byte) (*TSTInfo, error) {
	top, err := der.Parse(token)
	if err != nil {
		return nil, sigerr.Malformed("invalid timestamp token", err)
	}
	sd, err := signedDataFields(top)
	if err != nil {
		return nil, err
	}
	var tmp Container
	if err := tmp.parseEncapsulatedContent(sd[2]); err != nil {
		return nil, err
	}
	if !tmp.contentType.Equal(OIDTSTInfo) {
		return nil, sigerr.Malformed("timestamp token does not carry a TSTInfo", nil)
	}
	return ParseTSTInfo(tmp.eContent)
}
