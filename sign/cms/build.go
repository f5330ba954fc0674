package cms

import (
	"context"
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"hash"
	"time"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// TokenSource supplies RFC 3161 timestamp tokens for the unauthenticated
// attributes of a container.
type TokenSource interface {
	// MessageDigest returns a fresh hash used to compute the imprint.
	MessageDigest() hash.Hash
	// GetTimeStampToken returns a DER timestamp token for imprint.
	GetTimeStampToken(ctx context.Context, imprint []byte) ([]byte, error)
}

// BuildOptions configures a container under construction.
type BuildOptions struct {
	// Chain is the certificate chain, signer first. All certificates are
	// embedded in the container.
	Chain []*x509.Certificate

	// DigestAlgorithm names the digest, e.g. "SHA256".
	DigestAlgorithm string

	// Key signs the container. Leave nil when the signature value is
	// supplied through SetExternalDigest.
	Key crypto.PrivateKey

	// InlineContentDigest embeds the content digest as encapsulated data,
	// as legacy adbe.pkcs7.sha1 signatures do.
	InlineContentDigest bool

	// ContentType and Content describe encapsulated content, used when
	// building timestamp tokens. ContentType defaults to id-data.
	ContentType asn1.ObjectIdentifier
	Content     []byte

	// SigningTime adds a signing-time attribute when non-zero.
	SigningTime time.Time

	// ESSVersion1 emits the SHA-1 ESS signing-certificate attribute instead
	// of signing-certificate-v2.
	ESSVersion1 bool
}

// New prepares a container for signing. It fails with MalformedData when
// the digest is unknown or the signer key is not RSA, DSA or ECDSA.
func New(opts BuildOptions) (*Container, error) {
	if len(opts.Chain) == 0 || opts.Chain[0] == nil {
		return nil, sigerr.Malformed("certificate chain is empty", nil)
	}
	digestOID, err := algorithms.DigestOID(opts.DigestAlgorithm)
	if err != nil {
		return nil, err
	}
	digestName, _ := algorithms.DigestName(digestOID)
	h, err := algorithms.HashForOID(digestOID)
	if err != nil {
		return nil, err
	}

	encName, err := keyAlgorithm(opts.Chain[0].PublicKey)
	if err != nil {
		return nil, err
	}
	if opts.Key != nil {
		if err := checkPrivateKey(opts.Key, encName); err != nil {
			return nil, err
		}
	}
	encOID, err := algorithms.SignatureOID(digestName, encName)
	if err != nil {
		return nil, err
	}

	contentType := opts.ContentType
	if contentType == nil {
		contentType = OIDData
	}

	c := &Container{
		version:        1,
		signerVersion:  1,
		digestOID:      digestOID,
		digestName:     digestName,
		hash:           h,
		encryptionOID:  encOID,
		encryptionName: encName,
		contentType:    contentType,
		eContent:       opts.Content,
		certs:          opts.Chain,
		signCert:       opts.Chain[0],
		signingTime:    opts.SigningTime,
		key:            opts.Key,
		hasRSAData:     opts.InlineContentDigest,
		messageDigest:  h.New(),
	}
	c.signChain = certvalidator.BuildChain(c.signCert, c.certs)
	c.essV1 = opts.ESSVersion1
	return c, nil
}

// AuthenticatedAttributeBytes returns the DER SET of authenticated
// attributes that the external signer must sign. contentDigest is the
// digest of the covered document bytes.
func (c *Container) AuthenticatedAttributeBytes(contentDigest []byte, ocsps, crls [][]byte, subFilter SubFilter) []byte {
	attrs := [][]byte{
		attribute(OIDContentType, der.OID(c.contentType)),
		attribute(OIDMessageDigest, der.OctetString(contentDigest)),
	}
	if !c.signingTime.IsZero() {
		attrs = append(attrs, attribute(OIDSigningTime, der.UTCTime(c.signingTime)))
	}
	ocsps = nonEmpty(ocsps)
	crls = nonEmpty(crls)
	if len(ocsps) > 0 || len(crls) > 0 {
		attrs = append(attrs, attribute(OIDAdobeRevocationInfo, revocationInfoArchival(ocsps, crls)))
	}
	if subFilter.IsCAdES() || c.essV1 || c.contentType.Equal(OIDTSTInfo) {
		if c.essV1 {
			attrs = append(attrs, attribute(OIDSigningCertificate, signingCertificateV1(c.signCert)))
		} else if v2, err := signingCertificateV2(c.signCert, c.digestName); err == nil {
			attrs = append(attrs, attribute(OIDSigningCertificateV2, v2))
		}
	}
	return der.Set(attrs...)
}

// SetExternalDigest installs a signature value computed outside the
// container. rsaData is the inline content digest for containers built with
// InlineContentDigest. encryptionAlgorithm, when set, must name the signer
// key algorithm.
func (c *Container) SetExternalDigest(signature, rsaData []byte, encryptionAlgorithm string) error {
	if encryptionAlgorithm != "" && algorithms.Normalize(encryptionAlgorithm) != c.encryptionName &&
		!(c.encryptionName == algorithms.ECDSA && algorithms.Normalize(encryptionAlgorithm) == "EC") {
		return sigerr.Malformed(fmt.Sprintf("external signature algorithm %s does not match %s key",
			encryptionAlgorithm, c.encryptionName), nil)
	}
	c.externalDigest = signature
	c.externalRSAData = rsaData
	return nil
}

// EncodeOptions controls final container assembly.
type EncodeOptions struct {
	// ContentDigest is the digest of the covered bytes. When nil the
	// container carries no authenticated attributes and the signature is
	// computed over the bytes fed through Update.
	ContentDigest []byte
	SubFilter     SubFilter
	OCSPs         [][]byte
	CRLs          [][]byte
	// TSA, when set, adds an RFC 3161 token over the signature value.
	TSA TokenSource
}

// Encode assembles the DER ContentInfo. The signature value is taken from
// SetExternalDigest, or computed with the private key.
func (c *Container) Encode(ctx context.Context, opts EncodeOptions) ([]byte, error) {
	c.subFilter = opts.SubFilter

	var attrs []byte
	if opts.ContentDigest != nil {
		attrs = c.AuthenticatedAttributeBytes(opts.ContentDigest, opts.OCSPs, opts.CRLs, opts.SubFilter)
	}

	switch {
	case c.externalDigest != nil:
		c.signature = c.externalDigest
		if c.hasRSAData {
			c.rsaData = c.externalRSAData
		}
	case c.key != nil:
		if c.hasRSAData {
			c.rsaData = c.messageDigest.Sum(nil)
		}
		var err error
		switch {
		case attrs != nil:
			c.signature, err = signData(c.key, c.hash, attrs)
		case c.rsaData != nil:
			c.signature, err = signData(c.key, c.hash, c.rsaData)
		default:
			c.signature, err = signHashed(c.key, c.hash, c.messageDigest.Sum(nil))
		}
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
	default:
		return nil, sigerr.Malformed("no private key and no external signature", nil)
	}

	encap := [][]byte{der.OID(c.contentType)}
	switch {
	case c.eContent != nil:
		encap = append(encap, der.Explicit(0, der.OctetString(c.eContent)))
	case c.rsaData != nil:
		encap = append(encap, der.Explicit(0, der.OctetString(c.rsaData)))
	}

	rawCerts := make([][]byte, len(c.certs))
	for i, cert := range c.certs {
		rawCerts[i] = cert.Raw
	}

	signerInfo := [][]byte{
		der.Int(int64(c.signerVersion)),
		der.Sequence(c.signCert.RawIssuer, der.Integer(c.signCert.SerialNumber)),
		der.AlgorithmIdentifier(c.digestOID, true),
	}
	if attrs != nil {
		c.authAttrs = attrs
		c.authAttrsDER = attrs
		c.digestAttr = opts.ContentDigest
		signerInfo = append(signerInfo, der.Retag(attrs, implicitSet(0)))
	}
	signerInfo = append(signerInfo,
		der.AlgorithmIdentifier(c.encryptionOID, c.encryptionName == algorithms.RSA),
		der.OctetString(c.signature),
	)

	if opts.TSA != nil {
		hh := opts.TSA.MessageDigest()
		hh.Write(c.signature)
		token, err := opts.TSA.GetTimeStampToken(ctx, hh.Sum(nil))
		if err != nil {
			return nil, fmt.Errorf("failed to get timestamp token: %w", err)
		}
		sp, err := der.Parse(token)
		if err != nil {
			return nil, sigerr.Malformed("timestamp token is not DER", err)
		}
		c.timestampToken = sp.Full
		if c.tstInfo, err = tstInfoFromToken(sp.Full); err != nil {
			return nil, err
		}
		unauth := der.Set(attribute(OIDTimeStampToken, sp.Full))
		signerInfo = append(signerInfo, der.Retag(unauth, implicitSet(1)))
	}

	body := der.Sequence(
		der.Int(int64(c.version)),
		der.Set(der.AlgorithmIdentifier(c.digestOID, true)),
		der.Sequence(encap...),
		der.Retag(der.Set(rawCerts...), implicitSet(0)),
		der.Set(der.Sequence(signerInfo...)),
	)
	c.ocsps = nonEmpty(opts.OCSPs)
	c.crls = nonEmpty(opts.CRLs)
	return der.Sequence(der.OID(OIDSignedData), der.Explicit(0, body)), nil
}

// EncodePKCS1 returns the adbe.x509.rsa_sha1 encoding: the signature value
// as an OCTET STRING.
func (c *Container) EncodePKCS1() ([]byte, error) {
	c.subFilter = SubFilterRSASHA1
	switch {
	case c.externalDigest != nil:
		c.signature = c.externalDigest
	case c.key != nil:
		sig, err := signHashed(c.key, c.hash, c.messageDigest.Sum(nil))
		if err != nil {
			return nil, fmt.Errorf("failed to sign: %w", err)
		}
		c.signature = sig
	default:
		return nil, sigerr.Malformed("no private key and no external signature", nil)
	}
	return der.OctetString(c.signature), nil
}

// Sign is the one-shot form of New, Update and Encode for a detached
// signature over data.
func Sign(ctx context.Context, opts BuildOptions, data []byte, subFilter SubFilter, tsa TokenSource) ([]byte, error) {
	c, err := New(opts)
	if err != nil {
		return nil, err
	}
	h := c.hash.New()
	h.Write(data)
	return c.Encode(ctx, EncodeOptions{ContentDigest: h.Sum(nil), SubFilter: subFilter, TSA: tsa})
}

func implicitSet(n int) der.Tag {
	return der.ContextTag(n, true)
}

func nonEmpty(blobs [][]byte) [][]byte {
	var out [][]byte
	for _, b := range blobs {
		if len(b) > 0 {
			out = append(out, b)
		}
	}
	return out
}

func keyAlgorithm(pub crypto.PublicKey) (string, error) {
	switch pub.(type) {
	case *rsa.PublicKey:
		return algorithms.RSA, nil
	case *ecdsa.PublicKey:
		return algorithms.ECDSA, nil
	case *dsa.PublicKey:
		return algorithms.DSA, nil
	}
	return "", sigerr.Malformed(fmt.Sprintf("unsupported key type %T", pub), nil)
}

func checkPrivateKey(key crypto.PrivateKey, want string) error {
	var got string
	var err error
	switch k := key.(type) {
	case *dsa.PrivateKey:
		got = algorithms.DSA
	case crypto.Signer:
		got, err = keyAlgorithm(k.Public())
	default:
		err = sigerr.Malformed(fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	if err != nil {
		return err
	}
	if got != want {
		return sigerr.Malformed(fmt.Sprintf("private key type %s does not match certificate key %s", got, want), nil)
	}
	return nil
}

func signData(key crypto.PrivateKey, h crypto.Hash, data []byte) ([]byte, error) {
	hh := h.New()
	hh.Write(data)
	return signHashed(key, h, hh.Sum(nil))
}

func signHashed(key crypto.PrivateKey, h crypto.Hash, hashed []byte) ([]byte, error) {
	switch k := key.(type) {
	case *dsa.PrivateKey:
		r, s, err := dsa.Sign(rand.Reader, k, truncateForDSA(hashed, k.Q.BitLen()))
		if err != nil {
			return nil, err
		}
		return der.Sequence(der.Integer(r), der.Integer(s)), nil
	case crypto.Signer:
		return k.Sign(rand.Reader, hashed, h)
	}
	return nil, sigerr.Malformed(fmt.Sprintf("unsupported private key type %T", key), nil)
}
