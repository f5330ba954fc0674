package cms

import (
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"hash"
	"io"
	"time"
)

// Container is a parsed or in-construction CMS SignedData with exactly one
// SignerInfo. It is immutable after construction apart from the running
// content digest fed through Update and the one-shot verification memo.
type Container struct {
	subFilter SubFilter

	version       int
	signerVersion int

	digestOID      asn1.ObjectIdentifier
	digestName     string
	hash           crypto.Hash
	encryptionOID  asn1.ObjectIdentifier
	encryptionName string

	contentType asn1.ObjectIdentifier
	eContent    []byte

	certs     []*x509.Certificate
	signCert  *x509.Certificate
	signChain []*x509.Certificate

	// signature holds the signed digest bytes of the SignerInfo.
	signature []byte
	// rsaData is the inline content digest of legacy adbe.pkcs7.sha1 style
	// containers.
	rsaData []byte

	// authAttrs is the authenticated attribute SET as encoded in the
	// container, retagged to a universal SET. authAttrsDER is its sorted DER
	// re-encoding.
	authAttrs    []byte
	authAttrsDER []byte
	digestAttr   []byte
	signingTime  time.Time

	crls  [][]byte
	ocsps [][]byte

	timestampToken []byte
	tstInfo        *TSTInfo

	isTSP bool

	messageDigest hash.Hash
	encContDigest hash.Hash

	// build-only state
	key             crypto.PrivateKey
	externalDigest  []byte
	externalRSAData []byte
	hasRSAData      bool
	essV1           bool

	state VerifyState
}

// SubFilter returns the encoding the container was parsed or built for.
func (c *Container) SubFilter() SubFilter {
	return c.subFilter
}

// Version returns the SignedData version.
func (c *Container) Version() int {
	return c.version
}

// SignerVersion returns the SignerInfo version.
func (c *Container) SignerVersion() int {
	return c.signerVersion
}

// DigestAlgorithm returns the canonical digest name, e.g. "SHA256".
func (c *Container) DigestAlgorithm() string {
	return c.digestName
}

// DigestAlgorithmOID returns the SignerInfo digest algorithm OID.
func (c *Container) DigestAlgorithmOID() asn1.ObjectIdentifier {
	return c.digestOID
}

// Hash returns the Go hash matching DigestAlgorithm.
func (c *Container) Hash() crypto.Hash {
	return c.hash
}

// EncryptionAlgorithm returns the key algorithm name: RSA, DSA or ECDSA.
func (c *Container) EncryptionAlgorithm() string {
	return c.encryptionName
}

// EncryptionAlgorithmOID returns the SignerInfo signature algorithm OID.
func (c *Container) EncryptionAlgorithmOID() asn1.ObjectIdentifier {
	return c.encryptionOID
}

// Certificates returns every certificate carried by the container.
func (c *Container) Certificates() []*x509.Certificate {
	return c.certs
}

// SignCertificate returns the certificate identified by the SignerInfo.
func (c *Container) SignCertificate() *x509.Certificate {
	return c.signCert
}

// SignCertificateChain returns the signer certificate followed by the
// issuers found among Certificates, leaf first.
func (c *Container) SignCertificateChain() []*x509.Certificate {
	return c.signChain
}

// SignatureValue returns the signed digest bytes of the SignerInfo.
func (c *Container) SignatureValue() []byte {
	return c.signature
}

// AuthenticatedAttributes returns the signed attribute SET, or nil.
func (c *Container) AuthenticatedAttributes() []byte {
	return c.authAttrs
}

// CRLs returns the DER CRLs embedded in the revocation archival attribute
// and the SignedData crls field.
func (c *Container) CRLs() [][]byte {
	return c.crls
}

// OCSPs returns the DER OCSP responses embedded in the revocation archival
// attribute.
func (c *Container) OCSPs() [][]byte {
	return c.ocsps
}

// SigningTime returns the signing-time attribute, or the zero time.
func (c *Container) SigningTime() time.Time {
	return c.signingTime
}

// IsTimestampToken reports whether the container is itself an RFC 3161
// token.
func (c *Container) IsTimestampToken() bool {
	return c.isTSP
}

// TimestampToken returns the raw unauthenticated timestamp token. For
// RFC 3161 containers it is the container encoding itself.
func (c *Container) TimestampToken() []byte {
	return c.timestampToken
}

// TSTInfo returns the parsed timestamp info, or nil when there is none.
func (c *Container) TSTInfo() *TSTInfo {
	return c.tstInfo
}

// TimestampDate returns the timestamp genTime, or the zero time.
func (c *Container) TimestampDate() time.Time {
	if c.tstInfo == nil {
		return time.Time{}
	}
	return c.tstInfo.GenTime
}

// SignDate returns the best known signing date: the timestamp genTime when
// present, else the signing-time attribute.
func (c *Container) SignDate() time.Time {
	if t := c.TimestampDate(); !t.IsZero() {
		return t
	}
	return c.signingTime
}

// State returns the verification memo.
func (c *Container) State() VerifyState {
	return c.state
}

// Update feeds covered document bytes into the running digest.
func (c *Container) Update(p []byte) {
	c.messageDigest.Write(p)
}

// UpdateFrom feeds all of r into the running digest.
func (c *Container) UpdateFrom(r io.Reader) error {
	_, err := io.Copy(c.messageDigest, r)
	return err
}
