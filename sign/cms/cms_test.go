package cms

import (
	"bytes"
	"context"
	"crypto"
	"crypto/dsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"hash"
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsig/internal/testpki"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

var testDocument = []byte("%PDF-1.7\n1 0 obj << /Type /Catalog >> endobj\n%%EOF\n")

// testTSA issues RFC 3161 tokens in process.
type testTSA struct {
	authority *testpki.Authority
	genTime   time.Time
}

func (a *testTSA) MessageDigest() hash.Hash { return sha256.New() }

func (a *testTSA) GetTimeStampToken(ctx context.Context, imprint []byte) ([]byte, error) {
	info := &TSTInfo{
		Policy:        asn1.ObjectIdentifier{1, 2, 3, 4, 1},
		HashAlgorithm: algorithms.OIDSHA256,
		HashedMessage: imprint,
		SerialNumber:  big.NewInt(42),
		GenTime:       a.genTime,
	}
	content := info.Encode()
	c, err := New(BuildOptions{
		Chain:           []*x509.Certificate{a.authority.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             a.authority.Key,
		ContentType:     OIDTSTInfo,
		Content:         content,
	})
	if err != nil {
		return nil, err
	}
	digest := sha256.Sum256(content)
	return c.Encode(ctx, EncodeOptions{ContentDigest: digest[:]})
}

func sha256Digest(data []byte) []byte {
	d := sha256.Sum256(data)
	return d[:]
}

func parseAndVerify(t *testing.T, raw []byte, subFilter SubFilter, data []byte) (*Container, bool) {
	t.Helper()
	c, err := Parse(raw, subFilter)
	require.NoError(t, err)
	c.Update(data)
	ok, err := c.Verify()
	require.NoError(t, err)
	return c, ok
}

// signedDataWith rebuilds raw with the certificate set and signer infos
// replaced.
func signedDataWith(t *testing.T, raw []byte, certs []byte, signerInfos ...[]byte) []byte {
	t.Helper()
	top, err := der.Parse(raw)
	require.NoError(t, err)
	sd, err := signedDataFields(top)
	require.NoError(t, err)

	fields := [][]byte{sd[0].Full, sd[1].Full, sd[2].Full}
	if certs != nil {
		fields = append(fields, certs)
	}
	fields = append(fields, der.Set(signerInfos...))
	return der.Sequence(der.OID(OIDSignedData), der.Explicit(0, der.Sequence(fields...)))
}

func firstSignerInfo(t *testing.T, raw []byte) der.Span {
	t.Helper()
	top, err := der.Parse(raw)
	require.NoError(t, err)
	sd, err := signedDataFields(top)
	require.NoError(t, err)
	set, err := sd[len(sd)-1].Set()
	require.NoError(t, err)
	require.Len(t, set, 1)
	return set[0]
}

func TestSignRSASelfSignedRoundTrip(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer", testpki.WithRSA())

	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: "SHA-256",
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)

	firstSignerInfo(t, raw)

	padded := append(append([]byte{}, raw...), make([]byte, 512)...)
	c, ok := parseAndVerify(t, padded, SubFilterPKCS7Detached, testDocument)
	assert.True(t, ok)
	assert.Equal(t, algorithms.SHA256, c.DigestAlgorithm())
	assert.Equal(t, algorithms.RSA, c.EncryptionAlgorithm())
	assert.Equal(t, signer.Cert.Raw, c.SignCertificate().Raw)
	assert.Len(t, c.SignCertificateChain(), 1)
	assert.Empty(t, c.CRLs())
	assert.Empty(t, c.OCSPs())
	assert.Nil(t, c.TimestampToken())
	assert.False(t, bytes.Contains(c.AuthenticatedAttributes(), der.OID(OIDAdobeRevocationInfo)))
}

func TestVerifyIsMemoized(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)

	c, err := Parse(raw, SubFilterPKCS7Detached)
	require.NoError(t, err)
	assert.False(t, c.State().IsVerified())
	assert.Equal(t, "Unverified", c.State().String())

	c.Update(testDocument)
	first, err := c.Verify()
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, Verified(true, nil), c.State())

	c.Update([]byte("more bytes"))
	second, err := c.Verify()
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestVerifyDetectsModifiedContent(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA384,
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)

	tampered := append([]byte{}, testDocument...)
	tampered[3] ^= 0xff
	_, ok := parseAndVerify(t, raw, SubFilterPKCS7Detached, tampered)
	assert.False(t, ok)
}

func TestEmbeddedRevocationInformation(t *testing.T) {
	ctx := context.Background()
	root := testpki.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf")
	crl := root.CRL(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))

	c, err := New(BuildOptions{
		Chain:           testpki.Chain(leaf, root),
		DigestAlgorithm: algorithms.SHA256,
		Key:             leaf.Key,
	})
	require.NoError(t, err)
	raw, err := c.Encode(ctx, EncodeOptions{
		ContentDigest: sha256Digest(testDocument),
		SubFilter:     SubFilterPKCS7Detached,
		CRLs:          [][]byte{crl, nil},
	})
	require.NoError(t, err)

	parsed, ok := parseAndVerify(t, raw, SubFilterPKCS7Detached, testDocument)
	assert.True(t, ok)
	require.Len(t, parsed.CRLs(), 1)
	assert.Equal(t, crl, parsed.CRLs()[0])
	assert.Empty(t, parsed.OCSPs())
	assert.Len(t, parsed.Certificates(), 2)
	assert.Equal(t, []*x509.Certificate{parsed.Certificates()[0], parsed.Certificates()[1]}, parsed.SignCertificateChain())
}

func TestCAdESCarriesSigningCertificateV2(t *testing.T) {
	ctx := context.Background()
	root := testpki.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf")

	for _, digest := range []string{algorithms.SHA256, algorithms.SHA512} {
		t.Run(digest, func(t *testing.T) {
			raw, err := Sign(ctx, BuildOptions{
				Chain:           testpki.Chain(leaf, root),
				DigestAlgorithm: digest,
				Key:             leaf.Key,
				SigningTime:     time.Now(),
			}, testDocument, SubFilterCAdESDetached, nil)
			require.NoError(t, err)

			c, err := Parse(raw, SubFilterCAdESDetached)
			require.NoError(t, err)
			c.Update(testDocument)
			ok, err := c.Verify()
			require.NoError(t, err)
			assert.True(t, ok)
			assert.True(t, bytes.Contains(c.AuthenticatedAttributes(), der.OID(OIDSigningCertificateV2)))
			assert.False(t, c.SigningTime().IsZero())
			assert.Equal(t, c.SigningTime(), c.SignDate())
		})
	}
}

func TestCAdESWithoutESSIsMalformed(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)

	_, err = Parse(raw, SubFilterCAdESDetached)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
}

func TestSigningCertificateMismatch(t *testing.T) {
	signer := testpki.SelfSigned(t, "Signer")
	other := testpki.SelfSigned(t, "Other")

	for _, v2 := range []bool{true, false} {
		var value []byte
		if v2 {
			var err error
			value, err = signingCertificateV2(other.Cert, algorithms.SHA384)
			require.NoError(t, err)
		} else {
			value = signingCertificateV1(other.Cert)
		}
		sp, err := der.Parse(value)
		require.NoError(t, err)

		err = checkSigningCertificate(sp, signer.Cert, v2)
		assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
		assert.NoError(t, checkSigningCertificate(sp, other.Cert, v2))
	}
}

func TestESSVersion1(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
		ESSVersion1:     true,
	}, testDocument, SubFilterCAdESDetached, nil)
	require.NoError(t, err)

	c, ok := parseAndVerify(t, raw, SubFilterCAdESDetached, testDocument)
	assert.True(t, ok)
	assert.True(t, bytes.Contains(c.AuthenticatedAttributes(), der.OID(OIDSigningCertificate)))
}

func TestParseRejectsMultipleSignerInfos(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)

	si := firstSignerInfo(t, raw)
	certs := der.Retag(der.Set(signer.Cert.Raw), implicitSet(0))
	other := append([]byte{}, si.Full...)
	other[len(other)-1] ^= 0x01

	_, err = Parse(signedDataWith(t, raw, certs, si.Full, other), SubFilterPKCS7Detached)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
	assert.Contains(t, err.Error(), "more than one signer info")
}

func TestParseRequiresSignerCertificate(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)

	si := firstSignerInfo(t, raw)
	_, err = Parse(signedDataWith(t, raw, nil, si.Full), SubFilterPKCS7Detached)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
}

func TestParseRejectsNonSignedData(t *testing.T) {
	raw := der.Sequence(der.OID(OIDData), der.Explicit(0, der.OctetString([]byte("x"))))
	_, err := Parse(raw, SubFilterPKCS7Detached)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))

	_, err = Parse([]byte{0x30, 0x80}, SubFilterPKCS7Detached)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))

	_, err = Parse(raw, SubFilterRSASHA1)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
}

func TestExternalSignature(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")

	c, err := New(BuildOptions{Chain: []*x509.Certificate{signer.Cert}, DigestAlgorithm: algorithms.SHA256})
	require.NoError(t, err)

	digest := sha256Digest(testDocument)
	attrs := c.AuthenticatedAttributeBytes(digest, nil, nil, SubFilterCAdESDetached)
	sig, err := signer.Key.Sign(rand.Reader, sha256Digest(attrs), crypto.SHA256)
	require.NoError(t, err)

	require.Error(t, c.SetExternalDigest(sig, nil, algorithms.RSA))
	require.NoError(t, c.SetExternalDigest(sig, nil, "EC"))

	raw, err := c.Encode(ctx, EncodeOptions{ContentDigest: digest, SubFilter: SubFilterCAdESDetached})
	require.NoError(t, err)

	_, ok := parseAndVerify(t, raw, SubFilterCAdESDetached, testDocument)
	assert.True(t, ok)
}

func TestEncodeWithoutKeyOrSignature(t *testing.T) {
	signer := testpki.SelfSigned(t, "Signer")
	c, err := New(BuildOptions{Chain: []*x509.Certificate{signer.Cert}, DigestAlgorithm: algorithms.SHA256})
	require.NoError(t, err)
	_, err = c.Encode(context.Background(), EncodeOptions{ContentDigest: sha256Digest(testDocument)})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
}

func TestNewRejectsUnsupportedInputs(t *testing.T) {
	signer := testpki.SelfSigned(t, "Signer")

	_, err := New(BuildOptions{Chain: []*x509.Certificate{signer.Cert}, DigestAlgorithm: "MD5"})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))

	_, err = New(BuildOptions{DigestAlgorithm: algorithms.SHA256})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(7),
		Subject:      pkix.Name{CommonName: "Ed25519"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	edRaw, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, priv)
	require.NoError(t, err)
	edCert, err := x509.ParseCertificate(edRaw)
	require.NoError(t, err)

	_, err = New(BuildOptions{Chain: []*x509.Certificate{edCert}, DigestAlgorithm: algorithms.SHA256})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))

	rsaSigner := testpki.SelfSigned(t, "RSA", testpki.WithRSA())
	_, err = New(BuildOptions{Chain: []*x509.Certificate{signer.Cert}, DigestAlgorithm: algorithms.SHA256, Key: rsaSigner.Key})
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData), "private key must match certificate")
}

func TestTimestampTokenOverSignature(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer")
	tsa := &testTSA{authority: testpki.SelfSigned(t, "TSA"), genTime: time.Now().Add(-time.Minute).Truncate(time.Second)}

	raw, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
	}, testDocument, SubFilterCAdESDetached, tsa)
	require.NoError(t, err)

	c, ok := parseAndVerify(t, raw, SubFilterCAdESDetached, testDocument)
	assert.True(t, ok)
	require.NotNil(t, c.TimestampToken())
	assert.True(t, c.TimestampDate().Equal(tsa.genTime))
	assert.True(t, c.SignDate().Equal(tsa.genTime))

	imprintOK, err := c.VerifyTimestampImprint()
	require.NoError(t, err)
	assert.True(t, imprintOK)

	token, err := Parse(c.TimestampToken(), SubFilterRFC3161)
	require.NoError(t, err)
	token.Update(c.SignatureValue())
	ok, err = token.Verify()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDocumentTimestamp(t *testing.T) {
	ctx := context.Background()
	tsa := &testTSA{authority: testpki.SelfSigned(t, "TSA"), genTime: time.Now().Truncate(time.Second)}
	token, err := tsa.GetTimeStampToken(ctx, sha256Digest(testDocument))
	require.NoError(t, err)

	c, ok := parseAndVerify(t, token, SubFilterRFC3161, testDocument)
	assert.True(t, ok)
	assert.True(t, c.IsTimestampToken())
	assert.Equal(t, token, c.TimestampToken())
	assert.Equal(t, "TSA", c.SignCertificate().Subject.CommonName)

	imprintOK, err := c.VerifyTimestampImprint()
	require.NoError(t, err)
	assert.False(t, imprintOK)

	_, ok = parseAndVerify(t, token, SubFilterRFC3161, []byte("other document"))
	assert.False(t, ok)

	signer := testpki.SelfSigned(t, "Signer")
	plain, err := Sign(ctx, BuildOptions{
		Chain:           []*x509.Certificate{signer.Cert},
		DigestAlgorithm: algorithms.SHA256,
		Key:             signer.Key,
	}, testDocument, SubFilterPKCS7Detached, nil)
	require.NoError(t, err)
	_, err = Parse(plain, SubFilterRFC3161)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
}

func TestRSASHA1RoundTrip(t *testing.T) {
	signer := testpki.SelfSigned(t, "Signer", testpki.WithRSA())
	c, err := New(BuildOptions{Chain: []*x509.Certificate{signer.Cert}, DigestAlgorithm: algorithms.SHA1, Key: signer.Key})
	require.NoError(t, err)
	c.Update(testDocument)
	raw, err := c.EncodePKCS1()
	require.NoError(t, err)

	parsed, err := ParseRSASHA1(raw, signer.Cert.Raw)
	require.NoError(t, err)
	assert.Equal(t, SubFilterRSASHA1, parsed.SubFilter())
	parsed.Update(testDocument)
	ok, err := parsed.Verify()
	require.NoError(t, err)
	assert.True(t, ok)

	ec := testpki.SelfSigned(t, "EC")
	_, err = ParseRSASHA1(raw, ec.Cert.Raw)
	assert.True(t, errors.Is(err, sigerr.ErrMalformedData))
}

func TestInlineContentDigest(t *testing.T) {
	ctx := context.Background()
	signer := testpki.SelfSigned(t, "Signer", testpki.WithRSA())
	c, err := New(BuildOptions{
		Chain:               []*x509.Certificate{signer.Cert},
		DigestAlgorithm:     algorithms.SHA1,
		Key:                 signer.Key,
		InlineContentDigest: true,
	})
	require.NoError(t, err)
	c.Update(testDocument)
	raw, err := c.Encode(ctx, EncodeOptions{SubFilter: SubFilterPKCS7Detached})
	require.NoError(t, err)

	_, ok := parseAndVerify(t, raw, SubFilterPKCS7Detached, testDocument)
	assert.True(t, ok)
	_, ok = parseAndVerify(t, raw, SubFilterPKCS7Detached, []byte("different"))
	assert.False(t, ok)
}

func TestDSADigestSignature(t *testing.T) {
	var params dsa.Parameters
	require.NoError(t, dsa.GenerateParameters(&params, rand.Reader, dsa.L1024N160))
	key := &dsa.PrivateKey{PublicKey: dsa.PublicKey{Parameters: params}}
	require.NoError(t, dsa.GenerateKey(key, rand.Reader))

	hashed := sha256Digest(testDocument)
	sig, err := signHashed(key, crypto.SHA256, hashed)
	require.NoError(t, err)

	ok, err := verifyDigest(&key.PublicKey, crypto.SHA256, hashed, sig)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = verifyDigest(&key.PublicKey, crypto.SHA256, sha256Digest([]byte("x")), sig)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSubFilters(t *testing.T) {
	sf, err := ParseSubFilter("ETSI.CAdES.detached")
	require.NoError(t, err)
	assert.True(t, sf.IsCAdES())
	assert.False(t, sf.IsTimestamp())
	assert.True(t, SubFilterRFC3161.IsTimestamp())

	_, err = ParseSubFilter("adbe.pkcs7.sha1")
	assert.Error(t, err)
}

func TestTSTInfoEncodeParse(t *testing.T) {
	genTime := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)
	info := &TSTInfo{
		Policy:        asn1.ObjectIdentifier{1, 2, 3},
		HashAlgorithm: algorithms.OIDSHA256,
		HashedMessage: sha256Digest(testDocument),
		SerialNumber:  big.NewInt(99),
		GenTime:       genTime,
		Nonce:         big.NewInt(12345),
	}
	parsed, err := ParseTSTInfo(info.Encode())
	require.NoError(t, err)
	assert.Equal(t, 1, parsed.Version)
	assert.True(t, parsed.GenTime.Equal(genTime))
	assert.Equal(t, int64(12345), parsed.Nonce.Int64())
	assert.Equal(t, info.HashedMessage, parsed.HashedMessage)
}
