package validation

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/internal/testpki"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/dss"
	"github.com/georgepadayatti/gopdfsig/sign/timestamps"
)

type revisionOptions struct {
	signingTime time.Time
	tsa         cms.TokenSource
	dss         *dss.Evidence
	prior       *StaticRevision
}

// signRevision signs data with signer and wraps the padded container as a
// revision covering data.
func signRevision(t *testing.T, name string, signer *testpki.Authority, chain []*x509.Certificate, data []byte, opts revisionOptions) *StaticRevision {
	t.Helper()
	raw, err := cms.Sign(context.Background(), cms.BuildOptions{
		Chain:           chain,
		DigestAlgorithm: "SHA256",
		Key:             signer.Key,
		SigningTime:     opts.signingTime,
	}, data, cms.SubFilterPKCS7Detached, opts.tsa)
	require.NoError(t, err)
	return &StaticRevision{
		Name:          name,
		Contents:      append(raw, make([]byte, 128)...),
		SubFilter:     cms.SubFilterPKCS7Detached,
		Signed:        data,
		WholeRevision: true,
		DSS:           opts.dss,
		Prior:         opts.prior,
	}
}

func fixedNow(now time.Time) func() time.Time {
	return func() time.Time { return now }
}

func TestLtvWalkerMultiRevision(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	stamped := now.Add(-2 * time.Hour)
	root := testpki.NewRoot(t, "Walk Root")
	first := root.Issue(t, "First Signer")
	second := root.Issue(t, "Second Signer")

	tsaRoot := testpki.NewRoot(t, "TSA Root")
	tsaUnit := tsaRoot.Issue(t, "TSA Unit")
	tsa := timestamps.NewLocalTSA(tsaUnit.Cert, tsaUnit.Key)
	tsa.Now = fixedNow(stamped)

	rev1 := signRevision(t, "Signature1", first, testpki.Chain(first, root), []byte("revision one"), revisionOptions{
		signingTime: stamped.Add(-time.Hour),
		dss: &dss.Evidence{
			CRLs: [][]byte{root.CRL(t, stamped.Add(-time.Hour), stamped.Add(time.Hour))},
		},
	})
	rev2 := signRevision(t, "Signature2", second, testpki.Chain(second, root), []byte("revision one, revision two"), revisionOptions{
		tsa: tsa,
		dss: &dss.Evidence{
			OCSPs: [][]byte{root.OCSP(t, second.Cert, ocsp.Good, now.Add(-time.Minute), now.Add(time.Hour))},
		},
		prior: rev1,
	})

	walker := NewLtvWalker(nil, nil)
	walker.Now = fixedNow(now)
	results, err := walker.Verify(context.Background(), rev2)
	require.NoError(t, err)
	require.Len(t, results, 2)

	assert.Equal(t, "Signature2", results[0].Name)
	assert.Equal(t, TimeSourceCurrentTime, results[0].TimeSource)
	assert.True(t, results[0].SignDate.Equal(now))
	require.Len(t, results[0].Evidence, 1)
	assert.Equal(t, certvalidator.OCSPVerifierName, results[0].Evidence[0].Verifier)

	assert.Equal(t, "Signature1", results[1].Name)
	assert.Equal(t, TimeSourceEmbeddedTimestamp, results[1].TimeSource)
	assert.True(t, results[1].TimeSource.IsTrusted())
	assert.True(t, results[1].SignDate.Equal(stamped), "got %s", results[1].SignDate)
	require.Len(t, results[1].Evidence, 1)
	assert.Equal(t, certvalidator.CRLVerifierName, results[1].Evidence[0].Verifier)
	assert.Equal(t, first.Cert.Raw, results[1].Evidence[0].Certificate.Raw)
}

func TestLtvWalkerUsesSigningTimeWithoutTimestamp(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	signed := now.Add(-3 * time.Hour)
	root := testpki.NewRoot(t, "Walk Root")
	leaf := root.Issue(t, "Signer")

	rev1 := signRevision(t, "Signature1", leaf, testpki.Chain(leaf, root), []byte("v1"), revisionOptions{
		dss: &dss.Evidence{OCSPs: [][]byte{root.OCSP(t, leaf.Cert, ocsp.Good, signed.Add(-time.Minute), signed.Add(time.Minute))}},
	})
	rev2 := signRevision(t, "Signature2", leaf, testpki.Chain(leaf, root), []byte("v1 v2"), revisionOptions{
		signingTime: signed,
		dss:         &dss.Evidence{CRLs: [][]byte{root.CRL(t, now.Add(-time.Hour), now.Add(time.Hour))}},
		prior:       rev1,
	})

	walker := NewLtvWalker(nil, nil)
	walker.Now = fixedNow(now)
	results, err := walker.Verify(context.Background(), rev2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, TimeSourceSignatureTime, results[1].TimeSource)
	assert.False(t, results[1].TimeSource.IsTrusted())
	assert.True(t, results[1].SignDate.Equal(signed))
}

func TestLtvWalkerEvidenceRules(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	root := testpki.NewRoot(t, "Walk Root")
	leaf := root.Issue(t, "Signer")
	self := testpki.SelfSigned(t, "Self Signer")
	data := []byte("document")

	t.Run("revoked in DSS", func(t *testing.T) {
		rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf, root), data, revisionOptions{
			dss: &dss.Evidence{CRLs: [][]byte{root.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), leaf.Cert.SerialNumber)}},
		})
		walker := NewLtvWalker(nil, nil)
		walker.Now = fixedNow(now)
		results, err := walker.Verify(context.Background(), rev)
		assert.True(t, errors.Is(err, sigerr.ErrRevocationProven))
		assert.Empty(t, results)
	})

	t.Run("no evidence for issued certificate", func(t *testing.T) {
		rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf, root), data, revisionOptions{})
		walker := NewLtvWalker(nil, nil)
		_, err := walker.Verify(context.Background(), rev)
		assert.True(t, errors.Is(err, sigerr.ErrInsufficientEvidence))
		var sigErr *sigerr.Error
		require.True(t, errors.As(err, &sigErr))
		assert.Equal(t, "Signer", sigErr.Subject)
	})

	t.Run("self-signed tolerated", func(t *testing.T) {
		rev := signRevision(t, "Signature1", self, testpki.Chain(self), data, revisionOptions{})
		results, err := NewLtvWalker(nil, nil).Verify(context.Background(), rev)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Empty(t, results[0].Evidence)
	})

	t.Run("self-signed rejected when root verification is demanded", func(t *testing.T) {
		rev := signRevision(t, "Signature1", self, testpki.Chain(self), data, revisionOptions{})
		walker := NewLtvWalker(nil, nil)
		walker.VerifyRootCertificate = true
		_, err := walker.Verify(context.Background(), rev)
		assert.True(t, errors.Is(err, sigerr.ErrInsufficientEvidence))
	})

	t.Run("self-signed trusted root", func(t *testing.T) {
		rev := signRevision(t, "Signature1", self, testpki.Chain(self), data, revisionOptions{})
		walker := NewLtvWalker(certvalidator.NewRootStore(self.Cert), nil)
		walker.VerifyRootCertificate = true
		results, err := walker.Verify(context.Background(), rev)
		require.NoError(t, err)
		require.Len(t, results[0].Evidence, 1)
		assert.Equal(t, certvalidator.RootVerifierName, results[0].Evidence[0].Verifier)
	})

	t.Run("chain ending below a trust anchor", func(t *testing.T) {
		rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf), data, revisionOptions{})
		results, err := NewLtvWalker(certvalidator.NewRootStore(root.Cert), nil).Verify(context.Background(), rev)
		require.NoError(t, err)
		require.Len(t, results[0].Evidence, 1)
		assert.Equal(t, certvalidator.RootVerifierName, results[0].Evidence[0].Verifier)
	})

	t.Run("chain ending below an unknown issuer", func(t *testing.T) {
		rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf), data, revisionOptions{})
		_, err := NewLtvWalker(nil, nil).Verify(context.Background(), rev)
		assert.True(t, errors.Is(err, sigerr.ErrCertificateInvalid))
	})

	t.Run("whole chain marks untrusted root in final revision", func(t *testing.T) {
		rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf, root), data, revisionOptions{
			dss: &dss.Evidence{OCSPs: [][]byte{root.OCSP(t, leaf.Cert, ocsp.Good, now.Add(-time.Minute), now.Add(time.Hour))}},
		})
		walker := NewLtvWalker(nil, nil)
		walker.Now = fixedNow(now)
		walker.CertificateOption = dss.WholeChain
		walker.VerifyRootCertificate = true
		results, err := walker.Verify(context.Background(), rev)
		require.NoError(t, err)
		require.Len(t, results[0].Evidence, 2)
		assert.Equal(t, WalkerName, results[0].Evidence[1].Verifier)
		assert.Equal(t, "Root certificate in final revision", results[0].Evidence[1].Message)
	})

	t.Run("external verifier", func(t *testing.T) {
		rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf, root), data, revisionOptions{})
		walker := NewLtvWalker(nil, nil)
		walker.Now = fixedNow(now)
		walker.Verifier = certvalidator.NewOCSPVerifier(nil, certvalidator.OCSPClientFunc(
			func(_ context.Context, cert, _ *x509.Certificate, _ string) ([]byte, error) {
				return root.OCSP(t, cert, ocsp.Good, now.Add(-time.Minute), now.Add(time.Hour)), nil
			}), nil, nil)
		results, err := walker.Verify(context.Background(), rev)
		require.NoError(t, err)
		require.Len(t, results[0].Evidence, 1)
		assert.Contains(t, results[0].Evidence[0].Message, "(online)")
	})
}

func TestLtvWalkerRejectsModifiedRevisions(t *testing.T) {
	self := testpki.SelfSigned(t, "Self Signer")

	partial := signRevision(t, "Signature1", self, testpki.Chain(self), []byte("data"), revisionOptions{})
	partial.WholeRevision = false
	_, err := NewLtvWalker(nil, nil).Verify(context.Background(), partial)
	assert.True(t, errors.Is(err, sigerr.ErrDocumentModified))

	tampered := signRevision(t, "Signature1", self, testpki.Chain(self), []byte("data"), revisionOptions{})
	tampered.Signed = []byte("DATA")
	_, err = NewLtvWalker(nil, nil).Verify(context.Background(), tampered)
	assert.True(t, errors.Is(err, sigerr.ErrDocumentModified))

	// A broken earlier revision stops the walk after the latest result.
	bad := signRevision(t, "Signature1", self, testpki.Chain(self), []byte("data"), revisionOptions{})
	bad.Signed = []byte("other")
	latest := signRevision(t, "Signature2", self, testpki.Chain(self), []byte("data2"), revisionOptions{prior: bad})
	results, err := NewLtvWalker(nil, nil).Verify(context.Background(), latest)
	assert.True(t, errors.Is(err, sigerr.ErrDocumentModified))
	require.Len(t, results, 1)
	assert.Equal(t, "Signature2", results[0].Name)

	_, err = NewLtvWalker(nil, nil).Verify(context.Background(), nil)
	assert.True(t, errors.Is(err, ErrNoSignatures))
}

func TestLtvWalkerReadsWrittenDSS(t *testing.T) {
	now := time.Now().UTC().Truncate(time.Second)
	root := testpki.NewRoot(t, "Walk Root")
	leaf := root.Issue(t, "Signer")
	data := []byte("document with DSS")

	rev := signRevision(t, "Signature1", leaf, testpki.Chain(leaf, root), data, revisionOptions{})
	doc := dss.NewMemoryDocument()
	doc.AddSignature(rev.Name, rev.Contents, rev.SubFilter)

	writer := dss.NewLtvWriter(doc)
	ok, err := writer.AddVerification(context.Background(), rev.Name,
		certvalidator.OCSPClientFunc(func(_ context.Context, cert, _ *x509.Certificate, _ string) ([]byte, error) {
			return root.OCSP(t, cert, ocsp.Good, now.Add(-time.Minute), now.Add(time.Hour)), nil
		}), nil, dss.SigningCertificate, dss.LevelOCSP, dss.InclusionYes)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, writer.Merge())

	latest, err := LatestRevision(doc, map[string][]byte{rev.Name: data})
	require.NoError(t, err)
	walker := NewLtvWalker(nil, nil)
	walker.Now = fixedNow(now)
	results, err := walker.Verify(context.Background(), latest)
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Len(t, results[0].Evidence, 1)
	assert.Equal(t, certvalidator.OCSPVerifierName, results[0].Evidence[0].Verifier)

	_, err = LatestRevision(dss.NewMemoryDocument(), nil)
	assert.True(t, errors.Is(err, ErrNoSignatures))
}
