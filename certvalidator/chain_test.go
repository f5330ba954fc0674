package certvalidator

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopdfsig/internal/testpki"
	"github.com/georgepadayatti/gopdfsig/sigerr"
)

func TestBuildChainOrdersLeafFirst(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	int1 := root.Issue(t, "Intermediate 1", testpki.AsCA())
	int2 := int1.Issue(t, "Intermediate 2", testpki.AsCA())
	leaf := int2.Issue(t, "Leaf")
	unrelated := testpki.NewRoot(t, "Unrelated")

	pool := testpki.Chain(root, int1, int2, leaf, unrelated, int1)
	for i := 0; i < 5; i++ {
		rand.Shuffle(len(pool), func(a, b int) { pool[a], pool[b] = pool[b], pool[a] })

		chain := BuildChain(leaf.Cert, pool)
		require.Len(t, chain, 4)
		assert.Equal(t, leaf.Cert, chain[0])
		assert.Equal(t, int2.Cert, chain[1])
		assert.Equal(t, int1.Cert, chain[2])
		assert.Equal(t, root.Cert, chain[3])
	}
}

func TestBuildChainStopsWithoutIssuer(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf")

	chain := BuildChain(leaf.Cert, nil)
	assert.Equal(t, []*x509.Certificate{leaf.Cert}, chain)

	self := testpki.SelfSigned(t, "Self")
	chain = BuildChain(self.Cert, testpki.Chain(root, self))
	assert.Equal(t, []*x509.Certificate{self.Cert}, chain)

	assert.Nil(t, BuildChain(nil, nil))
}

func TestNamesEqualNormalizes(t *testing.T) {
	a, err := asn1.Marshal(pkix.Name{CommonName: "Test  CA", Organization: []string{"ACME"}}.ToRDNSequence())
	require.NoError(t, err)
	b, err := asn1.Marshal(pkix.Name{CommonName: "test ca", Organization: []string{"acme"}}.ToRDNSequence())
	require.NoError(t, err)
	c, err := asn1.Marshal(pkix.Name{CommonName: "Other CA", Organization: []string{"ACME"}}.ToRDNSequence())
	require.NoError(t, err)

	assert.True(t, NamesEqual(a, b))
	assert.False(t, NamesEqual(a, c))
	assert.False(t, NamesEqual([]byte{0x01}, a))
}

func TestRootVerifier(t *testing.T) {
	ctx := context.Background()
	root := testpki.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf")
	other := testpki.NewRoot(t, "Other")
	now := time.Now()

	t.Run("anchor-signed certificate yields evidence", func(t *testing.T) {
		v := NewRootVerifier(NewRootStore(root.Cert))
		ev, err := v.Verify(ctx, leaf.Cert, root.Cert, now)
		require.NoError(t, err)
		require.Len(t, ev, 1)
		assert.Equal(t, RootVerifierName, ev[0].Verifier)
		assert.Equal(t, "Certificate verified against root store.", ev[0].Message)
	})

	t.Run("root itself is verified against the store", func(t *testing.T) {
		v := NewRootVerifier(NewRootStore(root.Cert))
		ev, err := v.Verify(ctx, root.Cert, nil, now)
		require.NoError(t, err)
		assert.Len(t, ev, 1)
	})

	t.Run("untrusted certificate yields no evidence", func(t *testing.T) {
		v := NewRootVerifier(NewRootStore(other.Cert))
		ev, err := v.Verify(ctx, leaf.Cert, root.Cert, now)
		require.NoError(t, err)
		assert.Empty(t, ev)
	})

	t.Run("wrong issuer is invalid", func(t *testing.T) {
		v := NewRootVerifier(nil)
		_, err := v.Verify(ctx, leaf.Cert, other.Cert, now)
		assert.True(t, errors.Is(err, sigerr.ErrCertificateInvalid))
	})

	t.Run("issued certificate without issuer is invalid", func(t *testing.T) {
		ev, err := NewRootVerifier(nil).Verify(ctx, leaf.Cert, nil, now)
		assert.Empty(t, ev)
		require.Error(t, err)
		assert.True(t, errors.Is(err, sigerr.ErrCertificateInvalid))
		assert.Contains(t, err.Error(), "self-signature does not verify")

		_, err = NewRootVerifier(NewRootStore(root.Cert)).Verify(ctx, leaf.Cert, nil, now)
		assert.True(t, errors.Is(err, sigerr.ErrCertificateInvalid))
	})

	t.Run("self-signed certificate without issuer is checked against itself", func(t *testing.T) {
		ev, err := NewRootVerifier(nil).Verify(ctx, other.Cert, nil, now)
		require.NoError(t, err)
		assert.Empty(t, ev)
	})

	t.Run("outside validity period is invalid", func(t *testing.T) {
		v := NewRootVerifier(NewRootStore(root.Cert))
		_, err := v.Verify(ctx, leaf.Cert, root.Cert, leaf.Cert.NotAfter.Add(time.Hour))
		require.Error(t, err)
		assert.True(t, errors.Is(err, sigerr.ErrCertificateInvalid))
		assert.Contains(t, err.Error(), "Leaf")
	})
}

func TestChainComposition(t *testing.T) {
	ctx := context.Background()
	root := testpki.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf")
	now := time.Now()

	crl := root.CRL(t, now.Add(-time.Hour), now.Add(time.Hour))
	resp := root.OCSP(t, leaf.Cert, ocsp.Good, now.Add(-time.Minute).Truncate(time.Second), now.Add(time.Hour))
	roots := NewRootStore(root.Cert)

	rootV := NewRootVerifier(roots)
	crlV := &CRLVerifier{CRLs: [][]byte{crl}, Roots: roots}
	ocspV := &OCSPVerifier{Responses: [][]byte{resp}, Roots: roots}

	individual := func(v Verifier) []Evidence {
		ev, err := v.Verify(ctx, leaf.Cert, root.Cert, now)
		require.NoError(t, err)
		require.Len(t, ev, 1)
		return ev
	}
	var union []Evidence
	union = append(union, individual(rootV)...)
	union = append(union, individual(crlV)...)
	union = append(union, individual(ocspV)...)

	full, err := NewChain(nil, rootV, crlV, ocspV).Verify(ctx, leaf.Cert, root.Cert, now)
	require.NoError(t, err)
	assert.Equal(t, union, full)

	withoutCRL, err := NewChain(nil, rootV, ocspV).Verify(ctx, leaf.Cert, root.Cert, now)
	require.NoError(t, err)
	require.Len(t, withoutCRL, 2)
	for _, ev := range withoutCRL {
		assert.NotEqual(t, CRLVerifierName, ev.Verifier)
	}
	assert.Equal(t, []Evidence{full[0], full[2]}, withoutCRL)
}

func TestChainRevocationOverridesEvidence(t *testing.T) {
	ctx := context.Background()
	root := testpki.NewRoot(t, "Root")
	leaf := root.Issue(t, "Leaf")
	now := time.Now()

	revoking := root.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), leaf.Cert.SerialNumber)
	chain := NewChain(nil,
		NewRootVerifier(NewRootStore(root.Cert)),
		&CRLVerifier{CRLs: [][]byte{revoking}},
	)

	ev, err := chain.Verify(ctx, leaf.Cert, root.Cert, now)
	require.Error(t, err)
	assert.Nil(t, ev)
	assert.True(t, errors.Is(err, sigerr.ErrRevocationProven))
}

func TestChainSkipsNilVerifiers(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	ev, err := NewChain(nil, nil, NewRootVerifier(NewRootStore(root.Cert))).Verify(context.Background(), root.Cert, nil, time.Now())
	require.NoError(t, err)
	assert.Len(t, ev, 1)
}

func TestEvidenceString(t *testing.T) {
	root := testpki.NewRoot(t, "Root")
	ev := Evidence{Certificate: root.Cert, Verifier: CRLVerifierName, Message: "Valid CRLs found: 1"}
	assert.Contains(t, ev.String(), "CN=Root")
	assert.Contains(t, ev.String(), "verified with CRLVerifier: Valid CRLs found: 1")
}
