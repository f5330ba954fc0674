package certvalidator

import (
	"context"
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsig/certvalidator/revinfo"
	"github.com/georgepadayatti/gopdfsig/internal/testpki"
	"github.com/georgepadayatti/gopdfsig/sigerr"
)

func parseCRL(t *testing.T, raw []byte) *revinfo.CRLRecord {
	t.Helper()
	crl, err := revinfo.ParseCRL(raw)
	require.NoError(t, err)
	return crl
}

func TestVerifyCRLWindowBoundaries(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	leaf := ca.Issue(t, "Leaf")
	thisUpdate := time.Now().Add(-2 * time.Hour).Truncate(time.Second)
	nextUpdate := thisUpdate.Add(4 * time.Hour)
	crl := parseCRL(t, ca.CRL(t, thisUpdate, nextUpdate))
	v := &CRLVerifier{}

	tests := []struct {
		name     string
		signDate time.Time
		want     bool
	}{
		{"exactly thisUpdate", thisUpdate, false},
		{"one second after thisUpdate", thisUpdate.Add(time.Second), true},
		{"middle of window", thisUpdate.Add(2 * time.Hour), true},
		{"one second before nextUpdate", nextUpdate.Add(-time.Second), true},
		{"exactly nextUpdate", nextUpdate, false},
		{"after nextUpdate", nextUpdate.Add(time.Minute), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ok, err := v.VerifyCRL(crl, leaf.Cert, ca.Cert, tt.signDate)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestVerifyCRLExpiredReturnsFalse(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	leaf := ca.Issue(t, "Leaf")
	now := time.Now()
	crl := parseCRL(t, ca.CRL(t, now.Add(-10*24*time.Hour), now.Add(-24*time.Hour)))

	ok, err := (&CRLVerifier{}).VerifyCRL(crl, leaf.Cert, ca.Cert, now)
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestVerifyCRLRevokedSerial(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	leaf := ca.Issue(t, "Leaf")
	now := time.Now()
	crl := parseCRL(t, ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), leaf.Cert.SerialNumber))

	ok, err := (&CRLVerifier{}).VerifyCRL(crl, leaf.Cert, ca.Cert, now)
	assert.False(t, ok)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sigerr.ErrRevocationProven))
	assert.Contains(t, err.Error(), "CN=Leaf")
}

func TestVerifyCRLIssuerAndAuthenticity(t *testing.T) {
	ca := testpki.NewRoot(t, "CA")
	leaf := ca.Issue(t, "Leaf")
	impostor := testpki.NewRoot(t, "CA")
	stranger := testpki.NewRoot(t, "Stranger")
	now := time.Now()

	t.Run("issuer name mismatch", func(t *testing.T) {
		crl := parseCRL(t, stranger.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), leaf.Cert.SerialNumber))
		ok, err := (&CRLVerifier{}).VerifyCRL(crl, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("same name but wrong key is skipped", func(t *testing.T) {
		crl := parseCRL(t, impostor.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), leaf.Cert.SerialNumber))
		ok, err := (&CRLVerifier{}).VerifyCRL(crl, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("trust anchor authenticates without issuer", func(t *testing.T) {
		crl := parseCRL(t, ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour)))

		ok, err := (&CRLVerifier{}).VerifyCRL(crl, leaf.Cert, nil, now)
		require.NoError(t, err)
		assert.False(t, ok)

		ok, err = (&CRLVerifier{Roots: NewRootStore(ca.Cert)}).VerifyCRL(crl, leaf.Cert, nil, now)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestCRLVerifierEvidence(t *testing.T) {
	ctx := context.Background()
	ca := testpki.NewRoot(t, "CA")
	leaf := ca.Issue(t, "Leaf")
	now := time.Now()
	fresh := ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour))
	stale := ca.CRL(t, now.Add(-48*time.Hour), now.Add(-24*time.Hour))

	t.Run("supplied CRLs", func(t *testing.T) {
		v := NewCRLVerifier([][]byte{fresh, stale, []byte("garbage"), fresh}, nil, nil, nil)
		ev, err := v.Verify(ctx, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		require.Len(t, ev, 1)
		assert.Equal(t, "Valid CRLs found: 2", ev[0].Message)
		assert.Equal(t, CRLVerifierName, ev[0].Verifier)
		assert.Same(t, leaf.Cert, ev[0].Certificate)
	})

	t.Run("online fallback when nothing supplied matches", func(t *testing.T) {
		calls := 0
		client := CRLClientFunc(func(_ context.Context, cert *x509.Certificate, url string) ([][]byte, error) {
			calls++
			assert.Same(t, leaf.Cert, cert)
			return [][]byte{fresh}, nil
		})
		v := NewCRLVerifier([][]byte{stale}, client, nil, nil)
		ev, err := v.Verify(ctx, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		require.Len(t, ev, 1)
		assert.Equal(t, "Valid CRLs found: 1 (online)", ev[0].Message)
		assert.Equal(t, 1, calls)
	})

	t.Run("no online fetch when a supplied CRL matched", func(t *testing.T) {
		client := CRLClientFunc(func(context.Context, *x509.Certificate, string) ([][]byte, error) {
			t.Fatal("unexpected fetch")
			return nil, nil
		})
		ev, err := NewCRLVerifier([][]byte{fresh}, client, nil, nil).Verify(ctx, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		assert.Len(t, ev, 1)
	})

	t.Run("online disabled", func(t *testing.T) {
		v := NewCRLVerifier(nil, NewStaticCRLClient(fresh), nil, nil)
		v.OnlineCheckingAllowed = false
		ev, err := v.Verify(ctx, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		assert.Empty(t, ev)
	})

	t.Run("fetch failure contributes nothing", func(t *testing.T) {
		client := CRLClientFunc(func(context.Context, *x509.Certificate, string) ([][]byte, error) {
			return nil, errors.New("connection refused")
		})
		ev, err := NewCRLVerifier(nil, client, nil, nil).Verify(ctx, leaf.Cert, ca.Cert, now)
		require.NoError(t, err)
		assert.Empty(t, ev)
	})

	t.Run("online CRL proving revocation is fatal", func(t *testing.T) {
		revoking := ca.CRL(t, now.Add(-time.Hour), now.Add(time.Hour), leaf.Cert.SerialNumber)
		_, err := NewCRLVerifier(nil, NewStaticCRLClient(revoking), nil, nil).Verify(ctx, leaf.Cert, ca.Cert, now)
		assert.True(t, errors.Is(err, sigerr.ErrRevocationProven))
	})
}
