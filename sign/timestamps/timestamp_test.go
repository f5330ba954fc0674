package timestamps

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/asn1"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsig/internal/testpki"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

func newLocalTSA(t *testing.T, genTime time.Time) *LocalTSA {
	t.Helper()
	root := testpki.NewRoot(t, "TSA Root")
	unit := root.Issue(t, "TSA Unit")
	tsa := NewLocalTSA(unit.Cert, unit.Key)
	tsa.Chain = testpki.Chain(root)
	tsa.Now = func() time.Time { return genTime }
	return tsa
}

func TestLocalTSAToken(t *testing.T) {
	genTime := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	tsa := newLocalTSA(t, genTime)
	imprint := sha256.Sum256([]byte("signature value"))

	token, err := tsa.GetTimeStampToken(context.Background(), imprint[:])
	require.NoError(t, err)

	info, err := CheckToken(token, imprint[:], nil)
	require.NoError(t, err)
	assert.True(t, info.GenTime.Equal(genTime))
	assert.Equal(t, DefaultPolicy, info.Policy)
	assert.Equal(t, int64(1), info.SerialNumber.Int64())

	c, err := cms.Parse(token, cms.SubFilterRFC3161)
	require.NoError(t, err)
	assert.Len(t, c.Certificates(), 2)
	assert.Equal(t, "TSA Unit", c.SignCertificate().Subject.CommonName)

	second, err := tsa.GetTimeStampToken(context.Background(), imprint[:])
	require.NoError(t, err)
	info, err = CheckToken(second, imprint[:], nil)
	require.NoError(t, err)
	assert.Equal(t, int64(2), info.SerialNumber.Int64())

	other := sha256.Sum256([]byte("other"))
	_, err = CheckToken(token, other[:], nil)
	assert.True(t, errors.Is(err, ErrTimestampMismatch))
}

func TestHTTPTSAClientAgainstLocalTSA(t *testing.T) {
	tsa := newLocalTSA(t, time.Now().Truncate(time.Second))

	var user, pass string
	var contentType string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ = r.BasicAuth()
		contentType = r.Header.Get("Content-Type")
		tsa.ServeHTTP(w, r)
	}))
	defer server.Close()

	client := NewHTTPTSAClient(server.URL)
	client.SetCredentials("alice", "secret")
	assert.Equal(t, DefaultTokenSizeEstimate, client.TokenSizeEstimate())

	h := client.MessageDigest()
	h.Write([]byte("signature value"))
	imprint := h.Sum(nil)

	token, err := client.GetTimeStampToken(context.Background(), imprint)
	require.NoError(t, err)
	assert.Equal(t, "alice", user)
	assert.Equal(t, "secret", pass)
	assert.Equal(t, "application/timestamp-query", contentType)

	info, err := CheckToken(token, imprint, nil)
	require.NoError(t, err)
	assert.NotNil(t, info.Nonce, "nonce is echoed")
}

func TestHTTPTSAClientFailures(t *testing.T) {
	imprint := sha256.Sum256([]byte("x"))

	t.Run("HTTP error", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
		}))
		defer server.Close()
		_, err := NewHTTPTSAClient(server.URL).GetTimeStampToken(context.Background(), imprint[:])
		assert.True(t, errors.Is(err, ErrTimestampFailed))
	})

	t.Run("rejected", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			out, _ := asn1.Marshal(TimeStampResp{Status: pkiStatusInfo{Status: StatusRejection, StatusString: []string{"policy"}}})
			w.Write(out)
		}))
		defer server.Close()
		_, err := NewHTTPTSAClient(server.URL).GetTimeStampToken(context.Background(), imprint[:])
		assert.True(t, errors.Is(err, ErrTimestampRejected))
	})

	t.Run("token over another imprint", func(t *testing.T) {
		tsa := newLocalTSA(t, time.Now())
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			other := sha256.Sum256([]byte("other"))
			token, err := tsa.GetTimeStampToken(r.Context(), other[:])
			if !assert.NoError(t, err) {
				return
			}
			out, _ := asn1.Marshal(TimeStampResp{TimeStampToken: asn1.RawValue{FullBytes: token}})
			w.Write(out)
		}))
		defer server.Close()
		_, err := NewHTTPTSAClient(server.URL).GetTimeStampToken(context.Background(), imprint[:])
		assert.True(t, errors.Is(err, ErrTimestampMismatch))
	})

	t.Run("garbage", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not DER"))
		}))
		defer server.Close()
		_, err := NewHTTPTSAClient(server.URL).GetTimeStampToken(context.Background(), imprint[:])
		assert.True(t, errors.Is(err, ErrInvalidTimestamp))
	})
}

func TestLocalTSARejectsBadRequests(t *testing.T) {
	tsa := newLocalTSA(t, time.Now())
	server := httptest.NewServer(tsa)
	defer server.Close()

	resp, err := http.Get(server.URL)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := NewRequest(make([]byte, 32), "SHA256", nil, nil)
	require.NoError(t, err)
	var parsed TimeStampReq
	_, err = asn1.Unmarshal(req, &parsed)
	require.NoError(t, err)
	parsed.MessageImprint.HashAlgorithm.Algorithm = asn1.ObjectIdentifier{1, 2, 3}
	body, err := asn1.Marshal(parsed)
	require.NoError(t, err)

	resp, err = http.Post(server.URL, "application/timestamp-query", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	_, err = ParseResponse(data)
	assert.True(t, errors.Is(err, ErrTimestampRejected))
}
