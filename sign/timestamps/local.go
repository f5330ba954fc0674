package timestamps

import (
	"context"
	"crypto"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net/http"
	"sync"
	"time"

	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

// DefaultPolicy is the TSA policy stamped by LocalTSA.
var DefaultPolicy = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 4146, 2, 2}

// LocalTSA issues timestamp tokens in process with its own certificate. It
// serves the CLI and tests, and can be mounted as an RFC 3161 HTTP
// endpoint.
type LocalTSA struct {
	Cert *x509.Certificate
	Key  crypto.Signer
	// Chain is embedded after Cert.
	Chain []*x509.Certificate
	// Digest names the imprint and token digest; SHA256 by default.
	Digest string
	Policy asn1.ObjectIdentifier
	// Now returns the genTime; time.Now by default.
	Now func() time.Time

	mu     sync.Mutex
	serial int64
}

var _ TSAClient = (*LocalTSA)(nil)

// NewLocalTSA returns a TSA signing with key.
func NewLocalTSA(cert *x509.Certificate, key crypto.Signer) *LocalTSA {
	return &LocalTSA{Cert: cert, Key: key, Digest: algorithms.SHA256, Policy: DefaultPolicy}
}

func (t *LocalTSA) digest() string {
	if t.Digest == "" {
		return algorithms.SHA256
	}
	return t.Digest
}

// MessageDigest implements TSAClient.
func (t *LocalTSA) MessageDigest() hash.Hash {
	h, err := algorithms.HashForName(t.digest())
	if err != nil {
		h = crypto.SHA256
	}
	return h.New()
}

// TokenSizeEstimate implements TSAClient.
func (t *LocalTSA) TokenSizeEstimate() int {
	return DefaultTokenSizeEstimate
}

// GetTimeStampToken implements TSAClient.
func (t *LocalTSA) GetTimeStampToken(ctx context.Context, imprint []byte) ([]byte, error) {
	return t.issue(ctx, imprint, t.digest(), nil)
}

func (t *LocalTSA) issue(ctx context.Context, imprint []byte, digest string, nonce *big.Int) ([]byte, error) {
	oid, err := algorithms.DigestOID(digest)
	if err != nil {
		return nil, err
	}
	now := time.Now
	if t.Now != nil {
		now = t.Now
	}
	policy := t.Policy
	if policy == nil {
		policy = DefaultPolicy
	}

	t.mu.Lock()
	t.serial++
	serial := big.NewInt(t.serial)
	t.mu.Unlock()

	info := &cms.TSTInfo{
		Policy:        policy,
		HashAlgorithm: oid,
		HashedMessage: imprint,
		SerialNumber:  serial,
		GenTime:       now(),
		Nonce:         nonce,
	}
	content := info.Encode()

	c, err := cms.New(cms.BuildOptions{
		Chain:           append([]*x509.Certificate{t.Cert}, t.Chain...),
		DigestAlgorithm: t.digest(),
		Key:             t.Key,
		ContentType:     cms.OIDTSTInfo,
		Content:         content,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to prepare timestamp token: %w", err)
	}
	h := t.MessageDigest()
	h.Write(content)
	return c.Encode(ctx, cms.EncodeOptions{ContentDigest: h.Sum(nil)})
}

// ServeHTTP answers application/timestamp-query POSTs.
func (t *LocalTSA) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	resp := TimeStampResp{Status: pkiStatusInfo{Status: StatusGranted}}
	var req TimeStampReq
	if _, err := asn1.Unmarshal(body, &req); err != nil {
		resp.Status = pkiStatusInfo{Status: StatusRejection, StatusString: []string{"bad request"}}
	} else if name, err := algorithms.DigestName(req.MessageImprint.HashAlgorithm.Algorithm); err != nil {
		resp.Status = pkiStatusInfo{Status: StatusRejection, StatusString: []string{"unsupported digest"}}
	} else if token, err := t.issue(r.Context(), req.MessageImprint.HashedMessage, name, req.Nonce); err != nil {
		resp.Status = pkiStatusInfo{Status: StatusRejection, StatusString: []string{err.Error()}}
	} else {
		resp.TimeStampToken = asn1.RawValue{FullBytes: token}
	}

	out, err := asn1.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/timestamp-reply")
	w.Write(out)
}
