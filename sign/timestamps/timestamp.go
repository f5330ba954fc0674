// Package timestamps provides RFC 3161 timestamp authority clients.
package timestamps

import (
	"bytes"
	"context"
	"crypto"
	"crypto/rand"
	"encoding/asn1"
	"errors"
	"fmt"
	"hash"
	"io"
	"math/big"
	"net/http"
	"time"

	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

// DefaultTokenSizeEstimate is the space reserved for a token when the TSA
// does not say otherwise.
const DefaultTokenSizeEstimate = 4096

var (
	ErrTimestampFailed   = errors.New("timestamp request failed")
	ErrTimestampRejected = errors.New("timestamp request rejected")
	ErrInvalidTimestamp  = errors.New("invalid timestamp")
	ErrTimestampMismatch = errors.New("timestamp message imprint mismatch")
)

// PKI status values of a TimeStampResp.
const (
	StatusGranted          = 0
	StatusGrantedWithMods  = 1
	StatusRejection        = 2
	StatusWaiting          = 3
	StatusRevocationWarned = 4
)

// TSAClient obtains timestamp tokens for signature and document
// timestamps.
type TSAClient interface {
	// MessageDigest returns a fresh hash for computing imprints.
	MessageDigest() hash.Hash
	// TokenSizeEstimate is the number of bytes to reserve for a token.
	TokenSizeEstimate() int
	// GetTimeStampToken returns a DER timestamp token over imprint.
	GetTimeStampToken(ctx context.Context, imprint []byte) ([]byte, error)
}

type algorithmIdentifier struct {
	Algorithm  asn1.ObjectIdentifier
	Parameters asn1.RawValue `asn1:"optional"`
}

type messageImprint struct {
	HashAlgorithm algorithmIdentifier
	HashedMessage []byte
}

// TimeStampReq is the RFC 3161 request.
type TimeStampReq struct {
	Version        int
	MessageImprint messageImprint
	ReqPolicy      asn1.ObjectIdentifier `asn1:"optional"`
	Nonce          *big.Int              `asn1:"optional"`
	CertReq        bool                  `asn1:"optional,default:false"`
}

type pkiStatusInfo struct {
	Status       int
	StatusString []string       `asn1:"optional"`
	FailInfo     asn1.BitString `asn1:"optional"`
}

// TimeStampResp is the RFC 3161 response.
type TimeStampResp struct {
	Status         pkiStatusInfo
	TimeStampToken asn1.RawValue `asn1:"optional"`
}

// NewRequest builds a DER TimeStampReq over an already hashed imprint.
func NewRequest(imprint []byte, digest string, policy asn1.ObjectIdentifier, nonce *big.Int) ([]byte, error) {
	oid, err := algorithms.DigestOID(digest)
	if err != nil {
		return nil, err
	}
	req := TimeStampReq{
		Version: 1,
		MessageImprint: messageImprint{
			HashAlgorithm: algorithmIdentifier{Algorithm: oid, Parameters: asn1.NullRawValue},
			HashedMessage: imprint,
		},
		ReqPolicy: policy,
		Nonce:     nonce,
		CertReq:   true,
	}
	return asn1.Marshal(req)
}

// ParseResponse checks the status of a TimeStampResp and returns its token.
func ParseResponse(data []byte) ([]byte, error) {
	var resp TimeStampResp
	rest, err := asn1.Unmarshal(data, &resp)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: trailing data after response", ErrInvalidTimestamp)
	}
	if s := resp.Status.Status; s != StatusGranted && s != StatusGrantedWithMods {
		return nil, fmt.Errorf("%w: status %d %v", ErrTimestampRejected, s, resp.Status.StatusString)
	}
	if len(resp.TimeStampToken.FullBytes) == 0 {
		return nil, fmt.Errorf("%w: granted response without token", ErrInvalidTimestamp)
	}
	return resp.TimeStampToken.FullBytes, nil
}

// CheckToken parses token and checks that it covers imprint and echoes
// nonce when one was sent.
func CheckToken(token, imprint []byte, nonce *big.Int) (*cms.TSTInfo, error) {
	c, err := cms.Parse(token, cms.SubFilterRFC3161)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTimestamp, err)
	}
	info := c.TSTInfo()
	if !bytes.Equal(info.HashedMessage, imprint) {
		return nil, ErrTimestampMismatch
	}
	if nonce != nil && (info.Nonce == nil || info.Nonce.Cmp(nonce) != 0) {
		return nil, fmt.Errorf("%w: nonce not echoed", ErrInvalidTimestamp)
	}
	return info, nil
}

// HTTPTSAClient requests tokens from an RFC 3161 HTTP endpoint.
type HTTPTSAClient struct {
	URL      string
	Username string
	Password string
	// Digest names the imprint hash; SHA256 by default.
	Digest string
	Policy asn1.ObjectIdentifier
	// TokenSize overrides DefaultTokenSizeEstimate when positive.
	TokenSize  int
	HTTPClient *http.Client
	Logger     observability.Logger
}

var _ TSAClient = (*HTTPTSAClient)(nil)

// NewHTTPTSAClient returns a client for url with a 30 second timeout.
func NewHTTPTSAClient(url string) *HTTPTSAClient {
	return &HTTPTSAClient{
		URL:        url,
		Digest:     algorithms.SHA256,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// SetCredentials enables HTTP basic authentication.
func (c *HTTPTSAClient) SetCredentials(username, password string) {
	c.Username = username
	c.Password = password
}

func (c *HTTPTSAClient) hash() crypto.Hash {
	h, err := algorithms.HashForName(c.Digest)
	if err != nil {
		return crypto.SHA256
	}
	return h
}

// MessageDigest implements TSAClient.
func (c *HTTPTSAClient) MessageDigest() hash.Hash {
	return c.hash().New()
}

// TokenSizeEstimate implements TSAClient.
func (c *HTTPTSAClient) TokenSizeEstimate() int {
	if c.TokenSize > 0 {
		return c.TokenSize
	}
	return DefaultTokenSizeEstimate
}

// GetTimeStampToken implements TSAClient.
func (c *HTTPTSAClient) GetTimeStampToken(ctx context.Context, imprint []byte) (token []byte, err error) {
	ctx, span := observability.StartSpan(ctx, "timestamps.GetTimeStampToken", observability.AttrURL.String(c.URL))
	start := time.Now()
	defer func() {
		observability.FetchDuration.WithLabelValues("tsa").Observe(time.Since(start).Seconds())
		if err != nil {
			observability.FetchFailuresTotal.WithLabelValues("tsa").Inc()
		}
		observability.EndSpan(span, err)
	}()
	log := observability.OrNull(c.Logger)

	nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
	if err != nil {
		return nil, err
	}
	digest, _ := algorithms.NameForHash(c.hash())
	body, err := NewRequest(imprint, digest, c.Policy, nonce)
	if err != nil {
		return nil, fmt.Errorf("failed to create timestamp request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/timestamp-query")
	if c.Username != "" {
		req.SetBasicAuth(c.Username, c.Password)
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: HTTP %d", ErrTimestampFailed, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTimestampFailed, err)
	}

	if token, err = ParseResponse(data); err != nil {
		return nil, err
	}
	info, err := CheckToken(token, imprint, nonce)
	if err != nil {
		return nil, err
	}
	log.DebugContext(ctx, "Timestamp token from {URL} at {GenTime} ({Bytes} bytes)", c.URL, info.GenTime, len(token))
	return token, nil
}
