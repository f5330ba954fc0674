// Package signers produces detached PDF signatures: it reserves the
// signature placeholder, digests the covered byte range, delegates the
// signature value to an ExternalSignature and writes the container back.
package signers

import (
	"context"
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"fmt"

	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

// ExternalSignature computes signature values outside the container, e.g.
// with an in-memory key or a hardware token.
type ExternalSignature interface {
	// HashAlgorithm names the digest, e.g. "SHA256".
	HashAlgorithm() string
	// EncryptionAlgorithm names the key algorithm: "RSA", "DSA" or "ECDSA".
	EncryptionAlgorithm() string
	// Sign hashes message with HashAlgorithm and signs the digest.
	Sign(ctx context.Context, message []byte) ([]byte, error)
}

// PrivateKeySignature signs with an in-memory RSA, DSA or ECDSA key.
type PrivateKeySignature struct {
	key        crypto.PrivateKey
	hash       crypto.Hash
	hashName   string
	encryption string
}

var _ ExternalSignature = (*PrivateKeySignature)(nil)

// NewPrivateKeySignature returns a signature over digest with key. key is a
// crypto.Signer holding an RSA or ECDSA key, or a *dsa.PrivateKey.
func NewPrivateKeySignature(key crypto.PrivateKey, digest string) (*PrivateKeySignature, error) {
	h, err := algorithms.HashForName(digest)
	if err != nil {
		return nil, err
	}
	name, _ := algorithms.NameForHash(h)

	var enc string
	switch k := key.(type) {
	case *rsa.PrivateKey:
		enc = algorithms.RSA
	case *ecdsa.PrivateKey:
		enc = algorithms.ECDSA
	case *dsa.PrivateKey:
		enc = algorithms.DSA
	case crypto.Signer:
		switch k.Public().(type) {
		case *rsa.PublicKey:
			enc = algorithms.RSA
		case *ecdsa.PublicKey:
			enc = algorithms.ECDSA
		}
	}
	if enc == "" {
		return nil, sigerr.Malformed(fmt.Sprintf("unsupported private key type %T", key), nil)
	}
	return &PrivateKeySignature{key: key, hash: h, hashName: name, encryption: enc}, nil
}

// HashAlgorithm implements ExternalSignature.
func (s *PrivateKeySignature) HashAlgorithm() string { return s.hashName }

// EncryptionAlgorithm implements ExternalSignature.
func (s *PrivateKeySignature) EncryptionAlgorithm() string { return s.encryption }

// Sign implements ExternalSignature.
func (s *PrivateKeySignature) Sign(_ context.Context, message []byte) ([]byte, error) {
	h := s.hash.New()
	h.Write(message)
	digest := h.Sum(nil)

	if k, ok := s.key.(*dsa.PrivateKey); ok {
		if n := (k.Q.BitLen() + 7) / 8; len(digest) > n {
			digest = digest[:n]
		}
		r, ss, err := dsa.Sign(rand.Reader, k, digest)
		if err != nil {
			return nil, err
		}
		return der.Sequence(der.Integer(r), der.Integer(ss)), nil
	}
	return s.key.(crypto.Signer).Sign(rand.Reader, digest, s.hash)
}
