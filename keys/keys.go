// Package keys loads signing credentials: certificates and private keys
// from PEM or DER files, and PKCS#12 bundles.
package keys

import (
	"crypto"
	"crypto/dsa"
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"

	"software.sslmate.com/src/go-pkcs12"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
)

// Common errors
var (
	ErrNoCertFound     = errors.New("no certificate found in data")
	ErrNoKeyFound      = errors.New("no private key found in data")
	ErrUnknownKeyType  = errors.New("unknown private key type")
	ErrInvalidPEMBlock = errors.New("invalid PEM block")
	ErrDecryption      = errors.New("failed to decrypt private key")
	ErrMultipleCerts   = errors.New("expected exactly one certificate")
	ErrKeyMismatch     = errors.New("private key does not match certificate")
)

// Credential is a private key with its certificate chain, signer first.
type Credential struct {
	Key   crypto.PrivateKey
	Chain []*x509.Certificate
}

// Certificate returns the signer certificate.
func (c *Credential) Certificate() *x509.Certificate {
	if len(c.Chain) == 0 {
		return nil
	}
	return c.Chain[0]
}

// LoadCertificate loads exactly one certificate from a PEM or DER file.
func LoadCertificate(filename string) (*x509.Certificate, error) {
	certs, err := LoadCertificates(filename)
	if err != nil {
		return nil, err
	}
	if len(certs) != 1 {
		return nil, fmt.Errorf("%w: found %d certificates in %s", ErrMultipleCerts, len(certs), filename)
	}
	return certs[0], nil
}

// LoadCertificates loads all certificates of a PEM or DER file.
func LoadCertificates(filename string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParseCertificates(data)
}

// LoadCertificateFiles concatenates the certificates of several files.
func LoadCertificateFiles(filenames []string) ([]*x509.Certificate, error) {
	var all []*x509.Certificate
	for _, filename := range filenames {
		certs, err := LoadCertificates(filename)
		if err != nil {
			return nil, err
		}
		all = append(all, certs...)
	}
	return all, nil
}

// ParseCertificates reads PEM CERTIFICATE blocks, or one or more
// concatenated DER certificates.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	if isPEM(data) {
		rest := data
		for len(rest) > 0 {
			var block *pem.Block
			block, rest = pem.Decode(rest)
			if block == nil {
				break
			}
			if block.Type != "CERTIFICATE" {
				continue
			}
			cert, err := x509.ParseCertificate(block.Bytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse certificate: %w", err)
			}
			certs = append(certs, cert)
		}
	} else {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}
	if len(certs) == 0 {
		return nil, ErrNoCertFound
	}
	return certs, nil
}

// LoadPrivateKey loads a private key from a PEM or DER file. passphrase
// decrypts legacy encrypted PEM blocks.
func LoadPrivateKey(filename string, passphrase []byte) (crypto.PrivateKey, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParsePrivateKey(data, passphrase)
}

// ParsePrivateKey parses a PKCS#8, PKCS#1 or SEC 1 key in PEM or DER form.
func ParsePrivateKey(data []byte, passphrase []byte) (crypto.PrivateKey, error) {
	if !isPEM(data) {
		return parseDERKey(data)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, ErrInvalidPEMBlock
	}
	keyBytes := block.Bytes
	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if passphrase == nil {
			return nil, fmt.Errorf("%w: key is encrypted but no passphrase provided", ErrDecryption)
		}
		var err error
		keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
		}
	}

	switch block.Type {
	case "RSA PRIVATE KEY":
		return x509.ParsePKCS1PrivateKey(keyBytes)
	case "EC PRIVATE KEY":
		return x509.ParseECPrivateKey(keyBytes)
	case "PRIVATE KEY":
		key, err := x509.ParsePKCS8PrivateKey(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse PKCS#8 private key: %w", err)
		}
		return supported(key)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownKeyType, block.Type)
	}
}

func parseDERKey(data []byte) (crypto.PrivateKey, error) {
	if key, err := x509.ParsePKCS8PrivateKey(data); err == nil {
		return supported(key)
	}
	if key, err := x509.ParsePKCS1PrivateKey(data); err == nil {
		return key, nil
	}
	if key, err := x509.ParseECPrivateKey(data); err == nil {
		return key, nil
	}
	return nil, ErrNoKeyFound
}

// supported rejects key types the signature container cannot use.
func supported(key any) (crypto.PrivateKey, error) {
	switch key.(type) {
	case *rsa.PrivateKey, *ecdsa.PrivateKey, *dsa.PrivateKey:
		return key, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

// KeyAlgorithm returns the encryption algorithm name of key.
func KeyAlgorithm(key crypto.PrivateKey) (string, error) {
	switch key.(type) {
	case *rsa.PrivateKey:
		return algorithms.RSA, nil
	case *ecdsa.PrivateKey:
		return algorithms.ECDSA, nil
	case *dsa.PrivateKey:
		return algorithms.DSA, nil
	default:
		return "", fmt.Errorf("%w: %T", ErrUnknownKeyType, key)
	}
}

// LoadPKCS12 loads a key, its certificate and CA certificates from a
// PKCS#12 bundle. The chain is ordered signer first.
func LoadPKCS12(filename, password string) (*Credential, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read file %s: %w", filename, err)
	}
	return ParsePKCS12(data, password)
}

// ParsePKCS12 decodes a PKCS#12 bundle.
func ParsePKCS12(data []byte, password string) (*Credential, error) {
	key, cert, caCerts, err := pkcs12.DecodeChain(data, password)
	if err != nil {
		return nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}
	if _, err := supported(key); err != nil {
		return nil, err
	}
	return &Credential{Key: key, Chain: certvalidator.BuildChain(cert, caCerts)}, nil
}

// LoadCredential loads a PEM/DER certificate and key plus optional chain
// files, and orders the chain signer first.
func LoadCredential(certFile, keyFile string, chainFiles []string, passphrase []byte) (*Credential, error) {
	cert, err := LoadCertificate(certFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificate: %w", err)
	}
	key, err := LoadPrivateKey(keyFile, passphrase)
	if err != nil {
		return nil, fmt.Errorf("failed to load private key: %w", err)
	}
	if !matches(cert, key) {
		return nil, ErrKeyMismatch
	}
	pool, err := LoadCertificateFiles(chainFiles)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain: %w", err)
	}
	return &Credential{Key: key, Chain: certvalidator.BuildChain(cert, pool)}, nil
}

func matches(cert *x509.Certificate, key crypto.PrivateKey) bool {
	signer, ok := key.(crypto.Signer)
	if !ok {
		return false
	}
	pub, ok := signer.Public().(interface{ Equal(crypto.PublicKey) bool })
	return ok && pub.Equal(cert.PublicKey)
}

func isPEM(data []byte) bool {
	return len(data) > 10 && string(data[:5]) == "-----"
}
