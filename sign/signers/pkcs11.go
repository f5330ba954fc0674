package signers

import (
	"context"
	"crypto/x509"
	"encoding/asn1"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/miekg/pkcs11"

	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

var (
	ErrPKCS11ModuleLoad     = errors.New("failed to load PKCS#11 module")
	ErrPKCS11NoToken        = errors.New("no matching token found")
	ErrPKCS11NoKey          = errors.New("private key not found")
	ErrPKCS11NoCert         = errors.New("certificate not found")
	ErrPKCS11MultipleKeys   = errors.New("multiple private keys found")
	ErrPKCS11MultipleCerts  = errors.New("multiple certificates found")
	ErrPKCS11SessionFailed  = errors.New("failed to open PKCS#11 session")
	ErrPKCS11LoginFailed    = errors.New("PKCS#11 login failed")
	ErrPKCS11SignFailed     = errors.New("PKCS#11 signing failed")
	ErrPKCS11UnsupportedAlg = errors.New("unsupported algorithm for PKCS#11")
)

var rsaMechanisms = map[string]uint{
	algorithms.SHA1:   pkcs11.CKM_SHA1_RSA_PKCS,
	algorithms.SHA224: pkcs11.CKM_SHA224_RSA_PKCS,
	algorithms.SHA256: pkcs11.CKM_SHA256_RSA_PKCS,
	algorithms.SHA384: pkcs11.CKM_SHA384_RSA_PKCS,
	algorithms.SHA512: pkcs11.CKM_SHA512_RSA_PKCS,
}

var ecdsaMechanisms = map[string]uint{
	algorithms.SHA1:   pkcs11.CKM_ECDSA_SHA1,
	algorithms.SHA224: pkcs11.CKM_ECDSA_SHA224,
	algorithms.SHA256: pkcs11.CKM_ECDSA_SHA256,
	algorithms.SHA384: pkcs11.CKM_ECDSA_SHA384,
	algorithms.SHA512: pkcs11.CKM_ECDSA_SHA512,
}

var dsaMechanisms = map[string]uint{
	algorithms.SHA1:   pkcs11.CKM_DSA_SHA1,
	algorithms.SHA224: pkcs11.CKM_DSA_SHA224,
	algorithms.SHA256: pkcs11.CKM_DSA_SHA256,
	algorithms.SHA384: pkcs11.CKM_DSA_SHA384,
	algorithms.SHA512: pkcs11.CKM_DSA_SHA512,
}

// pkcs11Module is the subset of *pkcs11.Ctx used for signing.
type pkcs11Module interface {
	FindObjectsInit(sh pkcs11.SessionHandle, temp []*pkcs11.Attribute) error
	FindObjects(sh pkcs11.SessionHandle, max int) ([]pkcs11.ObjectHandle, bool, error)
	FindObjectsFinal(sh pkcs11.SessionHandle) error
	GetAttributeValue(sh pkcs11.SessionHandle, o pkcs11.ObjectHandle, a []*pkcs11.Attribute) ([]*pkcs11.Attribute, error)
	SignInit(sh pkcs11.SessionHandle, m []*pkcs11.Mechanism, o pkcs11.ObjectHandle) error
	Sign(sh pkcs11.SessionHandle, message []byte) ([]byte, error)
	CloseSession(sh pkcs11.SessionHandle) error
	Finalize() error
	Destroy()
}

// PKCS11Options selects the token, key and certificate of a PKCS11Signature.
type PKCS11Options struct {
	ModulePath string
	// SlotIndex picks a slot by position among slots holding a token.
	SlotIndex   *int
	TokenLabel  string
	TokenSerial string
	UserPIN     string
	// KeyLabel and KeyID locate the private key; the certificate defaults to
	// the same label or ID.
	KeyLabel  string
	KeyID     []byte
	CertLabel string
	CertID    []byte
	// Digest names the hash; SHA256 by default.
	Digest string
	// RawMechanism hashes in software and uses CKM_RSA_PKCS or CKM_ECDSA.
	RawMechanism bool
}

// PKCS11Signature signs with a private key held on a PKCS#11 token.
type PKCS11Signature struct {
	module  pkcs11Module
	session pkcs11.SessionHandle
	key     pkcs11.ObjectHandle
	cert    *x509.Certificate
	digest  string
	raw     bool

	mu sync.Mutex
}

var _ ExternalSignature = (*PKCS11Signature)(nil)

// OpenPKCS11Signature loads the module, logs into the selected token and
// locates the signing key and certificate.
func OpenPKCS11Signature(opts PKCS11Options) (*PKCS11Signature, error) {
	ctx := pkcs11.New(opts.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPKCS11ModuleLoad, opts.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("PKCS#11 initialize failed: %w", err)
	}
	fail := func(err error) (*PKCS11Signature, error) {
		ctx.Finalize()
		ctx.Destroy()
		return nil, err
	}

	slots, err := ctx.GetSlotList(true)
	if err != nil {
		return fail(fmt.Errorf("failed to get slots: %w", err))
	}
	slot, err := findToken(ctx, slots, opts)
	if err != nil {
		return fail(err)
	}

	session, err := ctx.OpenSession(slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", ErrPKCS11SessionFailed, err))
	}
	if opts.UserPIN != "" {
		if err := ctx.Login(session, pkcs11.CKU_USER, opts.UserPIN); err != nil {
			ctx.CloseSession(session)
			return fail(fmt.Errorf("%w: %v", ErrPKCS11LoginFailed, err))
		}
	}

	s, err := newPKCS11Signature(ctx, session, opts)
	if err != nil {
		ctx.CloseSession(session)
		return fail(err)
	}
	return s, nil
}

func findToken(ctx *pkcs11.Ctx, slots []uint, opts PKCS11Options) (uint, error) {
	if len(slots) == 0 {
		return 0, fmt.Errorf("%w: no slots with tokens available", ErrPKCS11NoToken)
	}
	candidates := slots
	if opts.SlotIndex != nil {
		if *opts.SlotIndex < 0 || *opts.SlotIndex >= len(slots) {
			return 0, fmt.Errorf("slot %d not found (only %d slots available)", *opts.SlotIndex, len(slots))
		}
		candidates = slots[*opts.SlotIndex : *opts.SlotIndex+1]
	}
	if opts.TokenLabel == "" && opts.TokenSerial == "" {
		if len(candidates) > 1 {
			return 0, fmt.Errorf("multiple tokens available; specify slot index or token label")
		}
		return candidates[0], nil
	}
	for _, slot := range candidates {
		info, err := ctx.GetTokenInfo(slot)
		if err != nil {
			continue
		}
		if tokenMatches(info, opts.TokenLabel, opts.TokenSerial) {
			return slot, nil
		}
	}
	return 0, fmt.Errorf("%w: label=%q serial=%q", ErrPKCS11NoToken, opts.TokenLabel, opts.TokenSerial)
}

// tokenMatches compares against the space-padded token info fields.
func tokenMatches(info pkcs11.TokenInfo, label, serial string) bool {
	if label != "" && strings.TrimRight(info.Label, " ") != label {
		return false
	}
	if serial != "" && strings.TrimRight(info.SerialNumber, " ") != serial {
		return false
	}
	return true
}

func newPKCS11Signature(module pkcs11Module, session pkcs11.SessionHandle, opts PKCS11Options) (*PKCS11Signature, error) {
	digest := opts.Digest
	if digest == "" {
		digest = algorithms.SHA256
	}
	if _, err := algorithms.HashForName(digest); err != nil {
		return nil, err
	}

	keyLabel, keyID := opts.KeyLabel, opts.KeyID
	certLabel, certID := opts.CertLabel, opts.CertID
	if keyLabel == "" && keyID == nil {
		keyLabel, keyID = certLabel, certID
	}
	if certLabel == "" && certID == nil {
		certLabel, certID = keyLabel, keyID
	}

	s := &PKCS11Signature{
		module:  module,
		session: session,
		digest:  algorithms.Normalize(digest),
		raw:     opts.RawMechanism,
	}

	certs, err := s.findObjects(pkcs11.CKO_CERTIFICATE, certLabel, certID)
	if err != nil {
		return nil, err
	}
	switch len(certs) {
	case 0:
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11NoCert, certLabel, hex.EncodeToString(certID))
	case 1:
	default:
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11MultipleCerts, certLabel, hex.EncodeToString(certID))
	}
	if s.cert, err = s.readCertificate(certs[0]); err != nil {
		return nil, err
	}

	keys, err := s.findObjects(pkcs11.CKO_PRIVATE_KEY, keyLabel, keyID)
	if err != nil {
		return nil, err
	}
	switch len(keys) {
	case 0:
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11NoKey, keyLabel, hex.EncodeToString(keyID))
	case 1:
	default:
		return nil, fmt.Errorf("%w: label=%q, id=%s", ErrPKCS11MultipleKeys, keyLabel, hex.EncodeToString(keyID))
	}
	s.key = keys[0]

	if _, err := s.mechanism(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PKCS11Signature) findObjects(class uint, label string, id []byte) ([]pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{pkcs11.NewAttribute(pkcs11.CKA_CLASS, class)}
	if class == pkcs11.CKO_PRIVATE_KEY {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_SIGN, true))
	}
	if label != "" {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_LABEL, label))
	}
	if id != nil {
		template = append(template, pkcs11.NewAttribute(pkcs11.CKA_ID, id))
	}

	if err := s.module.FindObjectsInit(s.session, template); err != nil {
		return nil, fmt.Errorf("FindObjectsInit failed: %w", err)
	}
	defer s.module.FindObjectsFinal(s.session)

	objs, _, err := s.module.FindObjects(s.session, 10)
	if err != nil {
		return nil, fmt.Errorf("FindObjects failed: %w", err)
	}
	return objs, nil
}

func (s *PKCS11Signature) readCertificate(obj pkcs11.ObjectHandle) (*x509.Certificate, error) {
	attrs, err := s.module.GetAttributeValue(s.session, obj, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_VALUE, nil),
	})
	if err != nil {
		return nil, fmt.Errorf("GetAttributeValue failed: %w", err)
	}
	if len(attrs) == 0 || len(attrs[0].Value) == 0 {
		return nil, fmt.Errorf("certificate has no value")
	}
	cert, err := x509.ParseCertificate(attrs[0].Value)
	if err != nil {
		return nil, fmt.Errorf("failed to parse certificate: %w", err)
	}
	return cert, nil
}

// Certificate returns the signing certificate read from the token.
func (s *PKCS11Signature) Certificate() *x509.Certificate {
	return s.cert
}

// HashAlgorithm implements ExternalSignature.
func (s *PKCS11Signature) HashAlgorithm() string { return s.digest }

// EncryptionAlgorithm implements ExternalSignature.
func (s *PKCS11Signature) EncryptionAlgorithm() string {
	switch s.cert.PublicKeyAlgorithm {
	case x509.RSA:
		return algorithms.RSA
	case x509.ECDSA:
		return algorithms.ECDSA
	case x509.DSA:
		return algorithms.DSA
	}
	return s.cert.PublicKeyAlgorithm.String()
}

type pkcs11Operation struct {
	mechanism *pkcs11.Mechanism
	prepare   func([]byte) ([]byte, error)
	finish    func([]byte) ([]byte, error)
}

func (s *PKCS11Signature) mechanism() (*pkcs11Operation, error) {
	var table map[string]uint
	op := &pkcs11Operation{}
	switch s.EncryptionAlgorithm() {
	case algorithms.RSA:
		table = rsaMechanisms
		if s.raw {
			op.mechanism = pkcs11.NewMechanism(pkcs11.CKM_RSA_PKCS, nil)
			op.prepare = s.digestInfo
		}
	case algorithms.ECDSA:
		table = ecdsaMechanisms
		op.finish = encodeRawSignature
		if s.raw {
			op.mechanism = pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)
			op.prepare = s.hashMessage
		}
	case algorithms.DSA:
		table = dsaMechanisms
		op.finish = encodeRawSignature
		if s.raw {
			op.mechanism = pkcs11.NewMechanism(pkcs11.CKM_DSA, nil)
			op.prepare = s.hashMessage
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrPKCS11UnsupportedAlg, s.EncryptionAlgorithm())
	}
	if op.mechanism == nil {
		mech, ok := table[s.digest]
		if !ok {
			return nil, fmt.Errorf("%w: %s with %s", ErrPKCS11UnsupportedAlg, s.EncryptionAlgorithm(), s.digest)
		}
		op.mechanism = pkcs11.NewMechanism(mech, nil)
	}
	return op, nil
}

// Sign implements ExternalSignature.
func (s *PKCS11Signature) Sign(_ context.Context, message []byte) ([]byte, error) {
	op, err := s.mechanism()
	if err != nil {
		return nil, err
	}
	data := message
	if op.prepare != nil {
		if data, err = op.prepare(message); err != nil {
			return nil, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.module.SignInit(s.session, []*pkcs11.Mechanism{op.mechanism}, s.key); err != nil {
		return nil, fmt.Errorf("%w: SignInit failed: %v", ErrPKCS11SignFailed, err)
	}
	sig, err := s.module.Sign(s.session, data)
	if err != nil {
		return nil, fmt.Errorf("%w: Sign failed: %v", ErrPKCS11SignFailed, err)
	}
	if op.finish != nil {
		return op.finish(sig)
	}
	return sig, nil
}

// Close ends the session and unloads the module.
func (s *PKCS11Signature) Close() error {
	if s.module == nil {
		return nil
	}
	err := s.module.CloseSession(s.session)
	s.module.Finalize()
	s.module.Destroy()
	s.module = nil
	return err
}

func (s *PKCS11Signature) hashMessage(message []byte) ([]byte, error) {
	h, err := algorithms.HashForName(s.digest)
	if err != nil {
		return nil, err
	}
	hh := h.New()
	hh.Write(message)
	return hh.Sum(nil), nil
}

// digestInfo wraps the message digest in a PKCS#1 DigestInfo for CKM_RSA_PKCS.
func (s *PKCS11Signature) digestInfo(message []byte) ([]byte, error) {
	digest, err := s.hashMessage(message)
	if err != nil {
		return nil, err
	}
	oid, err := algorithms.DigestOID(s.digest)
	if err != nil {
		return nil, err
	}
	return der.Sequence(der.AlgorithmIdentifier(oid, true), der.OctetString(digest)), nil
}

// encodeRawSignature converts a token's r||s output into a DER
// Dss-Sig-Value / ECDSA-Sig-Value.
func encodeRawSignature(raw []byte) ([]byte, error) {
	if len(raw) == 0 || len(raw)%2 != 0 {
		return nil, fmt.Errorf("invalid raw signature length: %d", len(raw))
	}
	half := len(raw) / 2
	return asn1.Marshal(struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	})
}
