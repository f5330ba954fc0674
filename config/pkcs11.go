package config

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/georgepadayatti/gopdfsig/sign/signers"
)

// TokenCriteria defines search criteria for finding a PKCS#11 token.
type TokenCriteria struct {
	// Label is the token label to match. If empty, no label constraint is applied.
	Label string `yaml:"label" json:"label,omitempty"`

	// Serial is the token serial number. If empty, no serial constraint is applied.
	Serial string `yaml:"serial" json:"serial,omitempty"`
}

// IsEmpty returns true if no criteria are specified.
func (c *TokenCriteria) IsEmpty() bool {
	return c == nil || (c.Label == "" && c.Serial == "")
}

// String returns a string representation of the criteria.
func (c *TokenCriteria) String() string {
	if c.IsEmpty() {
		return "<no criteria>"
	}
	parts := []string{}
	if c.Label != "" {
		parts = append(parts, fmt.Sprintf("label=%q", c.Label))
	}
	if c.Serial != "" {
		parts = append(parts, fmt.Sprintf("serial=%s", c.Serial))
	}
	return fmt.Sprintf("TokenCriteria{%s}", strings.Join(parts, ", "))
}

// PKCS11Config contains configuration for PKCS#11 signing.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 module shared object (.so/.dylib/.dll).
	ModulePath string `yaml:"module-path" json:"module_path"`

	// SlotNo picks a slot by position among slots holding a token.
	SlotNo *int `yaml:"slot-no" json:"slot_no,omitempty"`

	// TokenCriteria specifies criteria for finding the token.
	TokenCriteria *TokenCriteria `yaml:"token-criteria" json:"token_criteria,omitempty"`

	// CertLabel is the PKCS#11 label of the signer's certificate.
	CertLabel string `yaml:"cert-label" json:"cert_label,omitempty"`

	// CertID is the hex encoded PKCS#11 ID of the signer's certificate.
	CertID string `yaml:"cert-id" json:"cert_id,omitempty"`

	// KeyLabel is the PKCS#11 label of the private key.
	// Defaults to CertLabel if neither KeyLabel nor KeyID is set.
	KeyLabel string `yaml:"key-label" json:"key_label,omitempty"`

	// KeyID is the hex encoded PKCS#11 ID of the private key.
	KeyID string `yaml:"key-id" json:"key_id,omitempty"`

	// UserPIN is the user PIN for authentication.
	UserPIN string `yaml:"user-pin" json:"user_pin,omitempty"`

	// RawMechanism hashes in software and signs with CKM_RSA_PKCS or CKM_ECDSA,
	// for tokens without hash-then-sign mechanisms.
	RawMechanism bool `yaml:"raw-mechanism" json:"raw_mechanism"`

	// OtherCertsFiles are extra chain certificates not stored on the token.
	OtherCertsFiles []string `yaml:"other-certs" json:"other_certs,omitempty"`
}

// SetDefaults derives missing key identifiers from the certificate ones
// and the other way round.
func (c *PKCS11Config) SetDefaults() {
	if c.KeyLabel == "" && c.KeyID == "" {
		c.KeyLabel = c.CertLabel
		c.KeyID = c.CertID
	}
	if c.CertLabel == "" && c.CertID == "" {
		c.CertLabel = c.KeyLabel
		c.CertID = c.KeyID
	}
}

// Validate validates the PKCS#11 configuration.
func (c *PKCS11Config) Validate() error {
	if c.ModulePath == "" {
		return NewConfigError("pkcs11.module-path", "PKCS#11 module path is required")
	}

	hasKeyIdentifier := c.KeyID != "" || c.KeyLabel != ""
	hasCertIdentifier := c.CertID != "" || c.CertLabel != ""
	if !hasKeyIdentifier && !hasCertIdentifier {
		return NewConfigError("pkcs11", "at least one of key-id, key-label, cert-label, or cert-id must be provided")
	}
	if _, err := decodeID(c.KeyID); err != nil {
		return wrapConfigError("pkcs11.key-id", err)
	}
	if _, err := decodeID(c.CertID); err != nil {
		return wrapConfigError("pkcs11.cert-id", err)
	}
	if c.SlotNo != nil && *c.SlotNo < 0 {
		return NewConfigError("pkcs11.slot-no", "must not be negative")
	}
	return nil
}

// Options converts the configuration into signer options for digest.
func (c *PKCS11Config) Options(digest string) (signers.PKCS11Options, error) {
	keyID, err := decodeID(c.KeyID)
	if err != nil {
		return signers.PKCS11Options{}, wrapConfigError("pkcs11.key-id", err)
	}
	certID, err := decodeID(c.CertID)
	if err != nil {
		return signers.PKCS11Options{}, wrapConfigError("pkcs11.cert-id", err)
	}
	opts := signers.PKCS11Options{
		ModulePath:   c.ModulePath,
		SlotIndex:    c.SlotNo,
		UserPIN:      c.UserPIN,
		KeyLabel:     c.KeyLabel,
		KeyID:        keyID,
		CertLabel:    c.CertLabel,
		CertID:       certID,
		Digest:       digest,
		RawMechanism: c.RawMechanism,
	}
	if !c.TokenCriteria.IsEmpty() {
		opts.TokenLabel = c.TokenCriteria.Label
		opts.TokenSerial = c.TokenCriteria.Serial
	}
	return opts, nil
}

// decodeID accepts hex with optional colons, as printed by pkcs11-tool.
func decodeID(s string) ([]byte, error) {
	if s == "" {
		return nil, nil
	}
	id, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid PKCS#11 ID %q: %w", s, err)
	}
	return id, nil
}
