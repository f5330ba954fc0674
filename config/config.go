// Package config loads the YAML configuration of the signing and
// validation commands.
package config

import (
	"bytes"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/certvalidator/fetchers"
	"github.com/georgepadayatti/gopdfsig/keys"
	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sign/algorithms"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/dss"
	"github.com/georgepadayatti/gopdfsig/sign/timestamps"
)

// Common errors
var (
	ErrConfigurationError = errors.New("configuration error")
	ErrNoCredential       = errors.New("no signing credential configured")
)

// ConfigError represents a configuration error with context.
type ConfigError struct {
	Field   string
	Message string
	Err     error
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error in '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

func (e *ConfigError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrConfigurationError
}

// NewConfigError creates a new ConfigError.
func NewConfigError(field, message string) *ConfigError {
	return &ConfigError{Field: field, Message: message}
}

func wrapConfigError(field string, err error) *ConfigError {
	return &ConfigError{Field: field, Message: err.Error(), Err: err}
}

// PKCS12SignatureConfig contains configuration for signing using a PKCS#12 file.
type PKCS12SignatureConfig struct {
	// PFXFile is the path to the PKCS#12 file.
	PFXFile string `yaml:"pfx-file" json:"pfx_file"`

	// PFXPassphrase is the PKCS#12 passphrase.
	PFXPassphrase string `yaml:"pfx-passphrase" json:"pfx_passphrase,omitempty"`

	// OtherCertsFiles are paths to extra chain certificates.
	OtherCertsFiles []string `yaml:"other-certs" json:"other_certs,omitempty"`
}

// Validate validates the PKCS12 signature configuration.
func (c *PKCS12SignatureConfig) Validate() error {
	if c.PFXFile == "" {
		return NewConfigError("pfx-file", "required field is missing")
	}
	return nil
}

// Load decodes the bundle and completes its chain with OtherCertsFiles.
func (c *PKCS12SignatureConfig) Load() (*keys.Credential, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	cred, err := keys.LoadPKCS12(c.PFXFile, c.PFXPassphrase)
	if err != nil {
		return nil, err
	}
	return withOtherCerts(cred, c.OtherCertsFiles)
}

// PemDerSignatureConfig contains configuration for signing using PEM/DER files.
type PemDerSignatureConfig struct {
	// KeyFile is the path to the private key file.
	KeyFile string `yaml:"key-file" json:"key_file"`

	// CertFile is the path to the certificate file.
	CertFile string `yaml:"cert-file" json:"cert_file"`

	// OtherCertsFiles are paths to other certificate files.
	OtherCertsFiles []string `yaml:"other-certs" json:"other_certs,omitempty"`

	// KeyPassphrase is the private key passphrase.
	KeyPassphrase string `yaml:"key-passphrase" json:"key_passphrase,omitempty"`
}

// Validate validates the PEM/DER signature configuration.
func (c *PemDerSignatureConfig) Validate() error {
	if c.KeyFile == "" {
		return NewConfigError("key-file", "required field is missing")
	}
	if c.CertFile == "" {
		return NewConfigError("cert-file", "required field is missing")
	}
	return nil
}

// Load loads the certificate, key and chain from the configured files.
func (c *PemDerSignatureConfig) Load() (*keys.Credential, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return keys.LoadCredential(c.CertFile, c.KeyFile, c.OtherCertsFiles, c.GetPassphraseBytes())
}

// GetPassphraseBytes returns the passphrase as bytes.
func (c *PemDerSignatureConfig) GetPassphraseBytes() []byte {
	if c.KeyPassphrase == "" {
		return nil
	}
	return []byte(c.KeyPassphrase)
}

func withOtherCerts(cred *keys.Credential, files []string) (*keys.Credential, error) {
	if len(files) == 0 {
		return cred, nil
	}
	extra, err := keys.LoadCertificateFiles(files)
	if err != nil {
		return nil, fmt.Errorf("failed to load other certs: %w", err)
	}
	pool := append(append([]*x509.Certificate{}, cred.Chain[1:]...), extra...)
	cred.Chain = certvalidator.BuildChain(cred.Certificate(), pool)
	return cred, nil
}

// SigningConfig selects the credential and the container layout.
type SigningConfig struct {
	// PemDer and PKCS12 are alternative credential sources.
	PemDer *PemDerSignatureConfig `yaml:"pemder" json:"pemder,omitempty"`
	PKCS12 *PKCS12SignatureConfig `yaml:"pkcs12" json:"pkcs12,omitempty"`

	// Digest names the message digest (SHA1, SHA256, ...).
	Digest string `yaml:"digest" json:"digest,omitempty"`

	// SubFilter is the /SubFilter of new signatures.
	SubFilter string `yaml:"subfilter" json:"subfilter,omitempty"`

	// EstimatedSize is the number of bytes reserved for the container.
	// Zero derives it from the revocation data.
	EstimatedSize int `yaml:"estimated-size" json:"estimated_size,omitempty"`

	// EmbedRevocation fetches CRLs and OCSP for the signer while signing.
	EmbedRevocation bool `yaml:"embed-revocation" json:"embed_revocation"`
}

// SetDefaults sets default values for signing configuration.
func (c *SigningConfig) SetDefaults() {
	if c.Digest == "" {
		c.Digest = algorithms.SHA256
	}
	if c.SubFilter == "" {
		c.SubFilter = string(cms.SubFilterPKCS7Detached)
	}
}

// Validate validates the signing configuration.
func (c *SigningConfig) Validate() error {
	if _, err := algorithms.HashForName(c.Digest); err != nil {
		return wrapConfigError("signing.digest", err)
	}
	if _, err := cms.ParseSubFilter(c.SubFilter); err != nil {
		return wrapConfigError("signing.subfilter", err)
	}
	if c.EstimatedSize < 0 {
		return NewConfigError("signing.estimated-size", "must not be negative")
	}
	if c.PemDer != nil && c.PKCS12 != nil {
		return NewConfigError("signing", "pemder and pkcs12 are mutually exclusive")
	}
	if c.PemDer != nil {
		if err := c.PemDer.Validate(); err != nil {
			return err
		}
	}
	if c.PKCS12 != nil {
		if err := c.PKCS12.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ParsedSubFilter returns SubFilter as a cms.SubFilter.
func (c *SigningConfig) ParsedSubFilter() cms.SubFilter {
	sf, _ := cms.ParseSubFilter(c.SubFilter)
	return sf
}

// Credential loads whichever credential source is configured.
func (c *SigningConfig) Credential() (*keys.Credential, error) {
	switch {
	case c.PemDer != nil:
		return c.PemDer.Load()
	case c.PKCS12 != nil:
		return c.PKCS12.Load()
	default:
		return nil, ErrNoCredential
	}
}

// ValidationConfig controls the LTV walker and writer.
type ValidationConfig struct {
	// TrustAnchors are certificate files trusted as roots.
	TrustAnchors []string `yaml:"trust-anchors" json:"trust_anchors,omitempty"`

	// CertificateOption is "signing" or "chain".
	CertificateOption string `yaml:"certificate-option" json:"certificate_option,omitempty"`

	// VerifyRoot rejects a root certificate for which no evidence exists.
	VerifyRoot bool `yaml:"verify-root" json:"verify_root"`

	// LTVLevel is the revocation data gathered by the writer.
	LTVLevel string `yaml:"ltv-level" json:"ltv_level,omitempty"`

	// IncludeCertificates adds the chain to the DSS.
	IncludeCertificates bool `yaml:"include-certificates" json:"include_certificates"`

	// Online allows CRL and OCSP fetches while validating.
	Online bool `yaml:"online" json:"online"`

	// CheckResponderAfterCRL also checks the validity period of delegated
	// OCSP responders whose status was confirmed by CRL.
	CheckResponderAfterCRL bool `yaml:"check-responder-after-crl" json:"check_responder_after_crl"`
}

// SetDefaults sets default values for validation configuration.
func (c *ValidationConfig) SetDefaults() {
	if c.CertificateOption == "" {
		c.CertificateOption = "chain"
	}
	if c.LTVLevel == "" {
		c.LTVLevel = dss.LevelOCSPOptionalCRL.String()
	}
}

// Validate validates the validation configuration.
func (c *ValidationConfig) Validate() error {
	if _, err := c.Option(); err != nil {
		return err
	}
	if _, err := dss.ParseLevel(c.LTVLevel); err != nil {
		return wrapConfigError("validation.ltv-level", err)
	}
	return nil
}

// Option returns the parsed certificate option.
func (c *ValidationConfig) Option() (dss.CertificateOption, error) {
	switch strings.ToLower(c.CertificateOption) {
	case "signing", "signing-certificate":
		return dss.SigningCertificate, nil
	case "chain", "whole-chain", "":
		return dss.WholeChain, nil
	default:
		return 0, NewConfigError("validation.certificate-option",
			fmt.Sprintf("unknown option %q (must be signing or chain)", c.CertificateOption))
	}
}

// Level returns the parsed LTV level.
func (c *ValidationConfig) Level() dss.Level {
	level, _ := dss.ParseLevel(c.LTVLevel)
	return level
}

// Inclusion returns the certificate inclusion of the LTV writer.
func (c *ValidationConfig) Inclusion() dss.Inclusion {
	if c.IncludeCertificates {
		return dss.InclusionYes
	}
	return dss.InclusionNo
}

// RootStore loads the trust anchors.
func (c *ValidationConfig) RootStore() (*certvalidator.RootStore, error) {
	certs, err := keys.LoadCertificateFiles(c.TrustAnchors)
	if err != nil {
		return nil, wrapConfigError("validation.trust-anchors", err)
	}
	return certvalidator.NewRootStore(certs...), nil
}

// FetcherConfig configures the HTTP revocation fetchers.
type FetcherConfig struct {
	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`

	// Retries is the number of attempts per URL.
	Retries int `yaml:"retries" json:"retries,omitempty"`

	// CacheTTL is the response cache lifetime in seconds. Zero disables it.
	CacheTTL int `yaml:"cache-ttl" json:"cache_ttl,omitempty"`

	UserAgent string `yaml:"user-agent" json:"user_agent,omitempty"`
	Proxy     string `yaml:"proxy" json:"proxy,omitempty"`

	// MaxResponseSize limits response bodies, in bytes.
	MaxResponseSize int64 `yaml:"max-response-size" json:"max_response_size,omitempty"`
}

// SetDefaults sets default values for fetcher configuration.
func (c *FetcherConfig) SetDefaults() {
	def := fetchers.DefaultConfig()
	if c.Timeout == 0 {
		c.Timeout = int(def.Timeout / time.Second)
	}
	if c.Retries == 0 {
		c.Retries = def.Retry.MaxAttempts
	}
	if c.UserAgent == "" {
		c.UserAgent = def.UserAgent
	}
	if c.MaxResponseSize == 0 {
		c.MaxResponseSize = def.MaxResponseSize
	}
}

// Validate validates the fetcher configuration.
func (c *FetcherConfig) Validate() error {
	if c.Timeout < 0 {
		return NewConfigError("fetcher.timeout", "must not be negative")
	}
	if c.Retries < 0 {
		return NewConfigError("fetcher.retries", "must not be negative")
	}
	if c.CacheTTL < 0 {
		return NewConfigError("fetcher.cache-ttl", "must not be negative")
	}
	return nil
}

// Fetcher builds the shared HTTP fetcher.
func (c *FetcherConfig) Fetcher(logger observability.Logger) (*fetchers.Fetcher, error) {
	httpConfig := fetchers.DefaultHTTPClientConfig()
	httpConfig.Timeout = time.Duration(c.Timeout) * time.Second
	httpConfig.ProxyURL = c.Proxy
	client, err := fetchers.NewHTTPClient(httpConfig)
	if err != nil {
		return nil, wrapConfigError("fetcher.proxy", err)
	}

	retry := fetchers.DefaultRetryPolicy()
	retry.MaxAttempts = c.Retries
	return fetchers.NewFetcher(&fetchers.Config{
		Timeout:         httpConfig.Timeout,
		MaxResponseSize: c.MaxResponseSize,
		UserAgent:       c.UserAgent,
		CacheTTL:        time.Duration(c.CacheTTL) * time.Second,
		Retry:           retry,
		HTTPClient:      client,
		Logger:          logger,
	}), nil
}

// TimestampConfig contains timestamp service configuration.
type TimestampConfig struct {
	// URL is the timestamp service URL.
	URL string `yaml:"url" json:"url"`

	// Username for HTTP authentication.
	Username string `yaml:"username" json:"username,omitempty"`

	// Password for HTTP authentication.
	Password string `yaml:"password" json:"password,omitempty"`

	// Timeout is the request timeout in seconds.
	Timeout int `yaml:"timeout" json:"timeout,omitempty"`
}

// Validate validates the timestamp configuration.
func (c *TimestampConfig) Validate() error {
	if c.URL == "" {
		return NewConfigError("timestamp.url", "timestamp URL is required")
	}
	if c.Timeout < 0 {
		return NewConfigError("timestamp.timeout", "must not be negative")
	}
	return nil
}

// Client returns an RFC 3161 client for the configured service.
func (c *TimestampConfig) Client(logger observability.Logger) *timestamps.HTTPTSAClient {
	client := timestamps.NewHTTPTSAClient(c.URL)
	if c.Username != "" {
		client.SetCredentials(c.Username, c.Password)
	}
	if c.Timeout > 0 {
		client.HTTPClient.Timeout = time.Duration(c.Timeout) * time.Second
	}
	client.Logger = logger
	return client
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	// Level is the log level (verbose, debug, info, warn, error).
	Level string `yaml:"level" json:"level,omitempty"`

	// Output is the log output (stdout, stderr, or file path).
	Output string `yaml:"output" json:"output,omitempty"`
}

// SetDefaults sets default values for logging configuration.
func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Output == "" {
		c.Output = "stderr"
	}
}

// Logger opens the configured output. The returned closer releases a log
// file and is a no-op for the standard streams.
func (c *LoggingConfig) Logger() (observability.Logger, io.Closer, error) {
	level := observability.ParseLevel(c.Level)
	switch c.Output {
	case "", "stderr":
		return observability.NewLogger(os.Stderr, level), io.NopCloser(nil), nil
	case "stdout":
		return observability.NewLogger(os.Stdout, level), io.NopCloser(nil), nil
	}
	f, err := os.OpenFile(c.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, wrapConfigError("logging.output", err)
	}
	return observability.NewLogger(f, level), f, nil
}

// AppConfig contains the complete application configuration.
type AppConfig struct {
	Signing    *SigningConfig    `yaml:"signing" json:"signing,omitempty"`
	Validation *ValidationConfig `yaml:"validation" json:"validation,omitempty"`
	Fetcher    *FetcherConfig    `yaml:"fetcher" json:"fetcher,omitempty"`

	// Timestamp is optional; signatures are not timestamped without it.
	Timestamp *TimestampConfig `yaml:"timestamp" json:"timestamp,omitempty"`

	Logging *LoggingConfig `yaml:"logging" json:"logging,omitempty"`

	// PKCS11 replaces the file based credential when set.
	PKCS11 *PKCS11Config `yaml:"pkcs11" json:"pkcs11,omitempty"`
}

// DefaultAppConfig returns a configuration with every default applied.
func DefaultAppConfig() *AppConfig {
	c := &AppConfig{}
	c.SetDefaults()
	return c
}

// SetDefaults fills absent sections and their defaults.
func (c *AppConfig) SetDefaults() {
	if c.Signing == nil {
		c.Signing = &SigningConfig{}
	}
	c.Signing.SetDefaults()
	if c.Validation == nil {
		c.Validation = &ValidationConfig{}
	}
	c.Validation.SetDefaults()
	if c.Fetcher == nil {
		c.Fetcher = &FetcherConfig{}
	}
	c.Fetcher.SetDefaults()
	if c.Logging == nil {
		c.Logging = &LoggingConfig{}
	}
	c.Logging.SetDefaults()
	if c.PKCS11 != nil {
		c.PKCS11.SetDefaults()
	}
}

// Validate checks every present section.
func (c *AppConfig) Validate() error {
	if c.Signing != nil {
		if err := c.Signing.Validate(); err != nil {
			return err
		}
	}
	if c.Validation != nil {
		if err := c.Validation.Validate(); err != nil {
			return err
		}
	}
	if c.Fetcher != nil {
		if err := c.Fetcher.Validate(); err != nil {
			return err
		}
	}
	if c.Timestamp != nil {
		if err := c.Timestamp.Validate(); err != nil {
			return err
		}
	}
	if c.PKCS11 != nil {
		if err := c.PKCS11.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// LoadAppConfig loads the complete application configuration from a file.
func LoadAppConfig(filename string) (*AppConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseAppConfig(data)
}

// ParseAppConfig parses YAML, rejecting unknown keys, then applies defaults
// and validates the result.
func ParseAppConfig(data []byte) (*AppConfig, error) {
	var config AppConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, &ConfigError{Message: "failed to parse config", Err: err}
	}

	config.SetDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}
