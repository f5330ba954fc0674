// Package certvalidator verifies signing certificates against trust anchors
// and revocation evidence through an ordered chain of verifiers.
package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sigerr"
)

// Evidence records that a verifier confirmed a certificate. An empty
// evidence list means unconfirmed, not invalid.
type Evidence struct {
	Certificate *x509.Certificate
	Verifier    string
	Message     string
}

// String renders the evidence for logs and CLI output.
func (e Evidence) String() string {
	return fmt.Sprintf("%s verified with %s: %s", Subject(e.Certificate), e.Verifier, e.Message)
}

// Verifier checks signCert, issued by issuerCert, at signDate. issuerCert is
// nil when the issuer is unknown or signCert is a root.
type Verifier interface {
	Verify(ctx context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) ([]Evidence, error)
}

// Named is implemented by verifiers that report a stable name for logs and
// metrics.
type Named interface {
	Name() string
}

func verifierName(v Verifier) string {
	if n, ok := v.(Named); ok {
		return n.Name()
	}
	return fmt.Sprintf("%T", v)
}

// Chain runs an ordered list of verifiers and concatenates their evidence.
// Success never short-circuits; the first error is returned immediately and
// discards evidence gathered so far.
type Chain struct {
	Verifiers []Verifier
	Logger    observability.Logger
}

// NewChain returns a Chain over verifiers, in order.
func NewChain(logger observability.Logger, verifiers ...Verifier) *Chain {
	return &Chain{Verifiers: verifiers, Logger: logger}
}

// Name implements Named.
func (c *Chain) Name() string { return "Chain" }

// Verify implements Verifier.
func (c *Chain) Verify(ctx context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) ([]Evidence, error) {
	logger := observability.OrNull(c.Logger).ForContext("Subject", Subject(signCert))

	var result []Evidence
	for _, v := range c.Verifiers {
		if v == nil {
			continue
		}
		name := verifierName(v)
		spanCtx, span := observability.StartSpan(ctx, "certvalidator."+name,
			observability.AttrVerifier.String(name),
			observability.AttrSubject.String(Subject(signCert)))

		evidence, err := v.Verify(spanCtx, signCert, issuerCert, signDate)
		span.SetAttributes(observability.AttrEvidence.Int(len(evidence)))
		observability.EndSpan(span, err)

		if err != nil {
			outcome := observability.OutcomeError
			if sigerr.KindOf(err) == sigerr.KindRevocationProven {
				outcome = observability.OutcomeRevoked
			}
			observability.RecordVerifierOutcome(name, outcome)
			logger.Warn("Verifier {Verifier} failed: {Error}", name, err)
			return nil, err
		}
		if len(evidence) == 0 {
			observability.RecordVerifierOutcome(name, observability.OutcomeNone)
		} else {
			observability.RecordVerifierOutcome(name, observability.OutcomeEvidence)
		}
		logger.Debug("Verifier {Verifier} produced {Count} evidence entries", name, len(evidence))
		result = append(result, evidence...)
	}
	return result, nil
}

// BuildChain orders certificates leaf first. Starting at leaf it repeatedly
// picks from pool a certificate whose public key verifies the current tail,
// stopping at a self-signed tail or when no issuer remains. A certificate is
// never added twice.
func BuildChain(leaf *x509.Certificate, pool []*x509.Certificate) []*x509.Certificate {
	if leaf == nil {
		return nil
	}
	chain := []*x509.Certificate{leaf}
	for tail := leaf; !IsSelfSigned(tail); {
		var next *x509.Certificate
		for _, cand := range pool {
			if cand == nil || contains(chain, cand) {
				continue
			}
			if SignedBy(tail, cand) {
				next = cand
				break
			}
		}
		if next == nil {
			break
		}
		chain = append(chain, next)
		tail = next
	}
	return chain
}

func contains(certs []*x509.Certificate, cert *x509.Certificate) bool {
	for _, c := range certs {
		if SameCertificate(c, cert) {
			return true
		}
	}
	return false
}

// RootStore is a set of trust anchors. The zero value and nil are empty.
type RootStore struct {
	certs []*x509.Certificate
}

// NewRootStore returns a store holding certs.
func NewRootStore(certs ...*x509.Certificate) *RootStore {
	s := &RootStore{}
	for _, c := range certs {
		s.Add(c)
	}
	return s
}

// Add adds cert unless it is already present.
func (s *RootStore) Add(cert *x509.Certificate) {
	if cert == nil || contains(s.certs, cert) {
		return
	}
	s.certs = append(s.certs, cert)
}

// Certificates returns the anchors.
func (s *RootStore) Certificates() []*x509.Certificate {
	if s == nil {
		return nil
	}
	return s.certs
}

// Len returns the number of anchors.
func (s *RootStore) Len() int {
	return len(s.Certificates())
}

// Find returns the first anchor for which match returns true.
func (s *RootStore) Find(match func(anchor *x509.Certificate) bool) (*x509.Certificate, bool) {
	for _, a := range s.Certificates() {
		if match(a) {
			return a, true
		}
	}
	return nil, false
}
