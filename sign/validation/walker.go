// Package validation re-validates the signatures of a document revision by
// revision, using the revocation evidence embedded in each revision.
package validation

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/dss"
)

// WalkerName identifies evidence added by the walker itself.
const WalkerName = "LtvWalker"

// TimeSource indicates where the date a revision was validated at came from.
type TimeSource string

const (
	// TimeSourceEmbeddedTimestamp is the genTime of an RFC 3161 token.
	TimeSourceEmbeddedTimestamp TimeSource = "embedded_timestamp"
	// TimeSourceSignatureTime is the signer-provided signing-time attribute.
	// It is not trustworthy.
	TimeSourceSignatureTime TimeSource = "signature_time"
	// TimeSourceCurrentTime is the walker's clock.
	TimeSourceCurrentTime TimeSource = "current_time"
)

// String returns the string representation of the time source.
func (ts TimeSource) String() string {
	return string(ts)
}

// IsTrusted reports whether the source is cryptographically bound to a
// signature.
func (ts TimeSource) IsTrusted() bool {
	return ts == TimeSourceEmbeddedTimestamp
}

// RevisionResult is the outcome for one signed revision.
type RevisionResult struct {
	Name      string
	SubFilter cms.SubFilter
	// SignDate is the date the revision's certificates were checked at.
	SignDate   time.Time
	TimeSource TimeSource
	Evidence   []certvalidator.Evidence
}

// LtvWalker validates a document from its latest signature back to the
// first, checking each revision's certificates against the evidence stored
// in that revision's DSS.
type LtvWalker struct {
	// CertificateOption selects whether only the signing certificate or the
	// whole chain must be confirmed.
	CertificateOption dss.CertificateOption
	// VerifyRootCertificate rejects a self-signed certificate for which no
	// verifier produced evidence.
	VerifyRootCertificate bool
	// Verifier is consulted after the revision's DSS evidence, typically an
	// online chain.
	Verifier certvalidator.Verifier
	Roots    *certvalidator.RootStore
	Logger   observability.Logger
	// Now is the date the latest revision is checked at.
	Now func() time.Time
}

// NewLtvWalker returns a walker trusting roots.
func NewLtvWalker(roots *certvalidator.RootStore, logger observability.Logger) *LtvWalker {
	return &LtvWalker{Roots: roots, Logger: logger, Now: time.Now}
}

// walkState is the per-revision cursor.
type walkState struct {
	revision   Revision
	container  *cms.Container
	signDate   time.Time
	timeSource TimeSource
	latest     bool
}

// Verify walks all revisions starting at latest and returns one result per
// signature, latest first. It stops at the first failure.
func (w *LtvWalker) Verify(ctx context.Context, latest Revision) (results []RevisionResult, err error) {
	opID := observability.NewOperationID()
	ctx, span := observability.StartSpan(ctx, "validation.LtvWalker.Verify",
		observability.AttrOperationID.String(opID))
	defer func() { observability.EndSpan(span, err) }()
	log := observability.OrNull(w.Logger).ForContext("OperationID", opID)

	if latest == nil {
		return nil, ErrNoSignatures
	}
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	state := &walkState{revision: latest, signDate: now(), timeSource: TimeSourceCurrentTime, latest: true}
	if state.container, err = w.coversWholeDocument(latest); err != nil {
		return nil, err
	}

	for state.revision != nil {
		name := state.revision.SignatureName()
		log.InfoContext(ctx, "Validating {Signature} at {SignDate}", name, state.signDate)
		evidence, err := w.verifySignature(ctx, state)
		if err != nil {
			return results, err
		}
		observability.RevisionsValidatedTotal.Inc()
		results = append(results, RevisionResult{
			Name:       name,
			SubFilter:  state.container.SubFilter(),
			SignDate:   state.signDate,
			TimeSource: state.timeSource,
			Evidence:   evidence,
		})
		if err := w.switchToPreviousRevision(state); err != nil {
			return results, err
		}
	}
	log.InfoContext(ctx, "Validated {Count} revisions", len(results))
	return results, nil
}

// verifySignature checks the signer chain at the state's date and gathers
// evidence for the certificates selected by CertificateOption.
func (w *LtvWalker) verifySignature(ctx context.Context, state *walkState) ([]certvalidator.Evidence, error) {
	chain := state.container.SignCertificateChain()
	if len(chain) == 0 {
		return nil, sigerr.Malformed("signature has no signer certificate", nil)
	}
	if err := verifyChain(chain, state.signDate); err != nil {
		return nil, err
	}

	verifier, err := w.revisionChain(state.revision)
	if err != nil {
		return nil, err
	}

	total := 1
	if w.CertificateOption == dss.WholeChain {
		total = len(chain)
	}
	var result []certvalidator.Evidence
	for i := 0; i < total; i++ {
		cert := chain[i]
		issuer := w.issuerOf(chain, i)
		list, err := verifier.Verify(ctx, cert, issuer, state.signDate)
		if err != nil {
			return nil, err
		}
		if len(list) == 0 {
			list, err = w.tolerateRoot(cert, len(chain), state.latest)
			if err != nil {
				return nil, err
			}
		}
		result = append(result, list...)
	}
	return result, nil
}

// issuerOf returns the issuer of chain[i]: its successor, or for a tail that
// is not self-signed the trust anchor that signed it.
func (w *LtvWalker) issuerOf(chain []*x509.Certificate, i int) *x509.Certificate {
	if i+1 < len(chain) {
		return chain[i+1]
	}
	cert := chain[i]
	if certvalidator.IsSelfSigned(cert) {
		return nil
	}
	anchor, _ := w.Roots.Find(func(anchor *x509.Certificate) bool { return certvalidator.SignedBy(cert, anchor) })
	return anchor
}

// tolerateRoot decides on a certificate no verifier confirmed. Only a
// self-signed certificate passes, and only while root verification is not
// demanded.
func (w *LtvWalker) tolerateRoot(cert *x509.Certificate, chainLen int, latest bool) ([]certvalidator.Evidence, error) {
	subject := certvalidator.Subject(cert)
	if !certvalidator.IsSelfSigned(cert) {
		return nil, sigerr.Insufficient(subject, "couldn't verify with CRL or OCSP or trusted anchor")
	}
	var list []certvalidator.Evidence
	if latest && chainLen > 1 {
		list = append(list, certvalidator.Evidence{Certificate: cert, Verifier: WalkerName, Message: "Root certificate in final revision"})
	}
	if len(list) == 0 && w.VerifyRootCertificate {
		return nil, sigerr.Insufficient(subject, "root certificate is not trusted")
	}
	if len(list) == 0 && chainLen > 1 {
		list = append(list, certvalidator.Evidence{Certificate: cert, Verifier: WalkerName, Message: "Root certificate passed without checking"})
	}
	return list, nil
}

// revisionChain builds the verifier chain seeded with the revision's DSS:
// root trust, then the stored CRLs and OCSP responses, then the external
// verifier.
func (w *LtvWalker) revisionChain(rev Revision) (*certvalidator.Chain, error) {
	ev, err := rev.Evidence()
	if err != nil {
		return nil, fmt.Errorf("failed to read DSS of %s: %w", rev.SignatureName(), err)
	}
	var crls, ocsps [][]byte
	if ev != nil {
		crls, ocsps = ev.CRLs, ev.OCSPs
	}
	roots := w.Roots
	if roots == nil {
		roots = certvalidator.NewRootStore()
	}
	ocspVerifier := certvalidator.NewOCSPVerifier(ocsps, nil, roots, w.Logger)
	ocspVerifier.Now = w.Now
	return certvalidator.NewChain(w.Logger,
		certvalidator.NewRootVerifier(roots),
		certvalidator.NewCRLVerifier(crls, nil, roots, w.Logger),
		ocspVerifier,
		w.Verifier,
	), nil
}

// coversWholeDocument parses the revision's signature and requires it to
// span the revision and verify against the covered bytes.
func (w *LtvWalker) coversWholeDocument(rev Revision) (*cms.Container, error) {
	name := rev.SignatureName()
	if !rev.CoversWholeRevision() {
		return nil, sigerr.Modified(name, "signature doesn't cover whole document")
	}
	contents, subFilter := rev.SignatureContents()
	c, err := cms.Parse(contents, subFilter)
	if err != nil {
		return nil, fmt.Errorf("failed to parse signature %s: %w", name, err)
	}
	signed, err := rev.SignedBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to read signed bytes of %s: %w", name, err)
	}
	c.Update(signed)
	ok, err := c.Verify()
	if err != nil {
		return nil, fmt.Errorf("failed to verify signature %s: %w", name, err)
	}
	if !ok {
		return nil, sigerr.Modified(name, "the signature could not be verified")
	}
	if c.TimestampToken() != nil && !c.IsTimestampToken() {
		if ok, err := c.VerifyTimestampImprint(); err != nil || !ok {
			return nil, sigerr.Modified(name, "timestamp imprint does not match the signature")
		}
	}
	return c, nil
}

// switchToPreviousRevision moves the state to the revision before the
// current signature. The processed signature's timestamp, or failing that
// its signing time, becomes the date of the earlier revision.
func (w *LtvWalker) switchToPreviousRevision(state *walkState) error {
	if t := state.container.TimestampDate(); !t.IsZero() {
		state.signDate, state.timeSource = t, TimeSourceEmbeddedTimestamp
	} else if t := state.container.SigningTime(); !t.IsZero() {
		state.signDate, state.timeSource = t, TimeSourceSignatureTime
	}
	state.latest = false

	prev, err := state.revision.Previous()
	if err != nil {
		return fmt.Errorf("failed to extract revision before %s: %w", state.revision.SignatureName(), err)
	}
	state.revision = prev
	if prev == nil {
		state.container = nil
		return nil
	}
	state.container, err = w.coversWholeDocument(prev)
	return err
}

// verifyChain checks every certificate is valid at signDate and signed by
// its successor.
func verifyChain(chain []*x509.Certificate, signDate time.Time) error {
	for i, cert := range chain {
		if !certvalidator.ValidAt(cert, signDate) {
			return sigerr.InvalidCertificate(certvalidator.Subject(cert),
				fmt.Sprintf("not valid at %s", signDate.UTC().Format(time.RFC3339)), nil)
		}
		if i > 0 && !certvalidator.SignedBy(chain[i-1], cert) {
			return sigerr.InvalidCertificate(certvalidator.Subject(chain[i-1]),
				"not signed by "+certvalidator.Subject(cert), nil)
		}
	}
	return nil
}
