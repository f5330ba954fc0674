package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"github.com/georgepadayatti/gopdfsig/certvalidator/revinfo"
	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sigerr"
)

// CRLVerifierName is the Evidence.Verifier value of CRLVerifier.
const CRLVerifierName = "CRLVerifier"

// candidateResult is the outcome of evaluating one piece of revocation
// evidence.
type candidateResult int

const (
	candidateSkip candidateResult = iota
	candidateAccept
	candidateRevoked
)

func (r candidateResult) String() string {
	switch r {
	case candidateAccept:
		return "accept"
	case candidateRevoked:
		return "revoked"
	default:
		return "skip"
	}
}

// CRLVerifier confirms a certificate against supplied CRLs, falling back to
// one online fetch when none of them applies.
type CRLVerifier struct {
	// CRLs are DER CRLs tried first, typically embedded in the signature or
	// the document security store.
	CRLs [][]byte
	// Client fetches a CRL through the distribution point when no supplied
	// CRL applies. Nil disables the online step.
	Client CRLClient
	// OnlineCheckingAllowed enables Client. NewCRLVerifier sets it.
	OnlineCheckingAllowed bool
	// Roots are consulted for CRL authenticity when the issuer key does not
	// verify the CRL.
	Roots  *RootStore
	Logger observability.Logger
}

// NewCRLVerifier returns a CRLVerifier with online checking allowed.
func NewCRLVerifier(crls [][]byte, client CRLClient, roots *RootStore, logger observability.Logger) *CRLVerifier {
	return &CRLVerifier{
		CRLs:                  crls,
		Client:                client,
		OnlineCheckingAllowed: true,
		Roots:                 roots,
		Logger:                logger,
	}
}

// Name implements Named.
func (v *CRLVerifier) Name() string { return CRLVerifierName }

// Verify implements Verifier. A CRL that proves revocation is a
// RevocationProven error; unusable or unparseable CRLs contribute nothing.
func (v *CRLVerifier) Verify(ctx context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) ([]Evidence, error) {
	logger := observability.OrNull(v.Logger)

	found := 0
	for _, raw := range v.CRLs {
		res, err := v.evaluateRaw(raw, signCert, issuerCert, signDate)
		if err != nil {
			logger.Debug("Skipping CRL: {Error}", err)
			continue
		}
		switch res {
		case candidateRevoked:
			return nil, sigerr.Revoked(Subject(signCert), "the certificate has been revoked")
		case candidateAccept:
			found++
		}
	}

	online := false
	if found == 0 && v.OnlineCheckingAllowed && v.Client != nil {
		res, err := v.fetchAndEvaluate(ctx, signCert, issuerCert, signDate)
		if err != nil {
			logger.Warn("Online CRL check for {Subject} failed: {Error}", Subject(signCert), err)
		}
		switch res {
		case candidateRevoked:
			return nil, sigerr.Revoked(Subject(signCert), "the certificate has been revoked")
		case candidateAccept:
			found++
			online = true
		}
	}

	logger.Info("Valid CRLs found: {Count}", found)
	if found == 0 {
		return nil, nil
	}
	msg := fmt.Sprintf("Valid CRLs found: %d", found)
	if online {
		msg += " (online)"
	}
	return []Evidence{{Certificate: signCert, Verifier: CRLVerifierName, Message: msg}}, nil
}

// VerifyCRL reports whether crl is usable for signCert at signDate. It
// returns a RevocationProven error when an authentic CRL lists signCert.
func (v *CRLVerifier) VerifyCRL(crl *revinfo.CRLRecord, signCert, issuerCert *x509.Certificate, signDate time.Time) (bool, error) {
	switch v.evaluate(crl, signCert, issuerCert, signDate) {
	case candidateRevoked:
		return false, sigerr.Revoked(Subject(signCert), "the certificate has been revoked")
	case candidateAccept:
		return true, nil
	default:
		return false, nil
	}
}

func (v *CRLVerifier) fetchAndEvaluate(ctx context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) (candidateResult, error) {
	ctx, span := observability.StartSpan(ctx, "certvalidator.FetchCRL", observability.AttrSubject.String(Subject(signCert)))
	blobs, err := v.Client.GetEncoded(ctx, signCert, "")
	observability.EndSpan(span, err)
	if err != nil {
		return candidateSkip, sigerr.Transient("CRL fetch failed", err)
	}
	for _, raw := range blobs {
		res, err := v.evaluateRaw(raw, signCert, issuerCert, signDate)
		if err != nil || res == candidateSkip {
			continue
		}
		return res, nil
	}
	return candidateSkip, nil
}

func (v *CRLVerifier) evaluateRaw(raw []byte, signCert, issuerCert *x509.Certificate, signDate time.Time) (candidateResult, error) {
	crl, err := revinfo.ParseCRL(raw)
	if err != nil {
		return candidateSkip, err
	}
	return v.evaluate(crl, signCert, issuerCert, signDate), nil
}

// evaluate applies the usability rules: matching issuer name, signDate
// strictly inside the CRL window and an authentic signature.
func (v *CRLVerifier) evaluate(crl *revinfo.CRLRecord, signCert, issuerCert *x509.Certificate, signDate time.Time) candidateResult {
	if crl == nil || signDate.IsZero() {
		return candidateSkip
	}
	if !NamesEqual(crl.List.RawIssuer, signCert.RawIssuer) || !crl.ValidAt(signDate) {
		return candidateSkip
	}
	if !v.authentic(crl, issuerCert) {
		observability.OrNull(v.Logger).Warn("CRL from {Issuer} could not be authenticated", crl.List.Issuer.String())
		return candidateSkip
	}
	if _, revoked := crl.RevokedEntry(signCert.SerialNumber); revoked {
		return candidateRevoked
	}
	return candidateAccept
}

func (v *CRLVerifier) authentic(crl *revinfo.CRLRecord, issuerCert *x509.Certificate) bool {
	if crl.SignedBy(issuerCert) {
		return true
	}
	_, ok := v.Roots.Find(crl.SignedBy)
	return ok
}
