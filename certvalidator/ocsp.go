package certvalidator

import (
	"context"
	"crypto/x509"
	"fmt"
	"time"

	"golang.org/x/crypto/ocsp"

	"github.com/georgepadayatti/gopdfsig/certvalidator/revinfo"
	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sigerr"
)

// OCSPVerifierName is the Evidence.Verifier value of OCSPVerifier.
const OCSPVerifierName = "OCSPVerifier"

// OCSPVerifier confirms a certificate against supplied OCSP responses,
// falling back to one online request when none of them applies.
type OCSPVerifier struct {
	// Responses are full DER OCSPResponses tried first.
	Responses [][]byte
	// Client fetches a response from the AIA responder when no supplied
	// response applies. Nil disables the online step.
	Client OCSPClient
	// CRLClient fetches the CRL used to check a delegated responder that
	// lacks id-pkix-ocsp-nocheck. Nil skips that check.
	CRLClient CRLClient
	// OnlineCheckingAllowed enables Client and CRLClient. NewOCSPVerifier
	// sets it.
	OnlineCheckingAllowed bool
	// CheckResponderValidityAfterCRL also requires a delegated responder
	// whose status was confirmed by CRL to be inside its validity period.
	// When false, only responders that were not checked by CRL have their
	// validity period checked.
	CheckResponderValidityAfterCRL bool
	// Roots authenticate responses that embed no responder certificate.
	Roots  *RootStore
	Logger observability.Logger
	// Now returns the time used for responder certificate checks.
	Now func() time.Time
}

// NewOCSPVerifier returns an OCSPVerifier with online checking allowed.
func NewOCSPVerifier(responses [][]byte, client OCSPClient, roots *RootStore, logger observability.Logger) *OCSPVerifier {
	return &OCSPVerifier{
		Responses:             responses,
		Client:                client,
		OnlineCheckingAllowed: true,
		Roots:                 roots,
		Logger:                logger,
	}
}

// Name implements Named.
func (v *OCSPVerifier) Name() string { return OCSPVerifierName }

func (v *OCSPVerifier) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Verify implements Verifier. A "revoked" entry from an authentic response
// is a RevocationProven error; everything else that does not confirm the
// certificate contributes nothing.
func (v *OCSPVerifier) Verify(ctx context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) ([]Evidence, error) {
	logger := observability.OrNull(v.Logger)

	found := 0
	for _, raw := range v.Responses {
		res, err := v.evaluateRaw(ctx, raw, signCert, issuerCert, signDate)
		if err != nil {
			logger.Debug("Skipping OCSP response: {Error}", err)
			continue
		}
		switch res {
		case candidateRevoked:
			return nil, sigerr.Revoked(Subject(signCert), "OCSP responder reports the certificate as revoked")
		case candidateAccept:
			found++
		}
	}

	online := false
	if found == 0 && v.OnlineCheckingAllowed && v.Client != nil {
		res, err := v.fetchAndEvaluate(ctx, signCert, issuerCert, signDate)
		if err != nil {
			logger.Warn("Online OCSP check for {Subject} failed: {Error}", Subject(signCert), err)
		}
		switch res {
		case candidateRevoked:
			return nil, sigerr.Revoked(Subject(signCert), "OCSP responder reports the certificate as revoked")
		case candidateAccept:
			found++
			online = true
		}
	}

	logger.Info("Valid OCSPs found: {Count}", found)
	if found == 0 {
		return nil, nil
	}
	msg := fmt.Sprintf("Valid OCSPs Found: %d", found)
	if online {
		msg += " (online)"
	}
	return []Evidence{{Certificate: signCert, Verifier: OCSPVerifierName, Message: msg}}, nil
}

// VerifyResponse reports whether resp confirms signCert at signDate. It
// returns a RevocationProven error when an authentic response reports the
// certificate as revoked.
func (v *OCSPVerifier) VerifyResponse(ctx context.Context, resp *revinfo.OCSPRecord, signCert, issuerCert *x509.Certificate, signDate time.Time) (bool, error) {
	switch v.evaluate(ctx, resp, signCert, issuerCert, signDate) {
	case candidateRevoked:
		return false, sigerr.Revoked(Subject(signCert), "OCSP responder reports the certificate as revoked")
	case candidateAccept:
		return true, nil
	default:
		return false, nil
	}
}

func (v *OCSPVerifier) fetchAndEvaluate(ctx context.Context, signCert, issuerCert *x509.Certificate, signDate time.Time) (candidateResult, error) {
	issuer := issuerCert
	if issuer == nil {
		issuer = signCert
	}
	spanCtx, span := observability.StartSpan(ctx, "certvalidator.FetchOCSP", observability.AttrSubject.String(Subject(signCert)))
	raw, err := v.Client.GetEncoded(spanCtx, signCert, issuer, "")
	observability.EndSpan(span, err)
	if err != nil {
		return candidateSkip, sigerr.Transient("OCSP fetch failed", err)
	}
	if len(raw) == 0 {
		return candidateSkip, nil
	}
	return v.evaluateRaw(ctx, raw, signCert, issuerCert, signDate)
}

func (v *OCSPVerifier) evaluateRaw(ctx context.Context, raw []byte, signCert, issuerCert *x509.Certificate, signDate time.Time) (candidateResult, error) {
	resp, err := revinfo.ParseOCSP(raw)
	if err != nil {
		return candidateSkip, err
	}
	return v.evaluate(ctx, resp, signCert, issuerCert, signDate), nil
}

// evaluate returns accept for the first entry naming signCert that is fresh
// at signDate and reports "good", provided the response is authentic.
func (v *OCSPVerifier) evaluate(ctx context.Context, resp *revinfo.OCSPRecord, signCert, issuerCert *x509.Certificate, signDate time.Time) candidateResult {
	if resp == nil {
		return candidateSkip
	}
	logger := observability.OrNull(v.Logger)
	if issuerCert == nil {
		issuerCert = signCert
	}
	for _, entry := range resp.Entries {
		if entry.SerialNumber.Cmp(signCert.SerialNumber) != 0 {
			continue
		}
		if !entry.Matches(signCert, issuerCert) {
			logger.Debug("OCSP: issuers don't match")
			continue
		}
		if entry.NextUpdate.IsZero() {
			logger.Debug("OCSP: no nextUpdate, assuming validity until {ValidUntil}", entry.ValidUntil())
		}
		if !entry.ValidAt(signDate) {
			logger.Debug("OCSP: response is no longer valid at {SignDate}", signDate)
			continue
		}
		switch entry.Status {
		case ocsp.Good:
			if !v.authentic(ctx, resp, issuerCert) {
				logger.Warn("OCSP response for {Subject} could not be verified", Subject(signCert))
				return candidateSkip
			}
			return candidateAccept
		case ocsp.Revoked:
			if !v.authentic(ctx, resp, issuerCert) {
				logger.Warn("OCSP response for {Subject} could not be verified", Subject(signCert))
				return candidateSkip
			}
			return candidateRevoked
		}
	}
	return candidateSkip
}

// authentic checks who signed resp: the issuer itself, a delegated responder
// embedded in the response, or a trust anchor when nothing is embedded.
func (v *OCSPVerifier) authentic(ctx context.Context, resp *revinfo.OCSPRecord, issuerCert *x509.Certificate) bool {
	if resp.SignedBy(issuerCert) {
		return true
	}
	if len(resp.Certificates) == 0 {
		_, ok := v.Roots.Find(resp.SignedBy)
		return ok
	}

	var responder *x509.Certificate
	for _, cert := range resp.Certificates {
		if revinfo.IsOCSPSigner(cert) && resp.SignedBy(cert) {
			responder = cert
			break
		}
	}
	if responder == nil || !SignedBy(responder, issuerCert) {
		return false
	}

	now := v.now()
	if !revinfo.HasNoCheck(responder) {
		if crl, ok := v.responderCRL(ctx, responder); ok {
			crlVerifier := &CRLVerifier{Roots: v.Roots, Logger: v.Logger}
			if _, err := crlVerifier.VerifyCRL(crl, responder, issuerCert, now); err != nil {
				observability.OrNull(v.Logger).Warn("OCSP responder {Responder} is revoked", Subject(responder))
				return false
			}
			if !v.CheckResponderValidityAfterCRL {
				return true
			}
		}
	}
	return ValidAt(responder, now)
}

// responderCRL fetches one CRL for a delegated responder.
func (v *OCSPVerifier) responderCRL(ctx context.Context, responder *x509.Certificate) (*revinfo.CRLRecord, bool) {
	if !v.OnlineCheckingAllowed || v.CRLClient == nil {
		return nil, false
	}
	blobs, err := v.CRLClient.GetEncoded(ctx, responder, "")
	if err != nil {
		observability.OrNull(v.Logger).Debug("CRL fetch for OCSP responder failed: {Error}", err)
		return nil, false
	}
	for _, raw := range blobs {
		if crl, err := revinfo.ParseCRL(raw); err == nil {
			return crl, true
		}
	}
	return nil, false
}
