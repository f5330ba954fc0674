// Package sigerr defines the error kinds shared by signing, container
// parsing, trust verification and LTV processing.
package sigerr

import (
	"errors"
	"strings"
)

// Kind identifies the category of a signature error.
type Kind int

const (
	// KindMalformedData indicates unparseable ASN.1/CMS data, multiple signer
	// infos or an unknown algorithm identifier.
	KindMalformedData Kind = iota + 1
	// KindRevocationProven indicates that a CRL or OCSP response proves the
	// certificate was revoked.
	KindRevocationProven
	// KindInsufficientEvidence indicates that no source confirmed or denied
	// the status of a certificate.
	KindInsufficientEvidence
	// KindTransientFetchFailure indicates a single candidate fetch or parse
	// failed.
	KindTransientFetchFailure
	// KindCapacityExceeded indicates the encoded signature does not fit the
	// reserved placeholder.
	KindCapacityExceeded
	// KindReuseViolation indicates a one-shot component was invoked twice.
	KindReuseViolation
	// KindCertificateInvalid indicates a certificate is outside its validity
	// period or its signature does not verify against its issuer.
	KindCertificateInvalid
	// KindDocumentModified indicates a signature does not cover its revision
	// or does not verify against the covered bytes.
	KindDocumentModified
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindMalformedData:
		return "malformed data"
	case KindRevocationProven:
		return "revocation proven"
	case KindInsufficientEvidence:
		return "insufficient evidence"
	case KindTransientFetchFailure:
		return "transient fetch failure"
	case KindCapacityExceeded:
		return "capacity exceeded"
	case KindReuseViolation:
		return "reuse violation"
	case KindCertificateInvalid:
		return "certificate invalid"
	case KindDocumentModified:
		return "document modified"
	default:
		return "unknown"
	}
}

// Error is the error type returned for categorised failures. Subject names
// the offending certificate for verification errors; Stage names the failing
// step for signing errors.
type Error struct {
	Kind    Kind
	Subject string
	Stage   string
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.String())
	if e.Stage != "" {
		b.WriteString(" during ")
		b.WriteString(e.Stage)
	}
	if e.Subject != "" {
		b.WriteString(" for ")
		b.WriteString(e.Subject)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error with the same Kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == t.Kind
}

// Sentinels for errors.Is matching.
var (
	ErrMalformedData         = &Error{Kind: KindMalformedData}
	ErrRevocationProven      = &Error{Kind: KindRevocationProven}
	ErrInsufficientEvidence  = &Error{Kind: KindInsufficientEvidence}
	ErrTransientFetchFailure = &Error{Kind: KindTransientFetchFailure}
	ErrCapacityExceeded      = &Error{Kind: KindCapacityExceeded}
	ErrReuseViolation        = &Error{Kind: KindReuseViolation}
	ErrCertificateInvalid    = &Error{Kind: KindCertificateInvalid}
	ErrDocumentModified      = &Error{Kind: KindDocumentModified}
)

// Malformed returns a MalformedData error.
func Malformed(message string, cause error) *Error {
	return &Error{Kind: KindMalformedData, Message: message, Cause: cause}
}

// Revoked returns a RevocationProven error naming the certificate subject.
func Revoked(subject, message string) *Error {
	return &Error{Kind: KindRevocationProven, Subject: subject, Message: message}
}

// Insufficient returns an InsufficientEvidence error naming the certificate subject.
func Insufficient(subject, message string) *Error {
	return &Error{Kind: KindInsufficientEvidence, Subject: subject, Message: message}
}

// Transient returns a TransientFetchFailure error.
func Transient(message string, cause error) *Error {
	return &Error{Kind: KindTransientFetchFailure, Message: message, Cause: cause}
}

// Capacity returns a CapacityExceeded error.
func Capacity(message string) *Error {
	return &Error{Kind: KindCapacityExceeded, Stage: "encoding", Message: message}
}

// Reuse returns a ReuseViolation error.
func Reuse(message string) *Error {
	return &Error{Kind: KindReuseViolation, Message: message}
}

// InvalidCertificate returns a CertificateInvalid error naming the
// certificate subject.
func InvalidCertificate(subject, message string, cause error) *Error {
	return &Error{Kind: KindCertificateInvalid, Subject: subject, Message: message, Cause: cause}
}

// Modified returns a DocumentModified error naming the signature.
func Modified(signature, message string) *Error {
	return &Error{Kind: KindDocumentModified, Subject: signature, Message: message}
}

// AtStage wraps err with the name of the signing stage it occurred in. Errors
// that already carry a kind keep it; others are wrapped in a StageError.
func AtStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *Error
	if errors.As(err, &se) {
		if se.Stage == "" {
			cp := *se
			cp.Stage = stage
			return &cp
		}
		return err
	}
	return &StageError{Stage: stage, Err: err}
}

// StageError reports a signing failure without a specific kind.
type StageError struct {
	Stage string
	Err   error
}

func (e *StageError) Error() string {
	return "signing failed during " + e.Stage + ": " + e.Err.Error()
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// KindOf returns the kind of err, or zero if err carries none.
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return 0
}
