package dss

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"sort"

	"github.com/georgepadayatti/gopdfsig/certvalidator"
	"github.com/georgepadayatti/gopdfsig/observability"
	"github.com/georgepadayatti/gopdfsig/sigerr"
	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

// Level selects which revocation sources AddVerification consults.
type Level int

const (
	// LevelOCSP fetches OCSP responses only.
	LevelOCSP Level = iota
	// LevelCRL fetches CRLs only.
	LevelCRL
	// LevelOCSPCRL fetches both.
	LevelOCSPCRL
	// LevelOCSPOptionalCRL fetches a CRL only for certificates without an
	// OCSP response.
	LevelOCSPOptionalCRL
)

func (l Level) String() string {
	switch l {
	case LevelOCSP:
		return "ocsp"
	case LevelCRL:
		return "crl"
	case LevelOCSPCRL:
		return "ocsp-crl"
	case LevelOCSPOptionalCRL:
		return "ocsp-optional-crl"
	}
	return fmt.Sprintf("Level(%d)", int(l))
}

// ParseLevel maps the names produced by Level.String.
func ParseLevel(s string) (Level, error) {
	for _, l := range []Level{LevelOCSP, LevelCRL, LevelOCSPCRL, LevelOCSPOptionalCRL} {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown LTV level %q", s)
}

// Inclusion controls whether the signer's certificates are stored.
type Inclusion int

const (
	InclusionNo Inclusion = iota
	InclusionYes
)

// CertificateOption selects the certificates evidence is gathered for.
type CertificateOption int

const (
	SigningCertificate CertificateOption = iota
	WholeChain
)

type pendingEntry struct {
	ocsps [][]byte
	crls  [][]byte
	certs [][]byte
}

// LtvWriter collects validation data per signature and merges it into the
// document's DSS. A writer persists at most once.
type LtvWriter struct {
	Logger observability.Logger

	doc     Document
	pending map[string]*pendingEntry
	used    bool
}

// NewLtvWriter returns a writer for doc.
func NewLtvWriter(doc Document) *LtvWriter {
	return &LtvWriter{doc: doc, pending: make(map[string]*pendingEntry)}
}

func (w *LtvWriter) log() observability.Logger {
	return observability.OrNull(w.Logger)
}

// AddVerification fetches revocation data for the named signature's
// certificates and queues it under the signature's VRI key. It reports
// false when no OCSP response or CRL was obtained; nothing is queued then.
// Fetch failures are logged and count as no data.
func (w *LtvWriter) AddVerification(ctx context.Context, sigName string, ocspClient certvalidator.OCSPClient,
	crlClient certvalidator.CRLClient, certOpt CertificateOption, level Level, inclusion Inclusion) (bool, error) {
	if w.used {
		return false, sigerr.Reuse("LTV writer has already been merged")
	}
	ctx, span := observability.StartSpan(ctx, "dss.AddVerification",
		observability.AttrSignature.String(sigName))
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var key string
	var c *cms.Container
	key, c, err = w.signature(sigName)
	if err != nil {
		return false, err
	}
	chain := c.SignCertificateChain()
	log := w.log().ForContext("Signature", sigName)

	entry := &pendingEntry{}
	for i, cert := range chain {
		if certOpt == SigningCertificate && i > 0 {
			break
		}
		issuer := parentOf(cert, chain)
		gotOCSP := false
		if ocspClient != nil && issuer != nil && level != LevelCRL {
			resp, ferr := ocspClient.GetEncoded(ctx, cert, issuer, "")
			switch {
			case ferr != nil:
				log.WarnContext(ctx, "OCSP for {Subject} unavailable: {Error}", certvalidator.Subject(cert), ferr)
			case len(resp) > 0:
				entry.ocsps = appendUnique(entry.ocsps, resp)
				gotOCSP = true
			}
		}
		wantCRL := level == LevelCRL || level == LevelOCSPCRL || (level == LevelOCSPOptionalCRL && !gotOCSP)
		if crlClient != nil && wantCRL {
			crls, ferr := crlClient.GetEncoded(ctx, cert, "")
			if ferr != nil {
				log.WarnContext(ctx, "CRL for {Subject} unavailable: {Error}", certvalidator.Subject(cert), ferr)
			}
			for _, crl := range crls {
				if len(crl) > 0 {
					entry.crls = appendUnique(entry.crls, crl)
				}
			}
		}
	}
	if len(entry.ocsps) == 0 && len(entry.crls) == 0 {
		log.InfoContext(ctx, "No revocation data found for {Signature}", sigName)
		return false, nil
	}
	if inclusion == InclusionYes {
		for _, cert := range chain {
			entry.certs = appendUnique(entry.certs, cert.Raw)
		}
	}
	w.queue(key, entry)
	log.DebugContext(ctx, "Queued {OCSPs} OCSP responses and {CRLs} CRLs under {Key}", len(entry.ocsps), len(entry.crls), key)
	return true, nil
}

// AddVerificationData queues caller-supplied evidence for the named
// signature.
func (w *LtvWriter) AddVerificationData(sigName string, ocsps, crls [][]byte, certs []*x509.Certificate) error {
	if w.used {
		return sigerr.Reuse("LTV writer has already been merged")
	}
	contents, subFilter, err := w.doc.SignatureContents(sigName)
	if err != nil {
		return err
	}
	key, err := VRIKey(contents, subFilter)
	if err != nil {
		return err
	}
	entry := &pendingEntry{}
	for _, o := range ocsps {
		entry.ocsps = appendUnique(entry.ocsps, o)
	}
	for _, c := range crls {
		entry.crls = appendUnique(entry.crls, c)
	}
	for _, c := range certs {
		entry.certs = appendUnique(entry.certs, c.Raw)
	}
	w.queue(key, entry)
	return nil
}

// Merge writes the queued evidence into the DSS, creating it when absent.
// VRI entries being replaced lose their old references; references still
// used by another entry are kept. A second call fails with ReuseViolation.
func (w *LtvWriter) Merge() error {
	if w.used {
		return sigerr.Reuse("LTV writer has already been merged")
	}
	w.used = true

	d, err := w.doc.ReadDSS()
	switch {
	case errors.Is(err, ErrNoDSS):
		d = NewDSS()
	case err != nil:
		return fmt.Errorf("failed to read DSS: %w", err)
	default:
		d = d.Clone()
	}
	if d.VRI == nil {
		d.VRI = make(map[string]*VRIEntry)
	}
	store := w.doc.Objects()

	keys := make([]string, 0, len(w.pending))
	for k := range w.pending {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if old, ok := d.VRI[key]; ok {
			delete(d.VRI, key)
			removed := removeStale(d, store, old)
			w.log().Debug("Replaced VRI entry {Key}, removed {Count} stale objects", key, removed)
		}
	}
	for _, key := range keys {
		entry := w.pending[key]
		vri := &VRIEntry{}
		for _, data := range entry.ocsps {
			vri.OCSP = append(vri.OCSP, addObject(store, &d.OCSPs, data))
		}
		for _, data := range entry.crls {
			vri.CRL = append(vri.CRL, addObject(store, &d.CRLs, data))
		}
		for _, data := range entry.certs {
			vri.Cert = append(vri.Cert, addObject(store, &d.Certs, data))
		}
		d.VRI[key] = vri
	}

	if err := w.doc.WriteDSS(d); err != nil {
		return fmt.Errorf("failed to write DSS: %w", err)
	}
	w.log().Info("Merged {Entries} VRI entries; {Summary}", len(keys), d.Summary())
	return nil
}

func (w *LtvWriter) signature(name string) (string, *cms.Container, error) {
	contents, subFilter, err := w.doc.SignatureContents(name)
	if err != nil {
		return "", nil, err
	}
	key, err := VRIKey(contents, subFilter)
	if err != nil {
		return "", nil, err
	}
	c, err := cms.Parse(contents, subFilter)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse signature %s: %w", name, err)
	}
	return key, c, nil
}

func (w *LtvWriter) queue(key string, entry *pendingEntry) {
	existing, ok := w.pending[key]
	if !ok {
		w.pending[key] = entry
		return
	}
	for _, o := range entry.ocsps {
		existing.ocsps = appendUnique(existing.ocsps, o)
	}
	for _, c := range entry.crls {
		existing.crls = appendUnique(existing.crls, c)
	}
	for _, c := range entry.certs {
		existing.certs = appendUnique(existing.certs, c)
	}
}

// removeStale drops the references of a replaced VRI entry from the flat
// arrays and the object store, matching by object number. References
// still listed by a remaining VRI entry are kept.
func removeStale(d *DSS, store ObjectStore, old *VRIEntry) int {
	inUse := make(map[int]bool)
	for _, v := range d.VRI {
		for _, r := range v.refs() {
			inUse[r.Num] = true
		}
	}
	removed := 0
	for _, r := range old.refs() {
		if inUse[r.Num] {
			continue
		}
		before := len(d.OCSPs) + len(d.CRLs) + len(d.Certs)
		d.OCSPs = dropNum(d.OCSPs, r.Num)
		d.CRLs = dropNum(d.CRLs, r.Num)
		d.Certs = dropNum(d.Certs, r.Num)
		if len(d.OCSPs)+len(d.CRLs)+len(d.Certs) < before {
			store.Remove(r)
			removed++
		}
	}
	return removed
}

func dropNum(refs []Ref, num int) []Ref {
	out := refs[:0]
	for _, r := range refs {
		if r.Num != num {
			out = append(out, r)
		}
	}
	return out
}

// addObject returns the reference of data in the flat array, storing it
// first when no identical object is listed.
func addObject(store ObjectStore, flat *[]Ref, data []byte) Ref {
	if i := indexOf(store, *flat, data); i >= 0 {
		return (*flat)[i]
	}
	ref := store.Add(data)
	*flat = append(*flat, ref)
	return ref
}

func appendUnique(list [][]byte, data []byte) [][]byte {
	for _, existing := range list {
		if string(existing) == string(data) {
			return list
		}
	}
	return append(list, data)
}

// parentOf returns the certificate in chain that issued cert, or nil.
func parentOf(cert *x509.Certificate, chain []*x509.Certificate) *x509.Certificate {
	for _, candidate := range chain {
		if certvalidator.SameCertificate(candidate, cert) {
			continue
		}
		if certvalidator.SignedBy(cert, candidate) {
			return candidate
		}
	}
	return nil
}
