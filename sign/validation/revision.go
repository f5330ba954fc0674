package validation

import (
	"errors"

	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/dss"
)

var (
	ErrNoSignatures = errors.New("no signatures found")
	ErrNoRevision   = errors.New("revision has no signature")
)

// Revision is one incremental save of a signed document, seen through the
// last signature added in it.
type Revision interface {
	// SignatureName names the last signature of the revision.
	SignatureName() string
	// SignatureContents returns the literal /Contents bytes and subfilter.
	SignatureContents() ([]byte, cms.SubFilter)
	// SignedBytes returns the bytes selected by the signature's byte range.
	SignedBytes() ([]byte, error)
	// CoversWholeRevision reports whether the byte range spans the whole
	// revision apart from the contents placeholder.
	CoversWholeRevision() bool
	// Evidence returns the resolved DSS of the revision, or nil when it has
	// none.
	Evidence() (*dss.Evidence, error)
	// Previous returns the revision the signature was added to, or nil
	// when it is the first signed revision.
	Previous() (Revision, error)
}

// StaticRevision is a Revision held in memory.
type StaticRevision struct {
	Name          string
	Contents      []byte
	SubFilter     cms.SubFilter
	Signed        []byte
	WholeRevision bool
	DSS           *dss.Evidence
	Prior         *StaticRevision
}

var _ Revision = (*StaticRevision)(nil)

// SignatureName implements Revision.
func (r *StaticRevision) SignatureName() string { return r.Name }

// SignatureContents implements Revision.
func (r *StaticRevision) SignatureContents() ([]byte, cms.SubFilter) {
	return r.Contents, r.SubFilter
}

// SignedBytes implements Revision.
func (r *StaticRevision) SignedBytes() ([]byte, error) {
	if r.Contents == nil {
		return nil, ErrNoRevision
	}
	return r.Signed, nil
}

// CoversWholeRevision implements Revision.
func (r *StaticRevision) CoversWholeRevision() bool { return r.WholeRevision }

// Evidence implements Revision.
func (r *StaticRevision) Evidence() (*dss.Evidence, error) { return r.DSS, nil }

// Previous implements Revision.
func (r *StaticRevision) Previous() (Revision, error) {
	if r.Prior == nil {
		return nil, nil
	}
	return r.Prior, nil
}

// DocumentRevision exposes a signature of a dss.Document, together with the
// document's DSS, as a Revision. Signed holds the covered bytes. Earlier
// signatures of the document are its previous revisions; all share the
// document's DSS, which is how a single-revision store is read.
type DocumentRevision struct {
	Doc    dss.Document
	Signed map[string][]byte
	index  int
}

// LatestRevision returns the revision of the document's last signature.
func LatestRevision(doc dss.Document, signed map[string][]byte) (*DocumentRevision, error) {
	n := len(doc.SignatureNames())
	if n == 0 {
		return nil, ErrNoSignatures
	}
	return &DocumentRevision{Doc: doc, Signed: signed, index: n - 1}, nil
}

func (r *DocumentRevision) name() string {
	return r.Doc.SignatureNames()[r.index]
}

// SignatureName implements Revision.
func (r *DocumentRevision) SignatureName() string { return r.name() }

// SignatureContents implements Revision.
func (r *DocumentRevision) SignatureContents() ([]byte, cms.SubFilter) {
	contents, subFilter, err := r.Doc.SignatureContents(r.name())
	if err != nil {
		return nil, ""
	}
	return contents, subFilter
}

// SignedBytes implements Revision.
func (r *DocumentRevision) SignedBytes() ([]byte, error) {
	data, ok := r.Signed[r.name()]
	if !ok {
		return nil, ErrNoRevision
	}
	return data, nil
}

// CoversWholeRevision implements Revision. Covered bytes are supplied per
// signature, so each one is taken to span its revision.
func (r *DocumentRevision) CoversWholeRevision() bool {
	_, ok := r.Signed[r.name()]
	return ok
}

// Evidence implements Revision.
func (r *DocumentRevision) Evidence() (*dss.Evidence, error) {
	d, err := r.Doc.ReadDSS()
	if errors.Is(err, dss.ErrNoDSS) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return d.Resolve(r.Doc.Objects())
}

// Previous implements Revision.
func (r *DocumentRevision) Previous() (Revision, error) {
	if r.index == 0 {
		return nil, nil
	}
	return &DocumentRevision{Doc: r.Doc, Signed: r.Signed, index: r.index - 1}, nil
}
