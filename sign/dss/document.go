package dss

import (
	"fmt"

	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

// Document is the view of a PDF the LTV writer needs: the signatures'
// literal contents and read/write access to the DSS.
type Document interface {
	// SignatureNames lists the signature fields in document order.
	SignatureNames() []string
	// SignatureContents returns the literal /Contents bytes of the named
	// signature, including placeholder padding, and its subfilter.
	SignatureContents(name string) ([]byte, cms.SubFilter, error)
	// ReadDSS returns ErrNoDSS when the document has no DSS yet.
	ReadDSS() (*DSS, error)
	WriteDSS(d *DSS) error
	Objects() ObjectStore
}

type memorySignature struct {
	contents  []byte
	subFilter cms.SubFilter
}

// MemoryDocument is an in-memory Document. The DSS is kept in its
// persisted dictionary form.
type MemoryDocument struct {
	names      []string
	signatures map[string]memorySignature
	dss        string
	objects    *MemoryObjectStore
}

var _ Document = (*MemoryDocument)(nil)

// NewMemoryDocument returns a document without signatures or DSS.
func NewMemoryDocument() *MemoryDocument {
	return &MemoryDocument{
		signatures: make(map[string]memorySignature),
		objects:    NewMemoryObjectStore(1),
	}
}

// AddSignature registers contents under name, replacing any previous
// signature of that name.
func (d *MemoryDocument) AddSignature(name string, contents []byte, subFilter cms.SubFilter) {
	if _, ok := d.signatures[name]; !ok {
		d.names = append(d.names, name)
	}
	d.signatures[name] = memorySignature{contents: contents, subFilter: subFilter}
}

// SignatureNames implements Document.
func (d *MemoryDocument) SignatureNames() []string {
	return append([]string(nil), d.names...)
}

// SignatureContents implements Document.
func (d *MemoryDocument) SignatureContents(name string) ([]byte, cms.SubFilter, error) {
	sig, ok := d.signatures[name]
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", ErrNoSignature, name)
	}
	return sig.contents, sig.subFilter, nil
}

// ReadDSS implements Document.
func (d *MemoryDocument) ReadDSS() (*DSS, error) {
	if d.dss == "" {
		return nil, ErrNoDSS
	}
	return ParseDSS(d.dss)
}

// WriteDSS implements Document.
func (d *MemoryDocument) WriteDSS(dss *DSS) error {
	d.dss = dss.PDFString()
	return nil
}

// Objects implements Document.
func (d *MemoryDocument) Objects() ObjectStore {
	return d.objects
}

// DSSString returns the persisted DSS dictionary, or "" when absent.
func (d *MemoryDocument) DSSString() string {
	return d.dss
}

// ObjectCount returns the number of stored DSS objects.
func (d *MemoryDocument) ObjectCount() int {
	return d.objects.Len()
}
