// Package dss models the Document Security Store (DSS) of a PDF and writes
// Long-Term Validation evidence into it.
package dss

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/georgepadayatti/gopdfsig/sign/cms"
	"github.com/georgepadayatti/gopdfsig/sign/der"
)

var (
	ErrNoDSS       = errors.New("no DSS found in document")
	ErrInvalidDSS  = errors.New("invalid DSS structure")
	ErrNoSignature = errors.New("signature not found")
)

// Ref is an indirect object reference.
type Ref struct {
	Num int
	Gen int
}

// String renders the reference as "n g R".
func (r Ref) String() string {
	return fmt.Sprintf("%d %d R", r.Num, r.Gen)
}

// ObjectStore holds the stream objects referenced from the DSS.
type ObjectStore interface {
	// Add stores data as a new object and returns its reference.
	Add(data []byte) Ref
	Get(ref Ref) ([]byte, bool)
	Remove(ref Ref)
}

// MemoryObjectStore is an ObjectStore numbering objects from First.
type MemoryObjectStore struct {
	objects map[int][]byte
	next    int
}

// NewMemoryObjectStore returns an empty store whose first object is first.
func NewMemoryObjectStore(first int) *MemoryObjectStore {
	if first < 1 {
		first = 1
	}
	return &MemoryObjectStore{objects: make(map[int][]byte), next: first}
}

// Add implements ObjectStore.
func (s *MemoryObjectStore) Add(data []byte) Ref {
	ref := Ref{Num: s.next}
	s.objects[s.next] = append([]byte(nil), data...)
	s.next++
	return ref
}

// Get implements ObjectStore.
func (s *MemoryObjectStore) Get(ref Ref) ([]byte, bool) {
	data, ok := s.objects[ref.Num]
	return data, ok
}

// Remove implements ObjectStore.
func (s *MemoryObjectStore) Remove(ref Ref) {
	delete(s.objects, ref.Num)
}

// Len returns the number of stored objects.
func (s *MemoryObjectStore) Len() int {
	return len(s.objects)
}

// VRIEntry is the Validation Related Information of one signature.
type VRIEntry struct {
	OCSP []Ref
	CRL  []Ref
	Cert []Ref
}

func (v *VRIEntry) refs() []Ref {
	out := make([]Ref, 0, len(v.OCSP)+len(v.CRL)+len(v.Cert))
	out = append(out, v.OCSP...)
	out = append(out, v.CRL...)
	return append(out, v.Cert...)
}

// DSS is the document-level store: flat arrays of evidence objects plus
// the per-signature VRI dictionary keyed by VRIKey.
type DSS struct {
	OCSPs []Ref
	CRLs  []Ref
	Certs []Ref
	VRI   map[string]*VRIEntry
}

// NewDSS returns an empty DSS.
func NewDSS() *DSS {
	return &DSS{VRI: make(map[string]*VRIEntry)}
}

// IsEmpty reports whether the DSS references nothing.
func (d *DSS) IsEmpty() bool {
	return len(d.OCSPs) == 0 && len(d.CRLs) == 0 && len(d.Certs) == 0 && len(d.VRI) == 0
}

// Summary returns a one-line description of the DSS contents.
func (d *DSS) Summary() string {
	return fmt.Sprintf("DSS: %d certs, %d OCSPs, %d CRLs, %d VRI entries",
		len(d.Certs), len(d.OCSPs), len(d.CRLs), len(d.VRI))
}

// Clone returns a deep copy.
func (d *DSS) Clone() *DSS {
	out := &DSS{
		OCSPs: append([]Ref(nil), d.OCSPs...),
		CRLs:  append([]Ref(nil), d.CRLs...),
		Certs: append([]Ref(nil), d.Certs...),
		VRI:   make(map[string]*VRIEntry, len(d.VRI)),
	}
	for k, v := range d.VRI {
		out.VRI[k] = &VRIEntry{
			OCSP: append([]Ref(nil), v.OCSP...),
			CRL:  append([]Ref(nil), v.CRL...),
			Cert: append([]Ref(nil), v.Cert...),
		}
	}
	return out
}

// PDFString renders the DSS dictionary. VRI keys are emitted in sorted
// order and empty arrays are omitted.
func (d *DSS) PDFString() string {
	var b strings.Builder
	b.WriteString("<<")
	if len(d.VRI) > 0 {
		keys := make([]string, 0, len(d.VRI))
		for k := range d.VRI {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" /VRI <<")
		for _, k := range keys {
			v := d.VRI[k]
			b.WriteString(" /" + k + " <<")
			writeRefs(&b, "OCSP", v.OCSP)
			writeRefs(&b, "CRL", v.CRL)
			writeRefs(&b, "Cert", v.Cert)
			b.WriteString(" >>")
		}
		b.WriteString(" >>")
	}
	writeRefs(&b, "OCSPs", d.OCSPs)
	writeRefs(&b, "CRLs", d.CRLs)
	writeRefs(&b, "Certs", d.Certs)
	b.WriteString(" >>")
	return b.String()
}

func writeRefs(b *strings.Builder, key string, refs []Ref) {
	if len(refs) == 0 {
		return
	}
	b.WriteString(" /" + key + " [")
	for i, r := range refs {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(r.String())
	}
	b.WriteByte(']')
}

// ParseDSS reads the dictionary produced by PDFString.
func ParseDSS(s string) (*DSS, error) {
	p := &dictParser{tokens: tokenize(s)}
	d := NewDSS()
	err := p.dict(func(key string) error {
		var err error
		switch key {
		case "VRI":
			return p.dict(func(sig string) error {
				v := &VRIEntry{}
				d.VRI[sig] = v
				return p.dict(func(k string) error {
					switch k {
					case "OCSP":
						v.OCSP, err = p.refs()
					case "CRL":
						v.CRL, err = p.refs()
					case "Cert":
						v.Cert, err = p.refs()
					default:
						err = p.skip()
					}
					return err
				})
			})
		case "OCSPs":
			d.OCSPs, err = p.refs()
		case "CRLs":
			d.CRLs, err = p.refs()
		case "Certs":
			d.Certs, err = p.refs()
		default:
			err = p.skip()
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

func tokenize(s string) []string {
	var tokens []string
	for i := 0; i < len(s); {
		switch c := s[i]; {
		case c == ' ' || c == '\n' || c == '\r' || c == '\t':
			i++
		case strings.HasPrefix(s[i:], "<<") || strings.HasPrefix(s[i:], ">>"):
			tokens = append(tokens, s[i:i+2])
			i += 2
		case c == '[' || c == ']':
			tokens = append(tokens, s[i:i+1])
			i++
		default:
			j := i + 1
			for j < len(s) && !strings.ContainsRune(" \n\r\t[]<>/", rune(s[j])) {
				j++
			}
			tokens = append(tokens, s[i:j])
			i = j
		}
	}
	return tokens
}

type dictParser struct {
	tokens []string
	pos    int
}

func (p *dictParser) next() (string, error) {
	if p.pos >= len(p.tokens) {
		return "", fmt.Errorf("%w: unexpected end", ErrInvalidDSS)
	}
	t := p.tokens[p.pos]
	p.pos++
	return t, nil
}

func (p *dictParser) dict(entry func(key string) error) error {
	if t, err := p.next(); err != nil || t != "<<" {
		return fmt.Errorf("%w: expected dictionary", ErrInvalidDSS)
	}
	for {
		t, err := p.next()
		if err != nil {
			return err
		}
		if t == ">>" {
			return nil
		}
		if !strings.HasPrefix(t, "/") {
			return fmt.Errorf("%w: expected name, got %q", ErrInvalidDSS, t)
		}
		if err := entry(t[1:]); err != nil {
			return err
		}
	}
}

func (p *dictParser) refs() ([]Ref, error) {
	if t, err := p.next(); err != nil || t != "[" {
		return nil, fmt.Errorf("%w: expected array", ErrInvalidDSS)
	}
	var refs []Ref
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t == "]" {
			return refs, nil
		}
		num, err1 := strconv.Atoi(t)
		g, err2 := p.next()
		r, err3 := p.next()
		if err1 != nil || err2 != nil || err3 != nil || r != "R" {
			return nil, fmt.Errorf("%w: invalid reference", ErrInvalidDSS)
		}
		gen, err := strconv.Atoi(g)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid generation %q", ErrInvalidDSS, g)
		}
		refs = append(refs, Ref{Num: num, Gen: gen})
	}
}

// skip consumes one value of any kind.
func (p *dictParser) skip() error {
	t, err := p.next()
	if err != nil {
		return err
	}
	switch t {
	case "<<":
		p.pos--
		return p.dict(func(string) error { return p.skip() })
	case "[":
		depth := 1
		for depth > 0 {
			t, err := p.next()
			if err != nil {
				return err
			}
			switch t {
			case "[":
				depth++
			case "]":
				depth--
			}
		}
	}
	return nil
}

// Evidence is the resolved content of a DSS or VRI entry.
type Evidence struct {
	OCSPs [][]byte
	CRLs  [][]byte
	Certs []*x509.Certificate
}

// Resolve loads the flat arrays from store. Unparseable certificates are
// an error; missing objects are skipped.
func (d *DSS) Resolve(store ObjectStore) (*Evidence, error) {
	return resolve(store, d.OCSPs, d.CRLs, d.Certs)
}

// ResolveVRI loads the entry for key, or returns nil when absent.
func (d *DSS) ResolveVRI(store ObjectStore, key string) (*Evidence, error) {
	v, ok := d.VRI[key]
	if !ok {
		return nil, nil
	}
	return resolve(store, v.OCSP, v.CRL, v.Cert)
}

func resolve(store ObjectStore, ocsps, crls, certs []Ref) (*Evidence, error) {
	ev := &Evidence{}
	for _, r := range ocsps {
		if data, ok := store.Get(r); ok {
			ev.OCSPs = append(ev.OCSPs, data)
		}
	}
	for _, r := range crls {
		if data, ok := store.Get(r); ok {
			ev.CRLs = append(ev.CRLs, data)
		}
	}
	for _, r := range certs {
		data, ok := store.Get(r)
		if !ok {
			continue
		}
		cert, err := x509.ParseCertificate(data)
		if err != nil {
			return nil, fmt.Errorf("%w: certificate %s: %v", ErrInvalidDSS, r, err)
		}
		ev.Certs = append(ev.Certs, cert)
	}
	return ev, nil
}

// VRIKey is the VRI dictionary key of a signature: the uppercase hex
// SHA-1 of its literal /Contents bytes. For RFC 3161 document timestamps
// the digest covers the DER token without the placeholder padding.
func VRIKey(contents []byte, subFilter cms.SubFilter) (string, error) {
	data := contents
	if subFilter.IsTimestamp() {
		sp, err := der.ParsePadded(contents)
		if err != nil {
			return "", fmt.Errorf("%w: timestamp token: %v", ErrInvalidDSS, err)
		}
		data = sp.Full
	}
	sum := sha1.Sum(data)
	return strings.ToUpper(hex.EncodeToString(sum[:])), nil
}

// indexOf returns the position of data among the objects refs point to.
func indexOf(store ObjectStore, refs []Ref, data []byte) int {
	for i, r := range refs {
		if existing, ok := store.Get(r); ok && bytes.Equal(existing, data) {
			return i
		}
	}
	return -1
}
