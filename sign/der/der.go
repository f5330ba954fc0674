// Package der reads and writes the DER subset used by CMS signature
// containers: tagged byte spans with typed extraction of SEQUENCE, SET,
// OCTET STRING, OBJECT IDENTIFIER, INTEGER and context-specific values.
package der

import (
	"bytes"
	"encoding/asn1"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"time"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Universal tags used by callers.
const (
	TagInteger         = cbasn1.INTEGER
	TagOctetString     = cbasn1.OCTET_STRING
	TagOID             = cbasn1.OBJECT_IDENTIFIER
	TagSequence        = cbasn1.SEQUENCE
	TagSet             = cbasn1.SET
	TagGeneralizedTime = cbasn1.GeneralizedTime
	TagUTCTime         = cbasn1.UTCTime
	TagNull            = cbasn1.NULL
	TagBitString       = cbasn1.BIT_STRING
	TagBoolean         = cbasn1.BOOLEAN
	TagEnumerated      = cbasn1.ENUM
	TagUTF8String      = cbasn1.UTF8String
	TagPrintableString = cbasn1.PrintableString
)

// Tag is an ASN.1 identifier octet.
type Tag = cbasn1.Tag

// ContextTag returns the context-specific tag [n].
func ContextTag(n int, constructed bool) Tag {
	t := cbasn1.Tag(n).ContextSpecific()
	if constructed {
		t = t.Constructed()
	}
	return t
}

// Errors returned by the reader.
var (
	ErrTruncated     = errors.New("der: truncated or invalid element")
	ErrTrailingData  = errors.New("der: trailing data after element")
	ErrUnexpectedTag = errors.New("der: unexpected tag")
)

// Span is one tag-length-value element. Full holds the complete encoding and
// Body only the contents octets; both alias the input buffer.
type Span struct {
	Tag  cbasn1.Tag
	Full []byte
	Body []byte
}

// Read reads the first element of data and returns it with the remaining
// bytes.
func Read(data []byte) (Span, []byte, error) {
	s := cryptobyte.String(data)
	var full cryptobyte.String
	var tag cbasn1.Tag
	if !s.ReadAnyASN1Element(&full, &tag) {
		return Span{}, nil, ErrTruncated
	}
	elem := full
	var body cryptobyte.String
	var skip cbasn1.Tag
	if !elem.ReadAnyASN1(&body, &skip) {
		return Span{}, nil, ErrTruncated
	}
	return Span{Tag: tag, Full: []byte(full), Body: []byte(body)}, []byte(s), nil
}

// Parse reads exactly one element; any trailing bytes are an error.
func Parse(data []byte) (Span, error) {
	sp, rest, err := Read(data)
	if err != nil {
		return Span{}, err
	}
	if len(rest) != 0 {
		return Span{}, ErrTrailingData
	}
	return sp, nil
}

// ParsePadded reads one element and ignores trailing zero bytes, as found in
// a zero-padded signature placeholder.
func ParsePadded(data []byte) (Span, error) {
	sp, rest, err := Read(data)
	if err != nil {
		return Span{}, err
	}
	for _, b := range rest {
		if b != 0 {
			return Span{}, ErrTrailingData
		}
	}
	return sp, nil
}

// ReadAll splits data into consecutive elements.
func ReadAll(data []byte) ([]Span, error) {
	var out []Span
	for len(data) > 0 {
		sp, rest, err := Read(data)
		if err != nil {
			return nil, err
		}
		out = append(out, sp)
		data = rest
	}
	return out, nil
}

// Is reports whether the span carries tag.
func (s Span) Is(tag cbasn1.Tag) bool {
	return s.Tag == tag
}

// IsContext reports whether the span is a context-specific [n] element,
// primitive or constructed.
func (s Span) IsContext(n int) bool {
	t := cbasn1.Tag(n).ContextSpecific()
	return s.Tag == t || s.Tag == t.Constructed()
}

// Children parses the body of a constructed element.
func (s Span) Children() ([]Span, error) {
	if s.Tag&0x20 == 0 {
		return nil, fmt.Errorf("%w: tag 0x%02x is primitive", ErrUnexpectedTag, uint8(s.Tag))
	}
	return ReadAll(s.Body)
}

// Sequence returns the children of a SEQUENCE.
func (s Span) Sequence() ([]Span, error) {
	if s.Tag != TagSequence {
		return nil, fmt.Errorf("%w: want SEQUENCE, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return ReadAll(s.Body)
}

// Set returns the children of a SET.
func (s Span) Set() ([]Span, error) {
	if s.Tag != TagSet {
		return nil, fmt.Errorf("%w: want SET, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return ReadAll(s.Body)
}

// OctetString returns the contents of an OCTET STRING.
func (s Span) OctetString() ([]byte, error) {
	if s.Tag != TagOctetString {
		return nil, fmt.Errorf("%w: want OCTET STRING, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return s.Body, nil
}

// OID returns the value of an OBJECT IDENTIFIER.
func (s Span) OID() (asn1.ObjectIdentifier, error) {
	var oid asn1.ObjectIdentifier
	in := cryptobyte.String(s.Full)
	if s.Tag != TagOID || !in.ReadASN1ObjectIdentifier(&oid) {
		return nil, fmt.Errorf("%w: want OBJECT IDENTIFIER, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return oid, nil
}

// Integer returns the value of an INTEGER.
func (s Span) Integer() (*big.Int, error) {
	n := new(big.Int)
	in := cryptobyte.String(s.Full)
	if s.Tag != TagInteger || !in.ReadASN1Integer(n) {
		return nil, fmt.Errorf("%w: want INTEGER, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return n, nil
}

// Int returns a small INTEGER as an int.
func (s Span) Int() (int, error) {
	var n int64
	in := cryptobyte.String(s.Full)
	if s.Tag != TagInteger || !in.ReadASN1Integer(&n) {
		return 0, fmt.Errorf("%w: want small INTEGER, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return int(n), nil
}

// Enum returns the value of an ENUMERATED.
func (s Span) Enum() (int, error) {
	var n int
	in := cryptobyte.String(s.Full)
	if s.Tag != TagEnumerated || !in.ReadASN1Enum(&n) {
		return 0, fmt.Errorf("%w: want ENUMERATED, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return n, nil
}

// BitString returns the bytes of a BIT STRING whose length is a multiple
// of eight.
func (s Span) BitString() ([]byte, error) {
	if s.Tag != TagBitString || len(s.Body) == 0 || s.Body[0] != 0 {
		return nil, fmt.Errorf("%w: want octet-aligned BIT STRING, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
	}
	return s.Body[1:], nil
}

// Time returns the value of a GeneralizedTime or UTCTime.
func (s Span) Time() (time.Time, error) {
	var t time.Time
	in := cryptobyte.String(s.Full)
	switch s.Tag {
	case TagGeneralizedTime:
		if in.ReadASN1GeneralizedTime(&t) {
			return t, nil
		}
		// fractional seconds are valid in timestamp tokens but rejected by
		// the strict reader.
		if _, err := asn1.Unmarshal(s.Full, &t); err == nil {
			return t, nil
		}
	case TagUTCTime:
		if in.ReadASN1UTCTime(&t) {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: want time, got 0x%02x", ErrUnexpectedTag, uint8(s.Tag))
}

// Explicit unwraps an EXPLICIT [n] tagged element and returns the inner one.
func (s Span) Explicit(n int) (Span, error) {
	if s.Tag != cbasn1.Tag(n).ContextSpecific().Constructed() {
		return Span{}, fmt.Errorf("%w: want [%d], got 0x%02x", ErrUnexpectedTag, n, uint8(s.Tag))
	}
	return Parse(s.Body)
}

// Find returns the first child span carrying tag, if any.
func Find(spans []Span, tag cbasn1.Tag) (Span, bool) {
	for _, sp := range spans {
		if sp.Tag == tag {
			return sp, true
		}
	}
	return Span{}, false
}

// FindContext returns the first child that is context-specific [n].
func FindContext(spans []Span, n int) (Span, bool) {
	for _, sp := range spans {
		if sp.IsContext(n) {
			return sp, true
		}
	}
	return Span{}, false
}

// Retag returns a copy of an encoded element with its identifier octet
// replaced. Only low-number tags are supported.
func Retag(full []byte, tag cbasn1.Tag) []byte {
	out := make([]byte, len(full))
	copy(out, full)
	if len(out) > 0 {
		out[0] = uint8(tag)
	}
	return out
}

func build(f func(b *cryptobyte.Builder)) []byte {
	var b cryptobyte.Builder
	f(&b)
	return b.BytesOrPanic()
}

// Element encodes body under an arbitrary tag.
func Element(tag cbasn1.Tag, body []byte) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1(tag, func(c *cryptobyte.Builder) { c.AddBytes(body) })
	})
}

func concat(elems [][]byte) []byte {
	var buf bytes.Buffer
	for _, e := range elems {
		buf.Write(e)
	}
	return buf.Bytes()
}

// Sequence encodes a SEQUENCE of already-encoded elements.
func Sequence(elems ...[]byte) []byte {
	return Element(TagSequence, concat(elems))
}

// Set encodes a SET OF, sorting the encoded elements as DER requires.
func Set(elems ...[]byte) []byte {
	sorted := make([][]byte, len(elems))
	copy(sorted, elems)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i], sorted[j]) < 0
	})
	return Element(TagSet, concat(sorted))
}

// OctetString encodes an OCTET STRING.
func OctetString(data []byte) []byte {
	return Element(TagOctetString, data)
}

// OID encodes an OBJECT IDENTIFIER. It panics on an invalid identifier;
// callers pass registered constants.
func OID(oid asn1.ObjectIdentifier) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
	})
}

// Integer encodes an INTEGER.
func Integer(n *big.Int) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(n)
	})
}

// Int encodes a small INTEGER.
func Int(n int64) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1Int64(n)
	})
}

// Null encodes NULL.
func Null() []byte {
	return []byte{uint8(TagNull), 0}
}

// GeneralizedTime encodes t as a UTC GeneralizedTime.
func GeneralizedTime(t time.Time) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1GeneralizedTime(t.UTC())
	})
}

// UTCTime encodes t as a UTCTime.
func UTCTime(t time.Time) []byte {
	return build(func(b *cryptobyte.Builder) {
		b.AddASN1UTCTime(t.UTC())
	})
}

// Explicit wraps elements in a constructed context-specific [n] tag.
func Explicit(n int, elems ...[]byte) []byte {
	return Element(cbasn1.Tag(n).ContextSpecific().Constructed(), concat(elems))
}

// Implicit encodes body under a context-specific [n] tag that replaces the
// element's own tag.
func Implicit(n int, constructed bool, body []byte) []byte {
	return Element(ContextTag(n, constructed), body)
}

// AlgorithmIdentifier encodes an AlgorithmIdentifier. When withNull is set
// the parameters field carries an explicit NULL.
func AlgorithmIdentifier(oid asn1.ObjectIdentifier, withNull bool) []byte {
	if withNull {
		return Sequence(OID(oid), Null())
	}
	return Sequence(OID(oid))
}
