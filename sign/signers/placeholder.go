package signers

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

// byteRangePlaceholderLength is the width reserved for the /ByteRange array
// before its offsets are known.
const byteRangePlaceholderLength = 60

var (
	ErrNotReserved      = errors.New("signature placeholder not reserved")
	ErrAlreadyReserved  = errors.New("signature placeholder already reserved")
	ErrAlreadyWritten   = errors.New("signature contents already written")
	ErrContentsSize     = errors.New("signature contents do not match reserved size")
	ErrInvalidByteRange = errors.New("invalid byte range")
)

// PlaceholderSink is a document that reserves space for signature contents
// and accepts them once computed.
type PlaceholderSink interface {
	// Reserve allocates size bytes of signature contents and returns the
	// covered bytes, i.e. the document without the placeholder.
	Reserve(size int) (io.ReadSeeker, error)
	// WriteBack stores exactly size bytes of contents into the placeholder.
	WriteBack(contents []byte) error
}

// BufferDocument is an in-memory PlaceholderSink. It appends a signature
// dictionary with a hex /Contents placeholder and a /ByteRange array to
// the original bytes.
type BufferDocument struct {
	original  []byte
	subFilter cms.SubFilter
	sigType   string

	buf       []byte
	size      int
	byteRange [4]int64
	written   bool
}

var _ PlaceholderSink = (*BufferDocument)(nil)

// NewBufferDocument prepares a signature dictionary over data.
func NewBufferDocument(data []byte, subFilter cms.SubFilter) *BufferDocument {
	sigType := "/Sig"
	if subFilter.IsTimestamp() {
		sigType = "/DocTimeStamp"
	}
	return &BufferDocument{original: data, subFilter: subFilter, sigType: sigType}
}

// Reserve implements PlaceholderSink.
func (d *BufferDocument) Reserve(size int) (io.ReadSeeker, error) {
	if d.buf != nil {
		return nil, ErrAlreadyReserved
	}
	if size <= 0 {
		return nil, fmt.Errorf("invalid placeholder size %d", size)
	}

	var b bytes.Buffer
	b.Write(d.original)
	fmt.Fprintf(&b, "\n<< /Type %s /Filter /Adobe.PPKLite /SubFilter /%s /ByteRange ", d.sigType, d.subFilter)
	rangeOffset := b.Len()
	b.WriteString("[]" + strings.Repeat(" ", byteRangePlaceholderLength))
	b.WriteString(" /Contents ")
	start := int64(b.Len())
	b.WriteString("<" + strings.Repeat("0", 2*size) + ">")
	end := int64(b.Len())
	b.WriteString(" >>\n")
	d.buf = b.Bytes()

	d.byteRange = [4]int64{0, start, end, int64(len(d.buf)) - end}
	ranges := fmt.Sprintf("[%d %d %d %d]", d.byteRange[0], d.byteRange[1], d.byteRange[2], d.byteRange[3])
	if len(ranges) > byteRangePlaceholderLength+2 {
		return nil, fmt.Errorf("%w: %s does not fit its placeholder", ErrInvalidByteRange, ranges)
	}
	copy(d.buf[rangeOffset:], ranges)
	d.size = size

	covered := make([]byte, 0, len(d.buf)-int(end-start))
	covered = append(covered, d.buf[:start]...)
	covered = append(covered, d.buf[end:]...)
	return bytes.NewReader(covered), nil
}

// WriteBack implements PlaceholderSink.
func (d *BufferDocument) WriteBack(contents []byte) error {
	if d.buf == nil {
		return ErrNotReserved
	}
	if d.written {
		return ErrAlreadyWritten
	}
	if len(contents) != d.size {
		return fmt.Errorf("%w: got %d bytes, reserved %d", ErrContentsSize, len(contents), d.size)
	}
	hex.Encode(d.buf[d.byteRange[1]+1:d.byteRange[2]-1], contents)
	d.written = true
	return nil
}

// Bytes returns the document including the signature dictionary, or the
// original bytes before Reserve.
func (d *BufferDocument) Bytes() []byte {
	if d.buf == nil {
		return d.original
	}
	return d.buf
}

// ByteRange returns the /ByteRange values [0 start end length].
func (d *BufferDocument) ByteRange() [4]int64 {
	return d.byteRange
}

// Written reports whether contents have been written back.
func (d *BufferDocument) Written() bool {
	return d.written
}

// Contents returns the decoded placeholder contents including zero
// padding.
func (d *BufferDocument) Contents() ([]byte, error) {
	if d.buf == nil {
		return nil, ErrNotReserved
	}
	return hex.DecodeString(string(d.buf[d.byteRange[1]+1 : d.byteRange[2]-1]))
}

// CoveredBytes returns the bytes of a signed document selected by
// byteRange.
func CoveredBytes(data []byte, byteRange [4]int64) ([]byte, error) {
	size := int64(len(data))
	for _, v := range byteRange {
		if v < 0 || v > size {
			return nil, ErrInvalidByteRange
		}
	}
	if byteRange[1] > size-byteRange[0] || byteRange[3] > size-byteRange[2] {
		return nil, ErrInvalidByteRange
	}
	out := make([]byte, 0, byteRange[1]+byteRange[3])
	out = append(out, data[byteRange[0]:byteRange[0]+byteRange[1]]...)
	out = append(out, data[byteRange[2]:byteRange[2]+byteRange[3]]...)
	return out, nil
}

// SignatureDictionary is a signature dictionary as written by
// BufferDocument.
type SignatureDictionary struct {
	SubFilter cms.SubFilter
	ByteRange [4]int64
	// Contents holds the decoded placeholder including zero padding.
	Contents []byte
	// End is the offset just past the dictionary, i.e. the end of the
	// revision it closes.
	End int64
}

// CoversRevision reports whether the byte range reaches the end of the
// dictionary's revision and leaves out exactly the /Contents string.
func (s SignatureDictionary) CoversRevision() bool {
	return s.ByteRange[0] == 0 &&
		s.ByteRange[2]+s.ByteRange[3] == s.End &&
		s.ByteRange[2]-s.ByteRange[1] == int64(2*len(s.Contents)+2)
}

var signatureDictPattern = regexp.MustCompile(
	`<< /Type /(?:Sig|DocTimeStamp) /Filter /Adobe\.PPKLite /SubFilter /(\S+) ` +
		`/ByteRange \[(\d+) (\d+) (\d+) (\d+)\] *` +
		` /Contents <([0-9A-Fa-f]*)> >>\n`)

// FindSignatures returns the signature dictionaries of data in the order
// they were appended.
func FindSignatures(data []byte) ([]SignatureDictionary, error) {
	var out []SignatureDictionary
	for _, m := range signatureDictPattern.FindAllSubmatchIndex(data, -1) {
		sf, err := cms.ParseSubFilter(string(data[m[2]:m[3]]))
		if err != nil {
			return nil, err
		}
		var dict SignatureDictionary
		dict.SubFilter = sf
		for i := range dict.ByteRange {
			v, err := strconv.ParseInt(string(data[m[4+2*i]:m[5+2*i]]), 10, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: %v", ErrInvalidByteRange, err)
			}
			dict.ByteRange[i] = v
		}
		if dict.Contents, err = hex.DecodeString(string(data[m[12]:m[13]])); err != nil {
			return nil, fmt.Errorf("invalid signature contents: %w", err)
		}
		dict.End = int64(m[1])
		out = append(out, dict)
	}
	return out, nil
}
