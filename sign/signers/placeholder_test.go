package signers

import (
	"errors"
	"io"
	"math"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/georgepadayatti/gopdfsig/sign/cms"
)

func TestBufferDocumentByteRange(t *testing.T) {
	doc := NewBufferDocument([]byte("%PDF-1.4\n"), cms.SubFilterPKCS7Detached)
	assert.Equal(t, "%PDF-1.4\n", string(doc.Bytes()))

	covered, err := doc.Reserve(8)
	require.NoError(t, err)
	data := doc.Bytes()
	br := doc.ByteRange()

	assert.Equal(t, int64(0), br[0])
	assert.Equal(t, byte('<'), data[br[1]])
	assert.Equal(t, byte('>'), data[br[2]-1])
	assert.Equal(t, int64(2*8+2), br[2]-br[1])
	assert.Equal(t, int64(len(data)), br[2]+br[3])

	want := "/ByteRange [0 " + itoa(br[1]) + " " + itoa(br[2]) + " " + itoa(br[3]) + "]"
	assert.Contains(t, string(data), want)

	got, err := io.ReadAll(covered)
	require.NoError(t, err)
	expected, err := CoveredBytes(data, br)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
	assert.NotContains(t, string(got), "<0000")

	_, err = doc.Reserve(8)
	assert.True(t, errors.Is(err, ErrAlreadyReserved))

	assert.True(t, errors.Is(doc.WriteBack([]byte{1, 2, 3}), ErrContentsSize))
	require.NoError(t, doc.WriteBack([]byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}))
	assert.Contains(t, string(doc.Bytes()), "<deadbeef00000000>")
	assert.True(t, errors.Is(doc.WriteBack(make([]byte, 8)), ErrAlreadyWritten))

	contents, err := doc.Contents()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef, 0, 0, 0, 0}, contents)

	// The covered bytes are unchanged by the write back.
	after, err := CoveredBytes(doc.Bytes(), br)
	require.NoError(t, err)
	assert.Equal(t, expected, after)
}

func TestBufferDocumentRequiresReserve(t *testing.T) {
	doc := NewBufferDocument(nil, cms.SubFilterRFC3161)
	assert.True(t, errors.Is(doc.WriteBack(nil), ErrNotReserved))
	_, err := doc.Contents()
	assert.True(t, errors.Is(err, ErrNotReserved))
	_, err = doc.Reserve(0)
	assert.Error(t, err)
}

func TestCoveredBytesRejectsBadRanges(t *testing.T) {
	data := []byte(strings.Repeat("x", 10))
	tests := [][4]int64{
		{0, 11, 0, 0},
		{0, 2, 5, 6},
		{0, -1, 2, 2},
		{0, 2, 11, 0},
		{10, math.MaxInt64, 0, 1},
		{0, 1, 2, math.MaxInt64},
		{math.MaxInt64, 1, 0, 1},
	}
	for _, br := range tests {
		_, err := CoveredBytes(data, br)
		assert.True(t, errors.Is(err, ErrInvalidByteRange), "%v", br)
	}
	out, err := CoveredBytes(data, [4]int64{0, 2, 8, 2})
	require.NoError(t, err)
	assert.Equal(t, "xxxx", string(out))
}

func itoa(v int64) string {
	return strconv.FormatInt(v, 10)
}

func TestFindSignatures(t *testing.T) {
	first := NewBufferDocument([]byte("%PDF-1.7\n"), cms.SubFilterCAdESDetached)
	_, err := first.Reserve(4)
	require.NoError(t, err)
	require.NoError(t, first.WriteBack([]byte{1, 2, 0, 0}))

	second := NewBufferDocument(first.Bytes(), cms.SubFilterRFC3161)
	_, err = second.Reserve(6)
	require.NoError(t, err)
	require.NoError(t, second.WriteBack([]byte{9, 9, 9, 0, 0, 0}))

	sigs, err := FindSignatures(second.Bytes())
	require.NoError(t, err)
	require.Len(t, sigs, 2)

	assert.Equal(t, cms.SubFilterCAdESDetached, sigs[0].SubFilter)
	assert.Equal(t, first.ByteRange(), sigs[0].ByteRange)
	assert.Equal(t, []byte{1, 2, 0, 0}, sigs[0].Contents)
	assert.Equal(t, int64(len(first.Bytes())), sigs[0].End)
	assert.True(t, sigs[0].CoversRevision())

	assert.Equal(t, cms.SubFilterRFC3161, sigs[1].SubFilter)
	assert.Equal(t, second.ByteRange(), sigs[1].ByteRange)
	assert.Equal(t, int64(len(second.Bytes())), sigs[1].End)
	assert.True(t, sigs[1].CoversRevision())

	shifted := sigs[1]
	shifted.ByteRange[3]--
	assert.False(t, shifted.CoversRevision())

	none, err := FindSignatures([]byte("%PDF-1.7\n"))
	require.NoError(t, err)
	assert.Empty(t, none)
}
