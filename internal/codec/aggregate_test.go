package codec

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

// buildAggregatedRecord hand-assembles the wire shape spec.md §9 names:
// AggregatedRecord{ repeated Record records (field 3) }, Record{ bytes
// data (field 3) }. Only the fields the de-bundler reads are populated.
func buildAggregatedRecord(t *testing.T, payloads ...string) []byte {
	t.Helper()
	var body []byte
	for _, p := range payloads {
		var rec []byte
		rec = protowire.AppendTag(rec, recordDataField, protowire.BytesType)
		rec = protowire.AppendBytes(rec, []byte(p))
		body = protowire.AppendTag(body, aggregatedRecordsField, protowire.BytesType)
		body = protowire.AppendBytes(body, rec)
	}
	framed := append([]byte{}, aggregationMagic[:]...)
	framed = append(framed, body...)
	framed = append(framed, make([]byte, checksumLen)...) // checksum not verified on decode
	return framed
}

func TestDeaggregateSplitsBundledRecords(t *testing.T) {
	raw := buildAggregatedRecord(t, "one", "two", "three")
	bundles := deaggregate(raw)
	require.Len(t, bundles, 3)
	assert.Equal(t, []byte("one"), bundles[0])
	assert.Equal(t, []byte("two"), bundles[1])
	assert.Equal(t, []byte("three"), bundles[2])
}

func TestDeaggregatePassesThroughNonAggregatedRecord(t *testing.T) {
	bundles := deaggregate([]byte("plain record, no magic"))
	require.Len(t, bundles, 1)
	assert.Equal(t, []byte("plain record, no magic"), bundles[0])
}

func TestDeaggregateTooShortForMagicPassesThrough(t *testing.T) {
	bundles := deaggregate([]byte{0xF3, 0x89})
	require.Len(t, bundles, 1)
}

func TestDecodeAssignsSubSequenceNumbersAndCopiesOuterFields(t *testing.T) {
	c, err := New(Config{JSONMode: JSONOff}, nil)
	require.NoError(t, err)

	raw := buildAggregatedRecord(t, "alpha", "beta")
	rec := newRecord(t, raw, "99", "pk")

	decoded, err := c.Decode(context.Background(), rec)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i, d := range decoded {
		assert.Equal(t, i, d.SubSequenceNumber)
		assert.Equal(t, "99", d.SequenceNumber)
	}
	assert.Equal(t, "alpha", decoded[0].Data)
	assert.Equal(t, "beta", decoded[1].Data)
}
