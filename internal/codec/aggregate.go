package codec

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// aggregationMagic is the 4-byte marker the producer-side aggregator
// prepends to a bundled AggregatedRecord payload (spec.md §4.8,
// "Producer-side aggregation de-bundling").
var aggregationMagic = [4]byte{0xF3, 0x89, 0x9A, 0xC2}

// checksumLen is the trailing MD5 digest length. This package only
// de-aggregates and never checks the digest (a forged frame that fails to
// parse as protobuf is simply treated as non-aggregated).
const checksumLen = 16

// deaggregate expands one raw Kinesis record's bytes into the bundled
// sub-records it carries, or returns the bytes unchanged as a single
// element if the aggregation magic is absent or the payload fails to
// parse as an AggregatedRecord.
func deaggregate(data []byte) [][]byte {
	if len(data) < 4+checksumLen || !hasMagic(data) {
		return [][]byte{data}
	}
	payload := data[4 : len(data)-checksumLen]
	records, ok := parseAggregatedRecord(payload)
	if !ok || len(records) == 0 {
		return [][]byte{data}
	}
	return records
}

func hasMagic(data []byte) bool {
	return data[0] == aggregationMagic[0] && data[1] == aggregationMagic[1] &&
		data[2] == aggregationMagic[2] && data[3] == aggregationMagic[3]
}

// AggregatedRecord field numbers (spec.md §9 wire shape):
//  1 partition_key_table    (repeated string)
//  2 explicit_hash_key_table (repeated string)
//  3 records                (repeated Record)
const aggregatedRecordsField = 3

// Record field numbers within each bundled entry:
//  1 partition_key_index
//  2 explicit_hash_key_index
//  3 data
//  4 tags
const recordDataField = 3

func parseAggregatedRecord(b []byte) ([][]byte, bool) {
	var out [][]byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		if num == aggregatedRecordsField && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, false
			}
			b = b[n:]
			if data, ok := parseBundledRecord(v); ok {
				out = append(out, data)
			}
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
	}
	return out, true
}

func parseBundledRecord(b []byte) ([]byte, bool) {
	var data []byte
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
		if num == recordDataField && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, false
			}
			data = v
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, false
		}
		b = b[n:]
	}
	return data, true
}
