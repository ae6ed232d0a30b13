// Package codec implements the record encode/decode pipeline (spec.md
// §4.8): JSON-serialization of non-string payloads, pluggable
// compression, large-item offload to a blob store, deterministic
// partition-key derivation, and producer-aggregated record de-bundling.
package codec

import (
	"context"
	"crypto/sha1" //nolint:gosec // spec-mandated partition-key derivation, not a security boundary
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/aws/aws-sdk-go-v2/service/kinesis/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
	"github.com/lifion/lifion-kinesis-sub000/internal/event"
)

// JSONMode controls whether a decoded body is parsed as JSON (spec.md
// §4.8 decode step 4).
type JSONMode int

const (
	JSONOff JSONMode = iota
	JSONOn
	JSONAuto
)

// DefaultLargeItemThresholdBytes is the default useS3ForLargeItems
// trigger (spec.md §6: "largeItemThreshold (KB; default 400)").
const DefaultLargeItemThresholdBytes = 400 * 1024

// BlobStore is the subset of *blobstore.Store the codec needs.
type BlobStore interface {
	Put(ctx context.Context, id string, body []byte) (bucket, key, eTag string, err error)
	Get(ctx context.Context, bucket, key string) ([]byte, error)
}

// Config configures a Codec.
type Config struct {
	LogName                 string
	Compression             string // "" / "none" / "LZ-UTF8"
	UseS3ForLargeItems      bool
	LargeItemThresholdBytes int
	NonS3Keys               []string
	JSONMode                JSONMode
}

// Codec encodes outgoing records and decodes incoming ones.
type Codec struct {
	cfg        Config
	compressor Compressor
	blob       BlobStore
}

// New constructs a Codec. An unknown Compression name is a configuration
// error, surfaced at facade construction (spec.md §6 "Edge cases").
func New(cfg Config, blob BlobStore) (*Codec, error) {
	compressor, ok := resolveCompressor(cfg.Compression)
	if !ok {
		return nil, errs.New(errs.CodeValidation, fmt.Sprintf("unknown compression %q", cfg.Compression), nil)
	}
	if cfg.LargeItemThresholdBytes <= 0 {
		cfg.LargeItemThresholdBytes = DefaultLargeItemThresholdBytes
	}
	return &Codec{cfg: cfg, compressor: compressor, blob: blob}, nil
}

// EncodeInput is one outgoing logical record (spec.md §4.8 encode step 1).
type EncodeInput struct {
	Data                      interface{}
	PartitionKey              string
	ExplicitHashKey           string
	SequenceNumberForOrdering string
}

// EncodeOutput is the vendor-shaped record ready for PutRecord(s).
type EncodeOutput struct {
	Data                      []byte
	PartitionKey              string
	ExplicitHashKey           *string
	SequenceNumberForOrdering *string
}

type s3Sentinel struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
	ETag   string `json:"eTag"`
}

// Encode implements spec.md §4.8's encode pipeline.
func (c *Codec) Encode(ctx context.Context, in EncodeInput) (EncodeOutput, error) {
	if in.Data == nil {
		return EncodeOutput{}, errs.New(errs.CodeMissingField, "data", nil)
	}

	body, err := toBytes(in.Data)
	if err != nil {
		return EncodeOutput{}, errs.New(errs.CodeValidation, "failed to serialize record data", err)
	}

	body, err = c.compressor.Compress(body)
	if err != nil {
		return EncodeOutput{}, errs.New("CompressionError", "failed to compress record data", err)
	}

	if c.cfg.UseS3ForLargeItems && len(body) > c.cfg.LargeItemThresholdBytes {
		body, err = c.offload(ctx, in.Data, body)
		if err != nil {
			return EncodeOutput{}, err
		}
	}

	partitionKey := in.PartitionKey
	if partitionKey == "" {
		partitionKey = derivePartitionKey(body)
	}

	out := EncodeOutput{Data: body, PartitionKey: partitionKey}
	if in.ExplicitHashKey != "" {
		out.ExplicitHashKey = &in.ExplicitHashKey
	}
	if in.SequenceNumberForOrdering != "" {
		out.SequenceNumberForOrdering = &in.SequenceNumberForOrdering
	}
	return out, nil
}

// offload implements spec.md §4.8 step 4: upload the compressed body and
// replace it with an {"@S3Item": {...}} sentinel, retaining any
// configured nonS3Keys inline for query.
func (c *Codec) offload(ctx context.Context, original interface{}, compressedBody []byte) ([]byte, error) {
	id := uuid.NewString()
	bucket, key, eTag, err := c.blob.Put(ctx, id, compressedBody)
	if err != nil {
		return nil, errs.New("S3OffloadError", "failed to upload large item to blob store", err)
	}
	sentinel := map[string]interface{}{"@S3Item": s3Sentinel{Bucket: bucket, Key: key, ETag: eTag}}
	if len(c.cfg.NonS3Keys) > 0 {
		if obj, ok := original.(map[string]interface{}); ok {
			for _, k := range c.cfg.NonS3Keys {
				if v, ok := obj[k]; ok {
					sentinel[k] = v
				}
			}
		}
	}
	out, err := json.Marshal(sentinel)
	if err != nil {
		return nil, errs.New("MarshalError", "failed to marshal @S3Item sentinel", err)
	}
	return out, nil
}

func toBytes(data interface{}) ([]byte, error) {
	switch v := data.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	default:
		return json.Marshal(v)
	}
}

func derivePartitionKey(body []byte) string {
	sum := sha1.Sum(body) //nolint:gosec // deterministic key derivation, not a security boundary
	return base64.StdEncoding.EncodeToString(sum[:])
}

var jsonLikeBody = regexp.MustCompile(`^[{\[].*[}\]]$`)

// Decode implements spec.md §4.8's decode pipeline plus the
// producer-aggregation de-bundling step, returning one event.Record per
// bundled sub-record (or a single one if the record was not aggregated).
func (c *Codec) Decode(ctx context.Context, rec types.Record) ([]event.Record, error) {
	var arrival int64
	if rec.ApproximateArrivalTimestamp != nil {
		arrival = rec.ApproximateArrivalTimestamp.UnixMilli()
	}
	sequenceNumber := ""
	if rec.SequenceNumber != nil {
		sequenceNumber = *rec.SequenceNumber
	}
	partitionKey := ""
	if rec.PartitionKey != nil {
		partitionKey = *rec.PartitionKey
	}
	encryptionType := string(rec.EncryptionType)

	bundles := deaggregate(rec.Data)
	out := make([]event.Record, 0, len(bundles))
	for i, raw := range bundles {
		data, err := c.decodeOne(ctx, raw)
		if err != nil {
			return nil, err
		}
		out = append(out, event.Record{
			ApproximateArrivalTimestamp: arrival,
			Data:                        data,
			EncryptionType:              encryptionType,
			PartitionKey:                partitionKey,
			SequenceNumber:              sequenceNumber,
			SubSequenceNumber:           i,
		})
	}
	return out, nil
}

// decodeOne implements spec.md §4.8 decode steps 2-4 for a single
// (possibly de-aggregated) body.
func (c *Codec) decodeOne(ctx context.Context, raw []byte) (interface{}, error) {
	body, err := c.compressor.Decompress(raw)
	if err != nil {
		// Fatal codec error (spec.md §7 "Fatal codec error"): fall back to
		// the raw bytes rather than stopping the reader.
		logrus.WithError(err).Warn("codec: decompression failed, emitting raw bytes")
		return string(raw), nil
	}

	if sentinel, ok := parseS3Sentinel(body); ok {
		fetched, err := c.blob.Get(ctx, sentinel.Bucket, sentinel.Key)
		if err != nil {
			logrus.WithError(err).Warn("codec: failed to fetch offloaded item, emitting sentinel")
			return string(body), nil
		}
		body = fetched
	}

	switch c.cfg.JSONMode {
	case JSONOff:
		return string(body), nil
	case JSONOn:
		return parseJSON(body), nil
	default: // JSONAuto
		if jsonLikeBody.Match(body) {
			return parseJSON(body), nil
		}
		return string(body), nil
	}
}

func parseJSON(body []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(body, &v); err != nil {
		logrus.WithError(err).Warn("codec: JSON parse failed, emitting raw string")
		return string(body)
	}
	return v
}

func parseS3Sentinel(body []byte) (s3Sentinel, bool) {
	var wrapper struct {
		Item *s3Sentinel `json:"@S3Item"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil || wrapper.Item == nil {
		return s3Sentinel{}, false
	}
	return *wrapper.Item, true
}
