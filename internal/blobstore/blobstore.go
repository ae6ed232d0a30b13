// Package blobstore implements the large-item offload store (spec.md §6
// "useS3ForLargeItems", §4.8 step 4): a thin wrapper over *s3.Client that
// ensures the bucket exists, tags it, and installs a lifecycle rule that
// expires offloaded objects after one day.
package blobstore

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
)

// LifecycleExpirationDays is the retention window for offloaded objects
// (spec.md §6).
const LifecycleExpirationDays = 1

// API is the subset of *s3.Client the blob store needs.
type API interface {
	HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
	CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error)
	GetBucketTagging(context.Context, *s3.GetBucketTaggingInput, ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error)
	PutBucketTagging(context.Context, *s3.PutBucketTaggingInput, ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error)
	GetBucketLifecycleConfiguration(context.Context, *s3.GetBucketLifecycleConfigurationInput, ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error)
	PutBucketLifecycleConfiguration(context.Context, *s3.PutBucketLifecycleConfigurationInput, ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error)
	GetObject(context.Context, *s3.GetObjectInput, ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(context.Context, *s3.PutObjectInput, ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Store is a large-item blob store scoped to one bucket and logName.
type Store struct {
	api     API
	clock   clock.Clock
	bucket  string
	logName string
	tags    map[string]string
}

// Config configures a Store.
type Config struct {
	Bucket  string
	LogName string
	Tags    map[string]string
}

// New constructs a Store. It does not perform any I/O; call EnsureBucket
// before use.
func New(api API, clk clock.Clock, cfg Config) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Store{api: api, clock: clk, bucket: cfg.Bucket, logName: cfg.LogName, tags: cfg.Tags}
}

// EnsureBucket creates, tags, and installs the expiration lifecycle rule
// on the bucket if it does not already exist (spec.md §6, first-use flow
// shared with internal/store.Store.EnsureTable).
func (s *Store) EnsureBucket(ctx context.Context) error {
	_, err := s.api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: &s.bucket})
	if err == nil {
		return nil
	}
	if !errs.Is(wrapS3Err(err), errs.CodeResourceNotFound) {
		return wrapS3Err(err)
	}

	if _, err := s.api.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: &s.bucket}); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		var exists *types.BucketAlreadyExists
		if !errors.As(err, &owned) && !errors.As(err, &exists) {
			return wrapS3Err(err)
		}
	}

	if len(s.tags) > 0 {
		var tagSet []types.Tag
		for k, v := range s.tags {
			tagSet = append(tagSet, types.Tag{Key: aws.String(k), Value: aws.String(v)})
		}
		if _, err := s.api.PutBucketTagging(ctx, &s3.PutBucketTaggingInput{
			Bucket:  &s.bucket,
			Tagging: &types.Tagging{TagSet: tagSet},
		}); err != nil {
			return wrapS3Err(err)
		}
	}

	prefix := s.logName + "--"
	_, err = s.api.PutBucketLifecycleConfiguration(ctx, &s3.PutBucketLifecycleConfigurationInput{
		Bucket: &s.bucket,
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{
				{
					ID:         aws.String(s.logName + "-expiration"),
					Status:     types.ExpirationStatusEnabled,
					Filter:     &types.LifecycleRuleFilterMemberPrefix{Value: prefix},
					Expiration: &types.LifecycleExpiration{Days: aws.Int32(LifecycleExpirationDays)},
				},
			},
		},
	})
	if err != nil {
		return wrapS3Err(err)
	}
	return nil
}

// objectKey builds the deterministic per-record key (spec.md §4.8 step 4).
func (s *Store) objectKey(id string) string {
	return s.logName + "--" + id + ".json"
}

// Put uploads body under a key derived from id and returns {bucket, key,
// eTag} for the @S3Item sentinel.
func (s *Store) Put(ctx context.Context, id string, body []byte) (bucket, key, eTag string, err error) {
	key = s.objectKey(id)
	out, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   bytes.NewReader(body),
	})
	if err != nil {
		return "", "", "", wrapS3Err(err)
	}
	if out.ETag != nil {
		eTag = *out.ETag
	}
	return s.bucket, key, eTag, nil
}

// Get fetches an offloaded object's body by bucket/key (the sentinel's own
// fields, which may point at a different bucket than this Store's default
// if the sentinel was written by another process/config).
func (s *Store) Get(ctx context.Context, bucket, key string) ([]byte, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{Bucket: &bucket, Key: &key})
	if err != nil {
		return nil, wrapS3Err(err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, errs.New("S3ReadError", "failed to read offloaded object body", err)
	}
	return data, nil
}

func wrapS3Err(err error) error {
	if err == nil {
		return nil
	}
	var nf *types.NoSuchBucket
	if errors.As(err, &nf) {
		return errs.New(errs.CodeResourceNotFound, "s3 bucket not found", err)
	}
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return errs.New(errs.CodeNoSuchKey, "s3 object not found", err)
	}
	var apiErr interface{ ErrorCode() string }
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		if code == "NotFound" {
			return errs.New(errs.CodeResourceNotFound, "s3 call failed", err)
		}
		return errs.New(code, "s3 call failed", err)
	}
	return errs.New("S3Error", "s3 call failed", err)
}
