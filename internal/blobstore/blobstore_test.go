package blobstore

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lifion/lifion-kinesis-sub000/internal/clock"
	"github.com/lifion/lifion-kinesis-sub000/internal/errs"
)

// apiCodeErr is a generic smithy-style error exposing only ErrorCode(), the
// shape HeadBucket returns for a missing bucket (no dedicated exception
// type the way GetObject has *types.NoSuchBucket).
type apiCodeErr struct{ code string }

func (e apiCodeErr) Error() string     { return "api error: " + e.code }
func (e apiCodeErr) ErrorCode() string { return e.code }

type fakeAPI struct {
	headBucketErr                      error
	createBucketErr                    error
	putBucketTaggingCalls              []*s3.PutBucketTaggingInput
	putBucketLifecycleConfigurationIn  *s3.PutBucketLifecycleConfigurationInput
	putObjectIn                        *s3.PutObjectInput
	putObjectErr                       error
	getObjectOut                       *s3.GetObjectOutput
	getObjectErr                       error
}

func (f *fakeAPI) HeadBucket(context.Context, *s3.HeadBucketInput, ...func(*s3.Options)) (*s3.HeadBucketOutput, error) {
	if f.headBucketErr != nil {
		return nil, f.headBucketErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (f *fakeAPI) CreateBucket(context.Context, *s3.CreateBucketInput, ...func(*s3.Options)) (*s3.CreateBucketOutput, error) {
	if f.createBucketErr != nil {
		return nil, f.createBucketErr
	}
	return &s3.CreateBucketOutput{}, nil
}

func (f *fakeAPI) GetBucketTagging(context.Context, *s3.GetBucketTaggingInput, ...func(*s3.Options)) (*s3.GetBucketTaggingOutput, error) {
	return &s3.GetBucketTaggingOutput{}, nil
}

func (f *fakeAPI) PutBucketTagging(_ context.Context, in *s3.PutBucketTaggingInput, _ ...func(*s3.Options)) (*s3.PutBucketTaggingOutput, error) {
	f.putBucketTaggingCalls = append(f.putBucketTaggingCalls, in)
	return &s3.PutBucketTaggingOutput{}, nil
}

func (f *fakeAPI) GetBucketLifecycleConfiguration(context.Context, *s3.GetBucketLifecycleConfigurationInput, ...func(*s3.Options)) (*s3.GetBucketLifecycleConfigurationOutput, error) {
	return &s3.GetBucketLifecycleConfigurationOutput{}, nil
}

func (f *fakeAPI) PutBucketLifecycleConfiguration(_ context.Context, in *s3.PutBucketLifecycleConfigurationInput, _ ...func(*s3.Options)) (*s3.PutBucketLifecycleConfigurationOutput, error) {
	f.putBucketLifecycleConfigurationIn = in
	return &s3.PutBucketLifecycleConfigurationOutput{}, nil
}

func (f *fakeAPI) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getObjectErr != nil {
		return nil, f.getObjectErr
	}
	return f.getObjectOut, nil
}

func (f *fakeAPI) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.putObjectIn = in
	if f.putObjectErr != nil {
		return nil, f.putObjectErr
	}
	return &s3.PutObjectOutput{ETag: strPtr("\"etag-1\"")}, nil
}

func strPtr(s string) *string { return &s }

func newTestStore(api *fakeAPI, tags map[string]string) *Store {
	return New(api, clock.NewFake(time.Now()), Config{Bucket: "test-bucket", LogName: "stream-a", Tags: tags})
}

func TestEnsureBucketNoOpWhenBucketExists(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api, nil)
	require.NoError(t, s.EnsureBucket(context.Background()))
	assert.Nil(t, api.putBucketLifecycleConfigurationIn, "an existing bucket must not be reconfigured")
}

func TestEnsureBucketCreatesTagsAndInstallsLifecycleRule(t *testing.T) {
	api := &fakeAPI{headBucketErr: apiCodeErr{code: "NotFound"}}
	s := newTestStore(api, map[string]string{"team": "platform"})
	require.NoError(t, s.EnsureBucket(context.Background()))

	require.Len(t, api.putBucketTaggingCalls, 1)
	require.Len(t, api.putBucketTaggingCalls[0].Tagging.TagSet, 1)
	assert.Equal(t, "team", *api.putBucketTaggingCalls[0].Tagging.TagSet[0].Key)

	require.NotNil(t, api.putBucketLifecycleConfigurationIn)
	rules := api.putBucketLifecycleConfigurationIn.LifecycleConfiguration.Rules
	require.Len(t, rules, 1)
	assert.EqualValues(t, LifecycleExpirationDays, *rules[0].Expiration.Days)
	filter, ok := rules[0].Filter.(*types.LifecycleRuleFilterMemberPrefix)
	require.True(t, ok)
	assert.True(t, strings.HasPrefix(filter.Value, "stream-a"))
}

func TestEnsureBucketTreatsAlreadyOwnedAsSuccess(t *testing.T) {
	api := &fakeAPI{
		headBucketErr:    apiCodeErr{code: "NotFound"},
		createBucketErr:  &types.BucketAlreadyOwnedByYou{},
	}
	s := newTestStore(api, nil)
	assert.NoError(t, s.EnsureBucket(context.Background()))
}

func TestEnsureBucketPropagatesOtherHeadBucketErrors(t *testing.T) {
	api := &fakeAPI{headBucketErr: apiCodeErr{code: "Forbidden"}}
	s := newTestStore(api, nil)
	assert.Error(t, s.EnsureBucket(context.Background()))
}

func TestPutDerivesDeterministicKeyAndReturnsETag(t *testing.T) {
	api := &fakeAPI{}
	s := newTestStore(api, nil)
	bucket, key, eTag, err := s.Put(context.Background(), "partitionkey-seq1", []byte(`{"a":1}`))
	require.NoError(t, err)
	assert.Equal(t, "test-bucket", bucket)
	assert.Equal(t, "stream-a--partitionkey-seq1.json", key)
	assert.Equal(t, "\"etag-1\"", eTag)
}

func TestGetReadsObjectBodyFully(t *testing.T) {
	api := &fakeAPI{getObjectOut: &s3.GetObjectOutput{Body: io.NopCloser(strings.NewReader("hello world"))}}
	s := newTestStore(api, nil)
	data, err := s.Get(context.Background(), "other-bucket", "some-key.json")
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))
}

func TestGetWrapsNoSuchKey(t *testing.T) {
	api := &fakeAPI{getObjectErr: &types.NoSuchKey{}}
	s := newTestStore(api, nil)
	_, err := s.Get(context.Background(), "test-bucket", "missing.json")
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.CodeNoSuchKey))
}

func TestPutPropagatesUnderlyingError(t *testing.T) {
	api := &fakeAPI{putObjectErr: apiCodeErr{code: "InternalError"}}
	s := newTestStore(api, nil)
	_, _, _, err := s.Put(context.Background(), "id-1", []byte("x"))
	assert.Error(t, err)
}
