package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewS3MediaStoreValidation(t *testing.T) {
	_, err := NewS3MediaStore("us-west-2", "", "https://media.test", "courses", UploadPolicy{})
	assert.Error(t, err)

	_, err = NewS3MediaStore("us-west-2", "bucket", "", "courses", UploadPolicy{})
	assert.Error(t, err)

	store, err := NewS3MediaStore("us-west-2", "bucket", "https://media.test", "", UploadPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "courses", store.folder)

	store, err = NewS3MediaStore("us-west-2", "bucket", "https://media.test", "/covers/", UploadPolicy{})
	require.NoError(t, err)
	assert.Equal(t, "covers", store.folder)
}

func TestIsMissingObjectErr(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		missing bool
	}{
		{"no such key", awserr.New(s3.ErrCodeNoSuchKey, "gone", nil), true},
		{"not found", awserr.New("NotFound", "gone", nil), true},
		{"access denied", awserr.New("AccessDenied", "nope", nil), false},
		{"plain error", errors.New("gone"), false},
		{"wrapped aws error", fmt.Errorf("deleting: %w", awserr.New(s3.ErrCodeNoSuchKey, "gone", nil)), true},
		{"nil", nil, false},
	}

	for _, c := range cases {
		assert.Equal(t, c.missing, isMissingObjectErr(c.err), "Case %s", c.name)
	}
}

func TestTransformHints(t *testing.T) {
	store := &S3MediaStore{policy: UploadPolicy{}}
	assert.Nil(t, store.transformHints(), "an empty policy must not emit metadata")

	store = &S3MediaStore{policy: UploadPolicy{MaxWidth: 1280, MaxHeight: 720, Quality: "auto"}}
	hints := store.transformHints()
	require.NotNil(t, hints)
	assert.Equal(t, "1280", *hints["max-width"])
	assert.Equal(t, "720", *hints["max-height"])
	assert.Equal(t, "auto", *hints["quality"])
}

// Upload must reject policy violations locally, before any S3 call. The
// store has no reachable bucket here, so a rejected upload proves no remote
// call was attempted.
func TestS3MediaStoreUploadRejectedLocally(t *testing.T) {
	store, err := NewS3MediaStore("us-west-2", "bucket-that-does-not-exist", "https://media.test", "courses", UploadPolicy{
		MaxBytes:       10,
		AllowedFormats: []string{"jpg"},
	})
	require.NoError(t, err)

	_, err = store.Upload(context.Background(), &MediaUpload{
		Data:     []byte("way more than ten bytes"),
		MIMEType: "image/jpeg",
	})
	assert.Equal(t, KindUploadRejected, KindOf(err))

	_, err = store.Upload(context.Background(), &MediaUpload{
		Data:     []byte("x"),
		MIMEType: "image/png",
	})
	assert.Equal(t, KindUploadRejected, KindOf(err))
}

// Local rejections must not count as remote upload errors.
func TestS3MediaStoreRejectionMetricOutcome(t *testing.T) {
	store, err := NewS3MediaStore("us-west-2", "bucket", "https://media.test", "courses", UploadPolicy{
		MaxBytes: 10,
	})
	require.NoError(t, err)

	rejectedBefore := testutil.ToFloat64(mediaUploadsTotal.WithLabelValues(outcomeRejected))
	errorBefore := testutil.ToFloat64(mediaUploadsTotal.WithLabelValues(outcomeError))

	_, err = store.Upload(context.Background(), &MediaUpload{
		Data:     []byte("way more than ten bytes"),
		MIMEType: "image/jpeg",
	})
	require.Equal(t, KindUploadRejected, KindOf(err))

	assert.Equal(t, rejectedBefore+1, testutil.ToFloat64(mediaUploadsTotal.WithLabelValues(outcomeRejected)))
	assert.Equal(t, errorBefore, testutil.ToFloat64(mediaUploadsTotal.WithLabelValues(outcomeError)), "a local rejection is not a remote error")
}

// Delete must refuse references from another base URL or folder instead of
// reporting success against a key that never existed here.
func TestS3MediaStoreDeleteForeignReference(t *testing.T) {
	store, err := NewS3MediaStore("us-west-2", "bucket", "https://media.test", "courses", UploadPolicy{})
	require.NoError(t, err)

	cases := []string{
		"https://elsewhere.example/courses/abc-123.jpg",
		"https://media.test/avatars/abc-123.jpg",
		"https://media.test/abc-123.jpg",
		"https://media.test/courses/nested/abc-123.jpg",
	}

	for _, reference := range cases {
		err := store.Delete(context.Background(), reference)
		assert.Equal(t, KindMalformedReference, KindOf(err), "Case %q", reference)
	}
}

const integrationTestBucket = "coursevault-media-integration"

// TestS3MediaStoreIntegration exercises the store against real S3. It is
// skipped unless AWS credentials are available.
func TestS3MediaStoreIntegration(t *testing.T) {
	if os.Getenv("AWS_ACCESS_KEY_ID") == "" || os.Getenv("AWS_SECRET_ACCESS_KEY") == "" {
		t.Skip("Skipping integration test: AWS credentials not available")
	}

	store, err := NewS3MediaStore("us-west-2", integrationTestBucket, "https://media.test", "courses", UploadPolicy{
		MaxBytes:       1 << 20,
		AllowedFormats: []string{"jpg", "png"},
	})
	if err != nil {
		t.Fatalf("Failed to create S3 media store: %v", err)
	}

	ctx := context.Background()

	// 1. Upload an object
	reference, err := store.Upload(ctx, &MediaUpload{
		Data:     []byte("integration test image bytes"),
		MIMEType: "image/jpeg",
	})
	if err != nil {
		t.Fatalf("Failed to upload media: %v", err)
	}

	// 2. The reference must parse back into a public ID
	publicID, err := ExtractPublicID(reference)
	if err != nil {
		t.Fatalf("Failed to parse uploaded reference %q: %v", reference, err)
	}
	if publicID == "" {
		t.Errorf("Expected a non-empty public ID from %q", reference)
	}

	// 3. Delete the object
	if err := store.Delete(ctx, reference); err != nil {
		t.Fatalf("Failed to delete media: %v", err)
	}

	// 4. Deleting again is still success
	if err := store.Delete(ctx, reference); err != nil {
		t.Errorf("Expected idempotent delete, got %v", err)
	}
}
