package server

import (
	"bytes"
	"context"
	"errors"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3MediaStore implements the MediaStore interface using AWS S3. Objects
// live under a single folder prefix and are served through the configured
// public base URL, so the reference stored on a record is enough to both
// serve the image and later delete the object.
type S3MediaStore struct {
	s3Client   *s3.S3
	bucketName string
	folder     string
	baseURL    string
	policy     UploadPolicy
}

// NewS3MediaStore creates a new S3-backed media store.
func NewS3MediaStore(region, bucketName, publicBaseURL, folder string, policy UploadPolicy) (*S3MediaStore, error) {
	if bucketName == "" {
		return nil, errors.New("S3 bucket name is required")
	}
	if publicBaseURL == "" {
		return nil, errors.New("media public base URL is required")
	}
	folder = strings.Trim(folder, "/")
	if folder == "" {
		folder = "courses"
	}

	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &S3MediaStore{
		s3Client:   s3.New(sess),
		bucketName: bucketName,
		folder:     folder,
		baseURL:    publicBaseURL,
		policy:     policy,
	}, nil
}

// Upload validates the payload against the upload policy, stores the bytes
// under a fresh public identifier and returns the public reference URL.
// Validation failures never reach S3.
func (s *S3MediaStore) Upload(ctx context.Context, upload *MediaUpload) (string, error) {
	if err := s.policy.Check(upload); err != nil {
		mediaUploadsTotal.WithLabelValues(outcomeRejected).Inc()
		return "", err
	}

	publicID := newMediaID()
	format := formatFromMIME(upload.MIMEType)
	key := formatMediaKey(s.folder, publicID, format)

	_, err := s.s3Client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(upload.Data),
		ContentType:   aws.String(upload.MIMEType),
		ContentLength: aws.Int64(int64(len(upload.Data))),
		Metadata:      s.transformHints(),
	})
	if err != nil {
		mediaUploadsTotal.WithLabelValues(outcomeError).Inc()
		return "", E(KindUploadFailed, "media upload failed", err)
	}

	mediaUploadsTotal.WithLabelValues(outcomeOK).Inc()
	reference := buildReference(s.baseURL, s.folder, publicID, format)
	log.WithField("key", key).Debug("Uploaded media object")
	return reference, nil
}

// Delete removes the object behind the given reference. Deleting a
// reference whose object is already gone succeeds, so retries of a
// half-finished cleanup stay safe. A reference served from a different base
// URL or folder never belonged to this store and is refused rather than
// silently "deleted" against a key that never existed.
func (s *S3MediaStore) Delete(ctx context.Context, reference string) error {
	filename, err := referenceFilename(reference)
	if err != nil {
		return err
	}
	prefix := strings.TrimRight(s.baseURL, "/") + "/" + s.folder + "/"
	if reference != prefix+filename {
		return Errorf(KindMalformedReference, "media reference %q does not belong to this store", reference)
	}
	key := s.folder + "/" + filename

	_, err = s.s3Client.DeleteObjectWithContext(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucketName),
		Key:    aws.String(key),
	})
	if err != nil && !isMissingObjectErr(err) {
		mediaDeletesTotal.WithLabelValues(outcomeError).Inc()
		return E(KindDeleteFailed, "media delete failed", err)
	}

	mediaDeletesTotal.WithLabelValues(outcomeOK).Inc()
	log.WithField("key", key).Debug("Deleted media object")
	return nil
}

// transformHints exposes the bounding-resize policy as object metadata so
// the serving layer can cap delivered dimensions without this service ever
// processing image bytes.
func (s *S3MediaStore) transformHints() map[string]*string {
	hints := map[string]*string{}
	if s.policy.MaxWidth > 0 {
		hints["max-width"] = aws.String(strconv.Itoa(s.policy.MaxWidth))
	}
	if s.policy.MaxHeight > 0 {
		hints["max-height"] = aws.String(strconv.Itoa(s.policy.MaxHeight))
	}
	if s.policy.Quality != "" {
		hints["quality"] = aws.String(s.policy.Quality)
	}
	if len(hints) == 0 {
		return nil
	}
	return hints
}

// isMissingObjectErr reports whether err is S3 telling us the object is
// already gone.
func isMissingObjectErr(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	switch aerr.Code() {
	case s3.ErrCodeNoSuchKey, "NotFound":
		return true
	}
	return false
}
