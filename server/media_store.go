package server

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// MediaUpload is the inbound asset of a mutation request, already read off
// the wire by the HTTP layer.
type MediaUpload struct {
	Data     []byte
	Size     int64
	MIMEType string
}

// MediaStore uploads and deletes the externally hosted assets that course
// records reference. Upload returns the media reference, a public URL of
// the form <base-url>/<folder>/<public-id>.<ext>. Uploads are billable -
// callers must not upload speculatively.
//
// Delete is idempotent: deleting a reference that no longer exists is
// success, because the only observable goal is "no longer retrievable".
type MediaStore interface {
	Upload(ctx context.Context, upload *MediaUpload) (string, error)
	Delete(ctx context.Context, reference string) error
}

// UploadPolicy is the local constraint set checked before any remote call,
// plus the bounding transform the store applies at upload time.
type UploadPolicy struct {
	MaxBytes       int64
	AllowedFormats []string
	MaxWidth       int
	MaxHeight      int
	Quality        string
}

// mimeImagePrefix - only images are accepted, whatever the format list says.
const mimeImagePrefix = "image/"

// formatFromMIME maps an image MIME type to the canonical extension used in
// object keys and references. Unknown subtypes map to themselves so the
// allowed-format check stays the single gate.
func formatFromMIME(mimeType string) string {
	subtype := strings.ToLower(strings.TrimPrefix(mimeType, mimeImagePrefix))
	if i := strings.Index(subtype, ";"); i >= 0 {
		subtype = strings.TrimSpace(subtype[:i])
	}
	switch subtype {
	case "jpeg", "pjpeg":
		return "jpg"
	case "svg+xml":
		return "svg"
	default:
		return subtype
	}
}

// Check rejects an upload that violates the policy. It performs no I/O;
// a nil return means the upload may be sent to the store.
func (p *UploadPolicy) Check(upload *MediaUpload) error {
	if upload == nil || len(upload.Data) == 0 {
		return Errorf(KindUploadRejected, "no media content supplied")
	}
	if !strings.HasPrefix(strings.ToLower(upload.MIMEType), mimeImagePrefix) {
		return Errorf(KindUploadRejected, "unsupported media type %q, expected an image", upload.MIMEType)
	}
	size := upload.Size
	if size == 0 {
		size = int64(len(upload.Data))
	}
	if p.MaxBytes > 0 && size > p.MaxBytes {
		return Errorf(KindUploadRejected, "media exceeds the %d byte limit", p.MaxBytes)
	}
	if len(p.AllowedFormats) > 0 {
		format := formatFromMIME(upload.MIMEType)
		for _, allowed := range p.AllowedFormats {
			if format == formatFromMIME(mimeImagePrefix+allowed) {
				return nil
			}
		}
		return Errorf(KindUploadRejected, "media format %q is not allowed", formatFromMIME(upload.MIMEType))
	}
	return nil
}

// referenceFilename returns the final path segment of a reference (public
// id plus extension) or a MalformedReference error.
func referenceFilename(reference string) (string, error) {
	slash := strings.LastIndex(reference, "/")
	if slash < 0 || slash == len(reference)-1 {
		return "", Errorf(KindMalformedReference, "media reference %q has no path segment", reference)
	}
	segment := reference[slash+1:]
	dot := strings.LastIndex(segment, ".")
	if dot <= 0 || dot == len(segment)-1 {
		return "", Errorf(KindMalformedReference, "media reference %q has no extension separator", reference)
	}
	return segment, nil
}

// ExtractPublicID returns the store key fragment embedded in a media
// reference: the last path segment up to the final extension separator.
// It is pure parsing, no I/O.
func ExtractPublicID(reference string) (string, error) {
	segment, err := referenceFilename(reference)
	if err != nil {
		return "", err
	}
	return segment[:strings.LastIndex(segment, ".")], nil
}

// buildReference assembles the public URL for an uploaded object.
func buildReference(baseURL, folder, publicID, format string) string {
	base := strings.TrimRight(baseURL, "/")
	if folder == "" {
		return fmt.Sprintf("%s/%s.%s", base, publicID, format)
	}
	return fmt.Sprintf("%s/%s/%s.%s", base, strings.Trim(folder, "/"), publicID, format)
}

// formatMediaKey creates an object key from folder, public ID and format.
func formatMediaKey(folder, publicID, format string) string {
	return fmt.Sprintf("%s/%s.%s", strings.Trim(folder, "/"), publicID, format)
}

// newMediaID returns a fresh public identifier for an uploaded object.
func newMediaID() string {
	return uuid.NewString()
}
