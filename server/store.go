package server

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SyllabusItem is one section of a course outline.
type SyllabusItem struct {
	Heading string `json:"heading"`
	Body    string `json:"body,omitempty"`
}

// Course represents a course record. ImageURL is the media reference of the
// one asset the course owns; it is opaque here beyond being a URL.
type Course struct {
	ID          string         `json:"id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Syllabus    []SyllabusItem `json:"syllabus,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// CourseFields is the field set applied by a create or update. On update a
// nil pointer means "leave unchanged"; a non-nil empty ImageURL clears the
// media reference. Slices follow the same rule with nil.
type CourseFields struct {
	Title       *string
	Description *string
	Category    *string
	Tags        []string
	Syllabus    []SyllabusItem
	ImageURL    *string
}

// CourseQuery narrows List results.
type CourseQuery struct {
	Category string
	Limit    int
}

// CourseStore persists course records. Implementations return
// KindValidation for rejected fields, KindNotFound for missing IDs and
// KindUnavailable when the backing store cannot be reached.
type CourseStore interface {
	Find(ctx context.Context, id string) (*Course, error)
	List(ctx context.Context, query *CourseQuery) ([]*Course, error)
	Create(ctx context.Context, fields *CourseFields) (*Course, error)
	UpdateByID(ctx context.Context, id string, fields *CourseFields) (*Course, error)
	DeleteByID(ctx context.Context, id string) error
}

// OrphanedMedia is a media reference whose cleanup delete failed and is
// owed another attempt.
type OrphanedMedia struct {
	Reference  string    `json:"reference"`
	Reason     string    `json:"reason"`
	RecordedAt time.Time `json:"recorded_at"`
}

// OrphanStore is the ledger of blobs that outlived their records. Add is
// keyed by reference and overwrites, so re-recording the same orphan is
// harmless.
type OrphanStore interface {
	AddOrphan(ctx context.Context, reference, reason string) error
	ListOrphans(ctx context.Context, limit int) ([]*OrphanedMedia, error)
	RemoveOrphan(ctx context.Context, reference string) error
}

const maxTitleLength = 200

// validateCourseFields enforces the rules every backend applies at persist
// time. forCreate additionally requires the mandatory fields to be present.
func validateCourseFields(fields *CourseFields, forCreate bool) error {
	if fields == nil {
		return Errorf(KindValidation, "no fields supplied")
	}
	if forCreate && (fields.Title == nil || strings.TrimSpace(*fields.Title) == "") {
		return Errorf(KindValidation, "title is required")
	}
	if fields.Title != nil {
		title := strings.TrimSpace(*fields.Title)
		if title == "" {
			return Errorf(KindValidation, "title must not be empty")
		}
		if len(title) > maxTitleLength {
			return Errorf(KindValidation, "title must be at most %d characters", maxTitleLength)
		}
	}
	for _, item := range fields.Syllabus {
		if strings.TrimSpace(item.Heading) == "" {
			return Errorf(KindValidation, "syllabus items need a heading")
		}
	}
	return nil
}

// newCourseID returns the identifier for a freshly created course.
func newCourseID() string {
	return uuid.NewString()
}

// applyFields copies the non-nil members of fields onto course and stamps
// UpdatedAt. It is shared by the backends that mutate in Go rather than in
// a store-side update expression.
func applyFields(course *Course, fields *CourseFields, now time.Time) {
	if fields.Title != nil {
		course.Title = strings.TrimSpace(*fields.Title)
	}
	if fields.Description != nil {
		course.Description = *fields.Description
	}
	if fields.Category != nil {
		course.Category = *fields.Category
	}
	if fields.Tags != nil {
		course.Tags = fields.Tags
	}
	if fields.Syllabus != nil {
		course.Syllabus = fields.Syllabus
	}
	if fields.ImageURL != nil {
		course.ImageURL = *fields.ImageURL
	}
	course.UpdatedAt = now
}
