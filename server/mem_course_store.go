package server

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemCourseStore implements the CourseStore and OrphanStore interfaces in
// process memory. Use this only for local development and tests.
type MemCourseStore struct {
	mu      sync.Mutex
	courses map[string]*Course
	orphans map[string]*OrphanedMedia
}

// NewMemCourseStore creates an in-memory course store
func NewMemCourseStore() *MemCourseStore {
	return &MemCourseStore{
		courses: make(map[string]*Course),
		orphans: make(map[string]*OrphanedMedia),
	}
}

// Create inserts a new course built from the supplied fields
func (s *MemCourseStore) Create(ctx context.Context, fields *CourseFields) (*Course, error) {
	if err := validateCourseFields(fields, true); err != nil {
		return nil, err
	}

	now := time.Now()
	course := &Course{ID: newCourseID(), CreatedAt: now}
	applyFields(course, fields, now)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.courses[course.ID] = cloneCourse(course)

	return course, nil
}

// Find retrieves a course by ID
func (s *MemCourseStore) Find(ctx context.Context, id string) (*Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	course, ok := s.courses[id]
	if !ok {
		return nil, Errorf(KindNotFound, "course not found: %s", id)
	}

	return cloneCourse(course), nil
}

// List queries courses, optionally filtered by category, newest first
func (s *MemCourseStore) List(ctx context.Context, query *CourseQuery) ([]*Course, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	courses := make([]*Course, 0, len(s.courses))
	for _, course := range s.courses {
		if query != nil && query.Category != "" && course.Category != query.Category {
			continue
		}
		courses = append(courses, cloneCourse(course))
	}

	sort.Slice(courses, func(i, j int) bool {
		if courses[i].CreatedAt.Equal(courses[j].CreatedAt) {
			return courses[i].ID < courses[j].ID
		}
		return courses[i].CreatedAt.After(courses[j].CreatedAt)
	})
	if query != nil && query.Limit > 0 && len(courses) > query.Limit {
		courses = courses[:query.Limit]
	}

	return courses, nil
}

// UpdateByID applies the non-nil fields to an existing course and returns
// the updated course
func (s *MemCourseStore) UpdateByID(ctx context.Context, id string, fields *CourseFields) (*Course, error) {
	if err := validateCourseFields(fields, false); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	course, ok := s.courses[id]
	if !ok {
		return nil, Errorf(KindNotFound, "course not found: %s", id)
	}

	applyFields(course, fields, time.Now())
	return cloneCourse(course), nil
}

// DeleteByID deletes a course
func (s *MemCourseStore) DeleteByID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.courses[id]; !ok {
		return Errorf(KindNotFound, "course not found: %s", id)
	}

	delete(s.courses, id)
	return nil
}

// AddOrphan records a media reference whose cleanup failed, overwriting any
// previous entry for the same reference
func (s *MemCourseStore) AddOrphan(ctx context.Context, reference, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orphans[reference] = &OrphanedMedia{
		Reference:  reference,
		Reason:     reason,
		RecordedAt: time.Now(),
	}
	return nil
}

// ListOrphans returns recorded orphans, oldest first
func (s *MemCourseStore) ListOrphans(ctx context.Context, limit int) ([]*OrphanedMedia, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	orphans := make([]*OrphanedMedia, 0, len(s.orphans))
	for _, orphan := range s.orphans {
		clone := *orphan
		orphans = append(orphans, &clone)
	}

	sort.Slice(orphans, func(i, j int) bool {
		if orphans[i].RecordedAt.Equal(orphans[j].RecordedAt) {
			return orphans[i].Reference < orphans[j].Reference
		}
		return orphans[i].RecordedAt.Before(orphans[j].RecordedAt)
	})
	if limit > 0 && len(orphans) > limit {
		orphans = orphans[:limit]
	}

	return orphans, nil
}

// RemoveOrphan drops a ledger entry; removing an absent entry is not an
// error
func (s *MemCourseStore) RemoveOrphan(ctx context.Context, reference string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.orphans, reference)
	return nil
}

func cloneCourse(course *Course) *Course {
	clone := *course
	clone.Tags = append([]string(nil), course.Tags...)
	clone.Syllabus = append([]SyllabusItem(nil), course.Syllabus...)
	return &clone
}
