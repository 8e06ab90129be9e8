package server

import (
	"context"
)

// Cache defines the interface for course caching operations. Cache misses
// are reported as ErrNotFound; every other error means the cache backend
// itself failed and callers should fall through to the store.
type Cache interface {
	GetCourse(ctx context.Context, courseID string) (*Course, error)
	SetCourse(ctx context.Context, course *Course) error
	DeleteCourse(ctx context.Context, courseID string) error
	ListCourses(ctx context.Context, query CourseQuery) ([]*Course, error)
	SetCourses(ctx context.Context, query CourseQuery, courses []*Course) error
	InvalidateLists(ctx context.Context) error
}

// NoOpCache implements the Cache interface but does nothing
type NoOpCache struct{}

// GetCourse returns a not found error
func (c *NoOpCache) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	return nil, ErrNotFound
}

// SetCourse does nothing
func (c *NoOpCache) SetCourse(ctx context.Context, course *Course) error {
	return nil
}

// DeleteCourse does nothing
func (c *NoOpCache) DeleteCourse(ctx context.Context, courseID string) error {
	return nil
}

// ListCourses returns a not found error
func (c *NoOpCache) ListCourses(ctx context.Context, query CourseQuery) ([]*Course, error) {
	return nil, ErrNotFound
}

// SetCourses does nothing
func (c *NoOpCache) SetCourses(ctx context.Context, query CourseQuery, courses []*Course) error {
	return nil
}

// InvalidateLists does nothing
func (c *NoOpCache) InvalidateLists(ctx context.Context) error {
	return nil
}
