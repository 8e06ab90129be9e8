package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func TestMemCourseStoreCreateAndFind(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CourseFields{
		Title:       strPtr("  Go Fundamentals  "),
		Description: strPtr("Slices to schedulers"),
		Category:    strPtr("engineering"),
		Tags:        []string{"go", "backend"},
		Syllabus:    []SyllabusItem{{Heading: "Week 1", Body: "Tooling"}},
		ImageURL:    strPtr("https://media.test/courses/img-1.jpg"),
	})
	require.NoError(t, err)
	assert.NotEmpty(t, created.ID)
	assert.Equal(t, "Go Fundamentals", created.Title)
	assert.False(t, created.CreatedAt.IsZero())

	found, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.Title, found.Title)
	assert.Equal(t, []string{"go", "backend"}, found.Tags)
	assert.Equal(t, "https://media.test/courses/img-1.jpg", found.ImageURL)
}

func TestMemCourseStoreCreateValidation(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	cases := []struct {
		name   string
		fields *CourseFields
	}{
		{"nil fields", nil},
		{"missing title", &CourseFields{Description: strPtr("no title")}},
		{"blank title", &CourseFields{Title: strPtr("   ")}},
		{"title too long", &CourseFields{Title: strPtr(strings.Repeat("x", maxTitleLength+1))}},
		{"syllabus item without heading", &CourseFields{
			Title:    strPtr("ok"),
			Syllabus: []SyllabusItem{{Body: "no heading"}},
		}},
	}

	for _, c := range cases {
		_, err := store.Create(ctx, c.fields)
		assert.Equal(t, KindValidation, KindOf(err), "Case %s", c.name)
	}
}

func TestMemCourseStoreFindMissing(t *testing.T) {
	store := NewMemCourseStore()

	_, err := store.Find(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemCourseStoreList(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		category := "engineering"
		if i%2 == 1 {
			category = "design"
		}
		_, err := store.Create(ctx, &CourseFields{
			Title:    strPtr(fmt.Sprintf("Course %d", i)),
			Category: strPtr(category),
		})
		require.NoError(t, err)
	}

	all, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 5)
	for i := 1; i < len(all); i++ {
		assert.False(t, all[i-1].CreatedAt.Before(all[i].CreatedAt), "listing must be newest first")
	}

	engineering, err := store.List(ctx, &CourseQuery{Category: "engineering"})
	require.NoError(t, err)
	assert.Len(t, engineering, 3)
	for _, course := range engineering {
		assert.Equal(t, "engineering", course.Category)
	}

	limited, err := store.List(ctx, &CourseQuery{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}

func TestMemCourseStoreUpdateByID(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CourseFields{
		Title:       strPtr("Original"),
		Description: strPtr("keep me"),
		Tags:        []string{"a"},
	})
	require.NoError(t, err)

	updated, err := store.UpdateByID(ctx, created.ID, &CourseFields{
		Title: strPtr("Renamed"),
		Tags:  []string{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Title)
	assert.Equal(t, "keep me", updated.Description)
	assert.Equal(t, []string{"a", "b"}, updated.Tags)
	assert.Equal(t, created.CreatedAt, updated.CreatedAt)

	cleared := ""
	updated, err = store.UpdateByID(ctx, created.ID, &CourseFields{ImageURL: &cleared})
	require.NoError(t, err)
	assert.Equal(t, "", updated.ImageURL)
	assert.Equal(t, "Renamed", updated.Title)

	_, err = store.UpdateByID(ctx, "nope", &CourseFields{Title: strPtr("x")})
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMemCourseStoreDeleteByID(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CourseFields{Title: strPtr("doomed")})
	require.NoError(t, err)

	require.NoError(t, store.DeleteByID(ctx, created.ID))

	_, err = store.Find(ctx, created.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	err = store.DeleteByID(ctx, created.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
}

// Mutating a returned course must not write through to the stored copy.
func TestMemCourseStoreCopiesOnReturn(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	created, err := store.Create(ctx, &CourseFields{
		Title: strPtr("immutable"),
		Tags:  []string{"a", "b"},
	})
	require.NoError(t, err)

	created.Title = "mutated"
	created.Tags[0] = "mutated"

	found, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "immutable", found.Title)
	assert.Equal(t, []string{"a", "b"}, found.Tags)
}

func TestMemCourseStoreOrphanLedger(t *testing.T) {
	store := NewMemCourseStore()
	ctx := context.Background()

	require.NoError(t, store.AddOrphan(ctx, "https://media.test/courses/a.jpg", "course deleted"))
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.AddOrphan(ctx, "https://media.test/courses/b.jpg", "image replaced"))

	orphans, err := store.ListOrphans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 2)
	assert.Equal(t, "https://media.test/courses/a.jpg", orphans[0].Reference, "ledger must be oldest first")
	assert.Equal(t, "course deleted", orphans[0].Reason)

	// Re-recording the same reference overwrites, not duplicates.
	require.NoError(t, store.AddOrphan(ctx, "https://media.test/courses/a.jpg", "retry"))
	orphans, err = store.ListOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, orphans, 2)

	limited, err := store.ListOrphans(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	require.NoError(t, store.RemoveOrphan(ctx, "https://media.test/courses/a.jpg"))
	require.NoError(t, store.RemoveOrphan(ctx, "https://media.test/courses/a.jpg"))

	orphans, err = store.ListOrphans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, "https://media.test/courses/b.jpg", orphans[0].Reference)
}
