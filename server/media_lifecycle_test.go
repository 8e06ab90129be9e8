package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMediaStore records uploads and deletes and fails on demand. It hands
// out sequential references so tests can tell blobs apart.
type fakeMediaStore struct {
	mu        sync.Mutex
	uploads   []string
	deletes   []string
	uploadErr error
	deleteErr error
	nextID    int
}

func (f *fakeMediaStore) Upload(ctx context.Context, upload *MediaUpload) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.nextID++
	reference := fmt.Sprintf("https://media.test/courses/img-%d.jpg", f.nextID)
	f.uploads = append(f.uploads, reference)
	return reference, nil
}

func (f *fakeMediaStore) Delete(ctx context.Context, reference string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, reference)
	return f.deleteErr
}

func (f *fakeMediaStore) setDeleteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteErr = err
}

func (f *fakeMediaStore) uploaded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.uploads...)
}

func (f *fakeMediaStore) deleted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deletes...)
}

// failingCourseStore wraps a CourseStore and fails selected operations.
type failingCourseStore struct {
	CourseStore
	findErr   error
	createErr error
	updateErr error
	deleteErr error
}

func (f *failingCourseStore) Find(ctx context.Context, id string) (*Course, error) {
	if f.findErr != nil {
		return nil, f.findErr
	}
	return f.CourseStore.Find(ctx, id)
}

func (f *failingCourseStore) Create(ctx context.Context, fields *CourseFields) (*Course, error) {
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.CourseStore.Create(ctx, fields)
}

func (f *failingCourseStore) UpdateByID(ctx context.Context, id string, fields *CourseFields) (*Course, error) {
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	return f.CourseStore.UpdateByID(ctx, id, fields)
}

func (f *failingCourseStore) DeleteByID(ctx context.Context, id string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	return f.CourseStore.DeleteByID(ctx, id)
}

func givenLifecycle(t *testing.T, opts LifecycleOptions) (*MediaLifecycle, *MemCourseStore, *fakeMediaStore) {
	t.Helper()
	store := NewMemCourseStore()
	media := &fakeMediaStore{}
	if opts.OpTimeout == 0 {
		opts.OpTimeout = time.Second
	}
	return NewMediaLifecycle(store, media, store, opts), store, media
}

func titledPayload(title string) *CoursePayload {
	return &CoursePayload{Fields: CourseFields{Title: &title}}
}

func someUpload() *MediaUpload {
	return &MediaUpload{Data: []byte("fake image bytes"), MIMEType: "image/jpeg"}
}

func TestCreateCourseWithImage(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	course, err := lifecycle.CreateCourse(ctx, titledPayload("Go Fundamentals"), someUpload())
	require.NoError(t, err)

	require.Len(t, media.uploaded(), 1)
	assert.Equal(t, media.uploaded()[0], course.ImageURL)
	assert.Empty(t, media.deleted())

	persisted, err := store.Find(ctx, course.ID)
	require.NoError(t, err)
	assert.Equal(t, course.ImageURL, persisted.ImageURL)
}

func TestCreateCourseRequiresImage(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{RequireMedia: true})
	ctx := context.Background()

	_, err := lifecycle.CreateCourse(ctx, titledPayload("No Cover"), nil)
	require.Error(t, err)
	assert.Equal(t, KindValidation, KindOf(err))
	assert.Empty(t, media.uploaded())

	courses, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, courses)
}

func TestCreateCourseImageOptional(t *testing.T) {
	lifecycle, _, media := givenLifecycle(t, LifecycleOptions{})

	course, err := lifecycle.CreateCourse(context.Background(), titledPayload("No Cover"), nil)
	require.NoError(t, err)
	assert.Empty(t, course.ImageURL)
	assert.Empty(t, media.uploaded())
}

// A failed upload must leave no record and no blob behind.
func TestCreateCourseUploadFailure(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	media.uploadErr = Errorf(KindUploadFailed, "media upload failed")
	ctx := context.Background()

	_, err := lifecycle.CreateCourse(ctx, titledPayload("Doomed"), someUpload())
	require.Error(t, err)
	assert.Equal(t, KindUploadFailed, KindOf(err))

	courses, err := store.List(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, courses)
	assert.Empty(t, media.deleted())
}

// When the record insert fails, the already-uploaded blob is deleted again.
func TestCreateCoursePersistFailureCompensates(t *testing.T) {
	store := NewMemCourseStore()
	failing := &failingCourseStore{
		CourseStore: store,
		createErr:   Errorf(KindUnavailable, "persistent store unavailable"),
	}
	media := &fakeMediaStore{}
	lifecycle := NewMediaLifecycle(failing, media, store, LifecycleOptions{OpTimeout: time.Second})

	_, err := lifecycle.CreateCourse(context.Background(), titledPayload("Doomed"), someUpload())
	require.Error(t, err)
	assert.Equal(t, KindUnavailable, KindOf(err))

	require.Len(t, media.uploaded(), 1)
	assert.Equal(t, media.uploaded(), media.deleted(), "the new blob must be deleted exactly once")

	orphans, err := store.ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	assert.Empty(t, orphans, "a successful compensating delete needs no ledger entry")
}

// If the compensating delete fails too, the reference lands in the ledger.
func TestCreateCourseCompensationFailureRecordsOrphan(t *testing.T) {
	store := NewMemCourseStore()
	failing := &failingCourseStore{
		CourseStore: store,
		createErr:   Errorf(KindUnavailable, "persistent store unavailable"),
	}
	media := &fakeMediaStore{deleteErr: Errorf(KindDeleteFailed, "media delete failed")}
	lifecycle := NewMediaLifecycle(failing, media, store, LifecycleOptions{OpTimeout: time.Second})

	_, err := lifecycle.CreateCourse(context.Background(), titledPayload("Doomed"), someUpload())
	require.Error(t, err)

	orphans, err := store.ListOrphans(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, media.uploaded()[0], orphans[0].Reference)
	assert.Equal(t, "create failed", orphans[0].Reason)
}

// An aborted request must not leave an unreferenced blob behind.
func TestCreateCourseAbortedAfterUpload(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := lifecycle.CreateCourse(ctx, titledPayload("Abandoned"), someUpload())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))

	// The upload step is detached from the caller, so it completed; the
	// abort check then deleted the blob again.
	require.Len(t, media.uploaded(), 1)
	assert.Equal(t, media.uploaded(), media.deleted())

	courses, err := store.List(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, courses)
}

func TestUpdateCourseReplacesImage(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Replace Me"), someUpload())
	require.NoError(t, err)
	oldReference := created.ImageURL

	updated, err := lifecycle.UpdateCourse(ctx, created.ID, titledPayload("Replaced"), someUpload())
	require.NoError(t, err)

	assert.NotEqual(t, oldReference, updated.ImageURL)
	require.Len(t, media.uploaded(), 2)
	assert.Equal(t, []string{oldReference}, media.deleted(), "only the replaced blob is deleted, exactly once")

	persisted, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, updated.ImageURL, persisted.ImageURL)
}

func TestUpdateCourseUploadFailureKeepsOld(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Stable"), someUpload())
	require.NoError(t, err)

	media.uploadErr = Errorf(KindUploadFailed, "media upload failed")
	_, err = lifecycle.UpdateCourse(ctx, created.ID, titledPayload("Never Applied"), someUpload())
	require.Error(t, err)
	assert.Equal(t, KindUploadFailed, KindOf(err))

	assert.Empty(t, media.deleted(), "the old blob must survive a failed replacement")
	persisted, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ImageURL, persisted.ImageURL)
	assert.Equal(t, "Stable", persisted.Title)
}

func TestUpdateCoursePersistFailureCompensates(t *testing.T) {
	store := NewMemCourseStore()
	failing := &failingCourseStore{CourseStore: store}
	media := &fakeMediaStore{}
	lifecycle := NewMediaLifecycle(failing, media, store, LifecycleOptions{OpTimeout: time.Second})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Stable"), someUpload())
	require.NoError(t, err)

	failing.updateErr = Errorf(KindUnavailable, "persistent store unavailable")
	_, err = lifecycle.UpdateCourse(ctx, created.ID, titledPayload("Never Applied"), someUpload())
	require.Error(t, err)

	require.Len(t, media.uploaded(), 2)
	newReference := media.uploaded()[1]
	assert.Equal(t, []string{newReference}, media.deleted(), "the new blob is rolled back, the old one kept")

	persisted, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ImageURL, persisted.ImageURL)
}

func TestUpdateCourseRemoveImage(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Cover Gone"), someUpload())
	require.NoError(t, err)

	payload := titledPayload("Cover Gone")
	payload.RemoveImage = true
	updated, err := lifecycle.UpdateCourse(ctx, created.ID, payload, nil)
	require.NoError(t, err)

	assert.Empty(t, updated.ImageURL)
	assert.Equal(t, []string{created.ImageURL}, media.deleted())

	persisted, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Empty(t, persisted.ImageURL)
}

func TestUpdateCourseRemoveImageWithoutImage(t *testing.T) {
	lifecycle, _, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Never Had One"), nil)
	require.NoError(t, err)

	payload := titledPayload("Never Had One")
	payload.RemoveImage = true
	_, err = lifecycle.UpdateCourse(ctx, created.ID, payload, nil)
	require.NoError(t, err)
	assert.Empty(t, media.deleted())
}

func TestUpdateCourseFieldsOnly(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Keep Cover"), someUpload())
	require.NoError(t, err)

	updated, err := lifecycle.UpdateCourse(ctx, created.ID, titledPayload("Renamed"), nil)
	require.NoError(t, err)

	assert.Equal(t, created.ImageURL, updated.ImageURL)
	assert.Len(t, media.uploaded(), 1)
	assert.Empty(t, media.deleted())

	persisted, err := store.Find(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", persisted.Title)
}

func TestUpdateCourseMissing(t *testing.T) {
	lifecycle, _, media := givenLifecycle(t, LifecycleOptions{})

	_, err := lifecycle.UpdateCourse(context.Background(), "nope", titledPayload("x"), someUpload())
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Empty(t, media.uploaded(), "nothing is uploaded for a missing course")
}

func TestDeleteCourseRemovesRecordThenImage(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Doomed"), someUpload())
	require.NoError(t, err)

	require.NoError(t, lifecycle.DeleteCourse(ctx, created.ID))

	_, err = store.Find(ctx, created.ID)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, []string{created.ImageURL}, media.deleted())
}

func TestDeleteCourseWithoutImage(t *testing.T) {
	lifecycle, _, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Plain"), nil)
	require.NoError(t, err)

	require.NoError(t, lifecycle.DeleteCourse(ctx, created.ID))
	assert.Empty(t, media.deleted())
}

func TestDeleteCourseMissing(t *testing.T) {
	lifecycle, _, _ := givenLifecycle(t, LifecycleOptions{})

	err := lifecycle.DeleteCourse(context.Background(), "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
}

// The record delete commits even when the blob delete fails; the blob is
// ledgered for the sweeper instead of failing the request.
func TestDeleteCourseCleanupFailureRecordsOrphan(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Sticky Cover"), someUpload())
	require.NoError(t, err)

	media.setDeleteErr(Errorf(KindDeleteFailed, "media delete failed"))
	require.NoError(t, lifecycle.DeleteCourse(ctx, created.ID))

	_, err = store.Find(ctx, created.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	orphans, err := store.ListOrphans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)
	assert.Equal(t, created.ImageURL, orphans[0].Reference)
	assert.Equal(t, "course deleted", orphans[0].Reason)
}

func TestReapOrphans(t *testing.T) {
	lifecycle, store, media := givenLifecycle(t, LifecycleOptions{})
	ctx := context.Background()

	created, err := lifecycle.CreateCourse(ctx, titledPayload("Sticky Cover"), someUpload())
	require.NoError(t, err)

	media.setDeleteErr(Errorf(KindDeleteFailed, "media delete failed"))
	require.NoError(t, lifecycle.DeleteCourse(ctx, created.ID))

	// Still failing: the entry stays in the ledger.
	reclaimed, err := lifecycle.ReapOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)

	orphans, err := store.ListOrphans(ctx, 0)
	require.NoError(t, err)
	require.Len(t, orphans, 1)

	// The store recovered: the sweep reclaims the blob and clears the entry.
	media.setDeleteErr(nil)
	reclaimed, err = lifecycle.ReapOrphans(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, reclaimed)

	orphans, err = store.ListOrphans(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, orphans)
}

func TestReapOrphansEmptyLedger(t *testing.T) {
	lifecycle, _, media := givenLifecycle(t, LifecycleOptions{})

	reclaimed, err := lifecycle.ReapOrphans(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, reclaimed)
	assert.Empty(t, media.deleted())
}

func TestCreateCourseNilPayload(t *testing.T) {
	lifecycle, _, _ := givenLifecycle(t, LifecycleOptions{})

	_, err := lifecycle.CreateCourse(context.Background(), nil, nil)
	assert.Equal(t, KindValidation, KindOf(err))

	_, err = lifecycle.UpdateCourse(context.Background(), "c-1", nil, nil)
	assert.Equal(t, KindValidation, KindOf(err))
}
