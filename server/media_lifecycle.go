package server

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
)

// MediaLifecycle couples course mutations to media uploads and deletions so
// that a committed course never references a missing image. The ordering is
// fixed: new media is uploaded before the record mutation, and old media is
// deleted only after the new state is durably committed. A failure between
// the two steps triggers a compensating delete of the just-uploaded blob;
// if that delete fails too, the reference is written to the orphan ledger
// and reclaimed later by ReapOrphans.
type MediaLifecycle struct {
	courses      CourseStore
	media        MediaStore
	orphans      OrphanStore
	requireMedia bool
	opTimeout    time.Duration
}

// LifecycleOptions configures a MediaLifecycle.
type LifecycleOptions struct {
	// RequireMedia rejects creates that carry no image.
	RequireMedia bool
	// OpTimeout bounds each blob or persistence step.
	OpTimeout time.Duration
}

// NewMediaLifecycle creates a new media lifecycle orchestrator
func NewMediaLifecycle(courses CourseStore, media MediaStore, orphans OrphanStore, opts LifecycleOptions) *MediaLifecycle {
	timeout := opts.OpTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &MediaLifecycle{
		courses:      courses,
		media:        media,
		orphans:      orphans,
		requireMedia: opts.RequireMedia,
		opTimeout:    timeout,
	}
}

// stepCtx derives the context for one mutation step. It drops the caller's
// cancellation so an aborted request never stops a step halfway, but keeps
// a bounded deadline so no step can hang the invocation.
func (l *MediaLifecycle) stepCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), l.opTimeout)
}

// CreateCourse uploads the image, if any, and then persists a new course
// referencing it. On a persist failure the uploaded blob is deleted again
// so no blob outlives the request unreferenced.
func (l *MediaLifecycle) CreateCourse(ctx context.Context, payload *CoursePayload, upload *MediaUpload) (*Course, error) {
	if payload == nil {
		return nil, Errorf(KindValidation, "no payload supplied")
	}
	if upload == nil && l.requireMedia {
		return nil, ErrMissingMedia
	}

	fields := payload.Fields
	if upload != nil {
		reference, err := l.uploadStep(ctx, upload)
		if err != nil {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			// The caller is gone; nothing will ever reference this blob.
			l.cleanupBlob(ctx, reference, "create aborted")
			return nil, err
		}
		fields.ImageURL = &reference
	}

	persistCtx, cancel := l.stepCtx(ctx)
	defer cancel()
	course, err := l.courses.Create(persistCtx, &fields)
	if err != nil {
		if fields.ImageURL != nil {
			l.cleanupBlob(ctx, *fields.ImageURL, "create failed")
		}
		return nil, err
	}

	log.WithField("course_id", course.ID).Info("Course created")
	return course, nil
}

// UpdateCourse persists the changed fields of an existing course. When the
// request carries replacement bytes the new image is uploaded first and the
// previous one deleted only after the update commits; when it asks for the
// image to be removed, the reference is cleared before the blob is deleted.
// Without bytes the stored reference is left untouched.
func (l *MediaLifecycle) UpdateCourse(ctx context.Context, id string, payload *CoursePayload, upload *MediaUpload) (*Course, error) {
	if payload == nil {
		return nil, Errorf(KindValidation, "no payload supplied")
	}

	current, err := l.courses.Find(ctx, id)
	if err != nil {
		return nil, err
	}
	oldReference := current.ImageURL

	fields := payload.Fields
	switch {
	case upload != nil:
		reference, err := l.uploadStep(ctx, upload)
		if err != nil {
			// Old reference and old record stay untouched.
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			l.cleanupBlob(ctx, reference, "replace aborted")
			return nil, err
		}
		fields.ImageURL = &reference
	case payload.RemoveImage && oldReference != "":
		cleared := ""
		fields.ImageURL = &cleared
	}

	persistCtx, cancel := l.stepCtx(ctx)
	defer cancel()
	course, err := l.courses.UpdateByID(persistCtx, id, &fields)
	if err != nil {
		if upload != nil && fields.ImageURL != nil {
			l.cleanupBlob(ctx, *fields.ImageURL, "replace failed")
		}
		return nil, err
	}

	// Only now that the new state is committed is the old blob expendable.
	if fields.ImageURL != nil && oldReference != "" && oldReference != *fields.ImageURL {
		l.cleanupBlob(ctx, oldReference, "image replaced")
	}

	log.WithField("course_id", course.ID).Info("Course updated")
	return course, nil
}

// DeleteCourse removes the record first and its image second. A crash
// between the two steps leaves an orphaned blob, never a course pointing at
// a missing image.
func (l *MediaLifecycle) DeleteCourse(ctx context.Context, id string) error {
	current, err := l.courses.Find(ctx, id)
	if err != nil {
		return err
	}

	persistCtx, cancel := l.stepCtx(ctx)
	defer cancel()
	if err := l.courses.DeleteByID(persistCtx, id); err != nil {
		return err
	}

	if current.ImageURL != "" {
		l.cleanupBlob(ctx, current.ImageURL, "course deleted")
	}

	log.WithField("course_id", id).Info("Course deleted")
	return nil
}

// ReapOrphans retries the delete of every ledgered blob and drops the
// entries that succeed. It returns the number of blobs reclaimed; per-blob
// failures are logged and left in the ledger for the next sweep.
func (l *MediaLifecycle) ReapOrphans(ctx context.Context, limit int) (int, error) {
	orphans, err := l.orphans.ListOrphans(ctx, limit)
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, orphan := range orphans {
		deleteCtx, cancel := l.stepCtx(ctx)
		err := l.media.Delete(deleteCtx, orphan.Reference)
		cancel()
		if err != nil {
			log.WithError(err).WithField("reference", orphan.Reference).Warn("Orphaned media still not deletable")
			continue
		}
		if err := l.orphans.RemoveOrphan(ctx, orphan.Reference); err != nil {
			log.WithError(err).WithField("reference", orphan.Reference).Warn("Failed to clear orphan ledger entry")
			continue
		}
		reclaimed++
	}

	if reclaimed > 0 {
		log.WithField("reclaimed", reclaimed).Info("Reclaimed orphaned media")
	}
	return reclaimed, nil
}

// uploadStep runs the one remote call that happens before any record
// mutation. It is bounded by the step timeout and detached from the
// caller's cancellation, so an upload either finishes or fails cleanly.
func (l *MediaLifecycle) uploadStep(ctx context.Context, upload *MediaUpload) (string, error) {
	uploadCtx, cancel := l.stepCtx(ctx)
	defer cancel()
	return l.media.Upload(uploadCtx, upload)
}

// cleanupBlob deletes a blob that no committed course references anymore.
// The delete is best-effort: on failure the reference goes to the orphan
// ledger so a later sweep can reclaim it, and the mutation outcome already
// decided by the caller stands.
func (l *MediaLifecycle) cleanupBlob(ctx context.Context, reference, reason string) {
	deleteCtx, cancel := l.stepCtx(ctx)
	defer cancel()

	err := l.media.Delete(deleteCtx, reference)
	if err == nil {
		return
	}
	log.WithError(err).WithFields(logrus.Fields{
		"reference": reference,
		"reason":    reason,
	}).Warn("Failed to delete media, recording orphan")

	ledgerCtx, cancelLedger := l.stepCtx(ctx)
	defer cancelLedger()
	if err := l.orphans.AddOrphan(ledgerCtx, reference, reason); err != nil {
		log.WithError(err).WithField("reference", reference).Error("Failed to record orphaned media")
		return
	}
	orphanedMediaTotal.Inc()
}
