package server

import (
	"context"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// MongoCourseStore implements the CourseStore and OrphanStore interfaces
// using MongoDB or AWS DocumentDB. It holds no connection of its own; every
// operation borrows the shared client from the ClientCache, so a broken
// connection is re-established lazily without restarting the process.
type MongoCourseStore struct {
	clients      *ClientCache
	databaseName string
}

type mongoSyllabusItem struct {
	Heading string `bson:"heading"`
	Body    string `bson:"body,omitempty"`
}

// mongoCourseItem represents a course document
type mongoCourseItem struct {
	ID          primitive.ObjectID  `bson:"_id,omitempty"`
	CourseID    string              `bson:"course_id"`
	Title       string              `bson:"title"`
	Description string              `bson:"description,omitempty"`
	Category    string              `bson:"category,omitempty"`
	Tags        []string            `bson:"tags,omitempty"`
	Syllabus    []mongoSyllabusItem `bson:"syllabus,omitempty"`
	ImageURL    string              `bson:"image_url,omitempty"`
	CreatedAt   int64               `bson:"created_at"`
	UpdatedAt   int64               `bson:"updated_at"`
}

// mongoOrphanItem represents an orphaned media document
type mongoOrphanItem struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Reference  string             `bson:"reference"`
	Reason     string             `bson:"reason"`
	RecordedAt int64              `bson:"recorded_at"`
}

// NewMongoCourseStore creates a new MongoDB-backed course store
func NewMongoCourseStore(clients *ClientCache, databaseName string) *MongoCourseStore {
	return &MongoCourseStore{
		clients:      clients,
		databaseName: databaseName,
	}
}

func (s *MongoCourseStore) courses(client *mongo.Client) *mongo.Collection {
	return client.Database(s.databaseName).Collection("courses")
}

func (s *MongoCourseStore) orphans(client *mongo.Client) *mongo.Collection {
	return client.Database(s.databaseName).Collection("orphaned_media")
}

// Create inserts a new course built from the supplied fields
func (s *MongoCourseStore) Create(ctx context.Context, fields *CourseFields) (*Course, error) {
	if err := validateCourseFields(fields, true); err != nil {
		return nil, err
	}

	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	course := &Course{ID: newCourseID(), CreatedAt: now}
	applyFields(course, fields, now)

	if _, err := s.courses(client).InsertOne(ctx, toMongoCourseItem(course)); err != nil {
		return nil, E(KindUnavailable, "failed to insert course", err)
	}

	return course, nil
}

// Find retrieves a course by ID
func (s *MongoCourseStore) Find(ctx context.Context, id string) (*Course, error) {
	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	var item mongoCourseItem
	err = s.courses(client).FindOne(ctx, bson.M{"course_id": id}).Decode(&item)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, Errorf(KindNotFound, "course not found: %s", id)
		}
		return nil, E(KindUnavailable, "failed to get course", err)
	}

	return fromMongoCourseItem(&item), nil
}

// List queries courses, optionally filtered by category, newest first
func (s *MongoCourseStore) List(ctx context.Context, query *CourseQuery) ([]*Course, error) {
	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	filter := bson.M{}
	opts := options.Find().SetSort(bson.M{"created_at": -1})
	if query != nil {
		if query.Category != "" {
			filter["category"] = query.Category
		}
		if query.Limit > 0 {
			opts.SetLimit(int64(query.Limit))
		}
	}

	cursor, err := s.courses(client).Find(ctx, filter, opts)
	if err != nil {
		return nil, E(KindUnavailable, "failed to query courses", err)
	}
	defer cursor.Close(ctx)

	var courses []*Course
	for cursor.Next(ctx) {
		var item mongoCourseItem
		if err := cursor.Decode(&item); err != nil {
			return nil, E(KindUnavailable, "failed to decode course", err)
		}
		courses = append(courses, fromMongoCourseItem(&item))
	}

	if err := cursor.Err(); err != nil {
		return nil, E(KindUnavailable, "cursor error", err)
	}

	return courses, nil
}

// UpdateByID applies the non-nil fields to an existing course and returns
// the updated course
func (s *MongoCourseStore) UpdateByID(ctx context.Context, id string, fields *CourseFields) (*Course, error) {
	if err := validateCourseFields(fields, false); err != nil {
		return nil, err
	}

	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	set := bson.M{"updated_at": time.Now().Unix()}
	if fields.Title != nil {
		set["title"] = strings.TrimSpace(*fields.Title)
	}
	if fields.Description != nil {
		set["description"] = *fields.Description
	}
	if fields.Category != nil {
		set["category"] = *fields.Category
	}
	if fields.Tags != nil {
		set["tags"] = fields.Tags
	}
	if fields.Syllabus != nil {
		set["syllabus"] = toMongoSyllabus(fields.Syllabus)
	}
	if fields.ImageURL != nil {
		set["image_url"] = *fields.ImageURL
	}

	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)
	var item mongoCourseItem
	err = s.courses(client).FindOneAndUpdate(ctx, bson.M{"course_id": id}, bson.M{"$set": set}, opts).Decode(&item)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, Errorf(KindNotFound, "course not found: %s", id)
		}
		return nil, E(KindUnavailable, "failed to update course", err)
	}

	return fromMongoCourseItem(&item), nil
}

// DeleteByID deletes a course
func (s *MongoCourseStore) DeleteByID(ctx context.Context, id string) error {
	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return err
	}

	result, err := s.courses(client).DeleteOne(ctx, bson.M{"course_id": id})
	if err != nil {
		return E(KindUnavailable, "failed to delete course", err)
	}
	if result.DeletedCount == 0 {
		return Errorf(KindNotFound, "course not found: %s", id)
	}

	return nil
}

// AddOrphan records a media reference whose cleanup failed. Re-recording
// the same reference overwrites the previous entry.
func (s *MongoCourseStore) AddOrphan(ctx context.Context, reference, reason string) error {
	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return err
	}

	now := time.Now().Unix()
	update := bson.M{
		"$set": bson.M{
			"reason":      reason,
			"recorded_at": now,
		},
		"$setOnInsert": bson.M{
			"reference": reference,
		},
	}

	opts := options.Update().SetUpsert(true)
	if _, err := s.orphans(client).UpdateOne(ctx, bson.M{"reference": reference}, update, opts); err != nil {
		return E(KindUnavailable, "failed to record orphaned media", err)
	}

	return nil
}

// ListOrphans returns recorded orphans, oldest first
func (s *MongoCourseStore) ListOrphans(ctx context.Context, limit int) ([]*OrphanedMedia, error) {
	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	opts := options.Find().SetSort(bson.M{"recorded_at": 1})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := s.orphans(client).Find(ctx, bson.M{}, opts)
	if err != nil {
		return nil, E(KindUnavailable, "failed to query orphaned media", err)
	}
	defer cursor.Close(ctx)

	var orphans []*OrphanedMedia
	for cursor.Next(ctx) {
		var item mongoOrphanItem
		if err := cursor.Decode(&item); err != nil {
			return nil, E(KindUnavailable, "failed to decode orphaned media", err)
		}
		orphans = append(orphans, &OrphanedMedia{
			Reference:  item.Reference,
			Reason:     item.Reason,
			RecordedAt: time.Unix(item.RecordedAt, 0),
		})
	}

	if err := cursor.Err(); err != nil {
		return nil, E(KindUnavailable, "cursor error", err)
	}

	return orphans, nil
}

// RemoveOrphan drops a ledger entry once its blob is gone. Removing an
// entry that is already gone is not an error.
func (s *MongoCourseStore) RemoveOrphan(ctx context.Context, reference string) error {
	client, err := s.clients.Acquire(ctx)
	if err != nil {
		return err
	}

	if _, err := s.orphans(client).DeleteOne(ctx, bson.M{"reference": reference}); err != nil {
		return E(KindUnavailable, "failed to remove orphaned media", err)
	}

	return nil
}

func toMongoCourseItem(course *Course) *mongoCourseItem {
	return &mongoCourseItem{
		CourseID:    course.ID,
		Title:       course.Title,
		Description: course.Description,
		Category:    course.Category,
		Tags:        course.Tags,
		Syllabus:    toMongoSyllabus(course.Syllabus),
		ImageURL:    course.ImageURL,
		CreatedAt:   course.CreatedAt.Unix(),
		UpdatedAt:   course.UpdatedAt.Unix(),
	}
}

func fromMongoCourseItem(item *mongoCourseItem) *Course {
	return &Course{
		ID:          item.CourseID,
		Title:       item.Title,
		Description: item.Description,
		Category:    item.Category,
		Tags:        item.Tags,
		Syllabus:    fromMongoSyllabus(item.Syllabus),
		ImageURL:    item.ImageURL,
		CreatedAt:   time.Unix(item.CreatedAt, 0),
		UpdatedAt:   time.Unix(item.UpdatedAt, 0),
	}
}

func toMongoSyllabus(items []SyllabusItem) []mongoSyllabusItem {
	if items == nil {
		return nil
	}
	out := make([]mongoSyllabusItem, 0, len(items))
	for _, item := range items {
		out = append(out, mongoSyllabusItem{Heading: item.Heading, Body: item.Body})
	}
	return out
}

func fromMongoSyllabus(items []mongoSyllabusItem) []SyllabusItem {
	if items == nil {
		return nil
	}
	out := make([]SyllabusItem, 0, len(items))
	for _, item := range items {
		out = append(out, SyllabusItem{Heading: item.Heading, Body: item.Body})
	}
	return out
}
