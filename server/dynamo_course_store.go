package server

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/dynamodb"
	"github.com/aws/aws-sdk-go/service/dynamodb/dynamodbattribute"
	"github.com/aws/aws-sdk-go/service/dynamodb/expression"
)

const orphanMetadataType = "orphaned_media"

// DynamoCourseStore implements the CourseStore and OrphanStore interfaces
// using AWS DynamoDB. Courses live in their own table keyed by course_id
// with a CategoryIndex GSI (category, created_at) for category listings.
// The orphaned-media ledger shares the metadata table, keyed by
// (metadata_type, metadata_id).
type DynamoCourseStore struct {
	client        *dynamodb.DynamoDB
	coursesTable  string
	metadataTable string
}

// DynamoCourseItem represents a course item in DynamoDB
type DynamoCourseItem struct {
	CourseID    string         `json:"course_id"`
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Category    string         `json:"category,omitempty"`
	Tags        []string       `json:"tags,omitempty"`
	Syllabus    []SyllabusItem `json:"syllabus,omitempty"`
	ImageURL    string         `json:"image_url,omitempty"`
	CreatedAt   int64          `json:"created_at"`
	UpdatedAt   int64          `json:"updated_at"`
}

// DynamoOrphanItem represents an orphaned media item in the metadata table
type DynamoOrphanItem struct {
	MetadataType string `json:"metadata_type"`
	MetadataID   string `json:"metadata_id"`
	Reason       string `json:"reason,omitempty"`
	RecordedAt   int64  `json:"recorded_at"`
}

// NewDynamoCourseStore creates a new DynamoDB course store
func NewDynamoCourseStore(region, coursesTable, metadataTable string) (*DynamoCourseStore, error) {
	sess, err := session.NewSession(&aws.Config{
		Region: aws.String(region),
	})
	if err != nil {
		return nil, err
	}

	return &DynamoCourseStore{
		client:        dynamodb.New(sess),
		coursesTable:  coursesTable,
		metadataTable: metadataTable,
	}, nil
}

// Create inserts a new course built from the supplied fields
func (s *DynamoCourseStore) Create(ctx context.Context, fields *CourseFields) (*Course, error) {
	if err := validateCourseFields(fields, true); err != nil {
		return nil, err
	}

	now := time.Now()
	course := &Course{ID: newCourseID(), CreatedAt: now}
	applyFields(course, fields, now)

	av, err := dynamodbattribute.MarshalMap(toDynamoCourseItem(course))
	if err != nil {
		return nil, E(KindUnavailable, "failed to marshal course item", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName:           aws.String(s.coursesTable),
		Item:                av,
		ConditionExpression: aws.String("attribute_not_exists(course_id)"),
	})
	if err != nil {
		return nil, E(KindUnavailable, "failed to put course item", err)
	}

	return course, nil
}

// Find retrieves a course by ID
func (s *DynamoCourseStore) Find(ctx context.Context, id string) (*Course, error) {
	result, err := s.client.GetItemWithContext(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.coursesTable),
		Key: map[string]*dynamodb.AttributeValue{
			"course_id": {
				S: aws.String(id),
			},
		},
	})
	if err != nil {
		return nil, E(KindUnavailable, "failed to get course", err)
	}

	if result.Item == nil || len(result.Item) == 0 {
		return nil, Errorf(KindNotFound, "course not found: %s", id)
	}

	var item DynamoCourseItem
	if err := dynamodbattribute.UnmarshalMap(result.Item, &item); err != nil {
		return nil, E(KindUnavailable, "failed to unmarshal course item", err)
	}

	return fromDynamoCourseItem(&item), nil
}

// List queries courses, optionally filtered by category, newest first.
// Category listings use the CategoryIndex; unfiltered listings scan the
// table and sort in memory.
func (s *DynamoCourseStore) List(ctx context.Context, query *CourseQuery) ([]*Course, error) {
	if query != nil && query.Category != "" {
		return s.listByCategory(ctx, query)
	}

	input := &dynamodb.ScanInput{
		TableName: aws.String(s.coursesTable),
	}

	result, err := s.client.ScanWithContext(ctx, input)
	if err != nil {
		return nil, E(KindUnavailable, "failed to scan courses", err)
	}

	courses := make([]*Course, 0, len(result.Items))
	for _, av := range result.Items {
		var item DynamoCourseItem
		if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
			log.WithError(err).Warn("Failed to unmarshal course item")
			continue
		}
		courses = append(courses, fromDynamoCourseItem(&item))
	}

	sort.Slice(courses, func(i, j int) bool {
		return courses[i].CreatedAt.After(courses[j].CreatedAt)
	})
	if query != nil && query.Limit > 0 && len(courses) > query.Limit {
		courses = courses[:query.Limit]
	}

	return courses, nil
}

func (s *DynamoCourseStore) listByCategory(ctx context.Context, query *CourseQuery) ([]*Course, error) {
	keyCondition := expression.Key("category").Equal(expression.Value(query.Category))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, E(KindUnavailable, "failed to build expression", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.coursesTable),
		IndexName:                 aws.String("CategoryIndex"),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	if query.Limit > 0 {
		input.Limit = aws.Int64(int64(query.Limit))
	}

	result, err := s.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, E(KindUnavailable, "failed to query courses", err)
	}

	courses := make([]*Course, 0, len(result.Items))
	for _, av := range result.Items {
		var item DynamoCourseItem
		if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
			log.WithError(err).Warn("Failed to unmarshal course item")
			continue
		}
		courses = append(courses, fromDynamoCourseItem(&item))
	}

	return courses, nil
}

// UpdateByID applies the non-nil fields to an existing course and returns
// the updated course
func (s *DynamoCourseStore) UpdateByID(ctx context.Context, id string, fields *CourseFields) (*Course, error) {
	if err := validateCourseFields(fields, false); err != nil {
		return nil, err
	}

	now := time.Now()
	scratch := &Course{}
	applyFields(scratch, fields, now)

	update := expression.Set(expression.Name("updated_at"), expression.Value(now.Unix()))
	if fields.Title != nil {
		update = update.Set(expression.Name("title"), expression.Value(scratch.Title))
	}
	if fields.Description != nil {
		update = update.Set(expression.Name("description"), expression.Value(scratch.Description))
	}
	if fields.Category != nil {
		update = update.Set(expression.Name("category"), expression.Value(scratch.Category))
	}
	if fields.Tags != nil {
		update = update.Set(expression.Name("tags"), expression.Value(fields.Tags))
	}
	if fields.Syllabus != nil {
		update = update.Set(expression.Name("syllabus"), expression.Value(fields.Syllabus))
	}
	if fields.ImageURL != nil {
		update = update.Set(expression.Name("image_url"), expression.Value(*fields.ImageURL))
	}

	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return nil, E(KindUnavailable, "failed to build expression", err)
	}

	result, err := s.client.UpdateItemWithContext(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(s.coursesTable),
		Key: map[string]*dynamodb.AttributeValue{
			"course_id": {
				S: aws.String(id),
			},
		},
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ConditionExpression:       aws.String("attribute_exists(course_id)"),
		ReturnValues:              aws.String(dynamodb.ReturnValueAllNew),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return nil, Errorf(KindNotFound, "course not found: %s", id)
		}
		return nil, E(KindUnavailable, "failed to update course", err)
	}

	var item DynamoCourseItem
	if err := dynamodbattribute.UnmarshalMap(result.Attributes, &item); err != nil {
		return nil, E(KindUnavailable, "failed to unmarshal course item", err)
	}

	return fromDynamoCourseItem(&item), nil
}

// DeleteByID deletes a course
func (s *DynamoCourseStore) DeleteByID(ctx context.Context, id string) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.coursesTable),
		Key: map[string]*dynamodb.AttributeValue{
			"course_id": {
				S: aws.String(id),
			},
		},
		ConditionExpression: aws.String("attribute_exists(course_id)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return Errorf(KindNotFound, "course not found: %s", id)
		}
		return E(KindUnavailable, "failed to delete course", err)
	}

	return nil
}

// AddOrphan records a media reference whose cleanup failed. Re-recording
// the same reference overwrites the previous entry.
func (s *DynamoCourseStore) AddOrphan(ctx context.Context, reference, reason string) error {
	item := DynamoOrphanItem{
		MetadataType: orphanMetadataType,
		MetadataID:   reference,
		Reason:       reason,
		RecordedAt:   time.Now().Unix(),
	}

	av, err := dynamodbattribute.MarshalMap(item)
	if err != nil {
		return E(KindUnavailable, "failed to marshal orphan item", err)
	}

	_, err = s.client.PutItemWithContext(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.metadataTable),
		Item:      av,
	})
	if err != nil {
		return E(KindUnavailable, "failed to record orphaned media", err)
	}

	return nil
}

// ListOrphans returns recorded orphans, oldest first
func (s *DynamoCourseStore) ListOrphans(ctx context.Context, limit int) ([]*OrphanedMedia, error) {
	keyCondition := expression.Key("metadata_type").Equal(expression.Value(orphanMetadataType))
	expr, err := expression.NewBuilder().WithKeyCondition(keyCondition).Build()
	if err != nil {
		return nil, E(KindUnavailable, "failed to build expression", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.metadataTable),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	result, err := s.client.QueryWithContext(ctx, input)
	if err != nil {
		return nil, E(KindUnavailable, "failed to query orphaned media", err)
	}

	orphans := make([]*OrphanedMedia, 0, len(result.Items))
	for _, av := range result.Items {
		var item DynamoOrphanItem
		if err := dynamodbattribute.UnmarshalMap(av, &item); err != nil {
			log.WithError(err).Warn("Failed to unmarshal orphan item")
			continue
		}
		orphans = append(orphans, &OrphanedMedia{
			Reference:  item.MetadataID,
			Reason:     item.Reason,
			RecordedAt: time.Unix(item.RecordedAt, 0),
		})
	}

	sort.Slice(orphans, func(i, j int) bool {
		return orphans[i].RecordedAt.Before(orphans[j].RecordedAt)
	})
	if limit > 0 && len(orphans) > limit {
		orphans = orphans[:limit]
	}

	return orphans, nil
}

// RemoveOrphan drops a ledger entry once its blob is gone. Removing an
// entry that is already gone is not an error.
func (s *DynamoCourseStore) RemoveOrphan(ctx context.Context, reference string) error {
	_, err := s.client.DeleteItemWithContext(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.metadataTable),
		Key: map[string]*dynamodb.AttributeValue{
			"metadata_type": {
				S: aws.String(orphanMetadataType),
			},
			"metadata_id": {
				S: aws.String(reference),
			},
		},
	})
	if err != nil {
		return E(KindUnavailable, "failed to remove orphaned media", err)
	}

	return nil
}

// isConditionalCheckFailed reports whether err is DynamoDB rejecting a
// conditional write, which for our key conditions means the item is absent.
func isConditionalCheckFailed(err error) bool {
	var aerr awserr.Error
	if !errors.As(err, &aerr) {
		return false
	}
	return aerr.Code() == dynamodb.ErrCodeConditionalCheckFailedException
}

func toDynamoCourseItem(course *Course) *DynamoCourseItem {
	return &DynamoCourseItem{
		CourseID:    course.ID,
		Title:       course.Title,
		Description: course.Description,
		Category:    course.Category,
		Tags:        course.Tags,
		Syllabus:    course.Syllabus,
		ImageURL:    course.ImageURL,
		CreatedAt:   course.CreatedAt.Unix(),
		UpdatedAt:   course.UpdatedAt.Unix(),
	}
}

func fromDynamoCourseItem(item *DynamoCourseItem) *Course {
	return &Course{
		ID:          item.CourseID,
		Title:       item.Title,
		Description: item.Description,
		Category:    item.Category,
		Tags:        item.Tags,
		Syllabus:    item.Syllabus,
		ImageURL:    item.ImageURL,
		CreatedAt:   time.Unix(item.CreatedAt, 0),
		UpdatedAt:   time.Unix(item.UpdatedAt, 0),
	}
}
