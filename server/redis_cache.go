package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
)

// listIndexKey tracks every cached list key so list invalidation does not
// need a SCAN.
const listIndexKey = "courses:lists"

// RedisCache implements the Cache interface using Redis
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(ctx context.Context, address string, ttlSeconds int) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        address,
		Password:    "", // no password
		DB:          0,  // use default DB
		DialTimeout: 2 * time.Second,
		ReadTimeout: 2 * time.Second,
	})

	// Test connection with the provided context
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}

	return &RedisCache{
		client: client,
		ttl:    time.Duration(ttlSeconds) * time.Second,
	}, nil
}

// Close closes the Redis client
func (c *RedisCache) Close() error {
	return c.client.Close()
}

// GetCourse gets a course from the cache
func (c *RedisCache) GetCourse(ctx context.Context, courseID string) (*Course, error) {
	key := courseKey(courseID)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var course Course
	if err := json.Unmarshal(data, &course); err != nil {
		return nil, err
	}

	return &course, nil
}

// SetCourse sets a course in the cache
func (c *RedisCache) SetCourse(ctx context.Context, course *Course) error {
	data, err := json.Marshal(course)
	if err != nil {
		return err
	}

	return c.client.Set(ctx, courseKey(course.ID), data, c.ttl).Err()
}

// DeleteCourse deletes a course from the cache
func (c *RedisCache) DeleteCourse(ctx context.Context, courseID string) error {
	return c.client.Del(ctx, courseKey(courseID)).Err()
}

// ListCourses gets a cached listing for the given query
func (c *RedisCache) ListCourses(ctx context.Context, query CourseQuery) ([]*Course, error) {
	data, err := c.client.Get(ctx, listKey(query)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var courses []*Course
	if err := json.Unmarshal(data, &courses); err != nil {
		return nil, err
	}

	return courses, nil
}

// SetCourses caches a listing for the given query and indexes the key for
// later invalidation
func (c *RedisCache) SetCourses(ctx context.Context, query CourseQuery, courses []*Course) error {
	data, err := json.Marshal(courses)
	if err != nil {
		return err
	}

	key := listKey(query)
	pipe := c.client.Pipeline()
	pipe.Set(ctx, key, data, c.ttl)
	pipe.SAdd(ctx, listIndexKey, key)
	pipe.Expire(ctx, listIndexKey, c.ttl)
	_, err = pipe.Exec(ctx)
	return err
}

// InvalidateLists drops every cached listing. Any mutation can change any
// listing, so they are all invalidated together.
func (c *RedisCache) InvalidateLists(ctx context.Context) error {
	keys, err := c.client.SMembers(ctx, listIndexKey).Result()
	if err != nil {
		return err
	}
	keys = append(keys, listIndexKey)
	return c.client.Del(ctx, keys...).Err()
}

func courseKey(courseID string) string {
	return fmt.Sprintf("course:%s", courseID)
}

// listKey escapes the category so no literal category value can collide
// with the "*" marker used for unfiltered listings.
func listKey(query CourseQuery) string {
	category := "*"
	if query.Category != "" {
		category = url.QueryEscape(query.Category)
	}
	return fmt.Sprintf("courses:%s:%d", category, query.Limit)
}
