package server

import (
	"context"
	"fmt"
	"io"
	"io/ioutil"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

const (
	paramCourseID = "courseId"

	// imageFormField is the multipart part carrying the course image.
	imageFormField = "image"

	maxMultipartMemory = 8 << 20
	orphanSweepBatch   = 100
)

var log = logrus.WithField("logger", "server")

// Server wires the HTTP surface to the lifecycle orchestrator, the course
// store and the cache.
type Server struct {
	config      *Config
	courses     CourseStore
	orphans     OrphanStore
	lifecycle   *MediaLifecycle
	cache       Cache
	clients     *ClientCache // nil unless store.kind is mongodb
	engine      *gin.Engine
	promHandler http.Handler
	httpSrv     *http.Server
	sweepStop   chan struct{}
	stopOnce    sync.Once
}

// NewServer creates a new CourseVault server from a validated configuration
func NewServer(config *Config) (*Server, error) {
	courses, orphans, clients, err := buildCourseStore(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create course store: %v", err)
	}

	media, err := NewS3MediaStore(
		config.AWS.Region,
		config.AWS.S3.BucketName,
		config.AWS.S3.PublicBaseURL,
		config.Media.Folder,
		config.MediaPolicy(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 media store: %v", err)
	}

	// Create Redis cache or use NoOpCache if Redis is not available
	var cache Cache = &NoOpCache{}
	if config.AWS.ElastiCache.Address != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()

		redisCache, err := NewRedisCache(ctx, config.AWS.ElastiCache.Address, config.AWS.ElastiCache.TTL)
		if err != nil {
			log.WithError(err).Warn("Failed to create Redis cache, continuing with NoOpCache")
		} else {
			cache = redisCache
			log.WithField("address", config.AWS.ElastiCache.Address).Info("Connected to Redis cache")
		}
	} else {
		log.Info("No Redis address configured, using NoOpCache")
	}

	lifecycle := NewMediaLifecycle(courses, media, orphans, LifecycleOptions{
		RequireMedia: !config.Media.ImageOptional,
		OpTimeout:    config.MediaOpTimeout(),
	})

	s := &Server{
		config:      config,
		courses:     courses,
		orphans:     orphans,
		lifecycle:   lifecycle,
		cache:       cache,
		clients:     clients,
		engine:      newEngine(),
		promHandler: promhttp.Handler(),
		sweepStop:   make(chan struct{}),
	}
	s.registerRoutes()

	return s, nil
}

// buildCourseStore creates the persistence backend selected by store.kind.
// The mongodb backend also returns its connection cache so the server can
// include it in health checks and close it on shutdown.
func buildCourseStore(config *Config) (CourseStore, OrphanStore, *ClientCache, error) {
	switch config.Store.Kind {
	case StoreKindMongoDB:
		clientOptions, err := buildMongoClientOptions(config)
		if err != nil {
			return nil, nil, nil, err
		}
		clients := NewClientCache(clientOptions, config.MongoConnectTimeout())
		store := NewMongoCourseStore(clients, config.MongoDB.Database)
		return store, store, clients, nil

	case StoreKindDynamoDB:
		store, err := NewDynamoCourseStore(
			config.AWS.Region,
			config.AWS.DynamoDB.CoursesTable,
			config.AWS.DynamoDB.MetadataTable,
		)
		if err != nil {
			return nil, nil, nil, err
		}
		return store, store, nil, nil

	case StoreKindMemory:
		log.Warn("Using in-memory course store, data will not survive a restart")
		store := NewMemCourseStore()
		return store, store, nil, nil
	}

	return nil, nil, nil, fmt.Errorf("unknown store.kind: %q", config.Store.Kind)
}

func newEngine() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Logger(), gin.Recovery(), engineMetrics())
	engine.MaxMultipartMemory = maxMultipartMemory
	return engine
}

func (s *Server) registerRoutes() {
	s.engine.GET("/", func(c *gin.Context) {
		c.String(http.StatusOK, "CourseVault is running!")
	})
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.handlePrometheusMetrics)

	api := s.engine.Group("/api")
	{
		api.GET("/courses", s.handleListCourses)
		api.POST("/courses", s.handleCreateCourse)
		api.GET("/courses/:"+paramCourseID, s.handleGetCourse)
		api.PUT("/courses/:"+paramCourseID, s.handleUpdateCourse)
		api.DELETE("/courses/:"+paramCourseID, s.handleDeleteCourse)
	}

	admin := s.engine.Group("/admin")
	{
		admin.GET("/orphans", s.handleListOrphans)
		admin.POST("/orphans/reap", s.handleReapOrphans)
	}
}

// Start starts the orphan sweeper, if configured, and serves HTTP until
// Stop is called
func (s *Server) Start() error {
	if interval := s.config.Orphans.SweepIntervalMinutes; interval > 0 {
		go s.sweepOrphans(time.Duration(interval) * time.Minute)
	}

	addr := fmt.Sprintf(":%d", s.config.Server.HTTPPort)
	log.WithField("addr", addr).Info("HTTP server listening")

	s.httpSrv = &http.Server{
		Addr:    addr,
		Handler: s.engine,
	}
	if err := s.httpSrv.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop drains in-flight requests and releases the cache and store handles
func (s *Server) Stop(ctx context.Context) {
	s.stopOnce.Do(func() { close(s.sweepStop) })

	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			log.WithError(err).Warn("HTTP server shutdown failed")
		}
	}
	if closer, ok := s.cache.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			log.WithError(err).Warn("Failed to close cache")
		}
	}
	if s.clients != nil {
		if err := s.clients.Close(ctx); err != nil {
			log.WithError(err).Warn("Failed to close MongoDB client cache")
		}
	}
}

// sweepOrphans periodically retries the cleanup of ledgered media so blobs
// orphaned by failed deletes are eventually reclaimed
func (s *Server) sweepOrphans(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.sweepStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := s.lifecycle.ReapOrphans(ctx, orphanSweepBatch); err != nil {
				log.WithError(err).Warn("Orphan sweep failed")
			}
			cancel()
		}
	}
}

// handleHealth reports process liveness plus whether a store connection is
// currently cached
func (s *Server) handleHealth(c *gin.Context) {
	health := gin.H{"status": "ok"}
	if s.clients != nil {
		health["store_connected"] = s.clients.Connected()
	}
	c.JSON(http.StatusOK, health)
}

func (s *Server) handlePrometheusMetrics(c *gin.Context) {
	s.promHandler.ServeHTTP(c.Writer, c.Request)
}

// handleListCourses handles GET /api/courses
func (s *Server) handleListCourses(c *gin.Context) {
	ctx := c.Request.Context()

	var limit int
	if limitStr := c.Query("limit"); limitStr != "" {
		var err error
		limit, err = strconv.Atoi(limitStr)
		if err != nil || limit < 0 {
			limit = 0
		}
	}
	query := CourseQuery{
		Category: c.Query("category"),
		Limit:    limit,
	}

	if courses, err := s.cache.ListCourses(ctx, query); err == nil {
		c.JSON(http.StatusOK, gin.H{"courses": courses})
		return
	}

	courses, err := s.courses.List(ctx, &query)
	if err != nil {
		renderError(err, c)
		return
	}
	if courses == nil {
		courses = []*Course{}
	}

	if err := s.cache.SetCourses(ctx, query, courses); err != nil {
		log.WithError(err).Warn("Failed to cache course listing")
	}

	c.JSON(http.StatusOK, gin.H{"courses": courses})
}

// handleGetCourse handles GET /api/courses/:courseId
func (s *Server) handleGetCourse(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param(paramCourseID)

	if course, err := s.cache.GetCourse(ctx, id); err == nil {
		c.JSON(http.StatusOK, course)
		return
	}

	course, err := s.courses.Find(ctx, id)
	if err != nil {
		renderError(err, c)
		return
	}

	// Ignore cache errors - just log them
	if err := s.cache.SetCourse(ctx, course); err != nil {
		log.WithError(err).Warn("Failed to cache course")
	}

	c.JSON(http.StatusOK, course)
}

// handleCreateCourse handles POST /api/courses
func (s *Server) handleCreateCourse(c *gin.Context) {
	payload, upload, err := s.readMutationRequest(c)
	if err != nil {
		renderError(err, c)
		return
	}

	course, err := s.lifecycle.CreateCourse(c.Request.Context(), payload, upload)
	if err != nil {
		renderError(err, c)
		return
	}

	s.invalidateListings(c.Request.Context())
	c.JSON(http.StatusCreated, course)
}

// handleUpdateCourse handles PUT /api/courses/:courseId
func (s *Server) handleUpdateCourse(c *gin.Context) {
	id := c.Param(paramCourseID)

	payload, upload, err := s.readMutationRequest(c)
	if err != nil {
		renderError(err, c)
		return
	}

	course, err := s.lifecycle.UpdateCourse(c.Request.Context(), id, payload, upload)
	if err != nil {
		renderError(err, c)
		return
	}

	s.invalidateCourse(c.Request.Context(), id)
	c.JSON(http.StatusOK, course)
}

// handleDeleteCourse handles DELETE /api/courses/:courseId
func (s *Server) handleDeleteCourse(c *gin.Context) {
	id := c.Param(paramCourseID)

	if err := s.lifecycle.DeleteCourse(c.Request.Context(), id); err != nil {
		renderError(err, c)
		return
	}

	s.invalidateCourse(c.Request.Context(), id)
	c.Status(http.StatusNoContent)
}

// handleListOrphans handles GET /admin/orphans
func (s *Server) handleListOrphans(c *gin.Context) {
	limit := orphanSweepBatch
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	orphans, err := s.orphans.ListOrphans(c.Request.Context(), limit)
	if err != nil {
		renderError(err, c)
		return
	}
	if orphans == nil {
		orphans = []*OrphanedMedia{}
	}

	c.JSON(http.StatusOK, gin.H{"orphans": orphans})
}

// handleReapOrphans handles POST /admin/orphans/reap
func (s *Server) handleReapOrphans(c *gin.Context) {
	limit := orphanSweepBatch
	if limitStr := c.Query("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	reclaimed, err := s.lifecycle.ReapOrphans(c.Request.Context(), limit)
	if err != nil {
		renderError(err, c)
		return
	}

	c.JSON(http.StatusOK, gin.H{"reclaimed": reclaimed})
}

// readMutationRequest decodes the form fields and the optional image file
// of an inbound mutation request into their typed form
func (s *Server) readMutationRequest(c *gin.Context) (*CoursePayload, *MediaUpload, error) {
	if c.ContentType() == "multipart/form-data" {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, nil, E(KindValidation, "malformed multipart form", err)
		}

		payload, err := DecodeCoursePayload(url.Values(form.Value))
		if err != nil {
			return nil, nil, err
		}

		upload, err := s.readImageFile(form)
		if err != nil {
			return nil, nil, err
		}
		return payload, upload, nil
	}

	if err := c.Request.ParseForm(); err != nil {
		return nil, nil, E(KindValidation, "malformed form body", err)
	}
	payload, err := DecodeCoursePayload(c.Request.PostForm)
	if err != nil {
		return nil, nil, err
	}
	return payload, nil, nil
}

// readImageFile reads the image part, if any. The read is capped just past
// the policy limit; the declared part size still travels on the upload so
// oversized files are rejected with their real size.
func (s *Server) readImageFile(form *multipart.Form) (*MediaUpload, error) {
	files := form.File[imageFormField]
	if len(files) == 0 {
		return nil, nil
	}

	header := files[0]
	file, err := header.Open()
	if err != nil {
		return nil, E(KindValidation, "unreadable image part", err)
	}
	defer file.Close()

	data, err := ioutil.ReadAll(io.LimitReader(file, s.config.Media.MaxBytes+1))
	if err != nil {
		return nil, E(KindValidation, "failed to read image part", err)
	}

	return &MediaUpload{
		Data:     data,
		Size:     header.Size,
		MIMEType: header.Header.Get("Content-Type"),
	}, nil
}

// invalidateCourse drops a mutated course and all listings from the cache
func (s *Server) invalidateCourse(ctx context.Context, id string) {
	if err := s.cache.DeleteCourse(ctx, id); err != nil {
		log.WithError(err).Warn("Failed to invalidate cached course")
	}
	s.invalidateListings(ctx)
}

func (s *Server) invalidateListings(ctx context.Context) {
	if err := s.cache.InvalidateLists(ctx); err != nil {
		log.WithError(err).Warn("Failed to invalidate cached course listings")
	}
}

// renderError writes the outward form of err: the status for its kind and
// the public message, never the internal cause.
func renderError(err error, c *gin.Context) {
	status := HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		log.WithError(err).Error("Request failed")
	} else if gin.Mode() == gin.DebugMode {
		log.WithError(err).Debug("Error occurred in request")
	}
	c.Data(status, "text/plain", []byte(PublicMessage(err)))
}
