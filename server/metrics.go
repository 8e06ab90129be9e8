package server

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
	// outcomeRejected - refused by a local constraint, no remote call made
	outcomeRejected = "rejected"
)

var (
	httpRequestsServed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coursevault_http_requests",
		Help: "Total number of http requests served",
	})
	httpErrorsCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coursevault_http_errors",
		Help: "Total number of http engine errors",
	})
	connectAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursevault_store_connect_attempts",
		Help: "Total number of persistent store connect attempts by outcome",
	}, []string{"outcome"})
	mediaUploadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursevault_media_uploads",
		Help: "Total number of media store uploads by outcome",
	}, []string{"outcome"})
	mediaDeletesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "coursevault_media_deletes",
		Help: "Total number of media store deletes by outcome",
	}, []string{"outcome"})
	orphanedMediaTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "coursevault_media_orphaned",
		Help: "Total number of media references recorded as orphaned after failed cleanup",
	})
)

func init() {
	prometheus.MustRegister(httpRequestsServed)
	prometheus.MustRegister(httpErrorsCounter)
	prometheus.MustRegister(connectAttemptsTotal)
	prometheus.MustRegister(mediaUploadsTotal)
	prometheus.MustRegister(mediaDeletesTotal)
	prometheus.MustRegister(orphanedMediaTotal)
}

// engineMetrics is a Gin middleware that records request and error counts
// directly from the http engine.
func engineMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		httpRequestsServed.Inc()
		if len(c.Errors.Errors()) > 0 {
			httpErrorsCounter.Inc()
		}
	}
}
