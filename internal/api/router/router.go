package router

import (
	"net/http"

	"github.com/wb-go/wbf/ginext"

	"github.com/aliskhannn/image-thumbnailer/internal/api/handlers/job"
	"github.com/aliskhannn/image-thumbnailer/internal/middleware"
)

// Setup builds the HTTP router. metrics serves the Prometheus
// exposition on /metrics.
func Setup(h *job.Handler, metrics http.Handler) *ginext.Engine {
	r := ginext.New()

	r.Use(middleware.CORSMiddleware())
	r.Use(ginext.Logger())
	r.Use(ginext.Recovery())

	r.GET("/healthz", func(c *ginext.Context) {
		c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	r.GET("/metrics", func(c *ginext.Context) {
		metrics.ServeHTTP(c.Writer, c.Request)
	})

	api := r.Group("/api")

	api.POST("/jobs", h.Create)                 // uploading image and enqueueing a job
	api.GET("/jobs", h.List)                    // listing jobs
	api.GET("/jobs/:id", h.Get)                 // getting job by id or slug
	api.GET("/jobs/:id/thumbnail", h.Thumbnail) // getting thumbnail bytes
	api.DELETE("/jobs/:id", h.Delete)           // deleting job with its images

	return r
}
