// Package httpapi exposes the controller over HTTP and streams job events
// over a websocket.
package httpapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"EggDetServer/controller"
	"EggDetServer/engine"
	iface "EggDetServer/interface"
	"EggDetServer/labelfile"
)

// Jobs is the controller surface the API drives.
type Jobs interface {
	Start(model string) (string, error)
	StartAnnotation() (string, error)
	Cancel() error
	State() controller.Snapshot
	Results() iface.ResultTable
	Workspace() labelfile.Workspace
	Subscribe(buffer int) (<-chan controller.Event, func())
}

// Models lists the configured detectors.
type Models interface {
	Names() []string
	Default() string
}

// Counter counts handled requests.
type Counter interface {
	Inc()
}

const (
	eventBuffer  = 256
	writeTimeout = 5 * time.Second
	pingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

type modelInfo struct {
	Name    string `json:"name"`
	Default bool   `json:"default"`
}

type startRequest struct {
	Model string `json:"model"`
}

type server struct {
	jobs   Jobs
	models Models
	log    *zap.Logger
}

// NewRouter builds the gin engine serving the API. calls may be nil.
func NewRouter(jobs Jobs, models Models, calls Counter, log *zap.Logger) *gin.Engine {
	if log == nil {
		log = zap.NewNop()
	}
	s := &server{jobs: jobs, models: models, log: log}

	r := gin.New()
	r.Use(gin.Recovery(), s.accessLog(calls))

	r.GET("/api/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "pong"})
	})
	api := r.Group("/api")
	api.POST("/jobs", s.startDetection)
	api.POST("/jobs/annotate", s.startAnnotation)
	api.DELETE("/jobs/current", s.cancel)
	api.GET("/state", func(c *gin.Context) {
		c.JSON(http.StatusOK, s.jobs.State())
	})
	api.GET("/results", s.results)
	api.GET("/results.csv", s.resultsCSV)
	api.GET("/images/:name", s.image)
	api.GET("/models", s.listModels)
	r.GET("/ws/events", s.events)
	return r
}

func (s *server) accessLog(calls Counter) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		if calls != nil {
			calls.Inc()
		}
		s.log.Debug("http request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("elapsed", time.Since(start)),
		)
	}
}

func (s *server) startDetection(c *gin.Context) {
	var req startRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	id, err := s.jobs.Start(req.Model)
	s.accepted(c, id, "detect", err)
}

func (s *server) startAnnotation(c *gin.Context) {
	id, err := s.jobs.StartAnnotation()
	s.accepted(c, id, "annotate", err)
}

func (s *server) accepted(c *gin.Context, id, stage string, err error) {
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"id": id, "stage": stage})
	case errors.Is(err, controller.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, engine.ErrUnknownModel):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	default:
		s.log.Error("job submission failed", zap.String("stage", stage), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *server) cancel(c *gin.Context) {
	if err := s.jobs.Cancel(); err != nil {
		if errors.Is(err, controller.ErrNoJob) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": "cancelling"})
}

func (s *server) results(c *gin.Context) {
	table := s.jobs.Results()
	c.JSON(http.StatusOK, gin.H{"data": table, "totals": table.Totals()})
}

func (s *server) resultsCSV(c *gin.Context) {
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=%q", labelfile.CSVFileName))
	c.Header("Content-Type", "text/csv")
	c.Status(http.StatusOK)
	if err := labelfile.WriteCSV(c.Writer, s.jobs.Results()); err != nil {
		s.log.Warn("write csv", zap.Error(err))
	}
}

func (s *server) image(c *gin.Context) {
	stem := labelfile.Stem(filepath.Base(c.Param("name")))
	ws := s.jobs.Workspace()
	path := ws.AnnotatedPath(stem)
	if c.Query("thumb") != "" {
		path = ws.ThumbnailPath(stem)
	}
	if info, err := os.Stat(path); err != nil || info.IsDir() {
		c.JSON(http.StatusNotFound, gin.H{"error": "Image not found"})
		return
	}
	c.File(path)
}

func (s *server) listModels(c *gin.Context) {
	def := s.models.Default()
	models := lo.Map(s.models.Names(), func(name string, _ int) modelInfo {
		return modelInfo{Name: name, Default: name == def}
	})
	c.JSON(http.StatusOK, gin.H{"data": models, "default": def})
}

// events streams controller events until the client disconnects.
func (s *server) events(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, unsubscribe := s.jobs.Subscribe(eventBuffer)
	defer unsubscribe()

	// The reader only notices the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteJSON(ev); err != nil {
				s.log.Debug("event stream closed", zap.Error(err))
				return
			}
		}
	}
}

// ListenAndServe serves handler on port until ctx is done.
func ListenAndServe(ctx context.Context, port int, handler http.Handler, log *zap.Logger) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http serve")
	}
}
