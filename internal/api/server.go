// Package api exposes discovery, pairing and printing over HTTP and a
// WebSocket event stream
package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/thereceipt/btprint/internal/app"
	"github.com/thereceipt/btprint/internal/builder"
	"github.com/thereceipt/btprint/internal/discovery"
	"github.com/thereceipt/btprint/internal/dispatch"
	"github.com/thereceipt/btprint/internal/preview"
	"github.com/thereceipt/btprint/pkg/printjob"
)

// Server is the API server
type Server struct {
	router   *gin.Engine
	app      *app.App
	logger   *zap.Logger
	hub      *hub
	upgrader websocket.Upgrader
	cancel   func()
}

// NewServer creates a server for a, subscribing to its events
func NewServer(a *app.App, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(gin.Recovery(), requestLogger(logger), corsMiddleware())

	s := &Server{
		router: router,
		app:    a,
		logger: logger,
		hub:    newHub(logger),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
	s.cancel = a.Subscribe(s.hub.broadcast)

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.router.GET("/status", s.handleStatus)

	s.router.GET("/devices", s.handleGetDevices)
	s.router.GET("/devices/bonded", s.handleGetBonded)
	s.router.POST("/devices/:address/pair", s.handlePair)
	s.router.POST("/devices/:address/unpair", s.handleUnpair)

	s.router.POST("/scan", s.handleStartScan)
	s.router.POST("/scan/stop", s.handleStopScan)

	s.router.GET("/printer", s.handleGetPrinter)
	s.router.DELETE("/printer", s.handleClearPrinter)

	s.router.POST("/print", s.handlePrint)
	s.router.POST("/preview", s.handlePreview)

	s.router.GET("/ws", s.handleWebSocket)
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.router
}

// Close disconnects WebSocket clients and stops listening for events
func (s *Server) Close() {
	s.cancel()
	s.hub.closeAll()
}

func (s *Server) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.app.Status())
}

func (s *Server) handleGetDevices(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":   s.app.Engine.State(),
		"devices": s.app.Engine.Devices(),
	})
}

func (s *Server) handleGetBonded(c *gin.Context) {
	devices, err := s.app.Engine.BondedDevices()
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) handleStartScan(c *gin.Context) {
	if err := s.app.Engine.StartScan(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"state": s.app.Engine.State()})
}

func (s *Server) handleStopScan(c *gin.Context) {
	if err := s.app.Engine.StopScan(); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"state": s.app.Engine.State()})
}

func (s *Server) handlePair(c *gin.Context) {
	address := c.Param("address")
	if err := s.app.Engine.RequestPair(address); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": address})
}

func (s *Server) handleUnpair(c *gin.Context) {
	address := c.Param("address")
	if err := s.app.Engine.RequestUnpair(address); err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"address": address})
}

func (s *Server) handleGetPrinter(c *gin.Context) {
	p, ok := s.app.Registry.GetPrinter()
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "no printer paired"})
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) handleClearPrinter(c *gin.Context) {
	if err := s.app.Registry.ClearPrinter(); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

// printRequest names exactly one way of building a job
type printRequest struct {
	Job     *printjob.Job           `json:"job"`
	JobPath string                  `json:"job_path"`
	Source  *builder.Source         `json:"source"`
	Sample  bool                    `json:"sample"`
	Images  []printjob.RasterSource `json:"images"`
	Caption string                  `json:"caption"`
}

func (r printRequest) build() (printjob.Job, error) {
	switch {
	case r.Job != nil:
		return *r.Job, nil
	case r.JobPath != "":
		job, err := printjob.ParseFile(r.JobPath)
		if err != nil {
			return printjob.Job{}, err
		}
		return *job, nil
	case r.Source != nil:
		return builder.Build(*r.Source), nil
	case r.Sample:
		return builder.Build(builder.Sample()), nil
	case len(r.Images) > 0:
		caption := r.Caption
		if caption == "" {
			caption = builder.GalleryCaption
		}
		return builder.Gallery(r.Images, caption), nil
	default:
		return printjob.Job{}, errors.New("job, job_path, source, sample or images is required")
	}
}

func (s *Server) handlePrint(c *gin.Context) {
	var req printRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := req.build()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	// an accepted job outlives the request unless the caller waits for it
	wait := c.Query("wait") == "true"
	ctx := context.Background()
	if wait {
		ctx = c.Request.Context()
	}

	results, err := s.app.Dispatcher.Print(ctx, job)
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}

	if !wait {
		c.JSON(http.StatusAccepted, gin.H{"accepted": true, "commands": len(job.Commands)})
		return
	}

	r := <-results
	body := gin.H{"state": r.State, "sent": r.Sent, "total": r.Total}
	if r.Err != nil {
		body["error"] = r.Err.Error()
		c.JSON(statusFor(r.Err), body)
		return
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handlePreview(c *gin.Context) {
	var req printRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := req.build()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if job.PaperWidth == "" {
		job.PaperWidth = s.app.Config.PaperWidth
	}

	img, err := preview.Render(job)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("failed to render preview: %v", err)})
		return
	}
	c.Header("Content-Type", "image/png")
	if err := preview.EncodePNG(c.Writer, img); err != nil {
		s.logger.Warn("failed to write preview", zap.Error(err))
	}
}

// statusFor maps core errors to HTTP status codes
func statusFor(err error) int {
	var connErr *dispatch.ConnectionError
	var txErr *dispatch.TransmissionError
	switch {
	case errors.Is(err, discovery.ErrTransportUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, discovery.ErrInvalidPairState), errors.Is(err, dispatch.ErrDispatcherBusy):
		return http.StatusConflict
	case errors.Is(err, dispatch.ErrNoPrinterPaired):
		return http.StatusPreconditionFailed
	case errors.Is(err, dispatch.ErrTimeout):
		return http.StatusGatewayTimeout
	case errors.As(err, &connErr), errors.As(err, &txErr):
		return http.StatusBadGateway
	case errors.Is(err, discovery.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadRequest
	}
}

func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	}
}
