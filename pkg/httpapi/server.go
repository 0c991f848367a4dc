// Package httpapi exposes the order and payment operations over HTTP.
package httpapi

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/convertly/convertly/pkg/orders"
	"github.com/convertly/convertly/pkg/status"
	"github.com/convertly/convertly/pkg/stores"
	"github.com/convertly/convertly/pkg/telemetry"
)

// Server provides the HTTP API for orders, checkout, and payment
// return reconciliation.
type Server struct {
	addr      string
	service   *orders.Service
	db        stores.Store
	logger    *telemetry.Logger
	server    *http.Server
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewServer creates a new HTTP API server.
func NewServer(addr string, service *orders.Service, db stores.Store, logger *telemetry.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		addr:    addr,
		service: service,
		db:      db,
		logger:  logger.NewComponentLogger("httpapi"),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Router builds the gin handler. Exposed separately so tests can drive
// it without a listener.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealth)
	r.POST("/api/orders", s.handleCreateOrder)
	r.GET("/api/orders/:id", s.handleGetOrder)
	r.POST("/api/orders/:id/checkout", s.handleCheckout)
	r.POST("/api/payments/:id/return", s.handlePaymentReturn)

	return r
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.server = &http.Server{
		Handler:           s.Router(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	s.startTime = time.Now()
	s.logger.WithField("addr", s.addr).Info("HTTP API listening")

	go func() {
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.WithError(err).Error("HTTP server stopped")
		}
	}()
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (s *Server) Stop() error {
	s.cancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(c *gin.Context) {
	if err := s.db.HealthCheck(c.Request.Context()); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).String(),
	})
}

func (s *Server) handleCreateOrder(c *gin.Context) {
	var req struct {
		CustomerEmail string `json:"customer_email" binding:"required,email"`
		DocumentName  string `json:"document_name" binding:"required"`
		SourceFormat  string `json:"source_format" binding:"required"`
		TargetFormat  string `json:"target_format" binding:"required"`
		AmountCents   int64  `json:"amount_cents" binding:"required,gt=0"`
		Currency      string `json:"currency" binding:"required,len=3"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	order, err := s.service.CreateOrder(c.Request.Context(), orders.CreateOrderInput{
		CustomerEmail: req.CustomerEmail,
		DocumentName:  req.DocumentName,
		SourceFormat:  req.SourceFormat,
		TargetFormat:  req.TargetFormat,
		AmountCents:   req.AmountCents,
		Currency:      req.Currency,
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusCreated, order)
}

func (s *Server) handleGetOrder(c *gin.Context) {
	id := c.Param("id")

	order, err := s.db.GetOrder(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, stores.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "order not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	resp := gin.H{"order": order}
	// The cached view may carry an unconfirmed optimistic status that is
	// ahead of the persisted one.
	if rec, ok := s.service.OrderSnapshot(id); ok {
		resp["live_status"] = rec.Status
		resp["pending"] = rec.Pending
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleCheckout(c *gin.Context) {
	id := c.Param("id")

	payment, err := s.service.StartCheckout(c.Request.Context(), id)
	if err != nil {
		s.writeServiceError(c, err, "checkout failed")
		return
	}

	if err := s.service.WatchPayment(c.Request.Context(), payment.ID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusAccepted, payment)
}

func (s *Server) handlePaymentReturn(c *gin.Context) {
	id := c.Param("id")

	if err := s.service.HandleProviderReturn(c.Request.Context(), id); err != nil {
		s.writeServiceError(c, err, "reconciliation failed")
		return
	}

	c.JSON(http.StatusOK, gin.H{"reconciled": true})
}

// writeServiceError maps domain error classes onto HTTP status codes.
func (s *Server) writeServiceError(c *gin.Context, err error, msg string) {
	switch {
	case errors.Is(err, stores.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not found"})
	case status.IsConflict(err):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case status.IsTransient(err):
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
	default:
		s.logger.WithError(err).Error(msg)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
