// Package http serves the facilitator over HTTP and provides the matching
// client.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	x402 "github.com/x402x/facilitator"
)

// RequestIDHeader carries the request id in both directions
const RequestIDHeader = "X-Request-ID"

// ErrCodeRateLimited is the error code of a throttled request
const ErrCodeRateLimited = "rate_limited"

const (
	maxBodyBytes     = 1 << 20
	requestIDKey     = "request_id"
	maxRequestIDSize = 128
)

// Facilitator is what the server exposes
type Facilitator interface {
	Verify(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.VerifyResponse, error)
	Settle(ctx context.Context, payload x402.PaymentPayload, requirements x402.PaymentRequirements) (x402.SettleResponse, error)
	GetSupported() x402.SupportedResponse
	GetReadiness() x402.ReadinessResponse
}

// RequestObserver records served requests, typically as metrics
type RequestObserver interface {
	ObserveHTTP(method, route string, code int, duration time.Duration)
}

// NetworkResolver maps a network name or alias to its canonical name
type NetworkResolver func(name string) (x402.Network, error)

// VerifyErrorResponse is the body of a refused /verify request
type VerifyErrorResponse struct {
	x402.VerifyResponse
	Error     *x402.PaymentError `json:"error"`
	RequestID string             `json:"requestId,omitempty"`
}

// SettleErrorResponse is the body of a refused /settle request
type SettleErrorResponse struct {
	x402.SettleResponse
	Error     *x402.PaymentError `json:"error"`
	RequestID string             `json:"requestId,omitempty"`
}

// ErrorResponse is the body of any other refused request
type ErrorResponse struct {
	Error     *x402.PaymentError `json:"error"`
	RequestID string             `json:"requestId,omitempty"`
}

// Server is the facilitator HTTP server
type Server struct {
	engine      *gin.Engine
	facilitator Facilitator
	logger      *zap.Logger

	observer       RequestObserver
	metricsHandler http.Handler
	limiter        *ClientRateLimiter
	resolve        NetworkResolver
	requestTimeout time.Duration
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithServerLogger sets the access and error logger
func WithServerLogger(logger *zap.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics records every request with observer and serves handler at /metrics
func WithMetrics(observer RequestObserver, handler http.Handler) ServerOption {
	return func(s *Server) {
		s.observer = observer
		s.metricsHandler = handler
	}
}

// WithRateLimit limits /verify and /settle per client address. A
// non-positive rate disables limiting.
func WithRateLimit(perSecond float64, burst int) ServerOption {
	return func(s *Server) {
		if perSecond > 0 {
			s.limiter = NewClientRateLimiter(perSecond, burst)
		}
	}
}

// WithNetworkResolver canonicalizes request networks before dispatch
func WithNetworkResolver(resolve NetworkResolver) ServerOption {
	return func(s *Server) { s.resolve = resolve }
}

// WithRequestTimeout bounds how long a request waits for its result.
// A settlement already queued keeps running after the timeout.
func WithRequestTimeout(d time.Duration) ServerOption {
	return func(s *Server) { s.requestTimeout = d }
}

// NewServer creates the server and its routes
func NewServer(facilitator Facilitator, opts ...ServerOption) *Server {
	s := &Server{
		facilitator: facilitator,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}

	engine := gin.New()
	engine.Use(gin.Recovery(), s.requestID(), s.accessLog())

	engine.POST("/verify", s.rateLimit(), s.handleVerify)
	engine.POST("/settle", s.rateLimit(), s.handleSettle)
	engine.GET("/supported", s.handleSupported)
	engine.GET("/health", s.handleHealth)
	engine.GET("/ready", s.handleReady)
	if s.metricsHandler != nil {
		engine.GET("/metrics", gin.WrapH(s.metricsHandler))
	}

	s.engine = engine
	return s
}

// Handler returns the server's http.Handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

// CleanupRateLimiter forgets clients idle for longer than maxAge
func (s *Server) CleanupRateLimiter(maxAge time.Duration) int {
	if s.limiter == nil {
		return 0
	}
	return s.limiter.Cleanup(maxAge)
}

// ============================================================================
// Middleware
// ============================================================================

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" || len(id) > maxRequestIDSize {
			id = uuid.NewString()
		}
		c.Set(requestIDKey, id)
		c.Header(RequestIDHeader, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		duration := time.Since(start)

		if s.observer != nil {
			s.observer.ObserveHTTP(c.Request.Method, route, status, duration)
		}
		if route == "/metrics" || route == "/health" {
			return
		}
		s.logger.Info("request served",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("method", c.Request.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Duration("duration", duration),
			zap.String("client", c.ClientIP()))
	}
}

func (s *Server) rateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.limiter != nil && !s.limiter.Allow(c.ClientIP()) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:     x402.NewPaymentError(ErrCodeRateLimited, "too many requests", nil),
				RequestID: c.GetString(requestIDKey),
			})
			return
		}
		c.Next()
	}
}

// ============================================================================
// Handlers
// ============================================================================

func (s *Server) handleVerify(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	resp, err := s.facilitator.Verify(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		status := s.errorStatus(c, "verify", err)
		c.JSON(status, VerifyErrorResponse{
			VerifyResponse: resp,
			Error:          x402.AsPaymentError(err),
			RequestID:      c.GetString(requestIDKey),
		})
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSettle(c *gin.Context) {
	req, ok := s.bindRequest(c)
	if !ok {
		return
	}

	ctx, cancel := s.requestContext(c)
	defer cancel()

	resp, err := s.facilitator.Settle(ctx, req.PaymentPayload, req.PaymentRequirements)
	if err != nil {
		status := s.errorStatus(c, "settle", err)
		c.JSON(status, SettleErrorResponse{
			SettleResponse: resp,
			Error:          x402.AsPaymentError(err),
			RequestID:      c.GetString(requestIDKey),
		})
		return
	}

	if !resp.Success {
		s.logger.Warn("settlement failed",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("network", string(resp.Network)),
			zap.String("reason", resp.ErrorReason),
			zap.String("tx", resp.Transaction))
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSupported(c *gin.Context) {
	c.JSON(http.StatusOK, s.facilitator.GetSupported())
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleReady(c *gin.Context) {
	readiness := s.facilitator.GetReadiness()
	status := http.StatusOK
	if !readiness.Ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, readiness)
}

// bindRequest reads, schema-checks and decodes a /verify or /settle body.
// It writes the 400 response itself when the body is unusable.
func (s *Server) bindRequest(c *gin.Context) (x402.SettleRequest, bool) {
	var req x402.SettleRequest

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes)
	body, err := c.GetRawData()
	if err == nil {
		err = ValidateRequestBody(body)
	}
	if err == nil {
		err = json.Unmarshal(body, &req)
	}
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, ErrorResponse{
			Error:     x402.NewPaymentError(x402.ErrCodeInvalidRequest, err.Error(), nil),
			RequestID: c.GetString(requestIDKey),
		})
		return req, false
	}

	if s.resolve != nil {
		req.PaymentRequirements.Network = s.canonical(req.PaymentRequirements.Network)
		req.PaymentPayload.Accepted.Network = s.canonical(req.PaymentPayload.Accepted.Network)
	}
	return req, true
}

func (s *Server) canonical(network x402.Network) x402.Network {
	resolved, err := s.resolve(string(network))
	if err != nil {
		return network
	}
	return resolved
}

func (s *Server) requestContext(c *gin.Context) (context.Context, context.CancelFunc) {
	if s.requestTimeout > 0 {
		return context.WithTimeout(c.Request.Context(), s.requestTimeout)
	}
	return context.WithCancel(c.Request.Context())
}

// errorStatus maps an error of the taxonomy to its HTTP status and logs it
func (s *Server) errorStatus(c *gin.Context, op string, err error) int {
	fields := []zap.Field{
		zap.String("request_id", c.GetString(requestIDKey)),
		zap.String("op", op),
		zap.Error(err),
	}

	var (
		validationErr *x402.ValidationError
		guardErr      *x402.EconomicGuardError
	)
	switch {
	case errors.As(err, &validationErr):
		s.logger.Info("request rejected", fields...)
		return http.StatusBadRequest
	case errors.As(err, &guardErr):
		s.logger.Info("request rejected", fields...)
		return http.StatusUnprocessableEntity
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		s.logger.Warn("request timed out", fields...)
		return http.StatusGatewayTimeout
	default:
		s.logger.Error("request failed", fields...)
		return http.StatusInternalServerError
	}
}
