// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ensemble

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/datatypes"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/routing"
	"github.com/AleutianAI/AleutianEnsemble/services/ensemble/telemetry"
)

// ServiceVersion is reported by the health endpoint.
const ServiceVersion = "0.1.0"

// maxPolicyBytes bounds PUT /v1/ensemble/policy bodies.
const maxPolicyBytes = 32 << 20

// HTTPConfig configures the HTTP listener.
type HTTPConfig struct {
	Addr            string        `yaml:"addr" json:"addr" validate:"required"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `yaml:"write_timeout" json:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout" validate:"gt=0"`
}

// DefaultHTTPConfig returns listener defaults. WriteTimeout is zero so
// long submissions and the event stream are not cut off.
func DefaultHTTPConfig() HTTPConfig {
	return HTTPConfig{
		Addr:            ":8090",
		ReadTimeout:     30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
	}
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error   string                  `json:"error"`
	Code    string                  `json:"code,omitempty"`
	Kind    datatypes.Kind          `json:"kind,omitempty"`
	Partial []datatypes.AgentOutput `json:"partial_outputs,omitempty"`
}

// AgentInfo describes a registered agent.
type AgentInfo struct {
	Name         string                  `json:"name"`
	Priority     int                     `json:"priority"`
	Order        int                     `json:"order"`
	Capabilities datatypes.CapabilitySet `json:"capabilities"`
	Circuit      string                  `json:"circuit,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Agents  int    `json:"agents"`
}

// Handlers serves the ensemble HTTP API.
type Handlers struct {
	svc    *Service
	logger *slog.Logger
}

// NewHandlers creates handlers for svc.
func NewHandlers(svc *Service) *Handlers {
	return &Handlers{svc: svc, logger: svc.logger}
}

// NewRouter builds a gin engine with recovery, tracing and every route.
func NewRouter(h *Handlers, serviceName string) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otelgin.Middleware(serviceName))
	h.RegisterRoutes(r)
	return r
}

// RegisterRoutes mounts the API on r.
func (h *Handlers) RegisterRoutes(r gin.IRouter) {
	r.GET("/health", h.HandleHealth)
	r.GET("/metrics", gin.WrapH(telemetry.MetricsHandler()))

	v1 := r.Group("/v1/ensemble")
	{
		v1.POST("/tasks", h.HandleSubmit)
		v1.GET("/agents", h.HandleAgents)
		v1.GET("/events", h.HandleEvents)

		policy := v1.Group("/policy")
		{
			policy.GET("", h.HandlePolicyStatus)
			policy.PUT("", h.HandlePolicyImport)
			policy.GET("/export", h.HandlePolicyExport)
			policy.POST("/checkpoint", h.HandleCheckpoint)
		}
	}
}

func requestLogger(c *gin.Context, base *slog.Logger, handler string) *slog.Logger {
	id := c.GetHeader("X-Request-ID")
	if id == "" {
		id = uuid.NewString()
	}
	c.Header("X-Request-ID", id)
	return telemetry.LoggerWithTrace(c.Request.Context(), base).With(
		slog.String("request_id", id),
		slog.String("handler", handler),
	)
}

// HandleSubmit handles POST /v1/ensemble/tasks.
//
// Response:
//
//	200 OK: Result
//	400 Bad Request: malformed or invalid task
//	422 Unprocessable Entity: NoCapableAgent
//	429 Too Many Requests: admission refused
//	502 Bad Gateway: StrategyFailed or CollapseFailed, with partial outputs
//	504 Gateway Timeout: Cancelled
func (h *Handlers) HandleSubmit(c *gin.Context) {
	logger := requestLogger(c, h.logger, "HandleSubmit")

	var task datatypes.Task
	if err := c.ShouldBindJSON(&task); err != nil {
		logger.Warn("invalid request body", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid request body", Code: "INVALID_REQUEST"})
		return
	}

	res, err := h.svc.Submit(c.Request.Context(), task)
	if err != nil {
		status, resp := submitError(err)
		logger.Warn("submission failed", slog.Int("status", status), slog.String("error", err.Error()))
		c.JSON(status, resp)
		return
	}
	c.JSON(http.StatusOK, res)
}

func submitError(err error) (int, ErrorResponse) {
	resp := ErrorResponse{
		Error:   err.Error(),
		Kind:    datatypes.KindOf(err),
		Partial: datatypes.PartialOutputs(err),
	}
	switch {
	case errors.Is(err, datatypes.ErrInvalidTask):
		resp.Code = "INVALID_TASK"
		return http.StatusBadRequest, resp
	case errors.Is(err, ErrRateLimited):
		resp.Code = "RATE_LIMITED"
		return http.StatusTooManyRequests, resp
	case errors.Is(err, datatypes.ErrNoCapableAgent):
		resp.Code = "NO_CAPABLE_AGENT"
		return http.StatusUnprocessableEntity, resp
	case errors.Is(err, datatypes.ErrStrategyFailed), errors.Is(err, datatypes.ErrCollapseFailed):
		resp.Code = "EXECUTION_FAILED"
		return http.StatusBadGateway, resp
	case errors.Is(err, datatypes.ErrCancelled):
		resp.Code = "CANCELLED"
		return http.StatusGatewayTimeout, resp
	default:
		resp.Code = "INTERNAL"
		return http.StatusInternalServerError, resp
	}
}

// HandleAgents handles GET /v1/ensemble/agents.
func (h *Handlers) HandleAgents(c *gin.Context) {
	breakers := h.svc.orch.BreakerStats()
	agents := h.svc.Agents()
	out := make([]AgentInfo, 0, len(agents))
	for _, a := range agents {
		info := AgentInfo{
			Name:         a.Name,
			Priority:     a.Priority,
			Order:        a.Order,
			Capabilities: a.Capabilities,
		}
		if st, ok := breakers[a.Name]; ok {
			info.Circuit = st.State
		}
		out = append(out, info)
	}
	c.JSON(http.StatusOK, gin.H{"agents": out})
}

// HandlePolicyStatus handles GET /v1/ensemble/policy.
func (h *Handlers) HandlePolicyStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.svc.Status())
}

// HandlePolicyExport handles GET /v1/ensemble/policy/export. The body is
// the opaque checkpoint blob.
func (h *Handlers) HandlePolicyExport(c *gin.Context) {
	data, err := h.svc.ExportPolicy()
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "EXPORT_FAILED"})
		return
	}
	c.Header("Content-Disposition", `attachment; filename="routing-policy.ckpt"`)
	c.Data(http.StatusOK, "application/octet-stream", data)
}

// HandlePolicyImport handles PUT /v1/ensemble/policy with a blob produced
// by the export endpoint.
func (h *Handlers) HandlePolicyImport(c *gin.Context) {
	logger := requestLogger(c, h.logger, "HandlePolicyImport")

	data, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxPolicyBytes))
	if err != nil {
		c.JSON(http.StatusRequestEntityTooLarge, ErrorResponse{Error: err.Error(), Code: "BODY_TOO_LARGE"})
		return
	}
	if err := h.svc.ImportPolicy(data); err != nil {
		status := http.StatusInternalServerError
		code := "IMPORT_FAILED"
		if errors.Is(err, routing.ErrCorruptCheckpoint) || errors.Is(err, routing.ErrIncompatibleCheckpoint) {
			status, code = http.StatusBadRequest, "INVALID_CHECKPOINT"
		}
		logger.Warn("policy import rejected", slog.String("error", err.Error()))
		c.JSON(status, ErrorResponse{Error: err.Error(), Code: code})
		return
	}
	logger.Info("policy imported over HTTP", slog.Int("bytes", len(data)))
	c.JSON(http.StatusOK, h.svc.Status())
}

// HandleCheckpoint handles POST /v1/ensemble/policy/checkpoint.
func (h *Handlers) HandleCheckpoint(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), time.Minute)
	defer cancel()

	res, err := h.svc.Checkpoint(ctx)
	switch {
	case errors.Is(err, ErrNoCheckpointer):
		c.JSON(http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "CHECKPOINT_DISABLED"})
	case err != nil:
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "CHECKPOINT_FAILED"})
	default:
		c.JSON(http.StatusOK, res)
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:  "healthy",
		Version: ServiceVersion,
		Agents:  h.svc.registry.Len(),
	})
}
