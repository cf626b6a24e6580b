package http

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"time"

	"github.com/aescanero/pipeorch/internal/application/interrupts"
	"github.com/aescanero/pipeorch/internal/application/orchestrator"
	"github.com/aescanero/pipeorch/pkg/domain"
	"github.com/aescanero/pipeorch/pkg/plan"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// PlanSubmitRequest represents a plan submission request
type PlanSubmitRequest struct {
	Plan   *domain.PlanGraph      `json:"plan" binding:"required"`
	Inputs map[string]interface{} `json:"inputs"`
}

// PlanSubmitResponse represents a plan submission response
type PlanSubmitResponse struct {
	PlanExecutionID string        `json:"plan_execution_id"`
	PlanID          string        `json:"plan_id"`
	Status          domain.Status `json:"status"`
	SubmittedAt     time.Time     `json:"submitted_at"`
}

// ResumeRequest carries the data handed to a suspended node execution
type ResumeRequest struct {
	Data map[string]interface{} `json:"data"`
}

// InterruptRequest represents an interrupt registration request
type InterruptRequest struct {
	ID        string               `json:"id"`
	Type      domain.InterruptType `json:"type" binding:"required"`
	CreatedBy string               `json:"created_by"`
	Statuses  []domain.Status      `json:"statuses"`
}

// AbortRequest represents an abort request. Empty statuses abort every
// finalizable node execution.
type AbortRequest struct {
	CreatedBy string          `json:"created_by"`
	Statuses  []domain.Status `json:"statuses"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	code := http.StatusOK
	status := "healthy"

	if s.health != nil {
		workerHealth := s.health.GetStatus()
		checks["workers"] = workerHealth
		if !workerHealth.Healthy {
			code = http.StatusServiceUnavailable
			status = "unhealthy"
		}
	}

	c.JSON(code, gin.H{
		"status":            status,
		"timestamp":         time.Now().UTC(),
		"active_executions": s.orchestrator.ActiveExecutions(),
		"checks":            checks,
	})
}

// handleSubmitPlan accepts a JSON graph or a YAML plan document
func (s *Server) handleSubmitPlan(c *gin.Context) {
	var (
		graph  *domain.PlanGraph
		inputs map[string]interface{}
	)

	if isYAML(c.GetHeader("Content-Type")) {
		raw, err := io.ReadAll(c.Request.Body)
		if err != nil {
			badRequest(c, err)
			return
		}
		graph, err = plan.Parse(raw)
		if err != nil {
			s.logger.Warn("invalid plan document", zap.Error(err))
			c.JSON(http.StatusUnprocessableEntity, ErrorResponse{
				Error: ErrorDetail{Code: "INVALID_PLAN", Message: err.Error()},
			})
			return
		}
	} else {
		var req PlanSubmitRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			s.logger.Error("invalid request", zap.Error(err))
			badRequest(c, err)
			return
		}
		graph, inputs = req.Plan, req.Inputs
	}

	pe, err := s.orchestrator.SubmitPlan(c.Request.Context(), graph, inputs)
	if err != nil {
		s.logger.Error("failed to submit plan", zap.Error(err))
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, PlanSubmitResponse{
		PlanExecutionID: pe.ID,
		PlanID:          pe.PlanID,
		Status:          pe.Status,
		SubmittedAt:     pe.CreatedAt,
	})
}

func (s *Server) handleGetExecution(c *gin.Context) {
	pe, err := s.orchestrator.GetStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, pe)
}

func (s *Server) handleListNodes(c *gin.Context) {
	nodes, err := s.orchestrator.ListNodes(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"nodes": nodes,
		"total": len(nodes),
	})
}

func (s *Server) handleGetNode(c *gin.Context) {
	ne, err := s.orchestrator.GetNode(c.Request.Context(), c.Param("id"), c.Param("nodeId"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ne)
}

func (s *Server) handleResumeNode(c *gin.Context) {
	var req ResumeRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	planExecutionID, nodeExecutionID := c.Param("id"), c.Param("nodeId")
	if err := s.orchestrator.ResumeNode(c.Request.Context(), planExecutionID, nodeExecutionID, req.Data); err != nil {
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"plan_execution_id": planExecutionID,
		"node_execution_id": nodeExecutionID,
		"status":            "resumed",
	})
}

func (s *Server) handleRegisterInterrupt(c *gin.Context) {
	var req InterruptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}

	outcome, err := s.orchestrator.RegisterInterrupt(c.Request.Context(), &domain.Interrupt{
		ID:              req.ID,
		Type:            req.Type,
		PlanExecutionID: c.Param("id"),
		CreatedBy:       req.CreatedBy,
	}, domain.NewStatusSet(req.Statuses...))
	if err != nil {
		s.logger.Error("failed to register interrupt",
			zap.String("plan_execution_id", c.Param("id")),
			zap.Error(err))
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, outcome)
}

func (s *Server) handleListInterrupts(c *gin.Context) {
	list, err := s.orchestrator.ListInterrupts(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"interrupts": list,
		"total":      len(list),
	})
}

func (s *Server) handleAbort(c *gin.Context) {
	var req AbortRequest
	if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
		badRequest(c, err)
		return
	}

	outcome, err := s.orchestrator.Abort(c.Request.Context(), c.Param("id"), req.CreatedBy,
		domain.NewStatusSet(req.Statuses...))
	if err != nil {
		s.logger.Error("failed to abort plan execution",
			zap.String("plan_execution_id", c.Param("id")),
			zap.Error(err))
		s.writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, outcome)
}

func (s *Server) handleListBarriers(c *gin.Context) {
	list, err := s.orchestrator.ListBarriers(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"barriers": list,
		"total":    len(list),
	})
}

func (s *Server) handleGetBarrier(c *gin.Context) {
	b, err := s.orchestrator.GetBarrier(c.Request.Context(), c.Param("id"), c.Param("identifier"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, b)
}

// writeError maps orchestration errors to HTTP status codes
func (s *Server) writeError(c *gin.Context, err error) {
	code, status := "INTERNAL_ERROR", http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrPlanExecutionNotFound),
		errors.Is(err, domain.ErrNodeExecutionNotFound),
		errors.Is(err, domain.ErrInterruptNotFound),
		errors.Is(err, domain.ErrBarrierNotFound):
		code, status = "NOT_FOUND", http.StatusNotFound
	case errors.Is(err, orchestrator.ErrInvalidPlan):
		code, status = "INVALID_PLAN", http.StatusUnprocessableEntity
	case errors.Is(err, interrupts.ErrInvalidInterrupt):
		code, status = "INVALID_INTERRUPT", http.StatusBadRequest
	case errors.Is(err, domain.ErrIllegalStateTransition):
		code, status = "ILLEGAL_STATE_TRANSITION", http.StatusConflict
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{Code: code, Message: err.Error()},
	})
}

func badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{Code: "INVALID_REQUEST", Message: err.Error()},
	})
}

func isYAML(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		return true
	}
	return false
}
