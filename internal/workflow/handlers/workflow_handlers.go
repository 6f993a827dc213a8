// Package handlers exposes the workflow REST API.
package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/flowforge/flowforge/internal/common/errors"
	"github.com/flowforge/flowforge/internal/common/httpmw"
	"github.com/flowforge/flowforge/internal/common/logger"
	"github.com/flowforge/flowforge/internal/workflow/dto"
	"github.com/flowforge/flowforge/internal/workflow/models"
	"github.com/flowforge/flowforge/internal/workflow/service"
)

const maxPageSize = 100

type WorkflowHandlers struct {
	service *service.Service
	logger  *logger.Logger
}

func NewWorkflowHandlers(svc *service.Service, log *logger.Logger) *WorkflowHandlers {
	return &WorkflowHandlers{
		service: svc,
		logger:  log.WithFields(zap.String("component", "workflow-handlers")),
	}
}

// RegisterWorkflowRoutes mounts the workflow API under /api/v1.
func RegisterWorkflowRoutes(router *gin.Engine, svc *service.Service, log *logger.Logger) {
	h := NewWorkflowHandlers(svc, log)
	api := router.Group("/api/v1")
	api.POST("/workflows", h.httpCreateWorkflow)
	api.GET("/workflows", h.httpListWorkflows)
	api.GET("/workflows/:id", h.httpGetWorkflow)
	api.POST("/workflows/:id/cancel", h.httpCancelWorkflow)
	api.POST("/workflows/:id/decision", h.httpResolveDecision)
}

func (h *WorkflowHandlers) httpCreateWorkflow(c *gin.Context) {
	var req dto.CreateWorkflowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	w, err := h.service.CreateWorkflow(c.Request.Context(), service.CreateRequest{
		Type:         req.Type,
		Name:         req.Name,
		Description:  req.Description,
		Requirements: req.Requirements,
		Priority:     req.Priority,
		TraceID:      httpmw.TraceIDFromContext(c),
	})
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusCreated, dto.FromWorkflow(w))
}

func (h *WorkflowHandlers) httpGetWorkflow(c *gin.Context) {
	w, err := h.service.GetWorkflow(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromWorkflow(w))
}

func (h *WorkflowHandlers) httpListWorkflows(c *gin.Context) {
	filter, page, err := parseListQuery(c)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	workflows, err := h.service.ListWorkflows(c.Request.Context(), filter, page)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}

	out := make([]dto.WorkflowDTO, 0, len(workflows))
	for _, w := range workflows {
		out = append(out, dto.FromWorkflow(w))
	}
	c.JSON(http.StatusOK, dto.ListWorkflowsResponse{Workflows: out, Total: len(out)})
}

func (h *WorkflowHandlers) httpCancelWorkflow(c *gin.Context) {
	var req dto.CancelWorkflowRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
			return
		}
	}

	w, err := h.service.CancelWorkflow(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusOK, dto.FromWorkflow(w))
}

func (h *WorkflowHandlers) httpResolveDecision(c *gin.Context) {
	var req dto.DecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid payload"})
		return
	}

	var approved bool
	switch req.Decision {
	case "approved":
		approved = true
	case "rejected":
		approved = false
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "decision must be 'approved' or 'rejected'"})
		return
	}

	id := c.Param("id")
	if err := h.service.ResolveDecision(c.Request.Context(), id, approved, req.DecidedBy, req.Reason); err != nil {
		writeError(c, h.logger, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"workflow_id": id, "decision": req.Decision})
}

func parseListQuery(c *gin.Context) (models.ListFilter, models.Page, error) {
	var filter models.ListFilter
	var page models.Page

	if status := c.Query("status"); status != "" {
		ws := models.WorkflowStatus(status)
		if !ws.Valid() {
			return filter, page, apperrors.ValidationError("status", "unknown status '"+status+"'")
		}
		filter.Status = ws
	}
	filter.Type = c.Query("type")
	if after := c.Query("created_after"); after != "" {
		ts, err := time.Parse(time.RFC3339, after)
		if err != nil {
			return filter, page, apperrors.ValidationError("created_after", "must be an RFC 3339 timestamp")
		}
		filter.CreatedAfter = ts
	}

	if limit := c.Query("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > maxPageSize {
			return filter, page, apperrors.ValidationError("limit", "must be an integer between 1 and "+strconv.Itoa(maxPageSize))
		}
		page.Limit = n
	}
	if offset := c.Query("offset"); offset != "" {
		n, err := strconv.Atoi(offset)
		if err != nil || n < 0 {
			return filter, page, apperrors.ValidationError("offset", "must be a non-negative integer")
		}
		page.Offset = n
	}
	return filter, page, nil
}
