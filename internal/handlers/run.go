// internal/handlers/run.go
package handlers

import (
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/javajoker/medequip-scraper/internal/models"
	"github.com/javajoker/medequip-scraper/internal/rategate"
	"github.com/javajoker/medequip-scraper/internal/services"
	"github.com/javajoker/medequip-scraper/internal/utils"
)

type RunHandler struct {
	runService *services.RunService
	gates      *rategate.Registry
}

func NewRunHandler(runService *services.RunService, gates *rategate.Registry) *RunHandler {
	return &RunHandler{
		runService: runService,
		gates:      gates,
	}
}

type StartRunRequest struct {
	Sources []services.RunRequest `json:"sources" validate:"required,min=1,dive"`
}

// POST /runs
func (h *RunHandler) StartRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		utils.BadRequestResponse(c, "Invalid request body", err.Error())
		return
	}

	if validationErrors := utils.GetValidationErrors(utils.ValidateStruct(&req)); len(validationErrors) > 0 {
		utils.ValidationErrorResponse(c, validationErrors)
		return
	}

	runID, err := h.runService.Start(c.Request.Context(), req.Sources, "api")
	if err != nil {
		utils.BadRequestResponse(c, err.Error(), nil)
		return
	}

	subject, _ := utils.GetSubjectFromContext(c)
	utils.AcceptedResponse(c, gin.H{
		"run_id":       runID,
		"status":       models.RunStatusRunning,
		"requested_by": subject,
	})
}

// GET /runs
func (h *RunHandler) GetRuns(c *gin.Context) {
	params := utils.GetPaginationParams(c)

	runs, total, err := h.runService.ListRuns(c.Request.Context(), params)
	if err != nil {
		c.Error(err)
		utils.InternalErrorResponse(c, "Failed to list runs")
		return
	}

	result := utils.CreatePaginationResult(runs, total, params)
	utils.PaginatedResponse(c, result)
}

// GET /runs/:id
func (h *RunHandler) GetRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid run ID", nil)
		return
	}

	run, err := h.runService.GetRun(c.Request.Context(), runID)
	if err != nil {
		if errors.Is(err, services.ErrRunNotFound) {
			utils.NotFoundResponse(c, "Run")
			return
		}
		c.Error(err)
		utils.InternalErrorResponse(c, "Failed to load run")
		return
	}

	utils.SuccessResponse(c, gin.H{
		"run": run,
	})
}

// POST /runs/:id/cancel
func (h *RunHandler) CancelRun(c *gin.Context) {
	runID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		utils.BadRequestResponse(c, "Invalid run ID", nil)
		return
	}

	if !h.runService.Cancel(runID) {
		utils.ConflictResponse(c, "Run is not in progress")
		return
	}

	utils.AcceptedResponse(c, gin.H{
		"run_id": runID,
	})
}

// GET /gates
func (h *RunHandler) GetGates(c *gin.Context) {
	var gates []rategate.GateStatus
	if h.gates != nil {
		gates = h.gates.Snapshot()
	}
	utils.SuccessResponse(c, gin.H{
		"gates": gates,
	})
}
