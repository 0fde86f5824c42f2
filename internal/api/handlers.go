package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/dig-os/digd/internal/errors"
	"github.com/dig-os/digd/internal/mission"
	"github.com/dig-os/digd/internal/policy"
)

type telemetryResponse struct {
	Sample          *sampleView `json:"sample,omitempty"`
	Mode            string      `json:"mode"`
	WorkerBudgetPct int         `json:"worker_budget_percent"`
	Degraded        bool        `json:"degraded"`
}

type sampleView struct {
	Timestamp         time.Time `json:"timestamp"`
	GPUTemperatureC   float64   `json:"gpu_temperature_c"`
	CPULoadPct        float64   `json:"cpu_load_percent"`
	GPUUtilizationPct float64   `json:"gpu_utilization_percent"`
	PowerDrawW        float64   `json:"power_draw_w"`
	NetLatencyMs      float64   `json:"net_latency_ms"`
	Degraded          bool      `json:"degraded"`
}

type submitMissionRequest struct {
	ID                     string     `json:"id"`
	Title                  string     `json:"title"`
	Domain                 string     `json:"domain"`
	ValueScore             int        `json:"value_score"`
	ResourceRequirementPct int        `json:"resource_requirement_percent" binding:"required"`
	TotalEpochs            int        `json:"total_epochs" binding:"required"`
	Deadline               *time.Time `json:"deadline,omitempty"`
}

type modeRequest struct {
	Mode string `json:"mode" binding:"required"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(c *gin.Context, status int, err error) {
	c.JSON(status, errorResponse{
		Code:    string(errors.CodeOf(err)),
		Message: err.Error(),
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "digd",
	})
}

func (s *Server) handleTelemetry(c *gin.Context) {
	state := s.policyEngine.Current()
	resp := telemetryResponse{
		Mode:            state.Mode.String(),
		WorkerBudgetPct: state.WorkerBudgetPct,
		Degraded:        state.Degraded,
	}

	if sample, ok := s.collector.Latest(); ok {
		resp.Sample = &sampleView{
			Timestamp:         sample.Timestamp,
			GPUTemperatureC:   sample.GPUTemperatureC,
			CPULoadPct:        sample.CPULoadPct,
			GPUUtilizationPct: sample.GPUUtilizationPct,
			PowerDrawW:        sample.PowerDrawW,
			NetLatencyMs:      sample.NetLatencyMs,
			Degraded:          sample.Degraded,
		}
	}

	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleRuntime(c *gin.Context) {
	state := s.policyEngine.Current()

	var activeMission any
	if id, ok := s.sched.ActiveMissionID(); ok {
		activeMission = id
	}

	allocation, _ := s.reservations.Active()

	c.JSON(http.StatusOK, gin.H{
		"mode":           state.Mode.String(),
		"policy":         state,
		"allocation":     allocation,
		"active_mission": activeMission,
		"session":        s.sched.Session(),
	})
}

func (s *Server) handleListMissions(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"missions": s.catalog.List()})
}

func (s *Server) handleGetMission(c *gin.Context) {
	m, err := s.catalog.Get(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}

	c.JSON(http.StatusOK, m)
}

func (s *Server) handleSubmitMission(c *gin.Context) {
	var req submitMissionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, errors.New().Wrap(errors.ErrInvalidArgument, err))
		return
	}

	state := s.policyEngine.Current()
	m, err := s.catalog.Submit(mission.Mission{
		ID:                     req.ID,
		Title:                  req.Title,
		Domain:                 req.Domain,
		ValueScore:             req.ValueScore,
		ResourceRequirementPct: req.ResourceRequirementPct,
		TotalEpochs:            req.TotalEpochs,
		Deadline:               req.Deadline,
	}, state.MaxWorkerBudgetPct())
	if err != nil {
		switch errors.CodeOf(err) {
		case mission.ErrUnsatisfiable:
			writeError(c, http.StatusUnprocessableEntity, err)
		case mission.ErrDuplicateID:
			writeError(c, http.StatusConflict, err)
		default:
			writeError(c, http.StatusBadRequest, err)
		}
		return
	}

	s.sched.Notify()
	c.JSON(http.StatusCreated, m)
}

func (s *Server) handleCancelMission(c *gin.Context) {
	m, err := s.catalog.RequestCancel(c.Param("id"))
	if err != nil {
		writeError(c, http.StatusNotFound, err)
		return
	}

	c.JSON(http.StatusAccepted, m)
}

// handleSetMode requests a manual policy override. The override feeds the
// next policy evaluation alongside thermal state; it never bypasses the
// thermal ceiling.
func (s *Server) handleSetMode(c *gin.Context) {
	var req modeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, errors.New().Wrap(errors.ErrInvalidArgument, err))
		return
	}

	if req.Mode == "auto" {
		s.policyEngine.ClearOverride()
	} else {
		mode := policy.Mode(req.Mode)
		if !mode.IsValid() {
			writeError(c, http.StatusBadRequest,
				errors.New().WithData(errors.ErrInvalidArgument, req.Mode))
			return
		}
		s.policyEngine.SetOverride(mode)
	}

	// Re-evaluate immediately so the override takes effect this tick
	// rather than the next.
	state := s.policyEngine.Evaluate(s.collector.History(), time.Now())
	s.reservations.Apply(state)
	s.sched.Notify()

	c.JSON(http.StatusOK, gin.H{
		"mode":   state.Mode.String(),
		"policy": state,
	})
}
