package server

import (
	"errors"
	"net/http"
	"sort"

	"github.com/gin-gonic/gin"

	"github.com/ppiankov/crisisgraph/internal/coordinator"
	"github.com/ppiankov/crisisgraph/internal/graph"
	"github.com/ppiankov/crisisgraph/internal/model"
	"github.com/ppiankov/crisisgraph/internal/simulation"
)

// httpStatus maps coordinator errors onto response codes
func httpStatus(err error) int {
	switch {
	case graph.IsValidation(err),
		errors.Is(err, coordinator.ErrUnsupportedSignal),
		errors.Is(err, coordinator.ErrEmptySignal),
		errors.Is(err, coordinator.ErrInvalidDecision),
		errors.Is(err, simulation.ErrInvalidSpeed):
		return http.StatusBadRequest
	case errors.Is(err, graph.ErrNotFound),
		errors.Is(err, simulation.ErrUnknownScenario):
		return http.StatusNotFound
	case errors.Is(err, graph.ErrAlreadyDecided),
		errors.Is(err, graph.ErrPendingExists),
		errors.Is(err, coordinator.ErrNothingToPlan),
		errors.Is(err, simulation.ErrRunning),
		errors.Is(err, simulation.ErrNotRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := httpStatus(err)
	_ = c.Error(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		msg = "internal error"
	}
	c.JSON(code, gin.H{"error": msg})
}

func badRequest(c *gin.Context, err error) {
	_ = c.Error(err)
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
}

// bindOptional decodes a JSON body when one was sent
func bindOptional(c *gin.Context, v any) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(v); err != nil {
		badRequest(c, err)
		return false
	}
	return true
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agent_backend": s.coord.Stats().Backend})
}

func (s *Server) processSignal(c *gin.Context) {
	var req coordinator.Signal
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	out, err := s.coord.ProcessSignal(c.Request.Context(), req.Kind, req.Content, req.Metadata)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

type batchRequest struct {
	Signals []coordinator.Signal `json:"signals" binding:"required"`
}

type batchResult struct {
	coordinator.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) processBatch(c *gin.Context) {
	var req batchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	results := s.coord.ProcessBatch(c.Request.Context(), req.Signals)
	out := make([]batchResult, len(results))
	failed := 0
	for i, r := range results {
		out[i] = batchResult{Result: r}
		if r.Err != nil {
			out[i].Error = r.Err.Error()
			failed++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": out, "failed": failed})
}

func (s *Server) getGraph(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Snapshot())
}

func (s *Server) getStats(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.Stats())
}

func (s *Server) getTimeline(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"events": s.coord.Timeline()})
}

func (s *Server) getAudit(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"entries": s.coord.Audit(c.Param("id"))})
}

func (s *Server) pendingDecisions(c *gin.Context) {
	snap := s.coord.Snapshot()
	alerts := make([]model.ContradictionAlert, 0)
	for _, a := range snap.Contradictions {
		if !a.Resolved {
			alerts = append(alerts, a)
		}
	}
	actions := make([]model.ActionRecommendation, 0)
	for _, a := range snap.Actions {
		if a.Status == model.ActionPending {
			actions = append(actions, a)
		}
	}
	plans := make([]model.AllocationPlan, 0)
	for _, p := range snap.Plans {
		if p.Status == model.ActionPending {
			plans = append(plans, p)
		}
	}
	camps := make([]model.CampRecommendation, 0)
	for _, cr := range snap.Camps {
		if cr.Status == model.ActionPending {
			camps = append(camps, cr)
		}
	}
	sort.Slice(alerts, func(i, j int) bool { return alerts[i].CreatedAt.Before(alerts[j].CreatedAt) })
	sort.Slice(actions, func(i, j int) bool { return actions[i].DecisionDeadline.Before(actions[j].DecisionDeadline) })
	sort.Slice(plans, func(i, j int) bool { return plans[i].DecisionDeadline.Before(plans[j].DecisionDeadline) })
	sort.Slice(camps, func(i, j int) bool { return camps[i].DecisionDeadline.Before(camps[j].DecisionDeadline) })
	c.JSON(http.StatusOK, gin.H{"contradictions": alerts, "actions": actions, "plans": plans, "camps": camps})
}

type resolveRequest struct {
	Resolution string `json:"resolution" binding:"required"`
	DecidedBy  string `json:"decided_by"`
}

func (s *Server) resolveContradiction(c *gin.Context) {
	var req resolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	alert, err := s.coord.ResolveContradiction(c.Param("id"), req.Resolution, req.DecidedBy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, alert)
}

type decisionRequest struct {
	DecidedBy string `json:"decided_by"`
	Reason    string `json:"reason"`
}

func (s *Server) decideAction(decision string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req decisionRequest
		if !bindOptional(c, &req) {
			return
		}
		action, err := s.coord.DecideAction(c.Param("id"), decision, req.DecidedBy, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, action)
	}
}

func (s *Server) listPlans(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"plans": s.coord.Plans()})
}

func (s *Server) generatePlan(c *gin.Context) {
	p, err := s.coord.GeneratePlan(c.Request.Context())
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, p)
}

func (s *Server) decidePlan(decision string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req decisionRequest
		if !bindOptional(c, &req) {
			return
		}
		plan, err := s.coord.DecidePlan(c.Param("id"), decision, req.DecidedBy, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, plan)
	}
}

func (s *Server) listCamps(c *gin.Context) {
	status := model.ActionStatus(c.Query("status"))
	if status != "" && !status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status " + string(status)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"camps": s.coord.Camps(status)})
}

func (s *Server) decideCamp(decision string) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req decisionRequest
		if !bindOptional(c, &req) {
			return
		}
		camp, err := s.coord.DecideCamp(c.Param("id"), decision, req.DecidedBy, req.Reason)
		if err != nil {
			fail(c, err)
			return
		}
		c.JSON(http.StatusOK, camp)
	}
}

type assignRequest struct {
	IncidentID string `json:"incident_id" binding:"required"`
	DecidedBy  string `json:"decided_by"`
}

func (s *Server) assignResource(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.coord.AssignResource(c.Param("id"), req.IncidentID, req.DecidedBy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) releaseResource(c *gin.Context) {
	var req decisionRequest
	if !bindOptional(c, &req) {
		return
	}
	res, err := s.coord.ReleaseResource(c.Param("id"), req.DecidedBy)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

type changeRequest struct {
	Status string `json:"status"`
	Sector string `json:"sector"`
}

func (s *Server) changeResource(c *gin.Context) {
	var req changeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	res, err := s.coord.ChangeResource(c.Param("id"), req.Status, req.Sector)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) listScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scenarios": s.coord.Scenarios()})
}

type startRequest struct {
	ScenarioID string  `json:"scenario_id"`
	Speed      float64 `json:"speed"`
}

func (s *Server) startSimulation(c *gin.Context) {
	var req startRequest
	if !bindOptional(c, &req) {
		return
	}
	if req.Speed < 0 {
		fail(c, simulation.ErrInvalidSpeed)
		return
	}
	if err := s.coord.StartSimulation(s.base, req.ScenarioID, req.Speed); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.SimulationStatus())
}

func (s *Server) pauseSimulation(c *gin.Context) {
	if err := s.coord.PauseSimulation(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.SimulationStatus())
}

func (s *Server) resumeSimulation(c *gin.Context) {
	if err := s.coord.ResumeSimulation(); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.SimulationStatus())
}

func (s *Server) resetSimulation(c *gin.Context) {
	s.coord.ResetSimulation()
	c.JSON(http.StatusOK, s.coord.SimulationStatus())
}

type speedRequest struct {
	Speed float64 `json:"speed" binding:"required"`
}

func (s *Server) setSpeed(c *gin.Context) {
	var req speedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err)
		return
	}
	if err := s.coord.SetSimulationSpeed(req.Speed); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, s.coord.SimulationStatus())
}

func (s *Server) simulationStatus(c *gin.Context) {
	c.JSON(http.StatusOK, s.coord.SimulationStatus())
}
