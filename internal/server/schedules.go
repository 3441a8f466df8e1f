package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
)

type createScheduleRequest struct {
	Name            string `json:"name"`
	URL             string `json:"url"`
	Format          string `json:"format"`
	MappingID       string `json:"mapping_id"`
	IntervalMinutes int    `json:"interval_minutes"`
}

type scheduleResponse struct {
	ID              string `json:"id"`
	Name            string `json:"name"`
	URL             string `json:"url"`
	Format          string `json:"format"`
	MappingID       string `json:"mapping_id"`
	IntervalMinutes int    `json:"interval_minutes"`
	Enabled         bool   `json:"enabled"`
	NextRunAt       string `json:"next_run_at,omitempty"`
	LastStatus      string `json:"last_status,omitempty"`
}

func scheduleView(sched *scheduledomain.Schedule) scheduleResponse {
	resp := scheduleResponse{
		ID:              sched.ID.String(),
		Name:            sched.Name,
		URL:             sched.URL,
		Format:          string(sched.Format),
		MappingID:       sched.MappingID.String(),
		IntervalMinutes: sched.IntervalMinutes,
		Enabled:         sched.Enabled,
		LastStatus:      sched.LastStatus,
	}
	if sched.NextRunAt != nil {
		resp.NextRunAt = sched.NextRunAt.UTC().Format(time.RFC3339)
	}
	return resp
}

// CreateSchedule registers a recurring URL import. The first run lands one
// interval out; the trigger endpoint runs it sooner.
func (s *Server) CreateSchedule(c *gin.Context) {
	var req createScheduleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	format, ok := datasetdomain.ParseFormat(strings.TrimSpace(req.Format))
	if !ok {
		AbortWithError(c, datasetdomain.ErrUnsupportedFormat)
		return
	}
	mappingID, err := parseID(req.MappingID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	if req.URL == "" || req.IntervalMinutes <= 0 {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	sched, err := s.schedules.Create(c.Request.Context(), currentUser(c).ID,
		strings.TrimSpace(req.Name), req.URL, format, mappingID,
		time.Duration(req.IntervalMinutes)*time.Minute)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": scheduleView(sched)})
}

// DeleteSchedule removes a schedule and frees its active-schedules quota
// slot. Jobs already enqueued keep running.
func (s *Server) DeleteSchedule(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, scheduledomain.ErrScheduleNotFound)
		return
	}
	sched, err := s.schedules.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !canAccess(c, sched.OwnerID) {
		AbortWithError(c, scheduledomain.ErrScheduleNotFound)
		return
	}

	if err := s.schedules.Delete(c.Request.Context(), sched); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "deleted"})
}

// TriggerImport runs a schedule immediately. The job comes back pending;
// the worker takes it from there.
func (s *Server) TriggerImport(c *gin.Context) {
	id, err := parseID(c.Param("schedule_id"))
	if err != nil {
		AbortWithError(c, scheduledomain.ErrScheduleNotFound)
		return
	}
	sched, err := s.schedules.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !canAccess(c, sched.OwnerID) {
		AbortWithError(c, scheduledomain.ErrScheduleNotFound)
		return
	}

	job, err := s.schedules.Trigger(c.Request.Context(), sched)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": jobView(job)})
}
