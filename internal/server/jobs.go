package server

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"
	jobdomain "github.com/plotline/plotline/internal/importjob/domain"
)

type jobResponse struct {
	ID              string          `json:"id"`
	Stage           string          `json:"stage"`
	RequestedStatus string          `json:"requested_status"`
	DatasetID       string          `json:"dataset_id,omitempty"`
	MappingID       string          `json:"mapping_id"`
	ScheduleID      string          `json:"schedule_id,omitempty"`
	RowsSeen        int64           `json:"rows_seen"`
	RowsSucceeded   int64           `json:"rows_succeeded"`
	RowsFailed      int64           `json:"rows_failed"`
	Checkpoint      int64           `json:"checkpoint"`
	LastError       string          `json:"last_error,omitempty"`
	ErrorLog        json.RawMessage `json:"error_log,omitempty"`
}

func jobView(job *jobdomain.Job) jobResponse {
	resp := jobResponse{
		ID:              job.ID.String(),
		Stage:           string(job.Stage),
		RequestedStatus: string(job.RequestedStatus),
		MappingID:       job.MappingID.String(),
		RowsSeen:        job.RowsSeen,
		RowsSucceeded:   job.RowsSucceeded,
		RowsFailed:      job.RowsFailed,
		Checkpoint:      job.Checkpoint,
		LastError:       job.LastError,
		ErrorLog:        json.RawMessage(job.ErrorLog),
	}
	if job.DatasetID != nil {
		resp.DatasetID = job.DatasetID.String()
	}
	if job.ScheduleID != nil {
		resp.ScheduleID = job.ScheduleID.String()
	}
	return resp
}

type createJobRequest struct {
	DatasetID string `json:"dataset_id"`
	MappingID string `json:"mapping_id"`
}

// CreateJob enqueues an import for an uploaded dataset. The worker picks
// the pending job up on its next poll, or POST /v1/jobs/run drains it now.
func (s *Server) CreateJob(c *gin.Context) {
	var req createJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	datasetID, err := parseID(req.DatasetID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	mappingID, err := parseID(req.MappingID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	job, err := s.jobs.CreateForDataset(c.Request.Context(), currentUser(c).ID, datasetID, mappingID)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"data": jobView(job)})
}

func (s *Server) GetJob(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, jobdomain.ErrJobNotFound)
		return
	}
	job, err := s.jobs.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !canAccess(c, job.OwnerID) {
		AbortWithError(c, jobdomain.ErrJobNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": jobView(job)})
}

// CancelJob records the owner's intent; the worker stops the job at the
// next stage boundary.
func (s *Server) CancelJob(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, jobdomain.ErrJobNotFound)
		return
	}
	job, err := s.jobs.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !canAccess(c, job.OwnerID) {
		AbortWithError(c, jobdomain.ErrJobNotFound)
		return
	}

	if err := s.jobs.Cancel(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "cancel_requested"})
}

type runJobsRequest struct {
	Limit      int `json:"limit"`
	Iterations int `json:"iterations"`
}

// RunJobs drains pending jobs synchronously. Operational and test use;
// production deployments rely on the polling worker.
func (s *Server) RunJobs(c *gin.Context) {
	var req runJobsRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			AbortWithError(c, ErrInvalidRequest)
			return
		}
	}

	ctx := c.Request.Context()
	before, err := s.jobs.CountByStage(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	ran, err := s.worker.DrainJobs(ctx, req.Limit, req.Iterations)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	after, err := s.jobs.CountByStage(ctx)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"jobs_run": ran,
		"before":   before,
		"after":    after,
	})
}
