package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
)

type createMappingRequest struct {
	DatasetID string              `json:"dataset_id"`
	Name      string              `json:"name"`
	Graph     mappingdomain.Graph `json:"graph"`
	Reusable  bool                `json:"reusable"`
}

// CreateMapping validates the graph against the dataset's detected columns
// and stores it. Warnings come back alongside the stored mapping.
func (s *Server) CreateMapping(c *gin.Context) {
	var req createMappingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	datasetID, err := parseID(req.DatasetID)
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}

	fm, warnings, err := s.mappings.Create(c.Request.Context(), currentUser(c).ID,
		datasetID, strings.TrimSpace(req.Name), req.Graph, req.Reusable)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"data": gin.H{
			"id":         fm.ID.String(),
			"dataset_id": fm.DatasetID.String(),
			"name":       fm.Name,
			"reusable":   fm.Reusable,
		},
		"warnings": warnings,
	})
}
