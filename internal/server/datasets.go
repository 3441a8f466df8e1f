package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
)

type datasetResponse struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Source      string          `json:"source"`
	Format      string          `json:"format"`
	SizeBytes   int64           `json:"size_bytes"`
	ParseStatus string          `json:"parse_status"`
	ParseError  string          `json:"parse_error,omitempty"`
	Columns     json.RawMessage `json:"columns,omitempty"`
	SampleRows  json.RawMessage `json:"sample_rows,omitempty"`
}

func datasetView(d *datasetdomain.Dataset) datasetResponse {
	return datasetResponse{
		ID:          d.ID.String(),
		Name:        d.Name,
		Source:      string(d.Source),
		Format:      string(d.Format),
		SizeBytes:   d.SizeBytes,
		ParseStatus: string(d.ParseStatus),
		ParseError:  d.ParseError,
		Columns:     json.RawMessage(d.Columns),
		SampleRows:  json.RawMessage(d.SampleRows),
	}
}

// UploadDataset ingests a multipart file upload and parses it in the same
// request, so the response already carries detected columns and samples.
func (s *Server) UploadDataset(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		AbortWithError(c, ErrInvalidRequest)
		return
	}
	format, ok := datasetdomain.ParseFormat(strings.TrimSpace(c.PostForm("format")))
	if !ok {
		AbortWithError(c, datasetdomain.ErrUnsupportedFormat)
		return
	}
	name := strings.TrimSpace(c.PostForm("name"))
	if name == "" {
		name = fileHeader.Filename
	}

	file, err := fileHeader.Open()
	if err != nil {
		AbortWithError(c, err)
		return
	}
	defer file.Close()

	dataset, err := s.datasets.Upload(c.Request.Context(), currentUser(c).ID, name, format, file)
	if err != nil {
		// A parse failure still created the record; surface both.
		if dataset != nil {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"data": datasetView(dataset)})
			return
		}
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"data": datasetView(dataset)})
}

func (s *Server) GetDataset(c *gin.Context) {
	id, err := parseID(c.Param("id"))
	if err != nil {
		AbortWithError(c, datasetdomain.ErrDatasetNotFound)
		return
	}
	dataset, err := s.datasets.Get(c.Request.Context(), id)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	if !canAccess(c, dataset.OwnerID) {
		AbortWithError(c, datasetdomain.ErrDatasetNotFound)
		return
	}

	c.JSON(http.StatusOK, gin.H{"data": datasetView(dataset)})
}
