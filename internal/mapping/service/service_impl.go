package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/bwmarrin/snowflake"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	"github.com/plotline/plotline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

// Service validates and stores field mappings. Resolution itself stays a
// pure function; this layer only adds persistence around it.
type Service struct {
	log      *zap.Logger
	genID    *snowflake.Node
	repo     repository.Repository[mappingdomain.FieldMapping]
	datasets repository.Repository[datasetdomain.Dataset]
}

func New(p Params) *Service {
	return &Service{
		log:      p.Log.Named("mapping.service"),
		genID:    p.GenID,
		repo:     repository.ProvideStore[mappingdomain.FieldMapping](p.DB),
		datasets: repository.ProvideStore[datasetdomain.Dataset](p.DB),
	}
}

// Create resolves the graph against the dataset's detected columns and
// persists it when valid. Warnings do not block storage.
func (s *Service) Create(ctx context.Context, ownerID, datasetID snowflake.ID, name string, graph mappingdomain.Graph, reusable bool) (*mappingdomain.FieldMapping, []mappingdomain.Warning, error) {
	dataset, err := s.datasets.FindOne(ctx, &datasetdomain.Dataset{ID: datasetID})
	if err != nil {
		return nil, nil, err
	}
	if dataset == nil {
		return nil, nil, datasetdomain.ErrDatasetNotFound
	}

	columns, err := dataset.SourceColumns()
	if err != nil {
		return nil, nil, fmt.Errorf("decode dataset columns: %w", err)
	}

	_, warnings, err := Resolve(graph, mappingdomain.TargetSchema(), columns)
	if err != nil {
		return nil, nil, err
	}

	raw, err := json.Marshal(graph)
	if err != nil {
		return nil, nil, err
	}
	fm := &mappingdomain.FieldMapping{
		ID:        s.genID.Generate(),
		OwnerID:   ownerID,
		DatasetID: datasetID,
		Name:      name,
		Graph:     datatypes.JSON(raw),
		Reusable:  reusable,
	}
	if err := s.repo.Create(ctx, fm); err != nil {
		return nil, nil, err
	}
	s.log.Info("mapping stored",
		zap.String("mapping_id", fm.ID.String()),
		zap.String("dataset_id", datasetID.String()),
		zap.Int("warnings", len(warnings)),
	)
	return fm, warnings, nil
}

// Get loads a stored mapping and decodes its graph.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*mappingdomain.FieldMapping, mappingdomain.Graph, error) {
	fm, err := s.repo.FindOne(ctx, &mappingdomain.FieldMapping{ID: id})
	if err != nil {
		return nil, mappingdomain.Graph{}, err
	}
	if fm == nil {
		return nil, mappingdomain.Graph{}, mappingdomain.ErrMappingNotFound
	}
	var graph mappingdomain.Graph
	if err := json.Unmarshal(fm.Graph, &graph); err != nil {
		return nil, mappingdomain.Graph{}, fmt.Errorf("decode mapping graph: %w", err)
	}
	return fm, graph, nil
}
