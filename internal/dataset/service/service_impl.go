package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/plotline/plotline/internal/config"
	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	"github.com/plotline/plotline/internal/dataset/parser"
	"github.com/plotline/plotline/internal/dataset/storage"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	quotaservice "github.com/plotline/plotline/internal/quota/service"
	"github.com/plotline/plotline/pkg/repository"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const fetchTimeout = 30 * time.Second

type Params struct {
	fx.In

	DB     *gorm.DB
	Log    *zap.Logger
	GenID  *snowflake.Node
	Store  *storage.Store
	Holder *config.ImportConfigHolder
	Quota  quotadomain.Service
}

type Service struct {
	log    *zap.Logger
	genID  *snowflake.Node
	store  *storage.Store
	holder *config.ImportConfigHolder
	quota  quotadomain.Service
	repo   repository.Repository[datasetdomain.Dataset]
	client *http.Client
}

func New(p Params) *Service {
	return &Service{
		log:    p.Log.Named("dataset.service"),
		genID:  p.GenID,
		store:  p.Store,
		holder: p.Holder,
		quota:  p.Quota,
		repo:   repository.ProvideStore[datasetdomain.Dataset](p.DB),
		client: &http.Client{Timeout: fetchTimeout},
	}
}

// Upload stores an uploaded file and parses it synchronously so the caller
// gets columns and sample rows back in one round trip.
func (s *Service) Upload(ctx context.Context, ownerID snowflake.ID, name string, format datasetdomain.Format, r io.Reader) (*datasetdomain.Dataset, error) {
	if err := quotaservice.CheckAndExplain(ctx, s.quota, ownerID, quotadomain.TypeUploadsPerDay, 1); err != nil {
		return nil, err
	}
	dataset, err := s.ingest(ctx, ownerID, name, format, datasetdomain.SourceUpload, "", r)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Increment(ctx, ownerID, quotadomain.TypeUploadsPerDay, 1); err != nil {
		s.log.Warn("upload counter increment failed", zap.Error(err))
	}
	return dataset, nil
}

// Fetch downloads a scheduled URL source and stores it like an upload.
func (s *Service) Fetch(ctx context.Context, ownerID snowflake.ID, name, url string, format datasetdomain.Format) (*datasetdomain.Dataset, error) {
	if err := quotaservice.CheckAndExplain(ctx, s.quota, ownerID, quotadomain.TypeURLFetchesPerDay, 1); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %v: %w", url, err, datasetdomain.ErrFetch)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: unexpected status %d: %w", url, resp.StatusCode, datasetdomain.ErrFetch)
	}

	dataset, err := s.ingest(ctx, ownerID, name, format, datasetdomain.SourceURL, url, resp.Body)
	if err != nil {
		return nil, err
	}
	if err := s.quota.Increment(ctx, ownerID, quotadomain.TypeURLFetchesPerDay, 1); err != nil {
		s.log.Warn("fetch counter increment failed", zap.Error(err))
	}
	return dataset, nil
}

func (s *Service) ingest(ctx context.Context, ownerID snowflake.ID, name string, format datasetdomain.Format, source datasetdomain.Source, sourceURL string, r io.Reader) (*datasetdomain.Dataset, error) {
	decision, err := s.quota.Check(ctx, ownerID, quotadomain.TypeMaxFileSizeBytes, 0)
	if err != nil {
		return nil, err
	}
	maxBytes := decision.Limit
	if maxBytes == quotadomain.Unlimited {
		maxBytes = 0
	}

	key, size, err := s.store.Save(r, maxBytes)
	if err != nil {
		if err == datasetdomain.ErrFileTooLarge {
			return nil, &quotadomain.ExceededError{Quota: quotadomain.TypeMaxFileSizeBytes, Current: maxBytes + 1, Limit: maxBytes}
		}
		return nil, err
	}

	dataset := &datasetdomain.Dataset{
		ID:          s.genID.Generate(),
		OwnerID:     ownerID,
		Name:        name,
		Source:      source,
		SourceURL:   sourceURL,
		StorageKey:  key,
		Format:      format,
		SizeBytes:   size,
		ParseStatus: datasetdomain.ParsePending,
	}
	if err := s.repo.Create(ctx, dataset); err != nil {
		s.store.Delete(key)
		return nil, err
	}
	if err := s.Parse(ctx, dataset); err != nil {
		// The record stays in failed state for the owner to inspect.
		s.log.Warn("dataset parse failed",
			zap.String("dataset_id", dataset.ID.String()),
			zap.Error(err),
		)
		return dataset, err
	}
	return dataset, nil
}

// Parse runs schema detection over the stored bytes and transitions the
// record to ready or failed. Ready datasets are immutable and re-parsing is
// a no-op.
func (s *Service) Parse(ctx context.Context, dataset *datasetdomain.Dataset) error {
	if dataset.ParseStatus == datasetdomain.ParseReady {
		return nil
	}
	if err := s.setStatus(ctx, dataset, datasetdomain.ParseParsing, ""); err != nil {
		return err
	}

	blob, err := s.store.Open(dataset.StorageKey)
	if err != nil {
		s.setStatus(ctx, dataset, datasetdomain.ParseFailed, err.Error())
		return err
	}
	defer blob.Close()

	result, err := parser.Detect(blob, dataset.Format, s.holder.Get().Parsing)
	if err != nil {
		s.setStatus(ctx, dataset, datasetdomain.ParseFailed, err.Error())
		return err
	}

	columns, err := json.Marshal(result.Columns)
	if err != nil {
		return err
	}
	samples, err := json.Marshal(result.SampleRows)
	if err != nil {
		return err
	}
	dataset.Columns = datatypes.JSON(columns)
	dataset.SampleRows = datatypes.JSON(samples)
	dataset.ParseStatus = datasetdomain.ParseReady
	dataset.ParseError = ""
	if err := s.repo.Update(ctx, dataset.ID.String(), map[string]any{
		"columns":      dataset.Columns,
		"sample_rows":  dataset.SampleRows,
		"parse_status": datasetdomain.ParseReady,
		"parse_error":  "",
	}); err != nil {
		return err
	}
	s.log.Info("dataset ready",
		zap.String("dataset_id", dataset.ID.String()),
		zap.Int("columns", len(result.Columns)),
		zap.Int64("rows", result.RowCount),
	)
	return nil
}

// Get loads one dataset.
func (s *Service) Get(ctx context.Context, id snowflake.ID) (*datasetdomain.Dataset, error) {
	dataset, err := s.repo.FindOne(ctx, &datasetdomain.Dataset{ID: id})
	if err != nil {
		return nil, err
	}
	if dataset == nil {
		return nil, datasetdomain.ErrDatasetNotFound
	}
	return dataset, nil
}

// OpenRows opens a streaming iterator over a ready dataset's data rows.
// The returned header matches the detected column order.
func (s *Service) OpenRows(dataset *datasetdomain.Dataset) (parser.Rows, []string, error) {
	if dataset.ParseStatus != datasetdomain.ParseReady {
		return nil, nil, datasetdomain.ErrDatasetNotReady
	}
	blob, err := s.store.Open(dataset.StorageKey)
	if err != nil {
		return nil, nil, err
	}
	rows, err := parser.Open(blob, dataset.Format)
	if err != nil {
		blob.Close()
		return nil, nil, err
	}
	header, err := rows.Next()
	if err != nil {
		rows.Close()
		blob.Close()
		return nil, nil, &datasetdomain.ParseError{Reason: "file has no header row"}
	}
	return &blobRows{Rows: rows, blob: blob}, header, nil
}

// DeleteOlderThan removes datasets past the retention horizon along with
// their blobs. Returns the number of records removed.
func (s *Service) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	stale, err := s.repo.Find(ctx, &datasetdomain.Dataset{}, repository.WithOrder("created_at ASC"))
	if err != nil {
		return 0, err
	}
	var removed int64
	for _, d := range stale {
		if !d.CreatedAt.Before(cutoff) {
			continue
		}
		if err := s.repo.Delete(ctx, d.ID.String()); err != nil {
			return removed, err
		}
		if err := s.store.Delete(d.StorageKey); err != nil {
			s.log.Warn("blob cleanup failed", zap.String("key", d.StorageKey), zap.Error(err))
		}
		removed++
	}
	return removed, nil
}

func (s *Service) setStatus(ctx context.Context, dataset *datasetdomain.Dataset, status datasetdomain.ParseStatus, parseErr string) error {
	dataset.ParseStatus = status
	dataset.ParseError = parseErr
	return s.repo.Update(ctx, dataset.ID.String(), map[string]any{
		"parse_status": status,
		"parse_error":  parseErr,
	})
}

type blobRows struct {
	parser.Rows
	blob io.Closer
}

func (b *blobRows) Close() error {
	err := b.Rows.Close()
	if cerr := b.blob.Close(); err == nil {
		err = cerr
	}
	return err
}
