package runner

import (
	"context"
	"encoding/json"
	"errors"
	"io"

	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	eventdomain "github.com/plotline/plotline/internal/event/domain"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	mappingservice "github.com/plotline/plotline/internal/mapping/service"
	obsmetrics "github.com/plotline/plotline/internal/observability/metrics"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// materialize streams rows from the checkpoint onward and commits events in
// batches. Each batch and its checkpoint advance share one transaction, and
// the insert skips rows whose (job_id, row_index) already exists, so a crash
// at any point resumes without duplicating rows or counters. Row validation
// failures mark only that row's event invalid; they never abort the batch.
func (r *Runner) materialize(ctx context.Context, state *runState) error {
	if err := r.ensureBindings(ctx, state); err != nil {
		return err
	}

	rows, header, err := r.datasets.OpenRows(state.dataset)
	if err != nil {
		return err
	}
	defer rows.Close()
	idx := indexBindings(state.bindings, header)

	batchSize := r.holder.Get().Worker.MaterializeBatch

	var (
		offset  int64 // rows read, header excluded
		batch   []*eventdomain.Event
		pending int64 // rows in the current uncommitted batch
	)

	commit := func() error {
		if len(batch) == 0 {
			return nil
		}
		var succeeded, failed int64
		for _, ev := range batch {
			if ev.ValidationStatus == eventdomain.ValidationValid {
				succeeded++
			} else {
				failed++
			}
		}
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := r.events.WithTrx(tx).BatchInsert(ctx, batch); err != nil {
				return err
			}
			return r.jobs.WithTrx(tx).AddProgress(ctx, state.job.ID, pending, succeeded, failed, offset)
		})
		if err != nil {
			return err
		}
		if err := r.quota.Increment(ctx, state.job.OwnerID, quotadomain.TypeTotalEvents, int64(len(batch))); err != nil {
			r.log.Warn("total events counter increment failed", zap.Error(err))
		}
		obsmetrics.Worker().AddRows("succeeded", int(succeeded))
		obsmetrics.Worker().AddRows("failed", int(failed))
		batch = batch[:0]
		pending = 0
		return nil
	}

	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &datasetdomain.ParseError{Reason: err.Error()}
		}
		offset++
		if offset <= state.job.Checkpoint {
			continue
		}

		event, err := r.buildEvent(ctx, state, idx, offset-1, row)
		if err != nil {
			return err
		}
		batch = append(batch, event)
		pending++

		if len(batch) >= batchSize {
			if err := commit(); err != nil {
				return err
			}
		}
	}
	return commit()
}

// buildEvent turns one row into an immutable event record. Validation
// problems are recorded on the event; only infrastructure errors (a
// geocoding outage) propagate.
func (r *Runner) buildEvent(ctx context.Context, state *runState, idx *boundIndex, rowIndex int64, row []string) (*eventdomain.Event, error) {
	var validationErrors []string

	event := &eventdomain.Event{
		ID:            r.genID.Generate(),
		OwnerID:       state.job.OwnerID,
		JobID:         state.job.ID,
		RowIndex:      rowIndex,
		SchemaVersion: mappingdomain.SchemaVersion,
		CreatedAt:     r.clock.Now(),
	}

	title := idx.value(row, mappingdomain.FieldTitle)
	if title == "" {
		validationErrors = append(validationErrors, "title is required")
	}
	event.Title = title

	if raw := idx.value(row, mappingdomain.FieldTimestamp); raw != "" {
		occurred, err := mappingservice.CoerceTimestamp(raw)
		if err != nil {
			validationErrors = append(validationErrors, err.Error())
		} else {
			event.OccurredAt = &occurred
		}
	} else {
		validationErrors = append(validationErrors, "timestamp is required")
	}

	resolution, err := r.geo.ResolveRow(ctx, idx.location(row))
	if err != nil {
		return nil, err
	}
	event.Latitude = resolution.Latitude
	event.Longitude = resolution.Longitude
	event.CoordinateSource = resolution.Source
	event.Confidence = resolution.Confidence
	event.NormalizedAddress = resolution.NormalizedAddress

	event.Description = idx.value(row, mappingdomain.FieldNotes)

	payload := make(map[string]string, len(idx.bindings))
	for target := range idx.bindings {
		if v := idx.value(row, target); v != "" {
			payload[target] = v
		}
	}
	if raw, err := json.Marshal(payload); err == nil {
		event.Payload = datatypes.JSON(raw)
	}

	if len(validationErrors) > 0 {
		event.ValidationStatus = eventdomain.ValidationInvalid
		if raw, err := json.Marshal(validationErrors); err == nil {
			event.ValidationErrors = datatypes.JSON(raw)
		}
	} else {
		event.ValidationStatus = eventdomain.ValidationValid
	}
	return event, nil
}
