package runner

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	datasetdomain "github.com/plotline/plotline/internal/dataset/domain"
	geocodedomain "github.com/plotline/plotline/internal/geocode/domain"
	geocodeservice "github.com/plotline/plotline/internal/geocode/service"
	mappingdomain "github.com/plotline/plotline/internal/mapping/domain"
	mappingservice "github.com/plotline/plotline/internal/mapping/service"
	quotadomain "github.com/plotline/plotline/internal/quota/domain"
	quotaservice "github.com/plotline/plotline/internal/quota/service"
	scheduledomain "github.com/plotline/plotline/internal/schedule/domain"
	"go.uber.org/zap"
)

// fetch ensures the job has a ready-to-parse dataset. Scheduled jobs
// download their source here; upload jobs already carry one.
func (r *Runner) fetch(ctx context.Context, state *runState) error {
	job := state.job
	if job.DatasetID != nil {
		return r.ensureDataset(ctx, state)
	}
	if job.ScheduleID == nil {
		return &datasetdomain.ParseError{Reason: "job has neither a dataset nor a schedule"}
	}

	sched, err := r.schedules.FindOne(ctx, &scheduledomain.Schedule{ID: *job.ScheduleID})
	if err != nil {
		return err
	}
	if sched == nil {
		return scheduledomain.ErrScheduleNotFound
	}

	dataset, err := r.datasets.Fetch(ctx, job.OwnerID, sched.Name, sched.URL, sched.Format)
	if err != nil {
		return err
	}
	if err := r.jobs.SetDataset(ctx, job.ID, dataset.ID); err != nil {
		return err
	}
	job.DatasetID = &dataset.ID
	state.dataset = dataset
	return nil
}

func (r *Runner) parse(ctx context.Context, state *runState) error {
	if err := r.ensureDataset(ctx, state); err != nil {
		return err
	}
	return r.datasets.Parse(ctx, state.dataset)
}

func (r *Runner) detectSchema(ctx context.Context, state *runState) error {
	// Reload to pick up the columns the parse stage persisted.
	state.dataset = nil
	if err := r.ensureDataset(ctx, state); err != nil {
		return err
	}
	columns, err := state.dataset.SourceColumns()
	if err != nil {
		return err
	}
	if len(columns) == 0 {
		return &datasetdomain.ParseError{Reason: "no columns detected"}
	}
	state.columns = columns
	return nil
}

func (r *Runner) resolveMapping(ctx context.Context, state *runState) error {
	if err := r.ensureColumns(ctx, state); err != nil {
		return err
	}
	_, graph, err := r.mappings.Get(ctx, state.job.MappingID)
	if err != nil {
		return err
	}
	bindings, warnings, err := mappingservice.Resolve(graph, mappingdomain.TargetSchema(), state.columns)
	if err != nil {
		return err
	}
	for _, w := range warnings {
		r.log.Debug("mapping warning",
			zap.String("job_id", state.job.ID.String()),
			zap.String("target", w.TargetField),
			zap.String("message", w.Message),
		)
	}
	state.bindings = bindings
	return nil
}

// warmGeocodeCache resolves every distinct address the materialize stage
// will need, with bounded concurrency, so the row loop hits the cache.
// Rows with valid explicit coordinates never geocode.
func (r *Runner) warmGeocodeCache(ctx context.Context, state *runState) error {
	cfg := r.holder.Get()
	if !cfg.Geocoding.Enabled {
		return nil
	}
	if err := r.ensureBindings(ctx, state); err != nil {
		return err
	}

	rows, header, err := r.datasets.OpenRows(state.dataset)
	if err != nil {
		return err
	}
	defer rows.Close()
	idx := indexBindings(state.bindings, header)

	addresses := make(map[string]struct{})
	for {
		row, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &datasetdomain.ParseError{Reason: err.Error()}
		}
		loc := idx.location(row)
		if _, _, ok := geocodeservice.ParseExplicit(loc.LatRaw, loc.LonRaw); ok {
			continue
		}
		if addr := geocodeservice.NormalizeAddress(loc.Address); addr != "" {
			addresses[addr] = struct{}{}
		}
	}
	if len(addresses) == 0 {
		return nil
	}

	work := make(chan string, len(addresses))
	for addr := range addresses {
		work <- addr
	}
	close(work)

	concurrency := cfg.Worker.GeocodeConcurrency
	if concurrency > len(addresses) {
		concurrency = len(addresses)
	}

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for addr := range work {
				_, err := r.geo.Lookup(ctx, addr)
				if err == nil ||
					errors.Is(err, geocodedomain.ErrNoResult) ||
					errors.Is(err, geocodedomain.ErrDisabled) {
					continue
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
				return
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// validate counts rows and clears the per-import and total event quotas
// before any event is written.
func (r *Runner) validate(ctx context.Context, state *runState) error {
	if err := r.ensureBindings(ctx, state); err != nil {
		return err
	}
	rows, _, err := r.datasets.OpenRows(state.dataset)
	if err != nil {
		return err
	}
	defer rows.Close()

	var count int64
	for {
		_, err := rows.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return &datasetdomain.ParseError{Reason: err.Error()}
		}
		count++
	}
	state.rowCount = count

	owner := state.job.OwnerID
	if err := quotaservice.CheckAndExplain(ctx, r.quota, owner, quotadomain.TypeEventsPerImport, count); err != nil {
		return err
	}
	return quotaservice.CheckAndExplain(ctx, r.quota, owner, quotadomain.TypeTotalEvents, count)
}

func (r *Runner) ensureDataset(ctx context.Context, state *runState) error {
	if state.dataset != nil {
		return nil
	}
	if state.job.DatasetID == nil {
		return datasetdomain.ErrDatasetNotFound
	}
	dataset, err := r.datasets.Get(ctx, *state.job.DatasetID)
	if err != nil {
		return err
	}
	state.dataset = dataset
	return nil
}

func (r *Runner) ensureColumns(ctx context.Context, state *runState) error {
	if state.columns != nil {
		return nil
	}
	if err := r.ensureDataset(ctx, state); err != nil {
		return err
	}
	columns, err := state.dataset.SourceColumns()
	if err != nil {
		return err
	}
	state.columns = columns
	return nil
}

func (r *Runner) ensureBindings(ctx context.Context, state *runState) error {
	if state.bindings != nil {
		return nil
	}
	return r.resolveMapping(ctx, state)
}

// boundIndex maps resolved bindings onto column positions in one file's
// header so the row loop can address cells directly.
type boundIndex struct {
	positions map[string]int // target field -> column index
	bindings  map[string]mappingdomain.ResolvedBinding
}

func indexBindings(bindings []mappingdomain.ResolvedBinding, header []string) *boundIndex {
	headerPos := make(map[string]int, len(header))
	for i, name := range header {
		headerPos[strings.TrimSpace(name)] = i
	}
	idx := &boundIndex{
		positions: make(map[string]int, len(bindings)),
		bindings:  make(map[string]mappingdomain.ResolvedBinding, len(bindings)),
	}
	for _, b := range bindings {
		idx.bindings[b.TargetField] = b
		if pos, ok := headerPos[b.SourceColumn]; ok {
			idx.positions[b.TargetField] = pos
		}
	}
	return idx
}

// value returns the transformed cell bound to a target field, or "" when
// the field is unbound or the row is short.
func (idx *boundIndex) value(row []string, target string) string {
	pos, ok := idx.positions[target]
	if !ok || pos >= len(row) {
		return ""
	}
	return mappingservice.ApplyTransforms(row[pos], idx.bindings[target].Transforms)
}

func (idx *boundIndex) location(row []string) geocodeservice.RowLocation {
	return geocodeservice.RowLocation{
		LatRaw:  idx.value(row, mappingdomain.FieldLatitude),
		LonRaw:  idx.value(row, mappingdomain.FieldLongitude),
		Address: idx.value(row, mappingdomain.FieldAddress),
	}
}
