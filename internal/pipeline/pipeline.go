// Package pipeline drives raw observations through extraction, resolution,
// merge, change detection and persistence, and reports the outcome of
// every observation.
package pipeline

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/biotech-recon/internal/change"
	"github.com/sells-group/biotech-recon/internal/extract"
	"github.com/sells-group/biotech-recon/internal/merge"
	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/persist"
	"github.com/sells-group/biotech-recon/internal/resilience"
	"github.com/sells-group/biotech-recon/internal/resolve"
	"github.com/sells-group/biotech-recon/internal/review"
	"github.com/sells-group/biotech-recon/internal/source"
)

// SourceFetcher fetches the observations of one configured source.
type SourceFetcher interface {
	Fetch(ctx context.Context, cfg source.Config) ([]model.RawObservation, error)
}

// FieldExtractor turns one observation into a partial record.
type FieldExtractor interface {
	Extract(ctx context.Context, obs model.RawObservation) (*model.PartialRecord, []model.Issue, error)
}

// Config tunes a Pipeline.
type Config struct {
	// Workers bounds concurrent fetch, extraction and persistence work.
	Workers int
	// RunTimeout aborts unstarted work when exceeded. Zero means no limit.
	RunTimeout time.Duration
	// SourceRetry governs fetch attempts per source.
	SourceRetry resilience.Policy
}

// Deps are the collaborators of a Pipeline. Sources, Review and Metrics
// are optional.
type Deps struct {
	Sources   SourceFetcher
	Extractor FieldExtractor
	Resolver  *resolve.Resolver
	Merger    *merge.Engine
	Persist   *persist.Coordinator
	Review    review.Sink
	Metrics   *Metrics
}

// Pipeline reconciles batches of observations into canonical records.
// Runs on one Pipeline execute one at a time: each run resolves against
// its own snapshot of the store.
type Pipeline struct {
	cfg  Config
	deps Deps

	// runSlot is held for the whole of a run.
	runSlot chan struct{}

	now      func() time.Time
	newRunID func() string
}

// New creates a Pipeline.
func New(cfg Config, deps Deps) *Pipeline {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.SourceRetry.MaxAttempts == 0 {
		cfg.SourceRetry = resilience.DefaultPolicy()
	}
	cfg.SourceRetry = cfg.SourceRetry.
		WithRetryable(func(err error) bool {
			return errors.Is(err, source.ErrSourceUnavailable) || resilience.IsRetryable(err)
		}).
		WithLogging("source", "fetch")
	return &Pipeline{
		cfg:      cfg,
		deps:     deps,
		runSlot:  make(chan struct{}, 1),
		now:      func() time.Time { return time.Now().UTC() },
		newRunID: uuid.NewString,
	}
}

// Run reconciles batch. It never returns an error: every failure is
// reported in the RunReport, and only a run timeout or a storage outage
// marks the run aborted.
func (p *Pipeline) Run(ctx context.Context, batch []model.RawObservation) *model.RunReport {
	return p.execute(ctx, p.newRunID(), func(context.Context, *runState) []model.RawObservation {
		return batch
	})
}

// RunSources fetches every source and reconciles the combined batch. A
// source that stays unavailable after retries is skipped and reported.
func (p *Pipeline) RunSources(ctx context.Context, sources []source.Config) *model.RunReport {
	return p.RunSourcesWithID(ctx, p.newRunID(), sources)
}

// RunSourcesWithID is RunSources under a run id chosen by the caller.
func (p *Pipeline) RunSourcesWithID(ctx context.Context, runID string, sources []source.Config) *model.RunReport {
	return p.execute(ctx, runID, func(ctx context.Context, rs *runState) []model.RawObservation {
		return p.fetchSources(ctx, rs, sources)
	})
}

func (p *Pipeline) execute(ctx context.Context, runID string, collect func(context.Context, *runState) []model.RawObservation) (report *model.RunReport) {
	select {
	case p.runSlot <- struct{}{}:
		defer func() { <-p.runSlot }()
	case <-ctx.Done():
		rs := newRunState(runID, p.now())
		rs.abort("run cancelled while waiting for the previous run")
		return p.finish(ctx, ctx, rs)
	}
	rs := newRunState(runID, p.now())
	rs.log.Info("pipeline: run started")

	runCtx := ctx
	if p.cfg.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, p.cfg.RunTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			rs.abort(fmt.Sprintf("internal error: %v", r))
		}
		report = p.finish(ctx, runCtx, rs)
	}()

	batch := collect(runCtx, rs)
	p.process(runCtx, rs, batch)
	return nil
}

func (p *Pipeline) finish(parent, runCtx context.Context, rs *runState) *model.RunReport {
	if err := runCtx.Err(); err != nil {
		reason := "run cancelled"
		if errors.Is(err, context.DeadlineExceeded) {
			reason = fmt.Sprintf("run timeout after %s", p.cfg.RunTimeout)
		}
		rs.abort(reason)
	}
	report := rs.seal(p.now())

	// Audit writes outlive the run deadline.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), 30*time.Second)
	defer cancel()

	if p.deps.Review != nil {
		if items := review.Pending(report.Issues); len(items) > 0 {
			if err := p.deps.Review.Publish(ctx, report.RunID, items); err != nil {
				rs.log.Warn("pipeline: publish review items", zap.Error(err))
			}
		}
	}
	if p.deps.Persist != nil {
		if err := p.deps.Persist.Store().SaveRunReport(ctx, report); err != nil {
			rs.log.Warn("pipeline: save run report", zap.Error(err))
		}
	}
	p.deps.Metrics.Observe(report)

	rs.log.Info("pipeline: run finished",
		zap.Int("observations", len(report.Observations)),
		zap.Int("new", report.NewEntities),
		zap.Int("updated", report.UpdatedEntities),
		zap.Int("unchanged", report.UnchangedEntities),
		zap.Int("conflicts", report.ResolutionConflicts),
		zap.Int("anomalies", report.ExtractionAnomalies),
		zap.Int("persistence_failures", report.PersistenceFailures),
		zap.Bool("aborted", report.Aborted),
		zap.Duration("duration", report.Duration()),
	)
	return report
}

func (p *Pipeline) fetchSources(ctx context.Context, rs *runState, sources []source.Config) []model.RawObservation {
	if p.deps.Sources == nil {
		rs.abort("no source adapters configured")
		return nil
	}
	for _, sc := range sources {
		if sc.Authoritative {
			rs.authoritative[sc.ID] = true
		}
	}

	results := make([][]model.RawObservation, len(sources))
	errs := make([]error, len(sources))
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for i, sc := range sources {
		g.Go(func() error {
			results[i], errs[i] = resilience.Retry(ctx, p.cfg.SourceRetry, func(ctx context.Context) ([]model.RawObservation, error) {
				return p.deps.Sources.Fetch(ctx, sc)
			})
			return nil
		})
	}
	_ = g.Wait()

	var batch []model.RawObservation
	for i, sc := range sources {
		if errs[i] != nil {
			if ctx.Err() != nil {
				continue
			}
			rs.addIssue(model.Issue{
				Kind:     model.IssueSourceUnavailable,
				SourceID: sc.ID,
				Message:  errs[i].Error(),
			})
			continue
		}
		rs.log.Info("pipeline: fetched source",
			zap.String("source_id", sc.ID),
			zap.Int("observations", len(results[i])),
		)
		batch = append(batch, results[i]...)
	}
	return batch
}

// item is one observation moving through the run.
type item struct {
	idx     int
	obs     model.RawObservation
	partial *model.PartialRecord
}

// entityWork is the set of observations resolved to one entity.
type entityWork struct {
	id    model.EntityID
	items []*item
}

func (w *entityWork) partials() []*model.PartialRecord {
	out := make([]*model.PartialRecord, len(w.items))
	for i, it := range w.items {
		out[i] = it.partial
	}
	return out
}

func (p *Pipeline) process(ctx context.Context, rs *runState, batch []model.RawObservation) {
	batch = slices.Clone(batch)
	slices.SortStableFunc(batch, compareObservations)
	rs.observe(batch)

	items := make([]*item, len(batch))
	for i, obs := range batch {
		items[i] = &item{idx: i, obs: obs}
	}

	p.extractAll(ctx, rs, items)
	if p.stopped(ctx, rs) {
		return
	}

	work, idx := p.resolveAll(ctx, rs, items)
	if p.stopped(ctx, rs) {
		return
	}

	p.reconcileAll(ctx, rs, idx, work)
}

func (p *Pipeline) stopped(ctx context.Context, rs *runState) bool {
	return ctx.Err() != nil || rs.aborted()
}

func compareObservations(a, b model.RawObservation) int {
	return cmp.Or(
		a.FetchedAt.Compare(b.FetchedAt),
		cmp.Compare(a.SourceID, b.SourceID),
		cmp.Compare(a.URL, b.URL),
		cmp.Compare(a.Key(), b.Key()),
	)
}

func (p *Pipeline) extractAll(ctx context.Context, rs *runState, items []*item) {
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, it := range items {
		g.Go(func() error {
			if ctx.Err() != nil {
				rs.fail(it.idx, "not started: "+ctx.Err().Error())
				return nil
			}
			p.extractOne(ctx, rs, it)
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) extractOne(ctx context.Context, rs *runState, it *item) {
	obs := it.obs
	partial, issues, err := p.deps.Extractor.Extract(ctx, obs)
	rs.addIssues(issues)

	entry := model.ExtractionLogEntry{
		RunID:     rs.runID(),
		SourceID:  obs.SourceID,
		URL:       obs.URL,
		CreatedAt: p.now(),
	}
	switch {
	case err != nil && ctx.Err() != nil:
		rs.fail(it.idx, err.Error())
		entry.Status = model.ExtractionFailed
		entry.Error = err.Error()
	case err != nil:
		kind := model.IssueExtractionMalformed
		if errors.Is(err, extract.ErrExtractionTimeout) {
			kind = model.IssueExtractionTimeout
		}
		msg := err.Error()
		if rs.isAuthoritative(obs.SourceID) {
			msg += "; authoritative source, last-known canonical values retained"
		}
		rs.addIssue(model.Issue{Kind: kind, SourceID: obs.SourceID, URL: obs.URL, Message: msg})
		rs.fail(it.idx, err.Error())
		entry.Status = model.ExtractionFailed
		entry.Error = err.Error()
		rs.log.Warn("pipeline: extraction failed",
			zap.String("source_id", obs.SourceID),
			zap.String("url", obs.URL),
			zap.Error(err),
		)
	default:
		it.partial = partial
		rs.advance(it.idx, model.StageExtracted, "")
		entry.Status = model.ExtractionSuccess
		if len(issues) > 0 {
			entry.Status = model.ExtractionPartial
		}
		entry.FieldsFound = len(partial.Fields)
	}

	if p.deps.Persist != nil {
		if err := p.deps.Persist.Store().RecordExtraction(context.WithoutCancel(ctx), entry); err != nil {
			rs.log.Warn("pipeline: record extraction", zap.String("url", obs.URL), zap.Error(err))
		}
	}
}

// resolveAll prefetches candidates for the extracted partials and resolves
// them one at a time in batch order, so identities reserved by earlier
// observations are visible to later ones.
func (p *Pipeline) resolveAll(ctx context.Context, rs *runState, items []*item) ([]*entityWork, *resolve.Index) {
	var extracted []*item
	for _, it := range items {
		if it.partial != nil {
			extracted = append(extracted, it)
		}
	}
	if len(extracted) == 0 {
		return nil, resolve.NewIndex(nil)
	}

	partials := make([]*model.PartialRecord, len(extracted))
	for i, it := range extracted {
		partials[i] = it.partial
	}
	candidates, err := p.deps.Persist.Candidates(ctx, resolve.KeysFor(partials))
	if err != nil {
		switch {
		case persist.IsOutage(err):
			rs.abort(err.Error())
		case ctx.Err() == nil:
			rs.addIssue(model.Issue{Kind: model.IssuePersistenceFailure, Message: "candidate lookup: " + err.Error()})
		}
		for _, it := range extracted {
			rs.fail(it.idx, err.Error())
		}
		return nil, nil
	}
	idx := resolve.NewIndex(candidates)
	rs.log.Debug("pipeline: candidates loaded", zap.Int("candidates", len(candidates)))

	var (
		order  []*entityWork
		byID   = map[model.EntityID]*entityWork{}
		counts = map[resolve.Outcome]int{}
	)
	for _, it := range extracted {
		if ctx.Err() != nil {
			rs.fail(it.idx, "not started: "+ctx.Err().Error())
			continue
		}
		d := p.deps.Resolver.Resolve(idx, it.partial)
		counts[d.Outcome]++
		if d.Issue != nil {
			rs.addIssue(*d.Issue)
		}
		if d.Outcome == resolve.OutcomeConflict || d.Outcome == resolve.OutcomeUnidentified {
			reason := d.Outcome.String()
			if d.Issue != nil {
				reason = d.Issue.Message
			}
			rs.fail(it.idx, reason)
			continue
		}

		rs.advance(it.idx, model.StageResolved, d.EntityID)
		w, ok := byID[d.EntityID]
		if !ok {
			w = &entityWork{id: d.EntityID}
			byID[d.EntityID] = w
			order = append(order, w)
		}
		w.items = append(w.items, it)
	}

	rs.log.Info("pipeline: resolution complete",
		zap.Int("entities", len(order)),
		zap.Int("matched", counts[resolve.OutcomeMatched]),
		zap.Int("new", counts[resolve.OutcomeNew]),
		zap.Int("conflicts", counts[resolve.OutcomeConflict]),
		zap.Int("unidentified", counts[resolve.OutcomeUnidentified]),
	)
	return order, idx
}

// errNoFields means a merge produced a record with no accepted value.
var errNoFields = eris.New("pipeline: no field value passed validation")

func (p *Pipeline) reconcileAll(ctx context.Context, rs *runState, idx *resolve.Index, work []*entityWork) {
	g := new(errgroup.Group)
	g.SetLimit(p.cfg.Workers)
	for _, w := range work {
		g.Go(func() error {
			if p.stopped(ctx, rs) {
				idx.Release(w.id)
				p.failAll(rs, w, "not started: "+rs.abortReason())
				return nil
			}
			p.reconcile(ctx, rs, idx, w)
			return nil
		})
	}
	_ = g.Wait()
}

// reconcile merges, diffs and persists one entity under its lock.
func (p *Pipeline) reconcile(ctx context.Context, rs *runState, idx *resolve.Index, w *entityWork) {
	log := rs.log.With(zap.String("entity_id", string(w.id)))

	err := p.deps.Persist.Apply(ctx, w.id, func(ctx context.Context) error {
		prior, err := p.deps.Persist.Load(ctx, w.id)
		if err != nil {
			return err
		}

		now := p.now()
		merged, issues := p.deps.Merger.Merge(w.id, w.partials(), prior, now)
		rs.addIssues(issues)
		if len(merged.Fields) == 0 {
			return errNoFields
		}
		p.advanceAll(rs, w, model.StageMerged)

		next, delta := change.Detect(prior, merged, rs.runID(), now)
		p.advanceAll(rs, w, model.StageChangeChecked)

		if delta.IsEmpty() {
			idx.Commit(&next)
			rs.unchanged()
			p.advanceAll(rs, w, model.StagePersisted)
			log.Debug("pipeline: entity unchanged", zap.Int("version", next.Version))
			return nil
		}

		if err := p.deps.Persist.Upsert(ctx, next, delta); err != nil {
			return err
		}
		idx.Commit(&next)
		rs.wrote(prior == nil, delta)
		p.advanceAll(rs, w, model.StagePersisted)
		log.Info("pipeline: entity persisted",
			zap.Int("version", next.Version),
			zap.Strings("changed", delta.Fields()),
		)
		return nil
	})
	if err == nil {
		return
	}

	// Observations fail at the stage they were attempting.
	idx.Release(w.id)
	p.failAll(rs, w, err.Error())

	switch {
	case persist.IsOutage(err):
		rs.abort(err.Error())
	case errors.Is(err, errNoFields):
		log.Warn("pipeline: entity has no valid fields")
	case ctx.Err() != nil:
	default:
		rs.addIssue(model.Issue{
			Kind:     model.IssuePersistenceFailure,
			EntityID: w.id,
			Message:  err.Error(),
		})
		log.Error("pipeline: entity failed", zap.Error(err))
	}
}

func (p *Pipeline) advanceAll(rs *runState, w *entityWork, stage model.Stage) {
	for _, it := range w.items {
		rs.advance(it.idx, stage, "")
	}
}

func (p *Pipeline) failAll(rs *runState, w *entityWork, reason string) {
	for _, it := range w.items {
		rs.fail(it.idx, reason)
	}
}
