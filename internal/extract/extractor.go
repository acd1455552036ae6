package extract

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
)

// Options tunes an Extractor.
type Options struct {
	// Timeout bounds a single capability call. Zero means 60s.
	Timeout time.Duration
	// RequestsPerSecond limits capability calls across workers. Zero
	// disables limiting.
	RequestsPerSecond float64
	// Retry applies to transient capability errors.
	Retry resilience.Policy
	// Weights scale extracted confidence per source ID. Missing means 1.
	Weights map[string]float64
}

// Extractor runs the capability for an observation and validates the
// result against the schema.
type Extractor struct {
	router  *Router
	schema  *model.Schema
	limiter *rate.Limiter
	timeout time.Duration
	retry   resilience.Policy
	weights map[string]float64
}

// New creates an Extractor.
func New(router *Router, schema *model.Schema, opts Options) *Extractor {
	e := &Extractor{
		router:  router,
		schema:  schema,
		timeout: opts.Timeout,
		retry:   opts.Retry,
		weights: opts.Weights,
	}
	if e.timeout <= 0 {
		e.timeout = 60 * time.Second
	}
	if e.retry.MaxAttempts == 0 {
		e.retry = resilience.DefaultPolicy().WithLogging("extract", "capability")
	}
	// A call that ran out its timeout is reported, not repeated; the next
	// run picks the observation up again.
	retryable := e.retry.Retryable
	if retryable == nil {
		retryable = resilience.IsRetryable
	}
	e.retry = e.retry.WithRetryable(func(err error) bool {
		return !errors.Is(err, ErrExtractionTimeout) && retryable(err)
	})
	if opts.RequestsPerSecond > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), max(int(opts.RequestsPerSecond), 1))
	}
	return e
}

// Schema returns the schema values are validated against.
func (e *Extractor) Schema() *model.Schema { return e.schema }

// Extract returns the partial record for obs together with per-field
// issues for values that failed schema coercion. The error wraps
// ErrExtractionTimeout or ErrExtractionMalformed, or is the context error
// when ctx itself ended.
func (e *Extractor) Extract(ctx context.Context, obs model.RawObservation) (*model.PartialRecord, []model.Issue, error) {
	capability, err := e.router.For(obs.SourceType)
	if err != nil {
		return nil, nil, eris.Wrap(ErrExtractionMalformed, err.Error())
	}

	raw, err := resilience.Retry(ctx, e.retry, func(ctx context.Context) (map[string]RawField, error) {
		if e.limiter != nil {
			if err := e.limiter.Wait(ctx); err != nil {
				return nil, eris.Wrap(err, "extract: rate limiter")
			}
		}
		callCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		fields, err := capability.Extract(callCtx, obs.RawText, e.schema)
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return nil, eris.Wrapf(ErrExtractionTimeout, "no answer within %s", e.timeout)
		}
		return fields, err
	})
	if err != nil {
		return nil, nil, classify(ctx, err)
	}

	partial := &model.PartialRecord{
		ObservationKey: obs.Key(),
		SourceID:       obs.SourceID,
		SourceType:     obs.SourceType,
		URL:            obs.URL,
		Fields:         make(map[string]model.FieldValue, len(raw)),
		ObservedAt:     obs.FetchedAt,
	}
	weight := 1.0
	if w, ok := e.weights[obs.SourceID]; ok && w > 0 {
		weight = w
	}

	var issues []model.Issue
	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, key := range keys {
		rf := raw[key]
		v, err := e.schema.Coerce(key, rf.Value)
		switch {
		case errors.Is(err, model.ErrUnknownField):
			zap.L().Debug("extract: dropping unknown field", zap.String("field", key), zap.String("source_id", obs.SourceID))
			continue
		case errors.Is(err, model.ErrEmptyValue):
			continue
		case err != nil:
			issues = append(issues, model.Issue{
				Kind:     model.IssueExtractionAnomaly,
				SourceID: obs.SourceID,
				URL:      obs.URL,
				Field:    key,
				Message:  err.Error(),
			})
			continue
		}
		partial.Fields[key] = model.FieldValue{Value: v, Confidence: model.ClampConfidence(rf.Confidence * weight)}
	}

	if len(partial.Fields) == 0 {
		return nil, issues, eris.Wrap(ErrExtractionMalformed, "no usable fields")
	}
	return partial, issues, nil
}

// classify maps capability failures onto the extraction error kinds.
// Transport failures that outlast the retry policy count as timeouts: the
// capability did not produce an answer.
func classify(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return eris.Wrap(ctx.Err(), "extract: cancelled")
	case errors.Is(err, ErrExtractionTimeout), errors.Is(err, ErrExtractionMalformed):
		return err
	default:
		return eris.Wrapf(ErrExtractionTimeout, "capability unavailable: %v", err)
	}
}
