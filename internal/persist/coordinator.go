// Package persist serializes canonical writes per entity and wraps the
// store with bounded retries and a shared storage circuit breaker.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
	"github.com/sells-group/biotech-recon/internal/store"
)

// ErrStorageOutage means the storage breaker is open. It is the only
// persistence error that aborts a run.
var ErrStorageOutage = eris.New("persist: storage outage")

// Config tunes retries and the outage breaker.
type Config struct {
	MaxAttempts      int `mapstructure:"max_attempts"`
	InitialBackoffMs int `mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `mapstructure:"max_backoff_ms"`
	// OutageThreshold is the number of consecutive storage failures, across
	// all entities, that opens the breaker.
	OutageThreshold int           `mapstructure:"outage_threshold"`
	OutageCooldown  time.Duration `mapstructure:"outage_cooldown"`
}

// Coordinator owns every canonical write of a run.
type Coordinator struct {
	store   store.Store
	policy  resilience.Policy
	breaker *resilience.Breaker

	mu    sync.Mutex
	locks map[model.EntityID]*entityLock
}

type entityLock struct {
	ch   chan struct{}
	refs int
}

// New creates a Coordinator over st.
func New(st store.Store, cfg Config) *Coordinator {
	policy := resilience.NewPolicy(cfg.MaxAttempts, cfg.InitialBackoffMs, cfg.MaxBackoffMs).
		WithLogging("store", "upsert_canonical").
		WithRetryable(retryable)

	breaker := resilience.NewBreaker(resilience.BreakerConfig{
		Threshold: cfg.OutageThreshold,
		Cooldown:  cfg.OutageCooldown,
		Counts:    countsAsOutage,
		OnStateChange: func(from, to resilience.BreakerState) {
			zap.L().Warn("persist: storage breaker",
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})

	return &Coordinator{
		store:   st,
		policy:  policy,
		breaker: breaker,
		locks:   make(map[model.EntityID]*entityLock),
	}
}

// Store returns the underlying store.
func (c *Coordinator) Store() store.Store { return c.store }

// Breaker exposes the storage breaker state.
func (c *Coordinator) Breaker() *resilience.Breaker { return c.breaker }

// Apply runs fn while holding the lock for id. Calls for the same entity
// never overlap; calls for different entities run freely.
func (c *Coordinator) Apply(ctx context.Context, id model.EntityID, fn func(ctx context.Context) error) error {
	release, err := c.acquire(ctx, id)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}

func (c *Coordinator) acquire(ctx context.Context, id model.EntityID) (func(), error) {
	c.mu.Lock()
	l, ok := c.locks[id]
	if !ok {
		l = &entityLock{ch: make(chan struct{}, 1)}
		c.locks[id] = l
	}
	l.refs++
	c.mu.Unlock()

	unref := func() {
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, id)
		}
		c.mu.Unlock()
	}

	select {
	case l.ch <- struct{}{}:
		return func() {
			<-l.ch
			unref()
		}, nil
	case <-ctx.Done():
		unref()
		return nil, eris.Wrapf(ctx.Err(), "persist: lock %s", id)
	}
}

// Load reads the stored record for id through the breaker. A missing
// record is (nil, nil).
func (c *Coordinator) Load(ctx context.Context, id model.EntityID) (*model.CanonicalRecord, error) {
	rec, err := resilience.Retry(ctx, c.policy, func(ctx context.Context) (*model.CanonicalRecord, error) {
		return resilience.Guard(ctx, c.breaker, func(ctx context.Context) (*model.CanonicalRecord, error) {
			r, err := c.store.GetCanonical(ctx, id)
			if errors.Is(err, store.ErrNotFound) {
				return nil, nil
			}
			return r, err
		})
	})
	return rec, c.classify(err, "load", id)
}

// Candidates prefetches the stored records sharing any of keys.
func (c *Coordinator) Candidates(ctx context.Context, keys model.CandidateKeys) ([]model.CanonicalRecord, error) {
	recs, err := resilience.Retry(ctx, c.policy, func(ctx context.Context) ([]model.CanonicalRecord, error) {
		return resilience.Guard(ctx, c.breaker, func(ctx context.Context) ([]model.CanonicalRecord, error) {
			return c.store.FindCandidates(ctx, keys)
		})
	})
	return recs, c.classify(err, "find candidates", "")
}

// Upsert writes record and delta atomically. An empty delta writes
// nothing. Storage failures are retried; a version conflict is not.
func (c *Coordinator) Upsert(ctx context.Context, record model.CanonicalRecord, delta model.ChangeDelta) error {
	if delta.IsEmpty() {
		return nil
	}
	err := c.policy.Do(ctx, func(ctx context.Context) error {
		return c.breaker.Execute(ctx, func(ctx context.Context) error {
			return c.store.UpsertCanonical(ctx, record, delta)
		})
	})
	return c.classify(err, "upsert", record.EntityID)
}

func (c *Coordinator) classify(err error, op string, id model.EntityID) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return eris.Wrapf(ErrStorageOutage, "persist: %s %s", op, id)
	}
	return eris.Wrapf(err, "persist: %s %s", op, id)
}

// IsOutage reports whether err should abort the run.
func IsOutage(err error) bool {
	return errors.Is(err, ErrStorageOutage)
}

func retryable(err error) bool {
	if errors.Is(err, resilience.ErrBreakerOpen) {
		return false
	}
	return resilience.RetryUnlessPermanent(err)
}

// countsAsOutage excludes failures that say nothing about storage health.
func countsAsOutage(err error) bool {
	if resilience.IsPermanent(err) || errors.Is(err, store.ErrVersionConflict) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
