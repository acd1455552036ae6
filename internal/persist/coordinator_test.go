package persist

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
	"github.com/sells-group/biotech-recon/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var now = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// flakyStore fails the first n writes before delegating.
type flakyStore struct {
	store.Store
	failures atomic.Int32
	err      error
	calls    atomic.Int32
}

func (f *flakyStore) UpsertCanonical(ctx context.Context, r model.CanonicalRecord, d model.ChangeDelta) error {
	f.calls.Add(1)
	if f.failures.Load() > 0 {
		f.failures.Add(-1)
		return f.err
	}
	return f.Store.UpsertCanonical(ctx, r, d)
}

func newSQLite(t *testing.T) store.Store {
	t.Helper()
	st, err := store.NewSQLite(filepath.Join(t.TempDir(), "persist.db"), model.DefaultSchema())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func testConfig() Config {
	return Config{MaxAttempts: 3, InitialBackoffMs: 1, MaxBackoffMs: 2, OutageThreshold: 3, OutageCooldown: time.Hour}
}

func record(id model.EntityID, version int) (model.CanonicalRecord, model.ChangeDelta) {
	r := model.CanonicalRecord{
		EntityID:  id,
		Fields:    map[string]any{model.FieldRegisteredName: "Acme Biotech"},
		Version:   version,
		Status:    model.StatusActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
	d := model.ChangeDelta{
		EntityID:      id,
		ChangedFields: map[string]model.FieldChange{model.FieldRegisteredName: {New: "Acme Biotech"}},
		VersionFrom:   version - 1,
		VersionTo:     version,
		RunID:         "run-1",
		CreatedAt:     now,
	}
	return r, d
}

func TestUpsert_EmptyDeltaIsNoop(t *testing.T) {
	fs := &flakyStore{Store: newSQLite(t)}
	c := New(fs, testConfig())

	r, _ := record("e1", 1)
	require.NoError(t, c.Upsert(context.Background(), r, model.ChangeDelta{EntityID: "e1"}))
	assert.Zero(t, fs.calls.Load())
}

func TestUpsert_RetriesTransientFailures(t *testing.T) {
	fs := &flakyStore{Store: newSQLite(t), err: errors.New("connection reset by peer")}
	fs.failures.Store(2)
	c := New(fs, testConfig())

	r, d := record("e1", 1)
	require.NoError(t, c.Upsert(context.Background(), r, d))
	assert.Equal(t, int32(3), fs.calls.Load())

	got, err := c.Load(context.Background(), "e1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestUpsert_ExhaustedRetriesAreEntityScoped(t *testing.T) {
	fs := &flakyStore{Store: newSQLite(t), err: errors.New("deadlock detected")}
	fs.failures.Store(3)
	cfg := testConfig()
	cfg.OutageThreshold = 10
	c := New(fs, cfg)

	r, d := record("e1", 1)
	err := c.Upsert(context.Background(), r, d)
	require.Error(t, err)
	assert.False(t, IsOutage(err))
	assert.Equal(t, int32(3), fs.calls.Load())
	assert.Equal(t, resilience.BreakerClosed, c.Breaker().State())
}

func TestUpsert_VersionConflictIsNotRetried(t *testing.T) {
	st := newSQLite(t)
	fs := &flakyStore{Store: st}
	c := New(fs, testConfig())
	ctx := context.Background()

	r, d := record("e1", 1)
	require.NoError(t, c.Upsert(ctx, r, d))

	stale, sd := record("e1", 3)
	sd.VersionFrom = 2
	err := c.Upsert(ctx, stale, sd)
	assert.ErrorIs(t, err, store.ErrVersionConflict)
	assert.False(t, IsOutage(err))
	assert.Equal(t, int32(2), fs.calls.Load())
	assert.Zero(t, c.Breaker().Failures())
}

func TestUpsert_BreakerOpensIntoOutage(t *testing.T) {
	fs := &flakyStore{Store: newSQLite(t), err: errors.New("connection refused")}
	fs.failures.Store(100)
	c := New(fs, testConfig())
	ctx := context.Background()

	r1, d1 := record("e1", 1)
	err := c.Upsert(ctx, r1, d1)
	require.Error(t, err)
	// Three attempts reach the threshold and open the breaker.
	assert.Equal(t, resilience.BreakerOpen, c.Breaker().State())

	r2, d2 := record("e2", 1)
	err = c.Upsert(ctx, r2, d2)
	assert.True(t, IsOutage(err))
	assert.Equal(t, int32(3), fs.calls.Load(), "open breaker short-circuits the store")
}

func TestLoad_MissingIsNil(t *testing.T) {
	c := New(newSQLite(t), testConfig())
	got, err := c.Load(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestApply_SerializesPerEntity(t *testing.T) {
	c := New(newSQLite(t), testConfig())
	ctx := context.Background()

	var (
		inFlight atomic.Int32
		maxSeen  atomic.Int32
		wg       sync.WaitGroup
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := c.Apply(ctx, "same", func(context.Context) error {
				n := inFlight.Add(1)
				if n > maxSeen.Load() {
					maxSeen.Store(n)
				}
				time.Sleep(time.Millisecond)
				inFlight.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxSeen.Load())

	c.mu.Lock()
	assert.Empty(t, c.locks, "locks are dropped once idle")
	c.mu.Unlock()
}

func TestApply_DistinctEntitiesDoNotBlock(t *testing.T) {
	c := New(newSQLite(t), testConfig())
	ctx := context.Background()

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = c.Apply(ctx, "a", func(context.Context) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered

	require.NoError(t, c.Apply(ctx, "b", func(context.Context) error { return nil }))
	close(done)
}

func TestApply_ContextCancelledWhileWaiting(t *testing.T) {
	c := New(newSQLite(t), testConfig())

	entered := make(chan struct{})
	done := make(chan struct{})
	go func() {
		_ = c.Apply(context.Background(), "a", func(context.Context) error {
			close(entered)
			<-done
			return nil
		})
	}()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	called := false
	err := c.Apply(ctx, "a", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, called)
	close(done)
}
