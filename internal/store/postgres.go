package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rotisserie/eris"

	"github.com/sells-group/biotech-recon/internal/db"
	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
)

// PostgresStore implements Store on a pgx pool with JSONB columns.
type PostgresStore struct {
	pool   db.Pool
	schema *model.Schema
}

// NewPostgres connects to Postgres.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig, schema *model.Schema) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return NewPostgresWithPool(pool, schema), nil
}

// NewPostgresWithPool wraps an existing pool.
func NewPostgresWithPool(pool db.Pool, schema *model.Schema) *PostgresStore {
	return &PostgresStore{pool: pool, schema: schema}
}

// Pool returns the underlying pool.
func (s *PostgresStore) Pool() db.Pool { return s.pool }

func (s *PostgresStore) Migrate(ctx context.Context) error {
	return eris.Wrap(db.Migrate(ctx, s.pool), "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

const recordColumns = `entity_id, name, name_token, scheme_id, cin, domain, fields, provenance, sources, quality_score, version, status, created_at, updated_at`

func scanRecordRow(row pgx.Row) (*recordRow, error) {
	var r recordRow
	err := row.Scan(&r.EntityID, &r.Name, &r.NameToken, &r.SchemeID, &r.CIN, &r.Domain,
		&r.Fields, &r.Provenance, &r.Sources, &r.QualityScore, &r.Version, &r.Status,
		&r.CreatedAt, &r.UpdatedAt)
	return &r, err
}

func (s *PostgresStore) GetCanonical(ctx context.Context, id model.EntityID) (*model.CanonicalRecord, error) {
	row, err := scanRecordRow(s.pool.QueryRow(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE entity_id = $1`, string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get canonical %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get canonical %s", id)
	}
	return decodeRecord(s.schema, row)
}

func (s *PostgresStore) UpsertCanonical(ctx context.Context, record model.CanonicalRecord, delta model.ChangeDelta) error {
	if delta.IsEmpty() {
		return nil
	}
	row, err := encodeRecord(s.schema, &record)
	if err != nil {
		return err
	}
	changed, err := encodeDelta(&delta)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		var (
			tag pgconn.CommandTag
			err error
		)
		if delta.VersionFrom == 0 {
			tag, err = tx.Exec(ctx,
				`INSERT INTO canonical_records (`+recordColumns+`)
				 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
				 ON CONFLICT (entity_id) DO NOTHING`,
				row.EntityID, row.Name, row.NameToken, row.SchemeID, row.CIN, row.Domain,
				row.Fields, row.Provenance, row.Sources, row.QualityScore, row.Version, row.Status,
				row.CreatedAt, row.UpdatedAt)
		} else {
			tag, err = tx.Exec(ctx,
				`UPDATE canonical_records SET name = $2, name_token = $3, scheme_id = $4, cin = $5,
				 domain = $6, fields = $7, provenance = $8, sources = $9, quality_score = $10,
				 version = $11, status = $12, updated_at = $13
				 WHERE entity_id = $1 AND version = $14`,
				row.EntityID, row.Name, row.NameToken, row.SchemeID, row.CIN, row.Domain,
				row.Fields, row.Provenance, row.Sources, row.QualityScore, row.Version, row.Status,
				row.UpdatedAt, delta.VersionFrom)
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return resilience.Permanent(eris.Wrapf(ErrDuplicateIdentifier,
				"postgres: write canonical %s: %s", record.EntityID, pgErr.ConstraintName))
		}
		if err != nil {
			return eris.Wrapf(err, "postgres: write canonical %s", record.EntityID)
		}
		if tag.RowsAffected() == 0 {
			var stored int
			if err := tx.QueryRow(ctx,
				`SELECT version FROM canonical_records WHERE entity_id = $1`, row.EntityID,
			).Scan(&stored); err != nil && !errors.Is(err, pgx.ErrNoRows) {
				return eris.Wrapf(err, "postgres: read version of %s", record.EntityID)
			}
			if stored != record.Version {
				return resilience.Permanent(eris.Wrapf(ErrVersionConflict,
					"postgres: %s is at version %d, write expects %d", record.EntityID, stored, delta.VersionFrom))
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO change_deltas (entity_id, version_from, version_to, run_id, changed_fields, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 ON CONFLICT (entity_id, version_to) DO NOTHING`,
			row.EntityID, delta.VersionFrom, delta.VersionTo, delta.RunID, changed, delta.CreatedAt.UTC(),
		); err != nil {
			return eris.Wrapf(err, "postgres: append delta for %s", record.EntityID)
		}
		return nil
	})
}

func (s *PostgresStore) FindCandidates(ctx context.Context, keys model.CandidateKeys) ([]model.CanonicalRecord, error) {
	if keys.Empty() {
		return nil, nil
	}
	var (
		conds []string
		args  []any
	)
	for _, k := range []struct {
		col  string
		vals []string
	}{
		{"scheme_id", keys.SchemeIDs},
		{"cin", keys.CINs},
		{"domain", keys.Domains},
		{"name_token", keys.NameTokens},
	} {
		if len(k.vals) == 0 {
			continue
		}
		args = append(args, k.vals)
		conds = append(conds, fmt.Sprintf("%s = ANY($%d)", k.col, len(args)))
	}
	query := `SELECT ` + recordColumns + ` FROM canonical_records WHERE ` +
		strings.Join(conds, " OR ") + ` ORDER BY entity_id`
	return s.queryRecords(ctx, "find candidates", query, args...)
}

func (s *PostgresStore) ListCanonical(ctx context.Context, filter ListFilter) ([]model.CanonicalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM canonical_records WHERE true`
	var args []any
	if filter.Status != "" {
		args = append(args, string(filter.Status))
		query += fmt.Sprintf(` AND status = $%d`, len(args))
	}
	args = append(args, listLimit(filter.Limit))
	query += fmt.Sprintf(` ORDER BY entity_id LIMIT $%d`, len(args))
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}
	return s.queryRecords(ctx, "list canonical", query, args...)
}

func (s *PostgresStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.CanonicalRecord, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: %s", op)
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		row, err := scanRecordRow(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "postgres: %s scan", op)
		}
		r, err := decodeRecord(s.schema, row)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, eris.Wrapf(rows.Err(), "postgres: %s iterate", op)
}

func (s *PostgresStore) ListDeltas(ctx context.Context, id model.EntityID) ([]model.ChangeDelta, error) {
	query := `SELECT entity_id, version_from, version_to, run_id, changed_fields, created_at FROM change_deltas`
	var args []any
	if id != "" {
		query += ` WHERE entity_id = $1`
		args = append(args, string(id))
	}
	query += ` ORDER BY entity_id, version_to`

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list deltas")
	}
	defer rows.Close()

	var out []model.ChangeDelta
	for rows.Next() {
		var (
			d       model.ChangeDelta
			eid     string
			changed []byte
		)
		if err := rows.Scan(&eid, &d.VersionFrom, &d.VersionTo, &d.RunID, &changed, &d.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan delta")
		}
		d.EntityID = model.EntityID(eid)
		d.CreatedAt = d.CreatedAt.UTC()
		if err := decodeDelta(s.schema, &d, changed); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list deltas iterate")
}

func (s *PostgresStore) RecordExtraction(ctx context.Context, e model.ExtractionLogEntry) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO extraction_log (run_id, source_id, url, status, fields_found, error, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.RunID, e.SourceID, e.URL, string(e.Status), e.FieldsFound, e.Error, e.CreatedAt.UTC())
	return eris.Wrapf(err, "postgres: record extraction %s", e.URL)
}

func (s *PostgresStore) ListExtractions(ctx context.Context, runID string) ([]model.ExtractionLogEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT run_id, source_id, url, status, fields_found, error, created_at
		 FROM extraction_log WHERE run_id = $1 ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list extractions")
	}
	defer rows.Close()

	var out []model.ExtractionLogEntry
	for rows.Next() {
		var (
			e      model.ExtractionLogEntry
			status string
		)
		if err := rows.Scan(&e.RunID, &e.SourceID, &e.URL, &status, &e.FieldsFound, &e.Error, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan extraction")
		}
		e.Status = model.ExtractionStatus(status)
		e.CreatedAt = e.CreatedAt.UTC()
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list extractions iterate")
}

func (s *PostgresStore) SaveRunReport(ctx context.Context, report *model.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run report")
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO run_reports (run_id, started_at, finished_at, aborted, report)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (run_id) DO UPDATE SET finished_at = EXCLUDED.finished_at,
		 aborted = EXCLUDED.aborted, report = EXCLUDED.report`,
		report.RunID, report.StartedAt.UTC(), report.FinishedAt.UTC(), report.Aborted, data)
	return eris.Wrapf(err, "postgres: save run report %s", report.RunID)
}

func (s *PostgresStore) GetRunReport(ctx context.Context, runID string) (*model.RunReport, error) {
	var data []byte
	err := s.pool.QueryRow(ctx, `SELECT report FROM run_reports WHERE run_id = $1`, runID).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "postgres: get run report %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get run report %s", runID)
	}
	var r model.RunReport
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, eris.Wrap(err, "postgres: unmarshal run report")
	}
	return &r, nil
}
