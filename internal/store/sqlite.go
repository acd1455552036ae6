package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/biotech-recon/internal/model"
	"github.com/sells-group/biotech-recon/internal/resilience"
)

// SQLiteStore implements Store using modernc.org/sqlite. Timestamps are
// stored as RFC 3339 text in UTC and JSON documents as text.
type SQLiteStore struct {
	db     *sql.DB
	schema *model.Schema
}

// NewSQLite opens a SQLite database at dsn in WAL mode.
func NewSQLite(dsn string, schema *model.Schema) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	// One writer at a time keeps transactions from failing with SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close() //nolint:errcheck
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db, schema: schema}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS canonical_records (
	entity_id     TEXT PRIMARY KEY,
	name          TEXT NOT NULL DEFAULT '',
	name_token    TEXT NOT NULL DEFAULT '',
	scheme_id     TEXT NOT NULL DEFAULT '',
	cin           TEXT NOT NULL DEFAULT '',
	domain        TEXT NOT NULL DEFAULT '',
	fields        TEXT NOT NULL,
	provenance    TEXT NOT NULL,
	sources       TEXT NOT NULL DEFAULT '[]',
	quality_score REAL NOT NULL DEFAULT 0,
	version       INTEGER NOT NULL,
	status        TEXT NOT NULL DEFAULT 'active',
	created_at    TEXT NOT NULL,
	updated_at    TEXT NOT NULL
);

DROP INDEX IF EXISTS idx_canonical_scheme_id;
DROP INDEX IF EXISTS idx_canonical_cin;
CREATE UNIQUE INDEX IF NOT EXISTS uq_canonical_scheme_id ON canonical_records(scheme_id) WHERE scheme_id <> '';
CREATE UNIQUE INDEX IF NOT EXISTS uq_canonical_cin ON canonical_records(cin) WHERE cin <> '';
CREATE INDEX IF NOT EXISTS idx_canonical_domain ON canonical_records(domain);
CREATE INDEX IF NOT EXISTS idx_canonical_name_token ON canonical_records(name_token);

CREATE TABLE IF NOT EXISTS change_deltas (
	entity_id      TEXT NOT NULL REFERENCES canonical_records(entity_id),
	version_from   INTEGER NOT NULL,
	version_to     INTEGER NOT NULL,
	run_id         TEXT NOT NULL DEFAULT '',
	changed_fields TEXT NOT NULL,
	created_at     TEXT NOT NULL,
	PRIMARY KEY (entity_id, version_to)
);

CREATE TABLE IF NOT EXISTS extraction_log (
	id           INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id       TEXT NOT NULL,
	source_id    TEXT NOT NULL,
	url          TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	fields_found INTEGER NOT NULL DEFAULT 0,
	error        TEXT NOT NULL DEFAULT '',
	created_at   TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_extraction_log_run ON extraction_log(run_id);

CREATE TABLE IF NOT EXISTS run_reports (
	run_id      TEXT PRIMARY KEY,
	started_at  TEXT NOT NULL,
	finished_at TEXT NOT NULL,
	aborted     INTEGER NOT NULL DEFAULT 0,
	report      TEXT NOT NULL
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	return t.UTC(), err
}

type scanner interface {
	Scan(dest ...any) error
}

func (s *SQLiteStore) scanRecord(sc scanner) (*model.CanonicalRecord, error) {
	var (
		r                    recordRow
		fields, prov, srcs   string
		createdAt, updatedAt string
	)
	if err := sc.Scan(&r.EntityID, &r.Name, &r.NameToken, &r.SchemeID, &r.CIN, &r.Domain,
		&fields, &prov, &srcs, &r.QualityScore, &r.Version, &r.Status, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	r.Fields, r.Provenance, r.Sources = []byte(fields), []byte(prov), []byte(srcs)
	var err error
	if r.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse created_at of %s", r.EntityID)
	}
	if r.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, eris.Wrapf(err, "sqlite: parse updated_at of %s", r.EntityID)
	}
	return decodeRecord(s.schema, &r)
}

func (s *SQLiteStore) GetCanonical(ctx context.Context, id model.EntityID) (*model.CanonicalRecord, error) {
	r, err := s.scanRecord(s.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM canonical_records WHERE entity_id = ?`, string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get canonical %s", id)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get canonical %s", id)
	}
	return r, nil
}

func (s *SQLiteStore) UpsertCanonical(ctx context.Context, record model.CanonicalRecord, delta model.ChangeDelta) error {
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

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	defer tx.Rollback() //nolint:errcheck

	var res sql.Result
	if delta.VersionFrom == 0 {
		res, err = tx.ExecContext(ctx,
			`INSERT INTO canonical_records (`+recordColumns+`)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (entity_id) DO NOTHING`,
			row.EntityID, row.Name, row.NameToken, row.SchemeID, row.CIN, row.Domain,
			string(row.Fields), string(row.Provenance), string(row.Sources), row.QualityScore,
			row.Version, row.Status, formatTime(row.CreatedAt), formatTime(row.UpdatedAt))
	} else {
		res, err = tx.ExecContext(ctx,
			`UPDATE canonical_records SET name = ?, name_token = ?, scheme_id = ?, cin = ?,
			 domain = ?, fields = ?, provenance = ?, sources = ?, quality_score = ?,
			 version = ?, status = ?, updated_at = ?
			 WHERE entity_id = ? AND version = ?`,
			row.Name, row.NameToken, row.SchemeID, row.CIN, row.Domain,
			string(row.Fields), string(row.Provenance), string(row.Sources), row.QualityScore,
			row.Version, row.Status, formatTime(row.UpdatedAt), row.EntityID, delta.VersionFrom)
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) && sqlErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return resilience.Permanent(eris.Wrapf(ErrDuplicateIdentifier,
			"sqlite: write canonical %s: %s", record.EntityID, sqlErr.Error()))
	}
	if err != nil {
		return eris.Wrapf(err, "sqlite: write canonical %s", record.EntityID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var stored int
		err := tx.QueryRowContext(ctx,
			`SELECT version FROM canonical_records WHERE entity_id = ?`, row.EntityID).Scan(&stored)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return eris.Wrapf(err, "sqlite: read version of %s", record.EntityID)
		}
		if stored != record.Version {
			return resilience.Permanent(eris.Wrapf(ErrVersionConflict,
				"sqlite: %s is at version %d, write expects %d", record.EntityID, stored, delta.VersionFrom))
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO change_deltas (entity_id, version_from, version_to, run_id, changed_fields, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT (entity_id, version_to) DO NOTHING`,
		row.EntityID, delta.VersionFrom, delta.VersionTo, delta.RunID, string(changed), formatTime(delta.CreatedAt),
	); err != nil {
		return eris.Wrapf(err, "sqlite: append delta for %s", record.EntityID)
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit")
}

// inClause renders "col IN (?, ?, ...)" and appends the values to args.
func inClause(col string, vals []string, args []any) (string, []any) {
	marks := make([]string, len(vals))
	for i, v := range vals {
		marks[i] = "?"
		args = append(args, v)
	}
	return col + " IN (" + strings.Join(marks, ", ") + ")", args
}

func (s *SQLiteStore) FindCandidates(ctx context.Context, keys model.CandidateKeys) ([]model.CanonicalRecord, error) {
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
		var cond string
		cond, args = inClause(k.col, k.vals, args)
		conds = append(conds, cond)
	}
	return s.queryRecords(ctx, "find candidates",
		`SELECT `+recordColumns+` FROM canonical_records WHERE `+strings.Join(conds, " OR ")+` ORDER BY entity_id`,
		args...)
}

func (s *SQLiteStore) ListCanonical(ctx context.Context, filter ListFilter) ([]model.CanonicalRecord, error) {
	query := `SELECT ` + recordColumns + ` FROM canonical_records WHERE 1=1`
	var args []any
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY entity_id LIMIT ? OFFSET ?`
	args = append(args, listLimit(filter.Limit), filter.Offset)
	return s.queryRecords(ctx, "list canonical", query, args...)
}

func (s *SQLiteStore) queryRecords(ctx context.Context, op, query string, args ...any) ([]model.CanonicalRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: %s", op)
	}
	defer rows.Close()

	var out []model.CanonicalRecord
	for rows.Next() {
		r, err := s.scanRecord(rows)
		if err != nil {
			return nil, eris.Wrapf(err, "sqlite: %s scan", op)
		}
		out = append(out, *r)
	}
	return out, eris.Wrapf(rows.Err(), "sqlite: %s iterate", op)
}

func (s *SQLiteStore) ListDeltas(ctx context.Context, id model.EntityID) ([]model.ChangeDelta, error) {
	query := `SELECT entity_id, version_from, version_to, run_id, changed_fields, created_at FROM change_deltas`
	var args []any
	if id != "" {
		query += ` WHERE entity_id = ?`
		args = append(args, string(id))
	}
	query += ` ORDER BY entity_id, version_to`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list deltas")
	}
	defer rows.Close()

	var out []model.ChangeDelta
	for rows.Next() {
		var (
			d                   model.ChangeDelta
			eid, changed, ctime string
		)
		if err := rows.Scan(&eid, &d.VersionFrom, &d.VersionTo, &d.RunID, &changed, &ctime); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan delta")
		}
		d.EntityID = model.EntityID(eid)
		if d.CreatedAt, err = parseTime(ctime); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse delta created_at")
		}
		if err := decodeDelta(s.schema, &d, []byte(changed)); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list deltas iterate")
}

func (s *SQLiteStore) RecordExtraction(ctx context.Context, e model.ExtractionLogEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO extraction_log (run_id, source_id, url, status, fields_found, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.RunID, e.SourceID, e.URL, string(e.Status), e.FieldsFound, e.Error, formatTime(e.CreatedAt))
	return eris.Wrapf(err, "sqlite: record extraction %s", e.URL)
}

func (s *SQLiteStore) ListExtractions(ctx context.Context, runID string) ([]model.ExtractionLogEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, source_id, url, status, fields_found, error, created_at
		 FROM extraction_log WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list extractions")
	}
	defer rows.Close()

	var out []model.ExtractionLogEntry
	for rows.Next() {
		var (
			e             model.ExtractionLogEntry
			status, ctime string
		)
		if err := rows.Scan(&e.RunID, &e.SourceID, &e.URL, &status, &e.FieldsFound, &e.Error, &ctime); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan extraction")
		}
		e.Status = model.ExtractionStatus(status)
		if e.CreatedAt, err = parseTime(ctime); err != nil {
			return nil, eris.Wrap(err, "sqlite: parse extraction created_at")
		}
		out = append(out, e)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list extractions iterate")
}

func (s *SQLiteStore) SaveRunReport(ctx context.Context, report *model.RunReport) error {
	data, err := json.Marshal(report)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run report")
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO run_reports (run_id, started_at, finished_at, aborted, report)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (run_id) DO UPDATE SET finished_at = excluded.finished_at,
		 aborted = excluded.aborted, report = excluded.report`,
		report.RunID, formatTime(report.StartedAt), formatTime(report.FinishedAt), report.Aborted, string(data))
	return eris.Wrapf(err, "sqlite: save run report %s", report.RunID)
}

func (s *SQLiteStore) GetRunReport(ctx context.Context, runID string) (*model.RunReport, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM run_reports WHERE run_id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(ErrNotFound, "sqlite: get run report %s", runID)
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get run report %s", runID)
	}
	var r model.RunReport
	if err := json.Unmarshal([]byte(data), &r); err != nil {
		return nil, eris.Wrap(err, "sqlite: unmarshal run report")
	}
	return &r, nil
}
