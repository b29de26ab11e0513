package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/landingkit/abtest/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS tests (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL,
	type            TEXT NOT NULL DEFAULT 'custom',
	status          TEXT NOT NULL DEFAULT 'draft',
	traffic_split   INTEGER NOT NULL DEFAULT 100,
	target_element  TEXT NOT NULL DEFAULT '',
	target_selector TEXT NOT NULL DEFAULT '',
	conversion_goal TEXT NOT NULL DEFAULT '',
	start_date      DATETIME NOT NULL,
	end_date        DATETIME,
	total_visitors  INTEGER NOT NULL DEFAULT 0,
	conversions     INTEGER NOT NULL DEFAULT 0,
	conversion_rate REAL NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL,
	updated_at      DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS variants (
	id              TEXT PRIMARY KEY,
	test_id         TEXT NOT NULL REFERENCES tests(id),
	position        INTEGER NOT NULL DEFAULT 0,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	value           TEXT NOT NULL DEFAULT '',
	css_class       TEXT NOT NULL DEFAULT '',
	css_style       TEXT NOT NULL DEFAULT '',
	is_control      INTEGER NOT NULL DEFAULT 0,
	traffic_split   INTEGER NOT NULL DEFAULT 0,
	visitors        INTEGER NOT NULL DEFAULT 0,
	conversions     INTEGER NOT NULL DEFAULT 0,
	conversion_rate REAL NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS visitor_assignments (
	visitor_id  TEXT NOT NULL,
	test_id     TEXT NOT NULL,
	variant_id  TEXT NOT NULL,
	assigned_at DATETIME NOT NULL,
	PRIMARY KEY (visitor_id, test_id)
);

CREATE TABLE IF NOT EXISTS results (
	id               TEXT PRIMARY KEY,
	test_id          TEXT NOT NULL,
	variant_id       TEXT NOT NULL,
	visitor_id       TEXT NOT NULL,
	conversion       INTEGER NOT NULL DEFAULT 0,
	conversion_value REAL,
	recorded_at      DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON variants(test_id, position);
CREATE INDEX IF NOT EXISTS idx_assignments_test ON visitor_assignments(test_id);
CREATE INDEX IF NOT EXISTS idx_results_test ON results(test_id);
CREATE INDEX IF NOT EXISTS idx_results_test_variant ON results(test_id, variant_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for health checks.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) CreateTest(ctx context.Context, t *model.Test) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin create test")
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tests (id, name, description, type, status, traffic_split,
			target_element, target_selector, conversion_goal, start_date, end_date,
			created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(t.Type), string(t.Status), t.TrafficSplit,
		t.TargetElement, t.TargetSelector, t.ConversionGoal, t.StartDate, nullableTime(t.EndDate),
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "sqlite: insert test")
	}

	for i := range t.Variants {
		if err := insertVariantTx(ctx, tx, &t.Variants[i], i); err != nil {
			return err
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit create test")
}

func insertVariantTx(ctx context.Context, tx *sql.Tx, v *model.Variant, position int) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO variants (id, test_id, position, name, description, value,
			css_class, css_style, is_control, traffic_split)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TestID, position, v.Name, v.Description, v.Value,
		v.CSSClass, v.CSSStyle, boolToInt(v.IsControl), v.TrafficSplit,
	)
	return eris.Wrapf(err, "sqlite: insert variant %s", v.ID)
}

func (s *SQLiteStore) GetTest(ctx context.Context, id string) (*model.Test, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, description, type, status, traffic_split, target_element,
			target_selector, conversion_goal, start_date, end_date, total_visitors,
			conversions, conversion_rate, created_at, updated_at
		 FROM tests WHERE id = ?`, id)

	t, err := scanTest(row)
	if err != nil {
		return nil, err
	}

	variants, err := s.variantsForTest(ctx, id)
	if err != nil {
		return nil, err
	}
	t.Variants = variants
	return t, nil
}

func (s *SQLiteStore) ListTests(ctx context.Context) ([]model.Test, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, name, description, type, status, traffic_split, target_element,
			target_selector, conversion_goal, start_date, end_date, total_visitors,
			conversions, conversion_rate, created_at, updated_at
		 FROM tests ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list tests")
	}
	defer rows.Close()

	var tests []model.Test
	for rows.Next() {
		t, err := scanTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "sqlite: list tests rows")
	}

	for i := range tests {
		variants, err := s.variantsForTest(ctx, tests[i].ID)
		if err != nil {
			return nil, err
		}
		tests[i].Variants = variants
	}
	return tests, nil
}

func (s *SQLiteStore) variantsForTest(ctx context.Context, testID string) ([]model.Variant, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, test_id, name, description, value, css_class, css_style,
			is_control, traffic_split, visitors, conversions, conversion_rate
		 FROM variants WHERE test_id = ? ORDER BY position`, testID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: variants for test %s", testID)
	}
	defer rows.Close()

	var variants []model.Variant
	for rows.Next() {
		var v model.Variant
		var isControl int
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Description, &v.Value,
			&v.CSSClass, &v.CSSStyle, &isControl, &v.TrafficSplit,
			&v.Visitors, &v.Conversions, &v.ConversionRate); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan variant")
		}
		v.IsControl = isControl != 0
		variants = append(variants, v)
	}
	return variants, eris.Wrap(rows.Err(), "sqlite: variant rows")
}

func (s *SQLiteStore) UpdateTest(ctx context.Context, t *model.Test) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tests SET name = ?, description = ?, type = ?, traffic_split = ?,
			target_element = ?, target_selector = ?, conversion_goal = ?,
			end_date = ?, updated_at = ?
		 WHERE id = ?`,
		t.Name, t.Description, string(t.Type), t.TrafficSplit,
		t.TargetElement, t.TargetSelector, t.ConversionGoal,
		nullableTime(t.EndDate), time.Now().UTC(), t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update test %s", t.ID)
	}
	return checkRowsAffected(res, "test", t.ID)
}

func (s *SQLiteStore) UpdateTestStatus(ctx context.Context, id string, status model.TestStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tests SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update test status %s", id)
	}
	return checkRowsAffected(res, "test", id)
}

func (s *SQLiteStore) AddVariant(ctx context.Context, v *model.Variant) error {
	var position int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(position)+1, 0) FROM variants WHERE test_id = ?`, v.TestID,
	).Scan(&position)
	if err != nil {
		return eris.Wrapf(err, "sqlite: next variant position for test %s", v.TestID)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO variants (id, test_id, position, name, description, value,
			css_class, css_style, is_control, traffic_split)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		v.ID, v.TestID, position, v.Name, v.Description, v.Value,
		v.CSSClass, v.CSSStyle, boolToInt(v.IsControl), v.TrafficSplit,
	)
	return eris.Wrapf(err, "sqlite: insert variant %s", v.ID)
}

// DeleteTest cascades in strict child-first order inside one transaction so
// a failure at any step leaves the test and all children intact.
func (s *SQLiteStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin delete test")
	}
	defer tx.Rollback() //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM results WHERE test_id = ?`,
		`DELETE FROM visitor_assignments WHERE test_id = ?`,
		`DELETE FROM variants WHERE test_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			return eris.Wrapf(err, "sqlite: cascade delete test %s", id)
		}
	}

	res, err := tx.ExecContext(ctx, `DELETE FROM tests WHERE id = ?`, id)
	if err != nil {
		return eris.Wrapf(err, "sqlite: delete test %s", id)
	}
	if err := checkRowsAffected(res, "test", id); err != nil {
		return err
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit delete test")
}

func (s *SQLiteStore) GetAssignment(ctx context.Context, testID, visitorID string) (*model.Assignment, error) {
	var a model.Assignment
	err := s.db.QueryRowContext(ctx,
		`SELECT visitor_id, test_id, variant_id, assigned_at
		 FROM visitor_assignments WHERE test_id = ? AND visitor_id = ?`,
		testID, visitorID,
	).Scan(&a.VisitorID, &a.TestID, &a.VariantID, &a.AssignedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get assignment %s/%s", testID, visitorID)
	}
	return &a, nil
}

// PutAssignment is the first-writer-wins insert. ON CONFLICT DO NOTHING makes
// the insert a no-op when a concurrent caller got there first; the read-back
// then returns whatever was persisted.
func (s *SQLiteStore) PutAssignment(ctx context.Context, a model.Assignment) (*model.Assignment, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO visitor_assignments (visitor_id, test_id, variant_id, assigned_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT (visitor_id, test_id) DO NOTHING`,
		a.VisitorID, a.TestID, a.VariantID, a.AssignedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "sqlite: put assignment %s/%s", a.TestID, a.VisitorID)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, eris.Wrap(err, "sqlite: put assignment rows affected")
	}
	if affected == 1 {
		return &a, true, nil
	}

	// Lost the race; return the winner. The row can vanish between insert and
	// read if an opt-out delete lands in the gap, so surface ErrNotFound and
	// let the caller retry.
	existing, err := s.GetAssignment(ctx, a.TestID, a.VisitorID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *SQLiteStore) DeleteAssignment(ctx context.Context, testID, visitorID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM visitor_assignments WHERE test_id = ? AND visitor_id = ?`,
		testID, visitorID,
	)
	return eris.Wrapf(err, "sqlite: delete assignment %s/%s", testID, visitorID)
}

func (s *SQLiteStore) InsertResult(ctx context.Context, r *model.Result) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO results (id, test_id, variant_id, visitor_id, conversion, conversion_value, recorded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TestID, r.VariantID, r.VisitorID, boolToInt(r.Conversion), nullableFloat(r.ConversionValue), r.RecordedAt,
	)
	return eris.Wrapf(err, "sqlite: insert result for test %s", r.TestID)
}

func (s *SQLiteStore) VariantCounts(ctx context.Context, testID string) ([]VariantCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT variant_id,
		       COUNT(*) AS observations,
		       COALESCE(SUM(conversion), 0) AS conversions
		FROM results
		WHERE test_id = ?
		GROUP BY variant_id`, testID)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: variant counts for test %s", testID)
	}
	defer rows.Close()

	var counts []VariantCount
	for rows.Next() {
		var c VariantCount
		if err := rows.Scan(&c.VariantID, &c.Observations, &c.Conversions); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan variant count")
		}
		counts = append(counts, c)
	}
	return counts, eris.Wrap(rows.Err(), "sqlite: variant count rows")
}

func (s *SQLiteStore) SaveStats(ctx context.Context, stats model.TestStats) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin save stats")
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		`UPDATE tests SET total_visitors = ?, conversions = ?, conversion_rate = ?, updated_at = ?
		 WHERE id = ?`,
		stats.TotalVisitors, stats.Conversions, stats.ConversionRate, now, stats.TestID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: save test stats %s", stats.TestID)
	}
	if err := checkRowsAffected(res, "test", stats.TestID); err != nil {
		return err
	}

	for _, vs := range stats.Variants {
		_, err := tx.ExecContext(ctx,
			`UPDATE variants SET visitors = ?, conversions = ?, conversion_rate = ?
			 WHERE id = ? AND test_id = ?`,
			vs.Visitors, vs.Conversions, vs.ConversionRate, vs.VariantID, stats.TestID,
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: save variant stats %s", vs.VariantID)
		}
	}

	return eris.Wrap(tx.Commit(), "sqlite: commit save stats")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTest(row rowScanner) (*model.Test, error) {
	var t model.Test
	var typ, status string
	var endDate sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.Description, &typ, &status, &t.TrafficSplit,
		&t.TargetElement, &t.TargetSelector, &t.ConversionGoal, &t.StartDate, &endDate,
		&t.TotalVisitors, &t.Conversions, &t.ConversionRate, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: scan test")
	}
	t.Type = model.TestType(typ)
	t.Status = model.TestStatus(status)
	if endDate.Valid {
		t.EndDate = &endDate.Time
	}
	return &t, nil
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return eris.Wrapf(err, "sqlite: rows affected for %s %s", entity, id)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
