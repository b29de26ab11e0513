package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/landingkit/abtest/internal/db"
	"github.com/landingkit/abtest/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hottest store operations (assignment lookup and
// result insertion run once per page view).
var preparedStatements = map[string]string{
	"get_assignment":    `SELECT visitor_id, test_id, variant_id, assigned_at FROM visitor_assignments WHERE test_id = $1 AND visitor_id = $2`,
	"put_assignment":    `INSERT INTO visitor_assignments (visitor_id, test_id, variant_id, assigned_at) VALUES ($1, $2, $3, $4) ON CONFLICT (visitor_id, test_id) DO NOTHING`,
	"delete_assignment": `DELETE FROM visitor_assignments WHERE test_id = $1 AND visitor_id = $2`,
	"insert_result":     `INSERT INTO results (id, test_id, variant_id, visitor_id, conversion, conversion_value, recorded_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresWithPool wraps an existing pool, used by tests with pgxmock.
func NewPostgresWithPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, closeFn: pool.Close}
}

const postgresMigration = `
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
	start_date      TIMESTAMPTZ NOT NULL DEFAULT now(),
	end_date        TIMESTAMPTZ,
	total_visitors  INTEGER NOT NULL DEFAULT 0,
	conversions     INTEGER NOT NULL DEFAULT 0,
	conversion_rate DOUBLE PRECISION NOT NULL DEFAULT 0,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
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
	is_control      BOOLEAN NOT NULL DEFAULT false,
	traffic_split   INTEGER NOT NULL DEFAULT 0,
	visitors        INTEGER NOT NULL DEFAULT 0,
	conversions     INTEGER NOT NULL DEFAULT 0,
	conversion_rate DOUBLE PRECISION NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS visitor_assignments (
	visitor_id  TEXT NOT NULL,
	test_id     TEXT NOT NULL,
	variant_id  TEXT NOT NULL,
	assigned_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (visitor_id, test_id)
);

CREATE TABLE IF NOT EXISTS results (
	id               TEXT PRIMARY KEY,
	test_id          TEXT NOT NULL,
	variant_id       TEXT NOT NULL,
	visitor_id       TEXT NOT NULL,
	conversion       BOOLEAN NOT NULL DEFAULT false,
	conversion_value DOUBLE PRECISION,
	recorded_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_variants_test ON variants(test_id, position);
CREATE INDEX IF NOT EXISTS idx_assignments_test ON visitor_assignments(test_id);
CREATE INDEX IF NOT EXISTS idx_results_test ON results(test_id);
CREATE INDEX IF NOT EXISTS idx_results_test_variant ON results(test_id, variant_id);
`

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) CreateTest(ctx context.Context, t *model.Test) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin create test")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx,
		`INSERT INTO tests (id, name, description, type, status, traffic_split,
			target_element, target_selector, conversion_goal, start_date, end_date,
			created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		t.ID, t.Name, t.Description, string(t.Type), string(t.Status), t.TrafficSplit,
		t.TargetElement, t.TargetSelector, t.ConversionGoal, t.StartDate, t.EndDate,
		t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		return eris.Wrap(err, "postgres: insert test")
	}

	for i := range t.Variants {
		v := &t.Variants[i]
		_, err = tx.Exec(ctx,
			`INSERT INTO variants (id, test_id, position, name, description, value,
				css_class, css_style, is_control, traffic_split)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			v.ID, v.TestID, i, v.Name, v.Description, v.Value,
			v.CSSClass, v.CSSStyle, v.IsControl, v.TrafficSplit,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: insert variant %s", v.ID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit create test")
}

func (s *PostgresStore) GetTest(ctx context.Context, id string) (*model.Test, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT id, name, description, type, status, traffic_split, target_element,
			target_selector, conversion_goal, start_date, end_date, total_visitors,
			conversions, conversion_rate, created_at, updated_at
		 FROM tests WHERE id = $1`, id)

	t, err := scanPgTest(row)
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

func (s *PostgresStore) ListTests(ctx context.Context) ([]model.Test, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, name, description, type, status, traffic_split, target_element,
			target_selector, conversion_goal, start_date, end_date, total_visitors,
			conversions, conversion_rate, created_at, updated_at
		 FROM tests ORDER BY created_at DESC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list tests")
	}
	defer rows.Close()

	var tests []model.Test
	for rows.Next() {
		t, err := scanPgTest(rows)
		if err != nil {
			return nil, err
		}
		tests = append(tests, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: list tests rows")
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

func (s *PostgresStore) variantsForTest(ctx context.Context, testID string) ([]model.Variant, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, test_id, name, description, value, css_class, css_style,
			is_control, traffic_split, visitors, conversions, conversion_rate
		 FROM variants WHERE test_id = $1 ORDER BY position`, testID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: variants for test %s", testID)
	}
	defer rows.Close()

	var variants []model.Variant
	for rows.Next() {
		var v model.Variant
		if err := rows.Scan(&v.ID, &v.TestID, &v.Name, &v.Description, &v.Value,
			&v.CSSClass, &v.CSSStyle, &v.IsControl, &v.TrafficSplit,
			&v.Visitors, &v.Conversions, &v.ConversionRate); err != nil {
			return nil, eris.Wrap(err, "postgres: scan variant")
		}
		variants = append(variants, v)
	}
	return variants, eris.Wrap(rows.Err(), "postgres: variant rows")
}

func (s *PostgresStore) UpdateTest(ctx context.Context, t *model.Test) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tests SET name = $1, description = $2, type = $3, traffic_split = $4,
			target_element = $5, target_selector = $6, conversion_goal = $7,
			end_date = $8, updated_at = $9
		 WHERE id = $10`,
		t.Name, t.Description, string(t.Type), t.TrafficSplit,
		t.TargetElement, t.TargetSelector, t.ConversionGoal,
		t.EndDate, time.Now().UTC(), t.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update test %s", t.ID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) UpdateTestStatus(ctx context.Context, id string, status model.TestStatus) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE tests SET status = $1, updated_at = $2 WHERE id = $3`,
		string(status), time.Now().UTC(), id,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update test status %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) AddVariant(ctx context.Context, v *model.Variant) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO variants (id, test_id, position, name, description, value,
			css_class, css_style, is_control, traffic_split)
		 SELECT $1, $2, COALESCE(MAX(position)+1, 0), $3, $4, $5, $6, $7, $8, $9
		 FROM variants WHERE test_id = $2`,
		v.ID, v.TestID, v.Name, v.Description, v.Value,
		v.CSSClass, v.CSSStyle, v.IsControl, v.TrafficSplit,
	)
	return eris.Wrapf(err, "postgres: insert variant %s", v.ID)
}

func (s *PostgresStore) DeleteTest(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin delete test")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, q := range []string{
		`DELETE FROM results WHERE test_id = $1`,
		`DELETE FROM visitor_assignments WHERE test_id = $1`,
		`DELETE FROM variants WHERE test_id = $1`,
	} {
		if _, err := tx.Exec(ctx, q, id); err != nil {
			return eris.Wrapf(err, "postgres: cascade delete test %s", id)
		}
	}

	tag, err := tx.Exec(ctx, `DELETE FROM tests WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "postgres: delete test %s", id)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit delete test")
}

func (s *PostgresStore) GetAssignment(ctx context.Context, testID, visitorID string) (*model.Assignment, error) {
	var a model.Assignment
	err := s.pool.QueryRow(ctx,
		`SELECT visitor_id, test_id, variant_id, assigned_at
		 FROM visitor_assignments WHERE test_id = $1 AND visitor_id = $2`,
		testID, visitorID,
	).Scan(&a.VisitorID, &a.TestID, &a.VariantID, &a.AssignedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get assignment %s/%s", testID, visitorID)
	}
	return &a, nil
}

func (s *PostgresStore) PutAssignment(ctx context.Context, a model.Assignment) (*model.Assignment, bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO visitor_assignments (visitor_id, test_id, variant_id, assigned_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (visitor_id, test_id) DO NOTHING`,
		a.VisitorID, a.TestID, a.VariantID, a.AssignedAt,
	)
	if err != nil {
		return nil, false, eris.Wrapf(err, "postgres: put assignment %s/%s", a.TestID, a.VisitorID)
	}
	if tag.RowsAffected() == 1 {
		return &a, true, nil
	}

	existing, err := s.GetAssignment(ctx, a.TestID, a.VisitorID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, testID, visitorID string) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM visitor_assignments WHERE test_id = $1 AND visitor_id = $2`,
		testID, visitorID,
	)
	return eris.Wrapf(err, "postgres: delete assignment %s/%s", testID, visitorID)
}

func (s *PostgresStore) InsertResult(ctx context.Context, r *model.Result) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO results (id, test_id, variant_id, visitor_id, conversion, conversion_value, recorded_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		r.ID, r.TestID, r.VariantID, r.VisitorID, r.Conversion, r.ConversionValue, r.RecordedAt,
	)
	return eris.Wrapf(err, "postgres: insert result for test %s", r.TestID)
}

func (s *PostgresStore) VariantCounts(ctx context.Context, testID string) ([]VariantCount, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT variant_id,
		       COUNT(*) AS observations,
		       COUNT(*) FILTER (WHERE conversion) AS conversions
		FROM results
		WHERE test_id = $1
		GROUP BY variant_id`, testID)
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: variant counts for test %s", testID)
	}
	defer rows.Close()

	var counts []VariantCount
	for rows.Next() {
		var c VariantCount
		if err := rows.Scan(&c.VariantID, &c.Observations, &c.Conversions); err != nil {
			return nil, eris.Wrap(err, "postgres: scan variant count")
		}
		counts = append(counts, c)
	}
	return counts, eris.Wrap(rows.Err(), "postgres: variant count rows")
}

func (s *PostgresStore) SaveStats(ctx context.Context, stats model.TestStats) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin save stats")
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`UPDATE tests SET total_visitors = $1, conversions = $2, conversion_rate = $3, updated_at = $4
		 WHERE id = $5`,
		stats.TotalVisitors, stats.Conversions, stats.ConversionRate, now, stats.TestID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: save test stats %s", stats.TestID)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}

	for _, vs := range stats.Variants {
		_, err := tx.Exec(ctx,
			`UPDATE variants SET visitors = $1, conversions = $2, conversion_rate = $3
			 WHERE id = $4 AND test_id = $5`,
			vs.Visitors, vs.Conversions, vs.ConversionRate, vs.VariantID, stats.TestID,
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: save variant stats %s", vs.VariantID)
		}
	}

	return eris.Wrap(tx.Commit(ctx), "postgres: commit save stats")
}

func scanPgTest(row pgx.Row) (*model.Test, error) {
	var t model.Test
	var typ, status string
	var endDate sql.NullTime
	err := row.Scan(&t.ID, &t.Name, &t.Description, &typ, &status, &t.TrafficSplit,
		&t.TargetElement, &t.TargetSelector, &t.ConversionGoal, &t.StartDate, &endDate,
		&t.TotalVisitors, &t.Conversions, &t.ConversionRate, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, eris.Wrap(err, "postgres: scan test")
	}
	t.Type = model.TestType(typ)
	t.Status = model.TestStatus(status)
	if endDate.Valid {
		t.EndDate = &endDate.Time
	}
	return &t, nil
}
