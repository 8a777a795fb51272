package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"
	sqlite "modernc.org/sqlite"

	"github.com/fyrsmithlabs/patternd/internal/pattern"
)

// Dialect selects SQL syntax differences between supported engines.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

const (
	pqUniqueViolation      = "23505"
	sqliteConstraintUnique = 2067
)

// SQLStore is a Store over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	logger  *zap.Logger
}

// OpenSQLite opens (or creates) a sqlite database at path. Use ":memory:" for
// an ephemeral database.
func OpenSQLite(path string, logger *zap.Logger) (*SQLStore, error) {
	dsn := path
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("creating data dir %s: %w", dir, err)
			}
		}
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	// A single connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	return newSQLStore(db, DialectSQLite, logger)
}

// OpenPostgres connects to postgres using a lib/pq DSN.
func OpenPostgres(dsn string, logger *zap.Logger) (*SQLStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	return newSQLStore(db, DialectPostgres, logger)
}

func newSQLStore(db *sql.DB, dialect Dialect, logger *zap.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &SQLStore{db: db, dialect: dialect, logger: logger}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: ping %s: %v", ErrStoreUnavailable, dialect, err)
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	logger.Info("pattern store opened", zap.String("dialect", string(dialect)))
	return s, nil
}

func (s *SQLStore) initSchema(ctx context.Context) error {
	for _, stmt := range schemaStatements {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
	}
	return nil
}

// rebind converts ? placeholders to $n for postgres.
func rebind(query string) string {
	n := 1
	var out strings.Builder
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&out, "$%d", n)
			n++
			continue
		}
		out.WriteRune(ch)
	}
	return out.String()
}

func (s *SQLStore) q(query string) string {
	if s.dialect == DialectPostgres {
		return rebind(query)
	}
	return query
}

func (s *SQLStore) lockClause() string {
	if s.dialect == DialectPostgres {
		return " FOR UPDATE"
	}
	return ""
}

func unavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %w", ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == pqUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code() == sqliteConstraintUnique
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

type scanner interface {
	Scan(dest ...any) error
}

func nanos(t time.Time) int64 { return t.UnixNano() }

func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func scanPattern(row scanner) (*pattern.Pattern, error) {
	var (
		p                         pattern.Pattern
		keywords, embedding, tmpl string
		typ, state                string
		createdAt, updatedAt      int64
		lastUsedAt                sql.NullInt64
	)
	err := row.Scan(&p.ID, &typ, &p.TriggerText, &keywords, &p.Signature, &embedding, &tmpl,
		&p.Confidence, &p.ExecutionCount, &p.SuccessCount, &p.AutoExecutable, &state, &p.HumanApproved,
		&p.Flagged, &p.FlagReason, &createdAt, &updatedAt, &lastUsedAt)
	if err != nil {
		return nil, err
	}
	p.Type = pattern.Type(typ)
	p.State = pattern.State(state)
	p.CreatedAt = fromNanos(createdAt)
	p.UpdatedAt = fromNanos(updatedAt)
	if lastUsedAt.Valid {
		t := fromNanos(lastUsedAt.Int64)
		p.LastUsedAt = &t
	}
	if err := json.Unmarshal([]byte(keywords), &p.TriggerKeywords); err != nil {
		return nil, fmt.Errorf("%w: pattern %s keywords: %v", pattern.ErrInvalidPatternData, p.ID, err)
	}
	if err := json.Unmarshal([]byte(embedding), &p.Embedding); err != nil {
		return nil, fmt.Errorf("%w: pattern %s embedding: %v", pattern.ErrInvalidPatternData, p.ID, err)
	}
	if err := json.Unmarshal([]byte(tmpl), &p.Template); err != nil {
		return nil, fmt.Errorf("%w: pattern %s template: %v", pattern.ErrInvalidPatternData, p.ID, err)
	}
	return &p, nil
}

func patternArgs(p *pattern.Pattern) ([]any, error) {
	keywords, err := json.Marshal(nonNil(p.TriggerKeywords))
	if err != nil {
		return nil, err
	}
	embedding, err := json.Marshal(nonNilVec(p.Embedding))
	if err != nil {
		return nil, err
	}
	tmpl, err := json.Marshal(p.Template)
	if err != nil {
		return nil, err
	}
	var lastUsed any
	if p.LastUsedAt != nil {
		lastUsed = nanos(*p.LastUsedAt)
	}
	return []any{
		p.ID, string(p.Type), p.TriggerText, string(keywords), p.Signature, string(embedding), string(tmpl),
		p.Confidence, p.ExecutionCount, p.SuccessCount, p.AutoExecutable, string(p.State), p.HumanApproved,
		p.Flagged, p.FlagReason, nanos(p.CreatedAt), nanos(p.UpdatedAt), lastUsed,
	}, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilVec(v []float32) []float32 {
	if v == nil {
		return []float32{}
	}
	return v
}

// CreateCandidate implements Store.
func (s *SQLStore) CreateCandidate(ctx context.Context, p *pattern.Pattern, c *pattern.Candidate) error {
	if err := p.Validate(); err != nil {
		return err
	}
	args, err := patternArgs(p)
	if err != nil {
		return fmt.Errorf("encoding pattern: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO patterns (`+patternColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`), args...)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSignature
		}
		return unavailable(err)
	}

	if c != nil {
		prov, err := json.Marshal(nonNil(c.Provenance))
		if err != nil {
			return fmt.Errorf("encoding provenance: %w", err)
		}
		_, err = tx.ExecContext(ctx, s.q(`INSERT INTO candidates
			(pattern_id, signature, provenance, initial_confidence, created_at, last_reinforced_at)
			VALUES (?, ?, ?, ?, ?, ?)`),
			c.PatternID, c.Signature, string(prov), c.InitialConfidence, nanos(c.CreatedAt), nanos(c.LastReinforcedAt))
		if err != nil {
			return unavailable(err)
		}
	}

	if err := tx.Commit(); err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateSignature
		}
		return unavailable(err)
	}
	return nil
}

// Get implements Store.
func (s *SQLStore) Get(ctx context.Context, id string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+patternColumns+` FROM patterns WHERE id = ?`), id)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, pattern.ErrInvalidPatternData) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return p, nil
}

// FindBySignature implements Store.
func (s *SQLStore) FindBySignature(ctx context.Context, sig string) (*pattern.Pattern, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+patternColumns+` FROM patterns
		WHERE signature = ? AND state IN ('staged', 'active')`), sig)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("signature %s: %w", sig, ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, pattern.ErrInvalidPatternData) {
			return nil, err
		}
		return nil, unavailable(err)
	}
	return p, nil
}

func (s *SQLStore) queryPatterns(ctx context.Context, query string, args ...any) ([]*pattern.Pattern, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*pattern.Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			if errors.Is(err, pattern.ErrInvalidPatternData) {
				// A corrupt row must not take down matching for everything else.
				s.logger.Warn("skipping unreadable pattern row", zap.Error(err))
				continue
			}
			return nil, unavailable(err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// ListActive implements Store.
func (s *SQLStore) ListActive(ctx context.Context) ([]*pattern.Pattern, error) {
	return s.queryPatterns(ctx, `SELECT `+patternColumns+` FROM patterns
		WHERE state = 'active' AND flagged = FALSE ORDER BY created_at, id`)
}

// List implements Store.
func (s *SQLStore) List(ctx context.Context, filter ListFilter) ([]*pattern.Pattern, error) {
	var (
		where []string
		args  []any
	)
	if filter.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(filter.State))
	}
	if filter.Type != "" {
		where = append(where, "type = ?")
		args = append(args, string(filter.Type))
	}
	if filter.Query != "" {
		where = append(where, "LOWER(trigger_text) LIKE ?")
		args = append(args, "%"+strings.ToLower(filter.Query)+"%")
	}
	query := `SELECT ` + patternColumns + ` FROM patterns`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	return s.queryPatterns(ctx, query, args...)
}

// Update implements Store.
func (s *SQLStore) Update(ctx context.Context, id string, fn UpdateFunc) (*pattern.Pattern, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+patternColumns+` FROM patterns WHERE id = ?`+s.lockClause()), id)
	cur, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("pattern %s: %w", id, ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, pattern.ErrInvalidPatternData) {
			return nil, err
		}
		return nil, unavailable(err)
	}

	next := cur.Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := next.Validate(); err != nil {
		return nil, err
	}
	args, err := patternArgs(next)
	if err != nil {
		return nil, fmt.Errorf("encoding pattern: %w", err)
	}

	// args[0] is the id; move it to the WHERE clause.
	_, err = tx.ExecContext(ctx, s.q(`UPDATE patterns SET
		type = ?, trigger_text = ?, trigger_keywords = ?, signature = ?, embedding = ?, template = ?,
		confidence = ?, execution_count = ?, success_count = ?, auto_executable = ?, state = ?,
		human_approved = ?, flagged = ?, flag_reason = ?, created_at = ?, updated_at = ?, last_used_at = ?
		WHERE id = ?`), append(args[1:], args[0])...)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrDuplicateSignature
		}
		return nil, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable(err)
	}
	return next, nil
}

func scanCandidate(row scanner) (*pattern.Candidate, error) {
	var (
		c                   pattern.Candidate
		prov                string
		created, reinforced int64
	)
	if err := row.Scan(&c.PatternID, &c.Signature, &prov, &c.InitialConfidence, &created, &reinforced); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(prov), &c.Provenance); err != nil {
		return nil, fmt.Errorf("%w: candidate %s provenance: %v", pattern.ErrInvalidPatternData, c.PatternID, err)
	}
	c.CreatedAt = fromNanos(created)
	c.LastReinforcedAt = fromNanos(reinforced)
	return &c, nil
}

const candidateColumns = `pattern_id, signature, provenance, initial_confidence, created_at, last_reinforced_at`

// GetCandidate implements Store.
func (s *SQLStore) GetCandidate(ctx context.Context, patternID string) (*pattern.Candidate, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+candidateColumns+` FROM candidates WHERE pattern_id = ?`), patternID)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("candidate %s: %w", patternID, ErrNotFound)
	}
	if err != nil && !errors.Is(err, pattern.ErrInvalidPatternData) {
		return nil, unavailable(err)
	}
	return c, err
}

// ListCandidates implements Store.
func (s *SQLStore) ListCandidates(ctx context.Context) ([]*pattern.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+candidateColumns+` FROM candidates ORDER BY created_at, pattern_id`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var out []*pattern.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			if errors.Is(err, pattern.ErrInvalidPatternData) {
				s.logger.Warn("skipping unreadable candidate row", zap.Error(err))
				continue
			}
			return nil, unavailable(err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return out, nil
}

// TouchCandidate implements Store.
func (s *SQLStore) TouchCandidate(ctx context.Context, patternID, conversationID string, now time.Time) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return unavailable(err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, s.q(`SELECT `+candidateColumns+` FROM candidates WHERE pattern_id = ?`+s.lockClause()), patternID)
	c, err := scanCandidate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("candidate %s: %w", patternID, ErrNotFound)
	}
	if err != nil {
		if errors.Is(err, pattern.ErrInvalidPatternData) {
			return err
		}
		return unavailable(err)
	}
	c.AddProvenance(conversationID, now)
	prov, err := json.Marshal(c.Provenance)
	if err != nil {
		return fmt.Errorf("encoding provenance: %w", err)
	}
	if _, err := tx.ExecContext(ctx, s.q(`UPDATE candidates SET provenance = ?, last_reinforced_at = ? WHERE pattern_id = ?`),
		string(prov), nanos(c.LastReinforcedAt), patternID); err != nil {
		return unavailable(err)
	}
	return unavailable(tx.Commit())
}

// DeleteCandidate implements Store.
func (s *SQLStore) DeleteCandidate(ctx context.Context, patternID string) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM candidates WHERE pattern_id = ?`), patternID)
	return unavailable(err)
}

// AppendExecution implements Store.
func (s *SQLStore) AppendExecution(ctx context.Context, rec *pattern.ExecutionRecord) error {
	var patternID any
	if rec.PatternID != "" {
		patternID = rec.PatternID
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO executions (`+executionColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.ConversationID, rec.MessageText, patternID, rec.MatchScore,
		rec.EffectiveConfidence, string(rec.Action), string(rec.WouldAction), rec.Shadow, rec.AutoExecuted,
		rec.ReasoningFailed, rec.Vetoed, rec.KeywordFallback, rec.Response, rec.Rationale, nanos(rec.CreatedAt))
	return unavailable(err)
}

// AppendOutcome implements Store.
func (s *SQLStore) AppendOutcome(ctx context.Context, executionID string, outcome pattern.Outcome, at time.Time) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, unavailable(err)
	}
	defer tx.Rollback()

	// The counter update takes the row lock, so concurrent recorders see
	// distinct counts.
	res, err := tx.ExecContext(ctx, s.q(`UPDATE executions SET outcome_count = outcome_count + 1 WHERE id = ?`), executionID)
	if err != nil {
		return false, unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable(err)
	}
	if n == 0 {
		return false, fmt.Errorf("execution %s: %w", executionID, ErrNotFound)
	}
	var count int
	if err := tx.QueryRowContext(ctx, s.q(`SELECT outcome_count FROM executions WHERE id = ?`), executionID).Scan(&count); err != nil {
		return false, unavailable(err)
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO execution_outcomes (id, execution_id, outcome, recorded_at)
		VALUES (?, ?, ?, ?)`), uuid.New().String(), executionID, string(outcome), nanos(at))
	if err != nil {
		return false, unavailable(err)
	}
	if err := tx.Commit(); err != nil {
		return false, unavailable(err)
	}
	return count == 1, nil
}

func scanExecution(row scanner) (*pattern.ExecutionRecord, error) {
	var (
		rec                 pattern.ExecutionRecord
		patternID           sql.NullString
		action, wouldAction string
		created             int64
	)
	err := row.Scan(&rec.ID, &rec.ConversationID, &rec.MessageText, &patternID, &rec.MatchScore,
		&rec.EffectiveConfidence, &action, &wouldAction, &rec.Shadow, &rec.AutoExecuted, &rec.ReasoningFailed,
		&rec.Vetoed, &rec.KeywordFallback, &rec.Response, &rec.Rationale, &created)
	if err != nil {
		return nil, err
	}
	rec.PatternID = patternID.String
	rec.Action = pattern.Action(action)
	rec.WouldAction = pattern.Action(wouldAction)
	rec.CreatedAt = fromNanos(created)
	return &rec, nil
}

func (s *SQLStore) attachOutcome(ctx context.Context, rec *pattern.ExecutionRecord) error {
	var (
		outcome string
		at      int64
	)
	err := s.db.QueryRowContext(ctx, s.q(`SELECT outcome, recorded_at FROM execution_outcomes
		WHERE execution_id = ? ORDER BY recorded_at DESC, id DESC LIMIT 1`), rec.ID).Scan(&outcome, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return unavailable(err)
	}
	rec.Outcome = pattern.Outcome(outcome)
	t := fromNanos(at)
	rec.OutcomeAt = &t
	return nil
}

// GetExecution implements Store.
func (s *SQLStore) GetExecution(ctx context.Context, id string) (*pattern.ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+executionColumns+` FROM executions WHERE id = ?`), id)
	rec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("execution %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	if err := s.attachOutcome(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ListExecutions implements Store. Newest first.
func (s *SQLStore) ListExecutions(ctx context.Context, limit int) ([]*pattern.ExecutionRecord, error) {
	query := `SELECT ` + executionColumns + ` FROM executions ORDER BY created_at DESC, id DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, unavailable(err)
	}
	var out []*pattern.ExecutionRecord
	for rows.Next() {
		rec, err := scanExecution(rows)
		if err != nil {
			rows.Close()
			return nil, unavailable(err)
		}
		out = append(out, rec)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, unavailable(err)
	}
	// Outcomes are fetched after the cursor is closed; sqlite runs on one
	// connection.
	for _, rec := range out {
		if err := s.attachOutcome(ctx, rec); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Stats implements Store.
func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	st := Stats{PatternsByState: make(map[pattern.State]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM patterns GROUP BY state`)
	if err != nil {
		return st, unavailable(err)
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return st, unavailable(err)
		}
		st.PatternsByState[pattern.State(state)] = n
		st.TotalPatterns += n
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return st, unavailable(err)
	}

	if err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(AVG(confidence), 0) FROM patterns WHERE state = 'active'`).Scan(&st.AverageConfidence); err != nil {
		return st, unavailable(err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM candidates`).Scan(&st.Candidates); err != nil {
		return st, unavailable(err)
	}
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(CASE WHEN auto_executed THEN 1 ELSE 0 END), 0) FROM executions`).
		Scan(&st.Decisions, &st.AutoExecuted); err != nil {
		return st, unavailable(err)
	}
	return st, nil
}

// LoadConfig implements Store.
func (s *SQLStore) LoadConfig(ctx context.Context) ([]byte, error) {
	var doc string
	err := s.db.QueryRowContext(ctx, `SELECT doc FROM engine_config WHERE id = 1`).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("engine config: %w", ErrNotFound)
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return []byte(doc), nil
}

// SaveConfig implements Store.
func (s *SQLStore) SaveConfig(ctx context.Context, doc []byte) error {
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO engine_config (id, doc, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET doc = excluded.doc, updated_at = excluded.updated_at`),
		string(doc), nanos(time.Now()))
	return unavailable(err)
}

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	return unavailable(s.db.PingContext(ctx))
}

// Close implements Store.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
