/*
Package sqlite provides a SQLite-backed implementation of the policy and
assignment stores.

INTERFACES IMPLEMENTED:
  policy.Store:     Subsidy access policy records
  assignment.Store: Learner content assignments and their action log

KEY TABLES:
  policies:           One flat row per policy; the type column is the
                      discriminator, unused limit columns stay NULL
  policy_groups:      Group restrictions of a policy
  assignments:        Learner content assignments (never hard-deleted)
  assignment_actions: Append-only audit log per assignment

UNIQUENESS:
  idx_assignments_learner_content keeps one record per (policy, email,
  content). Records scrubbed to the tombstone email are exempt, so any number
  of retired learners can coexist under one policy.

TIMES:
  Stored as fixed-width UTC strings so lexical order equals time order.

USAGE:
  store, err := sqlite.New("./data/credit.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - policy/policy.go, assignment/store.go: Interface definitions
  - store/memory: In-memory implementation for tests
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/warp/learner-credit/assignment"
	"github.com/warp/learner-credit/credit"
	"github.com/warp/learner-credit/policy"
)

const timeFormat = "2006-01-02T15:04:05.000000000Z"

// Store implements policy.Store and assignment.Store using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	_ policy.Store     = (*Store)(nil)
	_ assignment.Store = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every pooled connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS policies (
		id TEXT PRIMARY KEY,
		enterprise_id TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		policy_type TEXT NOT NULL,
		access_method TEXT NOT NULL,
		subsidy_id TEXT NOT NULL,
		catalog_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		retired BOOLEAN NOT NULL DEFAULT FALSE,
		spend_limit INTEGER,
		per_learner_spend_limit INTEGER,
		per_learner_enrollment_limit INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_policies_enterprise
		ON policies(enterprise_id);
	CREATE INDEX IF NOT EXISTS idx_policies_subsidy
		ON policies(subsidy_id);

	CREATE TABLE IF NOT EXISTS policy_groups (
		policy_id TEXT NOT NULL REFERENCES policies(id),
		group_id TEXT NOT NULL,
		PRIMARY KEY (policy_id, group_id)
	);

	CREATE TABLE IF NOT EXISTS assignments (
		id TEXT PRIMARY KEY,
		policy_id TEXT NOT NULL,
		learner_email TEXT NOT NULL,
		learner_id INTEGER,
		content_key TEXT NOT NULL,
		content_title TEXT NOT NULL DEFAULT '',
		content_quantity INTEGER NOT NULL,
		state TEXT NOT NULL,
		transaction_id TEXT,
		allocation_batch_id TEXT,
		allocated_at TEXT,
		accepted_at TEXT,
		cancelled_at TEXT,
		expired_at TEXT,
		errored_at TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_assignments_learner_content
		ON assignments(policy_id, learner_email COLLATE NOCASE, content_key)
		WHERE learner_email <> '` + assignment.TombstoneEmail + `';

	-- Hot path: allocated assignments of a policy (redeem, sweep)
	CREATE INDEX IF NOT EXISTS idx_assignments_policy_state
		ON assignments(policy_id, state, created_at);
	CREATE INDEX IF NOT EXISTS idx_assignments_learner
		ON assignments(learner_id) WHERE learner_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS assignment_actions (
		id TEXT PRIMARY KEY,
		assignment_id TEXT NOT NULL REFERENCES assignments(id),
		action_type TEXT NOT NULL,
		error_type TEXT,
		traceback TEXT,
		completed_at TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_assignment_actions_assignment
		ON assignment_actions(assignment_id, created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// POLICY STORE
// =============================================================================

const policyColumns = `
	p.id, p.enterprise_id, p.description, p.policy_type, p.access_method,
	p.subsidy_id, p.catalog_id, p.active, p.retired, p.spend_limit,
	p.per_learner_spend_limit, p.per_learner_enrollment_limit,
	p.created_at, p.updated_at,
	COALESCE((SELECT GROUP_CONCAT(g.group_id, ',') FROM policy_groups g WHERE g.policy_id = p.id), '')`

func (s *Store) GetPolicy(ctx context.Context, id credit.PolicyID) (*policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT "+policyColumns+" FROM policies p WHERE p.id = ?", id)
	if err != nil {
		return nil, fmt.Errorf("failed to query policy: %w", err)
	}
	policies, err := scanPolicies(rows)
	if err != nil {
		return nil, err
	}
	if len(policies) == 0 {
		return nil, fmt.Errorf("%w: %s", credit.ErrPolicyNotFound, id)
	}
	return &policies[0], nil
}

// ListPolicies loads every matching policy, groups included, in one query.
func (s *Store) ListPolicies(ctx context.Context, f policy.Filter) ([]policy.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	add := func(clause string, arg any) {
		where = append(where, clause)
		args = append(args, arg)
	}
	if f.EnterpriseID != "" {
		add("p.enterprise_id = ?", f.EnterpriseID)
	}
	if f.SubsidyID != "" {
		add("p.subsidy_id = ?", f.SubsidyID)
	}
	if f.CatalogID != "" {
		add("p.catalog_id = ?", f.CatalogID)
	}
	if f.Type != "" {
		add("p.policy_type = ?", f.Type)
	}
	if f.AccessMethod != "" {
		add("p.access_method = ?", f.AccessMethod)
	}
	if f.ActiveOnly {
		where = append(where, "p.active")
	}

	query := "SELECT " + policyColumns + " FROM policies p"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.created_at ASC, p.id ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query policies: %w", err)
	}
	return scanPolicies(rows)
}

func (s *Store) CreatePolicy(ctx context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO policies
			(id, enterprise_id, description, policy_type, access_method, subsidy_id, catalog_id,
			 active, retired, spend_limit, per_learner_spend_limit, per_learner_enrollment_limit,
			 created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			p.ID, p.EnterpriseID, p.Description, p.Type, p.AccessMethod, p.SubsidyID, p.CatalogID,
			p.Active, p.Retired, nullCents(p.SpendLimit), nullCents(p.PerLearnerSpendLimit),
			nullInt(p.PerLearnerEnrollmentLimit), formatTime(p.CreatedAt), formatTime(p.UpdatedAt),
		)
		if err != nil {
			if isUniqueConstraintError(err) {
				return fmt.Errorf("%w: policy %s already exists", credit.ErrInvalidInput, p.ID)
			}
			return fmt.Errorf("failed to insert policy: %w", err)
		}
		return replaceGroups(ctx, tx, p.ID, p.GroupIDs)
	})
}

func (s *Store) UpdatePolicy(ctx context.Context, p policy.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE policies SET
				description = ?, catalog_id = ?, active = ?, retired = ?,
				spend_limit = ?, per_learner_spend_limit = ?, per_learner_enrollment_limit = ?,
				updated_at = ?
			WHERE id = ?
		`,
			p.Description, p.CatalogID, p.Active, p.Retired,
			nullCents(p.SpendLimit), nullCents(p.PerLearnerSpendLimit), nullInt(p.PerLearnerEnrollmentLimit),
			formatTime(p.UpdatedAt), p.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update policy: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("%w: %s", credit.ErrPolicyNotFound, p.ID)
		}
		return replaceGroups(ctx, tx, p.ID, p.GroupIDs)
	})
}

func replaceGroups(ctx context.Context, tx *sql.Tx, id credit.PolicyID, groups []credit.GroupID) error {
	if _, err := tx.ExecContext(ctx, "DELETE FROM policy_groups WHERE policy_id = ?", id); err != nil {
		return fmt.Errorf("failed to clear policy groups: %w", err)
	}
	for _, g := range groups {
		if _, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO policy_groups (policy_id, group_id) VALUES (?, ?)", id, g,
		); err != nil {
			return fmt.Errorf("failed to insert policy group: %w", err)
		}
	}
	return nil
}

func scanPolicies(rows *sql.Rows) ([]policy.Policy, error) {
	defer rows.Close()

	var out []policy.Policy
	for rows.Next() {
		var p policy.Policy
		var spend, perLearnerSpend, perLearnerEnroll sql.NullInt64
		var createdAt, updatedAt, groups string

		if err := rows.Scan(&p.ID, &p.EnterpriseID, &p.Description, &p.Type, &p.AccessMethod,
			&p.SubsidyID, &p.CatalogID, &p.Active, &p.Retired, &spend,
			&perLearnerSpend, &perLearnerEnroll, &createdAt, &updatedAt, &groups); err != nil {
			return nil, fmt.Errorf("failed to scan policy: %w", err)
		}

		p.SpendLimit = centsPtr(spend)
		p.PerLearnerSpendLimit = centsPtr(perLearnerSpend)
		if perLearnerEnroll.Valid {
			n := int(perLearnerEnroll.Int64)
			p.PerLearnerEnrollmentLimit = &n
		}
		p.CreatedAt = parseTime(createdAt)
		p.UpdatedAt = parseTime(updatedAt)
		if groups != "" {
			for _, g := range strings.Split(groups, ",") {
				p.GroupIDs = append(p.GroupIDs, credit.GroupID(g))
			}
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// =============================================================================
// ASSIGNMENT STORE
// =============================================================================

const assignmentColumns = `
	id, policy_id, learner_email, learner_id, content_key, content_title,
	content_quantity, state, transaction_id, allocation_batch_id,
	allocated_at, accepted_at, cancelled_at, expired_at, errored_at,
	created_at, updated_at`

func (s *Store) GetAssignment(ctx context.Context, id assignment.ID) (*assignment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out, err := s.queryAssignments(ctx, "SELECT "+assignmentColumns+" FROM assignments WHERE id = ?", id)
	if err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", credit.ErrAssignmentNotFound, id)
	}
	return &out[0], nil
}

func (s *Store) ListAssignments(ctx context.Context, f assignment.Filter) ([]assignment.Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var where []string
	var args []any
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if f.ContentKey != "" {
		where = append(where, "content_key = ?")
		args = append(args, f.ContentKey)
	}
	if f.LearnerEmail != "" {
		where = append(where, "learner_email = ? COLLATE NOCASE")
		args = append(args, f.LearnerEmail)
	}
	if f.LearnerID != nil {
		where = append(where, "learner_id = ?")
		args = append(args, int64(*f.LearnerID))
	}
	if len(f.IDs) > 0 {
		where = append(where, "id IN ("+placeholders(len(f.IDs))+")")
		for _, id := range f.IDs {
			args = append(args, id)
		}
	}
	if len(f.States) > 0 {
		where = append(where, "state IN ("+placeholders(len(f.States))+")")
		for _, st := range f.States {
			args = append(args, st)
		}
	}

	query := "SELECT " + assignmentColumns + " FROM assignments"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC, id ASC"
	if f.Limit > 0 || f.Offset > 0 {
		limit := f.Limit
		if limit <= 0 {
			limit = -1
		}
		query += " LIMIT ? OFFSET ?"
		args = append(args, limit, f.Offset)
	}

	return s.queryAssignments(ctx, query, args...)
}

// Write upserts every assignment and appends every action in one SQL
// transaction.
func (s *Store) Write(ctx context.Context, batch assignment.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.withTx(ctx, func(tx *sql.Tx) error {
		for _, a := range batch.Assignments {
			if err := upsertAssignment(ctx, tx, a); err != nil {
				return err
			}
		}
		for _, act := range batch.Actions {
			if err := insertAction(ctx, tx, act); err != nil {
				return err
			}
		}
		return nil
	})
}

func upsertAssignment(ctx context.Context, tx *sql.Tx, a assignment.Assignment) error {
	var learnerID sql.NullInt64
	if a.LearnerID != nil {
		learnerID = sql.NullInt64{Int64: int64(*a.LearnerID), Valid: true}
	}

	_, err := tx.ExecContext(ctx, `
		INSERT INTO assignments (`+assignmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			learner_email = excluded.learner_email,
			learner_id = excluded.learner_id,
			content_title = excluded.content_title,
			content_quantity = excluded.content_quantity,
			state = excluded.state,
			transaction_id = excluded.transaction_id,
			allocation_batch_id = excluded.allocation_batch_id,
			allocated_at = excluded.allocated_at,
			accepted_at = excluded.accepted_at,
			cancelled_at = excluded.cancelled_at,
			expired_at = excluded.expired_at,
			errored_at = excluded.errored_at,
			updated_at = excluded.updated_at
	`,
		a.ID, a.PolicyID, a.LearnerEmail, learnerID, a.ContentKey, a.ContentTitle,
		int64(a.ContentQuantity), a.State, nullString(string(a.TransactionID)), nullString(a.AllocationBatchID),
		nullTime(a.AllocatedAt), nullTime(a.AcceptedAt), nullTime(a.CancelledAt), nullTime(a.ExpiredAt), nullTime(a.ErroredAt),
		formatTime(a.CreatedAt), formatTime(a.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: %s", assignment.ErrDuplicateAssignment, a.LearnerEmail)
		}
		return fmt.Errorf("failed to write assignment: %w", err)
	}
	return nil
}

func insertAction(ctx context.Context, tx *sql.Tx, act assignment.Action) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO assignment_actions
		(id, assignment_id, action_type, error_type, traceback, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`,
		act.ID, act.AssignmentID, act.Type, nullString(string(act.ErrorType)), nullString(act.Traceback),
		nullTime(act.CompletedAt), formatTime(act.CreatedAt),
	)
	if err != nil {
		if isForeignKeyError(err) {
			return fmt.Errorf("%w: action for %s", credit.ErrAssignmentNotFound, act.AssignmentID)
		}
		return fmt.Errorf("failed to append action: %w", err)
	}
	return nil
}

func (s *Store) ListActions(ctx context.Context, id assignment.ID) ([]assignment.Action, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, assignment_id, action_type, error_type, traceback, completed_at, created_at
		FROM assignment_actions
		WHERE assignment_id = ?
		ORDER BY created_at ASC, rowid ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query actions: %w", err)
	}
	defer rows.Close()

	var out []assignment.Action
	for rows.Next() {
		var act assignment.Action
		var errorType, traceback, completedAt sql.NullString
		var createdAt string
		if err := rows.Scan(&act.ID, &act.AssignmentID, &act.Type, &errorType, &traceback, &completedAt, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		act.ErrorType = assignment.ErrorType(errorType.String)
		act.Traceback = traceback.String
		act.CompletedAt = parseNullTime(completedAt)
		act.CreatedAt = parseTime(createdAt)
		out = append(out, act)
	}
	return out, rows.Err()
}

func (s *Store) queryAssignments(ctx context.Context, query string, args ...any) ([]assignment.Assignment, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query assignments: %w", err)
	}
	defer rows.Close()

	var out []assignment.Assignment
	for rows.Next() {
		var a assignment.Assignment
		var learnerID, quantity sql.NullInt64
		var txID, batchID, allocatedAt, acceptedAt, cancelledAt, expiredAt, erroredAt sql.NullString
		var createdAt, updatedAt string

		if err := rows.Scan(&a.ID, &a.PolicyID, &a.LearnerEmail, &learnerID, &a.ContentKey, &a.ContentTitle,
			&quantity, &a.State, &txID, &batchID,
			&allocatedAt, &acceptedAt, &cancelledAt, &expiredAt, &erroredAt,
			&createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan assignment: %w", err)
		}

		if learnerID.Valid {
			id := credit.LearnerID(learnerID.Int64)
			a.LearnerID = &id
		}
		a.ContentQuantity = credit.Cents(quantity.Int64)
		a.TransactionID = credit.TransactionID(txID.String)
		a.AllocationBatchID = batchID.String
		a.AllocatedAt = parseNullTime(allocatedAt)
		a.AcceptedAt = parseNullTime(acceptedAt)
		a.CancelledAt = parseNullTime(cancelledAt)
		a.ExpiredAt = parseNullTime(expiredAt)
		a.ErroredAt = parseNullTime(erroredAt)
		a.CreatedAt = parseTime(createdAt)
		a.UpdatedAt = parseTime(updatedAt)
		out = append(out, a)
	}
	return out, rows.Err()
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Store) withTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeFormat, s)
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseNullTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullCents(c *credit.Cents) sql.NullInt64 {
	if c == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*c), Valid: true}
}

func nullInt(n *int) sql.NullInt64 {
	if n == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*n), Valid: true}
}

func centsPtr(n sql.NullInt64) *credit.Cents {
	if !n.Valid {
		return nil
	}
	c := credit.Cents(n.Int64)
	return &c
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}
