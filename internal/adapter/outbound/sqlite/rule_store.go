package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// RuleStore persists one tenant's ruleset. All writes run in transactions
// and leave the enabled priorities as a dense 1..N sequence.
type RuleStore struct {
	db       *sql.DB
	tenantID string
}

// NewRuleStore wraps an open tenant database.
func NewRuleStore(db *sql.DB, tenantID string) *RuleStore {
	return &RuleStore{db: db, tenantID: tenantID}
}

// TenantID returns the owning tenant id ("global" or a route id).
func (s *RuleStore) TenantID() string { return s.tenantID }

// DB exposes the underlying handle for the global store's directory tables.
func (s *RuleStore) DB() *sql.DB { return s.db }

// Close closes the tenant database.
func (s *RuleStore) Close() error { return s.db.Close() }

const ruleColumns = `id, name, description, enabled, action, expression_json,
	tags_json, priority, trigger_alert, block_http_code, route_id, created_at, updated_at`

// ListRules returns all rules in the tenant, enabled ones ordered first by
// priority.
func (s *RuleStore) ListRules(ctx context.Context) ([]rule.Rule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ruleColumns+` FROM rules ORDER BY enabled DESC, priority ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", wrapDB(err))
	}
	defer rows.Close()

	var rules []rule.Rule
	for rows.Next() {
		r, _, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", waf.ErrInternal)
		}
		rules = append(rules, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules: %w", wrapDB(err))
	}
	return rules, nil
}

// GetRule returns one rule by id.
func (s *RuleStore) GetRule(ctx context.Context, id string) (rule.Rule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE id = ?`, id)
	r, _, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return rule.Rule{}, fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
	}
	if err != nil {
		return rule.Rule{}, fmt.Errorf("get rule: %w", wrapDB(err))
	}
	return r, nil
}

// InsertRule inserts a rule. For enabled rules the priority must be greater
// than zero and at most current-max+1; following rules shift down and the
// sequence is re-densified in the same transaction.
func (s *RuleStore) InsertRule(ctx context.Context, r rule.Rule) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if r.Enabled {
			max, err := maxEnabledPriority(ctx, tx)
			if err != nil {
				return err
			}
			if r.Priority < 1 || r.Priority > max+1 {
				return fmt.Errorf("priority %d out of range 1..%d: %w", r.Priority, max+1, waf.ErrInvalidInput)
			}
			if _, err := tx.ExecContext(ctx,
				`UPDATE rules SET priority = priority + 1 WHERE enabled = 1 AND priority >= ?`,
				r.Priority); err != nil {
				return wrapDB(err)
			}
		}

		exprJSON, tagsJSON, err := encodeRule(&r)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		_, err = tx.ExecContext(ctx, `
			INSERT INTO rules (id, name, description, enabled, action, expression_json,
				tags_json, priority, trigger_alert, block_http_code, route_id, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.Name, r.Description, r.Enabled, string(r.Action), exprJSON,
			tagsJSON, r.Priority, r.TriggerAlert, r.BlockHTTPCode, "", now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("rule %s exists: %w", r.ID, waf.ErrConflict)
			}
			return wrapDB(err)
		}

		return densify(ctx, tx)
	})
}

// UpdateRule fully replaces a rule by id, keeping the enabled priority
// sequence dense.
func (s *RuleStore) UpdateRule(ctx context.Context, id string, r rule.Rule) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var prevEnabled bool
		var prevPriority int
		err := tx.QueryRowContext(ctx,
			`SELECT enabled, priority FROM rules WHERE id = ?`, id).Scan(&prevEnabled, &prevPriority)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
		}
		if err != nil {
			return wrapDB(err)
		}

		if r.Enabled {
			max, err := maxEnabledPriority(ctx, tx)
			if err != nil {
				return err
			}
			if !prevEnabled {
				max++ // the rule itself joins the enabled sequence
			}
			if r.Priority < 1 || r.Priority > max {
				return fmt.Errorf("priority %d out of range 1..%d: %w", r.Priority, max, waf.ErrInvalidInput)
			}
			// Make room at the target position; the moved rule is excluded
			// so an unchanged priority is a no-op.
			if _, err := tx.ExecContext(ctx,
				`UPDATE rules SET priority = priority + 1 WHERE enabled = 1 AND priority >= ? AND id != ?`,
				r.Priority, id); err != nil {
				return wrapDB(err)
			}
		}

		exprJSON, tagsJSON, err := encodeRule(&r)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE rules SET name = ?, description = ?, enabled = ?, action = ?,
				expression_json = ?, tags_json = ?, priority = ?, trigger_alert = ?,
				block_http_code = ?, updated_at = ?
			WHERE id = ?`,
			r.Name, r.Description, r.Enabled, string(r.Action), exprJSON, tagsJSON,
			r.Priority, r.TriggerAlert, r.BlockHTTPCode, time.Now().UTC(), id)
		if err != nil {
			return wrapDB(err)
		}

		return densify(ctx, tx)
	})
}

// DeleteRule removes a rule by id and closes the priority gap.
func (s *RuleStore) DeleteRule(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
		if err != nil {
			return wrapDB(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
		}
		return densify(ctx, tx)
	})
}

// ReorderRules atomically assigns priorities 1..N to the enabled rules in
// the order given. The id list must be exactly the tenant's enabled rules;
// anything else is rejected whole.
func (s *RuleStore) ReorderRules(ctx context.Context, ids []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT id FROM rules WHERE enabled = 1`)
		if err != nil {
			return wrapDB(err)
		}
		enabled := make(map[string]bool)
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return wrapDB(err)
			}
			enabled[id] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return wrapDB(err)
		}

		if len(ids) != len(enabled) {
			return fmt.Errorf("reorder must list all %d enabled rules, got %d: %w",
				len(enabled), len(ids), waf.ErrInvalidInput)
		}
		seen := make(map[string]bool, len(ids))
		for _, id := range ids {
			if !enabled[id] {
				return fmt.Errorf("rule %s is not an enabled rule of this tenant: %w", id, waf.ErrInvalidInput)
			}
			if seen[id] {
				return fmt.Errorf("rule %s listed twice: %w", id, waf.ErrInvalidInput)
			}
			seen[id] = true
		}

		now := time.Now().UTC()
		for pos, id := range ids {
			if _, err := tx.ExecContext(ctx,
				`UPDATE rules SET priority = ?, updated_at = ? WHERE id = ?`,
				pos+1, now, id); err != nil {
				return wrapDB(err)
			}
		}
		return nil
	})
}

// setRuleEnabledByRouteTx toggles the enabled flag of the admission rule
// bound to routeID in lockstep with its route. A no-op toggle leaves the
// priority sequence untouched; enabling appends at the tail.
func (s *RuleStore) setRuleEnabledByRouteTx(ctx context.Context, tx *sql.Tx, routeID string, enabled bool) error {
	var current bool
	err := tx.QueryRowContext(ctx,
		`SELECT enabled FROM rules WHERE route_id = ?`, routeID).Scan(&current)
	if errors.Is(err, sql.ErrNoRows) {
		return nil // no admission rule bound; nothing to toggle
	}
	if err != nil {
		return wrapDB(err)
	}
	if current == enabled {
		return nil
	}

	priority := 0
	if enabled {
		max, err := maxEnabledPriority(ctx, tx)
		if err != nil {
			return err
		}
		priority = max + 1
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE rules SET enabled = ?, priority = ?, updated_at = ? WHERE route_id = ?`,
		enabled, priority, time.Now().UTC(), routeID); err != nil {
		return wrapDB(err)
	}
	return densify(ctx, tx)
}

// withTx runs fn inside a transaction, rolling back on error.
func (s *RuleStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", wrapDB(err))
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", wrapDB(err))
	}
	return nil
}

// densify renumbers enabled priorities to 1..N preserving their current
// order, ties broken by id.
func densify(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM rules WHERE enabled = 1 ORDER BY priority ASC, id ASC`)
	if err != nil {
		return wrapDB(err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return wrapDB(err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return wrapDB(err)
	}

	for pos, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE rules SET priority = ? WHERE id = ? AND priority != ?`,
			pos+1, id, pos+1); err != nil {
			return wrapDB(err)
		}
	}
	return nil
}

func maxEnabledPriority(ctx context.Context, tx *sql.Tx) (int, error) {
	var max int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(priority), 0) FROM rules WHERE enabled = 1`).Scan(&max); err != nil {
		return 0, wrapDB(err)
	}
	return max, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanRule decodes one rules row. The second return is the bound route id
// for admission rules, empty otherwise.
func scanRule(sc scanner) (rule.Rule, string, error) {
	var r rule.Rule
	var action, exprJSON, tagsJSON, routeID string
	err := sc.Scan(&r.ID, &r.Name, &r.Description, &r.Enabled, &action, &exprJSON,
		&tagsJSON, &r.Priority, &r.TriggerAlert, &r.BlockHTTPCode, &routeID,
		&r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return rule.Rule{}, "", err
	}
	r.Action = rule.Action(action)
	if err := json.Unmarshal([]byte(exprJSON), &r.Expression); err != nil {
		return rule.Rule{}, "", err
	}
	if err := json.Unmarshal([]byte(tagsJSON), &r.Tags); err != nil {
		return rule.Rule{}, "", err
	}
	return r, routeID, nil
}

// encodeRule validates and JSON-encodes the expression and tags.
func encodeRule(r *rule.Rule) (string, string, error) {
	if !r.Action.Valid() {
		return "", "", fmt.Errorf("action %q: %w", r.Action, waf.ErrInvalidInput)
	}
	for _, p := range r.Expression {
		if !p.Operator.Valid() {
			return "", "", fmt.Errorf("operator %q: %w", p.Operator, waf.ErrInvalidInput)
		}
	}
	expr, err := json.Marshal(r.Expression)
	if err != nil {
		return "", "", fmt.Errorf("encode expression: %w", waf.ErrInvalidInput)
	}
	if r.Expression == nil {
		expr = []byte("[]")
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return "", "", fmt.Errorf("encode tags: %w", waf.ErrInvalidInput)
	}
	if r.Tags == nil {
		tags = []byte("[]")
	}
	return string(expr), string(tags), nil
}

// wrapDB maps a driver error onto the internal error kind, preserving
// context cancellation as Timeout.
func wrapDB(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%v: %w", err, waf.ErrTimeout)
	}
	return fmt.Errorf("%v: %w", err, waf.ErrInternal)
}
