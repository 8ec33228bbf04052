package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// AdmissionTag marks the auto-generated global ALLOW rule that admits a
// route's host into per-route evaluation.
const AdmissionTag = "route-admission"

// GlobalStore persists the global tenant: its ruleset plus the route
// directory, error pages, and threat-feed metadata. Route writes and their
// admission rules commit in one transaction.
type GlobalStore struct {
	*RuleStore
}

// NewGlobalStore wraps an open global database.
func NewGlobalStore(db *sql.DB) *GlobalStore {
	return &GlobalStore{RuleStore: NewRuleStore(db, "global")}
}

const routeColumns = `id, incoming_host, origin_type, origin_url, origin_service_name,
	enabled, created_at, updated_at`

// ListRoutes returns the route directory.
func (s *GlobalStore) ListRoutes(ctx context.Context) ([]route.Route, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+routeColumns+` FROM routes ORDER BY incoming_host ASC`)
	if err != nil {
		return nil, fmt.Errorf("list routes: %w", wrapDB(err))
	}
	defer rows.Close()

	var routes []route.Route
	for rows.Next() {
		r, err := scanRoute(rows)
		if err != nil {
			return nil, fmt.Errorf("scan route: %w", waf.ErrInternal)
		}
		routes = append(routes, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list routes: %w", wrapDB(err))
	}
	return routes, nil
}

// GetRoute returns one route by id.
func (s *GlobalStore) GetRoute(ctx context.Context, id string) (route.Route, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+routeColumns+` FROM routes WHERE id = ?`, id)
	r, err := scanRoute(row)
	if errors.Is(err, sql.ErrNoRows) {
		return route.Route{}, fmt.Errorf("route %s: %w", id, waf.ErrNotFound)
	}
	if err != nil {
		return route.Route{}, fmt.Errorf("get route: %w", wrapDB(err))
	}
	return r, nil
}

// InsertRoute inserts a route and its admission rule in one transaction.
// The admission rule is an enabled ALLOW on request.headers.host equals the
// route's host, appended at the end of the enabled priority sequence, bound
// to the route by the rules.route_id column.
func (s *GlobalStore) InsertRoute(ctx context.Context, r route.Route) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if !r.OriginType.Valid() {
			return fmt.Errorf("origin_type %q: %w", r.OriginType, waf.ErrInvalidInput)
		}
		now := time.Now().UTC()
		_, err := tx.ExecContext(ctx, `
			INSERT INTO routes (id, incoming_host, origin_type, origin_url,
				origin_service_name, enabled, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			r.ID, r.IncomingHost, string(r.OriginType), r.OriginURL,
			r.OriginServiceName, r.Enabled, now, now)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("host %s already routed: %w", r.IncomingHost, waf.ErrConflict)
			}
			return wrapDB(err)
		}

		return s.insertAdmissionRuleTx(ctx, tx, &r)
	})
}

// UpdateRoute fully replaces a route. The admission rule's host predicate
// and enabled flag follow the route in the same transaction.
func (s *GlobalStore) UpdateRoute(ctx context.Context, id string, r route.Route) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if !r.OriginType.Valid() {
			return fmt.Errorf("origin_type %q: %w", r.OriginType, waf.ErrInvalidInput)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE routes SET incoming_host = ?, origin_type = ?, origin_url = ?,
				origin_service_name = ?, enabled = ?, updated_at = ?
			WHERE id = ?`,
			r.IncomingHost, string(r.OriginType), r.OriginURL,
			r.OriginServiceName, r.Enabled, time.Now().UTC(), id)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("host %s already routed: %w", r.IncomingHost, waf.ErrConflict)
			}
			return wrapDB(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("route %s: %w", id, waf.ErrNotFound)
		}

		// Rewrite the admission expression for a possible host change,
		// then toggle enabled in lockstep.
		expr, err := admissionExpression(r.IncomingHost)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE rules SET expression_json = ?, name = ?, updated_at = ? WHERE route_id = ?`,
			expr, admissionName(r.IncomingHost), time.Now().UTC(), id); err != nil {
			return wrapDB(err)
		}
		return s.setRuleEnabledByRouteTx(ctx, tx, id, r.Enabled)
	})
}

// DeleteRoute removes a route and its admission rule in one transaction.
// The caller tears down the route's tenant store afterwards.
func (s *GlobalStore) DeleteRoute(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM routes WHERE id = ?`, id)
		if err != nil {
			return wrapDB(err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("route %s: %w", id, waf.ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE route_id = ?`, id); err != nil {
			return wrapDB(err)
		}
		return densify(ctx, tx)
	})
}

// insertAdmissionRuleTx appends the auto-generated admission rule for a
// route at the tail of the enabled sequence.
func (s *GlobalStore) insertAdmissionRuleTx(ctx context.Context, tx *sql.Tx, r *route.Route) error {
	max, err := maxEnabledPriority(ctx, tx)
	if err != nil {
		return err
	}
	priority := 0
	if r.Enabled {
		priority = max + 1
	}
	expr, err := admissionExpression(r.IncomingHost)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO rules (id, name, description, enabled, action, expression_json,
			tags_json, priority, trigger_alert, block_http_code, route_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'allow', ?, ?, ?, 0, 0, ?, ?, ?)`,
		uuid.NewString(), admissionName(r.IncomingHost),
		"Auto-generated admission rule; lifecycle-coupled to its route.",
		r.Enabled, expr, `["`+AdmissionTag+`"]`, priority, r.ID, now, now)
	if err != nil {
		return wrapDB(err)
	}
	return nil
}

func admissionName(host string) string {
	return "admit " + host
}

// admissionExpression builds the single-predicate host test of an
// admission rule.
func admissionExpression(host string) (string, error) {
	expr := []rule.Predicate{{
		Field:    rule.HeaderField("host"),
		Operator: rule.OpEquals,
		Value:    host,
	}}
	b, err := json.Marshal(expr)
	if err != nil {
		return "", fmt.Errorf("encode admission expression: %w", waf.ErrInternal)
	}
	return string(b), nil
}

func scanRoute(sc scanner) (route.Route, error) {
	var r route.Route
	var originType string
	err := sc.Scan(&r.ID, &r.IncomingHost, &originType, &r.OriginURL,
		&r.OriginServiceName, &r.Enabled, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return route.Route{}, err
	}
	r.OriginType = route.OriginType(originType)
	return r, nil
}

// ListErrorPages returns all configured error pages.
func (s *GlobalStore) ListErrorPages(ctx context.Context) ([]route.ErrorPage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT http_code, name, description, content_type, body FROM error_pages ORDER BY http_code ASC`)
	if err != nil {
		return nil, fmt.Errorf("list error pages: %w", wrapDB(err))
	}
	defer rows.Close()

	var pages []route.ErrorPage
	for rows.Next() {
		var p route.ErrorPage
		if err := rows.Scan(&p.HTTPCode, &p.Name, &p.Description, &p.ContentType, &p.Body); err != nil {
			return nil, fmt.Errorf("scan error page: %w", waf.ErrInternal)
		}
		pages = append(pages, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list error pages: %w", wrapDB(err))
	}
	return pages, nil
}

// UpsertErrorPage inserts or replaces an error page by status code.
func (s *GlobalStore) UpsertErrorPage(ctx context.Context, p route.ErrorPage) error {
	if p.HTTPCode < 100 || p.HTTPCode > 599 {
		return fmt.Errorf("http_code %d: %w", p.HTTPCode, waf.ErrInvalidInput)
	}
	if p.ContentType == "" {
		p.ContentType = "text/html"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO error_pages (http_code, name, description, content_type, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(http_code) DO UPDATE SET
			name = excluded.name, description = excluded.description,
			content_type = excluded.content_type, body = excluded.body`,
		p.HTTPCode, p.Name, p.Description, p.ContentType, p.Body)
	if err != nil {
		return fmt.Errorf("upsert error page: %w", wrapDB(err))
	}
	return nil
}

// DeleteErrorPage removes an error page by status code.
func (s *GlobalStore) DeleteErrorPage(ctx context.Context, httpCode int) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM error_pages WHERE http_code = ?`, httpCode)
	if err != nil {
		return fmt.Errorf("delete error page: %w", wrapDB(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("error page %d: %w", httpCode, waf.ErrNotFound)
	}
	return nil
}

// TouchThreatFeed records a refresh of a named threat feed. The payload is
// an opaque keyed record owned by the feed ingester.
func (s *GlobalStore) TouchThreatFeed(ctx context.Context, name, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO threat_feeds (name, payload, refreshed_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET payload = excluded.payload,
			refreshed_at = excluded.refreshed_at`,
		name, payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("touch threat feed: %w", wrapDB(err))
	}
	return nil
}
