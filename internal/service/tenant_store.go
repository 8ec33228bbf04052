// Package service contains the application services: cached tenant stores,
// the tenant registry, the request pipeline, and the async audit and
// decision emitters.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/hostwaf/hostwaf/internal/domain/audit"
	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// RulePersistence is the durable backing of one tenant's ruleset.
type RulePersistence interface {
	TenantID() string
	ListRules(ctx context.Context) ([]rule.Rule, error)
	GetRule(ctx context.Context, id string) (rule.Rule, error)
	InsertRule(ctx context.Context, r rule.Rule) error
	UpdateRule(ctx context.Context, id string, r rule.Rule) error
	DeleteRule(ctx context.Context, id string) error
	ReorderRules(ctx context.Context, ids []string) error
	Close() error
}

// Snapshot is the immutable cached view of a tenant's ruleset. Readers take
// it by pointer and never mutate it; writers build a successor and swap.
type Snapshot struct {
	Rules []rule.Rule
	// Fingerprint hashes the canonical rule encoding; equal fingerprints
	// mean byte-for-byte equal rulesets.
	Fingerprint uint64
	LoadedAt    time.Time
}

// fingerprintRules hashes rules in their stored order, ignoring timestamps
// so a no-op rewrite fingerprints identically.
func fingerprintRules(rules []rule.Rule) uint64 {
	h := xxhash.New()
	for i := range rules {
		r := rules[i]
		r.CreatedAt = time.Time{}
		r.UpdatedAt = time.Time{}
		b, _ := json.Marshal(r)
		_, _ = h.Write(b)
		_, _ = h.Write([]byte{0})
	}
	return h.Sum64()
}

// TenantStore is the cached configuration store of one tenant. Evaluations
// read the immutable snapshot lock-free; configuration writes serialize on
// the store mutex, commit to SQL, then invalidate the snapshot so the next
// read reloads. Reloads coordinate on the same mutex so concurrent misses
// trigger a single load.
type TenantStore struct {
	persistence RulePersistence
	snapshot    atomic.Pointer[Snapshot]
	mu          sync.Mutex // serializes writes and reloads
	auditor     *AuditEmitter
	logger      *slog.Logger
}

// NewTenantStore wraps a persistence backend with the cached read view.
// The auditor may be nil in tests.
func NewTenantStore(p RulePersistence, auditor *AuditEmitter, logger *slog.Logger) *TenantStore {
	return &TenantStore{
		persistence: p,
		auditor:     auditor,
		logger:      logger.With("tenant", p.TenantID()),
	}
}

// ID returns the tenant id ("global" or a route id).
func (s *TenantStore) ID() string { return s.persistence.TenantID() }

// Close releases the backing database.
func (s *TenantStore) Close() error { return s.persistence.Close() }

// GetSnapshot returns the cached view, loading it from persistence on miss.
func (s *TenantStore) GetSnapshot(ctx context.Context) (*Snapshot, error) {
	if snap := s.snapshot.Load(); snap != nil {
		return snap, nil
	}
	return s.reload(ctx)
}

// reload loads the ruleset under the store mutex. A concurrent reload that
// won the race is reused rather than repeated.
func (s *TenantStore) reload(ctx context.Context) (*Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if snap := s.snapshot.Load(); snap != nil {
		return snap, nil
	}

	rules, err := s.persistence.ListRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload tenant %s: %w", s.ID(), err)
	}
	snap := &Snapshot{
		Rules:       rules,
		Fingerprint: fingerprintRules(rules),
		LoadedAt:    time.Now().UTC(),
	}
	s.snapshot.Store(snap)
	s.logger.Debug("snapshot reloaded", "rules", len(rules))
	return snap, nil
}

// invalidate drops the cached snapshot after a committed write.
func (s *TenantStore) invalidate() {
	s.snapshot.Store(nil)
}

// Evaluate projects the request and scans the cached ruleset. It is a pure
// function of the request and the snapshot.
func (s *TenantStore) Evaluate(ctx context.Context, req *waf.Request) (rule.Outcome, error) {
	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		return rule.NoMatch, err
	}
	return rule.EvaluateSet(snap.Rules, rule.Project(req)), nil
}

// CreateRule validates and inserts a rule, invalidates the cache, and
// emits an audit record.
func (s *TenantStore) CreateRule(ctx context.Context, actor string, r rule.Rule) (rule.Rule, error) {
	if err := validateRule(&r); err != nil {
		return rule.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistence.InsertRule(ctx, r); err != nil {
		return rule.Rule{}, err
	}
	s.invalidate()

	created, err := s.persistence.GetRule(ctx, r.ID)
	if err != nil {
		return rule.Rule{}, err
	}
	s.audit(actor, audit.ActionRuleCreate, r.ID, "", encodeAudit(created))
	return created, nil
}

// UpdateRule fully replaces a rule. Replacing a rule with an identical
// payload is a no-op: no write, no audit record, identical snapshot.
func (s *TenantStore) UpdateRule(ctx context.Context, actor, id string, r rule.Rule) (rule.Rule, error) {
	if err := validateRule(&r); err != nil {
		return rule.Rule{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.persistence.GetRule(ctx, id)
	if err != nil {
		return rule.Rule{}, err
	}

	r.ID = id
	if sameRule(before, r) {
		return before, nil
	}

	if err := s.persistence.UpdateRule(ctx, id, r); err != nil {
		return rule.Rule{}, err
	}
	s.invalidate()

	after, err := s.persistence.GetRule(ctx, id)
	if err != nil {
		return rule.Rule{}, err
	}
	s.audit(actor, audit.ActionRuleUpdate, id, encodeAudit(before), encodeAudit(after))
	return after, nil
}

// DeleteRule removes a rule, invalidates the cache, and audits the removal.
func (s *TenantStore) DeleteRule(ctx context.Context, actor, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.persistence.GetRule(ctx, id)
	if err != nil {
		return err
	}
	if err := s.persistence.DeleteRule(ctx, id); err != nil {
		return err
	}
	s.invalidate()
	s.audit(actor, audit.ActionRuleDelete, id, encodeAudit(before), "")
	return nil
}

// Reorder atomically re-densifies enabled priorities to 1..N in the order
// given. Applying the current order is an audited no-op at the SQL level
// but still commits transactionally.
func (s *TenantStore) Reorder(ctx context.Context, actor string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistence.ReorderRules(ctx, ids); err != nil {
		return err
	}
	s.invalidate()

	after, _ := json.Marshal(ids)
	s.audit(actor, audit.ActionRuleReorder, s.ID(), "", string(after))
	return nil
}

// ListRules returns the cached ruleset.
func (s *TenantStore) ListRules(ctx context.Context) ([]rule.Rule, error) {
	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	return snap.Rules, nil
}

// GetRule returns one rule from the cached ruleset.
func (s *TenantStore) GetRule(ctx context.Context, id string) (rule.Rule, error) {
	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		return rule.Rule{}, err
	}
	for i := range snap.Rules {
		if snap.Rules[i].ID == id {
			return snap.Rules[i], nil
		}
	}
	return rule.Rule{}, fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
}

// audit enqueues an audit record for a committed write. Never blocks the
// caller; failures are the emitter's to log.
func (s *TenantStore) audit(actor, action, targetID, before, after string) {
	if s.auditor == nil {
		return
	}
	s.auditor.Record(audit.Record{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		Context:   s.ID(),
		Action:    action,
		TargetID:  targetID,
		Before:    before,
		After:     after,
	})
}

// validateRule applies the schema checks shared by create and update.
func validateRule(r *rule.Rule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id required: %w", waf.ErrInvalidInput)
	}
	if r.Name == "" {
		return fmt.Errorf("rule name required: %w", waf.ErrInvalidInput)
	}
	if !r.Action.Valid() {
		return fmt.Errorf("action %q: %w", r.Action, waf.ErrInvalidInput)
	}
	for _, p := range r.Expression {
		if p.Field == "" {
			return fmt.Errorf("predicate field required: %w", waf.ErrInvalidInput)
		}
		if !p.Operator.Valid() {
			return fmt.Errorf("operator %q: %w", p.Operator, waf.ErrInvalidInput)
		}
	}
	if r.BlockHTTPCode != 0 && (r.BlockHTTPCode < 100 || r.BlockHTTPCode > 599) {
		return fmt.Errorf("block_http_code %d: %w", r.BlockHTTPCode, waf.ErrInvalidInput)
	}
	return nil
}

// sameRule compares two rules ignoring timestamps.
func sameRule(a, b rule.Rule) bool {
	a.CreatedAt, a.UpdatedAt = time.Time{}, time.Time{}
	b.CreatedAt, b.UpdatedAt = time.Time{}, time.Time{}
	ab, _ := json.Marshal(a)
	bb, _ := json.Marshal(b)
	return xxhash.Sum64(ab) == xxhash.Sum64(bb)
}

func encodeAudit(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}
