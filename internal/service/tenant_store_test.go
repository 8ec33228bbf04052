package service

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// mockPersistence is an in-memory RulePersistence preserving insertion
// order. It counts ListRules calls so tests can observe cache behavior.
type mockPersistence struct {
	mu        sync.Mutex
	tenant    string
	rules     []rule.Rule
	listCalls atomic.Int64
	failList  error
}

func newMockPersistence(tenant string) *mockPersistence {
	return &mockPersistence{tenant: tenant}
}

func (m *mockPersistence) TenantID() string { return m.tenant }
func (m *mockPersistence) Close() error     { return nil }

func (m *mockPersistence) ListRules(ctx context.Context) ([]rule.Rule, error) {
	m.listCalls.Add(1)
	if m.failList != nil {
		return nil, m.failList
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]rule.Rule, len(m.rules))
	copy(out, m.rules)
	return out, nil
}

func (m *mockPersistence) GetRule(ctx context.Context, id string) (rule.Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rules {
		if r.ID == id {
			return r, nil
		}
	}
	return rule.Rule{}, fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
}

func (m *mockPersistence) InsertRule(ctx context.Context, r rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, x := range m.rules {
		if x.ID == r.ID {
			return fmt.Errorf("rule %s exists: %w", r.ID, waf.ErrConflict)
		}
	}
	m.rules = append(m.rules, r)
	return nil
}

func (m *mockPersistence) UpdateRule(ctx context.Context, id string, r rule.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.rules {
		if x.ID == id {
			r.ID = id
			m.rules[i] = r
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
}

func (m *mockPersistence) DeleteRule(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, x := range m.rules {
		if x.ID == id {
			m.rules = append(m.rules[:i], m.rules[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("rule %s: %w", id, waf.ErrNotFound)
}

func (m *mockPersistence) ReorderRules(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	byID := make(map[string]rule.Rule, len(m.rules))
	for _, r := range m.rules {
		byID[r.ID] = r
	}
	reordered := make([]rule.Rule, 0, len(ids))
	for pos, id := range ids {
		r, ok := byID[id]
		if !ok {
			return fmt.Errorf("rule %s: %w", id, waf.ErrInvalidInput)
		}
		r.Priority = pos + 1
		reordered = append(reordered, r)
	}
	m.rules = reordered
	return nil
}

func enabledRule(id string, priority int) rule.Rule {
	return rule.Rule{
		ID:       id,
		Name:     "rule " + id,
		Enabled:  true,
		Action:   rule.ActionBlock,
		Priority: priority,
		Expression: []rule.Predicate{
			{Field: rule.FieldPath, Operator: rule.OpContains, Value: "/x"},
		},
	}
}

func TestTenantStoreSnapshotCached(t *testing.T) {
	p := newMockPersistence("rt1")
	p.rules = []rule.Rule{enabledRule("a", 1)}
	s := NewTenantStore(p, nil, discardLogger())
	ctx := context.Background()

	s1, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("first snapshot: %v", err)
	}
	s2, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("second snapshot: %v", err)
	}
	if s1 != s2 {
		t.Error("snapshot not cached across reads")
	}
	if p.listCalls.Load() != 1 {
		t.Errorf("ListRules called %d times, want 1", p.listCalls.Load())
	}
}

func TestTenantStoreWriteInvalidatesSnapshot(t *testing.T) {
	p := newMockPersistence("rt1")
	s := NewTenantStore(p, nil, discardLogger())
	ctx := context.Background()

	before, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	if _, err := s.CreateRule(ctx, "alice", enabledRule("a", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}

	after, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot after write: %v", err)
	}
	if before == after {
		t.Error("write did not invalidate the cached snapshot")
	}
	if len(after.Rules) != 1 {
		t.Errorf("snapshot has %d rules, want 1", len(after.Rules))
	}
	if before.Fingerprint == after.Fingerprint {
		t.Error("fingerprint unchanged after a real write")
	}
}

func TestTenantStoreNoOpUpdate(t *testing.T) {
	p := newMockPersistence("rt1")
	s := NewTenantStore(p, nil, discardLogger())
	ctx := context.Background()

	created, err := s.CreateRule(ctx, "alice", enabledRule("a", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	snap, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}

	// Replaying the identical payload must not write or invalidate.
	listCalls := p.listCalls.Load()
	got, err := s.UpdateRule(ctx, "alice", "a", created)
	if err != nil {
		t.Fatalf("no-op update: %v", err)
	}
	if !sameRule(got, created) {
		t.Errorf("no-op update changed the rule: %+v", got)
	}

	again, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot after no-op: %v", err)
	}
	if snap != again {
		t.Error("no-op update invalidated the snapshot")
	}
	if p.listCalls.Load() != listCalls {
		t.Error("no-op update triggered a reload")
	}
}

func TestTenantStoreRealUpdateChangesFingerprint(t *testing.T) {
	p := newMockPersistence("rt1")
	s := NewTenantStore(p, nil, discardLogger())
	ctx := context.Background()

	created, err := s.CreateRule(ctx, "alice", enabledRule("a", 1))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	s1, _ := s.GetSnapshot(ctx)

	upd := created
	upd.Name = "renamed"
	if _, err := s.UpdateRule(ctx, "alice", "a", upd); err != nil {
		t.Fatalf("update: %v", err)
	}
	s2, err := s.GetSnapshot(ctx)
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if s1.Fingerprint == s2.Fingerprint {
		t.Error("fingerprint unchanged after rename")
	}
}

func TestTenantStoreValidation(t *testing.T) {
	s := NewTenantStore(newMockPersistence("rt1"), nil, discardLogger())
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*rule.Rule)
	}{
		{"missing id", func(r *rule.Rule) { r.ID = "" }},
		{"missing name", func(r *rule.Rule) { r.Name = "" }},
		{"bad action", func(r *rule.Rule) { r.Action = "explode" }},
		{"bad operator", func(r *rule.Rule) { r.Expression[0].Operator = "frobnicate" }},
		{"empty field", func(r *rule.Rule) { r.Expression[0].Field = "" }},
		{"bad block code", func(r *rule.Rule) { r.BlockHTTPCode = 99 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := enabledRule("a", 1)
			tc.mutate(&r)
			if _, err := s.CreateRule(ctx, "alice", r); !errors.Is(err, waf.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestTenantStoreGetRuleFromSnapshot(t *testing.T) {
	p := newMockPersistence("rt1")
	p.rules = []rule.Rule{enabledRule("a", 1)}
	s := NewTenantStore(p, nil, discardLogger())
	ctx := context.Background()

	got, err := s.GetRule(ctx, "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.ID != "a" {
		t.Errorf("got rule %s, want a", got.ID)
	}
	if _, err := s.GetRule(ctx, "nope"); !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("missing rule: got %v, want ErrNotFound", err)
	}
}

func TestTenantStoreDeleteAndReorder(t *testing.T) {
	p := newMockPersistence("rt1")
	s := NewTenantStore(p, nil, discardLogger())
	ctx := context.Background()

	for i, id := range []string{"a", "b", "c"} {
		if _, err := s.CreateRule(ctx, "alice", enabledRule(id, i+1)); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}

	if err := s.Reorder(ctx, "alice", []string{"c", "a", "b"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}
	rules, err := s.ListRules(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if rules[0].ID != "c" || rules[0].Priority != 1 {
		t.Errorf("after reorder, head = %s@%d, want c@1", rules[0].ID, rules[0].Priority)
	}

	if err := s.DeleteRule(ctx, "alice", "c"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	rules, _ = s.ListRules(ctx)
	if len(rules) != 2 {
		t.Errorf("after delete, %d rules remain, want 2", len(rules))
	}
	if err := s.DeleteRule(ctx, "alice", "c"); !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestTenantStoreAuditsWrites(t *testing.T) {
	sink := &mockAuditSink{}
	auditor := NewAuditEmitter(sink, discardLogger())
	auditor.Start(context.Background())

	p := newMockPersistence("rt1")
	s := NewTenantStore(p, auditor, discardLogger())
	ctx := context.Background()

	if _, err := s.CreateRule(ctx, "alice", enabledRule("a", 1)); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.DeleteRule(ctx, "bob", "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	auditor.Stop()

	recs := sink.all()
	if len(recs) != 2 {
		t.Fatalf("got %d audit records, want 2", len(recs))
	}
	if recs[0].Actor != "alice" || recs[0].Action != "rule.create" || recs[0].Context != "rt1" {
		t.Errorf("create record = %+v", recs[0])
	}
	if recs[1].Actor != "bob" || recs[1].Action != "rule.delete" || recs[1].Before == "" {
		t.Errorf("delete record = %+v", recs[1])
	}
}

func TestTenantStoreEvaluate(t *testing.T) {
	p := newMockPersistence("rt1")
	block := enabledRule("block-x", 1)
	p.rules = []rule.Rule{block}
	s := NewTenantStore(p, nil, discardLogger())

	req := &waf.Request{Method: "GET", URL: &url.URL{Path: "/x/secret"}, Headers: waf.Headers{}}
	out, err := s.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !out.Matched || out.RuleID != "block-x" || out.Action != rule.ActionBlock {
		t.Errorf("outcome = %+v, want block-x match", out)
	}

	req = &waf.Request{Method: "GET", URL: &url.URL{Path: "/ok"}, Headers: waf.Headers{}}
	out, err = s.Evaluate(context.Background(), req)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if out.Matched {
		t.Errorf("outcome = %+v, want no match", out)
	}
}

func TestTenantStoreReloadError(t *testing.T) {
	p := newMockPersistence("rt1")
	p.failList = errors.New("disk gone")
	s := NewTenantStore(p, nil, discardLogger())

	if _, err := s.GetSnapshot(context.Background()); err == nil {
		t.Error("expected reload error")
	}
}
