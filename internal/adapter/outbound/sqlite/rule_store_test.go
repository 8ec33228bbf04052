package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

func newTestRuleStore(t *testing.T) *RuleStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "tenant.db"), false)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s := NewRuleStore(db, "route-1")
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRule(id string, priority int) rule.Rule {
	return rule.Rule{
		ID:       id,
		Name:     "rule " + id,
		Enabled:  true,
		Action:   rule.ActionBlock,
		Priority: priority,
		Expression: []rule.Predicate{
			{Field: rule.FieldPath, Operator: rule.OpContains, Value: "/admin"},
		},
	}
}

func mustInsert(t *testing.T, s *RuleStore, r rule.Rule) {
	t.Helper()
	if err := s.InsertRule(context.Background(), r); err != nil {
		t.Fatalf("insert rule %s: %v", r.ID, err)
	}
}

func priorities(t *testing.T, s *RuleStore) map[string]int {
	t.Helper()
	rules, err := s.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	out := make(map[string]int, len(rules))
	for _, r := range rules {
		out[r.ID] = r.Priority
	}
	return out
}

func TestRuleStoreInsertAndGet(t *testing.T) {
	s := newTestRuleStore(t)
	ctx := context.Background()

	want := testRule("r1", 1)
	want.Tags = []string{"sqli"}
	want.TriggerAlert = true
	want.BlockHTTPCode = 429
	mustInsert(t, s, want)

	got, err := s.GetRule(ctx, "r1")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.Name != want.Name || got.Action != want.Action || got.Priority != 1 {
		t.Errorf("got %+v, want name/action/priority from %+v", got, want)
	}
	if got.BlockHTTPCode != 429 || !got.TriggerAlert {
		t.Errorf("block code/alert not persisted: %+v", got)
	}
	if len(got.Tags) != 1 || got.Tags[0] != "sqli" {
		t.Errorf("tags not persisted: %v", got.Tags)
	}
	if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
		t.Error("timestamps not set")
	}
}

func TestRuleStoreGetMissing(t *testing.T) {
	s := newTestRuleStore(t)
	_, err := s.GetRule(context.Background(), "nope")
	if !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRuleStoreDuplicateID(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("r1", 1))
	err := s.InsertRule(context.Background(), testRule("r1", 2))
	if !errors.Is(err, waf.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestRuleStoreInsertShiftsAndDensifies(t *testing.T) {
	s := newTestRuleStore(t)

	mustInsert(t, s, testRule("a", 1))
	mustInsert(t, s, testRule("b", 2))
	mustInsert(t, s, testRule("c", 3))

	// Insert at priority 2: b and c shift down one slot.
	mustInsert(t, s, testRule("d", 2))

	got := priorities(t, s)
	want := map[string]int{"a": 1, "d": 2, "b": 3, "c": 4}
	for id, p := range want {
		if got[id] != p {
			t.Errorf("rule %s: priority %d, want %d", id, got[id], p)
		}
	}
}

func TestRuleStoreInsertPriorityOutOfRange(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("a", 1))

	// Max allowed for a new enabled rule is maxEnabled+1 = 2.
	err := s.InsertRule(context.Background(), testRule("b", 5))
	if !errors.Is(err, waf.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
	if err := s.InsertRule(context.Background(), testRule("b", 2)); err != nil {
		t.Errorf("tail insert: %v", err)
	}
}

func TestRuleStoreDisabledRuleHasZeroPriority(t *testing.T) {
	s := newTestRuleStore(t)
	r := testRule("off", 0)
	r.Enabled = false
	mustInsert(t, s, r)

	got, err := s.GetRule(context.Background(), "off")
	if err != nil {
		t.Fatalf("get rule: %v", err)
	}
	if got.Priority != 0 {
		t.Errorf("disabled rule priority = %d, want 0", got.Priority)
	}
}

func TestRuleStoreUpdateSamePriorityIsStable(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("a", 1))
	mustInsert(t, s, testRule("b", 2))

	upd := testRule("a", 1)
	upd.Name = "renamed"
	if err := s.UpdateRule(context.Background(), "a", upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := priorities(t, s)
	if got["a"] != 1 || got["b"] != 2 {
		t.Errorf("priorities moved on same-priority update: %v", got)
	}
}

func TestRuleStoreUpdateMovesPriority(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("a", 1))
	mustInsert(t, s, testRule("b", 2))
	mustInsert(t, s, testRule("c", 3))

	upd := testRule("c", 1)
	if err := s.UpdateRule(context.Background(), "c", upd); err != nil {
		t.Fatalf("update: %v", err)
	}

	got := priorities(t, s)
	want := map[string]int{"c": 1, "a": 2, "b": 3}
	for id, p := range want {
		if got[id] != p {
			t.Errorf("rule %s: priority %d, want %d", id, got[id], p)
		}
	}
}

func TestRuleStoreUpdateMissing(t *testing.T) {
	s := newTestRuleStore(t)
	err := s.UpdateRule(context.Background(), "nope", testRule("nope", 1))
	if !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRuleStoreDeleteDensifies(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("a", 1))
	mustInsert(t, s, testRule("b", 2))
	mustInsert(t, s, testRule("c", 3))

	if err := s.DeleteRule(context.Background(), "b"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	got := priorities(t, s)
	want := map[string]int{"a": 1, "c": 2}
	if len(got) != 2 {
		t.Fatalf("got %d rules, want 2", len(got))
	}
	for id, p := range want {
		if got[id] != p {
			t.Errorf("rule %s: priority %d, want %d", id, got[id], p)
		}
	}
}

func TestRuleStoreDeleteMissing(t *testing.T) {
	s := newTestRuleStore(t)
	err := s.DeleteRule(context.Background(), "nope")
	if !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestRuleStoreReorder(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("a", 1))
	mustInsert(t, s, testRule("b", 2))
	mustInsert(t, s, testRule("c", 3))

	if err := s.ReorderRules(context.Background(), []string{"c", "a", "b"}); err != nil {
		t.Fatalf("reorder: %v", err)
	}

	got := priorities(t, s)
	want := map[string]int{"c": 1, "a": 2, "b": 3}
	for id, p := range want {
		if got[id] != p {
			t.Errorf("rule %s: priority %d, want %d", id, got[id], p)
		}
	}
}

func TestRuleStoreReorderValidation(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("a", 1))
	mustInsert(t, s, testRule("b", 2))
	disabled := testRule("off", 0)
	disabled.Enabled = false
	mustInsert(t, s, disabled)

	cases := []struct {
		name string
		ids  []string
	}{
		{"missing rule", []string{"a"}},
		{"unknown rule", []string{"a", "b", "x"}},
		{"duplicate id", []string{"a", "a"}},
		{"includes disabled", []string{"a", "b", "off"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := s.ReorderRules(context.Background(), tc.ids)
			if !errors.Is(err, waf.ErrInvalidInput) {
				t.Errorf("got %v, want ErrInvalidInput", err)
			}
		})
	}
}

func TestRuleStoreEncodeRejectsBadRule(t *testing.T) {
	s := newTestRuleStore(t)

	bad := testRule("r1", 1)
	bad.Action = "nuke"
	if err := s.InsertRule(context.Background(), bad); !errors.Is(err, waf.ErrInvalidInput) {
		t.Errorf("bad action: got %v, want ErrInvalidInput", err)
	}

	bad = testRule("r2", 1)
	bad.Expression = []rule.Predicate{{Field: "x", Operator: "frobnicate"}}
	if err := s.InsertRule(context.Background(), bad); !errors.Is(err, waf.ErrInvalidInput) {
		t.Errorf("bad operator: got %v, want ErrInvalidInput", err)
	}
}

func TestRuleStoreListOrdersByPriority(t *testing.T) {
	s := newTestRuleStore(t)
	mustInsert(t, s, testRule("b", 1))
	mustInsert(t, s, testRule("a", 2))
	disabled := testRule("z", 0)
	disabled.Enabled = false
	mustInsert(t, s, disabled)

	rules, err := s.ListRules(context.Background())
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("got %d rules, want 3", len(rules))
	}
	if rules[0].ID != "b" || rules[1].ID != "a" || rules[2].ID != "z" {
		t.Errorf("order = %s,%s,%s; want b,a,z", rules[0].ID, rules[1].ID, rules[2].ID)
	}
}
