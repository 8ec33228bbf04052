package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/rule"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

func newTestGlobalStore(t *testing.T) *GlobalStore {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "global.db"), true)
	if err != nil {
		t.Fatalf("open database: %v", err)
	}
	s := NewGlobalStore(db)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testRoute(id, host string) route.Route {
	return route.Route{
		ID:           id,
		IncomingHost: host,
		OriginType:   route.OriginURL,
		OriginURL:    "http://origin.internal:8080",
		Enabled:      true,
	}
}

func admissionRuleFor(t *testing.T, s *GlobalStore, routeID string) (rule.Rule, bool) {
	t.Helper()
	rows, err := s.db.Query(`SELECT `+ruleColumns+` FROM rules WHERE route_id = ?`, routeID)
	if err != nil {
		t.Fatalf("query admission rule: %v", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return rule.Rule{}, false
	}
	r, _, err := scanRule(rows)
	if err != nil {
		t.Fatalf("scan admission rule: %v", err)
	}
	return r, true
}

func TestGlobalStoreInsertRouteCreatesAdmissionRule(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.InsertRoute(ctx, testRoute("rt1", "app.example.com")); err != nil {
		t.Fatalf("insert route: %v", err)
	}

	adm, ok := admissionRuleFor(t, s, "rt1")
	if !ok {
		t.Fatal("no admission rule bound to route")
	}
	if adm.Action != rule.ActionAllow || !adm.Enabled || adm.Priority != 1 {
		t.Errorf("admission rule = %+v, want enabled allow at priority 1", adm)
	}
	if len(adm.Expression) != 1 {
		t.Fatalf("expression has %d predicates, want 1", len(adm.Expression))
	}
	p := adm.Expression[0]
	if p.Field != rule.HeaderField("host") || p.Operator != rule.OpEquals || p.Value != "app.example.com" {
		t.Errorf("admission predicate = %+v", p)
	}
	if len(adm.Tags) != 1 || adm.Tags[0] != AdmissionTag {
		t.Errorf("tags = %v, want [%s]", adm.Tags, AdmissionTag)
	}
}

func TestGlobalStoreInsertDisabledRoute(t *testing.T) {
	s := newTestGlobalStore(t)
	rt := testRoute("rt1", "app.example.com")
	rt.Enabled = false
	if err := s.InsertRoute(context.Background(), rt); err != nil {
		t.Fatalf("insert route: %v", err)
	}

	adm, ok := admissionRuleFor(t, s, "rt1")
	if !ok {
		t.Fatal("no admission rule bound to route")
	}
	if adm.Enabled || adm.Priority != 0 {
		t.Errorf("admission rule for disabled route = %+v, want disabled at priority 0", adm)
	}
}

func TestGlobalStoreDuplicateHost(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.InsertRoute(ctx, testRoute("rt1", "app.example.com")); err != nil {
		t.Fatalf("insert route: %v", err)
	}
	err := s.InsertRoute(ctx, testRoute("rt2", "app.example.com"))
	if !errors.Is(err, waf.ErrConflict) {
		t.Errorf("got %v, want ErrConflict", err)
	}
}

func TestGlobalStoreInsertRouteBadOriginType(t *testing.T) {
	s := newTestGlobalStore(t)
	rt := testRoute("rt1", "app.example.com")
	rt.OriginType = "carrier-pigeon"
	err := s.InsertRoute(context.Background(), rt)
	if !errors.Is(err, waf.ErrInvalidInput) {
		t.Errorf("got %v, want ErrInvalidInput", err)
	}
}

func TestGlobalStoreUpdateRouteRewritesAdmission(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.InsertRoute(ctx, testRoute("rt1", "app.example.com")); err != nil {
		t.Fatalf("insert route: %v", err)
	}

	upd := testRoute("rt1", "www.example.com")
	if err := s.UpdateRoute(ctx, "rt1", upd); err != nil {
		t.Fatalf("update route: %v", err)
	}

	adm, ok := admissionRuleFor(t, s, "rt1")
	if !ok {
		t.Fatal("admission rule lost on update")
	}
	if adm.Expression[0].Value != "www.example.com" {
		t.Errorf("admission host = %v, want www.example.com", adm.Expression[0].Value)
	}
}

func TestGlobalStoreDisableRouteDisablesAdmission(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.InsertRoute(ctx, testRoute("rt1", "a.example.com")); err != nil {
		t.Fatalf("insert rt1: %v", err)
	}
	if err := s.InsertRoute(ctx, testRoute("rt2", "b.example.com")); err != nil {
		t.Fatalf("insert rt2: %v", err)
	}

	off := testRoute("rt1", "a.example.com")
	off.Enabled = false
	if err := s.UpdateRoute(ctx, "rt1", off); err != nil {
		t.Fatalf("disable rt1: %v", err)
	}

	adm1, _ := admissionRuleFor(t, s, "rt1")
	if adm1.Enabled || adm1.Priority != 0 {
		t.Errorf("rt1 admission = %+v, want disabled", adm1)
	}
	// rt2's admission rule closes the gap left by rt1.
	adm2, _ := admissionRuleFor(t, s, "rt2")
	if !adm2.Enabled || adm2.Priority != 1 {
		t.Errorf("rt2 admission = %+v, want enabled at priority 1", adm2)
	}

	// Re-enabling appends at the tail of the enabled sequence.
	on := testRoute("rt1", "a.example.com")
	if err := s.UpdateRoute(ctx, "rt1", on); err != nil {
		t.Fatalf("re-enable rt1: %v", err)
	}
	adm1, _ = admissionRuleFor(t, s, "rt1")
	if !adm1.Enabled || adm1.Priority != 2 {
		t.Errorf("rt1 admission after re-enable = %+v, want priority 2", adm1)
	}
}

func TestGlobalStoreUpdateRouteMissing(t *testing.T) {
	s := newTestGlobalStore(t)
	err := s.UpdateRoute(context.Background(), "nope", testRoute("nope", "x.example.com"))
	if !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestGlobalStoreDeleteRouteRemovesAdmission(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.InsertRoute(ctx, testRoute("rt1", "a.example.com")); err != nil {
		t.Fatalf("insert rt1: %v", err)
	}
	if err := s.InsertRoute(ctx, testRoute("rt2", "b.example.com")); err != nil {
		t.Fatalf("insert rt2: %v", err)
	}

	if err := s.DeleteRoute(ctx, "rt1"); err != nil {
		t.Fatalf("delete route: %v", err)
	}
	if _, err := s.GetRoute(ctx, "rt1"); !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("route still present: %v", err)
	}
	if _, ok := admissionRuleFor(t, s, "rt1"); ok {
		t.Error("admission rule survived route deletion")
	}
	adm2, _ := admissionRuleFor(t, s, "rt2")
	if adm2.Priority != 1 {
		t.Errorf("rt2 admission priority = %d, want 1 after densify", adm2.Priority)
	}
}

func TestGlobalStoreDeleteRouteMissing(t *testing.T) {
	s := newTestGlobalStore(t)
	err := s.DeleteRoute(context.Background(), "nope")
	if !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("got %v, want ErrNotFound", err)
	}
}

func TestGlobalStoreListRoutes(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.InsertRoute(ctx, testRoute("rt1", "b.example.com")); err != nil {
		t.Fatalf("insert rt1: %v", err)
	}
	if err := s.InsertRoute(ctx, testRoute("rt2", "a.example.com")); err != nil {
		t.Fatalf("insert rt2: %v", err)
	}

	routes, err := s.ListRoutes(ctx)
	if err != nil {
		t.Fatalf("list routes: %v", err)
	}
	if len(routes) != 2 {
		t.Fatalf("got %d routes, want 2", len(routes))
	}
	if routes[0].IncomingHost != "a.example.com" || routes[1].IncomingHost != "b.example.com" {
		t.Errorf("routes not ordered by host: %s, %s", routes[0].IncomingHost, routes[1].IncomingHost)
	}
}

func TestGlobalStoreErrorPages(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	p := route.ErrorPage{HTTPCode: 403, Name: "blocked", Body: "<h1>Blocked</h1>"}
	if err := s.UpsertErrorPage(ctx, p); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	pages, err := s.ListErrorPages(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pages) != 1 || pages[0].HTTPCode != 403 {
		t.Fatalf("pages = %+v", pages)
	}
	if pages[0].ContentType != "text/html" {
		t.Errorf("content type default = %q, want text/html", pages[0].ContentType)
	}

	// Replace by code.
	p.Body = "<h1>Denied</h1>"
	if err := s.UpsertErrorPage(ctx, p); err != nil {
		t.Fatalf("upsert replace: %v", err)
	}
	pages, _ = s.ListErrorPages(ctx)
	if len(pages) != 1 || pages[0].Body != "<h1>Denied</h1>" {
		t.Errorf("pages after replace = %+v", pages)
	}

	if err := s.UpsertErrorPage(ctx, route.ErrorPage{HTTPCode: 42, Body: "x"}); !errors.Is(err, waf.ErrInvalidInput) {
		t.Errorf("bad code: got %v, want ErrInvalidInput", err)
	}

	if err := s.DeleteErrorPage(ctx, 403); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.DeleteErrorPage(ctx, 403); !errors.Is(err, waf.ErrNotFound) {
		t.Errorf("double delete: got %v, want ErrNotFound", err)
	}
}

func TestGlobalStoreTouchThreatFeed(t *testing.T) {
	s := newTestGlobalStore(t)
	ctx := context.Background()

	if err := s.TouchThreatFeed(ctx, "tor-exit-nodes", `{"entries":120}`); err != nil {
		t.Fatalf("touch: %v", err)
	}
	// Second touch updates in place.
	if err := s.TouchThreatFeed(ctx, "tor-exit-nodes", ""); err != nil {
		t.Fatalf("second touch: %v", err)
	}

	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM threat_feeds`).Scan(&n); err != nil {
		t.Fatalf("count feeds: %v", err)
	}
	if n != 1 {
		t.Errorf("feed rows = %d, want 1", n)
	}
}

func TestFactoryRoutePathRejectsTraversal(t *testing.T) {
	f, err := NewFactory(t.TempDir())
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	for _, id := range []string{"", "../evil", "a/b", `a\b`} {
		if _, err := f.OpenRoute(context.Background(), id); !errors.Is(err, waf.ErrInvalidInput) {
			t.Errorf("id %q: got %v, want ErrInvalidInput", id, err)
		}
	}
}

func TestFactoryOpenAndDropRoute(t *testing.T) {
	f, err := NewFactory(t.TempDir())
	if err != nil {
		t.Fatalf("new factory: %v", err)
	}
	p, err := f.OpenRoute(context.Background(), "rt1")
	if err != nil {
		t.Fatalf("open route: %v", err)
	}
	if p.TenantID() != "rt1" {
		t.Errorf("tenant id = %q, want rt1", p.TenantID())
	}
	if err := p.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := f.DropRoute("rt1"); err != nil {
		t.Fatalf("drop route: %v", err)
	}
	// Dropping again is not an error; the files are simply gone.
	if err := f.DropRoute("rt1"); err != nil {
		t.Errorf("second drop: %v", err)
	}
}
