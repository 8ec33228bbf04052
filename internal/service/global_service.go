package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/hostwaf/hostwaf/internal/domain/audit"
	"github.com/hostwaf/hostwaf/internal/domain/route"
	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// GlobalPersistence extends rule persistence with the directory tables only
// the global tenant carries.
type GlobalPersistence interface {
	RulePersistence

	ListRoutes(ctx context.Context) ([]route.Route, error)
	GetRoute(ctx context.Context, id string) (route.Route, error)
	InsertRoute(ctx context.Context, r route.Route) error
	UpdateRoute(ctx context.Context, id string, r route.Route) error
	DeleteRoute(ctx context.Context, id string) error

	ListErrorPages(ctx context.Context) ([]route.ErrorPage, error)
	UpsertErrorPage(ctx context.Context, p route.ErrorPage) error
	DeleteErrorPage(ctx context.Context, httpCode int) error

	TouchThreatFeed(ctx context.Context, name, payload string) error
}

// Directory is the immutable cached view of the route table and error
// pages, read lock-free on the request path.
type Directory struct {
	Routes     []route.Route
	ErrorPages map[int]route.ErrorPage
	LoadedAt   time.Time
}

// GlobalService is the global tenant: the singleton ruleset plus the route
// directory and error pages. Route writes cascade to the admission rule in
// the same transaction at the persistence layer; this layer adds caching
// and audit.
type GlobalService struct {
	*TenantStore
	persistence GlobalPersistence
	directory   atomic.Pointer[Directory]
	logger      *slog.Logger

	// onRouteDelete tears down the deleted route's tenant store. Wired by
	// the registry.
	onRouteDelete func(routeID string)
}

// NewGlobalService wraps global persistence with cached views.
func NewGlobalService(p GlobalPersistence, auditor *AuditEmitter, logger *slog.Logger) *GlobalService {
	return &GlobalService{
		TenantStore: NewTenantStore(p, auditor, logger),
		persistence: p,
		logger:      logger.With("tenant", "global"),
	}
}

// Directory returns the cached route table and error pages, loading on miss.
func (s *GlobalService) Directory(ctx context.Context) (*Directory, error) {
	if dir := s.directory.Load(); dir != nil {
		return dir, nil
	}
	return s.reloadDirectory(ctx)
}

func (s *GlobalService) reloadDirectory(ctx context.Context) (*Directory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := s.directory.Load(); dir != nil {
		return dir, nil
	}

	routes, err := s.persistence.ListRoutes(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload directory: %w", err)
	}
	pages, err := s.persistence.ListErrorPages(ctx)
	if err != nil {
		return nil, fmt.Errorf("reload directory: %w", err)
	}
	byCode := make(map[int]route.ErrorPage, len(pages))
	for _, p := range pages {
		byCode[p.HTTPCode] = p
	}
	dir := &Directory{Routes: routes, ErrorPages: byCode, LoadedAt: time.Now().UTC()}
	s.directory.Store(dir)
	s.logger.Debug("directory reloaded", "routes", len(routes), "error_pages", len(pages))
	return dir, nil
}

// ResolveRoute matches a request host against the cached directory.
// Returns nil when no route admits the host.
func (s *GlobalService) ResolveRoute(ctx context.Context, host string) (*route.Route, error) {
	dir, err := s.Directory(ctx)
	if err != nil {
		return nil, err
	}
	return route.Match(host, dir.Routes), nil
}

// BlockPage resolves the configured error page for a status code. The
// second return reports whether a configured page was found; callers fall
// back to the built-in page otherwise.
func (s *GlobalService) BlockPage(ctx context.Context, code int) (route.ErrorPage, bool) {
	dir, err := s.Directory(ctx)
	if err != nil {
		return route.ErrorPage{}, false
	}
	p, ok := dir.ErrorPages[code]
	return p, ok
}

// CreateRoute validates and inserts a route. The paired admission rule is
// created by persistence in the same transaction, so both caches
// invalidate.
func (s *GlobalService) CreateRoute(ctx context.Context, actor string, r route.Route) (route.Route, error) {
	if err := validateRoute(&r); err != nil {
		return route.Route{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistence.InsertRoute(ctx, r); err != nil {
		return route.Route{}, err
	}
	s.directory.Store(nil)
	s.snapshot.Store(nil)

	created, err := s.persistence.GetRoute(ctx, r.ID)
	if err != nil {
		return route.Route{}, err
	}
	s.audit(actor, audit.ActionRouteCreate, r.ID, "", encodeAudit(created))
	return created, nil
}

// UpdateRoute fully replaces a route; the admission rule follows the host
// and enabled flag transactionally.
func (s *GlobalService) UpdateRoute(ctx context.Context, actor, id string, r route.Route) (route.Route, error) {
	if err := validateRoute(&r); err != nil {
		return route.Route{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.persistence.GetRoute(ctx, id)
	if err != nil {
		return route.Route{}, err
	}
	if err := s.persistence.UpdateRoute(ctx, id, r); err != nil {
		return route.Route{}, err
	}
	s.directory.Store(nil)
	s.snapshot.Store(nil)

	after, err := s.persistence.GetRoute(ctx, id)
	if err != nil {
		return route.Route{}, err
	}
	s.audit(actor, audit.ActionRouteUpdate, id, encodeAudit(before), encodeAudit(after))
	return after, nil
}

// DeleteRoute removes a route and its admission rule, then tears down the
// route's tenant store and backing database.
func (s *GlobalService) DeleteRoute(ctx context.Context, actor, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	before, err := s.persistence.GetRoute(ctx, id)
	if err != nil {
		return err
	}
	if err := s.persistence.DeleteRoute(ctx, id); err != nil {
		return err
	}
	s.directory.Store(nil)
	s.snapshot.Store(nil)

	if s.onRouteDelete != nil {
		s.onRouteDelete(id)
	}
	s.audit(actor, audit.ActionRouteDelete, id, encodeAudit(before), "")
	return nil
}

// ListRoutes returns the cached route directory.
func (s *GlobalService) ListRoutes(ctx context.Context) ([]route.Route, error) {
	dir, err := s.Directory(ctx)
	if err != nil {
		return nil, err
	}
	return dir.Routes, nil
}

// GetRoute returns one route from the cached directory.
func (s *GlobalService) GetRoute(ctx context.Context, id string) (route.Route, error) {
	dir, err := s.Directory(ctx)
	if err != nil {
		return route.Route{}, err
	}
	for i := range dir.Routes {
		if dir.Routes[i].ID == id {
			return dir.Routes[i], nil
		}
	}
	return route.Route{}, fmt.Errorf("route %s: %w", id, waf.ErrNotFound)
}

// ListErrorPages returns the configured error pages in code order.
func (s *GlobalService) ListErrorPages(ctx context.Context) ([]route.ErrorPage, error) {
	return s.persistence.ListErrorPages(ctx)
}

// UpsertErrorPage installs an error page and audits the change.
func (s *GlobalService) UpsertErrorPage(ctx context.Context, actor string, p route.ErrorPage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistence.UpsertErrorPage(ctx, p); err != nil {
		return err
	}
	s.directory.Store(nil)
	s.audit(actor, audit.ActionErrorPageUpsert, fmt.Sprintf("%d", p.HTTPCode), "", encodeAudit(p))
	return nil
}

// DeleteErrorPage removes an error page and audits the change.
func (s *GlobalService) DeleteErrorPage(ctx context.Context, actor string, httpCode int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.persistence.DeleteErrorPage(ctx, httpCode); err != nil {
		return err
	}
	s.directory.Store(nil)
	s.audit(actor, audit.ActionErrorPageDelete, fmt.Sprintf("%d", httpCode), "", "")
	return nil
}

// RefreshThreatFeed records a feed refresh and audits it.
func (s *GlobalService) RefreshThreatFeed(ctx context.Context, actor, name, payload string) error {
	if name == "" {
		return fmt.Errorf("feed name required: %w", waf.ErrInvalidInput)
	}
	if err := s.persistence.TouchThreatFeed(ctx, name, payload); err != nil {
		return err
	}
	s.audit(actor, audit.ActionFeedRefresh, name, "", "")
	return nil
}

// validateRoute applies the schema checks shared by create and update.
func validateRoute(r *route.Route) error {
	if r.ID == "" {
		return fmt.Errorf("route id required: %w", waf.ErrInvalidInput)
	}
	r.IncomingHost = strings.ToLower(strings.TrimSpace(r.IncomingHost))
	if r.IncomingHost == "" {
		return fmt.Errorf("incoming_host required: %w", waf.ErrInvalidInput)
	}
	if !r.OriginType.Valid() {
		return fmt.Errorf("origin_type %q: %w", r.OriginType, waf.ErrInvalidInput)
	}
	switch r.OriginType {
	case route.OriginURL:
		u, err := url.Parse(r.OriginURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("origin_url %q: %w", r.OriginURL, waf.ErrInvalidInput)
		}
	case route.OriginService:
		if r.OriginServiceName == "" {
			return fmt.Errorf("origin_service_name required: %w", waf.ErrInvalidInput)
		}
	}
	return nil
}
