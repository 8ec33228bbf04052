package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hostwaf/hostwaf/internal/domain/waf"
)

// StoreFactory opens and destroys per-tenant persistence. Implemented by
// the sqlite adapter.
type StoreFactory interface {
	OpenGlobal(ctx context.Context) (GlobalPersistence, error)
	OpenRoute(ctx context.Context, routeID string) (RulePersistence, error)
	// DropRoute removes a route tenant's backing storage after its store
	// is closed.
	DropRoute(routeID string) error
}

// Registry owns the tenant stores: the global singleton plus one store per
// route, created on first reference and destroyed with the route.
type Registry struct {
	factory StoreFactory
	global  *GlobalService
	auditor *AuditEmitter
	logger  *slog.Logger

	mu     sync.Mutex
	routes map[string]*TenantStore
	closed bool
}

// NewRegistry opens the global store and prepares lazy route stores.
func NewRegistry(ctx context.Context, factory StoreFactory, auditor *AuditEmitter, logger *slog.Logger) (*Registry, error) {
	gp, err := factory.OpenGlobal(ctx)
	if err != nil {
		return nil, fmt.Errorf("open global store: %w", err)
	}
	r := &Registry{
		factory: factory,
		global:  NewGlobalService(gp, auditor, logger),
		auditor: auditor,
		logger:  logger,
		routes:  make(map[string]*TenantStore),
	}
	r.global.onRouteDelete = r.dropRoute
	return r, nil
}

// Global returns the global tenant store.
func (r *Registry) Global() *GlobalService { return r.global }

// Route returns the tenant store for a route, opening its backing database
// on first reference. The route must exist in the global directory.
func (r *Registry) Route(ctx context.Context, routeID string) (*TenantStore, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, fmt.Errorf("registry closed: %w", waf.ErrInternal)
	}
	if s, ok := r.routes[routeID]; ok {
		r.mu.Unlock()
		return s, nil
	}
	r.mu.Unlock()

	// Validate against the directory before creating storage so a typo'd
	// id cannot materialize a database.
	if _, err := r.global.GetRoute(ctx, routeID); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.routes[routeID]; ok {
		return s, nil
	}
	p, err := r.factory.OpenRoute(ctx, routeID)
	if err != nil {
		return nil, fmt.Errorf("open route store %s: %w", routeID, err)
	}
	s := NewTenantStore(p, r.auditor, r.logger)
	r.routes[routeID] = s
	r.logger.Info("route tenant store opened", "route", routeID)
	return s, nil
}

// dropRoute closes and destroys a route tenant's store. Called by the
// global service after the route row is gone.
func (r *Registry) dropRoute(routeID string) {
	r.mu.Lock()
	s, ok := r.routes[routeID]
	delete(r.routes, routeID)
	r.mu.Unlock()

	if ok {
		if err := s.Close(); err != nil {
			r.logger.Warn("closing route tenant store", "route", routeID, "error", err)
		}
	}
	if err := r.factory.DropRoute(routeID); err != nil {
		r.logger.Warn("dropping route tenant storage", "route", routeID, "error", err)
	}
}

// Close releases every open tenant store.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var errs []error
	for id, s := range r.routes {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("route %s: %w", id, err))
		}
	}
	r.routes = nil
	if err := r.global.Close(); err != nil {
		errs = append(errs, fmt.Errorf("global: %w", err))
	}
	return errors.Join(errs...)
}
