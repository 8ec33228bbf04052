package sqlite

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hostwaf/hostwaf/internal/domain/waf"
	"github.com/hostwaf/hostwaf/internal/service"
)

// Factory creates tenant databases under a data directory: global.db for
// the global tenant and route-<id>.db per route.
type Factory struct {
	dir string
}

var (
	_ service.StoreFactory      = (*Factory)(nil)
	_ service.RulePersistence   = (*RuleStore)(nil)
	_ service.GlobalPersistence = (*GlobalStore)(nil)
)

// NewFactory ensures the data directory exists.
func NewFactory(dir string) (*Factory, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Factory{dir: dir}, nil
}

// OpenGlobal opens the global tenant database.
func (f *Factory) OpenGlobal(ctx context.Context) (service.GlobalPersistence, error) {
	db, err := Open(filepath.Join(f.dir, "global.db"), true)
	if err != nil {
		return nil, err
	}
	return NewGlobalStore(db), nil
}

// OpenRoute opens (creating if needed) a route tenant database.
func (f *Factory) OpenRoute(ctx context.Context, routeID string) (service.RulePersistence, error) {
	path, err := f.routePath(routeID)
	if err != nil {
		return nil, err
	}
	db, err := Open(path, false)
	if err != nil {
		return nil, err
	}
	return NewRuleStore(db, routeID), nil
}

// DropRoute deletes a route tenant's database and its WAL sidecars.
func (f *Factory) DropRoute(routeID string) error {
	path, err := f.routePath(routeID)
	if err != nil {
		return err
	}
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove %s: %w", p, err)
		}
	}
	return nil
}

// routePath rejects ids that would escape the data directory.
func (f *Factory) routePath(routeID string) (string, error) {
	if routeID == "" || strings.ContainsAny(routeID, `/\`) || strings.Contains(routeID, "..") {
		return "", fmt.Errorf("route id %q: %w", routeID, waf.ErrInvalidInput)
	}
	return filepath.Join(f.dir, "route-"+routeID+".db"), nil
}
