// Package audit contains domain types for configuration audit records.
package audit

import (
	"context"
	"time"
)

// Action constants for configuration audit records.
const (
	ActionRuleCreate      = "rule.create"
	ActionRuleUpdate      = "rule.update"
	ActionRuleDelete      = "rule.delete"
	ActionRuleReorder     = "rule.reorder"
	ActionRouteCreate     = "route.create"
	ActionRouteUpdate     = "route.update"
	ActionRouteDelete     = "route.delete"
	ActionErrorPageUpsert = "error_page.upsert"
	ActionErrorPageDelete = "error_page.delete"
	ActionFeedRefresh     = "feed.refresh"
)

// Record captures one committed configuration write. Before and After hold
// JSON-encoded snapshots of the target; either may be empty for create and
// delete respectively.
type Record struct {
	// Timestamp when the write committed.
	Timestamp time.Time `json:"timestamp"`
	// Actor is the resolved administrator identity.
	Actor string `json:"actor"`
	// Context is the owning tenant id ("global" or a route id).
	Context string `json:"context"`
	// Action categorizes the write (rule.*, route.*, error_page.*).
	Action string `json:"action"`
	// TargetID identifies the affected record.
	TargetID string `json:"target_id"`
	// Before is the JSON-encoded prior state, empty on create.
	Before string `json:"before,omitempty"`
	// After is the JSON-encoded new state, empty on delete.
	After string `json:"after,omitempty"`
}

// Sink is the append-only audit store contract. Emission failure is logged
// by the caller and retried by the sink's own discipline; a committed write
// is never rolled back for audit.
type Sink interface {
	Append(ctx context.Context, records ...Record) error
}
