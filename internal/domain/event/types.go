// Package event contains domain types for per-request decision events.
package event

import (
	"context"
	"time"
)

// Terminal actions reported by the decision logger. BLOCK, CHALLENGE, and
// ALLOW mirror the matched rule's action; the rest are synthesized by the
// pipeline.
const (
	ActionBlock           = "BLOCK"
	ActionChallenge       = "CHALLENGE"
	ActionAllow           = "ALLOW"
	ActionLog             = "LOG"
	ActionFinalDeny       = "FINAL_DENY"
	ActionOriginMisconfig = "ORIGIN_MISCONFIG"
)

// Record is one decision event, emitted per terminated request. Emission is
// fire-and-forget; the request path never waits on the sink.
type Record struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Action    string    `json:"action"`
	RuleID    string    `json:"rule_id,omitempty"`
	// Context is "global" or the route id whose evaluation terminated the
	// request.
	Context   string `json:"context"`
	RouteHost string `json:"route_host,omitempty"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	Country   string `json:"country,omitempty"`
	ASN       string `json:"asn,omitempty"`
	Colo      string `json:"colo,omitempty"`
	// MetaBlob and HeadersBlob are JSON-encoded copies of the edge meta bag
	// and the request headers for offline analysis.
	MetaBlob    string `json:"meta_blob,omitempty"`
	HeadersBlob string `json:"headers_blob,omitempty"`
	// Alert is set when the matched rule carried trigger_alert.
	Alert bool `json:"alert,omitempty"`
	// Dropped is the number of events the emitter discarded since the last
	// successful append, surfaced to the sink for accounting.
	Dropped int64 `json:"dropped,omitempty"`
}

// Sink is the append-only event store contract.
type Sink interface {
	Append(ctx context.Context, records ...Record) error
}

// Aggregator folds raw events into periodic summaries. Invoked by the
// scheduled ops tick, never on the request path.
type Aggregator interface {
	Aggregate(ctx context.Context) error
}
