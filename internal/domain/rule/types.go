// Package rule contains the rule evaluation engine: the field projector,
// the predicate and expression evaluators, and the priority-ordered rule
// set scan. The evaluation path performs no I/O and never panics on bad
// rule input; malformed predicates simply do not match.
package rule

import "time"

// Action is the closed set of outcomes a rule can produce.
type Action string

const (
	// ActionBlock denies the request with the configured block response.
	ActionBlock Action = "block"
	// ActionChallenge denies the request but is reported distinctly so
	// downstream consumers can tell challenges from hard blocks.
	ActionChallenge Action = "challenge"
	// ActionAllow admits the request to the next pipeline stage.
	ActionAllow Action = "allow"
	// ActionLog admits the request and tags the decision event.
	ActionLog Action = "log"
)

// Valid reports whether a is one of the defined actions.
func (a Action) Valid() bool {
	switch a {
	case ActionBlock, ActionChallenge, ActionAllow, ActionLog:
		return true
	}
	return false
}

// Denies reports whether the action terminates the request.
func (a Action) Denies() bool {
	return a == ActionBlock || a == ActionChallenge
}

// Operator is the closed set of predicate operators.
type Operator string

const (
	OpIsNull      Operator = "is_null"
	OpIsNotNull   Operator = "is_not_null"
	OpEquals      Operator = "equals"
	OpNotEquals   Operator = "not_equals"
	OpContains    Operator = "contains"
	OpNotContains Operator = "not_contains"
	OpMatches     Operator = "matches"
	OpNotMatches  Operator = "not_matches"
	OpIn          Operator = "in"
	OpNotIn       Operator = "not_in"
	OpGreaterThan Operator = "greater_than"
	OpLessThan    Operator = "less_than"
)

// Valid reports whether op is one of the defined operators.
func (op Operator) Valid() bool {
	switch op {
	case OpIsNull, OpIsNotNull, OpEquals, OpNotEquals, OpContains,
		OpNotContains, OpMatches, OpNotMatches, OpIn, OpNotIn,
		OpGreaterThan, OpLessThan:
		return true
	}
	return false
}

// Predicate is a single (field, operator, value) test against the projected
// field map. Value is a scalar for most operators and a list for in/not_in.
type Predicate struct {
	Field    string   `json:"field"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value,omitempty"`
}

// Rule is a tenant-owned firewall rule. The expression is a conjunctive
// (AND-only) ordered predicate list; an empty expression matches every
// request.
type Rule struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Enabled     bool        `json:"enabled"`
	Action      Action      `json:"action"`
	Expression  []Predicate `json:"expression"`
	Tags        []string    `json:"tags,omitempty"`
	// Priority orders enabled rules within a tenant; enabled priorities
	// form a dense 1..N sequence after any edit. Stored priorities on
	// disabled rules carry no meaning.
	Priority     int  `json:"priority"`
	TriggerAlert bool `json:"trigger_alert,omitempty"`
	// BlockHTTPCode overrides the block status code; 0 means default 403.
	BlockHTTPCode int       `json:"block_http_code,omitempty"`
	CreatedAt     time.Time `json:"created_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at,omitempty"`
}

// Outcome is the closed sum of rule set evaluation results: either no rule
// matched, or the first matching rule's action plus its identity.
type Outcome struct {
	// Matched is false for the no-match arm; the remaining fields are
	// meaningful only when it is true.
	Matched bool
	Action  Action
	RuleID  string
	// BlockHTTPCode is the matched rule's override, 0 when unset.
	BlockHTTPCode int
	// TriggerAlert carries the matched rule's alert flag to the decision
	// logger.
	TriggerAlert bool
}

// NoMatch is the zero Outcome, returned when no enabled rule matched.
var NoMatch = Outcome{}
