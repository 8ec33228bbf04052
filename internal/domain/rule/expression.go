package rule

// evalExpression AND-combines the predicates of a rule, left to right,
// short-circuiting on the first false. An empty expression matches every
// request. Disjunction is not supported; tenants expressing OR define
// separate rules.
func evalExpression(r *Rule, fields FieldMap) bool {
	for ix, p := range r.Expression {
		if !evalPredicate(r.ID, ix, p, fields) {
			return false
		}
	}
	return true
}
