package query

// ContainsRegexOperator walks a selector tree (including nested arrays and
// objects) and reports whether a $regex operator appears anywhere. Pattern
// matching selectors are rejected before execution on every query path
// because a crafted pattern can lock up the matcher with catastrophic
// backtracking.
func ContainsRegexOperator(selector any) bool {
	switch v := selector.(type) {
	case nil:
		return false
	case []any:
		for _, item := range v {
			if ContainsRegexOperator(item) {
				return true
			}
		}
		return false
	case map[string]any:
		for key, value := range v {
			if key == "$regex" {
				return true
			}
			if ContainsRegexOperator(value) {
				return true
			}
		}
		return false
	default:
		return false
	}
}
