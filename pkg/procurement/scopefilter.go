package procurement

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harborline/backoffice/pkg/scope"
)

// Scope fields a store may translate into SQL. Sentinel or unknown fields in
// a scope-by-field map are ignored here; callers must reject denied scopes
// before building a filter.
var scopeFilterFields = scope.NewStringSet(
	scope.FieldCustomerID,
	scope.FieldCompanyID,
	scope.FieldVendorID,
	scope.FieldForwarderID,
)

// ScopeFilter is a rendered SQL fragment restricting a query to the caller's
// scope. An empty Clause with MatchNone false means unrestricted. MatchNone
// is set when the caller holds a restriction but none of its fields map onto
// a column of the query, so no row can satisfy it.
type ScopeFilter struct {
	Clause    string
	Args      []interface{}
	MatchNone bool
}

// BuildScopeFilter renders a scope-by-field map into a SQL condition over the
// given field-to-column mapping. Per-field conditions are OR-ed: a row is
// visible when any of its scoped columns holds a permitted identifier.
// Placeholders are numbered starting at firstArg.
func BuildScopeFilter(scopeByField scope.ScopeByField, columns map[string]string, firstArg int) ScopeFilter {
	var relevant []string
	for field, ids := range scopeByField {
		if scopeFilterFields.Has(field) && len(ids) > 0 {
			relevant = append(relevant, field)
		}
	}
	if len(relevant) == 0 {
		return ScopeFilter{}
	}
	sort.Strings(relevant)

	var conditions []string
	var args []interface{}
	next := firstArg
	for _, field := range relevant {
		column, ok := columns[field]
		if !ok {
			continue
		}
		ids := scopeByField[field].Values()
		placeholders := make([]string, len(ids))
		for i, id := range ids {
			placeholders[i] = fmt.Sprintf("$%d", next)
			args = append(args, id)
			next++
		}
		conditions = append(conditions, fmt.Sprintf("%s IN (%s)", column, strings.Join(placeholders, ", ")))
	}
	if len(conditions) == 0 {
		// The caller is restricted but this query exposes none of the scoped
		// columns, so nothing is visible.
		return ScopeFilter{MatchNone: true}
	}
	return ScopeFilter{
		Clause: "(" + strings.Join(conditions, " OR ") + ")",
		Args:   args,
	}
}

// RowInScope evaluates the scope filter against one already-loaded row,
// given its value per scoped field (nil when the row has no such column).
// A field whose row value is absent neither matches nor fails; a present
// value outside the permitted set rejects the row outright, and at least
// one field must match. An unrestricted scope accepts every row.
func RowInScope(scopeByField scope.ScopeByField, valuesByField map[string]*int64) bool {
	relevant := make(scope.ScopeByField)
	for field, ids := range scopeByField {
		if scopeFilterFields.Has(field) && len(ids) > 0 {
			relevant[field] = ids
		}
	}
	if len(relevant) == 0 {
		return true
	}
	matched := false
	for field, ids := range relevant {
		value := valuesByField[field]
		if value == nil {
			continue
		}
		if !ids.Contains(*value) {
			return false
		}
		matched = true
	}
	return matched
}
