package policy

import (
	"context"
	"strings"

	"github.com/harborline/backoffice/pkg/scope"
)

// Decision reason codes, machine-readable and used only for logs and tests
const (
	ReasonNoPolicy                = "no_policy"
	ReasonBypassRole              = "bypass_role"
	ReasonAllowedRolesAnyFailed   = "allowed_roles_any_failed"
	ReasonRequiredRolesAllFailed  = "required_roles_all_failed"
	ReasonInvalidMetadataContract = "invalid_metadata_contract"
	ReasonEmptyResolvedScope      = "empty_resolved_scope_for_scoped_endpoint"
	ReasonOK                      = "ok"
)

// Decision is the full audit-capable result of one policy evaluation.
// Allow with an empty ScopeByField means unrestricted visibility; a non-empty
// map means the caller must filter each field to the given identifier sets,
// OR'd across fields.
type Decision struct {
	Allow           bool
	ScopeByField    scope.ScopeByField
	MatchedPolicyID string
	Reason          string
	Bypass          bool
}

// Engine evaluates the current policy document against a user's resolved
// scope. It never denies for missing configuration, only for explicit policy
// outcomes; infrastructure failures surface as errors.
type Engine struct {
	resolver *scope.Resolver
	store    *MetadataStore
}

// NewEngine creates a decision engine
func NewEngine(resolver *scope.Resolver, store *MetadataStore) *Engine {
	return &Engine{resolver: resolver, store: store}
}

// Decide evaluates the matched policy for a request and returns the decision.
// The document variant picks the evaluator: mapping-based v2 when the
// document carries role_scope_mapping, clause-based v1 otherwise.
func (e *Engine) Decide(ctx context.Context, userEmail, endpointKey, httpMethod, endpointPath string) (*Decision, error) {
	doc := e.store.Get(ctx)
	if doc.V2 != nil {
		return e.decideV2(ctx, doc.V2, userEmail, endpointKey, httpMethod, endpointPath)
	}
	if doc.V1 != nil {
		return e.decideV1(ctx, doc.V1, userEmail, endpointKey)
	}
	return &Decision{Allow: true, ScopeByField: scope.ScopeByField{}, Reason: ReasonNoPolicy}, nil
}

func (e *Engine) decideV2(ctx context.Context, doc *DocumentV2, userEmail, endpointKey, httpMethod, endpointPath string) (*Decision, error) {
	policy := doc.MatchPolicy(endpointKey, httpMethod, endpointPath)
	if policy == nil {
		return &Decision{Allow: true, ScopeByField: scope.ScopeByField{}, Reason: ReasonNoPolicy}, nil
	}

	policyID := strings.TrimSpace(policy.ID)
	unionScope, err := e.resolver.ResolveUnionScope(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	roleNames := unionScope.RoleNames

	bypassRoles := normalizeRoleSet(policy.BypassRoles)
	if len(bypassRoles) > 0 && roleNames.Intersects(bypassRoles) {
		return &Decision{
			Allow:           true,
			ScopeByField:    scope.ScopeByField{},
			MatchedPolicyID: policyID,
			Reason:          ReasonBypassRole,
			Bypass:          true,
		}, nil
	}

	allowedRolesAny := normalizeRoleSet(policy.AllowedRolesAny)
	if len(allowedRolesAny) > 0 && !roleNames.Intersects(allowedRolesAny) {
		return &Decision{
			Allow:           false,
			ScopeByField:    scope.ScopeByField{},
			MatchedPolicyID: policyID,
			Reason:          ReasonAllowedRolesAnyFailed,
		}, nil
	}

	requiredRolesAll := normalizeRoleSet(policy.RequiredRolesAll)
	if len(requiredRolesAll) > 0 && !roleNames.ContainsAll(requiredRolesAll) {
		return &Decision{
			Allow:           false,
			ScopeByField:    scope.ScopeByField{},
			MatchedPolicyID: policyID,
			Reason:          ReasonRequiredRolesAllFailed,
		}, nil
	}

	// A matched policy that cannot be trusted must never grant access.
	scopedDoc := &DocumentV2{
		EndpointPolicies: []PolicyV2{*policy},
		RoleScopeMapping: doc.RoleScopeMapping,
	}
	if validationErrors := ValidatePolicyPayload(scopedDoc, nil); len(validationErrors) > 0 {
		return &Decision{
			Allow:           false,
			ScopeByField:    scope.ScopeByField{},
			MatchedPolicyID: policyID,
			Reason:          ReasonInvalidMetadataContract,
		}, nil
	}

	if mode := policy.EffectiveScopeMode(); mode != "union" {
		return &Decision{
			Allow:           true,
			ScopeByField:    scope.ScopeByField{},
			MatchedPolicyID: policyID,
			Reason:          "scope_mode_" + mode,
		}, nil
	}

	scopeDimensions := normalizeDimensionSet(policy.ScopeDimensions)
	scopeByField, err := e.resolveV2ScopeByField(ctx, userEmail, roleNames, doc.RoleScopeMapping, scopeDimensions)
	if err != nil {
		return nil, err
	}

	if len(scopeDimensions) > 0 && len(scopeByField) == 0 {
		return &Decision{
			Allow:           false,
			ScopeByField:    scope.ScopeByField{},
			MatchedPolicyID: policyID,
			Reason:          ReasonEmptyResolvedScope,
		}, nil
	}

	return &Decision{
		Allow:           true,
		ScopeByField:    scopeByField,
		MatchedPolicyID: policyID,
		Reason:          ReasonOK,
	}, nil
}

func (e *Engine) resolveV2ScopeByField(ctx context.Context, userEmail string, roleNames scope.StringSet, mapping []MappingRule, scopeDimensions scope.StringSet) (scope.ScopeByField, error) {
	scopeByField := make(scope.ScopeByField)
	for _, rule := range mapping {
		role := scope.NormalizeRole(rule.Role)
		if role != "" && !roleNames.Has(role) {
			continue
		}

		dimension := strings.TrimSpace(rule.Dimension)
		if dimension == "" {
			continue
		}
		if len(scopeDimensions) > 0 && !scopeDimensions.Has(dimension) {
			continue
		}

		source := strings.TrimSpace(rule.Source)
		if source == "" {
			continue
		}
		ids, err := e.resolver.ResolveIDsFromSource(ctx, userEmail, source)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			continue
		}

		targetField := rule.TargetField
		if targetField == "" {
			targetField = dimension
		}
		// an explicit but blank target_field disables the rule rather than
		// falling back to the dimension
		targetField = strings.TrimSpace(targetField)
		if targetField == "" {
			continue
		}
		scopeByField.Bucket(targetField).Union(ids)
	}
	return scopeByField, nil
}

// v1 evaluation never denies; it only ever restricts via scope-by-field
func (e *Engine) decideV1(ctx context.Context, doc *DocumentV1, userEmail, endpointKey string) (*Decision, error) {
	policy := doc.MatchPolicy(endpointKey)
	if policy == nil {
		return &Decision{Allow: true, ScopeByField: scope.ScopeByField{}, Reason: ReasonNoPolicy}, nil
	}

	dimensions, roleNames, err := e.resolveV1DimensionMaps(ctx, userEmail)
	if err != nil {
		return nil, err
	}

	scopeByField := make(scope.ScopeByField)
	for i := range policy.SourceFilter.Clauses {
		clause := &policy.SourceFilter.Clauses[i]
		if !clause.IsEnabled() {
			continue
		}

		anyRoles := normalizeRoleSet(clause.WhenAnyRole)
		if len(anyRoles) > 0 && !roleNames.Intersects(anyRoles) {
			continue
		}
		allRoles := normalizeRoleSet(clause.WhenAllRoles)
		if len(allRoles) > 0 && !roleNames.ContainsAll(allRoles) {
			continue
		}

		entry, ok := dimensions[strings.TrimSpace(clause.Dimension)]
		if !ok {
			continue
		}
		targetField := strings.TrimSpace(clause.TargetField)
		if targetField == "" {
			targetField = entry.defaultTargetField
		}
		if targetField == "" {
			continue
		}

		ids := entry.ids.Clone()
		includeValues := normalizeTokens(clause.IncludeValues)
		if len(includeValues) > 0 {
			ids = make(scope.IDSet)
			for value := range includeValues {
				if id, found := entry.idsByCode[value]; found {
					ids.Add(id)
				}
			}
		}
		excludeValues := normalizeTokens(clause.ExcludeValues)
		if len(excludeValues) > 0 && len(entry.idsByCode) > 0 {
			for value := range excludeValues {
				if id, found := entry.idsByCode[value]; found {
					delete(ids, id)
				}
			}
		}
		if len(ids) == 0 {
			continue
		}

		scopeByField.Bucket(targetField).Union(ids)
	}

	return &Decision{Allow: true, ScopeByField: scopeByField, Reason: ReasonOK}, nil
}

type v1DimensionEntry struct {
	ids                scope.IDSet
	idsByCode          map[string]int64
	defaultTargetField string
}

func (e *Engine) resolveV1DimensionMaps(ctx context.Context, userEmail string) (map[string]v1DimensionEntry, scope.StringSet, error) {
	unionScope, err := e.resolver.ResolveUnionScope(ctx, userEmail)
	if err != nil {
		return nil, nil, err
	}
	codes, err := e.resolver.ResolveDimensionCodes(ctx, userEmail)
	if err != nil {
		return nil, nil, err
	}

	dimensions := map[string]v1DimensionEntry{
		"forwarder_code": {
			ids:                unionScope.ForwarderPartnerIDs,
			idsByCode:          codes.ForwarderIDsByCode,
			defaultTargetField: scope.FieldForwarderID,
		},
		"supplier_code": {
			ids:                unionScope.SupplierPartnerIDs,
			idsByCode:          codes.SupplierIDsByCode,
			defaultTargetField: scope.FieldVendorID,
		},
		"customer_code": {
			ids:                unionScope.CustomerIDs,
			idsByCode:          codes.CustomerIDsByCode,
			defaultTargetField: scope.FieldCustomerID,
		},
	}
	return dimensions, unionScope.RoleNames, nil
}

func normalizeTokens(values []string) scope.StringSet {
	out := make(scope.StringSet, len(values))
	for _, v := range values {
		if trimmed := strings.ToLower(strings.TrimSpace(v)); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}
