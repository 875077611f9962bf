package policy

import (
	"fmt"
	"sort"
	"strings"

	"github.com/harborline/backoffice/pkg/scope"
)

// RequiredBusinessEndpointKeys are the endpoint keys every production policy
// document must cover with an enabled policy.
var RequiredBusinessEndpointKeys = scope.NewStringSet(
	"purchase_orders",
	"purchase_orders.create",
	"purchase_orders.initialization_data",
	"purchase_orders.schedule_lines_merge",
	"purchase_orders.text_profile.resolve",
	"purchase_orders.texts.update",
	"shipments.from_schedule_lines",
	"shipments.create",
	"shipments.text_profile.resolve",
	"shipments.list",
	"shipments.workspace",
	"shipments.read",
	"shipments.delete",
	"shipments.texts.update",
	"reports.po_to_group",
	"reports.visibility",
	"reports.metadata",
	"reports.visibility.metadata",
)

// BuyerScopedEndpointKeys are endpoint keys whose policies must keep the
// customer dimension, so buyer users never lose visibility of their own data.
var BuyerScopedEndpointKeys = scope.NewStringSet(
	"purchase_orders",
	"purchase_orders.create",
	"purchase_orders.initialization_data",
	"purchase_orders.schedule_lines_merge",
	"purchase_orders.text_profile.resolve",
	"purchase_orders.texts.update",
	"shipments.from_schedule_lines",
	"shipments.create",
	"shipments.text_profile.resolve",
	"shipments.list",
	"shipments.workspace",
	"shipments.read",
	"shipments.delete",
	"shipments.texts.update",
	"reports.po_to_group",
	"reports.visibility",
	"reports.metadata",
	"reports.visibility.metadata",
)

func normalizeRoleSet(values []string) scope.StringSet {
	out := make(scope.StringSet, len(values))
	for _, v := range values {
		if normalized := scope.NormalizeRole(v); normalized != "" {
			out[normalized] = struct{}{}
		}
	}
	return out
}

func normalizeDimensionSet(values []string) scope.StringSet {
	out := make(scope.StringSet, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out[trimmed] = struct{}{}
		}
	}
	return out
}

func normalizeSource(value string) string {
	return strings.Join(strings.Fields(value), " ")
}

// IsSourceDimensionCompatible reports whether a mapping rule's declarative
// source can plausibly produce identifiers for its declared dimension.
func IsSourceDimensionCompatible(dimension, source string) bool {
	dimensionValue := strings.TrimSpace(dimension)
	sourceNormalized := normalizeSource(source)
	sourceLower := strings.ToLower(sourceNormalized)

	if dimensionValue == "" || sourceLower == "" {
		return false
	}

	switch {
	case strings.HasPrefix(sourceLower, scope.SourceCustomerLinkCustomerID):
		return dimensionValue == scope.FieldCustomerID
	case strings.HasPrefix(sourceLower, scope.SourceCustomerLinkCompanyID):
		return dimensionValue == scope.FieldCompanyID
	case strings.HasPrefix(sourceLower, scope.SourcePartnerLinkPartnerID):
		partnerRole := scope.ParsePartnerRoleFilter(sourceNormalized)
		if scope.IsSupplierRoleCode(partnerRole) {
			return dimensionValue == scope.FieldVendorID
		}
		if scope.IsForwarderRoleCode(partnerRole) {
			return dimensionValue == scope.FieldForwarderID
		}
		return dimensionValue == scope.FieldVendorID || dimensionValue == scope.FieldForwarderID
	}
	return false
}

// ValidatePolicyPayload checks a v2 document against the metadata contract
// and returns human-readable errors, empty meaning valid. A nil
// requiredEndpointKeys set skips the business-coverage checks, which is how
// the decision engine validates a single matched policy.
func ValidatePolicyPayload(doc *DocumentV2, requiredEndpointKeys scope.StringSet) []string {
	var errors []string
	if doc == nil {
		return []string{"Payload must be a JSON object."}
	}

	roleToDimensions := make(map[string]scope.StringSet)
	for idx, rule := range doc.RoleScopeMapping {
		role := scope.NormalizeRole(rule.Role)
		dimension := strings.TrimSpace(rule.Dimension)
		source := normalizeSource(rule.Source)

		if role == "" {
			errors = append(errors, fmt.Sprintf("role_scope_mapping[%d] role is required.", idx))
			continue
		}
		if dimension == "" {
			errors = append(errors, fmt.Sprintf("role_scope_mapping[%d] dimension is required.", idx))
			continue
		}
		if source == "" {
			errors = append(errors, fmt.Sprintf("role_scope_mapping[%d] source is required.", idx))
			continue
		}
		if !IsSourceDimensionCompatible(dimension, source) {
			errors = append(errors, fmt.Sprintf(
				"role_scope_mapping[%d] incompatible source/dimension pair: dimension='%s', source='%s'.",
				idx, dimension, source))
			continue
		}

		dims, ok := roleToDimensions[role]
		if !ok {
			dims = make(scope.StringSet)
			roleToDimensions[role] = dims
		}
		dims[dimension] = struct{}{}
	}

	enforceBusinessCoverage := requiredEndpointKeys != nil

	if enforceBusinessCoverage {
		enabledEndpointKeys := make(scope.StringSet)
		for i := range doc.EndpointPolicies {
			p := &doc.EndpointPolicies[i]
			if p.IsEnabled() {
				enabledEndpointKeys[strings.ToLower(strings.TrimSpace(p.Endpoint))] = struct{}{}
			}
		}
		var missing []string
		for key := range requiredEndpointKeys {
			if !enabledEndpointKeys.Has(key) {
				missing = append(missing, key)
			}
		}
		if len(missing) > 0 {
			sort.Strings(missing)
			errors = append(errors, fmt.Sprintf(
				"Missing required endpoint policies: %s.", strings.Join(missing, ", ")))
		}
	}

	for idx := range doc.EndpointPolicies {
		p := &doc.EndpointPolicies[idx]
		if !p.IsEnabled() {
			continue
		}
		if p.EffectiveScopeMode() != "union" {
			continue
		}

		scopeDimensions := normalizeDimensionSet(p.ScopeDimensions)
		if len(scopeDimensions) == 0 {
			continue
		}

		policyID := strings.TrimSpace(p.ID)
		if policyID == "" {
			policyID = fmt.Sprintf("index:%d", idx)
		}
		endpointKey := strings.ToLower(strings.TrimSpace(p.Endpoint))

		candidateRoles := normalizeRoleSet(p.AllowedRolesAny)
		if len(candidateRoles) == 0 {
			candidateRoles = normalizeRoleSet(p.RequiredRolesAll)
		}
		if len(candidateRoles) == 0 {
			candidateRoles = make(scope.StringSet, len(roleToDimensions))
			for role := range roleToDimensions {
				candidateRoles[role] = struct{}{}
			}
		}

		if len(candidateRoles) == 0 {
			errors = append(errors, fmt.Sprintf(
				"Policy %s declares scoped dimensions but has no resolvable roles.", policyID))
			continue
		}

		resolvable := false
		for role := range candidateRoles {
			if dims, ok := roleToDimensions[role]; ok && dims.Intersects(scopeDimensions) {
				resolvable = true
				break
			}
		}
		if !resolvable {
			errors = append(errors, fmt.Sprintf(
				"Policy %s has scoped dimensions %v but no allowed role can resolve them.",
				policyID, scopeDimensions.Values()))
			continue
		}

		if enforceBusinessCoverage && BuyerScopedEndpointKeys.Has(endpointKey) && !scopeDimensions.Has(scope.FieldCustomerID) {
			endpointLabel := endpointKey
			if endpointLabel == "" {
				endpointLabel = "unknown-endpoint"
			}
			errors = append(errors, fmt.Sprintf(
				"Policy %s (%s) must include customer_id in scope_dimensions.", policyID, endpointLabel))
		}
	}

	return errors
}
