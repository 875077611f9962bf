package policy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harborline/backoffice/pkg/scope"
)

func poListPolicy() PolicyV2 {
	return PolicyV2{
		ID:              "POL-PO-LIST",
		Endpoint:        "purchase_orders",
		Method:          "GET",
		Path:            "/api/v1/purchase_orders",
		AllowedRolesAny: []string{"USER_PURCH_BUYER", "SUPPLIER", "FORWARDER"},
		ScopeMode:       "union",
		ScopeDimensions: []string{"customer_id", "vendor_id", "forwarder_id"},
		BypassRoles:     []string{"ADMIN_ORG"},
	}
}

func defaultMapping() []MappingRule {
	return []MappingRule{
		{Role: "USER_PURCH_BUYER", Dimension: "customer_id", Source: "user_customer_link.customer_id"},
		{Role: "SUPPLIER", Dimension: "vendor_id", Source: "user_partner_link.partner_id where partner_role=SUPPLIER"},
		{Role: "FORWARDER", Dimension: "forwarder_id", Source: "user_partner_link.partner_id where partner_role=FORWARDER"},
	}
}

func TestEngine_UnionOfHeldDimensions(t *testing.T) {
	db := setupScopeDB(t)
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{poListPolicy()},
		RoleScopeMapping: defaultMapping(),
	})

	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.False(t, decision.Bypass)
	assert.Equal(t, "POL-PO-LIST", decision.MatchedPolicyID)
	assert.Equal(t, ReasonOK, decision.Reason)
	require.Len(t, decision.ScopeByField, 2)
	assert.Equal(t, []int64{11}, decision.ScopeByField["forwarder_id"].Values())
	assert.Equal(t, []int64{21}, decision.ScopeByField["vendor_id"].Values())
	assert.NotContains(t, decision.ScopeByField, "customer_id")
}

func TestEngine_NoPolicyIsPermissive(t *testing.T) {
	db := setupScopeDB(t)
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{poListPolicy()},
		RoleScopeMapping: defaultMapping(),
	})

	decision, err := engine.Decide(context.Background(), "u@example.com", "unconfigured.endpoint", "GET", "/api/v1/unconfigured")
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.Empty(t, decision.ScopeByField)
	assert.Equal(t, ReasonNoPolicy, decision.Reason)
	assert.Empty(t, decision.MatchedPolicyID)
}

func TestEngine_BypassRole(t *testing.T) {
	db := setupScopeDB(t)
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{poListPolicy()},
		RoleScopeMapping: defaultMapping(),
	})

	decision, err := engine.Decide(context.Background(), "admin@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.True(t, decision.Bypass)
	assert.Equal(t, ReasonBypassRole, decision.Reason)
	assert.Empty(t, decision.ScopeByField)
}

func TestEngine_BypassIdempotentAcrossScopeContent(t *testing.T) {
	db := setupScopeDB(t)

	// Whatever the dimensions or mapping say, a bypass role always wins.
	for _, dims := range [][]string{nil, {"customer_id"}, {"customer_id", "vendor_id", "forwarder_id"}} {
		policy := poListPolicy()
		policy.ScopeDimensions = dims
		engine := engineForDocument(t, db, &DocumentV2{
			EndpointPolicies: []PolicyV2{policy},
			RoleScopeMapping: defaultMapping(),
		})

		decision, err := engine.Decide(context.Background(), "admin@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.True(t, decision.Bypass)
		assert.Empty(t, decision.ScopeByField)
	}
}

func TestEngine_BypassNotHeldFallsThrough(t *testing.T) {
	db := setupScopeDB(t)
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{poListPolicy()},
		RoleScopeMapping: defaultMapping(),
	})

	// u@ does not hold ADMIN_ORG, so the result equals the scoped outcome.
	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)
	assert.True(t, decision.Allow)
	assert.False(t, decision.Bypass)
	assert.Len(t, decision.ScopeByField, 2)
}

func TestEngine_AllowedRolesAnyFailed(t *testing.T) {
	db := setupScopeDB(t)
	policy := poListPolicy()
	policy.AllowedRolesAny = []string{"FORWARDER"}
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: defaultMapping(),
	})

	decision, err := engine.Decide(context.Background(), "none@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonAllowedRolesAnyFailed, decision.Reason)
	assert.Empty(t, decision.ScopeByField)
}

func TestEngine_RequiredRolesAllFailed(t *testing.T) {
	db := setupScopeDB(t)
	policy := poListPolicy()
	policy.RequiredRolesAll = []string{"FORWARDER", "USER_PURCH_BUYER"}
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: defaultMapping(),
	})

	// u@ holds FORWARDER but not USER_PURCH_BUYER.
	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonRequiredRolesAllFailed, decision.Reason)
}

func TestEngine_InvalidMetadataContractDenies(t *testing.T) {
	db := setupScopeDB(t)
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{poListPolicy()},
		RoleScopeMapping: []MappingRule{
			// Incompatible pair: the matched policy cannot be trusted.
			{Role: "SUPPLIER", Dimension: "customer_id", Source: "user_partner_link.partner_id where partner_role=SUPPLIER"},
		},
	})

	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonInvalidMetadataContract, decision.Reason)
}

func TestEngine_EmptyResolvedScopeFailsClosed(t *testing.T) {
	db := setupScopeDB(t)
	policy := poListPolicy()
	policy.AllowedRolesAny = nil
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: defaultMapping(),
	})

	// none@ has no links in any declared dimension; an empty scope on a
	// scoped endpoint must deny, never pass through as unrestricted.
	decision, err := engine.Decide(context.Background(), "none@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.False(t, decision.Allow)
	assert.Equal(t, ReasonEmptyResolvedScope, decision.Reason)
}

func TestEngine_UnscopedPolicyAllowsUnrestricted(t *testing.T) {
	db := setupScopeDB(t)
	policy := PolicyV2{
		ID:              "POL-ADMIN",
		Endpoint:        "admin.user_partners",
		Path:            "/user-partners*",
		AllowedRolesAny: []string{"ADMIN_ORG"},
		ScopeMode:       "union",
	}
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: defaultMapping(),
	})

	decision, err := engine.Decide(context.Background(), "admin@example.com", "admin.user_partners", "GET", "/user-partners/7")
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.Empty(t, decision.ScopeByField)
	assert.Equal(t, ReasonOK, decision.Reason)
}

func TestEngine_ScopeModePassthrough(t *testing.T) {
	db := setupScopeDB(t)
	policy := poListPolicy()
	policy.ScopeMode = "advisory"
	policy.ScopeDimensions = nil
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: defaultMapping(),
	})

	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.Equal(t, "scope_mode_advisory", decision.Reason)
	assert.Empty(t, decision.ScopeByField)
}

func TestEngine_TargetFieldOverride(t *testing.T) {
	db := setupScopeDB(t)
	policy := poListPolicy()
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: []MappingRule{
			{Role: "SUPPLIER", Dimension: "vendor_id", Source: "user_partner_link.partner_id where partner_role=SUPPLIER", TargetField: "supplier_partner_id"},
		},
	})

	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	require.True(t, decision.Allow)
	require.Len(t, decision.ScopeByField, 1)
	assert.Equal(t, []int64{21}, decision.ScopeByField["supplier_partner_id"].Values())
}

func TestEngine_BlankTargetFieldSkipsRule(t *testing.T) {
	db := setupScopeDB(t)
	policy := poListPolicy()
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{policy},
		RoleScopeMapping: []MappingRule{
			// A whitespace-only target_field disables the rule; it must not
			// fall back to the dimension name.
			{Role: "SUPPLIER", Dimension: "vendor_id", Source: "user_partner_link.partner_id where partner_role=SUPPLIER", TargetField: "   "},
			{Role: "FORWARDER", Dimension: "forwarder_id", Source: "user_partner_link.partner_id where partner_role=FORWARDER"},
		},
	})

	decision, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	require.True(t, decision.Allow)
	require.Len(t, decision.ScopeByField, 1)
	assert.Equal(t, []int64{11}, decision.ScopeByField["forwarder_id"].Values())
	assert.NotContains(t, decision.ScopeByField, "vendor_id")
}

func TestEngine_V1ClauseEvaluation(t *testing.T) {
	db := setupScopeDB(t)
	resolver := scope.NewResolver(db)

	v1JSON := []byte(`{
		"endpoint_policies": [
			{
				"endpoint": "purchase_orders",
				"source_filter": {
					"clauses": [
						{"dimension": "forwarder_code", "when_any_role": ["FORWARDER"]},
						{"dimension": "supplier_code", "target_field": "supplier_partner_id"},
						{"dimension": "customer_code"}
					]
				}
			}
		]
	}`)
	doc, err := ParseDocument(v1JSON)
	require.NoError(t, err)
	require.NotNil(t, doc.V1)

	store := storeForDocument(t, &DocumentV2{})
	engine := NewEngine(resolver, store)

	decision, err := engine.decideV1(context.Background(), doc.V1, "u@example.com", "purchase_orders")
	require.NoError(t, err)

	assert.True(t, decision.Allow)
	assert.Equal(t, []int64{11}, decision.ScopeByField["forwarder_id"].Values())
	assert.Equal(t, []int64{21}, decision.ScopeByField["supplier_partner_id"].Values())
	// u@ has no customer links; the clause contributes nothing.
	assert.NotContains(t, decision.ScopeByField, "customer_id")
}

func TestEngine_V1IncludeExcludeByCode(t *testing.T) {
	db := setupScopeDB(t)
	resolver := scope.NewResolver(db)
	engine := NewEngine(resolver, storeForDocument(t, &DocumentV2{}))

	t.Run("include narrows by code", func(t *testing.T) {
		doc := &DocumentV1{EndpointPolicies: []PolicyV1{{
			Endpoint: "purchase_orders",
			SourceFilter: SourceFilterV1{Clauses: []ClauseV1{
				{Dimension: "forwarder_code", IncludeValues: []string{"FWD-11"}},
				{Dimension: "supplier_code", IncludeValues: []string{"other"}},
			}},
		}}}
		decision, err := engine.decideV1(context.Background(), doc, "u@example.com", "purchase_orders")
		require.NoError(t, err)
		assert.Equal(t, []int64{11}, decision.ScopeByField["forwarder_id"].Values())
		assert.NotContains(t, decision.ScopeByField, "vendor_id")
	})

	t.Run("exclude removes by code", func(t *testing.T) {
		doc := &DocumentV1{EndpointPolicies: []PolicyV1{{
			Endpoint: "purchase_orders",
			SourceFilter: SourceFilterV1{Clauses: []ClauseV1{
				{Dimension: "supplier_code", ExcludeValues: []string{"sup-21"}},
			}},
		}}}
		decision, err := engine.decideV1(context.Background(), doc, "u@example.com", "purchase_orders")
		require.NoError(t, err)
		assert.NotContains(t, decision.ScopeByField, "vendor_id")
	})

	t.Run("role gate skips clause", func(t *testing.T) {
		doc := &DocumentV1{EndpointPolicies: []PolicyV1{{
			Endpoint: "purchase_orders",
			SourceFilter: SourceFilterV1{Clauses: []ClauseV1{
				{Dimension: "forwarder_code", WhenAllRoles: []string{"FORWARDER", "ADMIN_ORG"}},
			}},
		}}}
		decision, err := engine.decideV1(context.Background(), doc, "u@example.com", "purchase_orders")
		require.NoError(t, err)
		assert.True(t, decision.Allow)
		assert.Empty(t, decision.ScopeByField)
	})
}

func TestEngine_Determinism(t *testing.T) {
	db := setupScopeDB(t)
	engine := engineForDocument(t, db, &DocumentV2{
		EndpointPolicies: []PolicyV2{poListPolicy()},
		RoleScopeMapping: defaultMapping(),
	})

	first, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)
	second, err := engine.Decide(context.Background(), "u@example.com", "purchase_orders", "GET", "/api/v1/purchase_orders")
	require.NoError(t, err)

	assert.Equal(t, first, second)
}
