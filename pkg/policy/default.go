package policy

// DefaultDocument returns the embedded baseline policy document used when
// neither the metadata registry nor a policy file yields a valid document.
// It scopes the procurement surfaces by the three business dimensions and
// reserves the admin link-listing endpoints for organization admins.
func DefaultDocument() *Document {
	return &Document{V2: &DocumentV2{
		Version:     "2.0",
		Description: "Metadata-driven role scope policy configuration.",
		EndpointPolicies: []PolicyV2{
			{
				ID:               "POL-PO-LIST",
				Endpoint:         "purchase_orders",
				Method:           "GET",
				Path:             "/api/v1/purchase_orders",
				AllowedRolesAny:  []string{"USER_PURCH_BUYER", "SUPPLIER", "FORWARDER"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{"customer_id", "vendor_id", "forwarder_id"},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
			{
				ID:               "POL-REPORT-PO-GROUP",
				Endpoint:         "reports.po_to_group",
				Method:           "GET",
				Path:             "/api/v1/reports/po_to_group/data",
				AllowedRolesAny:  []string{"USER_PURCH_BUYER", "SUPPLIER", "FORWARDER"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{"customer_id", "vendor_id", "forwarder_id"},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
			{
				ID:               "POL-REPORT-VISIBILITY",
				Endpoint:         "reports.visibility",
				Method:           "GET",
				Path:             "/api/v1/reports/procurement_end_to_end/data",
				AllowedRolesAny:  []string{"USER_PURCH_BUYER", "SUPPLIER", "FORWARDER"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{"customer_id", "vendor_id", "forwarder_id"},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
			{
				ID:               "POL-SHIP-CREATE",
				Endpoint:         "shipments.from_schedule_lines",
				Method:           "POST",
				Path:             "/api/v1/shipments/from-schedule-lines",
				AllowedRolesAny:  []string{"USER_PURCH_BUYER", "FORWARDER"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{"customer_id", "forwarder_id"},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
			{
				ID:               "POL-USER-PARTNERS",
				Endpoint:         "admin.user_partners",
				Path:             "/user-partners*",
				AllowedRolesAny:  []string{"ADMIN_ORG"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
			{
				ID:               "POL-USER-CUSTOMERS",
				Endpoint:         "admin.user_customers",
				Path:             "/user-customers*",
				AllowedRolesAny:  []string{"ADMIN_ORG"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
			{
				ID:               "POL-CUSTOMER-FORWARDERS",
				Endpoint:         "admin.customer_forwarders",
				Path:             "/customer-forwarders*",
				AllowedRolesAny:  []string{"ADMIN_ORG", "FORWARDER"},
				RequiredRolesAll: []string{},
				ScopeMode:        "union",
				ScopeDimensions:  []string{"forwarder_id"},
				BypassRoles:      []string{"ADMIN_ORG"},
			},
		},
		RoleScopeMapping: []MappingRule{
			{
				Role:      "USER_PURCH_BUYER",
				Dimension: "customer_id",
				Source:    "user_customer_link.customer_id",
			},
			{
				Role:      "SUPPLIER",
				Dimension: "vendor_id",
				Source:    "user_partner_link.partner_id where partner_role=SUPPLIER",
			},
			{
				Role:      "FORWARDER",
				Dimension: "forwarder_id",
				Source:    "user_partner_link.partner_id where partner_role=FORWARDER",
			},
		},
	}}
}
