package scope

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"strings"
)

// Declarative source expressions accepted by role_scope_mapping rows. Anything
// outside this allow-list resolves to an empty set.
const (
	SourceCustomerLinkCustomerID = "user_customer_link.customer_id"
	SourceCustomerLinkCompanyID  = "user_customer_link.company_id"
	SourcePartnerLinkPartnerID   = "user_partner_link.partner_id"
)

var partnerRolePattern = regexp.MustCompile(`where\s+partner_role\s*=\s*['"]?([A-Za-z0-9_\- ]+)['"]?`)

// ParsePartnerRoleFilter extracts the partner_role value from an optional
// trailing "where partner_role = X" clause. Returns empty when no filter
// is present or the clause does not parse.
func ParsePartnerRoleFilter(source string) string {
	match := partnerRolePattern.FindStringSubmatch(strings.ToLower(source))
	if match == nil {
		return ""
	}
	return NormalizeRole(match[1])
}

// partnerRoleMatches reports whether a link row's role code or role name
// satisfies the requested role filter, honoring the short and long alias forms.
func partnerRoleMatches(wanted, roleCode, roleName string) bool {
	if wanted == "" {
		return true
	}
	if supplierRoleCodes.Has(wanted) {
		return supplierRoleCodes.Has(roleCode) || roleName == "SUPPLIER"
	}
	if forwarderRoleCodes.Has(wanted) {
		return forwarderRoleCodes.Has(roleCode) || roleName == "FORWARDER"
	}
	return roleCode == wanted || roleName == wanted
}

// ResolveIDsFromSource interprets a declarative source expression against the
// link tables for one user. Unknown expressions resolve to an empty set so a
// bad mapping row narrows scope instead of widening it.
func (r *Resolver) ResolveIDsFromSource(ctx context.Context, userEmail, source string) (IDSet, error) {
	normalized := strings.ToLower(strings.TrimSpace(source))

	switch {
	case strings.HasPrefix(normalized, SourceCustomerLinkCustomerID):
		return r.resolveCustomerLinkIDs(ctx, userEmail, false)
	case strings.HasPrefix(normalized, SourceCustomerLinkCompanyID):
		return r.resolveCustomerLinkIDs(ctx, userEmail, true)
	case strings.HasPrefix(normalized, SourcePartnerLinkPartnerID):
		roleFilter := ParsePartnerRoleFilter(normalized)
		return r.resolvePartnerLinkIDs(ctx, userEmail, roleFilter)
	default:
		return make(IDSet), nil
	}
}

func (r *Resolver) resolveCustomerLinkIDs(ctx context.Context, userEmail string, companyDimension bool) (IDSet, error) {
	query := `
		SELECT ucm.customer_id
		FROM user_customer_map ucm
		JOIN customer_master cm ON cm.id = ucm.customer_id
		WHERE ucm.user_email = $1 AND ucm.deletion_indicator = false AND cm.is_active = true
	`
	if companyDimension {
		query = `
			SELECT cm.company_id
			FROM user_customer_map ucm
			JOIN customer_master cm ON cm.id = ucm.customer_id
			JOIN company_master co ON co.id = cm.company_id
			WHERE ucm.user_email = $1 AND ucm.deletion_indicator = false
				AND cm.is_active = true AND co.is_active = true
		`
	}

	rows, err := r.db.QueryContext(ctx, query, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer link source: %w", err)
	}
	defer rows.Close()

	ids := make(IDSet)
	for rows.Next() {
		var id sql.NullInt64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan customer link source: %w", err)
		}
		if id.Valid {
			ids.Add(id.Int64)
		}
	}
	return ids, rows.Err()
}

func (r *Resolver) resolvePartnerLinkIDs(ctx context.Context, userEmail, roleFilter string) (IDSet, error) {
	query := `
		SELECT upm.partner_id, prl.role_code, prl.role_name
		FROM user_partner_map upm
		JOIN partner_master pm ON pm.id = upm.partner_id
		JOIN partner_role_lookup prl ON prl.id = pm.role_id
		WHERE upm.user_email = $1 AND upm.deletion_indicator = false
	`
	rows, err := r.db.QueryContext(ctx, query, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query partner link source: %w", err)
	}
	defer rows.Close()

	ids := make(IDSet)
	for rows.Next() {
		var partnerID sql.NullInt64
		var roleCode, roleName sql.NullString
		if err := rows.Scan(&partnerID, &roleCode, &roleName); err != nil {
			return nil, fmt.Errorf("failed to scan partner link source: %w", err)
		}
		if !partnerID.Valid {
			continue
		}
		if !partnerRoleMatches(roleFilter, NormalizeRole(roleCode.String), NormalizeRole(roleName.String)) {
			continue
		}
		ids.Add(partnerID.Int64)
	}
	return ids, rows.Err()
}
