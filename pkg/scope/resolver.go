package scope

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// Scope-by-field column names shared with policy documents and consumers
const (
	FieldForwarderID = "forwarder_id"
	FieldVendorID    = "vendor_id"
	FieldCustomerID  = "customer_id"
	FieldCompanyID   = "company_id"
)

// Partner role code aliases recognized by the classifier. A partner whose
// role matches neither alias set contributes to neither bucket.
var (
	forwarderRoleCodes = StringSet{"FO": {}, "FORWARDER": {}}
	supplierRoleCodes  = StringSet{"SU": {}, "SUPPLIER": {}}
)

// IsForwarderRoleCode reports whether a normalized role token is one of the
// recognized forwarder aliases.
func IsForwarderRoleCode(code string) bool {
	return forwarderRoleCodes.Has(code)
}

// IsSupplierRoleCode reports whether a normalized role token is one of the
// recognized supplier aliases.
func IsSupplierRoleCode(code string) bool {
	return supplierRoleCodes.Has(code)
}

// UserUnionScope is the union of all identity facts a user holds across
// role and link tables. Recomputed on every decision; never cached across
// requests because link tables can change between requests.
type UserUnionScope struct {
	RoleNames           StringSet
	ForwarderPartnerIDs IDSet
	SupplierPartnerIDs  IDSet
	CustomerIDs         IDSet
}

// HasAnyScope reports whether any dimension resolved to at least one identifier
func (u *UserUnionScope) HasAnyScope() bool {
	return len(u.ForwarderPartnerIDs) > 0 || len(u.SupplierPartnerIDs) > 0 || len(u.CustomerIDs) > 0
}

// FieldToIDs maps each non-empty dimension onto its scope-by-field column
func (u *UserUnionScope) FieldToIDs() ScopeByField {
	mapping := make(ScopeByField)
	if len(u.ForwarderPartnerIDs) > 0 {
		mapping[FieldForwarderID] = u.ForwarderPartnerIDs.Clone()
	}
	if len(u.SupplierPartnerIDs) > 0 {
		mapping[FieldVendorID] = u.SupplierPartnerIDs.Clone()
	}
	if len(u.CustomerIDs) > 0 {
		mapping[FieldCustomerID] = u.CustomerIDs.Clone()
	}
	return mapping
}

// PartnerLink is one active user→partner link row with partner details
type PartnerLink struct {
	PartnerID   int64   `json:"id"`
	PartnerName string  `json:"name"`
	PartnerCode *string `json:"code"`
	RoleCode    *string `json:"role_code"`
	RoleName    *string `json:"role_name"`
}

// CustomerLink is one active user→customer link row with customer details
type CustomerLink struct {
	CustomerID   int64   `json:"id"`
	CustomerName string  `json:"name"`
	CustomerCode *string `json:"code"`
	CompanyID    *int64  `json:"company_id"`
}

// DimensionCodes holds human-readable code to identifier lookups per
// dimension, used by legacy clause-based policies that narrow scope with
// include/exclude code lists.
type DimensionCodes struct {
	ForwarderIDsByCode map[string]int64
	SupplierIDsByCode  map[string]int64
	CustomerIDsByCode  map[string]int64
}

// Resolver computes user scopes from the relational link tables
type Resolver struct {
	db *sql.DB
}

// NewResolver creates a new scope resolver
func NewResolver(db *sql.DB) *Resolver {
	return &Resolver{db: db}
}

// NormalizeRole uppercases and trims a role label
func NormalizeRole(value string) string {
	return strings.ToUpper(strings.TrimSpace(value))
}

// ResolveUnionScope computes the full union scope for a user email. An email
// with no rows anywhere yields all-empty sets, not an error.
func (r *Resolver) ResolveUnionScope(ctx context.Context, userEmail string) (*UserUnionScope, error) {
	scope := &UserUnionScope{
		RoleNames:           make(StringSet),
		ForwarderPartnerIDs: make(IDSet),
		SupplierPartnerIDs:  make(IDSet),
		CustomerIDs:         make(IDSet),
	}

	roleQuery := `
		SELECT r.name
		FROM roles r
		JOIN user_roles ur ON ur.role_id = r.id
		JOIN users u ON u.id = ur.user_id
		WHERE u.email = $1
	`
	rows, err := r.db.QueryContext(ctx, roleQuery, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query user roles: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var name sql.NullString
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("failed to scan role name: %w", err)
		}
		if normalized := NormalizeRole(name.String); name.Valid && normalized != "" {
			scope.RoleNames[normalized] = struct{}{}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user roles: %w", err)
	}

	partnerQuery := `
		SELECT upm.partner_id, prl.role_code
		FROM user_partner_map upm
		JOIN partner_master pm ON pm.id = upm.partner_id
		JOIN partner_role_lookup prl ON prl.id = pm.role_id
		WHERE upm.user_email = $1 AND upm.deletion_indicator = false
	`
	partnerRows, err := r.db.QueryContext(ctx, partnerQuery, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query user partner links: %w", err)
	}
	defer partnerRows.Close()
	for partnerRows.Next() {
		var partnerID sql.NullInt64
		var roleCode sql.NullString
		if err := partnerRows.Scan(&partnerID, &roleCode); err != nil {
			return nil, fmt.Errorf("failed to scan partner link: %w", err)
		}
		if !partnerID.Valid {
			continue
		}
		normalized := NormalizeRole(roleCode.String)
		if forwarderRoleCodes.Has(normalized) {
			scope.ForwarderPartnerIDs.Add(partnerID.Int64)
		}
		if supplierRoleCodes.Has(normalized) {
			scope.SupplierPartnerIDs.Add(partnerID.Int64)
		}
	}
	if err := partnerRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user partner links: %w", err)
	}

	customerQuery := `
		SELECT ucm.customer_id
		FROM user_customer_map ucm
		JOIN customer_master cm ON cm.id = ucm.customer_id
		WHERE ucm.user_email = $1 AND ucm.deletion_indicator = false AND cm.is_active = true
	`
	customerRows, err := r.db.QueryContext(ctx, customerQuery, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query user customer links: %w", err)
	}
	defer customerRows.Close()
	for customerRows.Next() {
		var customerID sql.NullInt64
		if err := customerRows.Scan(&customerID); err != nil {
			return nil, fmt.Errorf("failed to scan customer link: %w", err)
		}
		if customerID.Valid {
			scope.CustomerIDs.Add(customerID.Int64)
		}
	}
	if err := customerRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read user customer links: %w", err)
	}

	return scope, nil
}

// ResolveLegacyPrecedenceScope returns a single-dimension scope using the
// historical precedence order: forwarder, else supplier, else customer,
// else unrestricted.
func (r *Resolver) ResolveLegacyPrecedenceScope(ctx context.Context, userEmail string) (ScopeByField, error) {
	scope, err := r.ResolveUnionScope(ctx, userEmail)
	if err != nil {
		return nil, err
	}
	if len(scope.ForwarderPartnerIDs) > 0 {
		return ScopeByField{FieldForwarderID: scope.ForwarderPartnerIDs.Clone()}, nil
	}
	if len(scope.SupplierPartnerIDs) > 0 {
		return ScopeByField{FieldVendorID: scope.SupplierPartnerIDs.Clone()}, nil
	}
	if len(scope.CustomerIDs) > 0 {
		return ScopeByField{FieldCustomerID: scope.CustomerIDs.Clone()}, nil
	}
	return ScopeByField{}, nil
}

// ListUserPartners returns the active partner links for a user
func (r *Resolver) ListUserPartners(ctx context.Context, userEmail string) ([]PartnerLink, error) {
	query := `
		SELECT upm.partner_id, upm.partner_name, pm.partner_identifier, prl.role_code, prl.role_name
		FROM user_partner_map upm
		LEFT JOIN partner_master pm ON pm.id = upm.partner_id
		LEFT JOIN partner_role_lookup prl ON prl.id = pm.role_id
		WHERE upm.user_email = $1 AND upm.deletion_indicator = false
	`
	rows, err := r.db.QueryContext(ctx, query, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query user partners: %w", err)
	}
	defer rows.Close()

	var links []PartnerLink
	for rows.Next() {
		var link PartnerLink
		var code, roleCode, roleName sql.NullString
		if err := rows.Scan(&link.PartnerID, &link.PartnerName, &code, &roleCode, &roleName); err != nil {
			return nil, fmt.Errorf("failed to scan user partner: %w", err)
		}
		if code.Valid {
			link.PartnerCode = &code.String
		}
		if roleCode.Valid {
			link.RoleCode = &roleCode.String
		}
		if roleName.Valid {
			link.RoleName = &roleName.String
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// ListUserCustomers returns the active customer links for a user
func (r *Resolver) ListUserCustomers(ctx context.Context, userEmail string) ([]CustomerLink, error) {
	query := `
		SELECT ucm.customer_id, ucm.customer_name, cm.customer_identifier, cm.company_id
		FROM user_customer_map ucm
		LEFT JOIN customer_master cm ON cm.id = ucm.customer_id
		WHERE ucm.user_email = $1 AND ucm.deletion_indicator = false
	`
	rows, err := r.db.QueryContext(ctx, query, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query user customers: %w", err)
	}
	defer rows.Close()

	var links []CustomerLink
	for rows.Next() {
		var link CustomerLink
		var code sql.NullString
		var companyID sql.NullInt64
		if err := rows.Scan(&link.CustomerID, &link.CustomerName, &code, &companyID); err != nil {
			return nil, fmt.Errorf("failed to scan user customer: %w", err)
		}
		if code.Valid {
			link.CustomerCode = &code.String
		}
		if companyID.Valid {
			link.CompanyID = &companyID.Int64
		}
		links = append(links, link)
	}
	return links, rows.Err()
}

// ResolveDimensionCodes builds the code-to-identifier lookups used by legacy
// clause-based policies to translate include/exclude code lists into IDs.
// Codes are lowercased for case-insensitive matching.
func (r *Resolver) ResolveDimensionCodes(ctx context.Context, userEmail string) (*DimensionCodes, error) {
	codes := &DimensionCodes{
		ForwarderIDsByCode: make(map[string]int64),
		SupplierIDsByCode:  make(map[string]int64),
		CustomerIDsByCode:  make(map[string]int64),
	}

	partnerQuery := `
		SELECT upm.partner_id, pm.partner_identifier, prl.role_code
		FROM user_partner_map upm
		JOIN partner_master pm ON pm.id = upm.partner_id
		JOIN partner_role_lookup prl ON prl.id = pm.role_id
		WHERE upm.user_email = $1 AND upm.deletion_indicator = false
	`
	rows, err := r.db.QueryContext(ctx, partnerQuery, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query partner codes: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var partnerID sql.NullInt64
		var identifier, roleCode sql.NullString
		if err := rows.Scan(&partnerID, &identifier, &roleCode); err != nil {
			return nil, fmt.Errorf("failed to scan partner code: %w", err)
		}
		if !partnerID.Valid {
			continue
		}
		code := strings.TrimSpace(identifier.String)
		if code == "" {
			continue
		}
		normalizedRole := NormalizeRole(roleCode.String)
		if forwarderRoleCodes.Has(normalizedRole) {
			codes.ForwarderIDsByCode[strings.ToLower(code)] = partnerID.Int64
		}
		if supplierRoleCodes.Has(normalizedRole) {
			codes.SupplierIDsByCode[strings.ToLower(code)] = partnerID.Int64
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read partner codes: %w", err)
	}

	customerQuery := `
		SELECT ucm.customer_id, cm.customer_identifier
		FROM user_customer_map ucm
		JOIN customer_master cm ON cm.id = ucm.customer_id
		WHERE ucm.user_email = $1 AND ucm.deletion_indicator = false AND cm.is_active = true
	`
	customerRows, err := r.db.QueryContext(ctx, customerQuery, userEmail)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer codes: %w", err)
	}
	defer customerRows.Close()
	for customerRows.Next() {
		var customerID sql.NullInt64
		var identifier sql.NullString
		if err := customerRows.Scan(&customerID, &identifier); err != nil {
			return nil, fmt.Errorf("failed to scan customer code: %w", err)
		}
		if !customerID.Valid {
			continue
		}
		code := strings.TrimSpace(identifier.String)
		if code == "" {
			continue
		}
		codes.CustomerIDsByCode[strings.ToLower(code)] = customerID.Int64
	}
	if err := customerRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read customer codes: %w", err)
	}

	return codes, nil
}
