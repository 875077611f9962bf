package procurement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harborline/backoffice/pkg/scope"
)

// Store-level failures the API layer maps onto HTTP statuses
var (
	ErrPurchaseOrderNotFound = errors.New("purchase order not found")
	ErrVendorInvalid         = errors.New("vendor is invalid or inactive")
	ErrDuplicatePONumber     = errors.New("purchase order number already exists")
)

// PurchaseOrder is one po_header row
type PurchaseOrder struct {
	ID            int64      `json:"id"`
	PONumber      string     `json:"po_number"`
	TypeID        int64      `json:"type_id"`
	StatusID      int64      `json:"status_id"`
	PurchaseOrgID int64      `json:"purchase_org_id"`
	CompanyID     int64      `json:"company_id"`
	VendorID      int64      `json:"vendor_id"`
	Currency      string     `json:"currency"`
	TotalAmount   float64    `json:"total_amount"`
	CreatedBy     string     `json:"created_by,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     *time.Time `json:"updated_at,omitempty"`

	Items []PurchaseOrderItem `json:"items,omitempty"`
}

// PurchaseOrderItem is one po_item row
type PurchaseOrderItem struct {
	ID         int64   `json:"id"`
	ItemNumber int64   `json:"item_number"`
	ProductID  int64   `json:"product_id"`
	StatusID   int64   `json:"status_id"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	LineTotal  float64 `json:"line_total"`
}

// CreatePurchaseOrderItem is one requested order line
type CreatePurchaseOrderItem struct {
	ItemNumber int64   `json:"item_number"`
	ProductID  int64   `json:"product_id"`
	StatusID   int64   `json:"status_id"`
	Quantity   float64 `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
}

// CreatePurchaseOrderInput is the request to create a purchase order with items
type CreatePurchaseOrderInput struct {
	PONumber      string                    `json:"po_number"`
	TypeID        int64                     `json:"type_id"`
	PurchaseOrgID int64                     `json:"purchase_org_id"`
	CompanyID     int64                     `json:"company_id"`
	VendorID      int64                     `json:"vendor_id"`
	Currency      string                    `json:"currency"`
	Items         []CreatePurchaseOrderItem `json:"items"`
}

// ListPurchaseOrdersParams are the pagination and grid filters for PO listings
type ListPurchaseOrdersParams struct {
	Skip     int
	Limit    int
	VendorID *int64
}

// Status a freshly created purchase order starts in
const purchaseOrderInitialStatusID = 1

// poScopeColumns maps scope fields onto po_header columns. Purchase orders
// carry no customer or forwarder column; customer scope is translated into
// owning company identifiers before filtering.
var poScopeColumns = map[string]string{
	scope.FieldVendorID:  "ph.vendor_id",
	scope.FieldCompanyID: "ph.company_id",
}

// PurchaseOrderStore persists purchase order headers and items
type PurchaseOrderStore struct {
	db *sql.DB
}

// NewPurchaseOrderStore creates a purchase order store
func NewPurchaseOrderStore(db *sql.DB) *PurchaseOrderStore {
	return &PurchaseOrderStore{db: db}
}

// companyIDsForCustomers maps customer identifiers onto their owning company
// identifiers, the only way customer scope can narrow purchase order rows.
func companyIDsForCustomers(ctx context.Context, db *sql.DB, customerIDs scope.IDSet) (scope.IDSet, error) {
	out := make(scope.IDSet)
	if len(customerIDs) == 0 {
		return out, nil
	}

	ids := customerIDs.Values()
	placeholders := make([]string, len(ids))
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	query := fmt.Sprintf(
		"SELECT company_id FROM customer_master WHERE id IN (%s) AND company_id IS NOT NULL",
		strings.Join(placeholders, ", "),
	)
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query customer companies: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var companyID sql.NullInt64
		if err := rows.Scan(&companyID); err != nil {
			return nil, fmt.Errorf("failed to scan customer company: %w", err)
		}
		if companyID.Valid {
			out.Add(companyID.Int64)
		}
	}
	return out, rows.Err()
}

// documentScope rewrites a scope-by-field map for the purchase order and
// shipment tables: the customer dimension becomes additional company
// identifiers because those documents reference companies, not customers.
func documentScope(ctx context.Context, db *sql.DB, scopeByField scope.ScopeByField) (scope.ScopeByField, error) {
	effective := scopeByField.Clone()
	customerIDs, hasCustomers := effective[scope.FieldCustomerID]
	if !hasCustomers || len(customerIDs) == 0 {
		return effective, nil
	}

	companyIDs, err := companyIDsForCustomers(ctx, db, customerIDs)
	if err != nil {
		return nil, err
	}
	delete(effective, scope.FieldCustomerID)
	if len(companyIDs) > 0 {
		effective.Bucket(scope.FieldCompanyID).Union(companyIDs)
	} else if len(effective[scope.FieldCompanyID]) == 0 {
		// Customer scope that maps onto no company keeps the restriction
		// alive instead of silently widening to unrestricted.
		effective[scope.FieldCompanyID] = make(scope.IDSet)
		effective[scope.FieldCompanyID].Add(-1)
	}
	return effective, nil
}

// List returns a page of purchase orders visible to the caller, newest first
func (s *PurchaseOrderStore) List(ctx context.Context, params ListPurchaseOrdersParams, scopeByField scope.ScopeByField) ([]PurchaseOrder, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	skip := params.Skip
	if skip < 0 {
		skip = 0
	}

	effective, err := documentScope(ctx, s.db, scopeByField)
	if err != nil {
		return nil, err
	}

	var conditions []string
	var args []interface{}
	next := 1
	if params.VendorID != nil {
		conditions = append(conditions, fmt.Sprintf("ph.vendor_id = $%d", next))
		args = append(args, *params.VendorID)
		next++
	}
	filter := BuildScopeFilter(effective, poScopeColumns, next)
	if filter.MatchNone {
		return []PurchaseOrder{}, nil
	}
	if filter.Clause != "" {
		conditions = append(conditions, filter.Clause)
		args = append(args, filter.Args...)
		next += len(filter.Args)
	}

	query := `
		SELECT ph.id, ph.po_number, ph.type_id, ph.status_id, ph.purchase_org_id,
		       ph.company_id, ph.vendor_id, ph.currency, ph.total_amount,
		       ph.created_by, ph.created_at, ph.updated_at
		FROM po_header ph
	`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += fmt.Sprintf(" ORDER BY ph.created_at DESC, ph.id DESC LIMIT $%d OFFSET $%d", next, next+1)
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase orders: %w", err)
	}
	defer rows.Close()

	orders := []PurchaseOrder{}
	for rows.Next() {
		po, err := scanPurchaseOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *po)
	}
	return orders, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPurchaseOrder(row rowScanner) (*PurchaseOrder, error) {
	var po PurchaseOrder
	var createdBy sql.NullString
	var updatedAt sql.NullTime
	err := row.Scan(
		&po.ID, &po.PONumber, &po.TypeID, &po.StatusID, &po.PurchaseOrgID,
		&po.CompanyID, &po.VendorID, &po.Currency, &po.TotalAmount,
		&createdBy, &po.CreatedAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan purchase order: %w", err)
	}
	po.CreatedBy = createdBy.String
	if updatedAt.Valid {
		po.UpdatedAt = &updatedAt.Time
	}
	return &po, nil
}

// Get returns one purchase order with its items, ErrPurchaseOrderNotFound
// when no such row exists.
func (s *PurchaseOrderStore) Get(ctx context.Context, id int64) (*PurchaseOrder, error) {
	query := `
		SELECT ph.id, ph.po_number, ph.type_id, ph.status_id, ph.purchase_org_id,
		       ph.company_id, ph.vendor_id, ph.currency, ph.total_amount,
		       ph.created_by, ph.created_at, ph.updated_at
		FROM po_header ph
		WHERE ph.id = $1
	`
	po, err := scanPurchaseOrder(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrPurchaseOrderNotFound
		}
		return nil, err
	}

	itemQuery := `
		SELECT id, item_number, product_id, status_id, quantity, unit_price, line_total
		FROM po_item
		WHERE po_header_id = $1
		ORDER BY item_number ASC
	`
	rows, err := s.db.QueryContext(ctx, itemQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query purchase order items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item PurchaseOrderItem
		if err := rows.Scan(&item.ID, &item.ItemNumber, &item.ProductID, &item.StatusID,
			&item.Quantity, &item.UnitPrice, &item.LineTotal); err != nil {
			return nil, fmt.Errorf("failed to scan purchase order item: %w", err)
		}
		po.Items = append(po.Items, item)
	}
	return po, rows.Err()
}

// InScope reports whether one purchase order is visible under the caller's
// scope, translating customer scope into companies first.
func (s *PurchaseOrderStore) InScope(ctx context.Context, po *PurchaseOrder, scopeByField scope.ScopeByField) (bool, error) {
	effective, err := documentScope(ctx, s.db, scopeByField)
	if err != nil {
		return false, err
	}
	vendorID := po.VendorID
	companyID := po.CompanyID
	return RowInScope(effective, map[string]*int64{
		scope.FieldVendorID:  &vendorID,
		scope.FieldCompanyID: &companyID,
	}), nil
}

// Create validates the vendor, recomputes line totals server-side, and
// persists the header with its items atomically.
func (s *PurchaseOrderStore) Create(ctx context.Context, input CreatePurchaseOrderInput, userEmail string) (*PurchaseOrder, error) {
	if strings.TrimSpace(input.PONumber) == "" {
		return nil, fmt.Errorf("po_number is required")
	}
	if len(input.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	var exists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM partner_master WHERE id = $1 AND is_active = true",
		input.VendorID,
	).Scan(&exists)
	if err != nil {
		return nil, fmt.Errorf("failed to validate vendor: %w", err)
	}
	if exists == 0 {
		return nil, fmt.Errorf("vendor %d: %w", input.VendorID, ErrVendorInvalid)
	}

	var duplicate int
	err = s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM po_header WHERE po_number = $1",
		input.PONumber,
	).Scan(&duplicate)
	if err != nil {
		return nil, fmt.Errorf("failed to check po number: %w", err)
	}
	if duplicate > 0 {
		return nil, fmt.Errorf("%s: %w", input.PONumber, ErrDuplicatePONumber)
	}

	currency := strings.ToUpper(strings.TrimSpace(input.Currency))
	if currency == "" {
		currency = "USD"
	}

	// Server-side recomputation of line totals; client-provided amounts are
	// never trusted.
	var total float64
	for _, item := range input.Items {
		total += item.Quantity * item.UnitPrice
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var headerID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO po_header (po_number, type_id, status_id, purchase_org_id, company_id,
		                       vendor_id, currency, total_amount, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		RETURNING id
	`, input.PONumber, input.TypeID, purchaseOrderInitialStatusID, input.PurchaseOrgID,
		input.CompanyID, input.VendorID, currency, total, userEmail, now).Scan(&headerID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert purchase order: %w", err)
	}

	po := &PurchaseOrder{
		ID:            headerID,
		PONumber:      input.PONumber,
		TypeID:        input.TypeID,
		StatusID:      purchaseOrderInitialStatusID,
		PurchaseOrgID: input.PurchaseOrgID,
		CompanyID:     input.CompanyID,
		VendorID:      input.VendorID,
		Currency:      currency,
		TotalAmount:   total,
		CreatedBy:     userEmail,
		CreatedAt:     now,
	}
	for _, item := range input.Items {
		lineTotal := item.Quantity * item.UnitPrice
		var itemID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO po_item (po_header_id, item_number, product_id, status_id, quantity, unit_price, line_total)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, headerID, item.ItemNumber, item.ProductID, item.StatusID,
			item.Quantity, item.UnitPrice, lineTotal).Scan(&itemID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert purchase order item: %w", err)
		}
		po.Items = append(po.Items, PurchaseOrderItem{
			ID:         itemID,
			ItemNumber: item.ItemNumber,
			ProductID:  item.ProductID,
			StatusID:   item.StatusID,
			Quantity:   item.Quantity,
			UnitPrice:  item.UnitPrice,
			LineTotal:  lineTotal,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit purchase order: %w", err)
	}
	return po, nil
}
