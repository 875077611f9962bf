package procurement

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harborline/backoffice/pkg/scope"
)

// VisibilityRow is one end-to-end visibility report row: a purchase order
// schedule line with its product and, when already planned, the shipment
// fulfilling it.
type VisibilityRow struct {
	PONumber       string     `json:"po_no"`
	PODate         time.Time  `json:"po_date"`
	VendorName     *string    `json:"vendor_name"`
	SKU            *string    `json:"sku"`
	ScheduledQty   float64    `json:"sch_qty"`
	PromisedDate   *time.Time `json:"prom_date"`
	ShipmentNumber *string    `json:"ship_no"`
	ShipmentStatus *string    `json:"ship_status"`
	ETA            *time.Time `json:"eta"`
}

// POGroupRow aggregates a purchase order's schedule lines for the grouping
// report: how many open lines it has, how much quantity is scheduled, and
// the earliest promised date.
type POGroupRow struct {
	POHeaderID           int64      `json:"po_header_id"`
	PONumber             string     `json:"po_no"`
	VendorID             int64      `json:"vendor_id"`
	CompanyID            int64      `json:"company_id"`
	RowCount             int64      `json:"rows"`
	ScheduledQty         float64    `json:"qty"`
	EarliestPromisedDate *time.Time `json:"earliest"`
}

// ReportPage wraps a paginated report dataset
type ReportPage[T any] struct {
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Data  []T   `json:"data"`
}

// ReportField describes one report column for UI metadata consumers
type ReportField struct {
	Key        string `json:"key"`
	Label      string `json:"label"`
	Group      string `json:"group"`
	FilterType string `json:"filter_type,omitempty"`
	Sortable   bool   `json:"sortable"`
}

// ReportMetadata is the column catalog the UI renders its settings from
type ReportMetadata struct {
	ReportID       string        `json:"report_id"`
	DefaultColumns []string      `json:"default_columns"`
	Fields         []ReportField `json:"fields"`
}

// VisibilityReportMetadata returns the end-to-end visibility column catalog
func VisibilityReportMetadata() ReportMetadata {
	return ReportMetadata{
		ReportID:       "procurement_end_to_end",
		DefaultColumns: []string{"po_no", "vendor_name", "sku", "sch_qty", "prom_date", "ship_status", "eta"},
		Fields: []ReportField{
			{Key: "po_no", Label: "PO Number", Group: "Procurement", FilterType: "search", Sortable: true},
			{Key: "po_date", Label: "Order Date", Group: "Procurement", FilterType: "date_range", Sortable: true},
			{Key: "vendor_name", Label: "Vendor Legal Name", Group: "Procurement", FilterType: "search", Sortable: true},
			{Key: "sku", Label: "SKU", Group: "Product", FilterType: "search", Sortable: true},
			{Key: "sch_qty", Label: "Scheduled Qty", Group: "Planning", FilterType: "numeric", Sortable: true},
			{Key: "prom_date", Label: "Promised Date", Group: "Planning", FilterType: "date_range", Sortable: true},
			{Key: "ship_no", Label: "Shipment #", Group: "Logistics", FilterType: "search", Sortable: true},
			{Key: "ship_status", Label: "Status", Group: "Logistics", FilterType: "select", Sortable: true},
			{Key: "eta", Label: "ETA", Group: "Logistics", FilterType: "date_range", Sortable: true},
		},
	}
}

// POGroupReportMetadata returns the PO grouping column catalog
func POGroupReportMetadata() ReportMetadata {
	return ReportMetadata{
		ReportID:       "po_to_group",
		DefaultColumns: []string{"po_no", "rows", "qty", "earliest"},
		Fields: []ReportField{
			{Key: "po_no", Label: "PO Number", Group: "Procurement", FilterType: "search", Sortable: true},
			{Key: "rows", Label: "Open Lines", Group: "Planning", FilterType: "numeric", Sortable: true},
			{Key: "qty", Label: "Scheduled Qty", Group: "Planning", FilterType: "numeric", Sortable: true},
			{Key: "earliest", Label: "Earliest Promised", Group: "Planning", FilterType: "date_range", Sortable: true},
		},
	}
}

// reportScopeColumns covers both report datasets; the visibility report
// additionally exposes the carrier as the forwarder dimension.
var (
	poGroupScopeColumns = map[string]string{
		scope.FieldVendorID:  "ph.vendor_id",
		scope.FieldCompanyID: "ph.company_id",
	}
	visibilityScopeColumns = map[string]string{
		scope.FieldVendorID:    "ph.vendor_id",
		scope.FieldCompanyID:   "ph.company_id",
		scope.FieldForwarderID: "sh.carrier_id",
	}
)

// ReportStore runs the procurement report queries
type ReportStore struct {
	db *sql.DB
}

// NewReportStore creates a report store
func NewReportStore(db *sql.DB) *ReportStore {
	return &ReportStore{db: db}
}

const visibilityJoins = `
	FROM po_header ph
	JOIN po_item pi ON pi.po_header_id = ph.id
	JOIN po_schedule_line psl ON psl.po_item_id = pi.id
	LEFT JOIN product_master pm ON pm.id = pi.product_id
	LEFT JOIN partner_master vp ON vp.id = ph.vendor_id
	LEFT JOIN shipment_header sh ON sh.id = psl.shipment_header_id
	LEFT JOIN shipment_status_lookup ssl ON ssl.id = sh.status_id
`

// VisibilityData returns a page of the end-to-end visibility dataset
func (s *ReportStore) VisibilityData(ctx context.Context, page, limit int, scopeByField scope.ScopeByField) (*ReportPage[VisibilityRow], error) {
	if page < 1 {
		page = 1
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	effective, err := documentScope(ctx, s.db, scopeByField)
	if err != nil {
		return nil, err
	}
	filter := BuildScopeFilter(effective, visibilityScopeColumns, 1)
	result := &ReportPage[VisibilityRow]{Page: page, Limit: limit, Data: []VisibilityRow{}}
	if filter.MatchNone {
		return result, nil
	}

	where := ""
	if filter.Clause != "" {
		where = " WHERE " + filter.Clause
	}

	countQuery := "SELECT COUNT(1)" + visibilityJoins + where
	if err := s.db.QueryRowContext(ctx, countQuery, filter.Args...).Scan(&result.Total); err != nil {
		return nil, fmt.Errorf("failed to count visibility rows: %w", err)
	}

	next := len(filter.Args) + 1
	dataQuery := `
		SELECT ph.po_number, ph.created_at, vp.legal_name, pm.sku_identifier,
		       psl.quantity, psl.delivery_date, sh.shipment_number, ssl.status_name,
		       sh.estimated_arrival
	` + visibilityJoins + where +
		fmt.Sprintf(" ORDER BY ph.created_at DESC, ph.id DESC, psl.id ASC LIMIT $%d OFFSET $%d", next, next+1)
	args := append(filter.Args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, dataQuery, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query visibility rows: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var row VisibilityRow
		var vendorName, sku, shipNo, shipStatus sql.NullString
		var promDate, eta sql.NullTime
		if err := rows.Scan(&row.PONumber, &row.PODate, &vendorName, &sku,
			&row.ScheduledQty, &promDate, &shipNo, &shipStatus, &eta); err != nil {
			return nil, fmt.Errorf("failed to scan visibility row: %w", err)
		}
		if vendorName.Valid {
			row.VendorName = &vendorName.String
		}
		if sku.Valid {
			row.SKU = &sku.String
		}
		if promDate.Valid {
			row.PromisedDate = &promDate.Time
		}
		if shipNo.Valid {
			row.ShipmentNumber = &shipNo.String
		}
		if shipStatus.Valid {
			row.ShipmentStatus = &shipStatus.String
		}
		if eta.Valid {
			row.ETA = &eta.Time
		}
		result.Data = append(result.Data, row)
	}
	return result, rows.Err()
}

// POToGroupData aggregates unplanned schedule lines per purchase order.
// Only lines not yet linked to a shipment count toward the grouping view.
func (s *ReportStore) POToGroupData(ctx context.Context, scopeByField scope.ScopeByField) ([]POGroupRow, error) {
	effective, err := documentScope(ctx, s.db, scopeByField)
	if err != nil {
		return nil, err
	}
	filter := BuildScopeFilter(effective, poGroupScopeColumns, 1)
	if filter.MatchNone {
		return []POGroupRow{}, nil
	}

	query := `
		SELECT ph.id, ph.po_number, ph.vendor_id, ph.company_id,
		       COUNT(psl.id), COALESCE(SUM(psl.quantity), 0), MIN(psl.delivery_date)
		FROM po_header ph
		JOIN po_item pi ON pi.po_header_id = ph.id
		JOIN po_schedule_line psl ON psl.po_item_id = pi.id
		WHERE psl.shipment_header_id IS NULL
	`
	args := filter.Args
	if filter.Clause != "" {
		query += " AND " + filter.Clause
	}
	query += " GROUP BY ph.id, ph.po_number, ph.vendor_id, ph.company_id ORDER BY ph.po_number ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query po groups: %w", err)
	}
	defer rows.Close()

	groups := []POGroupRow{}
	for rows.Next() {
		var row POGroupRow
		var earliest sql.NullTime
		if err := rows.Scan(&row.POHeaderID, &row.PONumber, &row.VendorID, &row.CompanyID,
			&row.RowCount, &row.ScheduledQty, &earliest); err != nil {
			return nil, fmt.Errorf("failed to scan po group: %w", err)
		}
		if earliest.Valid {
			row.EarliestPromisedDate = &earliest.Time
		}
		groups = append(groups, row)
	}
	return groups, rows.Err()
}
