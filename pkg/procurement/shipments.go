package procurement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/harborline/backoffice/pkg/scope"
)

var (
	ErrShipmentNotFound     = errors.New("shipment not found")
	ErrPOItemNotFound       = errors.New("purchase order item not found")
	ErrScheduleLineNotFound = errors.New("schedule line not found")
	ErrScheduleLineMismatch = errors.New("schedule line does not belong to the purchase order item")
	ErrScheduleLineLinked   = errors.New("schedule line is already linked to another shipment")
	ErrOvershipment         = errors.New("requested quantity exceeds remaining quantity")
)

// PO item status assigned once a line is fully shipped
const poItemShippedStatusID = 4

// Numeric tolerance when comparing fulfillment quantities
const qtyEpsilon = 1e-9

// ShipmentHeader is one shipment_header row
type ShipmentHeader struct {
	ID                 int64      `json:"id"`
	ShipmentNumber     string     `json:"shipment_number"`
	TypeID             int64      `json:"type_id"`
	StatusID           int64      `json:"status_id"`
	ModeID             int64      `json:"mode_id"`
	CarrierID          int64      `json:"carrier_id"`
	MasterBillLading   *string    `json:"master_bill_lading,omitempty"`
	EstimatedDeparture *time.Time `json:"estimated_departure,omitempty"`
	EstimatedArrival   *time.Time `json:"estimated_arrival,omitempty"`
	ActualArrival      *time.Time `json:"actual_arrival,omitempty"`
	CreatedBy          string     `json:"created_by,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`

	Items []ShipmentItem `json:"items,omitempty"`
}

// ShipmentItem is one shipment_item row
type ShipmentItem struct {
	ID                 int64    `json:"id"`
	ShipmentItemNumber int64    `json:"shipment_item_number"`
	POItemID           int64    `json:"po_item_id"`
	POScheduleLineID   int64    `json:"po_schedule_line_id"`
	ShippedQty         float64  `json:"shipped_qty"`
	PackageID          *string  `json:"package_id,omitempty"`
	GrossWeight        *float64 `json:"gross_weight,omitempty"`
}

// CreateShipmentItem is one requested shipment line. POScheduleLineID is
// optional; when absent the earliest schedule line of the PO item is used.
type CreateShipmentItem struct {
	POItemID         int64    `json:"po_item_id"`
	POScheduleLineID *int64   `json:"po_schedule_line_id,omitempty"`
	ShippedQty       float64  `json:"shipped_qty"`
	PackageID        *string  `json:"package_id,omitempty"`
	GrossWeight      *float64 `json:"gross_weight,omitempty"`
}

// CreateShipmentInput is the request to create a shipment from schedule lines
type CreateShipmentInput struct {
	ShipmentNumber     string               `json:"shipment_number,omitempty"`
	TypeID             int64                `json:"type_id,omitempty"`
	StatusID           int64                `json:"status_id,omitempty"`
	ModeID             int64                `json:"mode_id,omitempty"`
	CarrierID          int64                `json:"carrier_id"`
	EstimatedDeparture *time.Time           `json:"estimated_departure,omitempty"`
	EstimatedArrival   *time.Time           `json:"estimated_arrival,omitempty"`
	Items              []CreateShipmentItem `json:"items"`
}

// ListShipmentsParams are the pagination filters for shipment listings
type ListShipmentsParams struct {
	Skip  int
	Limit int
}

// shipmentScopeColumns maps scope fields onto the joined shipment listing
// query: the carrier is the forwarder dimension, vendor and company come
// from the purchase orders the shipment fulfills.
var shipmentScopeColumns = map[string]string{
	scope.FieldForwarderID: "sh.carrier_id",
	scope.FieldVendorID:    "ph.vendor_id",
	scope.FieldCompanyID:   "ph.company_id",
}

// ShipmentStore persists shipment headers and items
type ShipmentStore struct {
	db *sql.DB
}

// NewShipmentStore creates a shipment store
func NewShipmentStore(db *sql.DB) *ShipmentStore {
	return &ShipmentStore{db: db}
}

const shipmentJoins = `
	FROM shipment_header sh
	LEFT JOIN shipment_item si ON si.shipment_header_id = sh.id
	LEFT JOIN po_item pi ON pi.id = si.po_item_id
	LEFT JOIN po_header ph ON ph.id = pi.po_header_id
`

// List returns a page of shipments visible to the caller, newest first
func (s *ShipmentStore) List(ctx context.Context, params ListShipmentsParams, scopeByField scope.ScopeByField) ([]ShipmentHeader, error) {
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
	filter := BuildScopeFilter(effective, shipmentScopeColumns, 1)
	if filter.MatchNone {
		return []ShipmentHeader{}, nil
	}

	query := `
		SELECT DISTINCT sh.id, sh.shipment_number, sh.type_id, sh.status_id, sh.mode_id,
		       sh.carrier_id, sh.master_bill_lading, sh.estimated_departure,
		       sh.estimated_arrival, sh.actual_arrival, sh.created_by, sh.created_at
	` + shipmentJoins
	args := filter.Args
	next := len(args) + 1
	if filter.Clause != "" {
		query += " WHERE " + filter.Clause
	}
	query += fmt.Sprintf(" ORDER BY sh.created_at DESC, sh.id DESC LIMIT $%d OFFSET $%d", next, next+1)
	args = append(args, limit, skip)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query shipments: %w", err)
	}
	defer rows.Close()

	shipments := []ShipmentHeader{}
	for rows.Next() {
		header, err := scanShipmentHeader(rows)
		if err != nil {
			return nil, err
		}
		shipments = append(shipments, *header)
	}
	return shipments, rows.Err()
}

func scanShipmentHeader(row rowScanner) (*ShipmentHeader, error) {
	var header ShipmentHeader
	var mbl, createdBy sql.NullString
	var etd, eta, ata sql.NullTime
	err := row.Scan(
		&header.ID, &header.ShipmentNumber, &header.TypeID, &header.StatusID, &header.ModeID,
		&header.CarrierID, &mbl, &etd, &eta, &ata, &createdBy, &header.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan shipment: %w", err)
	}
	if mbl.Valid {
		header.MasterBillLading = &mbl.String
	}
	if etd.Valid {
		header.EstimatedDeparture = &etd.Time
	}
	if eta.Valid {
		header.EstimatedArrival = &eta.Time
	}
	if ata.Valid {
		header.ActualArrival = &ata.Time
	}
	header.CreatedBy = createdBy.String
	return &header, nil
}

// Get returns one shipment with its items, ErrShipmentNotFound when absent
func (s *ShipmentStore) Get(ctx context.Context, id int64) (*ShipmentHeader, error) {
	query := `
		SELECT sh.id, sh.shipment_number, sh.type_id, sh.status_id, sh.mode_id,
		       sh.carrier_id, sh.master_bill_lading, sh.estimated_departure,
		       sh.estimated_arrival, sh.actual_arrival, sh.created_by, sh.created_at
		FROM shipment_header sh
		WHERE sh.id = $1
	`
	header, err := scanShipmentHeader(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrShipmentNotFound
		}
		return nil, err
	}

	itemQuery := `
		SELECT id, shipment_item_number, po_item_id, po_schedule_line_id,
		       shipped_qty, package_id, gross_weight
		FROM shipment_item
		WHERE shipment_header_id = $1
		ORDER BY shipment_item_number ASC
	`
	rows, err := s.db.QueryContext(ctx, itemQuery, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query shipment items: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var item ShipmentItem
		var packageID sql.NullString
		var grossWeight sql.NullFloat64
		if err := rows.Scan(&item.ID, &item.ShipmentItemNumber, &item.POItemID,
			&item.POScheduleLineID, &item.ShippedQty, &packageID, &grossWeight); err != nil {
			return nil, fmt.Errorf("failed to scan shipment item: %w", err)
		}
		if packageID.Valid {
			item.PackageID = &packageID.String
		}
		if grossWeight.Valid {
			item.GrossWeight = &grossWeight.Float64
		}
		header.Items = append(header.Items, item)
	}
	return header, rows.Err()
}

// InScope reports whether one shipment is visible under the caller's scope,
// either through its carrier or through the purchase orders it fulfills.
func (s *ShipmentStore) InScope(ctx context.Context, shipmentID int64, scopeByField scope.ScopeByField) (bool, error) {
	effective, err := documentScope(ctx, s.db, scopeByField)
	if err != nil {
		return false, err
	}
	filter := BuildScopeFilter(effective, shipmentScopeColumns, 2)
	if filter.MatchNone {
		return false, nil
	}
	if filter.Clause == "" {
		return true, nil
	}

	query := "SELECT COUNT(1)" + shipmentJoins + " WHERE sh.id = $1 AND " + filter.Clause
	args := append([]interface{}{shipmentID}, filter.Args...)
	var count int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check shipment scope: %w", err)
	}
	return count > 0, nil
}

// resolveLookupID returns the preferred active lookup row, falling back to
// the lowest-id active row when no preferred code exists.
func resolveLookupID(ctx context.Context, tx *sql.Tx, table, codeColumn string, preferred []string) (int64, error) {
	var id int64
	for _, code := range preferred {
		query := fmt.Sprintf("SELECT id FROM %s WHERE %s = $1 AND is_active = true", table, codeColumn)
		err := tx.QueryRowContext(ctx, query, code).Scan(&id)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("failed to resolve %s: %w", table, err)
		}
	}
	query := fmt.Sprintf("SELECT id FROM %s WHERE is_active = true ORDER BY id ASC LIMIT 1", table)
	err := tx.QueryRowContext(ctx, query).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("no active %s configured", table)
		}
		return 0, fmt.Errorf("failed to resolve %s: %w", table, err)
	}
	return id, nil
}

// CreateFromScheduleLines creates a shipment, links its lines to purchase
// order schedule lines, and enforces fulfillment limits: a line may never
// ship more than the remaining quantity of its PO item or schedule line,
// counting quantities already allocated earlier in the same request.
func (s *ShipmentStore) CreateFromScheduleLines(ctx context.Context, input CreateShipmentInput, userEmail string) (*ShipmentHeader, error) {
	if len(input.Items) == 0 {
		return nil, fmt.Errorf("at least one item is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	typeID := input.TypeID
	if typeID == 0 {
		if typeID, err = resolveLookupID(ctx, tx, "ship_type_lookup", "type_code", []string{"STD", "STANDARD"}); err != nil {
			return nil, err
		}
	}
	statusID := input.StatusID
	if statusID == 0 {
		if statusID, err = resolveLookupID(ctx, tx, "shipment_status_lookup", "status_code", []string{"BOOKED", "PLANNED", "DRAFT"}); err != nil {
			return nil, err
		}
	}
	modeID := input.ModeID
	if modeID == 0 {
		if modeID, err = resolveLookupID(ctx, tx, "transport_mode_lookup", "mode_code", []string{"SEA", "AIR", "ROAD", "RAIL"}); err != nil {
			return nil, err
		}
	}

	shipmentNumber := strings.TrimSpace(input.ShipmentNumber)
	if shipmentNumber == "" {
		shipmentNumber = "SHP-" + strings.ToUpper(uuid.NewString()[:8])
	}

	now := time.Now().UTC()
	var headerID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO shipment_header (shipment_number, type_id, status_id, mode_id, carrier_id,
		                             estimated_departure, estimated_arrival, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`, shipmentNumber, typeID, statusID, modeID, input.CarrierID,
		nullableTime(input.EstimatedDeparture), nullableTime(input.EstimatedArrival), userEmail, now).Scan(&headerID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert shipment: %w", err)
	}

	header := &ShipmentHeader{
		ID:                 headerID,
		ShipmentNumber:     shipmentNumber,
		TypeID:             typeID,
		StatusID:           statusID,
		ModeID:             modeID,
		CarrierID:          input.CarrierID,
		EstimatedDeparture: input.EstimatedDeparture,
		EstimatedArrival:   input.EstimatedArrival,
		CreatedBy:          userEmail,
		CreatedAt:          now,
	}

	// Quantities already allocated by earlier lines of this request
	pendingByItem := make(map[int64]float64)
	pendingBySchedule := make(map[int64]float64)

	for index, line := range input.Items {
		var itemQty float64
		var itemNumber int64
		err := tx.QueryRowContext(ctx,
			"SELECT quantity, item_number FROM po_item WHERE id = $1",
			line.POItemID).Scan(&itemQty, &itemNumber)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("po item %d: %w", line.POItemID, ErrPOItemNotFound)
			}
			return nil, fmt.Errorf("failed to load po item: %w", err)
		}

		var scheduleLineID int64
		var scheduleQty float64
		var linkedHeaderID sql.NullInt64
		if line.POScheduleLineID != nil {
			var scheduleItemID int64
			err = tx.QueryRowContext(ctx, `
				SELECT id, quantity, shipment_header_id, po_item_id
				FROM po_schedule_line WHERE id = $1
			`, *line.POScheduleLineID).Scan(&scheduleLineID, &scheduleQty, &linkedHeaderID, &scheduleItemID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, fmt.Errorf("schedule line %d: %w", *line.POScheduleLineID, ErrScheduleLineNotFound)
				}
				return nil, fmt.Errorf("failed to load schedule line: %w", err)
			}
			if scheduleItemID != line.POItemID {
				return nil, fmt.Errorf("schedule line %d: %w", scheduleLineID, ErrScheduleLineMismatch)
			}
		} else {
			err = tx.QueryRowContext(ctx, `
				SELECT id, quantity, shipment_header_id
				FROM po_schedule_line
				WHERE po_item_id = $1
				ORDER BY schedule_number ASC
				LIMIT 1
			`, line.POItemID).Scan(&scheduleLineID, &scheduleQty, &linkedHeaderID)
			if err != nil {
				if errors.Is(err, sql.ErrNoRows) {
					return nil, fmt.Errorf("po item %d has no schedule lines: %w", line.POItemID, ErrScheduleLineNotFound)
				}
				return nil, fmt.Errorf("failed to load schedule line: %w", err)
			}
		}

		if linkedHeaderID.Valid && linkedHeaderID.Int64 != headerID {
			return nil, fmt.Errorf("schedule line %d linked to shipment %d: %w",
				scheduleLineID, linkedHeaderID.Int64, ErrScheduleLineLinked)
		}

		shippedItem, err := sumShippedQty(ctx, tx, "po_item_id", line.POItemID)
		if err != nil {
			return nil, err
		}
		remainingItem := itemQty - shippedItem - pendingByItem[line.POItemID]
		if line.ShippedQty > remainingItem+qtyEpsilon {
			return nil, fmt.Errorf("po item %d has %.3f units remaining: %w",
				line.POItemID, remainingItem, ErrOvershipment)
		}

		shippedSchedule, err := sumShippedQty(ctx, tx, "po_schedule_line_id", scheduleLineID)
		if err != nil {
			return nil, err
		}
		remainingSchedule := scheduleQty - shippedSchedule - pendingBySchedule[scheduleLineID]
		if line.ShippedQty > remainingSchedule+qtyEpsilon {
			return nil, fmt.Errorf("schedule line %d has %.3f units remaining: %w",
				scheduleLineID, remainingSchedule, ErrOvershipment)
		}

		var itemID int64
		err = tx.QueryRowContext(ctx, `
			INSERT INTO shipment_item (shipment_header_id, shipment_item_number, po_item_id,
			                           po_schedule_line_id, shipped_qty, package_id, gross_weight)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING id
		`, headerID, index+1, line.POItemID, scheduleLineID, line.ShippedQty,
			nullableString(line.PackageID), nullableFloat(line.GrossWeight)).Scan(&itemID)
		if err != nil {
			return nil, fmt.Errorf("failed to insert shipment item: %w", err)
		}

		if _, err := tx.ExecContext(ctx,
			"UPDATE po_schedule_line SET shipment_header_id = $1 WHERE id = $2",
			headerID, scheduleLineID); err != nil {
			return nil, fmt.Errorf("failed to link schedule line: %w", err)
		}

		pendingByItem[line.POItemID] += line.ShippedQty
		pendingBySchedule[scheduleLineID] += line.ShippedQty

		if remainingItem-line.ShippedQty <= qtyEpsilon {
			if _, err := tx.ExecContext(ctx,
				"UPDATE po_item SET status_id = $1 WHERE id = $2",
				poItemShippedStatusID, line.POItemID); err != nil {
				return nil, fmt.Errorf("failed to update po item status: %w", err)
			}
		}

		header.Items = append(header.Items, ShipmentItem{
			ID:                 itemID,
			ShipmentItemNumber: int64(index + 1),
			POItemID:           line.POItemID,
			POScheduleLineID:   scheduleLineID,
			ShippedQty:         line.ShippedQty,
			PackageID:          line.PackageID,
			GrossWeight:        line.GrossWeight,
		})
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit shipment: %w", err)
	}
	return header, nil
}

func sumShippedQty(ctx context.Context, tx *sql.Tx, column string, id int64) (float64, error) {
	query := fmt.Sprintf("SELECT COALESCE(SUM(shipped_qty), 0) FROM shipment_item WHERE %s = $1", column)
	var total float64
	if err := tx.QueryRowContext(ctx, query, id).Scan(&total); err != nil {
		return 0, fmt.Errorf("failed to sum shipped quantity: %w", err)
	}
	return total, nil
}

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return *t
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableFloat(f *float64) interface{} {
	if f == nil {
		return nil
	}
	return *f
}
