package procurement

import (
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupProcurementDB creates an in-memory database with the procurement
// schema and a small fixture: two purchase orders (one per company/vendor),
// schedule lines, and one planned shipment carried by forwarder 11.
func setupProcurementDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE company_master (
			id INTEGER PRIMARY KEY,
			legal_name TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE customer_master (
			id INTEGER PRIMARY KEY,
			customer_identifier TEXT,
			company_id INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE partner_master (
			id INTEGER PRIMARY KEY,
			partner_identifier TEXT,
			legal_name TEXT,
			role_id INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE product_master (
			id INTEGER PRIMARY KEY,
			sku_identifier TEXT
		)`,
		`CREATE TABLE po_header (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			po_number TEXT NOT NULL UNIQUE,
			type_id INTEGER NOT NULL DEFAULT 1,
			status_id INTEGER NOT NULL DEFAULT 1,
			purchase_org_id INTEGER NOT NULL DEFAULT 1,
			company_id INTEGER NOT NULL,
			vendor_id INTEGER NOT NULL,
			currency TEXT NOT NULL DEFAULT 'USD',
			total_amount REAL NOT NULL DEFAULT 0,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP
		)`,
		`CREATE TABLE po_item (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			po_header_id INTEGER NOT NULL,
			item_number INTEGER NOT NULL,
			product_id INTEGER NOT NULL,
			status_id INTEGER NOT NULL DEFAULT 1,
			quantity REAL NOT NULL,
			unit_price REAL NOT NULL,
			line_total REAL NOT NULL
		)`,
		`CREATE TABLE po_schedule_line (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			po_item_id INTEGER NOT NULL,
			shipment_header_id INTEGER,
			schedule_number INTEGER NOT NULL DEFAULT 1,
			quantity REAL NOT NULL,
			received_qty REAL NOT NULL DEFAULT 0,
			delivery_date DATE NOT NULL
		)`,
		`CREATE TABLE shipment_header (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			shipment_number TEXT NOT NULL UNIQUE,
			type_id INTEGER NOT NULL,
			status_id INTEGER NOT NULL,
			mode_id INTEGER NOT NULL,
			carrier_id INTEGER NOT NULL,
			master_bill_lading TEXT,
			estimated_departure DATE,
			estimated_arrival DATE,
			actual_arrival DATE,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE shipment_item (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			shipment_header_id INTEGER NOT NULL,
			shipment_item_number INTEGER NOT NULL,
			po_item_id INTEGER NOT NULL,
			po_schedule_line_id INTEGER NOT NULL,
			shipped_qty REAL NOT NULL,
			package_id TEXT,
			gross_weight REAL
		)`,
		`CREATE TABLE ship_type_lookup (
			id INTEGER PRIMARY KEY,
			type_code TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE shipment_status_lookup (
			id INTEGER PRIMARY KEY,
			status_code TEXT,
			status_name TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE transport_mode_lookup (
			id INTEGER PRIMARY KEY,
			mode_code TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE document_edit_lock (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			object_type TEXT NOT NULL,
			document_id INTEGER NOT NULL,
			owner_email TEXT NOT NULL,
			owner_session_id TEXT NOT NULL,
			lock_token_hash TEXT NOT NULL,
			acquired_at TIMESTAMP NOT NULL,
			heartbeat_at TIMESTAMP NOT NULL,
			expires_at TIMESTAMP NOT NULL,
			is_active BOOLEAN NOT NULL DEFAULT true,
			released_at TIMESTAMP,
			released_by TEXT,
			release_reason TEXT
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}
	return db
}

func seedProcurementData(t *testing.T, db *sql.DB) {
	t.Helper()

	day := func(offset int) time.Time {
		return time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset)
	}

	stmts := []struct {
		query string
		args  []interface{}
	}{
		{`INSERT INTO company_master (id, legal_name) VALUES (500, 'Harborline GmbH'), (501, 'Northbay Inc')`, nil},
		{`INSERT INTO customer_master (id, customer_identifier, company_id, is_active)
		  VALUES (100, 'CUST-A', 500, true), (101, 'CUST-B', 501, true)`, nil},
		{`INSERT INTO partner_master (id, partner_identifier, legal_name, role_id, is_active)
		  VALUES (11, 'FWD-11', 'Oceanic Freight', 1, true),
		         (21, 'SUP-21', 'Steelworks Ltd', 2, true),
		         (22, 'SUP-22', 'Polymer AG', 2, true),
		         (23, 'SUP-23', 'Dormant Co', 2, false)`, nil},
		{`INSERT INTO product_master (id, sku_identifier) VALUES (1, 'SKU-100'), (2, 'SKU-200')`, nil},
		{`INSERT INTO ship_type_lookup (id, type_code) VALUES (1, 'STD')`, nil},
		{`INSERT INTO shipment_status_lookup (id, status_code, status_name)
		  VALUES (1, 'BOOKED', 'Booked'), (2, 'DEPARTED', 'Departed')`, nil},
		{`INSERT INTO transport_mode_lookup (id, mode_code) VALUES (1, 'SEA'), (2, 'AIR')`, nil},

		// PO 1: company 500, vendor 21, two items
		{`INSERT INTO po_header (id, po_number, company_id, vendor_id, total_amount, created_by, created_at)
		  VALUES (1, 'PO-1000', 500, 21, 1500, 'buyer@example.com', ?)`, []interface{}{day(0)}},
		{`INSERT INTO po_item (id, po_header_id, item_number, product_id, quantity, unit_price, line_total)
		  VALUES (1, 1, 10, 1, 100, 10, 1000), (2, 1, 20, 2, 50, 10, 500)`, nil},
		{`INSERT INTO po_schedule_line (id, po_item_id, schedule_number, quantity, delivery_date)
		  VALUES (1, 1, 1, 60, ?), (2, 1, 2, 40, ?), (3, 2, 1, 50, ?)`,
			[]interface{}{day(10), day(20), day(15)}},

		// PO 2: company 501, vendor 22, one item fully planned on shipment 1
		{`INSERT INTO po_header (id, po_number, company_id, vendor_id, total_amount, created_by, created_at)
		  VALUES (2, 'PO-2000', 501, 22, 900, 'buyer@example.com', ?)`, []interface{}{day(1)}},
		{`INSERT INTO po_item (id, po_header_id, item_number, product_id, quantity, unit_price, line_total)
		  VALUES (3, 2, 10, 2, 30, 30, 900)`, nil},
		{`INSERT INTO po_schedule_line (id, po_item_id, shipment_header_id, schedule_number, quantity, delivery_date)
		  VALUES (4, 3, 1, 1, 30, ?)`, []interface{}{day(5)}},

		{`INSERT INTO shipment_header (id, shipment_number, type_id, status_id, mode_id, carrier_id, created_by, created_at)
		  VALUES (1, 'SHP-0001', 1, 1, 1, 11, 'ops@example.com', ?)`, []interface{}{day(2)}},
		{`INSERT INTO shipment_item (id, shipment_header_id, shipment_item_number, po_item_id, po_schedule_line_id, shipped_qty)
		  VALUES (1, 1, 1, 3, 4, 30)`, nil},
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt.query, stmt.args...); err != nil {
			t.Fatalf("failed to seed data: %v", err)
		}
	}
}

func int64Ptr(v int64) *int64 { return &v }
