package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harborline/backoffice/pkg/config"
	"github.com/harborline/backoffice/pkg/metadata"
	"github.com/harborline/backoffice/pkg/middleware"
	"github.com/harborline/backoffice/pkg/observability"
	"github.com/harborline/backoffice/pkg/policy"
	"github.com/harborline/backoffice/pkg/procurement"
	"github.com/harborline/backoffice/pkg/scope"
)

// setupAPIDB creates an in-memory database carrying the scope, procurement,
// and metadata registry schemas with one fixture per access dimension:
// forwarder fwd@ carries shipment SHP-0001, supplier vendor@ supplies
// PO-2000, buyer@ is linked to the customer owned by PO-2000's company, and
// ops@ has no links at all, which union scope treats as unrestricted.
func setupAPIDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	schema := []string{
		`CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		)`,
		`CREATE TABLE user_roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL
		)`,
		`CREATE TABLE partner_role_lookup (
			id INTEGER PRIMARY KEY,
			role_code TEXT NOT NULL,
			role_name TEXT
		)`,
		`CREATE TABLE partner_master (
			id INTEGER PRIMARY KEY,
			partner_identifier TEXT,
			legal_name TEXT,
			role_id INTEGER,
			is_active BOOLEAN NOT NULL DEFAULT true
		)`,
		`CREATE TABLE user_partner_map (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_email TEXT NOT NULL,
			partner_id INTEGER NOT NULL,
			partner_name TEXT,
			deletion_indicator INTEGER NOT NULL DEFAULT 0
		)`,
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
		`CREATE TABLE user_customer_map (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_email TEXT NOT NULL,
			customer_id INTEGER NOT NULL,
			customer_name TEXT,
			deletion_indicator INTEGER NOT NULL DEFAULT 0
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
		`CREATE TABLE metadata_registry (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			type_key TEXT NOT NULL UNIQUE,
			display_name TEXT NOT NULL,
			description TEXT,
			json_schema TEXT,
			is_active BOOLEAN NOT NULL DEFAULT true,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE metadata_version (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			registry_id INTEGER NOT NULL,
			version_no INTEGER NOT NULL,
			state TEXT NOT NULL,
			payload_json TEXT NOT NULL,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
			published_by TEXT,
			published_at TIMESTAMP
		)`,
		`CREATE TABLE metadata_audit_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			registry_id INTEGER,
			action TEXT NOT NULL,
			actor_email TEXT,
			from_version_id INTEGER,
			to_version_id INTEGER,
			note TEXT,
			created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
	}
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to create schema: %v", err)
		}
	}

	day := func(offset int) string {
		return time.Date(2026, time.March, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, offset).Format(time.RFC3339)
	}

	seeds := []string{
		`INSERT INTO users (id, email) VALUES (1, 'admin@example.com')`,
		`INSERT INTO roles (id, name) VALUES (1, 'ADMIN_ORG')`,
		`INSERT INTO user_roles (user_id, role_id) VALUES (1, 1)`,
		`INSERT INTO partner_role_lookup (id, role_code, role_name) VALUES (1, 'FO', 'Forwarder'), (2, 'SU', 'Supplier')`,
		`INSERT INTO partner_master (id, partner_identifier, legal_name, role_id, is_active) VALUES
			(11, 'FWD-11', 'Oceanic Freight', 1, true),
			(21, 'SUP-21', 'Steelworks Ltd', 2, true),
			(22, 'SUP-22', 'Polymer AG', 2, true),
			(23, 'SUP-23', 'Dormant Co', 2, false)`,
		`INSERT INTO user_partner_map (user_email, partner_id, partner_name) VALUES
			('fwd@example.com', 11, 'Oceanic Freight'),
			('vendor@example.com', 22, 'Polymer AG')`,
		`INSERT INTO company_master (id, legal_name) VALUES (500, 'Harborline GmbH'), (501, 'Northbay Inc')`,
		`INSERT INTO customer_master (id, customer_identifier, company_id, is_active) VALUES
			(100, 'CUST-A', 500, true), (101, 'CUST-B', 501, true)`,
		`INSERT INTO user_customer_map (user_email, customer_id, customer_name) VALUES
			('buyer@example.com', 101, 'Northbay Retail')`,
		`INSERT INTO product_master (id, sku_identifier) VALUES (1, 'SKU-100'), (2, 'SKU-200')`,
		`INSERT INTO ship_type_lookup (id, type_code) VALUES (1, 'STD')`,
		`INSERT INTO shipment_status_lookup (id, status_code, status_name) VALUES (1, 'BOOKED', 'Booked')`,
		`INSERT INTO transport_mode_lookup (id, mode_code) VALUES (1, 'SEA')`,

		`INSERT INTO po_header (id, po_number, company_id, vendor_id, total_amount, created_by, created_at)
			VALUES (1, 'PO-1000', 500, 21, 1500, 'buyer@example.com', '` + day(0) + `')`,
		`INSERT INTO po_item (id, po_header_id, item_number, product_id, quantity, unit_price, line_total)
			VALUES (1, 1, 10, 1, 100, 10, 1000), (2, 1, 20, 2, 50, 10, 500)`,
		`INSERT INTO po_schedule_line (id, po_item_id, schedule_number, quantity, delivery_date)
			VALUES (1, 1, 1, 60, '` + day(10) + `'), (2, 1, 2, 40, '` + day(20) + `'), (3, 2, 1, 50, '` + day(15) + `')`,

		`INSERT INTO po_header (id, po_number, company_id, vendor_id, total_amount, created_by, created_at)
			VALUES (2, 'PO-2000', 501, 22, 900, 'buyer@example.com', '` + day(1) + `')`,
		`INSERT INTO po_item (id, po_header_id, item_number, product_id, quantity, unit_price, line_total)
			VALUES (3, 2, 10, 2, 30, 30, 900)`,
		`INSERT INTO po_schedule_line (id, po_item_id, shipment_header_id, schedule_number, quantity, delivery_date)
			VALUES (4, 3, 1, 1, 30, '` + day(5) + `')`,

		`INSERT INTO shipment_header (id, shipment_number, type_id, status_id, mode_id, carrier_id, created_by, created_at)
			VALUES (1, 'SHP-0001', 1, 1, 1, 11, 'ops@example.com', '` + day(2) + `')`,
		`INSERT INTO shipment_item (id, shipment_header_id, shipment_item_number, po_item_id, po_schedule_line_id, shipped_qty)
			VALUES (1, 1, 1, 3, 4, 30)`,

		`INSERT INTO metadata_registry (id, type_key, display_name) VALUES
			(1, 'role_scope_policy', 'Role Scope Policy'),
			(2, 'grid_defaults', 'Grid Defaults')`,
		`INSERT INTO metadata_version (id, registry_id, version_no, state, payload_json, created_by)
			VALUES (1, 1, 1, 'PUBLISHED', '{"version": "2.0", "endpoint_policies": [], "role_scope_mapping": []}', 'admin@example.com')`,
	}
	for _, stmt := range seeds {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("failed to seed data: %v", err)
		}
	}
	return db
}

// newTestServer wires a server over the fixture database in union mode with
// header-based identity.
func newTestServer(t *testing.T, db *sql.DB) *Server {
	t.Helper()

	logger := observability.NewLogger(observability.ErrorLevel, io.Discard)
	resolver := scope.NewResolver(db)
	policyDocs := policy.NewMetadataStore(config.MetadataConfig{CacheTTL: time.Minute}, nil)
	engine := policy.NewEngine(resolver, policyDocs)
	authorizer := policy.NewAuthorizer(config.RoleScopeConfig{
		UnionScopeEnabled: true,
	}, resolver, engine, logger, nil)

	return NewServer(Deps{
		Logger:         logger,
		Authorizer:     authorizer,
		Resolver:       resolver,
		Registry:       metadata.NewRegistry(db),
		PolicyDocs:     policyDocs,
		PurchaseOrders: procurement.NewPurchaseOrderStore(db),
		Shipments:      procurement.NewShipmentStore(db),
		Reports:        procurement.NewReportStore(db),
		Locks:          procurement.NewDocumentLockStore(db, time.Minute),
		Identity:       middleware.NewIdentityMiddleware(nil, middleware.AuthModeLegacyHeader),
	})
}

// doRequest performs one request against the server as the given user. A nil
// body sends no payload; otherwise the body is JSON-encoded.
func doRequest(t *testing.T, srv *Server, method, path, userEmail string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
		reader = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, reader)
	if userEmail != "" {
		req.Header.Set("X-User-Email", userEmail)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

// decodeBody unmarshals a JSON response body into dst
func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), dst); err != nil {
		t.Fatalf("failed to decode response %q: %v", rec.Body.String(), err)
	}
}

func requireStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d (want %d): %s", rec.Code, want, rec.Body.String())
	}
}
