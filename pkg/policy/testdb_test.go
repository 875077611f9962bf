package policy

import (
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/harborline/backoffice/pkg/config"
	"github.com/harborline/backoffice/pkg/scope"
)

func setupScopeDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	_, err = db.Exec(`
		CREATE TABLE users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			email TEXT NOT NULL UNIQUE
		);
		CREATE TABLE roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL
		);
		CREATE TABLE user_roles (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_id INTEGER NOT NULL,
			role_id INTEGER NOT NULL
		);
		CREATE TABLE partner_role_lookup (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role_code TEXT NOT NULL,
			role_name TEXT
		);
		CREATE TABLE partner_master (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			partner_identifier TEXT,
			role_id INTEGER NOT NULL
		);
		CREATE TABLE user_partner_map (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_email TEXT NOT NULL,
			partner_id INTEGER NOT NULL,
			partner_name TEXT,
			deletion_indicator INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE company_master (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			company_name TEXT,
			is_active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE customer_master (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_identifier TEXT,
			company_id INTEGER,
			is_active INTEGER NOT NULL DEFAULT 1
		);
		CREATE TABLE user_customer_map (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			user_email TEXT NOT NULL,
			customer_id INTEGER NOT NULL,
			customer_name TEXT,
			deletion_indicator INTEGER NOT NULL DEFAULT 0
		);
	`)
	if err != nil {
		t.Fatalf("Failed to create test tables: %v", err)
	}

	// User U: roles FORWARDER + SUPPLIER, forwarder partner 11, supplier
	// partner 21, no customer links. User buyer@: USER_PURCH_BUYER with
	// customer 100. User admin@: ADMIN_ORG only. User none@: nothing.
	stmts := []string{
		`INSERT INTO users (id, email) VALUES
			(1, 'u@example.com'), (2, 'buyer@example.com'), (3, 'admin@example.com'), (4, 'none@example.com')`,
		`INSERT INTO roles (id, name) VALUES
			(10, 'FORWARDER'), (11, 'SUPPLIER'), (12, 'USER_PURCH_BUYER'), (13, 'ADMIN_ORG')`,
		`INSERT INTO user_roles (user_id, role_id) VALUES (1, 10), (1, 11), (2, 12), (3, 13)`,
		`INSERT INTO partner_role_lookup (id, role_code, role_name) VALUES
			(1, 'FO', 'Forwarder'), (2, 'SU', 'Supplier')`,
		`INSERT INTO partner_master (id, partner_identifier, role_id) VALUES
			(11, 'fwd-11', 1), (21, 'sup-21', 2)`,
		`INSERT INTO user_partner_map (user_email, partner_id, partner_name) VALUES
			('u@example.com', 11, 'Forwarder Eleven'),
			('u@example.com', 21, 'Supplier TwentyOne')`,
		`INSERT INTO company_master (id, company_name) VALUES (500, 'Company A')`,
		`INSERT INTO customer_master (id, customer_identifier, company_id) VALUES (100, 'cust-100', 500)`,
		`INSERT INTO user_customer_map (user_email, customer_id, customer_name) VALUES
			('buyer@example.com', 100, 'Customer Hundred')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("Failed to seed test data: %v", err)
		}
	}
	return db
}

// writePolicyFile marshals a document to a temp file and returns a metadata
// store reading from it.
func storeForDocument(t *testing.T, doc *DocumentV2) *MetadataStore {
	t.Helper()

	data, err := json.Marshal(doc)
	if err != nil {
		t.Fatalf("Failed to marshal policy document: %v", err)
	}
	path := filepath.Join(t.TempDir(), "policy.json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}
	return NewMetadataStore(config.MetadataConfig{
		ReadMode:   "assets",
		CacheTTL:   time.Minute,
		PolicyPath: path,
	}, nil)
}

func engineForDocument(t *testing.T, db *sql.DB, doc *DocumentV2) *Engine {
	t.Helper()
	return NewEngine(scope.NewResolver(db), storeForDocument(t, doc))
}

func boolPtr(b bool) *bool { return &b }
