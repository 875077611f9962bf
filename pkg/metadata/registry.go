package metadata

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harborline/backoffice/pkg/policy"
)

// Version lifecycle states
const (
	StateDraft     = "DRAFT"
	StatePublished = "PUBLISHED"
	StateArchived  = "ARCHIVED"
)

// Audit actions recorded per lifecycle transition
const (
	ActionTypeCreate = "TYPE_CREATE"
	ActionSaveDraft  = "SAVE_DRAFT"
	ActionPublish    = "PUBLISH"
)

// ErrTypeNotFound is returned when a type key is not registered
var ErrTypeNotFound = errors.New("metadata type not found")

// ErrNoPublishCandidate is returned when publish finds no draft or version
var ErrNoPublishCandidate = errors.New("no draft or version available to publish")

// ValidationError carries the contract violations that blocked a publish
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("metadata payload validation failed: %s", strings.Join(e.Issues, "; "))
}

// Type is one registered metadata type
type Type struct {
	ID          int64      `json:"id"`
	TypeKey     string     `json:"type_key"`
	DisplayName string     `json:"display_name"`
	Description *string    `json:"description"`
	JSONSchema  *string    `json:"json_schema"`
	IsActive    bool       `json:"is_active"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Version is one stored payload revision of a type
type Version struct {
	ID          int64      `json:"id"`
	RegistryID  int64      `json:"registry_id"`
	VersionNo   int        `json:"version_no"`
	State       string     `json:"state"`
	Payload     json.RawMessage `json:"payload"`
	CreatedBy   *string    `json:"created_by"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedBy *string    `json:"published_by"`
	PublishedAt *time.Time `json:"published_at"`
}

// Published is the currently published payload of a type
type Published struct {
	TypeKey   string          `json:"type_key"`
	VersionNo int             `json:"version_no"`
	VersionID int64           `json:"version_id"`
	Payload   json.RawMessage `json:"payload"`
}

// Registry manages metadata types and their versions over the
// metadata_registry, metadata_version, and metadata_audit_log tables.
type Registry struct {
	db *sql.DB
}

// NewRegistry creates a metadata registry store
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{db: db}
}

const typeColumns = `id, type_key, display_name, description, json_schema, is_active, created_at, updated_at`

func scanType(row interface{ Scan(...any) error }) (*Type, error) {
	var t Type
	err := row.Scan(&t.ID, &t.TypeKey, &t.DisplayName, &t.Description, &t.JSONSchema,
		&t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTypes returns every registered metadata type ordered by type key
func (r *Registry) ListTypes(ctx context.Context) ([]*Type, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+typeColumns+` FROM metadata_registry ORDER BY type_key ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list metadata types: %w", err)
	}
	defer rows.Close()

	var types []*Type
	for rows.Next() {
		t, err := scanType(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan metadata type: %w", err)
		}
		types = append(types, t)
	}
	return types, rows.Err()
}

// GetType returns the registered type for a key, or ErrTypeNotFound
func (r *Registry) GetType(ctx context.Context, typeKey string) (*Type, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+typeColumns+` FROM metadata_registry WHERE type_key = $1`, typeKey)
	t, err := scanType(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTypeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get metadata type: %w", err)
	}
	return t, nil
}

// EnsureType registers a type if it does not exist yet and returns it
func (r *Registry) EnsureType(ctx context.Context, typeKey, displayName, description string) (*Type, error) {
	existing, err := r.GetType(ctx, typeKey)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, ErrTypeNotFound) {
		return nil, err
	}

	var desc *string
	if trimmed := strings.TrimSpace(description); trimmed != "" {
		desc = &trimmed
	}

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO metadata_registry (type_key, display_name, description, is_active)
		VALUES ($1, $2, $3, true)
		RETURNING `+typeColumns,
		strings.TrimSpace(typeKey), strings.TrimSpace(displayName), desc)
	created, err := scanType(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create metadata type: %w", err)
	}

	if err := r.logAction(ctx, r.db, &created.ID, ActionTypeCreate, nil, nil, nil, "Metadata type created"); err != nil {
		return nil, err
	}
	return created, nil
}

// SaveDraft stores a new draft version with the next version number
func (r *Registry) SaveDraft(ctx context.Context, typeKey string, payload json.RawMessage, actorEmail, note string) (*Version, error) {
	registry, err := r.GetType(ctx, typeKey)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	err = tx.QueryRowContext(ctx,
		`SELECT MAX(version_no) FROM metadata_version WHERE registry_id = $1`,
		registry.ID).Scan(&maxVersion)
	if err != nil {
		return nil, fmt.Errorf("failed to read latest version number: %w", err)
	}
	versionNo := int(maxVersion.Int64) + 1

	var actor *string
	if trimmed := strings.TrimSpace(actorEmail); trimmed != "" {
		actor = &trimmed
	}

	version := &Version{
		RegistryID: registry.ID,
		VersionNo:  versionNo,
		State:      StateDraft,
		Payload:    payload,
		CreatedBy:  actor,
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO metadata_version (registry_id, version_no, state, payload_json, created_by)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at`,
		registry.ID, versionNo, StateDraft, string(payload), actor,
	).Scan(&version.ID, &version.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to insert draft version: %w", err)
	}

	if err := r.logAction(ctx, tx, &registry.ID, ActionSaveDraft, actor, nil, &version.ID, note); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit draft: %w", err)
	}
	return version, nil
}

// GetPublished returns the highest published version of a type, or nil when
// the type is unknown or nothing is published. A non-object payload is
// returned as an empty object, mirroring the fail-soft read contract.
func (r *Registry) GetPublished(ctx context.Context, typeKey string) (*Published, error) {
	registry, err := r.GetType(ctx, typeKey)
	if errors.Is(err, ErrTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var (
		versionID   int64
		versionNo   int
		payloadJSON string
	)
	err = r.db.QueryRowContext(ctx, `
		SELECT id, version_no, payload_json
		FROM metadata_version
		WHERE registry_id = $1 AND state = $2
		ORDER BY version_no DESC
		LIMIT 1`,
		registry.ID, StatePublished,
	).Scan(&versionID, &versionNo, &payloadJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read published version: %w", err)
	}

	var probe map[string]json.RawMessage
	payload := json.RawMessage(payloadJSON)
	if json.Unmarshal(payload, &probe) != nil {
		payload = json.RawMessage("{}")
	}

	return &Published{
		TypeKey:   registry.TypeKey,
		VersionNo: versionNo,
		VersionID: versionID,
		Payload:   payload,
	}, nil
}

// GetPublishedPayload adapts GetPublished to the policy store's reader
// interface: a nil payload means nothing is published.
func (r *Registry) GetPublishedPayload(ctx context.Context, typeKey string) ([]byte, int, error) {
	published, err := r.GetPublished(ctx, typeKey)
	if err != nil {
		return nil, 0, err
	}
	if published == nil {
		return nil, 0, nil
	}
	return published.Payload, published.VersionNo, nil
}

// Publish promotes a version to PUBLISHED, archiving any previously
// published versions. When versionNo is zero the latest draft is published.
// The role_scope_policy type is validated against the policy contract first.
func (r *Registry) Publish(ctx context.Context, typeKey string, versionNo int, actorEmail, note string) (*Published, error) {
	registry, err := r.GetType(ctx, typeKey)
	if err != nil {
		return nil, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var (
		candidateID int64
		candidateNo int
		payloadJSON string
	)
	if versionNo > 0 {
		err = tx.QueryRowContext(ctx, `
			SELECT id, version_no, payload_json
			FROM metadata_version
			WHERE registry_id = $1 AND version_no = $2`,
			registry.ID, versionNo,
		).Scan(&candidateID, &candidateNo, &payloadJSON)
	} else {
		err = tx.QueryRowContext(ctx, `
			SELECT id, version_no, payload_json
			FROM metadata_version
			WHERE registry_id = $1 AND state = $2
			ORDER BY version_no DESC
			LIMIT 1`,
			registry.ID, StateDraft,
		).Scan(&candidateID, &candidateNo, &payloadJSON)
	}
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPublishCandidate
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read publish candidate: %w", err)
	}

	var probe map[string]json.RawMessage
	if err := json.Unmarshal([]byte(payloadJSON), &probe); err != nil {
		return nil, &ValidationError{Issues: []string{"Payload must be a JSON object."}}
	}

	if registry.TypeKey == policy.TypeKeyRoleScopePolicy {
		doc, err := policy.ParseDocument([]byte(payloadJSON))
		if err != nil {
			return nil, &ValidationError{Issues: []string{err.Error()}}
		}
		if doc.V2 != nil {
			if issues := policy.ValidatePolicyPayload(doc.V2, policy.RequiredBusinessEndpointKeys); len(issues) > 0 {
				return nil, &ValidationError{Issues: issues}
			}
		}
	}

	var previousID sql.NullInt64
	err = tx.QueryRowContext(ctx, `
		SELECT MAX(id) FROM metadata_version
		WHERE registry_id = $1 AND state = $2`,
		registry.ID, StatePublished).Scan(&previousID)
	if err != nil {
		return nil, fmt.Errorf("failed to read previously published versions: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE metadata_version SET state = $1
		WHERE registry_id = $2 AND state = $3`,
		StateArchived, registry.ID, StatePublished); err != nil {
		return nil, fmt.Errorf("failed to archive published versions: %w", err)
	}

	var actor *string
	if trimmed := strings.TrimSpace(actorEmail); trimmed != "" {
		actor = &trimmed
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE metadata_version
		SET state = $1, published_by = $2, published_at = NOW()
		WHERE id = $3`,
		StatePublished, actor, candidateID); err != nil {
		return nil, fmt.Errorf("failed to publish version: %w", err)
	}

	var fromVersionID *int64
	if previousID.Valid {
		fromVersionID = &previousID.Int64
	}
	if err := r.logAction(ctx, tx, &registry.ID, ActionPublish, actor, fromVersionID, &candidateID, note); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit publish: %w", err)
	}

	return &Published{
		TypeKey:   registry.TypeKey,
		VersionNo: candidateNo,
		VersionID: candidateID,
		Payload:   json.RawMessage(payloadJSON),
	}, nil
}

// ListVersions returns up to limit versions of a type, newest first
func (r *Registry) ListVersions(ctx context.Context, typeKey string, limit int) ([]*Version, error) {
	registry, err := r.GetType(ctx, typeKey)
	if errors.Is(err, ErrTypeNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, registry_id, version_no, state, payload_json, created_by, created_at, published_by, published_at
		FROM metadata_version
		WHERE registry_id = $1
		ORDER BY version_no DESC
		LIMIT $2`,
		registry.ID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list versions: %w", err)
	}
	defer rows.Close()

	var versions []*Version
	for rows.Next() {
		var v Version
		var payloadJSON string
		if err := rows.Scan(&v.ID, &v.RegistryID, &v.VersionNo, &v.State, &payloadJSON,
			&v.CreatedBy, &v.CreatedAt, &v.PublishedBy, &v.PublishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan version: %w", err)
		}
		v.Payload = json.RawMessage(payloadJSON)
		versions = append(versions, &v)
	}
	return versions, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *Registry) logAction(ctx context.Context, db execer, registryID *int64, action string, actorEmail *string, fromVersionID, toVersionID *int64, note string) error {
	var notePtr *string
	if trimmed := strings.TrimSpace(note); trimmed != "" {
		notePtr = &trimmed
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO metadata_audit_log (registry_id, action, actor_email, from_version_id, to_version_id, note)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		registryID, action, actorEmail, fromVersionID, toVersionID, notePtr)
	if err != nil {
		return fmt.Errorf("failed to write metadata audit log: %w", err)
	}
	return nil
}
