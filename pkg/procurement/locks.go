package procurement

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"database/sql"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Header carrying the edit-lock token on write requests
const LockTokenHeader = "X-Document-Lock-Token"

// Lockable document types
const (
	ObjectTypePurchaseOrder = "PURCHASE_ORDER"
	ObjectTypeShipment      = "SHIPMENT"
)

// Lock failure codes surfaced to clients
const (
	LockCodeRequired = "LOCK_REQUIRED"
	LockCodeConflict = "LOCK_CONFLICT"
	LockCodeExpired  = "LOCK_EXPIRED"
	LockCodeNotOwner = "LOCK_NOT_OWNER"
)

// LockFailure is a lock protocol violation with the HTTP status it maps to
type LockFailure struct {
	Code       string     `json:"code"`
	Message    string     `json:"message"`
	StatusCode int        `json:"-"`
	LockedBy   string     `json:"locked_by,omitempty"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

func (f *LockFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func lockFailure(code, message string, status int) *LockFailure {
	return &LockFailure{Code: code, Message: message, StatusCode: status}
}

// DocumentLock is one document_edit_lock row
type DocumentLock struct {
	ID             int64      `json:"lock_id"`
	ObjectType     string     `json:"object_type"`
	DocumentID     int64      `json:"document_id"`
	OwnerEmail     string     `json:"owner_email"`
	OwnerSessionID string     `json:"owner_session_id"`
	AcquiredAt     time.Time  `json:"acquired_at"`
	HeartbeatAt    time.Time  `json:"heartbeat_at"`
	ExpiresAt      time.Time  `json:"expires_at"`
	IsActive       bool       `json:"is_active"`
	ReleaseReason  *string    `json:"release_reason,omitempty"`
	ReleasedAt     *time.Time `json:"-"`
}

// AcquireResult carries a fresh lock and its one-time plaintext token. Only
// the SHA-256 hash of the token is persisted.
type AcquireResult struct {
	Lock  *DocumentLock
	Token string
}

// DocumentLockStore implements pessimistic edit locks over documents. Locks
// expire after a TTL unless heartbeated; expiry is lazily applied whenever a
// stale lock is observed.
type DocumentLockStore struct {
	db  *sql.DB
	ttl time.Duration
	now func() time.Time
}

// NewDocumentLockStore creates a lock store. TTL is clamped to 30 seconds.
func NewDocumentLockStore(db *sql.DB, ttl time.Duration) *DocumentLockStore {
	if ttl < 30*time.Second {
		ttl = 30 * time.Second
	}
	return &DocumentLockStore{db: db, ttl: ttl, now: func() time.Time { return time.Now().UTC() }}
}

// TTL returns the effective lock lifetime
func (s *DocumentLockStore) TTL() time.Duration {
	return s.ttl
}

func normalizeObjectType(value string) (string, error) {
	normalized := strings.ToUpper(strings.TrimSpace(value))
	if normalized != ObjectTypePurchaseOrder && normalized != ObjectTypeShipment {
		return "", fmt.Errorf("object_type must be %s or %s", ObjectTypePurchaseOrder, ObjectTypeShipment)
	}
	return normalized, nil
}

func normalizeEmail(value string) string {
	return strings.ToLower(strings.TrimSpace(value))
}

func newLockToken() (string, error) {
	raw := make([]byte, 36)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("failed to generate lock token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

func hashLockToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

const lockColumns = `id, object_type, document_id, owner_email, owner_session_id,
	acquired_at, heartbeat_at, expires_at, is_active, release_reason`

func scanLock(row rowScanner) (*DocumentLock, error) {
	var lock DocumentLock
	var reason sql.NullString
	err := row.Scan(&lock.ID, &lock.ObjectType, &lock.DocumentID, &lock.OwnerEmail,
		&lock.OwnerSessionID, &lock.AcquiredAt, &lock.HeartbeatAt, &lock.ExpiresAt,
		&lock.IsActive, &reason)
	if err != nil {
		return nil, err
	}
	if reason.Valid {
		lock.ReleaseReason = &reason.String
	}
	return &lock, nil
}

// expireIfStale deactivates a lock past its expiry, reporting whether the
// lock is unusable (inactive or just expired).
func (s *DocumentLockStore) expireIfStale(ctx context.Context, tx *sql.Tx, lock *DocumentLock) (bool, error) {
	if !lock.IsActive {
		return true, nil
	}
	now := s.now()
	if !lock.ExpiresAt.After(now) {
		_, err := tx.ExecContext(ctx, `
			UPDATE document_edit_lock
			SET is_active = false, released_at = $1, released_by = 'system@local', release_reason = 'expired'
			WHERE id = $2
		`, now, lock.ID)
		if err != nil {
			return false, fmt.Errorf("failed to expire lock: %w", err)
		}
		lock.IsActive = false
		return true, nil
	}
	return false, nil
}

func (s *DocumentLockStore) activeLockForDocument(ctx context.Context, tx *sql.Tx, objectType string, documentID int64) (*DocumentLock, error) {
	query := "SELECT " + lockColumns + `
		FROM document_edit_lock
		WHERE object_type = $1 AND document_id = $2 AND is_active = true
		ORDER BY id DESC
		LIMIT 1
	`
	lock, err := scanLock(tx.QueryRowContext(ctx, query, objectType, documentID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document lock: %w", err)
	}
	return lock, nil
}

func (s *DocumentLockStore) activeLockForToken(ctx context.Context, tx *sql.Tx, tokenHash string) (*DocumentLock, error) {
	query := "SELECT " + lockColumns + `
		FROM document_edit_lock
		WHERE lock_token_hash = $1 AND is_active = true
		ORDER BY id DESC
		LIMIT 1
	`
	lock, err := scanLock(tx.QueryRowContext(ctx, query, tokenHash))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load document lock: %w", err)
	}
	return lock, nil
}

// Acquire takes the edit lock on a document. The current owner may re-acquire
// their own lock, which rotates the token; anyone else gets a conflict while
// the lock is alive.
func (s *DocumentLockStore) Acquire(ctx context.Context, objectType string, documentID int64, ownerEmail, sessionID string) (*AcquireResult, error) {
	objectType, err := normalizeObjectType(objectType)
	if err != nil {
		return nil, lockFailure(LockCodeRequired, err.Error(), 400)
	}
	ownerEmail = normalizeEmail(ownerEmail)
	if ownerEmail == "" {
		return nil, lockFailure(LockCodeRequired, "Authenticated user is required to acquire lock.", 409)
	}
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil, lockFailure(LockCodeRequired, "session_id is required.", 400)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	existing, err := s.activeLockForDocument(ctx, tx, objectType, documentID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		stale, err := s.expireIfStale(ctx, tx, existing)
		if err != nil {
			return nil, err
		}
		if stale {
			existing = nil
		}
	}

	token, err := newLockToken()
	if err != nil {
		return nil, err
	}
	tokenHash := hashLockToken(token)
	now := s.now()
	expiry := now.Add(s.ttl)

	if existing != nil {
		if normalizeEmail(existing.OwnerEmail) != ownerEmail {
			expiresAt := existing.ExpiresAt
			return nil, &LockFailure{
				Code:       LockCodeConflict,
				Message:    "Document is locked by another user.",
				StatusCode: 409,
				LockedBy:   existing.OwnerEmail,
				ExpiresAt:  &expiresAt,
			}
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE document_edit_lock
			SET owner_session_id = $1, lock_token_hash = $2, acquired_at = $3,
			    heartbeat_at = $3, expires_at = $4, released_at = NULL,
			    released_by = NULL, release_reason = NULL, is_active = true
			WHERE id = $5
		`, sessionID, tokenHash, now, expiry, existing.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh lock: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit lock: %w", err)
		}
		existing.OwnerSessionID = sessionID
		existing.AcquiredAt = now
		existing.HeartbeatAt = now
		existing.ExpiresAt = expiry
		existing.IsActive = true
		existing.ReleaseReason = nil
		return &AcquireResult{Lock: existing, Token: token}, nil
	}

	var lockID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO document_edit_lock (object_type, document_id, owner_email, owner_session_id,
		                                lock_token_hash, acquired_at, heartbeat_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7, true)
		RETURNING id
	`, objectType, documentID, ownerEmail, sessionID, tokenHash, now, expiry).Scan(&lockID)
	if err != nil {
		return nil, fmt.Errorf("failed to insert lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock: %w", err)
	}

	return &AcquireResult{
		Lock: &DocumentLock{
			ID:             lockID,
			ObjectType:     objectType,
			DocumentID:     documentID,
			OwnerEmail:     ownerEmail,
			OwnerSessionID: sessionID,
			AcquiredAt:     now,
			HeartbeatAt:    now,
			ExpiresAt:      expiry,
			IsActive:       true,
		},
		Token: token,
	}, nil
}

// Heartbeat extends the owner's lock by one TTL
func (s *DocumentLockStore) Heartbeat(ctx context.Context, lockToken, ownerEmail string) (*DocumentLock, error) {
	token := strings.TrimSpace(lockToken)
	if token == "" {
		return nil, lockFailure(LockCodeRequired, "lock token is required.", 409)
	}
	ownerEmail = normalizeEmail(ownerEmail)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lock, err := s.activeLockForToken(ctx, tx, hashLockToken(token))
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, lockFailure(LockCodeConflict, "Lock token is invalid.", 409)
	}
	stale, err := s.expireIfStale(ctx, tx, lock)
	if err != nil {
		return nil, err
	}
	if stale {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit lock expiry: %w", err)
		}
		expiresAt := lock.ExpiresAt
		return nil, &LockFailure{
			Code:       LockCodeExpired,
			Message:    "Lock has expired.",
			StatusCode: 409,
			LockedBy:   lock.OwnerEmail,
			ExpiresAt:  &expiresAt,
		}
	}
	if normalizeEmail(lock.OwnerEmail) != ownerEmail {
		expiresAt := lock.ExpiresAt
		return nil, &LockFailure{
			Code:       LockCodeNotOwner,
			Message:    "Lock is owned by another user.",
			StatusCode: 409,
			LockedBy:   lock.OwnerEmail,
			ExpiresAt:  &expiresAt,
		}
	}

	now := s.now()
	expiry := now.Add(s.ttl)
	if _, err := tx.ExecContext(ctx,
		"UPDATE document_edit_lock SET heartbeat_at = $1, expires_at = $2 WHERE id = $3",
		now, expiry, lock.ID); err != nil {
		return nil, fmt.Errorf("failed to heartbeat lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit heartbeat: %w", err)
	}
	lock.HeartbeatAt = now
	lock.ExpiresAt = expiry
	return lock, nil
}

// Release ends the owner's lock. A blank or unknown token is a no-op; a
// token owned by someone else is rejected.
func (s *DocumentLockStore) Release(ctx context.Context, lockToken, ownerEmail string) (*DocumentLock, error) {
	token := strings.TrimSpace(lockToken)
	if token == "" {
		return nil, nil
	}
	ownerEmail = normalizeEmail(ownerEmail)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lock, err := s.activeLockForToken(ctx, tx, hashLockToken(token))
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, nil
	}
	if normalizeEmail(lock.OwnerEmail) != ownerEmail {
		expiresAt := lock.ExpiresAt
		return nil, &LockFailure{
			Code:       LockCodeNotOwner,
			Message:    "Lock is owned by another user.",
			StatusCode: 409,
			LockedBy:   lock.OwnerEmail,
			ExpiresAt:  &expiresAt,
		}
	}

	now := s.now()
	if _, err := tx.ExecContext(ctx, `
		UPDATE document_edit_lock
		SET is_active = false, released_at = $1, released_by = $2, release_reason = 'released_by_owner'
		WHERE id = $3
	`, now, ownerEmail, lock.ID); err != nil {
		return nil, fmt.Errorf("failed to release lock: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit release: %w", err)
	}
	lock.IsActive = false
	reason := "released_by_owner"
	lock.ReleaseReason = &reason
	return lock, nil
}

// ForceRelease lets an administrator end any lock by id
func (s *DocumentLockStore) ForceRelease(ctx context.Context, lockID int64, adminEmail, reason string) (*DocumentLock, error) {
	adminEmail = normalizeEmail(adminEmail)
	if adminEmail == "" {
		adminEmail = "system@local"
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "force_released_by_admin"
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "SELECT " + lockColumns + " FROM document_edit_lock WHERE id = $1"
	lock, err := scanLock(tx.QueryRowContext(ctx, query, lockID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, lockFailure(LockCodeConflict, "Lock was not found.", 404)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load lock: %w", err)
	}

	if lock.IsActive {
		now := s.now()
		if _, err := tx.ExecContext(ctx, `
			UPDATE document_edit_lock
			SET is_active = false, released_at = $1, released_by = $2, release_reason = $3
			WHERE id = $4
		`, now, adminEmail, reason, lock.ID); err != nil {
			return nil, fmt.Errorf("failed to force-release lock: %w", err)
		}
		lock.IsActive = false
		lock.ReleaseReason = &reason
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit force release: %w", err)
	}
	return lock, nil
}

// ListActive returns the live locks, lazily expiring stale ones
func (s *DocumentLockStore) ListActive(ctx context.Context) ([]DocumentLock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := "SELECT " + lockColumns + `
		FROM document_edit_lock
		WHERE is_active = true
		ORDER BY expires_at ASC, id ASC
	`
	rows, err := tx.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to query locks: %w", err)
	}
	var candidates []DocumentLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan lock: %w", err)
		}
		candidates = append(candidates, *lock)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	active := []DocumentLock{}
	for i := range candidates {
		stale, err := s.expireIfStale(ctx, tx, &candidates[i])
		if err != nil {
			return nil, err
		}
		if !stale {
			active = append(active, candidates[i])
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock sweep: %w", err)
	}
	return active, nil
}

// ValidateForWrite checks that the caller holds the exact active lock on a
// document before a write is allowed.
func (s *DocumentLockStore) ValidateForWrite(ctx context.Context, objectType string, documentID int64, ownerEmail, lockToken string) (*DocumentLock, error) {
	objectType, err := normalizeObjectType(objectType)
	if err != nil {
		return nil, lockFailure(LockCodeRequired, err.Error(), 400)
	}
	ownerEmail = normalizeEmail(ownerEmail)
	token := strings.TrimSpace(lockToken)
	if token == "" {
		return nil, lockFailure(LockCodeRequired, "Change mode lock is required for save.", 409)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	lock, err := s.activeLockForDocument(ctx, tx, objectType, documentID)
	if err != nil {
		return nil, err
	}
	if lock == nil {
		return nil, lockFailure(LockCodeConflict, "No active lock found for this document.", 409)
	}
	stale, err := s.expireIfStale(ctx, tx, lock)
	if err != nil {
		return nil, err
	}
	if stale {
		if err := tx.Commit(); err != nil {
			return nil, fmt.Errorf("failed to commit lock expiry: %w", err)
		}
		expiresAt := lock.ExpiresAt
		return nil, &LockFailure{
			Code:       LockCodeExpired,
			Message:    "Lock has expired.",
			StatusCode: 409,
			LockedBy:   lock.OwnerEmail,
			ExpiresAt:  &expiresAt,
		}
	}
	if normalizeEmail(lock.OwnerEmail) != ownerEmail {
		expiresAt := lock.ExpiresAt
		return nil, &LockFailure{
			Code:       LockCodeNotOwner,
			Message:    "Document is locked by another user.",
			StatusCode: 409,
			LockedBy:   lock.OwnerEmail,
			ExpiresAt:  &expiresAt,
		}
	}

	var storedHash string
	if err := tx.QueryRowContext(ctx,
		"SELECT lock_token_hash FROM document_edit_lock WHERE id = $1", lock.ID).Scan(&storedHash); err != nil {
		return nil, fmt.Errorf("failed to load lock token hash: %w", err)
	}
	if storedHash != hashLockToken(token) {
		expiresAt := lock.ExpiresAt
		return nil, &LockFailure{
			Code:       LockCodeConflict,
			Message:    "Stale lock token. Please re-enter Change Mode.",
			StatusCode: 409,
			LockedBy:   lock.OwnerEmail,
			ExpiresAt:  &expiresAt,
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit lock validation: %w", err)
	}
	return lock, nil
}
