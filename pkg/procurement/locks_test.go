package procurement

import (
	"context"
	"errors"
	"testing"
	"time"
)

func lockStoreForTest(t *testing.T) (*DocumentLockStore, *time.Time) {
	t.Helper()
	db := setupProcurementDB(t)
	store := NewDocumentLockStore(db, time.Minute)
	now := time.Date(2026, time.March, 1, 12, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return now }
	return store, &now
}

func asLockFailure(t *testing.T, err error) *LockFailure {
	t.Helper()
	var failure *LockFailure
	if !errors.As(err, &failure) {
		t.Fatalf("expected LockFailure, got %v", err)
	}
	return failure
}

func TestLockAcquireAndConflict(t *testing.T) {
	store, _ := lockStoreForTest(t)
	ctx := context.Background()

	result, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "Alice@Example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if result.Token == "" {
		t.Fatal("expected a plaintext token")
	}
	if result.Lock.OwnerEmail != "alice@example.com" {
		t.Fatalf("expected normalized owner, got %s", result.Lock.OwnerEmail)
	}
	if !result.Lock.IsActive {
		t.Fatal("expected active lock")
	}

	_, err = store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "bob@example.com", "sess-2")
	failure := asLockFailure(t, err)
	if failure.Code != LockCodeConflict || failure.LockedBy != "alice@example.com" {
		t.Fatalf("unexpected failure: %+v", failure)
	}

	// Another document is independent
	if _, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 2, "bob@example.com", "sess-2"); err != nil {
		t.Fatalf("Acquire on other document failed: %v", err)
	}
}

func TestLockReacquireRotatesToken(t *testing.T) {
	store, _ := lockStoreForTest(t)
	ctx := context.Background()

	first, err := store.Acquire(ctx, ObjectTypeShipment, 1, "alice@example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	second, err := store.Acquire(ctx, ObjectTypeShipment, 1, "alice@example.com", "sess-2")
	if err != nil {
		t.Fatalf("re-Acquire failed: %v", err)
	}
	if second.Lock.ID != first.Lock.ID {
		t.Fatalf("expected same lock row, got %d and %d", first.Lock.ID, second.Lock.ID)
	}
	if second.Token == first.Token {
		t.Fatal("expected a rotated token")
	}

	// The old token is dead
	if _, err := store.Heartbeat(ctx, first.Token, "alice@example.com"); err == nil {
		t.Fatal("expected stale token to fail heartbeat")
	}
	if _, err := store.Heartbeat(ctx, second.Token, "alice@example.com"); err != nil {
		t.Fatalf("fresh token heartbeat failed: %v", err)
	}
}

func TestLockHeartbeatAndOwnership(t *testing.T) {
	store, now := lockStoreForTest(t)
	ctx := context.Background()

	result, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	*now = now.Add(30 * time.Second)
	lock, err := store.Heartbeat(ctx, result.Token, "alice@example.com")
	if err != nil {
		t.Fatalf("Heartbeat failed: %v", err)
	}
	if !lock.ExpiresAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected extended expiry, got %v", lock.ExpiresAt)
	}

	_, err = store.Heartbeat(ctx, result.Token, "bob@example.com")
	failure := asLockFailure(t, err)
	if failure.Code != LockCodeNotOwner {
		t.Fatalf("expected LOCK_NOT_OWNER, got %+v", failure)
	}

	_, err = store.Heartbeat(ctx, "unknown-token", "alice@example.com")
	failure = asLockFailure(t, err)
	if failure.Code != LockCodeConflict {
		t.Fatalf("expected LOCK_CONFLICT, got %+v", failure)
	}
}

func TestLockExpiry(t *testing.T) {
	store, now := lockStoreForTest(t)
	ctx := context.Background()

	result, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	*now = now.Add(2 * time.Minute)
	_, err = store.Heartbeat(ctx, result.Token, "alice@example.com")
	failure := asLockFailure(t, err)
	if failure.Code != LockCodeExpired {
		t.Fatalf("expected LOCK_EXPIRED, got %+v", failure)
	}

	// Someone else can take the lock over now
	if _, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "bob@example.com", "sess-2"); err != nil {
		t.Fatalf("takeover after expiry failed: %v", err)
	}
}

func TestLockReleaseAndForceRelease(t *testing.T) {
	store, _ := lockStoreForTest(t)
	ctx := context.Background()

	result, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// Wrong owner cannot release
	_, err = store.Release(ctx, result.Token, "bob@example.com")
	if asLockFailure(t, err).Code != LockCodeNotOwner {
		t.Fatalf("expected LOCK_NOT_OWNER, got %v", err)
	}

	lock, err := store.Release(ctx, result.Token, "alice@example.com")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if lock.IsActive || lock.ReleaseReason == nil || *lock.ReleaseReason != "released_by_owner" {
		t.Fatalf("unexpected released lock: %+v", lock)
	}

	// Releasing with a blank or unknown token is a no-op
	if lock, err := store.Release(ctx, "", "alice@example.com"); err != nil || lock != nil {
		t.Fatalf("expected no-op release, got %v %v", lock, err)
	}
	if lock, err := store.Release(ctx, result.Token, "alice@example.com"); err != nil || lock != nil {
		t.Fatalf("expected no-op release of inactive lock, got %v %v", lock, err)
	}

	second, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	forced, err := store.ForceRelease(ctx, second.Lock.ID, "admin@example.com", "maintenance window")
	if err != nil {
		t.Fatalf("ForceRelease failed: %v", err)
	}
	if forced.IsActive || *forced.ReleaseReason != "maintenance window" {
		t.Fatalf("unexpected forced lock: %+v", forced)
	}

	_, err = store.ForceRelease(ctx, 9999, "admin@example.com", "")
	if asLockFailure(t, err).StatusCode != 404 {
		t.Fatalf("expected 404 failure, got %v", err)
	}
}

func TestLockListActiveSweepsStale(t *testing.T) {
	store, now := lockStoreForTest(t)
	ctx := context.Background()

	if _, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "sess-1"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	*now = now.Add(30 * time.Second)
	if _, err := store.Acquire(ctx, ObjectTypeShipment, 2, "bob@example.com", "sess-2"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// The first lock is past expiry now, the second is alive
	*now = now.Add(45 * time.Second)
	active, err := store.ListActive(ctx)
	if err != nil {
		t.Fatalf("ListActive failed: %v", err)
	}
	if len(active) != 1 || active[0].OwnerEmail != "bob@example.com" {
		t.Fatalf("unexpected active locks: %+v", active)
	}
}

func TestLockValidateForWrite(t *testing.T) {
	store, _ := lockStoreForTest(t)
	ctx := context.Background()

	_, err := store.ValidateForWrite(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "")
	if asLockFailure(t, err).Code != LockCodeRequired {
		t.Fatalf("expected LOCK_REQUIRED, got %v", err)
	}

	_, err = store.ValidateForWrite(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "some-token")
	if asLockFailure(t, err).Code != LockCodeConflict {
		t.Fatalf("expected LOCK_CONFLICT without active lock, got %v", err)
	}

	result, err := store.Acquire(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "sess-1")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	lock, err := store.ValidateForWrite(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", result.Token)
	if err != nil {
		t.Fatalf("ValidateForWrite failed: %v", err)
	}
	if lock.ID != result.Lock.ID {
		t.Fatalf("unexpected lock: %+v", lock)
	}

	_, err = store.ValidateForWrite(ctx, ObjectTypePurchaseOrder, 1, "bob@example.com", result.Token)
	if asLockFailure(t, err).Code != LockCodeNotOwner {
		t.Fatalf("expected LOCK_NOT_OWNER, got %v", err)
	}

	_, err = store.ValidateForWrite(ctx, ObjectTypePurchaseOrder, 1, "alice@example.com", "stale-token")
	if asLockFailure(t, err).Code != LockCodeConflict {
		t.Fatalf("expected LOCK_CONFLICT for stale token, got %v", err)
	}
}
