package session

import (
	"context"
	"testing"
	"time"

	xerrors "AgentVault/internal/errors"
)

func TestCreateIssuesUniqueTokens(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), time.Hour)

	first, err := svc.Create(ctx, "agent-1", []string{"wallet-1"}, 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	second, err := svc.Create(ctx, "agent-1", []string{"wallet-1"}, 0)
	if err != nil {
		t.Fatalf("create second session: %v", err)
	}
	if first.Token == "" || first.Token == second.Token {
		t.Fatalf("expected distinct non-empty tokens, got %q and %q", first.Token, second.Token)
	}
	if first.ExpiresAt <= time.Now().Unix() {
		t.Fatalf("expected future expiry, got %d", first.ExpiresAt)
	}
}

func TestCreateRejectsEmptyAgent(t *testing.T) {
	svc := NewService(NewMemoryStore(), time.Hour)
	if _, err := svc.Create(context.Background(), "  ", nil, 0); !xerrors.IsCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected INVALID_ARGUMENT, got %v", err)
	}
}

func TestAuthorizeChecksWalletGrant(t *testing.T) {
	ctx := context.Background()
	svc := NewService(NewMemoryStore(), time.Hour)

	sess, err := svc.Create(ctx, "agent-1", []string{"wallet-1"}, 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	if _, err := svc.Authorize(ctx, sess.Token, "wallet-1"); err != nil {
		t.Fatalf("authorize granted wallet: %v", err)
	}
	if _, err := svc.Authorize(ctx, sess.Token, "wallet-2"); !xerrors.IsCode(err, xerrors.CodeAccessDenied) {
		t.Fatalf("expected ACCESS_DENIED for ungranted wallet, got %v", err)
	}
}

func TestValidateRejectsExpiredSession(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, time.Hour)

	expired := &Session{
		ID:        "sess-expired",
		Token:     "tok-expired",
		AgentID:   "agent-1",
		ExpiresAt: time.Now().Add(-time.Minute).Unix(),
	}
	if err := store.Create(ctx, expired); err != nil {
		t.Fatalf("seed expired session: %v", err)
	}

	if _, err := svc.Validate(ctx, expired.Token); !xerrors.IsCode(err, CodeSessionExpired) {
		t.Fatalf("expected SESSION_EXPIRED, got %v", err)
	}
}

func TestRevokeIsMonotonic(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, time.Hour)

	sess, err := svc.Create(ctx, "agent-1", []string{"wallet-1"}, 0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	if err := svc.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	revoked, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	firstRevokedAt := revoked.RevokedAt
	if firstRevokedAt == 0 {
		t.Fatal("expected revoked_at to be set")
	}

	// 再次撤销不得改写首次撤销时间。
	time.Sleep(10 * time.Millisecond)
	if err := svc.Revoke(ctx, sess.ID); err != nil {
		t.Fatalf("second revoke: %v", err)
	}
	again, err := store.Get(ctx, sess.ID)
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if again.RevokedAt != firstRevokedAt {
		t.Fatalf("revoked_at changed from %d to %d", firstRevokedAt, again.RevokedAt)
	}

	if _, err := svc.Validate(ctx, sess.Token); !xerrors.IsCode(err, CodeSessionRevoked) {
		t.Fatalf("expected SESSION_REVOKED, got %v", err)
	}
}

func TestRevokeAllSkipsAlreadyRevoked(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	svc := NewService(store, time.Hour)

	a, _ := svc.Create(ctx, "agent-1", nil, 0)
	b, _ := svc.Create(ctx, "agent-2", nil, 0)
	if err := svc.Revoke(ctx, a.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}

	count, err := store.RevokeAll(ctx)
	if err != nil {
		t.Fatalf("revoke all: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 newly revoked session, got %d", count)
	}
	if _, err := svc.Validate(ctx, b.Token); !xerrors.IsCode(err, CodeSessionRevoked) {
		t.Fatalf("expected SESSION_REVOKED after revoke all, got %v", err)
	}
}
