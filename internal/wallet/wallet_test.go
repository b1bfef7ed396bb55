package wallet

import (
	"context"
	"testing"

	xerrors "AgentVault/internal/errors"
)

func seedWallet(t *testing.T, store *MemoryStore, id string, status Status) {
	t.Helper()
	err := store.Create(context.Background(), &Wallet{
		ID:     id,
		Name:   "wallet " + id,
		Chain:  "sepolia",
		Status: status,
	})
	if err != nil {
		t.Fatalf("create wallet %s: %v", id, err)
	}
}

func TestCanTransitionEdges(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusCreating, StatusActive, true},
		{StatusActive, StatusSuspended, true},
		{StatusSuspended, StatusActive, true},
		{StatusActive, StatusTerminating, true},
		{StatusTerminating, StatusTerminated, true},
		{StatusTerminated, StatusActive, false},
		{StatusCreating, StatusSuspended, false},
		{StatusSuspended, StatusTerminated, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTransitionEnforcesFromStates(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedWallet(t, store, "w1", StatusActive)

	// from 集合不含当前状态时必须拒绝。
	err := store.Transition(ctx, "w1", StatusActive, "", StatusCreating, StatusSuspended)
	if !xerrors.IsCode(err, CodeWalletConflict) {
		t.Fatalf("expected WALLET_CONFLICT, got %v", err)
	}

	if err := store.Transition(ctx, "w1", StatusSuspended, "manual hold", StatusActive); err != nil {
		t.Fatalf("suspend: %v", err)
	}
	got, err := store.Get(ctx, "w1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusSuspended || got.SuspendedReason != "manual hold" || got.SuspendedAt == 0 {
		t.Fatalf("unexpected wallet after suspend: %+v", got)
	}

	// 恢复激活时清除暂停信息。
	if err := store.Transition(ctx, "w1", StatusActive, "", StatusSuspended); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, _ = store.Get(ctx, "w1")
	if got.SuspendedReason != "" || got.SuspendedAt != 0 {
		t.Fatalf("suspend fields not cleared: %+v", got)
	}
}

func TestTransitionRejectsIllegalEdge(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedWallet(t, store, "w1", StatusCreating)

	err := store.Transition(ctx, "w1", StatusSuspended, "nope")
	if !xerrors.IsCode(err, CodeWalletConflict) {
		t.Fatalf("expected WALLET_CONFLICT for CREATING→SUSPENDED, got %v", err)
	}
}

func TestSuspendActiveLeavesOtherStatesAlone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	seedWallet(t, store, "w1", StatusActive)
	seedWallet(t, store, "w2", StatusActive)
	seedWallet(t, store, "w3", StatusCreating)
	if err := store.Transition(ctx, "w2", StatusSuspended, "earlier incident", StatusActive); err != nil {
		t.Fatalf("pre-suspend: %v", err)
	}

	count, err := store.SuspendActive(ctx, "kill switch")
	if err != nil {
		t.Fatalf("suspend active: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 wallet suspended, got %d", count)
	}

	w2, _ := store.Get(ctx, "w2")
	if w2.SuspendedReason != "earlier incident" {
		t.Fatalf("pre-suspended wallet reason overwritten: %q", w2.SuspendedReason)
	}
	w3, _ := store.Get(ctx, "w3")
	if w3.Status != StatusCreating {
		t.Fatalf("CREATING wallet touched: %s", w3.Status)
	}
}

func TestVerifiedOwnersFiltersUnverified(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	if err := store.Create(ctx, &Wallet{ID: "w1", Name: "a", Chain: "sepolia", OwnerAddress: "0xBBB", OwnerVerified: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Wallet{ID: "w2", Name: "b", Chain: "sepolia", OwnerAddress: "0xAAA", OwnerVerified: true}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, &Wallet{ID: "w3", Name: "c", Chain: "sepolia", OwnerAddress: "0xCCC"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	owners, err := store.VerifiedOwners(ctx)
	if err != nil {
		t.Fatalf("verified owners: %v", err)
	}
	if len(owners) != 2 || owners[0] != "0xAAA" || owners[1] != "0xBBB" {
		t.Fatalf("unexpected owners: %v", owners)
	}
}
