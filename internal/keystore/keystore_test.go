package keystore

import (
	"context"
	"testing"

	xerrors "AgentVault/internal/errors"
)

func TestRegisteredCodesCarryCriticalSeverity(t *testing.T) {
	for _, code := range []xerrors.Code{CodeKeyNotFound, CodeKeyDecrypt} {
		attr := xerrors.AttributesOf(code)
		if attr.Severity != xerrors.SeverityCritical {
			t.Fatalf("code %s: expected severity %s, got %s", code, xerrors.SeverityCritical, attr.Severity)
		}
		if !attr.Alert {
			t.Fatalf("code %s: expected alert flag", code)
		}
	}
}

func TestMemoryStoreMissingKey(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.DecryptPrivateKey(context.Background(), "wallet-unknown")
	if !xerrors.IsCode(err, CodeKeyNotFound) {
		t.Fatalf("expected KEY_NOT_FOUND, got %v", err)
	}
	if xerrors.SeverityOf(err) != xerrors.SeverityCritical {
		t.Fatalf("expected critical severity, got %s", xerrors.SeverityOf(err))
	}
}

func TestReleaseZeroizesMaterial(t *testing.T) {
	store := NewMemoryStore()
	if _, err := store.Generate("wallet-1"); err != nil {
		t.Fatalf("generate: %v", err)
	}

	material, err := store.DecryptPrivateKey(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if material.Key() == nil {
		t.Fatal("expected key material before release")
	}
	material.Release()
	if material.Key() != nil {
		t.Fatal("expected nil key after release")
	}
	material.Release() // 幂等

	// 登记的原钥不受 Release 影响。
	again, err := store.DecryptPrivateKey(context.Background(), "wallet-1")
	if err != nil {
		t.Fatalf("decrypt again: %v", err)
	}
	if again.Key() == nil || again.Key().D.Sign() == 0 {
		t.Fatal("registered key was zeroized by a released copy")
	}
}
