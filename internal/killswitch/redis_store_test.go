package killswitch

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisTestStore(t *testing.T) *RedisStore {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return newRedisStoreWithClient(client, "vault:killswitch")
}

func TestRedisStoreDefaultsToActive(t *testing.T) {
	store := newRedisTestStore(t)
	snap, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if snap.State != StateActive {
		t.Fatalf("missing key must default to ACTIVE, got %s", snap.State)
	}
}

func TestRedisStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)

	want := Snapshot{
		State:       StateLocked,
		Reason:      "incident",
		ActivatedBy: "ops",
		ActivatedAt: 1700000000,
		EscalatedBy: "ops",
		EscalatedAt: 1700000100,
	}
	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v want %+v", got, want)
	}
}

func TestRedisStoreBacksService(t *testing.T) {
	ctx := context.Background()
	store := newRedisTestStore(t)
	svc := NewService(store, sessionNoop{}, txNoop{}, walletNoop{}, nil, nil, nil, nil, WithSyncCascade())

	if _, err := svc.Activate(ctx, "ops", "shared state"); err != nil {
		t.Fatalf("activate: %v", err)
	}

	// 第二个实例从同一 Redis key 看到已触发的状态。
	other := NewService(store, sessionNoop{}, txNoop{}, walletNoop{}, nil, nil, nil, nil)
	snap, err := other.State(ctx)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if snap.State != StateSuspended {
		t.Fatalf("expected SUSPENDED visible across instances, got %s", snap.State)
	}
}

type sessionNoop struct{}

func (sessionNoop) RevokeAll(context.Context) (int, error) { return 0, nil }

type txNoop struct{}

func (txNoop) CancelActive(context.Context, string) (int, error) { return 0, nil }

type walletNoop struct{}

func (walletNoop) SuspendActive(context.Context, string) (int, error) { return 0, nil }
func (walletNoop) VerifiedOwners(context.Context) ([]string, error)   { return nil, nil }
