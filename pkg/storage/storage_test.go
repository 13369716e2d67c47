package storage

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/stretchr/testify/require"
)

func backends(t *testing.T) map[string]Storage {
	t.Helper()

	file, err := NewFileStorage(t.TempDir())
	require.NoError(t, err)

	db, err := OpenSQLite(filepath.Join(t.TempDir(), "tc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	return map[string]Storage{
		"memory": NewMemoryStorage(),
		"file":   file,
		"sqlite": db,
	}
}

func TestBackendsContract(t *testing.T) {
	ctx := context.Background()
	for name, b := range backends(t) {
		t.Run(name, func(t *testing.T) {
			_, ok, err := b.GetItem(ctx, "tonconnect:user/1:x")
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, b.SetItem(ctx, "tonconnect:user/1:x", "v1"))
			require.NoError(t, b.SetItem(ctx, "tonconnect:user/1:x", "v2"))
			v, ok, err := b.GetItem(ctx, "tonconnect:user/1:x")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, "v2", v)

			require.NoError(t, b.RemoveItem(ctx, "tonconnect:user/1:x"))
			require.NoError(t, b.RemoveItem(ctx, "tonconnect:user/1:x"))
			_, ok, err = b.GetItem(ctx, "tonconnect:user/1:x")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestStoreActiveRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := NewStore(NewMemoryStorage(), "user-1")

	conn, err := store.Connection(ctx)
	require.NoError(t, err)
	require.Nil(t, conn)

	active := &ActiveConnection{
		SessionPrivateKey: "aa",
		WalletPublicKey:   "bb",
		BridgeURL:         "https://bridge.example",
		ConnectEvent: wire.ConnectEventSuccess{
			ID: 1,
			Payload: wire.ConnectEventPayload{
				Items: []wire.ConnectItemReply{{Name: wire.ItemTonAddr, Address: "0:01", Network: wire.Mainnet}},
			},
		},
		NextRPCRequestID:  4,
		LastWalletEventID: 1,
	}
	require.NoError(t, store.SaveConnection(ctx, active))

	got, err := store.Connection(ctx)
	require.NoError(t, err)
	require.Equal(t, active, got)

	require.NoError(t, store.SetLastEventID(ctx, "77"))
	id, err := store.LastEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, "77", id)

	// The record follows the cursor without being rewritten.
	got, err = store.Connection(ctx)
	require.NoError(t, err)
	require.Equal(t, "77", got.(*ActiveConnection).LastEventID)
	require.NoError(t, store.SetLastEventID(ctx, "78"))
	got, err = store.Connection(ctx)
	require.NoError(t, err)
	require.Equal(t, "78", got.(*ActiveConnection).LastEventID)

	require.NoError(t, store.RemoveConnection(ctx))
	got, err = store.Connection(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
	id, err = store.LastEventID(ctx)
	require.NoError(t, err)
	require.Empty(t, id)
}

func TestStoreCursorFallsBackToActiveRecord(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStorage()
	store := NewStore(backend, "u")

	require.NoError(t, store.SaveConnection(ctx, &ActiveConnection{
		SessionPrivateKey: "aa",
		WalletPublicKey:   "bb",
		LastEventID:       "12",
	}))
	id, err := store.LastEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, "12", id)

	require.NoError(t, store.SetLastEventID(ctx, "13"))
	id, err = store.LastEventID(ctx)
	require.NoError(t, err)
	require.Equal(t, "13", id)
}

func TestStorePendingExpiry(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStorage()
	now := time.Unix(1_700_000_000, 0)
	store := NewStore(backend, "u", WithPendingTTL(time.Minute), WithClock(func() time.Time { return now }))

	pending := &PendingConnection{
		SessionPrivateKey: "aa",
		Request:           wire.NewConnectRequest("https://dapp/manifest.json", ""),
		Sources:           []wallets.ConnectionSource{{BridgeURL: "https://b"}},
		CreatedAt:         now.Add(-30 * time.Second),
	}
	require.NoError(t, store.SaveConnection(ctx, pending))

	got, err := store.Connection(ctx)
	require.NoError(t, err)
	require.IsType(t, &PendingConnection{}, got)

	now = now.Add(time.Minute)
	got, err = store.Connection(ctx)
	require.NoError(t, err)
	require.Nil(t, got)

	_, ok, err := backend.GetItem(ctx, "tonconnect:u:connection")
	require.NoError(t, err)
	require.False(t, ok, "expired pending record must be deleted on read")
}

func TestStoreSessionKeysAreIsolated(t *testing.T) {
	ctx := context.Background()
	backend := NewMemoryStorage()
	a := NewStore(backend, "a")
	b := NewStore(backend, "b")

	require.NoError(t, a.SaveConnection(ctx, &ActiveConnection{SessionPrivateKey: "a"}))
	got, err := b.Connection(ctx)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	_, err := decodeConnection([]byte(`{"type":"zombie","connection":{}}`))
	require.Error(t, err)
}

func TestRedisStorage(t *testing.T) {
	url := os.Getenv("TONCONNECT_TEST_REDIS_URL")
	if url == "" {
		t.Skip("TONCONNECT_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	r, err := OpenRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	key := "tonconnect:test-" + t.Name() + ":connection"
	require.NoError(t, r.RemoveItem(ctx, key))

	_, ok, err := r.GetItem(ctx, key)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, r.SetItem(ctx, key, "v"))
	v, ok, err := r.GetItem(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "v", v)

	require.NoError(t, r.RemoveItem(ctx, key))
}

func TestOpenRedisRejectsBadURL(t *testing.T) {
	_, err := OpenRedis(context.Background(), "http://not-redis")
	require.Error(t, err)
}
