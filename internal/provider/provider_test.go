package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/bhandras/tonconnect/internal/bridge"
	"github.com/bhandras/tonconnect/internal/bridge/bridgetest"
	"github.com/bhandras/tonconnect/pkg/storage"
	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/pkg/wire"
	"github.com/stretchr/testify/require"
)

const waitFor = 3 * time.Second

type recorder struct {
	mu   sync.Mutex
	msgs []wire.WalletMessage
}

func (r *recorder) listen(msg wire.WalletMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
}

func (r *recorder) snapshot() []wire.WalletMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]wire.WalletMessage(nil), r.msgs...)
}

func (r *recorder) count() int {
	return len(r.snapshot())
}

func newBridges(t *testing.T, n int) ([]*bridgetest.Server, []wallets.ConnectionSource) {
	t.Helper()

	var (
		servers []*bridgetest.Server
		sources []wallets.ConnectionSource
	)
	for i := 0; i < n; i++ {
		srv := bridgetest.NewServer()
		t.Cleanup(srv.Close)
		servers = append(servers, srv)
		sources = append(sources, wallets.ConnectionSource{
			AppName:   "wallet",
			BridgeURL: srv.URL,
		})
	}
	return servers, sources
}

func newTestProvider(t *testing.T, store *storage.Store) (*Provider, *recorder) {
	t.Helper()

	p := New(store,
		WithOpenTimeout(2*time.Second),
		WithSendRetry(1, 0),
		WithGatewayOptions(bridge.WithReconnect(10*time.Millisecond, 2)),
	)
	rec := &recorder{}
	p.SetListener(rec.listen)
	t.Cleanup(p.closeGateways)
	return p, rec
}

func activeConnection(t *testing.T, store *storage.Store) *storage.ActiveConnection {
	t.Helper()

	conn, err := store.Connection(context.Background())
	require.NoError(t, err)
	active, ok := conn.(*storage.ActiveConnection)
	require.True(t, ok, "expected active connection, got %T", conn)
	return active
}

// connectOver runs a full handshake through srv.
func connectOver(t *testing.T, p *Provider, srv *bridgetest.Server,
	sources []wallets.ConnectionSource) *bridgetest.Wallet {

	t.Helper()
	ctx := context.Background()

	session, err := p.Connect(ctx, wire.NewConnectRequest("https://dapp/manifest.json", ""), sources)
	require.NoError(t, err)

	wallet, err := bridgetest.NewWallet()
	require.NoError(t, err)
	require.NoError(t, wallet.Send(srv, session.SessionID(),
		bridgetest.ConnectEvent(1, "0:abc", wire.Mainnet)))

	require.Eventually(t, func() bool {
		conn, err := p.store.Connection(ctx)
		if err != nil {
			return false
		}
		_, ok := conn.(*storage.ActiveConnection)
		return ok
	}, waitFor, 10*time.Millisecond)
	return wallet
}

func TestConnectPromotesExactlyOnce(t *testing.T) {
	const n = 3
	servers, sources := newBridges(t, n)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, rec := newTestProvider(t, store)

	session, err := p.Connect(context.Background(),
		wire.NewConnectRequest("https://dapp/manifest.json", ""), sources)
	require.NoError(t, err)
	require.Len(t, p.Gateways(), n)

	wallet, err := bridgetest.NewWallet()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, srv := range servers {
		wg.Add(1)
		go func(srv *bridgetest.Server) {
			defer wg.Done()
			_ = wallet.Send(srv, session.SessionID(),
				bridgetest.ConnectEvent(1, "0:abc", wire.Mainnet))
		}(srv)
	}
	wg.Wait()

	require.Eventually(t, func() bool {
		return rec.count() == 1 && len(p.Gateways()) == 1
	}, waitFor, 10*time.Millisecond)
	require.Never(t, func() bool {
		return rec.count() > 1
	}, 200*time.Millisecond, 10*time.Millisecond)

	active := activeConnection(t, store)
	require.Equal(t, wallet.Session.SessionID(), active.WalletPublicKey)
	require.Equal(t, int64(1), active.LastWalletEventID)
	require.Equal(t, []string{active.BridgeURL}, p.Gateways())

	require.Eventually(t, func() bool {
		open := 0
		for _, srv := range servers {
			open += srv.Subscribers(session.SessionID())
		}
		return open == 1
	}, waitFor, 10*time.Millisecond)

	_, ok := rec.snapshot()[0].(*wire.ConnectEventSuccess)
	require.True(t, ok)
}

func TestConnectPartialFailureKeepsOpenGateways(t *testing.T) {
	servers, sources := newBridges(t, 1)
	sources = append(sources, wallets.ConnectionSource{BridgeURL: "http://127.0.0.1:1"})
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, _ := newTestProvider(t, store)

	_, err := p.Connect(context.Background(), wire.NewConnectRequest("m", ""), sources)
	require.NoError(t, err)
	require.Equal(t, []string{servers[0].URL}, p.Gateways())
}

func TestConnectAllBridgesFail(t *testing.T) {
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, _ := newTestProvider(t, store)

	_, err := p.Connect(context.Background(), wire.NewConnectRequest("m", ""),
		[]wallets.ConnectionSource{{BridgeURL: "http://127.0.0.1:1"}})
	require.Error(t, err)

	conn, err := store.Connection(context.Background())
	require.NoError(t, err)
	require.Nil(t, conn)

	_, err = p.Connect(context.Background(), wire.NewConnectRequest("m", ""), nil)
	require.ErrorIs(t, err, ErrNoBridges)
}

func TestConnectErrorRemovesPending(t *testing.T) {
	servers, sources := newBridges(t, 1)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, rec := newTestProvider(t, store)

	session, err := p.Connect(context.Background(), wire.NewConnectRequest("m", ""), sources)
	require.NoError(t, err)

	wallet, err := bridgetest.NewWallet()
	require.NoError(t, err)
	require.NoError(t, wallet.Send(servers[0], session.SessionID(), map[string]any{
		"event":   wire.EventConnectError,
		"id":      1,
		"payload": map[string]any{"code": wire.CodeUserRejects, "message": "no"},
	}))

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 10*time.Millisecond)
	evErr, ok := rec.snapshot()[0].(*wire.ConnectEventError)
	require.True(t, ok)
	require.Equal(t, wire.CodeUserRejects, evErr.Code)

	conn, err := store.Connection(context.Background())
	require.NoError(t, err)
	require.Nil(t, conn)
	require.Empty(t, p.Gateways())
}

func TestReplayedEventsAreDropped(t *testing.T) {
	servers, sources := newBridges(t, 1)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, rec := newTestProvider(t, store)
	wallet := connectOver(t, p, servers[0], sources)
	app := p.Session().SessionID()

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 10*time.Millisecond)

	disconnectErr := func(id int64) map[string]any {
		return map[string]any{
			"event":   wire.EventDisconnect,
			"id":      id,
			"payload": map[string]any{"code": wire.CodeUnknown, "message": "busy"},
		}
	}

	// Same id as the connect event.
	require.NoError(t, wallet.Send(servers[0], app, disconnectErr(1)))
	require.NoError(t, wallet.Send(servers[0], app, disconnectErr(2)))
	require.NoError(t, wallet.Send(servers[0], app, disconnectErr(2)))

	require.Eventually(t, func() bool { return rec.count() == 2 }, waitFor, 10*time.Millisecond)
	require.Never(t, func() bool { return rec.count() > 2 }, 200*time.Millisecond, 10*time.Millisecond)
	require.Equal(t, int64(2), activeConnection(t, store).LastWalletEventID)

	require.NoError(t, wallet.Send(servers[0], app, map[string]any{
		"event": wire.EventDisconnect, "id": 3, "payload": map[string]any{},
	}))
	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, 10*time.Millisecond)
	_, ok := rec.snapshot()[2].(*wire.DisconnectEvent)
	require.True(t, ok)

	conn, err := store.Connection(context.Background())
	require.NoError(t, err)
	require.Nil(t, conn)
}

func TestMessagesFromOtherSendersAreDropped(t *testing.T) {
	servers, sources := newBridges(t, 1)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, rec := newTestProvider(t, store)
	connectOver(t, p, servers[0], sources)

	require.Eventually(t, func() bool { return rec.count() == 1 }, waitFor, 10*time.Millisecond)

	intruder, err := bridgetest.NewWallet()
	require.NoError(t, err)
	require.NoError(t, intruder.Send(servers[0], p.Session().SessionID(), map[string]any{
		"event": wire.EventDisconnect, "id": 10, "payload": map[string]any{},
	}))

	require.Never(t, func() bool { return rec.count() > 1 }, 200*time.Millisecond, 10*time.Millisecond)
	activeConnection(t, store)
}

func TestRequestAssignsAndPersistsIDs(t *testing.T) {
	servers, sources := newBridges(t, 1)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, rec := newTestProvider(t, store)
	wallet := connectOver(t, p, servers[0], sources)
	app := p.Session().SessionID()

	servers[0].SetOnMessage(func(posted bridgetest.Posted) {
		if posted.To != wallet.Session.SessionID() {
			return
		}
		req, err := wallet.Request(posted)
		if err != nil {
			return
		}
		_ = wallet.Send(servers[0], app, map[string]any{"id": req.ID, "result": "te6cc"})
	})

	var assigned []string
	id, err := p.Request(context.Background(), wire.RPCRequest{
		Method: wire.MethodSendTransaction,
		Params: []string{`{"messages":[]}`},
	}, func(id string) { assigned = append(assigned, id) })
	require.NoError(t, err)
	require.Equal(t, "0", id)
	require.Equal(t, []string{"0"}, assigned)
	require.Equal(t, int64(1), activeConnection(t, store).NextRPCRequestID)

	id, err = p.Request(context.Background(), wire.NewDisconnectRequest(), nil)
	require.NoError(t, err)
	require.Equal(t, "1", id)

	require.Eventually(t, func() bool { return rec.count() == 3 }, waitFor, 10*time.Millisecond)
	resp, ok := rec.snapshot()[1].(*wire.RPCResponseSuccess)
	require.True(t, ok)
	require.Equal(t, "0", resp.ID)

	var topics []string
	for _, posted := range servers[0].Posted() {
		topics = append(topics, posted.Topic)
	}
	require.Equal(t, []string{wire.MethodSendTransaction, wire.MethodDisconnect}, topics)
}

func TestRequestRequiresActiveConnection(t *testing.T) {
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, _ := newTestProvider(t, store)

	_, err := p.Request(context.Background(), wire.NewDisconnectRequest(), nil)
	require.ErrorIs(t, err, ErrNotConnected)
}

func TestRestoreActiveConnection(t *testing.T) {
	servers, sources := newBridges(t, 1)
	backend := storage.NewMemoryStorage()
	store := storage.NewStore(backend, "app")
	p, _ := newTestProvider(t, store)
	connectOver(t, p, servers[0], sources)
	app := p.Session().SessionID()
	p.closeGateways()

	cursor, err := store.LastEventID(context.Background())
	require.NoError(t, err)
	require.NotEmpty(t, cursor)

	restored, _ := newTestProvider(t, storage.NewStore(backend, "app"))
	event, err := restored.RestoreConnection(context.Background())
	require.NoError(t, err)
	require.NotNil(t, event)
	require.Equal(t, "0:abc", event.Payload.Items[0].Address)
	require.Equal(t, app, restored.Session().SessionID())
	require.Equal(t, []string{servers[0].URL}, restored.Gateways())

	ids := servers[0].LastEventIDs(app)
	require.Equal(t, cursor, ids[len(ids)-1])
}

func TestRestorePendingAndEmpty(t *testing.T) {
	servers, sources := newBridges(t, 2)
	backend := storage.NewMemoryStorage()
	p, _ := newTestProvider(t, storage.NewStore(backend, "app"))

	event, err := p.RestoreConnection(context.Background())
	require.NoError(t, err)
	require.Nil(t, event)
	require.Empty(t, p.Gateways())

	_, err = p.Connect(context.Background(), wire.NewConnectRequest("m", ""), sources)
	require.NoError(t, err)
	p.closeGateways()

	restored, _ := newTestProvider(t, storage.NewStore(backend, "app"))
	event, err = restored.RestoreConnection(context.Background())
	require.NoError(t, err)
	require.Nil(t, event)
	require.ElementsMatch(t, []string{servers[0].URL, servers[1].URL}, restored.Gateways())
}

func TestRestorePendingPromotesBacklog(t *testing.T) {
	servers, sources := newBridges(t, 2)
	backend := storage.NewMemoryStorage()
	first, _ := newTestProvider(t, storage.NewStore(backend, "app"))

	session, err := first.Connect(context.Background(), wire.NewConnectRequest("m", ""), sources)
	require.NoError(t, err)
	first.Close()

	// The wallet approves while the app is offline.
	wallet, err := bridgetest.NewWallet()
	require.NoError(t, err)
	require.NoError(t, wallet.Send(servers[1], session.SessionID(),
		bridgetest.ConnectEvent(1, "0:abc", wire.Mainnet)))

	store := storage.NewStore(backend, "app")
	p, rec := newTestProvider(t, store)
	_, err = p.RestoreConnection(context.Background())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return rec.count() == 1 && len(p.Gateways()) == 1
	}, waitFor, 10*time.Millisecond)
	require.Equal(t, []string{servers[1].URL}, p.Gateways())
	require.Equal(t, servers[1].URL, activeConnection(t, store).BridgeURL)

	require.Eventually(t, func() bool {
		return servers[0].Subscribers(session.SessionID()) == 0 &&
			servers[1].Subscribers(session.SessionID()) == 1
	}, waitFor, 10*time.Millisecond)

	id, err := p.Request(context.Background(), wire.NewDisconnectRequest(), nil)
	require.NoError(t, err)
	require.Equal(t, "0", id)
	require.Len(t, servers[1].Posted(), 1)
}

func TestDisconnectAlwaysClearsState(t *testing.T) {
	servers, sources := newBridges(t, 1)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, _ := newTestProvider(t, store)
	wallet := connectOver(t, p, servers[0], sources)

	require.NoError(t, p.Disconnect(context.Background()))

	conn, err := store.Connection(context.Background())
	require.NoError(t, err)
	require.Nil(t, conn)
	require.Empty(t, p.Gateways())

	posted := servers[0].Posted()
	require.Len(t, posted, 1)
	req, err := wallet.Request(posted[0])
	require.NoError(t, err)
	require.Equal(t, wire.MethodDisconnect, req.Method)
}

func TestCloseConnectionRemovesPendingOnly(t *testing.T) {
	_, sources := newBridges(t, 1)
	store := storage.NewStore(storage.NewMemoryStorage(), "app")
	p, _ := newTestProvider(t, store)

	_, err := p.Connect(context.Background(), wire.NewConnectRequest("m", ""), sources)
	require.NoError(t, err)
	require.NoError(t, p.CloseConnection(context.Background()))

	conn, err := store.Connection(context.Background())
	require.NoError(t, err)
	require.Nil(t, conn)
	require.Empty(t, p.Gateways())
}
