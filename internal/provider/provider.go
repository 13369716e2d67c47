// Package provider coordinates bridge gateways for one TON Connect session.
//
// While a connection is pending the provider listens on every candidate
// bridge. The first bridge that delivers an approved connect event wins; the
// other gateways are closed. Afterwards all traffic goes through that single
// gateway. The provider also owns RPC id assignment and the wallet event
// replay filter, both persisted through storage.Store.
package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/tonconnect/internal/bridge"
	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/internal/sse"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/storage"
	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/pkg/wire"
)

var (
	// ErrNotConnected is returned by Request without an active connection.
	ErrNotConnected = errors.New("no active wallet connection")

	// ErrNoBridges is returned by Connect when no source carries a bridge.
	ErrNoBridges = errors.New("no bridge to connect through")
)

// Listener receives decoded wallet messages that passed the replay filter.
// It runs on a gateway read goroutine.
type Listener func(msg wire.WalletMessage)

// Option configures a Provider.
type Option func(*Provider)

// WithGatewayOptions passes options to every gateway the provider opens.
func WithGatewayOptions(opts ...bridge.Option) Option {
	return func(p *Provider) {
		p.gatewayOpts = append(p.gatewayOpts, opts...)
	}
}

// WithOpenTimeout overrides bridge.DefaultOpenTimeout for initial opens.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(p *Provider) {
		if timeout > 0 {
			p.openTimeout = timeout
		}
	}
}

// WithSendRetry overrides the POST retry policy.
func WithSendRetry(attempts int, delay time.Duration) Option {
	return func(p *Provider) {
		if attempts > 0 {
			p.sendAttempts = attempts
		}
		if delay >= 0 {
			p.sendDelay = delay
		}
	}
}

// WithMessageTTL overrides the bridge-side lifetime of sent requests.
func WithMessageTTL(ttl time.Duration) Option {
	return func(p *Provider) {
		if ttl > 0 {
			p.messageTTL = ttl
		}
	}
}

// WithClock overrides time.Now for pending connection timestamps.
func WithClock(now func() time.Time) Option {
	return func(p *Provider) {
		if now != nil {
			p.now = now
		}
	}
}

// Provider is the multi-bridge session coordinator.
type Provider struct {
	store       *storage.Store
	gatewayOpts []bridge.Option
	openTimeout time.Duration

	sendAttempts int
	sendDelay    time.Duration
	messageTTL   time.Duration
	now          func() time.Time

	mu       sync.Mutex
	session  *crypto.SessionCrypto
	pending  map[string]*bridge.Gateway
	active   *bridge.Gateway
	listener Listener
	onError  func(error)

	// recordMu serializes read-modify-write of the stored connection,
	// including promotion of a pending record.
	recordMu sync.Mutex

	// requestMu serializes RPC id assignment and sends.
	requestMu sync.Mutex
}

// New returns a provider backed by store.
func New(store *storage.Store, opts ...Option) *Provider {
	p := &Provider{
		store:        store,
		openTimeout:  bridge.DefaultOpenTimeout,
		sendAttempts: bridge.DefaultSendAttempts,
		sendDelay:    bridge.DefaultSendDelay,
		messageTTL:   bridge.DefaultMessageTTL,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SetListener installs the wallet message listener.
func (p *Provider) SetListener(l Listener) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.listener = l
}

// SetErrorHandler installs the callback for gateway errors that could not be
// recovered automatically.
func (p *Provider) SetErrorHandler(fn func(error)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onError = fn
}

// Session returns the current session keypair, nil when none is loaded.
func (p *Provider) Session() *crypto.SessionCrypto {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// Gateways returns the bridge URLs currently listened on.
func (p *Provider) Gateways() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active != nil {
		return []string{p.active.BridgeURL()}
	}
	urls := make([]string, 0, len(p.pending))
	for u := range p.pending {
		urls = append(urls, u)
	}
	return urls
}

// Connect starts a new pending connection and listens on every unique bridge
// of sources. It fails only when no bridge could be opened.
func (p *Provider) Connect(ctx context.Context, req wire.ConnectRequest,
	sources []wallets.ConnectionSource) (*crypto.SessionCrypto, error) {

	p.closeGateways()

	urls := bridgeURLs(sources)
	if len(urls) == 0 {
		return nil, ErrNoBridges
	}

	session, err := crypto.NewSessionCrypto()
	if err != nil {
		return nil, err
	}

	// Drop any previous record together with its resume cursor.
	if err := p.store.RemoveConnection(ctx); err != nil {
		return nil, err
	}
	pending := &storage.PendingConnection{
		SessionPrivateKey: session.PrivateKeyHex(),
		Request:           req,
		Sources:           sources,
		CreatedAt:         p.now(),
	}
	if err := p.store.SaveConnection(ctx, pending); err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.session = session
	p.mu.Unlock()

	opened, err := p.openGateways(ctx, session, urls, false)
	if err != nil {
		if rmErr := p.store.RemoveConnection(ctx); rmErr != nil {
			logger.Warnf("failed to remove pending connection: %v", rmErr)
		}
		return nil, err
	}

	logger.Infof("listening for wallet on %d bridge(s) as %s", opened, session.SessionID())
	return session, nil
}

// RestoreConnection reopens the gateways matching the stored connection. It
// returns the stored connect event for an active connection and nil
// otherwise.
func (p *Provider) RestoreConnection(ctx context.Context) (*wire.ConnectEventSuccess, error) {
	p.closeGateways()

	conn, err := p.store.Connection(ctx)
	if err != nil {
		return nil, err
	}

	switch c := conn.(type) {
	case nil:
		return nil, nil

	case *storage.PendingConnection:
		session, err := crypto.SessionCryptoFromHex(c.SessionPrivateKey)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.session = session
		p.mu.Unlock()

		if _, err := p.openGateways(ctx, session, bridgeURLs(c.Sources), false); err != nil {
			return nil, err
		}
		return nil, nil

	case *storage.ActiveConnection:
		session, err := crypto.SessionCryptoFromHex(c.SessionPrivateKey)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.session = session
		p.mu.Unlock()

		bridgeURL := strings.TrimRight(c.BridgeURL, "/")
		if _, err := p.openGateways(ctx, session, []string{bridgeURL}, true); err != nil {
			return nil, err
		}

		event := c.ConnectEvent
		return &event, nil

	default:
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
}

// Request sends an RPC request to the wallet and returns its id. onAssigned,
// when set, runs with the id before the message leaves, so a response can
// never arrive for an id the caller does not know yet. The returned id is
// valid even when the send fails.
func (p *Provider) Request(ctx context.Context, req wire.RPCRequest,
	onAssigned func(id string)) (string, error) {

	p.requestMu.Lock()
	defer p.requestMu.Unlock()

	conn, err := p.store.Connection(ctx)
	if err != nil {
		return "", err
	}
	active, ok := conn.(*storage.ActiveConnection)
	if !ok {
		return "", ErrNotConnected
	}

	p.mu.Lock()
	gw, session := p.active, p.session
	p.mu.Unlock()
	if gw == nil || session == nil {
		return "", ErrNotConnected
	}

	walletKey, err := crypto.ParsePublicKey(active.WalletPublicKey)
	if err != nil {
		return "", err
	}

	id := strconv.FormatInt(active.NextRPCRequestID, 10)
	req.ID = id
	if req.Params == nil {
		req.Params = []string{}
	}
	plain, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("failed to encode %s request: %w", req.Method, err)
	}
	ct, err := session.Encrypt(plain, walletKey)
	if err != nil {
		return "", err
	}

	if onAssigned != nil {
		onAssigned(id)
	}

	err = gw.Send(ctx, ct, active.WalletPublicKey, req.Method, p.messageTTL,
		p.sendAttempts, p.sendDelay)
	if err != nil {
		return id, err
	}

	next := active.NextRPCRequestID + 1
	err = p.updateActive(ctx, func(c *storage.ActiveConnection) {
		if c.NextRPCRequestID < next {
			c.NextRPCRequestID = next
		}
	})
	if err != nil {
		return id, fmt.Errorf("failed to persist request counter: %w", err)
	}

	logger.Debugf("sent %s request %s", req.Method, id)
	return id, nil
}

// updateActive applies fn to a fresh copy of the active record and saves
// it. It is a no-op when the connection is no longer active.
func (p *Provider) updateActive(ctx context.Context, fn func(*storage.ActiveConnection)) error {
	p.recordMu.Lock()
	defer p.recordMu.Unlock()

	conn, err := p.store.Connection(ctx)
	if err != nil {
		return err
	}
	active, ok := conn.(*storage.ActiveConnection)
	if !ok {
		return nil
	}
	fn(active)
	return p.store.SaveConnection(ctx, active)
}

// Disconnect tells the wallet the session is over, best effort, then drops
// the stored connection and closes every gateway.
func (p *Provider) Disconnect(ctx context.Context) error {
	if _, err := p.Request(ctx, wire.NewDisconnectRequest(), nil); err != nil {
		logger.Debugf("disconnect request not delivered: %v", err)
	}

	p.closeGateways()

	p.recordMu.Lock()
	defer p.recordMu.Unlock()
	return p.store.RemoveConnection(ctx)
}

// CloseConnection aborts a connection attempt: gateways are closed and a
// pending record is removed. An active record is kept.
func (p *Provider) CloseConnection(ctx context.Context) error {
	p.closeGateways()

	p.recordMu.Lock()
	defer p.recordMu.Unlock()

	conn, err := p.store.Connection(ctx)
	if err != nil {
		return err
	}
	if _, ok := conn.(*storage.PendingConnection); ok {
		return p.store.RemoveConnection(ctx)
	}
	return nil
}

// Close closes every gateway. The stored connection is left untouched.
func (p *Provider) Close() {
	p.closeGateways()
}

// Pause stops every gateway from listening.
func (p *Provider) Pause() {
	for _, gw := range p.allGateways() {
		gw.Pause()
	}
}

// Unpause resumes every gateway.
func (p *Provider) Unpause(ctx context.Context) error {
	var errs []error
	for _, gw := range p.allGateways() {
		if err := gw.Unpause(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (p *Provider) allGateways() []*bridge.Gateway {
	p.mu.Lock()
	defer p.mu.Unlock()

	gws := make([]*bridge.Gateway, 0, len(p.pending)+1)
	if p.active != nil {
		gws = append(gws, p.active)
	}
	for _, gw := range p.pending {
		gws = append(gws, gw)
	}
	return gws
}

func (p *Provider) closeGateways() {
	p.mu.Lock()
	gws := make([]*bridge.Gateway, 0, len(p.pending)+1)
	if p.active != nil {
		gws = append(gws, p.active)
	}
	for _, gw := range p.pending {
		gws = append(gws, gw)
	}
	p.active = nil
	p.pending = nil
	p.mu.Unlock()

	for _, gw := range gws {
		gw.Close()
	}
}

// openGateways opens one gateway per url concurrently and returns how many
// opened. The gateways are installed as the pending set, or as the active
// gateway when active is set, before any of them subscribes: a bridge
// replays its backlog as soon as the stream opens, and promotion must find
// every candidate. Failed gateways are removed and closed; the first error
// in url order is returned when none opened.
func (p *Provider) openGateways(ctx context.Context, session *crypto.SessionCrypto,
	urls []string, active bool) (int, error) {

	if len(urls) == 0 {
		return 0, ErrNoBridges
	}
	opts := append([]bridge.Option{bridge.WithErrorHandler(p.gatewayError)}, p.gatewayOpts...)

	gws := make([]*bridge.Gateway, len(urls))
	errs := make([]error, len(urls))
	set := make(map[string]*bridge.Gateway, len(urls))
	for i, u := range urls {
		bridgeURL := u
		gws[i] = bridge.New(bridgeURL, session, p.store, func(ev sse.Event) {
			p.handleEvent(bridgeURL, ev)
		}, opts...)
		set[bridgeURL] = gws[i]
	}

	p.mu.Lock()
	if active {
		p.active = gws[0]
	} else {
		p.pending = set
	}
	p.mu.Unlock()

	var wg sync.WaitGroup
	for i := range gws {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = gws[i].RegisterSession(ctx, p.openTimeout)
		}(i)
	}
	wg.Wait()

	var (
		opened   int
		firstErr error
	)
	for i, gw := range gws {
		switch {
		case errs[i] == nil:
			opened++

		// Closed by a wallet event delivered through a sibling gateway.
		case errors.Is(errs[i], bridge.ErrGatewayClosed):

		default:
			logger.Warnf("failed to open bridge %s: %v", gw.BridgeURL(), errs[i])
			p.dropGateway(urls[i], gw)
			gw.Close()
			if firstErr == nil {
				firstErr = errs[i]
			}
		}
	}
	if opened == 0 && firstErr != nil {
		return 0, firstErr
	}
	return opened, nil
}

// dropGateway forgets gw if it is still installed under bridgeURL.
func (p *Provider) dropGateway(bridgeURL string, gw *bridge.Gateway) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.active == gw {
		p.active = nil
	}
	if p.pending[bridgeURL] == gw {
		delete(p.pending, bridgeURL)
	}
	if len(p.pending) == 0 {
		p.pending = nil
	}
}

func (p *Provider) gatewayError(err error) {
	p.mu.Lock()
	fn := p.onError
	p.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (p *Provider) emit(msg wire.WalletMessage) {
	p.mu.Lock()
	l := p.listener
	p.mu.Unlock()
	if l != nil {
		l(msg)
	}
}

// handleEvent decrypts and routes one SSE record from bridgeURL.
func (p *Provider) handleEvent(bridgeURL string, ev sse.Event) {
	ctx := context.Background()

	var bm wire.BridgeMessage
	if err := json.Unmarshal([]byte(ev.Data), &bm); err != nil {
		logger.Warnf("bridge %s: malformed message: %v", bridgeURL, err)
		return
	}

	p.mu.Lock()
	session := p.session
	p.mu.Unlock()
	if session == nil {
		return
	}

	conn, err := p.store.Connection(ctx)
	if err != nil {
		logger.Errorf("failed to load connection: %v", err)
		return
	}
	if conn == nil || conn.SessionKeyHex() != session.PrivateKeyHex() {
		logger.Debugf("bridge %s: message for a stale session dropped", bridgeURL)
		return
	}
	if active, ok := conn.(*storage.ActiveConnection); ok && bm.From != active.WalletPublicKey {
		logger.Debugf("bridge %s: message from unknown sender %s dropped", bridgeURL, bm.From)
		return
	}

	peer, err := crypto.ParsePublicKey(bm.From)
	if err != nil {
		logger.Warnf("bridge %s: %v", bridgeURL, err)
		return
	}
	ct, err := base64.StdEncoding.DecodeString(bm.Message)
	if err != nil {
		logger.Warnf("bridge %s: invalid message encoding: %v", bridgeURL, err)
		return
	}
	plain, err := session.Decrypt(ct, peer)
	if err != nil {
		logger.Warnf("bridge %s: %v", bridgeURL, err)
		return
	}
	msg, err := wire.ParseWalletMessage(plain)
	if err != nil {
		logger.Warnf("bridge %s: %v", bridgeURL, err)
		return
	}

	switch m := msg.(type) {
	case *wire.RPCResponseSuccess, *wire.RPCResponseError:
		p.emit(m)
	case wire.Event:
		if p.handleWalletEvent(ctx, bridgeURL, bm.From, m) {
			p.emit(m)
		}
	}
}

// handleWalletEvent applies the replay filter and the state changes of a
// wallet event. It reports whether the event should reach the listener.
func (p *Provider) handleWalletEvent(ctx context.Context, bridgeURL, from string,
	ev wire.Event) bool {

	p.recordMu.Lock()
	conn, err := p.store.Connection(ctx)
	if err != nil {
		p.recordMu.Unlock()
		logger.Errorf("failed to load connection: %v", err)
		return false
	}

	switch c := conn.(type) {
	case nil:
		p.recordMu.Unlock()
		return false

	case *storage.PendingConnection:
		switch m := ev.(type) {
		case *wire.ConnectEventSuccess:
			err := p.promote(ctx, c, bridgeURL, from, m)
			p.recordMu.Unlock()
			if err != nil {
				logger.Errorf("failed to store active connection: %v", err)
				return false
			}
			p.keepOnly(bridgeURL)
			return true

		case *wire.ConnectEventError:
			err := p.store.RemoveConnection(ctx)
			p.recordMu.Unlock()
			if err != nil {
				logger.Errorf("failed to remove pending connection: %v", err)
			}
			p.closeGateways()
			return true

		default:
			p.recordMu.Unlock()
			logger.Debugf("event %d ignored while pending", ev.EventID())
			return false
		}

	case *storage.ActiveConnection:
		if ev.EventID() <= c.LastWalletEventID {
			p.recordMu.Unlock()
			logger.Debugf("replayed wallet event %d dropped", ev.EventID())
			return false
		}

		switch ev.(type) {
		case *wire.ConnectEventSuccess:
			p.recordMu.Unlock()
			logger.Debugf("connect event %d ignored while connected", ev.EventID())
			return false

		case *wire.DisconnectEvent:
			err := p.store.RemoveConnection(ctx)
			p.recordMu.Unlock()
			if err != nil {
				logger.Errorf("failed to remove connection: %v", err)
			}
			p.closeGateways()
			return true

		default:
			c.LastWalletEventID = ev.EventID()
			err := p.store.SaveConnection(ctx, c)
			p.recordMu.Unlock()
			if err != nil {
				logger.Errorf("failed to persist wallet event id: %v", err)
			}
			return true
		}

	default:
		p.recordMu.Unlock()
		return false
	}
}

// promote stores the active record. Must be called with recordMu held.
func (p *Provider) promote(ctx context.Context, pending *storage.PendingConnection,
	bridgeURL, from string, ev *wire.ConnectEventSuccess) error {

	cursor, err := p.store.LastEventID(ctx)
	if err != nil {
		return err
	}
	active := &storage.ActiveConnection{
		SessionPrivateKey: pending.SessionPrivateKey,
		WalletPublicKey:   from,
		BridgeURL:         bridgeURL,
		ConnectEvent:      *ev,
		NextRPCRequestID:  0,
		LastWalletEventID: ev.ID,
		LastEventID:       cursor,
	}
	if err := p.store.SaveConnection(ctx, active); err != nil {
		return err
	}
	logger.Infof("wallet connected via %s", bridgeURL)
	return nil
}

// keepOnly makes the gateway of bridgeURL the active one and closes the
// other candidates.
func (p *Provider) keepOnly(bridgeURL string) {
	p.mu.Lock()
	var losers []*bridge.Gateway
	for u, gw := range p.pending {
		if u == bridgeURL {
			p.active = gw
			continue
		}
		losers = append(losers, gw)
	}
	p.pending = nil
	p.mu.Unlock()

	for _, gw := range losers {
		gw.Close()
	}
}

// bridgeURLs returns the unique bridge URLs of sources, in order.
func bridgeURLs(sources []wallets.ConnectionSource) []string {
	seen := make(map[string]struct{}, len(sources))
	var urls []string
	for _, s := range sources {
		u := strings.TrimRight(s.BridgeURL, "/")
		if u == "" {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		urls = append(urls, u)
	}
	return urls
}
