// Package sdk is the public TON Connect session API.
//
// A Connector connects to one wallet at a time, restores the connection from
// storage, sends sendTransaction and signData requests and dispatches wallet
// events to registered handlers. Every outstanding connect or request is a
// future guarded by its own timeout.
package sdk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/bhandras/tonconnect/internal/bridge"
	"github.com/bhandras/tonconnect/internal/provider"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/storage"
	"github.com/bhandras/tonconnect/pkg/wallets"
	"github.com/bhandras/tonconnect/pkg/wire"
)

const (
	// DefaultConnectTimeout bounds how long a connect waits for the wallet.
	DefaultConnectTimeout = 900 * time.Second
	// DefaultRequestTimeout is used for requests without an expiry.
	DefaultRequestTimeout = 300 * time.Second
)

// State is the connection state of a Connector.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

type requestKind string

const (
	kindTransaction requestKind = "transaction"
	kindSignData    requestKind = "sign_data"
)

func (k requestKind) event() EventKind {
	if k == kindSignData {
		return EventSignData
	}
	return EventTransaction
}

type pendingRequest struct {
	kind   requestKind
	future *future[json.RawMessage]
}

// Option configures a Connector.
type Option func(*Connector)

// WithManifestURL sets the dApp manifest announced to wallets.
func WithManifestURL(u string) Option {
	return func(c *Connector) {
		c.manifestURL = u
	}
}

// WithHandlers installs a handler table. Handlers registered later with On
// are appended.
func WithHandlers(h Handlers) Option {
	return func(c *Connector) {
		for kind, hs := range h {
			c.handlers[kind] = append(c.handlers[kind], hs...)
		}
	}
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.connectTimeout = d
		}
	}
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Connector) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithProviderOptions passes options to the underlying provider.
func WithProviderOptions(opts ...provider.Option) Option {
	return func(c *Connector) {
		c.providerOpts = append(c.providerOpts, opts...)
	}
}

// WithGatewayOptions passes options to every bridge gateway.
func WithGatewayOptions(opts ...bridge.Option) Option {
	return func(c *Connector) {
		c.providerOpts = append(c.providerOpts, provider.WithGatewayOptions(opts...))
	}
}

// WithClock overrides time.Now, used for request expiry.
func WithClock(now func() time.Time) Option {
	return func(c *Connector) {
		if now != nil {
			c.now = now
		}
	}
}

// ConnectOptions configures one Connect call.
type ConnectOptions struct {
	// Request overrides the connect request built from the manifest URL and
	// ProofPayload.
	Request *wire.ConnectRequest
	// ProofPayload requests a ton_proof item bound to this challenge.
	ProofPayload string
	// Network, when set, must match the network the wallet reports.
	Network wire.Network
	// Timeout overrides the connector connect timeout.
	Timeout time.Duration
	// ReturnStrategy is the ret parameter of the universal link.
	ReturnStrategy string
	// Sources are additional bridges to listen on, e.g. when one link is
	// shown for several wallets.
	Sources []wallets.ConnectionSource
}

// Connector is a TON Connect session with one wallet.
type Connector struct {
	store        *storage.Store
	provider     *provider.Provider
	providerOpts []provider.Option
	dispatch     *dispatcher

	manifestURL    string
	connectTimeout time.Duration
	requestTimeout time.Duration
	now            func() time.Time

	mu       sync.Mutex
	state    State
	wallet   *Wallet
	network  wire.Network
	connect  *future[*Wallet]
	requests map[string]*pendingRequest
	handlers Handlers
}

// NewConnector returns a disconnected Connector persisting to store. Call
// Restore to pick up a stored connection.
func NewConnector(store *storage.Store, opts ...Option) *Connector {
	c := &Connector{
		store:          store,
		dispatch:       newDispatcher(0),
		connectTimeout: DefaultConnectTimeout,
		requestTimeout: DefaultRequestTimeout,
		now:            time.Now,
		requests:       make(map[string]*pendingRequest),
		handlers:       make(Handlers),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.provider = provider.New(store, c.providerOpts...)
	c.provider.SetListener(c.onWalletMessage)
	c.provider.SetErrorHandler(func(err error) {
		c.emit(Event{Kind: EventError, Err: err})
	})
	return c
}

// On registers a handler for kind.
func (c *Connector) On(kind EventKind, h Handler) {
	if h == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = append(c.handlers[kind], h)
}

// State returns the connection state.
func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connected reports whether a wallet is connected.
func (c *Connector) Connected() bool {
	return c.State() == StateConnected
}

// Wallet returns the connected wallet, nil when disconnected.
func (c *Connector) Wallet() *Wallet {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.wallet
}

// Account returns the connected account.
func (c *Connector) Account() (Account, bool) {
	w := c.Wallet()
	if w == nil {
		return Account{}, false
	}
	return w.Account, true
}

// Device returns the connected wallet's device info.
func (c *Connector) Device() (wire.DeviceInfo, bool) {
	w := c.Wallet()
	if w == nil {
		return wire.DeviceInfo{}, false
	}
	return w.Device, true
}

// TonProof returns the proof delivered on connect, if any.
func (c *Connector) TonProof() *wire.TonProofReply {
	w := c.Wallet()
	if w == nil {
		return nil
	}
	return w.TonProof
}

// Connect starts a connection to wallet and returns the universal link the
// wallet must open. A previous pending connect is cancelled.
func (c *Connector) Connect(ctx context.Context, wallet wallets.ConnectionSource,
	opts ConnectOptions) (string, error) {

	var req wire.ConnectRequest
	switch {
	case opts.Request != nil:
		req = *opts.Request
	case c.manifestURL == "":
		return "", ErrMissingManifest
	default:
		req = wire.NewConnectRequest(c.manifestURL, opts.ProofPayload)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.connectTimeout
	}

	fut := newFuture[*Wallet]()

	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return "", ErrAlreadyConnected
	}
	prev := c.connect
	c.connect = fut
	c.state = StateConnecting
	c.network = opts.Network
	c.mu.Unlock()

	if prev != nil {
		prev.cancel()
	}

	sources := append([]wallets.ConnectionSource{wallet}, opts.Sources...)
	session, err := c.provider.Connect(ctx, req, sources)
	if err != nil {
		c.failConnect(fut, err)
		return "", err
	}

	fut.watch(timeout, func() {
		c.connectTimedOut(fut, timeout)
	})

	link, err := UniversalLink(wallet.UniversalURL, session.SessionID(), req, opts.ReturnStrategy)
	if err != nil {
		c.failConnect(fut, err)
		if closeErr := c.provider.CloseConnection(context.Background()); closeErr != nil {
			logger.Warnf("failed to close connection attempt: %v", closeErr)
		}
		return "", err
	}
	return link, nil
}

// failConnect resolves fut with err and returns to Disconnected if fut is
// still the current attempt.
func (c *Connector) failConnect(fut *future[*Wallet], err error) {
	c.mu.Lock()
	if c.connect == fut && c.state == StateConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	fut.resolve(nil, err)
}

func (c *Connector) connectTimedOut(fut *future[*Wallet], after time.Duration) {
	c.mu.Lock()
	current := c.connect == fut && c.state == StateConnecting
	if current {
		c.state = StateDisconnected
	}
	c.mu.Unlock()
	if !current {
		return
	}

	if err := c.provider.CloseConnection(context.Background()); err != nil {
		logger.Warnf("failed to close timed out connection attempt: %v", err)
	}
	err := &TimeoutError{Op: "connect", After: after}
	if fut.resolve(nil, err) {
		c.emit(Event{Kind: EventConnectError, Err: err})
	}
}

// WaitConnect blocks until the current connect attempt resolves or ctx
// ends. Wallet and timeout failures are returned as errors.
func (c *Connector) WaitConnect(ctx context.Context) (*Wallet, error) {
	c.mu.Lock()
	fut, wallet := c.connect, c.wallet
	c.mu.Unlock()

	if fut == nil {
		if wallet != nil {
			return wallet, nil
		}
		return nil, ErrNoPendingConnect
	}
	return fut.wait(ctx)
}

// DropConnect cancels the current connect attempt and stops listening.
func (c *Connector) DropConnect(ctx context.Context) error {
	c.mu.Lock()
	fut := c.connect
	c.connect = nil
	wasConnecting := c.state == StateConnecting
	if wasConnecting {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if fut != nil {
		fut.cancel()
	}
	if !wasConnecting {
		return nil
	}
	return c.provider.CloseConnection(ctx)
}

// Restore loads a stored connection. It reports whether an active
// connection was recovered; a stored pending connection resumes listening
// and reports false.
func (c *Connector) Restore(ctx context.Context) (bool, error) {
	event, err := c.provider.RestoreConnection(ctx)
	if err != nil {
		return false, err
	}
	if event == nil {
		return false, nil
	}

	wallet, err := walletFromEvent(event)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.wallet = wallet
	c.state = StateConnected
	c.mu.Unlock()

	logger.Infof("restored connection to %s", wallet.Account.Address)
	return true, nil
}

// Disconnect ends the session. Local state is always cleared, even when the
// wallet could not be notified.
func (c *Connector) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	connected := c.state == StateConnected
	c.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	err := c.provider.Disconnect(ctx)
	c.clearWallet()
	c.emit(Event{Kind: EventDisconnect})
	return err
}

// Close releases network resources and cancels every outstanding future.
// The stored connection is kept for a later Restore.
func (c *Connector) Close() {
	c.provider.Close()
	defer c.dispatch.close()

	c.mu.Lock()
	fut := c.connect
	c.connect = nil
	reqs := c.requests
	c.requests = make(map[string]*pendingRequest)
	c.state = StateDisconnected
	c.wallet = nil
	c.mu.Unlock()

	if fut != nil {
		fut.cancel()
	}
	for _, pr := range reqs {
		pr.future.cancel()
	}
}

// clearWallet drops the wallet and cancels every pending request.
func (c *Connector) clearWallet() {
	c.mu.Lock()
	c.wallet = nil
	c.state = StateDisconnected
	c.connect = nil
	reqs := c.requests
	c.requests = make(map[string]*pendingRequest)
	c.mu.Unlock()

	for _, pr := range reqs {
		pr.future.cancel()
	}
}

// Pause stops listening on the bridge.
func (c *Connector) Pause() {
	c.provider.Pause()
}

// Unpause resumes listening on the bridge.
func (c *Connector) Unpause(ctx context.Context) error {
	return c.provider.Unpause(ctx)
}

// SendTransaction asks the wallet to sign and send tx. It returns the
// request id at once; use WaitTransaction for the outcome. A zero timeout
// derives from tx.ValidUntil, or DefaultRequestTimeout without one.
func (c *Connector) SendTransaction(ctx context.Context, tx wire.Transaction,
	timeout time.Duration) (string, error) {

	wallet := c.Wallet()
	if wallet == nil {
		return "", ErrNotConnected
	}
	if err := checkTransaction(wallet.Device, tx); err != nil {
		return "", err
	}

	if tx.Network == "" {
		tx.Network = wallet.Account.Network
	}
	if tx.From == "" {
		tx.From = wallet.Account.Address
	}

	if timeout <= 0 {
		timeout = c.requestTimeout
		if tx.ValidUntil > 0 {
			timeout = time.Unix(tx.ValidUntil, 0).Sub(c.now())
			if timeout <= 0 {
				return "", fmt.Errorf("transaction expired at %d", tx.ValidUntil)
			}
		}
	}

	req, err := wire.NewSendTransactionRequest(tx)
	if err != nil {
		return "", err
	}
	return c.request(ctx, kindTransaction, req, timeout)
}

func checkTransaction(device wire.DeviceInfo, tx wire.Transaction) error {
	f, ok := device.Feature(wire.FeatureSendTransaction)
	if !ok {
		return &FeatureError{Feature: wire.FeatureSendTransaction, Reason: "not supported by wallet"}
	}
	if len(tx.Messages) == 0 {
		return fmt.Errorf("transaction has no messages")
	}
	if f.MaxMessages > 0 && len(tx.Messages) > f.MaxMessages {
		return &FeatureError{
			Feature: wire.FeatureSendTransaction,
			Reason:  fmt.Sprintf("wallet accepts at most %d messages, got %d", f.MaxMessages, len(tx.Messages)),
		}
	}
	for _, m := range tx.Messages {
		if len(m.ExtraCurrency) > 0 && !f.ExtraCurrencySupported {
			return &FeatureError{Feature: wire.FeatureSendTransaction, Reason: "extra currencies not supported"}
		}
	}
	return nil
}

// SignData asks the wallet to sign payload. It returns the request id at
// once; use WaitSignData for the outcome.
func (c *Connector) SignData(ctx context.Context, payload wire.SignDataPayload,
	timeout time.Duration) (string, error) {

	wallet := c.Wallet()
	if wallet == nil {
		return "", ErrNotConnected
	}
	if err := payload.Validate(); err != nil {
		return "", err
	}
	if _, ok := wallet.Device.Feature(wire.FeatureSignData); !ok {
		return "", &FeatureError{Feature: wire.FeatureSignData, Reason: "not supported by wallet"}
	}
	if !wallet.Device.SupportsSignDataType(payload.Type) {
		return "", &FeatureError{
			Feature: wire.FeatureSignData,
			Reason:  fmt.Sprintf("type %s not supported by wallet", payload.Type),
		}
	}

	if payload.Network == "" {
		payload.Network = wallet.Account.Network
	}
	if payload.From == "" {
		payload.From = wallet.Account.Address
	}
	if timeout <= 0 {
		timeout = c.requestTimeout
	}

	req, err := wire.NewSignDataRequest(payload)
	if err != nil {
		return "", err
	}
	return c.request(ctx, kindSignData, req, timeout)
}

func (c *Connector) request(ctx context.Context, kind requestKind, req wire.RPCRequest,
	timeout time.Duration) (string, error) {

	pr := &pendingRequest{kind: kind, future: newFuture[json.RawMessage]()}

	id, err := c.provider.Request(ctx, req, func(id string) {
		c.mu.Lock()
		c.requests[id] = pr
		c.mu.Unlock()
		pr.future.watch(timeout, func() {
			c.requestTimedOut(id, pr, timeout)
		})
	})
	if err != nil {
		if id != "" {
			c.removeRequest(id, pr)
			pr.future.cancel()
		}
		return "", err
	}
	return id, nil
}

func (c *Connector) removeRequest(id string, pr *pendingRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.requests[id] == pr {
		delete(c.requests, id)
	}
}

func (c *Connector) requestTimedOut(id string, pr *pendingRequest, after time.Duration) {
	err := &TimeoutError{Op: string(pr.kind) + " " + id, After: after}
	if pr.future.resolve(nil, err) {
		c.emit(Event{Kind: pr.kind.event(), RequestID: id, Err: err})
	}
}

// lookup returns the pending request for id after checking its kind.
func (c *Connector) lookup(id string, kind requestKind) (*pendingRequest, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	pr, ok := c.requests[id]
	if !ok {
		return nil, ErrUnknownRequest
	}
	if pr.kind != kind {
		return nil, ErrRequestKindMismatch
	}
	return pr, nil
}

// WaitTransaction blocks until request id resolves or ctx ends. The request
// is forgotten once it has resolved.
func (c *Connector) WaitTransaction(ctx context.Context, id string) (*wire.SendTransactionResult, error) {
	pr, err := c.lookup(id, kindTransaction)
	if err != nil {
		return nil, err
	}
	raw, err := pr.future.wait(ctx)
	if ctx.Err() == nil {
		c.removeRequest(id, pr)
	}
	if err != nil {
		return nil, err
	}
	return wire.DecodeSendTransactionResult(raw)
}

// WaitSignData blocks until request id resolves or ctx ends. The request is
// forgotten once it has resolved.
func (c *Connector) WaitSignData(ctx context.Context, id string) (*wire.SignDataResult, error) {
	pr, err := c.lookup(id, kindSignData)
	if err != nil {
		return nil, err
	}
	raw, err := pr.future.wait(ctx)
	if ctx.Err() == nil {
		c.removeRequest(id, pr)
	}
	if err != nil {
		return nil, err
	}
	return wire.DecodeSignDataResult(raw)
}

// DropRequest cancels request id. Waiters receive ErrCancelled.
func (c *Connector) DropRequest(id string) error {
	c.mu.Lock()
	pr, ok := c.requests[id]
	delete(c.requests, id)
	c.mu.Unlock()

	if !ok {
		return ErrUnknownRequest
	}
	pr.future.cancel()
	return nil
}

// onWalletMessage is the provider listener.
func (c *Connector) onWalletMessage(msg wire.WalletMessage) {
	switch m := msg.(type) {
	case *wire.ConnectEventSuccess:
		c.onConnect(m)

	case *wire.ConnectEventError:
		err := &WalletError{Code: m.Code, Message: m.Message}
		c.mu.Lock()
		fut := c.connect
		if c.state == StateConnecting {
			c.state = StateDisconnected
		}
		c.mu.Unlock()
		if fut != nil {
			fut.resolve(nil, err)
		}
		c.emit(Event{Kind: EventConnectError, Err: err})

	case *wire.DisconnectEvent:
		logger.Infof("wallet disconnected")
		c.clearWallet()
		c.emit(Event{Kind: EventDisconnect})

	case *wire.DisconnectEventError:
		c.emit(Event{Kind: EventError, Err: &WalletError{Code: m.Code, Message: m.Message}})

	case *wire.RPCResponseSuccess:
		c.onResponse(m.ID, m.Result, nil)

	case *wire.RPCResponseError:
		c.onResponse(m.ID, nil, &WalletError{Code: m.Code, Message: m.Message})
	}
}

func (c *Connector) onConnect(ev *wire.ConnectEventSuccess) {
	wallet, err := walletFromEvent(ev)
	if err == nil {
		c.mu.Lock()
		network := c.network
		c.mu.Unlock()
		if network != "" && wallet.Account.Network != network {
			err = fmt.Errorf("%w: requested %s, wallet is on %s", ErrWrongNetwork, network,
				wallet.Account.Network)
		}
	}

	if err != nil {
		c.mu.Lock()
		fut := c.connect
		c.state = StateDisconnected
		c.wallet = nil
		c.mu.Unlock()

		// The provider has already stored the connection; undo it.
		go func() {
			if dErr := c.provider.Disconnect(context.Background()); dErr != nil {
				logger.Warnf("failed to drop rejected connection: %v", dErr)
			}
		}()
		if fut != nil {
			fut.resolve(nil, err)
		}
		c.emit(Event{Kind: EventConnectError, Err: err})
		return
	}

	c.mu.Lock()
	fut := c.connect
	c.wallet = wallet
	c.state = StateConnected
	c.mu.Unlock()

	logger.Infof("connected to %s (%s)", wallet.Account.Address, wallet.Device.AppName)
	if fut != nil {
		fut.resolve(wallet, nil)
	}
	c.emit(Event{Kind: EventConnect, Wallet: wallet})
}

func (c *Connector) onResponse(id string, result json.RawMessage, walletErr *WalletError) {
	c.mu.Lock()
	pr, ok := c.requests[id]
	c.mu.Unlock()
	if !ok {
		logger.Debugf("response for unknown request %s dropped", id)
		return
	}

	var err error
	if walletErr != nil {
		err = walletErr
	}
	if !pr.future.resolve(result, err) {
		return
	}

	ev := Event{Kind: pr.kind.event(), RequestID: id, Err: err}
	if err == nil {
		switch pr.kind {
		case kindTransaction:
			ev.Transaction, ev.Err = wire.DecodeSendTransactionResult(result)
		case kindSignData:
			ev.SignData, ev.Err = wire.DecodeSignDataResult(result)
		}
	}
	c.emit(ev)
}

// emit queues ev for every handler of its kind.
func (c *Connector) emit(ev Event) {
	c.mu.Lock()
	hs := append([]Handler(nil), c.handlers[ev.Kind]...)
	c.mu.Unlock()
	if len(hs) == 0 {
		return
	}

	err := c.dispatch.do(func() {
		for _, h := range hs {
			c.invoke(h, ev)
		}
	})
	switch {
	case errors.Is(err, errDispatcherClosed):
		logger.Debugf("%s event dropped after close", ev.Kind)
	case err != nil:
		logger.Errorf("failed to dispatch %s event: %v", ev.Kind, err)
	}
}

// invoke runs h, turning a panic into an EventError.
func (c *Connector) invoke(h Handler, ev Event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		if ev.Kind == EventError {
			logger.Errorf("error handler panicked: %v\n%s", r, debug.Stack())
			return
		}
		logger.Warnf("%s handler panicked: %v", ev.Kind, r)
		c.emit(Event{Kind: EventError, Err: fmt.Errorf("%s handler panicked: %v", ev.Kind, r)})
	}()
	h(ev)
}

// IsTimeout reports whether err is a connector timeout.
func IsTimeout(err error) bool {
	var te *TimeoutError
	return errors.As(err, &te)
}
