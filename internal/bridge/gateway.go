// Package bridge talks to a single TON Connect HTTP bridge.
//
// A Gateway holds one SSE subscription (GET /events) for a session and sends
// ciphertexts to peers with POST /message. Stream failures are retried
// automatically; only an exhausted reconnect is surfaced to the owner.
package bridge

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/internal/sse"
	"github.com/bhandras/tonconnect/internal/version"
	"github.com/bhandras/tonconnect/pkg/logger"
	"github.com/bhandras/tonconnect/pkg/storage"
	"resty.dev/v3"
)

const (
	// DefaultReconnectDelay is the pause between reconnect attempts.
	DefaultReconnectDelay = 2 * time.Second
	// DefaultReconnectAttempts bounds automatic reconnection after a stream
	// failure.
	DefaultReconnectAttempts = 5
	// DefaultOpenTimeout bounds how long opening the SSE stream may take.
	DefaultOpenTimeout = 5 * time.Second

	// DefaultSendAttempts and DefaultSendDelay are the POST retry defaults.
	DefaultSendAttempts = 3
	DefaultSendDelay    = time.Second

	// DefaultMessageTTL is the bridge-side lifetime of a posted message.
	DefaultMessageTTL = 300 * time.Second

	readBufferSize = 4096
)

var (
	// ErrGatewayClosed is returned by every operation after Close.
	ErrGatewayClosed = errors.New("gateway closed")

	// ErrReconnectExhausted is reported through the error callback when the
	// stream could not be re-established.
	ErrReconnectExhausted = errors.New("bridge reconnect attempts exhausted")
)

// State is the subscription state of a Gateway.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Handler receives every non-heartbeat SSE record. It runs on the read
// goroutine; the resume cursor has already been persisted when it is called.
type Handler func(ev sse.Event)

// Option configures a Gateway.
type Option func(*Gateway)

// WithStreamClient overrides the HTTP client used for the SSE stream. It
// must not carry a whole-request timeout.
func WithStreamClient(c *http.Client) Option {
	return func(g *Gateway) {
		if c != nil {
			g.stream = c
		}
	}
}

// WithReconnect overrides the reconnect delay and attempt count.
func WithReconnect(delay time.Duration, attempts int) Option {
	return func(g *Gateway) {
		if delay >= 0 {
			g.reconnectDelay = delay
		}
		if attempts > 0 {
			g.reconnectAttempts = attempts
		}
	}
}

// WithOpenTimeout overrides the timeout used when reconnecting.
func WithOpenTimeout(timeout time.Duration) Option {
	return func(g *Gateway) {
		if timeout > 0 {
			g.openTimeout = timeout
		}
	}
}

// WithErrorHandler registers the callback for unrecoverable stream errors.
func WithErrorHandler(fn func(error)) Option {
	return func(g *Gateway) {
		g.onError = fn
	}
}

// Gateway is one bridge connection for one session.
type Gateway struct {
	bridgeURL string
	session   *crypto.SessionCrypto
	store     *storage.Store
	handler   Handler
	onError   func(error)

	stream *http.Client
	http   *resty.Client

	reconnectDelay    time.Duration
	reconnectAttempts int
	openTimeout       time.Duration

	mu              sync.Mutex
	state           State
	gen             uint64
	cancelStream    context.CancelFunc
	cancelReconnect context.CancelFunc
	paused          bool
	closed          bool
	done            chan struct{}
}

// New creates a closed Gateway. Call RegisterSession to start listening.
func New(bridgeURL string, session *crypto.SessionCrypto, store *storage.Store,
	handler Handler, opts ...Option) *Gateway {

	g := &Gateway{
		bridgeURL:         strings.TrimRight(bridgeURL, "/"),
		session:           session,
		store:             store,
		handler:           handler,
		stream:            &http.Client{},
		http:              resty.New().SetTimeout(10*time.Second).SetHeader("User-Agent", version.UserAgent()),
		reconnectDelay:    DefaultReconnectDelay,
		reconnectAttempts: DefaultReconnectAttempts,
		openTimeout:       DefaultOpenTimeout,
		done:              make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// BridgeURL returns the bridge base URL.
func (g *Gateway) BridgeURL() string {
	return g.bridgeURL
}

// State returns the current subscription state.
func (g *Gateway) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// setStateLocked must be called with g.mu held.
func (g *Gateway) setStateLocked(s State) {
	if g.state == StateOpen && s != StateOpen {
		openStreams.Dec()
	}
	if g.state != StateOpen && s == StateOpen {
		openStreams.Inc()
	}
	g.state = s
}

// RegisterSession opens the SSE subscription, resuming from the stored
// cursor. It is a no-op while the gateway is connecting or open. timeout
// bounds the time until the bridge answers with response headers.
func (g *Gateway) RegisterSession(ctx context.Context, timeout time.Duration) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	if g.state != StateClosed {
		g.mu.Unlock()
		return nil
	}
	g.setStateLocked(StateConnecting)
	g.gen++
	gen := g.gen
	g.mu.Unlock()

	body, cancel, err := g.open(ctx, timeout)
	if err != nil {
		g.mu.Lock()
		if g.gen == gen {
			g.setStateLocked(StateClosed)
		}
		g.mu.Unlock()
		return err
	}

	g.mu.Lock()
	if g.closed || g.gen != gen {
		// Closed or paused while the request was in flight.
		closed := g.closed
		g.mu.Unlock()
		cancel()
		body.Close()
		if closed {
			return ErrGatewayClosed
		}
		return nil
	}
	g.cancelStream = cancel
	g.setStateLocked(StateOpen)
	g.mu.Unlock()

	logger.Debugf("bridge %s: subscribed as %s", g.bridgeURL, g.session.SessionID())

	go g.readLoop(gen, body)
	return nil
}

func (g *Gateway) open(ctx context.Context, timeout time.Duration) (io.ReadCloser,
	context.CancelFunc, error) {

	lastEventID, err := g.store.LastEventID(ctx)
	if err != nil {
		return nil, nil, err
	}

	query := url.Values{}
	query.Set("client_id", g.session.SessionID())
	if lastEventID != "" {
		query.Set("last_event_id", lastEventID)
	}
	endpoint := g.bridgeURL + "/events?" + query.Encode()

	// The stream outlives ctx; ctx and timeout only bound the open.
	streamCtx, cancel := context.WithCancel(context.Background())
	stopCtx := context.AfterFunc(ctx, cancel)
	var timer *time.Timer
	if timeout > 0 {
		timer = time.AfterFunc(timeout, cancel)
	}
	timedOut := func() bool {
		return timer != nil && !timer.Stop()
	}

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		stopCtx()
		cancel()
		return nil, nil, fmt.Errorf("failed to build subscribe request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	req.Header.Set("User-Agent", version.UserAgent())

	resp, err := g.stream.Do(req)
	expired := timedOut()
	stopCtx()
	if err != nil {
		cancel()
		if expired {
			return nil, nil, fmt.Errorf("bridge %s: subscribe timed out after %s", g.bridgeURL, timeout)
		}
		return nil, nil, fmt.Errorf("bridge %s: subscribe failed: %w", g.bridgeURL, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("bridge %s: subscribe returned %d: %s", g.bridgeURL,
			resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if expired {
		resp.Body.Close()
		cancel()
		return nil, nil, fmt.Errorf("bridge %s: subscribe timed out after %s", g.bridgeURL, timeout)
	}
	return resp.Body, cancel, nil
}

func (g *Gateway) current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.closed && g.gen == gen
}

func (g *Gateway) readLoop(gen uint64, body io.ReadCloser) {
	defer body.Close()

	dec := sse.NewDecoder()
	buf := make([]byte, readBufferSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			for _, ev := range dec.Feed(buf[:n]) {
				if !g.current(gen) {
					return
				}
				g.dispatch(ev)
			}
		}
		if err == nil {
			continue
		}
		if !g.current(gen) {
			return
		}
		for _, ev := range dec.Flush() {
			g.dispatch(ev)
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		g.streamFailed(gen, err)
		return
	}
}

func (g *Gateway) dispatch(ev sse.Event) {
	if sse.IsHeartbeat(ev) {
		heartbeats.WithLabelValues(g.bridgeURL).Inc()
		return
	}
	if ev.ID != "" {
		if err := g.store.SetLastEventID(context.Background(), ev.ID); err != nil {
			logger.Warnf("bridge %s: failed to persist event id %s: %v", g.bridgeURL, ev.ID, err)
		}
	}
	eventsReceived.WithLabelValues(g.bridgeURL).Inc()

	if g.handler != nil {
		g.handler(ev)
	}
}

func (g *Gateway) streamFailed(gen uint64, cause error) {
	g.mu.Lock()
	if g.closed || g.gen != gen {
		g.mu.Unlock()
		return
	}
	if g.cancelStream != nil {
		g.cancelStream()
		g.cancelStream = nil
	}
	g.setStateLocked(StateClosed)
	if g.paused {
		g.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	g.cancelReconnect = cancel
	g.mu.Unlock()

	logger.Warnf("bridge %s: stream lost: %v", g.bridgeURL, cause)
	g.reconnect(ctx, cause)
}

// reconnect retries RegisterSession with a fixed delay. It stops early when
// the gateway is paused or closed.
func (g *Gateway) reconnect(ctx context.Context, cause error) {
	lastErr := cause
	for attempt := 1; attempt <= g.reconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-g.done:
			return
		case <-time.After(g.reconnectDelay):
		}

		err := g.RegisterSession(ctx, g.openTimeout)
		if ctx.Err() != nil || errors.Is(err, ErrGatewayClosed) {
			return
		}
		if err == nil {
			reconnects.WithLabelValues(g.bridgeURL, "ok").Inc()
			logger.Infof("bridge %s: reconnected after %d attempt(s)", g.bridgeURL, attempt)
			return
		}
		reconnects.WithLabelValues(g.bridgeURL, "failed").Inc()
		logger.Debugf("bridge %s: reconnect attempt %d/%d failed: %v", g.bridgeURL,
			attempt, g.reconnectAttempts, err)
		lastErr = err
	}

	reconnects.WithLabelValues(g.bridgeURL, "exhausted").Inc()
	err := fmt.Errorf("%w: %s: %w", ErrReconnectExhausted, g.bridgeURL, lastErr)
	logger.Errorf("%v", err)
	if g.onError != nil {
		g.onError(err)
	}
}

// Send posts msg to receiver (hex public key). Failed attempts are retried
// after delay until attempts is exhausted.
func (g *Gateway) Send(ctx context.Context, msg []byte, receiver, topic string,
	ttl time.Duration, attempts int, delay time.Duration) error {

	if g.isClosed() {
		return ErrGatewayClosed
	}
	if attempts <= 0 {
		attempts = 1
	}
	if ttl <= 0 {
		ttl = DefaultMessageTTL
	}

	params := map[string]string{
		"client_id": g.session.SessionID(),
		"to":        receiver,
		"ttl":       strconv.FormatInt(int64(ttl/time.Second), 10),
	}
	if topic != "" {
		params["topic"] = topic
	}
	body := base64.StdEncoding.EncodeToString(msg)

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if g.isClosed() {
			return ErrGatewayClosed
		}

		lastErr = g.post(ctx, params, body)
		if lastErr == nil {
			sendAttempts.WithLabelValues(g.bridgeURL, "ok").Inc()
			return nil
		}
		sendAttempts.WithLabelValues(g.bridgeURL, "error").Inc()
		logger.Debugf("bridge %s: send attempt %d/%d failed: %v", g.bridgeURL, attempt,
			attempts, lastErr)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-g.done:
			return ErrGatewayClosed
		case <-time.After(delay):
		}
	}
	return fmt.Errorf("failed to send message via %s after %d attempt(s): %w",
		g.bridgeURL, attempts, lastErr)
}

func (g *Gateway) post(ctx context.Context, params map[string]string, body string) error {
	res, err := g.http.R().
		SetContext(ctx).
		SetQueryParams(params).
		SetHeader("Content-Type", "text/plain").
		SetBody(body).
		Post(g.bridgeURL + "/message")
	if err != nil {
		return err
	}
	if res.IsError() {
		return fmt.Errorf("bridge returned %s: %s", res.Status(), strings.TrimSpace(res.String()))
	}
	return nil
}

func (g *Gateway) isClosed() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closed
}

// stopLocked tears down the subscription and any reconnect in flight.
// Must be called with g.mu held.
func (g *Gateway) stopLocked() {
	g.gen++
	if g.cancelStream != nil {
		g.cancelStream()
		g.cancelStream = nil
	}
	if g.cancelReconnect != nil {
		g.cancelReconnect()
		g.cancelReconnect = nil
	}
	g.setStateLocked(StateClosed)
}

// Pause stops listening. The stored resume cursor is kept.
func (g *Gateway) Pause() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.paused = true
	g.stopLocked()
}

// Unpause resumes listening from the stored cursor.
func (g *Gateway) Unpause(ctx context.Context) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrGatewayClosed
	}
	g.paused = false
	g.mu.Unlock()
	return g.RegisterSession(ctx, g.openTimeout)
}

// Close permanently shuts the gateway down. It does not wait for the read
// goroutine, which may be the caller.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	g.stopLocked()
	close(g.done)
	g.mu.Unlock()

	if err := g.http.Close(); err != nil {
		logger.Debugf("bridge %s: failed to close http client: %v", g.bridgeURL, err)
	}
	g.stream.CloseIdleConnections()
	logger.Debugf("bridge %s: closed", g.bridgeURL)
}
