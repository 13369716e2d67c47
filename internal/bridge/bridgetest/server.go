// Package bridgetest provides an in-process TON Connect bridge and a fake
// wallet for tests.
package bridgetest

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"

	"github.com/bhandras/tonconnect/internal/crypto"
	"github.com/bhandras/tonconnect/pkg/wire"
)

// Posted is one message received on POST /message.
type Posted struct {
	From    string
	To      string
	Topic   string
	TTL     string
	Message []byte
}

type record struct {
	id   int64
	data string
}

// Server is a minimal HTTP bridge. Messages are kept per receiver so a
// subscriber resuming with last_event_id gets everything it missed.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	nextID      int64
	backlog     map[string][]record
	subscribers map[string]map[chan record]struct{}
	subscribes  []subscribeCall
	posted      []Posted

	// OnMessage, when set, is called for every posted message outside the
	// server lock.
	OnMessage func(Posted)
}

type subscribeCall struct {
	clientID    string
	lastEventID string
}

// NewServer starts a bridge. Callers must Close it.
func NewServer() *Server {
	s := &Server{
		backlog:     make(map[string][]record),
		subscribers: make(map[string]map[chan record]struct{}),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleEvents)
	mux.HandleFunc("/message", s.handleMessage)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	clientID := r.URL.Query().Get("client_id")
	lastID, _ := strconv.ParseInt(r.URL.Query().Get("last_event_id"), 10, 64)

	ch := make(chan record, 64)
	s.mu.Lock()
	s.subscribes = append(s.subscribes, subscribeCall{clientID: clientID,
		lastEventID: r.URL.Query().Get("last_event_id")})
	var replay []record
	for _, rec := range s.backlog[clientID] {
		if rec.id > lastID {
			replay = append(replay, rec)
		}
	}
	if s.subscribers[clientID] == nil {
		s.subscribers[clientID] = make(map[chan record]struct{})
	}
	s.subscribers[clientID][ch] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.subscribers[clientID], ch)
		s.mu.Unlock()
	}()

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	_, _ = io.WriteString(w, "data: heartbeat\n\n")
	flusher.Flush()

	write := func(rec record) {
		_, _ = fmt.Fprintf(w, "id: %d\ndata: %s\n\n", rec.id, rec.data)
		flusher.Flush()
	}
	for _, rec := range replay {
		write(rec)
	}
	for {
		select {
		case <-r.Context().Done():
			return
		case rec := <-ch:
			write(rec)
		}
	}
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := base64.StdEncoding.DecodeString(string(body))
	if err != nil {
		http.Error(w, "invalid base64", http.StatusBadRequest)
		return
	}

	p := Posted{
		From:    q.Get("client_id"),
		To:      q.Get("to"),
		Topic:   q.Get("topic"),
		TTL:     q.Get("ttl"),
		Message: msg,
	}
	s.mu.Lock()
	s.posted = append(s.posted, p)
	hook := s.OnMessage
	s.mu.Unlock()

	s.Push(p.From, p.To, msg)
	w.WriteHeader(http.StatusOK)

	if hook != nil {
		hook(p)
	}
}

// Push delivers ciphertext from one client to another, as the bridge does
// for a posted message.
func (s *Server) Push(from, to string, ciphertext []byte) {
	data, _ := json.Marshal(wire.BridgeMessage{
		From:    from,
		Message: base64.StdEncoding.EncodeToString(ciphertext),
	})

	s.mu.Lock()
	s.nextID++
	rec := record{id: s.nextID, data: string(data)}
	s.backlog[to] = append(s.backlog[to], rec)
	subs := make([]chan record, 0, len(s.subscribers[to]))
	for ch := range s.subscribers[to] {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- rec:
		default:
		}
	}
}

// Subscribers returns the number of open streams for clientID.
func (s *Server) Subscribers(clientID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subscribers[clientID])
}

// LastEventIDs returns the last_event_id of every subscribe call made by
// clientID, in order.
func (s *Server) LastEventIDs(clientID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for _, u := range s.subscribes {
		if u.clientID == clientID {
			ids = append(ids, u.lastEventID)
		}
	}
	return ids
}

// Posted returns every message posted so far.
func (s *Server) Posted() []Posted {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Posted(nil), s.posted...)
}

// SetOnMessage replaces the OnMessage hook.
func (s *Server) SetOnMessage(fn func(Posted)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OnMessage = fn
}

// Wallet is the wallet side of a session.
type Wallet struct {
	Session *crypto.SessionCrypto
}

// NewWallet generates a wallet session keypair.
func NewWallet() (*Wallet, error) {
	session, err := crypto.NewSessionCrypto()
	if err != nil {
		return nil, err
	}
	return &Wallet{Session: session}, nil
}

// Send encrypts v as JSON for the app session and pushes it through srv.
func (w *Wallet) Send(srv *Server, appSessionID string, v any) error {
	plain, err := json.Marshal(v)
	if err != nil {
		return err
	}
	peer, err := crypto.ParsePublicKey(appSessionID)
	if err != nil {
		return err
	}
	ct, err := w.Session.Encrypt(plain, peer)
	if err != nil {
		return err
	}
	srv.Push(w.Session.SessionID(), appSessionID, ct)
	return nil
}

// Request decrypts an app -> wallet message.
func (w *Wallet) Request(p Posted) (wire.RPCRequest, error) {
	var req wire.RPCRequest
	peer, err := crypto.ParsePublicKey(p.From)
	if err != nil {
		return req, err
	}
	plain, err := w.Session.Decrypt(p.Message, peer)
	if err != nil {
		return req, err
	}
	err = json.Unmarshal(plain, &req)
	return req, err
}

// ConnectEvent builds a successful connect event for address on network.
func ConnectEvent(id int64, address string, network wire.Network) map[string]any {
	return map[string]any{
		"event": wire.EventConnect,
		"id":    id,
		"payload": map[string]any{
			"items": []any{map[string]any{
				"name":            wire.ItemTonAddr,
				"address":         address,
				"network":         network,
				"publicKey":       "00",
				"walletStateInit": "",
			}},
			"device": map[string]any{
				"platform":           "linux",
				"appName":            "testwallet",
				"appVersion":         "1.0.0",
				"maxProtocolVersion": 2,
				"features": []any{
					"SendTransaction",
					map[string]any{"name": wire.FeatureSendTransaction, "maxMessages": 4},
					map[string]any{"name": wire.FeatureSignData, "types": []string{"text", "binary"}},
				},
			},
		},
	}
}
