// Package storage persists TON Connect connection state behind a minimal
// key-value contract.
//
// Backends only implement Storage. Store layers the session-scoped keys, the
// Connection tagged union and pending-record expiry on top of any backend.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bhandras/tonconnect/pkg/logger"
)

// DefaultPendingTTL is how long a pending connection stays valid.
const DefaultPendingTTL = 15 * time.Minute

const (
	keyPrefix         = "tonconnect"
	connectionSuffix  = "connection"
	lastEventIDSuffix = "last_event_id"
)

// Storage is the key-value contract every backend implements. Backends must
// serialize concurrent mutations of the same key.
type Storage interface {
	// SetItem stores value under key, overwriting any previous value.
	SetItem(ctx context.Context, key, value string) error
	// GetItem returns the value under key. ok is false when absent.
	GetItem(ctx context.Context, key string) (value string, ok bool, err error)
	// RemoveItem deletes key. Removing an absent key is not an error.
	RemoveItem(ctx context.Context, key string) error
}

// Store scopes a backend to one session key.
type Store struct {
	backend    Storage
	sessionKey string
	pendingTTL time.Duration
	now        func() time.Time
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithPendingTTL overrides DefaultPendingTTL.
func WithPendingTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.pendingTTL = ttl
		}
	}
}

// WithClock overrides time.Now, used for pending expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore returns a Store for sessionKey on top of backend.
func NewStore(backend Storage, sessionKey string, opts ...StoreOption) *Store {
	s := &Store{
		backend:    backend,
		sessionKey: sessionKey,
		pendingTTL: DefaultPendingTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SessionKey returns the scope of this store.
func (s *Store) SessionKey() string {
	return s.sessionKey
}

func (s *Store) key(suffix string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, s.sessionKey, suffix)
}

// Connection returns the stored connection, or nil when there is none. An
// expired pending record is deleted and reported as absent.
func (s *Store) Connection(ctx context.Context) (Connection, error) {
	raw, ok, err := s.backend.GetItem(ctx, s.key(connectionSuffix))
	if err != nil {
		return nil, fmt.Errorf("failed to read connection: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}

	conn, err := decodeConnection([]byte(raw))
	if err != nil {
		return nil, err
	}

	switch c := conn.(type) {
	case *PendingConnection:
		if c.Expired(s.now(), s.pendingTTL) {
			logger.Debugf("pending connection for %s expired, removing", s.sessionKey)
			if err := s.RemoveConnection(ctx); err != nil {
				return nil, err
			}
			return nil, nil
		}
		return c, nil
	case *ActiveConnection:
		cursor, err := s.cursor(ctx)
		if err != nil {
			return nil, err
		}
		if cursor != "" {
			c.LastEventID = cursor
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}
}

// SaveConnection overwrites the stored connection.
func (s *Store) SaveConnection(ctx context.Context, conn Connection) error {
	raw, err := encodeConnection(conn)
	if err != nil {
		return err
	}
	if err := s.backend.SetItem(ctx, s.key(connectionSuffix), string(raw)); err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}
	return nil
}

// RemoveConnection deletes the connection and the SSE resume cursor.
func (s *Store) RemoveConnection(ctx context.Context) error {
	errConn := s.backend.RemoveItem(ctx, s.key(connectionSuffix))
	errID := s.backend.RemoveItem(ctx, s.key(lastEventIDSuffix))
	if err := errors.Join(errConn, errID); err != nil {
		return fmt.Errorf("failed to remove connection: %w", err)
	}
	return nil
}

// LastEventID returns the SSE resume cursor, empty when unset. Without a
// cursor key the one recorded in an active connection is used.
func (s *Store) LastEventID(ctx context.Context) (string, error) {
	id, err := s.cursor(ctx)
	if err != nil || id != "" {
		return id, err
	}
	conn, err := s.Connection(ctx)
	if err != nil {
		return "", err
	}
	if active, ok := conn.(*ActiveConnection); ok {
		return active.LastEventID, nil
	}
	return "", nil
}

func (s *Store) cursor(ctx context.Context) (string, error) {
	id, _, err := s.backend.GetItem(ctx, s.key(lastEventIDSuffix))
	if err != nil {
		return "", fmt.Errorf("failed to read last event id: %w", err)
	}
	return id, nil
}

// SetLastEventID persists the SSE resume cursor.
func (s *Store) SetLastEventID(ctx context.Context, id string) error {
	if err := s.backend.SetItem(ctx, s.key(lastEventIDSuffix), id); err != nil {
		return fmt.Errorf("failed to save last event id: %w", err)
	}
	return nil
}

// envelope is the persisted form of a Connection.
type envelope struct {
	Type       string          `json:"type"`
	Connection json.RawMessage `json:"connection"`
}

func encodeConnection(conn Connection) ([]byte, error) {
	var typ string
	switch conn.(type) {
	case *PendingConnection:
		typ = typePending
	case *ActiveConnection:
		typ = typeActive
	default:
		return nil, fmt.Errorf("unexpected connection type %T", conn)
	}

	body, err := json.Marshal(conn)
	if err != nil {
		return nil, fmt.Errorf("failed to encode connection: %w", err)
	}
	return json.Marshal(envelope{Type: typ, Connection: body})
}

func decodeConnection(raw []byte) (Connection, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode connection: %w", err)
	}

	var conn Connection
	switch env.Type {
	case typePending:
		conn = &PendingConnection{}
	case typeActive:
		conn = &ActiveConnection{}
	default:
		return nil, fmt.Errorf("unknown connection type %q", env.Type)
	}
	if err := json.Unmarshal(env.Connection, conn); err != nil {
		return nil, fmt.Errorf("failed to decode %s connection: %w", env.Type, err)
	}
	return conn, nil
}
