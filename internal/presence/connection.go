package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrDisconnected indicates an operation on a connection whose lease has ended.
var ErrDisconnected = errors.New("presence: connection closed")

// Connection is a client session with the realtime store. It holds a lease key
// in Redis; writes staged with OnDisconnect are committed by the server when
// the lease lapses (see Reaper) or when the connection is closed.
type Connection struct {
	id     string
	userID string
	store  *Store

	mu     sync.Mutex
	closed bool
	done   chan struct{}
}

// Connect returns the live connection of the user, extending its lease, or
// opens a new one when there is none or its lease has already lapsed.
func (s *Store) Connect(ctx context.Context, userID string) (*Connection, error) {
	if userID == "" {
		return nil, ErrMissingUserID
	}

	s.mu.Lock()
	existing := s.connections[userID]
	s.mu.Unlock()
	if existing != nil && existing.Connected() {
		err := existing.Refresh(ctx)
		if err == nil {
			return existing, nil
		}
		if !errors.Is(err, ErrDisconnected) {
			return nil, err
		}
	}

	connectionID, err := s.newID()
	if err != nil {
		return nil, fmt.Errorf("presence: connection id: %w", err)
	}
	conn := &Connection{
		id:     connectionID,
		userID: userID,
		store:  s,
		done:   make(chan struct{}),
	}
	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.leaseKey(connectionID), userID, s.leaseTTL)
	pipe.SAdd(ctx, s.activeConnectionsKey(), connectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("presence: open connection for %s: %w", userID, err)
	}

	s.mu.Lock()
	if previous := s.connections[userID]; previous != nil && previous != conn {
		previous.markClosed()
	}
	s.connections[userID] = conn
	s.mu.Unlock()

	s.logger.Debug("presence connection opened",
		zap.String("user_id", userID), zap.String("connection_id", connectionID))
	return conn, nil
}

// Connection returns the live connection of the user, if this process holds one.
func (s *Store) Connection(userID string) (*Connection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conn := s.connections[userID]
	if conn == nil || !conn.Connected() {
		return nil, false
	}
	return conn, true
}

// ID returns the connection identifier.
func (c *Connection) ID() string {
	return c.id
}

// UserID returns the user owning the connection.
func (c *Connection) UserID() string {
	return c.userID
}

// Connected reports whether the connection is still considered live.
func (c *Connection) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

// Done is closed once the connection is known to be disconnected.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Refresh extends the lease. It returns ErrDisconnected when the lease is already gone.
func (c *Connection) Refresh(ctx context.Context) error {
	if !c.Connected() {
		return ErrDisconnected
	}
	extended, err := c.store.client.PExpire(ctx, c.store.leaseKey(c.id), c.store.leaseTTL).Result()
	if err != nil {
		return fmt.Errorf("presence: refresh connection %s: %w", c.id, err)
	}
	if !extended {
		c.store.forget(c)
		return ErrDisconnected
	}
	return nil
}

// OnDisconnect stages record to be written when this connection disconnects.
// A later registration for the same user replaces the earlier one.
func (c *Connection) OnDisconnect(ctx context.Context, record Record) error {
	if !c.Connected() {
		return ErrDisconnected
	}
	payload, err := encodeRecord(record)
	if err != nil {
		return err
	}
	if err := c.store.client.HSet(ctx, c.store.stagedKey(c.id), record.User(), payload).Err(); err != nil {
		return fmt.Errorf("presence: stage disconnect write on %s: %w", c.id, err)
	}
	return nil
}

// CancelOnDisconnect drops every staged write of the connection.
func (c *Connection) CancelOnDisconnect(ctx context.Context) error {
	if err := c.store.client.Del(ctx, c.store.stagedKey(c.id)).Err(); err != nil {
		return fmt.Errorf("presence: cancel disconnect writes on %s: %w", c.id, err)
	}
	return nil
}

// Close ends the connection gracefully and commits its staged writes immediately.
func (c *Connection) Close(ctx context.Context) error {
	if !c.Connected() {
		return nil
	}
	c.store.forget(c)
	if err := c.store.client.Del(ctx, c.store.leaseKey(c.id)).Err(); err != nil {
		return fmt.Errorf("presence: release lease %s: %w", c.id, err)
	}
	_, err := c.store.commitStaged(ctx, c.id)
	return err
}

// Abandon forgets the connection locally without touching Redis, as a crashed
// client would. The staged writes are committed once the lease lapses.
func (c *Connection) Abandon() {
	c.store.forget(c)
}

func (c *Connection) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.done)
}

func (s *Store) forget(conn *Connection) {
	conn.markClosed()
	s.mu.Lock()
	if s.connections[conn.userID] == conn {
		delete(s.connections, conn.userID)
	}
	s.mu.Unlock()
}

func (s *Store) forgetByID(connectionID string) {
	s.mu.Lock()
	var target *Connection
	for _, conn := range s.connections {
		if conn.id == connectionID {
			target = conn
			break
		}
	}
	s.mu.Unlock()
	if target != nil {
		s.forget(target)
	}
}

// commitStaged applies the staged writes of a connection and retires it. A staged
// write is skipped when the user's current record is online through a different
// connection, so a stale session cannot take a newer one offline.
func (s *Store) commitStaged(ctx context.Context, connectionID string) (int, error) {
	stagedKey := s.stagedKey(connectionID)
	staged, err := s.client.HGetAll(ctx, stagedKey).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: load staged writes of %s: %w", connectionID, err)
	}

	committed := 0
	for userID, payload := range staged {
		applied, err := s.commitOne(ctx, connectionID, userID, []byte(payload))
		if err != nil {
			s.logger.Warn("disconnect write failed",
				zap.String("connection_id", connectionID), zap.String("user_id", userID), zap.Error(err))
			continue
		}
		if applied {
			committed++
		}
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, stagedKey)
	pipe.SRem(ctx, s.activeConnectionsKey(), connectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return committed, fmt.Errorf("presence: retire connection %s: %w", connectionID, err)
	}
	return committed, nil
}

func (s *Store) commitOne(ctx context.Context, connectionID, userID string, payload []byte) (bool, error) {
	key := s.presenceKey()
	applied := false
	txn := func(tx *redis.Tx) error {
		current, err := tx.HGet(ctx, key, userID).Bytes()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if err == nil {
			record, decodeErr := decodeRecord(userID, current)
			if decodeErr == nil {
				if online, ok := record.(Online); ok && online.ConnectionID != connectionID {
					return nil
				}
			}
		}
		stamped, err := s.stampStaged(userID, payload)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, key, userID, stamped)
			pipe.Publish(ctx, s.changesChannel(), userID)
			return nil
		})
		if err == nil {
			applied = true
		}
		return err
	}
	for attempt := 0; attempt < maxRMWAttempts; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return applied, err
	}
	return false, redis.TxFailedErr
}

// stampStaged moves the lastChanged time of a staged record to the moment it is
// committed, which is when the disconnect is observed.
func (s *Store) stampStaged(userID string, payload []byte) ([]byte, error) {
	record, err := decodeRecord(userID, payload)
	if err != nil {
		return nil, err
	}
	switch typed := record.(type) {
	case Offline:
		typed.Changed = s.now()
		record = typed
	case Online:
		typed.Changed = s.now()
		record = typed
	}
	return encodeRecord(record)
}

func newConnectionID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}
