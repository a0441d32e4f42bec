package sessions

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/haasonsaas/chatline/internal/storage"
)

// ErrLockTimeout is returned when acquiring a lock times out.
var ErrLockTimeout = errors.New("sessions: lock acquisition timeout")

// Locker serializes turns per conversation. Every turn and every scheduled
// fire holds the conversation's lock for its whole duration.
type Locker interface {
	Lock(ctx context.Context, conversationID string) error
	Unlock(conversationID string)
}

// LocalLocker is an in-process, ref-counted per-conversation mutex. Entries
// are dropped once no holder or waiter references them.
type LocalLocker struct {
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*localLock
}

type localLock struct {
	token chan struct{}
	refs  int
}

// NewLocalLocker creates a LocalLocker. A positive timeout bounds how long
// Lock waits; zero waits until ctx is done.
func NewLocalLocker(timeout time.Duration) *LocalLocker {
	return &LocalLocker{
		timeout: timeout,
		locks:   make(map[string]*localLock),
	}
}

// Lock acquires the conversation lock or fails when ctx ends first.
func (l *LocalLocker) Lock(ctx context.Context, conversationID string) error {
	if l == nil {
		return errors.New("conversation locker unavailable")
	}

	l.mu.Lock()
	lock, ok := l.locks[conversationID]
	if !ok {
		lock = &localLock{token: make(chan struct{}, 1)}
		l.locks[conversationID] = lock
	}
	lock.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.timeout > 0 {
		timer := time.NewTimer(l.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case lock.token <- struct{}{}:
		return nil
	case <-ctx.Done():
		l.release(conversationID, lock)
		return ctx.Err()
	case <-timeout:
		l.release(conversationID, lock)
		return ErrLockTimeout
	}
}

// Unlock releases the conversation lock.
func (l *LocalLocker) Unlock(conversationID string) {
	if l == nil {
		return
	}
	l.mu.Lock()
	lock, ok := l.locks[conversationID]
	l.mu.Unlock()
	if !ok {
		return
	}
	select {
	case <-lock.token:
	default:
		return
	}
	l.release(conversationID, lock)
}

func (l *LocalLocker) release(conversationID string, lock *localLock) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock.refs--
	if lock.refs <= 0 && l.locks[conversationID] == lock {
		delete(l.locks, conversationID)
	}
}

// held returns the number of conversations with a holder or waiter.
func (l *LocalLocker) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// DBLockerConfig configures the DB-backed conversation lock.
type DBLockerConfig struct {
	OwnerID         string
	TTL             time.Duration
	RefreshInterval time.Duration
	AcquireTimeout  time.Duration
	PollInterval    time.Duration
}

// DefaultDBLockerConfig returns default settings for DBLocker.
func DefaultDBLockerConfig() DBLockerConfig {
	return DBLockerConfig{
		TTL:             2 * time.Minute,
		RefreshInterval: 30 * time.Second,
		AcquireTimeout:  10 * time.Second,
		PollInterval:    200 * time.Millisecond,
	}
}

// DBLocker implements a lease lock in the conversation_locks table so that
// several processes sharing one database serialize turns. Leases are renewed
// while held and expire after TTL if the holder dies.
//
// A DBLocker is not reentrant within one process; pair it with LocalLocker
// through ChainLocker when a process runs concurrent turns.
type DBLocker struct {
	db     *storage.DB
	config DBLockerConfig

	mu     sync.Mutex
	renew  map[string]context.CancelFunc
	closed bool
}

// NewDBLocker creates a new DB-backed conversation locker.
func NewDBLocker(db *storage.DB, cfg DBLockerConfig) (*DBLocker, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if cfg.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	defaults := DefaultDBLockerConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = defaults.TTL
	}
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = defaults.RefreshInterval
	}
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = defaults.AcquireTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}

	return &DBLocker{
		db:     db,
		config: cfg,
		renew:  make(map[string]context.CancelFunc),
	}, nil
}

// Lock attempts to acquire a DB-backed lock with lease renewal.
func (l *DBLocker) Lock(ctx context.Context, conversationID string) error {
	if l == nil {
		return errors.New("conversation locker unavailable")
	}
	if strings.TrimSpace(conversationID) == "" {
		return errors.New("conversation_id is required")
	}

	deadline := time.Now().Add(l.config.AcquireTimeout)
	for {
		ok, err := l.tryAcquire(ctx, conversationID)
		if err != nil {
			return err
		}
		if ok {
			l.startRenew(conversationID)
			return nil
		}

		if time.Now().After(deadline) {
			return ErrLockTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.config.PollInterval):
		}
	}
}

// Unlock releases a DB-backed lock.
func (l *DBLocker) Unlock(conversationID string) {
	if l == nil {
		return
	}
	l.stopRenew(conversationID)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	// Best-effort; a failed delete expires via TTL.
	_, _ = l.db.ExecContext(ctx, l.db.Rebind(`
		DELETE FROM conversation_locks
		WHERE conversation_id = ? AND owner_id = ?
	`), conversationID, l.config.OwnerID)
}

// Close stops all renew loops.
func (l *DBLocker) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	for _, cancel := range l.renew {
		cancel()
	}
	l.renew = make(map[string]context.CancelFunc)
	return nil
}

func (l *DBLocker) tryAcquire(ctx context.Context, conversationID string) (bool, error) {
	now := time.Now().UTC()
	expiresAt := now.Add(l.config.TTL)
	var owner string
	err := l.db.QueryRowContext(ctx, l.db.Rebind(`
		INSERT INTO conversation_locks (conversation_id, owner_id, acquired_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (conversation_id) DO UPDATE
		SET owner_id = excluded.owner_id,
			acquired_at = excluded.acquired_at,
			expires_at = excluded.expires_at
		WHERE conversation_locks.expires_at < excluded.acquired_at
		RETURNING owner_id
	`), conversationID, l.config.OwnerID, now, expiresAt).Scan(&owner)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return owner == l.config.OwnerID, nil
}

func (l *DBLocker) startRenew(conversationID string) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	if _, ok := l.renew[conversationID]; ok {
		l.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	l.renew[conversationID] = cancel
	l.mu.Unlock()

	go l.renewLoop(ctx, conversationID)
}

func (l *DBLocker) stopRenew(conversationID string) {
	l.mu.Lock()
	cancel, ok := l.renew[conversationID]
	if ok {
		delete(l.renew, conversationID)
	}
	l.mu.Unlock()
	if ok {
		cancel()
	}
}

func (l *DBLocker) renewLoop(ctx context.Context, conversationID string) {
	ticker := time.NewTicker(l.config.RefreshInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.extendLease(ctx, conversationID) {
				l.stopRenew(conversationID)
				return
			}
		}
	}
}

func (l *DBLocker) extendLease(ctx context.Context, conversationID string) bool {
	expiresAt := time.Now().UTC().Add(l.config.TTL)
	result, err := l.db.ExecContext(ctx, l.db.Rebind(`
		UPDATE conversation_locks
		SET expires_at = ?
		WHERE conversation_id = ? AND owner_id = ?
	`), expiresAt, conversationID, l.config.OwnerID)
	if err != nil {
		return false
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false
	}
	return rows > 0
}

// ChainLocker acquires each locker in order and releases in reverse. The
// usual chain is a LocalLocker for in-process waiters followed by a
// DBLocker for cross-process exclusion.
type ChainLocker []Locker

// Lock acquires every locker or none.
func (c ChainLocker) Lock(ctx context.Context, conversationID string) error {
	for i, l := range c {
		if err := l.Lock(ctx, conversationID); err != nil {
			for j := i - 1; j >= 0; j-- {
				c[j].Unlock(conversationID)
			}
			return err
		}
	}
	return nil
}

// Unlock releases every locker in reverse order.
func (c ChainLocker) Unlock(conversationID string) {
	for i := len(c) - 1; i >= 0; i-- {
		c[i].Unlock(conversationID)
	}
}
