package services

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"strconv"
	"sync"
	"time"

	"packplanner/internal/observability"
	contextutils "packplanner/internal/utils"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// UserLocker serializes planning per user. Acquisition never blocks: a held
// lock is reported with ok=false and the caller surfaces a planning conflict.
type UserLocker interface {
	TryAcquireUserLock(ctx context.Context, userID int) (release func(), ok bool, err error)
	IsLocked(ctx context.Context, userID int) (bool, error)
}

// MemoryUserLocker is a process-local locker for tests and single-node deployments
type MemoryUserLocker struct {
	mu     sync.Mutex
	locked map[int]struct{}
}

// NewMemoryUserLocker creates an in-process locker
func NewMemoryUserLocker() *MemoryUserLocker {
	return &MemoryUserLocker{locked: make(map[int]struct{})}
}

// TryAcquireUserLock takes the user's lock if it is free
func (l *MemoryUserLocker) TryAcquireUserLock(_ context.Context, userID int) (func(), bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locked[userID]; held {
		return nil, false, nil
	}
	l.locked[userID] = struct{}{}
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.locked, userID)
			l.mu.Unlock()
		})
	}, true, nil
}

// IsLocked reports whether a planning attempt holds the user's lock
func (l *MemoryUserLocker) IsLocked(_ context.Context, userID int) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, held := l.locked[userID]
	return held, nil
}

// planLockNamespace is the first key of the two-key advisory lock, keeping
// planner locks apart from any other advisory lock user of the database.
const planLockNamespace int32 = 0x504c4e // "PLN"

// PostgresUserLocker uses session-level advisory locks. Each held lock pins
// one pooled connection until it is released.
type PostgresUserLocker struct {
	db     *sql.DB
	logger *observability.Logger
}

// NewPostgresUserLocker creates an advisory-lock backed locker
func NewPostgresUserLocker(db *sql.DB, logger *observability.Logger) *PostgresUserLocker {
	return &PostgresUserLocker{db: db, logger: logger}
}

// TryAcquireUserLock runs pg_try_advisory_lock on a dedicated connection
func (l *PostgresUserLocker) TryAcquireUserLock(ctx context.Context, userID int) (release func(), ok bool, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "try_acquire_user_lock", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, contextutils.WrapError(contextutils.ErrDatabaseConnection, err.Error())
	}
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1, $2)`, planLockNamespace, int32(userID)).Scan(&ok); err != nil {
		_ = conn.Close()
		return nil, false, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	if !ok {
		_ = conn.Close()
		return nil, false, nil
	}

	var once sync.Once
	release = func() {
		once.Do(func() {
			// The request context may already be cancelled; unlock regardless.
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var unlocked bool
			if err := conn.QueryRowContext(unlockCtx, `SELECT pg_advisory_unlock($1, $2)`, planLockNamespace, int32(userID)).Scan(&unlocked); err != nil || !unlocked {
				l.logger.Warn(unlockCtx, "Failed to release advisory lock", map[string]interface{}{
					"user_id":  userID,
					"unlocked": unlocked,
					"error":    fmt.Sprint(err),
				})
				// Dropping the session releases the lock
				_ = conn.Raw(func(interface{}) error { return driver.ErrBadConn })
			}
			if err := conn.Close(); err != nil {
				l.logger.Warn(unlockCtx, "Failed to return lock connection", map[string]interface{}{"error": err.Error()})
			}
		})
	}
	return release, true, nil
}

// IsLocked checks pg_locks for a granted advisory lock on the user's key
func (l *PostgresUserLocker) IsLocked(ctx context.Context, userID int) (result0 bool, err error) {
	ctx, span := observability.TraceDatabaseFunction(ctx, "is_user_locked", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	var held bool
	err = l.db.QueryRowContext(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM pg_locks
			WHERE locktype = 'advisory' AND classid = $1::int::oid AND objid = $2::int::oid AND objsubid = 2 AND granted
		)`, planLockNamespace, int32(userID)).Scan(&held)
	if err != nil {
		return false, contextutils.WrapError(contextutils.ErrDatabaseQuery, err.Error())
	}
	return held, nil
}

var releaseUserLockScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisUserLocker uses SET NX PX with a random token, released only by its owner.
// The TTL bounds how long a crashed planner can block the user.
type RedisUserLocker struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
	logger *observability.Logger
}

// NewRedisUserLocker creates a Redis-backed locker; ttl should exceed the planning deadline
func NewRedisUserLocker(client *redis.Client, ttl time.Duration, logger *observability.Logger) *RedisUserLocker {
	return &RedisUserLocker{client: client, ttl: ttl, prefix: "packplanner:plan-lock:", logger: logger}
}

func (l *RedisUserLocker) key(userID int) string {
	return l.prefix + strconv.Itoa(userID)
}

// TryAcquireUserLock sets the user's lock key if absent
func (l *RedisUserLocker) TryAcquireUserLock(ctx context.Context, userID int) (release func(), ok bool, err error) {
	ctx, span := observability.TraceFunction(ctx, "redis", "try_acquire_user_lock", observability.AttributeUserID(userID))
	defer observability.FinishSpan(span, &err)

	token := uuid.NewString()
	ok, err = l.client.SetNX(ctx, l.key(userID), token, l.ttl).Result()
	if err != nil {
		return nil, false, contextutils.WrapError(contextutils.ErrServiceUnavailable, err.Error())
	}
	if !ok {
		return nil, false, nil
	}
	var once sync.Once
	return func() {
		once.Do(func() {
			unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseUserLockScript.Run(unlockCtx, l.client, []string{l.key(userID)}, token).Err(); err != nil {
				l.logger.Warn(unlockCtx, "Failed to release redis user lock", map[string]interface{}{
					"user_id": userID,
					"error":   err.Error(),
				})
			}
		})
	}, true, nil
}

// IsLocked reports whether the user's lock key exists
func (l *RedisUserLocker) IsLocked(ctx context.Context, userID int) (bool, error) {
	n, err := l.client.Exists(ctx, l.key(userID)).Result()
	if err != nil {
		return false, contextutils.WrapError(contextutils.ErrServiceUnavailable, err.Error())
	}
	return n > 0, nil
}
