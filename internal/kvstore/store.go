// Package kvstore provides the resilient Redis client shared by the quota, rate limit and response cache components.
//
// Every public data method on RedisStore swallows store failures and returns a neutral result (absent, false or a
// no-op). The policy lives in a single place, RedisStore.do, so callers only decide whether a neutral result means
// "allow" or "deny".
package kvstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/flowdash-app/flowdash-backend/internal/slogging"
	"github.com/redis/go-redis/v9"
)

// Client is the store surface consumed by the upper components
type Client interface {
	Get(ctx context.Context, key string, dst any) bool
	GetInt(ctx context.Context, key string) (int64, bool)
	Set(ctx context.Context, key string, value any, ttlMinutes int) bool
	Delete(ctx context.Context, key string) bool
	Expire(ctx context.Context, key string, seconds int) bool
	Incr(ctx context.Context, key string, by int64) (int64, bool)
	Exists(ctx context.Context, key string) bool
	Ping(ctx context.Context) bool
	AcquireLock(ctx context.Context, key string, hold, wait time.Duration) (string, bool)
	ReleaseLock(ctx context.Context, key, token string) bool
}

// State is the connection state of a RedisStore
type State int

const (
	// StateDisconnected means no usable client handle exists
	StateDisconnected State = iota
	// StateConnecting means one caller is dialing; others must not dial concurrently
	StateConnecting
	// StateConnected means a verified client handle is available
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
		return "unknown"
	}
}

// Config holds the configuration for the Redis connection
type Config struct {
	Addr     string
	Password string //nolint:gosec // Redis connection password
	DB       int

	// DialTimeout bounds connection establishment and the liveness ping
	DialTimeout time.Duration
	// OpTimeout bounds every individual command
	OpTimeout time.Duration
	// HealthCheckInterval is how long a connected handle is reused before it is pinged again
	HealthCheckInterval time.Duration

	PoolSize     int
	MinIdleConns int
}

func (c Config) withDefaults() Config {
	if c.Addr == "" {
		c.Addr = "localhost:6379"
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 2 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = time.Second
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = 5 * time.Second
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.MinIdleConns < 0 {
		c.MinIdleConns = 0
	}
	return c
}

// FailureRecorder receives a notification for every store operation that degraded to its neutral result
type FailureRecorder interface {
	RecordStoreFailure(ctx context.Context, op string)
}

// ClientHook is applied to every freshly dialed client before it is used, e.g. for tracing instrumentation
type ClientHook func(client *redis.Client) error

// RedisStore is a lazily connected, fail-open Redis client
type RedisStore struct {
	cfg     Config
	logger  *slogging.Logger
	metrics FailureRecorder
	hooks   []ClientHook

	mu        sync.Mutex
	state     State
	client    *redis.Client
	lastCheck time.Time
}

var _ Client = (*RedisStore)(nil)

// NewRedisStore creates a store. No connection is made until the first operation.
func NewRedisStore(cfg Config, logger *slogging.Logger) *RedisStore {
	if logger == nil {
		logger = slogging.Get()
	}
	return &RedisStore{
		cfg:    cfg.withDefaults(),
		logger: logger,
		state:  StateDisconnected,
	}
}

// SetFailureRecorder sets the recorder notified about degraded operations
func (s *RedisStore) SetFailureRecorder(r FailureRecorder) {
	s.metrics = r
}

// AddClientHook registers a hook applied to each new client handle
func (s *RedisStore) AddClientHook(hook ClientHook) {
	s.hooks = append(s.hooks, hook)
}

// State returns the current connection state
func (s *RedisStore) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Close releases the client handle, if any. The store reconnects on the next operation.
func (s *RedisStore) Close() error {
	s.mu.Lock()
	client := s.client
	s.client = nil
	if s.state == StateConnected {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if client == nil {
		return nil
	}
	s.logger.Debug("Closing Redis connection to %s DB=%d", s.cfg.Addr, s.cfg.DB)
	return client.Close()
}

// errConnectInProgress is returned to callers that find another caller dialing
var errConnectInProgress = errors.New("redis connection attempt in progress")

// conn returns a usable client, dialing when disconnected and re-verifying a stale handle
func (s *RedisStore) conn(ctx context.Context) (*redis.Client, error) {
	s.mu.Lock()
	switch s.state {
	case StateConnecting:
		s.mu.Unlock()
		s.logger.Debug("Redis connection attempt already in progress, skipping")
		return nil, errConnectInProgress
	case StateConnected:
		client := s.client
		fresh := time.Since(s.lastCheck) < s.cfg.HealthCheckInterval
		s.mu.Unlock()
		if fresh {
			return client, nil
		}
		if err := s.ping(ctx, client); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			s.logger.Warn("Redis liveness check failed, discarding connection: %v", err)
			s.discard(client)
			return nil, err
		}
		s.mu.Lock()
		if s.client == client {
			s.lastCheck = time.Now()
		}
		s.mu.Unlock()
		return client, nil
	}

	s.state = StateConnecting
	s.mu.Unlock()

	client, err := s.dial(ctx)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.state = StateDisconnected
		s.logger.Warn("Redis unavailable at %s: %v", s.cfg.Addr, err)
		return nil, err
	}
	s.client = client
	s.state = StateConnected
	s.lastCheck = time.Now()
	s.logger.Info("Redis connection established to %s DB=%d", s.cfg.Addr, s.cfg.DB)
	return client, nil
}

func (s *RedisStore) dial(ctx context.Context) (*redis.Client, error) {
	s.logger.Debug("Initializing Redis connection to %s DB=%d", s.cfg.Addr, s.cfg.DB)

	client := redis.NewClient(&redis.Options{
		Addr:         s.cfg.Addr,
		Password:     s.cfg.Password,
		DB:           s.cfg.DB,
		DialTimeout:  s.cfg.DialTimeout,
		ReadTimeout:  s.cfg.OpTimeout,
		WriteTimeout: s.cfg.OpTimeout,
		PoolSize:     s.cfg.PoolSize,
		MinIdleConns: s.cfg.MinIdleConns,
	})

	for _, hook := range s.hooks {
		if err := hook(client); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("failed to apply redis client hook: %w", err)
		}
	}

	if err := s.ping(ctx, client); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}
	return client, nil
}

func (s *RedisStore) ping(ctx context.Context, client *redis.Client) error {
	pingCtx, cancel := context.WithTimeout(ctx, s.cfg.DialTimeout)
	defer cancel()
	return client.Ping(pingCtx).Err()
}

// discard drops client if it is still the current handle
func (s *RedisStore) discard(client *redis.Client) {
	s.mu.Lock()
	current := s.client == client
	if current {
		s.client = nil
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if current {
		_ = client.Close()
	}
}

// markSuspect forces a liveness check before client is reused
func (s *RedisStore) markSuspect(client *redis.Client) {
	s.mu.Lock()
	if s.client == client {
		s.lastCheck = time.Time{}
	}
	s.mu.Unlock()
}

// do runs fn against a live client under the per-operation timeout. It returns false when the store was
// unreachable, fn failed or fn panicked; the failure is logged and never propagated.
func (s *RedisStore) do(ctx context.Context, op string, fn func(ctx context.Context, c *redis.Client) error) bool {
	err := s.exec(ctx, op, fn)
	if errors.Is(err, errConnectInProgress) {
		s.recordFailure(ctx, op)
	}
	return err == nil
}

// exec is do with the cause kept. A connection attempt in flight is returned as errConnectInProgress
// without being logged or counted, so callers with a wait budget can retry instead of giving up.
func (s *RedisStore) exec(ctx context.Context, op string, fn func(ctx context.Context, c *redis.Client) error) (err error) {
	client, err := s.conn(ctx)
	if err != nil {
		if !errors.Is(err, errConnectInProgress) {
			s.recordFailure(ctx, op)
		}
		return err
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Redis %s panicked: %v", op, r)
			s.recordFailure(ctx, op)
			err = fmt.Errorf("redis %s panicked: %v", op, r)
		}
	}()

	opCtx, cancel := context.WithTimeout(ctx, s.cfg.OpTimeout)
	defer cancel()

	if err := fn(opCtx, client); err != nil {
		s.logger.Warn("Redis %s failed: %v", op, err)
		if ctx.Err() == nil {
			s.markSuspect(client)
		}
		s.recordFailure(ctx, op)
		return err
	}
	return nil
}

func (s *RedisStore) recordFailure(ctx context.Context, op string) {
	if s.metrics != nil {
		s.metrics.RecordStoreFailure(ctx, op)
	}
}

func (s *RedisStore) getRaw(ctx context.Context, op, key string) ([]byte, bool) {
	var raw []byte
	found := false
	ok := s.do(ctx, op, func(ctx context.Context, c *redis.Client) error {
		b, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}
		raw, found = b, true
		return nil
	})
	return raw, ok && found
}

// Get decodes the JSON document stored at key into dst, which must be a non-nil pointer.
// An entry that fails to decode is deleted and reported as absent; dst is left untouched in that case.
func (s *RedisStore) Get(ctx context.Context, key string, dst any) bool {
	target := reflect.ValueOf(dst)
	if target.Kind() != reflect.Pointer || target.IsNil() {
		s.logger.Error("Redis get for key %s called with non-pointer destination %T", key, dst)
		return false
	}

	raw, found := s.getRaw(ctx, "get", key)
	if !found {
		s.logger.Debug("Cache miss for key %s", key)
		return false
	}

	decoded := reflect.New(target.Elem().Type())
	if err := json.Unmarshal(raw, decoded.Interface()); err != nil {
		s.logger.Warn("Corrupt cache entry at %s, deleting: %v", key, err)
		s.Delete(ctx, key)
		return false
	}
	target.Elem().Set(decoded.Elem())
	s.logger.Debug("Cache hit for key %s", key)
	return true
}

// GetInt reads an integer written either as a plain number or as a JSON document holding a bare integer
// or an object with a "count" field
func (s *RedisStore) GetInt(ctx context.Context, key string) (int64, bool) {
	raw, found := s.getRaw(ctx, "get_int", key)
	if !found {
		return 0, false
	}

	if n, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64); err == nil {
		return n, true
	}

	if n, ok := decodeIntDocument(raw); ok {
		return n, true
	}

	s.logger.Warn("Corrupt integer entry at %s, deleting", key)
	s.Delete(ctx, key)
	return 0, false
}

func decodeIntDocument(raw []byte) (int64, bool) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return 0, false
	}
	if m, ok := doc.(map[string]any); ok {
		doc = m["count"]
	}
	f, ok := doc.(float64)
	if !ok || f != math.Trunc(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return int64(f), true
}

// Set stores value at key. Integers are written as plain decimal strings, everything else as JSON.
// ttlMinutes <= 0 stores the value without expiry.
func (s *RedisStore) Set(ctx context.Context, key string, value any, ttlMinutes int) bool {
	payload, err := encodeValue(value)
	if err != nil {
		s.logger.Error("Failed to encode value for key %s: %v", key, err)
		return false
	}

	var ttl time.Duration
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * 60 * time.Second
	}

	return s.do(ctx, "set", func(ctx context.Context, c *redis.Client) error {
		return c.Set(ctx, key, payload, ttl).Err()
	})
}

func encodeValue(value any) (string, error) {
	switch v := value.(type) {
	case int:
		return strconv.FormatInt(int64(v), 10), nil
	case int8:
		return strconv.FormatInt(int64(v), 10), nil
	case int16:
		return strconv.FormatInt(int64(v), 10), nil
	case int32:
		return strconv.FormatInt(int64(v), 10), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case uint:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint8:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint16:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint32:
		return strconv.FormatUint(uint64(v), 10), nil
	case uint64:
		return strconv.FormatUint(v, 10), nil
	}

	data, err := json.Marshal(value)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value: %w", err)
	}
	return string(data), nil
}

// Delete removes key
func (s *RedisStore) Delete(ctx context.Context, key string) bool {
	return s.do(ctx, "delete", func(ctx context.Context, c *redis.Client) error {
		return c.Del(ctx, key).Err()
	})
}

// Expire sets a TTL in seconds on an existing key
func (s *RedisStore) Expire(ctx context.Context, key string, seconds int) bool {
	return s.do(ctx, "expire", func(ctx context.Context, c *redis.Client) error {
		return c.Expire(ctx, key, time.Duration(seconds)*time.Second).Err()
	})
}

// Incr increments the integer at key by the given amount and returns the new value
func (s *RedisStore) Incr(ctx context.Context, key string, by int64) (int64, bool) {
	var value int64
	ok := s.do(ctx, "incr", func(ctx context.Context, c *redis.Client) error {
		n, err := c.IncrBy(ctx, key, by).Result()
		if err != nil {
			return err
		}
		value = n
		return nil
	})
	return value, ok
}

// Exists reports whether key is present. An unreachable store reports false.
func (s *RedisStore) Exists(ctx context.Context, key string) bool {
	var n int64
	ok := s.do(ctx, "exists", func(ctx context.Context, c *redis.Client) error {
		var err error
		n, err = c.Exists(ctx, key).Result()
		return err
	})
	return ok && n > 0
}

// Ping reports whether the store is reachable
func (s *RedisStore) Ping(ctx context.Context) bool {
	return s.do(ctx, "ping", func(ctx context.Context, c *redis.Client) error {
		return c.Ping(ctx).Err()
	})
}
