// Package state is the shared-state service: caching, fixed-window counters, token revocation,
// and pub/sub over Redis. It degrades to no-ops when the store is unconfigured or unreachable.
package state

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"bizhub/realtime/internal/logging"
)

// ErrUnavailable is returned by the few operations that must report that the store is not reachable.
var ErrUnavailable = errors.New("shared state unavailable")

// revokedPrefix is the keyspace for revoked tokens: revoked:{token}.
const revokedPrefix = "revoked:"

// incrementScript increments KEYS[1] and attaches a PEXPIRE of ARGV[1] ms only on the first increment.
var incrementScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 and tonumber(ARGV[1]) > 0 then
	redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Options configures the connection to the backing store.
type Options struct {
	// URL is a redis:// or rediss:// URL. Empty disables the service.
	URL string
	// DialTimeout bounds the startup ping.
	DialTimeout time.Duration
}

// Service is a thin adapter over Redis. It holds no state of its own.
// When unavailable every operation returns a neutral miss or does nothing.
type Service struct {
	client    *redis.Client
	available bool
	log       *zap.Logger
}

// New connects to the store described by opts. It never fails: an empty URL, an unparsable URL, or a
// failed ping logs a warning and returns a Service in degraded mode for the rest of the process lifetime.
func New(ctx context.Context, opts Options, logger *zap.Logger) *Service {
	log := logging.OrNop(logger).Named("state")
	if opts.URL == "" {
		log.Warn("shared state disabled: no store configured")
		return &Service{log: log}
	}
	ro, err := redis.ParseURL(opts.URL)
	if err != nil {
		log.Warn("shared state degraded mode: invalid store URL", zap.Error(err))
		return &Service{log: log}
	}
	if opts.DialTimeout > 0 {
		ro.DialTimeout = opts.DialTimeout
	}
	client := redis.NewClient(ro)

	timeout := opts.DialTimeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	pingCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("shared state degraded mode: store unreachable", zap.String("addr", ro.Addr), zap.Error(err))
		_ = client.Close()
		return &Service{log: log}
	}
	log.Info("shared state connected", zap.String("addr", ro.Addr))
	return &Service{client: client, available: true, log: log}
}

// NewFromClient wraps an existing client. Used by tests and callers that manage the client themselves.
func NewFromClient(client *redis.Client, logger *zap.Logger) *Service {
	return &Service{client: client, available: client != nil, log: logging.OrNop(logger).Named("state")}
}

// Available reports whether the store was reachable at startup. Callers that need strong guarantees
// (e.g. enforced rate limits) can fail closed when it is false.
func (s *Service) Available() bool {
	return s != nil && s.available
}

// Ping checks the store round trip. Returns ErrUnavailable in degraded mode.
func (s *Service) Ping(ctx context.Context) error {
	if !s.Available() {
		return ErrUnavailable
	}
	return s.client.Ping(ctx).Err()
}

// Get returns the value for key and true, or "", false when absent or unavailable.
func (s *Service) Get(ctx context.Context, key string) (string, bool) {
	if !s.Available() {
		return "", false
	}
	v, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			s.warn("get", key, err)
		}
		return "", false
	}
	return v, true
}

// Set overwrites key with value. ttl <= 0 means no expiry.
func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if !s.Available() {
		return
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, key, value, ttl).Err(); err != nil {
		s.warn("set", key, err)
	}
}

// Delete removes key. Missing keys are not an error.
func (s *Service) Delete(ctx context.Context, key string) {
	if !s.Available() {
		return
	}
	if err := s.client.Del(ctx, key).Err(); err != nil {
		s.warn("delete", key, err)
	}
}

// Exists reports whether key is present. False when unavailable.
func (s *Service) Exists(ctx context.Context, key string) bool {
	if !s.Available() {
		return false
	}
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		s.warn("exists", key, err)
		return false
	}
	return n > 0
}

// Increment atomically adds one to key and returns the new count. When the count is 1 and ttl > 0
// the ttl is attached in the same step; later increments never refresh it. Returns 0 when unavailable.
func (s *Service) Increment(ctx context.Context, key string, ttl time.Duration) int64 {
	if !s.Available() {
		return 0
	}
	n, err := incrementScript.Run(ctx, s.client, []string{key}, ttl.Milliseconds()).Int64()
	if err != nil {
		s.warn("increment", key, err)
		return 0
	}
	return n
}

// Publish broadcasts payload on channel. No delivery guarantee.
func (s *Service) Publish(ctx context.Context, channel string, payload []byte) {
	if !s.Available() {
		return
	}
	if err := s.client.Publish(ctx, channel, payload).Err(); err != nil {
		s.warn("publish", channel, err)
	}
}

// Subscribe delivers every message published on channel to handler until ctx is done.
// Returns ErrUnavailable immediately in degraded mode so callers do not spin.
func (s *Service) Subscribe(ctx context.Context, channel string, handler func(ctx context.Context, payload []byte)) error {
	if !s.Available() {
		return ErrUnavailable
	}
	sub := s.client.Subscribe(ctx, channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			handler(ctx, []byte(msg.Payload))
		}
	}
}

// GetJSON decodes the cached value for key into dst. Returns false on miss or decode failure.
func (s *Service) GetJSON(ctx context.Context, key string, dst any) bool {
	raw, ok := s.Get(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		s.warn("decode", key, err)
		return false
	}
	return true
}

// SetJSON encodes v and stores it under key with ttl.
func (s *Service) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.Set(ctx, key, string(raw), ttl)
	return nil
}

// BlacklistToken marks token as revoked for ttl. ttl should be the token's remaining validity;
// a non-positive ttl means the token has already expired and nothing is stored.
func (s *Service) BlacklistToken(ctx context.Context, token string, ttl time.Duration) {
	if token == "" || ttl <= 0 {
		return
	}
	s.Set(ctx, revokedPrefix+token, "1", ttl)
}

// IsTokenBlacklisted reports whether token is in the revocation set.
func (s *Service) IsTokenBlacklisted(ctx context.Context, token string) bool {
	if token == "" {
		return false
	}
	return s.Exists(ctx, revokedPrefix+token)
}

// Close releases the client. Safe on a degraded service.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

func (s *Service) warn(op, key string, err error) {
	s.log.Warn("shared state operation failed", zap.String("op", op), zap.String("key", logKey(key)), zap.Error(err))
}

// logKey hides the token part of revocation keys.
func logKey(key string) string {
	if strings.HasPrefix(key, revokedPrefix) {
		return revokedPrefix + "[redacted]"
	}
	return key
}
