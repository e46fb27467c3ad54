package presence

import (
	"context"
	"fmt"
	"sort"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/protocol"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// unbindScript removes a peer and drops the user from the online hash when it
// was the last one, atomically.
var unbindScript = redis.NewScript(`
redis.call('SREM', KEYS[1], ARGV[1])
local n = redis.call('SCARD', KEYS[1])
if n == 0 then
	redis.call('HDEL', KEYS[2], ARGV[2])
end
return n
`)

// Redis is a Registry shared by every relay pointed at the same server.
// Usernames live in one hash keyed by user id; each user's peers are a set.
type Redis struct {
	logger *zap.Logger
	client *redis.Client
	prefix string
}

var _ Registry = (*Redis)(nil)

// NewRedis connects to cfg.Addr and verifies the connection.
func NewRedis(ctx context.Context, logger *zap.Logger, cfg config.RedisConfig) (*Redis, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	prefix := cfg.Prefix
	if prefix == "" {
		prefix = "chatwire:presence"
	}
	return &Redis{
		logger: logger.Named("presence.redis"),
		client: client,
		prefix: prefix,
	}, nil
}

func (r *Redis) usersKey() string { return r.prefix + ":users" }

func (r *Redis) peersKey(userID string) string { return r.prefix + ":peers:" + userID }

func (r *Redis) Bind(ctx context.Context, userID, username, peerID string) error {
	if userID == "" {
		return ErrEmptyUser
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, r.peersKey(userID), peerID)
		if username != "" {
			pipe.HSet(ctx, r.usersKey(), userID, username)
		} else {
			pipe.HSetNX(ctx, r.usersKey(), userID, "")
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("bind %s: %w", userID, err)
	}
	r.logger.Debug("bound peer", zap.String("user", userID), zap.String("peer", peerID))
	return nil
}

func (r *Redis) Unbind(ctx context.Context, userID, peerID string) (int, error) {
	if userID == "" {
		return 0, ErrEmptyUser
	}
	n, err := unbindScript.Run(ctx, r.client,
		[]string{r.peersKey(userID), r.usersKey()}, peerID, userID).Int()
	if err != nil {
		return 0, fmt.Errorf("unbind %s: %w", userID, err)
	}
	r.logger.Debug("unbound peer", zap.String("user", userID), zap.String("peer", peerID), zap.Int("remaining", n))
	return n, nil
}

func (r *Redis) Peers(ctx context.Context, userID string) ([]string, error) {
	peers, err := r.client.SMembers(ctx, r.peersKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("peers %s: %w", userID, err)
	}
	sort.Strings(peers)
	return peers, nil
}

func (r *Redis) Online(ctx context.Context) ([]protocol.UserPresence, error) {
	users, err := r.client.HGetAll(ctx, r.usersKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("online users: %w", err)
	}
	out := make([]protocol.UserPresence, 0, len(users))
	for id, name := range users {
		out = append(out, protocol.UserPresence{UserID: id, Username: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}
