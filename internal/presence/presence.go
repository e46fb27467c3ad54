// Package presence tracks which users are online and which relay peers they
// are reachable through. A user may be bound to several peers at once, one per
// open client.
package presence

import (
	"context"
	"errors"
	"fmt"

	"github.com/chatwire/chatwire/internal/config"
	"github.com/chatwire/chatwire/internal/protocol"
	"go.uber.org/zap"
)

// ErrEmptyUser is returned when a binding names no user.
var ErrEmptyUser = errors.New("presence: empty user id")

// Registry maps users to the peers they are connected through.
type Registry interface {
	// Bind records that userID is reachable through peerID. Binding again
	// updates the username.
	Bind(ctx context.Context, userID, username, peerID string) error
	// Unbind removes one peer from userID and returns how many peers remain.
	// The user is offline once that count reaches zero.
	Unbind(ctx context.Context, userID, peerID string) (int, error)
	// Peers returns the peers bound to userID, sorted.
	Peers(ctx context.Context, userID string) ([]string, error)
	// Online lists every user with at least one peer, sorted by id.
	Online(ctx context.Context) ([]protocol.UserPresence, error)
	Close() error
}

// New builds the registry selected by cfg.Type.
func New(cfg config.PresenceConfig, logger *zap.Logger) (Registry, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemory(), nil
	case "redis":
		return NewRedis(context.Background(), logger, cfg.Redis)
	default:
		return nil, fmt.Errorf("unknown presence type %q", cfg.Type)
	}
}
