// Package storage persists the fabric's durable mappings: provisioned
// identities, DM-room keys, agent→room mappings, the space singleton, and
// per-identity Matrix sync positions.
//
// Three interchangeable back-ends satisfy the Store interface:
//
//   - "file"   – JSON documents rewritten atomically on every mutation.
//     The default; suitable for single-node deployments.
//   - "sqlite" – a single SQLite database with embedded migrations.
//   - "api"    – a remote internal REST service authenticated by a shared
//     secret header.  The only option when several processes share state.
//
// All accessors take a context and may block; callers must treat
// ErrUnavailable as transient and retry.
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrUnavailable is returned when the back-end cannot be reached.
// Callers must treat it as transient.
var ErrUnavailable = errors.New("storage: unavailable")

// Store is the persistence contract shared by all back-ends.
// Writes within one entity family are serialised by the implementation;
// no cross-family transactions are provided or required.
type Store interface {
	// Identities.
	GetIdentity(ctx context.Context, id string) (*Identity, error)
	GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error)
	PutIdentity(ctx context.Context, ident *Identity) error
	DeleteIdentity(ctx context.Context, id string) error
	ListIdentities(ctx context.Context) ([]*Identity, error)

	// DM rooms, keyed by DMKey(a, b).
	GetDMRoom(ctx context.Context, key string) (*DMRoom, error)
	PutDMRoom(ctx context.Context, room *DMRoom) error

	// Agent rooms.
	GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error)
	PutAgentRoom(ctx context.Context, room *AgentRoom) error
	DeleteAgentRoom(ctx context.Context, agentID string) error
	ListAgentRooms(ctx context.Context) ([]*AgentRoom, error)

	// Space singleton. GetSpaceConfig returns ErrNotFound until the space
	// has been created once.
	GetSpaceConfig(ctx context.Context) (*SpaceConfig, error)
	PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error

	// Per-identity sync state.
	GetClientState(ctx context.Context, identityID string) (*ClientState, error)
	PutClientState(ctx context.Context, state *ClientState) error

	Close() error
}
