// Package rooms owns the fabric's room topology: DM rooms between
// identities, dedicated agent rooms, the parent agents space, and all
// membership policy.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/calyptra/agentfabric/internal/agentservice"
	"github.com/calyptra/agentfabric/internal/clientpool"
	"github.com/calyptra/agentfabric/internal/identity"
	"github.com/calyptra/agentfabric/internal/storage"
)

// AgentDirectory is the slice of the agent-service client the orchestrator
// needs to discover which agents should have rooms.
type AgentDirectory interface {
	ListAgents(ctx context.Context) ([]agentservice.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*agentservice.Agent, error)
}

var (
	// ErrRoomUnreachable is returned when an agent room can be neither
	// joined nor recreated.
	ErrRoomUnreachable = errors.New("rooms: room unreachable")
	// ErrSpaceUnavailable is returned when the parent space cannot be
	// reused or created.
	ErrSpaceUnavailable = errors.New("rooms: space unavailable")
	// ErrPermissionDenied is returned when the homeserver forbids a
	// required topology operation.
	ErrPermissionDenied = errors.New("rooms: permission denied")
)

// Config holds the topology and invitation-policy options.
type Config struct {
	ServerName string
	// SpaceName is the display name of the parent space ("Letta Agents").
	SpaceName string
	// The standing invitees of every agent room. Empty entries are skipped.
	OwnerMXID  string
	BridgeMXID string
	AdminMXID  string
}

// Orchestrator creates and reuses rooms and keeps their mappings persisted.
type Orchestrator struct {
	cfg   Config
	store storage.Store
	idm   *identity.Manager
	pool  *clientpool.Pool
	dir   AgentDirectory

	// bot is the bridge identity's client, used for space bookkeeping.
	// Optional; when nil the acting agent client is used instead.
	bot *clientpool.Client
}

// New creates an Orchestrator. dir may be nil when no agent service is
// configured; SyncAgentRooms and ProvisionAgentRoom then refuse to run.
func New(cfg Config, store storage.Store, idm *identity.Manager, pool *clientpool.Pool, dir AgentDirectory) *Orchestrator {
	return &Orchestrator{cfg: cfg, store: store, idm: idm, pool: pool, dir: dir}
}

// SetBotClient wires the bridge identity's client once it is available.
func (o *Orchestrator) SetBotClient(c *clientpool.Client) { o.bot = c }

// --- DM rooms ---

// GetOrCreateDM returns the DM room between from and to, creating it on
// first use. The key is symmetric, so the argument order never produces a
// second room. The room is created from the `from` identity's client.
func (o *Orchestrator) GetOrCreateDM(ctx context.Context, from *storage.Identity, toMXID string) (id.RoomID, error) {
	key := storage.DMKey(from.MXID, toMXID)

	if existing, err := o.store.GetDMRoom(ctx, key); err == nil {
		return id.RoomID(existing.RoomID), nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	client, err := o.pool.Acquire(ctx, from)
	if err != nil {
		return "", err
	}

	fromID := id.UserID(from.MXID)
	toID := id.UserID(toMXID)
	resp, err := client.Mautrix().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []id.UserID{toID},
		PowerLevelOverride: &event.PowerLevelsEventContent{
			Users: map[id.UserID]int{fromID: 100, toID: 100},
		},
	})
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return "", fmt.Errorf("%w: create DM %s: %v", ErrPermissionDenied, key, err)
		}
		return "", fmt.Errorf("rooms: create DM %s: %w", key, err)
	}

	o.markDirect(ctx, client, toID, resp.RoomID)
	if other, ok := o.pool.Get(identityIDForMXID(ctx, o.store, toMXID)); ok {
		o.markDirect(ctx, other, fromID, resp.RoomID)
	}

	now := time.Now().UTC()
	record := &storage.DMRoom{
		Key:            key,
		RoomID:         resp.RoomID.String(),
		Participants:   storage.SortParticipants(from.MXID, toMXID),
		CreatedAt:      now,
		LastActivityAt: now,
	}
	if err := o.store.PutDMRoom(ctx, record); err != nil {
		return "", err
	}
	slog.Info("DM room created", "key", key, "room", resp.RoomID)
	return resp.RoomID, nil
}

// markDirect adds the room to the client's m.direct account data for peer.
func (o *Orchestrator) markDirect(ctx context.Context, client *clientpool.Client, peer id.UserID, roomID id.RoomID) {
	cli := client.Mautrix()
	direct := map[id.UserID][]id.RoomID{}
	// Missing account data is fine; start from empty.
	_ = cli.GetAccountData(ctx, "m.direct", &direct)
	for _, existing := range direct[peer] {
		if existing == roomID {
			return
		}
	}
	direct[peer] = append(direct[peer], roomID)
	if err := cli.SetAccountData(ctx, "m.direct", direct); err != nil {
		slog.Warn("set m.direct failed", "user", client.UserID(), "room", roomID, "err", err)
	}
}

// identityIDForMXID resolves an MXID to a stored identity id, or "".
func identityIDForMXID(ctx context.Context, store storage.Store, mxid string) string {
	ident, err := store.GetIdentityByMXID(ctx, mxid)
	if err != nil {
		return ""
	}
	return ident.ID
}

// --- agent rooms ---

// GetOrCreateAgentRoom returns the dedicated room for an agent, creating it
// on first use, rejoining it when a mapping already exists, and replacing the
// mapping atomically when the stored room is gone. callerMXID is invited
// alongside the standing invitees.
func (o *Orchestrator) GetOrCreateAgentRoom(ctx context.Context, agentID, agentName, callerMXID string) (*storage.AgentRoom, error) {
	ident, err := o.idm.GetOrCreate(ctx, storage.KindLetta, agentID, agentName)
	if err != nil {
		return nil, err
	}
	client, err := o.pool.Acquire(ctx, ident)
	if err != nil {
		return nil, err
	}

	invitees := o.standingInvitees(callerMXID)

	mapping, err := o.store.GetAgentRoom(ctx, agentID)
	switch {
	case err == nil:
		roomID := id.RoomID(mapping.RoomID)
		if _, joinErr := client.Mautrix().JoinRoomByID(ctx, roomID); joinErr != nil && !errors.Is(joinErr, mautrix.MForbidden) {
			slog.Warn("stored agent room is inaccessible, replacing",
				"agent", agentID, "room", roomID, "err", joinErr)
			return o.createAgentRoom(ctx, client, ident, agentID, agentName, invitees)
		}
		if changed := o.ensureInvited(ctx, client, roomID, mapping, invitees); changed {
			if err := o.store.PutAgentRoom(ctx, mapping); err != nil {
				return nil, err
			}
		}
		return mapping, nil

	case errors.Is(err, storage.ErrNotFound):
		return o.createAgentRoom(ctx, client, ident, agentID, agentName, invitees)

	default:
		return nil, err
	}
}

// SyncAgentRooms provisions an identity and a room for every agent the
// directory reports. Per-agent failures are logged and skipped so one broken
// agent cannot block the rest of the fleet.
func (o *Orchestrator) SyncAgentRooms(ctx context.Context) error {
	if o.dir == nil {
		return fmt.Errorf("rooms: no agent directory configured")
	}
	agents, err := o.dir.ListAgents(ctx)
	if err != nil {
		return fmt.Errorf("rooms: list agents: %w", err)
	}

	failed := 0
	for _, agent := range agents {
		if _, err := o.GetOrCreateAgentRoom(ctx, agent.ID, agent.Name, o.cfg.OwnerMXID); err != nil {
			slog.Warn("agent room provisioning failed", "agent", agent.ID, "err", err)
			failed++
		}
	}
	slog.Info("agent rooms reconciled", "agents", len(agents), "failed", failed)
	return nil
}

// ProvisionAgentRoom provisions a single agent on demand, resolving its
// display name through the directory first.
func (o *Orchestrator) ProvisionAgentRoom(ctx context.Context, agentID string) (*storage.AgentRoom, error) {
	if o.dir == nil {
		return nil, fmt.Errorf("rooms: no agent directory configured")
	}
	agent, err := o.dir.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return o.GetOrCreateAgentRoom(ctx, agent.ID, agent.Name, o.cfg.OwnerMXID)
}

// standingInvitees builds the invite list: the caller, the bridge bot, an
// admin, and the owner MXID, deduplicated, empty entries dropped.
func (o *Orchestrator) standingInvitees(callerMXID string) []string {
	candidates := []string{callerMXID, o.cfg.BridgeMXID, o.cfg.AdminMXID, o.cfg.OwnerMXID}
	seen := make(map[string]struct{}, len(candidates))
	out := make([]string, 0, len(candidates))
	for _, mxid := range candidates {
		if mxid == "" {
			continue
		}
		if _, dup := seen[mxid]; dup {
			continue
		}
		seen[mxid] = struct{}{}
		out = append(out, mxid)
	}
	return out
}

// createAgentRoom creates a new private room owned by the agent's client and
// persists the replacement mapping in one write.
func (o *Orchestrator) createAgentRoom(ctx context.Context, client *clientpool.Client, ident *storage.Identity, agentID, agentName string, invitees []string) (*storage.AgentRoom, error) {
	inviteIDs := make([]id.UserID, 0, len(invitees))
	for _, mxid := range invitees {
		inviteIDs = append(inviteIDs, id.UserID(mxid))
	}

	resp, err := client.Mautrix().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:   agentName,
		Preset: "private_chat",
		Invite: inviteIDs,
		InitialState: []*event.Event{{
			Type: event.StateHistoryVisibility,
			Content: event.Content{Parsed: &event.HistoryVisibilityEventContent{
				HistoryVisibility: event.HistoryVisibilityShared,
			}},
		}},
	})
	if err != nil {
		if errors.Is(err, mautrix.MForbidden) {
			return nil, fmt.Errorf("%w: create agent room for %s: %v", ErrPermissionDenied, agentID, err)
		}
		return nil, fmt.Errorf("rooms: create agent room for %s: %w", agentID, err)
	}

	now := time.Now().UTC()
	status := make(map[string]storage.InviteStatus, len(invitees))
	for _, mxid := range invitees {
		status[mxid] = storage.InviteInvited
	}

	mapping := &storage.AgentRoom{
		AgentID:          agentID,
		AgentName:        agentName,
		AgentMXID:        ident.MXID,
		AgentPassword:    ident.Password,
		RoomID:           resp.RoomID.String(),
		InvitationStatus: status,
		CreatedAt:        now,
		RoomCreatedAt:    now,
	}
	if err := o.store.PutAgentRoom(ctx, mapping); err != nil {
		return nil, err
	}
	slog.Info("agent room created", "agent", agentID, "room", resp.RoomID)

	if err := o.addToSpace(ctx, client, resp.RoomID); err != nil {
		// The room works without the space; keep going.
		slog.Warn("could not attach agent room to space", "agent", agentID, "err", err)
	}
	return mapping, nil
}

// ensureInvited invites every listed MXID that is not already tracked as
// invited or joined. M_FORBIDDEN means the user is already present and is not
// an error; anything else is recorded as failed without aborting. Returns
// whether the mapping's invitation status changed.
func (o *Orchestrator) ensureInvited(ctx context.Context, client *clientpool.Client, roomID id.RoomID, mapping *storage.AgentRoom, invitees []string) bool {
	if mapping.InvitationStatus == nil {
		mapping.InvitationStatus = make(map[string]storage.InviteStatus)
	}
	changed := false
	for _, mxid := range invitees {
		switch mapping.InvitationStatus[mxid] {
		case storage.InviteInvited, storage.InviteJoined:
			continue
		}
		_, err := client.Mautrix().InviteUser(ctx, roomID, &mautrix.ReqInviteUser{UserID: id.UserID(mxid)})
		switch {
		case err == nil:
			mapping.InvitationStatus[mxid] = storage.InviteInvited
		case errors.Is(err, mautrix.MForbidden):
			slog.Info("invitee already present", "room", roomID, "mxid", mxid)
			mapping.InvitationStatus[mxid] = storage.InviteJoined
		default:
			slog.Warn("invite failed", "room", roomID, "mxid", mxid, "err", err)
			mapping.InvitationStatus[mxid] = storage.InviteFailed
		}
		changed = true
	}
	return changed
}

// --- space ---

// EnsureSpace returns the parent space, reusing the persisted one when it is
// still accessible and otherwise creating it and migrating every existing
// agent room into it.
func (o *Orchestrator) EnsureSpace(ctx context.Context) (id.RoomID, error) {
	actor := o.spaceActor()
	if actor == nil {
		return "", fmt.Errorf("%w: no client available for space operations", ErrSpaceUnavailable)
	}

	if cfg, err := o.store.GetSpaceConfig(ctx); err == nil {
		spaceID := id.RoomID(cfg.SpaceID)
		if _, joinErr := actor.Mautrix().JoinRoomByID(ctx, spaceID); joinErr == nil || errors.Is(joinErr, mautrix.MForbidden) {
			return spaceID, nil
		}
		slog.Warn("persisted space is inaccessible, recreating", "space", spaceID)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return "", err
	}

	resp, err := actor.Mautrix().CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Name:            o.cfg.SpaceName,
		Preset:          "private_chat",
		CreationContent: map[string]any{"type": "m.space"},
	})
	if err != nil {
		return "", fmt.Errorf("%w: create space: %v", ErrSpaceUnavailable, err)
	}

	if err := o.store.PutSpaceConfig(ctx, &storage.SpaceConfig{
		SpaceID:   resp.RoomID.String(),
		Name:      o.cfg.SpaceName,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return "", err
	}
	slog.Info("space created", "space", resp.RoomID, "name", o.cfg.SpaceName)

	// Migrate every existing agent room under the new space. The parent
	// marker must come from a client with power in the room, which is the
	// agent's own when it is pooled.
	mappings, err := o.store.ListAgentRooms(ctx)
	if err != nil {
		return resp.RoomID, err
	}
	for _, m := range mappings {
		roomActor := actor
		if agentClient, ok := o.pool.Get(string(storage.KindLetta) + "_" + m.AgentID); ok {
			roomActor = agentClient
		}
		if err := o.linkToSpace(ctx, actor, roomActor, resp.RoomID, id.RoomID(m.RoomID)); err != nil {
			slog.Warn("space migration failed for room", "agent", m.AgentID, "room", m.RoomID, "err", err)
		}
	}
	return resp.RoomID, nil
}

// addToSpace ensures the space exists and links the room under it. roomActor
// must be a client with state power in the room (its creator).
func (o *Orchestrator) addToSpace(ctx context.Context, roomActor *clientpool.Client, roomID id.RoomID) error {
	spaceID, err := o.EnsureSpace(ctx)
	if err != nil {
		return err
	}
	spaceActor := o.spaceActor()
	if spaceActor == nil {
		spaceActor = roomActor
	}
	return o.linkToSpace(ctx, spaceActor, roomActor, spaceID, roomID)
}

// linkToSpace publishes the m.space.child event in the space (sent by the
// space's own actor) and the reciprocal m.space.parent event in the child
// room (sent by the room's creator, who holds PL 100 there while everyone
// else sits below the private_chat state_default). Both carry via=[server].
func (o *Orchestrator) linkToSpace(ctx context.Context, spaceActor, roomActor *clientpool.Client, spaceID, roomID id.RoomID) error {
	via := []string{o.cfg.ServerName}

	_, err := spaceActor.Mautrix().SendStateEvent(ctx, spaceID, event.StateSpaceChild, roomID.String(),
		&event.SpaceChildEventContent{Via: via})
	if err != nil {
		return fmt.Errorf("rooms: set m.space.child for %s: %w", roomID, err)
	}

	_, err = roomActor.Mautrix().SendStateEvent(ctx, roomID, event.StateSpaceParent, spaceID.String(),
		&event.SpaceParentEventContent{Via: via, Canonical: true})
	if err != nil {
		return fmt.Errorf("rooms: set m.space.parent in %s: %w", roomID, err)
	}
	return nil
}

// spaceActor picks the client used for space bookkeeping: the bridge bot
// when wired, otherwise any pooled client.
func (o *Orchestrator) spaceActor() *clientpool.Client {
	if o.bot != nil {
		return o.bot
	}
	clients := o.pool.Clients()
	if len(clients) > 0 {
		return clients[0]
	}
	return nil
}
