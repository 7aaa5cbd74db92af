package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore keeps every entity family in one SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens the database at dbPath and applies pending migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("storage: open database: %w", err)
	}

	// SQLite is single-writer by design. A single shared connection lets
	// database/sql serialise concurrent callers instead of having them fight
	// for write locks across multiple underlying connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	pragmas := []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("storage: set pragma: %w", err)
		}
	}

	s := &SQLiteStore{db: db}
	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, err
	}
	slog.Info("sqlite storage ready", "path", dbPath)
	return s, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

// runMigrations applies every pending migrations/NNNN_name.sql in filename
// order, recording each in schema_migrations so reruns are no-ops.
func (s *SQLiteStore) runMigrations() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version     INTEGER PRIMARY KEY,
			applied_at  TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			description TEXT NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("storage: create migrations table: %w", err)
	}

	var currentVersion int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&currentVersion); err != nil {
		return fmt.Errorf("storage: get schema version: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("storage: read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		parts := strings.SplitN(entry.Name(), "_", 2)
		if len(parts) < 2 {
			continue
		}
		var version int
		if _, err := fmt.Sscanf(parts[0], "%d", &version); err != nil {
			continue
		}
		if version <= currentVersion {
			continue
		}
		description := strings.TrimSuffix(parts[1], ".sql")

		content, err := migrationsFS.ReadFile(filepath.Join("migrations", entry.Name()))
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("storage: begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(
			"INSERT INTO schema_migrations (version, applied_at, description) VALUES (?, ?, ?)",
			version, time.Now(), description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("storage: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("storage: commit migration %d: %w", version, err)
		}
		slog.Info("applied storage migration", "version", fmt.Sprintf("%04d", version), "description", description)
	}
	return nil
}

// --- identities ---

const identityColumns = `id, mxid, display_name, avatar_url, access_token, password, kind, deactivated, created_at, last_used_at`

func scanIdentity(row interface{ Scan(...any) error }) (*Identity, error) {
	ident := &Identity{}
	var deactivated int
	err := row.Scan(&ident.ID, &ident.MXID, &ident.DisplayName, &ident.AvatarURL,
		&ident.AccessToken, &ident.Password, (*string)(&ident.Kind), &deactivated,
		&ident.CreatedAt, &ident.LastUsedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: scan identity: %w", err)
	}
	ident.Deactivated = deactivated != 0
	return ident, nil
}

func (s *SQLiteStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE id = ?`, id)
	return scanIdentity(row)
}

func (s *SQLiteStore) GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+identityColumns+` FROM identities WHERE mxid = ?`, mxid)
	return scanIdentity(row)
}

func (s *SQLiteStore) PutIdentity(ctx context.Context, ident *Identity) error {
	deactivated := 0
	if ident.Deactivated {
		deactivated = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identities (`+identityColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			mxid = excluded.mxid,
			display_name = excluded.display_name,
			avatar_url = excluded.avatar_url,
			access_token = excluded.access_token,
			password = excluded.password,
			kind = excluded.kind,
			deactivated = excluded.deactivated,
			last_used_at = excluded.last_used_at
	`, ident.ID, ident.MXID, ident.DisplayName, ident.AvatarURL, ident.AccessToken,
		ident.Password, string(ident.Kind), deactivated, ident.CreatedAt, ident.LastUsedAt)
	if err != nil {
		return fmt.Errorf("storage: put identity %s: %w", ident.ID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteIdentity(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM identities WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("storage: delete identity %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+identityColumns+` FROM identities ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list identities: %w", err)
	}
	defer rows.Close()

	var out []*Identity
	for rows.Next() {
		ident, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ident)
	}
	return out, rows.Err()
}

// --- DM rooms ---

func (s *SQLiteStore) GetDMRoom(ctx context.Context, key string) (*DMRoom, error) {
	room := &DMRoom{}
	err := s.db.QueryRowContext(ctx, `
		SELECT key, room_id, participant_a, participant_b, created_at, last_activity_at
		FROM dm_rooms WHERE key = ?
	`, key).Scan(&room.Key, &room.RoomID, &room.Participants[0], &room.Participants[1],
		&room.CreatedAt, &room.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get dm room: %w", err)
	}
	return room, nil
}

func (s *SQLiteStore) PutDMRoom(ctx context.Context, room *DMRoom) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dm_rooms (key, room_id, participant_a, participant_b, created_at, last_activity_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			room_id = excluded.room_id,
			last_activity_at = excluded.last_activity_at
	`, room.Key, room.RoomID, room.Participants[0], room.Participants[1],
		room.CreatedAt, room.LastActivityAt)
	if err != nil {
		return fmt.Errorf("storage: put dm room %s: %w", room.Key, err)
	}
	return nil
}

// --- agent rooms ---

func (s *SQLiteStore) GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error) {
	room := &AgentRoom{}
	var statusJSON string
	err := s.db.QueryRowContext(ctx, `
		SELECT agent_id, agent_name, agent_mxid, agent_password, room_id, invitation_status, created_at, room_created_at
		FROM agent_rooms WHERE agent_id = ?
	`, agentID).Scan(&room.AgentID, &room.AgentName, &room.AgentMXID, &room.AgentPassword,
		&room.RoomID, &statusJSON, &room.CreatedAt, &room.RoomCreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get agent room %s: %w", agentID, err)
	}
	if err := json.Unmarshal([]byte(statusJSON), &room.InvitationStatus); err != nil {
		return nil, fmt.Errorf("storage: corrupt invitation_status for %s: %w", agentID, err)
	}
	return room, nil
}

func (s *SQLiteStore) PutAgentRoom(ctx context.Context, room *AgentRoom) error {
	status := room.InvitationStatus
	if status == nil {
		status = map[string]InviteStatus{}
	}
	statusJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("storage: marshal invitation_status: %w", err)
	}
	// The whole row is replaced so a room replacement rewrites the mapping
	// atomically.
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO agent_rooms (agent_id, agent_name, agent_mxid, agent_password, room_id, invitation_status, created_at, room_created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_name = excluded.agent_name,
			agent_mxid = excluded.agent_mxid,
			agent_password = excluded.agent_password,
			room_id = excluded.room_id,
			invitation_status = excluded.invitation_status,
			room_created_at = excluded.room_created_at
	`, room.AgentID, room.AgentName, room.AgentMXID, room.AgentPassword,
		room.RoomID, string(statusJSON), room.CreatedAt, room.RoomCreatedAt)
	if err != nil {
		return fmt.Errorf("storage: put agent room %s: %w", room.AgentID, err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAgentRoom(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agent_rooms WHERE agent_id = ?`, agentID)
	if err != nil {
		return fmt.Errorf("storage: delete agent room %s: %w", agentID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) ListAgentRooms(ctx context.Context) ([]*AgentRoom, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT agent_id FROM agent_rooms ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("storage: list agent rooms: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("storage: scan agent room id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*AgentRoom, 0, len(ids))
	for _, id := range ids {
		room, err := s.GetAgentRoom(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, room)
	}
	return out, nil
}

// --- space config ---

func (s *SQLiteStore) GetSpaceConfig(ctx context.Context) (*SpaceConfig, error) {
	cfg := &SpaceConfig{}
	err := s.db.QueryRowContext(ctx, `SELECT space_id, name, created_at FROM space_config WHERE id = 1`).
		Scan(&cfg.SpaceID, &cfg.Name, &cfg.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get space config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO space_config (id, space_id, name, created_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			space_id = excluded.space_id,
			name = excluded.name
	`, cfg.SpaceID, cfg.Name, cfg.CreatedAt)
	if err != nil {
		return fmt.Errorf("storage: put space config: %w", err)
	}
	return nil
}

// --- client sync state ---

func (s *SQLiteStore) GetClientState(ctx context.Context, identityID string) (*ClientState, error) {
	state := &ClientState{}
	err := s.db.QueryRowContext(ctx, `
		SELECT identity_id, filter_id, next_batch FROM client_state WHERE identity_id = ?
	`, identityID).Scan(&state.IdentityID, &state.FilterID, &state.NextBatch)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("storage: get client state %s: %w", identityID, err)
	}
	return state, nil
}

func (s *SQLiteStore) PutClientState(ctx context.Context, state *ClientState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO client_state (identity_id, filter_id, next_batch)
		VALUES (?, ?, ?)
		ON CONFLICT(identity_id) DO UPDATE SET
			filter_id = excluded.filter_id,
			next_batch = excluded.next_batch
	`, state.IdentityID, state.FilterID, state.NextBatch)
	if err != nil {
		return fmt.Errorf("storage: put client state %s: %w", state.IdentityID, err)
	}
	return nil
}
