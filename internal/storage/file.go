package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// File names inside the FileStore directory.
const (
	identitiesFile = "identities.json"
	dmRoomsFile    = "dm_rooms.json"
	agentRoomsFile = "agent_user_mappings.json"
	spaceFile      = "space_config.json"
	metadataFile   = "metadata.json"
	clientsDir     = "clients"
)

// fileMetadata is the small bookkeeping document kept alongside the entity
// files.  It exists mainly so operators can tell when the store was last
// touched without parsing the entity documents.
type fileMetadata struct {
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// FileStore persists every entity family as a JSON document in one directory,
// rewriting the whole document atomically (temp file + rename) on every
// mutation.  Each family has its own mutex, so concurrent writers within one
// process are serialised per family and never across families.
type FileStore struct {
	dir string

	idMu     sync.Mutex
	dmMu     sync.Mutex
	agentMu  sync.Mutex
	spaceMu  sync.Mutex
	clientMu sync.Mutex
	metaMu   sync.Mutex
}

var _ Store = (*FileStore)(nil)

// NewFileStore opens (or initialises) a file-backed store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(filepath.Join(dir, clientsDir), 0o755); err != nil {
		return nil, fmt.Errorf("storage: create %s: %w", dir, err)
	}
	s := &FileStore{dir: dir}
	if err := s.touchMetadata(); err != nil {
		return nil, err
	}
	slog.Info("file storage ready", "dir", dir)
	return s, nil
}

// Close is a no-op for the file back-end; every write is already flushed.
func (s *FileStore) Close() error { return nil }

// --- identities ---

func (s *FileStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	var m map[string]*Identity
	if err := s.readDoc(identitiesFile, &m); err != nil {
		return nil, err
	}
	ident, ok := m[id]
	if !ok {
		return nil, ErrNotFound
	}
	return ident, nil
}

func (s *FileStore) GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error) {
	var m map[string]*Identity
	if err := s.readDoc(identitiesFile, &m); err != nil {
		return nil, err
	}
	for _, ident := range m {
		if ident.MXID == mxid {
			return ident, nil
		}
	}
	return nil, ErrNotFound
}

func (s *FileStore) PutIdentity(ctx context.Context, ident *Identity) error {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	var m map[string]*Identity
	if err := s.readDoc(identitiesFile, &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]*Identity)
	}
	// (id) and (mxid) are both unique: refuse to attach an existing MXID to
	// a different identity id.
	for otherID, other := range m {
		if other.MXID == ident.MXID && otherID != ident.ID {
			return fmt.Errorf("storage: mxid %s already owned by identity %s", ident.MXID, otherID)
		}
	}
	m[ident.ID] = ident
	return s.writeDoc(identitiesFile, m)
}

func (s *FileStore) DeleteIdentity(ctx context.Context, id string) error {
	s.idMu.Lock()
	defer s.idMu.Unlock()

	var m map[string]*Identity
	if err := s.readDoc(identitiesFile, &m); err != nil {
		return err
	}
	if _, ok := m[id]; !ok {
		return ErrNotFound
	}
	delete(m, id)
	return s.writeDoc(identitiesFile, m)
}

func (s *FileStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	var m map[string]*Identity
	if err := s.readDoc(identitiesFile, &m); err != nil {
		return nil, err
	}
	out := make([]*Identity, 0, len(m))
	for _, ident := range m {
		out = append(out, ident)
	}
	return out, nil
}

// --- DM rooms ---

func (s *FileStore) GetDMRoom(ctx context.Context, key string) (*DMRoom, error) {
	var m map[string]*DMRoom
	if err := s.readDoc(dmRoomsFile, &m); err != nil {
		return nil, err
	}
	room, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return room, nil
}

func (s *FileStore) PutDMRoom(ctx context.Context, room *DMRoom) error {
	s.dmMu.Lock()
	defer s.dmMu.Unlock()

	var m map[string]*DMRoom
	if err := s.readDoc(dmRoomsFile, &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]*DMRoom)
	}
	m[room.Key] = room
	return s.writeDoc(dmRoomsFile, m)
}

// --- agent rooms ---

func (s *FileStore) GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error) {
	var m map[string]*AgentRoom
	if err := s.readDoc(agentRoomsFile, &m); err != nil {
		return nil, err
	}
	room, ok := m[agentID]
	if !ok {
		return nil, ErrNotFound
	}
	return room, nil
}

func (s *FileStore) PutAgentRoom(ctx context.Context, room *AgentRoom) error {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()

	var m map[string]*AgentRoom
	if err := s.readDoc(agentRoomsFile, &m); err != nil {
		return err
	}
	if m == nil {
		m = make(map[string]*AgentRoom)
	}
	m[room.AgentID] = room
	return s.writeDoc(agentRoomsFile, m)
}

func (s *FileStore) DeleteAgentRoom(ctx context.Context, agentID string) error {
	s.agentMu.Lock()
	defer s.agentMu.Unlock()

	var m map[string]*AgentRoom
	if err := s.readDoc(agentRoomsFile, &m); err != nil {
		return err
	}
	if _, ok := m[agentID]; !ok {
		return ErrNotFound
	}
	delete(m, agentID)
	return s.writeDoc(agentRoomsFile, m)
}

func (s *FileStore) ListAgentRooms(ctx context.Context) ([]*AgentRoom, error) {
	var m map[string]*AgentRoom
	if err := s.readDoc(agentRoomsFile, &m); err != nil {
		return nil, err
	}
	out := make([]*AgentRoom, 0, len(m))
	for _, room := range m {
		out = append(out, room)
	}
	return out, nil
}

// --- space config ---

func (s *FileStore) GetSpaceConfig(ctx context.Context) (*SpaceConfig, error) {
	var cfg *SpaceConfig
	if err := s.readDoc(spaceFile, &cfg); err != nil {
		return nil, err
	}
	if cfg == nil || cfg.SpaceID == "" {
		return nil, ErrNotFound
	}
	return cfg, nil
}

func (s *FileStore) PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error {
	s.spaceMu.Lock()
	defer s.spaceMu.Unlock()
	return s.writeDoc(spaceFile, cfg)
}

// --- client sync state ---

func (s *FileStore) GetClientState(ctx context.Context, identityID string) (*ClientState, error) {
	var state *ClientState
	if err := s.readDoc(clientStatePath(identityID), &state); err != nil {
		return nil, err
	}
	if state == nil {
		return nil, ErrNotFound
	}
	return state, nil
}

func (s *FileStore) PutClientState(ctx context.Context, state *ClientState) error {
	s.clientMu.Lock()
	defer s.clientMu.Unlock()
	return s.writeDoc(clientStatePath(state.IdentityID), state)
}

// clientStatePath maps an identity id to clients/<id>.json, stripping path
// separators so a hostile id cannot escape the store directory.
func clientStatePath(identityID string) string {
	safe := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(identityID)
	return filepath.Join(clientsDir, safe+".json")
}

// --- document I/O ---

// readDoc unmarshals the named JSON document into v.  A missing file is not
// an error: v is left at its zero value so first use starts empty.
func (s *FileStore) readDoc(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("storage: read %s: %w", name, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("storage: corrupt document %s: %w", name, err)
	}
	return nil
}

// writeDoc marshals v and atomically replaces the named document: the payload
// is written to a temp file in the same directory and renamed over the target
// so readers never observe a partial write.
func (s *FileStore) writeDoc(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("storage: marshal %s: %w", name, err)
	}

	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(name)+".*")
	if err != nil {
		return fmt.Errorf("storage: temp file for %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("storage: write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: close %s: %w", name, err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("storage: rename %s: %w", name, err)
	}

	s.touchMetadata()
	return nil
}

func (s *FileStore) touchMetadata() error {
	s.metaMu.Lock()
	defer s.metaMu.Unlock()

	meta := fileMetadata{Version: 1, UpdatedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	target := filepath.Join(s.dir, metadataFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("storage: write metadata: %w", err)
	}
	return os.Rename(tmp, target)
}
