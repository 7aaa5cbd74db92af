package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "fabric.db"))
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLiteStoreIdentityRoundTrip(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	ident := testIdentity("letta_agent-42", "@agent_42:fabric.test")
	if err := s.PutIdentity(ctx, ident); err != nil {
		t.Fatalf("PutIdentity: %v", err)
	}

	got, err := s.GetIdentity(ctx, ident.ID)
	if err != nil {
		t.Fatalf("GetIdentity: %v", err)
	}
	if got.MXID != ident.MXID || got.Kind != KindLetta {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Upsert keeps one row per identity.
	ident.AccessToken = "tok2"
	if err := s.PutIdentity(ctx, ident); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	list, err := s.ListIdentities(ctx)
	if err != nil {
		t.Fatalf("ListIdentities: %v", err)
	}
	if len(list) != 1 || list[0].AccessToken != "tok2" {
		t.Errorf("expected single upserted row, got %+v", list)
	}

	byMXID, err := s.GetIdentityByMXID(ctx, ident.MXID)
	if err != nil {
		t.Fatalf("GetIdentityByMXID: %v", err)
	}
	if byMXID.ID != ident.ID {
		t.Errorf("mxid lookup returned %q", byMXID.ID)
	}

	if err := s.DeleteIdentity(ctx, ident.ID); err != nil {
		t.Fatalf("DeleteIdentity: %v", err)
	}
	if _, err := s.GetIdentity(ctx, ident.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after delete, got %v", err)
	}
}

func TestSQLiteStoreAgentRoomsAndSpace(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	room := &AgentRoom{
		AgentID:          "agent-7",
		AgentName:        "Harbor",
		AgentMXID:        "@agent_7:fabric.test",
		RoomID:           "!r7:fabric.test",
		InvitationStatus: map[string]InviteStatus{"@owner:fabric.test": InviteJoined},
		CreatedAt:        time.Now().UTC(),
		RoomCreatedAt:    time.Now().UTC(),
	}
	if err := s.PutAgentRoom(ctx, room); err != nil {
		t.Fatalf("PutAgentRoom: %v", err)
	}
	got, err := s.GetAgentRoom(ctx, "agent-7")
	if err != nil {
		t.Fatalf("GetAgentRoom: %v", err)
	}
	if got.InvitationStatus["@owner:fabric.test"] != InviteJoined {
		t.Errorf("invitation status lost: %+v", got.InvitationStatus)
	}

	if _, err := s.GetSpaceConfig(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty space: expected ErrNotFound, got %v", err)
	}
	if err := s.PutSpaceConfig(ctx, &SpaceConfig{SpaceID: "!space:fabric.test", Name: "Letta Agents", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("PutSpaceConfig: %v", err)
	}
	// The singleton row is replaced, never duplicated.
	if err := s.PutSpaceConfig(ctx, &SpaceConfig{SpaceID: "!space2:fabric.test", Name: "Letta Agents", CreatedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("replace space: %v", err)
	}
	cfg, err := s.GetSpaceConfig(ctx)
	if err != nil {
		t.Fatalf("GetSpaceConfig: %v", err)
	}
	if cfg.SpaceID != "!space2:fabric.test" {
		t.Errorf("space id = %q", cfg.SpaceID)
	}
}

func TestSQLiteStoreClientState(t *testing.T) {
	s := newTestSQLiteStore(t)
	ctx := context.Background()

	if _, err := s.GetClientState(ctx, "letta_x"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := s.PutClientState(ctx, &ClientState{IdentityID: "letta_x", FilterID: "f", NextBatch: "s_1"}); err != nil {
		t.Fatalf("PutClientState: %v", err)
	}
	if err := s.PutClientState(ctx, &ClientState{IdentityID: "letta_x", FilterID: "f", NextBatch: "s_2"}); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, err := s.GetClientState(ctx, "letta_x")
	if err != nil {
		t.Fatalf("GetClientState: %v", err)
	}
	if state.NextBatch != "s_2" {
		t.Errorf("next batch = %q, want s_2", state.NextBatch)
	}
}
