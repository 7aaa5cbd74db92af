package clientpool

// syncstore.go adapts the fabric Store to the mautrix.SyncStore interface so
// each client resumes from its last known /sync position after a restart
// instead of replaying room history and re-triggering agent prompts.

import (
	"context"
	"errors"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/calyptra/agentfabric/internal/storage"
)

// Compile-time assertion that syncStore satisfies mautrix.SyncStore.
var _ mautrix.SyncStore = (*syncStore)(nil)

// syncStore persists one identity's filter id and next_batch token through
// the storage back-end (clients/<id>.json in file mode).
type syncStore struct {
	store      storage.Store
	identityID string
}

func newSyncStore(store storage.Store, identityID string) *syncStore {
	return &syncStore{store: store, identityID: identityID}
}

func (s *syncStore) SaveFilterID(ctx context.Context, _ id.UserID, filterID string) error {
	state, err := s.load(ctx)
	if err != nil {
		return err
	}
	state.FilterID = filterID
	return s.store.PutClientState(ctx, state)
}

func (s *syncStore) LoadFilterID(ctx context.Context, _ id.UserID) (string, error) {
	state, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return state.FilterID, nil
}

func (s *syncStore) SaveNextBatch(ctx context.Context, _ id.UserID, nextBatchToken string) error {
	state, err := s.load(ctx)
	if err != nil {
		return err
	}
	state.NextBatch = nextBatchToken
	return s.store.PutClientState(ctx, state)
}

func (s *syncStore) LoadNextBatch(ctx context.Context, _ id.UserID) (string, error) {
	state, err := s.load(ctx)
	if err != nil {
		return "", err
	}
	return state.NextBatch, nil
}

// load returns the stored state or a fresh zero state on first use.
func (s *syncStore) load(ctx context.Context) (*storage.ClientState, error) {
	state, err := s.store.GetClientState(ctx, s.identityID)
	if errors.Is(err, storage.ErrNotFound) {
		return &storage.ClientState{IdentityID: s.identityID}, nil
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}
