package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

// internalKeyHeader authenticates requests against the internal storage API.
const internalKeyHeader = "X-Internal-Key"

// requestIDHeader correlates a call with the storage service's logs.
const requestIDHeader = "X-Request-Id"

// APIStore talks to the remote internal storage service.  Every accessor is
// a network call; 404 maps to ErrNotFound and connection failures or 5xx
// responses map to ErrUnavailable so callers can retry.
type APIStore struct {
	baseURL     string
	internalKey string
	httpClient  *http.Client
}

var _ Store = (*APIStore)(nil)

// NewAPIStore creates a store backed by the internal REST API at baseURL.
func NewAPIStore(baseURL, internalKey string) (*APIStore, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("storage: api base URL is required")
	}
	return &APIStore{
		baseURL:     strings.TrimRight(baseURL, "/"),
		internalKey: internalKey,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *APIStore) Close() error { return nil }

// do performs one request. out may be nil for requests without a response
// body of interest.
func (s *APIStore) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("storage: marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("storage: build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.internalKey != "" {
		req.Header.Set(internalKeyHeader, s.internalKey)
	}
	req.Header.Set(requestIDHeader, uuid.NewString())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: api returned %d", ErrUnavailable, resp.StatusCode)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("storage: api %s %s: %d %s", method, path, resp.StatusCode, payload)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("storage: decode response: %w", err)
		}
	}
	return nil
}

// --- identities ---

func (s *APIStore) GetIdentity(ctx context.Context, id string) (*Identity, error) {
	var ident Identity
	if err := s.do(ctx, http.MethodGet, "/api/v1/internal/identities/"+url.PathEscape(id), nil, &ident); err != nil {
		return nil, err
	}
	return &ident, nil
}

func (s *APIStore) GetIdentityByMXID(ctx context.Context, mxid string) (*Identity, error) {
	var idents []*Identity
	path := "/api/v1/internal/identities?mxid=" + url.QueryEscape(mxid)
	if err := s.do(ctx, http.MethodGet, path, nil, &idents); err != nil {
		return nil, err
	}
	if len(idents) == 0 {
		return nil, ErrNotFound
	}
	return idents[0], nil
}

func (s *APIStore) PutIdentity(ctx context.Context, ident *Identity) error {
	return s.do(ctx, http.MethodPut, "/api/v1/internal/identities/"+url.PathEscape(ident.ID), ident, nil)
}

func (s *APIStore) DeleteIdentity(ctx context.Context, id string) error {
	return s.do(ctx, http.MethodDelete, "/api/v1/internal/identities/"+url.PathEscape(id), nil, nil)
}

func (s *APIStore) ListIdentities(ctx context.Context) ([]*Identity, error) {
	var idents []*Identity
	if err := s.do(ctx, http.MethodGet, "/api/v1/internal/identities", nil, &idents); err != nil {
		return nil, err
	}
	return idents, nil
}

// --- DM rooms ---

func (s *APIStore) GetDMRoom(ctx context.Context, key string) (*DMRoom, error) {
	var room DMRoom
	if err := s.do(ctx, http.MethodGet, "/api/v1/dm-rooms/"+url.PathEscape(key), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *APIStore) PutDMRoom(ctx context.Context, room *DMRoom) error {
	return s.do(ctx, http.MethodPut, "/api/v1/dm-rooms/"+url.PathEscape(room.Key), room, nil)
}

// --- agent rooms ---

func (s *APIStore) GetAgentRoom(ctx context.Context, agentID string) (*AgentRoom, error) {
	var room AgentRoom
	if err := s.do(ctx, http.MethodGet, "/api/v1/internal/agent-rooms/"+url.PathEscape(agentID), nil, &room); err != nil {
		return nil, err
	}
	return &room, nil
}

func (s *APIStore) PutAgentRoom(ctx context.Context, room *AgentRoom) error {
	return s.do(ctx, http.MethodPut, "/api/v1/internal/agent-rooms/"+url.PathEscape(room.AgentID), room, nil)
}

func (s *APIStore) DeleteAgentRoom(ctx context.Context, agentID string) error {
	return s.do(ctx, http.MethodDelete, "/api/v1/internal/agent-rooms/"+url.PathEscape(agentID), nil, nil)
}

func (s *APIStore) ListAgentRooms(ctx context.Context) ([]*AgentRoom, error) {
	var rooms []*AgentRoom
	if err := s.do(ctx, http.MethodGet, "/api/v1/internal/agent-rooms", nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// --- space config ---

func (s *APIStore) GetSpaceConfig(ctx context.Context) (*SpaceConfig, error) {
	var cfg SpaceConfig
	if err := s.do(ctx, http.MethodGet, "/api/v1/internal/space", nil, &cfg); err != nil {
		return nil, err
	}
	if cfg.SpaceID == "" {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (s *APIStore) PutSpaceConfig(ctx context.Context, cfg *SpaceConfig) error {
	return s.do(ctx, http.MethodPut, "/api/v1/internal/space", cfg, nil)
}

// --- client sync state ---

func (s *APIStore) GetClientState(ctx context.Context, identityID string) (*ClientState, error) {
	var state ClientState
	if err := s.do(ctx, http.MethodGet, "/api/v1/internal/clients/"+url.PathEscape(identityID), nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (s *APIStore) PutClientState(ctx context.Context, state *ClientState) error {
	return s.do(ctx, http.MethodPut, "/api/v1/internal/clients/"+url.PathEscape(state.IdentityID), state, nil)
}
