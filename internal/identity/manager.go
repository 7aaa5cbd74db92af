// Package identity guarantees that every stable external key maps to exactly
// one Matrix account, and that the fabric can always recover a working access
// token for it.
//
// Recovery is a ladder: derived-password login first, then the admin
// command-room reset (authoritative on Tuwunel-class homeservers, and the
// first choice because it needs no admin-API surface), then the Synapse admin
// reset endpoints, then any historical stored password. Each step is tried
// only if all prior steps failed; when the ladder is exhausted the identity
// is reported unrecoverable rather than guessed at.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/synapseadmin"

	"github.com/calyptra/agentfabric/internal/storage"
)

// ErrUnrecoverable is returned when every rung of the recovery ladder failed.
var ErrUnrecoverable = errors.New("identity: unrecoverable")

// HomeserverError carries a non-Matrix-typed homeserver failure.
type HomeserverError struct {
	Status int
	Body   string
}

func (e *HomeserverError) Error() string {
	return fmt.Sprintf("homeserver error %d: %s", e.Status, e.Body)
}

// commandRoomResetWait is how long the homeserver is given to apply an
// !admin reset-password command before the login retry.
const commandRoomResetWait = 1500 * time.Millisecond

// Config holds the IdentityManager inputs.
type Config struct {
	HomeserverURL     string
	ServerName        string
	AdminUsername     string
	AdminPassword     string
	RegistrationToken string
	PasswordSecret    string
	// AdminRoomAlias is the command-room alias localpart (e.g. "#admins").
	AdminRoomAlias string
}

// Manager provisions and recovers Matrix accounts.
type Manager struct {
	cfg        Config
	store      storage.Store
	httpClient *http.Client

	// resetWait is overridable in tests; production uses commandRoomResetWait.
	resetWait time.Duration

	adminMu  sync.Mutex
	adminCli *mautrix.Client
}

// New creates a Manager. AdminUsername/AdminPassword are optional: without
// them only the derived-password rung of the ladder is available.
func New(cfg Config, store storage.Store) (*Manager, error) {
	if cfg.HomeserverURL == "" {
		return nil, fmt.Errorf("identity: HomeserverURL is required")
	}
	if cfg.ServerName == "" {
		return nil, fmt.Errorf("identity: ServerName is required")
	}
	if cfg.PasswordSecret == "" {
		return nil, fmt.Errorf("identity: PasswordSecret is required")
	}
	if cfg.AdminRoomAlias == "" {
		cfg.AdminRoomAlias = "#admins"
	}
	return &Manager{
		cfg:        cfg,
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		resetWait:  commandRoomResetWait,
	}, nil
}

// GetOrCreate returns the identity for (kind, externalKey), provisioning the
// Matrix account on first use. A stored identity is returned as-is; its
// display name is not overwritten from the caller's possibly stale value.
func (m *Manager) GetOrCreate(ctx context.Context, kind storage.IdentityKind, externalKey, displayName string) (*storage.Identity, error) {
	identID := ID(kind, externalKey)

	stored, err := m.store.GetIdentity(ctx, identID)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return nil, err
	}

	localpart, err := LocalpartFor(kind, externalKey)
	if err != nil {
		return nil, err
	}
	password := PasswordFor(localpart, m.cfg.PasswordSecret)
	mxid := MXIDFor(localpart, m.cfg.ServerName)

	slog.Info("provisioning Matrix account", "identity", identID, "mxid", mxid)

	token, err := m.register(ctx, localpart, password, displayName)
	if err != nil {
		if !errors.Is(err, mautrix.MUserInUse) && !errors.Is(err, mautrix.MExclusive) {
			return nil, fmt.Errorf("identity: register %s: %w", localpart, err)
		}
		// The account exists but we hold no token: run the recovery ladder.
		slog.Info("account already exists, recovering", "mxid", mxid)
		token, err = m.recoverToken(ctx, localpart, password, mxid)
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	ident := &storage.Identity{
		ID:          identID,
		MXID:        mxid,
		DisplayName: displayName,
		AccessToken: token,
		Password:    password,
		Kind:        kind,
		CreatedAt:   now,
		LastUsedAt:  now,
	}
	if err := m.store.PutIdentity(ctx, ident); err != nil {
		return nil, fmt.Errorf("identity: persist %s: %w", identID, err)
	}
	return ident, nil
}

// RefreshToken re-acquires a working access token for a stored identity,
// typically after the homeserver reported M_UNKNOWN_TOKEN. The new token is
// persisted before it is returned.
func (m *Manager) RefreshToken(ctx context.Context, identityID string) (*storage.Identity, error) {
	ident, err := m.store.GetIdentity(ctx, identityID)
	if err != nil {
		return nil, err
	}
	localpart := storage.LocalpartOf(ident.MXID)

	token, err := m.login(ctx, localpart, ident.Password)
	if err != nil {
		token, err = m.recoverToken(ctx, localpart, PasswordFor(localpart, m.cfg.PasswordSecret), ident.MXID)
		if err != nil {
			return nil, err
		}
	}

	ident.AccessToken = token
	ident.LastUsedAt = time.Now().UTC()
	if err := m.store.PutIdentity(ctx, ident); err != nil {
		return nil, fmt.Errorf("identity: persist refreshed token for %s: %w", identityID, err)
	}
	return ident, nil
}

// recoverToken runs the password-reset ladder and returns a fresh token.
func (m *Manager) recoverToken(ctx context.Context, localpart, password, mxid string) (string, error) {
	// Rung 1: the prior create may have succeeded without the token being
	// persisted, in which case the derived password simply works.
	if token, err := m.login(ctx, localpart, password); err == nil {
		slog.Info("recovered via derived-password login", "mxid", mxid)
		return token, nil
	}

	// Rung 2: admin command-room reset.
	if err := m.resetViaCommandRoom(ctx, localpart, password); err != nil {
		slog.Warn("command-room reset failed", "mxid", mxid, "err", err)
	} else if token, err := m.login(ctx, localpart, password); err == nil {
		slog.Info("recovered via admin command-room reset", "mxid", mxid)
		return token, nil
	}

	// Rung 3: Synapse admin reset endpoint (v1), then the v2 user PUT.
	if err := m.resetViaSynapseV1(ctx, mxid, password); err != nil {
		slog.Warn("synapse v1 reset failed", "mxid", mxid, "err", err)
		if err := m.resetViaSynapseV2(ctx, mxid, password); err != nil {
			slog.Warn("synapse v2 reset failed", "mxid", mxid, "err", err)
		}
	}
	if token, err := m.login(ctx, localpart, password); err == nil {
		slog.Info("recovered via synapse admin reset", "mxid", mxid)
		return token, nil
	}

	// Rung 4: any historical password stored for this MXID.
	if stored, err := m.store.GetIdentityByMXID(ctx, mxid); err == nil && stored.Password != "" && stored.Password != password {
		if token, err := m.login(ctx, localpart, stored.Password); err == nil {
			slog.Info("recovered via historical stored password", "mxid", mxid)
			return token, nil
		}
	}

	return "", fmt.Errorf("%w: all recovery paths failed for %s", ErrUnrecoverable, mxid)
}

// registrationTokenAuth is the m.login.registration_token UIA payload.
type registrationTokenAuth struct {
	Type    string `json:"type"`
	Token   string `json:"token"`
	Session string `json:"session,omitempty"`
}

// register creates the account using the registration-token flow.
func (m *Manager) register(ctx context.Context, localpart, password, displayName string) (string, error) {
	cli, err := mautrix.NewClient(m.cfg.HomeserverURL, "", "")
	if err != nil {
		return "", err
	}

	req := &mautrix.ReqRegister{
		Username:                 localpart,
		Password:                 password,
		InitialDeviceDisplayName: displayName,
	}
	if m.cfg.RegistrationToken != "" {
		req.Auth = registrationTokenAuth{
			Type:  "m.login.registration_token",
			Token: m.cfg.RegistrationToken,
		}
		resp, uia, err := cli.Register(ctx, req)
		if err != nil {
			return "", err
		}
		if resp == nil {
			// Synapse answers the first attempt with 401 plus UIA flows; the
			// token must be resubmitted under the issued session id.
			if uia == nil {
				return "", fmt.Errorf("identity: register %s: homeserver returned neither a result nor auth flows", localpart)
			}
			req.Auth = registrationTokenAuth{
				Type:    "m.login.registration_token",
				Token:   m.cfg.RegistrationToken,
				Session: uia.Session,
			}
			resp, _, err = cli.Register(ctx, req)
			if err != nil {
				return "", err
			}
			if resp == nil {
				return "", fmt.Errorf("identity: register %s: auth stage not completed", localpart)
			}
		}
		return resp.AccessToken, nil
	}

	resp, err := cli.RegisterDummy(ctx, req)
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// login performs a password login and returns the access token.
func (m *Manager) login(ctx context.Context, localpart, password string) (string, error) {
	cli, err := mautrix.NewClient(m.cfg.HomeserverURL, "", "")
	if err != nil {
		return "", err
	}
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: localpart,
		},
		Password:                 password,
		InitialDeviceDisplayName: "agentfabric",
	})
	if err != nil {
		return "", err
	}
	return resp.AccessToken, nil
}

// adminClient lazily logs in the admin account and caches the client.
func (m *Manager) adminClient(ctx context.Context) (*mautrix.Client, error) {
	m.adminMu.Lock()
	defer m.adminMu.Unlock()
	if m.adminCli != nil {
		return m.adminCli, nil
	}
	if m.cfg.AdminUsername == "" || m.cfg.AdminPassword == "" {
		return nil, fmt.Errorf("identity: admin credentials not configured")
	}

	cli, err := mautrix.NewClient(m.cfg.HomeserverURL, "", "")
	if err != nil {
		return nil, err
	}
	resp, err := cli.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: m.cfg.AdminUsername,
		},
		Password:                 m.cfg.AdminPassword,
		InitialDeviceDisplayName: "agentfabric admin",
	})
	if err != nil {
		return nil, fmt.Errorf("identity: admin login: %w", err)
	}
	cli.UserID = resp.UserID
	cli.AccessToken = resp.AccessToken
	m.adminCli = cli
	return cli, nil
}

// resetViaCommandRoom sends "!admin users reset-password <local> <password>"
// to the admin command-room and waits for the homeserver to apply it.
// No other !admin command is ever sent from this path.
func (m *Manager) resetViaCommandRoom(ctx context.Context, localpart, password string) error {
	cli, err := m.adminClient(ctx)
	if err != nil {
		return err
	}

	alias := id.RoomAlias(m.cfg.AdminRoomAlias + ":" + m.cfg.ServerName)
	resolved, err := cli.ResolveAlias(ctx, alias)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", alias, err)
	}
	if _, err := cli.JoinRoomByID(ctx, resolved.RoomID); err != nil && !errors.Is(err, mautrix.MForbidden) {
		return fmt.Errorf("join %s: %w", resolved.RoomID, err)
	}

	command := fmt.Sprintf("!admin users reset-password %s %s", localpart, password)
	if _, err := cli.SendText(ctx, resolved.RoomID, command); err != nil {
		return fmt.Errorf("send reset command: %w", err)
	}

	// The command room is fire-and-forget; give the server a moment to act.
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(m.resetWait):
	}
	return nil
}

// resetViaSynapseV1 calls POST /_synapse/admin/v1/reset_password/<mxid>.
func (m *Manager) resetViaSynapseV1(ctx context.Context, mxid, password string) error {
	body := map[string]any{"new_password": password, "logout_devices": false}
	return m.adminHTTP(ctx, http.MethodPost,
		"/_synapse/admin/v1/reset_password/"+url.PathEscape(mxid), body)
}

// resetViaSynapseV2 falls back to PUT /_synapse/admin/v2/users/<mxid>.
func (m *Manager) resetViaSynapseV2(ctx context.Context, mxid, password string) error {
	body := map[string]any{"password": password, "logout_devices": false}
	return m.adminHTTP(ctx, http.MethodPut,
		"/_synapse/admin/v2/users/"+url.PathEscape(mxid), body)
}

// adminHTTP performs a raw admin-API request with the admin access token.
func (m *Manager) adminHTTP(ctx context.Context, method, path string, body any) error {
	cli, err := m.adminClient(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method,
		strings.TrimRight(m.cfg.HomeserverURL, "/")+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+cli.AccessToken)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HomeserverError{Status: resp.StatusCode, Body: string(payload)}
	}
	return nil
}

// UpdateProfile sets the display name (and avatar when non-empty) for an
// identity. The admin users PUT is tried first; homeservers that answer
// M_UNRECOGNIZED get the user's own profile PUT instead.
func (m *Manager) UpdateProfile(ctx context.Context, ident *storage.Identity, displayName, avatarURL string) error {
	adminErr := m.adminHTTP(ctx, http.MethodPut,
		"/_synapse/admin/v2/users/"+url.PathEscape(ident.MXID),
		map[string]any{"displayname": displayName})

	if adminErr != nil {
		var hsErr *HomeserverError
		unrecognised := errors.Is(adminErr, mautrix.MUnrecognized) ||
			(errors.As(adminErr, &hsErr) && hsErr.Status == http.StatusNotFound)
		if !unrecognised {
			slog.Warn("admin profile update failed, falling back to self-service PUT",
				"mxid", ident.MXID, "err", adminErr)
		}
		cli, err := mautrix.NewClient(m.cfg.HomeserverURL, id.UserID(ident.MXID), ident.AccessToken)
		if err != nil {
			return err
		}
		if err := cli.SetDisplayName(ctx, displayName); err != nil {
			return fmt.Errorf("identity: set display name for %s: %w", ident.MXID, err)
		}
		if avatarURL != "" {
			if err := cli.SetAvatarURL(ctx, id.ContentURIString(avatarURL).ParseOrIgnore()); err != nil {
				return fmt.Errorf("identity: set avatar for %s: %w", ident.MXID, err)
			}
		}
	}

	ident.DisplayName = displayName
	if avatarURL != "" {
		ident.AvatarURL = avatarURL
	}
	return m.store.PutIdentity(ctx, ident)
}

// Delete deactivates the homeserver account and removes the local record.
func (m *Manager) Delete(ctx context.Context, identityID string) error {
	ident, err := m.store.GetIdentity(ctx, identityID)
	if err != nil {
		return err
	}

	cli, err := m.adminClient(ctx)
	if err == nil {
		admin := &synapseadmin.Client{Client: cli}
		if err := admin.DeactivateAccount(ctx, id.UserID(ident.MXID), synapseadmin.ReqDeleteUser{}); err != nil {
			slog.Warn("deactivate account failed; removing local record anyway",
				"mxid", ident.MXID, "err", err)
		}
	} else {
		slog.Warn("no admin client; skipping homeserver deactivation", "mxid", ident.MXID, "err", err)
	}

	return m.store.DeleteIdentity(ctx, identityID)
}
