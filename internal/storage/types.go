package storage

import (
	"sort"
	"strings"
	"time"
)

// IdentityKind distinguishes how an identity's localpart is derived.
type IdentityKind string

const (
	KindLetta    IdentityKind = "letta"
	KindOpencode IdentityKind = "opencode"
	KindCustom   IdentityKind = "custom"
)

// Identity is a provisioned Matrix account owned by the fabric.
// Both ID and MXID are unique keys.
type Identity struct {
	ID          string       `json:"id"`
	MXID        string       `json:"mxid"`
	DisplayName string       `json:"display_name"`
	AvatarURL   string       `json:"avatar_url,omitempty"`
	AccessToken string       `json:"access_token"`
	// Password is the deterministic secret derived from (localpart, secret).
	// It is retained so the account can be re-logged-in after token loss.
	Password    string       `json:"password"`
	Kind        IdentityKind `json:"kind"`
	Deactivated bool         `json:"deactivated,omitempty"`
	CreatedAt   time.Time    `json:"created_at"`
	LastUsedAt  time.Time    `json:"last_used_at"`
}

// DMRoom is a persisted direct-message room between two identities.
type DMRoom struct {
	Key            string    `json:"key"`
	RoomID         string    `json:"room_id"`
	Participants   [2]string `json:"participants"`
	CreatedAt      time.Time `json:"created_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// DMKey returns the symmetric storage key for a DM between two MXIDs.
// The participants are sorted lexicographically so DMKey(a,b) == DMKey(b,a).
func DMKey(a, b string) string {
	if a > b {
		a, b = b, a
	}
	return a + "|" + b
}

// SortParticipants returns the two MXIDs in key order.
func SortParticipants(a, b string) [2]string {
	p := []string{a, b}
	sort.Strings(p)
	return [2]string{p[0], p[1]}
}

// InviteStatus records the outcome of a single room invitation.
type InviteStatus string

const (
	InviteInvited InviteStatus = "invited"
	InviteJoined  InviteStatus = "joined"
	InviteFailed  InviteStatus = "failed"
)

// AgentRoom maps an agent to its dedicated Matrix room.
// The JSON field names match the on-disk agent_user_mappings.json layout.
type AgentRoom struct {
	AgentID          string                  `json:"agent_id"`
	AgentName        string                  `json:"agent_name"`
	AgentMXID        string                  `json:"matrix_user_id"`
	AgentPassword    string                  `json:"matrix_password"`
	RoomID           string                  `json:"room_id"`
	InvitationStatus map[string]InviteStatus `json:"invitation_status"`
	CreatedAt        time.Time               `json:"created"`
	RoomCreatedAt    time.Time               `json:"room_created"`
}

// SpaceConfig is the singleton record for the parent agents space.
type SpaceConfig struct {
	SpaceID   string    `json:"space_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ClientState holds the per-identity Matrix sync position.
type ClientState struct {
	IdentityID string `json:"identity_id"`
	FilterID   string `json:"filter_id,omitempty"`
	NextBatch  string `json:"next_batch,omitempty"`
}

// LocalpartOf extracts the localpart from an MXID ("@local:server" → "local").
// Returns the input unchanged when it does not look like an MXID.
func LocalpartOf(mxid string) string {
	s := strings.TrimPrefix(mxid, "@")
	if i := strings.IndexByte(s, ':'); i >= 0 {
		return s[:i]
	}
	return s
}

// ServerOf extracts the server name from an MXID, or "" when absent.
func ServerOf(mxid string) string {
	if i := strings.IndexByte(mxid, ':'); i >= 0 {
		return mxid[i+1:]
	}
	return ""
}
