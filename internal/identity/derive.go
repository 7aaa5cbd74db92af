package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/calyptra/agentfabric/internal/storage"
)

// ErrInvalidLocalpart is returned when derivation produces an empty or
// illegal Matrix localpart.
var ErrInvalidLocalpart = fmt.Errorf("identity: invalid localpart")

// invalidLocalpartChars strips everything outside the conservative localpart
// character set shared by all identity kinds.
var invalidLocalpartChars = regexp.MustCompile(`[^a-z0-9_]`)

// passwordPrefix marks fabric-derived passwords; combined with the hash it
// yields exactly passwordLength characters.
const (
	passwordPrefix = "MCP_"
	passwordLength = 28
)

// ID returns the identity id for an external key: "<kind>_<external-key>".
func ID(kind storage.IdentityKind, externalKey string) string {
	return string(kind) + "_" + externalKey
}

// LocalpartFor derives the deterministic Matrix localpart for an identity.
//
// The letta format must match accounts that already exist on the homeserver:
// an external key "agent-<uuid>" becomes "agent_" followed by the uuid with
// hyphens replaced by underscores. Opencode keys are project directories and
// become "oc_<basename>_v2". Custom keys are sanitised as-is.
func LocalpartFor(kind storage.IdentityKind, externalKey string) (string, error) {
	var localpart string
	switch kind {
	case storage.KindLetta:
		key := strings.TrimPrefix(externalKey, "agent-")
		localpart = "agent_" + sanitise(key)
	case storage.KindOpencode:
		localpart = "oc_" + sanitise(path.Base(externalKey)) + "_v2"
	case storage.KindCustom:
		localpart = sanitise(externalKey)
	default:
		return "", fmt.Errorf("%w: unknown identity kind %q", ErrInvalidLocalpart, kind)
	}

	if localpart == "" || strings.Trim(localpart, "_") == "" {
		return "", fmt.Errorf("%w: key %q produces empty localpart", ErrInvalidLocalpart, externalKey)
	}
	return localpart, nil
}

// sanitise lower-cases the input, replaces hyphens with underscores, and
// strips every character outside [a-z0-9_].
func sanitise(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, "-", "_")
	return invalidLocalpartChars.ReplaceAllString(s, "")
}

// PasswordFor derives the deterministic account password for a localpart.
// The same (localpart, secret) pair always yields the same password, which is
// what makes lossless re-provisioning possible after token loss.
func PasswordFor(localpart, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(localpart))
	digest := hex.EncodeToString(mac.Sum(nil))
	return (passwordPrefix + digest)[:passwordLength]
}

// MXIDFor builds the full Matrix user id for a localpart.
func MXIDFor(localpart, serverName string) string {
	return "@" + localpart + ":" + serverName
}
