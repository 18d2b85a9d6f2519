package kv

import (
	"strings"

	"github.com/google/uuid"
)

// Namespace prefixes every key the agent owns. Cache clears only touch keys
// under it.
const Namespace = "livepush:"

const (
	KeyUUID       = Namespace + "uuid"
	KeyAppVersion = Namespace + "version"
	KeyInspector  = Namespace + "inspector"
	KeyDigest     = Namespace + "digest"
	KeyReconnect  = Namespace + ":reconnect"
	KeyLocale     = Namespace + ":locale"
	KeyCurrentApp = Namespace + ":currentApp"
)

// VersionKey is the key holding the installed bundle version for room.
func VersionKey(room string) string {
	return Namespace + room + ":version"
}

// Owned reports whether key lives under the agent's namespace.
func Owned(key string) bool {
	return strings.HasPrefix(key, Namespace)
}

// EnsureUUID returns the installation UUID, generating and storing one the
// first time (or after a cache clear removed it).
func EnsureUUID(p Properties) (string, error) {
	if id := p.GetString(KeyUUID, ""); id != "" {
		return id, nil
	}
	id := uuid.NewString()
	if err := p.SetString(KeyUUID, id); err != nil {
		return "", err
	}
	return id, nil
}

// Version returns the persisted bundle version for room, or nil.
func Version(p Properties, room string) *string {
	v := p.GetString(VersionKey(room), "")
	if v == "" {
		return nil
	}
	return &v
}
