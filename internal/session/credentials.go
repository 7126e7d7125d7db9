package session

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// CredentialBundle is the serializable authentication state needed to
// resume an encrypted session without re-pairing: opaque auth material
// plus a two-level mapping of key material (category -> id -> value).
// []byte fields are base64-encoded by encoding/json, which keeps the
// persisted snapshot JSON-safe and symmetric on load.
type CredentialBundle struct {
	Auth []byte                       `json:"auth,omitempty"`
	Keys map[string]map[string][]byte `json:"keys,omitempty"`
}

func NewCredentialBundle() *CredentialBundle {
	return &CredentialBundle{Keys: make(map[string]map[string][]byte)}
}

// SetKey merges one key into the bundle. New values overwrite existing
// keys with the same id; keys are never deleted implicitly.
func (b *CredentialBundle) SetKey(category, id string, value []byte) {
	if b.Keys == nil {
		b.Keys = make(map[string]map[string][]byte)
	}
	if b.Keys[category] == nil {
		b.Keys[category] = make(map[string][]byte)
	}
	b.Keys[category][id] = value
}

// Key returns the stored value for category/id.
func (b *CredentialBundle) Key(category, id string) ([]byte, bool) {
	if b.Keys == nil || b.Keys[category] == nil {
		return nil, false
	}
	v, ok := b.Keys[category][id]
	return v, ok
}

// Reset erases all stored material. Used on explicit logout.
func (b *CredentialBundle) Reset() {
	b.Auth = nil
	b.Keys = make(map[string]map[string][]byte)
}

// Empty reports whether the bundle holds no material at all.
func (b *CredentialBundle) Empty() bool {
	if len(b.Auth) > 0 {
		return false
	}
	for _, m := range b.Keys {
		if len(m) > 0 {
			return false
		}
	}
	return true
}

// Snapshot returns a deep copy safe to serialize outside the registry lock.
func (b *CredentialBundle) Snapshot() *CredentialBundle {
	cp := &CredentialBundle{Keys: make(map[string]map[string][]byte, len(b.Keys))}
	if len(b.Auth) > 0 {
		cp.Auth = append([]byte(nil), b.Auth...)
	}
	for cat, m := range b.Keys {
		inner := make(map[string][]byte, len(m))
		for id, v := range m {
			inner[id] = append([]byte(nil), v...)
		}
		cp.Keys[cat] = inner
	}
	return cp
}

// EncodeCredentials serializes the bundle for the auth_state column.
func EncodeCredentials(b *CredentialBundle) (string, error) {
	if b == nil {
		b = NewCredentialBundle()
	}
	data, err := json.Marshal(b)
	if err != nil {
		return "", errors.Wrap(err, "encode credential bundle")
	}
	return string(data), nil
}

// DecodeCredentials restores a bundle from its persisted snapshot. An
// empty snapshot yields a fresh bundle.
func DecodeCredentials(raw string) (*CredentialBundle, error) {
	b := NewCredentialBundle()
	if raw == "" {
		return b, nil
	}
	if err := json.Unmarshal([]byte(raw), b); err != nil {
		return nil, errors.Wrap(err, "decode credential bundle")
	}
	if b.Keys == nil {
		b.Keys = make(map[string]map[string][]byte)
	}
	return b, nil
}
