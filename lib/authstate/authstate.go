// Package authstate defines the session authentication-state model shared
// by every tier of the hybrid store: snapshots, patches and their merge
// rules, versioning metadata, and the typed errors of the write protocol.
//
// Credential and key payloads are opaque JSON documents; only the messaging
// client interprets them. The engine cares about the two-level
// type -> id -> value shape of the key store and nothing below it.
package authstate

import (
	"bytes"
	"encoding/json"
	"time"
	"unicode"

	"github.com/gravitational/trace"
)

// KeyType names a namespace of Signal-protocol material inside a snapshot.
type KeyType string

const (
	// KeyTypePreKey holds one-time pre-keys.
	KeyTypePreKey KeyType = "pre-key"
	// KeyTypeSession holds established signal sessions.
	KeyTypeSession KeyType = "session"
	// KeyTypeSenderKey holds group sender keys.
	KeyTypeSenderKey KeyType = "sender-key"
	// KeyTypeAppStateSyncKey holds app-state sync keys.
	KeyTypeAppStateSyncKey KeyType = "app-state-sync-key"
	// KeyTypeAppStateSyncVersion holds app-state sync version markers.
	KeyTypeAppStateSyncVersion KeyType = "app-state-sync-version"
	// KeyTypeSenderKeyMemory holds the sender-key distribution memory.
	KeyTypeSenderKeyMemory KeyType = "sender-key-memory"
)

// KnownKeyTypes lists every key type the typed facade accepts.
func KnownKeyTypes() []KeyType {
	return []KeyType{
		KeyTypePreKey,
		KeyTypeSession,
		KeyTypeSenderKey,
		KeyTypeAppStateSyncKey,
		KeyTypeAppStateSyncVersion,
		KeyTypeSenderKeyMemory,
	}
}

// Known reports whether t is one of the fixed key types. Unknown types are
// rejected at the facade but preserved by merges, so snapshots written by
// newer clients survive round trips through older ones.
func (t KeyType) Known() bool {
	switch t {
	case KeyTypePreKey, KeyTypeSession, KeyTypeSenderKey,
		KeyTypeAppStateSyncKey, KeyTypeAppStateSyncVersion, KeyTypeSenderKeyMemory:
		return true
	}
	return false
}

// Snapshot is the full per-session authentication state.
type Snapshot struct {
	// Creds holds the serialized credentials. Opaque to the engine.
	Creds json.RawMessage `json:"creds,omitempty"`
	// Keys maps key type to id to serialized value.
	Keys map[KeyType]map[string]json.RawMessage `json:"keys,omitempty"`
	// AppState holds auxiliary client state, replaced wholesale on patch.
	AppState map[string]json.RawMessage `json:"appState,omitempty"`
}

// Patch is a partial snapshot. Nil fields mean "leave unchanged"; a null
// value inside Keys deletes that entry; a non-nil AppState replaces the
// stored one wholesale.
type Patch struct {
	Creds    json.RawMessage                        `json:"creds,omitempty"`
	Keys     map[KeyType]map[string]json.RawMessage `json:"keys,omitempty"`
	AppState map[string]json.RawMessage             `json:"appState,omitempty"`
}

// Versioned pairs a value with its monotonic version and last-write time.
type Versioned[T any] struct {
	Data      T         `json:"data"`
	Version   uint64    `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// IsZero reports whether the snapshot carries no state at all.
func (s Snapshot) IsZero() bool {
	return s.Creds == nil && len(s.Keys) == 0 && len(s.AppState) == 0
}

// Clone returns a deep copy. Mutating the copy never affects the original.
func (s Snapshot) Clone() Snapshot {
	out := Snapshot{
		Creds: cloneRaw(s.Creds),
	}
	if s.Keys != nil {
		out.Keys = make(map[KeyType]map[string]json.RawMessage, len(s.Keys))
		for t, entries := range s.Keys {
			m := make(map[string]json.RawMessage, len(entries))
			for id, v := range entries {
				m[id] = cloneRaw(v)
			}
			out.Keys[t] = m
		}
	}
	out.AppState = cloneRawMap(s.AppState)
	return out
}

// IsZero reports whether the patch would change nothing.
func (p Patch) IsZero() bool {
	return p.Creds == nil && len(p.Keys) == 0 && p.AppState == nil
}

// ValidateSessionID checks that s is usable as the primary key of a record.
func ValidateSessionID(s string) error {
	if s == "" {
		return trace.BadParameter("missing session id")
	}
	if len(s) > 512 {
		return trace.BadParameter("session id exceeds 512 bytes")
	}
	for _, r := range s {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return trace.BadParameter("session id contains whitespace or control characters")
		}
	}
	return nil
}

// IsNullValue reports whether v denotes deletion in a patch: either a nil
// RawMessage built in process, or a literal JSON null that arrived over the
// wire.
func IsNullValue(v json.RawMessage) bool {
	return v == nil || bytes.Equal(bytes.TrimSpace(v), []byte("null"))
}

func cloneRaw(v json.RawMessage) json.RawMessage {
	if v == nil {
		return nil
	}
	return bytes.Clone(v)
}

func cloneRawMap(m map[string]json.RawMessage) map[string]json.RawMessage {
	if m == nil {
		return nil
	}
	out := make(map[string]json.RawMessage, len(m))
	for k, v := range m {
		out[k] = cloneRaw(v)
	}
	return out
}
