package codec

import (
	"encoding/base64"
	"sync"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
)

// KeySize is the AEAD key length; both secretbox and AES-256-GCM take
// 32-byte keys.
const KeySize = 32

// Key is one encryption key with its identity and creation time.
type Key struct {
	// ID is embedded in every envelope so decode can pick the right key.
	ID string
	// Material is the raw 32-byte key.
	Material [KeySize]byte
	// CreatedAt anchors the rotation window.
	CreatedAt time.Time
}

func (k Key) check() error {
	if k.ID == "" {
		return trace.BadParameter("missing key id")
	}
	if len(k.ID) > 255 {
		return trace.BadParameter("key id %q exceeds 255 bytes", k.ID)
	}
	if k.Material == ([KeySize]byte{}) {
		return trace.BadParameter("key %q has zero material", k.ID)
	}
	return nil
}

// ParseKey builds a Key from a standard-base64 encoded 32-byte secret, the
// form keys usually take in deployment config.
func ParseKey(id, encoded string) (Key, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Key{}, trace.BadParameter("key %q is not valid base64: %v", id, err)
	}
	if len(raw) != KeySize {
		return Key{}, trace.BadParameter("key %q must decode to %d bytes, got %d", id, KeySize, len(raw))
	}
	k := Key{ID: id}
	copy(k.Material[:], raw)
	return k, nil
}

// KeyringConfig configures a Keyring.
type KeyringConfig struct {
	// Active is the key new envelopes are sealed with. Required.
	Active Key
	// Previous, when set, remains usable for decode during the rotation
	// window.
	Previous *Key
	// RotationWindow is how long after the active key's creation the
	// previous key keeps decoding. Defaults to 7 days.
	RotationWindow time.Duration
	// Clock defaults to the real clock.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *KeyringConfig) CheckAndSetDefaults() error {
	if err := c.Active.check(); err != nil {
		return trace.Wrap(err)
	}
	if c.Previous != nil {
		if err := c.Previous.check(); err != nil {
			return trace.Wrap(err)
		}
		if c.Previous.ID == c.Active.ID {
			return trace.BadParameter("previous key must not share id %q with the active key", c.Active.ID)
		}
	}
	if c.RotationWindow <= 0 {
		c.RotationWindow = 7 * 24 * time.Hour
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Keyring holds the active encryption key plus at most one previous key.
// Encode always uses the active key; decode resolves an envelope's key id
// against both, honouring the previous key only inside the rotation window.
type Keyring struct {
	mu       sync.RWMutex
	active   Key
	previous *Key
	window   time.Duration
	clock    clockwork.Clock
}

// NewKeyring creates a keyring from the supplied config.
func NewKeyring(cfg KeyringConfig) (*Keyring, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Keyring{
		active:   cfg.Active,
		previous: cfg.Previous,
		window:   cfg.RotationWindow,
		clock:    cfg.Clock,
	}, nil
}

// Active returns the key new envelopes are sealed with.
func (r *Keyring) Active() Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Lookup resolves a key id from an envelope. The previous key resolves only
// while the rotation window, anchored at the active key's creation time, is
// still open.
func (r *Keyring) Lookup(id string) (Key, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if id == r.active.ID {
		return r.active, true
	}
	if r.previous != nil && id == r.previous.ID {
		deadline := r.active.CreatedAt.Add(r.window)
		if r.clock.Now().Before(deadline) {
			return *r.previous, true
		}
	}
	return Key{}, false
}

// Rotate installs a new active key; the old active key becomes the previous
// key and stays decodable for the rotation window.
func (r *Keyring) Rotate(next Key) error {
	if err := next.check(); err != nil {
		return trace.Wrap(err)
	}
	if next.CreatedAt.IsZero() {
		next.CreatedAt = r.clock.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if next.ID == r.active.ID {
		return trace.BadParameter("new key must not reuse the active key id %q", next.ID)
	}
	prev := r.active
	r.previous = &prev
	r.active = next
	return nil
}
