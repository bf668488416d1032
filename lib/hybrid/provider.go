package hybrid

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/gravitational/trace"

	"github.com/luoarch/baileys-store-core-sub002/lib/authstate"
)

// Provider is the client-facing facade over one session: credentials plus
// the typed signal-key store the messaging client expects. All writes flow
// through the engine, so they inherit versioning, rate limiting and health
// tracking.
type Provider struct {
	engine    *Engine
	sessionID string

	mu     sync.Mutex
	creds  json.RawMessage
	loaded bool
}

// NewProvider binds a provider to a session.
func NewProvider(engine *Engine, sessionID string) (*Provider, error) {
	if engine == nil {
		return nil, trace.BadParameter("missing parameter engine")
	}
	if err := authstate.ValidateSessionID(sessionID); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Provider{engine: engine, sessionID: sessionID}, nil
}

// SessionID returns the session the provider is bound to.
func (p *Provider) SessionID() string {
	return p.sessionID
}

// Creds returns the session's credentials, loading them from the store on
// first use. Nil means the session has no credentials yet (fresh pairing).
func (p *Provider) Creds(ctx context.Context) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.loadLocked(ctx); err != nil {
		return nil, trace.Wrap(err)
	}
	if p.creds == nil {
		return nil, nil
	}
	out := make(json.RawMessage, len(p.creds))
	copy(out, p.creds)
	return out, nil
}

// SetCreds replaces the in-memory credentials. Nothing is stored until
// SaveCreds.
func (p *Provider) SetCreds(creds json.RawMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if creds == nil {
		p.creds = nil
	} else {
		p.creds = make(json.RawMessage, len(creds))
		copy(p.creds, creds)
	}
	p.loaded = true
}

// SaveCreds persists the in-memory credentials. The messaging client calls
// this on every creds.update event.
func (p *Provider) SaveCreds(ctx context.Context) error {
	p.mu.Lock()
	if err := p.loadLocked(ctx); err != nil {
		p.mu.Unlock()
		return trace.Wrap(err)
	}
	creds := p.creds
	p.mu.Unlock()

	if creds == nil {
		// a null creds patch removes the stored credentials
		creds = json.RawMessage("null")
	}
	_, err := p.engine.Set(ctx, p.sessionID, authstate.Patch{Creds: creds}, WriteOptions{
		TTL: p.engine.cfg.TTL.Creds,
	})
	return trace.Wrap(err)
}

// Keys returns the signal-key facade.
func (p *Provider) Keys() *KeyStore {
	return &KeyStore{provider: p}
}

// loadLocked populates the creds cache from the store on first use.
func (p *Provider) loadLocked(ctx context.Context) error {
	if p.loaded {
		return nil
	}
	versioned, err := p.engine.Get(ctx, p.sessionID)
	if err != nil {
		return trace.Wrap(err)
	}
	if versioned != nil {
		p.creds = versioned.Data.Creds
	}
	p.loaded = true
	return nil
}

// KeyStore is the typed facade over the session's signal-protocol
// material. It mirrors the get/set contract messaging clients program
// against: Get returns only the entries that exist, Set deletes entries
// whose value is nil.
type KeyStore struct {
	provider *Provider
}

// Get returns the requested entries of one key type. Absent ids are simply
// missing from the result.
func (k *KeyStore) Get(ctx context.Context, keyType authstate.KeyType, ids []string) (map[string]json.RawMessage, error) {
	if !keyType.Known() {
		return nil, trace.BadParameter("unknown key type %q", keyType)
	}
	engine := k.provider.engine
	if engine.cfg.Tracker != nil {
		engine.cfg.Tracker.RecordActivity(k.provider.sessionID)
	}

	versioned, err := engine.Get(ctx, k.provider.sessionID)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	out := make(map[string]json.RawMessage, len(ids))
	if versioned == nil {
		return out, nil
	}
	entries := versioned.Data.Keys[keyType]
	for _, id := range ids {
		if v, ok := entries[id]; ok {
			out[id] = v
		}
	}
	return out, nil
}

// Set merges key material into the session: nil values delete entries,
// everything else upserts. A single call commits one version regardless of
// how many entries it carries.
func (k *KeyStore) Set(ctx context.Context, data map[authstate.KeyType]map[string]json.RawMessage) error {
	if len(data) == 0 {
		return nil
	}
	for keyType := range data {
		if !keyType.Known() {
			return trace.BadParameter("unknown key type %q", keyType)
		}
	}
	engine := k.provider.engine
	_, err := engine.Set(ctx, k.provider.sessionID, authstate.Patch{Keys: data}, WriteOptions{
		TTL: engine.cfg.TTL.Keys,
	})
	return trace.Wrap(err)
}
