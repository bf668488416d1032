// Package baileysstore holds constants shared across the hybrid
// authentication-state store: component names used for logging and the
// key namespaces reserved in the hot tier.
package baileysstore

import "strings"

// Version is the semantic version of the module, kept in sync with release
// tags.
const Version = "2.0.0"

const (
	// ComponentKey is the attribute name under which a component name is
	// attached to log records.
	ComponentKey = "component"

	// ComponentEngine is the hybrid read-through/write-behind coordinator.
	ComponentEngine = "engine"

	// ComponentHotStore is the Redis-backed hot tier.
	ComponentHotStore = "hot"

	// ComponentColdStore is the MongoDB-backed cold tier.
	ComponentColdStore = "cold"

	// ComponentMemStore is the in-process store used in tests and
	// single-process deployments.
	ComponentMemStore = "mem"

	// ComponentCodec is the snapshot codec (compression + AEAD).
	ComponentCodec = "codec"

	// ComponentOutbox is the pending cold-write queue.
	ComponentOutbox = "outbox"

	// ComponentReconciler is the background outbox drain worker.
	ComponentReconciler = "reconciler"

	// ComponentBreaker is the cold-tier circuit breaker.
	ComponentBreaker = "breaker"

	// ComponentRateLimit is the per-session token-bucket limiter.
	ComponentRateLimit = "ratelimit"

	// ComponentHealth is the connection tracker and diagnostic engine.
	ComponentHealth = "health"

	// ComponentProvider is the client-facing credential/key facade.
	ComponentProvider = "provider"
)

const (
	// KeyNamespace is the hot-tier prefix under which per-session snapshot
	// and metadata records live: "baileys:auth:{sessionId}:...".
	KeyNamespace = "baileys:auth"

	// OutboxNamespace is the hot-tier prefix for the global outbox indexes
	// (ready set, claims, dead letters, depth counter). Per-session entry
	// queues live under KeyNamespace next to the records they describe.
	OutboxNamespace = "baileys:outbox"
)

// Component joins name parts into a single component label, e.g.
// Component("engine", "stats") == "engine:stats".
func Component(parts ...string) string {
	return strings.Join(parts, ":")
}
