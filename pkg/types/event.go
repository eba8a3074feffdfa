package types

// MaxPayloadBytes is the default cap on a single event's payload size.
const MaxPayloadBytes = 1 << 20 // 1 MiB

// Event is the atomic unit stored in the log. GlobalPos, StreamRev and
// TimestampMs are assigned by the writer at commit time; every other field
// is supplied by the caller.
type Event struct {
	// GlobalPos is the 64-bit monotonically increasing position assigned at
	// commit. Unique across the whole store.
	GlobalPos uint64 `json:"global_pos"`

	// StreamID identifies the logical aggregate this event belongs to.
	StreamID string `json:"stream_id"`

	// StreamRev is the 1-based, gap-free sequence number of this event
	// within its stream.
	StreamRev uint64 `json:"stream_rev"`

	// TenantID scopes the event for isolation. Every reader must present a
	// tenant id; only the system tenant may cross tenants.
	TenantID string `json:"tenant_id"`

	// CommandID identifies the originating command, scoped to the stream,
	// for idempotent re-append.
	CommandID string `json:"command_id"`

	// TimestampMs is assigned by the writer at commit time.
	TimestampMs uint64 `json:"timestamp_ms"`

	// Payload is an opaque, size-bounded byte sequence. Callers that need a
	// type discriminator for projection dispatch encode it inside Payload;
	// the wire format has no separate slot for it.
	Payload []byte `json:"payload"`
}

// SystemTenant is the privileged tenant token that may read across tenants.
const SystemTenant = "system"
