package eventlog

// ExpectedRev encodes the three append-time concurrency checks from
// spec.md §4.B: MustNotExist requires the stream to be brand new, Any skips
// the check entirely, and any positive value requires the stream's
// current revision to equal it exactly.
const (
	ExpectedRevMustNotExist int64 = 0
	ExpectedRevAny          int64 = -1
)

// EventInput is one event supplied by a caller, before global_pos/stream_rev
// and timestamp are assigned at commit time.
type EventInput struct {
	Payload []byte
}

// Command is one logical append: a set of events for a single stream,
// submitted under one command id for idempotent retry.
type Command struct {
	StreamID    string
	CommandID   string
	ExpectedRev int64
	Events      []EventInput
}

// AppendResult reports the revisions and global positions assigned to one
// command's events.
type AppendResult struct {
	StreamID       string
	FirstRev       uint64
	LastRev        uint64
	FirstGlobalPos uint64
	LastGlobalPos  uint64
}
