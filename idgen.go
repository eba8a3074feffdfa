package eventcore

import "github.com/google/uuid"

// NewCommandID returns a fresh random command id suitable for the
// idempotency key on an AppendBatch call. Callers that already have a
// natural idempotency key (a request id from an upstream system, say)
// should use that instead — this is only for callers with none.
func NewCommandID() string {
	return uuid.NewString()
}
