package projection

import "github.com/arkiliandb/eventcore/pkg/types"

// ErrorDecision is what on_error tells the coordinator to do with a
// handler failure.
type ErrorDecision string

const (
	DecisionSkip  ErrorDecision = "skip"
	DecisionRetry ErrorDecision = "retry"
	DecisionStop  ErrorDecision = "stop"
)

// ApplyFunc projects one event into the staged view for its tenant.
type ApplyFunc func(event types.Event, view StagedView) error

// TenantOfFunc extracts the owning tenant from an event, so the coordinator
// knows which (projection, tenant) scope to stage writes under.
type TenantOfFunc func(event types.Event) string

// OnErrorFunc decides how to proceed after Apply fails for one event.
type OnErrorFunc func(err error, event types.Event) ErrorDecision

// Registration describes one projection: its schema, batch shape, and
// handler functions, per spec.md §4.G.
type Registration struct {
	Name         string
	Schema       types.Schema
	BatchSize    int
	PollInterval int // milliseconds
	Apply        ApplyFunc
	TenantOf     TenantOfFunc
	OnError      OnErrorFunc
}

// withDefaults fills in spec.md's defaults for any zero-valued field.
func (r Registration) withDefaults() Registration {
	if r.BatchSize <= 0 {
		r.BatchSize = 100
	}
	if r.PollInterval <= 0 {
		r.PollInterval = 50
	}
	if r.OnError == nil {
		r.OnError = func(error, types.Event) ErrorDecision { return DecisionStop }
	}
	return r
}
