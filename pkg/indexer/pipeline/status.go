package pipeline

import (
	"sort"
	"time"

	"github.com/canopy-network/ledgerx/pkg/db/models/admin"
	"github.com/puzpuzpuz/xsync/v4"
)

type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateFailed   State = "failed"
	StateStopped  State = "stopped"
)

// Status is the last known state of a running pipeline.
type Status struct {
	Pipeline     string           `json:"pipeline"`
	State        State            `json:"state"`
	HighMarks    *admin.HighMarks `json:"high_marks,omitempty"`
	LastCommitAt time.Time        `json:"last_commit_at,omitempty"`
	Error        string           `json:"error,omitempty"`
}

// Registry tracks pipeline statuses. Safe for concurrent use.
type Registry struct {
	statuses *xsync.Map[string, Status]
}

func NewRegistry() *Registry {
	return &Registry{statuses: xsync.NewMap[string, Status]()}
}

func (r *Registry) Set(name string, state State) {
	r.statuses.Compute(name, func(old Status, loaded bool) (Status, xsync.ComputeOp) {
		old.Pipeline = name
		old.State = state
		if state != StateFailed {
			old.Error = ""
		}
		return old, xsync.UpdateOp
	})
}

func (r *Registry) Committed(name string, marks admin.HighMarks, at time.Time) {
	r.statuses.Compute(name, func(old Status, loaded bool) (Status, xsync.ComputeOp) {
		old.Pipeline = name
		old.State = StateRunning
		old.HighMarks = &marks
		old.LastCommitAt = at
		return old, xsync.UpdateOp
	})
}

func (r *Registry) Failed(name string, err error) {
	r.statuses.Compute(name, func(old Status, loaded bool) (Status, xsync.ComputeOp) {
		old.Pipeline = name
		old.State = StateFailed
		old.Error = err.Error()
		return old, xsync.UpdateOp
	})
}

func (r *Registry) Get(name string) (Status, bool) {
	return r.statuses.Load(name)
}

// All returns every status sorted by pipeline name.
func (r *Registry) All() []Status {
	var out []Status
	r.statuses.Range(func(_ string, s Status) bool {
		out = append(out, s)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Pipeline < out[j].Pipeline })
	return out
}

// Ready reports whether every tracked pipeline is running.
func (r *Registry) Ready() bool {
	ready := r.statuses.Size() > 0
	r.statuses.Range(func(_ string, s Status) bool {
		if s.State != StateRunning {
			ready = false
			return false
		}
		return true
	})
	return ready
}
