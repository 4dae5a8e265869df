package reload

import (
	"time"

	"github.com/onemcp/onemcp-go/internal/changeset"
)

// Phase is the lifecycle position of one reload operation.
type Phase string

const (
	PhasePending    Phase = "pending"
	PhaseAnalyzing  Phase = "analyzing"
	PhasePreparing  Phase = "preparing"
	PhaseReloading  Phase = "reloading"
	PhaseMigrating  Phase = "migrating"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseRolledBack Phase = "rolled_back"
)

// Terminal reports whether the phase ends an operation.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed || p == PhaseRolledBack
}

// EventKind labels the progress reports a running reload emits.
type EventKind string

const (
	EventStarted        EventKind = "reloadStarted"
	EventProgress       EventKind = "reloadProgress"
	EventCompleted      EventKind = "reloadCompleted"
	EventFailed         EventKind = "reloadFailed"
	EventCancelled      EventKind = "reloadCancelled"
	EventServerShutdown EventKind = "serverShutdown"
)

// Event is one progress report. Server is set only on serverShutdown.
type Event struct {
	Kind      EventKind `json:"kind"`
	Operation string    `json:"operation"`
	Phase     Phase     `json:"phase"`
	Progress  int       `json:"progress"`
	Server    string    `json:"server,omitempty"`
	Err       error     `json:"-"`
}

// Operation tracks one reload run from analysis to its terminal phase.
type Operation struct {
	ID       string                   `json:"id"`
	Phase    Phase                    `json:"phase"`
	Strategy changeset.ReloadStrategy `json:"strategy"`
	DryRun   bool                     `json:"dryRun"`
	Progress int                      `json:"progress"`
	Records  []changeset.Record       `json:"records"`
	Summary  changeset.ImpactSummary  `json:"summary"`
	Started  time.Time                `json:"started"`
	Finished time.Time                `json:"finished,omitempty"`

	// Failures holds per-server apply errors from the best-effort path.
	// A non-empty map does not by itself fail the operation.
	Failures map[string]error `json:"-"`

	// Err is the orchestration error that moved the operation to Failed or
	// RolledBack. RollbackErr is additionally set when the rollback itself
	// broke, so both causes stay visible.
	Err         error `json:"-"`
	RollbackErr error `json:"-"`
}

// snapshot returns a copy safe to hand to callers while the engine may still
// be mutating the original.
func (o *Operation) snapshot() *Operation {
	cp := *o
	cp.Records = append([]changeset.Record(nil), o.Records...)
	cp.Failures = make(map[string]error, len(o.Failures))
	for name, err := range o.Failures {
		cp.Failures[name] = err
	}
	return &cp
}
