package client

import "sync"

// Phase is the lifecycle of one sync operation kind.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseSynced  Phase = "synced"
	PhaseError   Phase = "error"
)

// Operation names an independently observable kind of sync work so the UI
// can show partial progress without conflating unrelated operations.
type Operation string

const (
	OpInitialSync     Operation = "initial-sync"
	OpQueueProcessing Operation = "queue-processing"
	OpNoteSync        Operation = "note-sync"
	OpCollectionSync  Operation = "collection-sync"
	OpSettingsSync    Operation = "settings-sync"
	OpRealtimeEvent   Operation = "realtime-event"
)

// OperationStatus is the current phase of one operation kind plus its last
// error message when the phase is PhaseError.
type OperationStatus struct {
	Phase Phase
	Error string
}

// Reporter tracks per-operation sync state. Safe for concurrent use.
type Reporter struct {
	mu     sync.RWMutex
	states map[Operation]OperationStatus
}

// NewReporter constructs a reporter with every operation idle.
func NewReporter() *Reporter {
	return &Reporter{states: make(map[Operation]OperationStatus)}
}

// Begin marks the operation as syncing.
func (r *Reporter) Begin(op Operation) {
	r.set(op, OperationStatus{Phase: PhaseSyncing})
}

// Complete marks the operation as synced.
func (r *Reporter) Complete(op Operation) {
	r.set(op, OperationStatus{Phase: PhaseSynced})
}

// Fail marks the operation as errored with the causing message.
func (r *Reporter) Fail(op Operation, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	r.set(op, OperationStatus{Phase: PhaseError, Error: message})
}

// Status returns the current state of one operation kind.
func (r *Reporter) Status(op Operation) OperationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	status, ok := r.states[op]
	if !ok {
		return OperationStatus{Phase: PhaseIdle}
	}
	return status
}

// Snapshot returns a copy of all operation states.
func (r *Reporter) Snapshot() map[Operation]OperationStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snapshot := make(map[Operation]OperationStatus, len(r.states))
	for op, status := range r.states {
		snapshot[op] = status
	}
	return snapshot
}

func (r *Reporter) set(op Operation, status OperationStatus) {
	r.mu.Lock()
	r.states[op] = status
	r.mu.Unlock()
}
