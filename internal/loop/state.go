package loop

// State is the lifecycle state machine for one supervised project loop.
//
// Valid transitions:
//
//	IDLE            -> STARTING         (start requested, capacity available)
//	IDLE            -> QUEUED           (start requested, capacity exhausted)
//	STARTING        -> RUNNING          (subprocess confirmed alive)
//	STARTING        -> ERROR            (spawn failed)
//	RUNNING         -> PAUSE_REQUESTED  (pause requested)
//	RUNNING         -> ERROR            (subprocess crash)
//	RUNNING         -> IDLE             (clean exit or stop)
//	PAUSE_REQUESTED -> PAUSED           (subprocess acknowledges)
//	PAUSED          -> RUNNING          (resume)
//	PAUSED          -> IDLE             (stop)
//	QUEUED          -> STARTING         (slot freed)
//	QUEUED          -> IDLE             (cancel)
//	ERROR           -> IDLE             (stop/clear)
type State string

const (
	StateIdle           State = "idle"
	StateStarting       State = "starting"
	StateRunning        State = "running"
	StatePauseRequested State = "pause_requested"
	StatePaused         State = "paused"
	StateQueued         State = "queued"
	StateError          State = "error"
)

// Status is the last terminal outcome of a loop.
type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusSuccess Status = "SUCCESS"
	StatusFailed  Status = "FAILED"
)

// Active reports whether s counts as an active loop. Active records cannot be
// unregistered and (except QUEUED and PAUSED) occupy an execution slot.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StatePauseRequested, StatePaused, StateQueued:
		return true
	default:
		return false
	}
}

// OccupiesSlot reports whether s counts against the concurrency cap.
func (s State) OccupiesSlot() bool {
	switch s {
	case StateStarting, StateRunning, StatePauseRequested:
		return true
	default:
		return false
	}
}
