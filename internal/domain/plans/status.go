package plans

// PlanStatus is derived on every read from module existence and the attempt
// history; it is never persisted as authoritative state.
type PlanStatus string

const (
	StatusPending    PlanStatus = "pending"
	StatusProcessing PlanStatus = "processing"
	StatusReady      PlanStatus = "ready"
	StatusFailed     PlanStatus = "failed"
)
