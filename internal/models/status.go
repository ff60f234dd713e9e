package models

import "time"

// Phase is the externally visible session state.
type Phase string

const (
	PhaseOffline    Phase = "offline"
	PhaseConnecting Phase = "connecting"
	PhaseReady      Phase = "ready"
	PhasePaused     Phase = "paused"
	PhaseEnded      Phase = "ended"
)

// ServiceStatus reflects the upstream session state for human consumption.
// Broadcast only, never persisted.
type ServiceStatus struct {
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func NewStatus(phase Phase, message string) ServiceStatus {
	return ServiceStatus{Phase: phase, Message: message, Timestamp: time.Now().UTC()}
}
