package models

import "time"

// SlotState is the lifecycle state of a supervised worker slot.
type SlotState string

const (
	SlotStarting SlotState = "starting"
	SlotReady    SlotState = "ready"
	SlotDead     SlotState = "dead"
)

// SlotInfo is a point-in-time copy of a worker slot.
type SlotInfo struct {
	Port      int       `json:"port" yaml:"port"`
	State     SlotState `json:"state" yaml:"state"`
	PID       int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	StartedAt time.Time `json:"started_at" yaml:"started_at"`
	ReadyAt   time.Time `json:"ready_at,omitempty" yaml:"ready_at,omitempty"`
}
