package engine

import (
	"encoding/json"
	"fmt"
)

// NodeStatus represents the evaluation status of a node.
// Transitions: pending -> running -> succeeded. A failed apply returns the node to pending.
type NodeStatus string

const (
	// NodeStatusPending indicates the node has not been evaluated since it was last dirtied.
	NodeStatusPending NodeStatus = "pending"

	// NodeStatusRunning indicates the node is pulling inputs or executing its body.
	NodeStatusRunning NodeStatus = "running"

	// NodeStatusSucceeded indicates the node's outputs are current.
	NodeStatusSucceeded NodeStatus = "succeeded"
)

// Validate checks if the node status is valid.
func (s NodeStatus) Validate() error {
	switch s {
	case NodeStatusPending, NodeStatusRunning, NodeStatusSucceeded:
		return nil
	default:
		return fmt.Errorf("invalid node status: %s", s)
	}
}

// FrameState represents the lifecycle state of a frame record in the frame cache.
type FrameState string

const (
	// FrameStateUnfinished indicates the frame is still being produced by a run.
	FrameStateUnfinished FrameState = "unfinished"

	// FrameStateCompleted indicates the frame was finished and its objects are valid.
	FrameStateCompleted FrameState = "completed"

	// FrameStateBroken indicates the frame's on-disk copy is missing or corrupt.
	FrameStateBroken FrameState = "broken"
)

// IsTerminal returns true if the frame can no longer change state by production.
func (s FrameState) IsTerminal() bool {
	return s == FrameStateCompleted || s == FrameStateBroken
}

// Validate checks if the frame state is valid.
func (s FrameState) Validate() error {
	switch s {
	case FrameStateUnfinished, FrameStateCompleted, FrameStateBroken:
		return nil
	default:
		return fmt.Errorf("invalid frame state: %s", s)
	}
}

// RunStatus represents the overall status of a session run.
type RunStatus string

const (
	// RunStatusRunning indicates the run is currently evaluating the main graph.
	RunStatusRunning RunStatus = "running"

	// RunStatusSucceeded indicates every requested node was applied.
	RunStatusSucceeded RunStatus = "succeeded"

	// RunStatusFailed indicates a node evaluation error aborted the run.
	RunStatusFailed RunStatus = "failed"

	// RunStatusInterrupted indicates the run was stopped at a pull boundary.
	RunStatusInterrupted RunStatus = "interrupted"
)

// IsTerminal returns true if the run status represents a final state.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusInterrupted
}

// Validate checks if the run status is valid.
func (s RunStatus) Validate() error {
	switch s {
	case RunStatusRunning, RunStatusSucceeded, RunStatusFailed, RunStatusInterrupted:
		return nil
	default:
		return fmt.Errorf("invalid run status: %s", s)
	}
}

// RunStatusFor maps a run error to its terminal status.
func RunStatusFor(err error) RunStatus {
	switch {
	case err == nil:
		return RunStatusSucceeded
	case IsInterrupted(err):
		return RunStatusInterrupted
	default:
		return RunStatusFailed
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s FrameState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *FrameState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = FrameState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RunStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RunStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RunStatus(str)
	return s.Validate()
}
