package manager

import "errors"

// ErrNoContainer is returned when an operation requires an attached
// container but the agent's container_id is empty.
var ErrNoContainer = errors.New("agent has no container attached")
