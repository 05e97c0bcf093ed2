// Package runtime defines the container runtime driver boundary.
//
// The Runtime interface is the sole point of contact with the process
// isolation substrate. Two drivers implement it: runtime/cli shells out to
// the podman/docker binary, runtime/docker talks to the Docker Engine API
// directly. The lifecycle manager never knows which one it is holding.
package runtime

import (
	"context"
	"time"
)

// Runtime abstracts the container runtime backend.
//
// Implementations convert every backend failure into an error carrying the
// runtime's own diagnostic text; they never panic across this boundary.
// All calls honour ctx cancellation and are expected to be driven with a
// bounded deadline (see config.OperationTimeout).
type Runtime interface {
	// EnsureNetwork creates the named bridge network if it does not exist.
	// Idempotent; safe to call on every process start and before each create.
	EnsureNetwork(ctx context.Context, name string) error

	// Create creates (but does not start) a container from spec and returns
	// its container ID.
	Create(ctx context.Context, spec ContainerSpec) (string, error)

	// Start starts a previously created or stopped container. Starting an
	// already-running container is a no-op at the backend level.
	Start(ctx context.Context, containerID string) error

	// Stop gracefully stops a running container, killing it after grace.
	Stop(ctx context.Context, containerID string, grace time.Duration) error

	// Remove force-removes a container. The container is stopped first if it
	// is still running. Removing an already-removed container is not an error.
	Remove(ctx context.Context, containerID string) error

	// Inspect returns the live state and port mappings of a container.
	Inspect(ctx context.Context, containerID string) (*ContainerInfo, error)

	// Logs returns up to tail lines of the container's combined output.
	// tail <= 0 means all available lines.
	Logs(ctx context.Context, containerID string, tail int) (string, error)

	// Stats returns a one-shot snapshot of container resource usage.
	Stats(ctx context.Context, containerID string) (*ContainerStats, error)

	// List returns summaries of every container carrying the Banken
	// managed-by label, including stopped ones.
	List(ctx context.Context) ([]ContainerSummary, error)
}
