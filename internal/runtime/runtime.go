// Package runtime is the only place that talks to the container runtime.
// Every other component goes through the Runtime interface, which is what
// lets the reconciler poll reality without scattering docker calls around
// the codebase.
package runtime

import (
	"context"
	"errors"
	"io"
)

// ErrUnavailable indicates the container backend could not be reached.
// Callers may retry; the container itself is not known to be broken.
var ErrUnavailable = errors.New("container runtime unavailable")

// Container states reported by Inspect.
const (
	StateRunning = "running"
	StateExited  = "exited"
	// StateAbsent means the container does not exist. It is a normal
	// state, not an error: a handle for a removed container inspects as
	// absent with a nil error.
	StateAbsent = "absent"
)

// Spec describes the container to create.
type Spec struct {
	Name          string
	Image         string
	Command       []string
	Env           map[string]string
	Labels        map[string]string
	HostPort      int
	ContainerPort int
	MemoryLimit   string // e.g. "2Gi"
	CPULimit      string // e.g. "2000m"
}

// Status is the result of Inspect.
type Status struct {
	State    string // running | exited | absent
	ExitCode int
	Error    string
}

// Runtime is the adapter contract over the container backend. All calls
// are bounded by the context deadline the caller supplies.
type Runtime interface {
	// Create creates and starts a container, returning its handle.
	Create(ctx context.Context, spec Spec) (string, error)
	// Inspect reports the container's state. A missing container yields
	// StateAbsent and a nil error.
	Inspect(ctx context.Context, handle string) (Status, error)
	// Stop stops a running container. Stopping an absent container is a
	// no-op.
	Stop(ctx context.Context, handle string) error
	// Remove deletes a container. Removing an absent container is a
	// no-op.
	Remove(ctx context.Context, handle string) error
	// ListManaged returns the handles of every container carrying this
	// service's managed-by label, whether or not a registry row exists
	// for it.
	ListManaged(ctx context.Context) ([]string, error)
	// Logs follows the container's combined stdout and stderr, starting
	// from recent history. The stream stays open until ctx is canceled or
	// the container stops producing output; it is the one runtime call not
	// bounded by the per-call timeout.
	Logs(ctx context.Context, handle string) (io.ReadCloser, error)
}
