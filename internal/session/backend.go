// Package session runs interactive terminal processes for agents behind one
// uniform contract, dispatching to a multiplexer-backed, bare-local-process,
// or remote-host backend. The backend kind is chosen once at spawn time and
// stored on the session row; attach and kill are pure dispatch on the stored
// kind.
package session

import (
	"context"
	"errors"
	"io"
)

// Kind identifies the mechanism a session's process runs under. The set is
// closed: every dispatch site switches over exactly these three values.
type Kind string

const (
	// KindMultiplexed runs the command inside a persistent tmux session
	// that survives orchestrator restarts and client disconnects.
	KindMultiplexed Kind = "multiplexed"
	// KindLocal runs a directly spawned child process under a PTY. Dies
	// with the orchestrator; lowest overhead, no persistence.
	KindLocal Kind = "local"
	// KindRemote runs the process on another host over SSH.
	KindRemote Kind = "remote"
)

// ParseKind validates a backend kind received from the API.
func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindMultiplexed, KindLocal, KindRemote:
		return Kind(s), nil
	default:
		return "", errors.New("unknown backend kind: " + s)
	}
}

// ErrNotFound indicates an unknown session id.
var ErrNotFound = errors.New("session not found")

// ErrUnsupported indicates the operation is not available on the session's
// backend kind (e.g. reattaching a bare local process after a restart).
var ErrUnsupported = errors.New("operation not supported by backend")

// ErrTunnelUnreachable indicates the transport to a remote host failed.
// Retryable: the remote process may still be alive.
var ErrTunnelUnreachable = errors.New("remote host unreachable")

// Proc is a live handle to one spawned terminal process. The manager owns
// exactly one Proc per session and runs the single upstream read loop over
// Output.
type Proc interface {
	// Output streams the process's terminal output.
	Output() io.Reader
	// Input accepts terminal input for the process.
	Input() io.Writer
	// Resize changes the terminal dimensions.
	Resize(cols, rows uint16) error
	// Kill terminates the process.
	Kill() error
	// Detach drops our attachment without ending the process where the
	// backend allows it; for non-persistent backends it equals Kill.
	Detach() error
	// Done is closed when the process (or the attachment to it) ends.
	Done() <-chan struct{}
	// Handle is the backend-specific persistent identifier recorded on
	// the session row.
	Handle() string
}

// Backend spawns and resumes Procs for one Kind.
type Backend interface {
	Kind() Kind
	// Persistent reports whether this backend's processes outlive the
	// orchestrator and client disconnects.
	Persistent() bool
	// Start spawns command for the session id and returns its Proc.
	Start(ctx context.Context, id, command string) (Proc, error)
	// Reattach resumes the process behind handle after a disconnect or
	// restart. Non-persistent backends return ErrUnsupported.
	Reattach(ctx context.Context, handle string) (Proc, error)
	// HandleAlive reports whether the backend still knows handle.
	HandleAlive(ctx context.Context, handle string) (bool, error)
	// ListHandles enumerates live handles owned by this service, for
	// orphan detection.
	ListHandles(ctx context.Context) ([]string, error)
	// KillHandle terminates the process behind handle without a Proc.
	KillHandle(ctx context.Context, handle string) error
}
