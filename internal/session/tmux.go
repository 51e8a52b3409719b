package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/creack/pty"
)

// tmuxPrefix namespaces our multiplexer sessions so ListHandles never
// touches sessions a human created by hand.
const tmuxPrefix = "previewd-"

// TmuxBackend runs commands inside detached tmux sessions. The tmux server
// outlives the orchestrator, so sessions spawned here survive restarts and
// are re-adopted by handle at startup. The single upstream read is a tmux
// attach running under a local PTY.
type TmuxBackend struct {
	// TmuxBin overrides the tmux binary path, default "tmux".
	TmuxBin string
}

func (b *TmuxBackend) Kind() Kind       { return KindMultiplexed }
func (b *TmuxBackend) Persistent() bool { return true }

func (b *TmuxBackend) bin() string {
	if b.TmuxBin != "" {
		return b.TmuxBin
	}
	return "tmux"
}

func (b *TmuxBackend) Start(ctx context.Context, id, command string) (Proc, error) {
	handle := tmuxPrefix + id

	// The session is created detached so it exists independently of our
	// attach; remain-on-exit off means the session dies with the command.
	newCmd := exec.CommandContext(ctx, b.bin(), "new-session", "-d", "-s", handle, command)
	if out, err := newCmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("tmux new-session %s: %v: %s", handle, err, strings.TrimSpace(string(out)))
	}

	return b.attach(handle)
}

func (b *TmuxBackend) Reattach(_ context.Context, handle string) (Proc, error) {
	return b.attach(handle)
}

// attach joins the tmux session under a fresh PTY. The attach process
// exiting does not imply the tmux session exited; the manager checks
// HandleAlive to tell detach from death.
func (b *TmuxBackend) attach(handle string) (Proc, error) {
	cmd := exec.Command(b.bin(), "attach-session", "-t", handle)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("tmux attach %s: %w", handle, err)
	}

	p := &tmuxProc{
		backend: b,
		handle:  handle,
		ptmx:    ptmx,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		ptmx.Close()
		close(p.done)
	}()
	return p, nil
}

func (b *TmuxBackend) HandleAlive(ctx context.Context, handle string) (bool, error) {
	cmd := exec.CommandContext(ctx, b.bin(), "has-session", "-t", handle)
	if err := cmd.Run(); err != nil {
		// has-session exits non-zero both for "no such session" and for
		// "no server running"; either way the handle is gone.
		return false, nil
	}
	return true, nil
}

func (b *TmuxBackend) ListHandles(ctx context.Context) ([]string, error) {
	cmd := exec.CommandContext(ctx, b.bin(), "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		// No server running means no sessions.
		return nil, nil
	}
	var handles []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.HasPrefix(line, tmuxPrefix) {
			handles = append(handles, line)
		}
	}
	return handles, nil
}

func (b *TmuxBackend) KillHandle(ctx context.Context, handle string) error {
	cmd := exec.CommandContext(ctx, b.bin(), "kill-session", "-t", handle)
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := strings.TrimSpace(string(out))
		if strings.Contains(msg, "can't find session") || strings.Contains(msg, "no server running") {
			return nil
		}
		return fmt.Errorf("tmux kill-session %s: %v: %s", handle, err, msg)
	}
	return nil
}

type tmuxProc struct {
	backend *TmuxBackend
	handle  string
	ptmx    *os.File
	cmd     *exec.Cmd
	done    chan struct{}
}

func (p *tmuxProc) Output() io.Reader { return p.ptmx }
func (p *tmuxProc) Input() io.Writer  { return p.ptmx }

func (p *tmuxProc) Resize(cols, rows uint16) error {
	// Resizing the attach PTY is enough: tmux follows the smallest
	// attached client.
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *tmuxProc) Kill() error {
	return p.backend.KillHandle(context.Background(), p.handle)
}

// Detach ends only our attach client; the tmux session keeps running.
func (p *tmuxProc) Detach() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p *tmuxProc) Done() <-chan struct{} { return p.done }
func (p *tmuxProc) Handle() string        { return p.handle }

var _ Backend = (*TmuxBackend)(nil)
