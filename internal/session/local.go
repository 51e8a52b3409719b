package session

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"github.com/creack/pty"
)

// LocalBackend spawns bare child processes under a PTY. Nothing about them
// survives this process: the Proc handle is the pid, useful only for
// logging and orphan checks within one orchestrator lifetime.
type LocalBackend struct {
	// Shell is the command interpreter, default /bin/sh.
	Shell string
}

func (b *LocalBackend) Kind() Kind       { return KindLocal }
func (b *LocalBackend) Persistent() bool { return false }

func (b *LocalBackend) shell() string {
	if b.Shell != "" {
		return b.Shell
	}
	return "/bin/sh"
}

func (b *LocalBackend) Start(_ context.Context, id, command string) (Proc, error) {
	cmd := exec.Command(b.shell(), "-c", command)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("start pty for session %s: %w", id, err)
	}

	p := &localProc{
		ptmx: ptmx,
		cmd:  cmd,
		done: make(chan struct{}),
	}
	go func() {
		cmd.Wait()
		ptmx.Close()
		close(p.done)
	}()
	return p, nil
}

func (b *LocalBackend) Reattach(_ context.Context, _ string) (Proc, error) {
	return nil, ErrUnsupported
}

func (b *LocalBackend) HandleAlive(_ context.Context, handle string) (bool, error) {
	pid, err := strconv.Atoi(handle)
	if err != nil {
		return false, nil
	}
	// Signal 0 probes process existence without delivering anything.
	if err := syscall.Kill(pid, 0); err != nil {
		return false, nil
	}
	return true, nil
}

func (b *LocalBackend) ListHandles(_ context.Context) ([]string, error) {
	// Local children die with us; there is nothing persistent to list.
	return nil, nil
}

func (b *LocalBackend) KillHandle(_ context.Context, handle string) error {
	pid, err := strconv.Atoi(handle)
	if err != nil {
		return fmt.Errorf("bad local handle %q", handle)
	}
	return syscall.Kill(pid, syscall.SIGKILL)
}

type localProc struct {
	ptmx *os.File
	cmd  *exec.Cmd
	done chan struct{}
}

func (p *localProc) Output() io.Reader { return p.ptmx }
func (p *localProc) Input() io.Writer  { return p.ptmx }

func (p *localProc) Resize(cols, rows uint16) error {
	return pty.Setsize(p.ptmx, &pty.Winsize{Cols: cols, Rows: rows})
}

func (p *localProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// Detach equals Kill: a bare child has nothing to stay attached to.
func (p *localProc) Detach() error { return p.Kill() }

func (p *localProc) Done() <-chan struct{} { return p.done }

func (p *localProc) Handle() string {
	if p.cmd.Process == nil {
		return ""
	}
	return strconv.Itoa(p.cmd.Process.Pid)
}

var _ Backend = (*LocalBackend)(nil)
