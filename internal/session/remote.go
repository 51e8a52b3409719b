package session

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"
)

// remoteDialTimeout bounds the SSH dial to the remote host.
const remoteDialTimeout = 10 * time.Second

// RemoteBackend runs session processes on another host over SSH. Failures
// are split into ErrTunnelUnreachable (dial/transport problems, retryable)
// and plain process exit (terminal); callers must not treat an unreachable
// tunnel as a dead process.
type RemoteBackend struct {
	// Addr is the remote host in host:port form.
	Addr string
	// User is the SSH login user.
	User string
	// Signer authenticates the connection.
	Signer ssh.Signer
	// HostKeyCallback verifies the remote host key.
	HostKeyCallback ssh.HostKeyCallback
}

func (b *RemoteBackend) Kind() Kind       { return KindRemote }
func (b *RemoteBackend) Persistent() bool { return false }

func (b *RemoteBackend) dial() (*ssh.Client, error) {
	hostKey := b.HostKeyCallback
	if hostKey == nil {
		hostKey = ssh.InsecureIgnoreHostKey()
	}
	cfg := &ssh.ClientConfig{
		User:            b.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(b.Signer)},
		HostKeyCallback: hostKey,
		Timeout:         remoteDialTimeout,
	}
	client, err := ssh.Dial("tcp", b.Addr, cfg)
	if err != nil {
		if _, ok := err.(net.Error); ok {
			return nil, fmt.Errorf("dial %s: %w", b.Addr, ErrTunnelUnreachable)
		}
		return nil, fmt.Errorf("dial %s: %v: %w", b.Addr, err, ErrTunnelUnreachable)
	}
	return client, nil
}

func (b *RemoteBackend) Start(_ context.Context, id, command string) (Proc, error) {
	client, err := b.dial()
	if err != nil {
		return nil, err
	}

	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("new ssh session: %w", ErrTunnelUnreachable)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := sess.RequestPty("xterm-256color", 24, 80, modes); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("request pty: %w", err)
	}

	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := sess.Start(command); err != nil {
		sess.Close()
		client.Close()
		return nil, fmt.Errorf("start remote command: %w", err)
	}

	p := &remoteProc{
		handle: fmt.Sprintf("%s/%s", b.Addr, uuid.New().String()),
		client: client,
		sess:   sess,
		stdin:  stdin,
		stdout: stdout,
		done:   make(chan struct{}),
	}
	go func() {
		sess.Wait()
		sess.Close()
		client.Close()
		close(p.done)
	}()
	return p, nil
}

// Reattach is not supported: the SSH session is the process's controlling
// terminal, so losing it ends the remote process too.
func (b *RemoteBackend) Reattach(_ context.Context, _ string) (Proc, error) {
	return nil, ErrUnsupported
}

func (b *RemoteBackend) HandleAlive(_ context.Context, _ string) (bool, error) {
	// Remote handles only live as long as their in-process Proc; after a
	// restart nothing behind them remains.
	return false, nil
}

func (b *RemoteBackend) ListHandles(_ context.Context) ([]string, error) {
	return nil, nil
}

func (b *RemoteBackend) KillHandle(_ context.Context, _ string) error {
	return ErrUnsupported
}

type remoteProc struct {
	handle string
	client *ssh.Client
	sess   *ssh.Session
	stdin  io.WriteCloser
	stdout io.Reader
	done   chan struct{}
}

func (p *remoteProc) Output() io.Reader { return p.stdout }
func (p *remoteProc) Input() io.Writer  { return p.stdin }

func (p *remoteProc) Resize(cols, rows uint16) error {
	return p.sess.WindowChange(int(rows), int(cols))
}

func (p *remoteProc) Kill() error {
	// Signal first so the remote command can exit; closing the session
	// tears down the channel either way.
	p.sess.Signal(ssh.SIGKILL)
	return p.sess.Close()
}

// Detach equals Kill: the SSH session is the remote process's controlling
// terminal.
func (p *remoteProc) Detach() error { return p.Kill() }

func (p *remoteProc) Done() <-chan struct{} { return p.done }
func (p *remoteProc) Handle() string        { return p.handle }

var _ Backend = (*RemoteBackend)(nil)
