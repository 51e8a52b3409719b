package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// FakeProc is a scriptable Proc for tests: Emit feeds bytes through the
// output pipe and InputString reports everything written to stdin.
type FakeProc struct {
	handle string
	outR   *io.PipeReader
	outW   *io.PipeWriter

	mu     sync.Mutex
	input  bytes.Buffer
	cols   uint16
	rows   uint16
	killed bool
	done   chan struct{}
}

func newFakeProc(handle string) *FakeProc {
	r, w := io.Pipe()
	return &FakeProc{handle: handle, outR: r, outW: w, done: make(chan struct{})}
}

func (p *FakeProc) Output() io.Reader { return p.outR }
func (p *FakeProc) Input() io.Writer  { return fakeProcInput{p} }

type fakeProcInput struct{ p *FakeProc }

func (w fakeProcInput) Write(b []byte) (int, error) {
	w.p.mu.Lock()
	defer w.p.mu.Unlock()
	return w.p.input.Write(b)
}

func (p *FakeProc) Resize(cols, rows uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cols, p.rows = cols, rows
	return nil
}

func (p *FakeProc) Kill() error {
	p.mu.Lock()
	killed := p.killed
	p.killed = true
	p.mu.Unlock()
	if !killed {
		p.outW.Close()
		close(p.done)
	}
	return nil
}

func (p *FakeProc) Detach() error         { return p.Kill() }
func (p *FakeProc) Done() <-chan struct{} { return p.done }
func (p *FakeProc) Handle() string        { return p.handle }

// Emit writes s to the proc's output, as if the process printed it.
func (p *FakeProc) Emit(s string) { p.outW.Write([]byte(s)) }

// InputString returns everything written to the proc's stdin so far.
func (p *FakeProc) InputString() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input.String()
}

// Size returns the last Resize dimensions.
func (p *FakeProc) Size() (cols, rows uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cols, p.rows
}

var _ Proc = (*FakeProc)(nil)

// FakeBackend is an in-memory Backend for manager and handler tests. Handles
// live in a map so tests can simulate backend processes that survive (or do
// not survive) a detach.
type FakeBackend struct {
	kind       Kind
	persistent bool

	// StartErr, when set, is returned by Start.
	StartErr error

	mu         sync.Mutex
	seq        int
	alive      map[string]bool
	procs      map[string]*FakeProc
	reattached int
}

func NewFakeBackend(kind Kind, persistent bool) *FakeBackend {
	return &FakeBackend{
		kind:       kind,
		persistent: persistent,
		alive:      make(map[string]bool),
		procs:      make(map[string]*FakeProc),
	}
}

func (b *FakeBackend) Kind() Kind       { return b.kind }
func (b *FakeBackend) Persistent() bool { return b.persistent }

func (b *FakeBackend) Start(_ context.Context, id, command string) (Proc, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.StartErr != nil {
		return nil, b.StartErr
	}
	b.seq++
	handle := fmt.Sprintf("%s-handle-%d", b.kind, b.seq)
	p := newFakeProc(handle)
	b.alive[handle] = true
	b.procs[handle] = p
	return p, nil
}

func (b *FakeBackend) Reattach(_ context.Context, handle string) (Proc, error) {
	if !b.persistent {
		return nil, ErrUnsupported
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.alive[handle] {
		return nil, errors.New("no such handle")
	}
	b.reattached++
	p := newFakeProc(handle)
	b.procs[handle] = p
	return p, nil
}

func (b *FakeBackend) HandleAlive(_ context.Context, handle string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.alive[handle], nil
}

func (b *FakeBackend) ListHandles(_ context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for h, alive := range b.alive {
		if alive {
			out = append(out, h)
		}
	}
	return out, nil
}

func (b *FakeBackend) KillHandle(_ context.Context, handle string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive[handle] = false
	return nil
}

// ProcFor returns the current FakeProc for a handle.
func (b *FakeBackend) ProcFor(handle string) *FakeProc {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.procs[handle]
}

// EndBackendProcess simulates the backend process itself exiting: the Proc
// ends and the handle dies with it.
func (b *FakeBackend) EndBackendProcess(handle string) {
	b.mu.Lock()
	p := b.procs[handle]
	b.alive[handle] = false
	b.mu.Unlock()
	if p != nil {
		p.Kill()
	}
}

// DetachProc ends the current Proc while leaving the backend handle alive,
// like a dropped multiplexer attachment.
func (b *FakeBackend) DetachProc(handle string) {
	b.mu.Lock()
	p := b.procs[handle]
	b.mu.Unlock()
	if p != nil {
		p.Kill()
	}
}

// SetAlive overrides a handle's liveness.
func (b *FakeBackend) SetAlive(handle string, alive bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alive[handle] = alive
}

// ReattachCount returns how many times Reattach succeeded.
func (b *FakeBackend) ReattachCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reattached
}

var _ Backend = (*FakeBackend)(nil)
