package runtime

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// FakeRuntime is an in-memory Runtime used by the deploy and reconciler
// tests. Containers exist only as state entries; KillOutOfBand simulates a
// container dying behind the orchestrator's back.
type FakeRuntime struct {
	mu      sync.Mutex
	seq     int
	states  map[string]Status           // handle → status
	specs   map[string]Spec             // handle → spec it was created from
	logs    map[string][]*io.PipeWriter // handle → open log streams
	created int

	// CreateErr, when set, is returned by Create.
	CreateErr error
	// InspectErr, when set, is returned by Inspect.
	InspectErr error
}

func NewFakeRuntime() *FakeRuntime {
	return &FakeRuntime{
		states: make(map[string]Status),
		specs:  make(map[string]Spec),
		logs:   make(map[string][]*io.PipeWriter),
	}
}

func (f *FakeRuntime) Create(_ context.Context, spec Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.seq++
	f.created++
	handle := fmt.Sprintf("fake-%d", f.seq)
	f.states[handle] = Status{State: StateRunning}
	f.specs[handle] = spec
	return handle, nil
}

func (f *FakeRuntime) Inspect(_ context.Context, handle string) (Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InspectErr != nil {
		return Status{}, f.InspectErr
	}
	st, ok := f.states[handle]
	if !ok {
		return Status{State: StateAbsent}, nil
	}
	return st, nil
}

func (f *FakeRuntime) Stop(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if st, ok := f.states[handle]; ok && st.State == StateRunning {
		f.states[handle] = Status{State: StateExited}
	}
	return nil
}

func (f *FakeRuntime) Remove(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, handle)
	delete(f.specs, handle)
	f.closeLogsLocked(handle)
	return nil
}

func (f *FakeRuntime) Logs(_ context.Context, handle string) (io.ReadCloser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.states[handle]; !ok {
		return nil, fmt.Errorf("logs %s: container absent", handle)
	}
	r, w := io.Pipe()
	f.logs[handle] = append(f.logs[handle], w)
	return r, nil
}

// EmitLogs writes a chunk of container output to every open log stream for
// the handle, as if the containerized process printed it.
func (f *FakeRuntime) EmitLogs(handle, s string) {
	f.mu.Lock()
	writers := append([]*io.PipeWriter(nil), f.logs[handle]...)
	f.mu.Unlock()
	for _, w := range writers {
		w.Write([]byte(s))
	}
}

// LogStreamCount returns how many log streams are open for the handle.
func (f *FakeRuntime) LogStreamCount(handle string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.logs[handle])
}

func (f *FakeRuntime) closeLogsLocked(handle string) {
	for _, w := range f.logs[handle] {
		w.Close()
	}
	delete(f.logs, handle)
}

func (f *FakeRuntime) ListManaged(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	handles := make([]string, 0, len(f.states))
	for h := range f.states {
		handles = append(handles, h)
	}
	return handles, nil
}

// KillOutOfBand removes a container as if it died or was deleted outside
// the orchestrator.
func (f *FakeRuntime) KillOutOfBand(handle string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.states, handle)
	f.closeLogsLocked(handle)
}

// CreatedCount returns how many containers Create has made.
func (f *FakeRuntime) CreatedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.created
}

// SpecFor returns the spec a handle was created from.
func (f *FakeRuntime) SpecFor(handle string) (Spec, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.specs[handle]
	return s, ok
}

var _ Runtime = (*FakeRuntime)(nil)
