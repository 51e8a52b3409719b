// Package deploy is the container lifecycle manager: it turns "team T wants
// a preview of kind K" into a running container, a leased port, and a
// registry row — and tears the three down together.
package deploy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/colabvibe/previewd/internal/broker"
	"github.com/colabvibe/previewd/internal/config"
	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/runtime"
	"github.com/sethvargo/go-retry"
)

// ErrCreateFailed indicates the runtime rejected the creation spec (bad
// image, bad command). Retrying without operator intervention is pointless.
var ErrCreateFailed = errors.New("container creation failed")

// ErrNotFound indicates no deployment exists for the team.
var ErrNotFound = errors.New("deployment not found")

// createRetryAttempts bounds retries of transient runtime failures during
// creation.
const createRetryAttempts = 3

// Manager owns deployment lifecycle for all teams. All dependencies are
// injected so tests run against fakes.
type Manager struct {
	store     *database.Store
	rt        runtime.Runtime
	alloc     *ports.Allocator
	templates map[string]config.Template
	locks     *keyedMutex

	logMu    sync.Mutex
	logTails map[string]*logTail // team ID → live container log tail
}

// logTail is one followed container log stream fanned out through a broker
// stream. All viewers of the same container share it.
type logTail struct {
	stream *broker.Stream
	cancel context.CancelFunc
	handle string
}

func NewManager(store *database.Store, rt runtime.Runtime, alloc *ports.Allocator, templates map[string]config.Template) *Manager {
	return &Manager{
		store:     store,
		rt:        rt,
		alloc:     alloc,
		templates: templates,
		locks:     newKeyedMutex(),
		logTails:  make(map[string]*logTail),
	}
}

// LockTeam serializes external work (the reconciler's per-team check) with
// this manager's operations for the same team.
func (m *Manager) LockTeam(teamID string) func() {
	return m.locks.lock(teamID)
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

func containerName(teamID string) string {
	name := strings.ToLower(teamID)
	name = nameSanitizer.ReplaceAllString(name, "-")
	name = strings.Trim(name, "-")
	name = "preview-" + name
	if len(name) > 63 {
		name = name[:63]
	}
	return name
}

// EnsureRunning makes sure the team has a live preview deployment of the
// given template kind and returns its row. Calling it again after success
// is idempotent: the existing container and port are returned unchanged.
// A row in failed or stopped state is treated as stale and recreated.
func (m *Manager) EnsureRunning(ctx context.Context, teamID, templateKind string) (*database.Deployment, error) {
	unlock := m.LockTeam(teamID)
	defer unlock()

	d, err := m.store.GetDeployment(teamID)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("read deployment: %w", err)
	}

	if d != nil && !d.Terminal() {
		st, inspectErr := m.rt.Inspect(ctx, d.ContainerID)
		if inspectErr == nil && st.State == runtime.StateRunning {
			// Fast path: registry and runtime agree.
			return d, nil
		}
		if inspectErr != nil {
			return nil, fmt.Errorf("inspect deployment %s: %w", teamID, inspectErr)
		}
		// Row says active but the container is exited or gone: stale.
		log.Printf("[lifecycle] team %s row says %s but container is %s, recreating", teamID, d.Status, st.State)
	}

	// Tear down leftovers from a stale or terminal row before recreating.
	if d != nil {
		m.closeLogTail(teamID, "deployment replaced")
		if d.ContainerID != "" {
			if err := m.rt.Remove(ctx, d.ContainerID); err != nil {
				log.Printf("[lifecycle] remove stale container for %s: %v", teamID, err)
			}
		}
		if d.Port != 0 {
			m.alloc.Release(d.Port, teamID)
		}
	}

	tmpl, ok := m.templates[templateKind]
	if !ok {
		return nil, fmt.Errorf("%w: unknown template kind %q", ErrCreateFailed, templateKind)
	}

	port, err := m.alloc.Lease(teamID)
	if err != nil {
		return nil, fmt.Errorf("lease port for %s: %w", teamID, err)
	}

	name := containerName(teamID)

	// Persist intent before the runtime call so a crash mid-create leaves
	// a row the reconciler can finish cleaning up.
	row := &database.Deployment{
		TeamID:        teamID,
		ContainerName: name,
		Port:          port,
		Status:        database.StatusPending,
		TemplateKind:  templateKind,
	}
	if err := m.store.UpsertDeployment(row); err != nil {
		m.alloc.Release(port, teamID)
		return nil, fmt.Errorf("persist pending deployment: %w", err)
	}

	handle, err := m.createWithRetry(ctx, runtime.Spec{
		Name:          name,
		Image:         tmpl.Image,
		Command:       tmpl.Command,
		Env:           tmpl.Env,
		Labels:        map[string]string{"team": teamID},
		HostPort:      port,
		ContainerPort: tmpl.ContainerPort,
		MemoryLimit:   tmpl.MemoryLimit,
		CPULimit:      tmpl.CPULimit,
	})
	if err != nil {
		// The row must not keep pointing at a lease it no longer holds.
		row.Status = database.StatusFailed
		row.LastError = err.Error()
		row.Port = 0
		if saveErr := m.store.UpsertDeployment(row); saveErr != nil {
			log.Printf("[lifecycle] record create failure for %s: %v", teamID, saveErr)
		}
		m.alloc.Release(port, teamID)
		if errors.Is(err, runtime.ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	row.ContainerID = handle
	row.Status = database.StatusStarting
	row.LastError = ""
	row.AbsentStrikes = 0
	row.ProbeFailures = 0
	row.LastCheckedAt = time.Now()
	if err := m.store.UpsertDeployment(row); err != nil {
		return nil, fmt.Errorf("persist starting deployment: %w", err)
	}

	log.Printf("[lifecycle] team %s: created %s (%s) on port %d", teamID, name, handle, port)
	return row, nil
}

// createWithRetry retries only transient runtime unavailability; spec
// errors fail immediately.
func (m *Manager) createWithRetry(ctx context.Context, spec runtime.Spec) (string, error) {
	var handle string
	backoff := retry.WithMaxRetries(createRetryAttempts, retry.NewFibonacci(500*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		h, err := m.rt.Create(ctx, spec)
		if err != nil {
			if errors.Is(err, runtime.ErrUnavailable) {
				return retry.RetryableError(err)
			}
			return err
		}
		handle = h
		return nil
	})
	return handle, err
}

// Stop tears the team's deployment down: mark the row stopped first, then
// stop and remove the container, then release the port — in that order, so
// a crash mid-teardown leaves a state the reconciler can finish.
func (m *Manager) Stop(ctx context.Context, teamID string) error {
	unlock := m.LockTeam(teamID)
	defer unlock()

	d, err := m.store.GetDeployment(teamID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("read deployment: %w", err)
	}

	// The stopped row drops its port reference in the same write that marks
	// it terminal, so a repeated Stop (or a later retry) can never release a
	// lease someone else holds by now.
	port := d.Port
	d.Status = database.StatusStopped
	d.Port = 0
	if err := m.store.SaveDeployment(d); err != nil {
		return fmt.Errorf("mark stopped: %w", err)
	}

	m.closeLogTail(teamID, "deployment stopped")
	if d.ContainerID != "" {
		if err := m.rt.Stop(ctx, d.ContainerID); err != nil {
			log.Printf("[lifecycle] stop container for %s: %v", teamID, err)
		}
		if err := m.rt.Remove(ctx, d.ContainerID); err != nil {
			log.Printf("[lifecycle] remove container for %s: %v", teamID, err)
		}
	}
	if port != 0 {
		m.alloc.Release(port, teamID)
	}

	log.Printf("[lifecycle] team %s: deployment stopped", teamID)
	return nil
}

// Logs subscribes a viewer to the team's container output: recent history
// first, then live tailing. The first viewer starts the tail; later viewers
// share it.
func (m *Manager) Logs(ctx context.Context, teamID string) (*broker.Stream, *broker.Subscriber, error) {
	d, err := m.Get(teamID)
	if err != nil {
		return nil, nil, err
	}
	if d.Terminal() || d.ContainerID == "" {
		return nil, nil, ErrNotFound
	}

	m.logMu.Lock()
	if tail, ok := m.logTails[teamID]; ok && tail.handle == d.ContainerID && !tail.stream.Closed() {
		sub := tail.stream.Subscribe()
		m.logMu.Unlock()
		return tail.stream, sub, nil
	}

	tailCtx, cancel := context.WithCancel(context.Background())
	rc, err := m.rt.Logs(tailCtx, d.ContainerID)
	if err != nil {
		cancel()
		m.logMu.Unlock()
		return nil, nil, fmt.Errorf("tail logs for %s: %w", teamID, err)
	}
	tail := &logTail{stream: broker.NewStream(0, 0), cancel: cancel, handle: d.ContainerID}
	m.logTails[teamID] = tail
	m.logMu.Unlock()

	go m.pumpLogs(teamID, tail, rc)

	return tail.stream, tail.stream.Subscribe(), nil
}

// pumpLogs is the single read loop for one container's log stream.
func (m *Manager) pumpLogs(teamID string, tail *logTail, rc io.ReadCloser) {
	buf := make([]byte, 32*1024)
	for {
		n, err := rc.Read(buf)
		if n > 0 {
			tail.stream.Write(buf[:n])
		}
		if err != nil {
			break
		}
	}
	rc.Close()
	tail.stream.CloseWithReason("log stream ended")

	m.logMu.Lock()
	if m.logTails[teamID] == tail {
		delete(m.logTails, teamID)
	}
	m.logMu.Unlock()
}

// closeLogTail ends the team's log tail, if one is live, with an explicit
// reason for its viewers.
func (m *Manager) closeLogTail(teamID, reason string) {
	m.logMu.Lock()
	tail := m.logTails[teamID]
	delete(m.logTails, teamID)
	m.logMu.Unlock()
	if tail != nil {
		tail.cancel()
		tail.stream.CloseWithReason(reason)
	}
}

// Get returns the team's deployment row.
func (m *Manager) Get(teamID string) (*database.Deployment, error) {
	d, err := m.store.GetDeployment(teamID)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return d, nil
}

// List returns every deployment row.
func (m *Manager) List() ([]database.Deployment, error) {
	return m.store.ListDeployments()
}

// AdoptExisting re-reserves port leases for non-terminal rows that survived
// a process restart, so the allocator does not hand their ports out again
// before the first reconciler tick settles their status.
func (m *Manager) AdoptExisting() error {
	active, err := m.store.ListActiveDeployments()
	if err != nil {
		return fmt.Errorf("list active deployments: %w", err)
	}
	for _, d := range active {
		if d.Port == 0 {
			continue
		}
		if !m.alloc.Reserve(d.Port, d.TeamID) {
			log.Printf("[lifecycle] could not re-reserve port %d for team %s", d.Port, d.TeamID)
			continue
		}
		log.Printf("[lifecycle] re-adopted team %s on port %d (status %s)", d.TeamID, d.Port, d.Status)
	}
	return nil
}
