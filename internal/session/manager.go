package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/colabvibe/previewd/internal/broker"
	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/logutil"
	"github.com/google/uuid"
)

// StreamEndedReason is the terminal-event reason delivered to subscribers
// when a session ends normally (exit or explicit kill).
const StreamEndedReason = "session ended"

// live is the in-process side of one session: its broker stream always, and
// a Proc while we are attached to the backend process.
type live struct {
	proc   Proc
	stream *broker.Stream
}

// Manager presents the uniform spawn/attach/resize/input/kill contract over
// the three backends. Session rows are the durable truth; the live map only
// caches what this process is currently attached to.
type Manager struct {
	store    *database.Store
	backends map[Kind]Backend

	scrollbackBytes int
	queueSize       int

	mu   sync.Mutex
	live map[string]*live // session ID → live state
}

func NewManager(store *database.Store, backends []Backend, scrollbackBytes, queueSize int) *Manager {
	m := &Manager{
		store:           store,
		backends:        make(map[Kind]Backend, len(backends)),
		scrollbackBytes: scrollbackBytes,
		queueSize:       queueSize,
		live:            make(map[string]*live),
	}
	for _, b := range backends {
		m.backends[b.Kind()] = b
	}
	return m
}

func (m *Manager) backend(kind Kind) (Backend, error) {
	b, ok := m.backends[kind]
	if !ok {
		return nil, fmt.Errorf("%w: backend %q not configured", ErrUnsupported, kind)
	}
	return b, nil
}

// Spawn starts command under the chosen backend and records the session.
func (m *Manager) Spawn(ctx context.Context, agentID string, kind Kind, command string) (*database.Session, error) {
	b, err := m.backend(kind)
	if err != nil {
		return nil, err
	}

	// Persist intent before the backend call, like the deployment path: a
	// crash mid-spawn leaves a created-state row that adoption prunes. The
	// session ID stands in as the handle until the backend reports the
	// real one, which keeps the (kind, handle) index collision-free.
	id := uuid.New().String()
	row := &database.Session{
		ID:            id,
		AgentID:       agentID,
		BackendKind:   string(kind),
		BackendHandle: id,
		Command:       command,
		Persistent:    b.Persistent(),
		State:         database.SessionCreated,
	}
	if err := m.store.CreateSession(row); err != nil {
		return nil, fmt.Errorf("persist session: %w", err)
	}

	proc, err := b.Start(ctx, id, command)
	if err != nil {
		m.store.DeleteSession(id)
		return nil, fmt.Errorf("spawn %s session: %w", kind, err)
	}

	row.BackendHandle = proc.Handle()
	row.State = database.SessionRunning
	if err := m.store.SaveSession(row); err != nil {
		proc.Kill()
		m.store.DeleteSession(id)
		return nil, fmt.Errorf("persist session: %w", err)
	}

	lv := &live{
		proc:   proc,
		stream: broker.NewStream(m.scrollbackBytes, m.queueSize),
	}
	m.mu.Lock()
	m.live[id] = lv
	m.mu.Unlock()

	go m.pump(id, lv)
	go m.watch(id, proc)

	log.Printf("[session-mgr] spawned %s session %s for agent %s", kind, id, logutil.SanitizeForLog(agentID))
	return row, nil
}

// pump is the single upstream read loop for a session: everything every
// subscriber sees flows through here exactly once.
func (m *Manager) pump(id string, lv *live) {
	buf := make([]byte, 32*1024)
	for {
		n, err := lv.proc.Output().Read(buf)
		if n > 0 {
			lv.stream.Write(buf[:n])
		}
		if err != nil {
			return
		}
	}
}

// watch settles the session's fate when its Proc ends: a persistent backend
// whose handle is still alive was merely detached; anything else exited.
func (m *Manager) watch(id string, proc Proc) {
	<-proc.Done()

	m.mu.Lock()
	lv, ok := m.live[id]
	if !ok || lv.proc != proc {
		// Killed or superseded by a reattach while we waited.
		m.mu.Unlock()
		return
	}
	lv.proc = nil
	m.mu.Unlock()

	row, err := m.store.GetSession(id)
	if err != nil {
		return
	}

	b, err := m.backend(Kind(row.BackendKind))
	if err == nil && b.Persistent() {
		alive, _ := b.HandleAlive(context.Background(), row.BackendHandle)
		if alive {
			m.store.UpdateSessionState(id, database.SessionDisconnected)
			log.Printf("[session-mgr] session %s detached, backend still alive", id)
			return
		}
	}

	// The process itself is gone.
	lv.stream.CloseWithReason(StreamEndedReason)
	m.store.DeleteSession(id)
	m.mu.Lock()
	delete(m.live, id)
	m.mu.Unlock()
	log.Printf("[session-mgr] session %s exited", id)
}

// ensureAttached returns the session's live state and current Proc,
// reattaching to the backend process when the session is disconnected.
func (m *Manager) ensureAttached(ctx context.Context, id string) (*live, Proc, error) {
	row, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, nil, ErrNotFound
		}
		return nil, nil, err
	}

	m.mu.Lock()
	lv, ok := m.live[id]
	if !ok {
		lv = &live{stream: broker.NewStream(m.scrollbackBytes, m.queueSize)}
		m.live[id] = lv
	}
	if lv.proc != nil {
		proc := lv.proc
		m.mu.Unlock()
		return lv, proc, nil
	}
	m.mu.Unlock()

	b, err := m.backend(Kind(row.BackendKind))
	if err != nil {
		return nil, nil, err
	}
	proc, err := b.Reattach(ctx, row.BackendHandle)
	if err != nil {
		return nil, nil, fmt.Errorf("reattach session %s: %w", id, err)
	}

	m.mu.Lock()
	if lv.proc != nil {
		// Lost the race to another attach; keep theirs.
		cur := lv.proc
		m.mu.Unlock()
		proc.Detach()
		return lv, cur, nil
	}
	lv.proc = proc
	m.mu.Unlock()

	go m.pump(id, lv)
	go m.watch(id, proc)

	m.store.UpdateSessionState(id, database.SessionRunning)
	log.Printf("[session-mgr] session %s reattached", id)
	return lv, proc, nil
}

// Attach subscribes a viewer to the session's output: buffered history
// first, then live tailing. Disconnected persistent sessions are reattached
// on demand.
func (m *Manager) Attach(ctx context.Context, id string) (*broker.Stream, *broker.Subscriber, error) {
	lv, _, err := m.ensureAttached(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	m.store.TouchSession(id)
	return lv.stream, lv.stream.Subscribe(), nil
}

// SendInput writes terminal input to the session's process.
func (m *Manager) SendInput(ctx context.Context, id string, p []byte) error {
	_, proc, err := m.ensureAttached(ctx, id)
	if err != nil {
		return err
	}
	if _, err := proc.Input().Write(p); err != nil {
		return fmt.Errorf("write input to session %s: %w", id, err)
	}
	m.store.TouchSession(id)
	return nil
}

// Resize changes the session's terminal dimensions.
func (m *Manager) Resize(ctx context.Context, id string, cols, rows uint16) error {
	_, proc, err := m.ensureAttached(ctx, id)
	if err != nil {
		return err
	}
	if err := proc.Resize(cols, rows); err != nil {
		return fmt.Errorf("resize session %s: %w", id, err)
	}
	m.store.TouchSession(id)
	return nil
}

// Kill terminates the session everywhere: backend process, broker stream
// (with an explicit terminal event), and registry row.
func (m *Manager) Kill(ctx context.Context, id string) error {
	row, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	}

	m.mu.Lock()
	lv := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()

	if lv != nil && lv.proc != nil {
		lv.proc.Kill()
	}
	if b, berr := m.backend(Kind(row.BackendKind)); berr == nil && row.BackendHandle != "" {
		if err := b.KillHandle(ctx, row.BackendHandle); err != nil && !errors.Is(err, ErrUnsupported) {
			log.Printf("[session-mgr] kill backend handle for %s: %v", id, err)
		}
	}
	if lv != nil {
		lv.stream.CloseWithReason(StreamEndedReason)
	}
	if err := m.store.DeleteSession(id); err != nil {
		return fmt.Errorf("delete session row %s: %w", id, err)
	}

	log.Printf("[session-mgr] killed session %s", id)
	return nil
}

// Get returns the session row.
func (m *Manager) Get(id string) (*database.Session, error) {
	row, err := m.store.GetSession(id)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return row, nil
}

// List returns the agent's sessions.
func (m *Manager) List(agentID string) ([]database.Session, error) {
	return m.store.ListSessionsByAgent(agentID)
}

// AdoptExisting reconciles session rows against backend reality at startup.
// Persistent sessions whose backend handle survived become disconnected and
// reattachable; everything else is pruned.
func (m *Manager) AdoptExisting(ctx context.Context) error {
	rows, err := m.store.ListSessions()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, row := range rows {
		if row.State == database.SessionCreated {
			// A spawn that never finished before the restart.
			log.Printf("[session-mgr] pruning unfinished session row %s", row.ID)
			m.store.DeleteSession(row.ID)
			continue
		}
		b, err := m.backend(Kind(row.BackendKind))
		if err != nil {
			m.store.DeleteSession(row.ID)
			continue
		}
		if b.Persistent() {
			alive, _ := b.HandleAlive(ctx, row.BackendHandle)
			if alive {
				m.store.UpdateSessionState(row.ID, database.SessionDisconnected)
				log.Printf("[session-mgr] re-adopted session %s (%s)", row.ID, row.BackendHandle)
				continue
			}
		}
		log.Printf("[session-mgr] pruning dead session row %s (%s)", row.ID, row.BackendKind)
		m.store.DeleteSession(row.ID)
	}
	return nil
}

// PruneOrphans removes session rows whose backend handle no longer exists,
// and reports (optionally killing) backend handles with no owning row —
// leaks from a crashed orchestrator.
func (m *Manager) PruneOrphans(ctx context.Context, killOrphans bool) {
	rows, err := m.store.ListSessions()
	if err != nil {
		log.Printf("[session-mgr] prune: list sessions: %v", err)
		return
	}

	known := make(map[string]string, len(rows)) // handle → session ID
	for _, row := range rows {
		known[row.BackendHandle] = row.ID

		// A created-state row is a spawn in flight; its real handle is not
		// recorded yet. Startup adoption prunes the ones a crash left.
		if row.State == database.SessionCreated {
			continue
		}

		m.mu.Lock()
		lv := m.live[row.ID]
		attached := lv != nil && lv.proc != nil
		m.mu.Unlock()
		if attached {
			continue
		}

		b, err := m.backend(Kind(row.BackendKind))
		if err != nil || !b.Persistent() {
			continue
		}
		alive, err := b.HandleAlive(ctx, row.BackendHandle)
		if err != nil {
			continue
		}
		if !alive {
			log.Printf("[session-mgr] pruning session %s: backend handle %s gone", row.ID, row.BackendHandle)
			if lv != nil {
				lv.stream.CloseWithReason(StreamEndedReason)
			}
			m.store.DeleteSession(row.ID)
			m.mu.Lock()
			delete(m.live, row.ID)
			m.mu.Unlock()
		}
	}

	for kind, b := range m.backends {
		handles, err := b.ListHandles(ctx)
		if err != nil {
			continue
		}
		for _, h := range handles {
			if _, ok := known[h]; ok {
				continue
			}
			log.Printf("[session-mgr] orphan %s handle %s has no session row", kind, h)
			if killOrphans {
				if err := b.KillHandle(ctx, h); err != nil {
					log.Printf("[session-mgr] kill orphan %s: %v", h, err)
				}
			}
		}
	}
}

// CleanupIdle kills persistent sessions that have sat disconnected longer
// than idleTimeout. Zero disables cleanup.
func (m *Manager) CleanupIdle(ctx context.Context, idleTimeout time.Duration) int {
	if idleTimeout <= 0 {
		return 0
	}
	rows, err := m.store.ListSessions()
	if err != nil {
		return 0
	}
	cutoff := time.Now().Add(-idleTimeout)
	n := 0
	for _, row := range rows {
		if row.State != database.SessionDisconnected || !row.LastActiveAt.Before(cutoff) {
			continue
		}
		log.Printf("[session-mgr] cleaning up idle session %s (disconnected since %s)",
			row.ID, row.LastActiveAt.Format(time.RFC3339))
		if err := m.Kill(ctx, row.ID); err != nil {
			log.Printf("[session-mgr] idle cleanup of %s: %v", row.ID, err)
		} else {
			n++
		}
	}
	return n
}

// Shutdown ends this process's involvement in every session: non-persistent
// processes are killed, persistent ones detached, and every open stream is
// closed with an explicit reason so viewers know the server went away.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	lives := make(map[string]*live, len(m.live))
	for id, lv := range m.live {
		lives[id] = lv
	}
	m.live = make(map[string]*live)
	m.mu.Unlock()

	for id, lv := range lives {
		row, err := m.store.GetSession(id)
		persistent := err == nil && row.Persistent

		if lv.proc != nil {
			if persistent {
				lv.proc.Detach()
			} else {
				lv.proc.Kill()
			}
		}
		lv.stream.CloseWithReason("server shutting down")
		if persistent {
			m.store.UpdateSessionState(id, database.SessionDisconnected)
		} else {
			m.store.DeleteSession(id)
		}
	}
}
