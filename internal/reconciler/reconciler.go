// Package reconciler closes the gap between the registry and reality. On a
// timer it inspects every non-terminal deployment, probes the application
// behind it, and settles drift: containers that died out-of-band become
// failed rows with their ports reclaimed, and leaked containers or session
// backends with no owning row are cleaned up.
package reconciler

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/runtime"
)

// sessionJanitor is the slice of the session manager the reconciler needs.
type sessionJanitor interface {
	PruneOrphans(ctx context.Context, killOrphans bool)
	CleanupIdle(ctx context.Context, idleTimeout time.Duration) int
}

// Options are the reconciler's tuning knobs, normally filled from config.
type Options struct {
	// Interval between ticks.
	Interval time.Duration
	// Jitter is the maximum random delay added before each tick, so many
	// instances do not hammer the runtime in lockstep.
	Jitter time.Duration
	// AbsentStrikes is how many consecutive absent checks it takes to move
	// a deployment to failed. The first strike only marks it unhealthy.
	AbsentStrikes int
	// ProbeFailThreshold is how many consecutive probe failures mark a
	// runtime-level-running deployment unhealthy.
	ProbeFailThreshold int
	// ProbeFailLimit is how many consecutive probe failures it takes to
	// give up on an unhealthy deployment entirely: the container is torn
	// down and the row moves to failed, same as sustained absence.
	ProbeFailLimit int
	// ProbeTimeout bounds one HTTP probe.
	ProbeTimeout time.Duration
	// CheckTimeout bounds one deployment's whole check.
	CheckTimeout time.Duration
	// KillOrphanBackends kills session backends with no owning row instead
	// of only logging them.
	KillOrphanBackends bool
	// SessionIdleTimeout is how long a disconnected persistent session may
	// idle before it is killed. Zero disables idle cleanup.
	SessionIdleTimeout time.Duration
}

// Reconciler runs the periodic health loop.
type Reconciler struct {
	store    *database.Store
	rt       runtime.Runtime
	alloc    *ports.Allocator
	deploys  *deploy.Manager
	sessions sessionJanitor
	opts     Options

	// probe reports whether the application behind port answers. Replaced
	// in tests.
	probe func(ctx context.Context, port int) bool

	cron *cron.Cron
}

func New(store *database.Store, rt runtime.Runtime, alloc *ports.Allocator, deploys *deploy.Manager, sessions sessionJanitor, opts Options) *Reconciler {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.AbsentStrikes <= 0 {
		opts.AbsentStrikes = 2
	}
	if opts.ProbeFailThreshold <= 0 {
		opts.ProbeFailThreshold = 6
	}
	if opts.ProbeFailLimit <= 0 {
		opts.ProbeFailLimit = 3 * opts.ProbeFailThreshold
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 3 * time.Second
	}
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 30 * time.Second
	}
	r := &Reconciler{
		store:    store,
		rt:       rt,
		alloc:    alloc,
		deploys:  deploys,
		sessions: sessions,
		opts:     opts,
	}
	r.probe = r.httpProbe
	return r
}

// Start schedules the loop. The first tick runs one interval from now.
func (r *Reconciler) Start() error {
	r.cron = cron.New()
	_, err := r.cron.AddFunc(fmt.Sprintf("@every %s", r.opts.Interval), func() {
		if r.opts.Jitter > 0 {
			time.Sleep(time.Duration(rand.Int63n(int64(r.opts.Jitter))))
		}
		r.Tick(context.Background())
	})
	if err != nil {
		return fmt.Errorf("schedule reconciler: %w", err)
	}
	r.cron.Start()
	log.Printf("[reconciler] started, interval %s", r.opts.Interval)
	return nil
}

// Stop halts the schedule and waits for a running tick to finish.
func (r *Reconciler) Stop() {
	if r.cron != nil {
		<-r.cron.Stop().Done()
	}
}

// Tick runs one full reconciliation pass. Exported so startup and tests can
// drive it directly.
func (r *Reconciler) Tick(ctx context.Context) {
	active, err := r.store.ListActiveDeployments()
	if err != nil {
		log.Printf("[reconciler] list deployments: %v", err)
		return
	}

	// One team's slow or failing check must not delay the others.
	var wg sync.WaitGroup
	for _, d := range active {
		wg.Add(1)
		go func(teamID string) {
			defer wg.Done()
			cctx, cancel := context.WithTimeout(ctx, r.opts.CheckTimeout)
			defer cancel()
			r.checkDeployment(cctx, teamID)
		}(d.TeamID)
	}
	wg.Wait()

	r.cleanupOrphanContainers(ctx)

	if r.sessions != nil {
		r.sessions.PruneOrphans(ctx, r.opts.KillOrphanBackends)
		r.sessions.CleanupIdle(ctx, r.opts.SessionIdleTimeout)
	}
}

// checkDeployment settles one team's row against the runtime. It re-reads
// the row under the team lock so it never races EnsureRunning or Stop.
func (r *Reconciler) checkDeployment(ctx context.Context, teamID string) {
	unlock := r.deploys.LockTeam(teamID)
	defer unlock()

	row, err := r.store.GetDeployment(teamID)
	if err != nil || row.Terminal() {
		return
	}

	// A row without a handle is a crash mid-create; it inspects as absent.
	st := runtime.Status{State: runtime.StateAbsent}
	if row.ContainerID != "" {
		st, err = r.rt.Inspect(ctx, row.ContainerID)
		if err != nil {
			// Transient runtime trouble: record it, touch nothing else.
			row.LastError = fmt.Sprintf("inspect: %v", err)
			row.LastCheckedAt = time.Now()
			if saveErr := r.store.SaveDeployment(row); saveErr != nil {
				log.Printf("[reconciler] team %s: save after inspect error: %v", teamID, saveErr)
			}
			log.Printf("[reconciler] team %s: inspect failed: %v", teamID, err)
			return
		}
	}

	row.LastCheckedAt = time.Now()

	if st.State == runtime.StateRunning {
		row.AbsentStrikes = 0
		if r.probe(ctx, row.Port) {
			if row.Status != database.StatusRunning {
				log.Printf("[reconciler] team %s: %s -> running", teamID, row.Status)
			}
			row.Status = database.StatusRunning
			row.ProbeFailures = 0
			row.LastError = ""
		} else {
			row.ProbeFailures++
			// A booting dev server looks exactly like a hung one on a
			// single check; only sustained failure changes status, and
			// only a hopeless one tears the deployment down.
			switch {
			case row.ProbeFailures >= r.opts.ProbeFailLimit:
				log.Printf("[reconciler] team %s: probe failed %d times, giving up", teamID, row.ProbeFailures)
				reason := fmt.Sprintf("probe on port %d failing", row.Port)
				if err := r.rt.Remove(ctx, row.ContainerID); err != nil {
					log.Printf("[reconciler] team %s: remove unresponsive container: %v", teamID, err)
				}
				r.releasePort(row, teamID)
				row.Status = database.StatusFailed
				row.LastError = reason
			case row.ProbeFailures >= r.opts.ProbeFailThreshold && row.Status != database.StatusUnhealthy:
				log.Printf("[reconciler] team %s: probe failed %d times, marking unhealthy", teamID, row.ProbeFailures)
				row.Status = database.StatusUnhealthy
				row.LastError = fmt.Sprintf("probe on port %d failing", row.Port)
			}
		}
	} else {
		// Exited or gone while the row says active: drift.
		row.AbsentStrikes++
		reason := "container absent"
		if st.State == runtime.StateExited {
			reason = fmt.Sprintf("container exited (code %d)", st.ExitCode)
		}
		if row.AbsentStrikes >= r.opts.AbsentStrikes {
			log.Printf("[reconciler] team %s: %s after %d strikes, marking failed", teamID, reason, row.AbsentStrikes)
			if row.ContainerID != "" {
				if err := r.rt.Remove(ctx, row.ContainerID); err != nil {
					log.Printf("[reconciler] team %s: remove dead container: %v", teamID, err)
				}
			}
			r.releasePort(row, teamID)
			row.Status = database.StatusFailed
			row.LastError = reason
		} else {
			log.Printf("[reconciler] team %s: %s (strike %d/%d)", teamID, reason, row.AbsentStrikes, r.opts.AbsentStrikes)
			row.Status = database.StatusUnhealthy
			row.LastError = reason
		}
	}

	if err := r.store.SaveDeployment(row); err != nil {
		log.Printf("[reconciler] team %s: save: %v", teamID, err)
	}
}

// releasePort reclaims a failed row's lease and clears the row's port
// reference in the same step. A terminal row must never carry a port it no
// longer owns: the next EnsureRunning would hand that number to its stale
// teardown, and by then another team may hold the lease.
func (r *Reconciler) releasePort(row *database.Deployment, teamID string) {
	if row.Port == 0 {
		return
	}
	r.alloc.Release(row.Port, teamID)
	row.Port = 0
}

// cleanupOrphanContainers stops and removes managed containers that no
// registry row claims — leftovers from a crashed instance or a wiped
// database.
func (r *Reconciler) cleanupOrphanContainers(ctx context.Context) {
	handles, err := r.rt.ListManaged(ctx)
	if err != nil {
		log.Printf("[reconciler] list managed containers: %v", err)
		return
	}
	if len(handles) == 0 {
		return
	}

	rows, err := r.store.ListDeployments()
	if err != nil {
		log.Printf("[reconciler] list deployments for orphan sweep: %v", err)
		return
	}
	known := make(map[string]struct{}, len(rows))
	for _, d := range rows {
		if d.ContainerID != "" {
			known[d.ContainerID] = struct{}{}
		}
	}

	for _, h := range handles {
		if _, ok := known[h]; ok {
			continue
		}
		log.Printf("[reconciler] removing orphan container %s (no registry row)", h)
		if err := r.rt.Stop(ctx, h); err != nil {
			log.Printf("[reconciler] stop orphan %s: %v", h, err)
		}
		if err := r.rt.Remove(ctx, h); err != nil {
			log.Printf("[reconciler] remove orphan %s: %v", h, err)
		}
	}
}

// httpProbe considers the application alive when it answers HTTP at all; a
// dev server returning 404 for "/" is still a dev server that is up.
func (r *Reconciler) httpProbe(ctx context.Context, port int) bool {
	pctx, cancel := context.WithTimeout(ctx, r.opts.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/", port), nil)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}
