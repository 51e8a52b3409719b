package reconciler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colabvibe/previewd/internal/config"
	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/deploy"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/runtime"
)

// fakeJanitor records the session-cleanup calls one tick makes.
type fakeJanitor struct {
	mu          sync.Mutex
	pruneCalls  int
	killOrphans bool
	idleCalls   int
	idleTimeout time.Duration
}

func (j *fakeJanitor) PruneOrphans(_ context.Context, killOrphans bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.pruneCalls++
	j.killOrphans = killOrphans
}

func (j *fakeJanitor) CleanupIdle(_ context.Context, idleTimeout time.Duration) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.idleCalls++
	j.idleTimeout = idleTimeout
	return 0
}

type fixture struct {
	store   *database.Store
	rt      *runtime.FakeRuntime
	alloc   *ports.Allocator
	deploys *deploy.Manager
	janitor *fakeJanitor
	rec     *Reconciler
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	store, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	alloc, err := ports.NewAllocator(8200, 8210)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	rt := runtime.NewFakeRuntime()
	templates := map[string]config.Template{
		"node": {Image: "node:22-alpine", Command: []string{"npm", "run", "dev"}, ContainerPort: 3000},
	}
	deploys := deploy.NewManager(store, rt, alloc, templates)
	janitor := &fakeJanitor{}
	rec := New(store, rt, alloc, deploys, janitor, opts)
	rec.probe = func(context.Context, int) bool { return true }

	return &fixture{store: store, rt: rt, alloc: alloc, deploys: deploys, janitor: janitor, rec: rec}
}

func (f *fixture) mustDeploy(t *testing.T, teamID string) *database.Deployment {
	t.Helper()
	d, err := f.deploys.EnsureRunning(context.Background(), teamID, "node")
	if err != nil {
		t.Fatalf("EnsureRunning(%s): %v", teamID, err)
	}
	return d
}

func (f *fixture) row(t *testing.T, teamID string) *database.Deployment {
	t.Helper()
	d, err := f.store.GetDeployment(teamID)
	if err != nil {
		t.Fatalf("GetDeployment(%s): %v", teamID, err)
	}
	return d
}

func TestStartingBecomesRunningOnProbeSuccess(t *testing.T) {
	f := newFixture(t, Options{})
	f.mustDeploy(t, "team-a")

	if got := f.row(t, "team-a").Status; got != database.StatusStarting {
		t.Fatalf("status before tick = %s, want starting", got)
	}

	f.rec.Tick(context.Background())

	d := f.row(t, "team-a")
	if d.Status != database.StatusRunning {
		t.Errorf("status = %s, want running", d.Status)
	}
	if d.ProbeFailures != 0 || d.AbsentStrikes != 0 {
		t.Errorf("counters = %d/%d, want 0/0", d.ProbeFailures, d.AbsentStrikes)
	}
	if d.LastCheckedAt.IsZero() {
		t.Error("LastCheckedAt not refreshed")
	}
}

func TestAbsentTwoStrikesMarksFailedAndReleasesPort(t *testing.T) {
	f := newFixture(t, Options{AbsentStrikes: 2})
	d := f.mustDeploy(t, "team-a")
	f.rt.KillOutOfBand(d.ContainerID)

	f.rec.Tick(context.Background())
	got := f.row(t, "team-a")
	if got.Status != database.StatusUnhealthy {
		t.Fatalf("status after strike 1 = %s, want unhealthy", got.Status)
	}
	if got.AbsentStrikes != 1 {
		t.Fatalf("strikes = %d, want 1", got.AbsentStrikes)
	}
	if f.alloc.Owner(d.Port) != "team-a" {
		t.Error("port released after a single strike")
	}

	f.rec.Tick(context.Background())
	got = f.row(t, "team-a")
	if got.Status != database.StatusFailed {
		t.Fatalf("status after strike 2 = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "absent") {
		t.Errorf("LastError = %q, want mention of absent", got.LastError)
	}
	if f.alloc.Owner(d.Port) != "" {
		t.Error("port not released on failure")
	}
	if got.Port != 0 {
		t.Errorf("failed row still references port %d, want 0", got.Port)
	}

	// Failed rows are terminal: another tick must not touch them.
	f.rec.Tick(context.Background())
	if got = f.row(t, "team-a"); got.Status != database.StatusFailed {
		t.Errorf("terminal row changed to %s", got.Status)
	}
}

func TestAbsentStrikesResetWhileRunning(t *testing.T) {
	f := newFixture(t, Options{AbsentStrikes: 2})
	d := f.mustDeploy(t, "team-a")
	f.rt.KillOutOfBand(d.ContainerID)

	f.rec.Tick(context.Background())
	if got := f.row(t, "team-a"); got.AbsentStrikes != 1 {
		t.Fatalf("strikes = %d, want 1", got.AbsentStrikes)
	}

	// The team re-requests its preview; strikes must start over.
	d2 := f.mustDeploy(t, "team-a")
	f.rec.Tick(context.Background())
	got := f.row(t, "team-a")
	if got.Status != database.StatusRunning {
		t.Fatalf("status = %s, want running", got.Status)
	}
	if got.AbsentStrikes != 0 {
		t.Errorf("strikes = %d, want 0", got.AbsentStrikes)
	}
	if got.ContainerID != d2.ContainerID {
		t.Errorf("container = %s, want %s", got.ContainerID, d2.ContainerID)
	}
}

func TestSustainedProbeFailureMarksUnhealthy(t *testing.T) {
	f := newFixture(t, Options{ProbeFailThreshold: 2})
	f.rec.probe = func(context.Context, int) bool { return false }
	f.mustDeploy(t, "team-a")

	f.rec.Tick(context.Background())
	got := f.row(t, "team-a")
	if got.Status != database.StatusStarting {
		t.Fatalf("status after one probe failure = %s, want starting", got.Status)
	}
	if got.ProbeFailures != 1 {
		t.Fatalf("failures = %d, want 1", got.ProbeFailures)
	}

	f.rec.Tick(context.Background())
	got = f.row(t, "team-a")
	if got.Status != database.StatusUnhealthy {
		t.Fatalf("status at threshold = %s, want unhealthy", got.Status)
	}

	// One probe success clears unhealthy.
	f.rec.probe = func(context.Context, int) bool { return true }
	f.rec.Tick(context.Background())
	got = f.row(t, "team-a")
	if got.Status != database.StatusRunning {
		t.Errorf("status after recovery = %s, want running", got.Status)
	}
	if got.ProbeFailures != 0 {
		t.Errorf("failures after recovery = %d, want 0", got.ProbeFailures)
	}
	if got.LastError != "" {
		t.Errorf("LastError after recovery = %q, want empty", got.LastError)
	}
}

func TestReclaimedPortIsNotClobberedByRetry(t *testing.T) {
	// A pool of one port forces the reclaimed port straight into the next
	// team's lease, so any stale release by the first team would show up.
	store, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	alloc, err := ports.NewAllocator(8200, 8200)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}
	rt := runtime.NewFakeRuntime()
	deploys := deploy.NewManager(store, rt, alloc, map[string]config.Template{
		"node": {Image: "node:22-alpine", ContainerPort: 3000},
	})
	rec := New(store, rt, alloc, deploys, nil, Options{AbsentStrikes: 2})
	rec.probe = func(context.Context, int) bool { return true }
	ctx := context.Background()

	a, err := deploys.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("team-a deploy: %v", err)
	}
	rt.KillOutOfBand(a.ContainerID)
	rec.Tick(ctx)
	rec.Tick(ctx)
	if got, _ := store.GetDeployment("team-a"); got.Status != database.StatusFailed {
		t.Fatalf("team-a status = %s, want failed", got.Status)
	}

	// The reclaimed port goes to another team.
	b, err := deploys.EnsureRunning(ctx, "team-b", "node")
	if err != nil {
		t.Fatalf("team-b deploy: %v", err)
	}
	if b.Port != 8200 {
		t.Fatalf("team-b port = %d, want 8200", b.Port)
	}

	// team-a retries while the pool is full: it must fail exhausted, not
	// free team-b's lease out from under it.
	if _, err := deploys.EnsureRunning(ctx, "team-a", "node"); !errors.Is(err, ports.ErrExhausted) {
		t.Fatalf("team-a retry err = %v, want ErrExhausted", err)
	}
	if got := alloc.Owner(8200); got != "team-b" {
		t.Errorf("lease owner of 8200 = %q, want team-b", got)
	}
	if st, _ := rt.Inspect(ctx, b.ContainerID); st.State != runtime.StateRunning {
		t.Errorf("team-b container state = %s, want running", st.State)
	}
}

func TestSustainedProbeFailureEscalatesToFailed(t *testing.T) {
	f := newFixture(t, Options{ProbeFailThreshold: 2, ProbeFailLimit: 4})
	f.rec.probe = func(context.Context, int) bool { return false }
	d := f.mustDeploy(t, "team-a")

	f.rec.Tick(context.Background())
	f.rec.Tick(context.Background())
	if got := f.row(t, "team-a"); got.Status != database.StatusUnhealthy {
		t.Fatalf("status at threshold = %s, want unhealthy", got.Status)
	}

	f.rec.Tick(context.Background())
	f.rec.Tick(context.Background())
	got := f.row(t, "team-a")
	if got.Status != database.StatusFailed {
		t.Fatalf("status at limit = %s, want failed", got.Status)
	}
	if !strings.Contains(got.LastError, "probe") {
		t.Errorf("LastError = %q, want mention of the probe", got.LastError)
	}
	if f.alloc.Owner(d.Port) != "" {
		t.Errorf("port %d still leased after giving up", d.Port)
	}
	if got.Port != 0 {
		t.Errorf("failed row still references port %d, want 0", got.Port)
	}
	if st, _ := f.rt.Inspect(context.Background(), d.ContainerID); st.State != runtime.StateAbsent {
		t.Errorf("unresponsive container state = %s, want removed", st.State)
	}
}

func TestInspectErrorIsRecordedWithoutStatusChange(t *testing.T) {
	f := newFixture(t, Options{})
	f.mustDeploy(t, "team-a")
	f.rt.InspectErr = runtime.ErrUnavailable

	f.rec.Tick(context.Background())

	got := f.row(t, "team-a")
	if got.Status != database.StatusStarting {
		t.Errorf("status = %s, want starting untouched", got.Status)
	}
	if got.AbsentStrikes != 0 {
		t.Errorf("strikes = %d, want 0 on runtime flakiness", got.AbsentStrikes)
	}
	if !strings.Contains(got.LastError, "inspect") {
		t.Errorf("LastError = %q, want inspect error recorded", got.LastError)
	}
}

func TestPendingRowWithoutHandleIsAbsent(t *testing.T) {
	f := newFixture(t, Options{AbsentStrikes: 2})

	// A crash between the pending write and the runtime call leaves this.
	f.alloc.Reserve(8205, "team-a")
	row := &database.Deployment{
		TeamID:       "team-a",
		Port:         8205,
		Status:       database.StatusPending,
		TemplateKind: "node",
	}
	if err := f.store.UpsertDeployment(row); err != nil {
		t.Fatalf("seed pending row: %v", err)
	}

	f.rec.Tick(context.Background())
	f.rec.Tick(context.Background())

	got := f.row(t, "team-a")
	if got.Status != database.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
	if f.alloc.Owner(8205) != "" {
		t.Error("port not reclaimed from abandoned pending row")
	}
}

func TestOrphanContainersRemoved(t *testing.T) {
	f := newFixture(t, Options{})
	owned := f.mustDeploy(t, "team-a")

	orphan, err := f.rt.Create(context.Background(), runtime.Spec{Name: "preview-lost"})
	if err != nil {
		t.Fatalf("create orphan: %v", err)
	}

	f.rec.Tick(context.Background())

	handles, _ := f.rt.ListManaged(context.Background())
	for _, h := range handles {
		if h == orphan {
			t.Error("orphan container survived the sweep")
		}
	}
	if st, _ := f.rt.Inspect(context.Background(), owned.ContainerID); st.State != runtime.StateRunning {
		t.Errorf("owned container state = %s, want running", st.State)
	}
}

func TestTickDelegatesSessionCleanup(t *testing.T) {
	f := newFixture(t, Options{KillOrphanBackends: true, SessionIdleTimeout: 42 * time.Minute})

	f.rec.Tick(context.Background())

	f.janitor.mu.Lock()
	defer f.janitor.mu.Unlock()
	if f.janitor.pruneCalls != 1 || !f.janitor.killOrphans {
		t.Errorf("prune calls = %d (kill=%v), want 1 with kill", f.janitor.pruneCalls, f.janitor.killOrphans)
	}
	if f.janitor.idleCalls != 1 || f.janitor.idleTimeout != 42*time.Minute {
		t.Errorf("idle calls = %d (timeout %s)", f.janitor.idleCalls, f.janitor.idleTimeout)
	}
}
