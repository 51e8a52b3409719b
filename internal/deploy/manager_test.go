package deploy

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/colabvibe/previewd/internal/broker"
	"github.com/colabvibe/previewd/internal/config"
	"github.com/colabvibe/previewd/internal/database"
	"github.com/colabvibe/previewd/internal/ports"
	"github.com/colabvibe/previewd/internal/runtime"
)

func testTemplates() map[string]config.Template {
	return map[string]config.Template{
		"node": {
			Image:         "node:22-alpine",
			ContainerPort: 5173,
			MemoryLimit:   "1Gi",
			CPULimit:      "1000m",
		},
	}
}

func newTestManager(t *testing.T) (*Manager, *runtime.FakeRuntime, *database.Store, *ports.Allocator) {
	t.Helper()
	store, err := database.OpenMemory()
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	alloc, err := ports.NewAllocator(8100, 8110)
	if err != nil {
		t.Fatalf("allocator: %v", err)
	}

	rt := runtime.NewFakeRuntime()
	return NewManager(store, rt, alloc, testTemplates()), rt, store, alloc
}

func TestEnsureRunningCreatesDeployment(t *testing.T) {
	m, rt, store, _ := newTestManager(t)

	d, err := m.EnsureRunning(context.Background(), "team-a", "node")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if d.Status != database.StatusStarting {
		t.Errorf("status = %s, want starting", d.Status)
	}
	if d.Port < 8100 || d.Port > 8110 {
		t.Errorf("port = %d, outside pool", d.Port)
	}
	if d.ContainerID == "" {
		t.Error("no container handle recorded")
	}
	if rt.CreatedCount() != 1 {
		t.Errorf("created %d containers, want 1", rt.CreatedCount())
	}

	spec, ok := rt.SpecFor(d.ContainerID)
	if !ok {
		t.Fatal("spec not recorded for handle")
	}
	if spec.HostPort != d.Port || spec.ContainerPort != 5173 {
		t.Errorf("spec ports = %d→%d", spec.HostPort, spec.ContainerPort)
	}
	if spec.Name != "preview-team-a" {
		t.Errorf("container name = %q", spec.Name)
	}

	// Row is durable.
	got, err := store.GetDeployment("team-a")
	if err != nil {
		t.Fatalf("GetDeployment: %v", err)
	}
	if got.ContainerID != d.ContainerID {
		t.Errorf("persisted handle = %q, want %q", got.ContainerID, d.ContainerID)
	}
}

func TestEnsureRunningIdempotent(t *testing.T) {
	m, rt, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("second: %v", err)
	}

	if first.ContainerID != second.ContainerID {
		t.Errorf("handles differ: %q vs %q", first.ContainerID, second.ContainerID)
	}
	if first.Port != second.Port {
		t.Errorf("ports differ: %d vs %d", first.Port, second.Port)
	}
	if rt.CreatedCount() != 1 {
		t.Errorf("created %d containers, want 1", rt.CreatedCount())
	}
}

func TestEnsureRunningConcurrentSingleContainer(t *testing.T) {
	m, rt, store, alloc := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.EnsureRunning(ctx, "team-a", "node"); err != nil {
				t.Errorf("EnsureRunning: %v", err)
			}
		}()
	}
	wg.Wait()

	if rt.CreatedCount() != 1 {
		t.Errorf("created %d containers under contention, want 1", rt.CreatedCount())
	}
	if alloc.LeasedCount() != 1 {
		t.Errorf("%d leased ports, want 1", alloc.LeasedCount())
	}

	rows, err := store.ListDeployments()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rows) != 1 {
		t.Errorf("%d rows for team-a, want 1", len(rows))
	}
}

func TestEnsureRunningRecreatesAfterOutOfBandKill(t *testing.T) {
	m, rt, _, _ := newTestManager(t)
	ctx := context.Background()

	first, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	rt.KillOutOfBand(first.ContainerID)

	second, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if second.ContainerID == first.ContainerID {
		t.Error("stale handle reused after out-of-band kill")
	}
	if second.Status != database.StatusStarting {
		t.Errorf("status = %s, want starting", second.Status)
	}
}

func TestEnsureRunningUnknownTemplate(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.EnsureRunning(context.Background(), "team-a", "cobol")
	if !errors.Is(err, ErrCreateFailed) {
		t.Errorf("err = %v, want ErrCreateFailed", err)
	}
}

func TestEnsureRunningCreateFailureMarksRowAndReleasesPort(t *testing.T) {
	m, rt, store, alloc := newTestManager(t)
	rt.CreateErr = errors.New("image does not exist")

	_, err := m.EnsureRunning(context.Background(), "team-a", "node")
	if !errors.Is(err, ErrCreateFailed) {
		t.Fatalf("err = %v, want ErrCreateFailed", err)
	}

	d, err := store.GetDeployment("team-a")
	if err != nil {
		t.Fatalf("row missing after failure: %v", err)
	}
	if d.Status != database.StatusFailed {
		t.Errorf("status = %s, want failed", d.Status)
	}
	if d.LastError == "" {
		t.Error("last_error not recorded")
	}
	if alloc.LeasedCount() != 0 {
		t.Errorf("%d ports still leased after failure, want 0", alloc.LeasedCount())
	}
}

func TestEnsureRunningRetriesFailedRow(t *testing.T) {
	m, rt, _, _ := newTestManager(t)
	ctx := context.Background()

	rt.CreateErr = errors.New("image does not exist")
	if _, err := m.EnsureRunning(ctx, "team-a", "node"); err == nil {
		t.Fatal("expected create failure")
	}

	// Explicit retry treats failed exactly like drift.
	rt.CreateErr = nil
	d, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Status != database.StatusStarting {
		t.Errorf("status = %s, want starting", d.Status)
	}
}

func TestStopReleasesEverything(t *testing.T) {
	m, rt, store, alloc := newTestManager(t)
	ctx := context.Background()

	d, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	if err := m.Stop(ctx, "team-a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	st, _ := rt.Inspect(ctx, d.ContainerID)
	if st.State != runtime.StateAbsent {
		t.Errorf("container state = %s, want absent", st.State)
	}
	if alloc.LeasedCount() != 0 {
		t.Errorf("%d ports leased after stop, want 0", alloc.LeasedCount())
	}

	row, err := store.GetDeployment("team-a")
	if err != nil {
		t.Fatalf("row removed on stop, want kept: %v", err)
	}
	if row.Status != database.StatusStopped {
		t.Errorf("status = %s, want stopped", row.Status)
	}
	if row.Port != 0 {
		t.Errorf("stopped row still references port %d, want 0", row.Port)
	}
}

func TestRepeatedStopDoesNotReleaseOthersLease(t *testing.T) {
	m, _, _, alloc := newTestManager(t)
	ctx := context.Background()

	d, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	port := d.Port
	if err := m.Stop(ctx, "team-a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	// The freed port moves to another team before team-a stops again.
	if !alloc.Reserve(port, "team-b") {
		t.Fatalf("reserve %d for team-b failed", port)
	}

	if err := m.Stop(ctx, "team-a"); err != nil {
		t.Fatalf("second Stop: %v", err)
	}
	if got := alloc.Owner(port); got != "team-b" {
		t.Errorf("lease owner of %d = %q, want team-b", port, got)
	}
}

func TestRetryWithStalePortDoesNotStealLease(t *testing.T) {
	m, _, store, alloc := newTestManager(t)
	ctx := context.Background()

	// A failed row still referencing a port whose lease has since moved to
	// another team. The retry's teardown must not free it.
	if err := store.UpsertDeployment(&database.Deployment{
		TeamID:       "team-a",
		Port:         8100,
		Status:       database.StatusFailed,
		TemplateKind: "node",
	}); err != nil {
		t.Fatalf("seed failed row: %v", err)
	}
	if !alloc.Reserve(8100, "team-b") {
		t.Fatal("reserve 8100 for team-b failed")
	}

	d, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if d.Port == 8100 {
		t.Error("retry leased team-b's port")
	}
	if got := alloc.Owner(8100); got != "team-b" {
		t.Errorf("lease owner of 8100 = %q, want team-b", got)
	}
}

func TestStopUnknownTeam(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	if err := m.Stop(context.Background(), "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestAdoptExistingReservesPorts(t *testing.T) {
	m, _, store, _ := newTestManager(t)
	ctx := context.Background()

	d, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	// Simulate a restart: fresh allocator with amnesia, same store.
	alloc2, _ := ports.NewAllocator(8100, 8110)
	m2 := NewManager(store, runtime.NewFakeRuntime(), alloc2, testTemplates())
	if err := m2.AdoptExisting(); err != nil {
		t.Fatalf("AdoptExisting: %v", err)
	}
	if got := alloc2.Owner(d.Port); got != "team-a" {
		t.Errorf("port %d owner after adopt = %q, want team-a", d.Port, got)
	}
}

func readLogEvent(t *testing.T, sub *broker.Subscriber) broker.Event {
	t.Helper()
	select {
	case ev := <-sub.C:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a log event")
		return broker.Event{}
	}
}

func TestLogsStreamsContainerOutput(t *testing.T) {
	m, rt, _, _ := newTestManager(t)
	ctx := context.Background()

	d, err := m.EnsureRunning(ctx, "team-a", "node")
	if err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}

	_, sub, err := m.Logs(ctx, "team-a")
	if err != nil {
		t.Fatalf("Logs: %v", err)
	}

	rt.EmitLogs(d.ContainerID, "ready on port 3000\n")
	var got []byte
	for !strings.Contains(string(got), "ready on port 3000") {
		ev := readLogEvent(t, sub)
		got = append(got, ev.Data...)
	}

	// A late viewer shares the tail and gets the history replayed.
	_, sub2, err := m.Logs(ctx, "team-a")
	if err != nil {
		t.Fatalf("second Logs: %v", err)
	}
	if ev := readLogEvent(t, sub2); !strings.Contains(string(ev.Data), "ready on port 3000") {
		t.Errorf("replay = %q, want buffered history", ev.Data)
	}

	// Stopping the deployment ends the stream with an explicit reason.
	if err := m.Stop(ctx, "team-a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	var reason string
	for ev := range sub.C {
		if ev.Closed {
			reason = ev.Reason
		}
	}
	if reason != "deployment stopped" {
		t.Errorf("close reason = %q, want deployment stopped", reason)
	}
}

func TestLogsWithoutUsableDeployment(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, _, err := m.Logs(ctx, "nobody"); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown team err = %v, want ErrNotFound", err)
	}

	if _, err := m.EnsureRunning(ctx, "team-a", "node"); err != nil {
		t.Fatalf("EnsureRunning: %v", err)
	}
	if err := m.Stop(ctx, "team-a"); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if _, _, err := m.Logs(ctx, "team-a"); !errors.Is(err, ErrNotFound) {
		t.Errorf("stopped deployment err = %v, want ErrNotFound", err)
	}
}

func TestContainerName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"team-a", "preview-team-a"},
		{"Team_A!", "preview-team-a"},
		{"--weird--", "preview-weird"},
	}
	for _, tt := range tests {
		if got := containerName(tt.in); got != tt.want {
			t.Errorf("containerName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
