package service

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fslongjin/sandboxd/internal/access"
	"github.com/fslongjin/sandboxd/internal/clock"
	"github.com/fslongjin/sandboxd/internal/engine"
	"github.com/fslongjin/sandboxd/internal/lifecycle"
	"github.com/fslongjin/sandboxd/internal/metrics"
	"github.com/fslongjin/sandboxd/internal/model"
	"github.com/fslongjin/sandboxd/internal/notify"
	"github.com/fslongjin/sandboxd/internal/store"
	apimodel "github.com/fslongjin/sandboxd/pkg/model"
)

type sentMessage struct {
	kind notify.Kind
	text string
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []sentMessage
}

func (r *recordingNotifier) Notify(kind notify.Kind, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, sentMessage{kind: kind, text: text})
}

func (r *recordingNotifier) of(kind notify.Kind) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, m := range r.sent {
		if m.kind == kind {
			out = append(out, m.text)
		}
	}
	return out
}

// failingRegistry fails registry writes after the engine call has succeeded.
type failingRegistry struct {
	*store.SandboxStore
	failUpdate   error
	failAllocate error
}

func (f *failingRegistry) Allocate(ctx context.Context, rec *model.Sandbox, change store.StatusChange) error {
	if f.failAllocate != nil {
		return f.failAllocate
	}
	return f.SandboxStore.Allocate(ctx, rec, change)
}

func (f *failingRegistry) UpdateStatus(ctx context.Context, key model.Key, status model.Status, change store.StatusChange, now time.Time) error {
	if f.failUpdate != nil {
		return f.failUpdate
	}
	return f.SandboxStore.UpdateStatus(ctx, key, status, change, now)
}

type harness struct {
	eng      *engine.Memory
	clock    *clock.FakeClock
	notifier *recordingNotifier
	store    *store.SandboxStore
	registry *failingRegistry
	metrics  *metrics.Metrics
	svc      *SandboxService
	sharing  *SharingService
	admins   *AdminService
	expiry   *ExpiryService
	recon    *ReconcileService
	plane    *ControlPlane
}

var (
	adminCaller = Caller{Principal: "root", Source: SourceAPI}
	ubuntuSmall = model.Profile{OS: model.OSUbuntu, RAMGiB: 2, CPUCores: 1, DiskGiB: 10}
	epoch       = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
)

func newHarness(t *testing.T) *harness {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sandboxd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	h := &harness{
		eng:      engine.NewMemory(),
		clock:    clock.Fake(epoch),
		notifier: &recordingNotifier{},
		store:    store.NewSandboxStore(db),
		metrics:  metrics.New(prometheus.NewRegistry()),
	}
	h.registry = &failingRegistry{SandboxStore: h.store}
	h.svc = NewSandboxService(h.eng, h.registry, h.notifier, h.clock, h.metrics, SandboxConfig{
		LockWait:      time.Second,
		EngineTimeout: 5 * time.Second,
	})
	h.sharing = NewSharingService(store.NewGrantStore(db), h.svc, h.notifier, h.clock)
	h.admins = NewAdminService(store.NewAdminStore(db), store.NewSettingsStore(db), h.clock)
	h.admins.SetNotifier(h.notifier)
	require.NoError(t, h.admins.Load(context.Background(), []model.Principal{"root"}, nil))
	h.expiry = NewExpiryService(h.svc, h.registry, h.notifier, h.clock, h.metrics, 2)
	h.recon = NewReconcileService(h.eng, h.store, h.notifier, h.clock, h.metrics, 0)
	h.plane = &ControlPlane{
		Sandboxes: h.svc,
		Sharing:   h.sharing,
		Admins:    h.admins,
		Reconcile: h.recon,
		Export:    NewExportService(h.svc, h.sharing, h.admins, h.clock),
		Drain:     lifecycle.NewDrainManager(),
		Metrics:   h.metrics,
	}
	return h
}

func (h *harness) create(t *testing.T, owner model.Principal) *model.Sandbox {
	t.Helper()
	sb, err := h.svc.Create(context.Background(), adminCaller, owner, ubuntuSmall)
	require.NoError(t, err)
	return sb
}

func (h *harness) exec(principal model.Principal, op string, target model.Key, params map[string]string) apimodel.CommandResult {
	res, _ := h.plane.Execute(context.Background(), Command{
		Caller:    Caller{Principal: principal, Source: SourceAPI},
		Operation: op,
		Target:    target,
		Params:    params,
	})
	return res
}

func TestOwnerDelegateAndAdminScenario(t *testing.T) {
	h := newHarness(t)
	createParams := map[string]string{"os": "ubuntu", "ram_gib": "2", "cpu_cores": "1", "disk_gib": "10"}
	u1 := model.Key{Owner: "u", Number: 1}
	u2 := model.Key{Owner: "u", Number: 2}

	res := h.exec("root", "create", model.Key{Owner: "u"}, createParams)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	require.Equal(t, 1, res.Sandbox.Number)
	assert.Equal(t, "running", res.Sandbox.Status)

	res = h.exec("root", "create", model.Key{Owner: "u"}, createParams)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	require.Equal(t, 2, res.Sandbox.Number)

	res = h.exec("root", "suspend", u1, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.Equal(t, "suspended", res.Sandbox.Status)

	res = h.exec("root", "resume", u1, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.Equal(t, "running", res.Sandbox.Status)

	res = h.exec("u", "share", u2, map[string]string{"grantee": "v"})
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)

	res = h.exec("v", "resume", u2, nil)
	assert.Equal(t, apimodel.StatusOK, res.Status, res.Message)

	res = h.exec("v", "remove", u2, nil)
	assert.Equal(t, apimodel.StatusDenied, res.Status, res.Message)

	res = h.exec("root", "remove", u2, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)

	_, err := h.svc.Resolve(context.Background(), u2)
	assert.ErrorIs(t, err, ErrNotFound)
	shared, err := h.sharing.ListShared(context.Background(), "v")
	require.NoError(t, err)
	assert.Empty(t, shared)

	res = h.exec("v", "resume", u2, nil)
	assert.Equal(t, apimodel.StatusNotFound, res.Status)
}

func TestExecuteRejectsBadInput(t *testing.T) {
	h := newHarness(t)
	sb := h.create(t, "u")

	res := h.exec("root", "reboot-everything", sb.Key, nil)
	assert.Equal(t, apimodel.StatusInvalid, res.Status)

	res = h.exec("stranger", "resume", sb.Key, nil)
	assert.Equal(t, apimodel.StatusDenied, res.Status)

	res = h.exec("u", "create", model.Key{Owner: "u"}, map[string]string{"os": "ubuntu", "ram_gib": "1", "cpu_cores": "1", "disk_gib": "1"})
	assert.Equal(t, apimodel.StatusDenied, res.Status)

	res = h.exec("root", "create", model.Key{Owner: "u"}, map[string]string{"os": "arch", "ram_gib": "1", "cpu_cores": "1", "disk_gib": "1"})
	assert.Equal(t, apimodel.StatusInvalid, res.Status)

	res = h.exec("root", "port-give", sb.Key, map[string]string{"port": "70000"})
	assert.Equal(t, apimodel.StatusInvalid, res.Status)

	res = h.exec("root", "port-give", sb.Key, map[string]string{"port": "2222"})
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	require.NotNil(t, res.Sandbox.AssignedPort)
	assert.Equal(t, 2222, *res.Sandbox.AssignedPort)

	res = h.exec("u", "list", model.Key{}, nil)
	require.Equal(t, apimodel.StatusOK, res.Status)
	assert.Len(t, res.Sandboxes, 1)

	res = h.exec("v", "list", model.Key{Owner: "u"}, nil)
	assert.Equal(t, apimodel.StatusDenied, res.Status)
}

func TestExecuteRefusesNewWorkWhileDraining(t *testing.T) {
	h := newHarness(t)
	sb := h.create(t, "u")

	h.plane.Drain.StartDraining()
	res := h.exec("root", "suspend", sb.Key, nil)
	assert.Equal(t, apimodel.StatusError, res.Status)

	got, err := h.svc.Resolve(context.Background(), sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestConcurrentCreatesGetDistinctNumbers(t *testing.T) {
	h := newHarness(t)
	const k = 8

	var wg sync.WaitGroup
	numbers := make(chan int, k)
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sb, err := h.svc.Create(context.Background(), adminCaller, "u", ubuntuSmall)
			if assert.NoError(t, err) {
				numbers <- sb.Number
			}
		}()
	}
	wg.Wait()
	close(numbers)

	seen := map[int]bool{}
	for n := range numbers {
		assert.False(t, seen[n], "number %d handed out twice", n)
		seen[n] = true
	}
	for i := 1; i <= k; i++ {
		assert.True(t, seen[i], "number %d missing", i)
	}
	assert.Equal(t, k, h.eng.Len())
}

func TestSuspendAndResumeAreIdempotent(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")

	first, err := h.svc.Suspend(ctx, adminCaller, sb.Key, "")
	require.NoError(t, err)
	second, err := h.svc.Suspend(ctx, adminCaller, sb.Key, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, first.Status)
	assert.Equal(t, model.StatusSuspended, second.Status)

	_, err = h.svc.Resume(ctx, adminCaller, sb.Key)
	require.NoError(t, err)
	_, err = h.svc.Resume(ctx, adminCaller, sb.Key)
	require.NoError(t, err)

	assert.Equal(t, []string{"create", "stop", "start"}, h.eng.Calls())
	assert.True(t, h.eng.Running(engine.Ref(sb.EngineRef)))
}

func TestEngineFailureLeavesRegistryUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.eng.FailNext("create", errors.New("docker daemon unreachable"))
	_, err := h.svc.Create(ctx, adminCaller, "u", ubuntuSmall)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	list, err := h.svc.List(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, list)

	sb := h.create(t, "u")
	assert.Equal(t, 1, sb.Number)

	h.eng.FailNext("stop", errors.New("timeout"))
	_, err = h.svc.Suspend(ctx, adminCaller, sb.Key, "")
	require.ErrorAs(t, err, &engErr)
	got, err := h.svc.Resolve(ctx, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
}

func TestResumeAndRemoveEngineFailureLeaveRegistryUntouched(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	owner := Caller{Principal: "u", Source: SourceAPI}
	sb := h.create(t, "u")
	_, err := h.sharing.Share(ctx, owner, sb.Key, "v")
	require.NoError(t, err)
	_, err = h.svc.Suspend(ctx, adminCaller, sb.Key, "maintenance")
	require.NoError(t, err)

	h.eng.FailNext("start", errors.New("image pull failed"))
	_, err = h.svc.Resume(ctx, adminCaller, sb.Key)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
	got, err := h.svc.Resolve(ctx, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Equal(t, "maintenance", got.StatusReason)

	h.eng.FailNext("remove", errors.New("device busy"))
	_, err = h.svc.Remove(ctx, adminCaller, sb.Key)
	require.ErrorAs(t, err, &engErr)
	got, err = h.svc.Resolve(ctx, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, got.Status)
	grants, err := h.sharing.Grants(ctx, sb.Key)
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, model.Principal("v"), grants[0].Grantee)
	assert.Equal(t, 1, h.eng.Len())
}

func TestCreateRemovesEngineSandboxWhenRecordFails(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.registry.failAllocate = errors.New("database is locked")
	_, err := h.svc.Create(ctx, adminCaller, "u", ubuntuSmall)
	require.Error(t, err)
	var inconsistent *InconsistentStateError
	assert.False(t, errors.As(err, &inconsistent))
	var engErr *EngineError
	assert.False(t, errors.As(err, &engErr))
	assert.Equal(t, 0, h.eng.Len())
	assert.Equal(t, []string{"create", "remove"}, h.eng.Calls())

	h.eng.FailNext("remove", errors.New("engine gone away"))
	_, err = h.svc.Create(ctx, adminCaller, "u", ubuntuSmall)
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, 1, h.eng.Len())

	h.registry.failAllocate = nil
	list, err := h.svc.List(ctx, "u")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestPersistFailureReportsInconsistentState(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")

	h.registry.failUpdate = errors.New("disk I/O error")
	_, err := h.svc.Suspend(ctx, adminCaller, sb.Key, "")
	var inconsistent *InconsistentStateError
	require.ErrorAs(t, err, &inconsistent)
	assert.Equal(t, sb.Key, inconsistent.Key)
	assert.Equal(t, apimodel.StatusInconsistent, StatusOf(err))

	assert.False(t, h.eng.Running(engine.Ref(sb.EngineRef)))
	alerts := h.notifier.of(notify.KindLog)
	require.NotEmpty(t, alerts)
	assert.True(t, strings.HasPrefix(alerts[len(alerts)-1], "ALERT:"))
}

func TestEngineMissingSandboxIsTreatedAsConverged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")
	h.eng.Forget(engine.Ref(sb.EngineRef))

	got, err := h.svc.Suspend(ctx, adminCaller, sb.Key, "")
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, got.Status)

	_, err = h.svc.Remove(ctx, adminCaller, sb.Key)
	require.NoError(t, err)
	_, err = h.svc.Resolve(ctx, sb.Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRestartFailureLeavesSandboxSuspended(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")

	h.eng.FailNext("start", errors.New("no space left on device"))
	_, err := h.svc.Restart(ctx, adminCaller, sb.Key)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)

	got, err := h.svc.Resolve(ctx, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, got.Status)

	restarted, err := h.svc.Restart(ctx, adminCaller, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, restarted.Status)
}

func TestRestartTreatsMissingEngineSandboxAsConverged(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")
	h.eng.Forget(engine.Ref(sb.EngineRef))
	before := len(h.eng.Calls())

	got, err := h.svc.Restart(ctx, adminCaller, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)
	assert.Equal(t, []string{"stop", "start"}, h.eng.Calls()[before:])

	h.eng.FailNext("stop", errors.New("engine timeout"))
	_, err = h.svc.Restart(ctx, adminCaller, sb.Key)
	var engErr *EngineError
	require.ErrorAs(t, err, &engErr)
}

func TestRemoveCascadesGrants(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")

	for _, g := range []model.Principal{"v", "w"} {
		added, err := h.sharing.Share(ctx, Caller{Principal: "u", Source: SourceAPI}, sb.Key, g)
		require.NoError(t, err)
		assert.True(t, added)
	}
	added, err := h.sharing.Share(ctx, Caller{Principal: "u", Source: SourceAPI}, sb.Key, "v")
	require.NoError(t, err)
	assert.False(t, added)

	_, err = h.sharing.Share(ctx, Caller{Principal: "u", Source: SourceAPI}, sb.Key, "u")
	var validation *ValidationError
	assert.ErrorAs(t, err, &validation)

	removed, err := h.svc.Remove(ctx, adminCaller, sb.Key)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
	assert.Equal(t, 0, h.eng.Len())

	err = h.sharing.Unshare(ctx, Caller{Principal: "u", Source: SourceAPI}, sb.Key, "v")
	assert.ErrorIs(t, err, ErrNotFound)

	next := h.create(t, "u")
	assert.Equal(t, 2, next.Number)
}

func TestRenewExtendsFromLaterOfNowAndExpiry(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")

	renewed, err := h.svc.Renew(ctx, adminCaller, sb.Key, 24*time.Hour)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(epoch.Add(model.DefaultLifetime+24*time.Hour)))

	h.clock.Advance(60 * 24 * time.Hour)
	renewed, err = h.svc.Renew(ctx, adminCaller, sb.Key, 0)
	require.NoError(t, err)
	assert.True(t, renewed.ExpiresAt.Equal(h.clock.Now().Add(model.DefaultLifetime)))

	assert.Len(t, h.notifier.of(notify.KindRenewal), 2)
}

func TestRenewRejectsOutOfRangeDays(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")

	for _, days := range []string{"-1", "3651", "106752", "9223372036854775807"} {
		res := h.exec("root", "renew", sb.Key, map[string]string{"days": days})
		assert.Equal(t, apimodel.StatusInvalid, res.Status, days)
	}
	_, err := h.svc.Renew(ctx, adminCaller, sb.Key, (MaxRenewDays+1)*24*time.Hour)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)

	got, err := h.svc.Resolve(ctx, sb.Key)
	require.NoError(t, err)
	assert.True(t, got.ExpiresAt.Equal(sb.ExpiresAt))

	res := h.exec("root", "renew", sb.Key, map[string]string{"days": "3650"})
	assert.Equal(t, apimodel.StatusOK, res.Status, res.Message)
}

func TestExpiryTickSuspendsOnceAndNotifiesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expired := h.create(t, "u")
	h.clock.Advance(time.Hour)
	fresh := h.create(t, "u")

	h.clock.Set(expired.ExpiresAt)
	res, err := h.expiry.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Candidates: 1, Suspended: 1}, res)

	got, err := h.svc.Resolve(ctx, expired.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuspended, got.Status)
	assert.Equal(t, "expired", got.StatusReason)
	got, err = h.svc.Resolve(ctx, fresh.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)

	res, err = h.expiry.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{}, res)

	notices := h.notifier.of(notify.KindRenewal)
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], expired.Key.String())
}

func TestExpiryTickContinuesPastEngineFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "u")
	h.create(t, "w")
	h.expiry.concurrency = 1

	h.clock.Advance(model.DefaultLifetime + time.Minute)
	h.eng.FailNext("stop", errors.New("engine hiccup"))
	res, err := h.expiry.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Candidates: 2, Suspended: 1, Failed: 1}, res)

	res, err = h.expiry.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Candidates: 1, Suspended: 1}, res)
}

// gatedRegistry holds the first expiry listing until release is closed.
type gatedRegistry struct {
	SandboxRegistry
	once    sync.Once
	entered chan struct{}
	release chan struct{}
}

func (g *gatedRegistry) ListExpiredRunning(ctx context.Context, now time.Time) ([]model.Sandbox, error) {
	g.once.Do(func() { close(g.entered) })
	<-g.release
	return g.SandboxRegistry.ListExpiredRunning(ctx, now)
}

func TestExpiryTicksDoNotOverlap(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.create(t, "u")
	}
	h.clock.Advance(model.DefaultLifetime + time.Minute)

	gate := &gatedRegistry{SandboxRegistry: h.registry, entered: make(chan struct{}), release: make(chan struct{})}
	expiry := NewExpiryService(h.svc, gate, h.notifier, h.clock, h.metrics, 2)

	first := make(chan TickResult, 1)
	go func() {
		res, err := expiry.Tick(ctx)
		assert.NoError(t, err)
		first <- res
	}()
	<-gate.entered

	overlapping, err := expiry.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, TickResult{Skipped: true}, overlapping)

	close(gate.release)
	assert.Equal(t, TickResult{Candidates: 3, Suspended: 3}, <-first)
	assert.Len(t, h.notifier.of(notify.KindRenewal), 3)

	after, err := expiry.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, after.Skipped)
	assert.Zero(t, after.Candidates)
}

func TestExpiryDoesNotTouchSandboxRemovedConcurrently(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	sb := h.create(t, "u")
	now := sb.ExpiresAt.Add(time.Minute)

	_, err := h.svc.Remove(ctx, adminCaller, sb.Key)
	require.NoError(t, err)

	changed, err := h.svc.SuspendExpired(ctx, sb.Key, now)
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestReconcileReportsDriftWithoutRepairing(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	gone := h.create(t, "u")
	stopped := h.create(t, "u")
	h.create(t, "w")

	h.eng.Forget(engine.Ref(gone.EngineRef))
	require.NoError(t, h.eng.Stop(ctx, engine.Ref(stopped.EngineRef)))
	_, err := h.eng.Create(ctx, engine.Spec{Name: "stray", Owner: "x", Profile: ubuntuSmall})
	require.NoError(t, err)

	res := h.exec("root", "reconcile", model.Key{}, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	require.NotNil(t, res.Run)
	assert.Equal(t, 3, res.Run.Run.DriftCount)
	assert.Equal(t, 3, res.Run.Run.TotalRegistry)
	assert.Equal(t, 3, res.Run.Run.TotalEngine)

	types := map[string]int{}
	for _, item := range res.Run.Drift {
		types[item.DriftType]++
	}
	assert.Equal(t, map[string]int{DriftMissingInEngine: 1, DriftStatusMismatch: 1, DriftMissingInRegistry: 1}, types)

	got, err := h.svc.Resolve(ctx, stopped.Key)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRunning, got.Status)

	runs, err := h.recon.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs.Runs, 1)
	missing, err := h.recon.GetRun(ctx, "rec-nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestReconcileRecordsEngineFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t, "u")

	h.eng.FailNext("list", errors.New("engine api unavailable"))
	_, err := h.recon.Run(ctx, "manual")
	require.Error(t, err)

	runs, err := h.recon.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs.Runs, 1)
	run := runs.Runs[0]
	assert.Equal(t, "failed", run.Status)
	assert.Contains(t, run.Error, "engine api unavailable")
	assert.Equal(t, 1, run.TotalRegistry)
	assert.NotNil(t, run.FinishedAt)

	detail, err := h.recon.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Empty(t, detail.Drift)
}

func TestSettingsRouteNotifications(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, "", h.admins.Destination(notify.KindLog))

	res := h.exec("root", "update_settings", model.Key{}, map[string]string{
		model.SettingLogChannel:     "ops",
		model.SettingRenewalChannel: "https://hooks.example.com/renewals",
	})
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.Equal(t, "ops", h.admins.Destination(notify.KindLog))
	assert.Equal(t, "https://hooks.example.com/renewals", h.admins.Destination(notify.KindRenewal))

	res = h.exec("root", "update_settings", model.Key{}, map[string]string{"theme": "dark"})
	assert.Equal(t, apimodel.StatusInvalid, res.Status)

	res = h.exec("u", "update_settings", model.Key{}, map[string]string{model.SettingLogChannel: "x"})
	assert.Equal(t, apimodel.StatusDenied, res.Status)

	res = h.exec("root", "admin-add", model.Key{}, map[string]string{"principal": "u"})
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.True(t, h.admins.IsAdmin("u"))

	res = h.exec("u", "update_settings", model.Key{}, map[string]string{model.SettingLogChannel: ""})
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.Equal(t, "", h.admins.Destination(notify.KindLog))
}

func TestExportIncludesRegistry(t *testing.T) {
	h := newHarness(t)
	sb := h.create(t, "u")
	_, err := h.sharing.Share(context.Background(), Caller{Principal: "u", Source: SourceAPI}, sb.Key, "v")
	require.NoError(t, err)

	res := h.exec("root", "export", model.Key{}, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.Contains(t, res.Export, "kind: RegistrySnapshot")
	assert.Contains(t, res.Export, "grantee: v")
	assert.Contains(t, res.Export, "principal: root")

	res = h.exec("u", "export", model.Key{}, nil)
	assert.Equal(t, apimodel.StatusDenied, res.Status)
}

func TestAdminPolicyImpersonation(t *testing.T) {
	h := newHarness(t)
	sb := h.create(t, "u")

	res := h.exec("root", "share", sb.Key, map[string]string{"grantee": "v"})
	assert.Equal(t, apimodel.StatusDenied, res.Status)

	h.plane.Policy = access.Policy{AllowAdminImpersonation: true}
	res = h.exec("root", "share", sb.Key, map[string]string{"grantee": "v"})
	assert.Equal(t, apimodel.StatusOK, res.Status, res.Message)

	res = h.exec("v", "inspect", sb.Key, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	require.Len(t, res.Grants, 1)
	assert.Equal(t, "v", res.Grants[0].Grantee)

	res = h.exec("v", "connect", sb.Key, nil)
	require.Equal(t, apimodel.StatusOK, res.Status, res.Message)
	assert.Contains(t, res.Session, "tmate")
}
