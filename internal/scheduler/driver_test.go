package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"qsldigest/internal/notifications/core"
	"qsldigest/internal/types"
)

// --- Mocks ---

type mockDispatcher struct {
	mu      sync.Mutex
	results map[int64]types.DispatchResult
	errs    map[int64]error
	calls   []int64
}

func (m *mockDispatcher) DispatchBatch(_ context.Context, id int64) (types.DispatchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, id)
	if err := m.errs[id]; err != nil {
		return types.DispatchResult{}, err
	}
	return m.results[id], nil
}

type mockPending struct {
	ids      []int64
	err      error
	gotLimit int
}

func (m *mockPending) ListPendingDigestBatches(_ context.Context, limit int) ([]int64, error) {
	m.gotLimit = limit
	return m.ids, m.err
}

type mockLookup struct {
	user    *types.User
	pref    *types.NotificationPreference
	userErr error
}

func (m *mockLookup) GetUserByCallsign(_ context.Context, _ string) (*types.User, error) {
	return m.user, m.userErr
}

func (m *mockLookup) GetPreference(_ context.Context, _ int64) (*types.NotificationPreference, error) {
	return m.pref, nil
}

type mockMetrics struct {
	core.NopMetrics
	jobs map[string]map[string]int
}

func (m *mockMetrics) RecordJobCounts(_ context.Context, job string, counts map[string]int) {
	if m.jobs == nil {
		m.jobs = make(map[string]map[string]int)
	}
	m.jobs[job] = counts
}

func result(id int64, push, email types.DeliveryStatus) types.DispatchResult {
	return types.DispatchResult{BatchID: id, PushStatus: push, EmailStatus: email}
}

// --- Tests ---

func TestDispatchPendingNotifications_Aggregates(t *testing.T) {
	disp := &mockDispatcher{
		results: map[int64]types.DispatchResult{
			1: result(1, types.DeliveryStatusSent, types.DeliveryStatusSkipped),
			2: result(2, types.DeliveryStatusFailed, types.DeliveryStatusSent),
			3: result(3, types.DeliveryStatusFailed, types.DeliveryStatusFailed),
			4: result(4, types.DeliveryStatusSkipped, types.DeliveryStatusSkipped),
			5: result(5, types.DeliveryStatusFailed, types.DeliveryStatusSkipped),
		},
		errs: map[int64]error{6: errors.New("boom")},
	}
	pending := &mockPending{ids: []int64{1, 2, 3, 4, 5, 6}}
	metrics := &mockMetrics{}
	d := NewRunDriver(DriverDeps{Dispatcher: disp, Pending: pending, Metrics: metrics, Logger: discardLogger()},
		DriverSettings{Enabled: true, DispatchLimit: 10000})

	sum, err := d.DispatchPendingNotifications(context.Background(), 0)
	if err != nil {
		t.Fatalf("DispatchPendingNotifications: %v", err)
	}

	want := types.DispatchSummary{Processed: 6, Sent: 2, Failed: 2, Skipped: 2}
	if sum != want {
		t.Errorf("summary = %+v, want %+v", sum, want)
	}
	if pending.gotLimit != 10000 {
		t.Errorf("limit = %d, want configured 10000", pending.gotLimit)
	}
	if len(disp.calls) != 6 {
		t.Errorf("dispatch calls = %v", disp.calls)
	}
	if metrics.jobs["dispatch_notifications"]["sent"] != 2 {
		t.Errorf("metrics = %v", metrics.jobs)
	}
}

func TestDispatchPendingNotifications_ExplicitLimit(t *testing.T) {
	pending := &mockPending{}
	d := NewRunDriver(DriverDeps{Dispatcher: &mockDispatcher{}, Pending: pending, Logger: discardLogger()},
		DriverSettings{Enabled: true, DispatchLimit: 10000})

	if _, err := d.DispatchPendingNotifications(context.Background(), 25); err != nil {
		t.Fatal(err)
	}
	if pending.gotLimit != 25 {
		t.Errorf("limit = %d, want 25", pending.gotLimit)
	}
}

func TestDispatchPendingNotifications_ListErrorPropagates(t *testing.T) {
	dbErr := errors.New("db down")
	d := NewRunDriver(DriverDeps{Dispatcher: &mockDispatcher{}, Pending: &mockPending{err: dbErr}, Logger: discardLogger()},
		DriverSettings{Enabled: true, DispatchLimit: 1})

	if _, err := d.DispatchPendingNotifications(context.Background(), 0); !errors.Is(err, dbErr) {
		t.Errorf("err = %v, want %v", err, dbErr)
	}
}

func TestRunDriver_DisabledReturnsZeros(t *testing.T) {
	pending := &mockPending{ids: []int64{1}}
	disp := &mockDispatcher{}
	cands := &mockCandidates{users: []types.User{chicagoUser(1)}}
	builder := NewDigestBuilder(cands, &memTx{store: newMemDigestStore()}, nil, true, discardLogger())
	d := NewRunDriver(DriverDeps{Builder: builder, Dispatcher: disp, Pending: pending, Logger: discardLogger()},
		DriverSettings{Enabled: false})

	gen, err := d.GenerateDueDigests(context.Background(), builderNow, 0)
	if err != nil || gen != (types.GenerationResult{}) {
		t.Errorf("generate = %+v, %v", gen, err)
	}
	sum, err := d.DispatchPendingNotifications(context.Background(), 0)
	if err != nil || sum != (types.DispatchSummary{}) {
		t.Errorf("dispatch = %+v, %v", sum, err)
	}
	if len(disp.calls) != 0 || cands.gotLimit != 0 {
		t.Error("disabled driver must not touch collaborators")
	}
}

func TestGenerateDueDigests_UsesConfiguredLimit(t *testing.T) {
	cands := &mockCandidates{users: []types.User{chicagoUser(1)}}
	builder := NewDigestBuilder(cands, &memTx{store: newMemDigestStore()}, nil, true, discardLogger())
	metrics := &mockMetrics{}
	d := NewRunDriver(DriverDeps{Builder: builder, Metrics: metrics, Logger: discardLogger()},
		DriverSettings{Enabled: true, GenerateLimit: 50})

	res, err := d.GenerateDueDigests(context.Background(), builderNow, 0)
	if err != nil {
		t.Fatal(err)
	}
	if cands.gotLimit != 50 {
		t.Errorf("limit = %d, want 50", cands.gotLimit)
	}
	if res.Created != 1 || metrics.jobs["generate_digests"]["created"] != 1 {
		t.Errorf("res = %+v metrics = %v", res, metrics.jobs)
	}
}

func TestDispatchOneBatch_Delegates(t *testing.T) {
	disp := &mockDispatcher{results: map[int64]types.DispatchResult{
		7: result(7, types.DeliveryStatusSent, types.DeliveryStatusSkipped),
	}}
	d := NewRunDriver(DriverDeps{Dispatcher: disp, Logger: discardLogger()}, DriverSettings{Enabled: true})

	res, err := d.DispatchOneBatch(context.Background(), 7)
	if err != nil || res.BatchID != 7 || res.PushStatus != types.DeliveryStatusSent {
		t.Errorf("res = %+v err = %v", res, err)
	}
}

func TestExplainEligibility(t *testing.T) {
	u := chicagoUser(1)
	lookup := &mockLookup{user: &u}
	d := NewRunDriver(DriverDeps{Lookup: lookup, Logger: discardLogger()}, DriverSettings{RequireEntitlement: true})

	got, err := d.ExplainEligibility(context.Background(), "K1ABC", builderNow)
	if err != nil {
		t.Fatal(err)
	}
	if got.Reason != types.ReasonMissingPreference {
		t.Errorf("Reason = %q, want missing_preference (lookup must not create)", got.Reason)
	}

	lookup.pref = &types.NotificationPreference{DigestEnabled: true}
	got, _ = d.ExplainEligibility(context.Background(), "K1ABC", builderNow)
	if !got.Eligible {
		t.Errorf("expected eligible, got %+v", got)
	}

	notFound := types.NewAppError(types.ErrCodeNotFoundUser, "no such callsign", nil)
	lookup.userErr = notFound
	if _, err := d.ExplainEligibility(context.Background(), "NOPE", builderNow); !errors.Is(err, notFound) {
		t.Errorf("err = %v, want not found", err)
	}
}

func TestPurgeExpiredDigests_UsesSettings(t *testing.T) {
	purger := &mockPurger{chunks: []int{3}}
	metrics := &mockMetrics{}
	d := NewRunDriver(DriverDeps{Retention: NewRetentionSweeper(purger, discardLogger()), Metrics: metrics, Logger: discardLogger()},
		DriverSettings{RetentionDays: 30, PurgeTimeout: time.Minute})

	res, err := d.PurgeExpiredDigests(context.Background(), builderNow)
	if err != nil {
		t.Fatal(err)
	}
	if res.BatchesDeleted != 3 {
		t.Errorf("BatchesDeleted = %d", res.BatchesDeleted)
	}
	if want := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC); !purger.cutoffs[0].Equal(want) {
		t.Errorf("cutoff = %s, want %s", purger.cutoffs[0], want)
	}
	if metrics.jobs["purge_digests"]["deleted"] != 3 {
		t.Errorf("metrics = %v", metrics.jobs)
	}
}

// gatedPending blocks every listing until release is closed and records the
// limit and the context state each execution saw.
type gatedPending struct {
	ids     []int64
	entered chan int
	release chan struct{}

	mu      sync.Mutex
	limits  []int
	ctxErrs []error
}

func newGatedPending(ids ...int64) *gatedPending {
	return &gatedPending{ids: ids, entered: make(chan int, 4), release: make(chan struct{})}
}

func (g *gatedPending) ListPendingDigestBatches(ctx context.Context, limit int) ([]int64, error) {
	g.entered <- limit
	<-g.release
	g.mu.Lock()
	defer g.mu.Unlock()
	g.limits = append(g.limits, limit)
	g.ctxErrs = append(g.ctxErrs, ctx.Err())
	return g.ids, nil
}

func waitEntered(t *testing.T, g *gatedPending) int {
	t.Helper()
	select {
	case limit := <-g.entered:
		return limit
	case <-time.After(2 * time.Second):
		t.Fatal("listing never started")
		return 0
	}
}

type summaryErr struct {
	sum types.DispatchSummary
	err error
}

func dispatchAsync(d *RunDriver, ctx context.Context, limit int) <-chan summaryErr {
	out := make(chan summaryErr, 1)
	go func() {
		sum, err := d.DispatchPendingNotifications(ctx, limit)
		out <- summaryErr{sum, err}
	}()
	return out
}

func TestDispatchPendingNotifications_DifferentLimitsRunSeparately(t *testing.T) {
	pending := newGatedPending(1)
	disp := &mockDispatcher{results: map[int64]types.DispatchResult{1: result(1, types.DeliveryStatusSent, types.DeliveryStatusSkipped)}}
	d := NewRunDriver(DriverDeps{Dispatcher: disp, Pending: pending, Logger: discardLogger()},
		DriverSettings{Enabled: true, DispatchLimit: 10000})

	first := dispatchAsync(d, context.Background(), 5)
	got := []int{waitEntered(t, pending)}
	second := dispatchAsync(d, context.Background(), 7)
	got = append(got, waitEntered(t, pending))
	close(pending.release)

	for _, ch := range []<-chan summaryErr{first, second} {
		res := <-ch
		if res.err != nil || res.sum.Processed != 1 {
			t.Errorf("result = %+v, %v", res.sum, res.err)
		}
	}
	if !(got[0] == 5 && got[1] == 7) {
		t.Errorf("limits seen = %v, want [5 7]", got)
	}
}

func TestDispatchPendingNotifications_CallerCancelDoesNotAbortSharedRun(t *testing.T) {
	pending := newGatedPending(1, 2)
	disp := &mockDispatcher{results: map[int64]types.DispatchResult{
		1: result(1, types.DeliveryStatusSent, types.DeliveryStatusSkipped),
		2: result(2, types.DeliveryStatusSent, types.DeliveryStatusSkipped),
	}}
	d := NewRunDriver(DriverDeps{Dispatcher: disp, Pending: pending, Logger: discardLogger()},
		DriverSettings{Enabled: true, DispatchLimit: 10000})

	leaderCtx, cancel := context.WithCancel(context.Background())
	leader := dispatchAsync(d, leaderCtx, 0)
	waitEntered(t, pending)
	follower := dispatchAsync(d, context.Background(), 0)

	cancel()
	select {
	case res := <-leader:
		if !errors.Is(res.err, context.Canceled) {
			t.Errorf("leader err = %v, want context.Canceled", res.err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled caller kept waiting")
	}

	close(pending.release)
	res := <-follower
	if res.err != nil || res.sum != (types.DispatchSummary{Processed: 2, Sent: 2}) {
		t.Errorf("follower = %+v, %v", res.sum, res.err)
	}

	pending.mu.Lock()
	defer pending.mu.Unlock()
	for i, err := range pending.ctxErrs {
		if err != nil {
			t.Errorf("execution %d saw cancelled context: %v", i, err)
		}
	}
}

type gatedCandidates struct {
	entered chan time.Time
	release chan struct{}
}

func (g *gatedCandidates) ListDigestCandidates(_ context.Context, now time.Time, _ bool, _ int) ([]types.User, error) {
	g.entered <- now
	<-g.release
	return nil, nil
}

func TestGenerateDueDigests_DifferentReferenceTimesRunSeparately(t *testing.T) {
	cands := &gatedCandidates{entered: make(chan time.Time, 2), release: make(chan struct{})}
	builder := NewDigestBuilder(cands, &memTx{store: newMemDigestStore()}, nil, true, discardLogger())
	d := NewRunDriver(DriverDeps{Builder: builder, Logger: discardLogger()}, DriverSettings{Enabled: true})

	done := make(chan error, 2)
	for _, now := range []time.Time{builderNow, builderNow.Add(24 * time.Hour)} {
		go func() {
			_, err := d.GenerateDueDigests(context.Background(), now, 0)
			done <- err
		}()
	}

	seen := map[time.Time]bool{}
	for range 2 {
		select {
		case now := <-cands.entered:
			seen[now] = true
		case <-time.After(2 * time.Second):
			t.Fatal("second reference time was folded into the first run")
		}
	}
	close(cands.release)
	for range 2 {
		if err := <-done; err != nil {
			t.Error(err)
		}
	}
	if len(seen) != 2 {
		t.Errorf("reference times seen = %v", seen)
	}
}
