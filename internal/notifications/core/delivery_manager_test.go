package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"qsldigest/internal/types"
)

// --- Mocks ---

type mockLogger struct{}

func (l *mockLogger) Info(msg string, args ...any)  {}
func (l *mockLogger) Error(msg string, args ...any) {}
func (l *mockLogger) Warn(msg string, args ...any)  {}
func (l *mockLogger) With(args ...any) types.Logger { return l }

type mockClock struct{ now time.Time }

func (c *mockClock) Now() time.Time { return c.now }

type mockDeliveryRepo struct {
	rows       map[types.DeliveryKey]*types.NotificationDelivery
	getErr     error
	upsertErr  error
	claimErr   error
	upserts    []*types.NotificationDelivery
	claimStale time.Time
}

func newMockDeliveryRepo() *mockDeliveryRepo {
	return &mockDeliveryRepo{rows: make(map[types.DeliveryKey]*types.NotificationDelivery)}
}

func (m *mockDeliveryRepo) GetDelivery(_ context.Context, key types.DeliveryKey) (*types.NotificationDelivery, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.rows[key], nil
}

func (m *mockDeliveryRepo) UpsertDelivery(_ context.Context, d *types.NotificationDelivery) error {
	m.upserts = append(m.upserts, d)
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.rows[d.Key()] = d
	return nil
}

func (m *mockDeliveryRepo) ClaimDelivery(_ context.Context, key types.DeliveryKey, now, staleBefore time.Time) (bool, error) {
	if m.claimErr != nil {
		return false, m.claimErr
	}
	m.claimStale = staleBefore
	if cur := m.rows[key]; cur != nil {
		if cur.Status == types.DeliveryStatusSent {
			return false, nil
		}
		if cur.Status == types.DeliveryStatusQueued && !cur.UpdatedAt.Before(staleBefore) {
			return false, nil
		}
	}
	m.rows[key] = &types.NotificationDelivery{
		UserID: key.UserID, BatchID: key.BatchID, Channel: key.Channel,
		Status: types.DeliveryStatusQueued, UpdatedAt: now,
	}
	return true, nil
}

// --- Tests ---

var testKey = types.DeliveryKey{UserID: 7, BatchID: 99, Channel: types.ChannelPush}

func newTestManager(repo *mockDeliveryRepo, now time.Time) *DeliveryManagerImpl {
	return NewDeliveryManager(repo, &mockClock{now: now}, &mockLogger{})
}

func TestMarkSent_StampsSentAt(t *testing.T) {
	now := time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC)
	repo := newMockDeliveryRepo()
	mgr := newTestManager(repo, now)

	if err := mgr.MarkSent(context.Background(), testKey, "msg-1"); err != nil {
		t.Fatalf("MarkSent: %v", err)
	}

	got := repo.rows[testKey]
	if got == nil {
		t.Fatal("expected row to be upserted")
	}
	if got.Status != types.DeliveryStatusSent {
		t.Errorf("Status = %q, want sent", got.Status)
	}
	if got.ProviderMessageID != "msg-1" {
		t.Errorf("ProviderMessageID = %q", got.ProviderMessageID)
	}
	if got.SentAt == nil || !got.SentAt.Equal(now) {
		t.Errorf("SentAt = %v, want %v", got.SentAt, now)
	}
	if got.ErrorCode != "" || got.ErrorDetail != "" {
		t.Errorf("sent row should carry no error fields: %+v", got)
	}
}

func TestMarkFailed_RecordsCodeAndDetail(t *testing.T) {
	repo := newMockDeliveryRepo()
	mgr := newTestManager(repo, time.Now())

	if err := mgr.MarkFailed(context.Background(), testKey, types.DeliveryErrorPushFailed, "endpoint_gone_410"); err != nil {
		t.Fatalf("MarkFailed: %v", err)
	}

	got := repo.rows[testKey]
	if got.Status != types.DeliveryStatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	if got.ErrorCode != types.DeliveryErrorPushFailed || got.ErrorDetail != "endpoint_gone_410" {
		t.Errorf("error fields = %q/%q", got.ErrorCode, got.ErrorDetail)
	}
	if got.SentAt != nil {
		t.Error("failed row must not carry sent_at")
	}
}

func TestMarkSkipped_StoresReason(t *testing.T) {
	repo := newMockDeliveryRepo()
	mgr := newTestManager(repo, time.Now())

	key := testKey
	key.Channel = types.ChannelEmail
	if err := mgr.MarkSkipped(context.Background(), key, types.DeliveryReasonDryRun); err != nil {
		t.Fatalf("MarkSkipped: %v", err)
	}

	got := repo.rows[key]
	if got.Status != types.DeliveryStatusSkipped || got.ErrorCode != types.DeliveryReasonDryRun {
		t.Errorf("row = %+v", got)
	}
}

func TestAlreadySent(t *testing.T) {
	repo := newMockDeliveryRepo()
	mgr := newTestManager(repo, time.Now())
	ctx := context.Background()

	sent, err := mgr.AlreadySent(ctx, testKey)
	if err != nil || sent {
		t.Fatalf("AlreadySent on empty = %v, %v; want false, nil", sent, err)
	}

	_ = mgr.MarkFailed(ctx, testKey, types.DeliveryErrorPushFailed, "x")
	if sent, _ := mgr.AlreadySent(ctx, testKey); sent {
		t.Error("failed row must not count as sent")
	}

	_ = mgr.MarkSent(ctx, testKey, "")
	if sent, _ := mgr.AlreadySent(ctx, testKey); !sent {
		t.Error("sent row must count as sent")
	}
}

func TestClaim(t *testing.T) {
	now := time.Date(2026, 2, 14, 15, 0, 0, 0, time.UTC)
	ctx := context.Background()

	tests := []struct {
		name string
		row  *types.NotificationDelivery
		want bool
	}{
		{name: "no row", want: true},
		{name: "failed row is retried", row: &types.NotificationDelivery{Status: types.DeliveryStatusFailed}, want: true},
		{name: "skipped row is retried", row: &types.NotificationDelivery{Status: types.DeliveryStatusSkipped}, want: true},
		{name: "sent row", row: &types.NotificationDelivery{Status: types.DeliveryStatusSent}, want: false},
		{name: "fresh claim", row: &types.NotificationDelivery{Status: types.DeliveryStatusQueued, UpdatedAt: now.Add(-time.Minute)}, want: false},
		{name: "abandoned claim", row: &types.NotificationDelivery{Status: types.DeliveryStatusQueued, UpdatedAt: now.Add(-ClaimLease - time.Second)}, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo := newMockDeliveryRepo()
			if tt.row != nil {
				repo.rows[testKey] = tt.row
			}
			mgr := newTestManager(repo, now)

			got, err := mgr.Claim(ctx, testKey)
			if err != nil {
				t.Fatalf("Claim: %v", err)
			}
			if got != tt.want {
				t.Errorf("Claim = %v, want %v", got, tt.want)
			}
			if !repo.claimStale.Equal(now.Add(-ClaimLease)) {
				t.Errorf("stale cutoff = %v, want now minus lease", repo.claimStale)
			}
		})
	}

	repo := newMockDeliveryRepo()
	mgr := newTestManager(repo, now)
	if ok, _ := mgr.Claim(ctx, testKey); !ok {
		t.Fatal("first claim must win")
	}
	if ok, _ := mgr.Claim(ctx, testKey); ok {
		t.Error("second claim on a fresh queued row must lose")
	}
}

func TestRepoErrorsAreWrapped(t *testing.T) {
	dbErr := errors.New("connection reset")
	repo := newMockDeliveryRepo()
	repo.upsertErr = dbErr
	repo.getErr = dbErr
	mgr := newTestManager(repo, time.Now())
	ctx := context.Background()

	if err := mgr.MarkSent(ctx, testKey, "m"); !errors.Is(err, dbErr) {
		t.Errorf("MarkSent err = %v, want wrapped %v", err, dbErr)
	}
	if err := mgr.MarkFailed(ctx, testKey, "c", "d"); !errors.Is(err, dbErr) {
		t.Errorf("MarkFailed err = %v", err)
	}
	if err := mgr.MarkSkipped(ctx, testKey, "r"); !errors.Is(err, dbErr) {
		t.Errorf("MarkSkipped err = %v", err)
	}
	if _, err := mgr.AlreadySent(ctx, testKey); !errors.Is(err, dbErr) {
		t.Errorf("AlreadySent err = %v", err)
	}
	repo.claimErr = dbErr
	if _, err := mgr.Claim(ctx, testKey); !errors.Is(err, dbErr) {
		t.Errorf("Claim err = %v", err)
	}
}

func TestMetricResultFor(t *testing.T) {
	cases := map[types.DeliveryStatus]MetricResult{
		types.DeliveryStatusSent:    MetricSuccess,
		types.DeliveryStatusFailed:  MetricFailed,
		types.DeliveryStatusSkipped: MetricSkipped,
		types.DeliveryStatusQueued:  MetricSkipped,
	}
	for in, want := range cases {
		if got := MetricResultFor(in); got != want {
			t.Errorf("MetricResultFor(%q) = %q, want %q", in, got, want)
		}
	}
}
