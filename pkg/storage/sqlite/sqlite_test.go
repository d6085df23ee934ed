package sqlite

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "esb.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestOpen_AppliesMigrations(t *testing.T) {
	db := openTestDB(t)

	version, dirty, err := db.MigrateVersion()
	require.NoError(t, err)
	assert.False(t, dirty)
	assert.EqualValues(t, 2, version)

	// Re-running is a no-op.
	require.NoError(t, db.MigrateUp())
}

func TestRunJournal_RoundTrip(t *testing.T) {
	ctx := context.Background()
	j := NewRunJournal(openTestDB(t))

	want := domain.RunRecord{
		RunID:            "run-1",
		RouteID:          "order-soap-route",
		RequestID:        "req-1",
		Status:           domain.RunFailed,
		FailedStage:      "forward",
		ErrorKind:        domain.KindDownstreamError,
		Error:            "downstream responded 503",
		DownstreamStatus: 503,
		StartedAt:        time.Date(2026, 1, 2, 3, 4, 5, 6, time.UTC),
		Duration:         42 * time.Millisecond,
		Stages: []domain.StageRecord{
			{Index: 0, Name: "validate", Kind: domain.StageValidate, Outcome: domain.OutcomeSuccess, Duration: time.Millisecond},
			{Index: 1, Name: "forward", Kind: domain.StageInvokeHTTP, Outcome: domain.OutcomeFailure, Duration: 40 * time.Millisecond, Error: "downstream responded 503"},
		},
	}
	require.NoError(t, j.Record(ctx, want))

	got, err := j.Get(ctx, "run-1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}

	_, err = j.Get(ctx, "nope")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)

	assert.Error(t, j.Record(ctx, want), "duplicate run id must be rejected")
}

func TestRunJournal_List(t *testing.T) {
	ctx := context.Background()
	j := NewRunJournal(openTestDB(t))

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		status := domain.RunSucceeded
		if i%2 == 1 {
			status = domain.RunFailed
		}
		require.NoError(t, j.Record(ctx, domain.RunRecord{
			RunID:     fmt.Sprintf("run-%d", i),
			RouteID:   "orders",
			Status:    status,
			StartedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}

	all, err := j.List(ctx, domain.RunFilter{})
	require.NoError(t, err)
	require.Len(t, all, 5)
	assert.Equal(t, "run-4", all[0].RunID)

	failed, err := j.List(ctx, domain.RunFilter{Status: domain.RunFailed, Limit: 1})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "run-3", failed[0].RunID)

	none, err := j.List(ctx, domain.RunFilter{RouteID: "invoices"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestOrderStore(t *testing.T) {
	ctx := context.Background()
	s := NewOrderStore(openTestDB(t))

	first, err := s.Save(ctx, []byte(`{"id":"ORD-1"}`))
	require.NoError(t, err)
	second, err := s.Save(ctx, []byte(`{"id":"ORD-2"}`))
	require.NoError(t, err)
	assert.Less(t, first.Seq, second.Seq)

	orders, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.Equal(t, `{"id":"ORD-1"}`, string(orders[0].Payload))
	assert.Equal(t, first.ReceivedAt, orders[0].ReceivedAt)
}
