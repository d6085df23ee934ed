package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/polisai/polis-esb/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(id, route string, status domain.RunStatus) domain.RunRecord {
	return domain.RunRecord{
		RunID:     id,
		RouteID:   route,
		Status:    status,
		StartedAt: time.Unix(0, 0).UTC(),
		Stages: []domain.StageRecord{
			{Index: 0, Name: "validate", Kind: domain.StageValidate, Outcome: domain.OutcomeSuccess},
		},
	}
}

func TestMemoryRunJournal_RecordAndGet(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryRunJournal(4)

	want := run("r1", "orders", domain.RunFailed)
	want.FailedStage = "validate"
	want.ErrorKind = domain.KindValidationFailed
	require.NoError(t, j.Record(ctx, want))

	got, err := j.Get(ctx, "r1")
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("run mismatch (-want +got):\n%s", diff)
	}

	_, err = j.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
	assert.Error(t, j.Record(ctx, domain.RunRecord{}))
}

func TestMemoryRunJournal_RingEvictsOldest(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryRunJournal(3)

	for i := 1; i <= 5; i++ {
		require.NoError(t, j.Record(ctx, run(fmt.Sprintf("r%d", i), "orders", domain.RunSucceeded)))
	}

	runs, err := j.List(ctx, domain.RunFilter{})
	require.NoError(t, err)
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.RunID
	}
	assert.Equal(t, []string{"r5", "r4", "r3"}, ids)

	_, err = j.Get(ctx, "r1")
	assert.ErrorIs(t, err, domain.ErrRunNotFound)
}

func TestMemoryRunJournal_Filter(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryRunJournal(10)
	require.NoError(t, j.Record(ctx, run("a", "orders", domain.RunSucceeded)))
	require.NoError(t, j.Record(ctx, run("b", "orders", domain.RunFailed)))
	require.NoError(t, j.Record(ctx, run("c", "invoices", domain.RunFailed)))

	failed, err := j.List(ctx, domain.RunFilter{Status: domain.RunFailed})
	require.NoError(t, err)
	assert.Len(t, failed, 2)

	orders, err := j.List(ctx, domain.RunFilter{RouteID: "orders", Limit: 1})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "b", orders[0].RunID)
}

func TestMemoryRunJournal_Concurrent(t *testing.T) {
	ctx := context.Background()
	j := NewMemoryRunJournal(64)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = j.Record(ctx, run(fmt.Sprintf("r%d", i), "orders", domain.RunSucceeded))
			_, _ = j.List(ctx, domain.RunFilter{Limit: 5})
		}(i)
	}
	wg.Wait()

	runs, err := j.List(ctx, domain.RunFilter{Limit: 1000})
	require.NoError(t, err)
	assert.Len(t, runs, 64)
}

func TestMemoryOrderStore(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryOrderStore()

	payload := []byte(`{"id":"ORD-1"}`)
	first, err := s.Save(ctx, payload)
	require.NoError(t, err)
	payload[0] = 'X'
	_, err = s.Save(ctx, []byte(`{"id":"ORD-2"}`))
	require.NoError(t, err)

	orders, err := s.List(ctx)
	require.NoError(t, err)
	require.Len(t, orders, 2)
	assert.EqualValues(t, 1, first.Seq)
	assert.Equal(t, `{"id":"ORD-1"}`, string(orders[0].Payload))
	assert.EqualValues(t, 2, orders[1].Seq)
}
