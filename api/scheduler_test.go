package api

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/concession-ledger/concession"
	"github.com/warp/concession-ledger/concession/store"
)

type countingSweeper struct {
	calls atomic.Int32
	n     int
	err   error
}

func (s *countingSweeper) Sweep(ctx context.Context) (int, error) {
	s.calls.Add(1)
	if _, ok := ctx.Deadline(); !ok {
		return 0, errors.New("sweep run without a deadline")
	}
	return s.n, s.err
}

func TestExpiryScheduler_RunOnce_RecordsOutcome(t *testing.T) {
	log, hook := test.NewNullLogger()
	sweeper := &countingSweeper{n: 4}
	s := NewExpiryScheduler(sweeper, log)

	assert.Nil(t, s.LastRun())
	run := s.RunOnce(context.Background())
	assert.Equal(t, 4, run.Expired)
	assert.NoError(t, run.Err)

	last := s.LastRun()
	require.NotNil(t, last)
	assert.Equal(t, 4, last.Expired)
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)

	sweeper.err = errors.New("store down")
	run = s.RunOnce(context.Background())
	assert.Error(t, run.Err)
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
}

func TestExpiryScheduler_Start(t *testing.T) {
	log, _ := test.NewNullLogger()

	t.Run("disabled does nothing", func(t *testing.T) {
		sweeper := &countingSweeper{}
		s := NewExpiryScheduler(sweeper, log)
		s.Enabled = false
		s.RunOnStart = true
		require.NoError(t, s.Start())
		s.Stop()
		assert.Zero(t, sweeper.calls.Load())
	})

	t.Run("bad schedule", func(t *testing.T) {
		s := NewExpiryScheduler(&countingSweeper{}, log)
		s.Schedule = "every now and then"
		assert.Error(t, s.Start())
	})

	t.Run("runs on schedule", func(t *testing.T) {
		sweeper := &countingSweeper{}
		s := NewExpiryScheduler(sweeper, log)
		s.Schedule = "@every 1s"
		require.NoError(t, s.Start())
		defer s.Stop()

		assert.Eventually(t, func() bool { return sweeper.calls.Load() >= 1 }, 3*time.Second, 50*time.Millisecond)
	})
}

func TestExpiryScheduler_DrivesLedgerSweep(t *testing.T) {
	// GIVEN: A ledger with one block that expired an hour ago
	// WHEN: The scheduler runs once
	// THEN: The block is expired and the balance reflects it

	mem := store.NewMemory()
	ctx := context.Background()
	require.NoError(t, mem.SaveCustomer(ctx, concession.Customer{ID: "cust-1", Name: "Ada"}))

	clock := t0
	ledger := concession.NewLedgerFromStore(mem)
	ledger.Now = func() time.Time { return clock }

	expiry := t0.Add(time.Hour)
	id, err := ledger.Create(ctx, concession.CreateBlockInput{CustomerID: "cust-1", Quantity: 4, ExpiryDate: &expiry})
	require.NoError(t, err)
	clock = t0.Add(2 * time.Hour)

	log, _ := test.NewNullLogger()
	run := NewExpiryScheduler(ledger, log).RunOnce(ctx)
	require.NoError(t, run.Err)
	assert.Equal(t, 1, run.Expired)

	b, err := ledger.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, concession.StatusExpired, b.Status)

	bal, err := ledger.Balance(ctx, "cust-1")
	require.NoError(t, err)
	assert.Equal(t, 4, bal.ExpiredConcessions)
}
