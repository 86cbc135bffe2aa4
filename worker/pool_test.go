package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/commission-engine/commission"
)

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(_ context.Context, id commission.EventID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, string(id))
	return nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.seen)
}

func event(i int) commission.EventID {
	return commission.EventID(fmt.Sprintf("pay-%d", i))
}

func TestPool_ProcessesSubmittedEvents(t *testing.T) {
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	p := NewPool(4, 100, rec.handle, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(event(i)))
	}
	assert.Eventually(t, func() bool { return rec.count() == 50 }, 2*time.Second, 5*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestPool_SubmitReturnsQueueFull(t *testing.T) {
	// GIVEN: a pool that is not running, with room for two events
	logger, _ := test.NewNullLogger()
	p := NewPool(1, 2, (&recorder{}).handle, logger)

	// WHEN: a third event is submitted
	require.NoError(t, p.Submit(event(1)))
	require.NoError(t, p.Submit(event(2)))
	err := p.Submit(event(3))

	// THEN: it is rejected without blocking
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 2, p.Len())
}

func TestPool_DrainsQueueOnShutdown(t *testing.T) {
	// GIVEN: queued events and an already cancelled context
	logger, _ := test.NewNullLogger()
	rec := &recorder{}
	p := NewPool(2, 10, rec.handle, logger)
	for i := 0; i < 5; i++ {
		require.NoError(t, p.Submit(event(i)))
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// WHEN: the pool runs
	require.NoError(t, p.Run(ctx))

	// THEN: every queued event was handled and new ones are refused
	assert.Equal(t, 5, rec.count())
	assert.ErrorIs(t, p.Submit(event(9)), ErrPoolClosed)
}

func TestPool_HandlerContextSurvivesCancellation(t *testing.T) {
	logger, _ := test.NewNullLogger()
	var ctxErr error
	p := NewPool(1, 1, func(ctx context.Context, _ commission.EventID) error {
		ctxErr = ctx.Err()
		return nil
	}, logger)
	require.NoError(t, p.Submit(event(1)))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, p.Run(ctx))
	assert.NoError(t, ctxErr)
}

func TestPool_HandlerErrorsAreLoggedNotFatal(t *testing.T) {
	logger, hook := test.NewNullLogger()
	calls := 0
	p := NewPool(1, 5, func(_ context.Context, _ commission.EventID) error {
		calls++
		return errors.New("ledger down")
	}, logger)
	require.NoError(t, p.Submit(event(1)))
	require.NoError(t, p.Submit(event(2)))
	p.Close()

	require.NoError(t, p.Run(context.Background()))
	assert.Equal(t, 2, calls)

	var errorsLogged int
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.ErrorLevel {
			errorsLogged++
			assert.Equal(t, "event processing failed", e.Message)
		}
	}
	assert.Equal(t, 2, errorsLogged)
}
