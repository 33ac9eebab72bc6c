package session

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ashureev/guestgate/internal/domain"
)

func TestSweeperEvictsAndStops(t *testing.T) {
	defer goleak.VerifyNone(t)

	s := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())

	stale := time.Now().Add(-3 * time.Hour)
	_, err := s.Touch(ctx, "stale", func(e *Entry, _ bool) error {
		e.Window = domain.RateWindow{Count: 5, WindowStart: stale}
		return nil
	})
	require.NoError(t, err)

	var swept atomic.Int64
	StartSweeper(ctx, s, time.Hour, 10*time.Millisecond, nil, func(n int) { swept.Add(int64(n)) })

	require.Eventually(t, func() bool { return swept.Load() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 0, s.Len())

	cancel()
	// goleak retries until the sweeper goroutine has observed cancellation.
}

func TestSweeperDisabled(t *testing.T) {
	defer goleak.VerifyNone(t)
	StartSweeper(context.Background(), NewMemoryStore(), time.Hour, 0, nil, nil)
}
