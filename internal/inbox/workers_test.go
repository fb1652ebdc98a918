package inbox

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

func TestPoolSerializesMessagesSharingAKey(t *testing.T) {
	var mu sync.Mutex
	var order []string
	inFlight := 0
	maxInFlight := 0

	pool := NewPool(4, 16, func(_ context.Context, msg domain.ConsumedMessage) error {
		mu.Lock()
		inFlight++
		if inFlight > maxInFlight {
			maxInFlight = inFlight
		}
		mu.Unlock()

		time.Sleep(time.Millisecond)

		mu.Lock()
		order = append(order, msg.ID)
		inFlight--
		mu.Unlock()
		return nil
	}, zap.NewNop())

	ctx := context.Background()
	pool.Start(ctx)

	const total = 20
	var wg sync.WaitGroup
	wg.Add(total)
	ids := make([]string, total)
	for i := 0; i < total; i++ {
		ids[i] = string(rune('a' + i))
		msg := domain.ConsumedMessage{ID: ids[i], OrderingKey: "order-42"}
		require.NoError(t, pool.Submit(ctx, msg, func(error) { wg.Done() }))
	}
	wg.Wait()
	pool.Close()

	assert.Equal(t, ids, order, "submission order preserved for a shared key")
	assert.Equal(t, 1, maxInFlight, "one key never runs on two workers at once")
}

func TestPoolRunsDistinctKeysConcurrently(t *testing.T) {
	release := make(chan struct{})
	started := make(chan string, 2)

	pool := NewPool(8, 4, func(_ context.Context, msg domain.ConsumedMessage) error {
		started <- msg.OrderingKey
		<-release
		return nil
	}, zap.NewNop())
	pool.Start(context.Background())
	defer func() {
		close(release)
		pool.Close()
	}()

	var wg sync.WaitGroup
	for _, key := range keysOnDistinctWorkers(8) {
		wg.Add(1)
		msg := domain.ConsumedMessage{ID: "m-" + key, OrderingKey: key}
		require.NoError(t, pool.Submit(context.Background(), msg, func(error) { wg.Done() }))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("expected both keys to start while neither has finished")
		}
	}
}

// keysOnDistinctWorkers returns two ordering keys whose hashes route to
// different workers of the given pool size.
func keysOnDistinctWorkers(workers int) []string {
	bucket := func(key string) int {
		h := fnv.New32a()
		h.Write([]byte(key))
		return int(h.Sum32()) % workers
	}
	first := "key-0"
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("key-%d", i)
		if bucket(candidate) != bucket(first) {
			return []string{first, candidate}
		}
	}
}

func TestPoolReportsDispatchOutcome(t *testing.T) {
	boom := errors.New("handler failed")
	pool := NewPool(1, 4, func(_ context.Context, msg domain.ConsumedMessage) error {
		if msg.ID == "bad" {
			return boom
		}
		return nil
	}, zap.NewNop())
	pool.Start(context.Background())
	defer pool.Close()

	results := make(chan error, 2)
	done := func(err error) { results <- err }

	require.NoError(t, pool.Submit(context.Background(), domain.ConsumedMessage{ID: "good"}, done))
	require.NoError(t, pool.Submit(context.Background(), domain.ConsumedMessage{ID: "bad"}, done))

	var got []error
	for i := 0; i < 2; i++ {
		select {
		case err := <-results:
			got = append(got, err)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for dispatch outcomes")
		}
	}
	assert.Contains(t, got, nil)
	assert.Contains(t, got, boom)
}

func TestPoolSubmitHonorsCancelledContext(t *testing.T) {
	// One worker, tiny queue, never started: the queue fills and Submit
	// must fall back to the context instead of blocking forever.
	pool := NewPool(1, 1, func(context.Context, domain.ConsumedMessage) error { return nil }, zap.NewNop())

	require.NoError(t, pool.Submit(context.Background(), domain.ConsumedMessage{ID: "m-1"}, func(error) {}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := pool.Submit(ctx, domain.ConsumedMessage{ID: "m-2"}, func(error) {})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPoolSubmitAfterCloseReturnsError(t *testing.T) {
	pool := NewPool(2, 4, func(context.Context, domain.ConsumedMessage) error { return nil }, zap.NewNop())
	pool.Start(context.Background())
	pool.Close()

	err := pool.Submit(context.Background(), domain.ConsumedMessage{ID: "m-1"}, func(error) {
		t.Error("done must not run for a rejected submit")
	})
	assert.ErrorIs(t, err, ErrPoolClosed)
}

func TestPoolCloseConcurrentWithSubmits(t *testing.T) {
	pool := NewPool(2, 1, func(context.Context, domain.ConsumedMessage) error {
		time.Sleep(100 * time.Microsecond)
		return nil
	}, zap.NewNop())
	pool.Start(context.Background())

	// Submitters race Close; every submit must either enqueue (and its job
	// run) or return ErrPoolClosed. A send on a closed queue would panic.
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				msg := domain.ConsumedMessage{ID: fmt.Sprintf("m-%d-%d", g, i), OrderingKey: fmt.Sprintf("k-%d", i)}
				if err := pool.Submit(context.Background(), msg, func(error) {}); err != nil {
					assert.ErrorIs(t, err, ErrPoolClosed)
					return
				}
			}
		}(g)
	}

	time.Sleep(time.Millisecond)
	pool.Close()
	wg.Wait()
}

func TestPoolCloseWaitsForQueuedJobs(t *testing.T) {
	var mu sync.Mutex
	processed := 0

	pool := NewPool(2, 16, func(context.Context, domain.ConsumedMessage) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		processed++
		mu.Unlock()
		return nil
	}, zap.NewNop())
	pool.Start(context.Background())

	const total = 10
	for i := 0; i < total; i++ {
		msg := domain.ConsumedMessage{ID: string(rune('a' + i)), OrderingKey: string(rune('a' + i))}
		require.NoError(t, pool.Submit(context.Background(), msg, func(error) {}))
	}
	pool.Close()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, total, processed)
}
