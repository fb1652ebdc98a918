package outbox

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

type fakeStore struct {
	mu       sync.Mutex
	msgs     map[string]*domain.OutboxMessage
	dead     map[string]domain.DeadLetterMessage
	claimErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		msgs: make(map[string]*domain.OutboxMessage),
		dead: make(map[string]domain.DeadLetterMessage),
	}
}

func (s *fakeStore) add(msg domain.OutboxMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := msg
	s.msgs[m.ID] = &m
}

func (s *fakeStore) get(id string) (domain.OutboxMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok {
		return domain.OutboxMessage{}, false
	}
	return *m, true
}

func (s *fakeStore) ClaimBatch(_ context.Context, owner string, limit int, claimTTL time.Duration, now time.Time) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claimErr != nil {
		return nil, s.claimErr
	}

	var eligible []*domain.OutboxMessage
	for _, m := range s.msgs {
		switch {
		case m.State == domain.OutboxStatePending && !m.NextAttemptAt.After(now):
			eligible = append(eligible, m)
		case m.State == domain.OutboxStateClaimed && m.ClaimExpiresAt != nil && !m.ClaimExpiresAt.After(now):
			eligible = append(eligible, m)
		}
	}
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].CreatedAt.Before(eligible[j].CreatedAt)
	})
	if len(eligible) > limit {
		eligible = eligible[:limit]
	}

	expires := now.Add(claimTTL)
	var claimed []domain.OutboxMessage
	for _, m := range eligible {
		o := owner
		e := expires
		m.State = domain.OutboxStateClaimed
		m.ClaimOwner = &o
		m.ClaimExpiresAt = &e
		claimed = append(claimed, *m)
	}
	return claimed, nil
}

func (s *fakeStore) MarkPublished(_ context.Context, id, owner string, publishedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || !heldBy(m, owner) {
		return domain.ErrMessageNotFound
	}
	m.State = domain.OutboxStatePublished
	m.PublishedAt = &publishedAt
	m.ClaimOwner = nil
	m.ClaimExpiresAt = nil
	return nil
}

func (s *fakeStore) Requeue(_ context.Context, id, owner string, attempts int, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[id]
	if !ok || !heldBy(m, owner) {
		return domain.ErrMessageNotFound
	}
	m.State = domain.OutboxStatePending
	m.Attempts = attempts
	m.NextAttemptAt = nextAttemptAt
	m.LastError = &lastError
	m.ClaimOwner = nil
	m.ClaimExpiresAt = nil
	return nil
}

func (s *fakeStore) MoveToDeadLetter(_ context.Context, msg domain.OutboxMessage, owner, finalError string, failedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[msg.ID]
	if !ok || !heldBy(m, owner) {
		return domain.ErrMessageNotFound
	}
	delete(s.msgs, msg.ID)
	s.dead[msg.ID] = domain.DeadLetterMessage{
		ID:                msg.ID,
		OriginalMessageID: msg.ID,
		Type:              msg.Type,
		Payload:           msg.Payload,
		OrderingKey:       msg.OrderingKey,
		CorrelationID:     msg.CorrelationID,
		FinalError:        finalError,
		Attempts:          msg.Attempts,
		FailedAt:          failedAt,
	}
	return nil
}

// heldBy mirrors the production WHERE clause: state CLAIMED and the exact
// claim owner.
func heldBy(m *domain.OutboxMessage, owner string) bool {
	return m.State == domain.OutboxStateClaimed && m.ClaimOwner != nil && *m.ClaimOwner == owner
}

func (s *fakeStore) BacklogStats(context.Context) (domain.BacklogStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats domain.BacklogStats
	for _, m := range s.msgs {
		switch m.State {
		case domain.OutboxStatePending:
			stats.PendingCount++
		case domain.OutboxStateClaimed:
			stats.ClaimedCount++
		}
	}
	return stats, nil
}

type fakeTransport struct {
	mu        sync.Mutex
	published map[string]int
	fail      func(msg domain.OutboxMessage) error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{published: make(map[string]int)}
}

func (t *fakeTransport) Publish(_ context.Context, msg domain.OutboxMessage) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fail != nil {
		if err := t.fail(msg); err != nil {
			return err
		}
	}
	t.published[msg.ID]++
	return nil
}

func (t *fakeTransport) count(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[id]
}

func testTypes() *TypeRegistry {
	types := NewTypeRegistry()
	types.Register("order.created", func() any { return &orderCreated{} })
	return types
}

func newTestProcessor(store Store, transport Transport, maxAttempts int) *Processor {
	retry := NewRetryPolicy(time.Second, 5*time.Minute, maxAttempts)
	retry.randFloat = func() float64 { return 0.5 } // jitter factor 1.0
	return NewProcessor(store, transport, testTypes(), retry, ProcessorConfig{
		PollInterval:   time.Second,
		BatchSize:      10,
		ClaimTTL:       30 * time.Second,
		PublishTimeout: 5 * time.Second,
	}, zap.NewNop())
}

func pendingMessage(id string, createdAt time.Time) domain.OutboxMessage {
	return domain.OutboxMessage{
		ID:            id,
		Type:          "order.created",
		Payload:       []byte(`{"order_id":"o-1","amount":10}`),
		OrderingKey:   "o-1",
		CorrelationID: "corr-1",
		CausationID:   id,
		State:         domain.OutboxStatePending,
		NextAttemptAt: createdAt,
		CreatedAt:     createdAt,
	}
}

func TestProcessorPublishesClaimedMessage(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	store.add(pendingMessage("m-1", now.Add(-time.Second)))

	require.NoError(t, processor.RunCycle(context.Background()))

	assert.Equal(t, 1, transport.count("m-1"))
	msg, ok := store.get("m-1")
	require.True(t, ok)
	assert.Equal(t, domain.OutboxStatePublished, msg.State)
	require.NotNil(t, msg.PublishedAt)

	// A published message is never claimed again.
	require.NoError(t, processor.RunCycle(context.Background()))
	assert.Equal(t, 1, transport.count("m-1"))
}

func TestProcessorRequeuesTransientFailureWithBackoff(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	transport.fail = func(domain.OutboxMessage) error { return errors.New("broker unavailable") }
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	store.add(pendingMessage("m-1", now))

	require.NoError(t, processor.RunCycle(context.Background()))

	msg, ok := store.get("m-1")
	require.True(t, ok)
	assert.Equal(t, domain.OutboxStatePending, msg.State)
	assert.Equal(t, 1, msg.Attempts)
	assert.Equal(t, now.Add(time.Second), msg.NextAttemptAt)
	require.NotNil(t, msg.LastError)
	assert.Contains(t, *msg.LastError, "broker unavailable")

	// Not due yet: the next cycle must leave it alone.
	require.NoError(t, processor.RunCycle(context.Background()))
	msg, _ = store.get("m-1")
	assert.Equal(t, 1, msg.Attempts)
}

func TestProcessorRecoversWhenTransportComesBack(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	down := true
	transport.fail = func(domain.OutboxMessage) error {
		if down {
			return errors.New("connection refused")
		}
		return nil
	}
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	store.add(pendingMessage("m-1", now))
	require.NoError(t, processor.RunCycle(context.Background()))

	down = false
	msg, _ := store.get("m-1")
	now = msg.NextAttemptAt
	require.NoError(t, processor.RunCycle(context.Background()))

	assert.Equal(t, 1, transport.count("m-1"), "published exactly once after recovery")
	msg, _ = store.get("m-1")
	assert.Equal(t, domain.OutboxStatePublished, msg.State)
}

func TestProcessorDeadLettersAfterMaxAttempts(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	transport.fail = func(domain.OutboxMessage) error { return errors.New("broker unavailable") }
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	store.add(pendingMessage("m-1", now))

	var delays []time.Duration
	for i := 0; i < 5; i++ {
		require.NoError(t, processor.RunCycle(context.Background()))
		msg, ok := store.get("m-1")
		require.True(t, ok, "still in the outbox after failure %d", i+1)
		delays = append(delays, msg.NextAttemptAt.Sub(now))
		now = msg.NextAttemptAt
	}
	assert.Equal(t, []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
	}, delays)

	// The sixth failure exhausts the attempt limit.
	require.NoError(t, processor.RunCycle(context.Background()))

	_, ok := store.get("m-1")
	assert.False(t, ok, "outbox row removed on dead-lettering")
	dl, ok := store.dead["m-1"]
	require.True(t, ok)
	assert.Equal(t, 5, dl.Attempts)
	assert.Contains(t, dl.FinalError, "broker unavailable")
	assert.Equal(t, "corr-1", dl.CorrelationID)

	// Dead-lettered messages stop being claimed.
	require.NoError(t, processor.RunCycle(context.Background()))
	assert.Equal(t, 0, transport.count("m-1"))
}

func TestProcessorDeadLettersPermanentErrorImmediately(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	transport.fail = func(domain.OutboxMessage) error {
		return Permanent(errors.New("schema violation"))
	}
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	store.add(pendingMessage("m-1", now))
	require.NoError(t, processor.RunCycle(context.Background()))

	_, ok := store.get("m-1")
	assert.False(t, ok)
	dl, ok := store.dead["m-1"]
	require.True(t, ok)
	assert.Equal(t, 0, dl.Attempts, "no retries before a permanent failure")
}

func TestProcessorDeadLettersUnknownType(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	msg := pendingMessage("m-1", now)
	msg.Type = "order.unknown"
	store.add(msg)

	require.NoError(t, processor.RunCycle(context.Background()))

	assert.Equal(t, 0, transport.count("m-1"), "unknown types never reach the transport")
	dl, ok := store.dead["m-1"]
	require.True(t, ok)
	assert.Contains(t, dl.FinalError, "unknown outbox message type")
}

func TestProcessorHaltsCycleWhenStoreUnavailable(t *testing.T) {
	store := newFakeStore()
	store.claimErr = errors.New("connection reset")
	transport := newFakeTransport()
	processor := newTestProcessor(store, transport, 5)

	err := processor.RunCycle(context.Background())
	assert.Error(t, err)
	assert.Empty(t, transport.published)
}

func TestProcessorReclaimsExpiredClaim(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()
	processor := newTestProcessor(store, transport, 5)
	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	processor.clock = func() time.Time { return now }

	// A crashed instance left this row claimed; its claim has expired.
	msg := pendingMessage("m-1", now.Add(-time.Minute))
	msg.State = domain.OutboxStateClaimed
	crashed := "crashed-instance"
	expired := now.Add(-time.Second)
	msg.ClaimOwner = &crashed
	msg.ClaimExpiresAt = &expired
	store.add(msg)

	require.NoError(t, processor.RunCycle(context.Background()))

	assert.Equal(t, 1, transport.count("m-1"))
	got, _ := store.get("m-1")
	assert.Equal(t, domain.OutboxStatePublished, got.State)
}

func TestStaleOwnerCannotTransitionReclaimedMessage(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()
	t0 := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	store.add(pendingMessage("m-1", t0))

	batchA, err := store.ClaimBatch(ctx, "owner-a", 1, 30*time.Second, t0)
	require.NoError(t, err)
	require.Len(t, batchA, 1)

	// owner-a stalls past its claim TTL; owner-b takes the row over.
	t1 := t0.Add(31 * time.Second)
	batchB, err := store.ClaimBatch(ctx, "owner-b", 1, 30*time.Second, t1)
	require.NoError(t, err)
	require.Len(t, batchB, 1)

	// The stale owner's transitions must all bounce off the live claim.
	err = store.MoveToDeadLetter(ctx, batchA[0], "owner-a", "broker unavailable", t1)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	err = store.Requeue(ctx, "m-1", "owner-a", 1, t1.Add(time.Second), "broker unavailable")
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)
	err = store.MarkPublished(ctx, "m-1", "owner-a", t1)
	assert.ErrorIs(t, err, domain.ErrMessageNotFound)

	msg, ok := store.get("m-1")
	require.True(t, ok, "the row stays in the outbox under owner-b's claim")
	assert.Empty(t, store.dead, "no stale dead-letter record")
	require.NotNil(t, msg.ClaimOwner)
	assert.Equal(t, "owner-b", *msg.ClaimOwner)

	// The live owner finishes normally.
	require.NoError(t, store.MarkPublished(ctx, "m-1", "owner-b", t1))
	msg, _ = store.get("m-1")
	assert.Equal(t, domain.OutboxStatePublished, msg.State)
}

func TestConcurrentProcessorsClaimDisjointBatches(t *testing.T) {
	store := newFakeStore()
	transport := newFakeTransport()

	base := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	const total = 100
	for i := 0; i < total; i++ {
		msg := pendingMessage(messageID(i), base.Add(time.Duration(i)*time.Millisecond))
		store.add(msg)
	}

	first := newTestProcessor(store, transport, 5)
	second := newTestProcessor(store, transport, 5)
	first.cfg.BatchSize = total
	second.cfg.BatchSize = total
	require.NotEqual(t, first.Owner(), second.Owner())

	var wg sync.WaitGroup
	for _, p := range []*Processor{first, second} {
		wg.Add(1)
		go func(p *Processor) {
			defer wg.Done()
			_ = p.RunCycle(context.Background())
		}(p)
	}
	wg.Wait()

	for i := 0; i < total; i++ {
		id := messageID(i)
		assert.Equal(t, 1, transport.count(id), "message %s published exactly once", id)
		msg, ok := store.get(id)
		require.True(t, ok)
		assert.Equal(t, domain.OutboxStatePublished, msg.State)
	}
}

func messageID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
