package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
	"eventrelay/internal/repository/deadletter_repo"
)

type passthroughTx struct{}

func (passthroughTx) RunInTx(_ context.Context, fn func(q domain.Querier) error) error {
	return fn(nil)
}

type fakeDeadLetterRepo struct {
	rows      map[string]domain.DeadLetterMessage
	deleteErr error
}

func newFakeDeadLetterRepo(rows ...domain.DeadLetterMessage) *fakeDeadLetterRepo {
	r := &fakeDeadLetterRepo{rows: make(map[string]domain.DeadLetterMessage)}
	for _, dl := range rows {
		r.rows[dl.ID] = dl
	}
	return r
}

func (r *fakeDeadLetterRepo) List(_ context.Context, filter deadletter_repo.Filter, limit int) ([]domain.DeadLetterMessage, error) {
	var out []domain.DeadLetterMessage
	for _, dl := range r.rows {
		if filter.Type != "" && dl.Type != filter.Type {
			continue
		}
		if filter.OriginalMessageID != "" && dl.OriginalMessageID != filter.OriginalMessageID {
			continue
		}
		out = append(out, dl)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *fakeDeadLetterRepo) DeleteTx(_ context.Context, _ domain.Querier, id string) error {
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.rows[id]; !ok {
		return domain.ErrMessageNotFound
	}
	delete(r.rows, id)
	return nil
}

func (r *fakeDeadLetterRepo) Stats(context.Context) (deadletter_repo.Stats, error) {
	return deadletter_repo.Stats{Count: int64(len(r.rows))}, nil
}

func parkedMessage(id, originalID, eventType string) domain.DeadLetterMessage {
	return domain.DeadLetterMessage{
		ID:                id,
		OriginalMessageID: originalID,
		Type:              eventType,
		Payload:           []byte(`{"order_id":"o-1"}`),
		OrderingKey:       "o-1",
		CorrelationID:     "corr-1",
		FinalError:        "broker unavailable",
		Attempts:          5,
		FailedAt:          time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestReplayReinsertsAsFreshMessage(t *testing.T) {
	outboxRepo := &capturingOutboxRepo{}
	deadLetters := newFakeDeadLetterRepo(parkedMessage("dl-1", "orig-1", "order.created"))
	replayer := NewReplayer(passthroughTx{}, NewWriter(outboxRepo), deadLetters, zap.NewNop())

	result, err := replayer.Replay(context.Background(), deadletter_repo.Filter{}, 0)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 1}, result)

	require.Len(t, outboxRepo.created, 1)
	msg := outboxRepo.created[0]
	assert.NotEqual(t, "orig-1", msg.ID, "replay mints a new identity")
	assert.Equal(t, domain.OutboxStatePending, msg.State)
	assert.Equal(t, 0, msg.Attempts)
	assert.Equal(t, "order.created", msg.Type)
	assert.JSONEq(t, `{"order_id":"o-1"}`, string(msg.Payload))
	assert.Equal(t, "o-1", msg.OrderingKey)
	assert.Equal(t, "corr-1", msg.CorrelationID, "correlation survives the replay")
	assert.Equal(t, "orig-1", msg.CausationID, "the dead message caused its replacement")

	assert.Empty(t, deadLetters.rows, "parked record removed with the re-insert")
}

func TestReplayHonorsTypeFilter(t *testing.T) {
	outboxRepo := &capturingOutboxRepo{}
	deadLetters := newFakeDeadLetterRepo(
		parkedMessage("dl-1", "orig-1", "order.created"),
		parkedMessage("dl-2", "orig-2", "payment.settled"),
	)
	replayer := NewReplayer(passthroughTx{}, NewWriter(outboxRepo), deadLetters, zap.NewNop())

	result, err := replayer.Replay(context.Background(), deadletter_repo.Filter{Type: "payment.settled"}, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Replayed: 1}, result)

	require.Len(t, outboxRepo.created, 1)
	assert.Equal(t, "payment.settled", outboxRepo.created[0].Type)
	assert.Contains(t, deadLetters.rows, "dl-1", "non-matching record stays parked")
}

func TestReplayCountsFailuresAndKeepsRecords(t *testing.T) {
	outboxRepo := &capturingOutboxRepo{err: errors.New("insert failed")}
	deadLetters := newFakeDeadLetterRepo(parkedMessage("dl-1", "orig-1", "order.created"))
	replayer := NewReplayer(passthroughTx{}, NewWriter(outboxRepo), deadLetters, zap.NewNop())

	result, err := replayer.Replay(context.Background(), deadletter_repo.Filter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{Failed: 1}, result)
	assert.Contains(t, deadLetters.rows, "dl-1", "failed replay leaves the record for a later attempt")
}

func TestReplayWithEmptyQueue(t *testing.T) {
	replayer := NewReplayer(passthroughTx{}, NewWriter(&capturingOutboxRepo{}), newFakeDeadLetterRepo(), zap.NewNop())

	result, err := replayer.Replay(context.Background(), deadletter_repo.Filter{}, 10)
	require.NoError(t, err)
	assert.Equal(t, ReplayResult{}, result)
}
