package ops_http

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"eventrelay/internal/outbox"
	"eventrelay/internal/repository/deadletter_repo"
	"eventrelay/internal/repository/outbox_repo"
)

// OpsHandler exposes the operator surface: backlog inspection, dead-letter
// peek, and manual replay.
type OpsHandler struct {
	outboxRepo  outbox_repo.OutboxRepository
	deadLetters deadletter_repo.DeadLetterRepository
	replayer    *outbox.Replayer
	wake        func()
	logger      *zap.Logger
}

// wake, if non-nil, nudges the outbox processor after a successful replay so
// re-inserted messages publish without waiting for the next poll tick.
func NewOpsHandler(
	outboxRepo outbox_repo.OutboxRepository,
	deadLetters deadletter_repo.DeadLetterRepository,
	replayer *outbox.Replayer,
	wake func(),
	logger *zap.Logger,
) *OpsHandler {
	return &OpsHandler{
		outboxRepo:  outboxRepo,
		deadLetters: deadLetters,
		replayer:    replayer,
		wake:        wake,
		logger:      logger,
	}
}

type BacklogResponse struct {
	PendingCount        int64    `json:"pending_count"`
	ClaimedCount        int64    `json:"claimed_count"`
	OldestPendingAge    *float64 `json:"oldest_pending_age_seconds,omitempty"`
	DeadLetterCount     int64    `json:"dead_letter_count"`
	OldestDeadLetterAge *float64 `json:"oldest_dead_letter_age_seconds,omitempty"`
}

func (h *OpsHandler) BacklogHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := h.outboxRepo.BacklogStats(r.Context())
	if err != nil {
		h.logger.Error("failed to read outbox backlog", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	dlStats, err := h.deadLetters.Stats(r.Context())
	if err != nil {
		h.logger.Error("failed to read dead-letter backlog", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	now := time.Now().UTC()
	resp := BacklogResponse{
		PendingCount:    stats.PendingCount,
		ClaimedCount:    stats.ClaimedCount,
		DeadLetterCount: dlStats.Count,
	}
	if stats.OldestPending != nil {
		age := now.Sub(*stats.OldestPending).Seconds()
		resp.OldestPendingAge = &age
	}
	if dlStats.Oldest != nil {
		age := now.Sub(*dlStats.Oldest).Seconds()
		resp.OldestDeadLetterAge = &age
	}
	writeJSON(w, http.StatusOK, resp)
}

type DeadLetterItem struct {
	ID                string          `json:"id"`
	OriginalMessageID string          `json:"original_message_id"`
	Type              string          `json:"type"`
	Payload           json.RawMessage `json:"payload"`
	CorrelationID     string          `json:"correlation_id"`
	FinalError        string          `json:"final_error"`
	Attempts          int             `json:"attempts"`
	FailedAt          time.Time       `json:"failed_at"`
}

func (h *OpsHandler) ListDeadLettersHandler(w http.ResponseWriter, r *http.Request) {
	filter, err := filterFromQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			limit = v
		}
	}

	messages, err := h.deadLetters.List(r.Context(), filter, limit)
	if err != nil {
		h.logger.Error("failed to list dead-letter messages", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	items := make([]DeadLetterItem, 0, len(messages))
	for _, msg := range messages {
		items = append(items, DeadLetterItem{
			ID:                msg.ID,
			OriginalMessageID: msg.OriginalMessageID,
			Type:              msg.Type,
			Payload:           json.RawMessage(msg.Payload),
			CorrelationID:     msg.CorrelationID,
			FinalError:        msg.FinalError,
			Attempts:          msg.Attempts,
			FailedAt:          msg.FailedAt,
		})
	}
	writeJSON(w, http.StatusOK, items)
}

type ReplayRequest struct {
	OriginalMessageID string     `json:"original_message_id"`
	Type              string     `json:"type"`
	Since             *time.Time `json:"since"`
	Until             *time.Time `json:"until"`
	BatchSize         int        `json:"batch_size"`
}

func (h *OpsHandler) ReplayHandler(w http.ResponseWriter, r *http.Request) {
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	filter := deadletter_repo.Filter{
		OriginalMessageID: req.OriginalMessageID,
		Type:              req.Type,
	}
	if req.Since != nil {
		filter.FailedAfter = *req.Since
	}
	if req.Until != nil {
		filter.FailedBefore = *req.Until
	}

	result, err := h.replayer.Replay(r.Context(), filter, req.BatchSize)
	if err != nil {
		h.logger.Error("dead-letter replay failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if result.Replayed > 0 && h.wake != nil {
		h.wake()
	}
	writeJSON(w, http.StatusOK, result)
}

func filterFromQuery(r *http.Request) (deadletter_repo.Filter, error) {
	query := r.URL.Query()
	filter := deadletter_repo.Filter{
		OriginalMessageID: query.Get("original_message_id"),
		Type:              query.Get("type"),
	}
	if raw := query.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return deadletter_repo.Filter{}, err
		}
		filter.FailedAfter = t
	}
	if raw := query.Get("until"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return deadletter_repo.Filter{}, err
		}
		filter.FailedBefore = t
	}
	return filter, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
