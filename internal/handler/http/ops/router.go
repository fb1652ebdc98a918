package ops_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"eventrelay/internal/outbox"
	"eventrelay/internal/repository/deadletter_repo"
	"eventrelay/internal/repository/outbox_repo"
)

func RegisterRoutes(
	r chi.Router,
	outboxRepo outbox_repo.OutboxRepository,
	deadLetters deadletter_repo.DeadLetterRepository,
	replayer *outbox.Replayer,
	wake func(),
	logger *zap.Logger,
) {
	handler := NewOpsHandler(outboxRepo, deadLetters, replayer, wake,
		logger.With(zap.String("component", "OpsHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Relay service is healthy!"))
		})
	})

	r.Route("/ops", func(r chi.Router) {
		r.Get("/backlog", handler.BacklogHandler)
		r.Get("/deadletters", handler.ListDeadLettersHandler)
		r.Post("/deadletters/replay", handler.ReplayHandler)
	})

	r.Handle("/metrics", promhttp.Handler())
}
