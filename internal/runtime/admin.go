package runtime

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/drblury/recordflow/internal/runtime/health"
	"github.com/drblury/recordflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/recordflow/internal/runtime/logging"
	"github.com/drblury/recordflow/transport"
)

const defaultDeadLetterPageSize = 50

// QueueStatus is returned by GET /api/admin/queue.
type QueueStatus struct {
	Queue           string                 `json:"queue"`
	DeadLetterQueue string                 `json:"dead_letter_queue"`
	Transport       string                 `json:"transport"`
	Capabilities    transport.Capabilities `json:"capabilities"`
	InFlight        int64                  `json:"in_flight"`
	Pending         *int64                 `json:"pending,omitempty"`
	DeadLetters     *int64                 `json:"dead_letters,omitempty"`
}

// Mount registers the health endpoints, /metrics when enabled, and the queue
// admin API on r.
func (s *Service) Mount(r chi.Router) {
	health.Mount(r, s.Conf.ServiceName)
	if s.Conf.MetricsEnabled {
		r.Handle("/metrics", s.metricsHandler())
	}

	r.Route("/api/admin", func(r chi.Router) {
		r.Get("/queue", s.handleQueueStatus)
		r.Get("/deadletters/stats", s.handleDeadLetterStats)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Delete("/deadletters", s.handlePurgeDeadLetters)
		r.Post("/deadletters/{id}/redrive", s.handleRedrive)
	})
}

func (s *Service) metricsHandler() http.Handler {
	if g, ok := s.registerer.(prometheus.Gatherer); ok && s.registerer != prometheus.DefaultRegisterer {
		return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}

func (s *Service) deadLetterStore() (transport.DeadLetterStore, bool) {
	if store, ok := s.transport.Subscriber.(transport.DeadLetterStore); ok {
		return store, true
	}
	store, ok := s.transport.Publisher.(transport.DeadLetterStore)
	return store, ok
}

func (s *Service) queueIntrospector() (transport.QueueIntrospector, bool) {
	if qi, ok := s.transport.Subscriber.(transport.QueueIntrospector); ok {
		return qi, true
	}
	qi, ok := s.transport.Publisher.(transport.QueueIntrospector)
	return qi, ok
}

func (s *Service) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	status := QueueStatus{
		Queue:           s.client.QueueName(),
		DeadLetterQueue: s.client.DeadLetterQueue(),
		Transport:       s.Conf.GetPubSubSystem(),
		Capabilities:    s.capabilities,
		InFlight:        s.client.InFlight(),
	}
	if qi, ok := s.queueIntrospector(); ok {
		if n, err := qi.PendingCount(r.Context(), status.Queue); err == nil {
			status.Pending = &n
		} else {
			s.Logger.Error("Failed to count pending messages", err, nil)
		}
	}
	if store, ok := s.deadLetterStore(); ok {
		if n, err := store.CountDeadLetters(r.Context(), status.Queue); err == nil {
			status.DeadLetters = &n
			if m, _ := s.Metrics(); m != nil {
				m.SetCurrent(status.Queue, n)
			}
		} else {
			s.Logger.Error("Failed to count dead letters", err, nil)
		}
	}
	s.writeJSON(w, http.StatusOK, status)
}

func (s *Service) handleDeadLetterStats(w http.ResponseWriter, _ *http.Request) {
	m, err := s.Metrics()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "metrics unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, m.Snapshot())
}

func (s *Service) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	store, ok := s.deadLetterStore()
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "transport does not store dead letters")
		return
	}

	limit, err := queryInt(r, "limit", defaultDeadLetterPageSize)
	if err != nil || limit <= 0 {
		s.writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		s.writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	letters, err := store.ListDeadLetters(r.Context(), s.client.QueueName(), limit, offset)
	if err != nil {
		s.Logger.Error("Failed to list dead letters", err, nil)
		s.writeError(w, http.StatusInternalServerError, "failed to list dead letters")
		return
	}
	if letters == nil {
		letters = []transport.DeadLetter{}
	}
	s.writeJSON(w, http.StatusOK, letters)
}

func (s *Service) handleRedrive(w http.ResponseWriter, r *http.Request) {
	store, ok := s.deadLetterStore()
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "transport does not store dead letters")
		return
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid dead letter id")
		return
	}

	if err := store.Redrive(r.Context(), id); err != nil {
		if errors.Is(err, transport.ErrDeadLetterNotFound) {
			s.writeError(w, http.StatusNotFound, "dead letter not found")
			return
		}
		s.Logger.Error("Failed to redrive dead letter", err, loggingpkg.LogFields{"dead_letter_id": id})
		s.writeError(w, http.StatusInternalServerError, "failed to redrive dead letter")
		return
	}
	if m, _ := s.Metrics(); m != nil {
		m.RecordRedriven(s.client.QueueName())
	}
	s.Logger.Info("Dead letter redriven", loggingpkg.LogFields{"dead_letter_id": id})
	w.WriteHeader(http.StatusNoContent)
}

func (s *Service) handlePurgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	store, ok := s.deadLetterStore()
	if !ok {
		s.writeError(w, http.StatusNotImplemented, "transport does not store dead letters")
		return
	}
	n, err := store.Purge(r.Context(), s.client.QueueName())
	if err != nil {
		s.Logger.Error("Failed to purge dead letters", err, nil)
		s.writeError(w, http.StatusInternalServerError, "failed to purge dead letters")
		return
	}
	if m, _ := s.Metrics(); m != nil {
		m.RecordPurged(s.client.QueueName(), n)
	}
	s.Logger.Info("Dead letters purged", loggingpkg.LogFields{"count": n})
	s.writeJSON(w, http.StatusOK, map[string]int64{"purged": n})
}

func (s *Service) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := jsoncodec.Encode(w, v); err != nil {
		s.Logger.Error("Failed to encode response", err, nil)
	}
}

func (s *Service) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"message": msg})
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
