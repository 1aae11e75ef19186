package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"campaign-engine/internal/campaign"
	"campaign-engine/internal/config"
	"campaign-engine/internal/media"
	"campaign-engine/internal/progress"
	"campaign-engine/internal/queue"
	"campaign-engine/internal/ratelimit"
	"campaign-engine/internal/telemetry"
)

// Server wires HTTP handlers for the campaign API.
type Server struct {
	cfg     config.Config
	service *campaign.Service
	queue   *queue.RedisQueue
	limiter *ratelimit.TenantLimiter
	hub     *progress.Hub
	media   *media.Store
	log     *logrus.Entry
}

// New constructs the API server. limiter, hub, and mediaStore may be nil,
// which disables the corresponding endpoints or checks.
func New(cfg config.Config, svc *campaign.Service, q *queue.RedisQueue, limiter *ratelimit.TenantLimiter, hub *progress.Hub, mediaStore *media.Store) *Server {
	return &Server{
		cfg:     cfg,
		service: svc,
		queue:   q,
		limiter: limiter,
		hub:     hub,
		media:   mediaStore,
		log:     logrus.WithField("component", "api"),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/events", s.handleEvents)
		r.Get("/{id}", s.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(s.rateLimited)
			r.Post("/", s.handleCreate)
			r.Post("/{id}/start", s.handleStart)
			r.Post("/{id}/pause", s.handlePause)
			r.Post("/{id}/resume", s.handleResume)
			r.Post("/{id}/duplicate", s.handleDuplicate)
			r.Post("/{id}/media", s.handleAttachMedia)
			r.Delete("/{id}", s.handleDelete)
		})
	})

	r.Get("/dlq", s.handleDLQ)
	return r
}

// rateLimited applies the per-tenant token bucket to mutating endpoints.
func (s *Server) rateLimited(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil {
			allowed, _, err := s.limiter.Allow(r.Context(), tenantFromRequest(r))
			if err != nil {
				writeError(w, http.StatusInternalServerError, "rate limit error")
				return
			}
			if !allowed {
				telemetry.RateLimitRejects.Inc()
				writeError(w, http.StatusTooManyRequests, "rate limited")
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req campaign.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	c, err := s.service.Create(r.Context(), tenantFromRequest(r), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, c)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page := atoiDefault(q.Get("page"), 1)
	pageSize := atoiDefault(q.Get("page_size"), 0)

	items, total, err := s.service.List(r.Context(), tenantFromRequest(r), q.Get("status"), page, pageSize)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{
		"items": items,
		"total": total,
		"page":  page,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.Get(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, c)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.service.Start, "queued")
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.service.Pause, "pausing")
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.service.Resume, "queued")
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, tenantID, id string) error, status string) {
	if err := op(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": status})
}

func (s *Server) handleDuplicate(w http.ResponseWriter, r *http.Request) {
	c, err := s.service.Duplicate(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusCreated, c)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Delete(r.Context(), tenantFromRequest(r), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleAttachMedia accepts a multipart upload, stores it with a thumbnail,
// and pins the stored key to the campaign.
func (s *Server) handleAttachMedia(w http.ResponseWriter, r *http.Request) {
	if s.media == nil {
		writeError(w, http.StatusNotImplemented, "media storage not configured")
		return
	}
	tenantID := tenantFromRequest(r)
	id := chi.URLParam(r, "id")

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "missing file field")
		return
	}
	defer file.Close()

	att, err := s.media.Save(r.Context(), tenantID, id, header.Filename, file)
	if err != nil {
		switch {
		case errors.Is(err, media.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, err.Error())
		case errors.Is(err, media.ErrNotImage):
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			s.log.WithError(err).Error("media upload failed")
			writeError(w, http.StatusInternalServerError, "media upload failed")
		}
		return
	}

	if err := s.service.AttachMedia(r.Context(), tenantID, id, att.Key); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeData(w, http.StatusOK, att)
}

// handleEvents streams per-tenant campaign progress over SSE.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusNotImplemented, "event streaming not configured")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	tenantID := tenantFromRequest(r)
	ch := s.hub.Register(tenantID)
	defer s.hub.Unregister(tenantID, ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case payload, open := <-ch:
			if !open {
				return
			}
			fmt.Fprintf(w, "event: progress\ndata: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

// handleDLQ returns the dead-lettered job keys (ops visibility).
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeData(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, campaign.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, campaign.ErrNotFound):
		writeError(w, http.StatusNotFound, "campaign not found")
	case errors.Is(err, campaign.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func atoiDefault(s string, def int) int {
	if s == "" {
		return def
	}
	var n int
	if _, err := fmt.Sscanf(s, "%d", &n); err != nil {
		return def
	}
	return n
}

func writeData(w http.ResponseWriter, code int, data any) {
	writeJSON(w, code, map[string]any{"success": true, "data": data})
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"success": false, "error": msg})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
