// Package api exposes the message channel between the host application and
// the data layer over local HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/fieldsync/internal/audit"
	"github.com/roach88/fieldsync/internal/layered"
	"github.com/roach88/fieldsync/internal/store"
	"github.com/roach88/fieldsync/internal/syncengine"
)

// Engine is the sync engine as seen by the host.
type Engine interface {
	PerformSync(ctx context.Context) syncengine.Response
	Sync(ctx context.Context, opts syncengine.SyncOptions) (syncengine.Result, error)
	Status(ctx context.Context) (syncengine.Status, error)
}

// Storage is the layered store's maintenance surface.
type Storage interface {
	GetStorageStats(ctx context.Context) layered.StorageStats
	ClearBackups(ctx context.Context) error
}

// Session unlocks and locks the encryption key.
type Session interface {
	Unlock(ctx context.Context, pin string) error
	Lock(ctx context.Context) error
	Unlocked() bool
}

// Auditor verifies the audit chain.
type Auditor interface {
	VerifyChain(ctx context.Context) (audit.Verification, error)
}

// Network receives connectivity and activity hints.
type Network interface {
	Activity()
	SetOnline(online bool)
	Online() bool
}

// Outbox is the operator view of failed uploads and conflict reviews.
type Outbox interface {
	FailedEntries(ctx context.Context) ([]store.QueueEntry, error)
	Requeue(ctx context.Context, id string, now int64) error
	Reviews(ctx context.Context, all bool) ([]store.Review, error)
	ResolveReview(ctx context.Context, seq int64) error
}

// Deps are the components the API serves.
type Deps struct {
	Engine  Engine
	Storage Storage
	Session Session
	Auditor Auditor
	Network Network
	Outbox  Outbox
	// Token, when set, must be presented as a bearer credential.
	Token string
	Now   func() time.Time
}

// Server routes message-channel requests to the components.
type Server struct {
	deps   Deps
	router chi.Router
}

// NewServer builds the router.
func NewServer(deps Deps) *Server {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	s := &Server{deps: deps}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(requireToken(deps.Token))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/sync", func(r chi.Router) {
		r.Post("/", s.handleSync)
		r.Get("/status", s.handleStatus)
	})
	r.Get("/status", s.handleStatus)
	r.Get("/stats", s.handleStats)
	r.Post("/backups/clear", s.handleClearBackups)

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.handleSessionState)
		r.Post("/unlock", s.handleUnlock)
		r.Post("/lock", s.handleLock)
	})

	r.Get("/audit/verify", s.handleVerify)
	r.Post("/activity", s.handleActivity)
	r.Post("/network/{state}", s.handleNetwork)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/failed", s.handleFailed)
		r.Post("/{id}/requeue", s.handleRequeue)
	})
	r.Route("/reviews", func(r chi.Router) {
		r.Get("/", s.handleReviews)
		r.Post("/{seq}/resolve", s.handleResolveReview)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	force := r.URL.Query().Get("force")
	switch force {
	case "", "true":
		// A manual request is forced unless the host opts out.
		writeJSON(w, http.StatusOK, s.deps.Engine.PerformSync(r.Context()))
	case "false":
		resp := syncengine.NewResponse(s.deps.Engine.Sync(r.Context(), syncengine.SyncOptions{}))
		writeJSON(w, http.StatusOK, resp)
	default:
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "force must be true or false")
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.deps.Engine.Status(r.Context())
	if err != nil {
		internalError(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Storage.GetStorageStats(r.Context()))
}

func (s *Server) handleClearBackups(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Storage.ClearBackups(r.Context()); err != nil {
		internalError(w, "clear backups", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleared": true})
}

// UnlockRequest is the body of POST /session/unlock.
type UnlockRequest struct {
	PIN string `json:"pin"`
}

func (s *Server) handleSessionState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": s.deps.Session.Unlocked()})
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req UnlockRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_JSON", "invalid JSON body")
		return
	}
	if req.PIN == "" {
		writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", "pin is required")
		return
	}
	if err := s.deps.Session.Unlock(r.Context(), req.PIN); err != nil {
		if errors.Is(err, audit.ErrAuditChainBroken) {
			writeError(w, http.StatusConflict, "AUDIT_CHAIN_BROKEN", err.Error())
			return
		}
		internalError(w, "unlock", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": true})
}

func (s *Server) handleLock(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Session.Lock(r.Context()); err != nil {
		// The key is gone either way; report the audit failure.
		slog.Warn("lock not audited", "error", err)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"unlocked": false})
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	v, err := s.deps.Auditor.VerifyChain(r.Context())
	if err != nil && !errors.Is(err, audit.ErrAuditChainBroken) {
		internalError(w, "verify chain", err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	s.deps.Network.Activity()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	switch chi.URLParam(r, "state") {
	case "online":
		s.deps.Network.SetOnline(true)
	case "offline":
		s.deps.Network.SetOnline(false)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "network state must be online or offline")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"online": s.deps.Network.Online()})
}

func (s *Server) handleFailed(w http.ResponseWriter, r *http.Request) {
	entries, err := s.deps.Outbox.FailedEntries(r.Context())
	if err != nil {
		internalError(w, "failed entries", err)
		return
	}
	out := make([]QueueEntryView, 0, len(entries))
	for _, e := range entries {
		out = append(out, newQueueEntryView(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRequeue(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.deps.Outbox.Requeue(r.Context(), id, s.deps.Now().UnixMilli()); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		internalError(w, "requeue", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"requeued": id})
}

func (s *Server) handleReviews(w http.ResponseWriter, r *http.Request) {
	all := r.URL.Query().Get("all") == "true"
	reviews, err := s.deps.Outbox.Reviews(r.Context(), all)
	if err != nil {
		internalError(w, "reviews", err)
		return
	}
	out := make([]ReviewView, 0, len(reviews))
	for _, rv := range reviews {
		out = append(out, newReviewView(rv))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleResolveReview(w http.ResponseWriter, r *http.Request) {
	seq, err := strconv.ParseInt(chi.URLParam(r, "seq"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "review id must be numeric")
		return
	}
	if err := s.deps.Outbox.ResolveReview(r.Context(), seq); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
			return
		}
		internalError(w, "resolve review", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"resolved": seq})
}
