package transport

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/roach88/fieldsync/internal/syncengine"
)

var errOffline = errors.New("backend offline")

// Handler serves a transport (normally a Memory peer) over the same HTTP
// contract the HTTP client speaks. A non-empty token is required as bearer
// credential.
func Handler(peer syncengine.Transport, token string) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(bearer(token))

	r.Post(UploadPath, func(w http.ResponseWriter, req *http.Request) {
		var body UploadRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		acks, err := peer.Upload(req.Context(), body.Changes)
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		writeJSON(w, UploadResponse{Acks: acks})
	})

	r.Get(ChangesPath, func(w http.ResponseWriter, req *http.Request) {
		res, err := peer.PullChanges(req.Context(), req.URL.Query().Get("since"))
		if err != nil {
			status := http.StatusBadRequest
			if errors.Is(err, errOffline) {
				status = http.StatusServiceUnavailable
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, res)
	})
	return r
}

func bearer(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if token == "" || !ok || got != token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to write response", "error", err)
	}
}
