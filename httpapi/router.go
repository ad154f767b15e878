// Package httpapi wires the CoordinatorActor to the HTTP surface from
// spec.md §6, using gorilla/mux the way the teacher's later (tabular/)
// iteration adopted it for its own handler wiring. No package below
// httpapi imports net/http; the error-to-status mapping lives entirely
// here, at the edge.
package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"mobcoordinator/coordinator"
)

// Server bundles the actor with the HTTP router and optional live stream.
type Server struct {
	actor  *coordinator.Actor
	stream *Stream
	admin  *adminGuard
	router *mux.Router
}

// NewServer builds the full route table. adminToken may be empty, in
// which case admin endpoints respond 503 per spec.md §4.8.
func NewServer(actor *coordinator.Actor, stream *Stream, adminToken string) *Server {
	s := &Server{
		actor:  actor,
		stream: stream,
		admin:  &adminGuard{token: adminToken},
		router: mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	corsMiddleware(s.router).ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.HandleFunc("/coordinator/upload", s.handleUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/global", s.handleGetGlobal).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/coordinator/status", s.handleStatus).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/coordinator/heartbeat", s.handleHeartbeat).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/flush-github", s.handleFlushGitHub).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/backfill-current-global", s.handleBackfillCurrentGlobal).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/coordinator/admin/reset-round", s.admin.wrap(s.handleAdminResetRound)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/admin/backfill-current-global", s.admin.wrap(s.handleAdminBackfill)).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/admin/mark-missing-round", s.admin.wrap(s.handleAdminMarkMissing)).Methods(http.MethodPost, http.MethodOptions)

	r.HandleFunc("/coordinator/tiers/upload", s.handleTierUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/tiers/download", s.handleTierDownload).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/coordinator/episodes/upload", s.handleEpisodeUpload).Methods(http.MethodPost, http.MethodOptions)
	r.HandleFunc("/coordinator/tactical-weights", s.handleTacticalWeights).Methods(http.MethodGet, http.MethodOptions)
	r.HandleFunc("/coordinator/tactical-stats", s.handleTacticalStats).Methods(http.MethodGet, http.MethodOptions)

	r.HandleFunc("/coordinator/stream", s.stream.ServeHTTP).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
}

// corsMiddleware keeps the surface permissive for game-client use, per
// spec.md §6.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
