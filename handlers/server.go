package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"buzzconnect/database"
	"buzzconnect/events"
	"buzzconnect/metrics"
	"buzzconnect/middleware"
	"buzzconnect/presence"
)

const defaultSessionTTL = 7 * 24 * time.Hour

// Server is the backend: REST chat service plus the realtime hub.
type Server struct {
	store      *database.Store
	hub        *Hub
	events     events.Publisher
	presence   presence.Store
	metrics    *metrics.HTTP
	gatherer   prometheus.Gatherer
	log        zerolog.Logger
	sessionTTL time.Duration
	hubOpts    []HubOption
}

// Option configures a Server.
type Option func(*Server)

func WithLogger(log zerolog.Logger) Option { return func(s *Server) { s.log = log } }

func WithEvents(p events.Publisher) Option { return func(s *Server) { s.events = p } }

func WithPresence(p presence.Store) Option { return func(s *Server) { s.presence = p } }

func WithSessionTTL(d time.Duration) Option { return func(s *Server) { s.sessionTTL = d } }

// WithMetrics sets the collectors and the gatherer served on /metrics.
func WithMetrics(m *metrics.HTTP, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

// WithHubOptions passes options through to the realtime hub.
func WithHubOptions(opts ...HubOption) Option {
	return func(s *Server) { s.hubOpts = append(s.hubOpts, opts...) }
}

// NewServer builds a Server around store.
func NewServer(store *database.Store, opts ...Option) *Server {
	s := &Server{
		store:      store,
		events:     events.Nop{},
		log:        zerolog.Nop(),
		sessionTTL: defaultSessionTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.presence == nil {
		s.presence = presence.NewMemoryStore(10 * time.Second)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewHTTP(nil)
	}
	if s.gatherer == nil {
		s.gatherer = prometheus.NewRegistry()
	}
	s.hub = NewHub(store, s.presence, s.metrics, s.log, s.hubOpts...)
	return s
}

// Hub returns the realtime hub. Callers run it with Hub().Run(ctx).
func (s *Server) Hub() *Hub { return s.hub }

// Router wires every route.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(middleware.Recover(s.log), middleware.Logging(s.log), middleware.Metrics(s.metrics))

	r.HandleFunc("/healthz", s.Health).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	r.HandleFunc("/users", s.Signup).Methods(http.MethodPost)
	r.HandleFunc("/users/", s.Signup).Methods(http.MethodPost)
	r.HandleFunc("/users/login", s.Login).Methods(http.MethodPost)

	auth := middleware.Auth(s.store)
	api := r.NewRoute().Subrouter()
	api.Use(auth)

	api.HandleFunc("/users/logout", s.Logout).Methods(http.MethodPost)
	api.HandleFunc("/users/me", s.Me).Methods(http.MethodGet)
	api.HandleFunc("/users/search", s.SearchUsers).Methods(http.MethodGet)
	api.HandleFunc("/users/{username}", s.GetUser).Methods(http.MethodGet)

	api.HandleFunc("/follows", s.Follow).Methods(http.MethodPost)
	api.HandleFunc("/follows", s.Unfollow).Methods(http.MethodDelete)
	api.HandleFunc("/follows/following/{username}", s.GetFollowing).Methods(http.MethodGet)
	api.HandleFunc("/follows/followerCount/{username}", s.FollowerCount).Methods(http.MethodGet)
	api.HandleFunc("/follows/followingCount/{username}", s.FollowingCount).Methods(http.MethodGet)
	api.HandleFunc("/follows/isFollowing/{follower}/{followed}", s.IsFollowing).Methods(http.MethodGet)

	api.HandleFunc("/chat/send", s.SendMessage).Methods(http.MethodPost)
	api.HandleFunc("/chat/conversation", s.GetConversation).Methods(http.MethodGet)
	api.HandleFunc("/chat/conversations/{username}", s.GetConversations).Methods(http.MethodGet)
	api.HandleFunc("/chat/unread", s.UnreadCount).Methods(http.MethodGet)
	api.HandleFunc("/chat/mark-read", s.MarkAsRead).Methods(http.MethodPost)
	api.HandleFunc("/chat/react", s.React).Methods(http.MethodPost)

	api.HandleFunc("/chat/requests/{username}", s.ListRequests).Methods(http.MethodGet)
	api.HandleFunc("/chat/requests/accept", s.AcceptRequest).Methods(http.MethodPost)
	api.HandleFunc("/chat/requests", s.DeleteRequest).Methods(http.MethodDelete)

	api.HandleFunc("/ws", s.HandleWebSocket).Methods(http.MethodGet)
	return r
}

// Health reports whether the database answers.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "Database unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
