package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/blackmichael/timeline-cache/internal/config"
	"github.com/blackmichael/timeline-cache/internal/domain"
	"github.com/blackmichael/timeline-cache/internal/live"
	"github.com/blackmichael/timeline-cache/internal/metrics"
	"github.com/blackmichael/timeline-cache/internal/social"
	"github.com/blackmichael/timeline-cache/internal/timeline"
)

// ViewerHeader carries the id of the calling user. Authentication happens in
// front of this service.
const ViewerHeader = "X-User-ID"

const maxBodyBytes = 1 << 20

// Server is the HTTP server exposing timelines and the write operations.
type Server struct {
	cfg        *config.Config
	engine     *timeline.Engine
	social     *social.Service
	hub        *live.Hub
	metrics    *metrics.Collector
	logger     *slog.Logger
	router     chi.Router
	httpServer *http.Server
}

// NewServer creates a new HTTP server. hub and m may be nil.
func NewServer(cfg *config.Config, engine *timeline.Engine, svc *social.Service, hub *live.Hub, m *metrics.Collector, logger *slog.Logger) *Server {
	s := &Server{
		cfg:     cfg,
		engine:  engine,
		social:  svc,
		hub:     hub,
		metrics: m,
		logger:  logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.withLogging)

	r.Get("/health", s.handleHealth)
	if m != nil {
		r.Method(http.MethodGet, "/metrics", m.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		r.Get("/live", s.handleLive)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
			s.routeAPI(r)
		})
	})
	s.router = r

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

func (s *Server) routeAPI(r chi.Router) {
	r.Get("/timeline/home", s.handleHomeTimeline)

	r.Post("/users", s.handleCreateUser)
	r.Patch("/users/me", s.handleUpdateProfile)
	r.Route("/users/{username}", func(r chi.Router) {
		r.Get("/", s.handleProfile)
		r.Get("/posts", s.handleUserTimeline)
		r.Get("/likes", s.handleLikesTimeline)
		r.Put("/follow", s.handleFollow)
		r.Delete("/follow", s.handleUnfollow)
	})

	r.Post("/posts", s.handleCreatePost)
	r.Delete("/posts/{pid}", s.handleDeletePost)
	r.Route("/posts/{uid}/{pid}", func(r chi.Router) {
		r.Get("/", s.handleThread)
		r.Put("/like", s.handleLike)
		r.Delete("/like", s.handleUnlike)
		r.Put("/repost", s.handleRepost)
		r.Delete("/repost", s.handleUnrepost)
	})
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.hub != nil {
		s.hub.Close()
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleLive(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	if s.hub == nil {
		writeError(w, http.StatusNotFound, "NotFound", "live updates are disabled")
		return
	}
	s.hub.Serve(w, r, viewer)
}

func (s *Server) handleHomeTimeline(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	before, limit, ok := s.cursor(w, r)
	if !ok {
		return
	}
	page, err := s.engine.HomeTimeline(r.Context(), viewer, before, limit)
	if err != nil {
		s.fail(w, r, "get home timeline", err)
		return
	}
	writePage(w, page)
}

func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	uid, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	viewer, ok := s.optionalViewer(w, r)
	if !ok {
		return
	}
	view, err := s.engine.GetProfileView(r.Context(), uid, viewer)
	if err != nil {
		s.fail(w, r, "get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUserTimeline(w http.ResponseWriter, r *http.Request) {
	s.userPage(w, r, "get user timeline", s.engine.UserTimeline)
}

func (s *Server) handleLikesTimeline(w http.ResponseWriter, r *http.Request) {
	s.userPage(w, r, "get likes", s.engine.LikesTimeline)
}

type userPageFunc func(ctx context.Context, uid, viewer, before int64, limit int) (domain.Page, error)

func (s *Server) userPage(w http.ResponseWriter, r *http.Request, op string, read userPageFunc) {
	uid, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	viewer, ok := s.optionalViewer(w, r)
	if !ok {
		return
	}
	before, limit, ok := s.cursor(w, r)
	if !ok {
		return
	}
	page, err := read(r.Context(), uid, viewer, before, limit)
	if err != nil {
		s.fail(w, r, op, err)
		return
	}
	writePage(w, page)
}

func (s *Server) handleThread(w http.ResponseWriter, r *http.Request) {
	ref, ok := s.postRef(w, r)
	if !ok {
		return
	}
	viewer, ok := s.optionalViewer(w, r)
	if !ok {
		return
	}
	before, limit, ok := s.cursor(w, r)
	if !ok {
		return
	}
	thread, err := s.engine.Thread(r.Context(), ref, viewer, before, limit)
	if err != nil {
		s.fail(w, r, "get thread", err)
		return
	}
	if thread.Comments == nil {
		thread.Comments = []domain.Post{}
	}
	writeJSON(w, http.StatusOK, thread)
}

func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var in social.NewUser
	if !s.readJSON(w, r, &in) {
		return
	}
	profile, err := s.social.CreateUser(r.Context(), in)
	if err != nil {
		s.fail(w, r, "create user", err)
		return
	}
	writeJSON(w, http.StatusCreated, profile)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	var in social.ProfileChange
	if !s.readJSON(w, r, &in) {
		return
	}
	if err := s.social.UpdateProfile(r.Context(), viewer, in); err != nil {
		s.fail(w, r, "update profile", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	var in social.NewPost
	if !s.readJSON(w, r, &in) {
		return
	}
	post, err := s.social.CreatePost(r.Context(), viewer, in)
	if err != nil {
		s.fail(w, r, "create post", err)
		return
	}
	writeJSON(w, http.StatusCreated, post)
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	pid, ok := s.idParam(w, r, "pid")
	if !ok {
		return
	}
	if err := s.social.DeletePost(r.Context(), viewer, pid); err != nil {
		s.fail(w, r, "delete post", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type engagementFunc func(ctx context.Context, uid int64, ref domain.PostRef) error

func (s *Server) engage(w http.ResponseWriter, r *http.Request, op string, apply engagementFunc) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	ref, ok := s.postRef(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), viewer, ref); err != nil {
		s.fail(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleLike(w http.ResponseWriter, r *http.Request) {
	s.engage(w, r, "like", s.social.Like)
}

func (s *Server) handleUnlike(w http.ResponseWriter, r *http.Request) {
	s.engage(w, r, "unlike", s.social.Unlike)
}

func (s *Server) handleRepost(w http.ResponseWriter, r *http.Request) {
	s.engage(w, r, "repost", s.social.Repost)
}

func (s *Server) handleUnrepost(w http.ResponseWriter, r *http.Request) {
	s.engage(w, r, "unrepost", s.social.Unrepost)
}

func (s *Server) handleFollow(w http.ResponseWriter, r *http.Request) {
	s.relate(w, r, "follow", s.social.Follow)
}

func (s *Server) handleUnfollow(w http.ResponseWriter, r *http.Request) {
	s.relate(w, r, "unfollow", s.social.Unfollow)
}

func (s *Server) relate(w http.ResponseWriter, r *http.Request, op string, apply func(ctx context.Context, follower, followee int64) error) {
	viewer, ok := s.requireViewer(w, r)
	if !ok {
		return
	}
	followee, ok := s.resolveUser(w, r)
	if !ok {
		return
	}
	if err := apply(r.Context(), viewer, followee); err != nil {
		s.fail(w, r, op, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resolveUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	username := chi.URLParam(r, "username")
	uid, err := s.engine.ResolveUsername(r.Context(), username)
	if err != nil {
		s.fail(w, r, "resolve username", err)
		return 0, false
	}
	return uid, true
}

func (s *Server) postRef(w http.ResponseWriter, r *http.Request) (domain.PostRef, bool) {
	uid, ok := s.idParam(w, r, "uid")
	if !ok {
		return domain.PostRef{}, false
	}
	pid, ok := s.idParam(w, r, "pid")
	if !ok {
		return domain.PostRef{}, false
	}
	return domain.PostRef{PostID: pid, AuthorID: uid}, true
}

func (s *Server) idParam(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	raw := chi.URLParam(r, name)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id < 1 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("%s must be a positive integer", name))
		return 0, false
	}
	return id, true
}

func (s *Server) optionalViewer(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.Header.Get(ViewerHeader)
	if raw == "" {
		return 0, true
	}
	uid, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || uid < 1 {
		writeError(w, http.StatusBadRequest, "InvalidRequest", ViewerHeader+" must be a positive integer")
		return 0, false
	}
	return uid, true
}

func (s *Server) requireViewer(w http.ResponseWriter, r *http.Request) (int64, bool) {
	uid, ok := s.optionalViewer(w, r)
	if !ok {
		return 0, false
	}
	if uid == 0 {
		writeError(w, http.StatusUnauthorized, "Unauthorized", ViewerHeader+" header is required")
		return 0, false
	}
	return uid, true
}

// cursor parses the before and limit query parameters.
func (s *Server) cursor(w http.ResponseWriter, r *http.Request) (int64, int, bool) {
	var before int64
	if b := r.URL.Query().Get("before"); b != "" {
		parsed, err := strconv.ParseInt(b, 10, 64)
		if err != nil || parsed < 0 {
			s.logger.Warn("invalid before parameter", "before", b, "error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", "before must be a unix millisecond timestamp")
			return 0, 0, false
		}
		before = parsed
	}

	limit := s.cfg.PageLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		parsed, err := strconv.Atoi(l)
		if err != nil || parsed < 1 || parsed > timeline.MaxPageLimit {
			s.logger.Warn("invalid limit parameter", "limit", l, "error", err)
			writeError(w, http.StatusBadRequest, "InvalidRequest", fmt.Sprintf("limit must be between 1 and %d", timeline.MaxPageLimit))
			return 0, 0, false
		}
		limit = parsed
	}
	return before, limit, true
}

func (s *Server) readJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "InvalidRequest", "malformed request body: "+err.Error())
		return false
	}
	return true
}

// fail maps err onto a status code and writes it.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, errType := classify(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			"op", op,
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, status, errType, op+" failed")
		return
	}
	writeError(w, status, errType, err.Error())
}

func classify(err error) (int, string) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, "NotFound"
	case errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest, "InvalidRequest"
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, "Conflict"
	case errors.Is(err, domain.ErrStaleReference):
		return http.StatusConflict, "StaleReference"
	case errors.Is(err, domain.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "Unavailable"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "Timeout"
	default:
		return http.StatusInternalServerError, "InternalError"
	}
}

func writePage(w http.ResponseWriter, page domain.Page) {
	if page.Posts == nil {
		page.Posts = []domain.Post{}
	}
	writeJSON(w, http.StatusOK, page)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

// withLogging logs every request and records it under its route pattern.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(wrapped, r)

		status := wrapped.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		elapsed := time.Since(start)
		s.metrics.ObserveHTTP(r.Method, route, status, elapsed)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", status,
			"duration", elapsed,
		)
	})
}
