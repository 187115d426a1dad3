// Package server exposes the dispatcher and registry over HTTP.
//
// Routes:
//
//	POST /api/v1/query   batch of {endpoint, payload} items
//	POST /api/v1/auth    one issue-mode item; sets the token cookie
//	POST /api/v1/logout  clears the token cookie
//	GET  /api/v1/status  registry version, endpoints and diagnostics
//	GET  /healthz        liveness
//
// A malformed envelope is rejected whole with an Error body. Item failures
// are reported in the results and never change the status code.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/schema"

	"github.com/roach88/sqlpoint/internal/auth"
	"github.com/roach88/sqlpoint/internal/compiler"
	"github.com/roach88/sqlpoint/internal/dispatch"
	"github.com/roach88/sqlpoint/internal/ir"
	"github.com/roach88/sqlpoint/internal/registry"
)

var (
	validate      = validator.New()
	schemaDecoder = schema.NewDecoder()
)

func init() {
	schemaDecoder.IgnoreUnknownKeys(true)
}

// Dispatcher runs batch and issue requests.
type Dispatcher interface {
	Dispatch(ctx context.Context, token string, items []dispatch.Item) []dispatch.Result
	Issue(ctx context.Context, it dispatch.Item) dispatch.Result
}

// Registry exposes the published snapshot and diagnostics.
type Registry interface {
	Snapshot() *registry.Snapshot
	Status() *registry.Status
}

// Cookie describes the token cookie.
type Cookie struct {
	Name     string
	Domain   string
	Path     string
	Secure   bool
	HTTPOnly bool
	SameSite http.SameSite
}

// Options configures a Server.
type Options struct {
	MaxBatch       int
	MaxBodyBytes   int64
	AllowedOrigins []string
	Cookie         Cookie
	Logger         *slog.Logger
}

// Server is the HTTP front end.
type Server struct {
	disp   Dispatcher
	reg    Registry
	opts   Options
	logger *slog.Logger
	router chi.Router
}

// New builds a Server and its routes.
func New(disp Dispatcher, reg Registry, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.MaxBatch <= 0 {
		opts.MaxBatch = 64
	}
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	if opts.Cookie.Name == "" {
		opts.Cookie.Name = auth.DefaultCookieName
	}
	if opts.Cookie.Path == "" {
		opts.Cookie.Path = "/"
	}

	s := &Server{disp: disp, reg: reg, opts: opts, logger: opts.Logger}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(logRequests(s.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors(s.opts.AllowedOrigins))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, Errorf(CodeNotFound, "no route for %s", r.URL.Path), s.logger)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, Errorf(CodeMethodNotAllowed, "%s not allowed on %s", r.Method, r.URL.Path), s.logger)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok")
	})

	r.Route("/api/v1", func(api chi.Router) {
		api.With(limitBody(s.opts.MaxBodyBytes)).Post("/query", s.handleQuery)
		api.With(limitBody(s.opts.MaxBodyBytes)).Post("/auth", s.handleAuth)
		api.Post("/logout", s.handleLogout)
		api.Get("/status", s.handleStatus)
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var items []dispatch.Item
	if err := decodeBody(r, &items); err != nil {
		writeError(w, toError(err), s.logger)
		return
	}
	if len(items) == 0 {
		writeError(w, NewError(CodeInvalidArgument, "batch is empty"), s.logger)
		return
	}
	if len(items) > s.opts.MaxBatch {
		writeError(w, Errorf(CodeInvalidArgument, "batch has %d items; the limit is %d", len(items), s.opts.MaxBatch).
			WithDetail("max_batch", s.opts.MaxBatch), s.logger)
		return
	}
	for i, it := range items {
		if err := validate.Struct(it); err != nil {
			writeError(w, toError(err).WithDetail("index", i), s.logger)
			return
		}
	}

	token := auth.TokenFromRequest(r, s.opts.Cookie.Name)
	results := s.disp.Dispatch(r.Context(), token, items)
	writeJSON(w, http.StatusOK, results, s.logger)
}

func (s *Server) handleAuth(w http.ResponseWriter, r *http.Request) {
	var it dispatch.Item
	if err := decodeBody(r, &it); err != nil {
		writeError(w, toError(err), s.logger)
		return
	}
	if err := validate.Struct(it); err != nil {
		writeError(w, toError(err), s.logger)
		return
	}

	res := s.disp.Issue(r.Context(), it)
	if token, ok := res.Token(); ok {
		http.SetCookie(w, s.tokenCookie(token, tokenExpiry(token)))
	}
	writeJSON(w, http.StatusOK, res, s.logger)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	c := s.tokenCookie("", time.Unix(0, 0))
	c.MaxAge = -1
	http.SetCookie(w, c)
	w.WriteHeader(http.StatusNoContent)
}

// StatusQuery filters GET /api/v1/status.
type StatusQuery struct {
	ErrorsOnly bool   `schema:"errors_only"`
	Endpoint   string `schema:"endpoint"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Version     int64                `json:"version"`
	Endpoints   []*ir.Endpoint       `json:"endpoints"`
	Diagnostics compiler.Diagnostics `json:"diagnostics"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var q StatusQuery
	if err := schemaDecoder.Decode(&q, r.URL.Query()); err != nil {
		writeError(w, Errorf(CodeInvalidArgument, "failed to decode query: %v", err), s.logger)
		return
	}

	snap := s.reg.Snapshot()
	st := s.reg.Status()

	resp := StatusResponse{
		Version:     snap.Version(),
		Endpoints:   snap.Endpoints(),
		Diagnostics: st.All(),
	}
	if q.Endpoint != "" {
		ep, ok := snap.Lookup(q.Endpoint)
		if !ok {
			writeError(w, Errorf(CodeNotFound, "unknown endpoint %q", q.Endpoint), s.logger)
			return
		}
		resp.Endpoints = []*ir.Endpoint{ep}
		resp.Diagnostics = st.Diagnostics[ep.File]
	}
	if q.ErrorsOnly {
		resp.Diagnostics = resp.Diagnostics.Errors()
	}
	if resp.Endpoints == nil {
		resp.Endpoints = []*ir.Endpoint{}
	}
	if resp.Diagnostics == nil {
		resp.Diagnostics = compiler.Diagnostics{}
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

func (s *Server) tokenCookie(value string, expires time.Time) *http.Cookie {
	c := s.opts.Cookie
	return &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Domain:   c.Domain,
		Path:     c.Path,
		Expires:  expires,
		Secure:   c.Secure,
		HttpOnly: c.HTTPOnly,
		SameSite: c.SameSite,
	}
}

// tokenExpiry reads the exp claim of a token this process just signed.
// The zero time yields a session cookie.
func tokenExpiry(token string) time.Time {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return time.Time{}
	}
	return claims.ExpiresAt.Time
}

// decodeBody decodes a single JSON value into v, keeping numbers as
// json.Number and rejecting unknown envelope fields and trailing data.
func decodeBody(r *http.Request, v any) error {
	if ct := r.Header.Get("Content-Type"); ct != "" {
		mt, _, err := mime.ParseMediaType(ct)
		if err != nil || mt != "application/json" {
			return Errorf(CodeUnsupportedMedia, "content type %q is not application/json", ct)
		}
	}
	if r.Body == nil {
		return NewError(CodeInvalidArgument, "request body is empty")
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return NewError(CodeInvalidArgument, "request body is empty")
		}
		return Errorf(CodeInvalidArgument, "malformed JSON: %v", err)
	}
	if dec.More() {
		return NewError(CodeInvalidArgument, "request body has trailing data")
	}
	return nil
}

// ParseSameSite maps a config value to http.SameSite.
func ParseSameSite(s string) (http.SameSite, error) {
	switch s {
	case "", "lax":
		return http.SameSiteLaxMode, nil
	case "strict":
		return http.SameSiteStrictMode, nil
	case "none":
		return http.SameSiteNoneMode, nil
	}
	return 0, fmt.Errorf("unknown same_site %q", s)
}
