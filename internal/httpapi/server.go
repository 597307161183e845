// Package httpapi exposes the admin dispatcher, the status dump and the
// doctor over HTTP.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/jvs-project/replvol/internal/admin"
	"github.com/jvs-project/replvol/internal/doctor"
	"github.com/jvs-project/replvol/internal/registry"
	"github.com/jvs-project/replvol/pkg/logging"
	"github.com/jvs-project/replvol/pkg/metrics"
)

// Routes.
const (
	RequestsPath = "/v1/requests"
	StatusPath   = "/v1/status"
	MinorPath    = "/v1/status/{minor:[0-9]+}"
	DoctorPath   = "/v1/doctor"
	OpcodesPath  = "/v1/opcodes"
	MetricsPath  = "/metrics"
	HealthPath   = "/healthz"
)

// DefaultPageSize is used when a status request gives no limit.
const DefaultPageSize = 100

// StatusPage is one page of the status dump.
type StatusPage struct {
	Entries []admin.Status  `json:"entries"`
	Next    registry.Cursor `json:"next"`
	Done    bool            `json:"done"`
}

// Options configure a Server.
type Options struct {
	Dispatcher *admin.Dispatcher
	Metrics    *metrics.Registry
	// MaxBodyBytes bounds request bodies; 0 selects 1 MiB.
	MaxBodyBytes int64
	Log          *logging.Logger
}

// Server routes HTTP requests to the dispatcher.
type Server struct {
	router  *mux.Router
	d       *admin.Dispatcher
	doc     *doctor.Doctor
	met     *metrics.Registry
	maxBody int64
	log     *logging.Logger
}

// New creates a server with all routes registered.
func New(opts Options) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 1 << 20
	}
	log := opts.Log
	if log == nil {
		log = logging.Global()
	}
	s := &Server{
		router:  mux.NewRouter(),
		d:       opts.Dispatcher,
		doc:     doctor.NewDoctor(opts.Dispatcher),
		met:     opts.Metrics,
		maxBody: opts.MaxBodyBytes,
		log:     log.WithFields(map[string]any{"component": "http"}),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP bounds the request body and dispatches to the router.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}
	s.router.ServeHTTP(w, r)
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc(RequestsPath, s.handleRequest).Methods(http.MethodPost)
	s.router.HandleFunc(StatusPath, s.handleStatus).Methods(http.MethodGet)
	s.router.HandleFunc(MinorPath, s.handleMinorStatus).Methods(http.MethodGet)
	s.router.HandleFunc(DoctorPath, s.handleDoctor).Methods(http.MethodGet)
	s.router.HandleFunc(OpcodesPath, s.handleOpcodes).Methods(http.MethodGet)
	s.router.HandleFunc(HealthPath, s.handleHealth).Methods(http.MethodGet)
	if s.met != nil {
		s.router.Handle(MetricsPath, s.met.Handler()).Methods(http.MethodGet)
	}
}

func (s *Server) reply(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.ErrorErr("encode response", err)
	}
}

func (s *Server) errorf(w http.ResponseWriter, r *http.Request, code int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	s.log.Warn("http error", map[string]any{"remote_addr": r.RemoteAddr, "path": r.URL.Path, "code": code, "error": msg})
	s.reply(w, code, map[string]string{"error": msg})
}

func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	req := admin.NewRequest("")
	if err := json.NewDecoder(r.Body).Decode(req); err != nil {
		s.errorf(w, r, http.StatusBadRequest, "decode request: %v", err)
		return
	}
	if req.Op == "" {
		s.errorf(w, r, http.StatusBadRequest, "op is required")
		return
	}
	s.reply(w, http.StatusOK, s.d.Do(r.Context(), req))
}

func intParam(r *http.Request, name string, def int) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q", name, v)
	}
	return n, nil
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(r, "limit", DefaultPageSize)
	if err != nil {
		s.errorf(w, r, http.StatusBadRequest, "%v", err)
		return
	}
	vol, err := intParam(r, "cursor_volume", 0)
	if err != nil {
		s.errorf(w, r, http.StatusBadRequest, "%v", err)
		return
	}
	cur := registry.Cursor{Conn: q.Get("cursor_conn"), Volume: vol}

	entries, next, done, err := s.d.StatusAll(cur, limit, q.Get("conn"))
	if err != nil {
		s.errorf(w, r, http.StatusNotFound, "%v", err)
		return
	}
	s.reply(w, http.StatusOK, StatusPage{Entries: entries, Next: next, Done: done})
}

func (s *Server) handleMinorStatus(w http.ResponseWriter, r *http.Request) {
	minor, err := strconv.Atoi(mux.Vars(r)["minor"])
	if err != nil {
		s.errorf(w, r, http.StatusBadRequest, "invalid minor")
		return
	}
	req := admin.NewRequest(admin.OpGetStatus)
	req.Minor = minor
	reply := s.d.Do(r.Context(), req)
	code := http.StatusOK
	if !reply.OK() {
		code = http.StatusNotFound
	}
	s.reply(w, code, reply)
}

func (s *Server) handleDoctor(w http.ResponseWriter, r *http.Request) {
	strict, _ := strconv.ParseBool(r.URL.Query().Get("strict"))
	res, err := s.doc.Check(r.URL.Query().Get("conn"), strict)
	if err != nil {
		s.errorf(w, r, http.StatusNotFound, "%v", err)
		return
	}
	s.reply(w, http.StatusOK, res)
}

func (s *Server) handleOpcodes(w http.ResponseWriter, _ *http.Request) {
	ops := admin.Opcodes()
	sort.Slice(ops, func(i, j int) bool { return ops[i] < ops[j] })
	s.reply(w, http.StatusOK, ops)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintln(w, "ok")
}
