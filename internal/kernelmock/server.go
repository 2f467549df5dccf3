// Package kernelmock serves a small imitation of the Jupyter Server kernels
// API. Kernels understand a line language instead of a real programming
// language:
//
//	print TEXT       writes TEXT to stdout
//	eprint TEXT      writes TEXT to stderr
//	sleep SECONDS    blocks, interruptible
//	raise NAME: MSG  raises an error and stops the cell
//	image            displays a 1x1 PNG
//	NAME = VALUE     assigns a variable
//	EXPR             returns EXPR (or the variable it names) as the result
package kernelmock

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"pkt.systems/kernelq/internal/jupyter"
	"pkt.systems/pslog"
)

// DefaultSpecs are the kernel spec names the mock accepts by default.
var DefaultSpecs = []string{"python3"}

// Options configures the mock server.
type Options struct {
	// Token, when set, is required in the Authorization header or the token
	// query parameter.
	Token  string
	Specs  []string
	Logger pslog.Logger
}

// Server is an in-process Jupyter Server imitation.
type Server struct {
	token  string
	specs  []string
	logger pslog.Logger

	mu      sync.Mutex
	kernels map[string]*kernel
}

// New constructs a mock server.
func New(opts Options) *Server {
	specs := opts.Specs
	if len(specs) == 0 {
		specs = DefaultSpecs
	}
	logger := opts.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	return &Server{
		token:   opts.Token,
		specs:   specs,
		logger:  logger,
		kernels: make(map[string]*kernel),
	}
}

// Handler returns the HTTP handler serving the kernels API.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Get("/api/kernels", s.handleList)
	r.Post("/api/kernels", s.handleStart)
	r.Route("/api/kernels/{id}", func(r chi.Router) {
		r.Get("/", s.handleGet)
		r.Delete("/", s.handleShutdown)
		r.Post("/interrupt", s.handleInterrupt)
		r.Post("/restart", s.handleRestart)
		r.Get("/channels", s.handleChannels)
	})
	return r
}

// ListenAndServe serves the mock until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve serves the mock on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ln)
	}()
	s.logger.Info("kernel mock listening", "addr", ln.Addr().String())
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.closeAll()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Kernels reports the number of running kernels.
func (s *Server) Kernels() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.kernels)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.token == "" {
			next.ServeHTTP(w, r)
			return
		}
		got := strings.TrimPrefix(r.Header.Get("Authorization"), "token ")
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if got != s.token {
			writeJSON(w, http.StatusForbidden, map[string]string{"message": "Forbidden"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleList(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	out := make([]jupyter.KernelModel, 0, len(s.kernels))
	for _, k := range s.kernels {
		out = append(out, k.model())
	}
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
		Path string `json:"path"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "invalid body"})
		return
	}
	if body.Name == "" {
		body.Name = s.specs[0]
	}
	if !slices.Contains(s.specs, body.Name) {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "No such kernel named " + body.Name})
		return
	}
	k := newKernel(uuid.NewString(), body.Name, s.logger)
	s.mu.Lock()
	s.kernels[k.id] = k
	s.mu.Unlock()
	s.logger.Info("kernel mock started", "kernel_id", k.id, "kernel", body.Name, "path", body.Path)
	writeJSON(w, http.StatusCreated, k.model())
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*kernel, bool) {
	id := chi.URLParam(r, "id")
	s.mu.Lock()
	k, ok := s.kernels[id]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Kernel does not exist: " + id})
	}
	return k, ok
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	k, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, k.model())
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	k, ok := s.lookup(w, r)
	if !ok {
		return
	}
	s.mu.Lock()
	delete(s.kernels, k.id)
	s.mu.Unlock()
	k.shutdown()
	s.logger.Info("kernel mock shut down", "kernel_id", k.id)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	k, ok := s.lookup(w, r)
	if !ok {
		return
	}
	k.interrupt()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	k, ok := s.lookup(w, r)
	if !ok {
		return
	}
	k.restart()
	writeJSON(w, http.StatusOK, k.model())
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	k, ok := s.lookup(w, r)
	if !ok {
		return
	}
	k.serveChannels(w, r, r.URL.Query().Get("session_id"))
}

// Close shuts down every kernel and disconnects its clients.
func (s *Server) Close() {
	s.closeAll()
}

func (s *Server) closeAll() {
	s.mu.Lock()
	kernels := make([]*kernel, 0, len(s.kernels))
	for id, k := range s.kernels {
		kernels = append(kernels, k)
		delete(s.kernels, id)
	}
	s.mu.Unlock()
	for _, k := range kernels {
		k.shutdown()
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
