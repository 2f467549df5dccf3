package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"pkt.systems/kernelq/core"
	"pkt.systems/kernelq/internal/eventbus"
	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/kernelq/internal/persist"
	"pkt.systems/kernelq/schema"
)

const (
	shutdownTimeout = 10 * time.Second
	maxBodyBytes    = 8 << 20
)

// TranscriptReader loads transcripts saved at session shutdown.
type TranscriptReader interface {
	LoadTranscript(name schema.SessionName) (persist.Transcript, error)
}

// Server serves the editor-facing HTTP API.
type Server struct {
	cfg         Config
	service     core.Service
	hub         *Hub
	bus         *eventbus.Bus
	transcripts TranscriptReader
	basePath    string
	baseCtx     context.Context
}

// NewServer constructs an HTTP server. hub, bus and transcripts may be nil;
// the routes that need them then answer 503.
func NewServer(cfg Config, service core.Service, hub *Hub, bus *eventbus.Bus, transcripts TranscriptReader) *Server {
	return &Server{
		cfg:         cfg,
		service:     service,
		hub:         hub,
		bus:         bus,
		transcripts: transcripts,
		basePath:    normalizeBasePath(cfg.BasePath),
		baseCtx:     context.Background(),
	}
}

// SetBaseContext sets the parent context of long-lived streams.
func (s *Server) SetBaseContext(ctx context.Context) {
	if s == nil || ctx == nil {
		return
	}
	s.baseCtx = ctx
}

// Handler returns an http.Handler for the server.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(withRequestLogging)
	r.Get("/api/sessions", s.handleList)
	r.Route("/api/sessions/{name}", func(r chi.Router) {
		r.Post("/start", s.handleStart)
		r.Post("/submit", s.handleSubmit)
		r.Get("/outputs", s.handleOutputs)
		r.Get("/records", s.handleRecords)
		r.Get("/count", s.handleCount)
		r.Post("/interrupt", s.handleInterrupt)
		r.Post("/restart", s.handleRestart)
		r.Post("/shutdown", s.handleShutdown)
		r.Get("/status", s.handleStatus)
		r.Get("/watch", s.handleWatch)
	})
	r.Get("/api/stream", s.handleStream)
	r.Get("/api/transcripts/{name}", s.handleTranscript)
	return mountBasePath(s.basePath, r)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	if s.hub == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("event stream disabled"))
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, errors.New("stream unsupported"))
		return
	}
	filter := schema.SessionName(strings.TrimSpace(r.URL.Query().Get("session")))
	log := logx.WithSession(r.Context(), filter)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	lastID := parseUint(r.Header.Get("Last-Event-ID"))
	if lastID == 0 {
		lastID = parseUint(r.URL.Query().Get("after"))
	}

	ch, unsubscribe, seq := s.hub.Subscribe()
	defer unsubscribe()

	list, err := s.service.List(r.Context())
	if err != nil {
		log.Warn("http stream snapshot failed", "err", err)
	}
	_ = writeSSEvent(w, StreamEvent{
		Type:      StreamSnapshot,
		Sessions:  list.Sessions,
		Timestamp: time.Now(),
	})
	replayCount := 0
	if lastID > 0 {
		for _, event := range s.hub.Replay(lastID, seq) {
			if filter != "" && event.Session != filter {
				continue
			}
			_ = writeSSEvent(w, event)
			replayCount++
		}
	}
	flusher.Flush()

	log.Info("http stream opened", "last_id", lastID, "replay", replayCount, "sessions", len(list.Sessions))
	done := s.baseCtx.Done()
	for {
		select {
		case <-r.Context().Done():
			log.Info("http stream closed")
			return
		case <-done:
			log.Info("http stream closed", "reason", "server stopping")
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			if filter != "" && event.Session != filter {
				continue
			}
			_ = writeSSEvent(w, event)
			flusher.Flush()
		}
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	if s.transcripts == nil {
		writeError(w, http.StatusServiceUnavailable, errors.New("transcripts disabled"))
		return
	}
	if err := schema.ValidateSessionName(name); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	transcript, err := s.transcripts.LoadTranscript(name)
	if err != nil {
		if errors.Is(err, schema.ErrTranscriptNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("no transcript for %q", name))
			return
		}
		logx.WithSession(r.Context(), name).Warn("http transcript load failed", "err", err)
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, transcript)
}

func sessionName(r *http.Request) schema.SessionName {
	return schema.SessionName(chi.URLParam(r, "name"))
}

func decodeJSON(body io.Reader, target any) error {
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: %v", schema.ErrInvalidRequest, err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	data, _ := json.Marshal(payload)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

// writeServiceError maps core and schema errors to HTTP responses.
func writeServiceError(w http.ResponseWriter, name schema.SessionName, err error) {
	var be *core.BackendError
	switch {
	case errors.Is(err, schema.ErrSessionNotRunning):
		writeJSON(w, http.StatusNotFound, map[string]any{"error": schema.NotRunningMessage(name)})
	case errors.Is(err, schema.ErrInvalidSession), errors.Is(err, schema.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err)
	case errors.Is(err, schema.ErrSessionClosed):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, schema.ErrBackendUnavailable):
		writeError(w, http.StatusServiceUnavailable, err)
	case errors.As(err, &be):
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": be.Error(), "kind": be.Kind})
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeSSEvent(w http.ResponseWriter, event StreamEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	if event.Seq > 0 {
		_, _ = fmt.Fprintf(w, "id: %d\n", event.Seq)
	}
	_, _ = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
	return nil
}

func parseUint(value string) uint64 {
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseUint(value, 10, 64)
	if err != nil {
		return 0
	}
	return parsed
}
