package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"

	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/kernelq/schema"
)

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	resp, err := s.service.List(r.Context())
	if err != nil {
		writeServiceError(w, "", err)
		return
	}
	if resp.Sessions == nil {
		resp.Sessions = []schema.SessionSnapshot{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	log := logx.WithSession(r.Context(), name)
	var req schema.StartSessionRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		log.Warn("http start decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	req.Name = name
	resp, err := s.service.Start(r.Context(), req)
	if err != nil {
		log.Warn("http start failed", "err", err)
		writeServiceError(w, name, err)
		return
	}
	status := http.StatusOK
	if resp.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	fragments, err := readFragments(r)
	if err != nil {
		logx.WithSession(r.Context(), name).Warn("http submit decode failed", "err", err)
		writeError(w, http.StatusBadRequest, err)
		return
	}
	resp, err := s.service.Submit(r.Context(), schema.SubmitRequest{Name: name, Fragments: fragments})
	if err != nil {
		writeServiceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// readFragments accepts a JSON body whose code field is a string or a list
// of strings, or a text/plain body taken as a single fragment.
func readFragments(r *http.Request) ([]string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "text/plain" {
		data, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			return nil, err
		}
		return []string{string(data)}, nil
	}
	var payload struct {
		Code json.RawMessage `json:"code"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		return nil, err
	}
	if len(payload.Code) == 0 {
		return nil, fmt.Errorf("%w: code is required", schema.ErrInvalidRequest)
	}
	var single string
	if err := json.Unmarshal(payload.Code, &single); err == nil {
		return []string{single}, nil
	}
	var fragments []string
	if err := json.Unmarshal(payload.Code, &fragments); err != nil {
		return nil, fmt.Errorf("%w: code must be a string or a list of strings", schema.ErrInvalidRequest)
	}
	return fragments, nil
}

func (s *Server) handleOutputs(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	resp, err := s.service.ReadAll(r.Context(), schema.ReadAllRequest{Name: name})
	if err != nil {
		writeServiceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	records, err := s.service.Records(r.Context(), name)
	if err != nil {
		writeServiceError(w, name, err)
		return
	}
	if records == nil {
		records = []schema.RecordSnapshot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) handleCount(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	resp, err := s.service.OutputCount(r.Context(), schema.OutputCountRequest{Name: name})
	if err != nil {
		writeServiceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	resp, err := s.service.Interrupt(r.Context(), schema.InterruptRequest{Name: name})
	if err != nil {
		writeServiceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRestart(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	resp, err := s.service.Restart(r.Context(), schema.RestartRequest{Name: name})
	if err != nil {
		logx.WithSession(r.Context(), name).Warn("http restart failed", "err", err)
		writeServiceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	resp, err := s.service.Shutdown(r.Context(), schema.ShutdownRequest{Name: name})
	if err != nil && resp.Session.Name == "" {
		writeServiceError(w, name, err)
		return
	}
	if err != nil {
		logx.WithSession(r.Context(), name).Warn("http shutdown incomplete", "err", err)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	name := sessionName(r)
	resp, err := s.service.Status(r.Context(), schema.StatusRequest{Name: name})
	if err != nil {
		writeServiceError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
