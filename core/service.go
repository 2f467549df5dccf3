package core

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

// service implements the session registry.
type service struct {
	cfg         schema.ServiceConfig
	backends    BackendProvider
	images      ImageStore
	transcripts TranscriptStore
	sink        EventSink
	logger      pslog.Logger
	now         func() time.Time

	mu       sync.Mutex
	sessions map[schema.SessionName]*session
}

// NewService constructs the core service implementation.
func NewService(cfg schema.ServiceConfig, deps ServiceDeps) (Service, error) {
	normalized, err := schema.NormalizeServiceConfig(cfg)
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	now := deps.Now
	if now == nil {
		now = time.Now
	}
	return &service{
		cfg:         normalized,
		backends:    deps.Backends,
		images:      deps.Images,
		transcripts: deps.Transcripts,
		sink:        deps.EventSink,
		logger:      logger,
		now:         now,
		sessions:    make(map[schema.SessionName]*session),
	}, nil
}

func (s *service) Start(ctx context.Context, req schema.StartSessionRequest) (schema.StartSessionResponse, error) {
	if ctx == nil {
		return schema.StartSessionResponse{}, errors.New("missing context")
	}
	if err := schema.ValidateSessionName(req.Name); err != nil {
		return schema.StartSessionResponse{}, err
	}
	log := logx.WithSession(ctx, req.Name)
	if s.backends == nil {
		return schema.StartSessionResponse{}, schema.ErrBackendUnavailable
	}

	s.mu.Lock()
	if existing, ok := s.sessions[req.Name]; ok {
		s.mu.Unlock()
		log.Debug("service session start skipped", "reason", "exists")
		return schema.StartSessionResponse{Session: existing.snapshot()}, nil
	}
	params := s.sessionParams(req)
	sess := newSession(params, s.images, s.sink, s.logger)
	sess.status = schema.SessionStarting
	s.sessions[req.Name] = sess
	s.mu.Unlock()

	log.Info("service session start", "kernel", params.variant, "cwd", params.workingDir)
	backend, err := s.backends.Launch(ctx, LaunchRequest{
		Session:    req.Name,
		WorkingDir: params.workingDir,
		Variant:    params.variant,
	})
	if err != nil {
		s.mu.Lock()
		if s.sessions[req.Name] == sess {
			delete(s.sessions, req.Name)
		}
		s.mu.Unlock()
		sess.abort()
		log.Warn("service session start failed", "err", err)
		return schema.StartSessionResponse{}, err
	}
	if !sess.attach(backend) {
		log.Warn("service session start aborted", "reason", "shut down during launch")
		if err := backend.Shutdown(context.WithoutCancel(ctx)); err != nil {
			log.Warn("service kernel shutdown failed", "err", err)
		}
		return schema.StartSessionResponse{}, schema.ErrSessionClosed
	}
	log.Info("service session started")
	return schema.StartSessionResponse{Session: sess.snapshot(), Created: true}, nil
}

func (s *service) sessionParams(req schema.StartSessionRequest) sessionParams {
	variant := req.Variant
	if strings.TrimSpace(string(variant)) == "" {
		variant = s.cfg.DefaultVariant
	}
	running := req.RunningLabel
	if running == "" {
		running = s.cfg.RunningLabel
	}
	queued := req.QueuedLabel
	if queued == "" {
		queued = s.cfg.QueuedLabel
	}
	return sessionParams{
		name:       req.Name,
		workingDir: req.WorkingDir,
		variant:    variant,
		labels:     bufferLabels{running: running, queued: queued, minElapsed: s.cfg.MinElapsed},
		tick:       s.cfg.TickInterval,
		now:        s.now,
	}
}

func (s *service) lookup(name schema.SessionName) (*session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[name]
	if !ok {
		return nil, schema.ErrSessionNotRunning
	}
	return sess, nil
}

func (s *service) Submit(ctx context.Context, req schema.SubmitRequest) (schema.SubmitResponse, error) {
	sess, err := s.lookup(req.Name)
	if err != nil {
		logx.WithSession(ctx, req.Name).Warn("service submit rejected", "err", err)
		return schema.SubmitResponse{}, err
	}
	slot, err := sess.submit(strings.Join(req.Fragments, ""))
	if err != nil {
		return schema.SubmitResponse{}, err
	}
	return schema.SubmitResponse{Slot: slot}, nil
}

func (s *service) ReadAll(ctx context.Context, req schema.ReadAllRequest) (schema.ReadAllResponse, error) {
	records, err := s.Records(ctx, req.Name)
	if err != nil {
		return schema.ReadAllResponse{}, err
	}
	resp := schema.ReadAllResponse{
		Inputs:  make([]string, len(records)),
		Outputs: make([]string, len(records)),
		Elapsed: make([]time.Duration, len(records)),
	}
	for i, rec := range records {
		resp.Inputs[i] = rec.Input
		resp.Outputs[i] = rec.Output
		resp.Elapsed[i] = rec.Elapsed
	}
	return resp, nil
}

func (s *service) Records(_ context.Context, name schema.SessionName) ([]schema.RecordSnapshot, error) {
	sess, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	return sess.buffer.Snapshot(), nil
}

func (s *service) OutputCount(_ context.Context, req schema.OutputCountRequest) (schema.OutputCountResponse, error) {
	sess, err := s.lookup(req.Name)
	if err != nil {
		return schema.OutputCountResponse{}, err
	}
	return schema.OutputCountResponse{Count: sess.buffer.Len()}, nil
}

func (s *service) Interrupt(ctx context.Context, req schema.InterruptRequest) (schema.InterruptResponse, error) {
	sess, err := s.lookup(req.Name)
	if err != nil {
		return schema.InterruptResponse{}, err
	}
	log := logx.WithSession(ctx, req.Name)
	interrupted, err := sess.interrupt(ctx)
	if err != nil {
		log.Warn("service interrupt failed", "err", err)
		return schema.InterruptResponse{}, err
	}
	log.Info("service interrupt", "interrupted", interrupted)
	return schema.InterruptResponse{Interrupted: interrupted}, nil
}

func (s *service) Restart(ctx context.Context, req schema.RestartRequest) (schema.RestartResponse, error) {
	sess, err := s.lookup(req.Name)
	if err != nil {
		return schema.RestartResponse{}, err
	}
	if err := sess.restart(ctx); err != nil {
		return schema.RestartResponse{}, err
	}
	return schema.RestartResponse{Session: sess.snapshot()}, nil
}

func (s *service) Shutdown(ctx context.Context, req schema.ShutdownRequest) (schema.ShutdownResponse, error) {
	s.mu.Lock()
	sess, ok := s.sessions[req.Name]
	if ok {
		delete(s.sessions, req.Name)
	}
	s.mu.Unlock()
	log := logx.WithSession(ctx, req.Name)
	if !ok {
		log.Warn("service shutdown skipped", "err", schema.ErrSessionNotRunning)
		return schema.ShutdownResponse{}, schema.ErrSessionNotRunning
	}
	err := s.teardown(ctx, sess)
	log.Info("service session shut down")
	return schema.ShutdownResponse{Session: sess.snapshot()}, err
}

func (s *service) teardown(ctx context.Context, sess *session) error {
	err := sess.shutdown(ctx)
	if s.cfg.SaveTranscripts && s.transcripts != nil {
		if saveErr := s.transcripts.SaveTranscript(sess.snapshot(), sess.buffer.Snapshot()); saveErr != nil {
			s.logger.Warn("service transcript save failed", "session", sess.name, "err", saveErr)
		}
	}
	return err
}

func (s *service) Status(_ context.Context, req schema.StatusRequest) (schema.StatusResponse, error) {
	sess, err := s.lookup(req.Name)
	if err != nil {
		return schema.StatusResponse{}, err
	}
	snap := sess.snapshot()
	return schema.StatusResponse{Status: snap.Status, Session: snap}, nil
}

func (s *service) List(_ context.Context) (schema.ListSessionsResponse, error) {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	out := make([]schema.SessionSnapshot, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return schema.ListSessionsResponse{Sessions: out}, nil
}

// ShutdownAll tears down every session in parallel.
func (s *service) ShutdownAll(ctx context.Context) error {
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for name, sess := range s.sessions {
		sessions = append(sessions, sess)
		delete(s.sessions, name)
	}
	s.mu.Unlock()
	if len(sessions) == 0 {
		return nil
	}
	s.logger.Info("service shutdown all", "sessions", len(sessions))
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, sess := range sessions {
		wg.Add(1)
		go func(sess *session) {
			defer wg.Done()
			if err := s.teardown(ctx, sess); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("session %s: %w", sess.name, err))
				mu.Unlock()
			}
		}(sess)
	}
	wg.Wait()
	return errors.Join(errs...)
}
