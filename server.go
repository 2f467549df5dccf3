package kernelq

import (
	"context"
	"errors"
	"sync"
	"time"

	"pkt.systems/kernelq/core"
	"pkt.systems/kernelq/httpapi"
	"pkt.systems/kernelq/internal/eventbus"
	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

// StopTimeout bounds session shutdown when the server stops on its own.
const StopTimeout = 10 * time.Second

// Server composes the session service and its HTTP API.
type Server interface {
	Start(ctx context.Context) error
	Wait() error
	Stop(ctx context.Context) error
}

// ServerConfig configures the compositor.
type ServerConfig struct {
	Service    schema.ServiceConfig
	HTTP       httpapi.Config
	HubHistory int
}

// ServerDeps captures dependencies required to build the server.
type ServerDeps struct {
	ServiceDeps core.ServiceDeps
	// Transcripts serves saved transcripts over HTTP. Optional.
	Transcripts httpapi.TranscriptReader
}

// New constructs a kernelq server.
func New(cfg ServerConfig, deps ServerDeps) (Server, error) {
	if deps.ServiceDeps.Backends == nil {
		return nil, errors.New("kernel backend dependency is required")
	}
	normalized, err := schema.NormalizeServiceConfig(cfg.Service)
	if err != nil {
		return nil, err
	}
	cfg.Service = normalized

	serviceDeps := deps.ServiceDeps
	hub := httpapi.NewHub(cfg.HubHistory)
	bus := eventbus.New(serviceDeps.Logger)
	sinks := []core.EventSink{hub, bus}
	if serviceDeps.EventSink != nil {
		sinks = append([]core.EventSink{serviceDeps.EventSink}, sinks...)
	}
	serviceDeps.EventSink = eventFanout{sinks: sinks}

	service, err := core.NewService(cfg.Service, serviceDeps)
	if err != nil {
		return nil, err
	}
	return &compositeServer{
		cfg:     cfg,
		service: service,
		httpSrv: httpapi.NewServer(cfg.HTTP, service, hub, bus, deps.Transcripts),
	}, nil
}

type compositeServer struct {
	cfg     ServerConfig
	service core.Service
	httpSrv *httpapi.Server
	logger  pslog.Logger

	mu      sync.Mutex
	ctx     context.Context
	cancel  context.CancelFunc
	errCh   chan error
	started bool

	stopOnce sync.Once
	stopErr  error
}

func (s *compositeServer) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		pslog.Ctx(ctx).Warn("server start rejected", "reason", "already started")
		return errors.New("server already started")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.errCh = make(chan error, 1)
	s.started = true
	s.logger = pslog.Ctx(s.ctx)
	s.mu.Unlock()

	log := s.logger
	log.Info(
		"server start",
		"http_addr", s.cfg.HTTP.Addr,
		"http_base_path", s.cfg.HTTP.BasePath,
		"default_kernel", s.cfg.Service.DefaultVariant,
	)
	if s.httpSrv != nil {
		s.httpSrv.SetBaseContext(s.ctx)
		go func() {
			if err := httpapi.ListenAndServe(s.ctx, s.cfg.HTTP.Addr, s.httpSrv.Handler()); err != nil {
				log.Error("http server failed", "err", err)
				s.errCh <- err
			}
		}()
	}
	return nil
}

// Wait blocks until the server stops. Cancellation of the start context
// stops the server, and Wait only returns once every session is shut down.
func (s *compositeServer) Wait() error {
	s.mu.Lock()
	ctx := s.ctx
	errCh := s.errCh
	started := s.started
	s.mu.Unlock()
	if !started {
		return errors.New("server not started")
	}

	select {
	case <-ctx.Done():
		stopCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
		defer cancel()
		return s.Stop(stopCtx)
	case err := <-errCh:
		if err != nil {
			pslog.Ctx(ctx).Error("server stopped", "err", err)
			stopCtx, cancel := context.WithTimeout(context.Background(), StopTimeout)
			defer cancel()
			_ = s.Stop(stopCtx)
			return err
		}
		return nil
	}
}

// Stop shuts every session down before cancelling the listeners. Concurrent
// and repeated calls wait for the first one to finish.
func (s *compositeServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	if !started {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.stopOnce.Do(func() {
		s.stopErr = s.stop(ctx)
	})
	return s.stopErr
}

func (s *compositeServer) stop(ctx context.Context) error {
	s.mu.Lock()
	cancel := s.cancel
	log := s.logger
	s.mu.Unlock()
	if log == nil {
		log = pslog.Ctx(context.Background())
	}
	log.Info("server stop requested")
	var err error
	if s.service != nil {
		if err = s.service.ShutdownAll(ctx); err != nil {
			log.Warn("server session shutdown failed", "err", err)
		} else {
			log.Info("server session shutdown ok")
		}
	}
	if cancel != nil {
		cancel()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		log.Warn("server stop timed out", "err", ctxErr)
		return ctxErr
	}
	log.Info("server stopped")
	return err
}
