package jupyter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"pkt.systems/kernelq/core"
	"pkt.systems/kernelq/internal/logx"
	"pkt.systems/pslog"
)

// Config configures the Jupyter backend provider.
type Config struct {
	URL            string
	Token          string
	ConnectTimeout time.Duration
	EventBuffer    int
	HTTPClient     *http.Client
	Logger         pslog.Logger
}

// Provider launches kernels on a Jupyter Server.
type Provider struct {
	client         *Client
	connectTimeout time.Duration
	eventBuffer    int
	logger         pslog.Logger
}

// NewProvider constructs a provider for the configured server.
func NewProvider(cfg Config) (*Provider, error) {
	client, err := NewClient(cfg.URL, cfg.Token, cfg.HTTPClient)
	if err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = pslog.Ctx(context.Background())
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Provider{
		client:         client,
		connectTimeout: timeout,
		eventBuffer:    cfg.EventBuffer,
		logger:         logger,
	}, nil
}

// Launch starts a kernel and connects its channels.
func (p *Provider) Launch(ctx context.Context, req core.LaunchRequest) (core.Backend, error) {
	ctx, cancel := context.WithTimeout(ctx, p.connectTimeout)
	defer cancel()
	model, err := p.client.StartKernel(ctx, string(req.Variant), req.WorkingDir)
	if err != nil {
		return nil, err
	}
	log := logx.WithKernel(p.logger.With("session", req.Session), model.ID, req.Variant)
	ch, err := dialChannels(ctx, p.client, model.ID, p.eventBuffer, log)
	if err != nil {
		if shutdownErr := p.client.ShutdownKernel(context.WithoutCancel(ctx), model.ID); shutdownErr != nil {
			log.Warn("jupyter kernel cleanup failed", "err", shutdownErr)
		}
		return nil, err
	}
	log.Info("jupyter kernel started")
	return &Kernel{id: model.ID, client: p.client, channels: ch, logger: log}, nil
}

// Kernel is one running Jupyter kernel. It implements core.Backend.
type Kernel struct {
	id       string
	client   *Client
	channels *channels
	logger   pslog.Logger
}

// ID returns the server-side kernel id.
func (k *Kernel) ID() string {
	return k.id
}

// Execute sends an execute_request and returns its msg_id. Output arrives
// on Events tagged with that id.
func (k *Kernel) Execute(ctx context.Context, code string) (string, error) {
	return k.channels.Send(ctx, MsgExecuteRequest, ExecuteRequest{
		Code:            code,
		StoreHistory:    true,
		UserExpressions: map[string]any{},
		StopOnError:     true,
	})
}

// Inspect sends an inspect_request and waits for the shell reply.
func (k *Kernel) Inspect(ctx context.Context, code string, cursorPos int) (core.InspectReply, error) {
	msg, err := k.channels.Request(ctx, MsgInspectRequest, InspectRequest{Code: code, CursorPos: cursorPos})
	if err != nil {
		return core.InspectReply{}, err
	}
	var reply InspectReply
	if err := json.Unmarshal(msg.Content, &reply); err != nil {
		return core.InspectReply{}, core.NewBackendError(core.BackendErrorProtocol, "inspect", err)
	}
	if reply.Status == "error" {
		var failure ErrorContent
		_ = json.Unmarshal(msg.Content, &failure)
		return core.InspectReply{}, &core.BackendError{
			Kind:    core.BackendErrorUnknown,
			Op:      "inspect",
			Message: fmt.Sprintf("%s: %s", failure.EName, failure.EValue),
		}
	}
	return core.InspectReply{Found: reply.Found, Data: map[string]string(reply.Data)}, nil
}

// Interrupt asks the server to interrupt the kernel.
func (k *Kernel) Interrupt(ctx context.Context) error {
	k.logger.Info("jupyter kernel interrupt")
	return k.client.InterruptKernel(ctx, k.id)
}

// Restart asks the server to restart the kernel, clearing its state.
func (k *Kernel) Restart(ctx context.Context) error {
	k.logger.Info("jupyter kernel restart")
	return k.client.RestartKernel(ctx, k.id)
}

// Shutdown closes the channels and deletes the kernel. A kernel the server
// no longer knows is treated as already gone.
func (k *Kernel) Shutdown(ctx context.Context) error {
	closeErr := k.channels.Close()
	err := k.client.ShutdownKernel(ctx, k.id)
	var be *core.BackendError
	if errors.As(err, &be) && be.Kind == core.BackendErrorNotFound {
		err = nil
	}
	k.logger.Info("jupyter kernel shut down")
	return errors.Join(closeErr, err)
}

// Events returns the decoded iopub stream.
func (k *Kernel) Events() core.EventStream {
	return k.channels.Events()
}

var (
	_ core.Backend         = (*Kernel)(nil)
	_ core.BackendProvider = (*Provider)(nil)
)
