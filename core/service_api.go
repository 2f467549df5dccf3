package core

import (
	"context"

	"pkt.systems/kernelq/schema"
)

// Service is the transport-agnostic API for named kernel sessions.
type Service interface {
	Start(ctx context.Context, req schema.StartSessionRequest) (schema.StartSessionResponse, error)
	Submit(ctx context.Context, req schema.SubmitRequest) (schema.SubmitResponse, error)
	ReadAll(ctx context.Context, req schema.ReadAllRequest) (schema.ReadAllResponse, error)
	Records(ctx context.Context, name schema.SessionName) ([]schema.RecordSnapshot, error)
	OutputCount(ctx context.Context, req schema.OutputCountRequest) (schema.OutputCountResponse, error)
	Interrupt(ctx context.Context, req schema.InterruptRequest) (schema.InterruptResponse, error)
	Restart(ctx context.Context, req schema.RestartRequest) (schema.RestartResponse, error)
	Shutdown(ctx context.Context, req schema.ShutdownRequest) (schema.ShutdownResponse, error)
	Status(ctx context.Context, req schema.StatusRequest) (schema.StatusResponse, error)
	List(ctx context.Context) (schema.ListSessionsResponse, error)
	ShutdownAll(ctx context.Context) error
}
