package logx

import (
	"context"

	"pkt.systems/kernelq/schema"
	"pkt.systems/pslog"
)

type contextKey int

const (
	sessionKey contextKey = iota
)

// Ctx returns the logger bound to the provided context.
func Ctx(ctx context.Context) pslog.Logger {
	return pslog.Ctx(ctx)
}

// WithSession annotates the context logger with the session name if present.
func WithSession(ctx context.Context, name schema.SessionName) pslog.Logger {
	log := pslog.Ctx(ctx)
	if name != "" {
		if current, ok := ctx.Value(sessionKey).(schema.SessionName); ok && current == name {
			return log
		}
		log = log.With("session", name)
	}
	return log
}

// WithSlot annotates the logger with a record slot.
func WithSlot(log pslog.Logger, slot schema.Slot) pslog.Logger {
	return log.With("slot", int(slot))
}

// WithKernel annotates the logger with kernel metadata when available.
func WithKernel(log pslog.Logger, kernelID string, variant schema.KernelVariant) pslog.Logger {
	if kernelID != "" {
		log = log.With("kernel_id", kernelID)
	}
	if variant != "" {
		log = log.With("kernel", variant)
	}
	return log
}

// ContextWithSession stores the session marker on the context for log de-duplication.
func ContextWithSession(ctx context.Context, name schema.SessionName) context.Context {
	if ctx == nil || name == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, name)
}

// ContextWithSessionLogger attaches the logger and session marker to the context.
func ContextWithSessionLogger(ctx context.Context, log pslog.Logger, name schema.SessionName) context.Context {
	ctx = pslog.ContextWithLogger(ctx, log)
	return ContextWithSession(ctx, name)
}

// CopyContextFields copies the session marker from src to dst.
func CopyContextFields(dst context.Context, src context.Context) context.Context {
	if src == nil {
		return dst
	}
	if name, ok := src.Value(sessionKey).(schema.SessionName); ok && name != "" {
		dst = ContextWithSession(dst, name)
	}
	return dst
}
