package security

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	. "github.com/weberc2/mfs/pkg/types"
)

// Event is one permission decision. Op is zero for ownership checks.
type Event struct {
	ID      uuid.UUID
	UID     uint16
	GID     uint16
	Ino     Ino
	AuditID uint64
	Op      Op
	Allowed bool
	Time    time.Time
}

// Sink receives audit events.
type Sink interface {
	Audit(ctx context.Context, event *Event) error
}

// LogSink writes audit events as structured log records.
type LogSink struct {
	Logger *slog.Logger
}

func (sink *LogSink) Audit(ctx context.Context, event *Event) error {
	logger := sink.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.InfoContext(
		ctx,
		"audit",
		"id", event.ID.String(),
		"uid", event.UID,
		"gid", event.GID,
		"ino", event.Ino,
		"auditID", event.AuditID,
		"op", event.Op.String(),
		"allowed", event.Allowed,
		"time", event.Time,
	)
	return nil
}

// MultiSink fans each event out to every sink, collecting their errors.
type MultiSink []Sink

func (sinks MultiSink) Audit(ctx context.Context, event *Event) error {
	var result error
	for _, sink := range sinks {
		if err := sink.Audit(ctx, event); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(ctx context.Context, event *Event) error

func (f SinkFunc) Audit(ctx context.Context, event *Event) error {
	return f(ctx, event)
}
