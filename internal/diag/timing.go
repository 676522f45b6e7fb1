package diag

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Timing creates scoped timing contexts: measured spans around labeled
// operations that report success or failure uniformly.
type Timing struct {
	router  *Router
	metrics *Accumulator
	tracer  trace.Tracer
	clock   func() time.Time
}

// NewTiming wires a timing factory to the router and accumulator it
// reports through.
func NewTiming(router *Router, metrics *Accumulator) *Timing {
	return &Timing{
		router:  router,
		metrics: metrics,
		tracer:  otel.Tracer("github.com/snapconnect/coach-core/internal/diag"),
		clock:   time.Now,
	}
}

// Op is one in-flight scoped timing context. End must run on every exit
// path of the wrapped operation, typically via defer.
type Op struct {
	t     *Timing
	label string
	start time.Time
	span  trace.Span
}

// Begin opens a scoped timing context for the labeled operation and an
// accompanying trace span.
func (t *Timing) Begin(ctx context.Context, label string) (context.Context, *Op) {
	ctx, span := t.tracer.Start(ctx, label)
	t.router.Debug(ChannelSession, "starting: "+label, nil)
	return ctx, &Op{t: t, label: label, start: t.clock(), span: span}
}

// End closes the timing context. On success it logs a debug "completed"
// line; on failure it logs an error "failed" line and records an error
// record whose context is the operation label. The error is returned
// unchanged so callers keep their normal propagation.
func (op *Op) End(err error) error {
	elapsed := op.t.clock().Sub(op.start)

	if err == nil {
		op.t.router.Debug(ChannelSession,
			fmt.Sprintf("completed: %s (%.3fs)", op.label, elapsed.Seconds()), nil)
		op.span.SetStatus(codes.Ok, "")
		op.span.End()
		return nil
	}

	op.t.router.Error(ChannelSession,
		fmt.Sprintf("failed: %s (%.3fs)", op.label, elapsed.Seconds()), nil)
	op.t.metrics.RecordError(err, op.label, nil)
	op.span.RecordError(err)
	op.span.SetStatus(codes.Error, err.Error())
	op.span.End()
	return err
}
