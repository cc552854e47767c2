package dispatch

import (
	"context"
	"strings"

	"qms/dispatch-service/internal/fanout"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultBulkConcurrency = 4
	maxBulkItems           = 200
)

type Options struct {
	BulkConcurrency int
	Logger          *zap.Logger
	Tracer          trace.Tracer
}

// Coordinator runs lifecycle operations for callers and publishes one change event per
// successful mutation.
type Coordinator struct {
	engine    *lifecycle.Engine
	publisher fanout.Publisher
	bulkLimit int
	logger    *zap.Logger
	tracer    trace.Tracer
}

func New(engine *lifecycle.Engine, publisher fanout.Publisher, opts Options) *Coordinator {
	limit := opts.BulkConcurrency
	if limit <= 0 {
		limit = defaultBulkConcurrency
	}
	if publisher == nil {
		publisher = fanout.Discard
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("qms/dispatch")
	}
	return &Coordinator{
		engine:    engine,
		publisher: publisher,
		bulkLimit: limit,
		logger:    logger,
		tracer:    tracer,
	}
}

// Result is the outcome for one ticket of a bulk operation.
type Result struct {
	TicketID string
	Ticket   *models.Ticket
	Err      error
}

type BulkResult struct {
	Items     []Result
	Succeeded int
	Failed    int
}

func (c *Coordinator) CreateTicket(ctx context.Context, in lifecycle.CreateInput) (models.Ticket, error) {
	return c.single(ctx, "create", in.TypeID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.CreateTicket(ctx, in)
	})
}

func (c *Coordinator) Call(ctx context.Context, in lifecycle.CallInput) (models.Ticket, error) {
	return c.single(ctx, "call", in.TicketID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.Call(ctx, in)
	})
}

func (c *Coordinator) CancelCall(ctx context.Context, in lifecycle.ActionInput) (models.Ticket, error) {
	return c.single(ctx, "cancel_call", in.TicketID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.CancelCall(ctx, in)
	})
}

func (c *Coordinator) Complete(ctx context.Context, in lifecycle.ActionInput) (models.Ticket, error) {
	return c.single(ctx, "complete", in.TicketID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.Complete(ctx, in)
	})
}

func (c *Coordinator) Cancel(ctx context.Context, in lifecycle.ActionInput) (models.Ticket, error) {
	return c.single(ctx, "cancel", in.TicketID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.Cancel(ctx, in)
	})
}

func (c *Coordinator) Transfer(ctx context.Context, in lifecycle.TransferInput) (models.Ticket, error) {
	return c.single(ctx, "transfer", in.TicketID, func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.Transfer(ctx, in)
	})
}

func (c *Coordinator) AddRemark(ctx context.Context, in lifecycle.RemarkInput) (models.LogEntry, models.Ticket, error) {
	var entry models.LogEntry
	ticket, err := c.single(ctx, "remark", in.TicketID, func(ctx context.Context) (lifecycle.Outcome, error) {
		out, err := c.engine.AddRemark(ctx, in)
		if err == nil && out.Entry != nil {
			entry = *out.Entry
		}
		return out, err
	})
	return entry, ticket, err
}

func (c *Coordinator) DeleteRemark(ctx context.Context, logID int64, actor string) (models.Ticket, error) {
	return c.single(ctx, "delete_remark", "", func(ctx context.Context) (lifecycle.Outcome, error) {
		return c.engine.DeleteRemark(ctx, logID, actor)
	})
}

// SweepStaleTickets cancels stale tickets of a department and publishes each change.
func (c *Coordinator) SweepStaleTickets(ctx context.Context, departmentID string) (int, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch.sweep", trace.WithAttributes(attribute.String("department_id", departmentID)))
	defer span.End()

	outcomes, err := c.engine.SweepStaleTickets(ctx, departmentID)
	for _, out := range outcomes {
		c.publish(ctx, out)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "sweep incomplete")
	}
	span.SetAttributes(attribute.Int("cancelled", len(outcomes)))
	return len(outcomes), err
}

// CallBulk calls tickets to one counter in input order. A counter serves one ticket at a
// time, so at most the first callable ticket succeeds and the rest report a conflict.
func (c *Coordinator) CallBulk(ctx context.Context, ticketIDs []string, counterID, actor string) (BulkResult, error) {
	return c.bulk(ctx, "call_bulk", ticketIDs, 1, func(ctx context.Context, id string) (lifecycle.Outcome, error) {
		return c.engine.Call(ctx, lifecycle.CallInput{TicketID: id, CounterID: counterID, Actor: actor})
	})
}

func (c *Coordinator) CompleteBulk(ctx context.Context, ticketIDs []string, actor string) (BulkResult, error) {
	return c.bulk(ctx, "complete_bulk", ticketIDs, c.bulkLimit, func(ctx context.Context, id string) (lifecycle.Outcome, error) {
		return c.engine.Complete(ctx, lifecycle.ActionInput{TicketID: id, Actor: actor})
	})
}

func (c *Coordinator) CancelBulk(ctx context.Context, ticketIDs []string, actor string) (BulkResult, error) {
	return c.bulk(ctx, "cancel_bulk", ticketIDs, c.bulkLimit, func(ctx context.Context, id string) (lifecycle.Outcome, error) {
		return c.engine.Cancel(ctx, lifecycle.ActionInput{TicketID: id, Actor: actor})
	})
}

func (c *Coordinator) TransferBulk(ctx context.Context, ticketIDs []string, departmentID, reason, actor string) (BulkResult, error) {
	return c.bulk(ctx, "transfer_bulk", ticketIDs, c.bulkLimit, func(ctx context.Context, id string) (lifecycle.Outcome, error) {
		return c.engine.Transfer(ctx, lifecycle.TransferInput{TicketID: id, DepartmentID: departmentID, Reason: reason, Actor: actor})
	})
}

func (c *Coordinator) single(ctx context.Context, op, ticketID string, fn func(context.Context) (lifecycle.Outcome, error)) (models.Ticket, error) {
	ctx, span := c.tracer.Start(ctx, "dispatch."+op, trace.WithAttributes(attribute.String("ticket_id", ticketID)))
	defer span.End()

	out, err := fn(ctx)
	if err != nil {
		recordSpanError(span, err)
		return models.Ticket{}, err
	}
	c.publish(ctx, out)
	return out.Ticket, nil
}

// bulk runs fn for every id with at most limit items in flight. Item failures are
// reported per item; the returned error is only for a malformed request.
func (c *Coordinator) bulk(ctx context.Context, op string, ticketIDs []string, limit int, fn func(context.Context, string) (lifecycle.Outcome, error)) (BulkResult, error) {
	if len(ticketIDs) == 0 {
		return BulkResult{}, store.Validation("ticket_ids must not be empty")
	}
	if len(ticketIDs) > maxBulkItems {
		return BulkResult{}, store.Validation("at most %d ticket_ids per request", maxBulkItems)
	}

	ctx, span := c.tracer.Start(ctx, "dispatch."+op, trace.WithAttributes(attribute.Int("items", len(ticketIDs))))
	defer span.End()

	items := make([]Result, len(ticketIDs))
	var g errgroup.Group
	g.SetLimit(limit)
	for i, id := range ticketIDs {
		i := i
		id := strings.TrimSpace(id)
		items[i].TicketID = id
		g.Go(func() error {
			out, err := fn(ctx, id)
			if err != nil {
				items[i].Err = err
				return nil
			}
			ticket := out.Ticket
			items[i].Ticket = &ticket
			c.publish(ctx, out)
			return nil
		})
	}
	_ = g.Wait()

	result := BulkResult{Items: items}
	for _, item := range items {
		if item.Err != nil {
			result.Failed++
		} else {
			result.Succeeded++
		}
	}
	span.SetAttributes(attribute.Int("succeeded", result.Succeeded), attribute.Int("failed", result.Failed))
	if result.Failed > 0 {
		c.logger.Info("bulk operation partially failed",
			zap.String("op", op),
			zap.Int("succeeded", result.Succeeded),
			zap.Int("failed", result.Failed),
		)
	}
	return result, nil
}

func (c *Coordinator) publish(ctx context.Context, out lifecycle.Outcome) {
	if !out.Changed {
		return
	}
	event := fanout.Event{
		Type:        fanout.TypeChanged,
		Departments: out.Departments(),
		TicketID:    out.Ticket.TicketID,
		Action:      string(out.Action),
		Status:      string(out.Ticket.Status),
		OccurredAt:  c.engine.Now(),
	}
	if out.Entry != nil && out.Entry.ActionType == out.Action {
		event.OccurredAt = out.Entry.CreatedAt
	}
	if err := c.publisher.Publish(ctx, event); err != nil {
		c.logger.Warn("publish change failed",
			zap.String("ticket_id", event.TicketID),
			zap.String("action", event.Action),
			zap.Error(err),
		)
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	if store.KindOf(err) == store.KindInternal {
		span.SetStatus(codes.Error, err.Error())
	}
}
