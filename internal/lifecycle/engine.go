package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"qms/dispatch-service/internal/metrics"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	queueNumberPad  = 3
	maxRemarkLength = 1000
	kioskActor      = "kiosk"
)

// ActionRemarkDeleted is reported in outcomes when an operator removes a remark. It is
// never written to the audit log.
const ActionRemarkDeleted models.ActionType = "REMARK_DELETED"

// errUnchanged aborts a step without writing anything.
var errUnchanged = errors.New("ticket unchanged")

// Outcome is the result of one lifecycle operation on one ticket.
type Outcome struct {
	Ticket               models.Ticket
	Entry                *models.LogEntry
	Action               models.ActionType
	PreviousDepartmentID string
	// Changed is false for no-ops such as re-calling at the same counter.
	Changed bool
}

// Departments lists the departments whose views are affected by the outcome.
func (o Outcome) Departments() []string {
	depts := []string{o.Ticket.DepartmentID}
	if o.PreviousDepartmentID != "" && o.PreviousDepartmentID != o.Ticket.DepartmentID {
		depts = append(depts, o.PreviousDepartmentID)
	}
	return depts
}

type CreateInput struct {
	TypeID string
	RoleID string
	Actor  string
}

type CallInput struct {
	TicketID  string
	CounterID string
	Actor     string
}

// ActionInput drives cancel-call, complete and cancel. CounterID is optional; when set
// for a cancel-call it must match the serving counter.
type ActionInput struct {
	TicketID  string
	CounterID string
	Actor     string
}

type TransferInput struct {
	TicketID     string
	DepartmentID string
	Reason       string
	Actor        string
}

type RemarkInput struct {
	TicketID string
	Text     string
	Actor    string
}

type Options struct {
	Now        func() time.Time
	NewID      func() string
	ServiceDay ServiceDay
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Engine applies lifecycle transitions. Each transition holds the ticket's lock (and the
// counter's for a call) and writes the ticket and its log entry in one unit of work.
type Engine struct {
	store   store.Store
	locks   *Locks
	now     func() time.Time
	newID   func() string
	day     ServiceDay
	logger  *zap.Logger
	metrics *metrics.Metrics
}

func NewEngine(st store.Store, locks *Locks, opts Options) *Engine {
	if locks == nil {
		locks = NewLocks()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	newID := opts.NewID
	if newID == nil {
		newID = uuid.NewString
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:   st,
		locks:   locks,
		now:     now,
		newID:   newID,
		day:     opts.ServiceDay,
		logger:  logger,
		metrics: opts.Metrics,
	}
}

func (e *Engine) ServiceDay() ServiceDay {
	return e.day
}

func (e *Engine) Now() time.Time {
	return e.now()
}

func (e *Engine) CreateTicket(ctx context.Context, in CreateInput) (Outcome, error) {
	out, err := e.createTicket(ctx, in)
	e.record(models.ActionCreate, err)
	return out, err
}

func (e *Engine) createTicket(ctx context.Context, in CreateInput) (Outcome, error) {
	if strings.TrimSpace(in.TypeID) == "" {
		return Outcome{}, store.Validation("type_id is required")
	}
	if strings.TrimSpace(in.RoleID) == "" {
		return Outcome{}, store.Validation("role_id is required")
	}
	actor := in.Actor
	if actor == "" {
		actor = kioskActor
	}

	queueType, err := e.store.GetQueueType(ctx, in.TypeID)
	if err != nil {
		return Outcome{}, err
	}
	if !queueType.Active {
		return Outcome{}, store.Validation("queue type %s is not active", queueType.TypeID)
	}
	role, err := e.store.GetCaseRole(ctx, in.RoleID)
	if err != nil {
		return Outcome{}, err
	}
	if !role.Active {
		return Outcome{}, store.Validation("case role %s is not active", role.RoleID)
	}
	dept, err := e.store.GetDepartment(ctx, queueType.DepartmentID)
	if err != nil {
		if errors.Is(err, store.ErrDepartmentNotFound) {
			return Outcome{}, fmt.Errorf("%w: queue type %s routes to unknown department %s", store.ErrDepartmentInvalid, queueType.TypeID, queueType.DepartmentID)
		}
		return Outcome{}, err
	}
	if !dept.Active {
		return Outcome{}, fmt.Errorf("%w: department %s is not active", store.ErrDepartmentInvalid, dept.DepartmentID)
	}

	now := e.now()
	dayCode := e.day.Code(now)
	var out Outcome
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		seq, err := tx.NextSequence(ctx, dayCode, queueType.Code)
		if err != nil {
			return fmt.Errorf("next sequence: %w", err)
		}
		ticket := models.Ticket{
			TicketID:     e.newID(),
			QueueNumber:  fmt.Sprintf("%s%s%0*d", dayCode, queueType.Code, queueNumberPad, seq),
			TypeID:       queueType.TypeID,
			RoleID:       role.RoleID,
			Status:       models.StatusWaiting,
			DepartmentID: dept.DepartmentID,
			CreatedAt:    now,
			UpdatedAt:    now,
			TypeCode:     queueType.Code,
			TypeName:     queueType.Name,
			RoleName:     role.Name,
		}
		if err := tx.InsertTicket(ctx, ticket); err != nil {
			return err
		}
		entry, err := tx.AppendLog(ctx, models.LogEntry{
			TicketID:      ticket.TicketID,
			ActionType:    models.ActionCreate,
			ActionDetails: fmt.Sprintf("Ticket %s issued for %s (%s)", ticket.QueueNumber, queueType.Name, role.Name),
			Actor:         actor,
			CreatedAt:     now,
		})
		if err != nil {
			return err
		}
		out = Outcome{Ticket: ticket, Entry: &entry, Action: models.ActionCreate, Changed: true}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

func (e *Engine) Call(ctx context.Context, in CallInput) (Outcome, error) {
	if err := requireTicketAndActor(in.TicketID, in.Actor); err != nil {
		e.record(models.ActionCall, err)
		return Outcome{}, err
	}
	if strings.TrimSpace(in.CounterID) == "" {
		err := store.Validation("counter_id is required")
		e.record(models.ActionCall, err)
		return Outcome{}, err
	}
	counter, err := e.store.GetCounter(ctx, in.CounterID)
	if err != nil {
		e.record(models.ActionCall, err)
		return Outcome{}, err
	}
	if !counter.Active {
		err := fmt.Errorf("%w: counter %s is not active", store.ErrCounterNotFound, counter.CounterID)
		e.record(models.ActionCall, err)
		return Outcome{}, err
	}

	keys := []string{ticketKey(in.TicketID), counterKey(counter.CounterID)}
	return e.apply(ctx, in.TicketID, models.ActionCall, in.Actor, keys, func(tx store.Tx, t *models.Ticket, now time.Time) (*models.LogEntry, error) {
		if t.Status == models.StatusProcessing {
			if t.Counter() == counter.CounterID {
				t.UpdatedAt = now
				return nil, nil
			}
			return nil, &store.ConflictError{CounterID: t.Counter(), TicketID: t.TicketID}
		}
		if !ValidTransition(models.ActionCall, t.Status) {
			return nil, &store.TransitionError{Action: models.ActionCall, Actual: t.Status}
		}
		if counter.DepartmentID != t.DepartmentID {
			return nil, fmt.Errorf("%w: counter %s belongs to department %s, ticket is in %s", store.ErrDepartmentInvalid, counter.CounterID, counter.DepartmentID, t.DepartmentID)
		}
		occupant, busy, err := tx.CounterOccupant(ctx, counter.CounterID)
		if err != nil {
			return nil, err
		}
		if busy && occupant.TicketID != t.TicketID {
			return nil, &store.ConflictError{CounterID: counter.CounterID, TicketID: occupant.TicketID}
		}

		counterID := counter.CounterID
		t.Status = models.StatusProcessing
		t.CounterID = &counterID
		t.UpdatedAt = now
		return &models.LogEntry{ActionDetails: fmt.Sprintf("Called to %s", counter.Name)}, nil
	})
}

func (e *Engine) CancelCall(ctx context.Context, in ActionInput) (Outcome, error) {
	if err := requireTicketAndActor(in.TicketID, in.Actor); err != nil {
		e.record(models.ActionCancelCall, err)
		return Outcome{}, err
	}
	return e.apply(ctx, in.TicketID, models.ActionCancelCall, in.Actor, []string{ticketKey(in.TicketID)}, func(tx store.Tx, t *models.Ticket, now time.Time) (*models.LogEntry, error) {
		if !ValidTransition(models.ActionCancelCall, t.Status) {
			return nil, &store.TransitionError{Action: models.ActionCancelCall, Actual: t.Status}
		}
		serving := t.Counter()
		if in.CounterID != "" && serving != in.CounterID {
			return nil, &store.ConflictError{CounterID: serving, TicketID: t.TicketID}
		}
		t.Status = models.StatusWaiting
		t.CounterID = nil
		t.UpdatedAt = now
		return &models.LogEntry{ActionDetails: fmt.Sprintf("Call cancelled at counter %s; returned to queue", serving)}, nil
	})
}

func (e *Engine) Complete(ctx context.Context, in ActionInput) (Outcome, error) {
	return e.finish(ctx, in, models.ActionComplete, models.StatusCompleted, "Completed")
}

func (e *Engine) Cancel(ctx context.Context, in ActionInput) (Outcome, error) {
	return e.finish(ctx, in, models.ActionCancel, models.StatusCancelled, "Cancelled")
}

func (e *Engine) finish(ctx context.Context, in ActionInput, action models.ActionType, to models.Status, verb string) (Outcome, error) {
	if err := requireTicketAndActor(in.TicketID, in.Actor); err != nil {
		e.record(action, err)
		return Outcome{}, err
	}
	return e.apply(ctx, in.TicketID, action, in.Actor, []string{ticketKey(in.TicketID)}, func(tx store.Tx, t *models.Ticket, now time.Time) (*models.LogEntry, error) {
		if !ValidTransition(action, t.Status) {
			return nil, &store.TransitionError{Action: action, Actual: t.Status}
		}
		details := verb
		if serving := t.Counter(); serving != "" {
			details = fmt.Sprintf("%s at counter %s", verb, serving)
		}
		t.Status = to
		t.CounterID = nil
		t.UpdatedAt = now
		return &models.LogEntry{ActionDetails: details}, nil
	})
}

func (e *Engine) Transfer(ctx context.Context, in TransferInput) (Outcome, error) {
	if err := requireTicketAndActor(in.TicketID, in.Actor); err != nil {
		e.record(models.ActionTransfer, err)
		return Outcome{}, err
	}
	if strings.TrimSpace(in.DepartmentID) == "" {
		err := store.Validation("department_id is required")
		e.record(models.ActionTransfer, err)
		return Outcome{}, err
	}
	target, err := e.store.GetDepartment(ctx, in.DepartmentID)
	if err != nil {
		if errors.Is(err, store.ErrDepartmentNotFound) {
			err = fmt.Errorf("%w: department %s does not exist", store.ErrDepartmentInvalid, in.DepartmentID)
		}
		e.record(models.ActionTransfer, err)
		return Outcome{}, err
	}
	if !target.Active {
		err := fmt.Errorf("%w: department %s is not active", store.ErrDepartmentInvalid, target.DepartmentID)
		e.record(models.ActionTransfer, err)
		return Outcome{}, err
	}

	return e.apply(ctx, in.TicketID, models.ActionTransfer, in.Actor, []string{ticketKey(in.TicketID)}, func(tx store.Tx, t *models.Ticket, now time.Time) (*models.LogEntry, error) {
		if !ValidTransition(models.ActionTransfer, t.Status) {
			return nil, &store.TransitionError{Action: models.ActionTransfer, Actual: t.Status}
		}
		if t.DepartmentID == target.DepartmentID {
			return nil, fmt.Errorf("%w: ticket is already in department %s", store.ErrDepartmentInvalid, target.DepartmentID)
		}
		details := fmt.Sprintf("Transferred from department %s to %s", t.DepartmentID, target.Name)
		if reason := strings.TrimSpace(in.Reason); reason != "" {
			details += ": " + reason
		}
		t.DepartmentID = target.DepartmentID
		t.Status = models.StatusWaiting
		t.CounterID = nil
		t.UpdatedAt = now
		return &models.LogEntry{ActionDetails: details}, nil
	})
}

func (e *Engine) AddRemark(ctx context.Context, in RemarkInput) (Outcome, error) {
	if err := requireTicketAndActor(in.TicketID, in.Actor); err != nil {
		e.record(models.ActionRemark, err)
		return Outcome{}, err
	}
	text := strings.TrimSpace(in.Text)
	if text == "" {
		err := store.Validation("remark text is required")
		e.record(models.ActionRemark, err)
		return Outcome{}, err
	}
	if utf8.RuneCountInString(text) > maxRemarkLength {
		err := store.Validation("remark text exceeds %d characters", maxRemarkLength)
		e.record(models.ActionRemark, err)
		return Outcome{}, err
	}
	return e.apply(ctx, in.TicketID, models.ActionRemark, in.Actor, []string{ticketKey(in.TicketID)}, func(tx store.Tx, t *models.Ticket, now time.Time) (*models.LogEntry, error) {
		if !ValidTransition(models.ActionRemark, t.Status) {
			return nil, &store.TransitionError{Action: models.ActionRemark, Actual: t.Status}
		}
		t.RemarkCount++
		return &models.LogEntry{ActionDetails: text}, nil
	})
}

// DeleteRemark removes a REMARK entry and decrements the ticket's remark count. It is the
// only operation that removes audit log entries.
func (e *Engine) DeleteRemark(ctx context.Context, logID int64, actor string) (Outcome, error) {
	out, err := e.deleteRemark(ctx, logID, actor)
	e.record(ActionRemarkDeleted, err)
	return out, err
}

func (e *Engine) deleteRemark(ctx context.Context, logID int64, actor string) (Outcome, error) {
	if logID <= 0 {
		return Outcome{}, store.Validation("log_id must be positive")
	}
	if strings.TrimSpace(actor) == "" {
		return Outcome{}, store.Validation("actor is required")
	}
	entry, err := e.store.GetLogEntry(ctx, logID)
	if err != nil {
		return Outcome{}, err
	}

	unlock, err := e.locks.Lock(ctx, ticketKey(entry.TicketID))
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	var out Outcome
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetLogEntry(ctx, logID)
		if err != nil {
			return err
		}
		if current.ActionType != models.ActionRemark {
			return store.Validation("log entry %d is %s; only remarks can be deleted", logID, current.ActionType)
		}
		ticket, err := tx.GetTicketForUpdate(ctx, current.TicketID)
		if err != nil {
			return err
		}
		if ticket.Status.Terminal() {
			return &store.TransitionError{Action: models.ActionRemark, Actual: ticket.Status}
		}
		if err := tx.DeleteLogEntry(ctx, logID); err != nil {
			return err
		}
		if ticket.RemarkCount > 0 {
			ticket.RemarkCount--
		}
		if err := tx.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
		out = Outcome{Ticket: ticket, Entry: &current, Action: ActionRemarkDeleted, Changed: true}
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	e.logger.Info("remark deleted",
		zap.Int64("log_id", logID),
		zap.String("ticket_id", out.Ticket.TicketID),
		zap.String("actor", actor),
	)
	return out, nil
}

// SweepStaleTickets cancels WAITING tickets created before the start of the current
// service day. An empty departmentID sweeps every department. Tickets that fail are
// skipped and reported in the joined error; the rest are still swept.
func (e *Engine) SweepStaleTickets(ctx context.Context, departmentID string) ([]Outcome, error) {
	cutoff := e.day.Start(e.now())
	stale, err := e.store.ListStaleWaiting(ctx, departmentID, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale tickets: %w", err)
	}

	var (
		outcomes []Outcome
		errs     []error
	)
	for _, candidate := range stale {
		out, err := e.apply(ctx, candidate.TicketID, models.ActionSystemCancel, models.SystemActor, []string{ticketKey(candidate.TicketID)}, func(tx store.Tx, t *models.Ticket, now time.Time) (*models.LogEntry, error) {
			if t.Status != models.StatusWaiting || !t.CreatedAt.Before(cutoff) {
				return nil, errUnchanged
			}
			t.Status = models.StatusCancelled
			t.CounterID = nil
			t.UpdatedAt = now
			day := t.CreatedAt.In(e.day.Location()).Format("2006-01-02")
			return &models.LogEntry{ActionDetails: fmt.Sprintf("Cancelled by system: not served on %s", day)}, nil
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("sweep ticket %s: %w", candidate.TicketID, err))
			continue
		}
		if out.Changed {
			outcomes = append(outcomes, out)
		}
	}
	e.metrics.SweepCancelled(len(outcomes))
	return outcomes, errors.Join(errs...)
}

type step func(tx store.Tx, ticket *models.Ticket, now time.Time) (*models.LogEntry, error)

// apply runs fn against the locked ticket. A nil entry with a nil error saves the ticket
// without a log entry and reports the outcome as unchanged.
func (e *Engine) apply(ctx context.Context, ticketID string, action models.ActionType, actor string, keys []string, fn step) (Outcome, error) {
	out, err := e.applyLocked(ctx, ticketID, action, actor, keys, fn)
	e.record(action, err)
	return out, err
}

func (e *Engine) applyLocked(ctx context.Context, ticketID string, action models.ActionType, actor string, keys []string, fn step) (Outcome, error) {
	unlock, err := e.lockAll(ctx, keys)
	if err != nil {
		return Outcome{}, err
	}
	defer unlock()

	now := e.now()
	var out Outcome
	err = e.store.WithinTx(ctx, func(tx store.Tx) error {
		ticket, err := tx.GetTicketForUpdate(ctx, ticketID)
		if err != nil {
			return err
		}
		previous := ticket.DepartmentID
		entry, err := fn(tx, &ticket, now)
		if errors.Is(err, errUnchanged) {
			out = Outcome{Ticket: ticket, Action: action}
			return nil
		}
		if err != nil {
			return err
		}
		if err := tx.UpdateTicket(ctx, ticket); err != nil {
			return err
		}
		out = Outcome{Ticket: ticket, Action: action, PreviousDepartmentID: previous}
		if entry == nil {
			return nil
		}
		entry.TicketID = ticket.TicketID
		entry.ActionType = action
		entry.Actor = actor
		entry.CreatedAt = now
		stored, err := tx.AppendLog(ctx, *entry)
		if err != nil {
			return err
		}
		out.Entry = &stored
		out.Changed = true
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	return out, nil
}

// lockAll acquires keys in order and releases them in reverse. Callers always pass the
// ticket key before the counter key.
func (e *Engine) lockAll(ctx context.Context, keys []string) (func(), error) {
	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := e.locks.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (e *Engine) record(action models.ActionType, err error) {
	if err == nil {
		e.metrics.Transition(string(action), "ok")
		return
	}
	kind := store.KindOf(err)
	e.metrics.Transition(string(action), kind.String())
	if kind == store.KindInternal && !errors.Is(err, context.Canceled) {
		e.logger.Error("lifecycle operation failed", zap.String("action", string(action)), zap.Error(err))
	}
}

func requireTicketAndActor(ticketID, actor string) error {
	if strings.TrimSpace(ticketID) == "" {
		return store.Validation("ticket_id is required")
	}
	if strings.TrimSpace(actor) == "" {
		return store.Validation("actor is required")
	}
	return nil
}
