package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
)

var testNow = time.Date(2026, 10, 18, 9, 30, 0, 0, time.UTC)

type fixture struct {
	engine *Engine
	store  *memory.Store
	now    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New(memory.Seed{
		Departments: []models.Department{
			{DepartmentID: "civil", Name: "Civil Registry", Active: true},
			{DepartmentID: "tax", Name: "Tax Office", Active: true},
			{DepartmentID: "closed", Name: "Closed Wing", Active: false},
		},
		Counters: []models.Counter{
			{CounterID: "c1", DepartmentID: "civil", Name: "Counter 1", Active: true},
			{CounterID: "c2", DepartmentID: "civil", Name: "Counter 2", Active: true},
			{CounterID: "c3", DepartmentID: "tax", Name: "Counter 3", Active: true},
			{CounterID: "c9", DepartmentID: "civil", Name: "Counter 9", Active: false},
		},
		QueueTypes: []models.QueueType{
			{TypeID: "birth", Code: "A", Name: "Birth Certificate", DepartmentID: "civil", Active: true},
			{TypeID: "land", Code: "B", Name: "Land Tax", DepartmentID: "tax", Active: true},
		},
		CaseRoles: []models.CaseRole{{RoleID: "citizen", Name: "Citizen", Active: true}},
	})
	f := &fixture{store: st, now: testNow}
	var seq atomic.Int64
	f.engine = NewEngine(st, NewLocks(), Options{
		Now:        func() time.Time { return f.now },
		NewID:      func() string { return fmt.Sprintf("t%d", seq.Add(1)) },
		ServiceDay: NewServiceDay(time.UTC),
	})
	return f
}

func (f *fixture) create(t *testing.T, typeID string) models.Ticket {
	t.Helper()
	out, err := f.engine.CreateTicket(context.Background(), CreateInput{TypeID: typeID, RoleID: "citizen"})
	if err != nil {
		t.Fatalf("create ticket: %v", err)
	}
	return out.Ticket
}

func (f *fixture) actions(t *testing.T, ticketID string) []models.ActionType {
	t.Helper()
	logs, err := f.store.ListLogs(context.Background(), ticketID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	actions := make([]models.ActionType, 0, len(logs))
	for _, entry := range logs {
		actions = append(actions, entry.ActionType)
	}
	return actions
}

// assertCounterInvariant checks that counter_id is set exactly for PROCESSING tickets and
// that no counter serves two tickets.
func (f *fixture) assertCounterInvariant(t *testing.T) {
	t.Helper()
	tickets, err := f.store.HistoryByDateRange(context.Background(), time.Time{}, testNow.Add(1000*time.Hour))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	serving := map[string]string{}
	for _, ticket := range tickets {
		if (ticket.CounterID != nil) != (ticket.Status == models.StatusProcessing) {
			t.Fatalf("ticket %s status %s counter %v breaks counter invariant", ticket.TicketID, ticket.Status, ticket.CounterID)
		}
		if ticket.CounterID == nil {
			continue
		}
		if other, ok := serving[*ticket.CounterID]; ok {
			t.Fatalf("counter %s serves %s and %s", *ticket.CounterID, other, ticket.TicketID)
		}
		serving[*ticket.CounterID] = ticket.TicketID
	}
}

func TestCreateTicketNumbering(t *testing.T) {
	f := newFixture(t)
	first := f.create(t, "birth")
	second := f.create(t, "birth")
	other := f.create(t, "land")

	if first.QueueNumber != "261018A001" || second.QueueNumber != "261018A002" {
		t.Fatalf("unexpected numbers %s %s", first.QueueNumber, second.QueueNumber)
	}
	if other.QueueNumber != "261018B001" {
		t.Fatalf("expected per-type sequence, got %s", other.QueueNumber)
	}
	if first.Status != models.StatusWaiting || first.DepartmentID != "civil" || first.CounterID != nil {
		t.Fatalf("unexpected new ticket: %+v", first)
	}
	if got := f.actions(t, first.TicketID); len(got) != 1 || got[0] != models.ActionCreate {
		t.Fatalf("expected [CREATE], got %v", got)
	}

	f.now = testNow.Add(24 * time.Hour)
	next := f.create(t, "birth")
	if next.QueueNumber != "261019A001" {
		t.Fatalf("expected sequence to restart on a new day, got %s", next.QueueNumber)
	}
}

func TestCreateTicketValidation(t *testing.T) {
	f := newFixture(t)
	cases := []struct {
		name string
		in   CreateInput
		kind store.Kind
	}{
		{"missing type", CreateInput{RoleID: "citizen"}, store.KindValidation},
		{"missing role", CreateInput{TypeID: "birth"}, store.KindValidation},
		{"unknown type", CreateInput{TypeID: "nope", RoleID: "citizen"}, store.KindNotFound},
		{"unknown role", CreateInput{TypeID: "birth", RoleID: "nope"}, store.KindNotFound},
	}
	for _, tt := range cases {
		_, err := f.engine.CreateTicket(context.Background(), tt.in)
		if got := store.KindOf(err); got != tt.kind {
			t.Fatalf("%s: expected %s, got %s (%v)", tt.name, tt.kind, got, err)
		}
	}
}

func TestCallAppendsLog(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, "birth")

	out, err := f.engine.Call(context.Background(), CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "staff-1"})
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if out.Ticket.Status != models.StatusProcessing || out.Ticket.Counter() != "c1" || !out.Changed {
		t.Fatalf("unexpected outcome: %+v", out)
	}
	if out.Entry == nil || out.Entry.Actor != "staff-1" || out.Entry.ActionType != models.ActionCall {
		t.Fatalf("unexpected log entry: %+v", out.Entry)
	}
	got := f.actions(t, ticket.TicketID)
	if len(got) != 2 || got[0] != models.ActionCreate || got[1] != models.ActionCall {
		t.Fatalf("expected [CREATE CALL], got %v", got)
	}
	f.assertCounterInvariant(t)
}

func TestCallErrors(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	served := f.create(t, "birth")
	waiting := f.create(t, "birth")
	taxTicket := f.create(t, "land")
	if _, err := f.engine.Call(ctx, CallInput{TicketID: served.TicketID, CounterID: "c1", Actor: "s"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	cases := []struct {
		name string
		in   CallInput
		kind store.Kind
	}{
		{"served elsewhere", CallInput{TicketID: served.TicketID, CounterID: "c2", Actor: "s"}, store.KindCounterConflict},
		{"counter busy", CallInput{TicketID: waiting.TicketID, CounterID: "c1", Actor: "s"}, store.KindCounterConflict},
		{"wrong department", CallInput{TicketID: taxTicket.TicketID, CounterID: "c2", Actor: "s"}, store.KindDepartmentInvalid},
		{"inactive counter", CallInput{TicketID: waiting.TicketID, CounterID: "c9", Actor: "s"}, store.KindNotFound},
		{"unknown counter", CallInput{TicketID: waiting.TicketID, CounterID: "zz", Actor: "s"}, store.KindNotFound},
		{"unknown ticket", CallInput{TicketID: "missing", CounterID: "c2", Actor: "s"}, store.KindNotFound},
		{"missing actor", CallInput{TicketID: waiting.TicketID, CounterID: "c2"}, store.KindValidation},
	}
	for _, tt := range cases {
		_, err := f.engine.Call(ctx, tt.in)
		if got := store.KindOf(err); got != tt.kind {
			t.Fatalf("%s: expected %s, got %s (%v)", tt.name, tt.kind, got, err)
		}
	}

	_, err := f.engine.Call(ctx, CallInput{TicketID: waiting.TicketID, CounterID: "c1", Actor: "s"})
	var conflict *store.ConflictError
	if !errors.As(err, &conflict) || conflict.TicketID != served.TicketID || conflict.CounterID != "c1" {
		t.Fatalf("expected conflict naming %s at c1, got %v", served.TicketID, err)
	}
	f.assertCounterInvariant(t)
}

func TestRecallAtSameCounterIsNoop(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := f.create(t, "birth")
	if _, err := f.engine.Call(ctx, CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	f.now = testNow.Add(time.Minute)
	out, err := f.engine.Call(ctx, CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"})
	if err != nil {
		t.Fatalf("recall: %v", err)
	}
	if out.Changed || out.Entry != nil {
		t.Fatalf("recall must not report a change: %+v", out)
	}
	if !out.Ticket.UpdatedAt.Equal(f.now) {
		t.Fatalf("expected updated_at refreshed to %v, got %v", f.now, out.Ticket.UpdatedAt)
	}
	if got := f.actions(t, ticket.TicketID); len(got) != 2 {
		t.Fatalf("recall must not append a log entry, got %v", got)
	}
}

func TestConcurrentCallsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, "birth")

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, counter := range []string{"c1", "c2"} {
		wg.Add(1)
		go func(i int, counter string) {
			defer wg.Done()
			_, errs[i] = f.engine.Call(context.Background(), CallInput{TicketID: ticket.TicketID, CounterID: counter, Actor: "s"})
		}(i, counter)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
			continue
		}
		if kind := store.KindOf(err); kind != store.KindCounterConflict && kind != store.KindInvalidTransition {
			t.Fatalf("unexpected loser error: %v", err)
		}
	}
	if wins != 1 {
		t.Fatalf("expected exactly one winner, got %d (%v)", wins, errs)
	}
	if got := f.actions(t, ticket.TicketID); len(got) != 2 {
		t.Fatalf("expected one CALL entry, got %v", got)
	}
	f.assertCounterInvariant(t)
}

func TestConcurrentCallsOnOneCounter(t *testing.T) {
	f := newFixture(t)
	var tickets []models.Ticket
	for i := 0; i < 8; i++ {
		tickets = append(tickets, f.create(t, "birth"))
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for _, ticket := range tickets {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.engine.Call(context.Background(), CallInput{TicketID: id, CounterID: "c1", Actor: "s"})
			if err == nil {
				wins.Add(1)
			} else if store.KindOf(err) != store.KindCounterConflict {
				t.Errorf("unexpected error: %v", err)
			}
		}(ticket.TicketID)
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("expected one ticket at c1, got %d", wins.Load())
	}
	f.assertCounterInvariant(t)
}

func TestCallCancelCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := f.create(t, "birth")

	if _, err := f.engine.Call(ctx, CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := f.engine.CancelCall(ctx, ActionInput{TicketID: ticket.TicketID, CounterID: "c2", Actor: "s"}); store.KindOf(err) != store.KindCounterConflict {
		t.Fatalf("cancel-call from another counter must conflict, got %v", err)
	}
	out, err := f.engine.CancelCall(ctx, ActionInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"})
	if err != nil {
		t.Fatalf("cancel call: %v", err)
	}
	back := out.Ticket
	if back.Status != ticket.Status || back.DepartmentID != ticket.DepartmentID || back.CounterID != nil {
		t.Fatalf("round trip changed the ticket: before %+v after %+v", ticket, back)
	}
	got := f.actions(t, ticket.TicketID)
	want := []models.ActionType{models.ActionCreate, models.ActionCall, models.ActionCancelCall}
	if fmt.Sprint(got) != fmt.Sprint(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}

	if _, err := f.engine.CancelCall(ctx, ActionInput{TicketID: ticket.TicketID, Actor: "s"}); store.KindOf(err) != store.KindInvalidTransition {
		t.Fatalf("cancel-call on waiting ticket must be invalid, got %v", err)
	}
}

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := f.create(t, "birth")
	if _, err := f.engine.Call(ctx, CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	out, err := f.engine.Transfer(ctx, TransferInput{TicketID: ticket.TicketID, DepartmentID: "tax", Reason: "wrong desk", Actor: "s"})
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if out.Ticket.Status != models.StatusWaiting || out.Ticket.DepartmentID != "tax" || out.Ticket.CounterID != nil {
		t.Fatalf("unexpected transferred ticket: %+v", out.Ticket)
	}
	depts := out.Departments()
	if len(depts) != 2 || depts[0] != "tax" || depts[1] != "civil" {
		t.Fatalf("expected both departments notified, got %v", depts)
	}
	f.assertCounterInvariant(t)

	cases := []struct {
		name string
		dept string
	}{
		{"same department", "tax"},
		{"inactive department", "closed"},
		{"unknown department", "nowhere"},
	}
	for _, tt := range cases {
		_, err := f.engine.Transfer(ctx, TransferInput{TicketID: ticket.TicketID, DepartmentID: tt.dept, Actor: "s"})
		if store.KindOf(err) != store.KindDepartmentInvalid {
			t.Fatalf("%s: expected department_invalid, got %v", tt.name, err)
		}
	}
}

func TestTerminalTicketsAreImmutable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := f.create(t, "birth")
	if _, err := f.engine.Complete(ctx, ActionInput{TicketID: ticket.TicketID, Actor: "s"}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	before, _ := f.store.GetTicket(ctx, ticket.TicketID)
	logCount := len(f.actions(t, ticket.TicketID))

	ops := map[string]func() error{
		"call": func() error {
			_, err := f.engine.Call(ctx, CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"})
			return err
		},
		"cancel-call": func() error {
			_, err := f.engine.CancelCall(ctx, ActionInput{TicketID: ticket.TicketID, Actor: "s"})
			return err
		},
		"complete": func() error {
			_, err := f.engine.Complete(ctx, ActionInput{TicketID: ticket.TicketID, Actor: "s"})
			return err
		},
		"cancel": func() error {
			_, err := f.engine.Cancel(ctx, ActionInput{TicketID: ticket.TicketID, Actor: "s"})
			return err
		},
		"transfer": func() error {
			_, err := f.engine.Transfer(ctx, TransferInput{TicketID: ticket.TicketID, DepartmentID: "tax", Actor: "s"})
			return err
		},
		"remark": func() error {
			_, err := f.engine.AddRemark(ctx, RemarkInput{TicketID: ticket.TicketID, Text: "late", Actor: "s"})
			return err
		},
	}
	for name, op := range ops {
		err := op()
		if store.KindOf(err) != store.KindInvalidTransition {
			t.Fatalf("%s: expected invalid transition, got %v", name, err)
		}
		if actual, ok := store.ActualState(err); !ok || actual != models.StatusCompleted {
			t.Fatalf("%s: expected actual state COMPLETED, got %v", name, actual)
		}
	}

	after, _ := f.store.GetTicket(ctx, ticket.TicketID)
	if after.Status != before.Status || after.DepartmentID != before.DepartmentID || !after.UpdatedAt.Equal(before.UpdatedAt) {
		t.Fatalf("terminal ticket changed: before %+v after %+v", before, after)
	}
	if got := len(f.actions(t, ticket.TicketID)); got != logCount {
		t.Fatalf("terminal ticket gained log entries: %d -> %d", logCount, got)
	}
}

func TestRemarks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := f.create(t, "birth")

	if _, err := f.engine.AddRemark(ctx, RemarkInput{TicketID: ticket.TicketID, Text: "   ", Actor: "s"}); store.KindOf(err) != store.KindValidation {
		t.Fatalf("blank remark must be rejected, got %v", err)
	}
	out, err := f.engine.AddRemark(ctx, RemarkInput{TicketID: ticket.TicketID, Text: "needs translator", Actor: "s"})
	if err != nil {
		t.Fatalf("add remark: %v", err)
	}
	if out.Ticket.RemarkCount != 1 || out.Ticket.Status != models.StatusWaiting {
		t.Fatalf("unexpected ticket after remark: %+v", out.Ticket)
	}
	if out.Entry.ActionDetails != "needs translator" {
		t.Fatalf("unexpected remark entry: %+v", out.Entry)
	}

	logs, _ := f.store.ListLogs(ctx, ticket.TicketID)
	createID := logs[0].LogID
	if _, err := f.engine.DeleteRemark(ctx, createID, "s"); store.KindOf(err) != store.KindValidation {
		t.Fatalf("deleting a CREATE entry must be rejected, got %v", err)
	}

	deleted, err := f.engine.DeleteRemark(ctx, out.Entry.LogID, "s")
	if err != nil {
		t.Fatalf("delete remark: %v", err)
	}
	if deleted.Ticket.RemarkCount != 0 || !deleted.Changed {
		t.Fatalf("expected remark_count 0, got %+v", deleted.Ticket)
	}
	remarks, _ := f.store.ListRemarks(ctx, ticket.TicketID)
	if len(remarks) != 0 {
		t.Fatalf("expected no remarks left, got %v", remarks)
	}
	if _, err := f.engine.DeleteRemark(ctx, out.Entry.LogID, "s"); store.KindOf(err) != store.KindNotFound {
		t.Fatalf("second delete must be not found, got %v", err)
	}
}

func TestDeleteRemarkKeepsOtherEntries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := f.create(t, "birth")
	if _, err := f.engine.Call(ctx, CallInput{TicketID: ticket.TicketID, CounterID: "c1", Actor: "s"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	first, err := f.engine.AddRemark(ctx, RemarkInput{TicketID: ticket.TicketID, Text: "needs translator", Actor: "s"})
	if err != nil {
		t.Fatalf("first remark: %v", err)
	}
	second, err := f.engine.AddRemark(ctx, RemarkInput{TicketID: ticket.TicketID, Text: "bring birth record", Actor: "s"})
	if err != nil {
		t.Fatalf("second remark: %v", err)
	}
	if second.Ticket.RemarkCount != 2 {
		t.Fatalf("expected remark_count 2, got %d", second.Ticket.RemarkCount)
	}

	before, err := f.store.ListLogs(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	callID := before[1].LogID
	if before[1].ActionType != models.ActionCall {
		t.Fatalf("expected CALL as second entry, got %s", before[1].ActionType)
	}
	if _, err := f.engine.DeleteRemark(ctx, callID, "s"); store.KindOf(err) != store.KindValidation {
		t.Fatalf("deleting a CALL entry must be a validation error, got %v", err)
	}

	deleted, err := f.engine.DeleteRemark(ctx, first.Entry.LogID, "s")
	if err != nil {
		t.Fatalf("delete remark: %v", err)
	}
	if deleted.Ticket.RemarkCount != 1 {
		t.Fatalf("expected remark_count 1, got %d", deleted.Ticket.RemarkCount)
	}
	if deleted.Ticket.Status != models.StatusProcessing || deleted.Ticket.Counter() != "c1" {
		t.Fatalf("deleting a remark must not change the ticket state: %+v", deleted.Ticket)
	}

	after, err := f.store.ListLogs(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list logs: %v", err)
	}
	want := []models.LogEntry{before[0], before[1], *second.Entry}
	if len(after) != len(want) {
		t.Fatalf("expected %d entries, got %+v", len(want), after)
	}
	for i := range want {
		if after[i].LogID != want[i].LogID || after[i].ActionType != want[i].ActionType || after[i].ActionDetails != want[i].ActionDetails {
			t.Fatalf("entry %d: expected %+v, got %+v", i, want[i], after[i])
		}
		if after[i].LogID == first.Entry.LogID {
			t.Fatalf("deleted entry %d still listed", first.Entry.LogID)
		}
	}

	remarks, err := f.store.ListRemarks(ctx, ticket.TicketID)
	if err != nil {
		t.Fatalf("list remarks: %v", err)
	}
	if len(remarks) != 1 || remarks[0].LogID != second.Entry.LogID || remarks[0].ActionDetails != "bring birth record" {
		t.Fatalf("unexpected remarks %+v", remarks)
	}
}

func TestSweepStaleTickets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.now = testNow.Add(-24 * time.Hour)
	stale := f.create(t, "birth")
	staleServed := f.create(t, "birth")
	if _, err := f.engine.Call(ctx, CallInput{TicketID: staleServed.TicketID, CounterID: "c1", Actor: "s"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	f.now = testNow
	fresh := f.create(t, "birth")

	out, err := f.engine.SweepStaleTickets(ctx, "civil")
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if len(out) != 1 || out[0].Ticket.TicketID != stale.TicketID || out[0].Ticket.Status != models.StatusCancelled {
		t.Fatalf("expected only the stale waiting ticket cancelled, got %+v", out)
	}
	logs, _ := f.store.ListLogs(ctx, stale.TicketID)
	last := logs[len(logs)-1]
	if last.ActionType != models.ActionSystemCancel || last.Actor != models.SystemActor {
		t.Fatalf("unexpected sweep log: %+v", last)
	}

	again, err := f.engine.SweepStaleTickets(ctx, "civil")
	if err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("sweep must be idempotent, got %+v", again)
	}
	if got := len(f.actions(t, stale.TicketID)); got != 2 {
		t.Fatalf("expected [CREATE SYSTEM_CANCEL], got %d entries", got)
	}
	for _, id := range []string{staleServed.TicketID, fresh.TicketID} {
		ticket, _ := f.store.GetTicket(ctx, id)
		if ticket.Status.Terminal() {
			t.Fatalf("ticket %s must not be swept", id)
		}
	}
}

func TestLockAcquisitionHonoursContext(t *testing.T) {
	f := newFixture(t)
	ticket := f.create(t, "birth")
	unlock, err := f.engine.locks.Lock(context.Background(), ticketKey(ticket.TicketID))
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.engine.Complete(ctx, ActionInput{TicketID: ticket.TicketID, Actor: "s"})
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}
